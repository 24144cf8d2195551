package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"stormfell/gateway/internal/wire"
)

func TestRoutesMountOperationalEndpoints(t *testing.T) {
	gateway := newTestGateway(t, map[string]string{"GATEWAY_ALLOW_ANONYMOUS": "true"})
	mux := http.NewServeMux()
	gateway.Routes(mux)
	server := httptest.NewServer(mux)
	defer server.Close()

	for _, path := range []string{"/livez", "/readyz", "/metrics", "/schema/wire"} {
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestDuplexEndToEndOverWebSocket(t *testing.T) {
	gateway := newTestGateway(t, nil)
	mux := http.NewServeMux()
	gateway.Routes(mux)
	server := httptest.NewServer(mux)
	defer server.Close()

	token := mintHandshakeToken(t, jwt.MapClaims{"sub": "p1", "csrf": "csrf-abc"})
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?player_id=p1&auth_token=" + token

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var welcome wire.Envelope
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if welcome.EventType != wire.EventWelcome || welcome.Data["player_id"] != "p1" {
		t.Fatalf("unexpected welcome: %+v", welcome)
	}

	frame := map[string]any{"type": "ping", "csrfToken": "csrf-abc"}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	var response wire.Envelope
	if err := conn.ReadJSON(&response); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if response.EventType != wire.EventCommandResponse || response.Data["type"] != "pong" {
		t.Fatalf("unexpected response: %+v", response)
	}
}

func TestDuplexRejectsBadHandshakeOverHTTP(t *testing.T) {
	gateway := newTestGateway(t, nil)
	mux := http.NewServeMux()
	gateway.Routes(mux)
	server := httptest.NewServer(mux)
	defer server.Close()

	resp, err := http.Get(server.URL + "/ws?player_id=p1&auth_token=garbage")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestDisallowedOriginRefusedBeforeHandshake(t *testing.T) {
	gateway := newTestGateway(t, map[string]string{
		"GATEWAY_ALLOW_ANONYMOUS": "true",
		"GATEWAY_ALLOWED_ORIGINS": "https://game.example.com",
		"GATEWAY_HANDSHAKE_RATE":  "0.001",
		"GATEWAY_HANDSHAKE_BURST": "1",
	})
	mux := http.NewServeMux()
	gateway.Routes(mux)
	server := httptest.NewServer(mux)
	defer server.Close()

	for _, path := range []string{"/events", "/ws"} {
		req, err := http.NewRequest(http.MethodGet, server.URL+path+"?player_id=p1", nil)
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		req.Header.Set("Origin", "https://evil.example.com")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("GET %s with bad origin = %d, want 403", path, resp.StatusCode)
		}
	}

	// Both refusals happened before the limiter, so the single-token
	// handshake budget is still intact.
	if _, err := gateway.authenticateHandshake(handshakeRequest("/ws?player_id=p1")); err != nil {
		t.Fatalf("origin refusals consumed the handshake budget: %v", err)
	}
}

func TestReadinessReflectsSnapshotFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pending.snap")
	writeCorruptSnapshot(t, path)

	gateway := newTestGateway(t, map[string]string{
		"GATEWAY_ALLOW_ANONYMOUS":       "true",
		"GATEWAY_PENDING_SNAPSHOT_PATH": path,
	})
	mux := http.NewServeMux()
	gateway.Routes(mux)
	server := httptest.NewServer(mux)
	defer server.Close()

	resp, err := http.Get(server.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "error" {
		t.Fatalf("unexpected readiness body: %v", body)
	}
}
