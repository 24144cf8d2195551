package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"stormfell/gateway/internal/config"
	"stormfell/gateway/internal/logging"
)

const testAuthSecret = "gateway-handshake-test-secret"

func loadTestConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	t.Setenv("GATEWAY_AUTH_SECRET", testAuthSecret)
	for key, value := range env {
		t.Setenv(key, value)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func newTestGateway(t *testing.T, env map[string]string) *Gateway {
	t.Helper()
	gateway, err := NewGateway(loadTestConfig(t, env), logging.NewTestLogger())
	if err != nil {
		t.Fatalf("assemble gateway: %v", err)
	}
	t.Cleanup(func() { _ = gateway.Close() })
	return gateway
}

func mintHandshakeToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testAuthSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func handshakeRequest(target string) *http.Request {
	return httptest.NewRequest(http.MethodGet, target, nil)
}

func handshakeStatus(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		t.Fatalf("expected a handshake rejection")
	}
	hsErr, ok := err.(*handshakeError)
	if !ok {
		t.Fatalf("expected *handshakeError, got %T: %v", err, err)
	}
	return hsErr.status
}

func TestHandshakeRequiresPlayerID(t *testing.T) {
	gateway := newTestGateway(t, nil)

	_, err := gateway.authenticateHandshake(handshakeRequest("/ws"))
	if got := handshakeStatus(t, err); got != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", got)
	}
}

func TestHandshakeAcceptsValidToken(t *testing.T) {
	gateway := newTestGateway(t, nil)
	token := mintHandshakeToken(t, jwt.MapClaims{"sub": "p1", "csrf": "csrf-abc"})

	identity, err := gateway.authenticateHandshake(handshakeRequest("/ws?player_id=p1&auth_token=" + token))
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if identity.PlayerID != "p1" || identity.CSRFToken != "csrf-abc" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if identity.SessionID == "" {
		t.Fatalf("session id should be generated when absent")
	}
}

func TestHandshakeReadsBearerHeader(t *testing.T) {
	gateway := newTestGateway(t, nil)
	token := mintHandshakeToken(t, jwt.MapClaims{"sub": "p1", "csrf": "csrf-abc"})

	req := handshakeRequest("/ws?player_id=p1&session_id=s-77")
	req.Header.Set("Authorization", "Bearer "+token)

	identity, err := gateway.authenticateHandshake(req)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if identity.SessionID != "s-77" {
		t.Fatalf("supplied session id should be kept, got %q", identity.SessionID)
	}
}

func TestHandshakeRejectsSubjectMismatch(t *testing.T) {
	gateway := newTestGateway(t, nil)
	token := mintHandshakeToken(t, jwt.MapClaims{"sub": "someone-else", "csrf": "csrf-abc"})

	_, err := gateway.authenticateHandshake(handshakeRequest("/ws?player_id=p1&auth_token=" + token))
	if got := handshakeStatus(t, err); got != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", got)
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	gateway := newTestGateway(t, nil)

	_, err := gateway.authenticateHandshake(handshakeRequest("/ws?player_id=p1&auth_token=garbage"))
	if got := handshakeStatus(t, err); got != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", got)
	}
}

func TestHandshakeRequiresCSRFBinding(t *testing.T) {
	gateway := newTestGateway(t, nil)
	token := mintHandshakeToken(t, jwt.MapClaims{"sub": "p1"})

	_, err := gateway.authenticateHandshake(handshakeRequest("/ws?player_id=p1&auth_token=" + token))
	if got := handshakeStatus(t, err); got != http.StatusForbidden {
		t.Fatalf("token without csrf claim should be refused, got %d", got)
	}
}

func TestHandshakeCompatibilityModeSkipsCSRFBinding(t *testing.T) {
	gateway := newTestGateway(t, map[string]string{"GATEWAY_ALLOW_UNVERIFIED_CSRF": "true"})
	token := mintHandshakeToken(t, jwt.MapClaims{"sub": "p1"})

	identity, err := gateway.authenticateHandshake(handshakeRequest("/ws?player_id=p1&auth_token=" + token))
	if err != nil {
		t.Fatalf("compatibility mode should admit the handshake: %v", err)
	}
	if identity.CSRFToken != "" {
		t.Fatalf("identity should carry no expected token, got %q", identity.CSRFToken)
	}
}

func TestHandshakeAnonymousMode(t *testing.T) {
	gateway := newTestGateway(t, map[string]string{"GATEWAY_ALLOW_ANONYMOUS": "true"})

	identity, err := gateway.authenticateHandshake(handshakeRequest("/ws?player_id=p1"))
	if err != nil {
		t.Fatalf("anonymous handshake failed: %v", err)
	}
	if identity.PlayerID != "p1" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestHandshakeRateLimiting(t *testing.T) {
	gateway := newTestGateway(t, map[string]string{
		"GATEWAY_ALLOW_ANONYMOUS": "true",
		"GATEWAY_HANDSHAKE_RATE":  "0.001",
		"GATEWAY_HANDSHAKE_BURST": "2",
	})

	for i := 0; i < 2; i++ {
		if _, err := gateway.authenticateHandshake(handshakeRequest("/ws?player_id=p1")); err != nil {
			t.Fatalf("handshake %d within burst failed: %v", i+1, err)
		}
	}
	_, err := gateway.authenticateHandshake(handshakeRequest("/ws?player_id=p1"))
	if got := handshakeStatus(t, err); got != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", got)
	}
}
