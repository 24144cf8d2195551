package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stormfell/gateway/internal/events"
	"stormfell/gateway/internal/logging"
)

type fakeReadiness struct {
	connections int
	players     int
	pending     int
	startupErr  error
}

func (f *fakeReadiness) SnapshotCounts() (int, int, int) {
	return f.connections, f.players, f.pending
}

func (f *fakeReadiness) StartupError() error { return f.startupErr }

func (f *fakeReadiness) Uptime() time.Duration { return 90 * time.Second }

type fakeStats struct {
	dispatch    events.Stats
	validation  uint64
	rateLimited uint64
}

func (f *fakeStats) DispatchStats() events.Stats { return f.dispatch }

func (f *fakeStats) RejectionStats() (uint64, uint64) { return f.validation, f.rateLimited }

func newTestHandlerSet(readiness ReadinessProvider, stats StatsProvider) *HandlerSet {
	return NewHandlerSet(Options{
		Logger:    logging.NewTestLogger(),
		Readiness: readiness,
		Stats:     stats,
	})
}

func TestLivenessHandler(t *testing.T) {
	handlers := newTestHandlerSet(nil, nil)
	recorder := httptest.NewRecorder()

	handlers.LivenessHandler()(recorder, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "alive" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestReadinessHandlerReportsCounts(t *testing.T) {
	handlers := newTestHandlerSet(&fakeReadiness{connections: 3, players: 2, pending: 7}, nil)
	recorder := httptest.NewRecorder()

	handlers.ReadinessHandler()(recorder, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["connections"] != float64(3) || body["players"] != float64(2) || body["pending_queued"] != float64(7) {
		t.Fatalf("unexpected counts: %v", body)
	}
	if body["uptime_seconds"] != float64(90) {
		t.Fatalf("unexpected uptime: %v", body["uptime_seconds"])
	}
}

func TestReadinessHandlerSurfacesStartupError(t *testing.T) {
	handlers := newTestHandlerSet(&fakeReadiness{startupErr: errors.New("snapshot corrupt")}, nil)
	recorder := httptest.NewRecorder()

	handlers.ReadinessHandler()(recorder, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", recorder.Code)
	}
}

func TestMetricsHandler(t *testing.T) {
	stats := &fakeStats{
		dispatch:    events.Stats{Broadcasts: 4, Deliveries: 40, Failures: 1, Queued: 3},
		validation:  9,
		rateLimited: 2,
	}
	handlers := newTestHandlerSet(nil, stats)
	recorder := httptest.NewRecorder()

	handlers.MetricsHandler()(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	var body struct {
		Dispatch             events.Stats `json:"dispatch"`
		ValidationRejections uint64       `json:"validation_rejections"`
		RateLimitRejections  uint64       `json:"rate_limit_rejections"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Dispatch.Deliveries != 40 || body.ValidationRejections != 9 || body.RateLimitRejections != 2 {
		t.Fatalf("unexpected metrics: %+v", body)
	}
}

func TestSchemaHandlerDescribesEnvelopes(t *testing.T) {
	handlers := newTestHandlerSet(nil, nil)
	recorder := httptest.NewRecorder()

	handlers.SchemaHandler()(recorder, httptest.NewRequest(http.MethodGet, "/schema/wire", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode schema: %v", err)
	}
	for _, key := range []string{"envelope", "error_envelope"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("schema missing %q section", key)
		}
	}
	var envelope struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(body["envelope"], &envelope); err != nil {
		t.Fatalf("decode envelope schema: %v", err)
	}
	for _, field := range []string{"event_type", "data", "timestamp", "sequence_number"} {
		if _, ok := envelope.Properties[field]; !ok {
			t.Fatalf("envelope schema missing %q", field)
		}
	}
}
