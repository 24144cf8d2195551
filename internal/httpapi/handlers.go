// Package httpapi bundles the gateway's operational HTTP handlers.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"stormfell/gateway/internal/events"
	"stormfell/gateway/internal/logging"
)

// ReadinessProvider exposes gateway state required for readiness checks.
type ReadinessProvider interface {
	SnapshotCounts() (connections, players, pending int)
	StartupError() error
	Uptime() time.Duration
}

// StatsProvider returns cumulative dispatch and rejection statistics.
type StatsProvider interface {
	DispatchStats() events.Stats
	RejectionStats() (validation, rateLimited uint64)
}

// Options configures the HandlerSet.
type Options struct {
	Logger     *logging.Logger
	Readiness  ReadinessProvider
	Stats      StatsProvider
	TimeSource func() time.Time
}

// HandlerSet bundles the gateway operational handlers.
type HandlerSet struct {
	logger    *logging.Logger
	readiness ReadinessProvider
	stats     StatsProvider
	now       func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:    logger,
		readiness: opts.Readiness,
		stats:     opts.Stats,
		now:       now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/schema/wire", h.SchemaHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports gateway readiness, including connection counts
// and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string `json:"status"`
		Connections   int    `json:"connections"`
		Players       int    `json:"players"`
		PendingQueued int    `json:"pending_queued"`
		UptimeSeconds int64  `json:"uptime_seconds"`
		Error         string `json:"error,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.readiness == nil {
			writeJSON(w, http.StatusServiceUnavailable, response{Status: "unconfigured"})
			return
		}
		connections, players, pending := h.readiness.SnapshotCounts()
		resp := response{
			Status:        "ready",
			Connections:   connections,
			Players:       players,
			PendingQueued: pending,
			UptimeSeconds: int64(h.readiness.Uptime().Seconds()),
		}
		status := http.StatusOK
		if err := h.readiness.StartupError(); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler exposes cumulative counters as a JSON document.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	type response struct {
		Dispatch             events.Stats `json:"dispatch"`
		ValidationRejections uint64       `json:"validation_rejections"`
		RateLimitRejections  uint64       `json:"rate_limit_rejections"`
		Timestamp            string       `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := response{Timestamp: h.now().UTC().Format(time.RFC3339Nano)}
		if h.stats != nil {
			resp.Dispatch = h.stats.DispatchStats()
			resp.ValidationRejections, resp.RateLimitRejections = h.stats.RejectionStats()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.L().Error("failed to encode response", logging.Error(err))
	}
}
