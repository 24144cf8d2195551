package main

import (
	"fmt"
	"net/http"

	"stormfell/gateway/internal/session"
	"stormfell/gateway/internal/wire"
)

// sseWriter frames envelopes as server-sent events and flushes each one so the
// peer observes events as they happen rather than on buffer boundaries.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) Send(env *wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", env.EventType, data); err != nil {
		return fmt.Errorf("write stream event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// serveStream accepts a one-way push connection and emits the event stream
// until the client goes away.
func (g *Gateway) serveStream(w http.ResponseWriter, r *http.Request) {
	// The origin gate comes first so a disallowed caller spends neither a
	// handshake-limiter token nor a credential verification.
	if !g.originAllowed(r) {
		rejectHandshake(w, g.log, r, &handshakeError{status: http.StatusForbidden, message: "origin not allowed"})
		return
	}
	identity, err := g.authenticateHandshake(r)
	if err != nil {
		rejectHandshake(w, g.log, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		rejectHandshake(w, g.log, r, &handshakeError{status: http.StatusInternalServerError, message: "streaming unsupported by server"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	session.NewStreamSession(g.services, identity, &sseWriter{w: w, flusher: flusher}).Run(r.Context())
}
