package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"stormfell/gateway/internal/events"
	"stormfell/gateway/internal/logging"
	"stormfell/gateway/internal/registry"
	"stormfell/gateway/internal/wire"
)

// StreamWriter is the transport seam for the one-way push connection.
// Send must flush the envelope to the peer before returning.
type StreamWriter interface {
	Send(env *wire.Envelope) error
}

// errStreamBacklog reports a consumer that cannot keep up with pushed events.
var errStreamBacklog = errors.New("push-stream backlog full")

// streamSink buffers dispatcher-pushed envelopes for the stream loop without
// ever blocking the publisher.
type streamSink struct {
	ch chan *wire.Envelope
}

func (s streamSink) Deliver(env *wire.Envelope) error {
	select {
	case s.ch <- env:
		return nil
	default:
		return errStreamBacklog
	}
}

// StreamSession emits the non-restartable event sequence for one push-stream
// connection: connected, heartbeat, pending replay, then a steady loop of
// heartbeats interleaved with dispatcher-pushed envelopes.
type StreamSession struct {
	services *Services
	identity Identity
	writer   StreamWriter
	logger   *logging.Logger

	entry    *registry.Connection
	pushed   chan *wire.Envelope
	stop     chan struct{}
	stopOnce sync.Once
	cleanup  sync.Once
}

// NewStreamSession wires a session task for one accepted push-stream connection.
func NewStreamSession(services *Services, identity Identity, writer StreamWriter) *StreamSession {
	return &StreamSession{
		services: services,
		identity: identity,
		writer:   writer,
		pushed:   make(chan *wire.Envelope, 64),
		stop:     make(chan struct{}),
		logger: services.logger().With(
			logging.String("component", "push_stream"),
			logging.String("player_id", identity.PlayerID),
		),
	}
}

// Run produces the stream until the consumer cancels, the registry
// supersedes the connection, or a write fails. Every exit path triggers the
// same cleanup cascade as the duplex loop, exactly once.
func (s *StreamSession) Run(ctx context.Context) {
	svc := s.services
	s.entry = svc.Registry.Register(registry.Registration{
		PlayerID:  s.identity.PlayerID,
		SessionID: s.identity.SessionID,
		Transport: wire.TransportStream,
		Sink:      streamSink{ch: s.pushed},
		Close:     s.requestStop,
	})
	if s.entry == nil {
		return
	}
	s.logger = s.logger.With(logging.String("connection_id", s.entry.ID))
	defer s.release()

	connected := svc.Builder.Build(wire.EventConnected, map[string]any{
		"player_id":     s.identity.PlayerID,
		"session_id":    s.identity.SessionID,
		"connection_id": s.entry.ID,
	}, events.ForPlayer(s.identity.PlayerID))
	if err := s.writer.Send(connected); err != nil {
		s.logger.Info("connected write failed, treating stream as closed", logging.Error(err))
		return
	}
	if !s.sendHeartbeat() {
		return
	}

	// Replay everything buffered while no stream was attached; the queue is
	// cleared by the drain so a later attach never sees stale state.
	for _, env := range svc.Pending.Drain(s.identity.PlayerID) {
		if err := s.writer.Send(env); err != nil {
			s.logger.Info("replay write failed, closing stream", logging.Error(err))
			return
		}
	}
	s.logger.Info("push stream established")

	interval := svc.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	heartbeats := 0
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("push stream cancelled")
			return
		case <-s.stop:
			s.logger.Info("push stream superseded")
			return
		case env := <-s.pushed:
			if err := s.writer.Send(env); err != nil {
				s.logger.Info("push write failed, closing stream", logging.Error(err))
				return
			}
		case <-ticker.C:
			if !s.sendHeartbeat() {
				return
			}
			heartbeats++
			if heartbeats%housekeepingEveryNHeartbeats == 0 {
				s.housekeep(ctx)
			}
		}
	}
}

func (s *StreamSession) sendHeartbeat() bool {
	env := s.services.Builder.Build(wire.EventHeartbeat, map[string]any{}, events.ForPlayer(s.identity.PlayerID))
	if err := s.writer.Send(env); err != nil {
		s.logger.Info("heartbeat write failed, closing stream", logging.Error(err))
		return false
	}
	// A successful heartbeat write is this connection's liveness signal.
	s.services.Registry.MarkSeen(s.entry.ID)
	return true
}

// housekeep invokes the bounded-timeout maintenance hook. A timeout or error
// here is logged and swallowed; it must never terminate the stream.
func (s *StreamSession) housekeep(ctx context.Context) {
	hook := s.services.Housekeep
	if hook == nil {
		return
	}
	hctx, cancel := context.WithTimeout(ctx, housekeepingTimeout)
	defer cancel()
	if err := hook(hctx); err != nil {
		s.logger.Warn("stream housekeeping failed", logging.Error(err))
	}
}

func (s *StreamSession) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *StreamSession) release() {
	s.cleanup.Do(func() {
		s.requestStop()
		if s.entry != nil {
			s.services.Registry.Unregister(s.entry.ID)
		}
		s.logger.Info("push stream cleaned up")
	})
}
