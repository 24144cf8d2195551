package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"stormfell/gateway/internal/events"
	"stormfell/gateway/internal/logging"
	"stormfell/gateway/internal/registry"
	"stormfell/gateway/internal/validate"
	"stormfell/gateway/internal/wire"
)

// DuplexConn is the transport seam for the bidirectional connection. The
// adapter must serialise concurrent writes and should unblock a pending read
// when Close is called.
type DuplexConn interface {
	// ReadFrame blocks until the next inbound frame or a transport failure.
	ReadFrame() ([]byte, error)
	// WriteFrame sends one outbound document.
	WriteFrame(data []byte) error
	Close() error
}

// Keepalive is an optional DuplexConn extension for transports with
// protocol-level ping/pong frames. The session pings on the heartbeat
// interval and counts each pong as proof of liveness, so idle but healthy
// peers are not evicted as stale.
type Keepalive interface {
	WritePing() error
	SetPongHandler(func())
}

// DuplexSession runs the per-connection command loop: each inbound frame is
// rate-checked, validated, and handed to the command dispatcher, with the
// result written back as a command_response envelope.
type DuplexSession struct {
	services *Services
	identity Identity
	conn     DuplexConn
	logger   *logging.Logger

	entry   *registry.Connection
	done    chan struct{}
	cleanup sync.Once
}

// NewDuplexSession wires a session task for one accepted duplex connection.
func NewDuplexSession(services *Services, identity Identity, conn DuplexConn) *DuplexSession {
	return &DuplexSession{
		services: services,
		identity: identity,
		conn:     conn,
		done:     make(chan struct{}),
		logger: services.logger().With(
			logging.String("component", "duplex"),
			logging.String("player_id", identity.PlayerID),
		),
	}
}

// duplexSink delivers dispatcher-pushed envelopes straight onto the wire.
type duplexSink struct {
	conn DuplexConn
}

func (s duplexSink) Deliver(env *wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := s.conn.WriteFrame(data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Run registers the connection, sends the welcome envelope, and processes
// frames until the peer goes away or the context is cancelled. Cleanup runs
// exactly once on every exit path; no failure escapes the task.
func (s *DuplexSession) Run(ctx context.Context) {
	svc := s.services
	s.entry = svc.Registry.Register(registry.Registration{
		PlayerID:  s.identity.PlayerID,
		SessionID: s.identity.SessionID,
		Transport: wire.TransportDuplex,
		Sink:      duplexSink{conn: s.conn},
		Close:     func() { _ = s.conn.Close() },
	})
	if s.entry == nil {
		return
	}
	s.logger = s.logger.With(logging.String("connection_id", s.entry.ID))
	defer s.release()

	// A cancelled context must unblock the pending read.
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	if ka, ok := s.conn.(Keepalive); ok {
		ka.SetPongHandler(func() { svc.Registry.MarkSeen(s.entry.ID) })
		go s.pingLoop(ctx, ka)
	}

	welcome := svc.Builder.Build(wire.EventWelcome, map[string]any{
		"player_id":     s.identity.PlayerID,
		"session_id":    s.identity.SessionID,
		"connection_id": s.entry.ID,
	}, events.ForPlayer(s.identity.PlayerID))
	if err := s.writeEnvelope(welcome); err != nil {
		// Failing the very first write means the peer is already gone.
		s.logger.Info("welcome write failed, treating connection as closed", logging.Error(err))
		return
	}
	s.logger.Info("duplex connection established")

	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("duplex connection cancelled")
			} else {
				s.logger.Info("duplex connection closed", logging.Error(err))
			}
			return
		}
		if !s.handleFrame(ctx, frame) {
			return
		}
	}
}

// handleFrame processes one inbound frame and reports whether the loop
// should continue. Validation and rate-limit rejections keep the connection
// open; only a dead transport ends it.
func (s *DuplexSession) handleFrame(ctx context.Context, frame []byte) bool {
	svc := s.services

	if !svc.Limiter.Allow(s.entry.ID) {
		info := svc.Limiter.Info(s.entry.ID)
		return s.writeError(wire.NewErrorEnvelope(
			wire.ErrorRateLimited,
			fmt.Sprintf("rate limit of %d frames per window exceeded", info.MaxAttempts),
			"You are sending commands too quickly. Please slow down.",
			map[string]any{
				"max_attempts": info.MaxAttempts,
				"retry_after":  info.ResetTime.UTC().Format(wire.TimestampLayout),
			},
		))
	}

	payload, vErr := svc.Validator.ValidateAndUnwrap(frame, s.identity.PlayerID, s.identity.CSRFToken)
	if vErr != nil {
		return s.writeError(wire.NewErrorEnvelope(
			string(vErr.Code),
			vErr.Message,
			friendlyValidationMessage(vErr.Code),
			vErr.Details,
		))
	}

	svc.Registry.MarkSeen(s.entry.ID)

	result, err := s.dispatch(ctx, payload)
	if err != nil {
		var unknown *UnknownTypeError
		switch {
		case errors.As(err, &unknown):
			return s.writeError(wire.NewErrorEnvelope(
				wire.ErrorUnknownType,
				unknown.Error(),
				"That command is not recognised.",
				map[string]any{"type": unknown.Tag},
			))
		case errors.Is(err, ErrMissingType):
			return s.writeError(wire.NewErrorEnvelope(
				wire.ErrorUnknownType,
				err.Error(),
				"That command is not recognised.",
				nil,
			))
		default:
			s.logger.Error("command dispatch failed", logging.Error(err))
			return s.writeError(wire.NewErrorEnvelope(
				wire.ErrorInternal,
				"command handling failed",
				"Something went wrong handling that command. Please try again.",
				nil,
			))
		}
	}
	if result == nil {
		result = &CommandResult{}
	}

	response := svc.Builder.Build(wire.EventCommandResponse, result.Data, events.ForPlayer(s.identity.PlayerID))
	if err := s.writeEnvelope(response); err != nil {
		s.logger.Info("response write failed, closing", logging.Error(err))
		return false
	}

	if bc := result.Broadcast; bc != nil && bc.RoomID != "" {
		exclude := ""
		if bc.ExcludeSelf {
			exclude = s.identity.PlayerID
		}
		env := svc.Builder.Build(bc.EventType, bc.Data, events.ForRoom(bc.RoomID))
		svc.Dispatcher.BroadcastRoom(bc.RoomID, env, exclude)
	}
	return true
}

// pingLoop keeps quiet connections alive. Valid frames already refresh the
// peer's last-seen time; pings cover the gap where a healthy peer simply has
// nothing to say.
func (s *DuplexSession) pingLoop(ctx context.Context, ka Keepalive) {
	interval := s.services.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := ka.WritePing(); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}

// dispatch shields the loop from a panicking command handler.
func (s *DuplexSession) dispatch(ctx context.Context, payload map[string]any) (result *CommandResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = nil
			err = fmt.Errorf("command handler panic: %v", recovered)
		}
	}()
	if s.services.Commands == nil {
		return nil, errors.New("no command dispatcher configured")
	}
	return s.services.Commands.Dispatch(ctx, s.identity.PlayerID, payload)
}

func (s *DuplexSession) writeEnvelope(env *wire.Envelope) error {
	return duplexSink{conn: s.conn}.Deliver(env)
}

// writeError reports a structured error to the client and keeps the loop
// alive unless the transport itself is now unusable.
func (s *DuplexSession) writeError(errEnv wire.ErrorEnvelope) bool {
	data, err := json.Marshal(errEnv)
	if err != nil {
		return true
	}
	if err := s.conn.WriteFrame(data); err != nil {
		s.logger.Info("error write failed, closing", logging.Error(err))
		return false
	}
	return true
}

// release runs the cleanup cascade exactly once: registry unregistration,
// which in turn clears the rate-limit bucket and, for the player's last
// connection, their room subscriptions.
func (s *DuplexSession) release() {
	s.cleanup.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		if s.entry != nil {
			s.services.Registry.Unregister(s.entry.ID)
		}
		s.logger.Info("duplex connection cleaned up")
	})
}

func friendlyValidationMessage(code validate.Code) string {
	switch code {
	case validate.CodeSizeLimitExceeded:
		return "That message is too large."
	case validate.CodeJSONParseError:
		return "The server could not read that message."
	case validate.CodeDepthLimitExceeded, validate.CodeStringLengthExceeded:
		return "That message is too complex."
	case validate.CodeSchemaValidationFailed:
		return "That message is not in the expected format."
	case validate.CodeCSRFTokenMissing, validate.CodeCSRFTokenInvalid:
		return "Your session could not be verified. Please reload the page."
	default:
		return "The server rejected that message."
	}
}
