package session

import (
	"context"
	"time"

	"stormfell/gateway/internal/events"
	"stormfell/gateway/internal/logging"
	"stormfell/gateway/internal/ratelimit"
	"stormfell/gateway/internal/registry"
	"stormfell/gateway/internal/rooms"
	"stormfell/gateway/internal/validate"
)

const (
	// defaultHeartbeatInterval is the keepalive cadence used when Services
	// does not override it: heartbeat envelopes on streams, pings on duplex
	// connections.
	defaultHeartbeatInterval = 30 * time.Second
	// housekeepingEveryNHeartbeats spaces out orphan-state cleanup on the
	// push-stream loop.
	housekeepingEveryNHeartbeats = 10
	// housekeepingTimeout bounds how long maintenance may stall a stream
	// task before it is abandoned for this cycle.
	housekeepingTimeout = 5 * time.Second
)

// Services bundles the shared collaborators handed to every session task.
// Each of them is individually safe for concurrent use.
type Services struct {
	Registry   *registry.Registry
	Rooms      *rooms.Index
	Limiter    *ratelimit.Limiter
	Validator  *validate.Validator
	Builder    *events.Builder
	Dispatcher *events.Dispatcher
	Pending    *events.PendingQueue
	Commands   CommandDispatcher
	Logger     *logging.Logger

	// HeartbeatInterval is the keepalive cadence for both transports.
	HeartbeatInterval time.Duration
	// Housekeep is invoked from the stream loop roughly every ten heartbeats
	// under a short timeout; errors are logged and swallowed.
	Housekeep func(ctx context.Context) error
}

func (s *Services) logger() *logging.Logger {
	if s == nil || s.Logger == nil {
		return logging.L()
	}
	return s.Logger
}

// Identity carries the authenticated handshake result into a session task.
type Identity struct {
	PlayerID  string
	SessionID string
	// CSRFToken is the expected token for every inbound frame; empty means
	// the backward-compatibility mode was explicitly allowed at handshake.
	CSRFToken string
}
