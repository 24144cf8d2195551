package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"stormfell/gateway/internal/config"
	"stormfell/gateway/internal/events"
	"stormfell/gateway/internal/httpapi"
	"stormfell/gateway/internal/logging"
	"stormfell/gateway/internal/ratelimit"
	"stormfell/gateway/internal/registry"
	"stormfell/gateway/internal/rooms"
	"stormfell/gateway/internal/session"
	"stormfell/gateway/internal/validate"
)

// Gateway wires the event distribution core: registry, room index, rate
// limiter, validator, envelope builder, dispatcher, and both transport
// endpoints.
type Gateway struct {
	cfg    *config.Config
	log    *logging.Logger
	authlr handshakeAuthenticator

	registry   *registry.Registry
	rooms      *rooms.Index
	limiter    *ratelimit.Limiter
	validator  *validate.Validator
	builder    *events.Builder
	pending    *events.PendingQueue
	dispatcher *events.Dispatcher
	services   *session.Services
	commands   session.CommandDispatcher

	handshakes  *rate.Limiter
	snapshotter *pendingSnapshotter
	startedAt   time.Time
	startupErr  error
}

// GatewayOption customises gateway construction.
type GatewayOption func(*Gateway)

// WithCommandDispatcher injects the business-logic seam handling every
// validated inbound payload.
func WithCommandDispatcher(dispatcher session.CommandDispatcher) GatewayOption {
	return func(g *Gateway) {
		if dispatcher != nil {
			g.commands = dispatcher
		}
	}
}

// WithHandshakeAuthenticator wires a custom authenticator into the gateway.
func WithHandshakeAuthenticator(authenticator handshakeAuthenticator) GatewayOption {
	return func(g *Gateway) {
		if authenticator != nil {
			g.authlr = authenticator
		}
	}
}

// NewGateway assembles the core from configuration. A missing required
// collaborator is the only error class that prevents startup.
func NewGateway(cfg *config.Config, logger *logging.Logger, opts ...GatewayOption) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("gateway config required")
	}
	if logger == nil {
		logger = logging.L()
	}

	g := &Gateway{
		cfg:        cfg,
		log:        logger,
		rooms:      rooms.NewIndex(),
		limiter:    ratelimit.NewLimiter(cfg.RateLimitWindow, cfg.RateLimitMaxAttempts),
		pending:    events.NewPendingQueue(cfg.PendingQueueCapacity),
		builder:    events.NewBuilder(),
		handshakes: rate.NewLimiter(rate.Limit(cfg.HandshakeRate), cfg.HandshakeBurst),
		startedAt:  time.Now(),
	}
	g.validator = validate.NewValidator(validate.Config{
		MaxBytes:        cfg.MaxFrameBytes,
		MaxDepth:        cfg.MaxJSONDepth,
		MaxStringLength: cfg.MaxStringLength,
	}, logger)

	// Disconnect, supersession, and stale pruning all funnel through this
	// release callback so the cascade is identical on every path. Pending
	// queues are deliberately retained; they are cleared only when a fresh
	// push stream drains them.
	g.registry = registry.NewRegistry(logger, registry.WithReleaseFunc(func(conn *registry.Connection, remaining int) {
		g.limiter.Clear(conn.ID)
		if remaining == 0 {
			g.rooms.DropPlayer(conn.PlayerID)
		}
	}))
	g.dispatcher = events.NewDispatcher(g.registry, g.rooms, g.pending, logger)

	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	if g.authlr == nil {
		if cfg.AllowAnonymous {
			g.authlr = anonymousAuthenticator{}
			logger.Warn("handshake authentication disabled; any caller may claim any player identity")
		} else {
			authenticator, err := newJWTAuthenticator(cfg.AuthSecret, cfg.AuthIssuer)
			if err != nil {
				return nil, fmt.Errorf("configure handshake authenticator: %w", err)
			}
			g.authlr = authenticator
		}
	}
	if g.commands == nil {
		g.commands = g.defaultHandlers()
	}
	if cfg.AllowUnverifiedCSRF {
		logger.Warn("CSRF verification compatibility mode enabled; sessions without a token binding accept any inbound token")
	}

	g.services = &session.Services{
		Registry:          g.registry,
		Rooms:             g.rooms,
		Limiter:           g.limiter,
		Validator:         g.validator,
		Builder:           g.builder,
		Dispatcher:        g.dispatcher,
		Pending:           g.pending,
		Commands:          g.commands,
		Logger:            logger,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Housekeep:         g.housekeep,
	}

	if cfg.PendingSnapshotPath != "" {
		snapshotter, err := newPendingSnapshotter(cfg.PendingSnapshotPath, cfg.PendingSnapshotInterval, g.pending, logger)
		if err != nil {
			// The gateway still serves traffic without persistence; the
			// failure is surfaced through the readiness endpoint.
			g.startupErr = fmt.Errorf("restore pending snapshot: %w", err)
			logger.Error("pending snapshot restore failed, persistence disabled", logging.Error(err))
		} else {
			g.snapshotter = snapshotter
		}
	}
	return g, nil
}

// Dispatcher exposes the broadcast primitives to the embedding game layer.
func (g *Gateway) Dispatcher() *events.Dispatcher { return g.dispatcher }

// Builder exposes the envelope builder to the embedding game layer.
func (g *Gateway) Builder() *events.Builder { return g.builder }

// Rooms exposes the subscription index to the embedding game layer.
func (g *Gateway) Rooms() *rooms.Index { return g.rooms }

// Routes attaches the transport endpoints and operational handlers.
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", g.serveDuplex)
	mux.HandleFunc("/events", g.serveStream)
	httpapi.NewHandlerSet(httpapi.Options{
		Logger:    g.log,
		Readiness: g,
		Stats:     g,
	}).Register(mux)
}

// Close flushes and stops background persistence.
func (g *Gateway) Close() error {
	if g.snapshotter != nil {
		return g.snapshotter.Close()
	}
	return nil
}

// housekeep runs the low-frequency maintenance invoked from stream tasks:
// stale-connection pruning, which is an in-memory sweep, and a snapshot flush
// that respects the caller's timeout.
func (g *Gateway) housekeep(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.registry.PruneStale(g.cfg.StaleThreshold)
	if g.snapshotter != nil {
		return g.snapshotter.FlushContext(ctx)
	}
	return nil
}

// SnapshotCounts implements httpapi.ReadinessProvider.
func (g *Gateway) SnapshotCounts() (connections, players, pending int) {
	connections, players = g.registry.Counts()
	return connections, players, g.pending.Total()
}

// StartupError implements httpapi.ReadinessProvider.
func (g *Gateway) StartupError() error { return g.startupErr }

// Uptime implements httpapi.ReadinessProvider.
func (g *Gateway) Uptime() time.Duration { return time.Since(g.startedAt) }

// DispatchStats implements httpapi.StatsProvider.
func (g *Gateway) DispatchStats() events.Stats { return g.dispatcher.Stats() }

// RejectionStats implements httpapi.StatsProvider.
func (g *Gateway) RejectionStats() (validation, rateLimited uint64) {
	return g.validator.Rejections(), g.limiter.Denied()
}

// originAllowed applies the configured origin allow-list; an empty list
// admits every origin, matching same-host deployments behind a proxy.
func (g *Gateway) originAllowed(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
