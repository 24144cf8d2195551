package events

import (
	"sync/atomic"

	"stormfell/gateway/internal/logging"
	"stormfell/gateway/internal/wire"
)

// Sink is a connection's outbound path. Implementations must be safe for
// concurrent delivery and must return an error rather than block forever
// when the connection is gone.
type Sink interface {
	Deliver(env *wire.Envelope) error
}

// Target pairs a live connection with its sink for dispatch resolution.
type Target struct {
	ConnectionID string
	Transport    wire.TransportKind
	Sink         Sink
}

// Resolver exposes the connection registry to the dispatcher. The registry
// is the single source of truth; the dispatcher never holds its own list.
type Resolver interface {
	TargetsFor(playerID string) []Target
	PlayerIDs() []string
}

// RoomDirectory resolves room membership for scoped broadcast.
type RoomDirectory interface {
	MembersOf(roomID string) []string
}

// Stats aggregates dispatch counters for the metrics endpoint.
type Stats struct {
	Broadcasts uint64 `json:"broadcasts"`
	Deliveries uint64 `json:"deliveries"`
	Failures   uint64 `json:"delivery_failures"`
	Queued     uint64 `json:"queued_for_replay"`
}

// Dispatcher resolves a target scope and pushes the envelope onto each
// target connection's outbound path. Every delivery is best-effort and
// independently fallible; a failed target never aborts the rest and no
// failure is raised to the caller.
type Dispatcher struct {
	resolver Resolver
	rooms    RoomDirectory
	pending  *PendingQueue
	logger   *logging.Logger

	broadcasts atomic.Uint64
	deliveries atomic.Uint64
	failures   atomic.Uint64
	queued     atomic.Uint64
}

// NewDispatcher constructs a dispatcher over the supplied collaborators.
func NewDispatcher(resolver Resolver, rooms RoomDirectory, pending *PendingQueue, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.L()
	}
	return &Dispatcher{
		resolver: resolver,
		rooms:    rooms,
		pending:  pending,
		logger:   logger.With(logging.String("component", "dispatcher")),
	}
}

// SendToPlayer delivers the envelope to every connection the player has. A
// duplex connection is written immediately; when no push-stream is attached
// the envelope is buffered for replay instead of being dropped.
func (d *Dispatcher) SendToPlayer(playerID string, env *wire.Envelope) {
	if d == nil || playerID == "" || env == nil {
		return
	}
	targets := d.resolver.TargetsFor(playerID)
	streamAttached := false
	for _, target := range targets {
		if target.Transport == wire.TransportStream {
			streamAttached = true
		}
		d.deliver(playerID, target, env)
	}
	if !streamAttached && d.pending != nil {
		d.pending.Append(playerID, env)
		d.queued.Add(1)
	}
}

// BroadcastRoom delivers the envelope to every member of the room except the
// excluded player.
func (d *Dispatcher) BroadcastRoom(roomID string, env *wire.Envelope, excludePlayer string) {
	if d == nil || roomID == "" || env == nil || d.rooms == nil {
		return
	}
	d.broadcasts.Add(1)
	for _, playerID := range d.rooms.MembersOf(roomID) {
		if playerID == excludePlayer {
			continue
		}
		d.SendToPlayer(playerID, env)
	}
}

// BroadcastGlobal delivers the envelope to every registered player except
// the excluded one.
func (d *Dispatcher) BroadcastGlobal(env *wire.Envelope, excludePlayer string) {
	if d == nil || env == nil {
		return
	}
	d.broadcasts.Add(1)
	for _, playerID := range d.resolver.PlayerIDs() {
		if playerID == excludePlayer {
			continue
		}
		d.SendToPlayer(playerID, env)
	}
}

// Stats snapshots the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	if d == nil {
		return Stats{}
	}
	return Stats{
		Broadcasts: d.broadcasts.Load(),
		Deliveries: d.deliveries.Load(),
		Failures:   d.failures.Load(),
		Queued:     d.queued.Load(),
	}
}

func (d *Dispatcher) deliver(playerID string, target Target, env *wire.Envelope) {
	if target.Sink == nil {
		return
	}
	if err := target.Sink.Deliver(env); err != nil {
		d.failures.Add(1)
		d.logger.Warn("envelope delivery failed",
			logging.String("player_id", playerID),
			logging.String("connection_id", target.ConnectionID),
			logging.String("transport", string(target.Transport)),
			logging.String("event_type", env.EventType),
			logging.Error(err),
		)
		return
	}
	d.deliveries.Add(1)
}
