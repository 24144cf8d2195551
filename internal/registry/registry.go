// Package registry owns the set of live connections. It is the single source
// of truth for player-to-connection resolution; nothing else keeps its own
// connection list.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"stormfell/gateway/internal/events"
	"stormfell/gateway/internal/logging"
	"stormfell/gateway/internal/wire"
)

// Connection describes one physical transport attachment. Created on a
// successful handshake, destroyed on disconnect or eviction; owned
// exclusively by the registry for its lifetime.
type Connection struct {
	ID            string
	PlayerID      string
	SessionID     string
	Transport     wire.TransportKind
	EstablishedAt time.Time

	lastSeen time.Time
	sink     events.Sink
	close    func()
}

// Registration captures everything needed to admit a connection.
type Registration struct {
	PlayerID  string
	SessionID string
	Transport wire.TransportKind
	Sink      events.Sink
	// Close asks the owning transport to shut down, used on supersession
	// and stale pruning. May be nil.
	Close func()
}

// ReleaseFunc observes every fully removed connection together with the
// number of connections the player still has. The gateway uses it to clear
// rate-limit buckets and drop room subscriptions for the last connection.
type ReleaseFunc func(conn *Connection, remaining int)

// Registry maps players to their live connections with last-writer-wins
// supersession per transport kind.
type Registry struct {
	logger    *logging.Logger
	now       func() time.Time
	onRelease ReleaseFunc

	mu       sync.RWMutex
	byID     map[string]*Connection
	byPlayer map[string]map[string]*Connection
}

// Option customises registry construction.
type Option func(*Registry)

// WithClock overrides the registry time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithReleaseFunc installs the cleanup cascade callback.
func WithReleaseFunc(fn ReleaseFunc) Option {
	return func(r *Registry) { r.onRelease = fn }
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *logging.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = logging.L()
	}
	registry := &Registry{
		logger:   logger.With(logging.String("component", "registry")),
		now:      time.Now,
		byID:     make(map[string]*Connection),
		byPlayer: make(map[string]map[string]*Connection),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry
}

// Register admits a connection and returns it. When the player already has a
// connection of the same transport kind the prior one is superseded: removed
// from the registry and asked to close. Reconnect storms make this an
// expected event, logged as a warning, never an error.
func (r *Registry) Register(reg Registration) *Connection {
	if r == nil || reg.PlayerID == "" {
		return nil
	}
	now := r.now()
	conn := &Connection{
		ID:            uuid.NewString(),
		PlayerID:      reg.PlayerID,
		SessionID:     reg.SessionID,
		Transport:     reg.Transport,
		EstablishedAt: now,
		lastSeen:      now,
		sink:          reg.Sink,
		close:         reg.Close,
	}

	var superseded *Connection
	r.mu.Lock()
	for _, existing := range r.byPlayer[reg.PlayerID] {
		if existing.Transport == reg.Transport {
			superseded = existing
			break
		}
	}
	if superseded != nil {
		r.removeLocked(superseded.ID)
	}
	r.byID[conn.ID] = conn
	playerConns := r.byPlayer[reg.PlayerID]
	if playerConns == nil {
		playerConns = make(map[string]*Connection)
		r.byPlayer[reg.PlayerID] = playerConns
	}
	playerConns[conn.ID] = conn
	remaining := 0
	if superseded != nil {
		remaining = len(r.byPlayer[reg.PlayerID])
	}
	r.mu.Unlock()

	if superseded != nil {
		r.logger.Warn("superseding prior connection",
			logging.String("player_id", reg.PlayerID),
			logging.String("transport", string(reg.Transport)),
			logging.String("old_connection_id", superseded.ID),
			logging.String("new_connection_id", conn.ID),
		)
		r.release(superseded, remaining)
	}
	return conn
}

// Unregister removes the connection. Reports whether it was still present,
// which makes the cleanup cascade idempotent when a cancellation signal and
// an I/O failure race to trigger it.
func (r *Registry) Unregister(connectionID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	conn, ok := r.byID[connectionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(connectionID)
	remaining := len(r.byPlayer[conn.PlayerID])
	r.mu.Unlock()

	r.release(conn, remaining)
	return true
}

// LookupByPlayer returns the player's live connections.
func (r *Registry) LookupByPlayer(playerID string) []*Connection {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.byPlayer[playerID]))
	for _, conn := range r.byPlayer[playerID] {
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}

// MarkSeen refreshes the connection's liveness timestamp.
func (r *Registry) MarkSeen(connectionID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if conn, ok := r.byID[connectionID]; ok {
		conn.lastSeen = r.now()
	}
	r.mu.Unlock()
}

// LastSeen reports the connection's liveness timestamp.
func (r *Registry) LastSeen(connectionID string) (time.Time, bool) {
	if r == nil {
		return time.Time{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[connectionID]
	if !ok {
		return time.Time{}, false
	}
	return conn.lastSeen, true
}

// PruneStale removes every connection whose last-seen timestamp is older
// than the threshold, asking each transport to close and running the same
// cleanup cascade as an explicit disconnect. Returns the pruned ids.
func (r *Registry) PruneStale(threshold time.Duration) []string {
	if r == nil || threshold <= 0 {
		return nil
	}
	cutoff := r.now().Add(-threshold)

	type eviction struct {
		conn      *Connection
		remaining int
	}
	var evictions []eviction

	r.mu.Lock()
	for id, conn := range r.byID {
		if conn.lastSeen.Before(cutoff) {
			r.removeLocked(id)
			evictions = append(evictions, eviction{conn: conn, remaining: len(r.byPlayer[conn.PlayerID])})
		}
	}
	r.mu.Unlock()

	pruned := make([]string, 0, len(evictions))
	for _, evicted := range evictions {
		r.logger.Info("pruned stale connection",
			logging.String("player_id", evicted.conn.PlayerID),
			logging.String("connection_id", evicted.conn.ID),
			logging.String("transport", string(evicted.conn.Transport)),
		)
		r.release(evicted.conn, evicted.remaining)
		pruned = append(pruned, evicted.conn.ID)
	}
	return pruned
}

// TargetsFor implements events.Resolver.
func (r *Registry) TargetsFor(playerID string) []events.Target {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets := make([]events.Target, 0, len(r.byPlayer[playerID]))
	for _, conn := range r.byPlayer[playerID] {
		targets = append(targets, events.Target{
			ConnectionID: conn.ID,
			Transport:    conn.Transport,
			Sink:         conn.sink,
		})
	}
	return targets
}

// PlayerIDs implements events.Resolver, listing every registered player.
func (r *Registry) PlayerIDs() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	players := make([]string, 0, len(r.byPlayer))
	for playerID := range r.byPlayer {
		players = append(players, playerID)
	}
	sort.Strings(players)
	return players
}

// Counts reports the number of live connections and distinct players.
func (r *Registry) Counts() (connections, players int) {
	if r == nil {
		return 0, 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID), len(r.byPlayer)
}

func (r *Registry) removeLocked(connectionID string) {
	conn, ok := r.byID[connectionID]
	if !ok {
		return
	}
	delete(r.byID, connectionID)
	if playerConns, ok := r.byPlayer[conn.PlayerID]; ok {
		delete(playerConns, connectionID)
		if len(playerConns) == 0 {
			delete(r.byPlayer, conn.PlayerID)
		}
	}
}

func (r *Registry) release(conn *Connection, remaining int) {
	if conn.close != nil {
		conn.close()
	}
	if r.onRelease != nil {
		r.onRelease(conn, remaining)
	}
}
