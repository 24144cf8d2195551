package registry

import (
	"testing"
	"time"

	"stormfell/gateway/internal/logging"
	"stormfell/gateway/internal/wire"
)

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time { return c.current }

func (c *fakeClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func TestRegisterSupersedesSameTransport(t *testing.T) {
	registry := NewRegistry(logging.NewTestLogger())

	oldClosed := false
	first := registry.Register(Registration{
		PlayerID:  "p1",
		Transport: wire.TransportDuplex,
		Close:     func() { oldClosed = true },
	})
	second := registry.Register(Registration{PlayerID: "p1", Transport: wire.TransportDuplex})

	if !oldClosed {
		t.Fatalf("superseded connection should be asked to close")
	}
	conns := registry.LookupByPlayer("p1")
	if len(conns) != 1 || conns[0].ID != second.ID {
		t.Fatalf("only the newest duplex connection should survive, got %d", len(conns))
	}
	if _, ok := registry.LastSeen(first.ID); ok {
		t.Fatalf("superseded connection should be fully removed")
	}
}

func TestRegisterAllowsOneConnectionPerTransport(t *testing.T) {
	registry := NewRegistry(logging.NewTestLogger())

	registry.Register(Registration{PlayerID: "p1", Transport: wire.TransportDuplex})
	registry.Register(Registration{PlayerID: "p1", Transport: wire.TransportStream})

	if conns := registry.LookupByPlayer("p1"); len(conns) != 2 {
		t.Fatalf("duplex and stream should coexist, got %d", len(conns))
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	released := 0
	registry := NewRegistry(logging.NewTestLogger(), WithReleaseFunc(func(*Connection, int) {
		released++
	}))
	conn := registry.Register(Registration{PlayerID: "p1", Transport: wire.TransportDuplex})

	if !registry.Unregister(conn.ID) {
		t.Fatalf("first unregister should report removal")
	}
	if registry.Unregister(conn.ID) {
		t.Fatalf("second unregister must be a no-op")
	}
	if released != 1 {
		t.Fatalf("release cascade should run exactly once, ran %d times", released)
	}
}

func TestReleaseReportsRemainingConnections(t *testing.T) {
	var lastRemaining int
	registry := NewRegistry(logging.NewTestLogger(), WithReleaseFunc(func(_ *Connection, remaining int) {
		lastRemaining = remaining
	}))

	duplex := registry.Register(Registration{PlayerID: "p1", Transport: wire.TransportDuplex})
	stream := registry.Register(Registration{PlayerID: "p1", Transport: wire.TransportStream})

	registry.Unregister(duplex.ID)
	if lastRemaining != 1 {
		t.Fatalf("expected one remaining connection, got %d", lastRemaining)
	}
	registry.Unregister(stream.ID)
	if lastRemaining != 0 {
		t.Fatalf("expected zero remaining connections, got %d", lastRemaining)
	}
}

func TestPruneStaleEvictsIdleConnections(t *testing.T) {
	clock := &fakeClock{current: time.Unix(5000, 0)}
	registry := NewRegistry(logging.NewTestLogger(), WithClock(clock.Now))

	idleClosed := false
	idle := registry.Register(Registration{
		PlayerID:  "idle",
		Transport: wire.TransportStream,
		Close:     func() { idleClosed = true },
	})
	active := registry.Register(Registration{PlayerID: "active", Transport: wire.TransportStream})

	clock.Advance(2 * time.Minute)
	registry.MarkSeen(active.ID)
	clock.Advance(time.Minute)

	pruned := registry.PruneStale(90 * time.Second)
	if len(pruned) != 1 || pruned[0] != idle.ID {
		t.Fatalf("expected only the idle connection pruned, got %v", pruned)
	}
	if !idleClosed {
		t.Fatalf("pruned connection should be asked to close")
	}
	if conns, players := registry.Counts(); conns != 1 || players != 1 {
		t.Fatalf("expected one live connection, got conns=%d players=%d", conns, players)
	}
}

func TestMarkSeenRefreshesTimestamp(t *testing.T) {
	clock := &fakeClock{current: time.Unix(5000, 0)}
	registry := NewRegistry(logging.NewTestLogger(), WithClock(clock.Now))
	conn := registry.Register(Registration{PlayerID: "p1", Transport: wire.TransportDuplex})

	clock.Advance(30 * time.Second)
	registry.MarkSeen(conn.ID)

	seen, ok := registry.LastSeen(conn.ID)
	if !ok || !seen.Equal(clock.Now()) {
		t.Fatalf("lastSeen = %v ok=%t, want %v", seen, ok, clock.Now())
	}
}

func TestTargetsForExposesSinks(t *testing.T) {
	registry := NewRegistry(logging.NewTestLogger())
	registry.Register(Registration{PlayerID: "p1", Transport: wire.TransportDuplex})
	registry.Register(Registration{PlayerID: "p2", Transport: wire.TransportStream})

	if targets := registry.TargetsFor("p1"); len(targets) != 1 || targets[0].Transport != wire.TransportDuplex {
		t.Fatalf("unexpected targets: %+v", targets)
	}
	if players := registry.PlayerIDs(); len(players) != 2 || players[0] != "p1" || players[1] != "p2" {
		t.Fatalf("unexpected players: %v", players)
	}
}
