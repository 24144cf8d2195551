package events

import (
	"sync"

	"stormfell/gateway/internal/wire"
)

// PendingQueue buffers envelopes for players with no push-stream attached,
// for example between page reloads. Each player's queue is bounded; the
// oldest entry is evicted first when full. Draining clears the queue so a
// fresh stream never replays stale state twice.
type PendingQueue struct {
	mu       sync.Mutex
	capacity int
	queues   map[string][]*wire.Envelope
	evicted  uint64
}

// NewPendingQueue constructs a queue holding up to capacity envelopes per player.
func NewPendingQueue(capacity int) *PendingQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &PendingQueue{
		capacity: capacity,
		queues:   make(map[string][]*wire.Envelope),
	}
}

// Append buffers the envelope for the player, evicting the oldest entry when
// the queue is at capacity.
func (q *PendingQueue) Append(playerID string, env *wire.Envelope) {
	if q == nil || playerID == "" || env == nil {
		return
	}
	q.mu.Lock()
	queue := q.queues[playerID]
	if len(queue) >= q.capacity {
		queue = queue[1:]
		q.evicted++
	}
	q.queues[playerID] = append(queue, env)
	q.mu.Unlock()
}

// Drain returns the player's buffered envelopes in order and clears the queue.
func (q *PendingQueue) Drain(playerID string) []*wire.Envelope {
	if q == nil || playerID == "" {
		return nil
	}
	q.mu.Lock()
	queue := q.queues[playerID]
	delete(q.queues, playerID)
	q.mu.Unlock()
	return queue
}

// Len reports how many envelopes are buffered for the player.
func (q *PendingQueue) Len(playerID string) int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[playerID])
}

// Total reports the number of buffered envelopes across all players.
func (q *PendingQueue) Total() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, queue := range q.queues {
		total += len(queue)
	}
	return total
}

// Evicted reports how many envelopes have been dropped to capacity pressure.
func (q *PendingQueue) Evicted() uint64 {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

// Snapshot copies every queue, keyed by player, for persistence.
func (q *PendingQueue) Snapshot() map[string][]*wire.Envelope {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queues) == 0 {
		return nil
	}
	snapshot := make(map[string][]*wire.Envelope, len(q.queues))
	for playerID, queue := range q.queues {
		snapshot[playerID] = append([]*wire.Envelope(nil), queue...)
	}
	return snapshot
}

// Restore seeds queues from a persisted snapshot, respecting capacity. Any
// queue already present for a player is replaced.
func (q *PendingQueue) Restore(snapshot map[string][]*wire.Envelope) {
	if q == nil || len(snapshot) == 0 {
		return
	}
	q.mu.Lock()
	for playerID, queue := range snapshot {
		if playerID == "" || len(queue) == 0 {
			continue
		}
		if len(queue) > q.capacity {
			queue = queue[len(queue)-q.capacity:]
		}
		q.queues[playerID] = append([]*wire.Envelope(nil), queue...)
	}
	q.mu.Unlock()
}
