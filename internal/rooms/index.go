// Package rooms maintains the many-to-many relation between players and the
// opaque room keys used for scoped broadcast. Which room a player should be
// in is the caller's business; the index only guarantees idempotent updates
// and convergent reconciliation.
package rooms

import (
	"sort"
	"sync"
)

// Index maps room identifiers to subscribed players and back.
type Index struct {
	mu       sync.RWMutex
	byRoom   map[string]map[string]struct{}
	byPlayer map[string]map[string]struct{}
}

// NewIndex constructs an empty subscription index.
func NewIndex() *Index {
	return &Index{
		byRoom:   make(map[string]map[string]struct{}),
		byPlayer: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds the player to the room. Subscribing twice is a no-op.
func (i *Index) Subscribe(playerID, roomID string) {
	if i == nil || playerID == "" || roomID == "" {
		return
	}
	i.mu.Lock()
	i.subscribeLocked(playerID, roomID)
	i.mu.Unlock()
}

// Unsubscribe removes the player from the room. Removing a non-member is a no-op.
func (i *Index) Unsubscribe(playerID, roomID string) {
	if i == nil {
		return
	}
	i.mu.Lock()
	i.unsubscribeLocked(playerID, roomID)
	i.mu.Unlock()
}

// Reconcile converges the room's membership to exactly the supplied set by
// applying the minimal subscribe/unsubscribe calls. Repeated reconciliation
// with the same input performs no mutation.
func (i *Index) Reconcile(roomID string, memberPlayerIDs []string) {
	if i == nil || roomID == "" {
		return
	}
	desired := make(map[string]struct{}, len(memberPlayerIDs))
	for _, playerID := range memberPlayerIDs {
		if playerID != "" {
			desired[playerID] = struct{}{}
		}
	}

	i.mu.Lock()
	current := i.byRoom[roomID]
	for playerID := range current {
		if _, keep := desired[playerID]; !keep {
			i.unsubscribeLocked(playerID, roomID)
		}
	}
	for playerID := range desired {
		i.subscribeLocked(playerID, roomID)
	}
	i.mu.Unlock()
}

// ReconcilePlayer converges the player's subscriptions to exactly the
// supplied room set, mirroring Reconcile from the player's side.
func (i *Index) ReconcilePlayer(playerID string, roomIDs []string) {
	if i == nil || playerID == "" {
		return
	}
	desired := make(map[string]struct{}, len(roomIDs))
	for _, roomID := range roomIDs {
		if roomID != "" {
			desired[roomID] = struct{}{}
		}
	}

	i.mu.Lock()
	current := i.byPlayer[playerID]
	for roomID := range current {
		if _, keep := desired[roomID]; !keep {
			i.unsubscribeLocked(playerID, roomID)
		}
	}
	for roomID := range desired {
		i.subscribeLocked(playerID, roomID)
	}
	i.mu.Unlock()
}

// MembersOf returns the players subscribed to the room, sorted for stable output.
func (i *Index) MembersOf(roomID string) []string {
	if i == nil {
		return nil
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return sortedKeys(i.byRoom[roomID])
}

// RoomsOf returns the rooms the player is subscribed to, sorted for stable output.
func (i *Index) RoomsOf(playerID string) []string {
	if i == nil {
		return nil
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return sortedKeys(i.byPlayer[playerID])
}

// DropPlayer removes the player from every room, used when their last
// connection goes away.
func (i *Index) DropPlayer(playerID string) {
	if i == nil || playerID == "" {
		return
	}
	i.mu.Lock()
	for roomID := range i.byPlayer[playerID] {
		i.unsubscribeLocked(playerID, roomID)
	}
	i.mu.Unlock()
}

// Size reports how many rooms currently have at least one subscriber.
func (i *Index) Size() int {
	if i == nil {
		return 0
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.byRoom)
}

func (i *Index) subscribeLocked(playerID, roomID string) {
	members := i.byRoom[roomID]
	if members == nil {
		members = make(map[string]struct{})
		i.byRoom[roomID] = members
	}
	members[playerID] = struct{}{}

	joined := i.byPlayer[playerID]
	if joined == nil {
		joined = make(map[string]struct{})
		i.byPlayer[playerID] = joined
	}
	joined[roomID] = struct{}{}
}

func (i *Index) unsubscribeLocked(playerID, roomID string) {
	if members, ok := i.byRoom[roomID]; ok {
		delete(members, playerID)
		if len(members) == 0 {
			delete(i.byRoom, roomID)
		}
	}
	if joined, ok := i.byPlayer[playerID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(i.byPlayer, playerID)
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
