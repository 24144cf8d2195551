package main

import (
	"context"
	"fmt"
	"time"

	"stormfell/gateway/internal/session"
	"stormfell/gateway/internal/wire"
)

// defaultHandlers builds the built-in command registry used when the embedder
// does not supply its own dispatcher: liveness checks plus room subscription
// management, enough to drive both transports end to end.
func (g *Gateway) defaultHandlers() *session.HandlerRegistry {
	registry := session.NewHandlerRegistry()
	registry.Register("ping", session.HandlerFunc(func(ctx context.Context, playerID string, payload map[string]any) (*session.CommandResult, error) {
		return &session.CommandResult{Data: map[string]any{
			"type":    "pong",
			"sent_at": time.Now().UTC().Format(wire.TimestampLayout),
		}}, nil
	}))
	registry.Register("echo", session.HandlerFunc(func(ctx context.Context, playerID string, payload map[string]any) (*session.CommandResult, error) {
		return &session.CommandResult{Data: map[string]any{
			"type": "echo",
			"body": payload,
		}}, nil
	}))
	registry.Register("subscribe_rooms", session.HandlerFunc(g.handleSubscribeRooms))
	registry.Register("unsubscribe_rooms", session.HandlerFunc(g.handleUnsubscribeRooms))
	return registry
}

// handleSubscribeRooms reconciles the player's room membership to exactly the
// requested set and confirms the result.
func (g *Gateway) handleSubscribeRooms(ctx context.Context, playerID string, payload map[string]any) (*session.CommandResult, error) {
	requested, err := roomList(payload, "rooms")
	if err != nil {
		return nil, err
	}
	g.rooms.ReconcilePlayer(playerID, requested)
	return &session.CommandResult{Data: map[string]any{
		"type":  "rooms_updated",
		"rooms": g.rooms.RoomsOf(playerID),
	}}, nil
}

// handleUnsubscribeRooms drops the player from the named rooms only.
func (g *Gateway) handleUnsubscribeRooms(ctx context.Context, playerID string, payload map[string]any) (*session.CommandResult, error) {
	requested, err := roomList(payload, "rooms")
	if err != nil {
		return nil, err
	}
	for _, roomID := range requested {
		g.rooms.Unsubscribe(playerID, roomID)
	}
	return &session.CommandResult{Data: map[string]any{
		"type":  "rooms_updated",
		"rooms": g.rooms.RoomsOf(playerID),
	}}, nil
}

func roomList(payload map[string]any, key string) ([]string, error) {
	raw, ok := payload[key]
	if !ok {
		return nil, fmt.Errorf("%s field required", key)
	}
	entries, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array of room identifiers", key)
	}
	rooms := make([]string, 0, len(entries))
	for _, entry := range entries {
		roomID, ok := entry.(string)
		if !ok || roomID == "" {
			return nil, fmt.Errorf("%s entries must be non-empty strings", key)
		}
		rooms = append(rooms, roomID)
	}
	return rooms, nil
}
