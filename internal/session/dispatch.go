// Package session runs the per-connection tasks: the duplex command loop and
// the push-stream generator. One independent task per transport attachment;
// the only shared mutable state lives behind the injected services.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// CommandResult is what the injected command dispatcher hands back for one
// inbound payload.
type CommandResult struct {
	// Data becomes the command_response envelope payload.
	Data map[string]any
	// Broadcast, when non-nil, additionally fans the result out to a room.
	Broadcast *RoomBroadcast
}

// RoomBroadcast describes a room fan-out requested by a command result.
type RoomBroadcast struct {
	RoomID      string
	EventType   string
	Data        map[string]any
	ExcludeSelf bool
}

// CommandDispatcher is the caller-supplied seam where all business logic
// lives. The core never interprets command text; it only transports the
// payload in and the result out.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, playerID string, payload map[string]any) (*CommandResult, error)
}

// CommandDispatcherFunc adapts a function into a CommandDispatcher.
type CommandDispatcherFunc func(ctx context.Context, playerID string, payload map[string]any) (*CommandResult, error)

// Dispatch implements CommandDispatcher.
func (f CommandDispatcherFunc) Dispatch(ctx context.Context, playerID string, payload map[string]any) (*CommandResult, error) {
	return f(ctx, playerID, payload)
}

// UnknownTypeError reports an inbound payload whose type tag has no
// registered handler.
type UnknownTypeError struct {
	Tag string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("no handler registered for message type %q", e.Tag)
}

// ErrMissingType reports a payload with no usable type tag at all.
var ErrMissingType = errors.New("payload has no type field")

// Handler processes one inbound payload tag.
type Handler interface {
	Handle(ctx context.Context, playerID string, payload map[string]any) (*CommandResult, error)
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc func(ctx context.Context, playerID string, payload map[string]any) (*CommandResult, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, playerID string, payload map[string]any) (*CommandResult, error) {
	return f(ctx, playerID, payload)
}

// HandlerRegistry maps type tags to handlers and implements
// CommandDispatcher. Unregistered tags yield an UnknownTypeError rather than
// a branch cascade.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry constructs an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register installs the handler for the tag, replacing any prior one.
func (r *HandlerRegistry) Register(tag string, handler Handler) {
	if r == nil || tag == "" || handler == nil {
		return
	}
	r.mu.Lock()
	r.handlers[tag] = handler
	r.mu.Unlock()
}

// Dispatch implements CommandDispatcher by routing on the payload's type tag.
func (r *HandlerRegistry) Dispatch(ctx context.Context, playerID string, payload map[string]any) (*CommandResult, error) {
	if r == nil {
		return nil, errors.New("nil handler registry")
	}
	tag, ok := payload["type"].(string)
	if !ok || tag == "" {
		return nil, ErrMissingType
	}
	r.mu.RLock()
	handler := r.handlers[tag]
	r.mu.RUnlock()
	if handler == nil {
		return nil, &UnknownTypeError{Tag: tag}
	}
	return handler.Handle(ctx, playerID, payload)
}
