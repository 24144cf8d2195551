// Package events stamps outbound envelopes and fans them out to connection
// sinks with best-effort, per-target failure isolation.
package events

import (
	"sync/atomic"
	"time"

	"stormfell/gateway/internal/wire"
)

// Builder stamps outbound payloads with a timestamp and the next value of a
// single process-global monotonic counter. One counter for the whole process,
// not per scope, so a client can detect gaps across any stream it receives.
type Builder struct {
	seq atomic.Uint64
	now func() time.Time
}

// BuilderOption customises builder construction.
type BuilderOption func(*Builder)

// WithBuilderClock overrides the timestamp source; primarily used in tests.
func WithBuilderClock(clock func() time.Time) BuilderOption {
	return func(b *Builder) {
		if clock != nil {
			b.now = clock
		}
	}
}

// NewBuilder constructs an envelope builder starting at sequence one.
func NewBuilder(opts ...BuilderOption) *Builder {
	builder := &Builder{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(builder)
		}
	}
	return builder
}

// BuildOption attaches optional scoping hints to an envelope.
type BuildOption func(*wire.Envelope)

// ForPlayer records the targeted player on the envelope.
func ForPlayer(playerID string) BuildOption {
	return func(env *wire.Envelope) { env.PlayerID = playerID }
}

// ForRoom records the targeted room on the envelope.
func ForRoom(roomID string) BuildOption {
	return func(env *wire.Envelope) { env.RoomID = roomID }
}

// Build stamps a new immutable envelope around the payload.
func (b *Builder) Build(eventType string, data map[string]any, opts ...BuildOption) *wire.Envelope {
	if data == nil {
		data = map[string]any{}
	}
	env := &wire.Envelope{
		EventType: eventType,
		Data:      data,
		Timestamp: b.now().UTC().Format(wire.TimestampLayout),
		Sequence:  b.seq.Add(1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(env)
		}
	}
	return env
}

// LastSequence reports the most recently issued sequence number.
func (b *Builder) LastSequence() uint64 {
	if b == nil {
		return 0
	}
	return b.seq.Load()
}
