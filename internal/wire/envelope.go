// Package wire defines the JSON envelope formats shared by both transports.
package wire

import (
	"encoding/json"
	"time"
)

// TransportKind distinguishes the two persistent connection flavours.
type TransportKind string

const (
	// TransportDuplex is the bidirectional command/response connection.
	TransportDuplex TransportKind = "duplex"
	// TransportStream is the one-way server-push connection.
	TransportStream TransportKind = "push_stream"
)

// Event types emitted by the core itself. Everything else is caller vocabulary.
const (
	EventConnected       = "connected"
	EventWelcome         = "welcome"
	EventHeartbeat       = "heartbeat"
	EventCommandResponse = "command_response"
	EventError           = "error"
)

// Error type tags for core-generated error envelopes that are not validator
// rejections.
const (
	ErrorRateLimited  = "rate_limited"
	ErrorInternal     = "internal_error"
	ErrorUnknownType  = "unknown_type"
	ErrorUnauthorized = "unauthorized"
)

// Envelope is the standard wrapper around every outbound event. Immutable
// once built; the sequence number is monotonic per emitting process so a
// client can detect gaps across any stream it receives.
type Envelope struct {
	EventType string         `json:"event_type" jsonschema:"title=Event type,description=Tag identifying the event vocabulary entry"`
	Data      map[string]any `json:"data" jsonschema:"title=Payload,description=Opaque caller-supplied payload"`
	Timestamp string         `json:"timestamp" jsonschema:"title=Timestamp,description=RFC3339 build time of the envelope"`
	Sequence  uint64         `json:"sequence_number" jsonschema:"title=Sequence number,description=Process-global monotonic counter for gap detection"`
	PlayerID  string         `json:"player_id,omitempty" jsonschema:"description=Scoping hint naming the targeted player"`
	RoomID    string         `json:"room_id,omitempty" jsonschema:"description=Scoping hint naming the targeted room"`
}

// ErrorEnvelope is the structured error payload reported to an offending
// connection. The connection stays open for every error class except fatal
// configuration failures at handshake time.
type ErrorEnvelope struct {
	Type         string         `json:"type" jsonschema:"description=Always the literal string error"`
	ErrorType    string         `json:"error_type" jsonschema:"title=Error tag,description=Stable enum tag for programmatic handling"`
	Message      string         `json:"message" jsonschema:"description=Server-side diagnostic message"`
	UserFriendly string         `json:"user_friendly" jsonschema:"description=Message suitable for direct display"`
	Details      map[string]any `json:"details" jsonschema:"description=Structured context such as retry timing"`
}

// NewErrorEnvelope builds the conventional error payload.
func NewErrorEnvelope(errorType, message, userFriendly string, details map[string]any) ErrorEnvelope {
	if details == nil {
		details = map[string]any{}
	}
	return ErrorEnvelope{
		Type:         "error",
		ErrorType:    errorType,
		Message:      message,
		UserFriendly: userFriendly,
		Details:      details,
	}
}

// AsData converts the error envelope into generic envelope payload data.
func (e ErrorEnvelope) AsData() map[string]any {
	return map[string]any{
		"type":          e.Type,
		"error_type":    e.ErrorType,
		"message":       e.Message,
		"user_friendly": e.UserFriendly,
		"details":       e.Details,
	}
}

// Encode renders the envelope as a single JSON document.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Timestamp layout shared by builders and tests.
const TimestampLayout = time.RFC3339
