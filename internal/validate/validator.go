// Package validate implements the inbound frame validation pipeline: size,
// JSON parse, depth and string-length limits, optional schema check, envelope
// unwrapping, and CSRF token verification. The pipeline is pure apart from
// logging and is safe for concurrent use from every connection loop.
package validate

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"stormfell/gateway/internal/logging"
)

// Code identifies why a frame was rejected by the validator.
type Code string

const (
	CodeSizeLimitExceeded      Code = "size_limit_exceeded"
	CodeJSONParseError         Code = "json_parse_error"
	CodeDepthLimitExceeded     Code = "depth_limit_exceeded"
	CodeStringLengthExceeded   Code = "string_length_exceeded"
	CodeSchemaValidationFailed Code = "schema_validation_failed"
	CodeCSRFTokenMissing       Code = "csrf_token_missing"
	CodeCSRFTokenInvalid       Code = "csrf_token_invalid"
)

// Error carries the rejection code alongside a human-readable message and
// optional structured details destined for the client error envelope.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// SchemaChecker performs an optional caller-supplied structural check on a
// parsed payload before unwrapping.
type SchemaChecker interface {
	Check(payload map[string]any) error
}

// SchemaCheckerFunc adapts a function into a SchemaChecker.
type SchemaCheckerFunc func(payload map[string]any) error

// Check implements SchemaChecker.
func (f SchemaCheckerFunc) Check(payload map[string]any) error { return f(payload) }

// The wrapped-envelope and token field names accepted on inbound frames.
const (
	wrappedMessageKey = "message"
	csrfTokenKey      = "csrfToken"
	csrfTokenAltKey   = "csrf_token"
)

// Config bounds what the validator accepts.
type Config struct {
	// MaxBytes caps the encoded size of the outer frame and, separately, of
	// any unwrapped inner payload.
	MaxBytes int64
	// MaxDepth caps container nesting; a flat object has depth one.
	MaxDepth int
	// MaxStringLength caps every key and string value in the document.
	MaxStringLength int
	// Schema, when non-nil, is applied to the outer document after the
	// structural limits pass.
	Schema SchemaChecker
}

// Validator runs the frame pipeline. It holds no per-connection state, only
// a cumulative rejection counter for the metrics surface.
type Validator struct {
	cfg        Config
	logger     *logging.Logger
	rejections atomic.Uint64
}

// Rejections reports how many frames the validator has rejected.
func (v *Validator) Rejections() uint64 {
	if v == nil {
		return 0
	}
	return v.rejections.Load()
}

// NewValidator constructs a validator with the supplied limits.
func NewValidator(cfg Config, logger *logging.Logger) *Validator {
	if logger == nil {
		logger = logging.L()
	}
	return &Validator{cfg: cfg, logger: logger}
}

// ValidateAndUnwrap runs the full pipeline over one inbound frame. The
// expectedCSRF token comes from the session's handshake claims; when it is
// empty any inbound token is accepted without comparison, which is the
// explicit backward-compatibility mode gated at handshake time.
//
// The returned payload never contains a CSRF token field.
func (v *Validator) ValidateAndUnwrap(raw []byte, playerID, expectedCSRF string) (map[string]any, *Error) {
	payload, vErr := v.parseDocument(raw, "frame")
	if vErr != nil {
		v.reject(playerID, vErr)
		return nil, vErr
	}

	if v.cfg.Schema != nil {
		if err := v.cfg.Schema.Check(payload); err != nil {
			vErr := newError(CodeSchemaValidationFailed, "payload failed schema validation: %v", err)
			v.reject(playerID, vErr)
			return nil, vErr
		}
	}

	payload, vErr = v.unwrap(payload)
	if vErr != nil {
		v.reject(playerID, vErr)
		return nil, vErr
	}

	token, hasToken := extractCSRFToken(payload)
	if expectedCSRF != "" {
		if !hasToken {
			vErr := newError(CodeCSRFTokenMissing, "frame is missing the required CSRF token")
			v.reject(playerID, vErr)
			return nil, vErr
		}
		if token != expectedCSRF {
			vErr := newError(CodeCSRFTokenInvalid, "frame carried a mismatched CSRF token")
			v.reject(playerID, vErr)
			return nil, vErr
		}
	}
	stripCSRFToken(payload)
	return payload, nil
}

// parseDocument applies the size, parse, and structural limit gates.
func (v *Validator) parseDocument(raw []byte, layer string) (map[string]any, *Error) {
	if v.cfg.MaxBytes > 0 && int64(len(raw)) > v.cfg.MaxBytes {
		return nil, newError(CodeSizeLimitExceeded, "%s of %d bytes exceeds the %d byte limit", layer, len(raw), v.cfg.MaxBytes)
	}
	var document any
	if err := json.Unmarshal(raw, &document); err != nil {
		return nil, newError(CodeJSONParseError, "%s is not valid JSON: %v", layer, err)
	}
	payload, ok := document.(map[string]any)
	if !ok {
		return nil, newError(CodeJSONParseError, "%s must be a JSON object", layer)
	}
	if vErr := v.checkLimits(payload); vErr != nil {
		return nil, vErr
	}
	return payload, nil
}

// unwrap detects transport envelopes carrying a double-encoded inner payload
// and prefers the inner document. An inner string that is not valid JSON
// leaves the outer document untouched for the caller to interpret.
func (v *Validator) unwrap(outer map[string]any) (map[string]any, *Error) {
	wrapped, ok := outer[wrappedMessageKey].(string)
	if !ok {
		return outer, nil
	}
	inner, vErr := v.parseDocument([]byte(wrapped), "inner payload")
	if vErr != nil {
		if vErr.Code == CodeJSONParseError {
			return outer, nil
		}
		return nil, vErr
	}
	// The wrapper may carry the CSRF token on behalf of the inner payload.
	if _, hasInner := extractCSRFToken(inner); !hasInner {
		if token, hasOuter := extractCSRFToken(outer); hasOuter {
			inner[csrfTokenKey] = token
		}
	}
	return inner, nil
}

func (v *Validator) checkLimits(document any) *Error {
	depth, vErr := v.walk(document, 0)
	if vErr != nil {
		return vErr
	}
	if v.cfg.MaxDepth > 0 && depth > v.cfg.MaxDepth {
		return newError(CodeDepthLimitExceeded, "nesting depth %d exceeds the limit of %d", depth, v.cfg.MaxDepth)
	}
	return nil
}

// walk computes container nesting depth while checking key and string-value
// lengths. A scalar contributes no depth; each containing object or array
// adds one level.
func (v *Validator) walk(value any, depth int) (int, *Error) {
	switch typed := value.(type) {
	case map[string]any:
		deepest := depth + 1
		for key, item := range typed {
			if vErr := v.checkString(key); vErr != nil {
				return 0, vErr
			}
			childDepth, vErr := v.walk(item, depth+1)
			if vErr != nil {
				return 0, vErr
			}
			if childDepth > deepest {
				deepest = childDepth
			}
		}
		return deepest, nil
	case []any:
		deepest := depth + 1
		for _, item := range typed {
			childDepth, vErr := v.walk(item, depth+1)
			if vErr != nil {
				return 0, vErr
			}
			if childDepth > deepest {
				deepest = childDepth
			}
		}
		return deepest, nil
	case string:
		if vErr := v.checkString(typed); vErr != nil {
			return 0, vErr
		}
		return depth, nil
	default:
		return depth, nil
	}
}

func (v *Validator) checkString(value string) *Error {
	if v.cfg.MaxStringLength > 0 && len([]rune(value)) > v.cfg.MaxStringLength {
		return newError(CodeStringLengthExceeded, "string of %d characters exceeds the limit of %d", len([]rune(value)), v.cfg.MaxStringLength)
	}
	return nil
}

func extractCSRFToken(payload map[string]any) (string, bool) {
	if token, ok := payload[csrfTokenKey].(string); ok {
		return token, true
	}
	if token, ok := payload[csrfTokenAltKey].(string); ok {
		return token, true
	}
	return "", false
}

func stripCSRFToken(payload map[string]any) {
	delete(payload, csrfTokenKey)
	delete(payload, csrfTokenAltKey)
}

func (v *Validator) reject(playerID string, vErr *Error) {
	v.rejections.Add(1)
	v.logger.Debug("frame rejected",
		logging.String("player_id", playerID),
		logging.String("code", string(vErr.Code)),
		logging.String("reason", vErr.Message),
	)
}
