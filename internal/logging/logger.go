// Package logging provides the gateway's structured JSON logger: levelled
// output with a fixed line prefix, size-based file rotation, and per-request
// trace propagation.
package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"stormfell/gateway/internal/config"
)

// Level orders log verbosity from debug up to fatal.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = [...]string{"debug", "info", "warn", "error", "fatal"}

func (l Level) String() string {
	if l < DebugLevel || l > FatalLevel {
		return "info"
	}
	return levelNames[l]
}

func parseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}

// Field is one structured attribute on a log line.
type Field struct {
	Key   string
	Value any
}

// String returns a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int returns an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Bool returns a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Error returns the conventional error field.
func Error(err error) Field { return Field{Key: "error", Value: fmt.Sprint(err)} }

// syncWriter is a writer that can flush to durable storage.
type syncWriter interface {
	io.Writer
	Sync() error
}

// teeWriter fans each line out to every destination, typically the rotating
// file plus stdout.
type teeWriter struct {
	outs []syncWriter
}

func (t *teeWriter) Write(p []byte) (int, error) {
	for _, out := range t.outs {
		if _, err := out.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (t *teeWriter) Sync() error {
	var firstErr error
	for _, out := range t.outs {
		if err := out.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type discardSyncWriter struct{}

func (discardSyncWriter) Write(p []byte) (int, error) { return len(p), nil }

func (discardSyncWriter) Sync() error { return nil }

// Logger emits one JSON document per line. Lines start with a fixed
// timestamp/level/message prefix and list the remaining fields in key order,
// so output is deterministic and grep-friendly.
type Logger struct {
	mu     sync.Mutex
	level  Level
	writer syncWriter
	fields map[string]any
}

// New builds the process logger: a rotating file under cfg.Path mirrored to
// stdout, stamped with the service name.
func New(cfg config.LoggingConfig) (*Logger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("logging path must be specified")
	}
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	rotator, err := newFileRotator(cfg)
	if err != nil {
		return nil, err
	}
	return &Logger{
		level:  level,
		writer: &teeWriter{outs: []syncWriter{rotator, os.Stdout}},
		fields: map[string]any{"service": "gateway"},
	}, nil
}

// NewTestLogger returns a logger that discards output, suitable for tests.
func NewTestLogger() *Logger {
	return newNopLogger()
}

func newNopLogger() *Logger {
	return &Logger{
		level:  DebugLevel,
		writer: discardSyncWriter{},
		fields: make(map[string]any),
	}
}

var (
	globalMu     sync.RWMutex
	globalLogger = newNopLogger()
)

// ReplaceGlobals swaps the process-wide fallback logger.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the current global logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// With derives a logger carrying additional persistent fields.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	clone := &Logger{
		level:  l.level,
		writer: l.writer,
		fields: make(map[string]any, len(l.fields)+len(fields)),
	}
	for k, v := range l.fields {
		clone.fields[k] = v
	}
	for _, field := range fields {
		clone.fields[field.Key] = field.Value
	}
	return clone
}

// Sync flushes buffered output to durable storage.
func (l *Logger) Sync() error {
	if l == nil || l.writer == nil {
		return nil
	}
	return l.writer.Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields ...Field) { l.log(DebugLevel, message, fields...) }

// Info logs an informational message.
func (l *Logger) Info(message string, fields ...Field) { l.log(InfoLevel, message, fields...) }

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields ...Field) { l.log(WarnLevel, message, fields...) }

// Error logs an error message.
func (l *Logger) Error(message string, fields ...Field) { l.log(ErrorLevel, message, fields...) }

// Fatal logs a fatal message and exits the process.
func (l *Logger) Fatal(message string, fields ...Field) { l.log(FatalLevel, message, fields...) }

func (l *Logger) log(level Level, message string, fields ...Field) {
	if l == nil {
		L().log(level, message, fields...)
		return
	}
	if level < l.level {
		return
	}
	line := l.encodeLine(level, message, fields)
	l.mu.Lock()
	_, _ = l.writer.Write(line)
	l.mu.Unlock()
	if level == FatalLevel {
		_ = l.writer.Sync()
		os.Exit(1)
	}
}

// reservedKeys are always emitted in the line prefix; a field helper cannot
// override them.
var reservedKeys = [...]string{"timestamp", "level", "message"}

func (l *Logger) encodeLine(level Level, message string, extra []Field) []byte {
	merged := make(map[string]any, len(l.fields)+len(extra))
	for k, v := range l.fields {
		merged[k] = v
	}
	for _, field := range extra {
		merged[field.Key] = field.Value
	}
	for _, key := range reservedKeys {
		delete(merged, key)
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 192)
	buf = append(buf, '{')
	buf = appendPair(buf, "timestamp", time.Now().UTC().Format(time.RFC3339Nano))
	buf = append(buf, ',')
	buf = appendPair(buf, "level", level.String())
	buf = append(buf, ',')
	buf = appendPair(buf, "message", message)
	for _, key := range keys {
		buf = append(buf, ',')
		buf = appendPair(buf, key, merged[key])
	}
	return append(buf, '}', '\n')
}

func appendPair(buf []byte, key string, value any) []byte {
	encodedKey, _ := json.Marshal(key)
	buf = append(buf, encodedKey...)
	buf = append(buf, ':')
	encodedValue, err := json.Marshal(value)
	if err != nil {
		encodedValue, _ = json.Marshal(fmt.Sprint(value))
	}
	return append(buf, encodedValue...)
}
