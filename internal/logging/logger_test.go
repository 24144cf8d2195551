package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stormfell/gateway/internal/config"
)

type captureWriter struct {
	buf bytes.Buffer
}

func (c *captureWriter) Write(p []byte) (int, error) { return c.buf.Write(p) }

func (c *captureWriter) Sync() error { return nil }

func newCaptureLogger(level Level) (*Logger, *captureWriter) {
	writer := &captureWriter{}
	return &Logger{level: level, writer: writer, fields: map[string]any{"service": "gateway"}}, writer
}

func decodeLines(t *testing.T, writer *captureWriter) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, raw := range strings.Split(strings.TrimSpace(writer.buf.String()), "\n") {
		if raw == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			t.Fatalf("log line is not JSON: %q", raw)
		}
		lines = append(lines, entry)
	}
	return lines
}

func TestLoggerFiltersBelowLevel(t *testing.T) {
	logger, writer := newCaptureLogger(WarnLevel)

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")

	lines := decodeLines(t, writer)
	if len(lines) != 1 || lines[0]["message"] != "kept" {
		t.Fatalf("unexpected output: %v", lines)
	}
	if lines[0]["level"] != "warn" || lines[0]["service"] != "gateway" {
		t.Fatalf("missing standard fields: %v", lines[0])
	}
}

func TestWithAddsPersistentFields(t *testing.T) {
	logger, writer := newCaptureLogger(InfoLevel)

	derived := logger.With(String("component", "registry"), Int("shard", 3))
	derived.Info("hello")
	logger.Info("plain")

	lines := decodeLines(t, writer)
	if lines[0]["component"] != "registry" || lines[0]["shard"] != float64(3) {
		t.Fatalf("derived fields missing: %v", lines[0])
	}
	if _, ok := lines[1]["component"]; ok {
		t.Fatalf("parent logger must not inherit derived fields")
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	if _, err := parseLevel("verbose"); err == nil {
		t.Fatalf("unknown level should error")
	}
	if level, err := parseLevel(""); err != nil || level != InfoLevel {
		t.Fatalf("empty level should default to info, got %v/%v", level, err)
	}
}

func TestHTTPTraceMiddlewarePropagatesHeader(t *testing.T) {
	logger, _ := newCaptureLogger(InfoLevel)

	var seenTrace string
	handler := HTTPTraceMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTrace = TraceIDFromContext(r.Context())
	}))

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(TraceIDHeader, "trace-123")
	handler.ServeHTTP(recorder, req)

	if seenTrace != "trace-123" {
		t.Fatalf("trace id not propagated, got %q", seenTrace)
	}
	if got := recorder.Header().Get(TraceIDHeader); got != "trace-123" {
		t.Fatalf("response header = %q, want trace-123", got)
	}

	// Absent header gets a generated id.
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/livez", nil))
	if recorder.Header().Get(TraceIDHeader) == "" {
		t.Fatalf("a trace id should be generated when none is supplied")
	}
}

func TestLogLinesEmitFieldsInStableOrder(t *testing.T) {
	logger, writer := newCaptureLogger(InfoLevel)

	logger.Info("ordered", String("zebra", "z"), Int("mid", 1), String("alpha", "a"))

	line := strings.TrimSpace(writer.buf.String())
	if !strings.HasPrefix(line, `{"timestamp":`) {
		t.Fatalf("line must start with the timestamp: %s", line)
	}
	positions := []int{
		strings.Index(line, `"message"`),
		strings.Index(line, `"alpha"`),
		strings.Index(line, `"mid"`),
		strings.Index(line, `"service"`),
		strings.Index(line, `"zebra"`),
	}
	for i := 1; i < len(positions); i++ {
		if positions[i-1] < 0 || positions[i] < 0 || positions[i-1] > positions[i] {
			t.Fatalf("fields not in key order: %s", line)
		}
	}
}

func TestLogReservedKeysCannotBeOverridden(t *testing.T) {
	logger, writer := newCaptureLogger(InfoLevel)

	logger.Info("kept", String("level", "sneaky"), String("message", "forged"))

	lines := decodeLines(t, writer)
	if lines[0]["level"] != "info" || lines[0]["message"] != "kept" {
		t.Fatalf("reserved keys were overridden: %v", lines[0])
	}
}

func TestFileRotatorRotatesAtLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	rotator, err := newFileRotator(config.LoggingConfig{Path: path, MaxSizeMB: 1, MaxBackups: 3})
	if err != nil {
		t.Fatalf("construct rotator: %v", err)
	}

	chunk := append(bytes.Repeat([]byte("x"), 512*1024), '\n')
	for i := 0; i < 3; i++ {
		if _, err := rotator.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i+1, err)
		}
	}

	// The second and third writes each crossed the 1 MiB limit first.
	rotated, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("glob rotated files: %v", err)
	}
	if len(rotated) != 2 {
		t.Fatalf("expected 2 rotated files, got %v", rotated)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat live file: %v", err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Fatalf("live file should hold only the last write, has %d bytes", info.Size())
	}
}
