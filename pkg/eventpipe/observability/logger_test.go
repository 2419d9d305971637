package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newJSONLogger returns a logger writing JSON lines into buf at Debug level.
func newJSONLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// lastEntry decodes the final JSON line in buf.
func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestNilLoggerIsSafe(t *testing.T) {
	assert.Nil(t, EnrichLogger(nil, "http", "s"))
	assert.NotPanics(t, func() {
		LogEventTracked(nil, true, "e", "id", 1)
		LogValidation(nil, true, "e", []string{"x"}, nil)
		LogSuppressed(nil, "e", "consent")
		LogSinkError(nil, "http", "track", errors.New("boom"))
		LogDelivery(nil, "http", 1, 1, nil)
		LogDrop(nil, "queue", 1, "max retries")
		LogStorageError(nil, "k", "set", errors.New("boom"))
	})
}

func TestEnrichLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := EnrichLogger(newJSONLogger(&buf), "http", "session-1")
	logger.Info("hello")

	entry := lastEntry(t, &buf)
	assert.Equal(t, "http", entry["sink"])
	assert.Equal(t, "session-1", entry["session_id"])
}

func TestLogEventTracked(t *testing.T) {
	t.Run("debug level when not verbose", func(t *testing.T) {
		var buf bytes.Buffer
		LogEventTracked(newJSONLogger(&buf), false, "signup", "id-1", 2)
		entry := lastEntry(t, &buf)
		assert.Equal(t, "DEBUG", entry["level"])
		assert.Equal(t, "signup", entry["event"])
		assert.Equal(t, "id-1", entry["event_id"])
		assert.EqualValues(t, 2, entry["properties"])
	})

	t.Run("info level when verbose", func(t *testing.T) {
		var buf bytes.Buffer
		LogEventTracked(newJSONLogger(&buf), true, "signup", "id-1", 0)
		assert.Equal(t, "INFO", lastEntry(t, &buf)["level"])
	})
}

func TestLogValidation(t *testing.T) {
	t.Run("errors log at warn", func(t *testing.T) {
		var buf bytes.Buffer
		LogValidation(newJSONLogger(&buf), false, "e", []string{"bad"}, nil)
		assert.Equal(t, "WARN", lastEntry(t, &buf)["level"])
	})

	t.Run("clean result is silent unless verbose", func(t *testing.T) {
		var buf bytes.Buffer
		LogValidation(newJSONLogger(&buf), false, "e", nil, nil)
		assert.Empty(t, buf.String())

		LogValidation(newJSONLogger(&buf), true, "e", nil, nil)
		assert.Equal(t, "event valid", lastEntry(t, &buf)["msg"])
	})
}

func TestLogDelivery(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf)

	LogDelivery(logger, "http", 3, 12.5, nil)
	entry := lastEntry(t, &buf)
	assert.Equal(t, "DEBUG", entry["level"])
	assert.EqualValues(t, 3, entry["events"])

	LogDelivery(logger, "http", 3, 12.5, errors.New("503"))
	entry = lastEntry(t, &buf)
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "503", entry["error"])
}

func TestLogDrop(t *testing.T) {
	var buf bytes.Buffer
	LogDrop(newJSONLogger(&buf), "queue:http", 4, "max retries exceeded")
	entry := lastEntry(t, &buf)
	assert.Equal(t, "events dropped", entry["msg"])
	assert.Equal(t, "queue:http", entry["owner"])
	assert.EqualValues(t, 4, entry["events"])
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, done(), 4.0)
}
