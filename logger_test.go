package mqttsession

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevel(t *testing.T) {
	t.Run("string representation", func(t *testing.T) {
		assert.Equal(t, "DEBUG", LogLevelDebug.String())
		assert.Equal(t, "INFO", LogLevelInfo.String())
		assert.Equal(t, "WARN", LogLevelWarn.String())
		assert.Equal(t, "ERROR", LogLevelError.String())
		assert.Equal(t, "NONE", LogLevelNone.String())
		assert.Equal(t, "UNKNOWN", LogLevel(99).String())
	})

	t.Run("level ordering", func(t *testing.T) {
		assert.True(t, LogLevelDebug < LogLevelInfo)
		assert.True(t, LogLevelInfo < LogLevelWarn)
		assert.True(t, LogLevelWarn < LogLevelError)
		assert.True(t, LogLevelError < LogLevelNone)
	})
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()

	t.Run("all methods are no-ops", func(_ *testing.T) {
		logger.Debug("test", nil)
		logger.Info("test", nil)
		logger.Warn("test", nil)
		logger.Error("test", nil)
	})

	t.Run("with fields returns same logger", func(t *testing.T) {
		newLogger := logger.WithFields(LogFields{"key": "value"})
		assert.Equal(t, logger, newLogger)
	})

	t.Run("level operations", func(t *testing.T) {
		assert.Equal(t, LogLevelNone, logger.Level())

		logger.SetLevel(LogLevelDebug)
		assert.Equal(t, LogLevelDebug, logger.Level())
	})
}

// decodeLines parses zerolog JSON output, one object per line.
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestZerologLogger(t *testing.T) {
	t.Run("levels filter", func(t *testing.T) {
		tests := []struct {
			level LogLevel
			want  []string
		}{
			{LogLevelDebug, []string{"debug", "info", "warn", "error"}},
			{LogLevelInfo, []string{"info", "warn", "error"}},
			{LogLevelWarn, []string{"warn", "error"}},
			{LogLevelError, []string{"error"}},
			{LogLevelNone, nil},
		}

		for _, tt := range tests {
			t.Run(tt.level.String(), func(t *testing.T) {
				buf := &bytes.Buffer{}
				logger := NewZerologLogger(zerolog.New(buf), tt.level)

				logger.Debug("debug message", nil)
				logger.Info("info message", nil)
				logger.Warn("warn message", nil)
				logger.Error("error message", nil)

				var got []string
				for _, entry := range decodeLines(t, buf) {
					got = append(got, entry["level"].(string))
				}
				assert.Equal(t, tt.want, got)
			})
		}
	})

	t.Run("logs with fields", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewZerologLogger(zerolog.New(buf), LogLevelDebug)

		logger.Info("message", LogFields{
			LogFieldTopic:    "a/b",
			LogFieldPacketID: 42,
		})

		entries := decodeLines(t, buf)
		require.Len(t, entries, 1)
		assert.Equal(t, "message", entries[0]["message"])
		assert.Equal(t, "a/b", entries[0]["topic"])
		assert.EqualValues(t, 42, entries[0]["packet_id"])
	})

	t.Run("with fields preserves parent fields", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewZerologLogger(zerolog.New(buf), LogLevelDebug)

		parent := logger.WithFields(LogFields{LogFieldClientID: "test-client"})
		child := parent.WithFields(LogFields{LogFieldState: "open"})
		child.Info("child message", LogFields{"extra": "data"})

		entries := decodeLines(t, buf)
		require.Len(t, entries, 1)
		assert.Equal(t, "test-client", entries[0]["client_id"])
		assert.Equal(t, "open", entries[0]["state"])
		assert.Equal(t, "data", entries[0]["extra"])
	})

	t.Run("child shares level", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewZerologLogger(zerolog.New(buf), LogLevelDebug)
		child := logger.WithFields(LogFields{"k": "v"})

		logger.SetLevel(LogLevelError)
		assert.Equal(t, LogLevelError, child.Level())

		child.Info("dropped", nil)
		assert.Empty(t, buf.String())
	})

	t.Run("console logger", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewConsoleLogger(buf, LogLevelInfo)

		logger.Warn("broker unreachable", LogFields{LogFieldAddress: "tcp://broker:1883"})

		output := buf.String()
		assert.Contains(t, output, "broker unreachable")
		assert.Contains(t, output, "tcp://broker:1883")
	})

	t.Run("nil writer defaults to stderr", func(t *testing.T) {
		logger := NewConsoleLogger(nil, LogLevelDebug)
		assert.NotNil(t, logger)
		assert.Equal(t, LogLevelDebug, logger.Level())
	})
}

func TestLogFieldConstants(t *testing.T) {
	assert.Equal(t, "client_id", LogFieldClientID)
	assert.Equal(t, "topic", LogFieldTopic)
	assert.Equal(t, "packet_id", LogFieldPacketID)
	assert.Equal(t, "packet_type", LogFieldPacketType)
	assert.Equal(t, "qos", LogFieldQoS)
	assert.Equal(t, "return_code", LogFieldReturnCode)
	assert.Equal(t, "error", LogFieldError)
	assert.Equal(t, "remote_addr", LogFieldRemoteAddr)
	assert.Equal(t, "duration", LogFieldDuration)
	assert.Equal(t, "state", LogFieldState)
	assert.Equal(t, "attempt", LogFieldAttempt)
	assert.Equal(t, "address", LogFieldAddress)
}

func TestLoggerInterface(_ *testing.T) {
	var _ Logger = (*NoOpLogger)(nil)
	var _ Logger = (*ZerologLogger)(nil)
}
