package mqttsession

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug is the debug log level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the info log level.
	LogLevelInfo
	// LogLevelWarn is the warn log level.
	LogLevelWarn
	// LogLevelError is the error log level.
	LogLevelError
	// LogLevelNone disables all logging.
	LogLevelNone
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// LogFields represents key-value pairs for structured logging.
type LogFields map[string]any

// Logger defines the interface for logging.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, fields LogFields)

	// Info logs an info message.
	Info(msg string, fields LogFields)

	// Warn logs a warning message.
	Warn(msg string, fields LogFields)

	// Error logs an error message.
	Error(msg string, fields LogFields)

	// WithFields returns a new logger with the given fields added.
	WithFields(fields LogFields) Logger

	// Level returns the current log level.
	Level() LogLevel

	// SetLevel sets the log level.
	SetLevel(level LogLevel)
}

// NoOpLogger is a logger that does nothing.
type NoOpLogger struct {
	level LogLevel
}

// NewNoOpLogger creates a new no-op logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{level: LogLevelNone}
}

// Debug does nothing.
func (n *NoOpLogger) Debug(_ string, _ LogFields) {}

// Info does nothing.
func (n *NoOpLogger) Info(_ string, _ LogFields) {}

// Warn does nothing.
func (n *NoOpLogger) Warn(_ string, _ LogFields) {}

// Error does nothing.
func (n *NoOpLogger) Error(_ string, _ LogFields) {}

// WithFields returns the same logger.
func (n *NoOpLogger) WithFields(_ LogFields) Logger {
	return n
}

// Level returns the log level.
func (n *NoOpLogger) Level() LogLevel {
	return n.level
}

// SetLevel sets the log level.
func (n *NoOpLogger) SetLevel(level LogLevel) {
	n.level = level
}

// ZerologLogger adapts a zerolog.Logger to Logger.
type ZerologLogger struct {
	logger zerolog.Logger
	level  *atomic.Int32
}

// NewZerologLogger wraps logger. Messages below level are dropped.
func NewZerologLogger(logger zerolog.Logger, level LogLevel) *ZerologLogger {
	l := &ZerologLogger{
		logger: logger,
		level:  &atomic.Int32{},
	}
	l.level.Store(int32(level))
	return l
}

// NewConsoleLogger creates a ZerologLogger writing human-readable lines to w.
// A nil w writes to stderr.
func NewConsoleLogger(w io.Writer, level LogLevel) *ZerologLogger {
	if w == nil {
		w = os.Stderr
	}
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
		NoColor:    true,
	}
	return NewZerologLogger(zerolog.New(output).With().Timestamp().Logger(), level)
}

// Debug logs a debug message.
func (z *ZerologLogger) Debug(msg string, fields LogFields) {
	z.log(LogLevelDebug, z.logger.Debug(), msg, fields)
}

// Info logs an info message.
func (z *ZerologLogger) Info(msg string, fields LogFields) {
	z.log(LogLevelInfo, z.logger.Info(), msg, fields)
}

// Warn logs a warning message.
func (z *ZerologLogger) Warn(msg string, fields LogFields) {
	z.log(LogLevelWarn, z.logger.Warn(), msg, fields)
}

// Error logs an error message.
func (z *ZerologLogger) Error(msg string, fields LogFields) {
	z.log(LogLevelError, z.logger.Error(), msg, fields)
}

// WithFields returns a new logger with the given fields added. The level is
// shared with the parent.
func (z *ZerologLogger) WithFields(fields LogFields) Logger {
	return &ZerologLogger{
		logger: z.logger.With().Fields(map[string]any(fields)).Logger(),
		level:  z.level,
	}
}

// Level returns the current log level.
func (z *ZerologLogger) Level() LogLevel {
	return LogLevel(z.level.Load())
}

// SetLevel sets the log level.
func (z *ZerologLogger) SetLevel(level LogLevel) {
	z.level.Store(int32(level))
}

func (z *ZerologLogger) log(level LogLevel, event *zerolog.Event, msg string, fields LogFields) {
	if level < z.Level() {
		event.Discard()
		return
	}
	if len(fields) > 0 {
		event = event.Fields(map[string]any(fields))
	}
	event.Msg(msg)
}

// Standard field names for MQTT logging.
const (
	// LogFieldClientID is the client ID field.
	LogFieldClientID = "client_id"

	// LogFieldTopic is the topic field.
	LogFieldTopic = "topic"

	// LogFieldPacketID is the packet ID field.
	LogFieldPacketID = "packet_id"

	// LogFieldPacketType is the packet type field.
	LogFieldPacketType = "packet_type"

	// LogFieldQoS is the QoS field.
	LogFieldQoS = "qos"

	// LogFieldReturnCode is the CONNACK or SUBACK return code field.
	LogFieldReturnCode = "return_code"

	// LogFieldState is the connection state field.
	LogFieldState = "state"

	// LogFieldAttempt is the reconnect attempt field.
	LogFieldAttempt = "attempt"

	// LogFieldAddress is the broker address field.
	LogFieldAddress = "address"

	// LogFieldError is the error field.
	LogFieldError = "error"

	// LogFieldRemoteAddr is the remote address field.
	LogFieldRemoteAddr = "remote_addr"

	// LogFieldDuration is the duration field.
	LogFieldDuration = "duration"
)
