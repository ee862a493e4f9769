package talk

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging
type Logger struct {
	logger zerolog.Logger
}

// LogConfig represents the configuration for logging
type LogConfig struct {
	Level     string
	Pretty    bool
	Output    io.Writer
	AddSource bool
	Fields    map[string]interface{}
}

// DefaultLogConfig returns a default logging configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:  "info",
		Pretty: true,
		Output: os.Stderr,
		Fields: make(map[string]interface{}),
	}
}

// NewLogger creates a new structured logger
func NewLogger(config *LogConfig) *Logger {
	if config == nil {
		config = DefaultLogConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if config.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(out)
	}

	logger = logger.Level(parseLevel(config.Level)).With().Timestamp().Logger()

	if config.AddSource {
		logger = logger.With().Caller().Logger()
	}
	if len(config.Fields) > 0 {
		logger = logger.With().Fields(config.Fields).Logger()
	}

	return &Logger{logger: logger}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// parseLevel accepts zerolog names plus the upper-case WARNING spelling
// used in VOCALS_DEBUG_LEVEL.
func parseLevel(level string) zerolog.Level {
	l := strings.ToLower(strings.TrimSpace(level))
	if l == "warning" {
		l = "warn"
	}
	parsed, err := zerolog.ParseLevel(l)
	if err != nil || l == "" {
		return zerolog.InfoLevel
	}
	return parsed
}

// WithComponent adds a component field to the logger
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{logger: l.logger.With().Str("component", component).Logger()}
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

// WithFields adds multiple fields to the logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{logger: l.logger.With().Fields(fields).Logger()}
}

// WithError adds an error field to the logger
func (l *Logger) WithError(err error) *Logger {
	return &Logger{logger: l.logger.With().Err(err).Logger()}
}

func (l *Logger) Trace(msg string) { l.logger.Trace().Msg(msg) }

func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.logger.Debug().Msgf(format, args...) }

func (l *Logger) Info(msg string) { l.logger.Info().Msg(msg) }

func (l *Logger) Infof(format string, args ...interface{}) { l.logger.Info().Msgf(format, args...) }

func (l *Logger) Warn(msg string) { l.logger.Warn().Msg(msg) }

func (l *Logger) Warnf(format string, args ...interface{}) { l.logger.Warn().Msgf(format, args...) }

func (l *Logger) Error(msg string) { l.logger.Error().Msg(msg) }

func (l *Logger) Errorf(format string, args ...interface{}) { l.logger.Error().Msgf(format, args...) }

func (l *Logger) Fatal(msg string) { l.logger.Fatal().Msg(msg) }

// LogAudioEvent logs audio-related events with structured fields
func (l *Logger) LogAudioEvent(event string, fields map[string]interface{}) {
	l.logger.Debug().
		Str("event_type", "audio").
		Str("event", event).
		Fields(fields).
		Msg("Audio event")
}

// LogConnectionEvent logs connection-related events
func (l *Logger) LogConnectionEvent(event string, state ConnectionState, fields map[string]interface{}) {
	l.logger.Info().
		Str("event_type", "connection").
		Str("event", event).
		Str("state", string(state)).
		Fields(fields).
		Msg("Connection event")
}

// LogMessageEvent logs structured websocket messages
func (l *Logger) LogMessageEvent(direction, msgType string, fields map[string]interface{}) {
	l.logger.Debug().
		Str("event_type", "message").
		Str("direction", direction).
		Str("message_type", msgType).
		Fields(fields).
		Msg("Message event")
}

// LogStateChange logs a push-to-talk transition
func (l *Logger) LogStateChange(from, to RecordingState, trigger string) {
	l.logger.Info().
		Str("event_type", "state").
		Str("from", string(from)).
		Str("to", string(to)).
		Str("trigger", trigger).
		Msg("Recording state changed")
}

// LogError logs a TalkError with its code and details
func (l *Logger) LogError(err *TalkError) {
	l.logger.Error().
		Str("error_code", err.Code).
		Time("at", err.Timestamp).
		Fields(err.Details).
		Msg(err.Error())
}

var globalLogger = NewLogger(DefaultLogConfig())

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	return globalLogger
}

// SetGlobalLogger replaces the global logger instance
func SetGlobalLogger(logger *Logger) {
	if logger != nil {
		globalLogger = logger
	}
}

// loggerOrGlobal lets components accept a nil logger.
func loggerOrGlobal(l *Logger) *Logger {
	if l == nil {
		return globalLogger
	}
	return l
}
