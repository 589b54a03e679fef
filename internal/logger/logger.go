// Package logger provides structured logging for treesync
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with treesync-specific helpers.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// ParseLevel maps a config level name to a zerolog level. Unknown names
// fall back to info.
func ParseLevel(name string) zerolog.Level {
	switch name {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New creates a structured logger. The level applies to this logger only.
func New(cfg Config) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "treesync").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}
	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Zerolog returns the underlying zerolog logger
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zlog
}

func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]any) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// Component returns a sub-logger tagged with the component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}

// LogFetch logs one backend call. op is "fetch" or "count".
func (l *Logger) LogFetch(op, parent string, offset, limit, n int, duration time.Duration, err error) {
	if err != nil {
		l.zlog.Error().
			Str("op", op).
			Str("parent", parent).
			Int("offset", offset).
			Int("limit", limit).
			Dur("duration_ms", duration).
			Err(err).
			Msg("backend call failed")
		return
	}
	l.zlog.Debug().
		Str("op", op).
		Str("parent", parent).
		Int("offset", offset).
		Int("limit", limit).
		Int("result", n).
		Dur("duration_ms", duration).
		Msg("backend call completed")
}

// LogFlush logs a committed update.
func (l *Logger) LogFlush(updateID, start, length, flatSize, passivated int, duration time.Duration, err error) {
	event := l.zlog.Debug().
		Int("update_id", updateID).
		Int("start", start).
		Int("length", length).
		Int("flat_size", flatSize).
		Int("passivated", passivated).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Int("update_id", updateID).
			Int("start", start).
			Int("length", length).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("flush completed")
}
