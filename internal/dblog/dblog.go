// Package dblog provides structured logging for the storage kernel.
package dblog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls how the package logger is constructed.
type Config struct {
	Level  string // debug, info, warn, error, disabled
	Pretty bool
	Output io.Writer
}

// Logger wraps a zerolog.Logger scoped to one kastordb component.
type Logger struct {
	zl zerolog.Logger
}

// New builds a root Logger from cfg.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	case "disabled":
		level = zerolog.Disabled
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(out).With().Timestamp().Str("db", "kastordb").Logger().Level(level)
	return &Logger{zl: zl}
}

// Noop returns a Logger that discards everything, used when the caller
// passes no Config.
func Noop() *Logger {
	return &Logger{zl: zerolog.New(io.Discard).Level(zerolog.Disabled)}
}

// Component returns a child logger tagged with the given component name,
// e.g. "walog", "pagemgr", "mvcc".
func (l *Logger) Component(name string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", name).Logger()}
}

func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zl.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zl.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }

// Raw returns the underlying zerolog.Logger for callers that want full
// control over the event builder.
func (l *Logger) Raw() *zerolog.Logger { return &l.zl }
