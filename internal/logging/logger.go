// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the structured, component-scoped logger used by
// every tripwire service. Call sites log a message followed by key/value
// pairs:
//
//	logger := logging.WithComponent("detection")
//	logger.Info("Blocked source", "ip", ip, "reason", reason)
//	logger.WithError(err).Warn("Store write failed", "table", "attacks")
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Level is a logging severity.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config controls logger construction.
type Config struct {
	Level  Level
	Output io.Writer // defaults to os.Stderr
	JSON   bool      // emit JSON lines instead of console output
}

// DefaultConfig logs at info level to stderr, as JSON unless stderr is a
// terminal.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
		JSON:   !term.IsTerminal(int(os.Stderr.Fd())),
	}
}

// Logger is a leveled key/value logger.
type Logger struct {
	zl zerolog.Logger
}

// New creates a Logger from cfg.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	if !cfg.JSON {
		noColor := true
		if f, ok := out.(*os.File); ok {
			noColor = !term.IsTerminal(int(f.Fd()))
		}
		out = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    noColor,
			TimeFormat: time.DateTime,
		}
	}

	zl := zerolog.New(out).Level(cfg.Level.zerolog()).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// WithComponent returns a child logger tagged with component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", name).Logger()}
}

// WithError returns a child logger carrying err.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zl: l.zl.With().Err(err).Logger()}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{zl: l.zl.With().Fields(pairs(kv)).Logger()}
}

func (l *Logger) Debug(msg string, kv ...any) { l.log(l.zl.Debug(), msg, kv) }
func (l *Logger) Info(msg string, kv ...any)  { l.log(l.zl.Info(), msg, kv) }
func (l *Logger) Warn(msg string, kv ...any)  { l.log(l.zl.Warn(), msg, kv) }
func (l *Logger) Error(msg string, kv ...any) { l.log(l.zl.Error(), msg, kv) }

func (l *Logger) log(ev *zerolog.Event, msg string, kv []any) {
	if ev == nil {
		return
	}
	if len(kv) > 0 {
		ev = ev.Fields(pairs(kv))
	}
	ev.Msg(msg)
}

// pairs turns key/value arguments into a map, stringifying errors and
// tolerating an odd trailing value.
func pairs(kv []any) map[string]any {
	m := make(map[string]any, len(kv)/2+1)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = "!badkey"
		}
		if i+1 >= len(kv) {
			m[key] = "!missing"
			break
		}
		v := kv[i+1]
		if err, ok := v.(error); ok && err != nil {
			v = err.Error()
		}
		m[key] = v
	}
	return m
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(DefaultConfig())
)

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// WithComponent is shorthand for Default().WithComponent(name).
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}

func Debug(msg string, kv ...any) { Default().Debug(msg, kv...) }
func Info(msg string, kv ...any)  { Default().Info(msg, kv...) }
func Warn(msg string, kv ...any)  { Default().Warn(msg, kv...) }
func Error(msg string, kv ...any) { Default().Error(msg, kv...) }
