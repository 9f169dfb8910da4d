// Package logging wraps zerolog with the component-scoped child-logger
// pattern the rest of this module expects: a process-wide Logger, an Init
// that configures level/output once at startup, and WithSpace/WithBranch
// helpers for tagging log lines with the Space or branch they concern.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Init must be called once before use;
// until then Logger is zerolog's zero value, which discards everything.
var Logger zerolog.Logger

// Level is a logging verbosity, named rather than numeric so config files
// and flags stay readable.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration for Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init configures the global Logger. Safe to call more than once; the last
// call wins.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent scopes a child logger to a subsystem name (e.g. "snapshot",
// "headindex", "commit").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithSpace scopes a child logger to a Space id. Every subsystem that owns
// a per-Space database handle should log through a logger derived this way
// so multi-Space deployments can filter by tenant.
func WithSpace(spaceID string) zerolog.Logger {
	return Logger.With().Str("space_id", spaceID).Logger()
}

// WithBranch further scopes a Space-level logger to a branch name.
func WithBranch(base zerolog.Logger, branch string) zerolog.Logger {
	return base.With().Str("branch", branch).Logger()
}

// WithSession scopes a child logger to a client session id.
func WithSession(sessionID string) zerolog.Logger {
	return Logger.With().Str("session_id", sessionID).Logger()
}

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

// Errorf logs msg with err attached, for the common "best-effort operation
// failed but we are continuing" case.
func Errorf(msg string, err error) {
	Logger.Error().Err(err).Msg(msg)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
