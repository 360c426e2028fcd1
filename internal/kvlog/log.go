// Package kvlog provides the structured logger shared by every component of
// the store: a single zerolog instance, configured once at startup, with
// helpers to attach node/term/component context to child loggers.
package kvlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Components derive a child logger
// from it with With* rather than writing to it directly.
var Logger zerolog.Logger

// Config controls how Init sets up the global logger.
type Config struct {
	Level   string // debug|info|warn|error, defaults to info
	Console bool   // human-readable console writer instead of JSON
	Output  io.Writer
}

// Init sets the package-level Logger. Call once from cmd/server before
// starting any component.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

func init() {
	// Usable even if Init is never called (e.g. in tests).
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNode returns a child logger tagged with this node's identity.
func WithNode(nodeID string) zerolog.Logger {
	return Logger.With().Str("node_id", nodeID).Logger()
}
