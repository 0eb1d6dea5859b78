// Package log owns the process-wide zerolog configuration. Every other
// package obtains loggers from here so level and output are decided once.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config carries the options for the global logger.
type Config struct {
	Level   string    // "debug", "info", "warn", "error"; empty means info
	Output  io.Writer // defaults to os.Stdout
	Service string    // service field stamped on every entry
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the global logger exactly once. Later calls are
// no-ops, so main should call it before anything logs.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		if cfg.Level != "" {
			if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		service := cfg.Service
		if service == "" {
			service = "ts-vod"
		}

		base = zerolog.New(out).With().
			Timestamp().
			Str("service", service).
			Logger()
	})
}

// Base returns the configured base logger.
func Base() zerolog.Logger {
	Configure(Config{})
	return base
}

// WithComponent derives a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str("component", component).Logger()
}
