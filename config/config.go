// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is shared by all plow binaries.
type Config struct {
	// DSN selects the event store. postgres:// and postgresql:// URLs open
	// PostgreSQL, anything else is treated as a SQLite file path.
	DSN string `env:"PLOW_DSN" envDefault:"plow.db"`

	// PGMaxConns limits the PostgreSQL pool size, 0 means number of CPUs.
	PGMaxConns int32 `env:"PLOW_PG_MAX_CONNS" envDefault:"0"`

	// PollInterval is the dispatcher's polling interval, 0 disables polling.
	PollInterval time.Duration `env:"PLOW_POLL_INTERVAL" envDefault:"1s"`

	LogLevel     slog.Level `env:"PLOW_LOG_LEVEL" envDefault:"INFO"`
	HTTPAddr     string     `env:"PLOW_HTTP_ADDR" envDefault:":8080"`
	RedisAddr    string     `env:"PLOW_REDIS_ADDR"`
	RedisChannel string     `env:"PLOW_REDIS_CHANNEL" envDefault:"plow.events"`

	// OTelEndpoint enables tracing when set.
	OTelEndpoint string `env:"PLOW_OTEL_ENDPOINT"`

	ShutdownTimeout time.Duration `env:"PLOW_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses Config from the environment.
func Load() (Config, error) {
	var c Config
	if err := ParseEnv(&c); err != nil {
		return Config{}, err
	}
	if c.PollInterval < 0 {
		return Config{}, fmt.Errorf("invalid poll interval: %s", c.PollInterval)
	}
	return c, nil
}

// NewLogger creates a JSON logger writing to w at the configured level.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: c.LogLevel}))
}

// Exitf writes a formatted error message to stderr and exits with code 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
