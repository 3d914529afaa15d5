// Package config reads broker configuration from ASYNCDB_* environment
// variables using caarlos0/env/v11.
//
// Call [Load] once at startup. Command-line flags may override individual
// fields afterwards; call [Config.Validate] once they have been applied.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/roach88/asyncdb/internal/broker"
	"github.com/roach88/asyncdb/internal/driver"
)

// Prefix is prepended to every variable name.
const Prefix = "ASYNCDB_"

// Config holds everything needed to open a broker.
type Config struct {
	// Database
	Driver   string `env:"DRIVER"    envDefault:"sqlite"`
	DSN      string `env:"DSN"`
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`
	PoolSize int    `env:"POOL_SIZE" envDefault:"1"`

	// Scheduling
	Retries    int           `env:"RETRIES"     envDefault:"3"`
	RetryDelay time.Duration `env:"RETRY_DELAY" envDefault:"10ms"`
	// Timeout is the default per-unit timeout; zero means none.
	Timeout time.Duration `env:"TIMEOUT"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load parses Config from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// Validate checks field values that the environment parser cannot.
func (c *Config) Validate() error {
	if _, err := driver.Lookup(c.Driver); err != nil {
		return err
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool size must be at least 1, got %d", c.PoolSize)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", c.Retries)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q: must be text or json", c.LogFormat)
	}
	return nil
}

// Descriptor returns the database descriptor.
func (c *Config) Descriptor() driver.Descriptor {
	return driver.Descriptor{
		Driver:   c.Driver,
		Target:   c.DSN,
		User:     c.User,
		Password: c.Password,
		PoolSize: c.PoolSize,
	}
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return l, nil
}

// Logger builds a logger writing to w in LogFormat at LogLevel.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Broker returns the broker configuration. A zero Retries disables retries
// rather than selecting the broker default.
func (c *Config) Broker(logger *slog.Logger) broker.Config {
	retries := c.Retries
	if retries == 0 {
		retries = -1
	}
	return broker.Config{
		Descriptor:     c.Descriptor(),
		Retries:        retries,
		RetryDelay:     c.RetryDelay,
		DefaultTimeout: c.Timeout,
		Logger:         logger,
	}
}

// String renders the config with the password masked.
func (c *Config) String() string {
	pw := ""
	if c.Password != "" {
		pw = "****"
	}
	return fmt.Sprintf("driver=%s dsn=%s user=%s password=%s pool=%d retries=%d retry_delay=%s timeout=%s",
		c.Driver, c.DSN, c.User, pw, c.PoolSize, c.Retries, c.RetryDelay, c.Timeout)
}
