package broker

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/asyncdb/internal/driver"
	"github.com/roach88/asyncdb/internal/schema"
)

// Defaults for Config fields left zero.
const (
	DefaultRetries       = 3
	DefaultRetryDelay    = 10 * time.Millisecond
	DefaultMaxRetryDelay = 250 * time.Millisecond
)

// Niceness bounds used by DoNext and DoLast.
const (
	NicenessFirst = math.MinInt32
	NicenessLast  = math.MaxInt32
)

// Config configures a broker.
type Config struct {
	// Descriptor names the database and the worker pool size.
	Descriptor driver.Descriptor

	// Name labels logs and metrics. Defaults to the driver name.
	Name string

	// Retries is the transient-failure retry budget per unit. Zero means
	// DefaultRetries; a negative value disables retries.
	Retries int

	// RetryDelay is the first backoff delay; it doubles up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// DefaultTimeout applies to units submitted without WithTimeout.
	// Zero means no timeout.
	DefaultTimeout time.Duration

	Logger     *slog.Logger
	Registerer prometheus.Registerer

	// Clock drives retry backoff. Defaults to the wall clock.
	Clock clock.Clock
}

func (c Config) withDefaults() Config {
	if c.Descriptor.PoolSize <= 0 {
		c.Descriptor.PoolSize = 1
	}
	if c.Name == "" {
		c.Name = c.Descriptor.Driver
	}
	switch {
	case c.Retries == 0:
		c.Retries = DefaultRetries
	case c.Retries < 0:
		c.Retries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = max(DefaultMaxRetryDelay, c.RetryDelay)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	return c
}

// Option adds startup work to a broker under construction.
type Option func(*Broker)

// WithTables declares tables to create or verify during startup, in order.
func WithTables(tables ...schema.Table) Option {
	return func(b *Broker) {
		b.startupTables = append(b.startupTables, tables...)
	}
}

// WithStartup registers a hook that runs during construction, after the
// WithTables declarations are queued. Hooks may call Table and Setup; the
// startup barrier covers everything they queue. A hook error fails startup.
func WithStartup(hook func(b *Broker) error) Option {
	return func(b *Broker) {
		b.startupHooks = append(b.startupHooks, hook)
	}
}

// WithFirst queues a startup transaction that runs after every table and
// hook, before any regular unit.
func WithFirst(fn func(ctx context.Context, tx *Tx) error) Option {
	return func(b *Broker) {
		b.firsts = append(b.firsts, fn)
	}
}

// CallOption tunes one submission.
type CallOption func(*callOptions)

type callOptions struct {
	niceness int
	timeout  time.Duration
	retries  int
	name     string
}

// WithNiceness sets the scheduling priority. Lower runs sooner; the
// default is 0.
func WithNiceness(n int) CallOption {
	return func(o *callOptions) { o.niceness = n }
}

// WithTimeout resolves the unit with a timeout failure if it has not
// completed within d. Zero disables the broker default.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithRetries overrides the transient-failure retry budget.
func WithRetries(n int) CallOption {
	return func(o *callOptions) { o.retries = max(n, 0) }
}

// DoNext schedules the unit ahead of every niceness.
func DoNext() CallOption {
	return func(o *callOptions) { o.niceness = NicenessFirst }
}

// DoLast schedules the unit behind every niceness.
func DoLast() CallOption {
	return func(o *callOptions) { o.niceness = NicenessLast }
}

// WithName labels the unit in logs and errors.
func WithName(name string) CallOption {
	return func(o *callOptions) { o.name = name }
}

func (b *Broker) callOptions(opts []CallOption) callOptions {
	o := callOptions{
		timeout: b.cfg.DefaultTimeout,
		retries: b.cfg.Retries,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
