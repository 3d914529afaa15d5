package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/asyncdb/internal/broker"
	"github.com/roach88/asyncdb/internal/config"
)

// shutdownTimeout bounds how long a command waits for queued work on exit.
const shutdownTimeout = 10 * time.Second

// session is an open, ready broker for the duration of one command.
type session struct {
	broker *broker.Broker
	out    *OutputFormatter
	log    *slog.Logger
	ctx    context.Context
	stop   func()
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cobra.Command, opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	flags := cmd.Flags()
	if flags.Changed("driver") {
		cfg.Driver = opts.Driver
	}
	if flags.Changed("dsn") {
		cfg.DSN = opts.DSN
	}
	if flags.Changed("pool") {
		cfg.PoolSize = opts.PoolSize
	}
	if opts.Verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// openSession opens a broker with the given startup options and waits until
// it is ready. Interrupts cancel the returned session's context.
func openSession(cmd *cobra.Command, opts *RootOptions, startup ...broker.Option) (*session, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger(stderr(cmd))

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)

	log.Debug("opening broker", "config", cfg.String())
	b, err := broker.New(ctx, cfg.Broker(log), startup...)
	if err != nil {
		cancel()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	s := &session{
		broker: b,
		out:    &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose},
		log:    log,
		ctx:    ctx,
	}
	s.stop = func() {
		defer cancel()
		sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer scancel()
		if err := b.Shutdown(sctx); err != nil {
			log.Error("error closing broker", "err", err)
		}
	}

	if _, err := b.Ready().Await(ctx); err != nil {
		s.stop()
		return nil, WrapExitError(ExitCommandError, "startup failed", err)
	}
	log.Debug("broker ready", "driver", b.Dialect().Name())
	return s, nil
}

// finish reports a command's result and maps failures to exit codes.
func (s *session) finish(data any, err error) error {
	if err != nil {
		s.out.Error(err)
		return WrapExitError(ExitFailure, "operation failed", err)
	}
	return s.out.Success(data)
}

func stderr(cmd *cobra.Command) io.Writer {
	return cmd.ErrOrStderr()
}
