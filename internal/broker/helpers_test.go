package broker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/asyncdb/internal/driver"
	"github.com/roach88/asyncdb/internal/future"
	"github.com/roach88/asyncdb/internal/schema"
	"github.com/roach88/asyncdb/internal/testutil"
)

var kvTable = schema.New("kv",
	schema.Col("key", schema.Text).PK(),
	schema.Col("value", schema.Text),
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(d driver.Descriptor) Config {
	return Config{
		Descriptor: d,
		Logger:     quietLogger(),
		RetryDelay: time.Millisecond,
	}
}

// createTestBroker opens a broker on a fresh sqlite file.
func createTestBroker(t *testing.T, poolSize int, opts ...Option) *Broker {
	t.Helper()
	return openTestBroker(t, testConfig(testutil.SQLite(t, poolSize)), opts...)
}

func openTestBroker(t *testing.T, cfg Config, opts ...Option) *Broker {
	t.Helper()
	b, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close(context.Background()) })
	return b
}

// readyKV opens a broker with the kv table and waits for startup.
func readyKV(t *testing.T, poolSize int) *Broker {
	t.Helper()
	b := createTestBroker(t, poolSize, WithTables(kvTable))
	mustAwait(t, b.Ready())
	return b
}

func mustAwait[T any](t *testing.T, f *future.Future[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Await(ctx)
	require.NoError(t, err)
	return v
}

func awaitErr[T any](t *testing.T, f *future.Future[T]) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.Await(ctx)
	require.NoError(t, ctx.Err(), "future never resolved")
	require.Error(t, err)
	return err
}

func put(ctx context.Context, tx *Tx, key, value string) error {
	_, err := tx.Exec(ctx, "INSERT INTO kv (key, value) VALUES (?, ?)", key, value)
	return err
}

func countKV(t *testing.T, b *Broker) int {
	t.Helper()
	return mustAwait(t, Transact(context.Background(), b, func(ctx context.Context, tx *Tx) (int, error) {
		var n int
		_, err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM kv").Scan(&n)
		return n, err
	}))
}

// blockWorker occupies one worker until the returned release is called.
func blockWorker(t *testing.T, b *Broker) (*future.Future[struct{}], func()) {
	t.Helper()
	started := make(chan struct{})
	release := make(chan struct{})
	f := Run(context.Background(), b, func(ctx context.Context, tx *Tx) error {
		close(started)
		<-release
		return nil
	}, WithName("blocker"))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("blocker never started")
	}
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)
	return f, unblock
}
