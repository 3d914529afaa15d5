package broker

import (
	"context"
	sqldriver "database/sql/driver"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/asyncdb/internal/testutil"
)

func TestTransact_CommitsAndResolvesValue(t *testing.T) {
	b := readyKV(t, 1)
	ctx := context.Background()

	got := mustAwait(t, Transact(ctx, b, func(ctx context.Context, tx *Tx) (string, error) {
		if err := put(ctx, tx, "a", "1"); err != nil {
			return "", err
		}
		return "done", nil
	}))
	assert.Equal(t, "done", got)
	assert.Equal(t, 1, countKV(t, b))
}

func TestTransact_RollsBackBothWrites(t *testing.T) {
	b := readyKV(t, 1)
	ctx := context.Background()
	boom := errors.New("boom")

	err := awaitErr(t, Run(ctx, b, func(ctx context.Context, tx *Tx) error {
		require.NoError(t, put(ctx, tx, "a", "1"))
		require.NoError(t, put(ctx, tx, "b", "2"))
		return boom
	}))

	assert.True(t, IsTransactionFailed(err))
	assert.ErrorIs(t, err, boom, "original error is wrapped")
	assert.Equal(t, 0, countKV(t, b), "neither write is visible")
}

func TestTransact_NestedFailureRollsBackOuter(t *testing.T) {
	b := readyKV(t, 1)
	ctx := context.Background()

	var inner error
	err := awaitErr(t, Run(ctx, b, func(ctx context.Context, tx *Tx) error {
		require.NoError(t, put(ctx, tx, "outer", "1"))

		_, inner = Run(ctx, b, func(ctx context.Context, tx *Tx) error {
			require.NoError(t, put(ctx, tx, "inner", "2"))
			return errors.New("inner failed")
		}).Wait()

		// Swallowing the inner failure must not commit the outer writes.
		return nil
	}))

	require.Error(t, inner)
	assert.True(t, IsTransactionFailed(inner))
	assert.True(t, IsTransactionFailed(err))
	assert.Contains(t, err.Error(), "inner failed")
	assert.Equal(t, 0, countKV(t, b))
}

func TestTransact_NestedSharesTransactionAndValue(t *testing.T) {
	b := readyKV(t, 1)
	ctx := context.Background()

	got := mustAwait(t, Transact(ctx, b, func(ctx context.Context, outer *Tx) (int, error) {
		f := Transact(ctx, b, func(ctx context.Context, inner *Tx) (int, error) {
			assert.Same(t, outer, inner, "nested call joins the outer transaction")
			return 1 + 2, put(ctx, inner, "a", "1")
		})
		assert.True(t, f.IsResolved(), "nested call runs inline")
		return f.Wait()
	}))

	assert.Equal(t, 3, got)
	assert.Equal(t, 1, countKV(t, b))
}

func TestTransact_OtherBrokerIsNotNested(t *testing.T) {
	a := readyKV(t, 1)
	other := readyKV(t, 1)
	ctx := context.Background()

	mustAwait(t, Run(ctx, a, func(ctx context.Context, tx *Tx) error {
		var inner *Tx
		_, err := Run(ctx, other, func(ctx context.Context, tx *Tx) error {
			inner = tx
			return put(ctx, tx, "x", "1")
		}).Wait()
		assert.NotSame(t, tx, inner, "the other broker runs its own transaction")
		return err
	}))
	assert.Equal(t, 0, countKV(t, a))
	assert.Equal(t, 1, countKV(t, other))
}

func TestTransact_RetriesTransientFailures(t *testing.T) {
	b := readyKV(t, 1)
	var calls atomic.Int32

	got := mustAwait(t, Transact(context.Background(), b, func(ctx context.Context, tx *Tx) (int32, error) {
		n := calls.Add(1)
		if n < 3 {
			return 0, Transient(errors.New("database is busy"))
		}
		return n, nil
	}))
	assert.Equal(t, int32(3), got)
}

func TestTransact_RetryBudgetExhausted(t *testing.T) {
	b := readyKV(t, 1)
	var calls atomic.Int32

	err := awaitErr(t, Run(context.Background(), b, func(ctx context.Context, tx *Tx) error {
		calls.Add(1)
		return Transient(errors.New("still busy"))
	}, WithRetries(2), WithName("always-busy")))

	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")
	assert.True(t, IsTransactionFailed(err))
	assert.True(t, IsTransient(err), "transient cause survives exhaustion")

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, 3, e.Attempts)
	assert.Equal(t, "always-busy", e.Unit)
}

func TestTransact_DriverLockErrorIsRetried(t *testing.T) {
	b := readyKV(t, 1)
	var calls atomic.Int32

	mustAwait(t, Run(context.Background(), b, func(ctx context.Context, tx *Tx) error {
		if calls.Add(1) == 1 {
			return errors.New("database is locked")
		}
		return nil
	}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestTransact_NonTransientRunsOnce(t *testing.T) {
	b := readyKV(t, 1)
	var calls atomic.Int32

	err := awaitErr(t, Run(context.Background(), b, func(ctx context.Context, tx *Tx) error {
		calls.Add(1)
		return errors.New("constraint violated")
	}))
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, IsTransient(err))
}

func TestTransact_PanicDoesNotKillWorker(t *testing.T) {
	b := readyKV(t, 1)
	ctx := context.Background()

	var first, second int64
	err := awaitErr(t, Run(ctx, b, func(ctx context.Context, tx *Tx) error {
		first = tx.Worker()
		panic("boom")
	}))
	assert.True(t, IsTransactionFailed(err))
	assert.Contains(t, err.Error(), "panic: boom")

	mustAwait(t, Run(ctx, b, func(ctx context.Context, tx *Tx) error {
		second = tx.Worker()
		return put(ctx, tx, "a", "1")
	}))
	assert.Equal(t, first, second, "the same worker keeps running")
	assert.Equal(t, 1, countKV(t, b))
}

func TestTransact_TimeoutResolvesEarlyAndRollsBack(t *testing.T) {
	b := readyKV(t, 1)
	ctx := context.Background()
	finished := make(chan struct{})

	start := time.Now()
	f := Run(ctx, b, func(ctx context.Context, tx *Tx) error {
		defer close(finished)
		if err := put(ctx, tx, "slow", "1"); err != nil {
			return err
		}
		time.Sleep(100 * time.Millisecond)
		return nil
	}, WithTimeout(10*time.Millisecond))

	err := awaitErr(t, f)
	elapsed := time.Since(start)
	assert.True(t, IsTimeout(err), "got %v", err)
	assert.Less(t, elapsed, 90*time.Millisecond, "resolved before the body finished")

	select {
	case <-finished:
		t.Fatal("body finished before the timeout was delivered")
	default:
	}

	<-finished
	assert.Equal(t, 0, countKV(t, b), "timed out transaction rolled back")

	mustAwait(t, Run(ctx, b, func(ctx context.Context, tx *Tx) error {
		return put(ctx, tx, "after", "1")
	}))
	assert.Equal(t, 1, countKV(t, b), "later units run normally")
}

func TestUnit_OutcomeClaimedOnce(t *testing.T) {
	committed := testUnit("committed", 0, false)
	assert.True(t, committed.claimCommit())
	assert.False(t, committed.claimTimeout(), "timeout stays silent once the commit is claimed")
	assert.True(t, committed.claimCommit(), "a retried commit keeps its claim")
	assert.True(t, committed.committing())

	timedOut := testUnit("timed out", 0, false)
	assert.True(t, timedOut.claimTimeout())
	assert.False(t, timedOut.claimCommit(), "nothing commits after the timeout was delivered")
	assert.False(t, timedOut.committing())
}

func TestTransact_TimeoutNeverReportsCommittedWrite(t *testing.T) {
	b := readyKV(t, 4)
	ctx := context.Background()

	const units = 200
	results := make([]error, units)
	done := make(chan struct{}, units)
	for i := range units {
		key := fmt.Sprintf("k%03d", i)
		nap := 1500*time.Microsecond + time.Duration(i%10)*100*time.Microsecond
		Run(ctx, b, func(ctx context.Context, tx *Tx) error {
			if err := put(ctx, tx, key, "1"); err != nil {
				return err
			}
			time.Sleep(nap)
			return nil
		}, WithTimeout(2*time.Millisecond), WithRetries(0)).Then(func(_ struct{}, err error) {
			results[i] = err
			done <- struct{}{}
		})
	}
	for range units {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("units did not settle")
		}
	}

	rows := mustAwait(t, Select(ctx, b, allKV, scanKV))
	stored := make(map[string]bool, len(rows))
	for _, r := range rows {
		stored[r.Key] = true
	}
	for i, err := range results {
		key := fmt.Sprintf("k%03d", i)
		if err == nil {
			assert.True(t, stored[key], "%s succeeded but was not stored", key)
		} else {
			assert.False(t, stored[key], "%s failed with %v but was stored", key, err)
		}
	}
}

func TestTransact_TimeoutWhilePending(t *testing.T) {
	b := readyKV(t, 1)
	_, release := blockWorker(t, b)

	var ran atomic.Bool
	err := awaitErr(t, Run(context.Background(), b, func(ctx context.Context, tx *Tx) error {
		ran.Store(true)
		return nil
	}, WithTimeout(10*time.Millisecond)))
	assert.True(t, IsTimeout(err))
	assert.Equal(t, 0, b.Pending(), "timed out unit left the queue")

	release()
	countKV(t, b)
	assert.False(t, ran.Load())
}

func TestTransact_DefaultTimeout(t *testing.T) {
	cfg := testConfig(testutil.SQLite(t, 1))
	cfg.DefaultTimeout = 10 * time.Millisecond
	b := openTestBroker(t, cfg)
	mustAwait(t, b.Ready())

	err := awaitErr(t, Run(context.Background(), b, func(ctx context.Context, tx *Tx) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}))
	assert.True(t, IsTimeout(err))

	mustAwait(t, Run(context.Background(), b, func(ctx context.Context, tx *Tx) error {
		return nil
	}, WithTimeout(0)))
}

func TestTransact_CancelPending(t *testing.T) {
	b := readyKV(t, 1)
	blocker, release := blockWorker(t, b)
	assert.False(t, blocker.Cancel(), "running unit cannot be cancelled")

	var ran atomic.Bool
	f := Run(context.Background(), b, func(ctx context.Context, tx *Tx) error {
		ran.Store(true)
		return nil
	})
	require.Eventually(t, func() bool { return b.Pending() == 1 }, time.Second, time.Millisecond)

	assert.True(t, f.Cancel())
	assert.True(t, IsCancelled(awaitErr(t, f)))
	assert.False(t, f.Cancel(), "already resolved")

	release()
	mustAwait(t, blocker)
	countKV(t, b)
	assert.False(t, ran.Load(), "cancelled unit never ran")
}

func TestTransact_CallerContextCancelsPending(t *testing.T) {
	b := readyKV(t, 1)
	_, release := blockWorker(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	f := Run(ctx, b, func(ctx context.Context, tx *Tx) error { return nil })
	cancel()

	assert.True(t, IsCancelled(awaitErr(t, f)))
	release()

	done := Run(ctx, b, func(ctx context.Context, tx *Tx) error { return nil })
	assert.True(t, IsCancelled(awaitErr(t, done)), "dead caller context is refused")
}

func TestTransact_CallerCancelDoesNotInterruptRunning(t *testing.T) {
	b := readyKV(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})

	f := Run(ctx, b, func(ctx context.Context, tx *Tx) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		return put(ctx, tx, "a", "1")
	})
	<-started
	cancel()

	mustAwait(t, f)
	assert.Equal(t, 1, countKV(t, b))
}

func TestTransact_NilFunction(t *testing.T) {
	b := readyKV(t, 1)
	assert.True(t, IsMisuse(awaitErr(t, Run(context.Background(), b, nil))))
	assert.True(t, IsMisuse(awaitErr(t, Transact[int](context.Background(), b, nil))))
}

func TestTransact_TxFromContext(t *testing.T) {
	b := readyKV(t, 1)
	_, ok := TxFrom(context.Background())
	assert.False(t, ok)

	mustAwait(t, Run(context.Background(), b, func(ctx context.Context, tx *Tx) error {
		got, ok := TxFrom(ctx)
		assert.True(t, ok)
		assert.Same(t, tx, got)
		assert.Equal(t, "sqlite", tx.Dialect().Name())
		spec, ok := tx.Table("kv")
		assert.True(t, ok)
		assert.Equal(t, "kv", spec.Name)
		return nil
	}))
}

func TestTransact_ConnectionLostRetiresWorker(t *testing.T) {
	b := readyKV(t, 1)
	ctx := context.Background()

	var lostOn int64
	err := awaitErr(t, Run(ctx, b, func(ctx context.Context, tx *Tx) error {
		lostOn = tx.Worker()
		if err := put(ctx, tx, "lost", "1"); err != nil {
			return err
		}
		return fmt.Errorf("write: %w", sqldriver.ErrBadConn)
	}, WithName("dropped")))
	assert.True(t, IsConnection(err), "got %v", err)
	assert.False(t, IsTransactionFailed(err))
	assert.ErrorIs(t, err, sqldriver.ErrBadConn)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "dropped", e.Unit)
	assert.Equal(t, 1, e.Attempts, "connection loss is not retried on the retired worker")

	next := mustAwait(t, Transact(ctx, b, func(ctx context.Context, tx *Tx) (int64, error) {
		return tx.Worker(), put(ctx, tx, "after", "1")
	}))
	assert.NotEqual(t, lostOn, next, "a replacement worker took over")
	assert.Equal(t, 1, countKV(t, b), "the lost transaction rolled back")
}

func TestTransact_ConnectionLostKeepsPoolSize(t *testing.T) {
	b := readyKV(t, 2)
	ctx := context.Background()

	err := awaitErr(t, Run(ctx, b, func(ctx context.Context, tx *Tx) error {
		return sqldriver.ErrBadConn
	}))
	require.True(t, IsConnection(err), "got %v", err)

	// Both workers must be able to hold a unit at once.
	first, releaseFirst := blockWorker(t, b)
	second, releaseSecond := blockWorker(t, b)
	releaseFirst()
	releaseSecond()
	mustAwait(t, first)
	mustAwait(t, second)

	seedKV(t, b, "a", "1")
	assert.Equal(t, 1, countKV(t, b))
}
