package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/retry"

	"github.com/roach88/asyncdb/internal/driver"
	"github.com/roach88/asyncdb/internal/future"
	"github.com/roach88/asyncdb/internal/schema"
)

// TxFunc is the body of a unit of work. It runs on a worker inside a
// transaction; returning an error rolls the transaction back.
type TxFunc[T any] func(ctx context.Context, tx *Tx) (T, error)

type txKey struct{}

// Tx is the transaction a unit runs in. It is carried in the ctx passed to
// the body so nested Transact calls can find and join it.
type Tx struct {
	b    *Broker
	w    *worker
	sql  *sql.Tx
	unit string

	mu    sync.Mutex
	stmts map[string]*Statement
	abort error // set by a failed nested call
}

func newTx(w *worker, sqlTx *sql.Tx, unit string) *Tx {
	return &Tx{b: w.b, w: w, sql: sqlTx, unit: unit, stmts: make(map[string]*Statement)}
}

func withTx(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFrom returns the transaction carried by ctx, if any.
func TxFrom(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*Tx)
	return tx, ok
}

// Exec runs a statement with '?' placeholders.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.sql.ExecContext(ctx, t.b.dialect.Rebind(query), args...)
}

// Query runs a query with '?' placeholders. Callers close the rows.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.sql.QueryContext(ctx, t.b.dialect.Rebind(query), args...)
}

// QueryRow runs a zero-or-one row query with '?' placeholders.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *Row {
	return &Row{name: t.unit, row: t.sql.QueryRowContext(ctx, t.b.dialect.Rebind(query), args...)}
}

// Statement returns the named cached statement prepared on this
// transaction, compiling it with build on the broker's first use.
func (t *Tx) Statement(ctx context.Context, name string, build Builder) (*Statement, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.stmts[name]; ok {
		return s, nil
	}
	tpl, err := t.b.cache.GetOrCompile(name, t.b.dialect, build)
	if err != nil {
		return nil, err
	}
	stmt, err := t.sql.PrepareContext(ctx, tpl.SQL)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", name, err)
	}
	s := &Statement{Template: tpl, stmt: stmt}
	t.stmts[name] = s
	return s, nil
}

// Table returns a table declared during startup.
func (t *Tx) Table(name string) (schema.Table, bool) {
	return t.b.TableSpec(name)
}

// Dialect returns the broker's dialect.
func (t *Tx) Dialect() driver.Dialect {
	return t.b.dialect
}

// Worker returns the id of the worker running this transaction.
func (t *Tx) Worker() int64 {
	return t.w.id
}

func (t *Tx) markRollbackOnly(err error) {
	t.mu.Lock()
	if t.abort == nil {
		t.abort = err
	}
	t.mu.Unlock()
}

func (t *Tx) rollbackOnly() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abort == nil {
		return nil
	}
	return fmt.Errorf("nested transaction failed: %w", t.abort)
}

// Transact submits fn as a unit of work and returns its pending result.
//
// If ctx already carries a transaction of this broker, fn runs inline on
// it instead and the returned future is already resolved. A failing nested
// call marks the enclosing transaction rollback-only, so the outer unit
// fails even if it ignores the error.
func Transact[T any](ctx context.Context, b *Broker, fn TxFunc[T], opts ...CallOption) *future.Future[T] {
	o := b.callOptions(opts)
	if fn == nil {
		return future.Failed[T](newError(CodeMisuse, o.name, "nil transaction function", nil))
	}
	if tx, ok := TxFrom(ctx); ok && tx.b == b {
		return nested(ctx, tx, o.name, fn)
	}
	return submit(ctx, b, o, false, func(ctx context.Context, w *worker, u *unit, _ *future.Future[T]) (T, bool, error) {
		return runTransaction(ctx, b, w, u, o, fn)
	})
}

// Run is Transact for bodies without a result.
func Run(ctx context.Context, b *Broker, fn func(ctx context.Context, tx *Tx) error, opts ...CallOption) *future.Future[struct{}] {
	if fn == nil {
		return Transact[struct{}](ctx, b, nil, opts...)
	}
	return Transact(ctx, b, func(ctx context.Context, tx *Tx) (struct{}, error) {
		return struct{}{}, fn(ctx, tx)
	}, opts...)
}

func nested[T any](ctx context.Context, tx *Tx, name string, fn TxFunc[T]) *future.Future[T] {
	var v T
	err := protect(func() error {
		var err error
		v, err = fn(ctx, tx)
		return err
	})
	if err != nil {
		tx.markRollbackOnly(err)
		return future.Failed[T](newError(CodeTransactionFailed, name, "nested call failed, enclosing transaction will roll back", err))
	}
	return future.Resolved(v)
}

// work runs on a worker and produces a unit's value. It reports whether
// the worker must retire.
type work[T any] func(ctx context.Context, w *worker, u *unit, f *future.Future[T]) (T, bool, error)

func submit[T any](ctx context.Context, b *Broker, o callOptions, startup bool, run work[T]) *future.Future[T] {
	if err := ctx.Err(); err != nil {
		return future.Failed[T](newError(CodeCancelled, o.name, "caller gave up before submission", err))
	}

	u := &unit{
		seq:       b.seq.Next(),
		name:      o.name,
		niceness:  o.niceness,
		startup:   startup,
		index:     -1,
		submitted: time.Now(),
	}

	base := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if o.timeout > 0 && !startup {
		u.ctx, cancel = context.WithTimeout(base, o.timeout)
	} else {
		u.ctx, cancel = context.WithCancel(base)
	}

	f := future.New[T](func() bool { return b.cancel(u) })
	u.fail = func(err error) bool { return f.Reject(err) }

	// The AfterFunc callbacks may fire before registration returns.
	var (
		stopMu sync.Mutex
		stops  []func() bool
	)
	u.release = sync.OnceFunc(func() {
		stopMu.Lock()
		for _, stop := range stops {
			stop()
		}
		stopMu.Unlock()
		cancel()
	})
	timedOut := func() error {
		return newError(CodeTimeout, u.name, fmt.Sprintf("not completed within %s", o.timeout), u.ctx.Err())
	}
	// A unit whose worker already claimed the commit keeps the commit's
	// result; the worker reports the timeout itself if the commit fails.
	stopTimeout := context.AfterFunc(u.ctx, func() {
		if !errors.Is(u.ctx.Err(), context.DeadlineExceeded) || !u.claimTimeout() {
			return
		}
		if b.queue.remove(u) {
			defer u.release()
		}
		f.Reject(timedOut())
	})
	stopMu.Lock()
	stops = append(stops, stopTimeout)
	if !startup && ctx.Done() != nil {
		stops = append(stops, context.AfterFunc(ctx, func() { b.cancel(u) }))
	}
	stopMu.Unlock()

	u.exec = func(w *worker) bool {
		defer u.release()
		v, retire, err := run(u.ctx, w, u, f)
		if err != nil && u.committing() && errors.Is(u.ctx.Err(), context.DeadlineExceeded) && !IsConnection(err) {
			err = timedOut()
		}
		if startup {
			err = b.settleStartup(u, err)
		}
		if err != nil {
			f.Reject(err)
		} else {
			f.Resolve(v)
		}
		return retire
	}

	if err := b.queue.submit(u); err != nil {
		u.release()
		f.Reject(err)
		return f
	}
	b.metrics.submitted.Inc()
	f.Then(func(_ T, err error) { b.metrics.observe(err, u.submitted) })
	return f
}

func runTransaction[T any](ctx context.Context, b *Broker, w *worker, u *unit, o callOptions, fn TxFunc[T]) (T, bool, error) {
	var (
		result   T
		retire   bool
		lastErr  error
		attempts int
	)

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			if attempts > 1 {
				b.metrics.retries.Inc()
			}
			var v T
			r, err := w.transact(ctx, o.name, u.claimCommit, func(ctx context.Context, tx *Tx) error {
				var err error
				v, err = fn(ctx, tx)
				return err
			})
			retire, lastErr = r, err
			if err == nil {
				result = v
			}
			return err
		},
		IsFatalError: func(err error) bool {
			return retire || !b.isTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			w.log.Debug("transient failure", "unit", o.name, "attempt", attempt, "err", err)
		},
		Attempts:    o.retries + 1,
		Delay:       b.cfg.RetryDelay,
		MaxDelay:    b.cfg.MaxRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       b.cfg.Clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return result, false, nil
	}
	if lastErr != nil {
		err = lastErr
	}
	return result, retire, b.failure(o.name, attempts, retire, err)
}

func (b *Broker) isTransient(err error) bool {
	return IsTransient(err) || b.dialect.IsTransient(err)
}

// failure turns the last attempt's error into the error the caller sees.
func (b *Broker) failure(unit string, attempts int, retire bool, err error) error {
	if retire {
		var e *Error
		if errors.As(err, &e) && e.Code == CodeConnection {
			return &Error{Code: CodeConnection, Unit: unit, Attempts: attempts, Message: e.Message, Err: e.Err}
		}
		return &Error{Code: CodeConnection, Unit: unit, Attempts: attempts, Message: "connection lost", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Unit: unit, Attempts: attempts, Message: "transaction abandoned", Err: err}
	}

	cause := err
	if b.isTransient(err) && !IsTransient(err) {
		cause = &Error{Code: CodeTransient, Message: "retry budget exhausted", Err: err}
	}
	return &Error{Code: CodeTransactionFailed, Unit: unit, Attempts: attempts, Message: "transaction rolled back", Err: cause}
}

// protect runs fn, turning a panic into an error.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
