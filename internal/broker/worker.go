package broker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/roach88/asyncdb/internal/driver"
)

// worker owns one connection and runs units on it one at a time.
type worker struct {
	id   int64
	b    *Broker
	conn *sql.Conn
	log  *slog.Logger
}

func (w *worker) run() error {
	defer w.disconnect()
	w.log.Debug("worker started")

	for {
		u := w.b.queue.next()
		if u == nil {
			w.log.Debug("worker stopped")
			return nil
		}
		retire := w.execute(u)
		w.b.queue.finish(u)
		if retire {
			w.log.Warn("worker retired after connection failure", "unit", u.label())
			if !w.b.queue.isClosed() {
				w.b.spawnWorker()
			}
			return nil
		}
	}
}

// execute runs u. Failures inside the unit are delivered on its future;
// nothing a unit does can stop the worker.
func (w *worker) execute(u *unit) (retire bool) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("unit panicked outside its transaction", "unit", u.label(), "panic", r)
			u.fail(newError(CodeTransactionFailed, u.name, "unit panicked", fmt.Errorf("%v", r)))
			u.release()
			retire = false
		}
	}()
	w.log.Debug("running unit", "unit", u.label(), "seq", u.seq, "niceness", u.niceness)
	return u.exec(w)
}

// transact runs body in one transaction on the worker's connection. The
// transaction commits only if body succeeds, ctx is still live and claim
// reserves the unit's outcome. It reports whether the connection was lost,
// in which case the returned error is a connection error.
func (w *worker) transact(ctx context.Context, unit string, claim func() bool, body func(context.Context, *Tx) error) (bool, error) {
	sqlTx, err := w.begin(ctx)
	if err != nil {
		if IsConnection(err) {
			return true, err
		}
		return false, fmt.Errorf("begin: %w", err)
	}

	tx := newTx(w, sqlTx, unit)
	err = protect(func() error { return body(withTx(ctx, tx), tx) })
	if err == nil {
		err = tx.rollbackOnly()
	}

	// database/sql rolls back on its own once ctx is done; a late commit
	// must never turn a timed out unit into a success.
	if ctx.Err() != nil {
		sqlTx.Rollback()
		if err == nil {
			err = ctx.Err()
		}
		return false, err
	}

	if err != nil {
		rbErr := sqlTx.Rollback()
		if driver.IsConnectionLost(err) || driver.IsConnectionLost(rbErr) {
			return true, w.lost(unit, err)
		}
		return false, err
	}

	if !claim() {
		sqlTx.Rollback()
		return false, ctx.Err()
	}
	if err := sqlTx.Commit(); err != nil {
		if driver.IsConnectionLost(err) {
			return true, w.lost(unit, err)
		}
		return false, fmt.Errorf("commit: %w", err)
	}
	return false, nil
}

// begin starts a transaction, reconnecting once if the connection was
// dropped while idle.
func (w *worker) begin(ctx context.Context) (*sql.Tx, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := w.connection(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, newError(CodeConnection, "", "cannot connect", err)
		}

		tx, err := conn.BeginTx(ctx, nil)
		if err == nil || !driver.IsConnectionLost(err) {
			return tx, err
		}
		w.disconnect()
		if attempt > 0 {
			return nil, newError(CodeConnection, "", "connection lost before begin", err)
		}
		w.log.Debug("connection dropped while idle, reconnecting", "err", err)
	}
}

func (w *worker) connection(ctx context.Context) (*sql.Conn, error) {
	if w.conn != nil {
		return w.conn, nil
	}
	conn, err := w.b.db.Connect(ctx)
	if err != nil {
		return nil, err
	}
	w.conn = conn
	w.log.Debug("worker connected")
	return conn, nil
}

func (w *worker) lost(unit string, err error) error {
	w.disconnect()
	return newError(CodeConnection, unit, "connection lost during transaction", err)
}

func (w *worker) disconnect() {
	if w.conn == nil {
		return
	}
	w.conn.Close()
	w.conn = nil
}
