package broker

import (
	"context"
	"database/sql"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/roach88/asyncdb/internal/future"
)

// Query names a cached statement and the arguments to bind.
type Query struct {
	Name  string
	Build Builder
	Args  []any
}

// ScanFunc converts the current row.
type ScanFunc[T any] func(rows *sql.Rows) (T, error)

func (t *Tx) query(ctx context.Context, q Query) (*sql.Rows, error) {
	stmt, err := t.Statement(ctx, q.Name, q.Build)
	if err != nil {
		return nil, err
	}
	return stmt.Query(ctx, q.Args...)
}

// Select runs q in its own unit and resolves with every row, in order.
func Select[T any](ctx context.Context, b *Broker, q Query, scan ScanFunc[T], opts ...CallOption) *future.Future[[]T] {
	opts = append([]CallOption{WithName(q.Name)}, opts...)
	return Transact(ctx, b, func(ctx context.Context, tx *Tx) ([]T, error) {
		rows, err := tx.query(ctx, q)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []T
		for rows.Next() {
			v, err := scan(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, rows.Err()
	}, opts...)
}

// Stream runs q and resolves with a cursor over its rows.
//
// The unit keeps its worker and transaction until the cursor is drained or
// closed, the unit times out, or the broker closes. Callers must consume or
// close every cursor they receive.
func Stream[T any](ctx context.Context, b *Broker, q Query, scan ScanFunc[T], opts ...CallOption) *future.Future[*Cursor[T]] {
	o := b.callOptions(append([]CallOption{WithName(q.Name)}, opts...))

	if tx, ok := TxFrom(ctx); ok && tx.b == b {
		rows, err := tx.query(ctx, q)
		if err != nil {
			return future.Failed[*Cursor[T]](newError(CodeTransactionFailed, o.name, "query failed", err))
		}
		return future.Resolved(newCursor(rows, scan))
	}

	return submit(ctx, b, o, false, func(ctx context.Context, w *worker, u *unit, f *future.Future[*Cursor[T]]) (*Cursor[T], bool, error) {
		delivered := false
		_, retire, err := runTransaction(ctx, b, w, u, o, func(ctx context.Context, tx *Tx) (struct{}, error) {
			rows, err := tx.query(ctx, q)
			if err != nil {
				return struct{}{}, err
			}
			cur := newCursor(rows, scan)
			delivered = true
			if !f.Resolve(cur) {
				return struct{}{}, cur.Close()
			}
			select {
			case <-cur.done:
			case <-ctx.Done():
				cur.Close()
			case <-b.closing:
				cur.Close()
			}
			return struct{}{}, nil
		})
		if delivered && !retire {
			return nil, false, nil
		}
		return nil, retire, err
	})
}

// Cursor is a finite, single-use sequence of rows.
type Cursor[T any] struct {
	rows *sql.Rows
	scan ScanFunc[T]

	used atomic.Bool
	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	err error
}

func newCursor[T any](rows *sql.Rows, scan ScanFunc[T]) *Cursor[T] {
	return &Cursor[T]{rows: rows, scan: scan, done: make(chan struct{})}
}

// All yields each row. A failure is yielded as the error of the element
// being read and ends the sequence. A second call yields a misuse error.
func (c *Cursor[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		if !c.used.CompareAndSwap(false, true) {
			yield(zero, newError(CodeMisuse, "", "cursor already consumed", nil))
			return
		}
		defer c.Close()

		for c.rows.Next() {
			v, err := c.scan(c.rows)
			if err != nil {
				c.setErr(err)
				yield(zero, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
		if err := c.rows.Err(); err != nil {
			c.setErr(err)
			yield(zero, err)
		}
	}
}

// Collect drains the cursor into a slice.
func (c *Cursor[T]) Collect() ([]T, error) {
	var out []T
	for v, err := range c.All() {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Close releases the rows and the worker holding them.
func (c *Cursor[T]) Close() error {
	var err error
	c.once.Do(func() {
		err = c.rows.Close()
		close(c.done)
	})
	return err
}

// Err returns the failure that ended iteration, if any.
func (c *Cursor[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Cursor[T]) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}
