// Package items keeps persistent name:value pairs in one table, with every
// access run as a broker unit of work.
//
// Names are normalized to Unicode NFC before they reach the database, so
// visually identical names always address the same row.
package items

import (
	"context"
	"database/sql"
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/asyncdb/internal/broker"
	"github.com/roach88/asyncdb/internal/future"
	"github.com/roach88/asyncdb/internal/schema"
	"github.com/roach88/asyncdb/internal/sqlbuild"
)

// NicenessWrite is the scheduling priority of every write. Reads use the
// broker default, so they run ahead of queued writes.
const NicenessWrite = 6

// Table declares an items table: key TEXT PRIMARY KEY, value TEXT NOT NULL.
func Table(name string) schema.Table {
	return schema.New(name,
		schema.Col("key", schema.Text).PK(),
		schema.Col("value", schema.Text).Required(),
	)
}

// Item is the result of a Load. Found is false for a missing name.
type Item struct {
	Name  string
	Value string
	Found bool
}

// Store reads and writes the items of one table.
type Store struct {
	b     *broker.Broker
	table string
	gen   Generator
}

// Option configures a Store.
type Option func(*Store)

// WithGenerator sets the identifier source used by SetNameValue.
func WithGenerator(g Generator) Option {
	return func(s *Store) { s.gen = g }
}

// New returns a store over table, which must have been declared on b with
// Table during startup.
func New(b *broker.Broker, table string, opts ...Option) (*Store, error) {
	if !schema.IsIdent(table) {
		return nil, fmt.Errorf("invalid items table name %q", table)
	}
	s := &Store{b: b, table: table, gen: UUIDv7Generator{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Table returns the name of the table the store works on.
func (s *Store) Table() string { return s.table }

func (s *Store) statement(ctx context.Context, tx *broker.Tx, op string, stmt sqlbuild.Statement) (*broker.Statement, error) {
	return tx.Statement(ctx, s.table+"."+op, broker.Build(stmt))
}

func (s *Store) selectValue() sqlbuild.Statement {
	return sqlbuild.Select{From: s.table, Columns: []string{"value"}, Where: []sqlbuild.Cond{sqlbuild.EqCond("key")}}
}

func normalize(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("item name is empty")
	}
	return norm.NFC.String(name), nil
}

func failed[T any](err error) *future.Future[T] {
	return future.Failed[T](&broker.Error{Code: broker.CodeMisuse, Message: err.Error()})
}

func write(opts []broker.CallOption) []broker.CallOption {
	return append([]broker.CallOption{broker.WithNiceness(NicenessWrite)}, opts...)
}

// Load reads one item.
func (s *Store) Load(ctx context.Context, name string, opts ...broker.CallOption) *future.Future[Item] {
	name, err := normalize(name)
	if err != nil {
		return failed[Item](err)
	}
	return broker.Transact(ctx, s.b, func(ctx context.Context, tx *broker.Tx) (Item, error) {
		stmt, err := s.statement(ctx, tx, "load", s.selectValue())
		if err != nil {
			return Item{}, err
		}
		it := Item{Name: name}
		it.Found, err = stmt.QueryRow(ctx, name).Scan(&it.Value)
		return it, err
	}, append([]broker.CallOption{broker.WithName("items.load")}, opts...)...)
}

// LoadAll reads every item as a map from name to value.
func (s *Store) LoadAll(ctx context.Context, opts ...broker.CallOption) *future.Future[map[string]string] {
	q := broker.Query{
		Name:  s.table + ".load_all",
		Build: broker.Build(sqlbuild.Select{From: s.table, Columns: []string{"key", "value"}}),
	}
	type pair struct{ k, v string }
	rows := broker.Select(ctx, s.b, q, func(r *sql.Rows) (pair, error) {
		var p pair
		return p, r.Scan(&p.k, &p.v)
	}, opts...)

	out := future.New[map[string]string](rows.Cancel)
	rows.Then(func(ps []pair, err error) {
		if err != nil {
			out.Reject(err)
			return
		}
		m := make(map[string]string, len(ps))
		for _, p := range ps {
			m[p.k] = p.v
		}
		out.Resolve(m)
	})
	return out
}

// Names lists every item name in ascending order.
func (s *Store) Names(ctx context.Context, opts ...broker.CallOption) *future.Future[[]string] {
	q := broker.Query{
		Name:  s.table + ".names",
		Build: broker.Build(sqlbuild.Select{From: s.table, Columns: []string{"key"}}),
	}
	return broker.Select(ctx, s.b, q, func(r *sql.Rows) (string, error) {
		var k string
		return k, r.Scan(&k)
	}, opts...)
}

// Insert adds a new item. It fails if the name already exists.
func (s *Store) Insert(ctx context.Context, name, value string, opts ...broker.CallOption) *future.Future[struct{}] {
	name, err := normalize(name)
	if err != nil {
		return failed[struct{}](err)
	}
	return broker.Run(ctx, s.b, func(ctx context.Context, tx *broker.Tx) error {
		stmt, err := s.statement(ctx, tx, "insert", sqlbuild.Insert{Into: s.table, Columns: []string{"key", "value"}})
		if err != nil {
			return err
		}
		_, err = stmt.Exec(ctx, name, value)
		return err
	}, write(opts)...)
}

// Update overwrites an existing item and reports whether it existed.
func (s *Store) Update(ctx context.Context, name, value string, opts ...broker.CallOption) *future.Future[bool] {
	name, err := normalize(name)
	if err != nil {
		return failed[bool](err)
	}
	return broker.Transact(ctx, s.b, func(ctx context.Context, tx *broker.Tx) (bool, error) {
		stmt, err := s.statement(ctx, tx, "update", sqlbuild.Update{Table: s.table, Set: []string{"value"}, Where: []sqlbuild.Cond{sqlbuild.EqCond("key")}})
		if err != nil {
			return false, err
		}
		res, err := stmt.Exec(ctx, value, name)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		return n > 0, err
	}, write(opts)...)
}

// Set inserts the item or overwrites its value.
func (s *Store) Set(ctx context.Context, name, value string, opts ...broker.CallOption) *future.Future[struct{}] {
	name, err := normalize(name)
	if err != nil {
		return failed[struct{}](err)
	}
	return broker.Run(ctx, s.b, func(ctx context.Context, tx *broker.Tx) error {
		stmt, err := s.statement(ctx, tx, "set", sqlbuild.Insert{
			Into:       s.table,
			Columns:    []string{"key", "value"},
			OnConflict: []string{"key"},
			Update:     []string{"value"},
		})
		if err != nil {
			return err
		}
		_, err = stmt.Exec(ctx, name, value)
		return err
	}, write(opts)...)
}

// Delete removes the named items and resolves with how many existed.
func (s *Store) Delete(ctx context.Context, names []string, opts ...broker.CallOption) *future.Future[int64] {
	keys := make([]string, 0, len(names))
	for _, n := range names {
		k, err := normalize(n)
		if err != nil {
			return failed[int64](err)
		}
		keys = append(keys, k)
	}
	return broker.Transact(ctx, s.b, func(ctx context.Context, tx *broker.Tx) (int64, error) {
		stmt, err := s.statement(ctx, tx, "delete", sqlbuild.Delete{From: s.table, Where: []sqlbuild.Cond{sqlbuild.EqCond("key")}})
		if err != nil {
			return 0, err
		}
		var total int64
		for _, k := range keys {
			res, err := stmt.Exec(ctx, k)
			if err != nil {
				return 0, err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	}, write(opts)...)
}

// SetNameValue returns the identifier stored under name, first storing a
// freshly generated one if the name is new. Concurrent calls for one name
// all resolve with the same identifier and leave a single row.
func (s *Store) SetNameValue(ctx context.Context, name string, opts ...broker.CallOption) *future.Future[string] {
	name, err := normalize(name)
	if err != nil {
		return failed[string](err)
	}
	opts = append(write(opts), broker.WithName("items.set_name_value"))
	return broker.Transact(ctx, s.b, func(ctx context.Context, tx *broker.Tx) (string, error) {
		insert, err := s.statement(ctx, tx, "insert_if_absent", sqlbuild.Insert{
			Into:       s.table,
			Columns:    []string{"key", "value"},
			OnConflict: []string{"key"},
			DoNothing:  true,
		})
		if err != nil {
			return "", err
		}
		if _, err := insert.Exec(ctx, name, s.gen.Generate()); err != nil {
			return "", err
		}

		load, err := s.statement(ctx, tx, "load", s.selectValue())
		if err != nil {
			return "", err
		}
		var id string
		found, err := load.QueryRow(ctx, name).Scan(&id)
		if err != nil {
			return "", err
		}
		if !found {
			return "", fmt.Errorf("item %q vanished after insert", name)
		}
		return id, nil
	}, opts...)
}
