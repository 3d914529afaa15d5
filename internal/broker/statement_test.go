package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/asyncdb/internal/driver"
	"github.com/roach88/asyncdb/internal/sqlbuild"
)

func countingBuilder(n *atomic.Int32, query string) Builder {
	return func(d driver.Dialect) (string, error) {
		n.Add(1)
		return d.Rebind(query), nil
	}
}

func TestStatementCache_ConcurrentFirstUse(t *testing.T) {
	c := newStatementCache()
	var builds atomic.Int32
	build := countingBuilder(&builds, "SELECT value FROM kv WHERE key = ?")

	const callers = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]Template, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tpl, err := c.GetOrCompile("kv.get", driver.Postgres{}, build)
			assert.NoError(t, err)
			results[i] = tpl
		}()
	}
	close(start)
	wg.Wait()

	assert.GreaterOrEqual(t, builds.Load(), int32(1))
	assert.Equal(t, 1, c.Len(), "one entry for the name")
	for _, tpl := range results {
		assert.Equal(t, results[0], tpl, "every caller sees the stored template")
	}
	assert.Equal(t, "SELECT value FROM kv WHERE key = $1", results[0].SQL)

	before := builds.Load()
	_, err := c.GetOrCompile("kv.get", driver.Postgres{}, build)
	require.NoError(t, err)
	assert.Equal(t, before, builds.Load(), "cached templates are never rebuilt")
}

func TestStatementCache_FirstStoredWins(t *testing.T) {
	c := newStatementCache()
	first, err := c.GetOrCompile("q", driver.SQLite{}, Build(sqlbuild.Raw("SELECT 1")))
	require.NoError(t, err)

	second, err := c.GetOrCompile("q", driver.SQLite{}, Build(sqlbuild.Raw("SELECT 2")))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	got, ok := c.Lookup("q")
	assert.True(t, ok)
	assert.Equal(t, "SELECT 1", got.SQL)
}

func TestStatementCache_BuildFailureIsNotCached(t *testing.T) {
	c := newStatementCache()
	_, err := c.GetOrCompile("bad", driver.SQLite{}, func(driver.Dialect) (string, error) {
		return "", errors.New("no such column")
	})
	assert.ErrorContains(t, err, `compile statement "bad"`)
	assert.Equal(t, 0, c.Len())

	_, err = c.GetOrCompile("nil", driver.SQLite{}, nil)
	assert.ErrorContains(t, err, "no builder")

	tpl, err := c.GetOrCompile("bad", driver.SQLite{}, Build(sqlbuild.Raw("SELECT 1")))
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", tpl.SQL)
}

func TestStatementCache_Reset(t *testing.T) {
	c := newStatementCache()
	_, err := c.GetOrCompile("q", driver.SQLite{}, Build(sqlbuild.Raw("SELECT 1")))
	require.NoError(t, err)
	c.Reset()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Lookup("q")
	assert.False(t, ok)
}

func TestTxStatement_SharedAcrossWorkers(t *testing.T) {
	b := readyKV(t, 2)
	ctx := context.Background()
	var builds atomic.Int32
	insert := countingBuilder(&builds, "INSERT INTO kv (key, value) VALUES (?, ?)")

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Run(ctx, b, func(ctx context.Context, tx *Tx) error {
				stmt, err := tx.Statement(ctx, "kv.insert", insert)
				if err != nil {
					return err
				}
				again, err := tx.Statement(ctx, "kv.insert", insert)
				if err != nil {
					return err
				}
				assert.Same(t, stmt, again, "prepared once per transaction")
				_, err = stmt.Exec(ctx, key, "v")
				return err
			}).Wait()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, countKV(t, b))
	assert.LessOrEqual(t, builds.Load(), int32(2), "at most one build per concurrent first use")
	assert.Equal(t, 1, b.Cache().Len())
}

func TestRowScan_NoRowIsNotAnError(t *testing.T) {
	b := readyKV(t, 1)
	ctx := context.Background()
	q := Build(sqlbuild.Select{From: "kv", Columns: []string{"value"}, Where: []sqlbuild.Cond{sqlbuild.EqCond("key")}})

	found := mustAwait(t, Transact(ctx, b, func(ctx context.Context, tx *Tx) (bool, error) {
		stmt, err := tx.Statement(ctx, "kv.value", q)
		if err != nil {
			return false, err
		}
		var v string
		return stmt.QueryRow(ctx, "missing").Scan(&v)
	}))
	assert.False(t, found)

	value := mustAwait(t, Transact(ctx, b, func(ctx context.Context, tx *Tx) (string, error) {
		if err := put(ctx, tx, "k", "v"); err != nil {
			return "", err
		}
		stmt, err := tx.Statement(ctx, "kv.value", q)
		if err != nil {
			return "", err
		}
		var v string
		found, err := stmt.QueryRow(ctx, "k").Scan(&v)
		assert.True(t, found)
		return v, err
	}))
	assert.Equal(t, "v", value)
}
