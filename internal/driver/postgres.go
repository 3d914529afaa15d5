package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/roach88/asyncdb/internal/schema"
)

// SQLSTATE codes worth retrying.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// Postgres is the dialect for github.com/jackc/pgx/v5 through database/sql.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

// Rebind numbers '?' placeholders as $1, $2, ... leaving quoted text alone.
func (Postgres) Rebind(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			b.WriteByte(ch)
		case ch == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func (Postgres) ColumnType(c schema.Column) string {
	switch c.Type {
	case schema.Integer:
		return "BIGINT"
	case schema.Real:
		return "DOUBLE PRECISION"
	case schema.Blob:
		return "BYTEA"
	case schema.Boolean:
		return "BOOLEAN"
	case schema.Timestamp:
		return "TIMESTAMPTZ"
	default:
		if c.Size > 0 {
			return fmt.Sprintf("VARCHAR(%d)", c.Size)
		}
		return "TEXT"
	}
}

func (d Postgres) CreateTableSQL(t schema.Table) string {
	return createTable(t, d.ColumnType, func(schema.Column) string {
		return "BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"
	})
}

func (Postgres) CreateIndexSQL(t schema.Table, idx schema.Index) string {
	return createIndex(t, idx)
}

// TableColumns looks table up under its folded name; postgres lowercases
// unquoted identifiers at CREATE.
func (Postgres) TableColumns(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position`, strings.ToLower(table))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	return scanNames(rows)
}

func (Postgres) InitStatements() []string { return nil }

func (Postgres) IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return true
	}
	return false
}

func (Postgres) open(d Descriptor) (*sql.DB, error) {
	cfg, err := pgx.ParseConfig(d.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres target: %w", err)
	}
	if d.User != "" {
		cfg.User = d.User
	}
	if d.Password != "" {
		cfg.Password = d.Password
	}
	return stdlib.OpenDB(*cfg), nil
}
