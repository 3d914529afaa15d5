package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/asyncdb/internal/schema"
)

// setupTable creates t if it is absent, or checks that the existing table
// has every declared column, then ensures its indexes exist.
func setupTable(ctx context.Context, tx *Tx, t schema.Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	d := tx.Dialect()

	cols, err := d.TableColumns(ctx, tx.sql, t.Name)
	if err != nil {
		return err
	}
	if cols == nil {
		if _, err := tx.sql.ExecContext(ctx, d.CreateTableSQL(t)); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	} else if missing := t.Missing(cols); len(missing) > 0 {
		return fmt.Errorf("table %s exists without columns %s", t.Name, strings.Join(missing, ", "))
	}

	for _, idx := range t.Indexes {
		if _, err := tx.sql.ExecContext(ctx, d.CreateIndexSQL(t, idx)); err != nil {
			return fmt.Errorf("create index %s: %w", idx.Name, err)
		}
	}
	return nil
}
