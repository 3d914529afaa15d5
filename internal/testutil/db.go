package testutil

import (
	"path/filepath"
	"testing"

	"github.com/roach88/asyncdb/internal/driver"
)

// SQLitePath returns a database file path in a fresh temp directory that
// is removed when the test ends.
func SQLitePath(t testing.TB) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// SQLite returns a descriptor for a fresh per-test sqlite database.
func SQLite(t testing.TB, poolSize int) driver.Descriptor {
	t.Helper()
	return driver.Descriptor{
		Driver:   "sqlite",
		Target:   SQLitePath(t),
		PoolSize: poolSize,
	}
}
