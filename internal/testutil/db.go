// Package testutil opens throwaway SQLite databases carrying the production schema.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/cuongbtq/genjobs/internal/migrations"
)

// SQLiteDSN builds a modernc.org/sqlite DSN for a file
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// NewDB returns a migrated database in a temp dir removed when the test ends
func NewDB(t testing.TB) *sqlx.DB {
	t.Helper()

	dsn := SQLiteDSN(filepath.Join(t.TempDir(), "genjobs.db"))

	// the migrator closes the handle it is given
	raw, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, migrations.Up(raw, migrations.DialectSQLite))

	db, err := sqlx.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	t.Cleanup(func() { _ = db.Close() })
	return db
}
