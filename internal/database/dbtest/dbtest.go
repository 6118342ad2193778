// Package dbtest opens throwaway record stores for tests.
package dbtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fkhayef/questarena/internal/database"
)

// Open returns a migrated SQLite store that is closed when the test ends
func Open(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.Open(context.Background(), database.Options{
		Driver:     string(database.DialectSQLite),
		SQLitePath: filepath.Join(t.TempDir(), "arena.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// PostgresEnv names the variable holding a disposable Postgres database for tests
const PostgresEnv = "TEST_DATABASE_URL"

// OpenPostgres returns a migrated, emptied Postgres store, or skips the test when
// TEST_DATABASE_URL is unset. Every table is truncated, so never point it at real data.
func OpenPostgres(t testing.TB) *database.DB {
	t.Helper()

	url := os.Getenv(PostgresEnv)
	if url == "" {
		t.Skipf("%s not set", PostgresEnv)
	}
	db, err := database.Open(context.Background(), database.Options{
		Driver:      string(database.DialectPostgres),
		DatabaseURL: url,
	})
	require.NoError(t, err)

	truncate := func() {
		_, err := db.ExecContext(context.Background(),
			`TRUNCATE queue_entries, team_members, matches, teams, bots RESTART IDENTITY CASCADE`)
		require.NoError(t, err)
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		_ = db.Close()
	})
	return db
}
