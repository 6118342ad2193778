package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTempDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(context.Background(), Options{
		Driver:     string(DialectSQLite),
		SQLitePath: filepath.Join(t.TempDir(), "arena.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle"})
	require.ErrorIs(t, err, ErrUnknownDriver)
}

func TestNewSQLiteConnectionRequiresPath(t *testing.T) {
	_, err := NewSQLiteConnection("  ")
	require.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTempDB(t)
	ctx := context.Background()

	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.Migrate(ctx))

	var applied int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, 1, applied)
}

func TestInTxRollsBackOnError(t *testing.T) {
	db := openTempDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.InTx(ctx, func(q Querier) error {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO bots (id, handle, created_at) VALUES ($1, $2, $3)`, "b-1", "CodeNinja", 1,
		); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bots`).Scan(&count))
	assert.Zero(t, count)
}

func TestInTxCommits(t *testing.T) {
	db := openTempDB(t)
	ctx := context.Background()

	err := db.InTx(ctx, func(q Querier) error {
		assert.Equal(t, DialectSQLite, q.Dialect())
		_, err := q.ExecContext(ctx,
			`INSERT INTO bots (id, handle, created_at) VALUES ($1, $2, $3)`, "b-1", "CodeNinja", 1,
		)
		return err
	})
	require.NoError(t, err)

	var handle string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT handle FROM bots WHERE id = $1`, "b-1").Scan(&handle))
	assert.Equal(t, "CodeNinja", handle)
}

func TestIsUniqueViolation(t *testing.T) {
	db := openTempDB(t)
	ctx := context.Background()

	insert := `INSERT INTO bots (id, handle, created_at) VALUES ($1, $2, $3)`
	_, err := db.ExecContext(ctx, insert, "b-1", "CodeNinja", 1)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, insert, "b-2", "CodeNinja", 1)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
	assert.False(t, IsUniqueViolation(errors.New("something else")))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify(nil))
	assert.ErrorIs(t, Classify(fmt.Errorf("query: %w", driver.ErrBadConn)), ErrStoreUnavailable)

	plain := errors.New("syntax error")
	assert.Same(t, plain, Classify(plain))
}

func TestDialectHelpers(t *testing.T) {
	assert.Equal(t, "FOR UPDATE SKIP LOCKED", DialectPostgres.ClaimLock())
	assert.Empty(t, DialectSQLite.ClaimLock())
	assert.Equal(t, "$3, $4, $5", Placeholders(3, 3))
}
