package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Dialect identifies the SQL backend behind a DB
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Common errors
var (
	ErrStoreUnavailable = errors.New("record store unavailable")
	ErrUnknownDriver    = errors.New("unknown database driver")
)

// Querier is satisfied by both DB and Tx so repositories can run inside or outside a transaction
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Dialect() Dialect
}

// DB is a connection pool tagged with its dialect
type DB struct {
	*sql.DB
	dialect Dialect
}

// Dialect returns the backend dialect
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Tx is a transaction tagged with its dialect
type Tx struct {
	*sql.Tx
	dialect Dialect
}

// Dialect returns the backend dialect
func (tx *Tx) Dialect() Dialect {
	return tx.dialect
}

// Options selects and configures a backend
type Options struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
}

// Open connects to the backend named by opts.Driver and applies migrations
func Open(ctx context.Context, opts Options) (*DB, error) {
	var (
		db  *DB
		err error
	)
	switch Dialect(opts.Driver) {
	case DialectPostgres:
		db, err = NewPostgresConnection(opts.DatabaseURL)
	case DialectSQLite:
		db, err = NewSQLiteConnection(opts.SQLitePath)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// InTx runs fn inside a single transaction. Any error returned by fn rolls back every write fn made.
func (db *DB) InTx(ctx context.Context, fn func(q Querier) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", Classify(err))
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := sqlTx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			return fmt.Errorf("%w: rollback transaction: %v", cause, rollbackErr)
		}
		return cause
	}

	if err := fn(&Tx{Tx: sqlTx, dialect: db.dialect}); err != nil {
		return rollbackWith(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", Classify(err))
	}
	return nil
}

// ClaimLock returns the row-locking clause appended to claim selects.
// SQLite serializes writers on its single connection, so it needs none.
func (d Dialect) ClaimLock() string {
	if d == DialectPostgres {
		return "FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// Placeholders renders n positional parameters starting at $start, e.g. "$3, $4, $5"
func Placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ", ")
}

// Classify tags connection-level failures with ErrStoreUnavailable
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

// IsUniqueViolation reports whether err is a unique-constraint failure on either backend
func IsUniqueViolation(err error) bool {
	return isPostgresUniqueViolation(err) || isSQLiteUniqueViolation(err)
}

// ToMillis converts a time to the Unix-millisecond form every table stores
func ToMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// FromMillis is the inverse of ToMillis
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// FromNullMillis converts a nullable millisecond column
func FromNullMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := FromMillis(*ms)
	return &t
}
