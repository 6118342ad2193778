package database

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// NewSQLiteConnection opens a SQLite database file.
// The pool is pinned to one connection: SQLite allows a single writer, and
// serializing transactions here is what makes the claim CAS race-free in-process.
func NewSQLiteConnection(path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	var enabled int
	if err := sqlDB.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("check sqlite foreign key pragma: %w", err)
	}
	if enabled != 1 {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite foreign keys are disabled")
	}

	return &DB{DB: sqlDB, dialect: DialectSQLite}, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
