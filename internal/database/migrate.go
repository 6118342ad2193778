package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations
var migrationFS embed.FS

const migrationTable = "schema_migrations"

// Migrate applies the embedded migrations for this dialect, each file at most once
func (db *DB) Migrate(ctx context.Context) error {
	root := path.Join("migrations", string(db.dialect))
	entries, err := fs.ReadDir(migrationFS, root)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)
	`, migrationTable)
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		content, err := fs.ReadFile(migrationFS, path.Join(root, file))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		err = db.InTx(ctx, func(q Querier) error {
			var applied int
			if err := q.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM `+migrationTable+` WHERE name = $1`, file,
			).Scan(&applied); err != nil {
				return fmt.Errorf("check migration: %w", err)
			}
			if applied > 0 {
				return nil
			}

			if _, err := q.ExecContext(ctx, string(content)); err != nil {
				return fmt.Errorf("apply migration: %w", err)
			}
			if _, err := q.ExecContext(ctx,
				`INSERT INTO `+migrationTable+` (name, applied_at) VALUES ($1, $2)`,
				file, ToMillis(time.Now()),
			); err != nil {
				return fmt.Errorf("record migration: %w", err)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", file, err)
		}
	}

	return nil
}
