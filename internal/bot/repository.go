package bot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fkhayef/questarena/internal/database"
)

// Repository handles bot roster persistence
type Repository struct {
	q database.Querier
}

// NewRepository creates a new bot repository
func NewRepository(q database.Querier) *Repository {
	return &Repository{q: q}
}

// With returns a repository bound to q, usually a transaction
func (r *Repository) With(q database.Querier) *Repository {
	return &Repository{q: q}
}

// Insert adds a bot unless its handle is taken. It reports whether a row was written.
func (r *Repository) Insert(ctx context.Context, b *Bot) (bool, error) {
	query := `
		INSERT INTO bots (id, handle, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (handle) DO NOTHING
	`

	result, err := r.q.ExecContext(ctx, query, b.ID, b.Handle, database.ToMillis(b.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert bot: %w", database.Classify(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// GetByHandle retrieves a bot by its handle
func (r *Repository) GetByHandle(ctx context.Context, handle string) (*Bot, error) {
	query := `SELECT id, handle, reserved_match_id, created_at FROM bots WHERE handle = $1`

	b, err := scanBot(r.q.QueryRowContext(ctx, query, handle))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get bot: %w", database.Classify(err))
	}
	return b, nil
}

// List returns bots ordered by handle, skipping the excluded participant. With unreservedOnly
// set, bots held by a running match are skipped and, on Postgres, the rest are locked.
func (r *Repository) List(ctx context.Context, exclude string, unreservedOnly bool) ([]*Bot, error) {
	query := `
		SELECT id, handle, reserved_match_id, created_at
		FROM bots
		WHERE id <> $1 AND handle <> $1
	`
	if unreservedOnly {
		query += ` AND reserved_match_id IS NULL ORDER BY handle ` + r.q.Dialect().ClaimLock()
	} else {
		query += ` ORDER BY handle`
	}

	rows, err := r.q.QueryContext(ctx, query, exclude)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", database.Classify(err))
	}
	defer rows.Close()

	var bots []*Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bot: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

// Reserve holds a bot for a match. It reports false if another match holds it.
func (r *Repository) Reserve(ctx context.Context, id, matchID string) (bool, error) {
	query := `UPDATE bots SET reserved_match_id = $2 WHERE id = $1 AND reserved_match_id IS NULL`

	result, err := r.q.ExecContext(ctx, query, id, matchID)
	if err != nil {
		return false, fmt.Errorf("failed to reserve bot: %w", database.Classify(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// Release frees every bot held by a match
func (r *Repository) Release(ctx context.Context, matchID string) (int64, error) {
	query := `UPDATE bots SET reserved_match_id = NULL WHERE reserved_match_id = $1`

	result, err := r.q.ExecContext(ctx, query, matchID)
	if err != nil {
		return 0, fmt.Errorf("failed to release bots: %w", database.Classify(err))
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (*Bot, error) {
	var (
		b         Bot
		createdAt int64
	)
	if err := row.Scan(&b.ID, &b.Handle, &b.ReservedMatchID, &createdAt); err != nil {
		return nil, err
	}
	b.CreatedAt = database.FromMillis(createdAt)
	return &b, nil
}
