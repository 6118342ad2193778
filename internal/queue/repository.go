package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fkhayef/questarena/internal/database"
)

const entryColumns = `id, activity_id, participant_id, squad_size, status, matched_team_id, enqueued_at, expires_at, resolved_at`

// Repository handles queue entry persistence
type Repository struct {
	q database.Querier
}

// NewRepository creates a new queue repository
func NewRepository(q database.Querier) *Repository {
	return &Repository{q: q}
}

// With returns a repository bound to q, usually a transaction
func (r *Repository) With(q database.Querier) *Repository {
	return &Repository{q: q}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e                     Entry
		enqueuedAt, expiresAt int64
		resolvedAt            *int64
	)
	if err := row.Scan(
		&e.ID,
		&e.ActivityID,
		&e.ParticipantID,
		&e.SquadSize,
		&e.Status,
		&e.MatchedTeamID,
		&enqueuedAt,
		&expiresAt,
		&resolvedAt,
	); err != nil {
		return nil, err
	}
	e.EnqueuedAt = database.FromMillis(enqueuedAt)
	e.ExpiresAt = database.FromMillis(expiresAt)
	e.ResolvedAt = database.FromNullMillis(resolvedAt)
	return &e, nil
}

// Insert adds a waiting entry
func (r *Repository) Insert(ctx context.Context, e *Entry) (*Entry, error) {
	query := `
		INSERT INTO queue_entries (activity_id, participant_id, squad_size, status, enqueued_at, expires_at)
		VALUES ($1, $2, $3, 'waiting', $4, $5)
		RETURNING ` + entryColumns

	created, err := scanEntry(r.q.QueryRowContext(ctx, query,
		e.ActivityID,
		e.ParticipantID,
		e.SquadSize,
		database.ToMillis(e.EnqueuedAt),
		database.ToMillis(e.ExpiresAt),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to insert queue entry: %w", database.Classify(err))
	}
	return created, nil
}

// GetByID retrieves an entry by its ID
func (r *Repository) GetByID(ctx context.Context, id int64) (*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE id = $1`

	e, err := scanEntry(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get queue entry: %w", database.Classify(err))
	}
	return e, nil
}

// FindWaiting returns the participant's waiting entry for an activity
func (r *Repository) FindWaiting(ctx context.Context, participantID, activityID string) (*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM queue_entries
		WHERE participant_id = $1 AND activity_id = $2 AND status = 'waiting'
	`

	e, err := scanEntry(r.q.QueryRowContext(ctx, query, participantID, activityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find waiting entry: %w", database.Classify(err))
	}
	return e, nil
}

// FindLatest returns the participant's most recent entry for an activity in any status
func (r *Repository) FindLatest(ctx context.Context, participantID, activityID string) (*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM queue_entries
		WHERE participant_id = $1 AND activity_id = $2
		ORDER BY enqueued_at DESC, id DESC
		LIMIT 1
	`

	e, err := scanEntry(r.q.QueryRowContext(ctx, query, participantID, activityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find latest entry: %w", database.Classify(err))
	}
	return e, nil
}

// SelectClaimable returns up to limit live waiting entries, oldest first, locking them on Postgres
func (r *Repository) SelectClaimable(ctx context.Context, activityID string, squadSize int, now time.Time, limit int) ([]*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM queue_entries
		WHERE activity_id = $1 AND squad_size = $2 AND status = 'waiting' AND expires_at > $3
		ORDER BY enqueued_at, id
		LIMIT $4
	` + r.q.Dialect().ClaimLock()

	rows, err := r.q.QueryContext(ctx, query, activityID, squadSize, database.ToMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable entries: %w", database.Classify(err))
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue entries: %w", database.Classify(err))
	}
	return entries, nil
}

// MarkMatched performs waiting -> matched. It reports false if the entry was no longer waiting.
func (r *Repository) MarkMatched(ctx context.Context, id, teamID int64, now time.Time) (bool, error) {
	query := `
		UPDATE queue_entries
		SET status = 'matched', matched_team_id = $2, resolved_at = $3
		WHERE id = $1 AND status = 'waiting'
	`

	result, err := r.q.ExecContext(ctx, query, id, teamID, database.ToMillis(now))
	if err != nil {
		return false, fmt.Errorf("failed to mark entry matched: %w", database.Classify(err))
	}
	return affectedOne(result)
}

// Resolve performs waiting -> to for a terminal status without a team
func (r *Repository) Resolve(ctx context.Context, id int64, to Status, now time.Time) (bool, error) {
	query := `
		UPDATE queue_entries
		SET status = $2, resolved_at = $3
		WHERE id = $1 AND status = 'waiting'
	`

	result, err := r.q.ExecContext(ctx, query, id, string(to), database.ToMillis(now))
	if err != nil {
		return false, fmt.Errorf("failed to resolve entry: %w", database.Classify(err))
	}
	return affectedOne(result)
}

// CancelWaitingFor withdraws any waiting entries the participants still hold for an activity
func (r *Repository) CancelWaitingFor(ctx context.Context, activityID string, participantIDs []string, now time.Time) ([]int64, error) {
	if len(participantIDs) == 0 {
		return nil, nil
	}
	query := `
		UPDATE queue_entries
		SET status = 'cancelled', resolved_at = $2
		WHERE activity_id = $1 AND status = 'waiting'
		  AND participant_id IN (` + database.Placeholders(3, len(participantIDs)) + `)
		RETURNING id
	`

	args := make([]any, 0, len(participantIDs)+2)
	args = append(args, activityID, database.ToMillis(now))
	for _, p := range participantIDs {
		args = append(args, p)
	}
	return r.returningIDs(ctx, query, args...)
}

// ExpireOverdue moves every waiting entry past its deadline to expired
func (r *Repository) ExpireOverdue(ctx context.Context, now time.Time) ([]int64, error) {
	query := `
		UPDATE queue_entries
		SET status = 'expired', resolved_at = $1
		WHERE status = 'waiting' AND expires_at <= $1
		RETURNING id
	`
	return r.returningIDs(ctx, query, database.ToMillis(now))
}

// ClaimableGroups lists buckets holding at least two sides' worth of live waiters
func (r *Repository) ClaimableGroups(ctx context.Context, now time.Time) ([]Group, error) {
	query := `
		SELECT activity_id, squad_size, COUNT(*)
		FROM queue_entries
		WHERE status = 'waiting' AND expires_at > $1
		GROUP BY activity_id, squad_size
		HAVING COUNT(*) >= 2 * squad_size
		ORDER BY MIN(enqueued_at)
	`

	rows, err := r.q.QueryContext(ctx, query, database.ToMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list claimable groups: %w", database.Classify(err))
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ActivityID, &g.SquadSize, &g.Waiting); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (r *Repository) returningIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update queue entries: %w", database.Classify(err))
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entry id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}
