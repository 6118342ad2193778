package team

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fkhayef/questarena/internal/database"
)

const teamColumns = `id, activity_id, name, status, opponent_team_id, is_synthetic_only, team_size, match_id, created_at, updated_at`

// Repository handles team, membership and match persistence
type Repository struct {
	q database.Querier
}

// NewRepository creates a new team repository
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

func scanTeam(row rowScanner) (*Team, error) {
	var (
		t                    Team
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&t.ID,
		&t.ActivityID,
		&t.Name,
		&t.Status,
		&t.OpponentTeamID,
		&t.IsSyntheticOnly,
		&t.TeamSize,
		&t.MatchID,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	t.CreatedAt = database.FromMillis(createdAt)
	t.UpdatedAt = database.FromMillis(updatedAt)
	return &t, nil
}

// Create inserts a new team
func (r *Repository) Create(ctx context.Context, t *Team) (*Team, error) {
	query := `
		INSERT INTO teams (activity_id, name, status, is_synthetic_only, team_size, match_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING ` + teamColumns

	created, err := scanTeam(r.q.QueryRowContext(ctx, query,
		t.ActivityID,
		t.Name,
		string(t.Status),
		t.IsSyntheticOnly,
		t.TeamSize,
		t.MatchID,
		database.ToMillis(t.CreatedAt),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create team: %w", database.Classify(err))
	}
	return created, nil
}

// GetByID retrieves a team by its ID
func (r *Repository) GetByID(ctx context.Context, id int64) (*Team, error) {
	return r.getByID(ctx, id, false)
}

// Lock retrieves a team and, on Postgres, holds its row lock until the transaction ends
func (r *Repository) Lock(ctx context.Context, id int64) (*Team, error) {
	return r.getByID(ctx, id, true)
}

func (r *Repository) getByID(ctx context.Context, id int64, lock bool) (*Team, error) {
	query := `SELECT ` + teamColumns + ` FROM teams WHERE id = $1`
	if lock && r.q.Dialect() == database.DialectPostgres {
		query += ` FOR UPDATE`
	}

	t, err := scanTeam(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get team: %w", database.Classify(err))
	}
	return t, nil
}

// ListByMatch returns both teams of a match
func (r *Repository) ListByMatch(ctx context.Context, matchID string) ([]*Team, error) {
	query := `SELECT ` + teamColumns + ` FROM teams WHERE match_id = $1 ORDER BY id`

	rows, err := r.q.QueryContext(ctx, query, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", database.Classify(err))
	}
	defer rows.Close()

	var teams []*Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan team: %w", err)
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// LinkOpponent sets opponent_team_id once. It reports false if the team was already linked.
func (r *Repository) LinkOpponent(ctx context.Context, id, opponentID int64, now time.Time) (bool, error) {
	query := `
		UPDATE teams
		SET opponent_team_id = $2, updated_at = $3
		WHERE id = $1 AND opponent_team_id IS NULL
	`

	result, err := r.q.ExecContext(ctx, query, id, opponentID, database.ToMillis(now))
	if err != nil {
		return false, fmt.Errorf("failed to link team: %w", database.Classify(err))
	}
	return affectedOne(result)
}

// Transition moves a team to status `to` if it is currently in one of `from`
func (r *Repository) Transition(ctx context.Context, id int64, to Status, now time.Time, from ...Status) (bool, error) {
	args := []any{id, string(to), database.ToMillis(now)}
	for _, s := range from {
		args = append(args, string(s))
	}
	query := `
		UPDATE teams
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status IN (` + database.Placeholders(4, len(from)) + `)
	`

	result, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update team status: %w", database.Classify(err))
	}
	return affectedOne(result)
}

// CreateMatch writes the match link row
func (r *Repository) CreateMatch(ctx context.Context, m *Match) error {
	query := `
		INSERT INTO matches (id, activity_id, mode, team_a_id, team_b_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.q.ExecContext(ctx, query, m.ID, m.ActivityID, string(m.Mode), m.TeamAID, m.TeamBID, database.ToMillis(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create match: %w", database.Classify(err))
	}
	return nil
}

// GetMatch retrieves a match by its ID
func (r *Repository) GetMatch(ctx context.Context, id string) (*Match, error) {
	query := `
		SELECT id, activity_id, mode, team_a_id, team_b_id, created_at
		FROM matches
		WHERE id = $1
	`

	var (
		m         Match
		createdAt int64
	)
	err := r.q.QueryRowContext(ctx, query, id).Scan(
		&m.ID,
		&m.ActivityID,
		&m.Mode,
		&m.TeamAID,
		&m.TeamBID,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get match: %w", database.Classify(err))
	}
	m.CreatedAt = database.FromMillis(createdAt)
	return &m, nil
}

// AddMember inserts one membership row
func (r *Repository) AddMember(ctx context.Context, m *Member) (*Member, error) {
	query := `
		INSERT INTO team_members (team_id, participant_id, display_name, role, is_synthetic, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, team_id, participant_id, display_name, role, is_synthetic, joined_at
	`

	member := &Member{}
	var joinedAt int64
	err := r.q.QueryRowContext(ctx, query,
		m.TeamID,
		m.ParticipantID,
		m.DisplayName,
		string(m.Role),
		m.IsSynthetic,
		database.ToMillis(m.JoinedAt),
	).Scan(
		&member.ID,
		&member.TeamID,
		&member.ParticipantID,
		&member.DisplayName,
		&member.Role,
		&member.IsSynthetic,
		&joinedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add member: %w", database.Classify(err))
	}
	member.JoinedAt = database.FromMillis(joinedAt)
	return member, nil
}

// GetMembers retrieves the roster of a team, leader first
func (r *Repository) GetMembers(ctx context.Context, teamID int64) ([]*Member, error) {
	query := `
		SELECT id, team_id, participant_id, display_name, role, is_synthetic, joined_at
		FROM team_members
		WHERE team_id = $1
		ORDER BY CASE role WHEN 'leader' THEN 0 ELSE 1 END, id
	`

	rows, err := r.q.QueryContext(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to get members: %w", database.Classify(err))
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		member := &Member{}
		var joinedAt int64
		if err := rows.Scan(
			&member.ID,
			&member.TeamID,
			&member.ParticipantID,
			&member.DisplayName,
			&member.Role,
			&member.IsSynthetic,
			&joinedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		member.JoinedAt = database.FromMillis(joinedAt)
		members = append(members, member)
	}
	return members, rows.Err()
}

// CountMembers returns the team's roster size
func (r *Repository) CountMembers(ctx context.Context, teamID int64) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM team_members WHERE team_id = $1`, teamID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count members: %w", database.Classify(err))
	}
	return n, nil
}

func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}
