package matchmaking

import (
	"errors"
	"time"

	"github.com/fkhayef/questarena/internal/team"
)

// Common errors
var (
	ErrMatchCreationFailed = errors.New("match creation failed")
	ErrTimeout             = errors.New("no opponent found")
	ErrInvalidSquadSize    = errors.New("squad size is out of range")
	ErrInvalidRequest      = errors.New("activity and participant are required")
	ErrNotOwner            = errors.New("queue entry or team belongs to another participant")
	ErrSquadSizeMismatch   = errors.New("already queued with a different squad size")
)

// ResultStatus is the caller-facing outcome of a matchmaking flow
type ResultStatus string

const (
	ResultMatched   ResultStatus = "matched"
	ResultPending   ResultStatus = "pending"
	ResultTimedOut  ResultStatus = "timedOut"
	ResultCancelled ResultStatus = "cancelled"
)

// Terminal reports whether the result will not change any more
func (s ResultStatus) Terminal() bool {
	return s != ResultPending
}

// MatchResult is derived from stored state on every call; it is never persisted
type MatchResult struct {
	Status         ResultStatus   `json:"status"`
	EntryID        *int64         `json:"entry_id,omitempty"`
	TeamID         *int64         `json:"team_id,omitempty"`
	OpponentTeamID *int64         `json:"opponent_team_id,omitempty"`
	MatchID        string         `json:"match_id,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	Roster         []*team.Member `json:"roster,omitempty"`
}

// Err returns ErrTimeout for a timed out search and nil otherwise
func (r *MatchResult) Err() error {
	if r.Status == ResultTimedOut {
		return ErrTimeout
	}
	return nil
}

// Options tunes the orchestrator
type Options struct {
	DefaultWaitTimeout time.Duration
	MaxWaitTimeout     time.Duration
	MaxSquadSize       int
	// PollInterval bounds how long Await goes without re-reading the entry
	PollInterval time.Duration
}

// DefaultOptions matches the product's two minute search window
func DefaultOptions() Options {
	return Options{
		DefaultWaitTimeout: 2 * time.Minute,
		MaxWaitTimeout:     10 * time.Minute,
		MaxSquadSize:       5,
		PollInterval:       5 * time.Second,
	}
}

// SweepStats reports one sweeper pass
type SweepStats struct {
	Expired int
	Claims  int
}
