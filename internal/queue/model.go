package queue

import "time"

// Status represents where a queue entry is in its lifecycle
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusMatched   Status = "matched"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusMatched || s == StatusExpired || s == StatusCancelled
}

// Entry is a participant's standing request to be paired
type Entry struct {
	ID            int64      `json:"id"`
	ActivityID    string     `json:"activity_id"`
	ParticipantID string     `json:"participant_id"`
	SquadSize     int        `json:"squad_size"`
	Status        Status     `json:"status"`
	MatchedTeamID *int64     `json:"matched_team_id,omitempty"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// Group is an (activity, squad size) bucket with enough live waiters for a claim
type Group struct {
	ActivityID string
	SquadSize  int
	Waiting    int
}

// Claim is the outcome of one successful atomic claim
type Claim struct {
	ActivityID string
	SquadSize  int
	// Entries are the claimed entries, oldest first, already marked matched
	Entries []*Entry
	// Cancelled holds other waiting entries of the claimed participants that were withdrawn
	Cancelled []int64
}

// Includes reports whether the claim took the given entry
func (c *Claim) Includes(entryID int64) bool {
	for _, e := range c.Entries {
		if e.ID == entryID {
			return true
		}
	}
	return false
}

// Participants returns the claimed participant ids in claim order
func (c *Claim) Participants() []string {
	ids := make([]string, len(c.Entries))
	for i, e := range c.Entries {
		ids[i] = e.ParticipantID
	}
	return ids
}
