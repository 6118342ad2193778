package team

import "time"

// Status represents a team's lifecycle stage
type Status string

const (
	StatusForming   Status = "forming"
	StatusReady     Status = "ready"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Role represents a member's role within a team
type Role string

const (
	RoleLeader Role = "leader"
	RoleMember Role = "member"
)

// Mode records how a match was put together
type Mode string

const (
	ModeBot1v1   Mode = "bot_1v1"
	ModeBotSquad Mode = "bot_squad"
	ModeHuman    Mode = "human"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m == ModeBot1v1 || m == ModeBotSquad || m == ModeHuman
}

// Team represents one side of a match
type Team struct {
	ID              int64     `json:"id"`
	ActivityID      string    `json:"activity_id"`
	Name            string    `json:"name"`
	Status          Status    `json:"status"`
	OpponentTeamID  *int64    `json:"opponent_team_id,omitempty"`
	IsSyntheticOnly bool      `json:"is_synthetic_only"`
	TeamSize        int       `json:"team_size"`
	MatchID         string    `json:"match_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Member represents a participant's seat on a team
type Member struct {
	ID            int64     `json:"id"`
	TeamID        int64     `json:"team_id"`
	ParticipantID string    `json:"participant_id"`
	DisplayName   string    `json:"display_name"`
	Role          Role      `json:"role"`
	IsSynthetic   bool      `json:"is_synthetic"`
	JoinedAt      time.Time `json:"joined_at"`
}

// Match links the two opposing teams
type Match struct {
	ID         string    `json:"id"`
	ActivityID string    `json:"activity_id"`
	Mode       Mode      `json:"mode"`
	TeamAID    int64     `json:"team_a_id"`
	TeamBID    int64     `json:"team_b_id"`
	CreatedAt  time.Time `json:"created_at"`
}
