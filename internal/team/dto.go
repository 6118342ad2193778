package team

import "time"

// Side describes one team to be created
type Side struct {
	Name            string
	IsSyntheticOnly bool
}

// OpposingTeams is the request to create two linked teams
type OpposingTeams struct {
	ActivityID string
	TeamSize   int
	Mode       Mode
	A          Side
	B          Side
}

// NewMember is one seat to add to a team
type NewMember struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name,omitempty"`
	Role          Role   `json:"role"`
	IsSynthetic   bool   `json:"is_synthetic"`
}

// TeamResponse represents the response for a team
type TeamResponse struct {
	ID              int64             `json:"id"`
	ActivityID      string            `json:"activity_id"`
	Name            string            `json:"name"`
	Status          Status            `json:"status"`
	OpponentTeamID  *int64            `json:"opponent_team_id,omitempty"`
	IsSyntheticOnly bool              `json:"is_synthetic_only"`
	TeamSize        int               `json:"team_size"`
	MatchID         string            `json:"match_id"`
	CreatedAt       string            `json:"created_at"`
	Members         []*MemberResponse `json:"members,omitempty"`
}

// MemberResponse represents a member in a team response
type MemberResponse struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name,omitempty"`
	Role          Role   `json:"role"`
	IsSynthetic   bool   `json:"is_synthetic"`
	JoinedAt      string `json:"joined_at"`
}

// ToResponse converts a Team model to a TeamResponse DTO
func (t *Team) ToResponse() *TeamResponse {
	return &TeamResponse{
		ID:              t.ID,
		ActivityID:      t.ActivityID,
		Name:            t.Name,
		Status:          t.Status,
		OpponentTeamID:  t.OpponentTeamID,
		IsSyntheticOnly: t.IsSyntheticOnly,
		TeamSize:        t.TeamSize,
		MatchID:         t.MatchID,
		CreatedAt:       t.CreatedAt.Format(time.RFC3339),
	}
}

// ToResponse converts a Member model to a MemberResponse DTO
func (m *Member) ToResponse() *MemberResponse {
	return &MemberResponse{
		ParticipantID: m.ParticipantID,
		DisplayName:   m.DisplayName,
		Role:          m.Role,
		IsSynthetic:   m.IsSynthetic,
		JoinedAt:      m.JoinedAt.Format(time.RFC3339),
	}
}

// MembersToResponse converts a roster
func MembersToResponse(members []*Member) []*MemberResponse {
	out := make([]*MemberResponse, len(members))
	for i, m := range members {
		out[i] = m.ToResponse()
	}
	return out
}
