package matchmaking

import "github.com/fkhayef/questarena/internal/team"

// BotMatchRequest represents the request for an instant 1v1 against a bot
type BotMatchRequest struct {
	ActivityID string `json:"activity_id"`
}

// BotSquadRequest represents the request for an instant squad battle against bots
type BotSquadRequest struct {
	ActivityID string `json:"activity_id"`
	SquadSize  int    `json:"squad_size"`
}

// FindOpponentRequest represents the request to search for human opponents
type FindOpponentRequest struct {
	ActivityID     string `json:"activity_id"`
	SquadSize      int    `json:"squad_size,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// MatchResponse represents a match with both teams
type MatchResponse struct {
	ID         string               `json:"id"`
	ActivityID string               `json:"activity_id"`
	Mode       team.Mode            `json:"mode"`
	Teams      []*team.TeamResponse `json:"teams"`
}
