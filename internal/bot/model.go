package bot

import "time"

// DefaultHandles is the roster seeded when none is configured
var DefaultHandles = []string{"CodeNinja", "DevMaster", "BugHunter", "PixelPro", "DataDragon"}

// Bot is a synthetic participant identity
type Bot struct {
	ID              string    `json:"id"`
	Handle          string    `json:"handle"`
	ReservedMatchID *string   `json:"reserved_match_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// CreateBotRequest represents the request to add a bot to the roster
type CreateBotRequest struct {
	Handle string `json:"handle"`
}
