package notification

import (
	"strconv"
	"time"
)

// EventKind represents what happened to the entity behind a topic
type EventKind string

const (
	EventKindMatched   EventKind = "matched"
	EventKindExpired   EventKind = "expired"
	EventKindCancelled EventKind = "cancelled"
	EventKindActivated EventKind = "activated"
	EventKindCompleted EventKind = "completed"
)

// Event is a "row changed" trigger. Consumers re-fetch authoritative state on receipt.
type Event struct {
	Topic    string    `json:"topic"`
	Kind     EventKind `json:"kind"`
	EntityID int64     `json:"entity_id"`
	At       time.Time `json:"at"`
}

// QueueEntryTopic is the topic a waiting participant subscribes to
func QueueEntryTopic(entryID int64) string {
	return "queue_entry:" + strconv.FormatInt(entryID, 10)
}

// TeamTopic is the topic for a team's status changes
func TeamTopic(teamID int64) string {
	return "team:" + strconv.FormatInt(teamID, 10)
}

// NewQueueEntryEvent builds an event for a queue entry transition
func NewQueueEntryEvent(entryID int64, kind EventKind, at time.Time) Event {
	return Event{Topic: QueueEntryTopic(entryID), Kind: kind, EntityID: entryID, At: at}
}

// NewTeamEvent builds an event for a team transition
func NewTeamEvent(teamID int64, kind EventKind, at time.Time) Event {
	return Event{Topic: TeamTopic(teamID), Kind: kind, EntityID: teamID, At: at}
}
