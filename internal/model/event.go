package model

import (
	"time"
)

// Priority orders alert urgency. Ordinal comparisons use Rank.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the priority's ordinal (low < medium < high < urgent).
// Unknown priorities rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 0
	}
}

// Alert event types produced by the pipeline.
const (
	EventTypeOddsMovement = "odds_movement"
)

// AlertEvent is the canonical message describing a condition worth notifying
// about. Created when a movement crosses a threshold and the per-fight
// cooldown has elapsed; destroyed once fully delivered or dead-lettered.
type AlertEvent struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	FightID   string                 `json:"fight_id,omitempty"`
	FighterID string                 `json:"fighter_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Priority  Priority               `json:"priority"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
	Attempts  int                    `json:"attempts"`
}

// QueuedEvent wraps an AlertEvent with the queue metadata attached while it
// lives in the durable log.
type QueuedEvent struct {
	MessageID   string      `json:"message_id"`
	Event       *AlertEvent `json:"event"`
	LastError   string      `json:"last_error,omitempty"`
	LastAttempt time.Time   `json:"last_attempt,omitempty"`
}

// DeadLetter is the terminal record for an event that exhausted its retries.
type DeadLetter struct {
	Event             *AlertEvent `json:"event"`
	OriginalMessageID string      `json:"original_message_id"`
	Error             string      `json:"error"`
	Timestamp         time.Time   `json:"timestamp"`
}
