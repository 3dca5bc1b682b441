package model

import (
	"encoding/json"
	"time"
)

// BotStatus is the persisted view of a bot worker, kept for dashboards that
// read the database rather than the live API.
type BotStatus struct {
	AccountID    int64      `db:"account_id" json:"accountId"`
	UserID       int64      `db:"user_id" json:"userId"`
	Status       BotState   `db:"status" json:"status"`
	ErrorMessage *string    `db:"error_message" json:"errorMessage,omitempty"`
	LastActivity *time.Time `db:"last_activity" json:"lastActivity,omitempty"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updatedAt"`
}

// LiveStatus is the in-process view of one bot. It is returned by the status
// API and published on every change.
type LiveStatus struct {
	AccountID         int64      `json:"accountId"`
	Username          string     `json:"username,omitempty"`
	Running           bool       `json:"running"`
	State             BotState   `json:"state"`
	SessionState      string     `json:"sessionState,omitempty"`
	NeedsVerification bool       `json:"needsVerification"`
	Kind              string     `json:"kind,omitempty"`
	Method            string     `json:"method,omitempty"`
	Error             string     `json:"error,omitempty"`
	LastActivity      *time.Time `json:"lastActivity,omitempty"`
	At                time.Time  `json:"at"`
}

// ToSSEEventData returns JSON data for SSE status events
func (s *LiveStatus) ToSSEEventData() json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
