package model

import (
	"time"
)

// ReplyMessage is one canned reply, selected by an exact key match on the
// incoming text.
type ReplyMessage struct {
	ID        int64      `db:"id" json:"id"`
	UserID    int64      `db:"user_id" json:"userId"`
	Key       string     `db:"key" json:"key"`
	Content   string     `db:"content" json:"content"`
	KeyType   KeyType    `db:"key_type" json:"keyType"`
	StartDate *time.Time `db:"start_date" json:"startDate,omitempty"`
	EndDate   *time.Time `db:"end_date" json:"endDate,omitempty"`
	IsActive  bool       `db:"is_active" json:"isActive"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
}

type CreateReplyMessageParams struct {
	UserID    int64
	Key       string
	Content   string
	KeyType   KeyType
	StartDate *time.Time
	EndDate   *time.Time
}

// MessageHistory records a reply that was sent.
type MessageHistory struct {
	ID         int64     `db:"id" json:"id"`
	UserID     int64     `db:"user_id" json:"userId"`
	MessageKey string    `db:"message_key" json:"messageKey"`
	ThreadID   string    `db:"thread_id" json:"threadId"`
	PeerID     string    `db:"peer_id" json:"peerId"`
	SentAt     time.Time `db:"sent_at" json:"sentAt"`
}
