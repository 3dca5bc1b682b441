package model

import (
	"time"
)

// Account is a platform account linked by a dashboard user. Secret and
// SessionData hold ciphertext when an encryption key is configured.
type Account struct {
	ID          int64      `db:"id" json:"id"`
	UserID      int64      `db:"user_id" json:"userId"`
	Username    string     `db:"username" json:"username"`
	Secret      string     `db:"secret" json:"-"`
	SessionData *string    `db:"session_data" json:"-"`
	IsActive    bool       `db:"is_active" json:"isActive"`
	LastLogin   *time.Time `db:"last_login" json:"lastLogin,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
}

type CreateAccountParams struct {
	UserID   int64
	Username string
	Secret   string
}
