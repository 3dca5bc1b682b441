// Package platform defines the capability the bot engine needs from the
// messaging platform, plus the failure taxonomy its calls can produce.
package platform

import (
	"context"
	"encoding/json"
	"time"
)

type VerificationMethod string

const (
	MethodSMS   VerificationMethod = "sms"
	MethodEmail VerificationMethod = "email"
)

// ParseMethod maps free-form input to a verification method, defaulting to SMS.
func ParseMethod(s string) VerificationMethod {
	switch VerificationMethod(s) {
	case MethodEmail:
		return MethodEmail
	default:
		return MethodSMS
	}
}

// ChallengeContext is the opaque state the platform hands back when a login
// needs a second factor. Identifier is set for two-factor logins.
type ChallengeContext struct {
	Identifier string          `json:"identifier,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type Message struct {
	ID        string
	UserID    string
	Text      string
	Timestamp time.Time
}

// Thread is one conversation. Messages are ordered newest first.
type Thread struct {
	ID       string
	Messages []Message
}

// Newest returns the most recent message of the thread.
func (t *Thread) Newest() (Message, bool) {
	if t == nil || len(t.Messages) == 0 {
		return Message{}, false
	}
	return t.Messages[0], true
}

type Client interface {
	Login(ctx context.Context, username, password string) error
	RestoreSession(ctx context.Context, blob []byte) error
	ExportSession(ctx context.Context) ([]byte, error)
	ProbeLiveness(ctx context.Context) error
	// UserID is the authenticated identity, empty until a login or probe succeeds.
	UserID() string

	ListPrimaryThreads(ctx context.Context, limit int) ([]Thread, error)
	ListPendingThreads(ctx context.Context) ([]Thread, error)
	FetchThread(ctx context.Context, threadID string) (*Thread, error)
	SendMessage(ctx context.Context, threadID, text string) error
	MarkRead(ctx context.Context, threadID string) error

	RequestTwoFactorCode(ctx context.Context, method VerificationMethod, challenge ChallengeContext) error
	RequestChallengeCode(ctx context.Context, method VerificationMethod, challenge ChallengeContext) error
	SubmitTwoFactorCode(ctx context.Context, challenge ChallengeContext, code string, method VerificationMethod) error
	SubmitChallengeCode(ctx context.Context, challenge ChallengeContext, code string) error
}
