// Package router maps incoming direct-message text to a canned reply.
package router

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/openclaw/dm-responder-go/internal/model"
)

type MessageStore interface {
	// Lookup returns the newest active reply for key whose date window
	// contains today, or nil when there is none.
	Lookup(ctx context.Context, userID int64, key string) (*model.ReplyMessage, error)
}

type Router struct {
	store MessageStore
}

func New(store MessageStore) *Router {
	return &Router{store: store}
}

// NormalizeKey trims text and lowercases it unless it is purely numeric.
func NormalizeKey(text string) string {
	key := strings.TrimSpace(text)
	if isNumeric(key) {
		return key
	}
	return strings.ToLower(key)
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Route returns the reply for text. ok is false when nothing matches or the
// stored reply is blank.
func (r *Router) Route(ctx context.Context, userID int64, text string) (string, bool, error) {
	key := NormalizeKey(text)
	if key == "" {
		return "", false, nil
	}

	msg, err := r.store.Lookup(ctx, userID, key)
	if err != nil {
		return "", false, fmt.Errorf("lookup reply %q: %w", key, err)
	}
	if msg == nil {
		return "", false, nil
	}

	reply := strings.TrimSpace(msg.Content)
	if reply == "" {
		return "", false, nil
	}
	return reply, true, nil
}
