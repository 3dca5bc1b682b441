package middleware

import (
	"net/http"
	"strings"
	"sync"

	"github.com/openclaw/dm-responder-go/internal/audit"
	apperrors "github.com/openclaw/dm-responder-go/internal/errors"
	"github.com/openclaw/dm-responder-go/internal/util"
)

// AuthMiddleware guards the bot API with a single bearer token checked
// against a bcrypt hash. Tokens that passed once are remembered by their
// sha256 fingerprint so bcrypt only runs on the first request.
type AuthMiddleware struct {
	tokenHash string

	mu       sync.RWMutex
	verified map[string]struct{}
}

// NewAuthMiddleware returns a middleware for tokenHash. An empty hash lets
// every request through; config validation refuses that in production.
func NewAuthMiddleware(tokenHash string) *AuthMiddleware {
	return &AuthMiddleware{
		tokenHash: tokenHash,
		verified:  make(map[string]struct{}),
	}
}

func (m *AuthMiddleware) Enabled() bool {
	return m.tokenHash != ""
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	if !m.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		if !m.check(token) {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"path": r.URL.Path},
			})
			writeError(w, apperrors.InvalidToken("Invalid token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *AuthMiddleware) check(token string) bool {
	fp := util.HashToken(token)

	m.mu.RLock()
	_, ok := m.verified[fp]
	m.mu.RUnlock()
	if ok {
		return true
	}

	if !util.CheckPasswordHash(token, m.tokenHash) {
		return false
	}

	m.mu.Lock()
	m.verified[fp] = struct{}{}
	m.mu.Unlock()
	return true
}

// extractToken reads the bearer header, falling back to the token query
// parameter for EventSource clients that cannot set headers.
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
