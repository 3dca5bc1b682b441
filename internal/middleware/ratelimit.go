package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/openclaw/dm-responder-go/internal/audit"
	apperrors "github.com/openclaw/dm-responder-go/internal/errors"
)

const (
	maxEntries      = 10000
	cleanupInterval = time.Minute
	entryTTL        = 5 * time.Minute
)

type visitor struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter keeps one token bucket per client.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	now   func() time.Time

	mu          sync.Mutex
	visitors    map[string]*visitor
	lastCleanup time.Time
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:         rate.Limit(perSecond),
		burst:       burst,
		now:         time.Now,
		visitors:    make(map[string]*visitor),
		lastCleanup: time.Now(),
	}
}

func (rl *RateLimiter) cleanup(now time.Time) {
	if now.Sub(rl.lastCleanup) < cleanupInterval && len(rl.visitors) <= maxEntries {
		return
	}
	rl.lastCleanup = now

	for key, v := range rl.visitors {
		if now.Sub(v.lastAccess) > entryTTL {
			delete(rl.visitors, key)
		}
	}
}

// Allow takes a token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	now := rl.now()
	rl.cleanup(now)

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastAccess = now
	lim := v.limiter
	rl.mu.Unlock()

	return lim.AllowN(now, 1)
}

func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

type RateLimitMiddleware struct {
	limiter *RateLimiter
}

func NewRateLimitMiddleware(perSecond float64, burst int) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: NewRateLimiter(perSecond, burst)}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := audit.ClientIP(r)
		if m.limiter.Allow(ip) {
			next.ServeHTTP(w, r)
			return
		}

		log.Warn().Str("ip", ip).Str("path", r.URL.Path).Msg("rate limit exceeded")
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limiter.burst))
		w.Header().Set("Retry-After", "1")
		writeError(w, apperrors.RateLimitExceeded())
	})
}
