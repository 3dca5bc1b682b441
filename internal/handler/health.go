package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/dm-responder-go/internal/model"
)

type PingFunc func(ctx context.Context) error

type BotLister interface {
	List() []*model.LiveStatus
}

// HealthHandler reports ok only while every dependency answers its ping.
type HealthHandler struct {
	checks  map[string]PingFunc
	bots    BotLister
	timeout time.Duration
}

func NewHealthHandler(bots BotLister, timeout time.Duration, checks map[string]PingFunc) *HealthHandler {
	return &HealthHandler{checks: checks, bots: bots, timeout: timeout}
}

// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	code := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			log.Warn().Err(err).Str("check", name).Msg("health check failed")
			results[name] = "down"
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	body := map[string]any{
		"status":    status,
		"checks":    results,
		"timestamp": time.Now().UnixMilli(),
	}
	if h.bots != nil {
		body["bots"] = len(h.bots.List())
	}
	writeJSON(w, code, body)
}
