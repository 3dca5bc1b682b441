// Package governor paces calls to the platform for a single account. It keeps
// a sliding window of successful calls, enforces a minimum gap between calls
// and backs off hard after the platform signals a rate limit.
package governor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/dm-responder-go/internal/clock"
	"github.com/openclaw/dm-responder-go/internal/metrics"
	"github.com/openclaw/dm-responder-go/internal/platform"
)

type Config struct {
	Window   time.Duration `yaml:"window"`
	Quota    int           `yaml:"quota"`
	MinGap   time.Duration `yaml:"min_gap"`
	Cooldown time.Duration `yaml:"cooldown"`

	JitterMin time.Duration `yaml:"jitter_min"`
	JitterMax time.Duration `yaml:"jitter_max"`

	// RateLimitBackoff is doubled for every further attempt.
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	MaxAttempts      int           `yaml:"max_attempts"`
}

func DefaultConfig() Config {
	return Config{
		Window:           5 * time.Minute,
		Quota:            60,
		MinGap:           1500 * time.Millisecond,
		Cooldown:         300 * time.Second,
		JitterMin:        500 * time.Millisecond,
		JitterMax:        1500 * time.Millisecond,
		RateLimitBackoff: 30 * time.Second,
		RetryDelay:       2 * time.Second,
		MaxAttempts:      2,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Quota <= 0 {
		c.Quota = d.Quota
	}
	if c.MinGap <= 0 {
		c.MinGap = d.MinGap
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.JitterMax <= 0 {
		c.JitterMin, c.JitterMax = d.JitterMin, d.JitterMax
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = d.RateLimitBackoff
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

type Governor struct {
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger

	mu            sync.Mutex
	timestamps    []time.Time
	lastSuccess   time.Time
	cooldownUntil time.Time
}

func New(cfg Config, clk clock.Clock) *Governor {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Governor{
		cfg:    cfg.withDefaults(),
		clock:  clk,
		logger: log.Logger,
	}
}

// WithLogger sets the logger used for pacing decisions.
func (g *Governor) WithLogger(logger zerolog.Logger) *Governor {
	g.logger = logger
	return g
}

func (g *Governor) Config() Config {
	return g.cfg
}

// Allow reports whether a call may be made now. When it may not, the returned
// duration is how long the caller should wait before asking again.
func (g *Governor) Allow() (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()

	if now.Before(g.cooldownUntil) {
		return false, g.cooldownUntil.Sub(now)
	}

	g.prune(now)

	if len(g.timestamps) >= g.cfg.Quota {
		return false, g.timestamps[0].Add(g.cfg.Window).Sub(now)
	}

	if !g.lastSuccess.IsZero() {
		if since := now.Sub(g.lastSuccess); since < g.cfg.MinGap {
			return false, g.cfg.MinGap - since
		}
	}

	return true, 0
}

func (g *Governor) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.prune(now)
	g.timestamps = append(g.timestamps, now)
	g.lastSuccess = now
}

func (g *Governor) RecordRateLimitSignal() {
	g.mu.Lock()
	g.cooldownUntil = g.clock.Now().Add(g.cfg.Cooldown)
	g.mu.Unlock()

	metrics.RateLimitSignals.Inc()
	g.logger.Warn().Dur("cooldown", g.cfg.Cooldown).Msg("rate limit signal observed, cooling down")
}

// InWindow is the number of successful calls inside the current window.
func (g *Governor) InWindow() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune(g.clock.Now())
	return len(g.timestamps)
}

// prune drops timestamps that left the window. Caller holds mu.
func (g *Governor) prune(now time.Time) {
	windowStart := now.Add(-g.cfg.Window)
	filtered := g.timestamps[:0]
	for _, ts := range g.timestamps {
		if ts.After(windowStart) {
			filtered = append(filtered, ts)
		}
	}
	g.timestamps = filtered
}

// Wait blocks until Allow would let a call through once, or ctx is done.
func (g *Governor) Wait(ctx context.Context) error {
	ok, wait := g.Allow()
	if ok || wait <= 0 {
		return ctx.Err()
	}
	metrics.GovernorWait.Observe(wait.Seconds())
	g.logger.Debug().Dur("wait", wait).Msg("governor wait")
	return g.clock.Sleep(ctx, wait)
}

// Jitter sleeps a uniformly random duration in [lo, hi].
func (g *Governor) Jitter(ctx context.Context, lo, hi time.Duration) error {
	return g.clock.Sleep(ctx, uniform(lo, hi))
}

// Do runs fn as one governed platform call: it waits for the governor, adds
// human jitter, and applies the retry policy. Rate-limit errors trigger a
// cooldown and exponential backoff; other errors get a single short retry.
// Login and verification signals are returned immediately.
func (g *Governor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		if err := g.Wait(ctx); err != nil {
			return err
		}
		if err := g.Jitter(ctx, g.cfg.JitterMin, g.cfg.JitterMax); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			g.RecordSuccess()
			metrics.PlatformCalls.WithLabelValues(op, "ok").Inc()
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err

		switch {
		case platform.IsRateLimited(err):
			metrics.PlatformCalls.WithLabelValues(op, "rate_limited").Inc()
			g.RecordRateLimitSignal()
			if attempt < g.cfg.MaxAttempts-1 {
				backoff := g.cfg.RateLimitBackoff * time.Duration(1<<attempt)
				g.logger.Info().Str("op", op).Dur("backoff", backoff).Msg("rate limited, backing off before retry")
				if err := g.clock.Sleep(ctx, backoff); err != nil {
					return err
				}
				continue
			}
		case !retryable(err):
			metrics.PlatformCalls.WithLabelValues(op, "error").Inc()
			return err
		default:
			metrics.PlatformCalls.WithLabelValues(op, "error").Inc()
			if attempt < g.cfg.MaxAttempts-1 {
				g.logger.Warn().Err(err).Str("op", op).Msg("platform call failed, retrying")
				if err := g.clock.Sleep(ctx, g.cfg.RetryDelay); err != nil {
					return err
				}
				continue
			}
		}
	}

	return fmt.Errorf("%s: %w", op, lastErr)
}

func retryable(err error) bool {
	if platform.IsAuthRequired(err) || platform.IsVerificationRequired(err) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}
