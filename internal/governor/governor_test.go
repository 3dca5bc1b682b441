package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/dm-responder-go/internal/clock"
	"github.com/openclaw/dm-responder-go/internal/platform"
)

var epoch = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestGovernor() (*Governor, *clock.Fake) {
	clk := clock.NewFake(epoch)
	return New(DefaultConfig(), clk), clk
}

func TestGovernor_Allow(t *testing.T) {
	t.Run("first call is allowed", func(t *testing.T) {
		g, _ := newTestGovernor()
		ok, wait := g.Allow()
		assert.True(t, ok)
		assert.Zero(t, wait)
	})

	t.Run("enforces minimum gap", func(t *testing.T) {
		g, clk := newTestGovernor()
		g.RecordSuccess()
		clk.Advance(500 * time.Millisecond)

		ok, wait := g.Allow()
		assert.False(t, ok)
		assert.Equal(t, time.Second, wait)

		clk.Advance(time.Second)
		ok, _ = g.Allow()
		assert.True(t, ok)
	})

	t.Run("quota exhausted waits for oldest to leave window", func(t *testing.T) {
		g, clk := newTestGovernor()
		for i := 0; i < 60; i++ {
			g.RecordSuccess()
			clk.Advance(2 * time.Second)
		}

		ok, wait := g.Allow()
		assert.False(t, ok)
		// oldest at epoch, now at epoch+120s
		assert.Equal(t, 180*time.Second, wait)

		clk.Advance(wait + time.Millisecond)
		ok, _ = g.Allow()
		assert.True(t, ok)
	})

	t.Run("cooldown takes precedence for exactly the cooldown period", func(t *testing.T) {
		g, clk := newTestGovernor()
		g.RecordRateLimitSignal()

		ok, wait := g.Allow()
		assert.False(t, ok)
		assert.Equal(t, 300*time.Second, wait)

		clk.Advance(299 * time.Second)
		ok, wait = g.Allow()
		assert.False(t, ok)
		assert.Equal(t, time.Second, wait)

		clk.Advance(time.Second)
		ok, _ = g.Allow()
		assert.True(t, ok)
	})

	t.Run("cooldown holds even with empty ledger and elapsed gap", func(t *testing.T) {
		g, clk := newTestGovernor()
		g.RecordSuccess()
		clk.Advance(time.Hour)
		g.RecordRateLimitSignal()
		ok, _ := g.Allow()
		assert.False(t, ok)
	})
}

func TestGovernor_QuotaNeverExceeded(t *testing.T) {
	g, clk := newTestGovernor()
	var successes []time.Time

	for i := 0; i < 1000; i++ {
		ok, wait := g.Allow()
		if !ok {
			clk.Advance(wait)
			continue
		}
		g.RecordSuccess()
		successes = append(successes, clk.Now())
		// callers that hammer the governor as fast as it lets them
		clk.Advance(10 * time.Millisecond)
	}

	require.NotEmpty(t, successes)
	for i := range successes {
		windowEnd := successes[i].Add(5 * time.Minute)
		count := 0
		for j := i; j < len(successes) && successes[j].Before(windowEnd); j++ {
			count++
		}
		assert.LessOrEqual(t, count, 60, "window starting at success %d", i)
	}
}

func TestGovernor_Do(t *testing.T) {
	ctx := context.Background()

	t.Run("records success", func(t *testing.T) {
		g, clk := newTestGovernor()
		calls := 0
		err := g.Do(ctx, "test", func(ctx context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, g.InWindow())

		// jitter only: 0.5s..1.5s
		slept := clk.Slept()
		assert.GreaterOrEqual(t, slept, 500*time.Millisecond)
		assert.LessOrEqual(t, slept, 1500*time.Millisecond)
	})

	t.Run("rate limit triggers cooldown and backoff then surfaces", func(t *testing.T) {
		g, clk := newTestGovernor()
		calls := 0
		err := g.Do(ctx, "test", func(ctx context.Context) error {
			calls++
			return platform.ErrRateLimited
		})
		require.Error(t, err)
		assert.True(t, platform.IsRateLimited(err))
		assert.Equal(t, 2, calls)
		assert.Contains(t, clk.Sleeps(), 30*time.Second)

		ok, _ := g.Allow()
		assert.False(t, ok)
	})

	t.Run("generic error retried once after fixed delay", func(t *testing.T) {
		g, clk := newTestGovernor()
		calls := 0
		err := g.Do(ctx, "test", func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return errors.New("boom")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.Contains(t, clk.Sleeps(), 2*time.Second)
	})

	t.Run("generic error surfaces after two attempts", func(t *testing.T) {
		g, _ := newTestGovernor()
		calls := 0
		err := g.Do(ctx, "test", func(ctx context.Context) error {
			calls++
			return errors.New("boom")
		})
		require.Error(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("auth and verification errors are not retried", func(t *testing.T) {
		for _, target := range []error{
			platform.ErrAuthRequired,
			&platform.TwoFactorRequiredError{},
			&platform.ChallengeRequiredError{},
		} {
			g, _ := newTestGovernor()
			calls := 0
			err := g.Do(ctx, "test", func(ctx context.Context) error {
				calls++
				return target
			})
			assert.ErrorIs(t, err, target)
			assert.Equal(t, 1, calls)
		}
	})

	t.Run("cancelled context stops before calling", func(t *testing.T) {
		g, _ := newTestGovernor()
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		called := false
		err := g.Do(cctx, "test", func(ctx context.Context) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})
}

func TestConfig_withDefaults(t *testing.T) {
	cfg := Config{Quota: 10}.withDefaults()
	assert.Equal(t, 10, cfg.Quota)
	assert.Equal(t, 5*time.Minute, cfg.Window)
	assert.Equal(t, 2, cfg.MaxAttempts)
}
