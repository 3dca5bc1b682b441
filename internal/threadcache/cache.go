// Package threadcache keeps short-lived copies of the inbox listing and of
// individual threads so a poll cycle does not hit the platform for data it
// fetched moments ago.
package threadcache

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/dm-responder-go/internal/clock"
	"github.com/openclaw/dm-responder-go/internal/platform"
)

type Config struct {
	ListTTL   time.Duration `yaml:"list_ttl"`
	DetailTTL time.Duration `yaml:"detail_ttl"`
	// PendingProbability is the chance a listing refresh also reads the
	// pending (message request) inbox.
	PendingProbability float64 `yaml:"pending_probability"`
	PageSize           int     `yaml:"page_size"`
}

func DefaultConfig() Config {
	return Config{
		ListTTL:            120 * time.Second,
		DetailTTL:          60 * time.Second,
		PendingProbability: 0.5,
		PageSize:           15,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ListTTL <= 0 {
		c.ListTTL = d.ListTTL
	}
	if c.DetailTTL <= 0 {
		c.DetailTTL = d.DetailTTL
	}
	if c.PendingProbability < 0 || c.PendingProbability > 1 {
		c.PendingProbability = d.PendingProbability
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	return c
}

// Fetcher is the part of the platform client the cache reads through. Calls
// are expected to be paced by the caller.
type Fetcher interface {
	ListPrimaryThreads(ctx context.Context, limit int) ([]platform.Thread, error)
	ListPendingThreads(ctx context.Context) ([]platform.Thread, error)
	FetchThread(ctx context.Context, threadID string) (*platform.Thread, error)
}

// Call wraps each platform read, normally with the request governor.
type Call func(ctx context.Context, op string, fn func(ctx context.Context) error) error

func direct(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type listEntry struct {
	threads   []platform.Thread
	fetchedAt time.Time
}

type detailEntry struct {
	thread    *platform.Thread
	fetchedAt time.Time
}

type Cache struct {
	cfg     Config
	fetcher Fetcher
	call    Call
	clock   clock.Clock
	logger  zerolog.Logger
	// roll returns a value in [0, 1) used for the pending inbox decision.
	roll func() float64

	mu      sync.Mutex
	list    *listEntry
	details map[string]detailEntry
}

func New(cfg Config, fetcher Fetcher, call Call, clk clock.Clock) *Cache {
	if call == nil {
		call = direct
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Cache{
		cfg:     cfg.withDefaults(),
		fetcher: fetcher,
		call:    call,
		clock:   clk,
		logger:  log.Logger,
		roll:    rand.Float64,
		details: make(map[string]detailEntry),
	}
}

func (c *Cache) WithLogger(logger zerolog.Logger) *Cache {
	c.logger = logger
	return c
}

// ListThreads returns the merged primary and (sometimes) pending inbox. A
// failure of one inbox is logged and the other is still used; the call fails
// only when nothing could be read.
func (c *Cache) ListThreads(ctx context.Context) ([]platform.Thread, error) {
	now := c.clock.Now()

	c.mu.Lock()
	if c.list != nil {
		if now.Sub(c.list.fetchedAt) < c.cfg.ListTTL {
			threads := c.list.threads
			c.mu.Unlock()
			return threads, nil
		}
		c.list = nil
	}
	c.mu.Unlock()

	var primary, pending []platform.Thread
	primaryErr := c.call(ctx, "list_primary", func(ctx context.Context) error {
		var err error
		primary, err = c.fetcher.ListPrimaryThreads(ctx, c.cfg.PageSize)
		return err
	})
	if primaryErr != nil {
		if ctx.Err() != nil || platform.IsAuthRequired(primaryErr) {
			return nil, primaryErr
		}
		c.logger.Warn().Err(primaryErr).Msg("primary inbox fetch failed")
	}

	var pendingErr error
	if c.roll() < c.cfg.PendingProbability {
		pendingErr = c.call(ctx, "list_pending", func(ctx context.Context) error {
			var err error
			pending, err = c.fetcher.ListPendingThreads(ctx)
			return err
		})
		if pendingErr != nil {
			if ctx.Err() != nil || platform.IsAuthRequired(pendingErr) {
				return nil, pendingErr
			}
			c.logger.Warn().Err(pendingErr).Msg("pending inbox fetch failed")
		}
	}

	if primaryErr != nil && (pendingErr != nil || pending == nil) {
		return nil, primaryErr
	}

	merged := merge(primary, pending)

	c.mu.Lock()
	c.list = &listEntry{threads: merged, fetchedAt: c.clock.Now()}
	c.pruneLocked(c.list.fetchedAt)
	c.mu.Unlock()

	return merged, nil
}

func merge(primary, pending []platform.Thread) []platform.Thread {
	seen := make(map[string]struct{}, len(primary)+len(pending))
	out := make([]platform.Thread, 0, len(primary)+len(pending))
	for _, list := range [][]platform.Thread{primary, pending} {
		for _, t := range list {
			if _, ok := seen[t.ID]; ok {
				continue
			}
			seen[t.ID] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// GetThreadDetail returns a thread with its recent messages.
func (c *Cache) GetThreadDetail(ctx context.Context, threadID string) (*platform.Thread, error) {
	now := c.clock.Now()

	c.mu.Lock()
	if e, ok := c.details[threadID]; ok {
		if now.Sub(e.fetchedAt) < c.cfg.DetailTTL {
			c.mu.Unlock()
			return e.thread, nil
		}
		c.pruneLocked(now)
	}
	c.mu.Unlock()

	var thread *platform.Thread
	err := c.call(ctx, "fetch_thread", func(ctx context.Context) error {
		var err error
		thread, err = c.fetcher.FetchThread(ctx, threadID)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.details[threadID] = detailEntry{thread: thread, fetchedAt: c.clock.Now()}
	c.mu.Unlock()

	return thread, nil
}

// pruneLocked drops every expired detail so threads that left the inbox page
// do not stay cached.
func (c *Cache) pruneLocked(now time.Time) {
	for id, e := range c.details {
		if now.Sub(e.fetchedAt) >= c.cfg.DetailTTL {
			delete(c.details, id)
		}
	}
}

// Invalidate drops the listing and the detail of threadID. An empty id drops
// every cached detail.
func (c *Cache) Invalidate(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = nil
	if threadID == "" {
		clear(c.details)
		return
	}
	delete(c.details, threadID)
}
