// Package bot runs the per-account auto-responder: a poll cycle that answers
// new direct messages, and the long-lived runner that keeps the account
// logged in and paces the cycles.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/dm-responder-go/internal/auth"
	"github.com/openclaw/dm-responder-go/internal/clock"
	"github.com/openclaw/dm-responder-go/internal/metrics"
	"github.com/openclaw/dm-responder-go/internal/platform"
)

var (
	ErrNeedsVerification = errors.New("bot: login needs verification")
	ErrLoginFailed       = errors.New("bot: login failed")
)

// Bot is the unit the runner drives.
type Bot interface {
	IsLoggedIn(ctx context.Context) bool
	Login(ctx context.Context) (auth.LoginResult, error)
	// CheckNewMessages runs one poll cycle and reports whether any reply was
	// sent.
	CheckNewMessages(ctx context.Context) (bool, error)
}

type Session interface {
	IsLoggedIn(ctx context.Context) bool
	Login(ctx context.Context) (auth.LoginResult, error)
	Expire()
	Credentials() *auth.Credentials
}

type Threads interface {
	ListThreads(ctx context.Context) ([]platform.Thread, error)
	GetThreadDetail(ctx context.Context, threadID string) (*platform.Thread, error)
	Invalidate(threadID string)
}

type Router interface {
	Route(ctx context.Context, userID int64, text string) (string, bool, error)
}

type HistoryRecorder interface {
	RecordSent(ctx context.Context, userID int64, key, threadID, peerID string) error
}

// Pacer is the part of the request governor the poller uses for sends.
type Pacer interface {
	Wait(ctx context.Context) error
	Jitter(ctx context.Context, lo, hi time.Duration) error
	RecordSuccess()
	RecordRateLimitSignal()
	Do(ctx context.Context, op string, fn func(ctx context.Context) error) error
}

type PollerConfig struct {
	MaxMessageAge     time.Duration `yaml:"max_message_age"`
	ReplyJitterMin    time.Duration `yaml:"reply_jitter_min"`
	ReplyJitterMax    time.Duration `yaml:"reply_jitter_max"`
	MessagesPerThread int           `yaml:"messages_per_thread"`
	DedupRetention    time.Duration `yaml:"dedup_retention"`
	DedupSweepEvery   time.Duration `yaml:"dedup_sweep_every"`
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		MaxMessageAge:     24 * time.Hour,
		ReplyJitterMin:    time.Second,
		ReplyJitterMax:    3 * time.Second,
		MessagesPerThread: 1,
		DedupRetention:    12 * time.Hour,
		DedupSweepEvery:   30 * time.Minute,
	}
}

func (c PollerConfig) withDefaults() PollerConfig {
	d := DefaultPollerConfig()
	if c.MaxMessageAge <= 0 {
		c.MaxMessageAge = d.MaxMessageAge
	}
	if c.ReplyJitterMax <= 0 {
		c.ReplyJitterMin, c.ReplyJitterMax = d.ReplyJitterMin, d.ReplyJitterMax
	}
	if c.MessagesPerThread <= 0 {
		c.MessagesPerThread = d.MessagesPerThread
	}
	if c.DedupRetention <= 0 {
		c.DedupRetention = d.DedupRetention
	}
	if c.DedupSweepEvery <= 0 {
		c.DedupSweepEvery = d.DedupSweepEvery
	}
	return c
}

type PollerDeps struct {
	Session Session
	Threads Threads
	Router  Router
	History HistoryRecorder
	Client  platform.Client
	Pacer   Pacer
	Clock   clock.Clock
	Logger  *zerolog.Logger
}

type Poller struct {
	cfg       PollerConfig
	session   Session
	threads   Threads
	router    Router
	history   HistoryRecorder
	client    platform.Client
	pacer     Pacer
	clock     clock.Clock
	logger    zerolog.Logger
	processed *ProcessedSet
}

var _ Bot = (*Poller)(nil)

func NewPoller(cfg PollerConfig, deps PollerDeps) *Poller {
	cfg = cfg.withDefaults()
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := log.Logger
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	return &Poller{
		cfg:       cfg,
		session:   deps.Session,
		threads:   deps.Threads,
		router:    deps.Router,
		history:   deps.History,
		client:    deps.Client,
		pacer:     deps.Pacer,
		clock:     clk,
		logger:    logger,
		processed: NewProcessedSet(clk, cfg.DedupRetention, cfg.DedupSweepEvery),
	}
}

func (p *Poller) Processed() *ProcessedSet {
	return p.processed
}

func (p *Poller) IsLoggedIn(ctx context.Context) bool {
	return p.session.IsLoggedIn(ctx)
}

func (p *Poller) Login(ctx context.Context) (auth.LoginResult, error) {
	return p.session.Login(ctx)
}

// CheckNewMessages answers the newest unseen message of every listed thread.
// Failures inside one thread are logged and do not affect the others; an
// expired platform session aborts the cycle so the runner logs in again.
func (p *Poller) CheckNewMessages(ctx context.Context) (bool, error) {
	if !p.session.IsLoggedIn(ctx) {
		res, err := p.session.Login(ctx)
		switch res {
		case auth.LoginNeedsVerification:
			return false, ErrNeedsVerification
		case auth.LoginFailed:
			return false, fmt.Errorf("%w: %w", ErrLoginFailed, err)
		}
	}

	creds := p.session.Credentials()
	if creds == nil {
		return false, errors.New("bot: no credentials loaded")
	}

	if n := p.processed.MaybeSweep(); n > 0 {
		p.logger.Info().Int("removed", n).Msg("swept processed message ids")
	}

	threads, err := p.threads.ListThreads(ctx)
	if err != nil {
		return false, p.cycleError(err)
	}
	if len(threads) == 0 {
		p.logger.Debug().Msg("no threads")
		metrics.PollCycles.WithLabelValues("idle").Inc()
		return false, nil
	}
	p.logger.Debug().Int("threads", len(threads)).Msg("checking threads")

	self := p.client.UserID()
	hadActivity := false

	for _, t := range threads {
		if err := ctx.Err(); err != nil {
			return hadActivity, err
		}

		replied, err := p.handleThread(ctx, creds.UserID, self, t.ID)
		if replied {
			hadActivity = true
		}
		if err != nil {
			if ctx.Err() != nil || platform.IsAuthRequired(err) {
				return hadActivity, p.cycleError(err)
			}
			p.logger.Error().Err(err).Str("threadId", t.ID).Msg("failed to process thread")
		}
	}

	result := "idle"
	if hadActivity {
		result = "active"
	}
	metrics.PollCycles.WithLabelValues(result).Inc()
	return hadActivity, nil
}

func (p *Poller) cycleError(err error) error {
	if platform.IsAuthRequired(err) {
		p.logger.Warn().Msg("platform session expired during poll")
		p.session.Expire()
	}
	metrics.PollCycles.WithLabelValues("error").Inc()
	return err
}

func (p *Poller) handleThread(ctx context.Context, userID int64, self, threadID string) (bool, error) {
	thread, err := p.threads.GetThreadDetail(ctx, threadID)
	if err != nil {
		return false, fmt.Errorf("fetch thread: %w", err)
	}
	if thread == nil || len(thread.Messages) == 0 {
		return false, nil
	}

	msgs := thread.Messages
	if len(msgs) > p.cfg.MessagesPerThread {
		msgs = msgs[:p.cfg.MessagesPerThread]
	}

	replied := false
	for _, msg := range msgs {
		ok, err := p.handleMessage(ctx, userID, self, threadID, msg)
		if ok {
			replied = true
		}
		if err != nil {
			return replied, err
		}
	}
	return replied, nil
}

func (p *Poller) handleMessage(ctx context.Context, userID int64, self, threadID string, msg platform.Message) (bool, error) {
	if msg.UserID == self || msg.ID == "" || p.processed.Contains(msg.ID) {
		return false, nil
	}
	if p.clock.Now().Sub(msg.Timestamp) > p.cfg.MaxMessageAge {
		return false, nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return false, nil
	}

	p.processed.Add(msg.ID)

	reply, ok, err := p.router.Route(ctx, userID, text)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if err := p.pacer.Wait(ctx); err != nil {
		return false, err
	}
	if err := p.client.SendMessage(ctx, threadID, reply); err != nil {
		if platform.IsRateLimited(err) {
			p.pacer.RecordRateLimitSignal()
		}
		return false, fmt.Errorf("send reply: %w", err)
	}
	p.pacer.RecordSuccess()
	metrics.RepliesSent.Inc()
	p.threads.Invalidate(threadID)

	logger := p.logger.With().Str("threadId", threadID).Str("key", text).Logger()
	logger.Info().Msg("reply sent")

	if err := p.history.RecordSent(ctx, userID, text, threadID, msg.UserID); err != nil {
		logger.Error().Err(err).Msg("failed to record sent reply")
	}
	if err := p.pacer.Do(ctx, "mark_read", func(ctx context.Context) error {
		return p.client.MarkRead(ctx, threadID)
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to mark thread read")
	}

	if err := p.pacer.Jitter(ctx, p.cfg.ReplyJitterMin, p.cfg.ReplyJitterMax); err != nil {
		return true, err
	}
	return true, nil
}
