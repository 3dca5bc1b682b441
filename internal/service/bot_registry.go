package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/dm-responder-go/internal/activity"
	"github.com/openclaw/dm-responder-go/internal/audit"
	"github.com/openclaw/dm-responder-go/internal/auth"
	"github.com/openclaw/dm-responder-go/internal/bot"
	"github.com/openclaw/dm-responder-go/internal/clock"
	"github.com/openclaw/dm-responder-go/internal/config"
	apperrors "github.com/openclaw/dm-responder-go/internal/errors"
	"github.com/openclaw/dm-responder-go/internal/governor"
	"github.com/openclaw/dm-responder-go/internal/metrics"
	"github.com/openclaw/dm-responder-go/internal/model"
	"github.com/openclaw/dm-responder-go/internal/platform"
	redisclient "github.com/openclaw/dm-responder-go/internal/redis"
	"github.com/openclaw/dm-responder-go/internal/router"
	"github.com/openclaw/dm-responder-go/internal/threadcache"
	"github.com/openclaw/dm-responder-go/internal/util"
)

type AccountStore interface {
	auth.AccountStore
	ResolveAccountID(ctx context.Context, userID int64, username string) (int64, error)
}

type MessageStore interface {
	router.MessageStore
	bot.HistoryRecorder
}

type StatusStore interface {
	Upsert(ctx context.Context, accountID, userID int64, status model.BotState, errMsg *string) error
	TouchActivity(ctx context.Context, accountID int64, at time.Time) error
}

type StatusPublisher interface {
	PublishStatus(ctx context.Context, status *model.LiveStatus) error
}

type VerificationLimiter interface {
	CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Time)
}

// ClientFactory returns the platform client for one account.
type ClientFactory func(username string) platform.Client

type BotRegistryConfig struct {
	Profile            config.BotProfile
	StopTimeout        time.Duration
	VerificationLimit  int
	VerificationWindow time.Duration
}

type BotRegistryDeps struct {
	Accounts AccountStore
	Messages MessageStore
	Statuses StatusStore
	Files    auth.SessionFiles
	Clients  ClientFactory
	// Leases, Limiter and Events are optional.
	Leases  Leaser
	Limiter VerificationLimiter
	Events  StatusPublisher
	Clock   clock.Clock
}

// BotRegistry owns the running bot of every account in this process. Each
// bot runs in its own goroutine until Stop.
type BotRegistry struct {
	cfg      BotRegistryConfig
	accounts AccountStore
	messages MessageStore
	statuses StatusStore
	files    auth.SessionFiles
	clients  ClientFactory
	leases   Leaser
	limiter  VerificationLimiter
	events   StatusPublisher
	clock    clock.Clock

	mu       sync.Mutex
	bots     map[int64]*botHandle
	starting map[int64]*startAttempt
}

// startAttempt marks a Start in flight. Stop sets cancelled so the attempt
// does not register its bot.
type startAttempt struct {
	cancelled bool
}

type botHandle struct {
	accountID int64
	userID    int64
	username  string
	session   *auth.Session
	runner    *bot.Runner
	lease     Lease
	cancel    context.CancelFunc
	done      chan struct{}
	logger    zerolog.Logger

	mu           sync.Mutex
	state        model.BotState
	lastErr      string
	lastActivity *time.Time
}

func NewBotRegistry(cfg BotRegistryConfig, deps BotRegistryDeps) *BotRegistry {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.VerificationLimit <= 0 {
		cfg.VerificationLimit = config.VerificationRequestLimit
	}
	if cfg.VerificationWindow <= 0 {
		cfg.VerificationWindow = config.VerificationRequestWindow
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &BotRegistry{
		cfg:      cfg,
		accounts: deps.Accounts,
		messages: deps.Messages,
		statuses: deps.Statuses,
		files:    deps.Files,
		clients:  deps.Clients,
		leases:   deps.Leases,
		limiter:  deps.Limiter,
		events:   deps.Events,
		clock:    clk,
		bots:     make(map[int64]*botHandle),
		starting: make(map[int64]*startAttempt),
	}
}

// Start launches the bot of accountID. Starting a bot that already runs is a
// no-op that returns its current status.
func (r *BotRegistry) Start(ctx context.Context, accountID int64) (*model.LiveStatus, error) {
	r.mu.Lock()
	if h := r.bots[accountID]; h != nil {
		r.mu.Unlock()
		return r.status(h), nil
	}
	if _, ok := r.starting[accountID]; ok {
		r.mu.Unlock()
		return &model.LiveStatus{AccountID: accountID, Running: true, State: model.BotStateStarting, At: r.clock.Now()}, nil
	}
	attempt := &startAttempt{}
	r.starting[accountID] = attempt
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.starting, accountID)
		r.mu.Unlock()
	}()

	creds, err := r.accounts.GetCredentials(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var lease Lease
	if r.leases != nil {
		lease, err = r.leases.Acquire(ctx, accountID)
		if errors.Is(err, ErrLeaseHeld) {
			return nil, apperrors.AccountAlreadyRunning()
		}
		if err != nil {
			return nil, fmt.Errorf("acquire run lease: %w", err)
		}
	}

	h := r.newBot(creds, lease)
	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	r.mu.Lock()
	if attempt.cancelled {
		r.mu.Unlock()
		cancel()
		if lease != nil {
			if err := lease.Release(ctx); err != nil {
				h.logger.Warn().Err(err).Msg("failed to release run lease")
			}
		}
		h.logger.Info().Msg("stopped while starting")
		return &model.LiveStatus{AccountID: accountID, Username: creds.Username, State: model.BotStateStopped, At: r.clock.Now()}, nil
	}
	r.bots[accountID] = h
	r.mu.Unlock()

	go h.run(runCtx)

	audit.Log(ctx, audit.Event{Type: audit.EventBotStart, AccountID: accountID, Username: creds.Username})
	h.logger.Info().Msg("bot started")
	return r.status(h), nil
}

// StartForUser resolves the account of (userID, username) and starts it.
func (r *BotRegistry) StartForUser(ctx context.Context, userID int64, username string) (*model.LiveStatus, error) {
	accountID, err := r.accounts.ResolveAccountID(ctx, userID, username)
	if err != nil {
		return nil, err
	}
	return r.Start(ctx, accountID)
}

func (r *BotRegistry) newBot(creds *auth.Credentials, lease Lease) *botHandle {
	p := r.cfg.Profile
	logger := log.With().Int64("accountId", creds.AccountID).Str("username", creds.Username).Logger()

	h := &botHandle{
		accountID: creds.AccountID,
		userID:    creds.UserID,
		username:  creds.Username,
		lease:     lease,
		done:      make(chan struct{}),
		logger:    logger,
		state:     model.BotStateStarting,
	}

	client := r.clients(creds.Username)
	gov := governor.New(p.Governor, r.clock).WithLogger(logger)
	threads := threadcache.New(p.Threads, client, gov.Do, r.clock).WithLogger(logger)

	h.session = auth.NewSession(creds.AccountID, p.Auth, auth.Deps{
		Accounts: r.accounts,
		Files:    r.files,
		Client:   client,
		Governor: gov,
		Clock:    r.clock,
		Logger:   &logger,
	})
	h.session.OnChange(func(auth.Status) { r.publish(h) })

	poller := bot.NewPoller(p.Poller, bot.PollerDeps{
		Session: h.session,
		Threads: threads,
		Router:  router.New(r.messages),
		History: r.messages,
		Client:  client,
		Pacer:   gov,
		Clock:   r.clock,
		Logger:  &logger,
	})

	h.runner = bot.NewRunner(p.Runner, bot.RunnerDeps{
		Bot:       poller,
		Waiter:    h.session,
		Scheduler: activity.New(p.Activity, r.clock).WithLogger(logger),
		Clock:     r.clock,
		Logger:    &logger,
		OnState: func(state model.BotState, errMsg string) {
			h.setState(state, errMsg)
			r.record(h)
		},
		OnActivity: func(at time.Time) { r.touch(h, at) },
	})
	return h
}

func (h *botHandle) run(ctx context.Context) {
	defer close(h.done)
	metrics.BotsRunning.Inc()
	defer metrics.BotsRunning.Dec()

	_ = h.runner.Run(ctx)
}

func (h *botHandle) setState(state model.BotState, errMsg string) {
	h.mu.Lock()
	h.state = state
	h.lastErr = errMsg
	h.mu.Unlock()
}

// Stop cancels the bot of accountID, waits up to the stop timeout for it to
// finish and saves its session. Stopping a bot that is not running is a no-op.
func (r *BotRegistry) Stop(ctx context.Context, accountID int64) error {
	r.mu.Lock()
	h := r.bots[accountID]
	delete(r.bots, accountID)
	if attempt := r.starting[accountID]; h == nil && attempt != nil {
		attempt.cancelled = true
	}
	r.mu.Unlock()

	if h == nil {
		return nil
	}
	r.shutdown(ctx, h)
	audit.Log(ctx, audit.Event{Type: audit.EventBotStop, AccountID: accountID, Username: h.username})
	return nil
}

// StopAll stops every bot concurrently.
func (r *BotRegistry) StopAll(ctx context.Context) {
	r.mu.Lock()
	handles := make([]*botHandle, 0, len(r.bots))
	for id, h := range r.bots {
		handles = append(handles, h)
		delete(r.bots, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *botHandle) {
			defer wg.Done()
			r.shutdown(ctx, h)
		}(h)
	}
	wg.Wait()
	log.Info().Int("count", len(handles)).Msg("all bots stopped")
}

func (r *BotRegistry) shutdown(ctx context.Context, h *botHandle) {
	h.cancel()

	timer := time.NewTimer(r.cfg.StopTimeout)
	defer timer.Stop()
	joined := true
	select {
	case <-h.done:
	case <-timer.C:
		joined = false
		h.logger.Warn().Dur("timeout", r.cfg.StopTimeout).Msg("bot did not stop in time, treating as stopped")
	}

	if h.session.State() == auth.StateLoggedIn {
		if err := h.session.Persist(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("failed to save session on stop")
		}
	}
	if h.lease != nil {
		if joined {
			h.releaseLease(ctx)
		} else {
			// another process must not take the account while this worker
			// is still finishing
			go func() {
				<-h.done
				releaseCtx, cancel := context.WithTimeout(context.Background(), r.cfg.StopTimeout)
				defer cancel()
				h.releaseLease(releaseCtx)
			}()
		}
	}
	if !joined {
		h.setState(model.BotStateStopped, "")
		r.record(h)
	}
	h.logger.Info().Msg("bot stopped")
}

func (h *botHandle) releaseLease(ctx context.Context) {
	if err := h.lease.Release(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("failed to release run lease")
	}
}

func (r *BotRegistry) get(accountID int64) *botHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bots[accountID]
}

// GetStatus reports the live status of accountID. Bots that are not running
// report the stopped state.
func (r *BotRegistry) GetStatus(accountID int64) *model.LiveStatus {
	if h := r.get(accountID); h != nil {
		return r.status(h)
	}
	return &model.LiveStatus{AccountID: accountID, State: model.BotStateStopped, At: r.clock.Now()}
}

func (r *BotRegistry) List() []*model.LiveStatus {
	r.mu.Lock()
	handles := make([]*botHandle, 0, len(r.bots))
	for _, h := range r.bots {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	out := make([]*model.LiveStatus, 0, len(handles))
	for _, h := range handles {
		out = append(out, r.status(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (r *BotRegistry) status(h *botHandle) *model.LiveStatus {
	st := h.session.Status()

	h.mu.Lock()
	defer h.mu.Unlock()

	errMsg := h.lastErr
	if errMsg == "" {
		errMsg = st.LastError
	}
	return &model.LiveStatus{
		AccountID:         h.accountID,
		Username:          h.username,
		Running:           h.state != model.BotStateStopped,
		State:             h.state,
		SessionState:      string(st.State),
		NeedsVerification: st.NeedsVerification,
		Kind:              string(st.Kind),
		Method:            string(st.Method),
		Error:             errMsg,
		LastActivity:      h.lastActivity,
		At:                r.clock.Now(),
	}
}

var verificationMethods = []string{string(platform.MethodSMS), string(platform.MethodEmail)}

// RequestVerificationCode asks the platform to send the pending verification
// code of accountID via method ("sms" or "email").
func (r *BotRegistry) RequestVerificationCode(ctx context.Context, accountID int64, method string) error {
	method = strings.ToLower(strings.TrimSpace(method))
	if !util.IsValidEnum(method, verificationMethods) {
		return apperrors.InvalidInput("method", "must be sms or email")
	}

	h := r.get(accountID)
	if h == nil {
		return apperrors.BotNotRunning()
	}
	if h.session.State() != auth.StateAwaitingVerification {
		return apperrors.NotAwaitingVerification()
	}

	if r.limiter != nil {
		allowed, resetAt := r.limiter.CheckLimit(ctx, redisclient.VerificationLimitKey(accountID), r.cfg.VerificationLimit, r.cfg.VerificationWindow)
		if !allowed {
			audit.Log(ctx, audit.Event{Type: audit.EventRateLimitExceed, AccountID: accountID, Username: h.username})
			retryAfter := int(time.Until(resetAt).Seconds()) + 1
			return apperrors.RateLimitExceeded().WithDetails(map[string]int{"retryAfter": retryAfter})
		}
	}

	err := h.session.RequestVerificationCode(ctx, platform.ParseMethod(method))
	if errors.Is(err, auth.ErrNotAwaitingVerification) {
		return apperrors.NotAwaitingVerification()
	}
	if err != nil {
		return apperrors.External("platform", err)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventVerificationRequested,
		AccountID: accountID,
		Username:  h.username,
		Details:   map[string]interface{}{"method": string(platform.ParseMethod(method))},
	})
	return nil
}

// SubmitVerificationCode completes the pending login of accountID. The bot
// resumes polling once the code is accepted.
func (r *BotRegistry) SubmitVerificationCode(ctx context.Context, accountID int64, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return apperrors.MissingRequired("code")
	}

	h := r.get(accountID)
	if h == nil {
		return apperrors.BotNotRunning()
	}

	err := h.session.SubmitVerificationCode(ctx, code)
	switch {
	case errors.Is(err, auth.ErrNotAwaitingVerification):
		return apperrors.NotAwaitingVerification()
	case errors.Is(err, auth.ErrInvalidVerificationCode):
		audit.Log(ctx, audit.Event{
			Type:      audit.EventVerificationRejected,
			AccountID: accountID,
			Username:  h.username,
			Details:   map[string]interface{}{"code": util.MaskCode(code)},
		})
		return apperrors.InvalidVerificationCode().WithCause(err)
	case err != nil:
		return apperrors.External("platform", err)
	}

	audit.Log(ctx, audit.Event{Type: audit.EventVerificationSubmitted, AccountID: accountID, Username: h.username})
	return nil
}

// record persists the current state and publishes it. It runs on the bot
// goroutine, so writes get their own deadline.
func (r *BotRegistry) record(h *botHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), config.StatusWriteTimeout)
	defer cancel()

	h.mu.Lock()
	state, lastErr := h.state, h.lastErr
	h.mu.Unlock()

	if r.statuses != nil {
		var errMsg *string
		if lastErr != "" {
			errMsg = &lastErr
		}
		if err := r.statuses.Upsert(ctx, h.accountID, h.userID, state, errMsg); err != nil {
			h.logger.Warn().Err(err).Str("state", string(state)).Msg("failed to save bot status")
		}
	}
	r.publishWith(ctx, h)
}

func (r *BotRegistry) publish(h *botHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), config.StatusWriteTimeout)
	defer cancel()
	r.publishWith(ctx, h)
}

func (r *BotRegistry) publishWith(ctx context.Context, h *botHandle) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishStatus(ctx, r.status(h)); err != nil {
		h.logger.Warn().Err(err).Msg("failed to publish bot status")
	}
}

func (r *BotRegistry) touch(h *botHandle, at time.Time) {
	h.mu.Lock()
	h.lastActivity = &at
	h.mu.Unlock()

	if r.statuses == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), config.StatusWriteTimeout)
	defer cancel()
	if err := r.statuses.TouchActivity(ctx, h.accountID, at); err != nil {
		h.logger.Warn().Err(err).Msg("failed to record bot activity")
	}
}
