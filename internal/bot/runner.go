package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/dm-responder-go/internal/activity"
	"github.com/openclaw/dm-responder-go/internal/auth"
	"github.com/openclaw/dm-responder-go/internal/clock"
	"github.com/openclaw/dm-responder-go/internal/model"
)

// VerificationWaiter blocks until a pending verification is completed.
type VerificationWaiter interface {
	WaitVerified(ctx context.Context) error
}

type RunnerConfig struct {
	LoginRetry           time.Duration `yaml:"login_retry"`
	CycleRetry           time.Duration `yaml:"cycle_retry"`
	LongBackoff          time.Duration `yaml:"long_backoff"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
}

func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		LoginRetry:           60 * time.Second,
		CycleRetry:           120 * time.Second,
		LongBackoff:          300 * time.Second,
		MaxConsecutiveErrors: 5,
	}
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	d := DefaultRunnerConfig()
	if c.LoginRetry <= 0 {
		c.LoginRetry = d.LoginRetry
	}
	if c.CycleRetry <= 0 {
		c.CycleRetry = d.CycleRetry
	}
	if c.LongBackoff <= 0 {
		c.LongBackoff = d.LongBackoff
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	return c
}

// StateFunc observes lifecycle transitions. errMsg is set for error states.
type StateFunc func(state model.BotState, errMsg string)

// ActivityFunc is called after a cycle that sent at least one reply.
type ActivityFunc func(at time.Time)

type RunnerDeps struct {
	Bot        Bot
	Waiter     VerificationWaiter
	Scheduler  *activity.Scheduler
	Clock      clock.Clock
	Logger     *zerolog.Logger
	OnState    StateFunc
	OnActivity ActivityFunc
}

// Runner owns the loop of one account. It only returns once its context is
// cancelled.
type Runner struct {
	cfg        RunnerConfig
	bot        Bot
	waiter     VerificationWaiter
	scheduler  *activity.Scheduler
	clock      clock.Clock
	logger     zerolog.Logger
	onState    StateFunc
	onActivity ActivityFunc

	loginFailures int
	cycleFailures int
	lastState     model.BotState
}

func NewRunner(cfg RunnerConfig, deps RunnerDeps) *Runner {
	r := &Runner{
		cfg:        cfg.withDefaults(),
		bot:        deps.Bot,
		waiter:     deps.Waiter,
		scheduler:  deps.Scheduler,
		clock:      deps.Clock,
		logger:     log.Logger,
		onState:    deps.OnState,
		onActivity: deps.OnActivity,
	}
	if r.clock == nil {
		r.clock = clock.Real{}
	}
	if r.scheduler == nil {
		r.scheduler = activity.New(activity.DefaultConfig(), r.clock)
	}
	if deps.Logger != nil {
		r.logger = *deps.Logger
	}
	return r
}

func (r *Runner) setState(state model.BotState, errMsg string) {
	if state == r.lastState && errMsg == "" {
		return
	}
	r.lastState = state
	if r.onState != nil {
		r.onState(state, errMsg)
	}
}

// Run loops until ctx is cancelled. Login failures, cycle errors and panics
// are absorbed with a backoff; the returned error is always the context's.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().Msg("bot loop started")
	r.scheduler.Reset()
	r.setState(model.BotStateStarting, "")

	for {
		if err := ctx.Err(); err != nil {
			r.logger.Info().Msg("bot loop stopped")
			r.setState(model.BotStateStopped, "")
			return err
		}

		backoff := r.step(ctx)
		if backoff > 0 {
			r.logger.Debug().Dur("backoff", backoff).Msg("backing off")
			_ = r.clock.Sleep(ctx, backoff)
		}
	}
}

// step runs one iteration and returns how long to back off before the next.
func (r *Runner) step(ctx context.Context) (backoff time.Duration) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("unexpected failure in bot loop")
			r.setState(model.BotStateError, fmt.Sprintf("unexpected failure: %v", p))
			backoff = r.cfg.LongBackoff
		}
	}()

	if !r.bot.IsLoggedIn(ctx) {
		r.logger.Warn().Msg("login required")
		res, err := r.bot.Login(ctx)
		switch res {
		case auth.LoginNeedsVerification:
			return r.park(ctx)
		case auth.LoginFailed:
			if ctx.Err() != nil {
				return 0
			}
			r.setState(model.BotStateError, errString(err))
			return r.errorBackoff(&r.loginFailures, r.cfg.LoginRetry, "login")
		}
	}

	r.loginFailures = 0
	r.setState(model.BotStateRunning, "")

	hadActivity, err := r.bot.CheckNewMessages(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		if errors.Is(err, ErrNeedsVerification) {
			return r.park(ctx)
		}
		r.logger.Error().Err(err).Msg("poll cycle failed")
		r.setState(model.BotStateError, err.Error())
		return r.errorBackoff(&r.cycleFailures, r.cfg.CycleRetry, "cycle")
	}
	r.cycleFailures = 0
	r.noteActivity(hadActivity)

	sleep := r.scheduler.Adapt(hadActivity)
	r.logger.Debug().Dur("sleep", sleep).Bool("activity", hadActivity).Msg("sleeping until next cycle")

	_, err = r.scheduler.Sleep(ctx, sleep, func(ctx context.Context) (bool, error) {
		found, err := r.bot.CheckNewMessages(ctx)
		r.noteActivity(found)
		return found, err
	})
	if err != nil && ctx.Err() == nil {
		r.logger.Warn().Err(err).Msg("sleep interrupted")
	}
	return 0
}

func (r *Runner) noteActivity(had bool) {
	if had && r.onActivity != nil {
		r.onActivity(r.clock.Now())
	}
}

// park waits for a human to complete verification without polling the
// platform.
func (r *Runner) park(ctx context.Context) time.Duration {
	r.logger.Info().Msg("waiting for verification code")
	r.setState(model.BotStateAwaitingVerification, "")
	if r.waiter == nil {
		return r.cfg.LoginRetry
	}
	if err := r.waiter.WaitVerified(ctx); err != nil {
		return 0
	}
	r.logger.Info().Msg("verification completed, resuming")
	return 0
}

// errorBackoff counts a failure and returns the short delay, or the long one
// every MaxConsecutiveErrors failures in a row.
func (r *Runner) errorBackoff(counter *int, short time.Duration, stage string) time.Duration {
	*counter++
	if *counter >= r.cfg.MaxConsecutiveErrors {
		r.logger.Error().Int("consecutive", *counter).Str("stage", stage).Msg("too many consecutive failures, long backoff")
		*counter = 0
		return r.cfg.LongBackoff
	}
	return short
}

func errString(err error) string {
	if err == nil {
		return "login failed"
	}
	return err.Error()
}
