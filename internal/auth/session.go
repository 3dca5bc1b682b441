// Package auth drives the login of one account against the platform: session
// reuse, credential login and the two-factor / security challenge detour that
// waits for a human to supply a code.
package auth

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

type State string

const (
	StateLoggedOut            State = "logged_out"
	StateAuthenticating       State = "authenticating"
	StateLoggedIn             State = "logged_in"
	StateAwaitingVerification State = "awaiting_verification"
	StateFailed               State = "failed"
)

type VerificationKind string

const (
	KindTwoFactor VerificationKind = "two_factor"
	KindChallenge VerificationKind = "challenge"
)

var (
	ErrNotAwaitingVerification = errors.New("auth: not awaiting verification")
	ErrInvalidVerificationCode = errors.New("auth: verification code rejected")
)

type LoginResult int

const (
	LoginOK LoginResult = iota
	LoginNeedsVerification
	LoginFailed
)

func (r LoginResult) String() string {
	switch r {
	case LoginOK:
		return "ok"
	case LoginNeedsVerification:
		return "verification"
	default:
		return "failed"
	}
}

// Credentials is what the account store knows about one linked account.
type Credentials struct {
	AccountID int64
	UserID    int64
	Username  string
	Password  string
	Session   []byte
}

type AccountStore interface {
	GetCredentials(ctx context.Context, accountID int64) (*Credentials, error)
	SaveSession(ctx context.Context, accountID int64, blob []byte) error
}

// SessionFiles is the local fallback copy of the platform session.
type SessionFiles interface {
	Load(userID int64, username string) ([]byte, error)
	Save(userID int64, username string, blob []byte) error
}

// Caller runs a platform call under the request governor.
type Caller interface {
	Do(ctx context.Context, op string, fn func(ctx context.Context) error) error
}

type Config struct {
	PreLoginDelayMin time.Duration `yaml:"pre_login_delay_min"`
	PreLoginDelayMax time.Duration `yaml:"pre_login_delay_max"`
	LoginAttempts    int           `yaml:"login_attempts"`
	RetryPause       time.Duration `yaml:"retry_pause"`
}

func DefaultConfig() Config {
	return Config{
		PreLoginDelayMin: 2 * time.Second,
		PreLoginDelayMax: 5 * time.Second,
		LoginAttempts:    2,
		RetryPause:       15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PreLoginDelayMax <= 0 {
		c.PreLoginDelayMin, c.PreLoginDelayMax = d.PreLoginDelayMin, d.PreLoginDelayMax
	}
	if c.LoginAttempts <= 0 {
		c.LoginAttempts = d.LoginAttempts
	}
	if c.RetryPause <= 0 {
		c.RetryPause = d.RetryPause
	}
	return c
}

// Status is a point-in-time view of the session for the upward API.
type Status struct {
	State             State                       `json:"state"`
	Username          string                      `json:"username"`
	NeedsVerification bool                        `json:"needsVerification"`
	Kind              VerificationKind            `json:"kind,omitempty"`
	Method            platform.VerificationMethod `json:"method,omitempty"`
	LastError         string                      `json:"lastError,omitempty"`
}

type Deps struct {
	Accounts AccountStore
	Files    SessionFiles
	Client   platform.Client
	Governor Caller
	Clock    clock.Clock
	Logger   *zerolog.Logger
}

type Session struct {
	accountID int64
	cfg       Config
	accounts  AccountStore
	files     SessionFiles
	client    platform.Client
	gov       Caller
	clock     clock.Clock
	logger    zerolog.Logger

	mu        sync.Mutex
	state     State
	creds     *Credentials
	kind      VerificationKind
	method    platform.VerificationMethod
	challenge platform.ChallengeContext
	lastErr   string
	resume    chan struct{}
	observer  func(Status)
}

func NewSession(accountID int64, cfg Config, deps Deps) *Session {
	s := &Session{
		accountID: accountID,
		cfg:       cfg.withDefaults(),
		accounts:  deps.Accounts,
		files:     deps.Files,
		client:    deps.Client,
		gov:       deps.Governor,
		clock:     deps.Clock,
		logger:    log.Logger,
		state:     StateLoggedOut,
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if deps.Logger != nil {
		s.logger = *deps.Logger
	}
	return s
}

// OnChange registers fn to be called after every state transition.
func (s *Session) OnChange(fn func(Status)) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	st := Status{
		State:             s.state,
		NeedsVerification: s.state == StateAwaitingVerification,
		LastError:         s.lastErr,
	}
	if s.creds != nil {
		st.Username = s.creds.Username
	}
	if st.NeedsVerification {
		st.Kind = s.kind
		st.Method = s.method
	}
	return st
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State, errMsg string) {
	s.mu.Lock()
	s.state = state
	s.lastErr = errMsg
	st := s.statusLocked()
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(st)
	}
}

// Credentials returns the account credentials loaded by the last login, or
// nil before the first login.
func (s *Session) Credentials() *Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// Expire drops the logged-in state after the platform reported the session
// as no longer valid.
func (s *Session) Expire() {
	s.mu.Lock()
	if s.state != StateLoggedIn {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.logger.Warn().Msg("platform session expired")
	s.setState(StateLoggedOut, "")
}

// IsLoggedIn trusts a cached identity while the session is logged in and
// otherwise probes the platform. Probe failures are reported as false.
func (s *Session) IsLoggedIn(ctx context.Context) bool {
	if s.State() == StateLoggedIn && s.client.UserID() != "" {
		return true
	}
	return s.probe(ctx)
}

func (s *Session) probe(ctx context.Context) bool {
	err := s.gov.Do(ctx, "probe", s.client.ProbeLiveness)
	if err == nil {
		return true
	}
	if !platform.IsAuthRequired(err) {
		s.logger.Warn().Err(err).Msg("liveness probe failed")
	}
	return false
}

// Login brings the session to logged_in. While a verification is pending it
// returns LoginNeedsVerification without touching the platform, so the caller
// never spins on a login that needs a human.
func (s *Session) Login(ctx context.Context) (LoginResult, error) {
	switch s.State() {
	case StateAwaitingVerification:
		return LoginNeedsVerification, nil
	case StateLoggedIn:
		if s.IsLoggedIn(ctx) {
			return LoginOK, nil
		}
	}

	s.setState(StateAuthenticating, "")

	if s.probe(ctx) && s.client.UserID() != "" {
		if _, err := s.loadCredentials(ctx); err == nil {
			s.setState(StateLoggedIn, "")
			metrics.LoginAttempts.WithLabelValues("ok").Inc()
			return LoginOK, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.LoginAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			s.setState(StateLoggedOut, "")
			return LoginFailed, err
		}
		s.logger.Info().Int("attempt", attempt+1).Int("of", s.cfg.LoginAttempts).Msg("logging in")

		result, err := s.loginOnce(ctx)
		switch {
		case err == nil:
			metrics.LoginAttempts.WithLabelValues(result.String()).Inc()
			return result, nil
		case ctx.Err() != nil:
			s.setState(StateLoggedOut, "")
			return LoginFailed, ctx.Err()
		}

		lastErr = err
		if platform.IsConnection(err) {
			s.logger.Error().Err(err).Msg("connection error during login")
		} else {
			s.logger.Error().Err(err).Msg("login failed")
		}
		if attempt < s.cfg.LoginAttempts-1 {
			if err := s.clock.Sleep(ctx, s.cfg.RetryPause); err != nil {
				s.setState(StateLoggedOut, "")
				return LoginFailed, err
			}
		}
	}

	metrics.LoginAttempts.WithLabelValues("failed").Inc()
	s.setState(StateFailed, lastErr.Error())
	return LoginFailed, lastErr
}

func (s *Session) loginOnce(ctx context.Context) (LoginResult, error) {
	creds, err := s.loadCredentials(ctx)
	if err != nil {
		return LoginFailed, err
	}

	if s.restore(ctx, creds) {
		s.logger.Info().Msg("logged in with saved session")
		s.setState(StateLoggedIn, "")
		return LoginOK, nil
	}

	lo, hi := s.cfg.PreLoginDelayMin, s.cfg.PreLoginDelayMax
	delay := lo
	if hi > lo {
		delay += time.Duration(rand.Int64N(int64(hi - lo)))
	}
	if err := s.clock.Sleep(ctx, delay); err != nil {
		return LoginFailed, err
	}

	err = s.gov.Do(ctx, "login", func(ctx context.Context) error {
		return s.client.Login(ctx, creds.Username, creds.Password)
	})

	var tf *platform.TwoFactorRequiredError
	var ch *platform.ChallengeRequiredError
	switch {
	case err == nil:
		if err := s.Persist(ctx); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist session after login")
		}
		s.logger.Info().Msg("login succeeded")
		s.setState(StateLoggedIn, "")
		return LoginOK, nil
	case errors.As(err, &tf):
		s.awaitVerification(KindTwoFactor, platform.MethodSMS, tf.Challenge)
		return LoginNeedsVerification, nil
	case errors.As(err, &ch):
		s.awaitVerification(KindChallenge, platform.MethodEmail, ch.Challenge)
		return LoginNeedsVerification, nil
	default:
		return LoginFailed, err
	}
}

func (s *Session) loadCredentials(ctx context.Context) (*Credentials, error) {
	creds, err := s.accounts.GetCredentials(ctx, s.accountID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	return creds, nil
}

// restore tries the stored session, then the local file. A session that only
// the file had is written back to the store.
func (s *Session) restore(ctx context.Context, creds *Credentials) bool {
	if len(creds.Session) > 0 {
		if err := s.restoreBlob(ctx, creds.Session); err != nil {
			s.logger.Warn().Err(err).Msg("stored session could not be restored")
		} else if s.probe(ctx) {
			return true
		}
	}

	if s.files == nil {
		return false
	}
	blob, err := s.files.Load(creds.UserID, creds.Username)
	if err != nil {
		s.logger.Warn().Err(err).Msg("session file unreadable")
		return false
	}
	if len(blob) == 0 {
		return false
	}
	if err := s.restoreBlob(ctx, blob); err != nil {
		s.logger.Warn().Err(err).Msg("session file could not be restored")
		return false
	}
	if !s.probe(ctx) {
		return false
	}
	if err := s.accounts.SaveSession(ctx, creds.AccountID, blob); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write file session back to store")
	}
	return true
}

func (s *Session) restoreBlob(ctx context.Context, blob []byte) error {
	return s.gov.Do(ctx, "restore_session", func(ctx context.Context) error {
		return s.client.RestoreSession(ctx, blob)
	})
}

func (s *Session) awaitVerification(kind VerificationKind, method platform.VerificationMethod, challenge platform.ChallengeContext) {
	s.mu.Lock()
	s.kind = kind
	s.method = method
	s.challenge = challenge
	if s.resume == nil {
		s.resume = make(chan struct{})
	}
	s.mu.Unlock()

	s.logger.Info().Str("kind", string(kind)).Str("method", string(method)).Msg("login needs verification code")
	s.setState(StateAwaitingVerification, "")
}

// WaitVerified blocks until a submitted code is accepted or ctx is done. It
// returns immediately when no verification is pending.
func (s *Session) WaitVerified(ctx context.Context) error {
	s.mu.Lock()
	resume := s.resume
	s.mu.Unlock()
	if resume == nil {
		return nil
	}
	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestVerificationCode asks the platform to (re)send the pending code via
// method. It is safe to call repeatedly.
func (s *Session) RequestVerificationCode(ctx context.Context, method platform.VerificationMethod) error {
	s.mu.Lock()
	if s.state != StateAwaitingVerification {
		s.mu.Unlock()
		return ErrNotAwaitingVerification
	}
	kind, challenge := s.kind, s.challenge
	s.mu.Unlock()

	err := s.gov.Do(ctx, "request_code", func(ctx context.Context) error {
		if kind == KindTwoFactor {
			return s.client.RequestTwoFactorCode(ctx, method, challenge)
		}
		return s.client.RequestChallengeCode(ctx, method, challenge)
	})
	if err != nil {
		return fmt.Errorf("request verification code: %w", err)
	}

	s.mu.Lock()
	s.method = method
	st := s.statusLocked()
	observer := s.observer
	s.mu.Unlock()
	if observer != nil {
		observer(st)
	}

	s.logger.Info().Str("method", string(method)).Msg("verification code requested")
	return nil
}

// SubmitVerificationCode completes the pending login with code. A rejected
// code leaves the session awaiting verification so the user can retry or ask
// for a new code.
func (s *Session) SubmitVerificationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	if s.state != StateAwaitingVerification {
		s.mu.Unlock()
		return ErrNotAwaitingVerification
	}
	kind, method, challenge := s.kind, s.method, s.challenge
	s.mu.Unlock()

	s.setState(StateAuthenticating, "")

	err := s.gov.Do(ctx, "submit_code", func(ctx context.Context) error {
		if kind == KindTwoFactor {
			return s.client.SubmitTwoFactorCode(ctx, challenge, code, method)
		}
		return s.client.SubmitChallengeCode(ctx, challenge, code)
	})
	if err == nil && kind != KindTwoFactor && !s.probe(ctx) {
		err = errors.New("session not live after challenge")
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("verification code rejected")
		s.setState(StateAwaitingVerification, err.Error())
		return fmt.Errorf("%w: %w", ErrInvalidVerificationCode, err)
	}

	if err := s.Persist(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist session after verification")
	}

	s.mu.Lock()
	s.kind, s.method, s.challenge = "", "", platform.ChallengeContext{}
	if s.resume != nil {
		close(s.resume)
		s.resume = nil
	}
	s.mu.Unlock()

	metrics.LoginAttempts.WithLabelValues("ok").Inc()
	s.logger.Info().Str("kind", string(kind)).Msg("verification succeeded")
	s.setState(StateLoggedIn, "")
	return nil
}

// Persist exports the platform session and saves it to the store and the
// local file. It succeeds when at least one copy was written.
func (s *Session) Persist(ctx context.Context) error {
	creds := s.Credentials()
	if creds == nil {
		return errors.New("persist session: no credentials loaded")
	}

	// Export reads the gateway's local session state and stays ungoverned so
	// a shutdown save is not held up by a cooldown.
	blob, err := s.client.ExportSession(ctx)
	if err != nil {
		return fmt.Errorf("export session: %w", err)
	}
	if len(blob) == 0 {
		return nil
	}

	storeErr := s.accounts.SaveSession(ctx, creds.AccountID, blob)
	if storeErr != nil {
		s.logger.Warn().Err(storeErr).Msg("failed to save session to store")
	}
	var fileErr error
	if s.files != nil {
		fileErr = s.files.Save(creds.UserID, creds.Username, blob)
		if fileErr != nil {
			s.logger.Warn().Err(fileErr).Msg("failed to save session file")
		}
	}

	if storeErr != nil && (s.files == nil || fileErr != nil) {
		return errors.Join(storeErr, fileErr)
	}
	return nil
}
