package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/dm-responder-go/internal/clock"
	"github.com/openclaw/dm-responder-go/internal/platform"
	"github.com/openclaw/dm-responder-go/internal/platform/platformtest"
)

type mockAccountStore struct {
	mock.Mock
}

func (m *mockAccountStore) GetCredentials(ctx context.Context, accountID int64) (*Credentials, error) {
	args := m.Called(ctx, accountID)
	creds, _ := args.Get(0).(*Credentials)
	return creds, args.Error(1)
}

func (m *mockAccountStore) SaveSession(ctx context.Context, accountID int64, blob []byte) error {
	args := m.Called(ctx, accountID, blob)
	return args.Error(0)
}

type directCaller struct{}

func (directCaller) Do(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// recordingCaller passes calls through and keeps the op names.
type recordingCaller struct {
	ops []string
}

func (c *recordingCaller) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	c.ops = append(c.ops, op)
	return fn(ctx)
}

type fixture struct {
	session  *Session
	calls    *recordingCaller
	client   *platformtest.Fake
	accounts *mockAccountStore
	files    *FileStore
	clock    *clock.Fake
}

func newFixture(t *testing.T, creds *Credentials) *fixture {
	t.Helper()
	if creds == nil {
		creds = &Credentials{AccountID: 7, UserID: 3, Username: "alice", Password: "pw"}
	}
	f := &fixture{
		client:   &platformtest.Fake{Identity: "42"},
		accounts: new(mockAccountStore),
		files:    NewFileStore(t.TempDir()),
		clock:    clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)),
		calls:    &recordingCaller{},
	}
	f.accounts.On("GetCredentials", mock.Anything, int64(7)).Return(creds, nil).Maybe()
	f.session = NewSession(7, DefaultConfig(), Deps{
		Accounts: f.accounts,
		Files:    f.files,
		Client:   f.client,
		Governor: f.calls,
		Clock:    f.clock,
	})
	return f
}

func (f *fixture) awaitTwoFactor(t *testing.T) {
	t.Helper()
	f.client.LoginErrs = []error{&platform.TwoFactorRequiredError{Challenge: platform.ChallengeContext{Identifier: "tf"}}}
	res, err := f.session.Login(context.Background())
	require.NoError(t, err)
	require.Equal(t, LoginNeedsVerification, res)
}

func TestSession_Login(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh credential login persists session", func(t *testing.T) {
		f := newFixture(t, nil)
		f.accounts.On("SaveSession", mock.Anything, int64(7), mock.Anything).Return(nil).Once()

		res, err := f.session.Login(ctx)
		require.NoError(t, err)
		assert.Equal(t, LoginOK, res)
		assert.Equal(t, StateLoggedIn, f.session.State())
		assert.Equal(t, 1, f.client.Calls("Login"))
		f.accounts.AssertExpectations(t)

		blob, err := f.files.Load(3, "alice")
		require.NoError(t, err)
		assert.JSONEq(t, `{"user":"42"}`, string(blob))

		// pre-login delay of 2-5s
		require.NotEmpty(t, f.clock.Sleeps())
		d := f.clock.Sleeps()[0]
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 5*time.Second)
	})

	t.Run("stored session skips credential login", func(t *testing.T) {
		f := newFixture(t, &Credentials{AccountID: 7, UserID: 3, Username: "alice", Session: []byte(`{"s":1}`)})
		f.client.ValidSession = []byte(`{"s":1}`)

		res, err := f.session.Login(ctx)
		require.NoError(t, err)
		assert.Equal(t, LoginOK, res)
		assert.Zero(t, f.client.Calls("Login"))
		f.accounts.AssertNotCalled(t, "SaveSession", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("file session is written back to store", func(t *testing.T) {
		f := newFixture(t, nil)
		require.NoError(t, f.files.Save(3, "alice", []byte(`{"f":1}`)))
		f.client.ValidSession = []byte(`{"f":1}`)
		f.accounts.On("SaveSession", mock.Anything, int64(7), []byte(`{"f":1}`)).Return(nil).Once()

		res, err := f.session.Login(ctx)
		require.NoError(t, err)
		assert.Equal(t, LoginOK, res)
		assert.Zero(t, f.client.Calls("Login"))
		f.accounts.AssertExpectations(t)
	})

	t.Run("two-factor parks in awaiting verification with sms", func(t *testing.T) {
		f := newFixture(t, nil)
		f.awaitTwoFactor(t)

		st := f.session.Status()
		assert.Equal(t, StateAwaitingVerification, st.State)
		assert.True(t, st.NeedsVerification)
		assert.Equal(t, KindTwoFactor, st.Kind)
		assert.Equal(t, platform.MethodSMS, st.Method)
		assert.Equal(t, "alice", st.Username)

		// further logins do not touch the platform
		res, err := f.session.Login(ctx)
		require.NoError(t, err)
		assert.Equal(t, LoginNeedsVerification, res)
		assert.Equal(t, 1, f.client.Calls("Login"))
	})

	t.Run("challenge defaults to email", func(t *testing.T) {
		f := newFixture(t, nil)
		f.client.LoginErrs = []error{&platform.ChallengeRequiredError{}}

		res, err := f.session.Login(ctx)
		require.NoError(t, err)
		assert.Equal(t, LoginNeedsVerification, res)
		st := f.session.Status()
		assert.Equal(t, KindChallenge, st.Kind)
		assert.Equal(t, platform.MethodEmail, st.Method)
	})

	t.Run("connection error retried once after pause", func(t *testing.T) {
		f := newFixture(t, nil)
		f.client.LoginErrs = []error{platform.ErrConnection}
		f.accounts.On("SaveSession", mock.Anything, int64(7), mock.Anything).Return(nil)

		res, err := f.session.Login(ctx)
		require.NoError(t, err)
		assert.Equal(t, LoginOK, res)
		assert.Equal(t, 2, f.client.Calls("Login"))
		assert.Contains(t, f.clock.Sleeps(), 15*time.Second)
	})

	t.Run("fails after two attempts", func(t *testing.T) {
		f := newFixture(t, nil)
		f.client.LoginErrs = []error{platform.ErrConnection, platform.ErrConnection}

		res, err := f.session.Login(ctx)
		assert.Equal(t, LoginFailed, res)
		assert.ErrorIs(t, err, platform.ErrConnection)
		assert.Equal(t, StateFailed, f.session.State())
		assert.NotEmpty(t, f.session.Status().LastError)
	})

	t.Run("credential lookup failure fails login", func(t *testing.T) {
		accounts := new(mockAccountStore)
		accounts.On("GetCredentials", mock.Anything, int64(9)).Return(nil, errors.New("db down"))
		s := NewSession(9, DefaultConfig(), Deps{
			Accounts: accounts,
			Client:   &platformtest.Fake{},
			Governor: directCaller{},
			Clock:    clock.NewFake(time.Now()),
		})

		res, err := s.Login(ctx)
		assert.Equal(t, LoginFailed, res)
		assert.Error(t, err)
	})
}

func TestSession_SubmitVerificationCode(t *testing.T) {
	ctx := context.Background()

	t.Run("outside awaiting verification has no side effects", func(t *testing.T) {
		f := newFixture(t, nil)
		err := f.session.SubmitVerificationCode(ctx, "123456")
		assert.ErrorIs(t, err, ErrNotAwaitingVerification)
		assert.Equal(t, StateLoggedOut, f.session.State())
		assert.Zero(t, f.client.Calls("SubmitTwoFactorCode"))
		assert.Zero(t, f.client.Calls("SubmitChallengeCode"))
		f.accounts.AssertNotCalled(t, "SaveSession", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("success saves exactly once and resumes waiters", func(t *testing.T) {
		f := newFixture(t, nil)
		f.awaitTwoFactor(t)
		f.accounts.On("SaveSession", mock.Anything, int64(7), mock.Anything).Return(nil).Once()

		waited := make(chan error, 1)
		go func() { waited <- f.session.WaitVerified(ctx) }()

		require.NoError(t, f.session.SubmitVerificationCode(ctx, "123456"))
		assert.Equal(t, StateLoggedIn, f.session.State())
		assert.False(t, f.session.Status().NeedsVerification)
		f.accounts.AssertNumberOfCalls(t, "SaveSession", 1)

		select {
		case err := <-waited:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("WaitVerified did not return")
		}
	})

	t.Run("rejected code stays awaiting and allows another request", func(t *testing.T) {
		f := newFixture(t, nil)
		f.awaitTwoFactor(t)
		f.client.SubmitErr = errors.New("bad code")

		err := f.session.SubmitVerificationCode(ctx, "000000")
		assert.ErrorIs(t, err, ErrInvalidVerificationCode)
		assert.Equal(t, StateAwaitingVerification, f.session.State())
		f.accounts.AssertNotCalled(t, "SaveSession", mock.Anything, mock.Anything, mock.Anything)

		require.NoError(t, f.session.RequestVerificationCode(ctx, platform.MethodEmail))
		assert.Equal(t, platform.MethodEmail, f.session.Status().Method)
	})

	t.Run("challenge submit checks liveness", func(t *testing.T) {
		f := newFixture(t, nil)
		f.client.LoginErrs = []error{&platform.ChallengeRequiredError{}}
		_, err := f.session.Login(ctx)
		require.NoError(t, err)
		f.accounts.On("SaveSession", mock.Anything, int64(7), mock.Anything).Return(nil).Once()

		require.NoError(t, f.session.SubmitVerificationCode(ctx, "111111"))
		assert.Equal(t, 1, f.client.Calls("SubmitChallengeCode"))
		assert.Equal(t, StateLoggedIn, f.session.State())
	})
}

func TestSession_RequestVerificationCode(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected when not awaiting", func(t *testing.T) {
		f := newFixture(t, nil)
		err := f.session.RequestVerificationCode(ctx, platform.MethodSMS)
		assert.ErrorIs(t, err, ErrNotAwaitingVerification)
		assert.Zero(t, f.client.Calls("RequestTwoFactorCode"))
	})

	t.Run("repeatable", func(t *testing.T) {
		f := newFixture(t, nil)
		f.awaitTwoFactor(t)

		require.NoError(t, f.session.RequestVerificationCode(ctx, platform.MethodSMS))
		require.NoError(t, f.session.RequestVerificationCode(ctx, platform.MethodSMS))
		assert.Equal(t, 2, f.client.Calls("RequestTwoFactorCode"))
		assert.Equal(t, StateAwaitingVerification, f.session.State())
	})
}

func TestSession_IsLoggedIn(t *testing.T) {
	ctx := context.Background()

	t.Run("auth required probe is false", func(t *testing.T) {
		f := newFixture(t, nil)
		assert.False(t, f.session.IsLoggedIn(ctx))
	})

	t.Run("other probe errors are false", func(t *testing.T) {
		f := newFixture(t, nil)
		f.client.ProbeErr = errors.New("weird")
		assert.False(t, f.session.IsLoggedIn(ctx))
	})

	t.Run("expire forces a probe", func(t *testing.T) {
		f := newFixture(t, nil)
		f.accounts.On("SaveSession", mock.Anything, int64(7), mock.Anything).Return(nil)
		_, err := f.session.Login(ctx)
		require.NoError(t, err)
		require.True(t, f.session.IsLoggedIn(ctx))

		f.client.SetLoggedIn(false)
		f.session.Expire()
		assert.Equal(t, StateLoggedOut, f.session.State())
		assert.False(t, f.session.IsLoggedIn(ctx))
	})
}

func TestSession_OnChange(t *testing.T) {
	f := newFixture(t, nil)
	var states []State
	f.session.OnChange(func(st Status) { states = append(states, st.State) })
	f.awaitTwoFactor(t)

	assert.Equal(t, []State{StateAuthenticating, StateAwaitingVerification}, states)
}

func TestFileStore(t *testing.T) {
	fs := NewFileStore(t.TempDir())

	blob, err := fs.Load(1, "bob")
	require.NoError(t, err)
	assert.Nil(t, blob)

	require.NoError(t, fs.Save(1, "bob", []byte("data")))
	blob, err = fs.Load(1, "bob")
	require.NoError(t, err)
	assert.Equal(t, "data", string(blob))

	assert.NotContains(t, fs.Path(1, "../etc"), "..")
}

func TestSession_PlatformCallsAreGoverned(t *testing.T) {
	ctx := context.Background()

	t.Run("verification flow", func(t *testing.T) {
		f := newFixture(t, nil)
		f.awaitTwoFactor(t)
		f.accounts.On("SaveSession", mock.Anything, int64(7), mock.Anything).Return(nil).Once()

		require.NoError(t, f.session.RequestVerificationCode(ctx, platform.MethodSMS))
		require.NoError(t, f.session.SubmitVerificationCode(ctx, "123456"))

		assert.Equal(t, []string{"probe", "login", "request_code", "submit_code"}, f.calls.ops)
	})

	t.Run("stored session restore and probe", func(t *testing.T) {
		f := newFixture(t, &Credentials{AccountID: 7, UserID: 3, Username: "alice", Session: []byte(`{"s":1}`)})
		f.client.ValidSession = []byte(`{"s":1}`)

		res, err := f.session.Login(ctx)
		require.NoError(t, err)
		require.Equal(t, LoginOK, res)

		assert.Equal(t, []string{"probe", "restore_session", "probe"}, f.calls.ops)
		assert.Equal(t, 2, f.client.Calls("ProbeLiveness"))
	})
}
