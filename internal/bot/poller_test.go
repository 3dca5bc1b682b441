package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/dm-responder-go/internal/auth"
	"github.com/openclaw/dm-responder-go/internal/clock"
	"github.com/openclaw/dm-responder-go/internal/governor"
	"github.com/openclaw/dm-responder-go/internal/platform"
	"github.com/openclaw/dm-responder-go/internal/platform/platformtest"
	"github.com/openclaw/dm-responder-go/internal/threadcache"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeSession struct {
	loggedIn bool
	loginRes auth.LoginResult
	loginErr error
	logins   int
	expired  int
	creds    *auth.Credentials
}

func (s *fakeSession) IsLoggedIn(ctx context.Context) bool { return s.loggedIn }

func (s *fakeSession) Login(ctx context.Context) (auth.LoginResult, error) {
	s.logins++
	if s.loginRes == auth.LoginOK {
		s.loggedIn = true
	}
	return s.loginRes, s.loginErr
}

func (s *fakeSession) Expire() {
	s.expired++
	s.loggedIn = false
}

func (s *fakeSession) Credentials() *auth.Credentials { return s.creds }

type mapRouter map[string]string

func (r mapRouter) Route(ctx context.Context, userID int64, text string) (string, bool, error) {
	reply, ok := r[text]
	return reply, ok, nil
}

type mockHistory struct {
	mock.Mock
}

func (m *mockHistory) RecordSent(ctx context.Context, userID int64, key, threadID, peerID string) error {
	args := m.Called(ctx, userID, key, threadID, peerID)
	return args.Error(0)
}

type fakePacer struct {
	waits, successes, signals int
	jitters                   []time.Duration
	ops                       []string
}

func (p *fakePacer) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p.ops = append(p.ops, op)
	return fn(ctx)
}

func (p *fakePacer) Wait(ctx context.Context) error { p.waits++; return ctx.Err() }

func (p *fakePacer) Jitter(ctx context.Context, lo, hi time.Duration) error {
	p.jitters = append(p.jitters, lo, hi)
	return ctx.Err()
}

func (p *fakePacer) RecordSuccess()         { p.successes++ }
func (p *fakePacer) RecordRateLimitSignal() { p.signals++ }

type pollerFixture struct {
	poller  *Poller
	client  *platformtest.Fake
	session *fakeSession
	history *mockHistory
	pacer   *fakePacer
	clock   *clock.Fake
}

func newPollerFixture(t *testing.T) *pollerFixture {
	t.Helper()
	f := &pollerFixture{
		client:  &platformtest.Fake{Identity: "42"},
		session: &fakeSession{loggedIn: true, creds: &auth.Credentials{AccountID: 7, UserID: 3, Username: "alice"}},
		history: new(mockHistory),
		pacer:   &fakePacer{},
		clock:   clock.NewFake(now),
	}
	f.client.SetLoggedIn(true)

	cache := threadcache.New(threadcache.Config{PendingProbability: 0}, f.client, nil, f.clock)
	f.poller = NewPoller(DefaultPollerConfig(), PollerDeps{
		Session: f.session,
		Threads: cache,
		Router:  mapRouter{"1": "A", "hello": "Hi!"},
		History: f.history,
		Client:  f.client,
		Pacer:   f.pacer,
		Clock:   f.clock,
	})
	return f
}

func msg(id, from, text string, at time.Time) platform.Message {
	return platform.Message{ID: id, UserID: from, Text: text, Timestamp: at}
}

func TestPoller_CheckNewMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("replies only to the peer thread", func(t *testing.T) {
		f := newPollerFixture(t)
		f.client.Primary = []platform.Thread{
			{ID: "A", Messages: []platform.Message{msg("a1", "42", "1", now.Add(-time.Minute))}},
			{ID: "B", Messages: []platform.Message{msg("b1", "7", "1", now.Add(-time.Minute))}},
		}
		f.history.On("RecordSent", mock.Anything, int64(3), "1", "B", "7").Return(nil).Once()

		before := f.poller.Processed().Len()
		had, err := f.poller.CheckNewMessages(ctx)
		require.NoError(t, err)

		assert.True(t, had)
		assert.Equal(t, []platformtest.SentMessage{{ThreadID: "B", Text: "A"}}, f.client.SentMessages())
		assert.Equal(t, before+1, f.poller.Processed().Len())
		assert.Equal(t, []string{"B"}, f.client.Read)
		assert.Equal(t, []string{"mark_read"}, f.pacer.ops)
		assert.Equal(t, 1, f.pacer.waits)
		assert.Equal(t, 1, f.pacer.successes)
		assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, f.pacer.jitters)
		f.history.AssertExpectations(t)
	})

	t.Run("processed message is not answered twice", func(t *testing.T) {
		f := newPollerFixture(t)
		f.client.Primary = []platform.Thread{
			{ID: "B", Messages: []platform.Message{msg("b1", "7", " hello ", now.Add(-time.Minute))}},
		}
		f.history.On("RecordSent", mock.Anything, int64(3), "hello", "B", "7").Return(nil).Once()

		had, err := f.poller.CheckNewMessages(ctx)
		require.NoError(t, err)
		require.True(t, had)

		// caches were invalidated by the send, so this refetches the same message
		had, err = f.poller.CheckNewMessages(ctx)
		require.NoError(t, err)
		assert.False(t, had)
		assert.Equal(t, []platformtest.SentMessage{{ThreadID: "B", Text: "Hi!"}}, f.client.SentMessages())
		assert.Equal(t, 1, f.pacer.successes)
		f.history.AssertExpectations(t)
	})

	t.Run("skips stale, blank and unmatched messages", func(t *testing.T) {
		f := newPollerFixture(t)
		f.client.Primary = []platform.Thread{
			{ID: "old", Messages: []platform.Message{msg("o1", "7", "1", now.Add(-25*time.Hour))}},
			{ID: "blank", Messages: []platform.Message{msg("x1", "7", "   ", now)}},
			{ID: "nomatch", Messages: []platform.Message{msg("n1", "7", "what?", now)}},
			{ID: "empty"},
		}

		had, err := f.poller.CheckNewMessages(ctx)
		require.NoError(t, err)
		assert.False(t, had)
		assert.Empty(t, f.client.SentMessages())
		// only the unmatched message counts as processed
		assert.Equal(t, 1, f.poller.Processed().Len())
		assert.True(t, f.poller.Processed().Contains("n1"))
	})

	t.Run("send failure is isolated to its thread", func(t *testing.T) {
		f := newPollerFixture(t)
		f.client.SendErr = errors.New("boom")
		f.client.Primary = []platform.Thread{
			{ID: "B", Messages: []platform.Message{msg("b1", "7", "1", now)}},
			{ID: "C", Messages: []platform.Message{msg("c1", "8", "1", now)}},
		}

		had, err := f.poller.CheckNewMessages(ctx)
		require.NoError(t, err)
		assert.False(t, had)
		assert.Equal(t, 2, f.client.Calls("SendMessage"))
		f.history.AssertNotCalled(t, "RecordSent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rate limited send signals the governor", func(t *testing.T) {
		f := newPollerFixture(t)
		f.client.SendErr = platform.ErrRateLimited
		f.client.Primary = []platform.Thread{
			{ID: "B", Messages: []platform.Message{msg("b1", "7", "1", now)}},
		}

		_, err := f.poller.CheckNewMessages(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, f.pacer.signals)
	})

	t.Run("mark read failure is best effort", func(t *testing.T) {
		f := newPollerFixture(t)
		f.client.MarkReadErr = errors.New("nope")
		f.client.Primary = []platform.Thread{
			{ID: "B", Messages: []platform.Message{msg("b1", "7", "1", now)}},
		}
		f.history.On("RecordSent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		had, err := f.poller.CheckNewMessages(ctx)
		require.NoError(t, err)
		assert.True(t, had)
	})

	t.Run("expired session aborts the cycle", func(t *testing.T) {
		f := newPollerFixture(t)
		f.client.SetLoggedIn(false)

		_, err := f.poller.CheckNewMessages(ctx)
		assert.True(t, platform.IsAuthRequired(err))
		assert.Equal(t, 1, f.session.expired)
	})

	t.Run("verification need is surfaced", func(t *testing.T) {
		f := newPollerFixture(t)
		f.session.loggedIn = false
		f.session.loginRes = auth.LoginNeedsVerification

		_, err := f.poller.CheckNewMessages(ctx)
		assert.ErrorIs(t, err, ErrNeedsVerification)
		assert.Zero(t, f.client.Calls("ListPrimaryThreads"))
	})

	t.Run("login failure is surfaced", func(t *testing.T) {
		f := newPollerFixture(t)
		f.session.loggedIn = false
		f.session.loginRes = auth.LoginFailed
		f.session.loginErr = errors.New("bad password")

		_, err := f.poller.CheckNewMessages(ctx)
		assert.ErrorIs(t, err, ErrLoginFailed)
	})

	t.Run("cancelled context stops before threads", func(t *testing.T) {
		f := newPollerFixture(t)
		f.client.Primary = []platform.Thread{
			{ID: "B", Messages: []platform.Message{msg("b1", "7", "1", now)}},
		}
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := f.poller.CheckNewMessages(cctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, f.client.SentMessages())
	})
}

func TestProcessedSet(t *testing.T) {
	clk := clock.NewFake(now)
	p := NewProcessedSet(clk, 12*time.Hour, 30*time.Minute)

	assert.True(t, p.Add("m1"))
	assert.False(t, p.Add("m1"))
	assert.True(t, p.Contains("m1"))

	clk.Advance(10 * time.Minute)
	assert.Zero(t, p.MaybeSweep(), "sweep runs at most every 30 minutes")

	clk.Advance(11 * time.Hour)
	p.Add("m2")
	clk.Advance(90 * time.Minute)

	assert.Equal(t, 1, p.MaybeSweep())
	assert.False(t, p.Contains("m1"))
	assert.True(t, p.Contains("m2"))
	assert.Equal(t, 1, p.Len())
}

func TestPoller_GovernorCountsEveryPlatformCall(t *testing.T) {
	clk := clock.NewFake(now)
	gov := governor.New(governor.DefaultConfig(), clk)
	client := &platformtest.Fake{Identity: "42"}
	client.SetLoggedIn(true)
	client.Primary = []platform.Thread{
		{ID: "B", Messages: []platform.Message{msg("b1", "7", "1", now)}},
	}
	history := new(mockHistory)
	history.On("RecordSent", mock.Anything, int64(3), "1", "B", "7").Return(nil).Once()

	p := NewPoller(DefaultPollerConfig(), PollerDeps{
		Session: &fakeSession{loggedIn: true, creds: &auth.Credentials{AccountID: 7, UserID: 3, Username: "alice"}},
		Threads: threadcache.New(threadcache.Config{PendingProbability: 0}, client, gov.Do, clk),
		Router:  mapRouter{"1": "A"},
		History: history,
		Client:  client,
		Pacer:   gov,
		Clock:   clk,
	})

	had, err := p.CheckNewMessages(context.Background())
	require.NoError(t, err)
	require.True(t, had)

	platformCalls := client.Calls("ListPrimaryThreads") + client.Calls("FetchThread") +
		client.Calls("SendMessage") + client.Calls("MarkRead")
	assert.Equal(t, 4, platformCalls)
	assert.Equal(t, platformCalls, gov.InWindow())
}
