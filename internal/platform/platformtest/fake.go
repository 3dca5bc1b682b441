// Package platformtest provides an in-memory platform client for tests.
package platformtest

import (
	"bytes"
	"context"
	"sync"

	"github.com/openclaw/dm-responder-go/internal/platform"
)

type SentMessage struct {
	ThreadID string
	Text     string
}

// Fake is a scriptable platform.Client. Zero value is a logged-out account
// whose login succeeds.
type Fake struct {
	mu sync.Mutex

	// Identity is reported by UserID once logged in.
	Identity string
	// ValidSession is the only session blob RestoreSession accepts as live.
	ValidSession []byte
	// LoginErrs is consumed one error per Login call; nil entries succeed.
	LoginErrs []error
	ProbeErr  error

	Primary    []platform.Thread
	PrimaryErr error
	Pending    []platform.Thread
	PendingErr error
	Threads    map[string]*platform.Thread

	SendErr     error
	MarkReadErr error
	RequestErr  error
	SubmitErr   error

	loggedIn bool
	restored []byte

	Sent      []SentMessage
	Read      []string
	Requested []platform.VerificationMethod
	Submitted []string
	calls     map[string]int
}

var _ platform.Client = (*Fake)(nil)

func (f *Fake) count(op string) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
}

// Calls reports how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// SetLoggedIn forces the liveness state, e.g. to simulate an expired session.
func (f *Fake) SetLoggedIn(v bool) {
	f.mu.Lock()
	f.loggedIn = v
	f.mu.Unlock()
}

func (f *Fake) SentMessages() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.Sent...)
}

func (f *Fake) Login(ctx context.Context, username, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("Login")
	if len(f.LoginErrs) > 0 {
		err := f.LoginErrs[0]
		f.LoginErrs = f.LoginErrs[1:]
		if err != nil {
			return err
		}
	}
	f.loggedIn = true
	return nil
}

func (f *Fake) RestoreSession(ctx context.Context, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("RestoreSession")
	f.restored = blob
	if f.ValidSession != nil && bytes.Equal(blob, f.ValidSession) {
		f.loggedIn = true
	}
	return nil
}

func (f *Fake) ExportSession(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("ExportSession")
	return []byte(`{"user":"` + f.Identity + `"}`), nil
}

func (f *Fake) ProbeLiveness(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("ProbeLiveness")
	if f.ProbeErr != nil {
		return f.ProbeErr
	}
	if !f.loggedIn {
		return platform.ErrAuthRequired
	}
	return nil
}

func (f *Fake) UserID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loggedIn {
		return ""
	}
	return f.Identity
}

func (f *Fake) ListPrimaryThreads(ctx context.Context, limit int) ([]platform.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("ListPrimaryThreads")
	if !f.loggedIn {
		return nil, platform.ErrAuthRequired
	}
	if f.PrimaryErr != nil {
		return nil, f.PrimaryErr
	}
	if limit > 0 && len(f.Primary) > limit {
		return f.Primary[:limit], nil
	}
	return f.Primary, nil
}

func (f *Fake) ListPendingThreads(ctx context.Context) ([]platform.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("ListPendingThreads")
	if !f.loggedIn {
		return nil, platform.ErrAuthRequired
	}
	return f.Pending, f.PendingErr
}

func (f *Fake) FetchThread(ctx context.Context, threadID string) (*platform.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("FetchThread")
	if !f.loggedIn {
		return nil, platform.ErrAuthRequired
	}
	if t, ok := f.Threads[threadID]; ok {
		return t, nil
	}
	for _, list := range [][]platform.Thread{f.Primary, f.Pending} {
		for i := range list {
			if list[i].ID == threadID {
				t := list[i]
				return &t, nil
			}
		}
	}
	return &platform.Thread{ID: threadID}, nil
}

func (f *Fake) SendMessage(ctx context.Context, threadID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("SendMessage")
	if f.SendErr != nil {
		return f.SendErr
	}
	f.Sent = append(f.Sent, SentMessage{ThreadID: threadID, Text: text})
	return nil
}

func (f *Fake) MarkRead(ctx context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("MarkRead")
	if f.MarkReadErr != nil {
		return f.MarkReadErr
	}
	f.Read = append(f.Read, threadID)
	return nil
}

func (f *Fake) RequestTwoFactorCode(ctx context.Context, method platform.VerificationMethod, challenge platform.ChallengeContext) error {
	return f.request("RequestTwoFactorCode", method)
}

func (f *Fake) RequestChallengeCode(ctx context.Context, method platform.VerificationMethod, challenge platform.ChallengeContext) error {
	return f.request("RequestChallengeCode", method)
}

func (f *Fake) request(op string, method platform.VerificationMethod) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count(op)
	if f.RequestErr != nil {
		return f.RequestErr
	}
	f.Requested = append(f.Requested, method)
	return nil
}

func (f *Fake) SubmitTwoFactorCode(ctx context.Context, challenge platform.ChallengeContext, code string, method platform.VerificationMethod) error {
	return f.submit("SubmitTwoFactorCode", code)
}

func (f *Fake) SubmitChallengeCode(ctx context.Context, challenge platform.ChallengeContext, code string) error {
	return f.submit("SubmitChallengeCode", code)
}

func (f *Fake) submit(op, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count(op)
	f.Submitted = append(f.Submitted, code)
	if f.SubmitErr != nil {
		return f.SubmitErr
	}
	f.loggedIn = true
	return nil
}
