package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *GatewayClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGatewayClient(srv.URL, "alice")
}

func TestDeviceID(t *testing.T) {
	t.Run("stable per username", func(t *testing.T) {
		assert.Equal(t, DeviceID("alice"), DeviceID("ALICE"))
		assert.NotEqual(t, DeviceID("alice"), DeviceID("bob"))
	})
}

func TestGatewayClient_Login(t *testing.T) {
	t.Run("stores identity on success", func(t *testing.T) {
		var gotDevice string
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			gotDevice = r.Header.Get("X-Device-ID")
			assert.Equal(t, "/login", r.URL.Path)
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "alice", body["username"])
			json.NewEncoder(w).Encode(map[string]string{"userId": "42"})
		})

		err := gw.Login(context.Background(), "alice", "secret")
		require.NoError(t, err)
		assert.Equal(t, "42", gw.UserID())
		assert.Equal(t, DeviceID("alice"), gotDevice)
	})

	t.Run("maps two-factor conflict", func(t *testing.T) {
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"two_factor_required","challenge":{"identifier":"tf-1"}}`))
		})

		err := gw.Login(context.Background(), "alice", "secret")
		var tf *TwoFactorRequiredError
		require.True(t, errors.As(err, &tf))
		assert.Equal(t, "tf-1", tf.Challenge.Identifier)
	})

	t.Run("maps challenge conflict", func(t *testing.T) {
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"challenge_required","challenge":{"payload":{"step":"verify_email"}}}`))
		})

		err := gw.Login(context.Background(), "alice", "secret")
		var ch *ChallengeRequiredError
		require.True(t, errors.As(err, &ch))
		assert.JSONEq(t, `{"step":"verify_email"}`, string(ch.Challenge.Payload))
	})
}

func TestGatewayClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"401 is auth required", http.StatusUnauthorized, IsAuthRequired},
		{"429 is rate limited", http.StatusTooManyRequests, IsRateLimited},
		{"503 is connection", http.StatusServiceUnavailable, IsConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			err := gw.ProbeLiveness(context.Background())
			require.Error(t, err)
			assert.True(t, tt.check(err))
		})
	}

	t.Run("unreachable gateway is connection error", func(t *testing.T) {
		gw := NewGatewayClient("http://127.0.0.1:1", "alice")
		err := gw.ProbeLiveness(context.Background())
		assert.True(t, IsConnection(err))
	})
}

func TestGatewayClient_FetchThread(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/threads/t-1", r.URL.Path)
		w.Write([]byte(`{"id":"t-1","messages":[{"id":"m2","userId":"7","text":"1","timestamp":1700000100},{"id":"m1","userId":"42","text":"hi","timestamp":1700000000}]}`))
	})

	thread, err := gw.FetchThread(context.Background(), "t-1")
	require.NoError(t, err)

	newest, ok := thread.Newest()
	require.True(t, ok)
	assert.Equal(t, "m2", newest.ID)
	assert.Equal(t, "1", newest.Text)
	assert.Equal(t, int64(1700000100), newest.Timestamp.Unix())
}

func TestGatewayClient_RestoreSession(t *testing.T) {
	t.Run("rejects non-JSON blobs", func(t *testing.T) {
		gw := NewGatewayClient("http://unused", "alice")
		err := gw.RestoreSession(context.Background(), []byte("not json"))
		assert.Error(t, err)
	})

	t.Run("round trips the session through the bridge", func(t *testing.T) {
		var stored json.RawMessage
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPut:
				var p sessionPayload
				require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
				stored = p.Session
			case http.MethodGet:
				json.NewEncoder(w).Encode(sessionPayload{Session: stored})
			}
		})

		require.NoError(t, gw.RestoreSession(context.Background(), []byte(`{"cookie":"abc"}`)))
		blob, err := gw.ExportSession(context.Background())
		require.NoError(t, err)
		assert.JSONEq(t, `{"cookie":"abc"}`, string(blob))
	})
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(ErrRateLimited))
	assert.True(t, IsRateLimited(errors.New("Please wait: Too Many Requests")))
	assert.False(t, IsRateLimited(errors.New("boom")))
	assert.False(t, IsRateLimited(nil))
}
