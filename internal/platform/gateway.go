package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	gatewayTimeout  = 20 * time.Second
	maxErrorBodyLen = 512
)

// deviceNamespace seeds the per-username device identifiers so one account
// always presents the same device to the platform.
var deviceNamespace = uuid.MustParse("6f1c4a8e-2d0b-4b7e-9a51-3c2f8e4d7a10")

// GatewayClient speaks JSON over HTTP to the platform bridge sidecar, which
// owns the private wire protocol. Sessions live in the bridge, keyed by the
// device id sent with every request.
type GatewayClient struct {
	baseURL  string
	deviceID string
	client   *http.Client

	mu     sync.RWMutex
	userID string
}

var _ Client = (*GatewayClient)(nil)

func NewGatewayClient(baseURL, username string) *GatewayClient {
	return &GatewayClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		deviceID: DeviceID(username),
		client: &http.Client{
			Timeout: gatewayTimeout,
		},
	}
}

func DeviceID(username string) string {
	return uuid.NewSHA1(deviceNamespace, []byte(strings.ToLower(username))).String()
}

func (c *GatewayClient) DeviceID() string {
	return c.deviceID
}

func (c *GatewayClient) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *GatewayClient) setUserID(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

type identityResponse struct {
	UserID string `json:"userId"`
}

type sessionPayload struct {
	Session json.RawMessage `json:"session"`
}

type wireMessage struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type wireThread struct {
	ID       string        `json:"id"`
	Messages []wireMessage `json:"messages"`
}

type threadsResponse struct {
	Threads []wireThread `json:"threads"`
}

type verificationError struct {
	Error     string           `json:"error"`
	Challenge ChallengeContext `json:"challenge"`
}

func (t wireThread) toThread() Thread {
	thread := Thread{ID: t.ID, Messages: make([]Message, 0, len(t.Messages))}
	for _, m := range t.Messages {
		thread.Messages = append(thread.Messages, Message{
			ID:        m.ID,
			UserID:    m.UserID,
			Text:      m.Text,
			Timestamp: time.Unix(m.Timestamp, 0),
		})
	}
	return thread
}

func (c *GatewayClient) Login(ctx context.Context, username, password string) error {
	var resp identityResponse
	err := c.do(ctx, http.MethodPost, "/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return err
	}
	c.setUserID(resp.UserID)
	return nil
}

func (c *GatewayClient) RestoreSession(ctx context.Context, blob []byte) error {
	if !json.Valid(blob) {
		return fmt.Errorf("restore session: blob is not valid JSON")
	}
	// A restored session is only trusted after a liveness probe.
	c.setUserID("")
	return c.do(ctx, http.MethodPut, "/session", sessionPayload{Session: blob}, nil)
}

func (c *GatewayClient) ExportSession(ctx context.Context) ([]byte, error) {
	var resp sessionPayload
	if err := c.do(ctx, http.MethodGet, "/session", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Session, nil
}

func (c *GatewayClient) ProbeLiveness(ctx context.Context) error {
	var resp identityResponse
	if err := c.do(ctx, http.MethodGet, "/me", nil, &resp); err != nil {
		return err
	}
	c.setUserID(resp.UserID)
	return nil
}

func (c *GatewayClient) ListPrimaryThreads(ctx context.Context, limit int) ([]Thread, error) {
	var resp threadsResponse
	path := "/threads?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return toThreads(resp.Threads), nil
}

func (c *GatewayClient) ListPendingThreads(ctx context.Context) ([]Thread, error) {
	var resp threadsResponse
	if err := c.do(ctx, http.MethodGet, "/threads/pending", nil, &resp); err != nil {
		return nil, err
	}
	return toThreads(resp.Threads), nil
}

func (c *GatewayClient) FetchThread(ctx context.Context, threadID string) (*Thread, error) {
	var resp wireThread
	if err := c.do(ctx, http.MethodGet, "/threads/"+url.PathEscape(threadID), nil, &resp); err != nil {
		return nil, err
	}
	thread := resp.toThread()
	return &thread, nil
}

func (c *GatewayClient) SendMessage(ctx context.Context, threadID, text string) error {
	return c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages",
		map[string]string{"text": text}, nil)
}

func (c *GatewayClient) MarkRead(ctx context.Context, threadID string) error {
	return c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/seen", nil, nil)
}

func (c *GatewayClient) RequestTwoFactorCode(ctx context.Context, method VerificationMethod, challenge ChallengeContext) error {
	return c.do(ctx, http.MethodPost, "/two-factor/code", map[string]any{
		"method":    method,
		"challenge": challenge,
	}, nil)
}

func (c *GatewayClient) RequestChallengeCode(ctx context.Context, method VerificationMethod, challenge ChallengeContext) error {
	return c.do(ctx, http.MethodPost, "/challenge/code", map[string]any{
		"method":    method,
		"challenge": challenge,
	}, nil)
}

func (c *GatewayClient) SubmitTwoFactorCode(ctx context.Context, challenge ChallengeContext, code string, method VerificationMethod) error {
	var resp identityResponse
	err := c.do(ctx, http.MethodPost, "/two-factor/verify", map[string]any{
		"challenge": challenge,
		"code":      code,
		"method":    method,
	}, &resp)
	if err != nil {
		return err
	}
	c.setUserID(resp.UserID)
	return nil
}

func (c *GatewayClient) SubmitChallengeCode(ctx context.Context, challenge ChallengeContext, code string) error {
	var resp identityResponse
	err := c.do(ctx, http.MethodPost, "/challenge/verify", map[string]any{
		"challenge": challenge,
		"code":      code,
	}, &resp)
	if err != nil {
		return err
	}
	c.setUserID(resp.UserID)
	return nil
}

func toThreads(wire []wireThread) []Thread {
	threads := make([]Thread, 0, len(wire))
	for _, t := range wire {
		threads = append(threads, t.toThread())
	}
	return threads
}

func (c *GatewayClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Device-ID", c.deviceID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Debug().Err(err).Str("path", path).Dur("elapsed", elapsed).Msg("gateway request failed")
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", elapsed).
		Msg("gateway request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrAuthRequired
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusConflict:
		var verr verificationError
		if err := json.Unmarshal(raw, &verr); err == nil {
			switch verr.Error {
			case "two_factor_required":
				return &TwoFactorRequiredError{Challenge: verr.Challenge}
			case "challenge_required":
				return &ChallengeRequiredError{Challenge: verr.Challenge}
			}
		}
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: gateway status %d", ErrConnection, resp.StatusCode)
	}

	return fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
