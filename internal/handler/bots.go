package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apperrors "github.com/openclaw/dm-responder-go/internal/errors"
	"github.com/openclaw/dm-responder-go/internal/httputil"
	"github.com/openclaw/dm-responder-go/internal/model"
)

// BotService is the registry the API drives.
type BotService interface {
	Start(ctx context.Context, accountID int64) (*model.LiveStatus, error)
	StartForUser(ctx context.Context, userID int64, username string) (*model.LiveStatus, error)
	Stop(ctx context.Context, accountID int64) error
	GetStatus(accountID int64) *model.LiveStatus
	List() []*model.LiveStatus
	RequestVerificationCode(ctx context.Context, accountID int64, method string) error
	SubmitVerificationCode(ctx context.Context, accountID int64, code string) error
}

type BotHandler struct {
	bots    BotService
	events  http.Handler
	timeout time.Duration
}

func NewBotHandler(bots BotService, events http.Handler) *BotHandler {
	return &BotHandler{bots: bots, events: events}
}

// WithTimeout bounds every route except the event stream.
func (h *BotHandler) WithTimeout(d time.Duration) *BotHandler {
	h.timeout = d
	return h
}

func (h *BotHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		if h.timeout > 0 {
			r.Use(middleware.Timeout(h.timeout))
		}
		r.Get("/", h.List)
		r.Post("/start", h.StartForUser)
		r.Get("/{accountID}", h.Status)
		r.Post("/{accountID}/start", h.Start)
		r.Post("/{accountID}/stop", h.Stop)
		r.Post("/{accountID}/verification/request", h.RequestCode)
		r.Post("/{accountID}/verification/submit", h.SubmitCode)
	})
	if h.events != nil {
		r.Get("/{accountID}/events", h.events.ServeHTTP)
	}

	return r
}

// GET /v1/bots
func (h *BotHandler) List(w http.ResponseWriter, r *http.Request) {
	bots := h.bots.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"bots":  bots,
		"count": len(bots),
	})
}

// POST /v1/bots/start
// Starts the bot of a (userId, username) pair for callers that do not know
// the account id.
func (h *BotHandler) StartForUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   int64  `json:"userId"`
		Username string `json:"username"`
	}
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.UserID <= 0 {
		httputil.WriteError(w, apperrors.MissingRequired("userId"))
		return
	}
	if req.Username == "" {
		httputil.WriteError(w, apperrors.MissingRequired("username"))
		return
	}

	status, err := h.bots.StartForUser(r.Context(), req.UserID, req.Username)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

// GET /v1/bots/{accountID}
func (h *BotHandler) Status(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.bots.GetStatus(accountID))
}

// POST /v1/bots/{accountID}/start
func (h *BotHandler) Start(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	status, err := h.bots.Start(r.Context(), accountID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

// POST /v1/bots/{accountID}/stop
func (h *BotHandler) Stop(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	if err := h.bots.Stop(r.Context(), accountID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.bots.GetStatus(accountID))
}

// POST /v1/bots/{accountID}/verification/request
func (h *BotHandler) RequestCode(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Method string `json:"method"`
	}
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.bots.RequestVerificationCode(r.Context(), accountID, req.Method); err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.bots.GetStatus(accountID))
}

// POST /v1/bots/{accountID}/verification/submit
func (h *BotHandler) SubmitCode(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.bots.SubmitVerificationCode(r.Context(), accountID, req.Code); err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.bots.GetStatus(accountID))
}

func accountIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil || id <= 0 {
		httputil.WriteError(w, apperrors.InvalidInput("accountId", "must be a positive integer"))
		return 0, false
	}
	return id, true
}

// decodeBody accepts an empty body as an empty request.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperrors.ValidationError("Request body too large")
	}
	return apperrors.ValidationError("Invalid JSON body")
}
