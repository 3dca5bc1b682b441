package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/dm-responder-go/internal/errors"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   apperrors.ErrorCode
	}{
		{"not found", apperrors.NotFound("Bot"), http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"not running", apperrors.BotNotRunning(), http.StatusConflict, apperrors.ErrCodeBotNotRunning},
		{"not awaiting", apperrors.NotAwaitingVerification(), http.StatusConflict, apperrors.ErrCodeNotAwaitingVerification},
		{"bad code", apperrors.InvalidVerificationCode(), http.StatusUnprocessableEntity, apperrors.ErrCodeInvalidVerificationCode},
		{"leased elsewhere", apperrors.AccountAlreadyRunning(), http.StatusConflict, apperrors.ErrCodeAccountAlreadyRunning},
		{"blank code", apperrors.MissingRequired("code"), http.StatusBadRequest, apperrors.ErrCodeMissingRequired},
		{"rate limited", apperrors.RateLimitExceeded(), http.StatusTooManyRequests, apperrors.ErrCodeRateLimitExceeded},
		{"validation", apperrors.ValidationError("bad"), http.StatusBadRequest, apperrors.ErrCodeValidation},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tc.err)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestWriteError_HidesInternalCause(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("pq: password authentication failed"))
	assert.NotContains(t, rec.Body.String(), "password")
}
