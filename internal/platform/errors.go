package platform

import (
	"errors"
	"strings"
)

var (
	ErrAuthRequired = errors.New("platform: login required")
	ErrRateLimited  = errors.New("platform: rate limited")
	ErrConnection   = errors.New("platform: connection error")
)

type TwoFactorRequiredError struct {
	Challenge ChallengeContext
}

func (e *TwoFactorRequiredError) Error() string {
	return "platform: two-factor verification required"
}

type ChallengeRequiredError struct {
	Challenge ChallengeContext
}

func (e *ChallengeRequiredError) Error() string {
	return "platform: security challenge required"
}

// IsRateLimited also recognizes rate-limit wording in generic errors, since
// the platform does not always answer with a dedicated status.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}

func IsAuthRequired(err error) bool {
	return errors.Is(err, ErrAuthRequired)
}

func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsVerificationRequired reports whether err asks for a two-factor code or a
// challenge code.
func IsVerificationRequired(err error) bool {
	var tf *TwoFactorRequiredError
	var ch *ChallengeRequiredError
	return errors.As(err, &tf) || errors.As(err, &ch)
}
