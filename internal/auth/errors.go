package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidEmail     = errors.New("invalid email")
	ErrInvalidOTP       = errors.New("invalid otp code")
	ErrOTPExpired       = errors.New("otp code expired")
	ErrTooManyAttempts  = errors.New("too many invalid otp attempts")
	ErrTokenInvalid     = errors.New("invalid or expired login token")
	ErrBotCheckFailed   = errors.New("bot check failed")
	ErrRateLimited      = errors.New("rate limited")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrDelivery         = errors.New("message delivery failed")
)

// RateLimitError is returned when a throttle denies an attempt. It matches
// ErrRateLimited with errors.Is.
type RateLimitError struct {
	Key     string
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
