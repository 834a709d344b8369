package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloudbudgetguard/internal/models"

	"go.uber.org/zap"
)

var (
	// ErrStoreUnavailable wraps any failure of the backing store.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
	// ErrInvalidArgument is returned for an empty key or non-positive limit/window.
	ErrInvalidArgument = errors.New("invalid rate limit argument")
)

// Decision is the outcome of one attempt.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long until the window the decision was made against resets.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Store applies one attempt against key atomically and returns the window
// as it was before the attempt, or nil when none existed.
//
// The store must start a new window {count: 1, resetAt: resetAt} when there
// is no window or prev.ResetAt <= now, leave the window alone when
// prev.Count >= limit, and increment otherwise.
type Store interface {
	Hit(ctx context.Context, key string, limit int, resetAt, now time.Time) (*models.RateLimitWindow, error)
}

// Limiter checks attempts against a Store.
type Limiter struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{store: store, logger: logger, now: time.Now}
}

// WithClock returns a copy of l reading time from now.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	c := *l
	c.now = now
	return &c
}

// Check records one attempt for key and reports whether it is within limit
// attempts per window.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if key == "" || limit <= 0 || window <= 0 {
		return Decision{}, fmt.Errorf("%w: key=%q limit=%d window=%s", ErrInvalidArgument, key, limit, window)
	}

	// Stores persist millisecond precision.
	now := l.now().UTC().Truncate(time.Millisecond)
	resetAt := now.Add(window)

	prev, err := l.store.Hit(ctx, key, limit, resetAt, now)
	if err != nil {
		l.logger.Error("Rate limit store failed", zap.String("key", key), zap.Error(err))
		return Decision{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	d := decide(prev, limit, resetAt, now)
	if !d.Allowed {
		l.logger.Debug("Rate limited", zap.String("key", key), zap.Time("reset_at", d.ResetAt))
	}
	return d, nil
}

func decide(prev *models.RateLimitWindow, limit int, resetAt, now time.Time) Decision {
	if expired(prev, now) {
		return Decision{Allowed: true, Remaining: limit - 1, ResetAt: resetAt}
	}
	if prev.Count >= int64(limit) {
		return Decision{Allowed: false, Remaining: 0, ResetAt: prev.ResetAt}
	}
	remaining := int64(limit) - (prev.Count + 1)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: int(remaining), ResetAt: prev.ResetAt}
}

func expired(prev *models.RateLimitWindow, now time.Time) bool {
	return prev == nil || !prev.ResetAt.After(now)
}
