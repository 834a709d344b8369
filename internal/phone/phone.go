// Package phone verifies ownership of a WhatsApp number with a one-time code.
package phone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloudbudgetguard/internal/database"
	"cloudbudgetguard/internal/models"
	"cloudbudgetguard/internal/otpcode"
	"cloudbudgetguard/internal/ratelimit"
	"cloudbudgetguard/internal/util"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

var (
	ErrInvalidPhone     = errors.New("invalid phone number")
	ErrInvalidCode      = errors.New("invalid verification code")
	ErrCodeExpired      = errors.New("verification code expired")
	ErrTooManyAttempts  = errors.New("too many invalid verification attempts")
	ErrRateLimited      = errors.New("rate limited")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrDelivery         = errors.New("message delivery failed")
)

// RequestsPerUser bounds how many codes one user may request per window.
const (
	RequestsPerUser = 3
	RequestWindow   = time.Hour
	MaxAttempts     = 5
)

type VerificationStore interface {
	Start(ctx context.Context, userID primitive.ObjectID, phone, secret string, expiresAt, now time.Time) error
	Find(ctx context.Context, userID primitive.ObjectID, phone string) (*models.PhoneVerification, error)
	// ReserveAttempt counts an attempt while fewer than max were made and
	// returns database.ErrNotFound once max is reached.
	ReserveAttempt(ctx context.Context, userID primitive.ObjectID, phone string, max int) (int, error)
	MarkVerified(ctx context.Context, userID primitive.ObjectID, phone string, now time.Time) error
}

type UserStore interface {
	SetWhatsAppPhone(ctx context.Context, id primitive.ObjectID, phone string, now time.Time) error
}

type RateLimiter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Decision, error)
}

type Service struct {
	store   VerificationStore
	users   UserStore
	limiter RateLimiter
	sender  Sender
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(store VerificationStore, users UserStore, limiter RateLimiter, sender Sender, ttl time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Service{store: store, users: users, limiter: limiter, sender: sender, ttl: ttl, logger: logger, now: time.Now}
}

// Request sends a verification code for phone to userID's WhatsApp.
func (s *Service) Request(ctx context.Context, userID primitive.ObjectID, phone string) (time.Time, error) {
	if !util.ValidatePhone(phone) {
		return time.Time{}, ErrInvalidPhone
	}

	d, err := s.limiter.Check(ctx, "wa:"+userID.Hex(), RequestsPerUser, RequestWindow)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !d.Allowed {
		return d.ResetAt, ErrRateLimited
	}

	now := s.now()
	secret, code, err := otpcode.New(phone, s.ttl, now)
	if err != nil {
		return time.Time{}, err
	}
	expiresAt := now.Add(s.ttl)
	if err := s.store.Start(ctx, userID, phone, secret, expiresAt, now); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := s.sender.SendCode(ctx, phone, code); err != nil {
		s.logger.Error("Failed to send WhatsApp code", zap.String("user_id", userID.Hex()), zap.Error(err))
		return time.Time{}, fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	return expiresAt, nil
}

// Confirm checks code and records phone as the user's verified WhatsApp number.
func (s *Service) Confirm(ctx context.Context, userID primitive.ObjectID, phone, code string) error {
	v, err := s.store.Find(ctx, userID, phone)
	if errors.Is(err, database.ErrNotFound) {
		return ErrInvalidCode
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if v.VerifiedAt != nil {
		return nil
	}

	now := s.now()
	if v.ExpiresAt == nil || !now.Before(*v.ExpiresAt) {
		return ErrCodeExpired
	}
	// Attempts are reserved before the code is checked.
	attempts, err := s.store.ReserveAttempt(ctx, userID, phone, MaxAttempts)
	if errors.Is(err, database.ErrNotFound) {
		return ErrTooManyAttempts
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !otpcode.Valid(v.Secret, code, s.ttl, now) {
		if attempts >= MaxAttempts {
			return ErrTooManyAttempts
		}
		return ErrInvalidCode
	}

	if err := s.store.MarkVerified(ctx, userID, phone, now); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := s.users.SetWhatsAppPhone(ctx, userID, phone, now); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.logger.Info("WhatsApp number verified", zap.String("user_id", userID.Hex()))
	return nil
}
