package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"cloudbudgetguard/internal/database"
	"cloudbudgetguard/internal/mailer"
	"cloudbudgetguard/internal/models"
	"cloudbudgetguard/internal/otpcode"
	"cloudbudgetguard/internal/ratelimit"
	"cloudbudgetguard/internal/util"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type UserStore interface {
	UpsertByEmail(ctx context.Context, email string, now time.Time) (*models.User, error)
	FindByID(ctx context.Context, id primitive.ObjectID) (*models.User, error)
	TouchLogin(ctx context.Context, id primitive.ObjectID, now time.Time) error
}

type ChallengeStore interface {
	Replace(ctx context.Context, c *models.OTPChallenge) error
	Find(ctx context.Context, email string) (*models.OTPChallenge, error)
	IncrementAttempts(ctx context.Context, email string) (int, error)
	Delete(ctx context.Context, email string) error
	// Consume deletes the challenge only while it still holds secret and
	// returns database.ErrNotFound otherwise.
	Consume(ctx context.Context, email, secret string) error
}

type LoginTokenStore interface {
	Insert(ctx context.Context, t *models.LoginToken) error
	Consume(ctx context.Context, tokenHash string, now time.Time) (*models.LoginToken, error)
}

type RateLimiter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Decision, error)
}

type BotVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// Throttle is a limit per window for one namespaced key.
type Throttle struct {
	Limit  int
	Window time.Duration
}

// Throttles applied by the service.
var (
	OTPRequestPerEmail = Throttle{Limit: 5, Window: 15 * time.Minute}
	OTPRequestPerIP    = Throttle{Limit: 20, Window: 15 * time.Minute}
	OTPVerifyPerEmail  = Throttle{Limit: 10, Window: 15 * time.Minute}
	ExchangePerIP      = Throttle{Limit: 30, Window: 15 * time.Minute}
)

type Options struct {
	OTPTTL         time.Duration
	LoginTokenTTL  time.Duration
	MaxOTPAttempts int
	// PublicURL is the externally visible origin used in magic links.
	PublicURL string
}

// IssuedToken is a freshly minted raw login token. Only its hash is stored.
type IssuedToken struct {
	Token     string
	ExpiresAt time.Time
}

// Service implements email OTP sign-in and the login-token lifecycle.
type Service struct {
	users      UserStore
	challenges ChallengeStore
	tokens     LoginTokenStore
	limiter    RateLimiter
	bot        BotVerifier
	mail       mailer.Mailer
	logger     *zap.Logger
	opts       Options
	now        func() time.Time
}

func NewService(users UserStore, challenges ChallengeStore, tokens LoginTokenStore, limiter RateLimiter, bot BotVerifier, mail mailer.Mailer, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.OTPTTL <= 0 {
		opts.OTPTTL = 10 * time.Minute
	}
	if opts.LoginTokenTTL <= 0 {
		opts.LoginTokenTTL = 15 * time.Minute
	}
	if opts.MaxOTPAttempts <= 0 {
		opts.MaxOTPAttempts = 5
	}
	return &Service{
		users:      users,
		challenges: challenges,
		tokens:     tokens,
		limiter:    limiter,
		bot:        bot,
		mail:       mail,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
	}
}

// RequestOTP emails a fresh sign-in code, replacing any earlier challenge.
func (s *Service) RequestOTP(ctx context.Context, email, ip, botToken string) (time.Time, error) {
	email, err := s.admit(ctx, email, ip, botToken)
	if err != nil {
		return time.Time{}, err
	}

	now := s.now()
	secret, code, err := otpcode.New(email, s.opts.OTPTTL, now)
	if err != nil {
		return time.Time{}, err
	}
	challenge := &models.OTPChallenge{
		Email:     email,
		Secret:    secret,
		ExpiresAt: now.Add(s.opts.OTPTTL),
		CreatedAt: now,
	}
	if err := s.challenges.Replace(ctx, challenge); err != nil {
		return time.Time{}, s.storeErr("replace challenge", err)
	}

	body := fmt.Sprintf("Your CloudBudgetGuard sign-in code is: %s\nIt is valid for %d minutes.\n\nIf you did not request it, you can ignore this email.",
		code, int(s.opts.OTPTTL/time.Minute))
	if err := s.mail.Send(ctx, email, "Your sign-in code", body); err != nil {
		s.logger.Error("Failed to send OTP email", zap.String("email", email), zap.Error(err))
		return time.Time{}, fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	s.logger.Info("OTP sent", zap.String("email", email))
	return challenge.ExpiresAt, nil
}

// VerifyOTP checks a code and, on success, returns a single-use login token
// for the (possibly new) user.
func (s *Service) VerifyOTP(ctx context.Context, email, code string) (IssuedToken, error) {
	email = util.NormalizeEmail(email)
	if !util.ValidateEmail(email) {
		return IssuedToken{}, ErrInvalidEmail
	}
	if err := s.throttle(ctx, "verify:"+email, OTPVerifyPerEmail); err != nil {
		return IssuedToken{}, err
	}

	challenge, err := s.challenges.Find(ctx, email)
	if errors.Is(err, database.ErrNotFound) {
		return IssuedToken{}, ErrInvalidOTP
	}
	if err != nil {
		return IssuedToken{}, s.storeErr("find challenge", err)
	}

	now := s.now()
	if !now.Before(challenge.ExpiresAt) {
		s.dropChallenge(ctx, email)
		return IssuedToken{}, ErrOTPExpired
	}
	if challenge.Attempts >= s.opts.MaxOTPAttempts {
		s.dropChallenge(ctx, email)
		return IssuedToken{}, ErrTooManyAttempts
	}

	if !otpcode.Valid(challenge.Secret, code, s.opts.OTPTTL, now) {
		attempts, err := s.challenges.IncrementAttempts(ctx, email)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return IssuedToken{}, s.storeErr("increment attempts", err)
		}
		if attempts >= s.opts.MaxOTPAttempts {
			s.dropChallenge(ctx, email)
			return IssuedToken{}, ErrTooManyAttempts
		}
		return IssuedToken{}, ErrInvalidOTP
	}

	// Only the caller that removes this exact challenge signs in.
	if err := s.challenges.Consume(ctx, email, challenge.Secret); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return IssuedToken{}, ErrInvalidOTP
		}
		return IssuedToken{}, s.storeErr("consume challenge", err)
	}
	user, err := s.users.UpsertByEmail(ctx, email, now)
	if err != nil {
		return IssuedToken{}, s.storeErr("upsert user", err)
	}
	return s.mint(ctx, user, "")
}

// RequestMagicLink emails a link that signs the user in through the
// login-token landing page.
func (s *Service) RequestMagicLink(ctx context.Context, email, ip, botToken, redirect string) error {
	email, err := s.admit(ctx, email, ip, botToken)
	if err != nil {
		return err
	}

	user, err := s.users.UpsertByEmail(ctx, email, s.now())
	if err != nil {
		return s.storeErr("upsert user", err)
	}
	issued, err := s.mint(ctx, user, util.SafeRedirect(redirect, ""))
	if err != nil {
		return err
	}

	link := s.opts.PublicURL + "/auth/login?" + url.Values{"token": {issued.Token}}.Encode()
	body := fmt.Sprintf("Sign in to CloudBudgetGuard:\n%s\n\nThis link can be used once and expires in %d minutes.",
		link, int(s.opts.LoginTokenTTL/time.Minute))
	if err := s.mail.Send(ctx, email, "Your sign-in link", body); err != nil {
		s.logger.Error("Failed to send magic link", zap.String("email", email), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	return nil
}

// ConsumeLoginToken redeems a raw login token. A token is accepted at most
// once and only before it expires.
func (s *Service) ConsumeLoginToken(ctx context.Context, raw, ip string) (*models.User, string, error) {
	if raw == "" {
		return nil, "", ErrTokenInvalid
	}
	if ip != "" {
		if err := s.throttle(ctx, "exchange:ip:"+ip, ExchangePerIP); err != nil {
			return nil, "", err
		}
	}

	now := s.now()
	token, err := s.tokens.Consume(ctx, util.HashToken(raw), now)
	if errors.Is(err, database.ErrNotFound) {
		return nil, "", ErrTokenInvalid
	}
	if err != nil {
		return nil, "", s.storeErr("consume login token", err)
	}

	user, err := s.users.FindByID(ctx, token.UserID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, "", ErrTokenInvalid
	}
	if err != nil {
		return nil, "", s.storeErr("find user", err)
	}
	if err := s.users.TouchLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("Failed to record login", zap.String("user_id", user.ID.Hex()), zap.Error(err))
	}
	s.logger.Info("Login token exchanged", zap.String("user_id", user.ID.Hex()))
	return user, token.Redirect, nil
}

// User returns the user with the given hex id.
func (s *Service) User(ctx context.Context, id string) (*models.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, database.ErrNotFound
	}
	user, err := s.users.FindByID(ctx, oid)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, s.storeErr("find user", err)
	}
	return user, err
}

// admit validates the email, runs the bot check and applies the request
// throttles shared by OTP and magic-link requests.
func (s *Service) admit(ctx context.Context, email, ip, botToken string) (string, error) {
	email = util.NormalizeEmail(email)
	if !util.ValidateEmail(email) {
		return "", ErrInvalidEmail
	}
	if err := s.bot.Verify(ctx, botToken, ip); err != nil {
		s.logger.Info("Bot check rejected", zap.String("ip", ip), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrBotCheckFailed, err)
	}
	if ip != "" {
		if err := s.throttle(ctx, "ip:"+ip, OTPRequestPerIP); err != nil {
			return "", err
		}
	}
	if err := s.throttle(ctx, "otp:"+email, OTPRequestPerEmail); err != nil {
		return "", err
	}
	return email, nil
}

func (s *Service) mint(ctx context.Context, user *models.User, redirect string) (IssuedToken, error) {
	raw, err := util.RandomToken()
	if err != nil {
		return IssuedToken{}, fmt.Errorf("generate login token: %w", err)
	}
	now := s.now()
	token := &models.LoginToken{
		TokenHash: util.HashToken(raw),
		UserID:    user.ID,
		Redirect:  redirect,
		ExpiresAt: now.Add(s.opts.LoginTokenTTL),
		CreatedAt: now,
	}
	if err := s.tokens.Insert(ctx, token); err != nil {
		return IssuedToken{}, s.storeErr("insert login token", err)
	}
	return IssuedToken{Token: raw, ExpiresAt: token.ExpiresAt}, nil
}

// throttle fails closed: a limiter that cannot answer rejects the attempt.
func (s *Service) throttle(ctx context.Context, key string, t Throttle) error {
	d, err := s.limiter.Check(ctx, key, t.Limit, t.Window)
	if err != nil {
		return s.storeErr("rate limit", err)
	}
	if !d.Allowed {
		s.logger.Info("Throttled", zap.String("key", key), zap.Time("reset_at", d.ResetAt))
		return &RateLimitError{Key: key, ResetAt: d.ResetAt}
	}
	return nil
}

func (s *Service) dropChallenge(ctx context.Context, email string) {
	if err := s.challenges.Delete(ctx, email); err != nil {
		s.logger.Warn("Failed to delete otp challenge", zap.String("email", email), zap.Error(err))
	}
}

func (s *Service) storeErr(op string, err error) error {
	s.logger.Error("Store operation failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
