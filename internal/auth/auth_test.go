package auth

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"cloudbudgetguard/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	svc        *Service
	users      *memUsers
	challenges *memChallenges
	tokens     *memTokens
	mail       *recordingMailer
	now        time.Time
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		users:      newMemUsers(),
		challenges: newMemChallenges(),
		tokens:     newMemTokens(),
		mail:       &recordingMailer{},
		now:        time.Date(2026, 2, 7, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.now }
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), nil).WithClock(clock)
	env.svc = NewService(env.users, env.challenges, env.tokens, limiter, fakeBot{}, env.mail, nil, Options{
		OTPTTL:        10 * time.Minute,
		LoginTokenTTL: 15 * time.Minute,
		PublicURL:     "https://app.example.com",
	})
	env.svc.now = clock
	return env
}

var codePattern = regexp.MustCompile(`code is: (\d{6})`)

func mailedCode(t *testing.T, m *recordingMailer) string {
	t.Helper()
	match := codePattern.FindStringSubmatch(m.last().Body)
	require.Len(t, match, 2, "no code in mail body")
	return match[1]
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func TestRequestAndVerifyOTP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	exp, err := env.svc.RequestOTP(ctx, "  Alice@Example.com ", "10.0.0.1", "bot-ok")
	require.NoError(t, err)
	assert.Equal(t, env.now.Add(10*time.Minute), exp)
	assert.Equal(t, "alice@example.com", env.mail.last().To)

	code := mailedCode(t, env.mail)
	env.advance(2 * time.Minute)

	issued, err := env.svc.VerifyOTP(ctx, "alice@example.com", code)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Token)
	assert.Equal(t, env.now.Add(15*time.Minute), issued.ExpiresAt)

	_, err = env.challenges.Find(ctx, "alice@example.com")
	assert.Error(t, err, "challenge must be removed after success")

	_, err = env.svc.VerifyOTP(ctx, "alice@example.com", code)
	assert.ErrorIs(t, err, ErrInvalidOTP, "a used code cannot be replayed")
}

func TestVerifyOTP_ConcurrentCorrectCodeSignsInOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.RequestOTP(ctx, "race@example.com", "", "bot-ok")
	require.NoError(t, err)
	code := mailedCode(t, env.mail)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.VerifyOTP(ctx, "race@example.com", code)
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidOTP)
	}
	assert.Equal(t, 1, ok)
	env.tokens.mu.Lock()
	assert.Len(t, env.tokens.byHash, 1)
	env.tokens.mu.Unlock()
}

func TestVerifyOTP_TooManyAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.RequestOTP(ctx, "tester@example.com", "", "bot-ok")
	require.NoError(t, err)
	code := mailedCode(t, env.mail)
	bad := wrongCode(code)

	for i := 0; i < 4; i++ {
		_, err := env.svc.VerifyOTP(ctx, "tester@example.com", bad)
		require.ErrorIs(t, err, ErrInvalidOTP, "attempt %d", i+1)
	}
	_, err = env.svc.VerifyOTP(ctx, "tester@example.com", bad)
	require.ErrorIs(t, err, ErrTooManyAttempts)

	_, err = env.svc.VerifyOTP(ctx, "tester@example.com", code)
	assert.ErrorIs(t, err, ErrInvalidOTP, "challenge is gone after lockout")
}

func TestVerifyOTP_Expired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.RequestOTP(ctx, "late@example.com", "", "bot-ok")
	require.NoError(t, err)
	code := mailedCode(t, env.mail)

	env.advance(10 * time.Minute)
	_, err = env.svc.VerifyOTP(ctx, "late@example.com", code)
	assert.ErrorIs(t, err, ErrOTPExpired)
}

func TestRequestOTP_RateLimitedPerEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < OTPRequestPerEmail.Limit; i++ {
		_, err := env.svc.RequestOTP(ctx, "spam@example.com", "", "bot-ok")
		require.NoError(t, err)
	}
	_, err := env.svc.RequestOTP(ctx, "spam@example.com", "", "bot-ok")
	require.ErrorIs(t, err, ErrRateLimited)

	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, "otp:spam@example.com", rl.Key)
	assert.Equal(t, env.now.Add(OTPRequestPerEmail.Window), rl.ResetAt)

	env.advance(OTPRequestPerEmail.Window)
	_, err = env.svc.RequestOTP(ctx, "spam@example.com", "", "bot-ok")
	assert.NoError(t, err)
}

func TestRequestOTP_RateLimitedPerIP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < OTPRequestPerIP.Limit; i++ {
		_, err := env.svc.RequestOTP(ctx, "user"+string(rune('a'+i))+"@example.com", "10.0.0.9", "bot-ok")
		require.NoError(t, err)
	}
	_, err := env.svc.RequestOTP(ctx, "fresh@example.com", "10.0.0.9", "bot-ok")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRequestOTP_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.RequestOTP(ctx, "nope", "", "bot-ok")
	assert.ErrorIs(t, err, ErrInvalidEmail)

	env.svc.bot = fakeBot{err: errors.New("invalid-input-response")}
	_, err = env.svc.RequestOTP(ctx, "a@b.com", "", "bot-bad")
	assert.ErrorIs(t, err, ErrBotCheckFailed)

	env.svc.bot = fakeBot{}
	env.mail.err = errors.New("smtp down")
	_, err = env.svc.RequestOTP(ctx, "a@b.com", "", "bot-ok")
	assert.ErrorIs(t, err, ErrDelivery)

	env.mail.err = nil
	env.challenges.fail = errors.New("no reachable servers")
	_, err = env.svc.RequestOTP(ctx, "b@b.com", "", "bot-ok")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestConsumeLoginToken_SingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.RequestOTP(ctx, "a@b.com", "", "bot-ok")
	require.NoError(t, err)
	issued, err := env.svc.VerifyOTP(ctx, "a@b.com", mailedCode(t, env.mail))
	require.NoError(t, err)

	user, redirect, err := env.svc.ConsumeLoginToken(ctx, issued.Token, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", user.Email)
	assert.Empty(t, redirect)
	require.NotNil(t, user.LastLoginAt)

	_, _, err = env.svc.ConsumeLoginToken(ctx, issued.Token, "10.0.0.1")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, _, err = env.svc.ConsumeLoginToken(ctx, "", "10.0.0.1")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestConsumeLoginToken_Expired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.RequestOTP(ctx, "a@b.com", "", "bot-ok")
	require.NoError(t, err)
	issued, err := env.svc.VerifyOTP(ctx, "a@b.com", mailedCode(t, env.mail))
	require.NoError(t, err)

	env.advance(15 * time.Minute)
	_, _, err = env.svc.ConsumeLoginToken(ctx, issued.Token, "")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRequestMagicLink(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.RequestMagicLink(ctx, "a@b.com", "10.0.0.1", "bot-ok", "/app/reports"))

	body := env.mail.last().Body
	start := strings.Index(body, "https://app.example.com/auth/login?")
	require.GreaterOrEqual(t, start, 0, body)
	link, err := url.Parse(strings.Fields(body[start:])[0])
	require.NoError(t, err)
	token := link.Query().Get("token")
	require.NotEmpty(t, token)

	user, redirect, err := env.svc.ConsumeLoginToken(ctx, token, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", user.Email)
	assert.Equal(t, "/app/reports", redirect)
}

func TestRequestMagicLink_DropsForeignRedirect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.RequestMagicLink(ctx, "a@b.com", "", "bot-ok", "https://evil.example"))
	for _, tok := range env.tokens.byHash {
		assert.Empty(t, tok.Redirect)
	}
}

func TestUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u, err := env.users.UpsertByEmail(ctx, "a@b.com", env.now)
	require.NoError(t, err)

	got, err := env.svc.User(ctx, u.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, u.Email, got.Email)

	_, err = env.svc.User(ctx, "zzz")
	assert.Error(t, err)
}
