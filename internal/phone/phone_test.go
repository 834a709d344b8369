package phone

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cloudbudgetguard/internal/database"
	"cloudbudgetguard/internal/models"
	"cloudbudgetguard/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type memVerifications struct {
	mu   sync.Mutex
	recs map[string]*models.PhoneVerification
}

func key(id primitive.ObjectID, phone string) string { return id.Hex() + "|" + phone }

func (m *memVerifications) Start(_ context.Context, id primitive.ObjectID, phone, secret string, exp, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[key(id, phone)] = &models.PhoneVerification{UserID: id, Phone: phone, Secret: secret, ExpiresAt: &exp, CreatedAt: now}
	return nil
}

func (m *memVerifications) Find(_ context.Context, id primitive.ObjectID, phone string) (*models.PhoneVerification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.recs[key(id, phone)]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *memVerifications) ReserveAttempt(_ context.Context, id primitive.ObjectID, phone string, max int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.recs[key(id, phone)]
	if !ok || v.Attempts >= max {
		return 0, database.ErrNotFound
	}
	v.Attempts++
	return v.Attempts, nil
}

func (m *memVerifications) MarkVerified(_ context.Context, id primitive.ObjectID, phone string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.recs[key(id, phone)]
	if !ok {
		return database.ErrNotFound
	}
	v.VerifiedAt = &now
	v.ExpiresAt = nil
	v.Secret = ""
	return nil
}

type memUsers struct {
	phones map[primitive.ObjectID]string
}

func (m *memUsers) SetWhatsAppPhone(_ context.Context, id primitive.ObjectID, phone string, _ time.Time) error {
	m.phones[id] = phone
	return nil
}

type captureSender struct {
	codes map[string]string
}

func (c *captureSender) SendCode(_ context.Context, phone, code string) error {
	c.codes[phone] = code
	return nil
}

func newTestService(now *time.Time) (*Service, *memUsers, *captureSender) {
	users := &memUsers{phones: map[primitive.ObjectID]string{}}
	sender := &captureSender{codes: map[string]string{}}
	clock := func() time.Time { return *now }
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), nil).WithClock(clock)
	svc := NewService(&memVerifications{recs: map[string]*models.PhoneVerification{}}, users, limiter, sender, 10*time.Minute, nil)
	svc.now = clock
	return svc, users, sender
}

func TestRequestAndConfirm(t *testing.T) {
	now := time.Date(2026, 2, 7, 9, 0, 0, 0, time.UTC)
	svc, users, sender := newTestService(&now)
	ctx := context.Background()
	uid := primitive.NewObjectID()

	_, err := svc.Request(ctx, uid, "+14155550123")
	require.NoError(t, err)
	code := sender.codes["+14155550123"]
	require.Len(t, code, 6)

	now = now.Add(time.Minute)
	require.NoError(t, svc.Confirm(ctx, uid, "+14155550123", code))
	assert.Equal(t, "+14155550123", users.phones[uid])

	// Confirming an already verified number is a no-op.
	require.NoError(t, svc.Confirm(ctx, uid, "+14155550123", "000000"))
}

func TestRequest_Validation(t *testing.T) {
	now := time.Date(2026, 2, 7, 9, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(&now)
	ctx := context.Background()
	uid := primitive.NewObjectID()

	_, err := svc.Request(ctx, uid, "555-0123")
	assert.ErrorIs(t, err, ErrInvalidPhone)

	for i := 0; i < RequestsPerUser; i++ {
		_, err := svc.Request(ctx, uid, "+14155550123")
		require.NoError(t, err)
	}
	resetAt, err := svc.Request(ctx, uid, "+14155550123")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, now.Add(RequestWindow), resetAt)
}

func TestConfirm_Failures(t *testing.T) {
	now := time.Date(2026, 2, 7, 9, 0, 0, 0, time.UTC)
	svc, users, sender := newTestService(&now)
	ctx := context.Background()
	uid := primitive.NewObjectID()

	assert.ErrorIs(t, svc.Confirm(ctx, uid, "+14155550123", "123456"), ErrInvalidCode)

	_, err := svc.Request(ctx, uid, "+14155550123")
	require.NoError(t, err)
	code := sender.codes["+14155550123"]
	bad := "000000"
	if code == bad {
		bad = "111111"
	}

	for i := 0; i < MaxAttempts-1; i++ {
		require.ErrorIs(t, svc.Confirm(ctx, uid, "+14155550123", bad), ErrInvalidCode)
	}
	require.ErrorIs(t, svc.Confirm(ctx, uid, "+14155550123", bad), ErrTooManyAttempts)
	assert.ErrorIs(t, svc.Confirm(ctx, uid, "+14155550123", code), ErrTooManyAttempts)
	assert.Empty(t, users.phones)

	_, err = svc.Request(ctx, uid, "+14155550124")
	require.NoError(t, err)
	now = now.Add(11 * time.Minute)
	assert.ErrorIs(t, svc.Confirm(ctx, uid, "+14155550124", sender.codes["+14155550124"]), ErrCodeExpired)
}

func TestConfirm_ParallelGuessesShareAttemptCap(t *testing.T) {
	now := time.Date(2026, 2, 7, 9, 0, 0, 0, time.UTC)
	svc, users, sender := newTestService(&now)
	ctx := context.Background()
	uid := primitive.NewObjectID()

	_, err := svc.Request(ctx, uid, "+14155550123")
	require.NoError(t, err)
	code := sender.codes["+14155550123"]
	bad := "000000"
	if code == bad {
		bad = "111111"
	}

	const guesses = 20
	var wg sync.WaitGroup
	errs := make([]error, guesses)
	for i := 0; i < guesses; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.Confirm(ctx, uid, "+14155550123", bad)
		}(i)
	}
	wg.Wait()

	var invalid, locked int
	for _, err := range errs {
		switch {
		case errors.Is(err, ErrInvalidCode):
			invalid++
		case errors.Is(err, ErrTooManyAttempts):
			locked++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, MaxAttempts-1, invalid)
	assert.Equal(t, guesses-MaxAttempts+1, locked)

	v, err := svc.store.Find(ctx, uid, "+14155550123")
	require.NoError(t, err)
	assert.Equal(t, MaxAttempts, v.Attempts)

	assert.ErrorIs(t, svc.Confirm(ctx, uid, "+14155550123", code), ErrTooManyAttempts)
	assert.Empty(t, users.phones)
}

func TestWhatsAppSender(t *testing.T) {
	var got textMessage
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/12345/messages", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.To == "+10000000000" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"Recipient not on WhatsApp"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	defer srv.Close()

	s := NewWhatsAppSender("tok", "12345", srv.Client())
	s.baseURL = srv.URL

	require.NoError(t, s.SendCode(context.Background(), "+14155550123", "654321"))
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "whatsapp", got.MessagingProduct)
	assert.Contains(t, got.Text.Body, "654321")

	err := s.SendCode(context.Background(), "+10000000000", "654321")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Recipient not on WhatsApp")
}
