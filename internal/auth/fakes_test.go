package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"cloudbudgetguard/internal/database"
	"cloudbudgetguard/internal/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type memUsers struct {
	mu      sync.Mutex
	byEmail map[string]*models.User
}

func newMemUsers() *memUsers {
	return &memUsers{byEmail: map[string]*models.User{}}
}

func (m *memUsers) UpsertByEmail(_ context.Context, email string, now time.Time) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byEmail[email]; ok {
		return u, nil
	}
	u := &models.User{ID: primitive.NewObjectID(), Email: email, CreatedAt: now}
	m.byEmail[email] = u
	return u, nil
}

func (m *memUsers) FindByID(_ context.Context, id primitive.ObjectID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byEmail {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memUsers) TouchLogin(_ context.Context, id primitive.ObjectID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byEmail {
		if u.ID == id {
			u.LastLoginAt = &now
			return nil
		}
	}
	return database.ErrNotFound
}

type memChallenges struct {
	mu   sync.Mutex
	byID map[string]*models.OTPChallenge
	fail error
}

func newMemChallenges() *memChallenges {
	return &memChallenges{byID: map[string]*models.OTPChallenge{}}
}

func (m *memChallenges) Replace(_ context.Context, c *models.OTPChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	cp := *c
	cp.Attempts = 0
	m.byID[c.Email] = &cp
	return nil
}

func (m *memChallenges) Find(_ context.Context, email string) (*models.OTPChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	c, ok := m.byID[email]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memChallenges) IncrementAttempts(_ context.Context, email string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[email]
	if !ok {
		return 0, database.ErrNotFound
	}
	c.Attempts++
	return c.Attempts, nil
}

func (m *memChallenges) Delete(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, email)
	return nil
}

func (m *memChallenges) Consume(_ context.Context, email, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	c, ok := m.byID[email]
	if !ok || c.Secret != secret {
		return database.ErrNotFound
	}
	delete(m.byID, email)
	return nil
}

type memTokens struct {
	mu     sync.Mutex
	byHash map[string]*models.LoginToken
}

func newMemTokens() *memTokens {
	return &memTokens{byHash: map[string]*models.LoginToken{}}
}

func (m *memTokens) Insert(_ context.Context, t *models.LoginToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byHash[t.TokenHash]; ok {
		return errors.New("duplicate token hash")
	}
	cp := *t
	m.byHash[t.TokenHash] = &cp
	return nil
}

func (m *memTokens) Consume(_ context.Context, hash string, now time.Time) (*models.LoginToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byHash[hash]
	if !ok || t.UsedAt != nil || !t.ExpiresAt.After(now) {
		return nil, database.ErrNotFound
	}
	t.UsedAt = &now
	cp := *t
	return &cp, nil
}

type fakeBot struct {
	err error
}

func (f fakeBot) Verify(context.Context, string, string) error {
	return f.err
}

type sentMail struct {
	To, Subject, Body string
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *recordingMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (m *recordingMailer) last() sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[len(m.sent)-1]
}
