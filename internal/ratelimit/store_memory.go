package ratelimit

import (
	"context"
	"sync"
	"time"

	"cloudbudgetguard/internal/models"
)

// MemoryStore keeps windows in process memory. It is meant for local
// development and tests; windows are not shared between processes.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*models.RateLimitWindow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*models.RateLimitWindow)}
}

func (s *MemoryStore) Hit(_ context.Context, key string, limit int, resetAt, now time.Time) (*models.RateLimitWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	var prev *models.RateLimitWindow
	if ok {
		snapshot := *w
		prev = &snapshot
	}

	switch {
	case expired(prev, now):
		created := now
		if ok {
			created = w.CreatedAt
		}
		s.windows[key] = &models.RateLimitWindow{Key: key, Count: 1, ResetAt: resetAt, CreatedAt: created}
	case w.Count < int64(limit):
		w.Count++
	}
	return prev, nil
}

// Sweep drops windows that have expired, the in-memory analogue of the TTL index.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, w := range s.windows {
		if !w.ResetAt.After(now) {
			delete(s.windows, k)
			n++
		}
	}
	return n
}
