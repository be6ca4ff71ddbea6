// Package session persists conversation state between chat turns.
// It supports both in-memory (single instance) and Redis (distributed)
// backends. Entries expire by TTL; the memory store evicts lazily and caps
// its size by dropping the entries closest to expiry.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/ismaeldosil/valerie-gateway/internal/domain"
)

const DefaultTTL = time.Hour

// Store defines the interface for session persistence backends.
type Store interface {
	Save(ctx context.Context, s *domain.Session, ttl time.Duration) error
	Load(ctx context.Context, id string) (*domain.Session, error)
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
}

type memoryItem struct {
	session   *domain.Session
	expiresAt time.Time
}

// Memory is the process-local store. Expired entries are dropped on Load and
// Exists; Save opportunistically sweeps when the map grows past the cap.
type Memory struct {
	mu         sync.RWMutex
	items      map[string]*memoryItem
	maxEntries int

	now func() time.Time
}

// NewMemory creates an in-memory store holding at most maxEntries sessions.
// Zero or negative means unbounded.
func NewMemory(maxEntries int) *Memory {
	return &Memory{
		items:      make(map[string]*memoryItem),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (m *Memory) Save(_ context.Context, s *domain.Session, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.items[s.ID] = &memoryItem{session: cloneSession(s), expiresAt: now.Add(ttl)}

	if m.maxEntries > 0 && len(m.items) > m.maxEntries {
		m.evict(now)
	}
	return nil
}

func (m *Memory) Load(_ context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if m.now().After(item.expiresAt) {
		delete(m.items, id)
		return nil, domain.ErrSessionNotFound
	}
	return cloneSession(item.session), nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *Memory) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return false, nil
	}
	if m.now().After(item.expiresAt) {
		delete(m.items, id)
		return false, nil
	}
	return true, nil
}

// evict drops expired entries first, then the oldest-expiring live entries
// until the store is back under its cap. Called with the lock held.
func (m *Memory) evict(now time.Time) {
	for id, item := range m.items {
		if now.After(item.expiresAt) {
			delete(m.items, id)
		}
	}
	for len(m.items) > m.maxEntries {
		var victim string
		var soonest time.Time
		for id, item := range m.items {
			if victim == "" || item.expiresAt.Before(soonest) {
				victim = id
				soonest = item.expiresAt
			}
		}
		delete(m.items, victim)
	}
}

// cloneSession keeps callers from mutating stored state through shared slices.
func cloneSession(s *domain.Session) *domain.Session {
	out := *s
	if s.Messages != nil {
		out.Messages = make([]domain.Message, len(s.Messages))
		copy(out.Messages, s.Messages)
	}
	if s.State != nil {
		out.State = append([]byte(nil), s.State...)
	}
	return &out
}
