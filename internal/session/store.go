package session

import (
	"context"
	"sync"
	"time"

	"github.com/mossy-p/desklink/internal/models"
)

// Store persists session records. Update performs an atomic read-modify-write:
// if fn returns an error the record is left untouched and the error is
// returned as is.
type Store interface {
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, id string, fn func(*models.Session) error) (*models.Session, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps records in process memory; they are lost on restart.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]memoryRecord
}

type memoryRecord struct {
	session   models.Session
	expiresAt time.Time
}

// NewMemoryStore creates a store whose records expire after ttl (0 = never).
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]memoryRecord),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep()
	m.sessions[s.ID] = m.record(s)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	s := rec.session
	return &s, nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(*models.Session) error) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	s := rec.session
	if err := fn(&s); err != nil {
		return nil, err
	}
	m.sessions[id] = m.record(&s)
	out := s
	return &out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lookup(id); !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) record(s *models.Session) memoryRecord {
	rec := memoryRecord{session: *s}
	if m.ttl > 0 {
		rec.expiresAt = m.now().Add(m.ttl)
	}
	return rec
}

func (m *MemoryStore) lookup(id string) (memoryRecord, bool) {
	rec, ok := m.sessions[id]
	if !ok {
		return rec, false
	}
	if !rec.expiresAt.IsZero() && m.now().After(rec.expiresAt) {
		delete(m.sessions, id)
		return rec, false
	}
	return rec, true
}

func (m *MemoryStore) sweep() {
	now := m.now()
	for id, rec := range m.sessions {
		if !rec.expiresAt.IsZero() && now.After(rec.expiresAt) {
			delete(m.sessions, id)
		}
	}
}
