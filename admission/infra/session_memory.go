package infra

import (
	"context"
	"sync"
	"time"

	"callgate/admission/domain"
)

// MemorySessionStore é o session store em memória, com a mesma semântica de
// TTL do Redis. Para desenvolvimento e testes; não é compartilhado entre processos.
type MemorySessionStore struct {
	mu      sync.Mutex
	entries map[domain.CallID]memorySession
	ttl     time.Duration
	now     func() time.Time
}

type memorySession struct {
	sess      domain.Session
	expiresAt time.Time
}

func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		entries: make(map[domain.CallID]memorySession),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock troca o relógio (testes).
func (s *MemorySessionStore) WithClock(now func() time.Time) *MemorySessionStore {
	s.now = now
	return s
}

func (s *MemorySessionStore) Put(_ context.Context, sess domain.Session) error {
	now := s.now()
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now.UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sess.Call.CallID] = memorySession{sess: sess, expiresAt: now.Add(s.ttl)}
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, id domain.CallID) (domain.Session, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[id]
	if ok && s.ttl > 0 && !now.Before(ent.expiresAt) {
		delete(s.entries, id)
		ok = false
	}
	if !ok {
		return domain.Session{}, domain.NewError(domain.CodeNotFound, "session %s not found", id)
	}
	return ent.sess, nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id domain.CallID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *MemorySessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
