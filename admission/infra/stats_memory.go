package infra

import (
	"context"
	"sync"

	"callgate/admission/domain"
)

// Counters conta eventos por tipo (admitted, queued, rejected, ...).
type Counters map[domain.RecordKind]int64

func (c Counters) clone() Counters {
	out := make(Counters, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// MemoryStatsStore é uma implementação simples em memória.
// Útil para testes e desenvolvimento.
//
// Não faz expiração e não é indicada para produção.
type MemoryStatsStore struct {
	mu       sync.Mutex
	total    Counters
	byStore  map[domain.StoreID]Counters
	byReason map[string]int64

	trackStores bool
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackStores(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackStores = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		total:    make(Counters),
		byStore:  make(map[domain.StoreID]Counters),
		byReason: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total[ev.Kind]++
	if ev.Reason != "" {
		s.byReason[string(ev.Kind)+":"+ev.Reason]++
	}
	if s.trackStores && ev.StoreID != "" {
		c := s.byStore[ev.StoreID]
		if c == nil {
			c = make(Counters)
			s.byStore[ev.StoreID] = c
		}
		c[ev.Kind]++
	}
	return nil
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total.clone()
}

func (s *MemoryStatsStore) ByStore(id domain.StoreID) Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byStore[id].clone()
}

// ByReason usa a chave "<kind>:<reason>", ex.: "rejected:capacity_exceeded".
func (s *MemoryStatsStore) ByReason() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.byReason))
	for k, v := range s.byReason {
		out[k] = v
	}
	return out
}
