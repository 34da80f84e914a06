package infra

import (
	"sync"
	"time"

	"callgate/admission/domain"

	"golang.org/x/time/rate"
)

// LimiterStore guarda um token bucket (x/time/rate) por chave de origem dos
// webhooks (conta do provedor, IP), com limpeza periódica de chaves ociosas.
type LimiterStore struct {
	mu           sync.Mutex
	entries      map[domain.Key]*limiterEntry
	overrides    map[domain.Key]limitPair
	rps          rate.Limit
	burst        int
	idleTTL      time.Duration
	cleanupEvery time.Duration
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type limitPair struct {
	rps   rate.Limit
	burst int
}

type LimiterOption func(*LimiterStore)

func WithLimiterIdleTTL(d time.Duration) LimiterOption {
	return func(s *LimiterStore) { s.idleTTL = d }
}

func WithLimiterCleanupEvery(d time.Duration) LimiterOption {
	return func(s *LimiterStore) { s.cleanupEvery = d }
}

// WithKeyLimit dá um limite próprio para uma chave (ex.: a conta principal do provedor).
func WithKeyLimit(key domain.Key, rps float64, burst int) LimiterOption {
	return func(s *LimiterStore) { s.overrides[key] = limitPair{rps: rate.Limit(rps), burst: burst} }
}

func NewLimiterStore(rps float64, burst int, opts ...LimiterOption) *LimiterStore {
	s := &LimiterStore{
		entries:      make(map[domain.Key]*limiterEntry),
		overrides:    make(map[domain.Key]limitPair),
		rps:          rate.Limit(rps),
		burst:        burst,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LimiterStore) RPS() float64 { return float64(s.rps) }
func (s *LimiterStore) Burst() int   { return s.burst }

func (s *LimiterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Get implementa domain.LimiterStore.
func (s *LimiterStore) Get(key domain.Key) domain.Limiter {
	return s.limiter(key)
}

func (s *LimiterStore) limiter(key domain.Key) *rate.Limiter {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}

	pair := limitPair{rps: s.rps, burst: s.burst}
	if o, ok := s.overrides[key]; ok {
		pair = o
	}
	lim := rate.NewLimiter(pair.rps, pair.burst)
	s.entries[key] = &limiterEntry{lim: lim, lastSeen: now}
	return lim
}

func (s *LimiterStore) Cleanup() {
	cutoff := time.Now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor limpa chaves inativas periodicamente. Pare cancelando o contexto.
func (s *LimiterStore) StartJanitor(ctx DoneContext) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}
