package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"callgate/admission/domain"
)

type fakeBilling struct {
	mu    sync.Mutex
	subs  map[domain.StoreID]domain.Subscription
	err   error
	calls int
}

func (f *fakeBilling) Subscription(_ context.Context, id domain.StoreID) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return domain.Subscription{}, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return domain.Subscription{}, domain.NewError(domain.CodeNotFound, "no subscription")
	}
	return sub, nil
}

func (f *fakeBilling) set(id domain.StoreID, sub domain.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[id] = sub
}

func (f *fakeBilling) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var fallbackPlan = domain.Plan{ID: "fallback", MaxConcurrent: 1, MaxQueue: 0}

func newTestResolver(t *testing.T, b domain.BillingSource, opts ...ResolverOption) *Resolver {
	t.Helper()
	opts = append([]ResolverOption{WithResolverLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	r, err := NewResolver(b, fallbackPlan, opts...)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return r
}

func TestResolver_CachesPlan(t *testing.T) {
	pro := domain.Plan{ID: "pro", MaxConcurrent: 10, MaxQueue: 5}
	b := &fakeBilling{subs: map[domain.StoreID]domain.Subscription{"s1": {StoreID: "s1", Plan: pro}}}
	r := newTestResolver(t, b)

	for i := 0; i < 3; i++ {
		if got := r.Resolve(context.Background(), "s1"); got != pro {
			t.Fatalf("expected pro, got %+v", got)
		}
	}
	if b.Calls() != 1 {
		t.Fatalf("expected billing hit once, got %d", b.Calls())
	}
}

func TestResolver_FallsBackConservatively(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := &fakeBilling{subs: map[domain.StoreID]domain.Subscription{
		"expired": {Plan: domain.Plan{ID: "pro", MaxConcurrent: 10}, ExpiresAt: now.Add(-time.Hour)},
		"invalid": {Plan: domain.Plan{ID: "", MaxConcurrent: 10}},
		"broken":  {Plan: domain.Plan{ID: "x", MaxConcurrent: -1}},
	}}
	r := newTestResolver(t, b, WithResolverClock(func() time.Time { return now }))

	for _, id := range []domain.StoreID{"missing", "expired", "invalid", "broken"} {
		if got := r.Resolve(context.Background(), id); got != fallbackPlan {
			t.Fatalf("%s: expected fallback, got %+v", id, got)
		}
	}

	failing := newTestResolver(t, &fakeBilling{err: errors.New("billing down")})
	if got := failing.Resolve(context.Background(), "s1"); got != fallbackPlan {
		t.Fatalf("billing error: expected fallback, got %+v", got)
	}
}

func TestResolver_CachedSubscriptionExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pro := domain.Plan{ID: "pro", MaxConcurrent: 10}
	b := &fakeBilling{subs: map[domain.StoreID]domain.Subscription{"s1": {Plan: pro, ExpiresAt: now.Add(time.Second)}}}
	r := newTestResolver(t, b, WithResolverClock(func() time.Time { return now }))

	if got := r.Resolve(context.Background(), "s1"); got != pro {
		t.Fatalf("expected pro, got %+v", got)
	}
	now = now.Add(2 * time.Second)
	if got := r.Resolve(context.Background(), "s1"); got != fallbackPlan {
		t.Fatalf("expected fallback after expiry, got %+v", got)
	}
}

func TestResolver_InvalidateRefetches(t *testing.T) {
	basic := domain.Plan{ID: "basic", MaxConcurrent: 2}
	pro := domain.Plan{ID: "pro", MaxConcurrent: 10}
	b := &fakeBilling{subs: map[domain.StoreID]domain.Subscription{"s1": {Plan: basic}, "s2": {Plan: basic}}}
	r := newTestResolver(t, b)
	ctx := context.Background()

	r.Resolve(ctx, "s1")
	r.Resolve(ctx, "s2")
	b.set("s1", domain.Subscription{Plan: pro})
	b.set("s2", domain.Subscription{Plan: pro})

	if got := r.Resolve(ctx, "s1"); got != basic {
		t.Fatalf("expected cached basic, got %+v", got)
	}
	r.Invalidate("s1")
	if got := r.Resolve(ctx, "s1"); got != pro {
		t.Fatalf("expected pro after invalidate, got %+v", got)
	}
	if got := r.Resolve(ctx, "s2"); got != basic {
		t.Fatalf("s2 must stay cached, got %+v", got)
	}
	r.InvalidateAll()
	if got := r.Resolve(ctx, "s2"); got != pro {
		t.Fatalf("expected pro after invalidate all, got %+v", got)
	}
}

func TestResolver_FallbackRetriedAfterShortTTL(t *testing.T) {
	b := &fakeBilling{subs: map[domain.StoreID]domain.Subscription{}}
	r := newTestResolver(t, b, WithFallbackTTL(20*time.Millisecond))
	ctx := context.Background()

	r.Resolve(ctx, "s1")
	r.Resolve(ctx, "s1")
	if b.Calls() != 1 {
		t.Fatalf("fallback should be cached briefly, got %d calls", b.Calls())
	}
	b.set("s1", domain.Subscription{Plan: domain.Plan{ID: "pro", MaxConcurrent: 3}})
	time.Sleep(60 * time.Millisecond)
	if got := r.Resolve(ctx, "s1"); got.ID != "pro" {
		t.Fatalf("expected billing to be asked again, got %+v", got)
	}
}

func TestResolver_SlowBillingIsBounded(t *testing.T) {
	r := newTestResolver(t, slowBilling{}, WithBillingTimeout(10*time.Millisecond))
	start := time.Now()
	if got := r.Resolve(context.Background(), "s1"); got != fallbackPlan {
		t.Fatalf("expected fallback, got %+v", got)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("resolve must not wait for a slow billing service")
	}
}

type slowBilling struct{}

func (slowBilling) Subscription(ctx context.Context, _ domain.StoreID) (domain.Subscription, error) {
	select {
	case <-ctx.Done():
		return domain.Subscription{}, ctx.Err()
	case <-time.After(5 * time.Second):
		return domain.Subscription{}, nil
	}
}

func TestNewResolver_RejectsInvalidFallback(t *testing.T) {
	if _, err := NewResolver(nil, domain.Plan{}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration_error, got %v", err)
	}
}
