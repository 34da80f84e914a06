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
	"callgate/admission/infra"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// staticPlans resolve pelo mapa; loja ausente recebe o fallback.
type staticPlans struct {
	mu          sync.Mutex
	plans       map[domain.StoreID]domain.Plan
	fallback    domain.Plan
	invalidated []domain.StoreID
	purged      int
}

func newStaticPlans(plans map[domain.StoreID]domain.Plan) *staticPlans {
	return &staticPlans{plans: plans, fallback: domain.Plan{ID: "fallback", MaxConcurrent: 1}}
}

func (p *staticPlans) Resolve(_ context.Context, id domain.StoreID) domain.Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	if plan, ok := p.plans[id]; ok {
		return plan
	}
	return p.fallback
}

func (p *staticPlans) Set(id domain.StoreID, plan domain.Plan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plans[id] = plan
}

func (p *staticPlans) Invalidate(id domain.StoreID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidated = append(p.invalidated, id)
}

func (p *staticPlans) InvalidateAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purged++
}

// fakeTelephony registra as ações; falhas configuráveis por chamada.
type fakeTelephony struct {
	mu         sync.Mutex
	hangups    []domain.CallID
	connects   []domain.CallID
	bridges    map[domain.CallID]string
	failHangup map[domain.CallID]bool
	failConn   map[domain.CallID]bool
}

func newFakeTelephony() *fakeTelephony {
	return &fakeTelephony{
		bridges:    map[domain.CallID]string{},
		failHangup: map[domain.CallID]bool{},
		failConn:   map[domain.CallID]bool{},
	}
}

var errCarrier = errors.New("carrier unavailable")

func (f *fakeTelephony) Hangup(_ context.Context, call domain.CallRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHangup[call.ID] {
		return domain.WrapError(domain.CodeProvider, "hangup", errCarrier)
	}
	f.hangups = append(f.hangups, call.ID)
	return nil
}

func (f *fakeTelephony) Connect(_ context.Context, call domain.CallRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConn[call.ID] {
		return errCarrier
	}
	f.connects = append(f.connects, call.ID)
	return nil
}

func (f *fakeTelephony) Bridge(_ context.Context, call domain.CallRef, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHangup[call.ID] {
		return errCarrier
	}
	f.bridges[call.ID] = target
	return nil
}

func (f *fakeTelephony) Hangups() []domain.CallID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.CallID(nil), f.hangups...)
}

func (f *fakeTelephony) Connects() []domain.CallID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.CallID(nil), f.connects...)
}

// flakySessions falha Put enquanto failPut estiver ligado.
type flakySessions struct {
	domain.SessionStore
	mu      sync.Mutex
	failPut bool
}

func (f *flakySessions) SetFailPut(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPut = v
}

func (f *flakySessions) Put(ctx context.Context, s domain.Session) error {
	f.mu.Lock()
	fail := f.failPut
	f.mu.Unlock()
	if fail {
		return errors.New("redis: connection refused")
	}
	return f.SessionStore.Put(ctx, s)
}

type captureRecords struct {
	mu   sync.Mutex
	recs []domain.CallRecord
}

func (c *captureRecords) Record(_ context.Context, r domain.CallRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, r)
	return nil
}

func (c *captureRecords) Kinds(id domain.CallID) []domain.RecordKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.RecordKind
	for _, r := range c.recs {
		if r.CallID == id {
			out = append(out, r.Kind)
		}
	}
	return out
}

type harness struct {
	ctrl     *Controller
	lanes    *infra.StoreLanes
	plans    *staticPlans
	sessions *flakySessions
	mem      *infra.MemorySessionStore
	tel      *fakeTelephony
	records  *captureRecords
	clock    *testClock
}

func newHarness(t *testing.T, plans map[domain.StoreID]domain.Plan) *harness {
	t.Helper()
	clock := newTestClock()
	mem := infra.NewMemorySessionStore(2 * time.Minute).WithClock(clock.Now)
	h := &harness{
		lanes:    infra.NewStoreLanes(infra.WithLaneClock(clock.Now), infra.WithDefaultHandleTime(3*time.Minute)),
		plans:    newStaticPlans(plans),
		sessions: &flakySessions{SessionStore: mem},
		mem:      mem,
		tel:      newFakeTelephony(),
		records:  &captureRecords{},
		clock:    clock,
	}
	h.ctrl = &Controller{
		Lanes:     h.lanes,
		Plans:     h.plans,
		Sessions:  h.sessions,
		Telephony: h.tel,
		Records:   h.records,
		Stats:     infra.NewMemoryStatsStore(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       clock.Now,
	}
	return h
}

func (h *harness) start(t *testing.T, store domain.StoreID, call domain.CallID) domain.Decision {
	t.Helper()
	dec, err := h.ctrl.Request(context.Background(), domain.CallStarted{CallID: call, StoreID: store, ExternalCallID: "ext-" + string(call)})
	if err != nil {
		t.Fatalf("request %s: %v", call, err)
	}
	return dec
}

func (h *harness) end(t *testing.T, call domain.CallID) {
	t.Helper()
	if err := h.ctrl.End(context.Background(), domain.CallEnded{CallID: call}); err != nil {
		t.Fatalf("end %s: %v", call, err)
	}
}

func (h *harness) snapshot(t *testing.T, store domain.StoreID) domain.StoreSnapshot {
	t.Helper()
	snap, err := LaneSnapshots{Lanes: h.lanes}.Snapshot(context.Background(), store)
	if err != nil {
		t.Fatalf("snapshot %s: %v", store, err)
	}
	return snap
}

func (h *harness) lookup(t *testing.T, store domain.StoreID, call domain.CallID) domain.CallState {
	t.Helper()
	var state domain.CallState
	err := h.lanes.Peek(context.Background(), store, func(st *domain.StoreQueueState) error {
		state = st.Lookup(call)
		return nil
	})
	if err != nil {
		t.Fatalf("lookup %s: %v", call, err)
	}
	return state
}

func activeIDs(s domain.StoreSnapshot) []domain.CallID {
	out := make([]domain.CallID, 0, len(s.Active))
	for _, a := range s.Active {
		out = append(out, a.Ref.ID)
	}
	return out
}

func queueIDs(s domain.StoreSnapshot) []domain.CallID {
	out := make([]domain.CallID, 0, len(s.Queue))
	for _, e := range s.Queue {
		out = append(out, e.Ref.ID)
	}
	return out
}

func sameIDs(a, b []domain.CallID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
