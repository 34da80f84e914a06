package infra

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callgate/admission/domain"
)

func TestStoreLanes_DoSerializesPerStore(t *testing.T) {
	lanes := NewStoreLanes(WithLaneCleanupEvery(0))

	// contador sem lock: só é correto se os jobs forem serializados
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = lanes.Do(context.Background(), "s1", func(*domain.StoreQueueState) error {
				v := counter
				time.Sleep(time.Microsecond)
				counter = v + 1
				return nil
			})
		}()
	}
	wg.Wait()

	if counter != 200 {
		t.Fatalf("expected 200 serialized increments, got %d", counter)
	}
}

func TestStoreLanes_StoresAreIndependent(t *testing.T) {
	lanes := NewStoreLanes(WithLaneCleanupEvery(0))

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = lanes.Do(context.Background(), "slow", func(*domain.StoreQueueState) error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := lanes.Do(ctx, "fast", func(*domain.StoreQueueState) error { return nil }); err != nil {
		t.Fatalf("expected other store not to be blocked, got %v", err)
	}
	close(block)
}

func TestStoreLanes_PeekUnknownStoreIsNotFound(t *testing.T) {
	lanes := NewStoreLanes(WithLaneCleanupEvery(0))

	err := lanes.Peek(context.Background(), "nope", func(*domain.StoreQueueState) error { return nil })
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if len(lanes.Stores()) != 0 {
		t.Fatalf("expected Peek not to create a lane")
	}
}

func TestStoreLanes_FnErrorIsReturned(t *testing.T) {
	lanes := NewStoreLanes(WithLaneCleanupEvery(0))
	want := errors.New("boom")

	if err := lanes.Do(context.Background(), "s1", func(*domain.StoreQueueState) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected fn error, got %v", err)
	}
}

func TestStoreLanes_PanicBecomesStateInconsistency(t *testing.T) {
	lanes := NewStoreLanes(WithLaneCleanupEvery(0))

	err := lanes.Do(context.Background(), "s1", func(*domain.StoreQueueState) error { panic("bad") })
	if !errors.Is(err, domain.ErrStateInconsistency) {
		t.Fatalf("expected state_inconsistency, got %v", err)
	}
	// a lane continua viva
	if err := lanes.Do(context.Background(), "s1", func(*domain.StoreQueueState) error { return nil }); err != nil {
		t.Fatalf("expected lane to survive panic, got %v", err)
	}
}

func TestStoreLanes_BusyLaneHonoursContextBeforeAccept(t *testing.T) {
	lanes := NewStoreLanes(WithLaneCleanupEvery(0), WithLaneBuffer(0))

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = lanes.Do(context.Background(), "s1", func(*domain.StoreQueueState) error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := lanes.Do(ctx, "s1", func(*domain.StoreQueueState) error { ran = true; return nil })
	close(block)

	if !errors.Is(err, domain.ErrStateInconsistency) {
		t.Fatalf("expected state_inconsistency, got %v", err)
	}
	if ran {
		t.Fatalf("expected job not to run after deadline")
	}
}

func TestStoreLanes_ReadGivesUpAfterAccept(t *testing.T) {
	lanes := NewStoreLanes(WithLaneCleanupEvery(0))

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = lanes.Do(context.Background(), "s1", func(*domain.StoreQueueState) error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	// buffer livre: o job é aceito, mas a lane segue ocupada
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := make(chan struct{}, 1)
	begin := time.Now()
	err := lanes.Read(ctx, "s1", func(*domain.StoreQueueState) error {
		ran <- struct{}{}
		return nil
	})
	if !errors.Is(err, domain.ErrStateInconsistency) {
		t.Fatalf("expected state_inconsistency, got %v", err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("read waited for the busy lane: %v", elapsed)
	}

	close(block)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("accepted read job never ran")
	}
}

func TestStoreLanes_ReadUnknownStoreIsNotFound(t *testing.T) {
	lanes := NewStoreLanes(WithLaneCleanupEvery(0))
	err := lanes.Read(context.Background(), "nope", func(*domain.StoreQueueState) error { return nil })
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestStoreLanes_CleanupEvictsIdleLanesAndForgetsEnded(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	lanes := NewStoreLanes(WithLaneCleanupEvery(0), WithLaneIdleTTL(time.Minute), WithLaneClock(clock))

	_ = lanes.Do(context.Background(), "idle", func(st *domain.StoreQueueState) error {
		st.Terminate("c-old", domain.CallActive, domain.EndHangup, now)
		return nil
	})
	lanes.Bind("c-old", "idle")
	_ = lanes.Do(context.Background(), "busy", func(st *domain.StoreQueueState) error {
		st.SetPlan(domain.Plan{ID: "p", MaxConcurrent: 1})
		st.Admit(domain.CallRef{ID: "c-live"}, now, now)
		return nil
	})

	now = now.Add(2 * time.Minute)
	lanes.Cleanup()

	stores := lanes.Stores()
	if len(stores) != 1 || stores[0] != "busy" {
		t.Fatalf("expected only busy lane to survive, got %v", stores)
	}
	if _, ok := lanes.Locate("c-old"); ok {
		t.Fatalf("expected ended call to be forgotten with its lane")
	}
}
