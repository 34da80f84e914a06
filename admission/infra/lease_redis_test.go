package infra

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"callgate/admission/domain"

	"github.com/redis/go-redis/v9"
)

// Roda só com um Redis de verdade: CALLGATE_TEST_REDIS_ADDR=localhost:6379
func TestRedisLease_SingleOwner(t *testing.T) {
	addr := os.Getenv("CALLGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CALLGATE_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = rdb.Close() }()

	ctx := context.Background()
	key := "callgate:test:owner"
	_ = rdb.Del(ctx, key).Err()

	a := NewRedisLease(rdb, key, 2*time.Second, discardLogger())
	b := NewRedisLease(rdb, key, 2*time.Second, discardLogger())

	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("a acquire: %v", err)
	}
	if err := b.Acquire(ctx); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration_error for second owner, got %v", err)
	}
	if ok, err := b.Renew(ctx); err != nil || ok {
		t.Fatalf("b must not renew a's lease (ok=%v err=%v)", ok, err)
	}
	if ok, err := a.Renew(ctx); err != nil || !ok {
		t.Fatalf("a renew: ok=%v err=%v", ok, err)
	}

	// b não pode liberar o lease de a
	_ = b.Release(ctx)
	if got, _ := rdb.Get(ctx, key).Result(); got != a.Token() {
		t.Fatalf("lease should still belong to a")
	}

	_ = a.Release(ctx)
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("b acquire after release: %v", err)
	}
	_ = b.Release(ctx)
}
