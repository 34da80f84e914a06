package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"callgate/admission/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Só renova/libera se o valor ainda for o nosso token.
var (
	leaseRenewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	leaseReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLease garante um único processo dono do estado das lojas.
type RedisLease struct {
	rdb    leaseClient
	key    string
	token  string
	ttl    time.Duration
	logger *slog.Logger
}

type leaseClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

func NewRedisLease(rdb leaseClient, key string, ttl time.Duration, logger *slog.Logger) *RedisLease {
	if key == "" {
		key = "callgate:owner"
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLease{rdb: rdb, key: key, token: uuid.NewString(), ttl: ttl, logger: logger}
}

func (l *RedisLease) Token() string { return l.token }

// Acquire falha com CodeConfiguration se outro processo já é dono.
func (l *RedisLease) Acquire(ctx context.Context) error {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return domain.NewError(domain.CodeConfiguration, "lease %s is held by another process", l.key)
	}
	return nil
}

// Renew devolve false quando o lease não é mais nosso.
func (l *RedisLease) Renew(ctx context.Context) (bool, error) {
	n, err := leaseRenewScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", l.key, err)
	}
	return n == 1, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	if err := leaseReleaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

// Keep renova a cada ttl/3 até ctx terminar. Se o lease for perdido (ou não
// puder ser renovado antes de expirar) chama onLost uma vez e para.
func (l *RedisLease) Keep(ctx context.Context, onLost func()) {
	every := l.ttl / 3
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		lastOK := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				ok, err := l.Renew(ctx)
				if err != nil {
					l.logger.Warn("lease renew failed", "key", l.key, "error", err)
					if time.Since(lastOK) < l.ttl {
						continue
					}
				}
				if ok {
					lastOK = time.Now()
					continue
				}
				l.logger.Error("lease lost", "key", l.key)
				if onLost != nil {
					onLost()
				}
				return
			}
		}
	}()
}
