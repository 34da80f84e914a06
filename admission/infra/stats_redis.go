package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"callgate/admission/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore grava contadores de admissão em hashes do Redis:
//
//	<prefix>:total                  kind -> n (cumulativo, não expira)
//	<prefix>:minute:<yyyymmddhhmm>  kind -> n
//	<prefix>:store:<storeID>        kind -> n
//	<prefix>:reason                 "<kind>:<reason>" -> n
type RedisStatsStore struct {
	rdb redis.Cmdable

	prefix string
	// ttl aplica apenas em chaves de série temporal / por loja.
	ttl time.Duration

	bucket string // "minute" (padrão) ou "none"

	trackStores bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithStatsTrackStores(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackStores = track }
}

func NewRedisStatsStore(rdb redis.Cmdable, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:         rdb,
		prefix:      "callgate:stats",
		ttl:         24 * time.Hour,
		bucket:      "minute",
		trackStores: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := string(ev.Kind)

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	if s.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	if reason := strings.TrimSpace(ev.Reason); reason != "" {
		pipe.HIncrBy(ctx, s.prefix+":reason", field+":"+reason, 1)
	}

	if s.trackStores {
		if id := strings.TrimSpace(string(ev.StoreID)); id != "" {
			storeKey := s.prefix + ":store:" + id
			pipe.HIncrBy(ctx, storeKey, field, 1)
			if s.ttl > 0 {
				pipe.Expire(ctx, storeKey, s.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Totals lê o hash cumulativo.
func (s *RedisStatsStore) Totals(ctx context.Context) (Counters, error) {
	raw, err := s.rdb.HGetAll(ctx, s.prefix+":total").Result()
	if err != nil {
		return nil, err
	}
	out := make(Counters, len(raw))
	for k, v := range raw {
		var n int64
		if _, err := fmt.Sscan(v, &n); err != nil {
			return nil, fmt.Errorf("parse counter %s: %w", k, err)
		}
		out[domain.RecordKind(k)] = n
	}
	return out, nil
}
