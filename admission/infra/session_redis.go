package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"callgate/admission/domain"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore guarda a sessão de cada chamada como JSON com TTL.
// Todo Put renova o TTL; chamada sem renovação expira sozinha.
type RedisSessionStore struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

type RedisSessionOption func(*RedisSessionStore)

func WithSessionPrefix(prefix string) RedisSessionOption {
	return func(s *RedisSessionStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithSessionTTL(d time.Duration) RedisSessionOption {
	return func(s *RedisSessionStore) { s.ttl = d }
}

func NewRedisSessionStore(rdb redis.Cmdable, opts ...RedisSessionOption) *RedisSessionStore {
	s := &RedisSessionStore{
		rdb:    rdb,
		prefix: "callgate:session",
		ttl:    2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisSessionStore) key(id domain.CallID) string {
	return s.prefix + ":" + string(id)
}

func (s *RedisSessionStore) Put(ctx context.Context, sess domain.Session) error {
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(sess.Call.CallID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set session %s: %w", sess.Call.CallID, err)
	}
	return nil
}

func (s *RedisSessionStore) Get(ctx context.Context, id domain.CallID) (domain.Session, error) {
	raw, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, domain.NewError(domain.CodeNotFound, "session %s not found", id)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("redis get session %s: %w", id, err)
	}
	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return domain.Session{}, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return sess, nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, id domain.CallID) error {
	if err := s.rdb.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis del session %s: %w", id, err)
	}
	return nil
}
