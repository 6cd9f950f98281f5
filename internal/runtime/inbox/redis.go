package inbox

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drblury/tenantbus/internal/runtime/jsoncodec"
)

const defaultRedisPrefix = "inbox:"

// RedisStore keeps records as keys with a retention TTL. Redeliveries older
// than the TTL are processed again.
type RedisStore struct {
	rc     redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore stores records in rc for ttl. A zero ttl keeps them forever.
func NewRedisStore(rc redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{rc: rc, prefix: defaultRedisPrefix, ttl: ttl}
}

// WithPrefix namespaces the keys.
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	cp := *s
	cp.prefix = prefix
	return &cp
}

func (s *RedisStore) key(consumer, eventID string) string {
	return s.prefix + consumer + ":" + eventID
}

func (s *RedisStore) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	n, err := s.rc.Exists(ctx, s.key(consumer, eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Mark(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	body, err := jsoncodec.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rc.SetNX(ctx, s.key(rec.Consumer, rec.EventID), body, s.ttl).Err()
}
