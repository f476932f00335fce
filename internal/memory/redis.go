package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps entries in Redis with a native expiry matching the TTL.
// Reads still apply the LastActivity check, since an entry's activity time
// can predate the moment it was written.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: normalizeTTL(ttl), now: time.Now}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// Unreadable values are treated as absent and dropped.
		_ = s.client.Del(ctx, key).Err()
		return nil, nil
	}

	if expired(entry, s.now(), s.ttl) {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return nil, fmt.Errorf("redis delete expired %s: %w", key, err)
		}
		return nil, nil
	}
	return &entry, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, entry Entry) error {
	if err := validate(key, entry); err != nil {
		return err
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode memory entry: %w", err)
	}

	remaining := s.ttl - s.now().Sub(entry.LastActivity)
	if remaining <= 0 {
		return s.Delete(ctx, key)
	}
	if remaining > s.ttl {
		remaining = s.ttl
	}
	if err := s.client.Set(ctx, key, raw, remaining).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}
