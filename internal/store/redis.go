package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fila-client/internal/storage"
)

// redisStore implements Store on Redis. Keys carry a native TTL, so an
// expired item disappears without a purge.
type redisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ storage.Backend = (*redisStore)(nil)

type redisItem struct {
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// NewRedisStore creates a Redis-backed store whose keys live under prefix.
func NewRedisStore(client *redis.Client, prefix string) Store {
	return &redisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *redisStore) key(key string) string {
	return s.prefix + key
}

// Get loads one item. An item whose recorded expiry has passed is deleted.
func (s *redisStore) Get(ctx context.Context, key string) (storage.Item, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return storage.Item{}, false, nil
	}
	if err != nil {
		return storage.Item{}, false, fmt.Errorf("failed to read storage item %q: %w", key, err)
	}

	var row redisItem
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return storage.Item{}, false, fmt.Errorf("failed to decode storage item %q: %w", key, err)
	}
	item := storage.Item{Value: row.Value}
	if row.ExpiresAt != nil {
		item.ExpiresAt = *row.ExpiresAt
	}
	if item.Expired(s.now()) {
		if err := s.Remove(ctx, key); err != nil {
			return storage.Item{}, false, err
		}
		return storage.Item{}, false, nil
	}
	return item, true, nil
}

// Set writes one item with a TTL matching its expiry. Writing an already
// expired item removes the key instead.
func (s *redisStore) Set(ctx context.Context, key, value string, expiresAt time.Time) error {
	row := redisItem{Value: value}
	var ttl time.Duration
	if !expiresAt.IsZero() {
		ttl = expiresAt.Sub(s.now())
		if ttl <= 0 {
			return s.Remove(ctx, key)
		}
		at := expiresAt.UTC()
		row.ExpiresAt = &at
	}

	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to encode storage item %q: %w", key, err)
	}
	if err := s.client.Set(ctx, s.key(key), string(payload), ttl).Err(); err != nil {
		return fmt.Errorf("failed to write storage item %q: %w", key, err)
	}
	return nil
}

// Remove deletes one item. Removing a missing key is not an error.
func (s *redisStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete storage item %q: %w", key, err)
	}
	return nil
}

// PurgeExpired is a no-op: Redis evicts expired keys itself.
func (s *redisStore) PurgeExpired(ctx context.Context) (int64, error) {
	return 0, nil
}
