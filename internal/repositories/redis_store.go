package repositories

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each snapshot under its own key.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a RedisStore; keys are prefix + collection.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Load reads the snapshot for collection.
func (s *RedisStore) Load(ctx context.Context, collection string) ([]byte, error) {
	body, err := s.client.Get(ctx, s.prefix+collection).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSnapshotNotFound
	}
	return body, err
}

// Save overwrites the snapshot for collection.
func (s *RedisStore) Save(ctx context.Context, collection string, body []byte) error {
	return s.client.Set(ctx, s.prefix+collection, body, 0).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
