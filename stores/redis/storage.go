// Package redis provides a Redis-backed token storage for tokenkeeper, for
// several client processes that share one session.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Storage stores each value under prefix + ":" + key
type Storage struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewStorage creates a storage. A ttl of 0 keeps values until deleted.
func NewStorage(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Storage {
	if prefix == "" {
		prefix = "tokenkeeper"
	}
	return &Storage{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *Storage) redisKey(key string) string {
	return s.prefix + ":" + key
}

// Load implements tokenkeeper.Storage
func (s *Storage) Load(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, s.redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// Save implements tokenkeeper.Storage
func (s *Storage) Save(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, s.redisKey(key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete implements tokenkeeper.Storage
func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
