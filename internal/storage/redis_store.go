package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/examsession"
)

// RedisStore keeps session snapshots as plain string keys with a TTL so
// abandoned attempts expire on their own.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore creates a RedisStore. A zero ttl keeps snapshots forever.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// Get returns the snapshot of an attempt.
func (s *RedisStore) Get(ctx context.Context, key examsession.AttemptKey) ([]byte, error) {
	val, err := s.rdb.Get(ctx, snapshotKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, examsession.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get snapshot: %w", err)
	}
	return val, nil
}

// Set overwrites the snapshot and refreshes its TTL.
func (s *RedisStore) Set(ctx context.Context, key examsession.AttemptKey, value []byte) error {
	if err := s.rdb.Set(ctx, snapshotKey(key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set snapshot: %w", err)
	}
	return nil
}

// Remove deletes the snapshot. Missing keys are not an error.
func (s *RedisStore) Remove(ctx context.Context, key examsession.AttemptKey) error {
	if err := s.rdb.Del(ctx, snapshotKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del snapshot: %w", err)
	}
	return nil
}

func snapshotKey(key examsession.AttemptKey) string {
	return config.CacheKey.SessionSnapshotKey(key.StudentID, key.SessionID)
}
