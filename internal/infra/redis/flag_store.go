package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// FlagStore is a Redis-backed kv.Store used to persist flagged-question
// indices under their session-scoped keys so they survive a page reload.
type FlagStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewFlagStore(client *redis.Client, ttl time.Duration) *FlagStore {
	return &FlagStore{client: client, ttl: ttl}
}

func (s *FlagStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *FlagStore) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, key, value, s.ttl).Err()
}

func (s *FlagStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}
