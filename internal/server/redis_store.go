package server

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// redisCounterStore implements the fixed-window creation counter on Redis so
// every gateway instance sees the same per-IP totals. The window key expires
// natively; TTL supplies the retry hint once the caller is over the limit.
type redisCounterStore struct {
	client  *redis.Client
	timeout time.Duration
}

func newRedisCounterStore(addr, username, password string, timeout time.Duration) *redisCounterStore {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     username,
		Password:     password,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   2,
	})
	return &redisCounterStore{client: client, timeout: timeout}
}

func (s *redisCounterStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		return false, window, nil
	}
	return false, ttl, nil
}

func (s *redisCounterStore) Close() error {
	return s.client.Close()
}
