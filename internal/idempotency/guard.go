// Package idempotency remembers client-supplied keys so retried saves are
// written once.
package idempotency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "idempotency:save:"
	keyTTL    = 24 * time.Hour
)

// Guard claims keys. Claim returns false when the key was already claimed.
type Guard interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisGuard implements Guard with SETNX and a 24h expiry
type RedisGuard struct {
	client *redis.Client
}

var _ Guard = (*RedisGuard)(nil)

// NewRedisGuard wraps an existing client
func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client}
}

// Dial connects to Redis at addr and checks the connection
func Dial(ctx context.Context, addr string) (*RedisGuard, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return NewRedisGuard(client), nil
}

// Claim records the key if it is new
func (g *RedisGuard) Claim(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("idempotency key is required")
	}
	ok, err := g.client.SetNX(ctx, keyPrefix+key, 1, keyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claiming idempotency key: %w", err)
	}
	return ok, nil
}

// Release forgets a key so a failed save can be retried
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, keyPrefix+strings.TrimSpace(key)).Err(); err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (g *RedisGuard) Close() error {
	return g.client.Close()
}
