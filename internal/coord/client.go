// Package coord provides the Redis-backed coordination primitives shared by
// workers: distributed locks with TTL expiry and chord completion tracking.
//
// All state lives in Redis so that any worker process can participate; the
// package holds no in-memory coordination state of its own.
package coord

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/buildlens/buildlens/internal/config"
)

// NewClient constructs a Redis client from configuration.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Ping verifies connectivity to the coordination store.
func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping coordination store: %w", err)
	}
	return nil
}
