package clients

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/proxylab/hproxy/config"
)

// NewRedisClient builds a redis client from the cache configuration and
// verifies connectivity.
func NewRedisClient(cfg config.RedisCacheConfig) (redis.UniversalClient, error) {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addresses,
		Username: cfg.Username,
		Password: cfg.Password,
	})

	if err := r.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	return r, nil
}
