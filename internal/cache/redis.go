package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"thunderstorm.io/auth/internal/obs"
)

// RedisClient is the subset of go-redis used by the Redis backend.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Redis shares the membership cache between service instances.
type Redis struct {
	client RedisClient
	ttl    time.Duration
}

// NewRedis returns a backend storing entries in client for ttl, DefaultTTL
// when ttl is not positive.
func NewRedis(client RedisClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// DialRedis connects to the Redis server at addr.
func DialRedis(ctx context.Context, addr string, ttl time.Duration) (*Redis, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedis(client, ttl), client, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]string, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		obs.ObserveCache(false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var roles []string
	if err := json.Unmarshal(raw, &roles); err != nil {
		return nil, false, fmt.Errorf("decode cached roles %s: %w", key, err)
	}
	obs.ObserveCache(true)
	if roles == nil {
		roles = []string{}
	}
	return roles, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, roles []string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.ttl
	}
	if roles == nil {
		roles = []string{}
	}
	raw, err := json.Marshal(roles)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}
