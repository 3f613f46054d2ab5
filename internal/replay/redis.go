package replay

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Protector guards against processing duplicate deliveries within a TTL.
type Protector interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Redis implements Protector using Redis SETNX semantics. A nil client
// degrades to a no-op so the guard can stay optional in deployments without
// Redis.
type Redis struct {
	Client *redis.Client
}

// Acquire attempts to claim the key for the provided TTL.
func (r Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if r.Client == nil {
		return true, nil
	}
	return r.Client.SetNX(ctx, key, "1", ttl).Result()
}

// Release removes the replay guard key.
func (r Redis) Release(ctx context.Context, key string) error {
	if r.Client == nil {
		return nil
	}
	return r.Client.Del(ctx, key).Err()
}
