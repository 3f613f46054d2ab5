package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter bounds how often one client may hit the public order endpoint. It
// counts events in a redis sorted set that slides over Window. A nil client
// or a non-positive Max/Window disables enforcement.
type Limiter struct {
	Client *redis.Client
	Prefix string
	Window time.Duration
	Max    int
}

// Decision is the outcome of admitting one event against the limit.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Allow records an event for key and decides whether it stays within Max.
func (l Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l.Client == nil || l.Max <= 0 || l.Window <= 0 {
		return Decision{Allowed: true, Remaining: l.Max, ResetAt: time.Now().Add(l.Window)}, nil
	}

	now := time.Now()
	decision := Decision{ResetAt: now.Add(l.Window)}
	cutoff := float64(now.Add(-l.Window).UnixNano())

	redisKey := l.Prefix + key
	member := fmt.Sprintf("%s:%s", key, uuid.NewString())

	pipe := l.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", fmt.Sprintf("%f", cutoff))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return decision, err
	}

	current := int(countCmd.Val())
	decision.Allowed = current <= l.Max
	if remaining := l.Max - current; remaining > 0 {
		decision.Remaining = remaining
	}
	return decision, nil
}
