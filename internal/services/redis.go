package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OmChillure/aigen/internal/models"
	"github.com/redis/go-redis/v9"
)

// Redis implements the UsageStore interface on a Redis server, so several server instances can share the
// same quota state.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to the Redis server at addr and verifies it answers. Keys are namespaced with prefix.
func NewRedis(ctx context.Context, addr, prefix string) (Redis, error) {
	if strings.TrimSpace(addr) == "" {
		return Redis{}, errors.New("redis address is empty")
	}
	if prefix == "" {
		prefix = "aigen"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return Redis{}, fmt.Errorf("ping redis: %w", err)
	}

	return Redis{client: client, prefix: prefix}, nil
}

func (r Redis) usageKey(userID string) string {
	return r.prefix + ":usage:" + userID
}

func (r Redis) proKey(userID string) string {
	return r.prefix + ":pro:" + userID
}

// Close closes the underlying client.
func (r Redis) Close() error {
	return r.client.Close()
}

// Usage returns the generation count and subscription state of userID.
func (r Redis) Usage(ctx context.Context, userID string) (models.Usage, error) {
	count, err := r.client.Get(ctx, r.usageKey(userID)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return models.Usage{}, fmt.Errorf("get usage: %w", err)
	}

	pro, err := r.client.Exists(ctx, r.proKey(userID)).Result()
	if err != nil {
		return models.Usage{}, fmt.Errorf("get subscription: %w", err)
	}

	return models.Usage{Count: count, Pro: pro > 0}, nil
}

// releaseScript decrements a usage counter without taking it below zero.
var releaseScript = redis.NewScript(`
if tonumber(redis.call("GET", KEYS[1]) or "0") > 0 then
	return redis.call("DECR", KEYS[1])
end
return 0
`)

// Reserve claims one generation for userID unless a non-pro user has already used limit of them. The
// counter is incremented first and rolled back when it passes the limit, so concurrent callers across
// server instances cannot overshoot it. Pro users are granted without being counted.
func (r Redis) Reserve(ctx context.Context, userID string, limit int) (models.Usage, bool, error) {
	pro, err := r.client.Exists(ctx, r.proKey(userID)).Result()
	if err != nil {
		return models.Usage{}, false, fmt.Errorf("get subscription: %w", err)
	}
	if pro > 0 {
		count, err := r.client.Get(ctx, r.usageKey(userID)).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return models.Usage{}, false, fmt.Errorf("get usage: %w", err)
		}
		return models.Usage{Count: count, Pro: true}, true, nil
	}

	count, err := r.client.Incr(ctx, r.usageKey(userID)).Result()
	if err != nil {
		return models.Usage{}, false, fmt.Errorf("incr usage: %w", err)
	}
	if int(count) > limit {
		if err := r.client.Decr(ctx, r.usageKey(userID)).Err(); err != nil {
			return models.Usage{}, false, fmt.Errorf("decr usage: %w", err)
		}
		return models.Usage{Count: int(count) - 1}, false, nil
	}
	return models.Usage{Count: int(count)}, true, nil
}

// Release gives back one generation claimed by Reserve.
func (r Redis) Release(ctx context.Context, userID string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.usageKey(userID)}).Err(); err != nil {
		return fmt.Errorf("release usage: %w", err)
	}
	return nil
}

// SetPro marks or unmarks userID as a subscribed user.
func (r Redis) SetPro(ctx context.Context, userID string, pro bool) error {
	var err error
	if pro {
		err = r.client.Set(ctx, r.proKey(userID), 1, 0).Err()
	} else {
		err = r.client.Del(ctx, r.proKey(userID)).Err()
	}
	if err != nil {
		return fmt.Errorf("set subscription: %w", err)
	}
	return nil
}
