package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow is a sliding window backed by a Redis sorted set, so several
// engine processes share one rate limit. Each request is a member scored
// by its timestamp; out-of-window members are trimmed on every check.
type RedisWindow struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedisWindow creates a distributed window. prefix defaults to
// "toolexec" when empty.
func NewRedisWindow(client *redis.Client, prefix string, limit int, window time.Duration) *RedisWindow {
	if prefix == "" {
		prefix = "toolexec"
	}
	return &RedisWindow{client: client, prefix: prefix, limit: limit, window: window}
}

func (rw *RedisWindow) Allow(key string) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := time.Now()
	redisKey := rw.prefix + ":ratelimit:" + key
	cutoff := now.Add(-rw.window)

	pipe := rw.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}

	if countCmd.Val() >= int64(rw.limit) {
		retryAfter := rw.window
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			oldestAt := time.Unix(0, int64(oldest[0].Score))
			retryAfter = time.Until(oldestAt.Add(rw.window))
		}
		if retryAfter < time.Millisecond {
			retryAfter = time.Millisecond
		}
		return false, retryAfter, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10)
	add := rw.client.TxPipeline()
	add.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	add.Expire(ctx, redisKey, rw.window*2)
	if _, err := add.Exec(ctx); err != nil {
		return false, 0, err
	}
	return true, 0, nil
}
