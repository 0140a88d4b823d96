// Package lock serializes deployments of the same profile through redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"webdeploy/pkg/logger"
)

var ErrLocked = errors.New("deployment already in progress")

const keyPrefix = "webdeploy:lock:"

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another run is left alone.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Client is the subset of *redis.Client the lock needs.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type RedisLocker struct {
	client Client
	ttl    time.Duration
	logger *logger.Logger
}

func NewRedisLocker(client Client, ttl time.Duration, log *logger.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisLocker{client: client, ttl: ttl, logger: logger.OrDefault(log)}
}

// Acquire takes the lock for key. It fails fast with ErrLocked when another
// run holds it.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lockKey := keyPrefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", lockKey, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}

	l.logger.Debug("run lock acquired", map[string]any{
		"key": lockKey,
		"ttl": l.ttl.String(),
	})

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		n, err := l.client.Eval(ctx, releaseScript, []string{lockKey}, token).Int64()
		if err != nil {
			l.logger.Error("failed to release run lock", err, map[string]any{"key": lockKey})
			return
		}
		if n == 0 {
			l.logger.Warn("run lock expired before release", map[string]any{"key": lockKey})
		}
	}, nil
}
