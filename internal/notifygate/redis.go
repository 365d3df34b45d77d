// Package notifygate implements reconcile.NotificationGate on redis and in memory.
package notifygate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Errors returned while connecting to redis.
var (
	ErrInvalidRedisURL = errors.New("invalid redis url")
	ErrRedisNotReady   = errors.New("redis not ready")
)

const (
	defaultKeyPrefix      = "creditmeter:"
	defaultConnectTimeout = 10 * time.Second
	defaultRetryAttempts  = 3
	defaultRetryInterval  = 500 * time.Millisecond
)

// RedisGate marks notification keys with SET NX and an expiry.
type RedisGate struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisGate wraps an existing client.
func NewRedisGate(client redis.UniversalClient, keyPrefix string) *RedisGate {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisGate{client: client, keyPrefix: keyPrefix}
}

// Acquire returns true when the key was not held.
func (gate *RedisGate) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	acquired, err := gate.client.SetNX(ctx, gate.keyPrefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("notifygate.acquire: %w", err)
	}
	return acquired, nil
}

// Release drops the key so the next delivery is processed.
func (gate *RedisGate) Release(ctx context.Context, key string) error {
	if err := gate.client.Del(ctx, gate.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("notifygate.release: %w", err)
	}
	return nil
}

// Connect parses a redis url and pings until the server answers or the
// attempts run out.
func Connect(ctx context.Context, connectionURL string) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	options, err := redis.ParseURL(connectionURL)
	if err != nil {
		return nil, errors.Join(ErrInvalidRedisURL, err)
	}
	for attempt := 0; attempt < defaultRetryAttempts; attempt++ {
		client := redis.NewClient(options)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(defaultRetryInterval):
		}
	}
	return nil, ErrRedisNotReady
}
