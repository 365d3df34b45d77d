package notifygate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type steppingClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (clock *steppingClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *steppingClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(duration)
}

func TestMemoryGateAcquireReleaseAndExpiry(test *testing.T) {
	test.Parallel()
	clock := &steppingClock{now: time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)}
	gate := NewMemoryGate(clock.Now)
	ctx := context.Background()

	acquired, err := gate.Acquire(ctx, "notification:1", time.Minute)
	if err != nil || !acquired {
		test.Fatalf("expected first acquire, got %v (%v)", acquired, err)
	}
	acquired, err = gate.Acquire(ctx, "notification:1", time.Minute)
	if err != nil || acquired {
		test.Fatalf("expected duplicate to be rejected, got %v (%v)", acquired, err)
	}
	if err := gate.Release(ctx, "notification:1"); err != nil {
		test.Fatalf("release: %v", err)
	}
	if acquired, _ := gate.Acquire(ctx, "notification:1", time.Minute); !acquired {
		test.Fatalf("expected acquire after release")
	}
	clock.Advance(time.Minute)
	if acquired, _ := gate.Acquire(ctx, "notification:1", time.Minute); !acquired {
		test.Fatalf("expected acquire after ttl")
	}
}

func TestMemoryGateSweepsExpiredKeysAtThreshold(test *testing.T) {
	test.Parallel()
	clock := &steppingClock{now: time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)}
	gate := NewMemoryGate(clock.Now)
	ctx := context.Background()

	for index := 0; index < sweepThreshold-1; index++ {
		if acquired, _ := gate.Acquire(ctx, fmt.Sprintf("notification:expired-%d", index), time.Second); !acquired {
			test.Fatalf("expected acquire %d", index)
		}
	}
	clock.Advance(time.Minute)
	if len(gate.expires) != sweepThreshold-1 {
		test.Fatalf("expected no sweep below the threshold, got %d keys", len(gate.expires))
	}
	if acquired, _ := gate.Acquire(ctx, "notification:live", time.Hour); !acquired {
		test.Fatalf("expected live acquire")
	}
	if len(gate.expires) != 1 {
		test.Fatalf("expected expired keys swept, got %d keys", len(gate.expires))
	}
	if gate.sweepAt != sweepThreshold {
		test.Fatalf("expected next sweep at %d, got %d", sweepThreshold, gate.sweepAt)
	}
}

func TestMemoryGateConcurrentAcquireHasOneWinner(test *testing.T) {
	test.Parallel()
	gate := NewMemoryGate(nil)
	var waitGroup sync.WaitGroup
	var countMutex sync.Mutex
	winners := 0
	for attempt := 0; attempt < 16; attempt++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			acquired, err := gate.Acquire(context.Background(), "notification:race", time.Minute)
			if err == nil && acquired {
				countMutex.Lock()
				winners++
				countMutex.Unlock()
			}
		}()
	}
	waitGroup.Wait()
	if winners != 1 {
		test.Fatalf("expected one winner, got %d", winners)
	}
}

func TestConnectRejectsInvalidURL(test *testing.T) {
	test.Parallel()
	_, err := Connect(context.Background(), "not-a-redis-url")
	if !errors.Is(err, ErrInvalidRedisURL) {
		test.Fatalf("expected ErrInvalidRedisURL, got %v", err)
	}
}

func TestRedisGateWrapsClientErrors(test *testing.T) {
	test.Parallel()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	gate := NewRedisGate(client, "")
	if _, err := gate.Acquire(context.Background(), "notification:1", time.Minute); err == nil {
		test.Fatalf("expected acquire error against an unreachable server")
	}
	if err := gate.Release(context.Background(), "notification:1"); err == nil {
		test.Fatalf("expected release error against an unreachable server")
	}
	if gate.keyPrefix != defaultKeyPrefix {
		test.Fatalf("expected default key prefix, got %q", gate.keyPrefix)
	}
}
