package notifygate

import (
	"context"
	"sync"
	"time"
)

// sweepThreshold is the map size that triggers the first expiry sweep.
const sweepThreshold = 1024

// MemoryGate is a single-process gate for development and tests.
type MemoryGate struct {
	mutex   sync.Mutex
	expires map[string]time.Time
	nowFn   func() time.Time
	sweepAt int
}

// NewMemoryGate builds a MemoryGate. A nil clock uses time.Now.
func NewMemoryGate(now func() time.Time) *MemoryGate {
	if now == nil {
		now = time.Now
	}
	return &MemoryGate{expires: map[string]time.Time{}, nowFn: now, sweepAt: sweepThreshold}
}

// Acquire returns true when the key was not held or its ttl has passed.
func (gate *MemoryGate) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	gate.mutex.Lock()
	defer gate.mutex.Unlock()
	now := gate.nowFn()
	if expiresAt, held := gate.expires[key]; held && now.Before(expiresAt) {
		return false, nil
	}
	gate.expires[key] = now.Add(ttl)
	if len(gate.expires) >= gate.sweepAt {
		gate.sweep(now)
	}
	return true, nil
}

// Release drops the key.
func (gate *MemoryGate) Release(_ context.Context, key string) error {
	gate.mutex.Lock()
	defer gate.mutex.Unlock()
	delete(gate.expires, key)
	return nil
}

// sweep drops expired keys and doubles the next trigger relative to the live
// keys, so sweeping stays amortized O(1) per Acquire.
func (gate *MemoryGate) sweep(now time.Time) {
	for key, expiresAt := range gate.expires {
		if !now.Before(expiresAt) {
			delete(gate.expires, key)
		}
	}
	gate.sweepAt = 2 * len(gate.expires)
	if gate.sweepAt < sweepThreshold {
		gate.sweepAt = sweepThreshold
	}
}
