package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryTracker is a single-process Tracker for development and tests.
type MemoryTracker struct {
	mu     sync.Mutex
	claims map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
}

func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryTracker{claims: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (t *MemoryTracker) Reserve(_ context.Context, tenantID, eventID string) (Decision, error) {
	k := key(tenantID, eventID)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if exp, ok := t.claims[k]; ok && now.Before(exp) {
		return Duplicate, nil
	}
	t.claims[k] = now.Add(t.ttl)
	return Accepted, nil
}

func (t *MemoryTracker) Release(_ context.Context, tenantID, eventID string) error {
	t.mu.Lock()
	delete(t.claims, key(tenantID, eventID))
	t.mu.Unlock()
	return nil
}
