package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps admission timestamps in process memory. Suitable for a
// single-process deployment; use RedisStore when several processes share
// a budget.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

// NewMemoryStore creates an empty in-memory window store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]time.Time)}
}

func (m *MemoryStore) Take(_ context.Context, b Budget, now time.Time) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-b.Window)
	kept := m.events[b.Name][:0]
	for _, ts := range m.events[b.Name] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= b.Capacity {
		m.events[b.Name] = kept
		// Oldest kept event leaving the window frees the next slot.
		return Decision{RetryAfter: kept[0].Sub(cutoff)}, nil
	}

	m.events[b.Name] = append(kept, now)
	return Decision{Allowed: true}, nil
}
