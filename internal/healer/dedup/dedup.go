// Package dedup provides the at-most-once admission index. The index is the
// single source of truth for admission across all workers: TryAdmit has
// compare-and-set semantics, so exactly one of any set of concurrent callers
// with the same key wins per TTL window.
package dedup

import (
	"sync"
	"time"
)

type Decision string

const (
	Admitted  Decision = "admitted"
	Duplicate Decision = "duplicate"
)

type Index interface {
	// TryAdmit admits the key unless a live entry exists. Expired entries
	// are treated as absent.
	TryAdmit(key string, ttl time.Duration) Decision

	// Forget drops a key so a retried admission can succeed. Used when a
	// key was admitted but the case could not be enqueued (backpressure).
	Forget(key string)

	// EvictExpired removes dead entries and reports how many were dropped.
	EvictExpired(now time.Time) int
}

// Memory is the in-process Index. A mutex serializes TryAdmit, which is what
// gives it its compare-and-set semantics.
type Memory struct {
	mu      sync.Mutex
	expires map[string]time.Time
	clock   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		expires: map[string]time.Time{},
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// NewMemoryWithClock is for tests that need to control expiry.
func NewMemoryWithClock(clock func() time.Time) *Memory {
	m := NewMemory()
	m.clock = clock
	return m
}

func (m *Memory) TryAdmit(key string, ttl time.Duration) Decision {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.expires[key]; ok && now.Before(exp) {
		return Duplicate
	}
	m.expires[key] = now.Add(ttl)
	return Admitted
}

func (m *Memory) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expires, key)
}

func (m *Memory) EvictExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, exp := range m.expires {
		if !now.Before(exp) {
			delete(m.expires, key)
			n++
		}
	}
	return n
}
