package dedup

import (
	"sync"
	"testing"
	"time"

	"github.com/remedyhq/remedy/internal/healer/runtime"
)

func TestTryAdmit_OncePerTTLWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryWithClock(func() time.Time { return now })
	key := runtime.DedupKey("acme/app", "42", "abc123")

	if got := m.TryAdmit(key, time.Hour); got != Admitted {
		t.Fatalf("first admit: %s", got)
	}
	if got := m.TryAdmit(key, time.Hour); got != Duplicate {
		t.Fatalf("second admit within ttl: %s", got)
	}

	now = now.Add(time.Hour + time.Second)
	if got := m.TryAdmit(key, time.Hour); got != Admitted {
		t.Fatalf("admit after expiry: %s", got)
	}
}

func TestTryAdmit_ConcurrentSingleWinner(t *testing.T) {
	m := NewMemory()
	key := runtime.DedupKey("acme/app", "42", "abc123")

	const callers = 32
	var wg sync.WaitGroup
	admitted := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.TryAdmit(key, time.Hour) == Admitted {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)
	n := 0
	for range admitted {
		n++
	}
	if n != 1 {
		t.Fatalf("admitted %d callers, want exactly 1", n)
	}
}

func TestForget_AllowsReadmission(t *testing.T) {
	m := NewMemory()
	key := runtime.DedupKey("acme/app", "42", "abc123")
	if got := m.TryAdmit(key, time.Hour); got != Admitted {
		t.Fatalf("first admit: %s", got)
	}
	m.Forget(key)
	if got := m.TryAdmit(key, time.Hour); got != Admitted {
		t.Fatalf("admit after forget: %s", got)
	}
}

func TestEvictExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryWithClock(func() time.Time { return now })
	m.TryAdmit("a", time.Minute)
	m.TryAdmit("b", time.Hour)

	if n := m.EvictExpired(now.Add(2 * time.Minute)); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if got := m.TryAdmit("a", time.Hour); got != Admitted {
		t.Fatalf("evicted key must readmit: %s", got)
	}
	if got := m.TryAdmit("b", time.Hour); got != Duplicate {
		t.Fatalf("live key must stay: %s", got)
	}
}
