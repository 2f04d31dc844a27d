package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/remedyhq/remedy/internal/healer/runtime"
)

// Memory is an in-process Journal for tests and single-node runs without a
// durable store. Appends within a case are serialized by the mutex; entries
// are never mutated after append.
type Memory struct {
	mu        sync.Mutex
	entries   map[string][]*Entry
	snapshots map[string]memorySnapshot
}

type memorySnapshot struct {
	cs  *runtime.Case
	seq uint64
}

func NewMemory() *Memory {
	return &Memory{
		entries:   map[string][]*Entry{},
		snapshots: map[string]memorySnapshot{},
	}
}

func (m *Memory) Append(ctx context.Context, e *Entry) (uint64, error) {
	if err := e.validate(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prior := m.entries[e.CaseID]
	next := uint64(1)
	if n := len(prior); n > 0 {
		next = prior[n-1].Seq + 1
	} else if snap, ok := m.snapshots[e.CaseID]; ok {
		next = snap.seq + 1
	}
	cp := *e
	cp.Seq = next
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	m.entries[e.CaseID] = append(prior, &cp)
	return next, nil
}

func (m *Memory) ReadAll(ctx context.Context, caseID string) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Entry{}, m.entries[caseID]...), nil
}

func (m *Memory) Cases(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for id := range m.entries {
		seen[id] = true
	}
	for id := range m.snapshots {
		seen[id] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Snapshot(ctx context.Context, caseID string, seq uint64, cs *runtime.Case) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cs == nil {
		return fmt.Errorf("journal: snapshot of nil case")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cs
	m.snapshots[caseID] = memorySnapshot{cs: &cp, seq: seq}
	return nil
}

func (m *Memory) LoadSnapshot(ctx context.Context, caseID string) (*runtime.Case, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[caseID]
	if !ok {
		return nil, 0, nil
	}
	cp := *snap.cs
	return &cp, snap.seq, nil
}

func (m *Memory) Compact(ctx context.Context, caseID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[caseID]
	if !ok {
		return nil
	}
	kept := m.entries[caseID][:0]
	for _, e := range m.entries[caseID] {
		if e.Seq > snap.seq {
			kept = append(kept, e)
		}
	}
	m.entries[caseID] = kept
	return nil
}
