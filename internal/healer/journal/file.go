package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/remedyhq/remedy/internal/healer/runtime"
)

// File is a directory-backed Journal: one append-only file per case holding
// length-prefixed msgpack records, plus an optional snapshot file. Any store
// with ordered per-key appends would do; this is the bundled implementation.
type File struct {
	dir string

	mu      sync.Mutex
	lastSeq map[string]uint64
	locks   map[string]*sync.Mutex
}

type fileSnapshot struct {
	Seq  uint64        `msgpack:"seq"`
	Case *runtime.Case `msgpack:"case"`
}

func NewFile(dir string) (*File, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("journal: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &File{
		dir:     dir,
		lastSeq: map[string]uint64{},
		locks:   map[string]*sync.Mutex{},
	}, nil
}

func (f *File) logPath(caseID string) string {
	return filepath.Join(f.dir, caseID+".journal")
}

func (f *File) snapPath(caseID string) string {
	return filepath.Join(f.dir, caseID+".snapshot")
}

// caseLock serializes appends within one case. Appends across cases are
// independent.
func (f *File) caseLock(caseID string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[caseID]
	if !ok {
		l = &sync.Mutex{}
		f.locks[caseID] = l
	}
	return l
}

func (f *File) Append(ctx context.Context, e *Entry) (uint64, error) {
	if err := e.validate(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	lock := f.caseLock(e.CaseID)
	lock.Lock()
	defer lock.Unlock()

	last, err := f.lastSeqLocked(e.CaseID)
	if err != nil {
		return 0, err
	}
	cp := *e
	cp.Seq = last + 1
	if cp.Timestamp.IsZero() {
		cp.Timestamp = nowUTC()
	}
	frame, err := encodeFrame(&cp)
	if err != nil {
		return 0, err
	}
	fh, err := os.OpenFile(f.logPath(e.CaseID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	defer func() { _ = fh.Close() }()
	if _, err := fh.Write(frame); err != nil {
		return 0, err
	}
	if err := fh.Sync(); err != nil {
		return 0, err
	}

	f.mu.Lock()
	f.lastSeq[e.CaseID] = cp.Seq
	f.mu.Unlock()
	return cp.Seq, nil
}

func (f *File) lastSeqLocked(caseID string) (uint64, error) {
	f.mu.Lock()
	if seq, ok := f.lastSeq[caseID]; ok {
		f.mu.Unlock()
		return seq, nil
	}
	f.mu.Unlock()

	seq := uint64(0)
	entries, err := f.readEntries(caseID)
	if err != nil {
		return 0, err
	}
	if n := len(entries); n > 0 {
		seq = entries[n-1].Seq
	} else if _, snapSeq, err := f.loadSnapshotFile(caseID); err == nil && snapSeq > 0 {
		seq = snapSeq
	}
	f.mu.Lock()
	f.lastSeq[caseID] = seq
	f.mu.Unlock()
	return seq, nil
}

func (f *File) ReadAll(ctx context.Context, caseID string) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock := f.caseLock(caseID)
	lock.Lock()
	defer lock.Unlock()
	return f.readEntries(caseID)
}

func (f *File) readEntries(caseID string) ([]*Entry, error) {
	b, err := os.ReadFile(f.logPath(caseID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Entry
	for off := 0; off < len(b); {
		if off+4 > len(b) {
			return nil, fmt.Errorf("journal: truncated frame header in %s at %d", caseID, off)
		}
		n := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if off+n > len(b) {
			return nil, fmt.Errorf("journal: truncated frame body in %s at %d", caseID, off)
		}
		var e Entry
		if err := msgpack.Unmarshal(b[off:off+n], &e); err != nil {
			return nil, fmt.Errorf("journal: decode %s: %w", caseID, err)
		}
		out = append(out, &e)
		off += n
	}
	return out, nil
}

func (f *File) Cases(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	des, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, de := range des {
		name := de.Name()
		id := ""
		switch {
		case strings.HasSuffix(name, ".journal"):
			id = strings.TrimSuffix(name, ".journal")
		case strings.HasSuffix(name, ".snapshot"):
			id = strings.TrimSuffix(name, ".snapshot")
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

func (f *File) Snapshot(ctx context.Context, caseID string, seq uint64, cs *runtime.Case) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cs == nil {
		return fmt.Errorf("journal: snapshot of nil case")
	}
	lock := f.caseLock(caseID)
	lock.Lock()
	defer lock.Unlock()

	b, err := msgpack.Marshal(fileSnapshot{Seq: seq, Case: cs})
	if err != nil {
		return err
	}
	tmp := f.snapPath(caseID) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.snapPath(caseID))
}

func (f *File) LoadSnapshot(ctx context.Context, caseID string) (*runtime.Case, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	lock := f.caseLock(caseID)
	lock.Lock()
	defer lock.Unlock()
	return f.loadSnapshotFile(caseID)
}

func (f *File) loadSnapshotFile(caseID string) (*runtime.Case, uint64, error) {
	b, err := os.ReadFile(f.snapPath(caseID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	var snap fileSnapshot
	if err := msgpack.Unmarshal(b, &snap); err != nil {
		return nil, 0, fmt.Errorf("journal: decode snapshot %s: %w", caseID, err)
	}
	return snap.Case, snap.Seq, nil
}

// Compact rewrites the log keeping only entries above the snapshot sequence.
func (f *File) Compact(ctx context.Context, caseID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := f.caseLock(caseID)
	lock.Lock()
	defer lock.Unlock()

	_, snapSeq, err := f.loadSnapshotFile(caseID)
	if err != nil {
		return err
	}
	if snapSeq == 0 {
		return nil
	}
	entries, err := f.readEntries(caseID)
	if err != nil {
		return err
	}
	tmp := f.logPath(caseID) + ".tmp"
	fh, err := os.Create(tmp)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Seq <= snapSeq {
			continue
		}
		frame, err := encodeFrame(e)
		if err != nil {
			_ = fh.Close()
			return err
		}
		if _, err := fh.Write(frame); err != nil {
			_ = fh.Close()
			return err
		}
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		return err
	}
	if err := fh.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, f.logPath(caseID))
}

func encodeFrame(e *Entry) ([]byte, error) {
	body, err := msgpack.Marshal(e)
	if err != nil {
		return nil, err
	}
	if len(body) > int(^uint32(0)) {
		return nil, fmt.Errorf("journal: entry too large: %d bytes", len(body))
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

func nowUTC() time.Time { return time.Now().UTC() }
