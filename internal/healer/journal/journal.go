// Package journal is the durable, append-only source of truth for cases.
// An in-memory Case is only ever a projection of its journal: the engine
// refuses to advance a case until the post-transition append has completed,
// and recovery rebuilds the projection by replay.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/remedyhq/remedy/internal/healer/runtime"
)

type Kind string

const (
	KindStateTransition Kind = "state_transition"
	KindActivityAttempt Kind = "activity_attempt"
	KindActivityResult  Kind = "activity_result"
	KindEmitted         Kind = "emitted"
	KindError           Kind = "error"
)

// Entry is one write-once journal record. Exactly one payload pointer is set,
// matching Kind. Seq strictly increases by one per append within a case.
type Entry struct {
	CaseID    string    `json:"case_id" msgpack:"case_id"`
	Seq       uint64    `json:"seq" msgpack:"seq"`
	Timestamp time.Time `json:"ts" msgpack:"ts"`
	Kind      Kind      `json:"kind" msgpack:"kind"`

	Transition *TransitionRecord `json:"transition,omitempty" msgpack:"transition,omitempty"`
	Attempt    *AttemptRecord    `json:"attempt,omitempty" msgpack:"attempt,omitempty"`
	Result     *ResultRecord     `json:"result,omitempty" msgpack:"result,omitempty"`
	Emitted    *EmittedRecord    `json:"emitted,omitempty" msgpack:"emitted,omitempty"`
	Error      *ErrorRecord      `json:"error,omitempty" msgpack:"error,omitempty"`
}

// TransitionRecord journals a state change. The admission entry ("" -> new)
// carries the originating event so replay can seed the projection; the
// new -> diagnose entry carries the computed deadline.
type TransitionRecord struct {
	From   runtime.State         `json:"from" msgpack:"from"`
	To     runtime.State         `json:"to" msgpack:"to"`
	Reason runtime.FailureReason `json:"reason,omitempty" msgpack:"reason,omitempty"`

	Event    *runtime.FailureEvent `json:"event,omitempty" msgpack:"event,omitempty"`
	Deadline time.Time             `json:"deadline,omitempty" msgpack:"deadline,omitempty"`
}

// AttemptRecord is written before every network call to a collaborator.
// Invocation counts phase entries (feedback re-entries included); Call counts
// transport attempts within one invocation.
type AttemptRecord struct {
	Phase       runtime.State `json:"phase" msgpack:"phase"`
	Activity    string        `json:"activity" msgpack:"activity"`
	Invocation  int           `json:"invocation" msgpack:"invocation"`
	Call        int           `json:"call" msgpack:"call"`
	Correlation string        `json:"correlation" msgpack:"correlation"`
	Recovered   bool          `json:"recovered,omitempty" msgpack:"recovered,omitempty"`
}

// ResultRecord is written after every network call. For successful calls one
// of the typed payloads is set; for failures ErrKind/ErrMsg carry the
// classified error (already secret-stripped by the dispatcher).
type ResultRecord struct {
	Phase       runtime.State `json:"phase" msgpack:"phase"`
	Activity    string        `json:"activity" msgpack:"activity"`
	Invocation  int           `json:"invocation" msgpack:"invocation"`
	Call        int           `json:"call" msgpack:"call"`
	Correlation string        `json:"correlation" msgpack:"correlation"`

	OK         bool   `json:"ok" msgpack:"ok"`
	ErrKind    string `json:"err_kind,omitempty" msgpack:"err_kind,omitempty"`
	ErrMsg     string `json:"err_msg,omitempty" msgpack:"err_msg,omitempty"`
	DurationMS int64  `json:"duration_ms" msgpack:"duration_ms"`

	Diagnosis *runtime.Diagnosis    `json:"diagnosis,omitempty" msgpack:"diagnosis,omitempty"`
	Patch     *runtime.PatchResult  `json:"patch,omitempty" msgpack:"patch,omitempty"`
	Test      *runtime.TestOutcome  `json:"test,omitempty" msgpack:"test,omitempty"`
	Proof     *runtime.ProofOutcome `json:"proof,omitempty" msgpack:"proof,omitempty"`
	Merge     *runtime.MergeResult  `json:"merge,omitempty" msgpack:"merge,omitempty"`
}

// EmittedRecord notes that a lifecycle event was handed to the sink.
type EmittedRecord struct {
	Type    string `json:"type" msgpack:"type"`
	EventID string `json:"event_id" msgpack:"event_id"`
}

// ErrorRecord journals an engine-internal error for a case.
type ErrorRecord struct {
	Message string `json:"message" msgpack:"message"`
}

// Journal is the durable per-case log. Appends within a case are serialized;
// appends across cases are independent. Snapshots are optional acceleration:
// implementations without them return (nil, 0, nil) from LoadSnapshot and a
// no-op from Snapshot/Compact.
type Journal interface {
	// Append assigns the next sequence number, stamps the timestamp when
	// unset, and durably writes the entry. Entries are write-once.
	Append(ctx context.Context, e *Entry) (uint64, error)

	// ReadAll returns the entries of a case in sequence order, excluding any
	// compacted away below the latest snapshot.
	ReadAll(ctx context.Context, caseID string) ([]*Entry, error)

	// Cases lists every case id with journal state, for recovery scans.
	Cases(ctx context.Context) ([]string, error)

	// Snapshot persists a projection at the given sequence number.
	Snapshot(ctx context.Context, caseID string, seq uint64, cs *runtime.Case) error

	// LoadSnapshot returns the latest snapshot, or (nil, 0, nil) when none.
	LoadSnapshot(ctx context.Context, caseID string) (*runtime.Case, uint64, error)

	// Compact drops entries at or below the latest snapshot's sequence.
	Compact(ctx context.Context, caseID string) error
}

func (e *Entry) validate() error {
	if e == nil {
		return fmt.Errorf("journal: nil entry")
	}
	if e.CaseID == "" {
		return fmt.Errorf("journal: entry missing case_id")
	}
	set := 0
	if e.Transition != nil {
		set++
	}
	if e.Attempt != nil {
		set++
	}
	if e.Result != nil {
		set++
	}
	if e.Emitted != nil {
		set++
	}
	if e.Error != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("journal: entry must carry exactly one payload, has %d", set)
	}
	switch e.Kind {
	case KindStateTransition:
		if e.Transition == nil {
			return fmt.Errorf("journal: kind %s without transition payload", e.Kind)
		}
	case KindActivityAttempt:
		if e.Attempt == nil {
			return fmt.Errorf("journal: kind %s without attempt payload", e.Kind)
		}
	case KindActivityResult:
		if e.Result == nil {
			return fmt.Errorf("journal: kind %s without result payload", e.Kind)
		}
	case KindEmitted:
		if e.Emitted == nil {
			return fmt.Errorf("journal: kind %s without emitted payload", e.Kind)
		}
	case KindError:
		if e.Error == nil {
			return fmt.Errorf("journal: kind %s without error payload", e.Kind)
		}
	default:
		return fmt.Errorf("journal: invalid kind %q", e.Kind)
	}
	return nil
}
