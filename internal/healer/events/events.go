// Package events defines the engine's typed lifecycle events and the
// best-effort emitter that hands them to an external sink.
package events

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/remedyhq/remedy/internal/healer/runtime"
)

type Type string

const (
	TypeStateNew        Type = "state.new"
	TypeStateDiagnose   Type = "state.diagnose"
	TypeStatePatch      Type = "state.patch"
	TypeStateTest       Type = "state.test"
	TypeStateProve      Type = "state.prove"
	TypeStateMerge      Type = "state.merge"
	TypeStateDone       Type = "state.done"
	TypeStateFailed     Type = "state.failed"
	TypeActivityAttempt Type = "activity.attempt"
	TypeActivityResult  Type = "activity.result"
	TypeDedupHit        Type = "dedup.hit"
)

// ForState maps a case state to its lifecycle event type.
func ForState(s runtime.State) Type {
	switch s {
	case runtime.StateNew:
		return TypeStateNew
	case runtime.StateDiagnose:
		return TypeStateDiagnose
	case runtime.StatePatch:
		return TypeStatePatch
	case runtime.StateTest:
		return TypeStateTest
	case runtime.StateProve:
		return TypeStateProve
	case runtime.StateMerge:
		return TypeStateMerge
	case runtime.StateDone:
		return TypeStateDone
	case runtime.StateFailed:
		return TypeStateFailed
	default:
		return Type("state." + string(s))
	}
}

// Event is one lifecycle record. Data carries type-specific fields (reason,
// attempt numbers, verdicts); it must already be secret-free.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	CaseID     string         `json:"case_id"`
	Repository string         `json:"repository"`
	RunID      string         `json:"run_id"`
	HeadSHA    string         `json:"head_sha"`
	State      runtime.State  `json:"state,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Timestamp  time.Time      `json:"ts"`
	Data       map[string]any `json:"data,omitempty"`
}

// Sink receives events. Implementations must be concurrency-safe; a slow or
// failing sink must not block the engine.
type Sink interface {
	Publish(ev Event)
}

// Emitter stamps and forwards events to the sink. Delivery is at-least-once
// and best-effort: sink panics are swallowed and logged, never propagated.
type Emitter struct {
	sink Sink
	log  *logrus.Entry

	mu      sync.Mutex
	entropy *rand.Rand
}

func NewEmitter(sink Sink, log *logrus.Entry) *Emitter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Emitter{
		sink:    sink,
		log:     log,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (e *Emitter) Emit(ev Event) {
	if e == nil || e.sink == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.ID == "" {
		ev.ID = e.newID(ev.Timestamp)
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("event_type", ev.Type).Warnf("event sink panic: %v", r)
		}
	}()
	e.sink.Publish(ev)
}

func (e *Emitter) newID(ts time.Time) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(ts), e.entropy).String()
}
