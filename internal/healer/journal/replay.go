package journal

import (
	"fmt"

	"github.com/remedyhq/remedy/internal/healer/runtime"
)

// Dangling describes an activity attempt with no matching result: the call
// was in flight when the process died, so its outcome is unknown. Recovery
// re-invokes the activity at most once more; collaborators deduplicate on
// the correlation key.
type Dangling struct {
	Phase       runtime.State
	Activity    string
	Invocation  int
	Call        int
	Correlation string
}

// Replay folds journal entries into a Case projection, starting from base
// (a snapshot, or nil for the full log). It validates the journal invariants
// as it goes: the From of every transition must match the projection, and
// sequence numbers must increase by one.
func Replay(base *runtime.Case, entries []*Entry) (*runtime.Case, *Dangling, error) {
	cs := base
	var lastSeq uint64
	if len(entries) > 0 {
		lastSeq = entries[0].Seq - 1
	}

	var open *Dangling
	for _, e := range entries {
		if e.Seq != lastSeq+1 {
			return nil, nil, fmt.Errorf("journal replay: sequence gap at %d (prev %d)", e.Seq, lastSeq)
		}
		lastSeq = e.Seq

		switch e.Kind {
		case KindStateTransition:
			tr := e.Transition
			if cs == nil {
				if tr.From != "" || tr.To != runtime.StateNew || tr.Event == nil {
					return nil, nil, fmt.Errorf("journal replay: first entry of %s is not an admission record", e.CaseID)
				}
				cs = runtime.NewCase(*tr.Event, e.Timestamp)
				cs.LastTransitionAt = e.Timestamp
				continue
			}
			if tr.From != cs.State {
				return nil, nil, fmt.Errorf("journal replay: transition from %q does not match projection %q (seq %d)", tr.From, cs.State, e.Seq)
			}
			if !runtime.CanTransition(tr.From, tr.To) {
				return nil, nil, fmt.Errorf("journal replay: illegal transition %s -> %s (seq %d)", tr.From, tr.To, e.Seq)
			}
			cs.State = tr.To
			cs.LastTransitionAt = e.Timestamp
			if !tr.Deadline.IsZero() {
				cs.Deadline = tr.Deadline
			}
			if tr.Reason != "" {
				cs.Reason = tr.Reason
			}
			if tr.To.Terminal() {
				cs.Sealed = true
			}
		case KindActivityAttempt:
			if cs == nil {
				return nil, nil, fmt.Errorf("journal replay: attempt before admission (seq %d)", e.Seq)
			}
			a := e.Attempt
			if cs.Attempts == nil {
				cs.Attempts = map[runtime.State]int{}
			}
			if a.Invocation > cs.Attempts[a.Phase] {
				cs.Attempts[a.Phase] = a.Invocation
			}
			open = &Dangling{
				Phase:       a.Phase,
				Activity:    a.Activity,
				Invocation:  a.Invocation,
				Call:        a.Call,
				Correlation: a.Correlation,
			}
		case KindActivityResult:
			if cs == nil {
				return nil, nil, fmt.Errorf("journal replay: result before admission (seq %d)", e.Seq)
			}
			open = nil
			ApplyResult(cs, e.Result)
		case KindEmitted, KindError:
			// No projection effect.
		default:
			return nil, nil, fmt.Errorf("journal replay: unknown kind %q (seq %d)", e.Kind, e.Seq)
		}
	}
	if cs == nil {
		return nil, nil, fmt.Errorf("journal replay: no entries")
	}
	if cs.Sealed {
		// A sealed case can have no open attempt worth recovering.
		open = nil
	}
	return cs, open, nil
}

// ApplyResult folds a journaled activity result into the projection. The
// live engine and replay both go through here so a rebuilt case is identical
// to the one the engine held in memory.
func ApplyResult(cs *runtime.Case, r *ResultRecord) {
	if cs == nil || r == nil {
		return
	}
	switch r.Phase {
	case runtime.StateDiagnose:
		if r.Diagnosis != nil {
			d := *r.Diagnosis
			cs.Diagnosis = &d
			cs.RootCause = d.RootCause
		}
	case runtime.StatePatch:
		if r.Patch != nil {
			cs.PatchRef = r.Patch.PatchRef
			cs.FilesChanged = append([]string{}, r.Patch.FilesChanged...)
		}
		if !r.OK {
			cs.Prior = append(cs.Prior, runtime.PriorAttempt{
				Attempt:    r.Invocation,
				Phase:      runtime.StatePatch,
				Error:      r.ErrMsg,
				DurationMS: r.DurationMS,
			})
		}
	case runtime.StateTest:
		if r.Test != nil {
			t := *r.Test
			cs.TestOutcome = &t
			if t.Verdict == runtime.VerdictFail {
				cs.Prior = append(cs.Prior, runtime.PriorAttempt{
					Attempt:    r.Invocation,
					Phase:      runtime.StateTest,
					Error:      failSummary(t),
					DurationMS: r.DurationMS,
				})
			}
		}
	case runtime.StateProve:
		if r.Proof != nil {
			p := *r.Proof
			cs.ProofOutcome = &p
		}
	case runtime.StateMerge:
		if r.Merge != nil {
			m := *r.Merge
			cs.MergeResult = &m
		}
	}
}

func failSummary(t runtime.TestOutcome) string {
	for _, r := range t.RetryOutcomes {
		if !r.Success && r.Error != "" {
			return r.Error
		}
	}
	if t.Trace != "" {
		return t.Trace
	}
	return "tests failed"
}
