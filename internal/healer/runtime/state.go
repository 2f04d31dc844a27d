package runtime

import (
	"fmt"
	"strings"
)

// State is the phase a case is currently in. The transition graph is fixed:
//
//	new -> diagnose -> patch -> test -> prove -> merge -> done
//
// with two feedback edges (patch->diagnose on compilation failure,
// test->diagnose on test failure), a skip edge (diagnose->test and
// patch->test when no patch is available), and a failure edge from every
// non-terminal state to failed. done and failed are absorbing.
type State string

const (
	StateNew      State = "new"
	StateDiagnose State = "diagnose"
	StatePatch    State = "patch"
	StateTest     State = "test"
	StateProve    State = "prove"
	StateMerge    State = "merge"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "new":
		return StateNew, nil
	case "diagnose":
		return StateDiagnose, nil
	case "patch":
		return StatePatch, nil
	case "test":
		return StateTest, nil
	case "prove":
		return StateProve, nil
	case "merge":
		return StateMerge, nil
	case "done":
		return StateDone, nil
	case "failed":
		return StateFailed, nil
	default:
		return "", fmt.Errorf("invalid state: %q", s)
	}
}

func (s State) Valid() bool {
	_, err := ParseState(string(s))
	return err == nil
}

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// transitions is the forward edge set, including feedback and skip edges.
// The failure edge (any non-terminal -> failed) is handled in CanTransition.
var transitions = map[State][]State{
	StateNew:      {StateDiagnose},
	StateDiagnose: {StatePatch, StateTest},
	StatePatch:    {StateTest, StateDiagnose},
	StateTest:     {StateProve, StateDiagnose},
	StateProve:    {StateMerge},
	StateMerge:    {StateDone},
}

// CanTransition reports whether from -> to is an edge of the declared graph.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailureReason records why a case reached the failed state, or which
// taxonomy class an activity error belongs to.
type FailureReason string

const (
	ReasonPatchExhausted FailureReason = "patch_exhausted"
	ReasonTestFailed     FailureReason = "test_failed"
	ReasonProofFailed    FailureReason = "proof_failed"
	ReasonMergeBlocked   FailureReason = "merge_blocked"
	ReasonTimeout        FailureReason = "timeout"
	ReasonCancelled      FailureReason = "cancelled"
	ReasonContract       FailureReason = "contract"
	ReasonInternal       FailureReason = "internal"
)
