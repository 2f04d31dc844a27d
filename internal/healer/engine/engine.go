// Package engine drives admitted cases through the healing state machine:
// NEW, DIAGNOSE, PATCH, TEST, PROVE, MERGE, ending in DONE or FAILED. The
// journal is authoritative; the engine refuses to advance a case until the
// post-transition append has completed.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remedyhq/remedy/internal/collab"
	"github.com/remedyhq/remedy/internal/healer/dispatch"
	"github.com/remedyhq/remedy/internal/healer/events"
	"github.com/remedyhq/remedy/internal/healer/journal"
	"github.com/remedyhq/remedy/internal/healer/report"
	"github.com/remedyhq/remedy/internal/healer/runtime"
)

// InvariantSource supplies the invariants the prover must check for a case's
// changed surface.
type InvariantSource interface {
	InvariantsFor(ctx context.Context, cs *runtime.Case) ([]runtime.Invariant, error)
}

// StaticInvariants is an InvariantSource returning a fixed set.
type StaticInvariants []runtime.Invariant

func (s StaticInvariants) InvariantsFor(ctx context.Context, cs *runtime.Case) ([]runtime.Invariant, error) {
	return s, nil
}

// Engine executes one case at a time per call to Run. It owns no goroutines;
// the scheduler provides the parallelism.
type Engine struct {
	Cfg        *Config
	Journal    journal.Journal
	Dispatcher *dispatch.Dispatcher
	Emitter    *events.Emitter
	Collab     collab.Set
	Source     report.Source
	Invariants InvariantSource
	Assembler  *report.Assembler
	Log        *logrus.Entry

	// Clock is injectable for deadline tests.
	Clock func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now().UTC()
}

func (e *Engine) log() *logrus.Entry {
	if e.Log != nil {
		return e.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// Run drives a case to a terminal state. resume carries the dangling attempt
// found during crash recovery, nil for freshly admitted cases. The returned
// error reports engine-internal trouble (journal I/O); case-level failures
// are recorded on the case, not returned.
func (e *Engine) Run(ctx context.Context, cs *runtime.Case, resume *journal.Dangling) error {
	log := e.log().WithFields(logrus.Fields{"case_id": cs.ID, "repository": cs.Repository})
	lastProgress := e.now()

	for !cs.State.Terminal() {
		if err := ctx.Err(); err != nil {
			return e.failCase(cs, runtime.ReasonCancelled, "run cancelled")
		}
		if !cs.Deadline.IsZero() && e.now().After(cs.Deadline) {
			return e.failCase(cs, runtime.ReasonTimeout, "case deadline exceeded")
		}
		if e.Cfg.StallTimeout > 0 && e.now().Sub(lastProgress) > e.Cfg.StallTimeout {
			return e.failCase(cs, runtime.ReasonTimeout, "no progress within stall timeout")
		}

		// A dangling attempt is resumed with its original invocation number
		// and a single re-invocation allowance.
		invocation, recovered := 0, false
		if resume != nil && resume.Phase == cs.State {
			invocation, recovered = resume.Invocation, true
		}
		resume = nil

		var err error
		switch cs.State {
		case runtime.StateNew:
			err = e.stepNew(ctx, cs)
		case runtime.StateDiagnose:
			err = e.stepDiagnose(ctx, cs, invocation, recovered)
		case runtime.StatePatch:
			err = e.stepPatch(ctx, cs, invocation, recovered)
		case runtime.StateTest:
			err = e.stepTest(ctx, cs, invocation, recovered)
		case runtime.StateProve:
			err = e.stepProve(ctx, cs, invocation, recovered)
		case runtime.StateMerge:
			err = e.stepMerge(ctx, cs, invocation, recovered)
		default:
			err = fmt.Errorf("engine: case %s in unexpected state %q", cs.ID, cs.State)
		}
		if err != nil {
			log.WithError(err).Error("case step failed")
			if ferr := e.failCase(cs, runtime.ReasonInternal, err.Error()); ferr != nil {
				return ferr
			}
			return nil
		}
		lastProgress = e.now()
	}
	log.WithFields(logrus.Fields{"state": cs.State, "reason": cs.Reason}).Info("case sealed")
	return nil
}

func (e *Engine) stepNew(ctx context.Context, cs *runtime.Case) error {
	deadline := cs.StartedAt.Add(e.Cfg.GlobalDeadline)
	return e.transition(ctx, cs, runtime.StateDiagnose, transitionOpts{deadline: deadline})
}

func (e *Engine) stepDiagnose(ctx context.Context, cs *runtime.Case, invocation int, recovered bool) error {
	if invocation == 0 {
		invocation = cs.NextAttempt(runtime.StateDiagnose)
	}
	rep, err := e.assembleReport(ctx, cs)
	if err != nil {
		return fmt.Errorf("assemble failure report: %w", err)
	}

	act := dispatch.Activity{Name: "diagnoser", Timeout: e.Cfg.ActivityTimeout, MaxAttempts: 3}
	res, derr := e.Dispatcher.Invoke(ctx, cs, runtime.StateDiagnose, act, invocation, recovered,
		func(cctx context.Context, correlation string) (*journal.ResultRecord, error) {
			diag, err := e.Collab.Diagnoser.Diagnose(cctx, collab.DiagnoseRequest{
				Correlation: correlation,
				CaseID:      cs.ID,
				Report:      *rep,
			})
			if err != nil {
				return nil, err
			}
			// The confidence tie-break happens before journaling so replay
			// reproduces the downgraded diagnosis without knowing the config.
			// The threshold itself is inclusive.
			if diag.Confidence < e.Cfg.MinDiagnosisConfidence {
				diag.RootCause = runtime.CauseUnknown
			}
			return &journal.ResultRecord{Diagnosis: diag}, nil
		})
	if derr != nil {
		return e.failCase(cs, derr.Reason(), derr.Error())
	}

	diag := res.Diagnosis
	if diag.RootCause == runtime.CauseUnknown && !diag.HasPatch() {
		// Nothing actionable: confirm the failure is reproducible.
		return e.transition(ctx, cs, runtime.StateTest, transitionOpts{})
	}
	return e.transition(ctx, cs, runtime.StatePatch, transitionOpts{})
}

func (e *Engine) stepPatch(ctx context.Context, cs *runtime.Case, invocation int, recovered bool) error {
	if cs.Diagnosis == nil || !cs.Diagnosis.HasPatch() {
		return e.transition(ctx, cs, runtime.StateTest, transitionOpts{})
	}
	if invocation == 0 {
		invocation = cs.NextAttempt(runtime.StatePatch)
	}

	act := dispatch.Activity{Name: "patcher", Timeout: e.Cfg.ActivityTimeout, MaxAttempts: 3}
	_, derr := e.Dispatcher.Invoke(ctx, cs, runtime.StatePatch, act, invocation, recovered,
		func(cctx context.Context, correlation string) (*journal.ResultRecord, error) {
			pr, err := e.Collab.Patcher.ApplyPatch(cctx, collab.PatchRequest{
				Correlation: correlation,
				CaseID:      cs.ID,
				Repository:  cs.Repository,
				Branch:      cs.Branch,
				HeadSHA:     cs.HeadSHA,
				Diagnosis:   *cs.Diagnosis,
			})
			if err != nil {
				return nil, err
			}
			return &journal.ResultRecord{Patch: pr}, nil
		})
	if derr != nil {
		if derr.Kind == dispatch.KindCompilationFailed {
			// Feedback edge, not a retry: the next diagnosis sees the
			// compiler errors in the prior-attempts context.
			if cs.Attempts[runtime.StatePatch] <= e.Cfg.MaxRetries[runtime.StatePatch] {
				return e.transition(ctx, cs, runtime.StateDiagnose, transitionOpts{})
			}
			return e.failCase(cs, runtime.ReasonPatchExhausted, derr.Error())
		}
		return e.failCase(cs, derr.Reason(), derr.Error())
	}
	return e.transition(ctx, cs, runtime.StateTest, transitionOpts{})
}

func (e *Engine) stepTest(ctx context.Context, cs *runtime.Case, invocation int, recovered bool) error {
	if invocation == 0 {
		invocation = cs.NextAttempt(runtime.StateTest)
	}

	act := dispatch.Activity{Name: "test-runner", Timeout: e.Cfg.ActivityTimeout, MaxAttempts: 2}
	res, derr := e.Dispatcher.Invoke(ctx, cs, runtime.StateTest, act, invocation, recovered,
		func(cctx context.Context, correlation string) (*journal.ResultRecord, error) {
			out, err := e.Collab.TestRunner.RunTests(cctx, collab.TestRequest{
				Correlation:    correlation,
				CaseID:         cs.ID,
				Repository:     cs.Repository,
				HeadSHA:        cs.HeadSHA,
				PatchRef:       cs.PatchRef,
				Suite:          cs.Workflow,
				Retries:        e.Cfg.TestRetries,
				FlakyThreshold: e.Cfg.FlakyThreshold,
				TimeoutMS:      e.Cfg.ActivityTimeout.Milliseconds(),
			})
			if err != nil {
				return nil, err
			}
			return &journal.ResultRecord{Test: out}, nil
		})
	if derr != nil {
		return e.failCase(cs, derr.Reason(), derr.Error())
	}

	switch res.Test.Verdict {
	case runtime.VerdictPass:
		return e.transition(ctx, cs, runtime.StateProve, transitionOpts{})
	case runtime.VerdictFlaky:
		// Promoted despite mixed outcomes; the flakiness stays on the case.
		return e.transition(ctx, cs, runtime.StateProve, transitionOpts{
			data: map[string]any{"flakiness_score": res.Test.FlakinessScore},
		})
	default:
		if cs.Attempts[runtime.StateTest] <= e.Cfg.MaxRetries[runtime.StateTest] {
			return e.transition(ctx, cs, runtime.StateDiagnose, transitionOpts{})
		}
		return e.failCase(cs, runtime.ReasonTestFailed, "test failures exceeded the retry budget")
	}
}

func (e *Engine) stepProve(ctx context.Context, cs *runtime.Case, invocation int, recovered bool) error {
	if invocation == 0 {
		invocation = cs.NextAttempt(runtime.StateProve)
	}
	invariants, err := e.Invariants.InvariantsFor(ctx, cs)
	if err != nil {
		return fmt.Errorf("load invariants: %w", err)
	}

	act := dispatch.Activity{Name: "prover", Timeout: e.Cfg.ActivityTimeout, MaxAttempts: 2}
	res, derr := e.Dispatcher.Invoke(ctx, cs, runtime.StateProve, act, invocation, recovered,
		func(cctx context.Context, correlation string) (*journal.ResultRecord, error) {
			out, err := e.Collab.Prover.Prove(cctx, collab.ProveRequest{
				Correlation: correlation,
				CaseID:      cs.ID,
				Repository:  cs.Repository,
				PatchRef:    cs.PatchRef,
				Invariants:  invariants,
				BudgetMS:    e.Cfg.PerTheoremBudget.Milliseconds(),
			})
			if err != nil {
				return nil, err
			}
			// Aggregation is journaled with the outcome so replay does not
			// need the invariant set or the threshold.
			out.Aggregate(invariants, e.Cfg.ProofCriticalityThreshold)
			return &journal.ResultRecord{Proof: out}, nil
		})
	if derr != nil {
		return e.failCase(cs, derr.Reason(), derr.Error())
	}

	if !res.Proof.Pass {
		return e.failCase(cs, runtime.ReasonProofFailed,
			fmt.Sprintf("unproven invariants: %v", res.Proof.FailedInvariants))
	}
	return e.transition(ctx, cs, runtime.StateMerge, transitionOpts{})
}

func (e *Engine) stepMerge(ctx context.Context, cs *runtime.Case, invocation int, recovered bool) error {
	if invocation == 0 {
		invocation = cs.NextAttempt(runtime.StateMerge)
	}

	act := dispatch.Activity{Name: "merger", Timeout: e.Cfg.ActivityTimeout, MaxAttempts: 3}
	res, derr := e.Dispatcher.Invoke(ctx, cs, runtime.StateMerge, act, invocation, recovered,
		func(cctx context.Context, correlation string) (*journal.ResultRecord, error) {
			out, err := e.Collab.Merger.Merge(cctx, collab.MergeRequest{
				Correlation:  correlation,
				CaseID:       cs.ID,
				Repository:   cs.Repository,
				Branch:       cs.Branch,
				PatchRef:     cs.PatchRef,
				Title:        mergeTitle(cs),
				Body:         mergeBody(cs),
				RootCause:    string(cs.RootCause),
				ProofVerdict: proofVerdict(cs.ProofOutcome),
			})
			if err != nil {
				return nil, err
			}
			return &journal.ResultRecord{Merge: out}, nil
		})
	if derr != nil {
		return e.failCase(cs, derr.Reason(), derr.Error())
	}

	if !res.Merge.Merged {
		reason := res.Merge.Reason
		if reason == "" {
			reason = "merge blocked"
		}
		return e.failCase(cs, runtime.ReasonMergeBlocked, reason)
	}
	return e.transition(ctx, cs, runtime.StateDone, transitionOpts{
		data: map[string]any{"merge_sha": res.Merge.MergeSHA, "pr_number": res.Merge.PRNumber},
	})
}

// mergeTitle and mergeBody compose the PR the merger opens for the patch
// branch.
func mergeTitle(cs *runtime.Case) string {
	cause := cs.RootCause
	if cause == "" {
		cause = runtime.CauseUnknown
	}
	return fmt.Sprintf("fix(%s): automated repair for run %s", cause, cs.RunID)
}

func mergeBody(cs *runtime.Case) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated fix for failing run %s on %s (head %s).\n", cs.RunID, cs.Branch, cs.HeadSHA)
	if cs.Diagnosis != nil {
		fmt.Fprintf(&b, "\nRoot cause: %s (confidence %.2f)\n", cs.RootCause, cs.Diagnosis.Confidence)
		if cs.Diagnosis.Explanation != "" {
			fmt.Fprintf(&b, "%s\n", cs.Diagnosis.Explanation)
		}
	}
	if cs.TestOutcome != nil {
		fmt.Fprintf(&b, "\nTests: %s\n", cs.TestOutcome.Verdict)
	}
	if cs.ProofOutcome != nil {
		fmt.Fprintf(&b, "Proof: %s across %d theorems\n",
			proofVerdict(cs.ProofOutcome), len(cs.ProofOutcome.Theorems))
	}
	return b.String()
}

func proofVerdict(p *runtime.ProofOutcome) string {
	if p == nil {
		return ""
	}
	if p.Pass {
		return "pass"
	}
	return "fail"
}

func (e *Engine) assembleReport(ctx context.Context, cs *runtime.Case) (*runtime.FailureReport, error) {
	raw, err := e.Source.Fetch(ctx, runtime.FailureEvent{
		Repository: cs.Repository,
		RunID:      cs.RunID,
		HeadSHA:    cs.HeadSHA,
		Branch:     cs.Branch,
		Workflow:   cs.Workflow,
	})
	if err != nil {
		return nil, err
	}
	rep := e.Assembler.Assemble(cs, raw, cs.Prior)
	if rep.Redactions > 0 {
		e.log().WithFields(logrus.Fields{
			"case_id":    cs.ID,
			"redactions": rep.Redactions,
		}).Info("secrets redacted from failure report")
	}
	return rep, nil
}

type transitionOpts struct {
	reason   runtime.FailureReason
	deadline time.Time
	data     map[string]any
}

// transition journals the state change, mutates the projection, and emits
// the lifecycle event, in that order.
func (e *Engine) transition(ctx context.Context, cs *runtime.Case, to runtime.State, opts transitionOpts) error {
	if !runtime.CanTransition(cs.State, to) {
		return fmt.Errorf("engine: illegal transition %s -> %s for case %s", cs.State, to, cs.ID)
	}
	rec := &journal.TransitionRecord{
		From:     cs.State,
		To:       to,
		Reason:   opts.reason,
		Deadline: opts.deadline,
	}
	// The append context is detached from the run context so a cancellation
	// arriving mid-transition cannot leave the journal behind the projection.
	if _, err := e.Journal.Append(context.WithoutCancel(ctx), &journal.Entry{
		CaseID:     cs.ID,
		Kind:       journal.KindStateTransition,
		Transition: rec,
	}); err != nil {
		return fmt.Errorf("journal transition %s -> %s: %w", cs.State, to, err)
	}

	cs.State = to
	cs.LastTransitionAt = e.now()
	if !opts.deadline.IsZero() {
		cs.Deadline = opts.deadline
	}
	if opts.reason != "" {
		cs.Reason = opts.reason
	}
	if to.Terminal() {
		cs.Sealed = true
	}

	data := opts.data
	if opts.reason != "" {
		if data == nil {
			data = map[string]any{}
		}
		data["reason"] = string(opts.reason)
		if cs.Diagnosis != nil {
			data["root_cause"] = string(cs.Diagnosis.RootCause)
		}
	}
	e.Emitter.Emit(events.Event{
		Type:       events.ForState(to),
		CaseID:     cs.ID,
		Repository: cs.Repository,
		RunID:      cs.RunID,
		HeadSHA:    cs.HeadSHA,
		State:      to,
		Data:       data,
	})
	return nil
}

// failCase seals the case as FAILED with the given reason. Legal from every
// non-terminal state.
func (e *Engine) failCase(cs *runtime.Case, reason runtime.FailureReason, detail string) error {
	if cs.State.Terminal() {
		return nil
	}
	data := map[string]any{"detail": detail}
	err := e.transition(context.Background(), cs, runtime.StateFailed, transitionOpts{
		reason: reason,
		data:   data,
	})
	if err != nil {
		return fmt.Errorf("seal case %s: %w", cs.ID, err)
	}
	return nil
}
