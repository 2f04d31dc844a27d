// Package dispatch is the uniform invocation surface between the engine and
// the collaborators: it owns per-attempt timeouts, classified retries with
// backoff, and the journaling of every attempt and result.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remedyhq/remedy/internal/healer/events"
	"github.com/remedyhq/remedy/internal/healer/journal"
	"github.com/remedyhq/remedy/internal/healer/report"
	"github.com/remedyhq/remedy/internal/healer/runtime"
)

// Activity describes one collaborator call site.
type Activity struct {
	Name        string
	Timeout     time.Duration
	MaxAttempts int
}

// CallFunc performs one network call and returns the typed result payload.
// The correlation key identifies (caseId, phase, invocation) so the
// collaborator can deduplicate re-invocations after a crash.
type CallFunc func(ctx context.Context, correlation string) (*journal.ResultRecord, error)

type Dispatcher struct {
	Journal  journal.Journal
	Emitter  *events.Emitter
	Backoff  BackoffConfig
	Redactor *report.Redactor
	Log      *logrus.Entry

	// Clock and Sleep are injectable for tests.
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) bool
}

func (d *Dispatcher) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) bool {
	if d.Sleep != nil {
		return d.Sleep(ctx, delay)
	}
	return sleepWithContext(ctx, delay)
}

// Correlation builds the idempotency key forwarded to collaborators.
func Correlation(caseID string, phase runtime.State, invocation int) string {
	return fmt.Sprintf("%s:%s:%d", caseID, phase, invocation)
}

// Invoke runs one phase invocation of an activity: at most MaxAttempts
// network calls, each journaled as an attempt/result pair, with backoff
// between retryable failures. When recovered is true this is the
// crash-recovery re-invocation and exactly one more call is allowed.
//
// Results (success or failure) are folded into the case projection through
// journal.ApplyResult, so the live projection matches a replay.
func (d *Dispatcher) Invoke(ctx context.Context, cs *runtime.Case, phase runtime.State, act Activity, invocation int, recovered bool, call CallFunc) (*journal.ResultRecord, *Error) {
	correlation := Correlation(cs.ID, phase, invocation)
	maxCalls := act.MaxAttempts
	if maxCalls < 1 {
		maxCalls = 1
	}
	if recovered {
		maxCalls = 1
	}

	var lastErr *Error
	for callNo := 1; callNo <= maxCalls; callNo++ {
		if !cs.Deadline.IsZero() && d.now().After(cs.Deadline) {
			return nil, &Error{
				Kind:         KindTimeout,
				Activity:     act.Name,
				Message:      "case deadline exceeded",
				CaseDeadline: true,
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, Classify(act.Name, err)
		}

		attempt := &journal.AttemptRecord{
			Phase:       phase,
			Activity:    act.Name,
			Invocation:  invocation,
			Call:        callNo,
			Correlation: correlation,
			Recovered:   recovered,
		}
		if _, err := d.Journal.Append(ctx, &journal.Entry{
			CaseID:  cs.ID,
			Kind:    journal.KindActivityAttempt,
			Attempt: attempt,
		}); err != nil {
			// Cancellation can land between the loop-top check and the append;
			// the case must seal cancelled, not internal.
			if cerr := ctx.Err(); cerr != nil {
				return nil, Classify(act.Name, cerr)
			}
			return nil, &Error{Kind: KindInternal, Activity: act.Name, Message: "journal append: " + err.Error()}
		}
		d.emit(cs, events.TypeActivityAttempt, invocation, map[string]any{
			"activity": act.Name,
			"phase":    string(phase),
			"call":     callNo,
		})

		cctx := ctx
		var cancel context.CancelFunc
		if act.Timeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, act.Timeout)
		}
		start := d.now()
		res, callErr := call(cctx, correlation)
		if cancel != nil {
			cancel()
		}
		durMS := d.now().Sub(start).Milliseconds()

		if callErr == nil && res != nil {
			res.Phase = phase
			res.Activity = act.Name
			res.Invocation = invocation
			res.Call = callNo
			res.Correlation = correlation
			res.OK = true
			res.DurationMS = durMS
			if err := d.journalResult(ctx, cs, res); err != nil {
				return nil, err
			}
			return res, nil
		}
		if callErr == nil {
			callErr = fmt.Errorf("collaborator returned no result")
		}

		cerr := Classify(act.Name, callErr)
		// The outer context ending trumps the per-attempt deadline.
		if ctx.Err() != nil && cerr.Kind == KindTimeout {
			cerr = Classify(act.Name, ctx.Err())
		}
		cerr.Message = d.scrub(cerr.Message)
		for i, det := range cerr.Details {
			cerr.Details[i] = d.scrub(det)
		}

		errMsg := cerr.Message
		if len(cerr.Details) > 0 {
			// Structured details (compiler errors and the like) ride along in
			// the journaled message so feedback edges can replay them.
			errMsg += ": " + strings.Join(cerr.Details, "; ")
		}
		rec := &journal.ResultRecord{
			Phase:       phase,
			Activity:    act.Name,
			Invocation:  invocation,
			Call:        callNo,
			Correlation: correlation,
			OK:          false,
			ErrKind:     string(cerr.Kind),
			ErrMsg:      errMsg,
			DurationMS:  durMS,
		}
		if err := d.journalResult(ctx, cs, rec); err != nil {
			return nil, err
		}

		if cerr.Kind == KindCancelled {
			return nil, cerr
		}
		lastErr = cerr
		if !cerr.Retryable() || callNo == maxCalls {
			return nil, cerr
		}

		delay := DelayForAttempt(callNo, d.Backoff, fmt.Sprintf("%s:%d", correlation, callNo))
		if ra := cerr.RetryAfter(); ra != nil && *ra > delay {
			delay = *ra
		}
		if d.Log != nil {
			d.Log.WithFields(logrus.Fields{
				"case_id":  cs.ID,
				"activity": act.Name,
				"call":     callNo,
				"delay_ms": delay.Milliseconds(),
				"err_kind": cerr.Kind,
			}).Debug("retrying activity")
		}
		if !d.sleep(ctx, delay) {
			return nil, Classify(act.Name, ctx.Err())
		}
	}
	if lastErr == nil {
		lastErr = &Error{Kind: KindInternal, Activity: act.Name, Message: "no attempts made"}
	}
	return nil, lastErr
}

func (d *Dispatcher) journalResult(ctx context.Context, cs *runtime.Case, rec *journal.ResultRecord) *Error {
	// Journal first, then mutate the projection: the journal is the source
	// of truth and the projection must never get ahead of it.
	if _, err := d.Journal.Append(ctx, &journal.Entry{
		CaseID: cs.ID,
		Kind:   journal.KindActivityResult,
		Result: rec,
	}); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return Classify(rec.Activity, cerr)
		}
		return &Error{Kind: KindInternal, Activity: rec.Activity, Message: "journal append: " + err.Error()}
	}
	journal.ApplyResult(cs, rec)
	data := map[string]any{
		"activity": rec.Activity,
		"phase":    string(rec.Phase),
		"call":     rec.Call,
		"ok":       rec.OK,
	}
	if !rec.OK {
		data["err_kind"] = rec.ErrKind
	}
	d.emit(cs, events.TypeActivityResult, rec.Invocation, data)
	return nil
}

func (d *Dispatcher) emit(cs *runtime.Case, typ events.Type, attempt int, data map[string]any) {
	if d.Emitter == nil {
		return
	}
	d.Emitter.Emit(events.Event{
		Type:       typ,
		CaseID:     cs.ID,
		Repository: cs.Repository,
		RunID:      cs.RunID,
		HeadSHA:    cs.HeadSHA,
		State:      cs.State,
		Attempt:    attempt,
		Data:       data,
	})
}

func (d *Dispatcher) scrub(s string) string {
	if d.Redactor == nil || s == "" {
		return s
	}
	out, _ := d.Redactor.Redact(s)
	return out
}

func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
