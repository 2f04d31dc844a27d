package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/remedyhq/remedy/internal/healer/journal"
	"github.com/remedyhq/remedy/internal/healer/report"
	"github.com/remedyhq/remedy/internal/healer/runtime"
)

func TestDelayForAttempt_Deterministic(t *testing.T) {
	cfg := DefaultBackoffConfig()
	a := DelayForAttempt(1, cfg, "case:diagnose:1:1")
	b := DelayForAttempt(1, cfg, "case:diagnose:1:1")
	if a != b {
		t.Fatalf("same seed produced %v and %v", a, b)
	}
	c := DelayForAttempt(1, cfg, "case:diagnose:1:2")
	if a == c {
		t.Fatalf("different seeds produced identical delay %v", a)
	}
}

func TestDelayForAttempt_JitterRange(t *testing.T) {
	cfg := DefaultBackoffConfig()
	seeds := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for attempt := 1; attempt <= 5; attempt++ {
		raw := float64(cfg.BaseMS) * float64(int(1)<<(attempt-1))
		if raw > float64(cfg.CapMS) {
			raw = float64(cfg.CapMS)
		}
		lo := time.Duration(raw*0.75) * time.Millisecond
		hi := time.Duration(raw*1.25) * time.Millisecond
		for _, s := range seeds {
			d := DelayForAttempt(attempt, cfg, s)
			if d < lo || d > hi {
				t.Fatalf("attempt %d seed %q: %v outside [%v, %v]", attempt, s, d, lo, hi)
			}
		}
	}
}

func TestDelayForAttempt_CapWithoutJitter(t *testing.T) {
	cfg := BackoffConfig{BaseMS: 1000, CapMS: 4000, Jitter: false}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := DelayForAttempt(i+1, cfg, "x"); got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
	}
}

func TestClassify(t *testing.T) {
	if e := Classify("diagnoser", context.Canceled); e.Kind != KindCancelled {
		t.Fatalf("canceled: %s", e.Kind)
	}
	if e := Classify("diagnoser", context.DeadlineExceeded); e.Kind != KindTimeout {
		t.Fatalf("deadline: %s", e.Kind)
	}
	if e := Classify("diagnoser", errors.New("boom")); e.Kind != KindInternal {
		t.Fatalf("opaque: %s", e.Kind)
	}
	wrapped := &Error{Kind: KindCompilationFailed, Message: "does not compile"}
	if e := Classify("patcher", wrapped); e.Kind != KindCompilationFailed || e.Activity != "patcher" {
		t.Fatalf("wrapped: %+v", e)
	}
}

func TestFromHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{429, KindRateLimited},
		{408, KindTransient},
		{500, KindTransient},
		{503, KindTransient},
		{400, KindInvalidInput},
		{422, KindInvalidInput},
	}
	for _, tc := range cases {
		if e := FromHTTPStatus("tester", tc.status, "", nil); e.Kind != tc.want {
			t.Fatalf("status %d: got %s want %s", tc.status, e.Kind, tc.want)
		}
	}
}

func TestErrorReason(t *testing.T) {
	cases := map[Kind]runtime.FailureReason{
		KindTimeout:      runtime.ReasonTimeout,
		KindCancelled:    runtime.ReasonCancelled,
		KindInvalidInput: runtime.ReasonContract,
		KindPatchInvalid: runtime.ReasonContract,
		KindInternal:     runtime.ReasonInternal,
	}
	for k, want := range cases {
		e := &Error{Kind: k}
		if got := e.Reason(); got != want {
			t.Fatalf("%s: got %s want %s", k, got, want)
		}
	}
}

func testCase() *runtime.Case {
	return runtime.NewCase(runtime.FailureEvent{
		Repository: "acme/widgets",
		RunID:      "42",
		HeadSHA:    "deadbeef",
		Branch:     "main",
	}, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
}

func testDispatcher(j journal.Journal) *Dispatcher {
	red, _ := report.NewRedactor(nil)
	return &Dispatcher{
		Journal:  j,
		Backoff:  BackoffConfig{BaseMS: 10, CapMS: 40, Jitter: false},
		Redactor: red,
		Sleep:    func(ctx context.Context, d time.Duration) bool { return true },
	}
}

func TestInvoke_SuccessJournalsAttemptAndResult(t *testing.T) {
	j := journal.NewMemory()
	d := testDispatcher(j)
	cs := testCase()
	cs.State = runtime.StateDiagnose

	res, derr := d.Invoke(context.Background(), cs, runtime.StateDiagnose,
		Activity{Name: "diagnoser", MaxAttempts: 3}, 1, false,
		func(ctx context.Context, correlation string) (*journal.ResultRecord, error) {
			if correlation != cs.ID+":diagnose:1" {
				t.Fatalf("correlation: %q", correlation)
			}
			return &journal.ResultRecord{
				Diagnosis: &runtime.Diagnosis{RootCause: runtime.CauseFlakyTest, Confidence: 0.9},
			}, nil
		})
	if derr != nil {
		t.Fatalf("invoke: %v", derr)
	}
	if !res.OK || res.Call != 1 {
		t.Fatalf("result: %+v", res)
	}
	if cs.Diagnosis == nil || cs.RootCause != runtime.CauseFlakyTest {
		t.Fatalf("result not applied to projection: %+v", cs)
	}

	entries, _ := j.ReadAll(context.Background(), cs.ID)
	if len(entries) != 2 {
		t.Fatalf("entries: %d", len(entries))
	}
	if entries[0].Kind != journal.KindActivityAttempt || entries[1].Kind != journal.KindActivityResult {
		t.Fatalf("kinds: %s, %s", entries[0].Kind, entries[1].Kind)
	}
	if entries[0].Attempt.Correlation != entries[1].Result.Correlation {
		t.Fatalf("correlation mismatch")
	}
}

func TestInvoke_RetriesTransientThenSucceeds(t *testing.T) {
	j := journal.NewMemory()
	d := testDispatcher(j)
	var slept []time.Duration
	d.Sleep = func(ctx context.Context, delay time.Duration) bool {
		slept = append(slept, delay)
		return true
	}
	cs := testCase()

	calls := 0
	res, derr := d.Invoke(context.Background(), cs, runtime.StateTest,
		Activity{Name: "test-runner", MaxAttempts: 3}, 1, false,
		func(ctx context.Context, correlation string) (*journal.ResultRecord, error) {
			calls++
			if calls < 3 {
				return nil, &Error{Kind: KindTransient, Message: "connection reset"}
			}
			return &journal.ResultRecord{Test: &runtime.TestOutcome{Verdict: runtime.VerdictPass}}, nil
		})
	if derr != nil {
		t.Fatalf("invoke: %v", derr)
	}
	if calls != 3 || res.Call != 3 {
		t.Fatalf("calls=%d result call=%d", calls, res.Call)
	}
	if len(slept) != 2 {
		t.Fatalf("sleeps: %v", slept)
	}
	if slept[0] != 10*time.Millisecond || slept[1] != 20*time.Millisecond {
		t.Fatalf("delays: %v", slept)
	}

	entries, _ := j.ReadAll(context.Background(), cs.ID)
	// attempt/result pairs for all three calls.
	if len(entries) != 6 {
		t.Fatalf("entries: %d", len(entries))
	}
	if entries[1].Result.OK || entries[3].Result.OK || !entries[5].Result.OK {
		t.Fatalf("result ok flags wrong")
	}
}

func TestInvoke_NonRetryableStopsImmediately(t *testing.T) {
	j := journal.NewMemory()
	d := testDispatcher(j)
	cs := testCase()

	calls := 0
	_, derr := d.Invoke(context.Background(), cs, runtime.StatePatch,
		Activity{Name: "patcher", MaxAttempts: 3}, 1, false,
		func(ctx context.Context, correlation string) (*journal.ResultRecord, error) {
			calls++
			return nil, &Error{Kind: KindCompilationFailed, Message: "undefined symbol", Details: []string{"foo.go:12"}}
		})
	if derr == nil || derr.Kind != KindCompilationFailed {
		t.Fatalf("err: %v", derr)
	}
	if calls != 1 {
		t.Fatalf("calls: %d", calls)
	}
	if len(derr.Details) != 1 || derr.Details[0] != "foo.go:12" {
		t.Fatalf("details: %v", derr.Details)
	}
}

func TestInvoke_RecoveredAllowsOneCallOnly(t *testing.T) {
	j := journal.NewMemory()
	d := testDispatcher(j)
	cs := testCase()

	calls := 0
	_, derr := d.Invoke(context.Background(), cs, runtime.StatePatch,
		Activity{Name: "patcher", MaxAttempts: 3}, 2, true,
		func(ctx context.Context, correlation string) (*journal.ResultRecord, error) {
			calls++
			return nil, &Error{Kind: KindTransient, Message: "reset"}
		})
	if derr == nil || derr.Kind != KindTransient {
		t.Fatalf("err: %v", derr)
	}
	if calls != 1 {
		t.Fatalf("recovered invocation made %d calls", calls)
	}
	entries, _ := j.ReadAll(context.Background(), cs.ID)
	if !entries[0].Attempt.Recovered {
		t.Fatalf("attempt record not marked recovered")
	}
}

func TestInvoke_CaseDeadlineTerminal(t *testing.T) {
	j := journal.NewMemory()
	d := testDispatcher(j)
	cs := testCase()
	cs.Deadline = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d.Clock = func() time.Time { return cs.Deadline.Add(time.Minute) }

	_, derr := d.Invoke(context.Background(), cs, runtime.StateProve,
		Activity{Name: "prover", MaxAttempts: 3}, 1, false,
		func(ctx context.Context, correlation string) (*journal.ResultRecord, error) {
			t.Fatalf("call must not run past the deadline")
			return nil, nil
		})
	if derr == nil || derr.Kind != KindTimeout || !derr.CaseDeadline {
		t.Fatalf("err: %+v", derr)
	}
	if derr.Retryable() {
		t.Fatalf("case deadline expiry must not be retryable")
	}
}

func TestInvoke_RetryAfterOverridesShorterBackoff(t *testing.T) {
	j := journal.NewMemory()
	d := testDispatcher(j)
	var slept []time.Duration
	d.Sleep = func(ctx context.Context, delay time.Duration) bool {
		slept = append(slept, delay)
		return true
	}
	cs := testCase()

	ra := 250 * time.Millisecond
	calls := 0
	_, derr := d.Invoke(context.Background(), cs, runtime.StateMerge,
		Activity{Name: "merger", MaxAttempts: 2}, 1, false,
		func(ctx context.Context, correlation string) (*journal.ResultRecord, error) {
			calls++
			if calls == 1 {
				return nil, &Error{Kind: KindRateLimited, Message: "slow down", retryAfter: &ra}
			}
			return &journal.ResultRecord{Merge: &runtime.MergeResult{Merged: true}}, nil
		})
	if derr != nil {
		t.Fatalf("invoke: %v", derr)
	}
	if len(slept) != 1 || slept[0] != ra {
		t.Fatalf("slept: %v", slept)
	}
}

func TestInvoke_ScrubsSecretsBeforeJournaling(t *testing.T) {
	j := journal.NewMemory()
	d := testDispatcher(j)
	cs := testCase()

	_, derr := d.Invoke(context.Background(), cs, runtime.StateDiagnose,
		Activity{Name: "diagnoser", MaxAttempts: 1}, 1, false,
		func(ctx context.Context, correlation string) (*journal.ResultRecord, error) {
			return nil, errors.New("auth failed: Bearer abcdef123456 rejected")
		})
	if derr == nil {
		t.Fatalf("expected error")
	}
	entries, _ := j.ReadAll(context.Background(), cs.ID)
	msg := entries[1].Result.ErrMsg
	if msg == "" || containsToken(msg) {
		t.Fatalf("secret leaked into journal: %q", msg)
	}
}

func containsToken(s string) bool {
	for i := 0; i+12 <= len(s); i++ {
		if s[i:i+12] == "abcdef123456" {
			return true
		}
	}
	return false
}

func TestInvoke_ContextCancelledMidRetry(t *testing.T) {
	j := journal.NewMemory()
	d := testDispatcher(j)
	ctx, cancel := context.WithCancel(context.Background())
	d.Sleep = func(sctx context.Context, delay time.Duration) bool {
		cancel()
		return false
	}
	cs := testCase()

	_, derr := d.Invoke(ctx, cs, runtime.StateTest,
		Activity{Name: "test-runner", MaxAttempts: 3}, 1, false,
		func(ctx context.Context, correlation string) (*journal.ResultRecord, error) {
			return nil, &Error{Kind: KindTransient, Message: "reset"}
		})
	if derr == nil || derr.Kind != KindCancelled {
		t.Fatalf("err: %v", derr)
	}
}

// cancellingJournal cancels the invocation context from inside Append, so
// the append fails exactly in the window after the loop-top ctx check.
type cancellingJournal struct {
	journal.Journal
	cancel context.CancelFunc
}

func (c *cancellingJournal) Append(ctx context.Context, e *journal.Entry) (uint64, error) {
	c.cancel()
	return 0, ctx.Err()
}

func TestInvoke_AppendFailureUnderCancellationIsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j := &cancellingJournal{Journal: journal.NewMemory(), cancel: cancel}
	d := testDispatcher(j)
	cs := testCase()

	_, derr := d.Invoke(ctx, cs, runtime.StateTest,
		Activity{Name: "test-runner", MaxAttempts: 3}, 1, false,
		func(ctx context.Context, correlation string) (*journal.ResultRecord, error) {
			t.Fatalf("call must not run when the attempt could not be journaled")
			return nil, nil
		})
	if derr == nil || derr.Kind != KindCancelled {
		t.Fatalf("err: %v", derr)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if d := ParseRetryAfter("30", now); d == nil || *d != 30*time.Second {
		t.Fatalf("seconds: %v", d)
	}
	if d := ParseRetryAfter("", now); d != nil {
		t.Fatalf("empty: %v", d)
	}
	if d := ParseRetryAfter("garbage", now); d != nil {
		t.Fatalf("garbage: %v", d)
	}
	httpDate := now.Add(90 * time.Second).Format("Mon, 02 Jan 2006 15:04:05 GMT")
	if d := ParseRetryAfter(httpDate, now); d == nil || *d != 90*time.Second {
		t.Fatalf("http date: %v", d)
	}
}
