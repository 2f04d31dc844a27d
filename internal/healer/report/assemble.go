// Package report builds the redacted, size-bounded failure report handed to
// the diagnoser.
package report

import (
	"context"
	"strings"

	"github.com/remedyhq/remedy/internal/healer/runtime"
)

// RawFailure is the unredacted material collected from the source-forge
// adapter: workflow logs, the diff against the merge-base, test output, and
// environment metadata.
type RawFailure struct {
	FailureMessage string            `json:"failure_message"`
	ErrorLogs      string            `json:"error_logs,omitempty"`
	TestLogs       string            `json:"test_logs,omitempty"`
	Diff           string            `json:"diff,omitempty"`
	FailedTests    []string          `json:"failed_tests,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
}

// Source fetches the raw failure material for an event. The source-forge
// adapter implements this; tests use a canned value.
type Source interface {
	Fetch(ctx context.Context, ev runtime.FailureEvent) (*RawFailure, error)
}

// Static is a canned Source.
type Static struct {
	Raw RawFailure
}

func (s *Static) Fetch(ctx context.Context, ev runtime.FailureEvent) (*RawFailure, error) {
	raw := s.Raw
	return &raw, nil
}

// Assembler redacts and truncates raw failure material into a FailureReport.
type Assembler struct {
	Redactor    *Redactor
	TokenBudget int
}

// Assemble builds the report for a case. prior carries feedback-edge context
// (compilation errors, test failures from earlier phases). Redaction runs
// before truncation so a secret can never survive by straddling a cut.
func (a *Assembler) Assemble(cs *runtime.Case, raw *RawFailure, prior []runtime.PriorAttempt) *runtime.FailureReport {
	rep := &runtime.FailureReport{
		Repository:       cs.Repository,
		RunID:            cs.RunID,
		HeadSHA:          cs.HeadSHA,
		Branch:           cs.Branch,
		PreviousAttempts: append([]runtime.PriorAttempt{}, prior...),
	}
	redactions := 0
	redact := func(s string) string {
		out, n := a.Redactor.Redact(s)
		redactions += n
		return out
	}
	rep.FailureMessage = redact(raw.FailureMessage)
	rep.ErrorLogs = redact(raw.ErrorLogs)
	rep.TestLogs = redact(raw.TestLogs)
	rep.Diff = redact(raw.Diff)
	for _, ft := range raw.FailedTests {
		rep.FailedTests = append(rep.FailedTests, redact(ft))
	}
	env, n := a.Redactor.RedactEnv(raw.Environment)
	rep.Environment = env
	redactions += n
	rep.Redactions = redactions

	a.truncate(rep)
	rep.EstimatedTokens = reportTokens(rep)
	return rep
}

// truncate enforces the diagnoser token budget. Fields are kept in priority
// order — failure message, error logs, test logs, diff, failed tests — and
// every field below the first that no longer fits whole gets an equal share
// of what remains.
func (a *Assembler) truncate(rep *runtime.FailureReport) {
	budget := a.TokenBudget
	if budget <= 0 {
		return
	}
	if reportTokens(rep) <= budget {
		return
	}

	fields := []struct {
		get func() string
		set func(string)
	}{
		{func() string { return rep.FailureMessage }, func(s string) { rep.FailureMessage = s }},
		{func() string { return rep.ErrorLogs }, func(s string) { rep.ErrorLogs = s }},
		{func() string { return rep.TestLogs }, func(s string) { rep.TestLogs = s }},
		{func() string { return rep.Diff }, func(s string) { rep.Diff = s }},
		{func() string { return strings.Join(rep.FailedTests, "\n") }, func(s string) {
			if s == "" {
				rep.FailedTests = nil
				return
			}
			rep.FailedTests = strings.Split(s, "\n")
		}},
	}

	remaining := budget
	for i, f := range fields {
		tokens := EstimateTokens(f.get())
		if tokens <= remaining {
			remaining -= tokens
			continue
		}
		// This field and everything after it share the rest equally.
		tail := fields[i:]
		share := remaining / len(tail)
		for _, tf := range tail {
			tf.set(trimToTokens(tf.get(), share))
		}
		return
	}
}

func reportTokens(rep *runtime.FailureReport) int {
	total := EstimateTokens(rep.FailureMessage) +
		EstimateTokens(rep.ErrorLogs) +
		EstimateTokens(rep.TestLogs) +
		EstimateTokens(rep.Diff)
	for _, ft := range rep.FailedTests {
		total += EstimateTokens(ft)
	}
	return total
}
