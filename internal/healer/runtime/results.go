package runtime

import (
	"fmt"
	"strings"
)

// Diagnosis is the diagnoser's answer: a categorical root cause, the model's
// confidence in it, and optionally a unified diff to try.
type Diagnosis struct {
	RootCause           RootCause `json:"root_cause"`
	Confidence          float64   `json:"confidence"`
	Patch               string    `json:"patch,omitempty"`
	Explanation         string    `json:"explanation"`
	SuggestedActions    []string  `json:"suggested_actions,omitempty"`
	EstimatedFixMinutes int       `json:"estimated_fix_minutes,omitempty"`
}

func (d Diagnosis) Validate() error {
	if !d.RootCause.Valid() {
		return fmt.Errorf("diagnosis: invalid root cause %q", d.RootCause)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("diagnosis: confidence %v out of [0,1]", d.Confidence)
	}
	return nil
}

// HasPatch reports whether the diagnoser offered a concrete diff.
func (d Diagnosis) HasPatch() bool {
	return strings.TrimSpace(d.Patch) != ""
}

// PatchResult is the patcher's success payload.
type PatchResult struct {
	PatchRef     string   `json:"patch_ref"`
	FilesChanged []string `json:"files_changed"`
}

func (p PatchResult) Validate() error {
	if strings.TrimSpace(p.PatchRef) == "" {
		return fmt.Errorf("patch result: patch_ref is required")
	}
	return nil
}

// RetryOutcome is one of the test runner's repeated executions.
type RetryOutcome struct {
	Attempt    int    `json:"attempt"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// TestOutcome aggregates the runner's repeated executions. The runner
// computes flakiness = 1 - |2*(successCount/N) - 1|: 0 for unanimous
// outcomes, approaching 1 for an even split.
type TestOutcome struct {
	Verdict        Verdict        `json:"verdict"`
	FlakinessScore float64        `json:"flakiness_score"`
	RetryOutcomes  []RetryOutcome `json:"retry_outcomes,omitempty"`
	Trace          string         `json:"trace,omitempty"`
}

func (t TestOutcome) Validate() error {
	if _, err := ParseVerdict(string(t.Verdict)); err != nil {
		return err
	}
	if t.FlakinessScore < 0 || t.FlakinessScore > 1 {
		return fmt.Errorf("test outcome: flakiness %v out of [0,1]", t.FlakinessScore)
	}
	return nil
}

// Invariant is a declaratively stated property over the changed surface,
// handed to the prover.
type Invariant struct {
	Name        string      `json:"name"`
	Predicate   string      `json:"predicate"`
	Criticality Criticality `json:"criticality"`
	Scope       string      `json:"scope,omitempty"`
}

// TheoremResult is the prover's verdict for a single invariant.
type TheoremResult struct {
	Name       string         `json:"name"`
	Verdict    TheoremVerdict `json:"verdict"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}

// ProofSummary is the prover's aggregate count.
type ProofSummary struct {
	Total    int `json:"total"`
	Proven   int `json:"proven"`
	Unproven int `json:"unproven"`
	Sorry    int `json:"sorry"`
	Error    int `json:"error"`
}

// ProofOutcome is the prover response plus the engine's aggregate verdict
// over required invariants.
type ProofOutcome struct {
	Theorems []TheoremResult `json:"theorems"`
	Summary  ProofSummary    `json:"summary"`

	// Filled by the engine after aggregation.
	Pass             bool     `json:"pass"`
	FailedInvariants []string `json:"failed_invariants,omitempty"`
}

// Aggregate computes the pass/fail verdict: pass iff every invariant at or
// above the threshold is proven. sorry and error count as unproven.
func (p *ProofOutcome) Aggregate(invariants []Invariant, threshold Criticality) {
	byName := make(map[string]TheoremVerdict, len(p.Theorems))
	for _, th := range p.Theorems {
		byName[th.Name] = th.Verdict
	}
	p.Pass = true
	p.FailedInvariants = nil
	for _, inv := range invariants {
		if !inv.Criticality.AtLeast(threshold) {
			continue
		}
		if byName[inv.Name] != TheoremProven {
			p.Pass = false
			p.FailedInvariants = append(p.FailedInvariants, inv.Name)
		}
	}
}

// MergeResult is the merger's answer for the patch-branch PR.
type MergeResult struct {
	Merged   bool   `json:"merged"`
	MergeSHA string `json:"merge_sha,omitempty"`
	PRNumber int    `json:"pr_number,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// PriorAttempt carries enriched context back to the diagnoser along a
// feedback edge. Feedback edges are not retries: the diagnoser input differs.
type PriorAttempt struct {
	Attempt    int    `json:"attempt"`
	Phase      State  `json:"phase"`
	Error      string `json:"error"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// FailureReport is the redacted payload handed to the diagnoser.
type FailureReport struct {
	Repository string `json:"repository"`
	RunID      string `json:"run_id"`
	HeadSHA    string `json:"head_sha"`
	Branch     string `json:"branch"`

	FailureMessage string            `json:"failure_message"`
	ErrorLogs      string            `json:"error_logs,omitempty"`
	TestLogs       string            `json:"test_logs,omitempty"`
	Diff           string            `json:"diff,omitempty"`
	FailedTests    []string          `json:"failed_tests,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`

	PreviousAttempts []PriorAttempt `json:"previous_attempts,omitempty"`

	// Redactions is the count of secret substitutions made while assembling
	// the report. The redacted content itself is never recorded.
	Redactions      int `json:"redactions"`
	EstimatedTokens int `json:"estimated_tokens"`
}
