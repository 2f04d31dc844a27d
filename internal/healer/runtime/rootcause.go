package runtime

import (
	"fmt"
	"strings"
)

// RootCause is the categorical diagnosis chosen by the diagnoser. It drives
// the patch strategy: unknown with no offered patch skips the patch phase
// entirely and re-runs the tests against the unchanged head.
type RootCause string

const (
	CauseDepUpgrade      RootCause = "dep_upgrade"
	CauseAPIChange       RootCause = "api_change"
	CauseFlakyTest       RootCause = "flaky_test"
	CauseConfigError     RootCause = "config_error"
	CauseEnvIssue        RootCause = "env_issue"
	CausePermissionError RootCause = "permission_error"
	CauseTimeout         RootCause = "timeout"
	CauseUnknown         RootCause = "unknown"
)

func ParseRootCause(s string) (RootCause, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dep_upgrade":
		return CauseDepUpgrade, nil
	case "api_change":
		return CauseAPIChange, nil
	case "flaky_test":
		return CauseFlakyTest, nil
	case "config_error":
		return CauseConfigError, nil
	case "env_issue":
		return CauseEnvIssue, nil
	case "permission_error":
		return CausePermissionError, nil
	case "timeout":
		return CauseTimeout, nil
	case "unknown", "":
		return CauseUnknown, nil
	default:
		return "", fmt.Errorf("invalid root cause: %q", s)
	}
}

func (c RootCause) Valid() bool {
	_, err := ParseRootCause(string(c))
	return err == nil
}

// Criticality is the per-invariant severity. Only invariants at or above the
// configured threshold block a merge.
type Criticality string

const (
	CriticalityLow      Criticality = "low"
	CriticalityMedium   Criticality = "medium"
	CriticalityHigh     Criticality = "high"
	CriticalityCritical Criticality = "critical"
)

var criticalityRank = map[Criticality]int{
	CriticalityLow:      0,
	CriticalityMedium:   1,
	CriticalityHigh:     2,
	CriticalityCritical: 3,
}

func ParseCriticality(s string) (Criticality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return CriticalityLow, nil
	case "medium":
		return CriticalityMedium, nil
	case "high":
		return CriticalityHigh, nil
	case "critical":
		return CriticalityCritical, nil
	default:
		return "", fmt.Errorf("invalid criticality: %q", s)
	}
}

// AtLeast reports whether c ranks at or above threshold.
func (c Criticality) AtLeast(threshold Criticality) bool {
	cr, ok := criticalityRank[c]
	if !ok {
		return false
	}
	tr, ok := criticalityRank[threshold]
	if !ok {
		return false
	}
	return cr >= tr
}

// Verdict is the test-runner outcome over N repeated runs.
type Verdict string

const (
	VerdictPass  Verdict = "pass"
	VerdictFail  Verdict = "fail"
	VerdictFlaky Verdict = "flaky"
)

func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pass":
		return VerdictPass, nil
	case "fail":
		return VerdictFail, nil
	case "flaky":
		return VerdictFlaky, nil
	default:
		return "", fmt.Errorf("invalid verdict: %q", s)
	}
}

// TheoremVerdict is the prover's per-theorem result.
type TheoremVerdict string

const (
	TheoremProven   TheoremVerdict = "proven"
	TheoremUnproven TheoremVerdict = "unproven"
	TheoremSorry    TheoremVerdict = "sorry"
	TheoremError    TheoremVerdict = "error"
)
