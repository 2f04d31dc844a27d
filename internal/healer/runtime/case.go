package runtime

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// FailureEvent is the normalized ingress record handed to the admitter by
// the webhook layer. Immutable once constructed.
type FailureEvent struct {
	Repository     string    `json:"repository"`
	RunID          string    `json:"run_id"`
	HeadSHA        string    `json:"head_sha"`
	Branch         string    `json:"branch"`
	Workflow       string    `json:"workflow"`
	Actor          string    `json:"actor,omitempty"`
	InstallationID string    `json:"installation_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
	ReceivedAt     time.Time `json:"received_at"`
}

func (ev FailureEvent) Validate() error {
	if strings.TrimSpace(ev.Repository) == "" {
		return fmt.Errorf("failure event: repository is required")
	}
	if strings.TrimSpace(ev.RunID) == "" {
		return fmt.Errorf("failure event: run_id is required")
	}
	if strings.TrimSpace(ev.HeadSHA) == "" {
		return fmt.Errorf("failure event: head_sha is required")
	}
	if strings.TrimSpace(ev.Branch) == "" {
		return fmt.Errorf("failure event: branch is required")
	}
	return nil
}

// CaseID derives the stable case identity from the (repository, run, head)
// triple. Stable across restarts; identical events hash to the same case.
func CaseID(repository, runID, headSHA string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(repository))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(runID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(headSHA))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// DedupKey is the admission key. Same derivation as CaseID; kept separate so
// the two can diverge without a storage migration.
func DedupKey(repository, runID, headSHA string) string {
	return CaseID(repository, runID, headSHA)
}

// Case is the engine-owned unit of work. The journal is the source of truth;
// a Case value is a projection and is mutated only by the single worker that
// holds its lease.
type Case struct {
	ID         string `json:"case_id"`
	Repository string `json:"repository"`
	RunID      string `json:"run_id"`
	HeadSHA    string `json:"head_sha"`
	Branch     string `json:"branch"`
	Workflow   string `json:"workflow,omitempty"`

	State     State     `json:"state"`
	RootCause RootCause `json:"root_cause,omitempty"`

	// Attempts counts activity invocations per phase, including feedback
	// re-entries. attempts[phase] <= maxRetries[phase]+1 must always hold
	// (+1 is the crash-recovery allowance).
	Attempts map[State]int `json:"attempts,omitempty"`

	Diagnosis    *Diagnosis     `json:"diagnosis,omitempty"`
	PatchRef     string         `json:"patch_ref,omitempty"`
	FilesChanged []string       `json:"files_changed,omitempty"`
	TestOutcome  *TestOutcome   `json:"test_outcome,omitempty"`
	ProofOutcome *ProofOutcome  `json:"proof_outcome,omitempty"`
	MergeResult  *MergeResult   `json:"merge_result,omitempty"`
	Prior        []PriorAttempt `json:"prior_attempts,omitempty"`

	Reason FailureReason `json:"failure_reason,omitempty"`

	StartedAt        time.Time `json:"started_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	Deadline         time.Time `json:"deadline"`
	Sealed           bool      `json:"sealed,omitempty"`
}

// NewCase builds the initial projection for an admitted event.
func NewCase(ev FailureEvent, now time.Time) *Case {
	return &Case{
		ID:         CaseID(ev.Repository, ev.RunID, ev.HeadSHA),
		Repository: ev.Repository,
		RunID:      ev.RunID,
		HeadSHA:    ev.HeadSHA,
		Branch:     ev.Branch,
		Workflow:   ev.Workflow,
		State:      StateNew,
		Attempts:   map[State]int{},
		StartedAt:  now.UTC(),
	}
}

// Flaky reports whether the recorded test outcome was promoted despite mixed
// retry results.
func (c *Case) Flaky() bool {
	return c != nil && c.TestOutcome != nil && c.TestOutcome.Verdict == VerdictFlaky
}

// NextAttempt increments and returns the invocation counter for a phase.
func (c *Case) NextAttempt(phase State) int {
	if c.Attempts == nil {
		c.Attempts = map[State]int{}
	}
	c.Attempts[phase]++
	return c.Attempts[phase]
}
