// Package collab defines the five collaborator services the engine drives
// and their HTTP adapters. Collaborators are stateless request/response
// services; all retry, classification, and journaling live in the engine's
// dispatcher, not here.
package collab

import (
	"context"

	"github.com/remedyhq/remedy/internal/healer/runtime"
)

// DiagnoseRequest carries the redacted failure report plus the correlation
// key the diagnoser uses to deduplicate re-deliveries.
type DiagnoseRequest struct {
	Correlation string                `json:"correlation"`
	CaseID      string                `json:"case_id"`
	Report      runtime.FailureReport `json:"report"`
}

// PatchRequest asks the patcher to apply the diagnoser's diff (or synthesize
// one from the diagnosis) on a fresh branch off head.
type PatchRequest struct {
	Correlation string            `json:"correlation"`
	CaseID      string            `json:"case_id"`
	Repository  string            `json:"repository"`
	Branch      string            `json:"branch"`
	HeadSHA     string            `json:"head_sha"`
	Diagnosis   runtime.Diagnosis `json:"diagnosis"`
}

// TestRequest asks the runner to execute the suite Retries times against the
// patch ref, or against the unchanged head when PatchRef is empty. The runner
// reports flaky when the flakiness score across retries exceeds
// FlakyThreshold.
type TestRequest struct {
	Correlation    string  `json:"correlation"`
	CaseID         string  `json:"case_id"`
	Repository     string  `json:"repository"`
	HeadSHA        string  `json:"head_sha"`
	PatchRef       string  `json:"patch_ref,omitempty"`
	Suite          string  `json:"suite,omitempty"`
	Retries        int     `json:"retries"`
	FlakyThreshold float64 `json:"flaky_threshold"`
	TimeoutMS      int64   `json:"timeout_ms"`
}

// ProveRequest asks the prover to check each invariant against the changed
// surface, spending at most BudgetMS per theorem.
type ProveRequest struct {
	Correlation string              `json:"correlation"`
	CaseID      string              `json:"case_id"`
	Repository  string              `json:"repository"`
	PatchRef    string              `json:"patch_ref,omitempty"`
	Invariants  []runtime.Invariant `json:"invariants"`
	BudgetMS    int64               `json:"budget_ms"`
}

// MergeRequest asks the merger to open (or reuse) the PR for the patch ref
// against the base branch and merge it. Title and Body are composed by the
// engine; RootCause and ProofVerdict let the merger enforce its own policy.
type MergeRequest struct {
	Correlation  string `json:"correlation"`
	CaseID       string `json:"case_id"`
	Repository   string `json:"repository"`
	Branch       string `json:"branch"`
	PatchRef     string `json:"patch_ref"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	RootCause    string `json:"root_cause"`
	ProofVerdict string `json:"proof_verdict"`
}

type Diagnoser interface {
	Diagnose(ctx context.Context, req DiagnoseRequest) (*runtime.Diagnosis, error)
}

type Patcher interface {
	ApplyPatch(ctx context.Context, req PatchRequest) (*runtime.PatchResult, error)
}

type TestRunner interface {
	RunTests(ctx context.Context, req TestRequest) (*runtime.TestOutcome, error)
}

type Prover interface {
	Prove(ctx context.Context, req ProveRequest) (*runtime.ProofOutcome, error)
}

type Merger interface {
	Merge(ctx context.Context, req MergeRequest) (*runtime.MergeResult, error)
}

// Set bundles the five collaborators the engine needs.
type Set struct {
	Diagnoser  Diagnoser
	Patcher    Patcher
	TestRunner TestRunner
	Prover     Prover
	Merger     Merger
}
