package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/remedyhq/remedy/internal/healer/dispatch"
	"github.com/remedyhq/remedy/internal/healer/runtime"
)

func TestHTTPDiagnoser_RoundTrip(t *testing.T) {
	var gotReq DiagnoseRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sekrit" {
			t.Errorf("missing auth header")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"root_cause":  "dep_upgrade",
			"confidence":  0.85,
			"patch":       "--- a/go.mod\n+++ b/go.mod\n",
			"explanation": "lockfile drifted",
		})
	}))
	defer ts.Close()

	d := &HTTPDiagnoser{client: ts.Client(), ep: Endpoint{URL: ts.URL, Token: "sekrit"}}
	diag, err := d.Diagnose(context.Background(), DiagnoseRequest{
		Correlation: "c1:diagnose:1",
		CaseID:      "c1",
		Report:      runtime.FailureReport{Repository: "acme/widgets", FailureMessage: "boom"},
	})
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if diag.RootCause != runtime.CauseDepUpgrade || diag.Confidence != 0.85 {
		t.Fatalf("diagnosis: %+v", diag)
	}
	if gotReq.Correlation != "c1:diagnose:1" {
		t.Fatalf("request correlation: %q", gotReq.Correlation)
	}
}

func TestHTTPDiagnoser_RejectsUnknownRootCause(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"root_cause": "cosmic_rays",
			"confidence": 0.9,
		})
	}))
	defer ts.Close()

	d := &HTTPDiagnoser{client: ts.Client(), ep: Endpoint{URL: ts.URL}}
	_, err := d.Diagnose(context.Background(), DiagnoseRequest{})
	var de *dispatch.Error
	if !errors.As(err, &de) || de.Kind != dispatch.KindInvalidInput {
		t.Fatalf("err: %v", err)
	}
}

func TestHTTPPatcher_CompilationFailed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{
			"code":    "COMPILATION_FAILED",
			"message": "patched tree does not compile",
			"details": []string{"widgets.go:14: undefined: Frob"},
		})
	}))
	defer ts.Close()

	p := &HTTPPatcher{client: ts.Client(), ep: Endpoint{URL: ts.URL}}
	_, err := p.ApplyPatch(context.Background(), PatchRequest{})
	var de *dispatch.Error
	if !errors.As(err, &de) {
		t.Fatalf("err: %v", err)
	}
	if de.Kind != dispatch.KindCompilationFailed {
		t.Fatalf("kind: %s", de.Kind)
	}
	if len(de.Details) != 1 || de.Details[0] != "widgets.go:14: undefined: Frob" {
		t.Fatalf("details: %v", de.Details)
	}
	if de.Retryable() {
		t.Fatalf("compilation failure must not be transport-retryable")
	}
}

func TestHTTPTestRunner_RateLimitedCarriesRetryAfter(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	tr := &HTTPTestRunner{client: ts.Client(), ep: Endpoint{URL: ts.URL}}
	_, err := tr.RunTests(context.Background(), TestRequest{})
	var de *dispatch.Error
	if !errors.As(err, &de) || de.Kind != dispatch.KindRateLimited {
		t.Fatalf("err: %v", err)
	}
	if ra := de.RetryAfter(); ra == nil || ra.Seconds() != 7 {
		t.Fatalf("retry after: %v", de.RetryAfter())
	}
}

func TestHTTPProver_DecodesTheorems(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ProveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(req.Invariants) != 2 || req.BudgetMS != 2000 {
			t.Errorf("request: %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"theorems": []map[string]any{
				{"name": "no_panic", "verdict": "proven", "duration_ms": 120},
				{"name": "idempotent", "verdict": "sorry"},
			},
		})
	}))
	defer ts.Close()

	p := &HTTPProver{client: ts.Client(), ep: Endpoint{URL: ts.URL}}
	out, err := p.Prove(context.Background(), ProveRequest{
		Invariants: []runtime.Invariant{
			{Name: "no_panic", Predicate: "true", Criticality: runtime.CriticalityHigh},
			{Name: "idempotent", Predicate: "true", Criticality: runtime.CriticalityLow},
		},
		BudgetMS: 2000,
	})
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if len(out.Theorems) != 2 || out.Theorems[1].Verdict != runtime.TheoremSorry {
		t.Fatalf("theorems: %+v", out.Theorems)
	}
}

func TestHTTPMerger_ServerErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "db down", http.StatusInternalServerError)
	}))
	defer ts.Close()

	m := &HTTPMerger{client: ts.Client(), ep: Endpoint{URL: ts.URL}}
	_, err := m.Merge(context.Background(), MergeRequest{})
	var de *dispatch.Error
	if !errors.As(err, &de) || de.Kind != dispatch.KindTransient {
		t.Fatalf("err: %v", err)
	}
	if !de.Retryable() {
		t.Fatalf("5xx must be retryable")
	}
}
