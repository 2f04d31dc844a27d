package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/remedyhq/remedy/internal/healer/dispatch"
	"github.com/remedyhq/remedy/internal/healer/runtime"
)

// Endpoint addresses one collaborator service.
type Endpoint struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token,omitempty"`
}

// HTTPOptions are shared across the adapters built by NewHTTPSet.
type HTTPOptions struct {
	// Client defaults to a client with a 2 minute overall timeout; per-call
	// deadlines come from the dispatcher's context.
	Client    *http.Client
	UserAgent string
}

func (o HTTPOptions) httpClient() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return &http.Client{Timeout: 2 * time.Minute}
}

// Endpoints names the five collaborator services.
type Endpoints struct {
	Diagnoser  Endpoint `yaml:"diagnoser"`
	Patcher    Endpoint `yaml:"patcher"`
	TestRunner Endpoint `yaml:"test_runner"`
	Prover     Endpoint `yaml:"prover"`
	Merger     Endpoint `yaml:"merger"`
}

// NewHTTPSet builds HTTP adapters for every collaborator.
func NewHTTPSet(eps Endpoints, opts HTTPOptions) Set {
	c := opts.httpClient()
	ua := opts.UserAgent
	return Set{
		Diagnoser:  &HTTPDiagnoser{client: c, ep: eps.Diagnoser, ua: ua},
		Patcher:    &HTTPPatcher{client: c, ep: eps.Patcher, ua: ua},
		TestRunner: &HTTPTestRunner{client: c, ep: eps.TestRunner, ua: ua},
		Prover:     &HTTPProver{client: c, ep: eps.Prover, ua: ua},
		Merger:     &HTTPMerger{client: c, ep: eps.Merger, ua: ua},
	}
}

type HTTPDiagnoser struct {
	client *http.Client
	ep     Endpoint
	ua     string
}

func (d *HTTPDiagnoser) Diagnose(ctx context.Context, req DiagnoseRequest) (*runtime.Diagnosis, error) {
	var out runtime.Diagnosis
	if err := postJSON(ctx, d.client, "diagnoser", d.ep, d.ua, req, diagnosisSchema, &out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, &dispatch.Error{Kind: dispatch.KindInvalidInput, Activity: "diagnoser", Message: err.Error()}
	}
	return &out, nil
}

type HTTPPatcher struct {
	client *http.Client
	ep     Endpoint
	ua     string
}

func (p *HTTPPatcher) ApplyPatch(ctx context.Context, req PatchRequest) (*runtime.PatchResult, error) {
	var out runtime.PatchResult
	if err := postJSON(ctx, p.client, "patcher", p.ep, p.ua, req, patchSchema, &out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, &dispatch.Error{Kind: dispatch.KindInvalidInput, Activity: "patcher", Message: err.Error()}
	}
	return &out, nil
}

type HTTPTestRunner struct {
	client *http.Client
	ep     Endpoint
	ua     string
}

func (t *HTTPTestRunner) RunTests(ctx context.Context, req TestRequest) (*runtime.TestOutcome, error) {
	var out runtime.TestOutcome
	if err := postJSON(ctx, t.client, "test-runner", t.ep, t.ua, req, testSchema, &out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, &dispatch.Error{Kind: dispatch.KindInvalidInput, Activity: "test-runner", Message: err.Error()}
	}
	return &out, nil
}

type HTTPProver struct {
	client *http.Client
	ep     Endpoint
	ua     string
}

func (p *HTTPProver) Prove(ctx context.Context, req ProveRequest) (*runtime.ProofOutcome, error) {
	var out runtime.ProofOutcome
	if err := postJSON(ctx, p.client, "prover", p.ep, p.ua, req, proofSchema, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type HTTPMerger struct {
	client *http.Client
	ep     Endpoint
	ua     string
}

func (m *HTTPMerger) Merge(ctx context.Context, req MergeRequest) (*runtime.MergeResult, error) {
	var out runtime.MergeResult
	if err := postJSON(ctx, m.client, "merger", m.ep, m.ua, req, mergeSchema, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// errorBody is the collaborator error envelope: a machine code plus optional
// structured details (the patcher returns compiler errors there).
type errorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func postJSON(ctx context.Context, client *http.Client, activity string, ep Endpoint, ua string, reqBody any, schema *jsonschema.Schema, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return &dispatch.Error{Kind: dispatch.KindInternal, Activity: activity, Message: "encode request: " + err.Error()}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return &dispatch.Error{Kind: dispatch.KindInternal, Activity: activity, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if ep.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ep.Token)
	}
	if ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return dispatch.Classify(activity, ctx.Err())
		}
		return &dispatch.Error{Kind: dispatch.KindTransient, Activity: activity, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &dispatch.Error{Kind: dispatch.KindTransient, Activity: activity, Message: "read response: " + err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return classifyErrorResponse(activity, resp, raw)
	}

	// Validate against the response schema before decoding into the typed
	// struct, so unknown enum values and missing fields fail loudly.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return &dispatch.Error{Kind: dispatch.KindInvalidInput, Activity: activity, Message: "malformed response: " + err.Error()}
	}
	if err := schema.Validate(generic); err != nil {
		return &dispatch.Error{Kind: dispatch.KindInvalidInput, Activity: activity, Message: "response schema: " + err.Error()}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &dispatch.Error{Kind: dispatch.KindInvalidInput, Activity: activity, Message: "decode response: " + err.Error()}
	}
	return nil
}

func classifyErrorResponse(activity string, resp *http.Response, raw []byte) *dispatch.Error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	msg := eb.Message
	if msg == "" {
		msg = fmt.Sprintf("%s returned %s", activity, resp.Status)
	}

	switch eb.Code {
	case "COMPILATION_FAILED":
		return &dispatch.Error{Kind: dispatch.KindCompilationFailed, Activity: activity, Message: msg, Details: eb.Details}
	case "PATCH_INVALID":
		return &dispatch.Error{Kind: dispatch.KindPatchInvalid, Activity: activity, Message: msg, Details: eb.Details}
	}

	retryAfter := dispatch.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	e := dispatch.FromHTTPStatus(activity, resp.StatusCode, msg, retryAfter)
	e.Details = eb.Details
	return e
}
