package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remedyhq/remedy/internal/collab/collabtest"
	"github.com/remedyhq/remedy/internal/healer/dedup"
	"github.com/remedyhq/remedy/internal/healer/engine"
	"github.com/remedyhq/remedy/internal/healer/events"
	"github.com/remedyhq/remedy/internal/healer/journal"
	"github.com/remedyhq/remedy/internal/healer/report"
	"github.com/remedyhq/remedy/internal/healer/runtime"
)

func newTestServer(t *testing.T) (*httptest.Server, *collabtest.Set, *events.Broadcaster) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg, err := engine.FileConfig{}.Effective()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	b := events.NewBroadcaster()
	fakes := collabtest.NewSet()
	svc, err := engine.NewService(cfg, engine.Deps{
		Journal:    journal.NewMemory(),
		Dedup:      dedup.NewMemory(),
		Sink:       b,
		Collab:     fakes.Collab(),
		Source:     &report.Static{Raw: report.RawFailure{FailureMessage: "boom"}},
		Invariants: engine.StaticInvariants{{Name: "no_panic", Criticality: runtime.CriticalityHigh}},
		Log:        logrus.NewEntry(log),
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	srv := New(Config{Addr: ":0"}, svc, b, logrus.NewEntry(log))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		svc.Wait()
	})
	return ts, fakes, b
}

func scriptHappyPath(f *collabtest.Set) {
	f.Diagnoser.Return(runtime.Diagnosis{RootCause: runtime.CauseConfigError, Confidence: 0.9, Patch: "D1"})
	f.Patcher.Return(runtime.PatchResult{PatchRef: "P1"})
	f.TestRunner.Return(runtime.TestOutcome{Verdict: runtime.VerdictPass})
	f.Prover.Return(runtime.ProofOutcome{
		Theorems: []runtime.TheoremResult{{Name: "no_panic", Verdict: runtime.TheoremProven}},
	})
	f.Merger.Return(runtime.MergeResult{Merged: true, PRNumber: 7})
}

func postEvent(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/events", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

const validEvent = `{"repository":"acme/app","run_id":"42","head_sha":"abc123","branch":"main","workflow":"ci"}`

func TestSubmitEvent_AcceptedThenDuplicate(t *testing.T) {
	ts, fakes, b := newTestServer(t)
	scriptHappyPath(fakes)

	resp := postEvent(t, ts, validEvent)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var ack SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ack.CaseID == "" || ack.Status != "admitted" {
		t.Fatalf("ack: %+v", ack)
	}

	resp2 := postEvent(t, ts, validEvent)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status: %d", resp2.StatusCode)
	}

	waitForTerminal(t, b)

	// The projection endpoint serves the sealed case.
	caseResp, err := http.Get(ts.URL + "/v1/cases/" + ack.CaseID)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	defer caseResp.Body.Close()
	if caseResp.StatusCode != http.StatusOK {
		t.Fatalf("get case status: %d", caseResp.StatusCode)
	}
	var cs runtime.Case
	if err := json.NewDecoder(caseResp.Body).Decode(&cs); err != nil {
		t.Fatalf("decode case: %v", err)
	}
	if cs.State != runtime.StateDone {
		t.Fatalf("case state: %s", cs.State)
	}
}

func waitForTerminal(t *testing.T, b *events.Broadcaster) {
	t.Helper()
	ch, _, unsub := b.Subscribe()
	defer unsub()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == events.TypeStateDone || ev.Type == events.TypeStateFailed {
				return
			}
		case <-timeout:
			t.Fatalf("no terminal event; saw %v", b.Types())
		}
	}
}

func TestSubmitEvent_MalformedBody(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := postEvent(t, ts, `{"repository":`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestSubmitEvent_UnknownFieldRejected(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := postEvent(t, ts, `{"repository":"acme/app","run_id":"42","head_sha":"a","branch":"main","surprise":true}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestSubmitEvent_MissingFieldsUnprocessable(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := postEvent(t, ts, `{"repository":"acme/app"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestGetCase_NotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/cases/deadbeefdeadbeef")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestStream_ReplaysHistory(t *testing.T) {
	ts, fakes, b := newTestServer(t)
	scriptHappyPath(fakes)

	resp := postEvent(t, ts, validEvent)
	resp.Body.Close()
	waitForTerminal(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/stream", nil)
	sresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer sresp.Body.Close()
	if ct := sresp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}

	scanner := bufio.NewScanner(sresp.Body)
	sawNew, sawDone := false, false
	for scanner.Scan() && !(sawNew && sawDone) {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			switch strings.TrimPrefix(line, "event: ") {
			case string(events.TypeStateNew):
				sawNew = true
			case string(events.TypeStateDone):
				sawDone = true
			}
		}
	}
	if !sawNew || !sawDone {
		t.Fatalf("replay incomplete: new=%v done=%v", sawNew, sawDone)
	}
}

func TestCSRF_CrossOriginPostBlocked(t *testing.T) {
	ts, _, _ := newTestServer(t)
	req, _ := http.NewRequest("POST", ts.URL+"/v1/events", strings.NewReader(validEvent))
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}
