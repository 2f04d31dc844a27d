// Package collabtest provides scripted in-memory collaborators for engine
// tests. Each fake pops responses in order and records the requests it saw.
package collabtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/remedyhq/remedy/internal/collab"
	"github.com/remedyhq/remedy/internal/healer/runtime"
)

type step[Resp any] struct {
	resp Resp
	err  error
}

type script[Req, Resp any] struct {
	mu    sync.Mutex
	name  string
	steps []step[Resp]
	calls []Req
}

func (s *script[Req, Resp]) push(resp Resp, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step[Resp]{resp: resp, err: err})
}

func (s *script[Req, Resp]) pop(req Req) (Resp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.steps) == 0 {
		var zero Resp
		return zero, fmt.Errorf("%s: unscripted call %d", s.name, len(s.calls))
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	return st.resp, st.err
}

func (s *script[Req, Resp]) requests() []Req {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Req{}, s.calls...)
}

type Diagnoser struct {
	script[collab.DiagnoseRequest, *runtime.Diagnosis]
}

func NewDiagnoser() *Diagnoser {
	d := &Diagnoser{}
	d.name = "diagnoser"
	return d
}

func (d *Diagnoser) Return(resp runtime.Diagnosis) *Diagnoser {
	d.push(&resp, nil)
	return d
}

func (d *Diagnoser) Fail(err error) *Diagnoser {
	d.push(nil, err)
	return d
}

func (d *Diagnoser) Diagnose(ctx context.Context, req collab.DiagnoseRequest) (*runtime.Diagnosis, error) {
	return d.pop(req)
}

func (d *Diagnoser) Requests() []collab.DiagnoseRequest { return d.requests() }

type Patcher struct {
	script[collab.PatchRequest, *runtime.PatchResult]
}

func NewPatcher() *Patcher {
	p := &Patcher{}
	p.name = "patcher"
	return p
}

func (p *Patcher) Return(resp runtime.PatchResult) *Patcher {
	p.push(&resp, nil)
	return p
}

func (p *Patcher) Fail(err error) *Patcher {
	p.push(nil, err)
	return p
}

func (p *Patcher) ApplyPatch(ctx context.Context, req collab.PatchRequest) (*runtime.PatchResult, error) {
	return p.pop(req)
}

func (p *Patcher) Requests() []collab.PatchRequest { return p.requests() }

type TestRunner struct {
	script[collab.TestRequest, *runtime.TestOutcome]
}

func NewTestRunner() *TestRunner {
	t := &TestRunner{}
	t.name = "test-runner"
	return t
}

func (t *TestRunner) Return(resp runtime.TestOutcome) *TestRunner {
	t.push(&resp, nil)
	return t
}

func (t *TestRunner) Fail(err error) *TestRunner {
	t.push(nil, err)
	return t
}

func (t *TestRunner) RunTests(ctx context.Context, req collab.TestRequest) (*runtime.TestOutcome, error) {
	return t.pop(req)
}

func (t *TestRunner) Requests() []collab.TestRequest { return t.requests() }

type Prover struct {
	script[collab.ProveRequest, *runtime.ProofOutcome]
}

func NewProver() *Prover {
	p := &Prover{}
	p.name = "prover"
	return p
}

func (p *Prover) Return(resp runtime.ProofOutcome) *Prover {
	p.push(&resp, nil)
	return p
}

func (p *Prover) Fail(err error) *Prover {
	p.push(nil, err)
	return p
}

func (p *Prover) Prove(ctx context.Context, req collab.ProveRequest) (*runtime.ProofOutcome, error) {
	return p.pop(req)
}

func (p *Prover) Requests() []collab.ProveRequest { return p.requests() }

type Merger struct {
	script[collab.MergeRequest, *runtime.MergeResult]
}

func NewMerger() *Merger {
	m := &Merger{}
	m.name = "merger"
	return m
}

func (m *Merger) Return(resp runtime.MergeResult) *Merger {
	m.push(&resp, nil)
	return m
}

func (m *Merger) Fail(err error) *Merger {
	m.push(nil, err)
	return m
}

func (m *Merger) Merge(ctx context.Context, req collab.MergeRequest) (*runtime.MergeResult, error) {
	return m.pop(req)
}

func (m *Merger) Requests() []collab.MergeRequest { return m.requests() }

// Set bundles fresh fakes into a collab.Set plus handles for scripting.
type Set struct {
	Diagnoser  *Diagnoser
	Patcher    *Patcher
	TestRunner *TestRunner
	Prover     *Prover
	Merger     *Merger
}

func NewSet() *Set {
	return &Set{
		Diagnoser:  NewDiagnoser(),
		Patcher:    NewPatcher(),
		TestRunner: NewTestRunner(),
		Prover:     NewProver(),
		Merger:     NewMerger(),
	}
}

func (s *Set) Collab() collab.Set {
	return collab.Set{
		Diagnoser:  s.Diagnoser,
		Patcher:    s.Patcher,
		TestRunner: s.TestRunner,
		Prover:     s.Prover,
		Merger:     s.Merger,
	}
}
