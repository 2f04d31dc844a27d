package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remedyhq/remedy/internal/collab"
	"github.com/remedyhq/remedy/internal/healer/dedup"
	"github.com/remedyhq/remedy/internal/healer/dispatch"
	"github.com/remedyhq/remedy/internal/healer/events"
	"github.com/remedyhq/remedy/internal/healer/journal"
	"github.com/remedyhq/remedy/internal/healer/report"
	"github.com/remedyhq/remedy/internal/healer/runtime"
)

// Service assembles the healer: admitter, scheduler, engine, dispatcher, and
// the dedup janitor, wired around one journal and one event sink.
type Service struct {
	Cfg      *Config
	Journal  journal.Journal
	Dedup    dedup.Index
	Emitter  *events.Emitter
	Admitter *Admitter
	Engine   *Engine
	Log      *logrus.Entry

	sched *Scheduler
}

// Deps are the externally supplied collaborators of a Service.
type Deps struct {
	Journal    journal.Journal
	Dedup      dedup.Index
	Sink       events.Sink
	Collab     collab.Set
	Source     report.Source
	Invariants InvariantSource
	Log        *logrus.Entry
}

func NewService(cfg *Config, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Journal == nil || deps.Dedup == nil {
		return nil, fmt.Errorf("engine: journal and dedup index are required")
	}
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	redactor, err := report.NewRedactor(cfg.SecretPatterns)
	if err != nil {
		return nil, fmt.Errorf("engine: secret_patterns: %w", err)
	}
	emitter := events.NewEmitter(deps.Sink, log)

	eng := &Engine{
		Cfg:     cfg,
		Journal: deps.Journal,
		Dispatcher: &dispatch.Dispatcher{
			Journal:  deps.Journal,
			Emitter:  emitter,
			Backoff:  cfg.Backoff,
			Redactor: redactor,
			Log:      log,
		},
		Emitter:    emitter,
		Collab:     deps.Collab,
		Source:     deps.Source,
		Invariants: deps.Invariants,
		Assembler:  &report.Assembler{Redactor: redactor, TokenBudget: cfg.TokenBudget},
		Log:        log,
	}
	if eng.Invariants == nil {
		eng.Invariants = StaticInvariants(nil)
	}

	sched := NewScheduler(cfg.MaxConcurrentCases, cfg.AdmitBuffer, func(ctx context.Context, w Work) {
		if err := eng.Run(ctx, w.Case, w.Dangling); err != nil {
			log.WithError(err).WithField("case_id", w.Case.ID).Error("case run aborted")
			return
		}
		// Sealed cases get a snapshot so recovery scans stay cheap. Best
		// effort: the journal alone is sufficient.
		if w.Case.Sealed {
			if err := checkpoint(context.WithoutCancel(ctx), deps.Journal, w.Case); err != nil {
				log.WithError(err).WithField("case_id", w.Case.ID).Warn("seal checkpoint failed")
			}
		}
	})

	svc := &Service{
		Cfg:     cfg,
		Journal: deps.Journal,
		Dedup:   deps.Dedup,
		Emitter: emitter,
		Engine:  eng,
		Log:     log,
		sched:   sched,
	}
	svc.Admitter = &Admitter{
		Cfg:       cfg,
		Journal:   deps.Journal,
		Dedup:     deps.Dedup,
		Emitter:   emitter,
		Scheduler: sched,
		Log:       log,
	}
	return svc, nil
}

// Start recovers unsealed cases from the journal and launches the worker
// pool and the dedup janitor. Cancelling ctx stops all of them.
func (s *Service) Start(ctx context.Context) error {
	s.sched.Start(ctx)
	resumed, err := Recover(ctx, s.Journal, s.sched, s.Log)
	if err != nil {
		return err
	}
	if resumed > 0 {
		s.Log.WithField("cases", resumed).Info("recovery complete")
	}
	go s.janitor(ctx)
	return nil
}

// Admit forwards to the admitter.
func (s *Service) Admit(ctx context.Context, ev runtime.FailureEvent) (string, error) {
	return s.Admitter.Admit(ctx, ev)
}

// Wait blocks until every worker has stopped.
func (s *Service) Wait() {
	s.sched.Wait()
}

// Case returns the journal projection of a case, or nil when unknown.
func (s *Service) Case(ctx context.Context, caseID string) (*runtime.Case, error) {
	base, _, err := s.Journal.LoadSnapshot(ctx, caseID)
	if err != nil {
		return nil, err
	}
	entries, err := s.Journal.ReadAll(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if base == nil && len(entries) == 0 {
		return nil, nil
	}
	cs, _, err := journal.Replay(base, entries)
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// checkpoint snapshots a case at its latest journal sequence. The entry
// history is kept: compaction is the janitor's job, and only after the
// retention window has passed since the case sealed.
func checkpoint(ctx context.Context, j journal.Journal, cs *runtime.Case) error {
	entries, err := j.ReadAll(ctx, cs.ID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	return j.Snapshot(ctx, cs.ID, entries[len(entries)-1].Seq, cs)
}

// janitor evicts expired dedup entries and compacts sealed cases whose
// retention window has elapsed.
func (s *Service) janitor(ctx context.Context) {
	interval := s.Cfg.DedupTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Dedup.EvictExpired(now.UTC()); n > 0 {
				s.Log.WithField("evicted", n).Debug("dedup entries expired")
			}
			s.compactSealed(ctx, now.UTC())
		}
	}
}

// compactSealed drops journal entries covered by the snapshot of every case
// that sealed at least Retention ago. Best effort per case.
func (s *Service) compactSealed(ctx context.Context, now time.Time) {
	ids, err := s.Journal.Cases(ctx)
	if err != nil {
		s.Log.WithError(err).Warn("compaction scan failed")
		return
	}
	for _, id := range ids {
		snap, _, err := s.Journal.LoadSnapshot(ctx, id)
		if err != nil || snap == nil || !snap.Sealed {
			continue
		}
		if now.Sub(snap.LastTransitionAt) < s.Cfg.Retention {
			continue
		}
		if err := s.Journal.Compact(ctx, id); err != nil {
			s.Log.WithError(err).WithField("case_id", id).Warn("compaction failed")
		}
	}
}
