package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remedyhq/remedy/internal/healer/dedup"
	"github.com/remedyhq/remedy/internal/healer/events"
	"github.com/remedyhq/remedy/internal/healer/journal"
	"github.com/remedyhq/remedy/internal/healer/runtime"
)

// Admission outcomes. The ingress layer maps these onto its own status codes.
var (
	// ErrRejected: malformed event or workflow outside the eligible set.
	ErrRejected = errors.New("ingress rejected")

	// ErrStale: the failure happened longer ago than the stale cutoff.
	ErrStale = errors.New("ingress stale")

	// ErrDuplicate: an identical event was admitted within the dedup TTL.
	ErrDuplicate = errors.New("duplicate event")

	// ErrBackpressure: the admission queue is full; the caller should retry.
	ErrBackpressure = errors.New("backpressure")
)

// Admitter turns FailureEvents into admitted cases: validation, workflow
// eligibility, staleness, dedup, the admission journal entry, and the
// hand-off to the scheduler.
type Admitter struct {
	Cfg       *Config
	Journal   journal.Journal
	Dedup     dedup.Index
	Emitter   *events.Emitter
	Scheduler *Scheduler
	Log       *logrus.Entry

	Clock func() time.Time
}

func (a *Admitter) now() time.Time {
	if a.Clock != nil {
		return a.Clock()
	}
	return time.Now().UTC()
}

// Admit processes one event. On success it returns the case id of the newly
// admitted case; otherwise one of the admission sentinel errors (wrapped with
// detail) or a journal I/O error.
func (a *Admitter) Admit(ctx context.Context, ev runtime.FailureEvent) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", fmt.Errorf("%w: %s", ErrRejected, err)
	}
	if !a.Cfg.WorkflowEligible(ev.Workflow) {
		return "", fmt.Errorf("%w: workflow %q is not eligible", ErrRejected, ev.Workflow)
	}

	now := a.now()
	if !ev.OccurredAt.IsZero() && now.Sub(ev.OccurredAt) > a.Cfg.StaleCutoff {
		return "", fmt.Errorf("%w: event occurred %s ago", ErrStale, now.Sub(ev.OccurredAt).Round(time.Second))
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now
	}

	key := runtime.DedupKey(ev.Repository, ev.RunID, ev.HeadSHA)
	caseID := runtime.CaseID(ev.Repository, ev.RunID, ev.HeadSHA)
	if a.Dedup.TryAdmit(key, a.Cfg.DedupTTL) == dedup.Duplicate {
		a.Emitter.Emit(events.Event{
			Type:       events.TypeDedupHit,
			CaseID:     caseID,
			Repository: ev.Repository,
			RunID:      ev.RunID,
			HeadSHA:    ev.HeadSHA,
		})
		return caseID, ErrDuplicate
	}

	// Reserve the queue slot before journaling so a full queue never leaves
	// an orphan admission entry behind.
	if !a.Scheduler.Reserve() {
		a.Dedup.Forget(key)
		return "", ErrBackpressure
	}

	cs := runtime.NewCase(ev, now)
	if _, err := a.Journal.Append(ctx, &journal.Entry{
		CaseID: cs.ID,
		Kind:   journal.KindStateTransition,
		Transition: &journal.TransitionRecord{
			From:  "",
			To:    runtime.StateNew,
			Event: &ev,
		},
	}); err != nil {
		a.Scheduler.Release()
		a.Dedup.Forget(key)
		return "", fmt.Errorf("journal admission: %w", err)
	}

	a.Emitter.Emit(events.Event{
		Type:       events.TypeStateNew,
		CaseID:     cs.ID,
		Repository: cs.Repository,
		RunID:      cs.RunID,
		HeadSHA:    cs.HeadSHA,
		State:      runtime.StateNew,
	})
	if a.Log != nil {
		a.Log.WithFields(logrus.Fields{
			"case_id":    cs.ID,
			"repository": cs.Repository,
			"run_id":     cs.RunID,
		}).Info("case admitted")
	}

	a.Scheduler.Submit(Work{Case: cs})
	return cs.ID, nil
}
