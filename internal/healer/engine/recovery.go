package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/remedyhq/remedy/internal/healer/journal"
)

// Recover scans the journal for unsealed cases, rebuilds their projections
// by replay, and resubmits them to the scheduler. A dangling activity
// attempt rides along so the worker re-invokes it at most once more.
// Returns the number of cases resumed.
func Recover(ctx context.Context, j journal.Journal, sched *Scheduler, log *logrus.Entry) (int, error) {
	ids, err := j.Cases(ctx)
	if err != nil {
		return 0, fmt.Errorf("recovery: list cases: %w", err)
	}

	resumed := 0
	for _, id := range ids {
		base, _, err := j.LoadSnapshot(ctx, id)
		if err != nil {
			return resumed, fmt.Errorf("recovery: snapshot of %s: %w", id, err)
		}
		entries, err := j.ReadAll(ctx, id)
		if err != nil {
			return resumed, fmt.Errorf("recovery: read %s: %w", id, err)
		}
		if base == nil && len(entries) == 0 {
			continue
		}
		cs, dangling, err := journal.Replay(base, entries)
		if err != nil {
			// A corrupt journal must not take down the rest of recovery.
			if log != nil {
				log.WithError(err).WithField("case_id", id).Error("skipping unreplayable case")
			}
			continue
		}
		if cs.Sealed {
			continue
		}

		if !sched.Reserve() {
			if log != nil {
				log.WithField("case_id", id).Warn("recovery queue full, case left for next restart")
			}
			continue
		}
		sched.Submit(Work{Case: cs, Dangling: dangling})
		resumed++
		if log != nil {
			fields := logrus.Fields{"case_id": id, "state": cs.State}
			if dangling != nil {
				fields["dangling_activity"] = dangling.Activity
			}
			log.WithFields(fields).Info("case resumed")
		}
	}
	return resumed, nil
}
