package engine

import (
	"context"
	"errors"
	"fmt"

	"grimm.is/bulwark/internal/txn"
)

// ErrAlreadyRolledBack is returned when a run's rollback plan was used.
var ErrAlreadyRolledBack = errors.New("run already rolled back")

// RollbackRun restores the backups of every unit a failed run committed,
// newest first. Steps that fail are reported and the rest still run; the
// run is marked rolled back only when every step succeeded.
func RollbackRun(ctx context.Context, h *Host, runID string) ([]*txn.Outcome, error) {
	rec, err := LoadRun(h.State, h.Name, runID)
	if err != nil {
		return nil, err
	}
	if !rec.RolledBackAt.IsZero() {
		return nil, fmt.Errorf("%w: %s at %s", ErrAlreadyRolledBack, runID, rec.RolledBackAt)
	}
	if len(rec.Rollback) == 0 {
		return nil, nil
	}

	var (
		outs []*txn.Outcome
		errs []error
	)
	for _, step := range rec.Rollback {
		b, err := h.Backups.Get(ctx, step.BackupID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.UnitID, err))
			continue
		}
		out := h.Manager.RestoreRecord(ctx, b)
		outs = append(outs, out)
		if out.Result != txn.ResultRolledBack {
			errs = append(errs, fmt.Errorf("%s: %w", step.UnitID, out.Err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return outs, err
	}

	now := h.Manager.Clock().Now()
	var cur RunRecord
	err = h.State.UpdateJSON(runsBucket(h.Name), rec.ID, &cur, func(found bool) error {
		if !found {
			return fmt.Errorf("%w: %s on %s", ErrRunNotFound, runID, h.Name)
		}
		if !cur.RolledBackAt.IsZero() {
			return fmt.Errorf("%w: %s at %s", ErrAlreadyRolledBack, runID, cur.RolledBackAt)
		}
		cur.RolledBackAt = now
		return nil
	})
	return outs, err
}
