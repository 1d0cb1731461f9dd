package engine

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"grimm.is/bulwark/internal/report"
	"grimm.is/bulwark/internal/state"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is the persisted summary of a run. A failed run keeps its
// rollback plan here so the committed part can be undone later.
type RunRecord struct {
	ID           string                `json:"id"`
	Host         string                `json:"host"`
	StartedAt    time.Time             `json:"started_at"`
	FinishedAt   time.Time             `json:"finished_at"`
	DryRun       bool                  `json:"dry_run,omitempty"`
	Success      bool                  `json:"success"`
	Halted       string                `json:"halted,omitempty"`
	Entries      []report.Entry        `json:"entries"`
	Rollback     []report.RollbackStep `json:"rollback_plan,omitempty"`
	RolledBackAt time.Time             `json:"rolled_back_at,omitzero"`
}

func runsBucket(host string) string {
	return state.Bucket(host, state.BucketRuns)
}

func saveRun(store state.Store, run *report.Run) error {
	bucket := runsBucket(run.Host)
	if err := state.EnsureBucket(store, bucket); err != nil {
		return err
	}
	return store.SetJSON(bucket, run.ID, RunRecord{
		ID:         run.ID,
		Host:       run.Host,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		DryRun:     run.DryRun,
		Success:    run.Success(),
		Halted:     run.Halted,
		Entries:    run.Snapshot(),
		Rollback:   run.Rollback,
	})
}

// LoadRun returns a persisted run.
func LoadRun(store state.Store, host, id string) (*RunRecord, error) {
	var rec RunRecord
	if err := store.GetJSON(runsBucket(host), id, &rec); err != nil {
		if errors.Is(err, state.ErrNotFound) || errors.Is(err, state.ErrBucketMissing) {
			return nil, fmt.Errorf("%w: %s on %s", ErrRunNotFound, id, host)
		}
		return nil, err
	}
	return &rec, nil
}

// ListRuns returns the persisted runs of host, newest first.
func ListRuns(store state.Store, host string) ([]RunRecord, error) {
	recs, err := state.ListJSON[RunRecord](store, runsBucket(host))
	if err != nil {
		return nil, err
	}
	out := make([]RunRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}
