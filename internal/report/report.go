// Package report collects the ordered, append-only record of a run and
// hands each entry to the configured sinks as it is produced.
package report

import (
	"context"
	"sync"
	"time"

	"grimm.is/bulwark/internal/clock"
	"grimm.is/bulwark/internal/logging"
)

// Outcome is what happened to one unit.
type Outcome string

const (
	Committed  Outcome = "COMMITTED"
	Unchanged  Outcome = "UNCHANGED"
	Skipped    Outcome = "SKIPPED"
	RolledBack Outcome = "ROLLED_BACK"
	Fatal      Outcome = "FATAL_ROLLBACK_FAILURE"
	Planned    Outcome = "PLANNED"
)

// Skip reasons. Marker, Filtered and Satisfied are policy decisions and do
// not fail a run; the rest do.
const (
	ReasonMarker     = "marker"
	ReasonFiltered   = "filtered"
	ReasonBackup     = "backup"
	ReasonDependency = "dependency"
	ReasonFailFast   = "fail-fast"
	ReasonHalted     = "halted"
	ReasonCancelled  = "cancelled"
	ReasonLease      = "lease"
	ReasonError      = "error"
)

// Entry is one line of the run report.
type Entry struct {
	Seq           int           `json:"seq"`
	At            time.Time     `json:"at"`
	Host          string        `json:"host"`
	UnitID        string        `json:"unit_id"`
	Tier          int           `json:"tier"`
	Outcome       Outcome       `json:"outcome"`
	Phase         string        `json:"phase,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Duration      time.Duration `json:"duration_ns"`
	BackupID      string        `json:"backup_id,omitempty"`
	TransactionID string        `json:"transaction_id,omitempty"`
	CompensatesID string        `json:"compensates_id,omitempty"`
	LeaseID       string        `json:"lease_id,omitempty"`
	LeaseState    string        `json:"lease_state,omitempty"`
	Risk          string        `json:"risk,omitempty"`
	Diff          string        `json:"diff,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Intentional reports whether a skip was a policy decision.
func (e Entry) Intentional() bool {
	if e.Outcome != Skipped || e.Error != "" {
		return false
	}
	switch e.Reason {
	case ReasonMarker, ReasonFiltered:
		return true
	}
	return false
}

// OK reports whether the entry allows the run to succeed.
func (e Entry) OK() bool {
	switch e.Outcome {
	case Committed, Unchanged, Planned:
		return e.Error == ""
	case Skipped:
		return e.Intentional()
	}
	return false
}

// RollbackStep is one entry of the rollback plan left by a failed run,
// newest first.
type RollbackStep struct {
	UnitID        string `json:"unit_id"`
	TransactionID string `json:"transaction_id"`
	BackupID      string `json:"backup_id"`
}

// Sink receives entries as they are appended and the run once finished.
type Sink interface {
	Entry(ctx context.Context, run *Run, e Entry) error
	Finish(ctx context.Context, run *Run) error
}

// Run is the report of one run on one host.
type Run struct {
	ID         string         `json:"run_id"`
	Host       string         `json:"host"`
	DryRun     bool           `json:"dry_run,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitzero"`
	Entries    []Entry        `json:"entries"`
	Halted     string         `json:"halted,omitempty"`
	Rollback   []RollbackStep `json:"rollback_plan,omitempty"`

	mu    sync.Mutex
	sinks []Sink
	clock clock.Clock
	log   *logging.Logger
}

// NewRun starts a report.
func NewRun(id, host string, clk clock.Clock, log *logging.Logger, sinks ...Sink) *Run {
	clk = clock.OrReal(clk)
	if log == nil {
		log = logging.Default()
	}
	return &Run{
		ID:        id,
		Host:      host,
		StartedAt: clk.Now(),
		sinks:     sinks,
		clock:     clk,
		log:       log.WithComponent("report"),
	}
}

// Append adds e and forwards it to every sink. Sink failures are logged;
// the in-memory report is authoritative.
func (r *Run) Append(ctx context.Context, e Entry) Entry {
	r.mu.Lock()
	e.Seq = len(r.Entries) + 1
	if e.At.IsZero() {
		e.At = r.clock.Now()
	}
	if e.Host == "" {
		e.Host = r.Host
	}
	r.Entries = append(r.Entries, e)
	sinks := r.sinks
	r.mu.Unlock()

	for _, s := range sinks {
		if err := s.Entry(ctx, r, e); err != nil {
			r.log.Warn("report sink failed", "unit", e.UnitID, "error", err)
		}
	}
	return e
}

// Finish stamps the end time and flushes the sinks.
func (r *Run) Finish(ctx context.Context) {
	r.mu.Lock()
	r.FinishedAt = r.clock.Now()
	sinks := r.sinks
	r.mu.Unlock()
	for _, s := range sinks {
		if err := s.Finish(ctx, r); err != nil {
			r.log.Warn("report sink failed to finish", "error", err)
		}
	}
}

// Snapshot returns a copy of the entries.
func (r *Run) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.Entries...)
}

// Find returns the last entry for unitID.
func (r *Run) Find(unitID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.Entries) - 1; i >= 0; i-- {
		if r.Entries[i].UnitID == unitID {
			return r.Entries[i], true
		}
	}
	return Entry{}, false
}

// Success reports whether every entry allows success and the run was not
// halted.
func (r *Run) Success() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Halted != "" {
		return false
	}
	for _, e := range r.Entries {
		if !e.OK() {
			return false
		}
	}
	return true
}

// Counts tallies entries by outcome.
func (r *Run) Counts() map[Outcome]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Outcome]int)
	for _, e := range r.Entries {
		out[e.Outcome]++
	}
	return out
}

// Process exit codes.
const (
	ExitOK     = 0
	ExitFailed = 1 // a unit rolled back or was skipped on error
	ExitFatal  = 2 // a rollback failed; operator action required
	ExitConfig = 3 // policy or scheduling error, nothing ran
)

// ExitCode folds host runs into one status: the worst host wins.
func ExitCode(runs ...*Run) int {
	code := ExitOK
	for _, r := range runs {
		if r == nil {
			continue
		}
		for _, e := range r.Snapshot() {
			// A halt comes from a failed rollback, in this run or a
			// journaled one.
			if e.Outcome == Fatal || e.Reason == ReasonHalted {
				return ExitFatal
			}
		}
		if !r.Success() {
			code = ExitFailed
		}
	}
	return code
}
