// Package engine is the orchestrator: it orders the policy's units, runs
// each one as a transaction (under an emergency lease when it affects
// remote access) and records the outcome in the run report.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"grimm.is/bulwark/internal/backup"
	"grimm.is/bulwark/internal/clock"
	"grimm.is/bulwark/internal/logging"
	"grimm.is/bulwark/internal/marker"
	"grimm.is/bulwark/internal/report"
	"grimm.is/bulwark/internal/scheduler"
	"grimm.is/bulwark/internal/txn"
	"grimm.is/bulwark/internal/unit"
)

// Orchestrator drives runs of one policy.
type Orchestrator struct {
	units map[string]unit.Unit
	plan  *scheduler.Plan
	opts  Options
	runID string
	clock clock.Clock
	log   *logging.Logger
}

// Config configures an Orchestrator.
type Config struct {
	Units   []unit.Unit // registration order
	Options Options
	RunID   string // generated when empty
	Clock   clock.Clock
	Logger  *logging.Logger
}

// New schedules the units. Scheduling errors are returned here, before
// anything touches a host.
func New(cfg Config) (*Orchestrator, error) {
	nodes := make([]scheduler.Node, len(cfg.Units))
	units := make(map[string]unit.Unit, len(cfg.Units))
	for i, u := range cfg.Units {
		nodes[i] = scheduler.Node{ID: u.ID(), Tier: u.Tier(), Requires: u.Requires()}
		units[u.ID()] = u
	}
	plan, err := scheduler.Order(nodes)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		units: units,
		plan:  plan,
		opts:  cfg.Options,
		runID: cfg.RunID,
		clock: clock.OrReal(cfg.Clock),
		log:   cfg.Logger,
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	if o.log == nil {
		o.log = logging.Default()
	}
	o.log = o.log.WithComponent("engine")
	return o, nil
}

// RunID returns the id shared by every host run.
func (o *Orchestrator) RunID() string { return o.runID }

// Plan returns the full execution order before filtering.
func (o *Orchestrator) Plan() *scheduler.Plan { return o.plan }

// Unit returns a registered unit.
func (o *Orchestrator) Unit(id string) (unit.Unit, bool) {
	u, ok := o.units[id]
	return u, ok
}

// hostRun is the mutable state of one host run.
type hostRun struct {
	h       *Host
	report  *report.Run
	log     *logging.Logger
	failed  map[string]bool // units that did not end OK
	tierBad map[int]bool    // tiers with a failure, for fail-fast
	halted  bool
}

// Run executes the plan on one host and returns its report.
func (o *Orchestrator) Run(ctx context.Context, h *Host) *report.Run {
	log := o.log.WithHost(h.Name).WithRun(o.runID)
	r := &hostRun{
		h:       h,
		report:  report.NewRun(o.runID, h.Name, o.clock, log, h.Sinks...),
		log:     log,
		failed:  make(map[string]bool),
		tierBad: make(map[int]bool),
	}
	r.report.DryRun = o.opts.DryRun
	log.Info("run starting", "units", len(o.plan.Steps), "dry_run", o.opts.DryRun)

	if !o.opts.DryRun && h.Manager != nil {
		if err := o.recover(ctx, r); err != nil {
			r.report.Halted = err.Error()
			r.halted = true
		}
	}

	for _, step := range o.plan.Steps {
		u := o.units[step.ID]
		entry := report.Entry{UnitID: u.ID(), Tier: step.Tier}

		switch {
		case r.halted:
			entry.Outcome, entry.Reason = report.Skipped, report.ReasonHalted
		case ctx.Err() != nil:
			entry.Outcome, entry.Reason, entry.Error = report.Skipped, report.ReasonCancelled, ctx.Err().Error()
		case !o.opts.selects(step, u):
			entry.Outcome, entry.Reason = report.Skipped, report.ReasonFiltered
		default:
			if reason, err := r.blocked(o.plan, u); reason != "" {
				entry.Outcome, entry.Reason, entry.Error = report.Skipped, reason, err
			} else {
				entry = o.execute(ctx, r, step, u)
			}
		}

		entry = r.report.Append(ctx, entry)
		if !entry.OK() {
			switch entry.Reason {
			case report.ReasonHalted, report.ReasonCancelled:
			case report.ReasonDependency, report.ReasonFailFast:
				r.failed[u.ID()] = true
			default:
				r.failed[u.ID()] = true
				r.tierBad[step.Tier] = true
			}
		}
		if entry.Outcome == report.Fatal {
			r.halted = true
			r.report.Halted = fmt.Sprintf("rollback of %s failed; operator intervention required", u.ID())
		}
	}

	if ctx.Err() != nil && r.report.Halted == "" {
		r.report.Halted = "cancelled: " + ctx.Err().Error()
	}
	o.finish(ctx, r)
	return r.report
}

// blocked reports why a unit cannot run because a prerequisite failed.
func (r *hostRun) blocked(plan *scheduler.Plan, u unit.Unit) (string, string) {
	for _, s := range plan.Steps {
		if r.failed[s.ID] && plan.Dependents(s.ID)[u.ID()] {
			return report.ReasonDependency, fmt.Sprintf("prerequisite %s did not succeed", s.ID)
		}
	}
	return "", ""
}

func (o *Orchestrator) execute(ctx context.Context, r *hostRun, step scheduler.Step, u unit.Unit) report.Entry {
	entry := report.Entry{UnitID: u.ID(), Tier: step.Tier}
	h := r.h

	// Without ContinueOnError a failure stops the rest of its tier.
	if !o.opts.ContinueOnError && r.tierBad[step.Tier] {
		entry.Outcome, entry.Reason = report.Skipped, report.ReasonFailFast
		entry.Error = fmt.Sprintf("an earlier unit in tier %d failed", step.Tier)
		return entry
	}

	if !o.opts.forced(u.ID()) && h.Markers != nil {
		m, err := h.Markers.Get(ctx, u.ID())
		switch {
		case err == nil && marker.Current(m, u.DesiredDigest()):
			entry.Outcome, entry.Reason = report.Skipped, report.ReasonMarker
			return entry
		case err != nil && !errors.Is(err, marker.ErrNoMarker):
			r.log.Warn("marker lookup failed; running unit", "unit", u.ID(), "error", err)
		}
	}

	if o.opts.DryRun {
		return o.dryRun(ctx, r, u, entry)
	}

	start := o.clock.Now()
	if u.AccessAffecting() && h.Monitor != nil {
		res, err := h.Monitor.Execute(ctx, u)
		if err != nil {
			entry.Outcome, entry.Reason, entry.Error = report.Skipped, report.ReasonLease, err.Error()
			entry.Duration = o.clock.Since(start)
			return entry
		}
		fromOutcome(&entry, res.Outcome)
		if res.Lease != nil {
			entry.LeaseID = res.Lease.ID
			entry.LeaseState = string(res.Lease.State)
		}
		entry.Risk = u.DescribeRisk()
		return entry
	}

	fromOutcome(&entry, h.Manager.Run(ctx, u))
	return entry
}

// dryRun fills a dry-run entry for one unit.
func (o *Orchestrator) dryRun(ctx context.Context, r *hostRun, u unit.Unit, entry report.Entry) report.Entry {
	diff, err := u.Plan(ctx, r.h.Executor)
	entry.Risk = u.DescribeRisk()
	switch {
	case err != nil:
		entry.Outcome, entry.Reason, entry.Error = report.Skipped, report.ReasonError, err.Error()
	case diff == "":
		entry.Outcome = report.Unchanged
	default:
		entry.Outcome, entry.Diff = report.Planned, diff
	}
	return entry
}

func fromOutcome(entry *report.Entry, out *txn.Outcome) {
	entry.Duration = out.Duration
	entry.Phase = string(out.Phase)
	if out.Transaction != nil {
		entry.TransactionID = out.Transaction.ID
		entry.BackupID = out.Transaction.BackupID
		if out.Transaction.CompensatesID != "" {
			entry.CompensatesID = out.Transaction.CompensatesID
		}
	}
	if out.Err != nil {
		entry.Error = out.Err.Error()
	}
	switch out.Result {
	case txn.ResultCommitted:
		entry.Outcome, entry.Phase = report.Committed, ""
	case txn.ResultUnchanged:
		entry.Outcome, entry.Phase = report.Unchanged, ""
	case txn.ResultRolledBack:
		entry.Outcome = report.RolledBack
	case txn.ResultFatal:
		entry.Outcome = report.Fatal
	default:
		entry.Outcome = report.Skipped
		entry.Reason = report.ReasonError
		if backup.IsError(out.Err) {
			entry.Reason = report.ReasonBackup
		}
	}
}

// recover rolls back transactions a crashed run left open. A failed
// recovery halts the run: the host is in an unknown state.
func (o *Orchestrator) recover(ctx context.Context, r *hostRun) error {
	pending, err := r.h.Manager.Pending()
	if err != nil {
		return fmt.Errorf("read transaction journal: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	r.log.Warn("found transactions left open by an interrupted run", "count", len(pending))
	outs, err := r.h.Manager.Recover(ctx, o.opts.Recover)
	for _, out := range outs {
		r.log.Info("recovered transaction", "unit", out.Transaction.UnitID, "result", out.Result)
	}
	if err != nil {
		return fmt.Errorf("recover interrupted transactions: %w", err)
	}
	return nil
}

// finish discharges or keeps the rollback stack and persists the run.
func (o *Orchestrator) finish(ctx context.Context, r *hostRun) {
	if r.h.Manager != nil {
		stack := r.h.Manager.Stack()
		if r.report.Success() {
			stack.Discharge()
		} else {
			for _, e := range stack.Entries() {
				r.report.Rollback = append(r.report.Rollback, report.RollbackStep{
					UnitID:        e.UnitID,
					TransactionID: e.TransactionID,
					BackupID:      e.BackupID,
				})
			}
		}
	}
	r.report.Finish(ctx)
	if r.h.State != nil {
		if err := saveRun(r.h.State, r.report); err != nil {
			r.log.Error("failed to persist run record", "error", err)
		}
	}
}
