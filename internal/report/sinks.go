package report

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"grimm.is/bulwark/internal/audit"
	"grimm.is/bulwark/internal/logging"
	"grimm.is/bulwark/internal/metrics"
)

// LogSink writes entries to the structured log.
type LogSink struct {
	Log *logging.Logger
}

func (s LogSink) Entry(ctx context.Context, run *Run, e Entry) error {
	args := []any{"unit", e.UnitID, "outcome", e.Outcome, "duration", e.Duration}
	if e.Phase != "" {
		args = append(args, "phase", e.Phase)
	}
	if e.Reason != "" {
		args = append(args, "reason", e.Reason)
	}
	if e.BackupID != "" {
		args = append(args, "backup", e.BackupID)
	}
	if e.Error != "" {
		args = append(args, "error", e.Error)
	}
	switch e.Outcome {
	case Fatal:
		s.Log.Error("unit finished", args...)
	case RolledBack:
		s.Log.Warn("unit finished", args...)
	case Skipped:
		if e.Intentional() {
			s.Log.Info("unit finished", args...)
		} else {
			s.Log.Warn("unit finished", args...)
		}
	default:
		s.Log.Info("unit finished", args...)
	}
	return nil
}

func (s LogSink) Finish(ctx context.Context, run *Run) error {
	counts := run.Counts()
	args := []any{"run", run.ID, "success", run.Success(), "duration", run.FinishedAt.Sub(run.StartedAt)}
	for _, o := range []Outcome{Committed, Unchanged, Skipped, RolledBack, Fatal, Planned} {
		if counts[o] > 0 {
			args = append(args, string(o), counts[o])
		}
	}
	if run.Halted != "" {
		args = append(args, "halted", run.Halted)
	}
	s.Log.Info("run finished", args...)
	return nil
}

// JSONLSink writes one JSON object per entry and a summary line at the end.
type JSONLSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONLSink writes to w. Concurrent host runs may share one sink.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

type jsonlRecord struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
	*Entry
	Summary *summary `json:"summary,omitempty"`
}

type summary struct {
	Host     string          `json:"host"`
	Success  bool            `json:"success"`
	Counts   map[Outcome]int `json:"counts"`
	Halted   string          `json:"halted,omitempty"`
	Rollback []RollbackStep  `json:"rollback_plan,omitempty"`
}

func (s *JSONLSink) write(rec jsonlRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(data, '\n'))
	return err
}

func (s *JSONLSink) Entry(ctx context.Context, run *Run, e Entry) error {
	return s.write(jsonlRecord{Type: "entry", RunID: run.ID, Entry: &e})
}

func (s *JSONLSink) Finish(ctx context.Context, run *Run) error {
	return s.write(jsonlRecord{Type: "summary", RunID: run.ID, Summary: &summary{
		Host:     run.Host,
		Success:  run.Success(),
		Counts:   run.Counts(),
		Halted:   run.Halted,
		Rollback: run.Rollback,
	}})
}

// AuditSink persists entries in the audit database.
type AuditSink struct {
	Store *audit.Store
}

func (s AuditSink) Entry(ctx context.Context, run *Run, e Entry) error {
	details := map[string]any{"tier": e.Tier, "duration_ms": e.Duration.Milliseconds()}
	if e.Reason != "" {
		details["reason"] = e.Reason
	}
	if e.CompensatesID != "" {
		details["compensates"] = e.CompensatesID
	}
	if e.LeaseID != "" {
		details["lease"] = e.LeaseID
		details["lease_state"] = e.LeaseState
	}
	return s.Store.Write(audit.Event{
		Timestamp:     e.At,
		RunID:         run.ID,
		Host:          e.Host,
		UnitID:        e.UnitID,
		Action:        "unit",
		Result:        string(e.Outcome),
		Phase:         e.Phase,
		TransactionID: e.TransactionID,
		BackupID:      e.BackupID,
		Error:         e.Error,
		Details:       details,
	})
}

func (s AuditSink) Finish(ctx context.Context, run *Run) error {
	details := map[string]any{"success": run.Success(), "entries": len(run.Snapshot())}
	if run.Halted != "" {
		details["halted"] = run.Halted
	}
	if len(run.Rollback) > 0 {
		details["rollback_plan"] = run.Rollback
	}
	return s.Store.Write(audit.Event{
		Timestamp: run.FinishedAt,
		RunID:     run.ID,
		Host:      run.Host,
		Action:    "run",
		Details:   details,
	})
}

// MetricsSink counts outcomes.
type MetricsSink struct {
	Metrics *metrics.Registry
}

func (s MetricsSink) Entry(ctx context.Context, run *Run, e Entry) error {
	s.Metrics.UnitOutcome(e.Host, string(e.Outcome), e.Duration)
	switch e.Outcome {
	case RolledBack:
		if e.CompensatesID == "" {
			s.Metrics.Rollback(e.Host, "transaction")
		}
	case Fatal:
		s.Metrics.Rollback(e.Host, "fatal")
	}
	return nil
}

func (s MetricsSink) Finish(ctx context.Context, run *Run) error {
	s.Metrics.RunFinished(run.Host, run.FinishedAt, run.FinishedAt.Sub(run.StartedAt), run.Success())
	return nil
}
