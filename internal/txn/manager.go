package txn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"grimm.is/bulwark/internal/backup"
	"grimm.is/bulwark/internal/clock"
	"grimm.is/bulwark/internal/config"
	"grimm.is/bulwark/internal/logging"
	"grimm.is/bulwark/internal/marker"
	"grimm.is/bulwark/internal/state"
	"grimm.is/bulwark/internal/system"
	"grimm.is/bulwark/internal/unit"
	"grimm.is/bulwark/internal/validate"
)

// Result is the final disposition of a transaction.
type Result string

const (
	ResultCommitted  Result = "COMMITTED"
	ResultUnchanged  Result = "UNCHANGED"
	ResultSkipped    Result = "SKIPPED"
	ResultRolledBack Result = "ROLLED_BACK"
	ResultFatal      Result = "FATAL_ROLLBACK_FAILURE"
)

// Phase names the step a transaction was in when it finished.
type Phase string

const (
	PhaseLock       Phase = "lock"
	PhaseInspect    Phase = "inspect"
	PhaseBackup     Phase = "backup"
	PhaseApply      Phase = "apply"
	PhaseValidate   Phase = "validate"
	PhaseCommit     Phase = "commit"
	PhaseCompensate Phase = "compensate"
	PhaseRestore    Phase = "restore"
	PhaseDone       Phase = "done"
)

// Outcome is what a caller learns about a transaction.
type Outcome struct {
	Transaction *Transaction
	Result      Result
	Phase       Phase
	Err         error
	Backup      *backup.Record
	Duration    time.Duration
}

// Config wires a Manager to one host.
type Config struct {
	Executor system.Executor
	Backups  *backup.Store
	Markers  marker.Store
	Journal  state.Store // open transactions, for crash recovery
	RunID    string
	Timeout  time.Duration // per-transaction deadline
	Clock    clock.Clock
	Logger   *logging.Logger
	Locks    *Locks
	Stack    *RollbackStack
}

// Manager runs transactions against one host.
type Manager struct {
	exec     system.Executor
	backups  *backup.Store
	markers  marker.Store
	journal  state.Store
	bucket   string
	runID    string
	timeout  time.Duration
	clock    clock.Clock
	log      *logging.Logger
	locks    *Locks
	stack    *RollbackStack
}

// NewManager validates cfg and prepares the journal bucket.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Executor == nil || cfg.Backups == nil || cfg.Markers == nil || cfg.Journal == nil {
		return nil, fmt.Errorf("txn: executor, backups, markers and journal are required")
	}
	bucket := state.Bucket(cfg.Executor.Host(), state.BucketJournal)
	if err := state.EnsureBucket(cfg.Journal, bucket); err != nil {
		return nil, fmt.Errorf("journal bucket: %w", err)
	}
	m := &Manager{
		exec:    cfg.Executor,
		backups: cfg.Backups,
		markers: cfg.Markers,
		journal: cfg.Journal,
		bucket:  bucket,
		runID:   cfg.RunID,
		timeout: cfg.Timeout,
		clock:   clock.OrReal(cfg.Clock),
		log:     cfg.Logger,
		locks:   cfg.Locks,
		stack:   cfg.Stack,
	}
	if m.timeout <= 0 {
		m.timeout = config.DefaultTransactionTimeout
	}
	if m.log == nil {
		m.log = logging.Default()
	}
	m.log = m.log.WithComponent("txn")
	if m.locks == nil {
		m.locks = NewLocks()
	}
	if m.stack == nil {
		m.stack = NewRollbackStack()
	}
	return m, nil
}

// Stack returns the run's rollback stack.
func (m *Manager) Stack() *RollbackStack { return m.stack }

// Executor returns the host executor.
func (m *Manager) Executor() system.Executor { return m.exec }

// Clock returns the manager's time source.
func (m *Manager) Clock() clock.Clock { return m.clock }

func (m *Manager) newTransaction(u unit.Unit) *Transaction {
	now := m.clock.Now()
	return &Transaction{
		ID:        uuid.NewString(),
		RunID:     m.runID,
		UnitID:    u.ID(),
		Resource:  u.Resource(),
		State:     StatePending,
		StartedAt: now,
		Deadline:  now.Add(m.timeout),
	}
}

func (m *Manager) advance(tx *Transaction, next State) {
	if err := tx.to(next, m.clock.Now()); err != nil {
		m.log.Error("transaction state machine violated", "txn", tx.ID, "error", err)
	}
}

// detached returns a context that ignores the caller's cancellation, so a
// cancelled run still finishes restoring what it touched.
func (m *Manager) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
}

// Run executes one unit as a transaction. Cancelling ctx while the
// transaction is open rolls it back.
func (m *Manager) Run(ctx context.Context, u unit.Unit) *Outcome {
	start := m.clock.Now()
	tx := m.newTransaction(u)
	out := &Outcome{Transaction: tx}
	log := m.log.WithUnit(u.ID(), tx.ID)
	defer func() { out.Duration = m.clock.Since(start) }()

	release, err := m.locks.Acquire(ctx, u.Resource())
	if err != nil {
		return m.skip(out, PhaseLock, err)
	}
	defer release()

	// tx.Deadline is for the record; the context timer runs on real time.
	tctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	// Inspecting reads the same source a snapshot would. If it cannot be
	// read, no backup can be taken either.
	satisfied, err := u.Satisfied(tctx, m.exec)
	if err != nil {
		return m.skip(out, PhaseInspect, &backup.Error{Op: "inspect", UnitID: u.ID(), Target: u.Target(), Err: err})
	}
	if satisfied {
		if err := m.mark(tctx, u, tx); err != nil {
			return m.skip(out, PhaseCommit, err)
		}
		m.advance(tx, StateClosed)
		out.Result, out.Phase = ResultUnchanged, PhaseDone
		log.Debug("already in desired state")
		return out
	}

	payload, err := u.Capture(tctx, m.exec)
	if err != nil {
		return m.skip(out, PhaseBackup, &backup.Error{Op: "capture", UnitID: u.ID(), Target: u.Target(), Err: err})
	}
	spec, err := json.Marshal(u.Spec())
	if err != nil {
		return m.skip(out, PhaseBackup, err)
	}
	rec, err := m.backups.Save(tctx, backup.Request{
		UnitID:        u.ID(),
		Target:        u.Target(),
		Payload:       payload,
		RunID:         m.runID,
		TransactionID: tx.ID,
		Unit:          spec,
	})
	if err != nil {
		return m.skip(out, PhaseBackup, err)
	}
	tx.BackupID = rec.ID
	out.Backup = rec

	if err := m.journalOpen(tx, spec); err != nil {
		return m.skip(out, PhaseBackup, err)
	}
	m.stack.Push(Entry{
		TransactionID: tx.ID,
		UnitID:        u.ID(),
		Resource:      u.Resource(),
		BackupID:      rec.ID,
		restore:       func(ctx context.Context) error { return m.restore(ctx, u, rec) },
	})

	// The target may be partly written even when Apply fails.
	applyErr := u.Apply(tctx, m.exec)
	m.advance(tx, StateApplied)
	if applyErr != nil {
		return m.rollback(ctx, u, out, PhaseApply, &ApplyError{UnitID: u.ID(), Err: applyErr})
	}

	m.advance(tx, StateValidating)
	if err := validate.Chain(tctx, m.exec, u.Validators()); err != nil {
		return m.rollback(ctx, u, out, PhaseValidate, &ValidationError{UnitID: u.ID(), Err: err})
	}
	if err := tctx.Err(); err != nil {
		return m.rollback(ctx, u, out, PhaseValidate, err)
	}

	if err := m.mark(tctx, u, tx); err != nil {
		return m.rollback(ctx, u, out, PhaseCommit, err)
	}
	m.advance(tx, StateCommitted)
	m.advance(tx, StateClosed)
	m.journalClose(tx.ID)

	out.Result, out.Phase = ResultCommitted, PhaseDone
	log.Audit("commit", u.Target(), map[string]any{"unit": u.ID(), "txn": tx.ID, "backup": rec.ID})
	return out
}

func (m *Manager) skip(out *Outcome, phase Phase, err error) *Outcome {
	m.advance(out.Transaction, StateClosed)
	out.Result, out.Phase, out.Err = ResultSkipped, phase, err
	m.log.Warn("transaction aborted before apply", "unit", out.Transaction.UnitID, "phase", phase, "error", err)
	return out
}

func (m *Manager) rollback(ctx context.Context, u unit.Unit, out *Outcome, phase Phase, cause error) *Outcome {
	tx := out.Transaction
	log := m.log.WithUnit(u.ID(), tx.ID).WithFields(map[string]any{"phase": phase})
	log.Warn("rolling back", "cause", cause)

	rctx, cancel := m.detached(ctx)
	defer cancel()

	entry, ok := m.stack.Remove(tx.ID)
	var err error
	if ok {
		err = entry.Restore(rctx)
	} else {
		err = m.restore(rctx, u, out.Backup)
	}
	if err != nil {
		out.Result, out.Phase = ResultFatal, phase
		out.Err = &FatalRollbackError{UnitID: u.ID(), TransactionID: tx.ID, BackupID: tx.BackupID, Cause: cause, Err: err}
		log.Error("rollback failed; manual recovery required", "backup", tx.BackupID, "error", err)
		m.journalFail(tx.ID, err)
		log.Audit("rollback_failed", u.Target(), map[string]any{"unit": u.ID(), "txn": tx.ID, "backup": tx.BackupID})
		return out
	}

	m.advance(tx, StateRolledBack)
	m.advance(tx, StateClosed)
	m.journalClose(tx.ID)
	out.Result, out.Phase, out.Err = ResultRolledBack, phase, cause
	log.Audit("rollback", u.Target(), map[string]any{"unit": u.ID(), "txn": tx.ID, "backup": tx.BackupID})
	return out
}

// restore writes rec back and proves it took: the target must capture to
// the same bytes and the unit's recheck validators must pass.
func (m *Manager) restore(ctx context.Context, u unit.Unit, rec *backup.Record) error {
	if rec == nil {
		return fmt.Errorf("no backup for %s", u.ID())
	}
	payload, err := m.backups.Load(ctx, rec)
	if err != nil {
		return err
	}
	if err := u.Restore(ctx, m.exec, payload); err != nil {
		return fmt.Errorf("restore %s: %w", u.Target(), err)
	}
	cur, err := u.Capture(ctx, m.exec)
	if err != nil {
		return fmt.Errorf("verify %s: %w", u.Target(), err)
	}
	if !bytes.Equal(cur, payload) {
		return &RestoreMismatchError{Target: u.Target()}
	}
	if err := validate.Chain(ctx, m.exec, validate.Rechecks(u.Validators())); err != nil {
		return fmt.Errorf("post-restore check: %w", err)
	}
	return nil
}

func (m *Manager) mark(ctx context.Context, u unit.Unit, tx *Transaction) error {
	return m.markers.Put(ctx, marker.Marker{
		UnitID:        u.ID(),
		CompletedAt:   m.clock.Now().UTC(),
		DesiredDigest: u.DesiredDigest(),
		RunID:         m.runID,
		TransactionID: tx.ID,
		BackupID:      tx.BackupID,
	})
}

// Compensate undoes a committed transaction from its backup as a new,
// compensating transaction. It is used when a failure is detected after
// commit, such as a lost access path.
func (m *Manager) Compensate(ctx context.Context, u unit.Unit, committed *Outcome, cause error) *Outcome {
	orig := committed.Transaction
	tx := m.newTransaction(u)
	tx.CompensatesID = orig.ID
	tx.BackupID = orig.BackupID
	out := &Outcome{Transaction: tx, Backup: committed.Backup}
	start := m.clock.Now()
	defer func() { out.Duration = m.clock.Since(start) }()

	rctx, cancel := m.detached(ctx)
	defer cancel()

	release, err := m.locks.Acquire(rctx, u.Resource())
	if err != nil {
		out.Result, out.Phase = ResultFatal, PhaseCompensate
		out.Err = &FatalRollbackError{UnitID: u.ID(), TransactionID: tx.ID, BackupID: tx.BackupID, Cause: cause, Err: err}
		return out
	}
	defer release()

	entry, ok := m.stack.Remove(orig.ID)
	if ok {
		err = entry.Restore(rctx)
	} else {
		err = m.restore(rctx, u, committed.Backup)
	}
	if err != nil {
		out.Result, out.Phase = ResultFatal, PhaseCompensate
		out.Err = &FatalRollbackError{UnitID: u.ID(), TransactionID: tx.ID, BackupID: tx.BackupID, Cause: cause, Err: err}
		m.log.Error("compensating rollback failed", "unit", u.ID(), "txn", tx.ID, "error", err)
		return out
	}
	if err := m.markers.Delete(rctx, u.ID()); err != nil {
		m.log.Warn("failed to clear marker after compensation", "unit", u.ID(), "error", err)
	}

	m.advance(tx, StateRolledBack)
	m.advance(tx, StateClosed)
	out.Result, out.Phase, out.Err = ResultRolledBack, PhaseCompensate, cause
	m.log.Audit("compensate", u.Target(), map[string]any{"unit": u.ID(), "txn": tx.ID, "compensates": orig.ID})
	return out
}

// RestoreRecord puts a backup back outside a run, rebuilding the unit from
// the declaration stored with the record. The unit's marker is cleared.
func (m *Manager) RestoreRecord(ctx context.Context, rec *backup.Record) *Outcome {
	out := &Outcome{Backup: rec, Phase: PhaseRestore}
	u, err := UnitFromRecord(rec)
	if err != nil {
		out.Result, out.Err = ResultSkipped, err
		return out
	}
	tx := m.newTransaction(u)
	tx.BackupID = rec.ID
	tx.CompensatesID = rec.TransactionID
	out.Transaction = tx

	release, err := m.locks.Acquire(ctx, u.Resource())
	if err != nil {
		m.advance(tx, StateClosed)
		out.Result, out.Err = ResultSkipped, err
		return out
	}
	defer release()

	rctx, cancel := m.detached(ctx)
	defer cancel()
	if err := m.restore(rctx, u, rec); err != nil {
		out.Result = ResultFatal
		out.Err = &FatalRollbackError{UnitID: u.ID(), TransactionID: tx.ID, BackupID: rec.ID, Cause: errors.New("operator restore"), Err: err}
		return out
	}
	if err := m.markers.Delete(rctx, u.ID()); err != nil {
		m.log.Warn("failed to clear marker after restore", "unit", u.ID(), "error", err)
	}
	m.journalResolve(rec.ID)
	m.advance(tx, StateRolledBack)
	m.advance(tx, StateClosed)
	out.Result = ResultRolledBack
	m.log.Audit("restore", u.Target(), map[string]any{"unit": u.ID(), "backup": rec.ID})
	return out
}

// UnitFromRecord rebuilds the unit that captured rec.
func UnitFromRecord(rec *backup.Record) (unit.Unit, error) {
	if len(rec.Unit) == 0 {
		return nil, fmt.Errorf("backup %s carries no unit declaration", rec.ID)
	}
	var spec config.UnitSpec
	if err := json.Unmarshal(rec.Unit, &spec); err != nil {
		return nil, fmt.Errorf("decode unit of backup %s: %w", rec.ID, err)
	}
	return unit.Build(spec)
}
