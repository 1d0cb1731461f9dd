package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"grimm.is/bulwark/internal/state"
)

// journalEntry marks a transaction that has a backup but has not yet
// committed or rolled back. Entries left behind by a crash are rolled back
// by Recover. Failed is set once a restore of the entry has failed; such
// an entry waits for an operator.
type journalEntry struct {
	Transaction Transaction     `json:"transaction"`
	Unit        json.RawMessage `json:"unit"`
	Failed      string          `json:"failed,omitempty"`
	FailedAt    time.Time       `json:"failed_at,omitempty"`
}

// PendingTxn describes a journaled transaction.
type PendingTxn struct {
	Transaction
	// Failed holds the error of a restore that already failed. Recover
	// leaves such entries alone unless told to retry them.
	Failed   string
	FailedAt time.Time
}

// NeedsOperatorError reports journaled transactions whose restore already
// failed once. They are not retried without an explicit request.
type NeedsOperatorError struct {
	Pending []PendingTxn
}

func (e *NeedsOperatorError) Error() string {
	p := e.Pending[0]
	msg := fmt.Sprintf("transaction %s (unit %s, backup %s) failed to roll back: %s", p.ID, p.UnitID, p.BackupID, p.Failed)
	if n := len(e.Pending); n > 1 {
		msg += fmt.Sprintf(" (and %d more)", n-1)
	}
	return msg + "; restore the backup by hand or rerun with --recover"
}

func (m *Manager) journalOpen(tx *Transaction, spec json.RawMessage) error {
	return m.journal.SetJSON(m.bucket, tx.ID, journalEntry{Transaction: *tx, Unit: spec})
}

// journalFail records a failed restore on an open entry.
func (m *Manager) journalFail(id string, cause error) {
	var e journalEntry
	err := m.journal.UpdateJSON(m.bucket, id, &e, func(found bool) error {
		if !found {
			return state.ErrNotFound
		}
		e.Failed, e.FailedAt = cause.Error(), m.clock.Now().UTC()
		return nil
	})
	if err != nil {
		m.log.Warn("failed to record rollback failure in journal", "txn", id, "error", err)
	}
}

// journalResolve closes every entry whose pre-image is backupID, once an
// operator put that backup back.
func (m *Manager) journalResolve(backupID string) {
	pending, err := m.Pending()
	if err != nil {
		m.log.Warn("failed to read transaction journal", "error", err)
		return
	}
	for _, p := range pending {
		if p.BackupID == backupID {
			m.journalClose(p.ID)
		}
	}
}

func (m *Manager) journalClose(id string) {
	if err := m.journal.Delete(m.bucket, id); err != nil && !errors.Is(err, state.ErrNotFound) {
		m.log.Warn("failed to close journal entry", "txn", id, "error", err)
	}
}

// Pending lists transactions left open by an interrupted run or by a
// failed rollback.
func (m *Manager) Pending() ([]PendingTxn, error) {
	keys, err := m.journal.ListKeys(m.bucket)
	if err != nil {
		return nil, err
	}
	out := make([]PendingTxn, 0, len(keys))
	for _, k := range keys {
		var e journalEntry
		if err := m.journal.GetJSON(m.bucket, k, &e); err != nil {
			return nil, err
		}
		out = append(out, PendingTxn{Transaction: e.Transaction, Failed: e.Failed, FailedAt: e.FailedAt})
	}
	return out, nil
}

// Recover rolls back every transaction an interrupted run left open. An
// entry whose restore fails stays in the journal, marked failed. Failed
// entries are only retried when retryFailed is set; otherwise they are
// returned in a NeedsOperatorError.
func (m *Manager) Recover(ctx context.Context, retryFailed bool) ([]*Outcome, error) {
	pending, err := m.Pending()
	if err != nil {
		return nil, err
	}
	var (
		outs  []*Outcome
		errs  []error
		stuck []PendingTxn
	)
	for _, p := range pending {
		if p.Failed != "" && !retryFailed {
			stuck = append(stuck, p)
			continue
		}
		rec, err := m.backups.Get(ctx, p.BackupID)
		if err != nil {
			errs = append(errs, fmt.Errorf("transaction %s: %w", p.ID, err))
			continue
		}
		m.log.Warn("recovering interrupted transaction", "unit", p.UnitID, "txn", p.ID, "backup", rec.ID, "retry", p.Failed != "")
		out := m.RestoreRecord(ctx, rec)
		outs = append(outs, out)
		if out.Result == ResultRolledBack {
			m.journalClose(p.ID)
			continue
		}
		if out.Err != nil {
			m.journalFail(p.ID, out.Err)
		}
		errs = append(errs, fmt.Errorf("transaction %s: %w", p.ID, out.Err))
	}
	if len(stuck) > 0 {
		errs = append(errs, &NeedsOperatorError{Pending: stuck})
	}
	return outs, errors.Join(errs...)
}
