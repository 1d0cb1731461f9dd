// Package txn runs change units as transactions.
//
// A transaction snapshots its target, applies the unit, validates the
// result and either commits (writing a completion marker) or restores the
// snapshot. Every transaction of a run is recorded on a RollbackStack so
// the run can be unwound or a committed unit compensated later.
package txn

import (
	"fmt"
	"time"
)

// State is a transaction lifecycle state.
type State string

const (
	StatePending    State = "PENDING"
	StateApplied    State = "APPLIED"
	StateValidating State = "VALIDATING"
	StateCommitted  State = "COMMITTED"
	StateRolledBack State = "ROLLED_BACK"
	StateClosed     State = "CLOSED"
)

// transitions lists the legal next states. PENDING closes directly when
// nothing was changed (already satisfied, or the backup failed).
var transitions = map[State][]State{
	StatePending:    {StateApplied, StateRolledBack, StateClosed},
	StateApplied:    {StateValidating, StateRolledBack},
	StateValidating: {StateCommitted, StateRolledBack},
	StateCommitted:  {StateClosed},
	StateRolledBack: {StateClosed},
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Transaction tracks one attempt to change one unit.
type Transaction struct {
	ID            string       `json:"id"`
	RunID         string       `json:"run_id,omitempty"`
	UnitID        string       `json:"unit_id"`
	Resource      string       `json:"resource"`
	State         State        `json:"state"`
	BackupID      string       `json:"backup_id,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	Deadline      time.Time    `json:"deadline"`
	CompensatesID string       `json:"compensates_id,omitempty"`
	History       []Transition `json:"history,omitempty"`
}

// TransitionError reports an illegal state change. It indicates a bug.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transaction transition %s -> %s", e.From, e.To)
}

func (t *Transaction) to(next State, at time.Time) error {
	for _, allowed := range transitions[t.State] {
		if allowed == next {
			t.History = append(t.History, Transition{From: t.State, To: next, At: at})
			t.State = next
			return nil
		}
	}
	return &TransitionError{From: t.State, To: next}
}

// Reached reports whether the transaction ever entered s.
func (t *Transaction) Reached(s State) bool {
	if t.State == s {
		return true
	}
	for _, tr := range t.History {
		if tr.To == s || tr.From == s {
			return true
		}
	}
	return false
}
