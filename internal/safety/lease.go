// Package safety guards access-affecting changes.
//
// Before such a change the Monitor opens an emergency access lease: a
// second sshd on a separate port, started from the configuration as it was
// before the change. After the change commits, the primary access path is
// probed and, depending on the confirm mode, an operator confirms. If
// either fails before the lease deadline the change is undone by a
// compensating transaction, and the lease stays open until a fresh probe
// of the primary path succeeds.
package safety

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grimm.is/bulwark/internal/clock"
)

// LeaseState is a position in the lease lifecycle.
type LeaseState string

const (
	StateNoLease          LeaseState = "NO_LEASE"
	StateLeaseActive      LeaseState = "LEASE_ACTIVE"
	StatePrimaryConfirmed LeaseState = "PRIMARY_CONFIRMED"
	StatePrimaryFailed    LeaseState = "PRIMARY_FAILED"
	StateCompensating     LeaseState = "COMPENSATING_ROLLBACK"
	StateTornDown         LeaseState = "LEASE_TORN_DOWN"
)

var leaseTransitions = map[LeaseState][]LeaseState{
	StateNoLease:          {StateLeaseActive},
	StateLeaseActive:      {StatePrimaryConfirmed, StatePrimaryFailed},
	StatePrimaryConfirmed: {StateTornDown},
	StatePrimaryFailed:    {StateCompensating},
	StateCompensating:     {StateTornDown},
}

// Errors
var (
	ErrLeaseNotFound = errors.New("lease not found")
	ErrRejected      = errors.New("operator rejected the change")
)

// LeaseTransition is one recorded state change.
type LeaseTransition struct {
	From LeaseState `json:"from"`
	To   LeaseState `json:"to"`
	At   time.Time  `json:"at"`
	Note string     `json:"note,omitempty"`
}

// Lease is an emergency access path held open around one risky change.
type Lease struct {
	ID              string            `json:"id"`
	Host            string            `json:"host"`
	RunID           string            `json:"run_id,omitempty"`
	UnitID          string            `json:"unit_id"`
	Port            int               `json:"port"`
	CredentialsMode string            `json:"credentials_mode"`
	OpenedAt        time.Time         `json:"opened_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	ClosedAt        time.Time         `json:"closed_at,omitzero"`
	State           LeaseState        `json:"state"`
	Expired         bool              `json:"expired,omitempty"`
	Lingering       bool              `json:"lingering,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	History         []LeaseTransition `json:"history,omitempty"`

	timer  clock.Timer
	cancel context.CancelCauseFunc
}

// Active reports whether the emergency path may still be listening.
func (l *Lease) Active() bool {
	return l.State != StateTornDown && l.State != StateNoLease
}

func (l *Lease) to(next LeaseState, at time.Time, note string) error {
	for _, allowed := range leaseTransitions[l.State] {
		if allowed == next {
			l.History = append(l.History, LeaseTransition{From: l.State, To: next, At: at, Note: note})
			l.State = next
			return nil
		}
	}
	return fmt.Errorf("illegal lease transition %s -> %s", l.State, next)
}

// forceClose records an operator teardown from any open state.
func (l *Lease) forceClose(at time.Time, note string) {
	l.History = append(l.History, LeaseTransition{From: l.State, To: StateTornDown, At: at, Note: note})
	l.State = StateTornDown
	l.ClosedAt = at
	l.Lingering = false
}

// LeaseExpiredError is the cause attached to a lease whose deadline passed
// before primary access was confirmed.
type LeaseExpiredError struct {
	LeaseID   string
	ExpiresAt time.Time
}

func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("lease %s expired at %s without confirmed primary access", e.LeaseID, e.ExpiresAt.Format(time.RFC3339))
}

// LeaseLingeringError blocks access-affecting changes while an earlier
// lease is still open.
type LeaseLingeringError struct {
	Lease *Lease
}

func (e *LeaseLingeringError) Error() string {
	return fmt.Sprintf("emergency lease %s on port %d is still open (%s); close it with `lease close %s` once access is verified",
		e.Lease.ID, e.Lease.Port, e.Lease.State, e.Lease.ID)
}
