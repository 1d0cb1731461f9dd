// Package marker records which change units have been committed on a host.
//
// A marker is written only when a transaction commits and is consulted
// before scheduling so already-applied units are skipped without invoking
// apply. Two backends exist: the state database (default) and a directory
// of one file per unit for hosts where operators inspect markers by hand.
package marker

import (
	"context"
	"errors"
	"time"
)

// ErrNoMarker is returned when a unit has no marker.
var ErrNoMarker = errors.New("marker not found")

// Marker is the persisted proof that a unit reached its desired state.
type Marker struct {
	UnitID        string    `json:"unit_id"`
	CompletedAt   time.Time `json:"completed_at"`
	DesiredDigest string    `json:"desired_digest"`
	RunID         string    `json:"run_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	BackupID      string    `json:"backup_id,omitempty"`
}

// Store persists markers for a single host.
type Store interface {
	Get(ctx context.Context, unitID string) (*Marker, error)
	Put(ctx context.Context, m Marker) error
	Delete(ctx context.Context, unitID string) error
	List(ctx context.Context) ([]Marker, error)
}

// Current reports whether m is present and was written for the same
// desired state. A changed policy for the unit invalidates its marker.
func Current(m *Marker, desiredDigest string) bool {
	if m == nil {
		return false
	}
	return desiredDigest == "" || m.DesiredDigest == "" || m.DesiredDigest == desiredDigest
}
