package engine

import (
	"context"
	"errors"

	"grimm.is/bulwark/internal/marker"
)

// Drift states.
const (
	DriftNone       = "in-sync"
	DriftChanged    = "drifted"     // marked done but the target no longer matches
	DriftPolicy     = "policy"      // marker written for a different desired state
	DriftNeverRun   = "not-applied" // no marker and the target does not match
	DriftUnreadable = "error"
)

// DriftEntry is the state of one unit on one host.
type DriftEntry struct {
	Host   string         `json:"host"`
	UnitID string         `json:"unit_id"`
	State  string         `json:"state"`
	Marker *marker.Marker `json:"marker,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Drifted reports whether the unit needs attention.
func (d DriftEntry) Drifted() bool { return d.State != DriftNone }

// Check compares every unit's target with the policy without changing
// anything. Units that match without a marker are in sync.
func (o *Orchestrator) Check(ctx context.Context, h *Host) ([]DriftEntry, error) {
	out := make([]DriftEntry, 0, len(o.plan.Steps))
	for _, step := range o.plan.Steps {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		u := o.units[step.ID]
		d := DriftEntry{Host: h.Name, UnitID: u.ID()}

		if h.Markers != nil {
			m, err := h.Markers.Get(ctx, u.ID())
			switch {
			case err == nil:
				d.Marker = m
			case !errors.Is(err, marker.ErrNoMarker):
				return out, err
			}
		}

		ok, err := u.Satisfied(ctx, h.Executor)
		switch {
		case err != nil:
			d.State, d.Error = DriftUnreadable, err.Error()
		case d.Marker != nil && !marker.Current(d.Marker, u.DesiredDigest()):
			d.State = DriftPolicy
		case ok:
			d.State = DriftNone
		case d.Marker != nil:
			d.State = DriftChanged
		default:
			d.State = DriftNeverRun
		}
		out = append(out, d)
	}
	return out, nil
}
