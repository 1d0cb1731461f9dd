package safety

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/huh"

	"grimm.is/bulwark/internal/clock"
	"grimm.is/bulwark/internal/state"
)

// Confirmer obtains the operator's agreement that primary access works.
// Confirm blocks until it has an answer or ctx ends; the Monitor cancels
// ctx when the lease deadline passes.
type Confirmer interface {
	Confirm(ctx context.Context, lease *Lease) error
}

// ProbeConfirmer treats a successful probe as confirmation.
type ProbeConfirmer struct{}

func (ProbeConfirmer) Confirm(ctx context.Context, lease *Lease) error { return nil }

// PromptConfirmer asks on the controlling terminal.
type PromptConfirmer struct {
	// Accessible renders a plain prompt for screen readers and dumb terminals.
	Accessible bool
}

func (p PromptConfirmer) Confirm(ctx context.Context, lease *Lease) error {
	keep := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("%s: %s changed", lease.Host, lease.UnitID)).
			Description(fmt.Sprintf("Open a NEW ssh session to the host now.\nEmergency access stays on port %d until %s.\nKeep the change?",
				lease.Port, lease.ExpiresAt.Local().Format(time.Kitchen))).
			Affirmative("Keep").
			Negative("Roll back").
			Value(&keep),
	)).WithAccessible(p.Accessible)

	if err := form.RunWithContext(ctx); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return err
	}
	if !keep {
		return ErrRejected
	}
	return nil
}

// Confirmation is an out-of-band answer written by `bulwark confirm`.
type Confirmation struct {
	LeaseID string    `json:"lease_id"`
	At      time.Time `json:"at"`
	By      string    `json:"by,omitempty"`
	Reject  bool      `json:"reject,omitempty"`
}

// ExternalConfirmer waits for a Confirmation in the state store.
type ExternalConfirmer struct {
	Store    state.Store
	Host     string
	Interval time.Duration
	Clock    clock.Clock
}

func (e ExternalConfirmer) bucket() string {
	return state.Bucket(e.Host, state.BucketConfirmations)
}

func (e ExternalConfirmer) Confirm(ctx context.Context, lease *Lease) error {
	clk := clock.OrReal(e.Clock)
	interval := e.Interval
	if interval <= 0 {
		interval = time.Second
	}
	if err := state.EnsureBucket(e.Store, e.bucket()); err != nil {
		return err
	}
	for {
		var c Confirmation
		err := e.Store.GetJSON(e.bucket(), lease.ID, &c)
		switch {
		case err == nil && c.Reject:
			return ErrRejected
		case err == nil:
			return nil
		case !errors.Is(err, state.ErrNotFound):
			return err
		}
		if err := clk.Sleep(ctx, interval); err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return cause
			}
			return err
		}
	}
}

// Confirm records an operator answer for a lease on host.
func Confirm(store state.Store, host string, c Confirmation) error {
	bucket := state.Bucket(host, state.BucketConfirmations)
	if err := state.EnsureBucket(store, bucket); err != nil {
		return err
	}
	return store.SetJSON(bucket, c.LeaseID, c)
}

// NewConfirmer returns the confirmer for a confirm mode.
func NewConfirmer(mode string, store state.Store, host string, clk clock.Clock) (Confirmer, error) {
	switch mode {
	case "", "probe":
		return ProbeConfirmer{}, nil
	case "prompt":
		return PromptConfirmer{}, nil
	case "external":
		return ExternalConfirmer{Store: store, Host: host, Clock: clk}, nil
	}
	return nil, fmt.Errorf("unknown confirm mode %q", mode)
}
