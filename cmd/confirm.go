package cmd

import (
	"errors"
	"os/user"

	"grimm.is/bulwark/internal/safety"
)

// RunConfirm records an operator answer for an open lease. A run waiting
// in external confirm mode picks it up on its next poll.
func RunConfirm(c Common, leaseID string, reject bool) error {
	if leaseID == "" {
		return errors.New("usage: confirm [--reject] --host <host> <lease-id>")
	}
	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.Close()
	ts, err := e.targets(c)
	if err != nil {
		return err
	}
	if len(ts) != 1 {
		return errors.New("confirm needs exactly one --host")
	}

	by := "operator"
	if u, err := user.Current(); err == nil {
		by = u.Username
	}
	if err := safety.Confirm(e.state, ts[0].name, safety.Confirmation{
		LeaseID: leaseID,
		At:      e.clock.Now(),
		By:      by,
		Reject:  reject,
	}); err != nil {
		return err
	}
	verb := "confirmed"
	if reject {
		verb = "rejected"
	}
	e.log.Audit("lease_"+verb, leaseID, map[string]any{"host": ts[0].name, "by": by})
	Printer.Printf("Lease %s %s on %s\n", leaseID, verb, ts[0].name)
	return nil
}
