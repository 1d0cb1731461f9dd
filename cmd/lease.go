package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
)

// RunLeaseList prints the emergency access leases of one host.
func RunLeaseList(c Common) error {
	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.Close()
	h, err := e.oneHost(c, false)
	if err != nil {
		return err
	}
	leases, err := h.Monitor.Leases()
	if err != nil {
		return err
	}
	if len(leases) == 0 {
		Printer.Printf("No leases on %s\n", h.Name)
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUNIT\tPORT\tSTATE\tOPENED\tEXPIRES\tREASON")
	for _, l := range leases {
		state := string(l.State)
		if l.Lingering {
			state += " (lingering)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			l.ID, l.UnitID, l.Port, state, humanize.Time(l.OpenedAt), humanize.Time(l.ExpiresAt), l.Reason)
	}
	return w.Flush()
}

// RunLeaseClose tears down a lease after the operator has checked the
// host by hand. It is the only way a lingering lease goes away.
func RunLeaseClose(ctx context.Context, c Common, leaseID string) error {
	if leaseID == "" {
		return errors.New("usage: lease close --host <host> <lease-id>")
	}
	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.Close()
	h, err := e.oneHost(c, true)
	if err != nil {
		return err
	}
	if err := h.Monitor.Close(ctx, leaseID); err != nil {
		return err
	}
	Printer.Printf("Lease %s closed on %s\n", leaseID, h.Name)
	return nil
}
