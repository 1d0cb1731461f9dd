package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"grimm.is/bulwark/internal/engine"
)

// RunRunsList prints the recorded runs of one host.
func RunRunsList(c Common) error {
	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.Close()
	ts, err := e.targets(c)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tRUN\tSTARTED\tRESULT\tROLLBACK")
	for _, t := range ts {
		runs, err := engine.ListRuns(e.state, t.name)
		if err != nil {
			return err
		}
		for _, r := range runs {
			result := "ok"
			switch {
			case r.DryRun:
				result = "plan"
			case r.Halted != "":
				result = "halted"
			case !r.Success:
				result = "failed"
			}
			rb := "-"
			switch {
			case !r.RolledBackAt.IsZero():
				rb = "done " + humanize.Time(r.RolledBackAt)
			case len(r.Rollback) > 0:
				rb = fmt.Sprintf("%d step(s)", len(r.Rollback))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Host, r.ID, humanize.Time(r.StartedAt), result, rb)
		}
	}
	return w.Flush()
}

// RunRollbackRun undoes what a failed run committed on one host, newest
// change first.
func RunRollbackRun(ctx context.Context, c Common, runID string) error {
	if runID == "" {
		return errors.New("usage: rollback-run --host <host> <run-id>")
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
	outs, err := engine.RollbackRun(ctx, h, runID)
	for _, out := range outs {
		Printer.Printf("%-30s %s\n", out.Transaction.UnitID, out.Result)
	}
	if err != nil {
		return err
	}
	if len(outs) == 0 {
		Printer.Printf("Run %s left nothing to roll back on %s\n", runID, h.Name)
		return nil
	}
	e.log.Audit("rollback_run", runID, map[string]any{"host": h.Name, "steps": len(outs)})
	return nil
}
