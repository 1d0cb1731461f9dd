package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"grimm.is/bulwark/internal/audit"
)

// AuditOptions are the flags of the audit command.
type AuditOptions struct {
	Common
	Since  time.Duration
	RunID  string
	UnitID string
	Action string
	Limit  int
	JSON   bool
	Prune  bool
}

// RunAudit queries the audit log, or prunes it past its retention.
func RunAudit(o AuditOptions) error {
	e, err := open(o.Common)
	if err != nil {
		return err
	}
	defer e.Close()

	if o.Prune {
		n, err := e.audit.Prune()
		if err != nil {
			return err
		}
		Printer.Printf("Pruned %d audit event(s)\n", n)
		return nil
	}

	q := audit.Query{RunID: o.RunID, UnitID: o.UnitID, Action: o.Action, Limit: o.Limit}
	if o.Since > 0 {
		q.Since = e.clock.Now().Add(-o.Since)
	}
	if len(o.Hosts) == 1 {
		q.Host = o.Hosts[0]
	}
	events, err := e.audit.Query(q)
	if err != nil {
		return err
	}

	if o.JSON {
		enc := json.NewEncoder(os.Stdout)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tHOST\tRUN\tACTION\tUNIT\tRESULT\tERROR")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.Timestamp.Local().Format(time.DateTime), ev.Host, ev.RunID, ev.Action, ev.UnitID, ev.Result, ev.Error)
	}
	return w.Flush()
}
