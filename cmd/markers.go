package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"grimm.is/bulwark/internal/marker"
	"grimm.is/bulwark/internal/unit"
)

// RunMarkersList prints the completion markers of one host.
func RunMarkersList(ctx context.Context, c Common) error {
	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.Close()
	h, err := e.oneHost(c, false)
	if err != nil {
		return err
	}
	ms, err := h.Markers.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tCOMPLETED\tRUN\tBACKUP\tCURRENT")
	for _, m := range ms {
		current := "not in policy"
		if spec := e.policy.Unit(m.UnitID); spec != nil {
			current = "stale"
			if u, err := unit.Build(*spec); err == nil && marker.Current(&m, u.DesiredDigest()) {
				current = "yes"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.UnitID, humanize.Time(m.CompletedAt), m.RunID, m.BackupID, current)
	}
	return w.Flush()
}

// RunMarkersClear deletes markers so the units run again on the next
// apply. With all set every marker of the host is removed.
func RunMarkersClear(ctx context.Context, c Common, units []string, all bool) error {
	if len(units) == 0 && !all {
		return errors.New("usage: markers clear --host <host> (--all | <unit>...)")
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
	if all {
		ms, err := h.Markers.List(ctx)
		if err != nil {
			return err
		}
		units = units[:0]
		for _, m := range ms {
			units = append(units, m.UnitID)
		}
	}
	for _, id := range units {
		if err := h.Markers.Delete(ctx, id); err != nil {
			return fmt.Errorf("clear %s: %w", id, err)
		}
		Printer.Printf("Cleared %s\n", id)
	}
	e.log.Audit("markers_clear", h.Name, map[string]any{"units": units})
	return nil
}
