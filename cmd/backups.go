package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"grimm.is/bulwark/internal/backup"
	"grimm.is/bulwark/internal/engine"
	"grimm.is/bulwark/internal/txn"
)

// RunBackupsList prints the backup records of one host, newest first.
func RunBackupsList(ctx context.Context, c Common, unitID string) error {
	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.Close()
	h, err := e.oneHost(c, false)
	if err != nil {
		return err
	}
	recs, err := h.Backups.List(ctx, unitID)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		Printer.Printf("No backups on %s\n", h.Name)
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUNIT\tTARGET\tTAKEN\tSIZE\tRUN")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.UnitID, r.Target, humanize.Time(r.Timestamp), humanize.Bytes(uint64(r.Size)), r.RunID)
	}
	return w.Flush()
}

// PruneOptions are the flags of backups prune.
type PruneOptions struct {
	Common
	Keep      int
	OlderThan time.Duration
	DryRun    bool
}

// RunBackupsPrune deletes old backup records. Records still needed to
// undo a failed run or an open transaction are never removed.
func RunBackupsPrune(ctx context.Context, o PruneOptions) error {
	if o.Keep < 1 {
		return errors.New("--keep must be at least 1")
	}
	e, err := open(o.Common)
	if err != nil {
		return err
	}
	defer e.Close()
	h, err := e.oneHost(o.Common, !o.DryRun)
	if err != nil {
		return err
	}

	protect, err := protectedBackups(h)
	if err != nil {
		return err
	}
	removed, err := h.Backups.Prune(ctx, backup.PruneOptions{
		Keep:      o.Keep,
		OlderThan: o.OlderThan,
		Protect:   protect,
		DryRun:    o.DryRun,
	})
	if err != nil {
		return err
	}
	verb := "Removed"
	if o.DryRun {
		verb = "Would remove"
	}
	for _, r := range removed {
		Printer.Printf("%s %s (%s, %s)\n", verb, r.ID, r.UnitID, humanize.Time(r.Timestamp))
	}
	Printer.Printf("%s %d backup(s); %d protected\n", verb, len(removed), len(protect))
	if !o.DryRun {
		e.log.Audit("backups_prune", h.Name, map[string]any{"removed": len(removed), "keep": o.Keep})
	}
	return nil
}

// protectedBackups returns the backups referenced by failed runs that
// were not rolled back and by journaled transactions.
func protectedBackups(h *engine.Host) (map[string]bool, error) {
	protect := make(map[string]bool)
	runs, err := engine.ListRuns(h.State, h.Name)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if r.Success || !r.RolledBackAt.IsZero() {
			continue
		}
		for _, step := range r.Rollback {
			protect[step.BackupID] = true
		}
	}
	pending, err := h.Manager.Pending()
	if err != nil {
		return nil, err
	}
	for _, tx := range pending {
		protect[tx.BackupID] = true
	}
	return protect, nil
}

// RunRestore puts one backup back. The unit's marker is cleared so the
// next apply runs it again.
func RunRestore(ctx context.Context, c Common, backupID string) error {
	if backupID == "" {
		return errors.New("usage: restore --host <host> <backup-id>")
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
	rec, err := h.Backups.Get(ctx, backupID)
	if err != nil {
		return err
	}
	out := h.Manager.RestoreRecord(ctx, rec)
	if out.Result != txn.ResultRolledBack {
		return fmt.Errorf("restore %s: %w", backupID, out.Err)
	}
	Printer.Printf("Restored %s from backup %s (%s)\n", rec.Target, rec.ID, humanize.Time(rec.Timestamp))
	return nil
}
