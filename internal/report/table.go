package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	colorAccent = lipgloss.Color("#A8D8EA")
	colorMuted  = lipgloss.Color("#596E79")
	colorBad    = lipgloss.Color("#FF6B6B")
	colorGood   = lipgloss.Color("#4ECDC4")
	colorWarn   = lipgloss.Color("#FFE66D")

	styleTitle  = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	styleHeader = lipgloss.NewStyle().Foreground(colorMuted).Bold(true).Padding(0, 1)
	styleCell   = lipgloss.NewStyle().Padding(0, 1)
	styleGood   = lipgloss.NewStyle().Foreground(colorGood).Bold(true)
	styleBad    = lipgloss.NewStyle().Foreground(colorBad).Bold(true)
	styleWarn   = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	styleMuted  = lipgloss.NewStyle().Foreground(colorMuted)
)

func outcomeStyle(e Entry) lipgloss.Style {
	switch {
	case e.Outcome == Fatal || e.Outcome == RolledBack:
		return styleBad
	case e.Outcome == Skipped && !e.Intentional():
		return styleWarn
	case e.Outcome == Skipped || e.Outcome == Unchanged:
		return styleMuted
	}
	return styleGood
}

// Render writes a summary table per run.
func Render(w io.Writer, runs ...*Run) {
	for i, r := range runs {
		if i > 0 {
			fmt.Fprintln(w)
		}
		renderRun(w, r)
	}
}

func renderRun(w io.Writer, r *Run) {
	status := styleGood.Render("OK")
	if !r.Success() {
		status = styleBad.Render("FAILED")
	}
	mode := ""
	if r.DryRun {
		mode = styleMuted.Render(" (dry run)")
	}
	fmt.Fprintf(w, "%s %s%s %s\n", styleTitle.Render(r.Host), styleMuted.Render(r.ID), mode, status)

	entries := r.Snapshot()
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(styleMuted).
		Headers("TIER", "UNIT", "OUTCOME", "DURATION", "BACKUP", "DETAIL").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleHeader
			}
			if col == 2 && row >= 0 && row < len(entries) {
				return outcomeStyle(entries[row]).Padding(0, 1)
			}
			return styleCell
		})
	for _, e := range entries {
		t.Row(fmt.Sprint(e.Tier), e.UnitID, string(e.Outcome), e.Duration.Round(time.Millisecond).String(), shortID(e.BackupID), detail(e))
	}
	fmt.Fprintln(w, t.Render())

	if r.Halted != "" {
		fmt.Fprintln(w, styleBad.Render("halted: ")+r.Halted)
	}
	if len(r.Rollback) > 0 {
		fmt.Fprintln(w, styleWarn.Render("committed changes kept; undo with:"))
		fmt.Fprintf(w, "  rollback-run %s --host %s\n", r.ID, r.Host)
	}
}

func detail(e Entry) string {
	var parts []string
	if e.Phase != "" && e.Outcome != Committed {
		parts = append(parts, e.Phase)
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	if e.LeaseState != "" {
		parts = append(parts, "lease "+e.LeaseState)
	}
	if e.Error != "" {
		msg := e.Error
		if len(msg) > 80 {
			msg = msg[:77] + "..."
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, ": ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
