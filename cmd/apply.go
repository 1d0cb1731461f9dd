package cmd

import (
	"context"
	"fmt"
	"os"

	"grimm.is/bulwark/internal/engine"
	"grimm.is/bulwark/internal/report"
	"grimm.is/bulwark/internal/unit"
)

// ApplyOptions are the flags of apply and plan.
type ApplyOptions struct {
	Common
	DryRun          bool
	Force           []string
	ForceAll        bool
	Tags            []string
	SkipTags        []string
	MaxTier         int // negative for no limit
	ContinueOnError bool
	Recover         bool
	Parallelism     int // 0 uses settings.parallelism
	ReportFile      string
}

// RunApply runs the policy against every selected host and returns the
// process exit code. Plan is RunApply with DryRun set.
func RunApply(ctx context.Context, o ApplyOptions) (int, error) {
	e, err := open(o.Common)
	if err != nil {
		return report.ExitConfig, err
	}
	defer e.Close()

	units, err := unit.BuildAll(e.policy)
	if err != nil {
		return report.ExitConfig, err
	}
	opts := engine.Options{
		DryRun:          o.DryRun,
		Force:           o.Force,
		ForceAll:        o.ForceAll,
		Tags:            o.Tags,
		SkipTags:        o.SkipTags,
		MaxTier:         o.MaxTier,
		ContinueOnError: o.ContinueOnError || e.policy.Settings.ContinueOnError,
		Recover:         o.Recover,
	}
	orch, err := engine.New(engine.Config{Units: units, Options: opts, Clock: e.clock, Logger: e.log})
	if err != nil {
		return report.ExitConfig, fmt.Errorf("schedule: %w", err)
	}
	e.log.Info("policy loaded", "units", len(units), "digest", e.digest[:12], "run", orch.RunID())

	sinks := e.sinks()
	reportFile := o.ReportFile
	if reportFile == "" {
		reportFile = e.policy.Settings.ReportFile
	}
	if reportFile != "" {
		f, err := os.OpenFile(reportFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return report.ExitConfig, fmt.Errorf("report file: %w", err)
		}
		e.closers = append(e.closers, f.Close)
		sinks = append(sinks, report.NewJSONLSink(f))
	}

	targets, err := e.targets(o.Common)
	if err != nil {
		return report.ExitConfig, err
	}
	hosts := make([]*engine.Host, 0, len(targets))
	for _, t := range targets {
		if !o.DryRun {
			if err := e.lock(t.name); err != nil {
				return report.ExitConfig, err
			}
		}
		h, err := e.host(t, orch.RunID(), o.Common, sinks)
		if err != nil {
			return report.ExitConfig, fmt.Errorf("host %s: %w", t.name, err)
		}
		hosts = append(hosts, h)
	}

	parallelism := o.Parallelism
	if parallelism <= 0 {
		parallelism = e.policy.Settings.Parallelism
	}
	runs := orch.RunAll(ctx, hosts, parallelism)
	e.flushMetrics()

	report.Render(os.Stdout, runs...)
	if o.DryRun {
		for _, r := range runs {
			printDiffs(r)
		}
	}
	return report.ExitCode(runs...), nil
}

func printDiffs(r *report.Run) {
	for _, entry := range r.Snapshot() {
		if entry.Diff == "" {
			continue
		}
		Printer.Printf("\n# %s on %s\n", entry.UnitID, r.Host)
		if entry.Risk != "" {
			Printer.Printf("# risk: %s\n", entry.Risk)
		}
		fmt.Print(entry.Diff)
	}
}
