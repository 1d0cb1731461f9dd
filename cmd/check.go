package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"grimm.is/bulwark/internal/brand"
	"grimm.is/bulwark/internal/config"
	"grimm.is/bulwark/internal/engine"
	"grimm.is/bulwark/internal/report"
	"grimm.is/bulwark/internal/unit"
)

// RunCheck validates a policy file and prints the execution order.
func RunCheck(configFile string, verbose bool) error {
	if configFile == "" {
		return fmt.Errorf("usage: %s check [-v] <policy-file>\nExample: %s check -v %s", brand.BinaryName, brand.BinaryName, brand.DefaultPolicyPath())
	}

	result, err := config.LoadFileWithOptions(configFile, config.LoadOptions{})
	if err != nil {
		return fmt.Errorf("policy invalid: %w", err)
	}
	p := result.Policy
	units, err := unit.BuildAll(p)
	if err != nil {
		return fmt.Errorf("policy invalid: %w", err)
	}
	orch, err := engine.New(engine.Config{Units: units})
	if err != nil {
		return fmt.Errorf("policy cannot be scheduled: %w", err)
	}

	Printer.Printf("Policy valid!\n")
	Printer.Printf("Schema Version: %s\n", result.Version)
	Printer.Printf("Digest: %s\n", result.Digest)
	Printer.Printf("Units: %d\n", len(units))
	Printer.Printf("Hosts: %d\n", len(p.Hosts))
	for _, w := range result.Warnings {
		Printer.Printf("Warning: %s\n", w)
	}

	if verbose {
		Printer.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tTIER\tUNIT\tKIND\tTARGET\tACCESS")
		for i, step := range orch.Plan().Steps {
			u, _ := orch.Unit(step.ID)
			tier := fmt.Sprint(step.Tier)
			if step.Tier != step.DeclaredTier {
				tier = fmt.Sprintf("%d (declared %d)", step.Tier, step.DeclaredTier)
			}
			access := ""
			if u.AccessAffecting() {
				access = "lease"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, tier, u.ID(), u.Kind(), u.Target(), access)
		}
		w.Flush()
	}
	return nil
}

// RunDrift reports units whose target no longer matches the policy. It
// changes nothing; the exit code is 1 when anything drifted.
func RunDrift(ctx context.Context, c Common) (int, error) {
	e, err := open(c)
	if err != nil {
		return report.ExitConfig, err
	}
	defer e.Close()

	units, err := unit.BuildAll(e.policy)
	if err != nil {
		return report.ExitConfig, err
	}
	orch, err := engine.New(engine.Config{Units: units, Clock: e.clock, Logger: e.log})
	if err != nil {
		return report.ExitConfig, err
	}
	targets, err := e.targets(c)
	if err != nil {
		return report.ExitConfig, err
	}

	code := report.ExitOK
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tUNIT\tSTATE\tMARKED\tERROR")
	for _, t := range targets {
		h, err := e.host(t, orch.RunID(), c, nil)
		if err != nil {
			return report.ExitConfig, fmt.Errorf("host %s: %w", t.name, err)
		}
		drift, err := orch.Check(ctx, h)
		if err != nil {
			return report.ExitFailed, fmt.Errorf("host %s: %w", t.name, err)
		}
		for _, d := range drift {
			if d.Drifted() {
				code = report.ExitFailed
			}
			marked := "-"
			if d.Marker != nil {
				marked = d.Marker.CompletedAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.Host, d.UnitID, d.State, marked, d.Error)
		}
	}
	w.Flush()
	return code, nil
}
