package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"grimm.is/bulwark/cmd"
	"grimm.is/bulwark/internal/brand"
	"grimm.is/bulwark/internal/i18n"
	"grimm.is/bulwark/internal/report"
)

var printer = i18n.NewCLIPrinter()

// listFlag collects a repeatable or comma-separated flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*l = append(*l, s)
		}
	}
	return nil
}

// commonFlags registers the flags every subcommand shares.
func commonFlags(fs *flag.FlagSet) *cmd.Common {
	c := &cmd.Common{}
	fs.StringVar(&c.ConfigFile, "config", brand.DefaultPolicyPath(), "Policy file")
	fs.StringVar(&c.ConfigFile, "c", brand.DefaultPolicyPath(), "Policy file (short)")
	fs.Var((*listFlag)(&c.Hosts), "host", "Target host: policy name or user@addr[:port] (repeatable)")
	fs.StringVar(&c.KeyFile, "key", "", "SSH private key for hosts given as user@addr")
	fs.StringVar(&c.KnownHosts, "known-hosts", "", "known_hosts file for hosts given as user@addr")
	fs.StringVar(&c.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.BoolVar(&c.LogJSON, "log-json", false, "Log as JSON")
	return c
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(report.ExitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[2:]
	switch os.Args[1] {
	case "apply", "plan":
		fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
		c := commonFlags(fs)
		o := cmd.ApplyOptions{DryRun: os.Args[1] == "plan"}
		fs.BoolVar(&o.DryRun, "dry-run", o.DryRun, "Show what would change without applying")
		fs.BoolVar(&o.DryRun, "n", o.DryRun, "Dry run (short)")
		fs.Var((*listFlag)(&o.Force), "force", "Re-run these units even if already applied (repeatable)")
		fs.BoolVar(&o.ForceAll, "force-all", false, "Ignore every completion marker")
		fs.Var((*listFlag)(&o.Tags), "tags", "Only run units with one of these tags")
		fs.Var((*listFlag)(&o.SkipTags), "skip-tags", "Skip units with any of these tags")
		fs.IntVar(&o.MaxTier, "max-tier", -1, "Skip units above this tier")
		fs.BoolVar(&o.ContinueOnError, "continue-on-error", false, "Keep going within a tier after a failure")
		fs.BoolVar(&o.Recover, "recover", false, "Retry rollbacks that already failed in an earlier run")
		fs.IntVar(&o.Parallelism, "parallel", 0, "Hosts to run at once (default from settings)")
		fs.StringVar(&o.ReportFile, "report", "", "Append the JSON lines report to this file")
		fs.Parse(args)
		o.Common = *c
		code, err := cmd.RunApply(ctx, o)
		exit(code, err)

	case "check":
		fs := flag.NewFlagSet("check", flag.ExitOnError)
		c := commonFlags(fs)
		verbose := fs.Bool("verbose", false, "Print the execution order")
		fs.BoolVar(verbose, "v", false, "Verbose (short)")
		drift := fs.Bool("drift", false, "Compare hosts with the policy")
		fs.Parse(args)
		if fs.NArg() > 0 {
			c.ConfigFile = fs.Arg(0)
		}
		if *drift {
			code, err := cmd.RunDrift(ctx, *c)
			exit(code, err)
		}
		if err := cmd.RunCheck(c.ConfigFile, *verbose); err != nil {
			exit(report.ExitConfig, err)
		}

	case "confirm":
		fs := flag.NewFlagSet("confirm", flag.ExitOnError)
		c := commonFlags(fs)
		reject := fs.Bool("reject", false, "Reject instead of confirming; the change is rolled back")
		fs.Parse(args)
		exitErr(cmd.RunConfirm(*c, fs.Arg(0), *reject))

	case "backups":
		runBackups(ctx, args)

	case "restore":
		fs := flag.NewFlagSet("restore", flag.ExitOnError)
		c := commonFlags(fs)
		fs.Parse(args)
		exitErr(cmd.RunRestore(ctx, *c, fs.Arg(0)))

	case "runs":
		fs := flag.NewFlagSet("runs", flag.ExitOnError)
		c := commonFlags(fs)
		fs.Parse(args)
		exitErr(cmd.RunRunsList(*c))

	case "rollback-run":
		fs := flag.NewFlagSet("rollback-run", flag.ExitOnError)
		c := commonFlags(fs)
		fs.Parse(args)
		exitErr(cmd.RunRollbackRun(ctx, *c, fs.Arg(0)))

	case "markers":
		runMarkers(ctx, args)

	case "lease":
		runLease(ctx, args)

	case "audit":
		fs := flag.NewFlagSet("audit", flag.ExitOnError)
		c := commonFlags(fs)
		o := cmd.AuditOptions{}
		fs.DurationVar(&o.Since, "since", 0, "Only events newer than this (e.g. 24h)")
		fs.StringVar(&o.RunID, "run", "", "Only events of this run")
		fs.StringVar(&o.UnitID, "unit", "", "Only events of this unit")
		fs.StringVar(&o.Action, "action", "", "Only events with this action")
		fs.IntVar(&o.Limit, "n", 100, "Maximum events")
		fs.BoolVar(&o.JSON, "json", false, "Print JSON lines")
		fs.BoolVar(&o.Prune, "prune", false, "Delete events past the retention period")
		fs.Parse(args)
		o.Common = *c
		exitErr(cmd.RunAudit(o))

	case "version":
		cmd.RunVersion()

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(report.ExitConfig)
	}
}

func runBackups(ctx context.Context, args []string) {
	if len(args) == 0 {
		printer.Fprintf(os.Stderr, "Usage: %s backups <list|prune> [options]\n", brand.BinaryName)
		os.Exit(report.ExitConfig)
	}
	fs := flag.NewFlagSet("backups "+args[0], flag.ExitOnError)
	c := commonFlags(fs)
	switch args[0] {
	case "list":
		unitID := fs.String("unit", "", "Only backups of this unit")
		fs.Parse(args[1:])
		exitErr(cmd.RunBackupsList(ctx, *c, *unitID))
	case "prune":
		o := cmd.PruneOptions{}
		fs.IntVar(&o.Keep, "keep", 5, "Backups to keep per unit")
		fs.DurationVar(&o.OlderThan, "older-than", 0, "Only remove backups older than this")
		fs.BoolVar(&o.DryRun, "dry-run", false, "Show what would be removed")
		fs.Parse(args[1:])
		o.Common = *c
		exitErr(cmd.RunBackupsPrune(ctx, o))
	default:
		printer.Fprintf(os.Stderr, "Unknown backups command: %s\n", args[0])
		os.Exit(report.ExitConfig)
	}
}

func runMarkers(ctx context.Context, args []string) {
	if len(args) == 0 {
		printer.Fprintf(os.Stderr, "Usage: %s markers <list|clear> [options]\n", brand.BinaryName)
		os.Exit(report.ExitConfig)
	}
	fs := flag.NewFlagSet("markers "+args[0], flag.ExitOnError)
	c := commonFlags(fs)
	switch args[0] {
	case "list":
		fs.Parse(args[1:])
		exitErr(cmd.RunMarkersList(ctx, *c))
	case "clear":
		all := fs.Bool("all", false, "Clear every marker of the host")
		fs.Parse(args[1:])
		exitErr(cmd.RunMarkersClear(ctx, *c, fs.Args(), *all))
	default:
		printer.Fprintf(os.Stderr, "Unknown markers command: %s\n", args[0])
		os.Exit(report.ExitConfig)
	}
}

func runLease(ctx context.Context, args []string) {
	if len(args) == 0 {
		printer.Fprintf(os.Stderr, "Usage: %s lease <list|close> [options]\n", brand.BinaryName)
		os.Exit(report.ExitConfig)
	}
	fs := flag.NewFlagSet("lease "+args[0], flag.ExitOnError)
	c := commonFlags(fs)
	fs.Parse(args[1:])
	switch args[0] {
	case "list":
		exitErr(cmd.RunLeaseList(*c))
	case "close":
		exitErr(cmd.RunLeaseClose(ctx, *c, fs.Arg(0)))
	default:
		printer.Fprintf(os.Stderr, "Unknown lease command: %s\n", args[0])
		os.Exit(report.ExitConfig)
	}
}

func exit(code int, err error) {
	if err != nil {
		printer.Fprintf(os.Stderr, "Error: %v\n", err)
		if code == report.ExitOK {
			code = report.ExitFailed
		}
	}
	os.Exit(code)
}

func exitErr(err error) {
	if err != nil {
		exit(report.ExitFailed, err)
	}
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Run Commands:
  apply         Apply the policy to the target hosts
                Options: --dry-run (-n), --force <unit>, --force-all, --tags, --skip-tags,
                         --max-tier <n>, --continue-on-error, --recover, --parallel <n>,
                         --report <file>
  plan          Show what apply would change (same options)
  check         Validate a policy file
                Options: --verbose (-v), --drift (compare hosts with the policy)

Recovery Commands:
  confirm       Confirm or --reject an emergency access lease
  lease         Emergency access leases
                Subcommands: list, close <lease-id>
  runs          List recorded runs
  rollback-run  Undo what a failed run committed: rollback-run <run-id>
  restore       Restore a single backup: restore <backup-id>
  backups       Backup records
                Subcommands: list [--unit], prune --keep <n> [--older-than <d>] [--dry-run]
  markers       Completion markers
                Subcommands: list, clear (--all | <unit>...)

Other Commands:
  audit         Query the audit log (--since, --run, --unit, --action, --json, --prune)
  version       Show version information

Common Options:
  --config (-c) <file>   Policy file (default %s)
  --host <host>          Policy host name or user@addr[:port]; repeatable
  --key <file>           SSH key for user@addr hosts
  --log-level <level>    debug, info, warn or error

Exit Status:
  0 success, 1 a unit failed or rolled back, 2 a rollback failed, 3 policy error

Examples:
  %s plan -c policy.hcl
  %s apply -c policy.hcl --host web1 --host web2
  %s lease list --host web1
  %s rollback-run --host web1 <run-id>
`, brand.Name, brand.Description, brand.BinaryName, brand.DefaultPolicyPath(),
		brand.BinaryName, brand.BinaryName, brand.BinaryName, brand.BinaryName)
	fmt.Fprintln(os.Stdout)
}
