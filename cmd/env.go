package cmd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"grimm.is/bulwark/internal/audit"
	"grimm.is/bulwark/internal/backup"
	"grimm.is/bulwark/internal/brand"
	"grimm.is/bulwark/internal/clock"
	"grimm.is/bulwark/internal/config"
	"grimm.is/bulwark/internal/engine"
	"grimm.is/bulwark/internal/i18n"
	"grimm.is/bulwark/internal/logging"
	"grimm.is/bulwark/internal/marker"
	"grimm.is/bulwark/internal/metrics"
	"grimm.is/bulwark/internal/notify"
	"grimm.is/bulwark/internal/report"
	"grimm.is/bulwark/internal/runlock"
	"grimm.is/bulwark/internal/safety"
	"grimm.is/bulwark/internal/state"
	"grimm.is/bulwark/internal/system"
	"grimm.is/bulwark/internal/txn"
)

// Printer is the global message printer for the CLI
var Printer = i18n.NewCLIPrinter()

// Common holds the flags every subcommand accepts.
type Common struct {
	ConfigFile string
	Hosts      []string // policy host names or user@addr[:port]
	KeyFile    string   // for hosts given as user@addr
	KnownHosts string
	LogLevel   string // overrides settings.log_level
	LogJSON    bool
}

// env is everything a subcommand opens once, shared by all hosts.
type env struct {
	policy  *config.Policy
	digest  string
	log     *logging.Logger
	clock   clock.Clock
	state   *state.SQLiteStore
	audit   *audit.Store
	metrics *metrics.Registry

	closers []func() error
}

func open(c Common) (*env, error) {
	path := c.ConfigFile
	if path == "" {
		path = brand.DefaultPolicyPath()
	}
	res, err := config.LoadFileWithOptions(path, config.LoadOptions{})
	if err != nil {
		return nil, err
	}
	p := res.Policy
	s := p.Settings

	levelName := s.LogLevel
	if c.LogLevel != "" {
		levelName = c.LogLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	log := logging.New(logging.Config{Level: level, JSON: s.LogJSON || c.LogJSON, Output: os.Stderr})
	logging.SetDefault(log)
	for _, w := range res.Warnings {
		log.Warn(w)
	}

	e := &env{policy: p, digest: res.Digest, log: log, clock: &clock.RealClock{}, metrics: metrics.New()}
	if err := os.MkdirAll(filepath.Dir(s.StateDB), 0o700); err != nil {
		return nil, fmt.Errorf("state directory: %w", err)
	}
	e.state, err = state.NewSQLiteStore(state.Options{Path: s.StateDB, WALMode: true, Clock: e.clock})
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	e.closers = append(e.closers, e.state.Close)

	e.audit, err = audit.NewStore(s.AuditDB, s.AuditRetentionDays, e.clock)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	e.closers = append(e.closers, e.audit.Close)
	return e, nil
}

// Close releases everything in reverse order of acquisition.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.log.Warn("close failed", "error", err)
		}
	}
	e.closers = nil
}

// target is one machine a command acts on.
type target struct {
	name       string
	ssh        *system.SSHConfig // nil for the local machine
	keyFile    string
	knownHosts string
}

// targets resolves --host flags against the policy. Without flags every
// policy host is used; a policy without hosts means the local machine.
func (e *env) targets(c Common) ([]target, error) {
	if len(c.Hosts) == 0 {
		if len(e.policy.Hosts) == 0 {
			return []target{{name: "local"}}, nil
		}
		out := make([]target, 0, len(e.policy.Hosts))
		for _, h := range e.policy.Hosts {
			t, err := sshTarget(h)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
		return out, nil
	}

	out := make([]target, 0, len(c.Hosts))
	seen := make(map[string]bool)
	for _, spec := range c.Hosts {
		t, err := e.resolve(spec, c)
		if err != nil {
			return nil, err
		}
		if seen[t.name] {
			return nil, fmt.Errorf("host %s given twice", t.name)
		}
		seen[t.name] = true
		out = append(out, t)
	}
	return out, nil
}

func (e *env) resolve(spec string, c Common) (target, error) {
	if spec == "local" || spec == "localhost" {
		return target{name: "local"}, nil
	}
	for _, h := range e.policy.Hosts {
		if h.Name == spec {
			return sshTarget(h)
		}
	}
	user, addr, ok := strings.Cut(spec, "@")
	if !ok {
		return target{}, fmt.Errorf("unknown host %q: not in the policy and not user@addr", spec)
	}
	name := addr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		name = host
	}
	return sshTarget(config.Host{Name: name, Address: addr, User: user, KeyFile: c.KeyFile, KnownHosts: c.KnownHosts})
}

func sshTarget(h config.Host) (target, error) {
	if h.KeyFile == "" {
		return target{}, fmt.Errorf("host %s: a key file is required", h.Name)
	}
	key, err := system.LoadPrivateKey(h.KeyFile)
	if err != nil {
		return target{}, fmt.Errorf("host %s: %w", h.Name, err)
	}
	user := h.User
	if user == "" {
		user = "root"
	}
	return target{
		name:       h.Name,
		keyFile:    h.KeyFile,
		knownHosts: h.KnownHosts,
		ssh: &system.SSHConfig{
			Name:           h.Name,
			Address:        h.Address,
			User:           user,
			PrivateKey:     key,
			KnownHostsFile: h.KnownHosts,
		},
	}, nil
}

func (e *env) executor(t target) (system.Executor, error) {
	if t.ssh == nil {
		return system.NewLocalExecutor(t.name), nil
	}
	ex, err := system.NewSSHExecutor(*t.ssh)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, ex.Close)
	return ex, nil
}

// lock takes the per-host run lock until Close.
func (e *env) lock(name string) error {
	l, err := runlock.Acquire(filepath.Join(filepath.Dir(e.policy.Settings.StateDB), "locks"), name)
	if err != nil {
		return err
	}
	e.closers = append(e.closers, l.Release)
	return nil
}

func (e *env) markers(name string) (marker.Store, error) {
	s := e.policy.Settings
	if s.MarkerBackend == "file" {
		fs, err := marker.NewFileStore(s.MarkerDir, name)
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
	ss, err := marker.NewStateStore(e.state, name)
	if err != nil {
		return nil, err
	}
	return ss, nil
}

func (e *env) backups(name string) (*backup.Store, error) {
	backend, err := backup.NewFileBackend(e.policy.Settings.BackupDir, name)
	if err != nil {
		return nil, err
	}
	return backup.NewStore(name, backend, e.state, e.clock)
}

// probeConfig returns the primary-path probe for t. A remote host is
// probed over its own address with its own credentials.
func (e *env) probeConfig(t target, c Common) *config.Probe {
	pc := *e.policy.Safety.Probe
	switch {
	case t.ssh != nil:
		pc.Address, pc.User = t.ssh.Address, t.ssh.User
		pc.KeyFile, pc.KnownHosts = t.keyFile, t.knownHosts
	case pc.KeyFile == "":
		pc.KeyFile = c.KeyFile
	}
	return &pc
}

// host wires one target: executor, stores, transaction manager and
// safety monitor.
func (e *env) host(t target, runID string, c Common, sinks []report.Sink) (*engine.Host, error) {
	exec, err := e.executor(t)
	if err != nil {
		return nil, err
	}
	log := e.log.WithHost(t.name)

	markers, err := e.markers(t.name)
	if err != nil {
		return nil, err
	}
	backups, err := e.backups(t.name)
	if err != nil {
		return nil, err
	}
	mgr, err := txn.NewManager(txn.Config{
		Executor: exec,
		Backups:  backups,
		Markers:  markers,
		Journal:  e.state,
		RunID:    runID,
		Timeout:  e.policy.Settings.TxnTimeout(),
		Clock:    e.clock,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	prober, err := safety.NewSSHProber(e.probeConfig(t, c),
		safety.WithProbeClock(e.clock),
		safety.WithProbeLogger(log),
		safety.WithProbeMetrics(e.metrics),
	)
	if err != nil {
		return nil, err
	}
	sf := e.policy.Safety
	confirmer, err := safety.NewConfirmer(sf.ConfirmMode, e.state, t.name, e.clock)
	if err != nil {
		return nil, err
	}
	mon, err := safety.NewMonitor(safety.Config{
		Executor:        exec,
		Manager:         mgr,
		Access:          safety.NewSSHDAccess(sf, "/run"),
		Prober:          prober,
		Confirmer:       confirmer,
		Store:           e.state,
		Port:            sf.EmergencyPort,
		LeaseDuration:   sf.Lease(),
		CredentialsMode: sf.CredentialsMode,
		RunID:           runID,
		Clock:           e.clock,
		Logger:          log,
		Metrics:         e.metrics,
	})
	if err != nil {
		return nil, err
	}

	return &engine.Host{
		Name:     t.name,
		Executor: exec,
		Manager:  mgr,
		Monitor:  mon,
		Markers:  markers,
		Backups:  backups,
		State:    e.state,
		Sinks:    sinks,
	}, nil
}

// oneHost wires a single target named by --host, or the only one.
func (e *env) oneHost(c Common, lock bool) (*engine.Host, error) {
	ts, err := e.targets(c)
	if err != nil {
		return nil, err
	}
	if len(ts) != 1 {
		return nil, errors.New("this command needs exactly one --host")
	}
	if lock {
		if err := e.lock(ts[0].name); err != nil {
			return nil, err
		}
	}
	return e.host(ts[0], "", c, e.sinks())
}

// sinks returns the durable report sinks: the log, the audit database, the
// metrics registry and any notification channels.
func (e *env) sinks() []report.Sink {
	sinks := []report.Sink{
		report.LogSink{Log: e.log},
		report.AuditSink{Store: e.audit},
		report.MetricsSink{Metrics: e.metrics},
	}
	if len(e.policy.Notify) > 0 {
		sinks = append(sinks, notify.New(e.policy.Notify, notify.WithClock(e.clock), notify.WithLogger(e.log)))
	}
	return sinks
}

// flushMetrics writes the node-exporter textfile when configured.
func (e *env) flushMetrics() {
	if path := e.policy.Settings.MetricsTextfile; path != "" {
		if err := e.metrics.WriteTextfile(path); err != nil {
			e.log.Warn("failed to write metrics textfile", "path", path, "error", err)
		}
	}
}
