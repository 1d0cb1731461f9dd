package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"grimm.is/bulwark/internal/brand"
)

// Defaults applied when a policy leaves a field empty.
const (
	DefaultEmergencyPort      = 2222
	DefaultLeaseDuration      = 5 * time.Minute
	DefaultProbeTimeout       = 10 * time.Second
	DefaultProbeRetries       = 3
	DefaultProbeBackoff       = 2 * time.Second
	DefaultTransactionTimeout = 5 * time.Minute
	DefaultSSHDPath           = "/usr/sbin/sshd"
	DefaultConfirmMode        = "probe"
	DefaultCredentialsMode    = "key"
	DefaultMarkerBackend      = "sqlite"
)

// Unit kinds.
const (
	KindDirective = "directive"
	KindFile      = "file"
	KindSysctl    = "sysctl"
	KindMode      = "mode"
	KindCommand   = "command"
)

// Validator types.
const (
	CheckCommand  = "command"
	CheckContains = "contains"
	CheckAbsent   = "absent"
	CheckPing     = "ping"
)

// Policy is the root of a hardening policy file.
type Policy struct {
	SchemaVersion string     `hcl:"schema_version,optional" json:"schema_version,omitempty" yaml:"schema_version,omitempty"`
	Settings      *Settings  `hcl:"settings,block" json:"settings,omitempty" yaml:"settings,omitempty"`
	Safety        *Safety    `hcl:"safety,block" json:"safety,omitempty" yaml:"safety,omitempty"`
	Hosts         []Host     `hcl:"host,block" json:"hosts,omitempty" yaml:"hosts,omitempty" validate:"dive"`
	Units         []UnitSpec `hcl:"unit,block" json:"units" yaml:"units" validate:"dive"`
	Notify        []Notify   `hcl:"notify,block" json:"notify,omitempty" yaml:"notify,omitempty" validate:"dive"`
}

// Notify is a channel that hears about finished runs.
type Notify struct {
	Name    string            `hcl:"name,label" json:"name" yaml:"name" validate:"required"`
	Type    string            `hcl:"type" json:"type" yaml:"type" validate:"required,oneof=webhook slack discord ntfy"`
	URL     string            `hcl:"url" json:"url" yaml:"url" validate:"required,url"`
	Topic   string            `hcl:"topic,optional" json:"topic,omitempty" yaml:"topic,omitempty"`
	Level   string            `hcl:"level,optional" json:"level,omitempty" yaml:"level,omitempty" validate:"omitempty,oneof=info warning critical"`
	Headers map[string]string `hcl:"headers,optional" json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout string            `hcl:"timeout,optional" json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// DefaultNotifyTimeout bounds one delivery attempt.
const DefaultNotifyTimeout = 10 * time.Second

// RequestTimeout returns the per-attempt delivery timeout.
func (n *Notify) RequestTimeout() time.Duration {
	return durationOr(n.Timeout, DefaultNotifyTimeout)
}

// Settings controls where state lives and how runs behave.
type Settings struct {
	BackupDir          string `hcl:"backup_dir,optional" json:"backup_dir,omitempty" yaml:"backup_dir,omitempty"`
	StateDB            string `hcl:"state_db,optional" json:"state_db,omitempty" yaml:"state_db,omitempty"`
	MarkerBackend      string `hcl:"marker_backend,optional" json:"marker_backend,omitempty" yaml:"marker_backend,omitempty" validate:"omitempty,oneof=sqlite file"`
	MarkerDir          string `hcl:"marker_dir,optional" json:"marker_dir,omitempty" yaml:"marker_dir,omitempty"`
	AuditDB            string `hcl:"audit_db,optional" json:"audit_db,omitempty" yaml:"audit_db,omitempty"`
	AuditRetentionDays int    `hcl:"audit_retention_days,optional" json:"audit_retention_days,omitempty" yaml:"audit_retention_days,omitempty" validate:"gte=0"`
	ReportFile         string `hcl:"report_file,optional" json:"report_file,omitempty" yaml:"report_file,omitempty"`
	MetricsTextfile    string `hcl:"metrics_textfile,optional" json:"metrics_textfile,omitempty" yaml:"metrics_textfile,omitempty"`
	RunDir             string `hcl:"run_dir,optional" json:"run_dir,omitempty" yaml:"run_dir,omitempty"`
	ContinueOnError    bool   `hcl:"continue_on_error,optional" json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	TransactionTimeout string `hcl:"transaction_timeout,optional" json:"transaction_timeout,omitempty" yaml:"transaction_timeout,omitempty"`
	Parallelism        int    `hcl:"parallelism,optional" json:"parallelism,omitempty" yaml:"parallelism,omitempty" validate:"gte=0,lte=64"`
	LogLevel           string `hcl:"log_level,optional" json:"log_level,omitempty" yaml:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	LogJSON            bool   `hcl:"log_json,optional" json:"log_json,omitempty" yaml:"log_json,omitempty"`
}

// Safety configures the emergency access lease and the primary-path probe.
type Safety struct {
	EmergencyPort   int    `hcl:"emergency_port,optional" json:"emergency_port,omitempty" yaml:"emergency_port,omitempty" validate:"omitempty,min=1,max=65535"`
	LeaseDuration   string `hcl:"lease_duration,optional" json:"lease_duration,omitempty" yaml:"lease_duration,omitempty"`
	CredentialsMode string `hcl:"credentials_mode,optional" json:"credentials_mode,omitempty" yaml:"credentials_mode,omitempty" validate:"omitempty,oneof=key password"`
	ConfirmMode     string `hcl:"confirm_mode,optional" json:"confirm_mode,omitempty" yaml:"confirm_mode,omitempty" validate:"omitempty,oneof=probe prompt external"`
	SSHDPath        string `hcl:"sshd_path,optional" json:"sshd_path,omitempty" yaml:"sshd_path,omitempty"`
	Probe           *Probe `hcl:"probe,block" json:"probe,omitempty" yaml:"probe,omitempty"`
}

// Probe describes how the primary access path is checked.
type Probe struct {
	Address    string   `hcl:"address,optional" json:"address,omitempty" yaml:"address,omitempty"`
	User       string   `hcl:"user,optional" json:"user,omitempty" yaml:"user,omitempty"`
	KeyFile    string   `hcl:"key_file,optional" json:"key_file,omitempty" yaml:"key_file,omitempty"`
	KnownHosts string   `hcl:"known_hosts,optional" json:"known_hosts,omitempty" yaml:"known_hosts,omitempty"`
	Command    []string `hcl:"command,optional" json:"command,omitempty" yaml:"command,omitempty"`
	Timeout    string   `hcl:"timeout,optional" json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries    *int     `hcl:"retries,optional" json:"retries,omitempty" yaml:"retries,omitempty" validate:"omitempty,gte=0,lte=20"`
	Backoff    string   `hcl:"backoff,optional" json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// Host is a remote target reached over SSH. A policy without hosts runs
// against the local machine.
type Host struct {
	Name       string `hcl:"name,label" json:"name" yaml:"name" validate:"required"`
	Address    string `hcl:"address" json:"address" yaml:"address" validate:"required"`
	User       string `hcl:"user,optional" json:"user,omitempty" yaml:"user,omitempty"`
	KeyFile    string `hcl:"key_file,optional" json:"key_file,omitempty" yaml:"key_file,omitempty"`
	KnownHosts string `hcl:"known_hosts,optional" json:"known_hosts,omitempty" yaml:"known_hosts,omitempty"`
}

// UnitSpec declares one change unit.
type UnitSpec struct {
	ID              string   `hcl:"id,label" json:"id" yaml:"id" validate:"required,max=128"`
	Kind            string   `hcl:"kind" json:"kind" yaml:"kind" validate:"required,oneof=directive file sysctl mode command"`
	Description     string   `hcl:"description,optional" json:"description,omitempty" yaml:"description,omitempty"`
	Target          string   `hcl:"target,optional" json:"target,omitempty" yaml:"target,omitempty"`
	Tier            int      `hcl:"tier,optional" json:"tier,omitempty" yaml:"tier,omitempty" validate:"gte=0,lte=1000"`
	Requires        []string `hcl:"requires,optional" json:"requires,omitempty" yaml:"requires,omitempty"`
	Tags            []string `hcl:"tags,optional" json:"tags,omitempty" yaml:"tags,omitempty"`
	AccessAffecting bool     `hcl:"access_affecting,optional" json:"access_affecting,omitempty" yaml:"access_affecting,omitempty"`

	// directive
	Settings  map[string]string `hcl:"settings,optional" json:"settings,omitempty" yaml:"settings,omitempty"`
	Separator string            `hcl:"separator,optional" json:"separator,omitempty" yaml:"separator,omitempty"`

	// file
	Content *string `hcl:"content,optional" json:"content,omitempty" yaml:"content,omitempty"`

	// file and mode
	Mode  string `hcl:"mode,optional" json:"mode,omitempty" yaml:"mode,omitempty"`
	Owner string `hcl:"owner,optional" json:"owner,omitempty" yaml:"owner,omitempty"`
	Group string `hcl:"group,optional" json:"group,omitempty" yaml:"group,omitempty"`

	// sysctl
	Value   string `hcl:"value,optional" json:"value,omitempty" yaml:"value,omitempty"`
	Persist string `hcl:"persist,optional" json:"persist,omitempty" yaml:"persist,omitempty"`

	// command
	Apply    []string `hcl:"apply,optional" json:"apply,omitempty" yaml:"apply,omitempty"`
	Check    []string `hcl:"check,optional" json:"check,omitempty" yaml:"check,omitempty"`
	Snapshot []string `hcl:"snapshot,optional" json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
	Restore  []string `hcl:"restore,optional" json:"restore,omitempty" yaml:"restore,omitempty"`

	Validators []ValidatorSpec `hcl:"validate,block" json:"validate,omitempty" yaml:"validate,omitempty" validate:"dive"`
}

// ValidatorSpec declares a post-apply check.
type ValidatorSpec struct {
	Type             string   `hcl:"type,label" json:"type" yaml:"type" validate:"required,oneof=command contains absent ping"`
	Name             string   `hcl:"name,optional" json:"name,omitempty" yaml:"name,omitempty"`
	Command          []string `hcl:"command,optional" json:"command,omitempty" yaml:"command,omitempty"`
	Path             string   `hcl:"path,optional" json:"path,omitempty" yaml:"path,omitempty"`
	Pattern          string   `hcl:"pattern,optional" json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Targets          []string `hcl:"targets,optional" json:"targets,omitempty" yaml:"targets,omitempty"`
	Timeout          string   `hcl:"timeout,optional" json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RecheckOnRestore *bool    `hcl:"recheck_on_restore,optional" json:"recheck_on_restore,omitempty" yaml:"recheck_on_restore,omitempty"`
}

// ApplyDefaults fills empty settings from the brand directories and the
// package defaults. It is idempotent.
func (p *Policy) ApplyDefaults() {
	if p.SchemaVersion == "" {
		p.SchemaVersion = CurrentSchemaVersion
	}
	if p.Settings == nil {
		p.Settings = &Settings{}
	}
	s := p.Settings
	if s.BackupDir == "" {
		s.BackupDir = brand.GetBackupDir()
	}
	if s.StateDB == "" {
		s.StateDB = filepath.Join(brand.GetStateDir(), "state.db")
	}
	if s.MarkerBackend == "" {
		s.MarkerBackend = DefaultMarkerBackend
	}
	if s.MarkerDir == "" {
		s.MarkerDir = filepath.Join(brand.GetStateDir(), "markers")
	}
	if s.AuditDB == "" {
		s.AuditDB = filepath.Join(brand.GetStateDir(), "audit.db")
	}
	if s.RunDir == "" {
		s.RunDir = brand.GetRunDir()
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.Parallelism == 0 {
		s.Parallelism = 4
	}

	if p.Safety == nil {
		p.Safety = &Safety{}
	}
	sf := p.Safety
	if sf.EmergencyPort == 0 {
		sf.EmergencyPort = DefaultEmergencyPort
	}
	if sf.CredentialsMode == "" {
		sf.CredentialsMode = DefaultCredentialsMode
	}
	if sf.ConfirmMode == "" {
		sf.ConfirmMode = DefaultConfirmMode
	}
	if sf.SSHDPath == "" {
		sf.SSHDPath = DefaultSSHDPath
	}
	if sf.Probe == nil {
		sf.Probe = &Probe{}
	}
	if sf.Probe.Address == "" {
		sf.Probe.Address = "127.0.0.1:22"
	}
	if sf.Probe.User == "" {
		sf.Probe.User = "root"
	}
	if len(sf.Probe.Command) == 0 {
		sf.Probe.Command = []string{"true"}
	}
	if sf.Probe.Retries == nil {
		n := DefaultProbeRetries
		sf.Probe.Retries = &n
	}

	for i := range p.Units {
		u := &p.Units[i]
		if u.Kind == KindDirective && u.Separator == "" {
			u.Separator = " "
		}
		if u.Kind == KindSysctl && u.Target == "" {
			u.Target = u.ID
		}
	}
}

// Unit returns the unit with the given id, or nil.
func (p *Policy) Unit(id string) *UnitSpec {
	for i := range p.Units {
		if p.Units[i].ID == id {
			return &p.Units[i]
		}
	}
	return nil
}

// TxnTimeout returns the per-transaction deadline.
func (s *Settings) TxnTimeout() time.Duration {
	return durationOr(s.TransactionTimeout, DefaultTransactionTimeout)
}

// Lease returns the emergency lease duration.
func (s *Safety) Lease() time.Duration {
	return durationOr(s.LeaseDuration, DefaultLeaseDuration)
}

// ProbeTimeout returns the per-attempt probe timeout.
func (p *Probe) ProbeTimeout() time.Duration {
	return durationOr(p.Timeout, DefaultProbeTimeout)
}

// ProbeBackoff returns the initial delay between probe attempts.
func (p *Probe) ProbeBackoff() time.Duration {
	return durationOr(p.Backoff, DefaultProbeBackoff)
}

// ProbeRetries returns the number of retries after the first probe attempt.
func (p *Probe) ProbeRetries() int {
	if p.Retries == nil {
		return DefaultProbeRetries
	}
	return *p.Retries
}

// TimeoutOr returns the validator timeout or def.
func (v *ValidatorSpec) TimeoutOr(def time.Duration) time.Duration {
	return durationOr(v.Timeout, def)
}

// Recheck reports whether the validator runs again after a restore. Only
// command checks (syntax checks such as sshd -t) default to true, since
// content assertions describe the desired state and fail on the old one.
func (v *ValidatorSpec) Recheck() bool {
	if v.RecheckOnRestore != nil {
		return *v.RecheckOnRestore
	}
	return v.Type == CheckCommand
}

// FileMode parses the unit's octal mode, or returns ok=false when unset.
func (u *UnitSpec) FileMode() (mode uint32, ok bool, err error) {
	if u.Mode == "" {
		return 0, false, nil
	}
	m, err := strconv.ParseUint(u.Mode, 8, 32)
	if err != nil || m > 0o7777 {
		return 0, false, fmt.Errorf("invalid mode %q", u.Mode)
	}
	return uint32(m), true, nil
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
