package safety

import (
	"context"
	"fmt"
	"path"
	"strconv"

	"grimm.is/bulwark/internal/config"
	"grimm.is/bulwark/internal/system"
)

// AccessPath opens and closes the emergency listener for a lease.
type AccessPath interface {
	Open(ctx context.Context, exec system.Executor, lease *Lease) error
	Close(ctx context.Context, exec system.Executor, lease *Lease) error
}

// DefaultSSHDConfig is the configuration the emergency sshd starts from.
const DefaultSSHDConfig = "/etc/ssh/sshd_config"

// SSHDAccess starts a second sshd on the lease port. sshd reads its
// configuration once at startup, so the listener keeps the pre-change
// settings however the primary file is edited afterwards.
type SSHDAccess struct {
	Binary     string // sshd binary
	ConfigPath string
	RunDir     string // holds the pid file
}

// NewSSHDAccess returns an access path using the policy's safety settings.
func NewSSHDAccess(sf *config.Safety, runDir string) *SSHDAccess {
	a := &SSHDAccess{Binary: config.DefaultSSHDPath, ConfigPath: DefaultSSHDConfig, RunDir: runDir}
	if sf != nil && sf.SSHDPath != "" {
		a.Binary = sf.SSHDPath
	}
	if a.RunDir == "" {
		a.RunDir = "/run"
	}
	return a
}

func (a *SSHDAccess) pidFile(lease *Lease) string {
	return path.Join(a.RunDir, fmt.Sprintf("bulwark-emergency-%d.pid", lease.Port))
}

// Command returns the sshd invocation for lease.
func (a *SSHDAccess) Command(lease *Lease) []string {
	argv := []string{
		a.Binary,
		"-f", a.ConfigPath,
		"-p", strconv.Itoa(lease.Port),
		"-o", "PidFile=" + a.pidFile(lease),
	}
	switch lease.CredentialsMode {
	case "password":
		argv = append(argv, "-o", "PasswordAuthentication=yes", "-o", "KbdInteractiveAuthentication=yes")
	default:
		argv = append(argv, "-o", "PubkeyAuthentication=yes")
	}
	return argv
}

// Open validates the current configuration and starts the listener. sshd
// daemonizes once it is bound, so a zero exit means the port is live.
func (a *SSHDAccess) Open(ctx context.Context, exec system.Executor, lease *Lease) error {
	if _, err := exec.Run(ctx, []string{a.Binary, "-t", "-f", a.ConfigPath}, nil); err != nil {
		return fmt.Errorf("emergency sshd config check: %w", err)
	}
	if _, err := exec.Run(ctx, a.Command(lease), nil); err != nil {
		return fmt.Errorf("start emergency sshd on port %d: %w", lease.Port, err)
	}
	return nil
}

// Close stops the listener started by Open.
func (a *SSHDAccess) Close(ctx context.Context, exec system.Executor, lease *Lease) error {
	pid := a.pidFile(lease)
	if _, err := exec.Run(ctx, []string{"pkill", "-F", pid}, nil); err != nil {
		return fmt.Errorf("stop emergency sshd on port %d: %w", lease.Port, err)
	}
	return exec.Remove(ctx, pid)
}
