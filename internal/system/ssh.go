package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultSSHPort        = 22
	defaultSSHDialTimeout = 10 * time.Second
)

// SSHConfig holds connection settings for a remote target.
type SSHConfig struct {
	Name       string
	Address    string // host or host:port
	User       string
	PrivateKey []byte

	// KnownHostsFile enables host key verification. When empty the host key
	// is not checked, which is only acceptable on lab hosts.
	KnownHostsFile string

	DialTimeout time.Duration
}

// ClientConfig builds an *ssh.ClientConfig and the normalized address for cfg.
// It is shared by the remote executor and the primary-path probe.
func (cfg SSHConfig) ClientConfig() (*ssh.ClientConfig, string, error) {
	if cfg.Address == "" {
		return nil, "", fmt.Errorf("ssh address cannot be empty")
	}
	if cfg.User == "" {
		return nil, "", fmt.Errorf("ssh user cannot be empty")
	}
	if len(cfg.PrivateKey) == 0 {
		return nil, "", fmt.Errorf("ssh private key cannot be empty")
	}
	signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKey := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in verification via KnownHostsFile
	if cfg.KnownHostsFile != "" {
		hostKey, err = knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, "", fmt.Errorf("load known hosts: %w", err)
		}
	}

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = defaultSSHDialTimeout
	}

	addr := cfg.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(defaultSSHPort))
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, addr, nil
}

// SSHExecutor runs everything on a remote host over a single SSH connection,
// opening one session per operation.
type SSHExecutor struct {
	name   string
	config *ssh.ClientConfig
	addr   string

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHExecutor validates cfg and returns an executor. The connection is
// established lazily on first use.
func NewSSHExecutor(cfg SSHConfig) (*SSHExecutor, error) {
	clientCfg, addr, err := cfg.ClientConfig()
	if err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Address
	}
	return &SSHExecutor{name: name, config: clientCfg, addr: addr}, nil
}

func (s *SSHExecutor) Host() string { return s.name }

// Close drops the underlying connection.
func (s *SSHExecutor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *SSHExecutor) conn(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	d := net.Dialer{Timeout: s.config.Timeout}
	nc, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(nc, s.addr, s.config)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", s.addr, err)
	}
	s.client = ssh.NewClient(c, chans, reqs)
	return s.client, nil
}

func (s *SSHExecutor) Run(ctx context.Context, argv []string, stdin []byte) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return s.runShell(ctx, ShellJoin(argv), argv, stdin)
}

func (s *SSHExecutor) runShell(ctx context.Context, line string, argv []string, stdin []byte) (*Result, error) {
	client, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		// Connection may have gone stale; drop it so the next call redials.
		s.Close()
		return nil, fmt.Errorf("failed to create SSH session on %s: %w", s.name, err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		return nil, ctx.Err()
	case err = <-done:
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, &CommandError{Command: argv, Result: res}
		}
		return res, fmt.Errorf("command failed on %s: %w", s.name, err)
	}
	return res, nil
}

func (s *SSHExecutor) ReadFile(ctx context.Context, path string) ([]byte, error) {
	q := shellQuote(path)
	res, err := s.runShell(ctx, fmt.Sprintf("if [ -e %s ]; then cat -- %s; else exit 44; fi", q, q), []string{"cat", path}, nil)
	if err != nil {
		var ce *CommandError
		if errors.As(err, &ce) && ce.Result.ExitCode == 44 {
			return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
		}
		return nil, err
	}
	return []byte(res.Stdout), nil
}

func (s *SSHExecutor) WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error {
	_, err := s.runShell(ctx, writeScript(path, perm), []string{"write", path}, data)
	return err
}

// writeScript replaces path with stdin through a temp file. Every step
// must succeed before the rename; on any failure the temp file is removed,
// the target is left alone and the script exits non-zero.
//
// An existing file's mode is copied onto the temp file (falling back to
// stat where chmod has no --reference); its owner is copied when allowed.
func writeScript(path string, perm fs.FileMode) string {
	q := shellQuote(path)
	tmp := shellQuote(path + ".bulwark-tmp")
	return fmt.Sprintf(
		"umask 077 && cat > %[2]s && "+
			"if [ -e %[1]s ]; then "+
			"{ chmod --reference=%[1]s %[2]s 2>/dev/null || chmod \"$(stat -c %%a -- %[1]s)\" %[2]s; } && "+
			"{ chown --reference=%[1]s %[2]s 2>/dev/null || true; }; "+
			"else chmod %[3]o %[2]s; fi && "+
			"{ sync %[2]s 2>/dev/null || true; } && "+
			"mv -f -- %[2]s %[1]s || { rm -f -- %[2]s; exit 1; }",
		q, tmp, uint32(perm.Perm()))
}

func (s *SSHExecutor) Remove(ctx context.Context, path string) error {
	_, err := s.runShell(ctx, "rm -f -- "+shellQuote(path), []string{"rm", "-f", path}, nil)
	return err
}

func (s *SSHExecutor) Stat(ctx context.Context, path string) (*FileInfo, error) {
	q := shellQuote(path)
	res, err := s.runShell(ctx, fmt.Sprintf("if [ -e %s ]; then stat -c '%%a %%u %%g' -- %s; fi", q, q), []string{"stat", path}, nil)
	if err != nil {
		return nil, err
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return &FileInfo{Path: path}, nil
	}
	return parseStat(path, out)
}

func parseStat(path, out string) (*FileInfo, error) {
	fields := strings.Fields(out)
	if len(fields) != 3 {
		return nil, fmt.Errorf("unexpected stat output %q", out)
	}
	mode, err := strconv.ParseUint(fields[0], 8, 32)
	if err != nil {
		return nil, fmt.Errorf("parse mode %q: %w", fields[0], err)
	}
	uid, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, err
	}
	gid, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, err
	}
	return &FileInfo{Path: path, Exists: true, Mode: fs.FileMode(mode), UID: uid, GID: gid}, nil
}

func (s *SSHExecutor) Chmod(ctx context.Context, path string, mode fs.FileMode) error {
	_, err := s.Run(ctx, []string{"chmod", strconv.FormatUint(uint64(mode&0o7777), 8), "--", path}, nil)
	return err
}

func (s *SSHExecutor) Chown(ctx context.Context, path string, uid, gid int) error {
	owner := ""
	if uid >= 0 {
		owner = strconv.Itoa(uid)
	}
	if gid >= 0 {
		owner += ":" + strconv.Itoa(gid)
	}
	if owner == "" {
		return nil
	}
	_, err := s.Run(ctx, []string{"chown", owner, "--", path}, nil)
	return err
}

func (s *SSHExecutor) LookupOwner(ctx context.Context, user, group string) (int, int, error) {
	uid, gid := -1, -1
	if user != "" {
		res, err := s.Run(ctx, []string{"id", "-u", user}, nil)
		if err != nil {
			return 0, 0, err
		}
		if uid, err = strconv.Atoi(strings.TrimSpace(res.Stdout)); err != nil {
			return 0, 0, err
		}
	}
	if group != "" {
		res, err := s.Run(ctx, []string{"getent", "group", group}, nil)
		if err != nil {
			return 0, 0, err
		}
		parts := strings.Split(strings.TrimSpace(res.Stdout), ":")
		if len(parts) < 3 {
			return 0, 0, fmt.Errorf("unexpected getent output for %s", group)
		}
		if gid, err = strconv.Atoi(parts[2]); err != nil {
			return 0, 0, err
		}
	}
	return uid, gid, nil
}

// LoadPrivateKey reads a key file, expanding a leading ~.
func LoadPrivateKey(path string) ([]byte, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = home + path[1:]
	}
	return os.ReadFile(path)
}
