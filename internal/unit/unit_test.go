package unit

import (
	"context"
	"io/fs"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bulwark/internal/config"
	"grimm.is/bulwark/internal/system"
)

const sshdPath = "/etc/ssh/sshd_config"

const stockSSHD = `# stock config
Port 22
#PermitRootLogin prohibit-password
permitrootlogin yes
PasswordAuthentication yes
PermitRootLogin without-password

Match User backup
    PasswordAuthentication yes
`

func strptr(s string) *string { return &s }

func build(t *testing.T, spec config.UnitSpec) Unit {
	t.Helper()
	u, err := Build(spec)
	require.NoError(t, err)
	return u
}

func sshdUnit(t *testing.T) Unit {
	return build(t, config.UnitSpec{
		ID:              "sshd_hardening",
		Kind:            config.KindDirective,
		Target:          sshdPath,
		Tier:            1,
		AccessAffecting: true,
		Settings:        map[string]string{"PermitRootLogin": "no", "PasswordAuthentication": "no", "X11Forwarding": "no"},
		Validators:      []config.ValidatorSpec{{Type: config.CheckCommand, Command: []string{"sshd", "-t", "-f", "{target}"}}},
	})
}

// sysctlHost simulates sysctl(8) over an in-memory kernel table.
func sysctlHost(values map[string]string) *system.MemExecutor {
	var mu sync.Mutex
	m := system.NewMemExecutor("h")
	m.Handle("sysctl", func(ctx context.Context, m *system.MemExecutor, argv []string, stdin []byte) (*system.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		switch argv[1] {
		case "-n":
			v, ok := values[argv[2]]
			if !ok {
				return &system.Result{ExitCode: 255, Stderr: "unknown key"}, nil
			}
			return &system.Result{Stdout: v + "\n"}, nil
		case "-w":
			k, v, _ := strings.Cut(argv[2], "=")
			values[k] = v
			return &system.Result{}, nil
		}
		return &system.Result{ExitCode: 1}, nil
	})
	return m
}

func TestDirective_Render(t *testing.T) {
	u := sshdUnit(t).(*directiveUnit)
	got := u.render(stockSSHD)

	want := `# stock config
Port 22
#PermitRootLogin prohibit-password
PermitRootLogin no
PasswordAuthentication no
# PermitRootLogin without-password

X11Forwarding no
Match User backup
    PasswordAuthentication yes
`
	assert.Equal(t, want, got)
	assert.Equal(t, got, u.render(got), "render is a fixed point")
}

func TestDirective_RenderEdgeCases(t *testing.T) {
	u := build(t, config.UnitSpec{ID: "d", Kind: config.KindDirective, Target: "/f",
		Settings: map[string]string{"Banner": "/etc/ssh/banner"}}).(*directiveUnit)

	assert.Equal(t, "Banner /etc/ssh/banner\n", u.render(""))
	assert.Equal(t, "Port 22\nBanner /etc/ssh/banner\n", u.render("Port 22"))
	port := build(t, config.UnitSpec{ID: "p", Kind: config.KindDirective, Target: "/f",
		Settings: map[string]string{"Port": "22"}}).(*directiveUnit)
	assert.Equal(t, "Port 22\n", port.render("Port 22"))
	assert.Equal(t, "Banner /etc/ssh/banner\n", u.render("Banner=/old\n"))
}

func TestDirective_ApplyRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := system.NewMemExecutor("h")
	m.SetFile(sshdPath, []byte(stockSSHD), 0o600)
	u := sshdUnit(t)

	ok, err := u.Satisfied(ctx, m)
	require.NoError(t, err)
	assert.False(t, ok)

	plan, err := u.Plan(ctx, m)
	require.NoError(t, err)
	assert.Contains(t, plan, "-permitrootlogin yes")
	assert.Contains(t, plan, "+PermitRootLogin no")

	snap, err := u.Capture(ctx, m)
	require.NoError(t, err)

	require.NoError(t, u.Apply(ctx, m))
	ok, err = u.Satisfied(ctx, m)
	require.NoError(t, err)
	assert.True(t, ok)

	plan, err = u.Plan(ctx, m)
	require.NoError(t, err)
	assert.Empty(t, plan)

	require.NoError(t, u.Restore(ctx, m, snap))
	data, _ := m.File(sshdPath)
	assert.Equal(t, stockSSHD, string(data), "restore must be byte-for-byte")

	again, err := u.Capture(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, snap, again)
}

func TestDirective_RestoreRemovesCreatedFile(t *testing.T) {
	ctx := context.Background()
	m := system.NewMemExecutor("h")
	u := sshdUnit(t)

	snap, err := u.Capture(ctx, m)
	require.NoError(t, err)
	require.NoError(t, u.Apply(ctx, m))
	_, exists := m.File(sshdPath)
	require.True(t, exists)

	require.NoError(t, u.Restore(ctx, m, snap))
	_, exists = m.File(sshdPath)
	assert.False(t, exists)
}

func TestFileUnit(t *testing.T) {
	ctx := context.Background()
	m := system.NewMemExecutor("h")
	m.SetFile("/etc/issue.net", []byte("Ubuntu 24.04\n"), 0o644)

	u := build(t, config.UnitSpec{ID: "banner", Kind: config.KindFile, Target: "/etc/issue.net",
		Content: strptr("Authorized use only.\n"), Mode: "0640", Owner: "root", Group: "root"})

	snap, err := u.Capture(ctx, m)
	require.NoError(t, err)

	plan, err := u.Plan(ctx, m)
	require.NoError(t, err)
	assert.Contains(t, plan, "+Authorized use only.")
	assert.Contains(t, plan, "mode 0644 -> 0640")

	require.NoError(t, u.Apply(ctx, m))
	ok, err := u.Satisfied(ctx, m)
	require.NoError(t, err)
	assert.True(t, ok)
	fi, _ := m.Stat(ctx, "/etc/issue.net")
	assert.Equal(t, fs.FileMode(0o640), fi.Mode)

	require.NoError(t, u.Restore(ctx, m, snap))
	data, _ := m.File("/etc/issue.net")
	assert.Equal(t, "Ubuntu 24.04\n", string(data))
	fi, _ = m.Stat(ctx, "/etc/issue.net")
	assert.Equal(t, fs.FileMode(0o644), fi.Mode)
}

func TestModeUnit(t *testing.T) {
	ctx := context.Background()
	m := system.NewMemExecutor("h")
	m.SetFile(sshdPath, []byte("x"), 0o644)

	u := build(t, config.UnitSpec{ID: "perms", Kind: config.KindMode, Target: sshdPath, Mode: "0600"})
	snap, err := u.Capture(ctx, m)
	require.NoError(t, err)
	require.NoError(t, u.Apply(ctx, m))

	fi, _ := m.Stat(ctx, sshdPath)
	assert.Equal(t, fs.FileMode(0o600), fi.Mode)

	require.NoError(t, u.Restore(ctx, m, snap))
	fi, _ = m.Stat(ctx, sshdPath)
	assert.Equal(t, fs.FileMode(0o644), fi.Mode)

	missing := build(t, config.UnitSpec{ID: "p2", Kind: config.KindMode, Target: "/nope", Mode: "0600"})
	_, err = missing.Capture(ctx, m)
	assert.ErrorContains(t, err, "does not exist")
}

func TestSysctlUnit(t *testing.T) {
	ctx := context.Background()
	values := map[string]string{"net.ipv4.ip_forward": "1"}
	m := sysctlHost(values)

	u := build(t, config.UnitSpec{ID: "ipfwd", Kind: config.KindSysctl, Target: "net.ipv4.ip_forward",
		Value: "0", Persist: "/etc/sysctl.d/99-bulwark.conf"})
	assert.Equal(t, "sysctl:net.ipv4.ip_forward", u.Resource())

	snap, err := u.Capture(ctx, m)
	require.NoError(t, err)
	require.NoError(t, u.Apply(ctx, m))
	assert.Equal(t, "0", values["net.ipv4.ip_forward"])
	data, _ := m.File("/etc/sysctl.d/99-bulwark.conf")
	assert.Equal(t, "net.ipv4.ip_forward = 0\n", string(data))

	ok, err := u.Satisfied(ctx, m)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, u.Restore(ctx, m, snap))
	assert.Equal(t, "1", values["net.ipv4.ip_forward"])
	_, exists := m.File("/etc/sysctl.d/99-bulwark.conf")
	assert.False(t, exists)
}

func TestCommandUnit(t *testing.T) {
	ctx := context.Background()
	enabled := "disabled"
	m := system.NewMemExecutor("h")
	m.Handle("systemctl", func(ctx context.Context, m *system.MemExecutor, argv []string, stdin []byte) (*system.Result, error) {
		switch argv[1] {
		case "is-enabled":
			if enabled == "enabled" {
				return &system.Result{Stdout: "enabled\n"}, nil
			}
			return &system.Result{Stdout: "disabled\n", ExitCode: 1}, nil
		case "enable":
			enabled = "enabled"
		}
		return &system.Result{}, nil
	})
	m.Handle("restore-unit", func(ctx context.Context, m *system.MemExecutor, argv []string, stdin []byte) (*system.Result, error) {
		enabled = strings.TrimSpace(string(stdin))
		return &system.Result{}, nil
	})

	u := build(t, config.UnitSpec{ID: "auditd", Kind: config.KindCommand,
		Apply:    []string{"systemctl", "enable", "auditd"},
		Check:    []string{"systemctl", "is-enabled", "auditd"},
		Snapshot: []string{"echo-state"},
		Restore:  []string{"restore-unit"},
	})
	m.Handle("echo-state", func(ctx context.Context, m *system.MemExecutor, argv []string, stdin []byte) (*system.Result, error) {
		return &system.Result{Stdout: enabled + "\n"}, nil
	})

	snap, err := u.Capture(ctx, m)
	require.NoError(t, err)
	plan, err := u.Plan(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, "run: systemctl enable auditd\n", plan)

	require.NoError(t, u.Apply(ctx, m))
	assert.Equal(t, "enabled", enabled)
	require.NoError(t, u.Restore(ctx, m, snap))
	assert.Equal(t, "disabled", enabled)
}

func TestBuild(t *testing.T) {
	_, err := Build(config.UnitSpec{ID: "x", Kind: "registry"})
	assert.ErrorContains(t, err, "unknown kind")

	_, err = Build(config.UnitSpec{ID: "x", Kind: config.KindDirective, Target: "/f", Settings: map[string]string{"bad key": "v"}})
	assert.ErrorContains(t, err, "invalid directive keyword")

	a := sshdUnit(t)
	b := sshdUnit(t)
	assert.Equal(t, a.DesiredDigest(), b.DesiredDigest())
	assert.Contains(t, a.DescribeRisk(), "emergency access lease")
	assert.Equal(t, "path:"+sshdPath, a.Resource())
	assert.Len(t, a.Validators(), 1)

	c := build(t, config.UnitSpec{ID: "sshd_hardening", Kind: config.KindDirective, Target: sshdPath,
		Settings: map[string]string{"PermitRootLogin": "yes"}})
	assert.NotEqual(t, a.DesiredDigest(), c.DesiredDigest())

	assert.Equal(t, []string{"command", "directive", "file", "mode", "sysctl"}, Kinds())
}

func TestBuildAll(t *testing.T) {
	p := &config.Policy{Units: []config.UnitSpec{
		{ID: "a", Kind: config.KindSysctl, Value: "1"},
		{ID: "b", Kind: config.KindFile, Target: "/b", Content: strptr(""), Tags: []string{"fs"}},
	}}
	us, err := BuildAll(p)
	require.NoError(t, err)
	require.Len(t, us, 2)
	assert.Equal(t, "a", us[0].Target())
	assert.True(t, HasTag(us[1], "fs"))
}
