package safety

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bulwark/internal/backup"
	"grimm.is/bulwark/internal/clock"
	"grimm.is/bulwark/internal/config"
	"grimm.is/bulwark/internal/logging"
	"grimm.is/bulwark/internal/marker"
	"grimm.is/bulwark/internal/state"
	"grimm.is/bulwark/internal/system"
	"grimm.is/bulwark/internal/txn"
	"grimm.is/bulwark/internal/unit"
)

const sshdPath = "/etc/ssh/sshd_config"

const stockSSHD = "Port 22\nPermitRootLogin yes\nPasswordAuthentication yes\n"

type fixture struct {
	exec    *system.MemExecutor
	store   *state.SQLiteStore
	clock   *clock.MockClock
	mgr     *txn.Manager
	access  *SSHDAccess
	started atomic.Int32
	stopped atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		exec:   system.NewMemExecutor("web1"),
		clock:  clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		access: &SSHDAccess{Binary: "sshd", ConfigPath: sshdPath, RunDir: "/run"},
	}
	var err error
	f.store, err = state.NewSQLiteStore(state.Options{Path: ":memory:", Clock: f.clock})
	require.NoError(t, err)
	t.Cleanup(func() { f.store.Close() })

	backend, err := backup.NewFileBackend(t.TempDir(), "web1")
	require.NoError(t, err)
	backups, err := backup.NewStore("web1", backend, f.store, f.clock)
	require.NoError(t, err)
	markers, err := marker.NewStateStore(f.store, "web1")
	require.NoError(t, err)
	f.mgr, err = txn.NewManager(txn.Config{
		Executor: f.exec,
		Backups:  backups,
		Markers:  markers,
		Journal:  f.store,
		Clock:    f.clock,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)

	f.exec.SetFile(sshdPath, []byte(stockSSHD), 0o600)
	f.exec.Handle("sshd", func(ctx context.Context, m *system.MemExecutor, argv []string, stdin []byte) (*system.Result, error) {
		if argv[1] == "-t" {
			data, _ := m.File(argv[3])
			if strings.Contains(string(data), "Bogus") {
				return &system.Result{ExitCode: 255, Stderr: "Bad configuration option: Bogus"}, nil
			}
			return &system.Result{}, nil
		}
		f.started.Add(1)
		return &system.Result{}, nil
	})
	f.exec.Handle("pkill", func(ctx context.Context, m *system.MemExecutor, argv []string, stdin []byte) (*system.Result, error) {
		f.stopped.Add(1)
		return &system.Result{}, nil
	})
	return f
}

func (f *fixture) monitor(t *testing.T, prober Prober, confirmer Confirmer) *Monitor {
	t.Helper()
	m, err := NewMonitor(Config{
		Executor:      f.exec,
		Manager:       f.mgr,
		Access:        f.access,
		Prober:        prober,
		Confirmer:     confirmer,
		Store:         f.store,
		LeaseDuration: 5 * time.Minute,
		Clock:         f.clock,
		Logger:        logging.Discard(),
	})
	require.NoError(t, err)
	return m
}

// sshProber returns a real SSHProber whose sessions answer with ok().
func (f *fixture) sshProber(t *testing.T, ok func() error) *SSHProber {
	t.Helper()
	retries := 3
	p, err := NewSSHProber(&config.Probe{Address: "10.0.0.5:22", User: "root", Timeout: "5s", Retries: &retries, Backoff: "2s"},
		WithProbeClock(f.clock),
		WithProbeLogger(logging.Discard()),
		WithDialer(func(system.SSHConfig) (ProbeSession, error) { return fakeSession{ok}, nil }),
	)
	require.NoError(t, err)
	return p
}

type fakeSession struct{ ok func() error }

func (s fakeSession) Run(ctx context.Context, argv []string, stdin []byte) (*system.Result, error) {
	if err := s.ok(); err != nil {
		return &system.Result{ExitCode: 255}, err
	}
	return &system.Result{}, nil
}

func (fakeSession) Close() error { return nil }

func sshdUnit(t *testing.T) unit.Unit {
	t.Helper()
	u, err := unit.Build(config.UnitSpec{
		ID:              "sshd_hardening",
		Kind:            config.KindDirective,
		Target:          sshdPath,
		AccessAffecting: true,
		Settings:        map[string]string{"PermitRootLogin": "no", "PasswordAuthentication": "no"},
		Validators:      []config.ValidatorSpec{{Type: config.CheckCommand, Command: []string{"sshd", "-t", "-f", "{target}"}}},
	})
	require.NoError(t, err)
	return u
}

func TestExecute_ConfirmedTearsDown(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, ProbeFunc(func(context.Context) error { return nil }), nil)

	res, err := m.Execute(context.Background(), sshdUnit(t))
	require.NoError(t, err)
	assert.Equal(t, txn.ResultCommitted, res.Outcome.Result)
	require.NotNil(t, res.Lease)
	assert.Equal(t, StateTornDown, res.Lease.State)
	assert.Equal(t, int32(1), f.started.Load())
	assert.Equal(t, int32(1), f.stopped.Load())
	assert.Nil(t, m.Lingering())
	assert.Zero(t, f.clock.PendingTimers())

	leases, err := m.Leases()
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, StateTornDown, leases[0].State)
}

func TestExecute_ProbeFailureCompensatesAndLeaseLingers(t *testing.T) {
	f := newFixture(t)
	prober := f.sshProber(t, func() error { return errors.New("connection refused") })
	m := f.monitor(t, prober, nil)
	u := sshdUnit(t)

	res, err := m.Execute(context.Background(), u)
	require.NoError(t, err)

	require.NotNil(t, res.Committed)
	assert.Equal(t, txn.ResultCommitted, res.Committed.Result)
	assert.Equal(t, txn.ResultRolledBack, res.Outcome.Result)
	assert.Equal(t, res.Committed.Transaction.ID, res.Outcome.Transaction.CompensatesID)

	var pte *ProbeTimeoutError
	require.ErrorAs(t, res.Outcome.Err, &pte)
	assert.Equal(t, 4, pte.Attempts)
	var ve *txn.ValidationError
	assert.ErrorAs(t, res.Outcome.Err, &ve)

	data, _ := f.exec.File(sshdPath)
	assert.Equal(t, stockSSHD, string(data), "config restored byte for byte")

	// Two probe rounds: after commit and after compensation.
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, f.clock.Sleeps())

	assert.Equal(t, StateCompensating, res.Lease.State)
	assert.True(t, res.Lease.Lingering)
	f.clock.Advance(10 * time.Minute)
	assert.Zero(t, f.stopped.Load(), "emergency access must outlive its deadline")
	require.NotNil(t, m.Lingering())

	_, err = m.Execute(context.Background(), u)
	var lle *LeaseLingeringError
	assert.ErrorAs(t, err, &lle)
}

func TestExecute_CompensationRestoresAccess(t *testing.T) {
	f := newFixture(t)
	prober := f.sshProber(t, func() error {
		data, _ := f.exec.File(sshdPath)
		if string(data) != stockSSHD {
			return errors.New("permission denied (publickey)")
		}
		return nil
	})
	m := f.monitor(t, prober, nil)

	res, err := m.Execute(context.Background(), sshdUnit(t))
	require.NoError(t, err)
	assert.Equal(t, txn.ResultRolledBack, res.Outcome.Result)
	assert.Equal(t, StateTornDown, res.Lease.State)
	assert.Equal(t, int32(1), f.stopped.Load())
	assert.Nil(t, m.Lingering())

	var states []LeaseState
	for _, tr := range res.Lease.History {
		states = append(states, tr.To)
	}
	assert.Equal(t, []LeaseState{StateLeaseActive, StatePrimaryFailed, StateCompensating, StateTornDown}, states)
}

func TestExecute_DeadlineWithoutConfirmation(t *testing.T) {
	f := newFixture(t)
	confirmer := ExternalConfirmer{Store: f.store, Host: "web1", Interval: time.Second, Clock: f.clock}
	m := f.monitor(t, ProbeFunc(func(context.Context) error { return nil }), confirmer)

	res, err := m.Execute(context.Background(), sshdUnit(t))
	require.NoError(t, err)
	assert.Equal(t, txn.ResultRolledBack, res.Outcome.Result)
	var lee *LeaseExpiredError
	assert.ErrorAs(t, res.Outcome.Err, &lee)
	assert.True(t, res.Lease.Expired)
	assert.Equal(t, StateTornDown, res.Lease.State)

	data, _ := f.exec.File(sshdPath)
	assert.Equal(t, stockSSHD, string(data))
}

func TestExecute_ValidationFailureTearsDownAfterProbe(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, ProbeFunc(func(context.Context) error { return nil }), nil)
	u, err := unit.Build(config.UnitSpec{
		ID:         "bogus",
		Kind:       config.KindDirective,
		Target:     sshdPath,
		Settings:   map[string]string{"Bogus": "yes"},
		Validators: []config.ValidatorSpec{{Type: config.CheckCommand, Command: []string{"sshd", "-t", "-f", "{target}"}}},
	})
	require.NoError(t, err)

	res, err := m.Execute(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, txn.ResultRolledBack, res.Outcome.Result)
	assert.Nil(t, res.Committed)
	assert.Equal(t, StateTornDown, res.Lease.State)
}

func TestExecute_OpenFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.exec.SetFile(sshdPath, []byte("Bogus yes\n"), 0o600)
	m := f.monitor(t, ProbeFunc(func(context.Context) error { return nil }), nil)

	_, err := m.Execute(context.Background(), sshdUnit(t))
	assert.Error(t, err)
	data, _ := f.exec.File(sshdPath)
	assert.Equal(t, "Bogus yes\n", string(data))
	assert.Zero(t, f.started.Load())
	assert.Nil(t, m.Lingering())
}

func TestExecute_SatisfiedOpensNoLease(t *testing.T) {
	f := newFixture(t)
	f.exec.SetFile(sshdPath, []byte("PermitRootLogin no\nPasswordAuthentication no\n"), 0o600)
	m := f.monitor(t, ProbeFunc(func(context.Context) error { return errors.New("unused") }), nil)

	res, err := m.Execute(context.Background(), sshdUnit(t))
	require.NoError(t, err)
	assert.Equal(t, txn.ResultUnchanged, res.Outcome.Result)
	assert.Nil(t, res.Lease)
	assert.Zero(t, f.started.Load())
}

func TestMonitor_ReloadsAndClosesLingeringLease(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, f.sshProber(t, func() error { return errors.New("refused") }), nil)
	res, err := m.Execute(context.Background(), sshdUnit(t))
	require.NoError(t, err)
	id := res.Lease.ID

	// A new process sees the lease from the journal.
	m2 := f.monitor(t, ProbeFunc(func(context.Context) error { return nil }), nil)
	l := m2.Lingering()
	require.NotNil(t, l)
	assert.Equal(t, id, l.ID)

	require.NoError(t, m2.Close(context.Background(), id))
	assert.Nil(t, m2.Lingering())
	assert.Equal(t, int32(1), f.stopped.Load())

	leases, err := m2.Leases()
	require.NoError(t, err)
	assert.Equal(t, StateTornDown, leases[0].State)
	assert.ErrorIs(t, m2.Close(context.Background(), "nope"), ErrLeaseNotFound)
}

func TestExternalConfirmer(t *testing.T) {
	f := newFixture(t)
	c := ExternalConfirmer{Store: f.store, Host: "web1", Clock: f.clock}
	lease := &Lease{ID: "lease-1"}

	require.NoError(t, Confirm(f.store, "web1", Confirmation{LeaseID: "lease-1", By: "ops"}))
	assert.NoError(t, c.Confirm(context.Background(), lease))

	require.NoError(t, Confirm(f.store, "web1", Confirmation{LeaseID: "lease-2", Reject: true}))
	assert.ErrorIs(t, c.Confirm(context.Background(), &Lease{ID: "lease-2"}), ErrRejected)
}

func TestNewConfirmer(t *testing.T) {
	for _, mode := range []string{"", "probe", "prompt", "external"} {
		c, err := NewConfirmer(mode, nil, "h", nil)
		require.NoError(t, err, mode)
		assert.NotNil(t, c)
	}
	_, err := NewConfirmer("carrier-pigeon", nil, "h", nil)
	assert.Error(t, err)
}

func TestSSHDAccess_Command(t *testing.T) {
	a := NewSSHDAccess(&config.Safety{SSHDPath: "/opt/sbin/sshd"}, "/run/bulwark")
	argv := a.Command(&Lease{Port: 2222, CredentialsMode: "password"})
	assert.Equal(t, "/opt/sbin/sshd", argv[0])
	assert.Contains(t, strings.Join(argv, " "), "-p 2222")
	assert.Contains(t, strings.Join(argv, " "), "PidFile=/run/bulwark/bulwark-emergency-2222.pid")
	assert.Contains(t, argv, "PasswordAuthentication=yes")
}

func TestLeaseTransitions(t *testing.T) {
	l := &Lease{State: StateNoLease}
	now := time.Now()
	require.NoError(t, l.to(StateLeaseActive, now, ""))
	assert.Error(t, l.to(StateTornDown, now, ""))
	require.NoError(t, l.to(StatePrimaryFailed, now, ""))
	require.NoError(t, l.to(StateCompensating, now, ""))
	require.NoError(t, l.to(StateTornDown, now, ""))
	assert.False(t, l.Active())
}
