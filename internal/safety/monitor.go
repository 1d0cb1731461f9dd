package safety

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/bulwark/internal/clock"
	"grimm.is/bulwark/internal/config"
	"grimm.is/bulwark/internal/logging"
	"grimm.is/bulwark/internal/metrics"
	"grimm.is/bulwark/internal/state"
	"grimm.is/bulwark/internal/system"
	"grimm.is/bulwark/internal/txn"
	"grimm.is/bulwark/internal/unit"
)

// Config wires a Monitor to one host.
type Config struct {
	Executor        system.Executor
	Manager         *txn.Manager
	Access          AccessPath
	Prober          Prober
	Confirmer       Confirmer
	Store           state.Store // lease journal
	Port            int
	LeaseDuration   time.Duration
	CredentialsMode string
	RunID           string
	Clock           clock.Clock
	Logger          *logging.Logger
	Metrics         *metrics.Registry
}

// Monitor runs access-affecting units under an emergency lease. At most
// one lease is open per host at a time.
type Monitor struct {
	exec      system.Executor
	mgr       *txn.Manager
	access    AccessPath
	prober    Prober
	confirmer Confirmer
	store     state.Store
	bucket    string
	port      int
	duration  time.Duration
	creds     string
	runID     string
	clock     clock.Clock
	log       *logging.Logger
	metrics   *metrics.Registry

	mu     sync.Mutex
	active *Lease
}

// Result is the outcome of one guarded unit.
type Result struct {
	// Outcome is the final transaction. After a compensating rollback it
	// is the compensating transaction.
	Outcome *txn.Outcome
	// Committed is the original transaction when it was compensated.
	Committed *txn.Outcome
	Lease     *Lease
}

// NewMonitor builds a monitor. A lease left open by an earlier run is
// reloaded from the journal and blocks new leases until it is closed.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Executor == nil || cfg.Manager == nil || cfg.Access == nil || cfg.Prober == nil || cfg.Store == nil {
		return nil, fmt.Errorf("safety: executor, manager, access path, prober and store are required")
	}
	m := &Monitor{
		exec:      cfg.Executor,
		mgr:       cfg.Manager,
		access:    cfg.Access,
		prober:    cfg.Prober,
		confirmer: cfg.Confirmer,
		store:     cfg.Store,
		bucket:    state.Bucket(cfg.Executor.Host(), state.BucketLeases),
		port:      cfg.Port,
		duration:  cfg.LeaseDuration,
		creds:     cfg.CredentialsMode,
		runID:     cfg.RunID,
		clock:     clock.OrReal(cfg.Clock),
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
	}
	if m.confirmer == nil {
		m.confirmer = ProbeConfirmer{}
	}
	if m.port == 0 {
		m.port = config.DefaultEmergencyPort
	}
	if m.duration <= 0 {
		m.duration = config.DefaultLeaseDuration
	}
	if m.creds == "" {
		m.creds = config.DefaultCredentialsMode
	}
	if m.log == nil {
		m.log = logging.Default()
	}
	m.log = m.log.WithComponent("safety")

	if err := state.EnsureBucket(m.store, m.bucket); err != nil {
		return nil, fmt.Errorf("lease bucket: %w", err)
	}
	leases, err := m.Leases()
	if err != nil {
		return nil, err
	}
	for i := range leases {
		if leases[i].Active() {
			l := leases[i]
			l.Lingering = true
			m.active = &l
			m.log.Warn("emergency lease from an earlier run is still open", "lease", l.ID, "port", l.Port, "state", l.State)
			break
		}
	}
	return m, nil
}

// Lingering returns the open lease that blocks new ones, if any.
func (m *Monitor) Lingering() *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.Lingering {
		l := *m.active
		return &l
	}
	return nil
}

// Execute runs u under an emergency lease. An error means no lease could
// be opened and nothing was changed.
func (m *Monitor) Execute(ctx context.Context, u unit.Unit) (*Result, error) {
	if l := m.Lingering(); l != nil {
		return nil, &LeaseLingeringError{Lease: l}
	}

	// Nothing will change, so no lease is needed.
	if ok, err := u.Satisfied(ctx, m.exec); err == nil && ok {
		return &Result{Outcome: m.mgr.Run(ctx, u)}, nil
	}

	lease, lctx, err := m.open(ctx, u)
	if err != nil {
		return nil, err
	}
	res := &Result{Lease: lease}
	out := m.mgr.Run(lctx, u)
	res.Outcome = out

	switch out.Result {
	case txn.ResultFatal:
		// The target is in an unknown state; the emergency path is the
		// operator's way in.
		m.advance(lease, StatePrimaryFailed, out.Err.Error())
		m.linger(lease, out.Err)
		return res, nil

	case txn.ResultCommitted:
		verr := m.verify(lctx, lease)
		if verr == nil {
			m.advance(lease, StatePrimaryConfirmed, "")
			m.teardown(ctx, lease)
			return res, nil
		}
		m.log.Error("primary access lost after commit; compensating", "unit", u.ID(), "lease", lease.ID, "error", verr)
		m.advance(lease, StatePrimaryFailed, verr.Error())
		m.advance(lease, StateCompensating, "")
		m.metrics.Rollback(m.exec.Host(), "compensating")

		comp := m.mgr.Compensate(ctx, u, out, &txn.ValidationError{UnitID: u.ID(), Err: verr})
		res.Committed, res.Outcome = out, comp
		if comp.Result != txn.ResultRolledBack {
			m.linger(lease, comp.Err)
			return res, nil
		}
		m.settle(ctx, lease)
		return res, nil

	default:
		// Rolled back or never applied: the target is back to what the
		// emergency listener started from. Tear down only once the
		// primary path answers.
		if err := m.reprobe(ctx); err != nil {
			m.advance(lease, StatePrimaryFailed, err.Error())
			m.linger(lease, err)
			return res, nil
		}
		m.advance(lease, StatePrimaryConfirmed, "")
		m.teardown(ctx, lease)
		return res, nil
	}
}

// open starts the emergency path and arms the lease deadline. The returned
// context is cancelled with a LeaseExpiredError when the deadline passes.
func (m *Monitor) open(ctx context.Context, u unit.Unit) (*Lease, context.Context, error) {
	now := m.clock.Now()
	lease := &Lease{
		ID:              uuid.NewString(),
		Host:            m.exec.Host(),
		RunID:           m.runID,
		UnitID:          u.ID(),
		Port:            m.port,
		CredentialsMode: m.creds,
		OpenedAt:        now,
		ExpiresAt:       now.Add(m.duration),
		State:           StateNoLease,
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, nil, &LeaseLingeringError{Lease: m.active}
	}
	m.active = lease
	m.mu.Unlock()

	if err := m.access.Open(ctx, m.exec, lease); err != nil {
		m.mu.Lock()
		m.active = nil
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("open emergency access: %w", err)
	}
	m.advance(lease, StateLeaseActive, "")
	m.metrics.LeaseOpened(lease.Host)
	m.log.Audit("lease_open", u.Target(), map[string]any{"lease": lease.ID, "unit": u.ID(), "port": lease.Port, "expires_at": lease.ExpiresAt})

	lctx, cancel := context.WithCancelCause(ctx)
	lease.cancel = cancel
	lease.timer = m.clock.AfterFunc(m.duration, func() {
		m.mu.Lock()
		lease.Expired = true
		m.mu.Unlock()
		m.log.Warn("emergency lease deadline passed", "lease", lease.ID, "unit", lease.UnitID)
		cancel(&LeaseExpiredError{LeaseID: lease.ID, ExpiresAt: lease.ExpiresAt})
	})
	return lease, lctx, nil
}

// verify probes the primary path and then asks the confirmer, both bounded
// by the lease deadline.
func (m *Monitor) verify(ctx context.Context, lease *Lease) error {
	if err := m.prober.Probe(ctx); err != nil {
		return expiry(ctx, err)
	}
	if err := m.confirmer.Confirm(ctx, lease); err != nil {
		return expiry(ctx, err)
	}
	if err := context.Cause(ctx); err != nil {
		return err
	}
	return nil
}

func expiry(ctx context.Context, err error) error {
	var le *LeaseExpiredError
	if cause := context.Cause(ctx); errors.As(cause, &le) && !errors.As(err, &le) {
		return fmt.Errorf("%w: %w", le, err)
	}
	return err
}

// reprobe runs a fresh probe outside the lease deadline.
func (m *Monitor) reprobe(ctx context.Context) error {
	return m.prober.Probe(context.WithoutCancel(ctx))
}

// settle tears the lease down after a compensating rollback once primary
// access answers again; otherwise the lease lingers.
func (m *Monitor) settle(ctx context.Context, lease *Lease) {
	if err := m.reprobe(ctx); err != nil {
		m.linger(lease, err)
		return
	}
	m.teardown(ctx, lease)
}

// teardown stops the emergency path. A failure is logged and leaves the
// lease lingering, which is the safer of the two.
func (m *Monitor) teardown(ctx context.Context, lease *Lease) {
	m.disarm(lease)
	if err := m.access.Close(context.WithoutCancel(ctx), m.exec, lease); err != nil {
		m.log.Warn("emergency lease teardown failed; access path left open", "lease", lease.ID, "port", lease.Port, "error", err)
		m.linger(lease, err)
		return
	}
	m.advance(lease, StateTornDown, "")
	lease.ClosedAt = m.clock.Now()
	m.save(lease)
	m.metrics.LeaseClosed(lease.Host, string(StateTornDown), lease.ClosedAt.Sub(lease.OpenedAt))
	m.log.Audit("lease_close", lease.UnitID, map[string]any{"lease": lease.ID, "port": lease.Port})

	m.mu.Lock()
	if m.active == lease {
		m.active = nil
	}
	m.mu.Unlock()
}

func (m *Monitor) linger(lease *Lease, reason error) {
	m.disarm(lease)
	m.mu.Lock()
	lease.Lingering = true
	if reason != nil {
		lease.Reason = reason.Error()
	}
	m.mu.Unlock()
	m.save(lease)
	m.log.Error("emergency lease left open", "lease", lease.ID, "port", lease.Port, "state", lease.State, "reason", reason)
	m.log.Audit("lease_linger", lease.UnitID, map[string]any{"lease": lease.ID, "port": lease.Port, "state": string(lease.State)})
}

func (m *Monitor) disarm(lease *Lease) {
	if lease.timer != nil {
		lease.timer.Stop()
	}
	if lease.cancel != nil {
		lease.cancel(nil)
	}
}

func (m *Monitor) advance(lease *Lease, next LeaseState, note string) {
	m.mu.Lock()
	err := lease.to(next, m.clock.Now(), note)
	m.mu.Unlock()
	if err != nil {
		m.log.Error("lease state machine violated", "lease", lease.ID, "error", err)
		return
	}
	m.log.Info("lease state", "lease", lease.ID, "state", next)
	m.save(lease)
}

func (m *Monitor) save(lease *Lease) {
	m.mu.Lock()
	snapshot := *lease
	m.mu.Unlock()
	snapshot.History = append([]LeaseTransition(nil), snapshot.History...)
	if err := m.store.SetJSON(m.bucket, lease.ID, snapshot); err != nil {
		m.log.Error("failed to journal lease", "lease", lease.ID, "error", err)
	}
}

// Leases returns the lease journal, newest first.
func (m *Monitor) Leases() ([]Lease, error) {
	raw, err := m.store.List(m.bucket)
	if err != nil {
		return nil, err
	}
	out := make([]Lease, 0, len(raw))
	for id := range raw {
		var l Lease
		if err := m.store.GetJSON(m.bucket, id, &l); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

// Close tears down a lease by id on operator request, whatever its state.
func (m *Monitor) Close(ctx context.Context, id string) error {
	var l Lease
	if err := m.store.GetJSON(m.bucket, id, &l); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrLeaseNotFound, id)
		}
		return err
	}
	if !l.Active() {
		return nil
	}
	if err := m.access.Close(ctx, m.exec, &l); err != nil {
		return err
	}
	l.forceClose(m.clock.Now(), "closed by operator")
	if err := m.store.SetJSON(m.bucket, l.ID, l); err != nil {
		return err
	}
	m.metrics.LeaseClosed(l.Host, "operator", l.ClosedAt.Sub(l.OpenedAt))
	m.log.Audit("lease_close", l.UnitID, map[string]any{"lease": l.ID, "port": l.Port, "by": "operator"})

	m.mu.Lock()
	if m.active != nil && m.active.ID == id {
		m.active = nil
	}
	m.mu.Unlock()
	return nil
}
