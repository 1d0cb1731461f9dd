package safety

import (
	"context"
	"fmt"
	"time"

	"grimm.is/bulwark/internal/clock"
	"grimm.is/bulwark/internal/config"
	"grimm.is/bulwark/internal/logging"
	"grimm.is/bulwark/internal/metrics"
	"grimm.is/bulwark/internal/retry"
	"grimm.is/bulwark/internal/system"
)

// Prober checks that the primary access path still works.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// ProbeTimeoutError means every probe attempt failed within its window.
type ProbeTimeoutError struct {
	Address  string
	Attempts int
	Err      error
}

func (e *ProbeTimeoutError) Error() string {
	return fmt.Sprintf("primary access probe to %s failed after %d attempts: %v", e.Address, e.Attempts, e.Err)
}

func (e *ProbeTimeoutError) Unwrap() error { return e.Err }

// Dialer opens a fresh session to the primary access path. The returned
// executor is closed after one probe.
type Dialer func(cfg system.SSHConfig) (ProbeSession, error)

// ProbeSession is the part of an SSH executor a probe needs.
type ProbeSession interface {
	Run(ctx context.Context, argv []string, stdin []byte) (*system.Result, error)
	Close() error
}

func dialSSH(cfg system.SSHConfig) (ProbeSession, error) {
	return system.NewSSHExecutor(cfg)
}

// SSHProber logs in through the primary path with a new connection and
// runs a command. Each attempt is bounded by Timeout; failed attempts are
// retried Retries times with exponential backoff.
type SSHProber struct {
	Target  system.SSHConfig
	Command []string
	Timeout time.Duration
	Retries int
	Backoff time.Duration

	clock   clock.Clock
	log     *logging.Logger
	metrics *metrics.Registry
	dial    Dialer
}

// ProberOption configures an SSHProber.
type ProberOption func(*SSHProber)

// WithProbeClock sets the clock used for backoff.
func WithProbeClock(c clock.Clock) ProberOption {
	return func(p *SSHProber) { p.clock = c }
}

// WithProbeLogger sets the logger.
func WithProbeLogger(l *logging.Logger) ProberOption {
	return func(p *SSHProber) { p.log = l }
}

// WithProbeMetrics counts probe attempts.
func WithProbeMetrics(r *metrics.Registry) ProberOption {
	return func(p *SSHProber) { p.metrics = r }
}

// WithDialer replaces the SSH dialer.
func WithDialer(d Dialer) ProberOption {
	return func(p *SSHProber) { p.dial = d }
}

// NewSSHProber builds a prober from the policy's probe block.
func NewSSHProber(pc *config.Probe, opts ...ProberOption) (*SSHProber, error) {
	if pc == nil {
		return nil, fmt.Errorf("probe configuration required")
	}
	target := system.SSHConfig{
		Name:           "primary",
		Address:        pc.Address,
		User:           pc.User,
		KnownHostsFile: pc.KnownHosts,
		DialTimeout:    pc.ProbeTimeout(),
	}
	if pc.KeyFile != "" {
		key, err := system.LoadPrivateKey(pc.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("probe key: %w", err)
		}
		target.PrivateKey = key
	}
	p := &SSHProber{
		Target:  target,
		Command: pc.Command,
		Timeout: pc.ProbeTimeout(),
		Retries: pc.ProbeRetries(),
		Backoff: pc.ProbeBackoff(),
		dial:    dialSSH,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.clock = clock.OrReal(p.clock)
	if p.log == nil {
		p.log = logging.Default()
	}
	p.log = p.log.WithComponent("probe")
	if len(p.Command) == 0 {
		p.Command = []string{"true"}
	}
	return p, nil
}

// Probe runs the bounded retry loop.
func (p *SSHProber) Probe(ctx context.Context) error {
	attempts := 0
	err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt
		err := p.once(ctx)
		p.metrics.ProbeAttempt(p.Target.Name, err)
		return err
	},
		retry.WithMaxRetries(p.Retries),
		retry.WithInitialDelay(p.Backoff),
		retry.WithClock(p.clock),
		retry.WithOnRetry(func(attempt int, err error, next time.Duration) {
			p.log.Warn("primary access probe failed", "address", p.Target.Address, "attempt", attempt, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		return &ProbeTimeoutError{Address: p.Target.Address, Attempts: attempts, Err: err}
	}
	p.log.Info("primary access confirmed", "address", p.Target.Address, "attempts", attempts)
	return nil
}

func (p *SSHProber) once(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	sess, err := p.dial(p.Target)
	if err != nil {
		return retry.Fatal(err)
	}
	defer sess.Close()

	if _, err := sess.Run(ctx, p.Command, nil); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("no answer within %s: %w", p.Timeout, err)
		}
		return err
	}
	return nil
}
