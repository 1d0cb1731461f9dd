package validate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"grimm.is/bulwark/internal/system"
)

const defaultPingTimeout = 2 * time.Second

// PingFunc sends one echo request and reports loss as an error.
type PingFunc func(ctx context.Context, addr string, timeout time.Duration) error

// ICMPPing is used for the local host. Remote hosts run ping(8) through
// their executor so the check reflects the target's reachability.
var ICMPPing PingFunc = icmpPing

func icmpPing(ctx context.Context, addr string, timeout time.Duration) error {
	pinger, err := probing.NewPinger(addr)
	if err != nil {
		return fmt.Errorf("failed to create pinger: %w", err)
	}

	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(false)

	if err := pinger.RunWithContext(ctx); err != nil {
		return err
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return fmt.Errorf("packet loss")
	}
	return nil
}

// Ping passes when every target answers. It guards firewall and network
// units against cutting the host off from its gateways.
type Ping struct {
	name    string
	targets []string
	timeout time.Duration
	recheck bool
	ping    PingFunc
}

// NewPing returns a ping validator; fn nil selects ICMPPing.
func NewPing(name string, targets []string, timeout time.Duration, fn PingFunc) *Ping {
	return &Ping{name: name, targets: targets, timeout: timeout, ping: fn}
}

func (p *Ping) Name() string  { return p.name }
func (p *Ping) Recheck() bool { return p.recheck }

func (p *Ping) Validate(ctx context.Context, exec system.Executor) error {
	for _, t := range p.targets {
		if err := p.one(ctx, exec, t); err != nil {
			return fmt.Errorf("%s unreachable: %w", t, err)
		}
	}
	return nil
}

func (p *Ping) one(ctx context.Context, exec system.Executor, target string) error {
	if p.ping != nil {
		return p.ping(ctx, target, p.timeout)
	}
	if _, local := exec.(*system.LocalExecutor); local {
		return ICMPPing(ctx, target, p.timeout)
	}
	secs := int(p.timeout.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	res, err := exec.Run(ctx, []string{"ping", "-c", "1", "-W", strconv.Itoa(secs), target}, nil)
	if err != nil {
		if system.IsCommandError(err) {
			return fmt.Errorf("%s", res.Diagnostic())
		}
		return err
	}
	return nil
}
