// Package notify tells operators about finished runs over webhook, Slack,
// Discord or ntfy channels. A Dispatcher is a report.Sink: it stays quiet
// while a run is in progress and sends one message when it finishes.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/bulwark/internal/clock"
	"grimm.is/bulwark/internal/config"
	"grimm.is/bulwark/internal/logging"
	"grimm.is/bulwark/internal/report"
	"grimm.is/bulwark/internal/retry"
)

// Severity levels, lowest first.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

var levelRank = map[string]int{LevelInfo: 1, LevelWarning: 2, LevelCritical: 3}

// Message is what a channel receives.
type Message struct {
	Title     string         `json:"title"`
	Text      string         `json:"text"`
	Level     string         `json:"level"`
	Host      string         `json:"host"`
	RunID     string         `json:"run_id"`
	Success   bool           `json:"success"`
	Counts    map[string]int `json:"counts"`
	Failed    []string       `json:"failed,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Dispatcher sends run summaries to the configured channels.
type Dispatcher struct {
	channels []config.Notify
	client   *http.Client
	clock    clock.Clock
	log      *logging.Logger
	retries  int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.client = c } }

// WithClock sets the clock used for timestamps and retry delays.
func WithClock(c clock.Clock) Option { return func(d *Dispatcher) { d.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// WithRetries sets how often a failed delivery is retried (default 2).
func WithRetries(n int) Option { return func(d *Dispatcher) { d.retries = n } }

// New returns a dispatcher for channels.
func New(channels []config.Notify, opts ...Option) *Dispatcher {
	d := &Dispatcher{channels: channels, client: http.DefaultClient, retries: 2}
	for _, o := range opts {
		o(d)
	}
	d.clock = clock.OrReal(d.clock)
	if d.log == nil {
		d.log = logging.Default()
	}
	d.log = d.log.WithComponent("notify")
	return d
}

// Entry implements report.Sink; entries are summarized at Finish.
func (d *Dispatcher) Entry(context.Context, *report.Run, report.Entry) error { return nil }

// Finish implements report.Sink. Dry runs are not announced.
func (d *Dispatcher) Finish(ctx context.Context, run *report.Run) error {
	if run.DryRun || len(d.channels) == 0 {
		return nil
	}
	return d.Send(ctx, Summarize(run, d.clock.Now()))
}

// Summarize builds the message for a finished run. A failed rollback or a
// halted run is critical, any other failure a warning.
func Summarize(run *report.Run, now time.Time) Message {
	m := Message{
		Host:      run.Host,
		RunID:     run.ID,
		Success:   run.Success(),
		Counts:    make(map[string]int),
		Timestamp: now,
		Level:     LevelInfo,
	}
	for o, n := range run.Counts() {
		m.Counts[strings.ToLower(string(o))] = n
	}
	for _, e := range run.Snapshot() {
		if !e.OK() {
			m.Failed = append(m.Failed, fmt.Sprintf("%s (%s)", e.UnitID, strings.ToLower(string(e.Outcome))))
		}
		if e.Outcome == report.Fatal {
			m.Level = LevelCritical
		}
	}
	if m.Level != LevelCritical {
		switch {
		case run.Halted != "":
			m.Level = LevelCritical
		case !m.Success:
			m.Level = LevelWarning
		}
	}

	if m.Success {
		m.Title = fmt.Sprintf("%s: hardening run succeeded", run.Host)
	} else {
		m.Title = fmt.Sprintf("%s: hardening run failed", run.Host)
	}
	keys := make([]string, 0, len(m.Counts))
	for k := range m.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m.Counts[k]))
	}
	m.Text = fmt.Sprintf("run %s: %s", run.ID, strings.Join(parts, " "))
	if len(m.Failed) > 0 {
		m.Text += "\nfailed: " + strings.Join(m.Failed, ", ")
	}
	if run.Halted != "" {
		m.Text += "\nhalted: " + run.Halted
	}
	return m
}

// Send delivers m to every channel whose level it meets. Channels are tried
// concurrently; every failure is returned.
func (d *Dispatcher) Send(ctx context.Context, m Message) error {
	var (
		g    errgroup.Group
		errs = make([]error, len(d.channels))
	)
	for i, ch := range d.channels {
		if !meets(m.Level, ch.Level) {
			continue
		}
		i, ch := i, ch
		g.Go(func() error {
			err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
				return d.deliver(ctx, ch, m)
			},
				retry.WithMaxRetries(d.retries),
				retry.WithInitialDelay(time.Second),
				retry.WithClock(d.clock),
			)
			if err != nil {
				d.log.Warn("notification failed", "channel", ch.Name, "type", ch.Type, "error", err)
				errs[i] = fmt.Errorf("notify %s: %w", ch.Name, err)
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func meets(msgLevel, chanLevel string) bool {
	if chanLevel == "" {
		return true
	}
	return levelRank[msgLevel] >= levelRank[strings.ToLower(chanLevel)]
}

func (d *Dispatcher) deliver(ctx context.Context, ch config.Notify, m Message) error {
	ctx, cancel := context.WithTimeout(ctx, ch.RequestTimeout())
	defer cancel()

	req, err := request(ctx, ch, m)
	if err != nil {
		return retry.Fatal(err)
	}
	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s returned status %d", ch.Type, resp.StatusCode)
	case resp.StatusCode >= 400:
		return retry.Fatal(fmt.Errorf("%s returned status %d", ch.Type, resp.StatusCode))
	}
	return nil
}

func request(ctx context.Context, ch config.Notify, m Message) (*http.Request, error) {
	switch strings.ToLower(ch.Type) {
	case "ntfy":
		url := strings.TrimSuffix(ch.URL, "/") + "/" + ch.Topic
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(m.Text))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Title", m.Title)
		switch m.Level {
		case LevelCritical:
			req.Header.Set("Priority", "high")
			req.Header.Set("Tags", "rotating_light")
		case LevelWarning:
			req.Header.Set("Priority", "default")
			req.Header.Set("Tags", "warning")
		default:
			req.Header.Set("Priority", "low")
			req.Header.Set("Tags", "white_check_mark")
		}
		return req, nil

	case "slack":
		return jsonRequest(ctx, ch.URL, map[string]any{"text": fmt.Sprintf("*%s*\n%s", m.Title, m.Text)})
	case "discord":
		return jsonRequest(ctx, ch.URL, map[string]any{"content": fmt.Sprintf("**%s**\n%s", m.Title, m.Text)})
	case "webhook":
		return jsonRequest(ctx, ch.URL, m)
	}
	return nil, fmt.Errorf("unknown channel type %q", ch.Type)
}

func jsonRequest(ctx context.Context, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
