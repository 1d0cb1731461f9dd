package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bulwark/internal/clock"
	"grimm.is/bulwark/internal/config"
	"grimm.is/bulwark/internal/logging"
	"grimm.is/bulwark/internal/report"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func finishedRun(entries ...report.Entry) *report.Run {
	r := report.NewRun("run-1", "web1", clock.NewMockClock(now), logging.Discard())
	for _, e := range entries {
		r.Append(context.Background(), e)
	}
	return r
}

type capture struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	paths    []string
	status   []int // served in order, then 200
	requests atomic.Int32
}

func (c *capture) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(c.requests.Add(1))
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.headers = append(c.headers, r.Header.Clone())
		c.paths = append(c.paths, r.URL.Path)
		c.mu.Unlock()
		if n <= len(c.status) {
			w.WriteHeader(c.status[n-1])
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dispatcher(channels ...config.Notify) *Dispatcher {
	return New(channels, WithClock(clock.NewMockClock(now)), WithLogger(logging.Discard()))
}

func TestSummarize(t *testing.T) {
	ok := finishedRun(
		report.Entry{UnitID: "a", Outcome: report.Committed},
		report.Entry{UnitID: "b", Outcome: report.Skipped, Reason: report.ReasonMarker},
	)
	m := Summarize(ok, now)
	assert.True(t, m.Success)
	assert.Equal(t, LevelInfo, m.Level)
	assert.Equal(t, "web1: hardening run succeeded", m.Title)
	assert.Equal(t, "run run-1: committed=1 skipped=1", m.Text)

	failed := finishedRun(
		report.Entry{UnitID: "a", Outcome: report.Committed},
		report.Entry{UnitID: "b", Outcome: report.RolledBack, Error: "validation failed"},
	)
	m = Summarize(failed, now)
	assert.False(t, m.Success)
	assert.Equal(t, LevelWarning, m.Level)
	assert.Equal(t, []string{"b (rolled_back)"}, m.Failed)

	fatal := finishedRun(report.Entry{UnitID: "ssh", Outcome: report.Fatal, Error: "restore failed"})
	fatal.Halted = "rollback of ssh failed"
	m = Summarize(fatal, now)
	assert.Equal(t, LevelCritical, m.Level)
	assert.Contains(t, m.Text, "halted: rollback of ssh failed")
}

func TestFinish_SendsWebhookJSON(t *testing.T) {
	var c capture
	srv := c.server(t)
	d := dispatcher(config.Notify{Name: "ops", Type: "webhook", URL: srv.URL})

	run := finishedRun(report.Entry{UnitID: "a", Outcome: report.RolledBack, Error: "x"})
	require.NoError(t, d.Finish(context.Background(), run))

	require.Len(t, c.bodies, 1)
	var got Message
	require.NoError(t, json.Unmarshal(c.bodies[0], &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, LevelWarning, got.Level)
	assert.Equal(t, "application/json", c.headers[0].Get("Content-Type"))
}

func TestFinish_SkipsDryRun(t *testing.T) {
	var c capture
	srv := c.server(t)
	d := dispatcher(config.Notify{Name: "ops", Type: "webhook", URL: srv.URL})

	run := finishedRun(report.Entry{UnitID: "a", Outcome: report.Planned})
	run.DryRun = true
	require.NoError(t, d.Finish(context.Background(), run))
	assert.Zero(t, c.requests.Load())
}

func TestSend_LevelFilterAndFormats(t *testing.T) {
	var quiet, ntfy, slack capture
	d := dispatcher(
		config.Notify{Name: "pager", Type: "webhook", URL: quiet.server(t).URL, Level: LevelCritical},
		config.Notify{Name: "phone", Type: "ntfy", URL: ntfy.server(t).URL + "/", Topic: "hardening", Headers: map[string]string{"Authorization": "Bearer t"}},
		config.Notify{Name: "chat", Type: "slack", URL: slack.server(t).URL},
	)

	m := Message{Title: "web1: hardening run failed", Text: "run r: rolled_back=1", Level: LevelWarning}
	require.NoError(t, d.Send(context.Background(), m))

	assert.Zero(t, quiet.requests.Load(), "a warning does not reach a critical-only channel")

	require.Len(t, ntfy.paths, 1)
	assert.Equal(t, "/hardening", ntfy.paths[0])
	assert.Equal(t, "web1: hardening run failed", ntfy.headers[0].Get("Title"))
	assert.Equal(t, "warning", ntfy.headers[0].Get("Tags"))
	assert.Equal(t, "Bearer t", ntfy.headers[0].Get("Authorization"))
	assert.Equal(t, "run r: rolled_back=1", string(ntfy.bodies[0]))

	require.Len(t, slack.bodies, 1)
	assert.JSONEq(t, `{"text":"*web1: hardening run failed*\nrun r: rolled_back=1"}`, string(slack.bodies[0]))
}

func TestSend_RetriesServerErrors(t *testing.T) {
	c := capture{status: []int{http.StatusBadGateway, http.StatusServiceUnavailable}}
	d := dispatcher(config.Notify{Name: "ops", Type: "discord", URL: c.server(t).URL})

	require.NoError(t, d.Send(context.Background(), Message{Title: "t", Level: LevelInfo}))
	assert.EqualValues(t, 3, c.requests.Load())
}

func TestSend_ClientErrorIsNotRetried(t *testing.T) {
	c := capture{status: []int{http.StatusUnauthorized}}
	d := dispatcher(config.Notify{Name: "ops", Type: "webhook", URL: c.server(t).URL})

	err := d.Send(context.Background(), Message{Title: "t", Level: LevelInfo})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notify ops")
	assert.EqualValues(t, 1, c.requests.Load())
}
