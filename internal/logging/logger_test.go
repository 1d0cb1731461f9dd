package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonLogger(buf *bytes.Buffer) *Logger {
	return New(Config{Level: LevelDebug, Output: buf, JSON: true})
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var data map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &data), "log line: %s", buf.String())
	return data
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf)

	for _, tc := range []struct {
		log func(string, ...any)
		msg string
	}{
		{logger.Debug, "debug msg"},
		{logger.Info, "info msg"},
		{logger.Warn, "warn msg"},
		{logger.Error, "error msg"},
	} {
		buf.Reset()
		tc.log(tc.msg)
		assert.Contains(t, buf.String(), tc.msg)
	}

	logger.SetLevel(LevelError)
	assert.Equal(t, LevelError, logger.GetLevel())
	buf.Reset()
	logger.WithHost("web-1").Info("should not appear")
	assert.Zero(t, buf.Len(), "derived loggers share the level")
}

func TestLogger_ScopedFields(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf)

	logger.WithHost("web-1").WithRun("r1").WithUnit("ssh", "t1").WithComponent("txn").Info("msg")
	data := decode(t, &buf)
	assert.Equal(t, "web-1", data["host"])
	assert.Equal(t, "r1", data["run"])
	assert.Equal(t, "ssh", data["unit"])
	assert.Equal(t, "t1", data["txn"])
	assert.Equal(t, "txn", data["component"])

	buf.Reset()
	logger.WithUnit("ssh", "").Info("msg")
	data = decode(t, &buf)
	_, hasTxn := data["txn"]
	assert.False(t, hasTxn, "an empty transaction id is omitted")

	buf.Reset()
	logger.WithFields(map[string]any{"phase": "apply", "attempt": 2}).Info("msg")
	data = decode(t, &buf)
	assert.Equal(t, "apply", data["phase"])
	assert.EqualValues(t, 2, data["attempt"])
}

func TestLogger_AuditSurvivesErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelError, Output: &buf})

	logger.Audit("lease_open", "port:2222", map[string]any{"lease": "abc", "expires": "soon"})
	line := buf.String()
	assert.Contains(t, line, "[audit]")
	assert.Contains(t, line, "resource=port:2222")
	assert.Less(t, strings.Index(line, "expires="), strings.Index(line, "lease="), "details are printed in key order")
}

func TestConsoleHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelDebug, Output: &buf})

	l.WithHost("web-1").WithComponent("Safety").Info("lease opened", "port", 2222, "note", "two words", "empty", "")
	line := buf.String()

	assert.Contains(t, line, "[info] web-1 safety: lease opened")
	assert.Contains(t, line, "port=2222")
	assert.Contains(t, line, `note="two words"`)
	assert.Contains(t, line, `empty=""`)
	assert.NotContains(t, line, "host=", "host is promoted to the header")
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"", LevelInfo, false},
		{"INFO", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
		} else {
			assert.NoError(t, err, tc.in)
		}
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestDefaultLogger(t *testing.T) {
	prev := Default()
	require.NotNil(t, prev)

	var buf bytes.Buffer
	SetDefault(New(Config{Level: LevelInfo, Output: &buf}))
	defer SetDefault(prev)

	Default().WithComponent("comp").Info("comp msg")
	assert.Contains(t, buf.String(), "comp: comp msg")
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Error("nothing")
	l.Audit("nothing", "nowhere", nil)
}
