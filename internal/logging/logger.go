// Package logging wraps log/slog with the fields every bulwark record
// carries: host, run, unit and transaction.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

// Level represents log severity levels.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError

	// LevelAudit sits above error so audit records survive any level filter
	// short of Discard.
	LevelAudit = slog.LevelError + 1
)

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// Logger wraps slog with run-scoped helpers.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// Config holds logger configuration.
type Config struct {
	Level     Level
	Output    io.Writer // default os.Stderr
	JSON      bool
	AddSource bool
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)
	opts := &slog.HandlerOptions{Level: levelVar, AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = NewConsoleHandler(cfg.Output, opts)
	}
	return &Logger{Logger: slog.New(handler), level: levelVar}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return New(Config{Level: LevelAudit + 4, Output: io.Discard})
}

// Default returns the process logger, an info-level console logger on
// stderr until SetDefault replaces it.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(Config{Level: LevelInfo})
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// ParseLevel maps a config string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// SetLevel changes the log level of l and every logger derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() Level {
	return l.level.Level()
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// WithComponent returns a logger with a component field. The console
// handler prints it in the record header.
func (l *Logger) WithComponent(name string) *Logger {
	return l.with("component", name)
}

// WithHost returns a logger tagged with the target host of a run.
func (l *Logger) WithHost(host string) *Logger {
	return l.with("host", host)
}

// WithRun returns a logger tagged with a run id.
func (l *Logger) WithRun(runID string) *Logger {
	return l.with("run", runID)
}

// WithUnit returns a logger tagged with a unit and, when known, the
// transaction working on it.
func (l *Logger) WithUnit(unitID, txnID string) *Logger {
	if txnID == "" {
		return l.with("unit", unitID)
	}
	return l.with("unit", unitID, "txn", txnID)
}

// WithFields returns a logger with additional fields in key order.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	return l.with(sortedArgs(fields)...)
}

// Audit logs a state-changing action at LevelAudit. The durable audit trail
// lives in the audit database; this record is its mirror in the log stream.
func (l *Logger) Audit(action, resource string, details map[string]any) {
	args := append([]any{"audit", true, "action", action, "resource", resource}, sortedArgs(details)...)
	l.Logger.Log(context.Background(), LevelAudit, "AUDIT", args...)
}

func sortedArgs(fields map[string]any) []any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return args
}
