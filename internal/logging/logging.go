// Package logging provides the severity-tagged log sink the agent reports through,
// backed by zap.
package logging

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Severity classifies an agent log line.
type Severity string

const (
	Info    Severity = "info"
	Success Severity = "success"
	Warn    Severity = "warn"
	Error   Severity = "error"
	Debug   Severity = "debug"
)

// Sink receives agent log lines. Any implementation (console, file, telemetry) will do.
type Sink interface {
	Log(message string, severity Severity)
}

// ZapSink writes log lines through a zap logger.
type ZapSink struct {
	logger *zap.Logger
	name   string
}

// Options configures NewZapSink.
type Options struct {
	// Name prefixes every line (the agent's display name).
	Name string
	// Level is one of debug | info | warn | error.
	Level string
	// File receives JSON lines; empty writes to stderr.
	File string
	// Development switches to the human-readable console encoder.
	Development bool
}

// NewZapSink builds a zap-backed sink.
func NewZapSink(opts Options) (*ZapSink, error) {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	if opts.File != "" {
		cfg.OutputPaths = []string{opts.File}
		cfg.ErrorOutputPaths = []string{opts.File}
	} else {
		cfg.OutputPaths = []string{"stderr"}
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	if opts.Name != "" {
		logger = logger.Named(opts.Name)
	}
	return &ZapSink{logger: logger, name: opts.Name}, nil
}

// NewZapSinkFromLogger wraps an existing zap logger.
func NewZapSinkFromLogger(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

// Log implements Sink.
func (s *ZapSink) Log(message string, severity Severity) {
	switch severity {
	case Success:
		s.logger.Info(message, zap.String("outcome", "success"))
	case Warn:
		s.logger.Warn(message)
	case Error:
		s.logger.Error(message)
	case Debug:
		s.logger.Debug(message)
	default:
		s.logger.Info(message)
	}
}

// Logger exposes the underlying zap logger for structured callers.
func (s *ZapSink) Logger() *zap.Logger {
	return s.logger
}

// Sync flushes buffered entries.
func (s *ZapSink) Sync() error {
	return s.logger.Sync()
}

// Nop discards everything.
type Nop struct{}

func (Nop) Log(string, Severity) {}

// Entry is one line captured by Memory.
type Entry struct {
	Message  string
	Severity Severity
}

// Memory keeps every line in order. Used by tests and the simulate command.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *Memory) Log(message string, severity Severity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{Message: message, Severity: severity})
}

// Entries returns a copy of the captured lines.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Count returns how many lines were captured at the given severity.
func (m *Memory) Count(severity Severity) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Severity == severity {
			n++
		}
	}
	return n
}

// Contains reports whether any line at severity contains substr.
func (m *Memory) Contains(severity Severity, substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Severity == severity && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// Tee fans a line out to several sinks.
type Tee []Sink

func (t Tee) Log(message string, severity Severity) {
	for _, s := range t {
		if s != nil {
			s.Log(message, severity)
		}
	}
}
