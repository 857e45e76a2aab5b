// Package recorder writes agent events to rotating JSONL trace files, one file per run.
package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// MaxTraceFiles is how many run traces are kept on disk.
	MaxTraceFiles = 3
	DefaultDir    = "data/traces"
)

// Event is one line of a trace file.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Recorder appends events to the trace of the current run. It is safe for concurrent
// use and drops events while no run is open.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	file    *os.File
	encoder *json.Encoder
	path    string
	now     func() time.Time
}

// New creates dir if needed and returns an idle recorder.
func New(dir string) (*Recorder, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &Recorder{dir: dir, now: time.Now}, nil
}

// Start closes any open trace, prunes old ones and opens trace_<runID>_<ms>.jsonl.
func (r *Recorder) Start(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeLocked()
	if err := r.prune(); err != nil {
		return fmt.Errorf("prune traces: %w", err)
	}

	path := filepath.Join(r.dir, fmt.Sprintf("trace_%s_%d.jsonl", runID, r.now().UnixMilli()))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	r.file = f
	r.encoder = json.NewEncoder(f)
	r.path = path
	return nil
}

// Log appends an event. It matches the agent's trace sink signature.
func (r *Recorder) Log(eventType, sessionID string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.encoder == nil {
		return
	}
	_ = r.encoder.Encode(Event{
		Timestamp: r.now(),
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
	})
}

// Path returns the open trace file, or "" when idle.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Close ends the current run.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *Recorder) closeLocked() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.encoder = nil
	r.path = ""
	return err
}

// prune deletes the oldest traces so that, with the one about to be created, at most
// MaxTraceFiles remain.
func (r *Recorder) prune() error {
	traces, err := List(r.dir)
	if err != nil {
		return err
	}
	for i := MaxTraceFiles - 1; i < len(traces); i++ {
		_ = os.Remove(traces[i])
	}
	return nil
}

// List returns the trace files in dir, newest first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type trace struct {
		path string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{filepath.Join(dir, e.Name()), info.ModTime()})
	}
	sort.Slice(traces, func(i, j int) bool { return traces[i].mod.After(traces[j].mod) })

	out := make([]string, len(traces))
	for i, t := range traces {
		out[i] = t.path
	}
	return out, nil
}

// ReadEvents decodes every event of a trace file.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			return events, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		events = append(events, evt)
	}
	return events, scanner.Err()
}
