package recorder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRecorderRotation(t *testing.T) {
	dir := t.TempDir()

	r, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for i := 0; i < MaxTraceFiles+2; i++ {
		if err := r.Start("run"); err != nil {
			t.Fatal(err)
		}
		r.Log("proactive_click", "", []interface{}{"Accept Suggestion"})
		time.Sleep(10 * time.Millisecond) // distinct mod times
	}

	traces, err := List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(traces) != MaxTraceFiles {
		t.Errorf("expected %d traces, got %d", MaxTraceFiles, len(traces))
	}
	if traces[0] != r.Path() {
		t.Errorf("expected newest trace %s first, got %s", r.Path(), traces[0])
	}
}

func TestRecorderRoundTrip(t *testing.T) {
	dir := t.TempDir()

	r, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	r.Log("dropped", "", nil) // no run open yet

	if err := r.Start("run1"); err != nil {
		t.Fatal(err)
	}
	path := r.Path()
	if !strings.HasPrefix(filepath.Base(path), "trace_run1_") {
		t.Errorf("unexpected trace name %s", path)
	}

	r.Log("recovery_started", "s1", []interface{}{"s1", "Network Connection Error"})
	r.Log("recovery_outcome", "s1", []interface{}{"s1", "Network Connection Error", "recovered"})
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if r.Path() != "" {
		t.Error("path should be empty after close")
	}

	events, err := ReadEvents(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "recovery_started" || events[0].SessionID != "s1" {
		t.Errorf("unexpected first event %+v", events[0])
	}
	if !events[1].Timestamp.Equal(fixed) {
		t.Errorf("expected timestamp %v, got %v", fixed, events[1].Timestamp)
	}
}

func TestReadEventsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	content := `{"ts":"2024-05-01T10:00:00Z","type":"ok"}` + "\nnot json\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	events, err := ReadEvents(path)
	if err == nil {
		t.Fatal("expected decode error")
	}
	if !strings.Contains(err.Error(), ":2:") {
		t.Errorf("error should name the line: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected the valid prefix to be returned, got %d events", len(events))
	}
}
