package audit

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestLogger_LogAndEvents(t *testing.T) {
	dir := t.TempDir()
	logger := NewLogger(dir)

	now := time.Now().Truncate(time.Millisecond)

	events := []Event{
		{Timestamp: now, Type: EventAdmitted, Group: "family", Subject: "msg-1"},
		{Timestamp: now.Add(time.Second), Type: EventSandboxStarted, Group: "family", Subject: "inv-1"},
		{Timestamp: now.Add(2 * time.Second), Type: EventSandboxFinished, Group: "family", Subject: "inv-1", Details: "completed"},
		{Timestamp: now.Add(3 * time.Second), Type: EventDenied, Group: "family", Details: "user:alice"},
	}

	for _, e := range events {
		if err := logger.Log(e); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	result, err := logger.Events("family")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}

	if len(result) != len(events) {
		t.Fatalf("got %d events, want %d", len(result), len(events))
	}

	for i, e := range result {
		if e.Type != events[i].Type {
			t.Errorf("event %d: type = %q, want %q", i, e.Type, events[i].Type)
		}
		if e.Subject != events[i].Subject {
			t.Errorf("event %d: subject = %q, want %q", i, e.Subject, events[i].Subject)
		}
		if e.Details != events[i].Details {
			t.Errorf("event %d: details = %q, want %q", i, e.Details, events[i].Details)
		}
	}
}

func TestLogger_EventsEmpty(t *testing.T) {
	logger := NewLogger(t.TempDir())

	result, err := logger.Events("nonexistent")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("got %d events, want 0", len(result))
	}
}

func TestLogger_SystemGroup(t *testing.T) {
	dir := t.TempDir()
	logger := NewLogger(dir)

	if err := logger.LogEvent(EventQuarantined, "", "main/in/x.msg", "signature mismatch"); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, SystemGroup+".jsonl")); err != nil {
		t.Fatalf("system log not written: %v", err)
	}

	groups, err := logger.Groups()
	if err != nil {
		t.Fatalf("Groups failed: %v", err)
	}
	if len(groups) != 1 || groups[0] != SystemGroup {
		t.Errorf("Groups() = %v", groups)
	}
}

func TestLogger_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	logger := NewLogger(dir)

	content := `{"type":"admitted","group":"g"}
not json
{"type":"denied","group":"g"}
`
	if err := os.WriteFile(filepath.Join(dir, "g.jsonl"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	events, err := logger.Events("g")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("got %d events, want 2", len(events))
	}
}

func TestLogger_ConcurrentWrites(t *testing.T) {
	logger := NewLogger(t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = logger.LogEvent(EventAdmitted, "busy", "", "")
		}()
	}
	wg.Wait()

	events, err := logger.Events("busy")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 20 {
		t.Errorf("got %d events, want 20", len(events))
	}
}

func TestNilLogger(t *testing.T) {
	var logger *Logger
	if err := logger.LogEvent(EventDenied, "g", "", ""); err != nil {
		t.Errorf("nil logger should discard, got %v", err)
	}
}
