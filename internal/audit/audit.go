// Package audit records orchestrator decisions as JSON Lines, one file per
// group plus one for events that belong to no group.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// EventType classifies an audit event.
type EventType string

const (
	EventAdmitted        EventType = "admitted"
	EventDenied          EventType = "denied"
	EventFailOpen        EventType = "fail_open"
	EventQuarantined     EventType = "quarantined"
	EventSandboxStarted  EventType = "sandbox_started"
	EventSandboxFinished EventType = "sandbox_finished"
	EventJobClaimed      EventType = "job_claimed"
	EventJobFinished     EventType = "job_finished"
	EventDegraded        EventType = "degraded"
	EventRecovered       EventType = "recovered"
)

// SystemGroup holds events not tied to a group.
const SystemGroup = "_system"

// Event represents a single audit log entry.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Group     string    `json:"group"`
	Subject   string    `json:"subject,omitempty"` // invocation, job or message id
	Details   string    `json:"details,omitempty"`
}

// Logger writes and reads audit events.
// Events are stored in {dir}/{group}.jsonl.
type Logger struct {
	dir string
	mu  sync.Mutex
}

// NewLogger creates a new audit logger rooted at dir.
func NewLogger(dir string) *Logger {
	return &Logger{dir: dir}
}

func (l *Logger) eventPath(group string) string {
	if group == "" {
		group = SystemGroup
	}
	return filepath.Join(l.dir, group+".jsonl")
}

// Log appends an event to its group's audit log. A nil Logger discards.
func (l *Logger) Log(event Event) error {
	if l == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0750); err != nil {
		return fmt.Errorf("failed to create audit log directory: %w", err)
	}

	f, err := os.OpenFile(l.eventPath(event.Group), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	return nil
}

// LogEvent is a convenience method that creates and logs an event.
func (l *Logger) LogEvent(eventType EventType, group, subject, details string) error {
	return l.Log(Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Group:     group,
		Subject:   subject,
		Details:   details,
	})
}

// Events reads all events for a group in chronological order.
func (l *Logger) Events(group string) ([]Event, error) {
	f, err := os.Open(l.eventPath(group))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue // Skip malformed lines
		}
		events = append(events, event)
	}

	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("error reading audit log: %w", err)
	}

	return events, nil
}

// Groups lists the groups that have an audit log.
func (l *Logger) Groups() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read audit directory: %w", err)
	}
	var groups []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		groups = append(groups, strings.TrimSuffix(e.Name(), ".jsonl"))
	}
	sort.Strings(groups)
	return groups, nil
}
