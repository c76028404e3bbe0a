package health

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/firefly-engineering/warden/internal/clock"
)

func TestTracker_DegradesAtThreshold(t *testing.T) {
	var transitions []bool
	tr := NewTracker(3, OnChange(func(component string, degraded bool) {
		if component != ComponentRuntime {
			t.Errorf("component = %q", component)
		}
		transitions = append(transitions, degraded)
	}))

	boom := errors.New("docker: connection refused")
	tr.Failure(ComponentRuntime, boom)
	tr.Failure(ComponentRuntime, boom)
	if tr.Degraded() {
		t.Fatal("degraded before threshold")
	}

	tr.Failure(ComponentRuntime, boom)
	if !tr.Degraded() {
		t.Fatal("not degraded at threshold")
	}
	tr.Failure(ComponentRuntime, boom)

	snap := tr.Snapshot()
	if snap.Status != StatusDegraded {
		t.Errorf("Status = %q, want %q", snap.Status, StatusDegraded)
	}
	if snap.Components[0].LastError != boom.Error() {
		t.Errorf("LastError = %q", snap.Components[0].LastError)
	}

	tr.Success(ComponentRuntime)
	if tr.Degraded() {
		t.Fatal("still degraded after success")
	}

	if len(transitions) != 2 || !transitions[0] || transitions[1] {
		t.Errorf("transitions = %v, want [true false]", transitions)
	}
}

func TestTracker_SuccessResetsCount(t *testing.T) {
	tr := NewTracker(2)
	tr.Failure(ComponentStore, nil)
	tr.Success(ComponentStore)
	tr.Failure(ComponentStore, nil)
	if tr.Degraded() {
		t.Error("non-consecutive failures must not degrade")
	}
}

func TestStatusFileRoundTrip(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	tr := NewTracker(1, WithClock(fake))
	tr.Failure(ComponentStore, errors.New("disk full"))

	path := filepath.Join(t.TempDir(), "run", "status.json")
	if err := WriteStatusFile(path, tr.Snapshot()); err != nil {
		t.Fatalf("WriteStatusFile() error = %v", err)
	}

	snap, err := ReadStatusFile(path)
	if err != nil {
		t.Fatalf("ReadStatusFile() error = %v", err)
	}
	if snap.Status != StatusDegraded {
		t.Errorf("Status = %q", snap.Status)
	}
	if !snap.UpdatedAt.Equal(fake.Now()) {
		t.Errorf("UpdatedAt = %v", snap.UpdatedAt)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{2*time.Hour + 15*time.Minute, "2h 15m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
