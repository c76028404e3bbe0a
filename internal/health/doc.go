// Package health tracks infrastructure failures and exposes a process-wide
// degraded state to external status checks.
//
// Component-local problems (a forged IPC message, one job timing out) are
// not health events. Only calls into shared infrastructure report here:
// the durable store, the sandbox runtime, the IPC directory.
//
//	tracker := health.NewTracker(3)
//	tracker.Failure(health.ComponentRuntime, err) // x3 -> degraded
//	tracker.Success(health.ComponentRuntime)      // recovered
//
// The serve command writes Tracker.Snapshot to a status file with
// WriteStatusFile; `warden status` reads it back.
package health
