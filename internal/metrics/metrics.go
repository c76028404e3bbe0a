// Package metrics defines the orchestrator's OpenTelemetry instruments.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope for every instrument.
const MeterName = "github.com/firefly-engineering/warden"

// Recorder wraps the instruments.
type Recorder struct {
	admissions      metric.Int64Counter
	quarantined     metric.Int64Counter
	ipcConsumed     metric.Int64Counter
	sandboxRuns     metric.Int64Counter
	sandboxDuration metric.Float64Histogram
	sandboxActive   metric.Int64UpDownCounter
	jobRuns         metric.Int64Counter
	claims          metric.Int64Counter
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error

	if r.admissions, err = meter.Int64Counter("warden.admissions",
		metric.WithDescription("Rate limiter decisions"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}
	if r.quarantined, err = meter.Int64Counter("warden.ipc.quarantined",
		metric.WithDescription("IPC messages rejected and quarantined"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}
	if r.ipcConsumed, err = meter.Int64Counter("warden.ipc.consumed",
		metric.WithDescription("IPC messages verified and consumed"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}
	if r.sandboxRuns, err = meter.Int64Counter("warden.sandbox.runs",
		metric.WithDescription("Sandbox invocations by terminal status"),
		metric.WithUnit("{invocation}"),
	); err != nil {
		return nil, err
	}
	if r.sandboxDuration, err = meter.Float64Histogram("warden.sandbox.duration",
		metric.WithDescription("Sandbox wall time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 15, 30, 60, 120, 300, 600),
	); err != nil {
		return nil, err
	}
	if r.sandboxActive, err = meter.Int64UpDownCounter("warden.sandbox.active",
		metric.WithDescription("Sandboxes currently running"),
		metric.WithUnit("{invocation}"),
	); err != nil {
		return nil, err
	}
	if r.jobRuns, err = meter.Int64Counter("warden.jobs.runs",
		metric.WithDescription("Scheduled job runs by terminal status"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	if r.claims, err = meter.Int64Counter("warden.jobs.claims",
		metric.WithDescription("Job claim attempts by result"),
		metric.WithUnit("{claim}"),
	); err != nil {
		return nil, err
	}
	return r, nil
}

// Global builds a Recorder on the global meter provider.
func Global() (*Recorder, error) {
	return New(otel.Meter(MeterName))
}

// Admission counts one limiter decision. outcome is admitted, denied or
// fail_open; scope is the denied scope kind, empty otherwise.
func (r *Recorder) Admission(ctx context.Context, outcome, scope string) {
	if r == nil {
		return
	}
	r.admissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("scope", scope),
	))
}

// Quarantine counts one rejected IPC message.
func (r *Recorder) Quarantine(ctx context.Context, channel, reason string) {
	if r == nil {
		return
	}
	r.quarantined.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("reason", reason),
	))
}

// Consumed counts one verified IPC message.
func (r *Recorder) Consumed(ctx context.Context, channel string) {
	if r == nil {
		return
	}
	r.ipcConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// SandboxStarted marks one sandbox as running.
func (r *Recorder) SandboxStarted(ctx context.Context, group string) {
	if r == nil {
		return
	}
	r.sandboxActive.Add(ctx, 1, metric.WithAttributes(attribute.String("group", group)))
}

// SandboxFinished records a sandbox's terminal status and duration.
func (r *Recorder) SandboxFinished(ctx context.Context, group, status string, d time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("group", group), attribute.String("status", status))
	r.sandboxActive.Add(ctx, -1, metric.WithAttributes(attribute.String("group", group)))
	r.sandboxRuns.Add(ctx, 1, attrs)
	r.sandboxDuration.Record(ctx, d.Seconds(), attrs)
}

// JobFinished counts one scheduled run.
func (r *Recorder) JobFinished(ctx context.Context, job, status string) {
	if r == nil {
		return
	}
	r.jobRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job", job),
		attribute.String("status", status),
	))
}

// Claim counts one claim attempt; result is won, lost or error.
func (r *Recorder) Claim(ctx context.Context, job, result string) {
	if r == nil {
		return
	}
	r.claims.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job", job),
		attribute.String("result", result),
	))
}
