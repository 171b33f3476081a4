// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package engine

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"icarus/internal/telemetry"
)

// engineMetrics holds the OTel instruments the engine records into,
// the same InitializeFloatCounter-then-record shape as the teacher's
// logging.InitializeFloatCounter calls in src/main.go, adapted to
// actual instrument.Add calls instead of span attributes.
type engineMetrics struct {
	jobsTotal      metric.Float64Counter
	phaseDurations metric.Float64Counter

	queueDepth metric.Float64UpDownCounter
	depthMu    sync.Mutex
	lastDepth  float64
}

func newEngineMetrics() *engineMetrics {
	m := &engineMetrics{}

	jobsTotal, err := telemetry.Counter("icarus_jobs_total", "Job status transitions, labeled by status", "{job}")
	if err != nil {
		telemetry.Log(context.Background(), slog.LevelWarn, "failed to create jobs_total counter", "error", err)
	}
	m.jobsTotal = jobsTotal

	phaseDurations, err := telemetry.Counter("icarus_phase_duration_seconds", "Cumulative time spent in builder/checker phases, labeled by role", "s")
	if err != nil {
		telemetry.Log(context.Background(), slog.LevelWarn, "failed to create phase_duration counter", "error", err)
	}
	m.phaseDurations = phaseDurations

	queueDepth, err := telemetry.Gauge("icarus_admission_queue_depth", "Number of jobs waiting for an admission slot", "{job}")
	if err != nil {
		telemetry.Log(context.Background(), slog.LevelWarn, "failed to create admission_queue_depth gauge", "error", err)
	}
	m.queueDepth = queueDepth

	return m
}

func (m *engineMetrics) recordJobStatus(ctx context.Context, status string) {
	if m.jobsTotal == nil {
		return
	}
	m.jobsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *engineMetrics) recordPhaseDuration(ctx context.Context, role string, seconds float64) {
	if m.phaseDurations == nil {
		return
	}
	m.phaseDurations.Add(ctx, seconds, metric.WithAttributes(attribute.String("role", role)))
}

// recordQueueDepth reports depth as the gauge's new absolute value. A
// Float64UpDownCounter only exposes Add, so the recorded delta is the
// change since the previous depth reading.
func (m *engineMetrics) recordQueueDepth(ctx context.Context, depth int) {
	if m.queueDepth == nil {
		return
	}
	v := float64(depth)
	m.depthMu.Lock()
	delta := v - m.lastDepth
	m.lastDepth = v
	m.depthMu.Unlock()
	if delta != 0 {
		m.queueDepth.Add(ctx, delta)
	}
}
