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

// Package store defines the persistence surface for Job,
// TelemetrySample and AuditRecord entities. The Store is the source of
// truth after a crash; the Engine's in-memory view is authoritative
// only while the process is up.
package store

import (
	"context"
	"errors"

	"icarus/internal/model"
)

// ErrNotFound is returned when a job, telemetry sample or audit record
// does not exist.
var ErrNotFound = errors.New("store: not found")

// JobFilter narrows a job listing by status. An empty Status matches
// every job.
type JobFilter struct {
	Status model.Status
	Limit  int
}

// Store persists Job, TelemetrySample and AuditRecord rows.
type Store interface {
	// CreateJob inserts a new job row with the fields as given; the
	// Engine always creates jobs in status pending.
	CreateJob(ctx context.Context, job *model.Job) error

	// GetJob fetches a job by id. Returns ErrNotFound if absent.
	GetJob(ctx context.Context, id string) (*model.Job, error)

	// ListJobs returns jobs newest-first, filtered and capped per f.
	ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error)

	// UpdateJob persists the full row, used by the Engine to make a
	// status transition (and any accompanying field changes) durable
	// before it is broadcast to subscribers.
	UpdateJob(ctx context.Context, job *model.Job) error

	// AppendTelemetry records one heartbeat sample.
	AppendTelemetry(ctx context.Context, sample *model.TelemetrySample) error

	// LatestTelemetry returns the most recent sample for a job, or
	// ErrNotFound if none exist yet.
	LatestTelemetry(ctx context.Context, jobID string) (*model.TelemetrySample, error)

	// PutAuditRecord persists the (at most one) audit record for a job.
	// Audit records are immutable once created: the first record for a
	// job is kept and a later call for the same job is a no-op. The
	// engine only calls it once, on the Checker's completion callback.
	PutAuditRecord(ctx context.Context, rec *model.AuditRecord) error

	// GetAuditRecord fetches the audit record for a job, or
	// ErrNotFound if none was stored: the job never reached CHECK
	// completion, or the Checker's completion carried no audit_report.
	GetAuditRecord(ctx context.Context, jobID string) (*model.AuditRecord, error)

	// Stats returns aggregate counts and throughput across all jobs,
	// for the supplemental /jobs/stats endpoint.
	Stats(ctx context.Context) (Stats, error)

	// Close releases underlying resources (connection pool, listener).
	Close() error
}

// Stats is the aggregate view served by GET /jobs/stats.
type Stats struct {
	Total               int     `json:"total_tasks"`
	Pending             int     `json:"pending_tasks"`
	Active              int     `json:"active_tasks"`
	Completed           int     `json:"completed_tasks"`
	Failed              int     `json:"failed_tasks"`
	AvgExecutionSeconds float64 `json:"avg_execution_seconds"`
	ThroughputPerHour   float64 `json:"throughput_tasks_per_hour"`
}
