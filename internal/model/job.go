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

// Package model holds the persisted entities shared by the store, engine
// and API gateway: Job, TelemetrySample and AuditRecord.
package model

import "time"

// Status is a Job's position in the BUILD -> CHECK -> REVIEW pipeline.
type Status string

const (
	StatusPending           Status = "pending"
	StatusBuilding          Status = "building"
	StatusChecking          Status = "checking"
	StatusAwaitingApproval  Status = "awaiting_approval"
	StatusApproved          Status = "approved"
	StatusRejected          Status = "rejected"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
)

// Terminal reports whether s is one of the three terminal statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected:
		return true
	default:
		return false
	}
}

// transitions enumerates every legal edge in the job state machine.
// The engine consults this before persisting any status change; any
// edge not listed here is refused as a conflict.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusBuilding: true,
		StatusFailed:   true,
	},
	StatusBuilding: {
		StatusChecking: true,
		StatusFailed:   true,
	},
	StatusChecking: {
		StatusAwaitingApproval: true,
		StatusFailed:           true,
	},
	StatusAwaitingApproval: {
		StatusApproved: true,
		StatusRejected: true,
	},
	StatusApproved: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// CanTransition reports whether from -> to is a legal edge in the job
// lifecycle.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Job is one row per submitted task.
type Job struct {
	ID                string     `json:"job_id"`
	Task              string     `json:"task"`
	ProjectPath       string     `json:"project_path"`
	Phase             string     `json:"phase,omitempty"`      // pass-through, opaque to the core
	ProjectID         string     `json:"project_id,omitempty"` // pass-through, opaque to the core
	Status            Status     `json:"status"`
	BuilderSandboxID  string     `json:"builder_sandbox_id,omitempty"`
	CheckerSandboxID  string     `json:"checker_sandbox_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	ReviewComment     string     `json:"review_comment,omitempty"`
}

// TelemetrySample is one worker heartbeat.
type TelemetrySample struct {
	JobID       string    `json:"job_id"`
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	RAMMB       float64   `json:"ram_mb"`
	CurrentTool string    `json:"current_tool,omitempty"`
}

// AuditRecord is the (at most one) Checker report for a job.
type AuditRecord struct {
	JobID     string                 `json:"job_id"`
	Payload   map[string]interface{} `json:"audit_report"`
	CreatedAt time.Time              `json:"created_at"`
}
