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

// Package sandbox defines the Driver interface the Engine uses to run
// Builder and Checker agents in isolated containers, independent of
// the underlying container runtime.
package sandbox

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a sandbox handle no longer exists.
var ErrNotFound = errors.New("sandbox: not found")

// Role distinguishes Builder from Checker sandboxes, since they get
// different mount and network treatment.
type Role string

const (
	RoleBuilder Role = "builder"
	RoleChecker Role = "checker"
)

// Mount describes a single volume attachment.
type Mount struct {
	Target   string
	Source   string
	ReadOnly bool
}

// Limits caps CPU and memory for a sandbox.
type Limits struct {
	CPULimit    float64 // fractional CPUs, e.g. 0.5
	MemoryBytes int64
}

// Spec describes a sandbox to create.
type Spec struct {
	JobID       string
	Role        Role
	Image       string
	Env         map[string]string
	Mounts      []Mount
	Limits      Limits
	NetworkMode string
	Labels      map[string]string
}

// State is the coarse lifecycle state of a sandbox, independent of the
// underlying runtime's own status vocabulary.
type State string

const (
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateExited  State = "exited"
	StateUnknown State = "unknown"
)

// Inspection is a point-in-time view of a sandbox.
type Inspection struct {
	ID         string
	State      State
	ExitCode   int
	StartedAt  string
	FinishedAt string
}

// Handle identifies a created sandbox.
type Handle struct {
	ID   string
	Name string
}

// Driver creates, controls and tears down agent sandboxes. Every
// method takes a context so callers can bound slow Docker daemon
// calls with a deadline.
type Driver interface {
	// EnsureNetwork creates the sandbox-isolation network if it does
	// not already exist and returns its id.
	EnsureNetwork(ctx context.Context) (string, error)

	// CreateWorkspace provisions a fresh, empty workspace volume for a
	// job and returns its name for use in a later Spec.Mounts entry.
	CreateWorkspace(ctx context.Context, jobID string) (string, error)

	// RemoveWorkspace deletes a job's workspace volume.
	RemoveWorkspace(ctx context.Context, volumeName string) error

	// Create starts a new sandbox per spec and returns its handle. The
	// sandbox is running when this returns.
	Create(ctx context.Context, spec Spec) (Handle, error)

	// Inspect returns the current state of a sandbox.
	Inspect(ctx context.Context, id string) (Inspection, error)

	// Pause suspends a running sandbox without losing state.
	Pause(ctx context.Context, id string) error

	// Unpause resumes a previously paused sandbox.
	Unpause(ctx context.Context, id string) error

	// Kill force-stops a sandbox.
	Kill(ctx context.Context, id string) error

	// Remove deletes a stopped sandbox's container resources.
	Remove(ctx context.Context, id string) error

	// TailLogs streams combined stdout/stderr from a sandbox until ctx
	// is cancelled or the sandbox exits.
	TailLogs(ctx context.Context, id string) (io.ReadCloser, error)

	// List returns handles for every sandbox this driver manages,
	// identified by its project label/name prefix, for Sentinel
	// enumeration during a RED-level sweep.
	List(ctx context.Context) ([]Handle, error)
}
