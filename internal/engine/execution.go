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
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"time"

	"icarus/internal/config"
	"icarus/internal/model"
	"icarus/internal/sandbox"
	"icarus/internal/telemetry"
)

type signalKind int

const (
	signalCompleted signalKind = iota
	signalError
)

// callbackSignal carries a worker's completion or error report from
// handleCallback (running on the actor loop) to the per-job goroutine
// blocked waiting for it — the Go shape of job_queue.py's per-job
// asyncio.Event pair.
type callbackSignal struct {
	kind         signalKind
	auditPayload map[string]any
	errMessage   string
}

func (e *Engine) registerSignal(jobID string) chan callbackSignal {
	ch := make(chan callbackSignal, 1)
	e.sigMu.Lock()
	e.signals[jobID] = ch
	e.sigMu.Unlock()
	return ch
}

func (e *Engine) clearSignal(jobID string) {
	e.sigMu.Lock()
	delete(e.signals, jobID)
	e.sigMu.Unlock()
}

func (e *Engine) sendSignal(jobID string, sig callbackSignal) {
	e.sigMu.Lock()
	ch, ok := e.signals[jobID]
	e.sigMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- sig:
	default:
		// Already has an undelivered signal in flight; a duplicate
		// callback for a phase that already resolved is a no-op.
	}
}

// mutate asks the actor to apply an in-place edit to a job, optionally
// advancing its status. Safe to call from any goroutine.
func (e *Engine) mutate(ctx context.Context, jobID string, newStatus model.Status, errMsg string, fn func(*model.Job)) error {
	reply := make(chan error, 1)
	select {
	case e.cmds <- mutateCmd{jobID: jobID, newStatus: newStatus, errMsg: errMsg, mutate: fn, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) failJob(ctx context.Context, jobID, reason string) {
	if err := e.mutate(ctx, jobID, model.StatusFailed, reason, nil); err != nil {
		telemetry.Log(ctx, slog.LevelError, "failed to record job failure", "job_id", jobID, "reason", reason, "error", err)
	}
}

func (e *Engine) callbackURL(jobID string) string {
	return fmt.Sprintf("%s/jobs/%s/callback", e.callbackBaseURL, jobID)
}

// runJob drives one admitted job through BUILD then CHECK. It does not
// release the admission slot itself: transitionLocked does that on the
// job's terminal transition. A failed phase leaves the job failed and
// runJob removes its workspace; a successful run returns with the job
// in awaiting_approval, still holding its slot until approval or
// rejection makes it terminal.
func (e *Engine) runJob(parent context.Context, job *model.Job) {
	var jobCtx context.Context
	var cancel context.CancelFunc
	if e.cfg.Orchestrator.JobTimeoutSeconds > 0 {
		jobCtx, cancel = context.WithTimeout(parent, time.Duration(e.cfg.Orchestrator.JobTimeoutSeconds)*time.Second)
	} else {
		jobCtx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	volumeName, err := e.driver.CreateWorkspace(jobCtx, job.ID)
	if err != nil {
		e.failJob(jobCtx, job.ID, fmt.Sprintf("failed to create workspace: %v", err))
		return
	}

	builderCfg := e.cfg.Agents["builder"]
	checkerCfg := e.cfg.Agents["checker"]
	if e.executePhase(jobCtx, job, sandbox.RoleBuilder, builderCfg, volumeName, model.StatusChecking) &&
		e.executePhase(jobCtx, job, sandbox.RoleChecker, checkerCfg, volumeName, model.StatusAwaitingApproval) {
		return
	}

	if err := e.driver.RemoveWorkspace(context.Background(), volumeName); err != nil {
		telemetry.Log(context.Background(), slog.LevelWarn, "failed to remove workspace volume", "job_id", job.ID, "volume", volumeName, "error", err)
	}
}

// executePhase spawns one sandbox, waits for its resolution (a
// callback, a phase deadline, the outer job deadline, or shutdown),
// and drives the resulting transition. It returns true only when the
// phase completed successfully and the job advanced to targetStatus.
func (e *Engine) executePhase(jobCtx context.Context, job *model.Job, role sandbox.Role, agentCfg config.AgentConfig, volumeName string, targetStatus model.Status) bool {
	sig := e.registerSignal(job.ID)
	defer e.clearSignal(job.ID)

	phaseStart := time.Now()
	defer func() { e.metrics.recordPhaseDuration(jobCtx, string(role), time.Since(phaseStart).Seconds()) }()

	env := map[string]string{
		"JOB_ID":                job.ID,
		"TASK":                  job.Task,
		"ORCHESTRATOR_CALLBACK": e.callbackURL(job.ID),
		"ICARUS_PHASE":          job.Phase,
		"ICARUS_PROJECT_ID":     job.ProjectID,
	}

	spec := sandbox.Spec{
		JobID: job.ID,
		Role:  role,
		Image: agentCfg.ImageName,
		Env:   env,
		Mounts: []sandbox.Mount{{
			Target:   "/workspace",
			Source:   volumeName,
			ReadOnly: role == sandbox.RoleChecker,
		}},
		Limits: sandbox.Limits{
			CPULimit:    agentCfg.CPULimit,
			MemoryBytes: agentCfg.MemoryLimit,
		},
		NetworkMode: agentCfg.NetworkMode,
	}

	handle, err := e.driver.Create(jobCtx, spec)
	if err != nil {
		e.failJob(jobCtx, job.ID, fmt.Sprintf("failed to spawn %s sandbox: %v", role, err))
		return false
	}
	e.setSandboxHandle(jobCtx, job.ID, role, handle.ID)

	tailCtx, stopTail := context.WithCancel(jobCtx)
	defer stopTail()
	go e.tailSandboxLogs(tailCtx, job.ID, handle.ID)

	deadline := time.Duration(agentCfg.TimeoutSeconds) * time.Second

	select {
	case s := <-sig:
		return e.resolvePhase(jobCtx, job, role, handle.ID, targetStatus, s)

	case <-time.After(deadline):
		e.killAndClear(jobCtx, job.ID, role, handle.ID)
		e.failJob(jobCtx, job.ID, "phase timeout")
		return false

	case <-jobCtx.Done():
		e.killAndClear(context.Background(), job.ID, role, handle.ID)
		if jobCtx.Err() == context.DeadlineExceeded {
			e.failJob(context.Background(), job.ID, "job timeout")
		}
		return false
	}
}

func (e *Engine) resolvePhase(ctx context.Context, job *model.Job, role sandbox.Role, sandboxID string, targetStatus model.Status, sig callbackSignal) bool {
	switch sig.kind {
	case signalCompleted:
		if role == sandbox.RoleChecker && sig.auditPayload != nil {
			rec := &model.AuditRecord{JobID: job.ID, Payload: sig.auditPayload, CreatedAt: time.Now()}
			if err := e.store.PutAuditRecord(ctx, rec); err != nil {
				telemetry.Log(ctx, slog.LevelError, "failed to persist audit record", "job_id", job.ID, "error", err)
			}
		}
		e.killAndClear(ctx, job.ID, role, sandboxID)
		if err := e.mutate(ctx, job.ID, targetStatus, "", nil); err != nil {
			telemetry.Log(ctx, slog.LevelError, "failed to advance job after phase completion",
				"job_id", job.ID, "target_status", targetStatus, "error", err)
			return false
		}
		telemetry.Log(ctx, slog.LevelInfo, "phase completed", "job_id", job.ID, "role", role, "next_status", targetStatus)
		return true

	case signalError:
		e.killAndClear(ctx, job.ID, role, sandboxID)
		e.failJob(ctx, job.ID, sig.errMessage)
		return false

	default:
		return false
	}
}

// tailSandboxLogs forwards a live sandbox's combined stdout/stderr to
// its job's push channel, one EventLog per line, until ctx is
// cancelled or the sandbox's log stream ends. Best-effort: a tailing
// failure is logged, not fatal to the phase it belongs to.
func (e *Engine) tailSandboxLogs(ctx context.Context, jobID, sandboxID string) {
	rc, err := e.driver.TailLogs(ctx, sandboxID)
	if err != nil {
		telemetry.Log(ctx, slog.LevelWarn, "failed to open sandbox log tail", "job_id", jobID, "sandbox_id", sandboxID, "error", err)
		return
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		e.publish(jobID, Event{Type: EventLog, Message: line})
	}
}

func (e *Engine) setSandboxHandle(ctx context.Context, jobID string, role sandbox.Role, sandboxID string) {
	e.mutate(ctx, jobID, "", "", func(j *model.Job) {
		if role == sandbox.RoleBuilder {
			j.BuilderSandboxID = sandboxID
		} else {
			j.CheckerSandboxID = sandboxID
		}
	})
}

func (e *Engine) killAndClear(ctx context.Context, jobID string, role sandbox.Role, sandboxID string) {
	if err := e.driver.Kill(ctx, sandboxID); err != nil {
		telemetry.Log(ctx, slog.LevelWarn, "failed to kill sandbox", "sandbox_id", sandboxID, "error", err)
	}
	if err := e.driver.Remove(ctx, sandboxID); err != nil {
		telemetry.Log(ctx, slog.LevelWarn, "failed to remove sandbox", "sandbox_id", sandboxID, "error", err)
	}
	e.mutate(ctx, jobID, "", "", func(j *model.Job) {
		if role == sandbox.RoleBuilder {
			j.BuilderSandboxID = ""
		} else {
			j.CheckerSandboxID = ""
		}
	})
}

// finalizeApproval performs the post-approval commit side effect and
// drives the job to its final completed/failed status.
func (e *Engine) finalizeApproval(ctx context.Context, jobID string) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		telemetry.Log(ctx, slog.LevelError, "failed to load job for approval finalization", "job_id", jobID, "error", err)
		return
	}

	volumeName := workspaceVolumeName(jobID)

	if err := e.committer.Commit(ctx, jobID, volumeName); err != nil {
		telemetry.Log(ctx, slog.LevelError, "commit failed", "job_id", jobID, "task", truncate(job.Task, 100), "error", err)
		e.failJob(ctx, jobID, fmt.Sprintf("commit failed: %v", err))
		e.cleanupTerminal(ctx, jobID, true)
		return
	}

	if err := e.mutate(ctx, jobID, model.StatusCompleted, "", nil); err != nil {
		telemetry.Log(ctx, slog.LevelError, "failed to mark job completed", "job_id", jobID, "error", err)
		return
	}
	e.cleanupTerminal(ctx, jobID, false)
}

// cleanupTerminal releases the workspace volume for a job that just
// reached a terminal status; per spec.md §4.1 the volume is destroyed
// on rejected/failed and kept (it is the delivered artifact) on
// completed.
func (e *Engine) cleanupTerminal(ctx context.Context, jobID string, destroyWorkspace bool) {
	if !destroyWorkspace {
		return
	}
	volumeName := workspaceVolumeName(jobID)
	if err := e.driver.RemoveWorkspace(ctx, volumeName); err != nil {
		telemetry.Log(ctx, slog.LevelWarn, "failed to remove workspace volume", "job_id", jobID, "volume", volumeName, "error", err)
	}
}

func workspaceVolumeName(jobID string) string {
	return "icarus_workspace_" + jobID
}
