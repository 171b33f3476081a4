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

// Package engine implements the ICARUS job state machine and
// scheduler as an actor: a single goroutine (Run) owns every Job
// mutation and admission decision, generalizing the single
// _process_queue loop of original_source/orchestrator/job_queue.py
// into an explicit event-driven scheduler per spec §9's translation
// note. Every other goroutine talks to it over the cmds channel.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"icarus/internal/config"
	"icarus/internal/model"
	"icarus/internal/sandbox"
	"icarus/internal/sentinel"
	"icarus/internal/store"
	"icarus/internal/telemetry"
)

// admissionPollInterval is the fallback cadence for the scheduler's
// wake loop, in addition to the immediate wakes triggered by submit,
// job completion and Sentinel level changes.
const admissionPollInterval = 2 * time.Second

// Engine is the Job Engine actor.
type Engine struct {
	cfg             *config.Config
	store           store.Store
	driver          sandbox.Driver
	sentinel        *sentinel.Sentinel
	committer       Committer
	callbackBaseURL string
	metrics         *engineMetrics

	cmds chan any

	sigMu   sync.Mutex
	signals map[string]chan callbackSignal

	bcMu         sync.Mutex
	broadcasters map[string]*broadcaster

	// actor-owned state, touched only inside Run's goroutine
	jobs          map[string]*model.Job
	pending       []string
	activeCount   int
	maxConcurrent int
}

// New builds an Engine. callbackBaseURL is the externally reachable
// base URL sandboxes use to reach POST /jobs/{id}/callback, e.g.
// "http://host.docker.internal:8000".
func New(cfg *config.Config, st store.Store, driver sandbox.Driver, sent *sentinel.Sentinel, committer Committer, callbackBaseURL string) *Engine {
	if committer == nil {
		committer = NoopCommitter{}
	}
	return &Engine{
		cfg:             cfg,
		store:           st,
		driver:          driver,
		sentinel:        sent,
		committer:       committer,
		callbackBaseURL: callbackBaseURL,
		metrics:         newEngineMetrics(),
		cmds:            make(chan any, 64),
		signals:         make(map[string]chan callbackSignal),
		broadcasters:    make(map[string]*broadcaster),
		jobs:            make(map[string]*model.Job),
		maxConcurrent:   cfg.Orchestrator.MaxConcurrentJobs,
	}
}

// SpawnRequest is the input to Submit.
type SpawnRequest struct {
	Task        string
	ProjectPath string
	Phase       string
	ProjectID   string
}

type submitResult struct {
	job *model.Job
	err error
}

type submitCmd struct {
	req   SpawnRequest
	reply chan submitResult
}

type approveCmd struct {
	jobID    string
	approved bool
	comment  string
	reply    chan error
}

type callbackCmd struct {
	jobID   string
	payload map[string]any
	reply   chan error
}

// mutateCmd applies an in-place edit to a job, optionally advancing
// its status. It is the only way any goroutine other than Run's own
// touches a Job, keeping the Engine the sole mutator per spec §5.
type mutateCmd struct {
	jobID     string
	newStatus model.Status // empty: no status change
	errMsg    string       // set alongside a failing/rejecting transition
	mutate    func(*model.Job)
	reply     chan error
}

type admissionWakeCmd struct{}

// Run executes the actor loop until ctx is cancelled. It performs
// startup orphan recovery first.
func (e *Engine) Run(ctx context.Context) {
	e.recoverOrphans(ctx)

	ticker := time.NewTicker(admissionPollInterval)
	defer ticker.Stop()

	telemetry.Log(ctx, slog.LevelInfo, "engine scheduler started", "max_concurrent_jobs", e.maxConcurrent)

	for {
		select {
		case <-ctx.Done():
			e.shutdown(context.Background())
			return
		case <-ticker.C:
			e.runAdmissionSweep(ctx)
		case c := <-e.cmds:
			e.handleCommand(ctx, c)
			e.runAdmissionSweep(ctx)
		}
	}
}

func (e *Engine) handleCommand(ctx context.Context, c any) {
	switch cmd := c.(type) {
	case submitCmd:
		cmd.reply <- e.handleSubmit(ctx, cmd.req)
	case approveCmd:
		cmd.reply <- e.handleApprove(ctx, cmd)
	case callbackCmd:
		cmd.reply <- e.handleCallback(ctx, cmd)
	case mutateCmd:
		cmd.reply <- e.handleMutate(ctx, cmd)
	case admissionWakeCmd:
		// no-op payload; runAdmissionSweep runs unconditionally after
		// every handled command anyway.
	}
}

func (e *Engine) handleSubmit(ctx context.Context, req SpawnRequest) submitResult {
	if req.Phase == "" {
		req.Phase = "I"
	}
	if req.ProjectID == "" {
		req.ProjectID = "default"
	}

	job := &model.Job{
		ID:          uuid.NewString(),
		Task:        req.Task,
		ProjectPath: req.ProjectPath,
		Phase:       req.Phase,
		ProjectID:   req.ProjectID,
		Status:      model.StatusPending,
		CreatedAt:   time.Now(),
	}

	if err := e.store.CreateJob(ctx, job); err != nil {
		return submitResult{err: fmt.Errorf("persisting job: %w", err)}
	}

	e.jobs[job.ID] = job
	e.pending = append(e.pending, job.ID)
	e.metrics.recordJobStatus(ctx, string(job.Status))

	telemetry.Log(ctx, slog.LevelInfo, "job submitted", "job_id", job.ID, "task", truncate(job.Task, 100))
	return submitResult{job: cloneJob(job)}
}

func (e *Engine) handleApprove(ctx context.Context, cmd approveCmd) error {
	job, ok := e.jobs[cmd.jobID]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status != model.StatusAwaitingApproval {
		return ErrConflict
	}

	if cmd.approved {
		e.transitionLocked(ctx, job, model.StatusApproved, func(j *model.Job) { j.ReviewComment = cmd.comment })
		go e.finalizeApproval(context.Background(), job.ID)
	} else {
		e.transitionLocked(ctx, job, model.StatusRejected, func(j *model.Job) { j.ReviewComment = cmd.comment })
		go e.cleanupTerminal(context.Background(), job.ID, true)
	}
	return nil
}

func (e *Engine) handleCallback(ctx context.Context, cmd callbackCmd) error {
	job, ok := e.jobs[cmd.jobID]
	if !ok {
		return store.ErrNotFound
	}

	status, hasStatus := cmd.payload["status"].(string)
	if !hasStatus {
		e.recordProgress(ctx, job.ID, cmd.payload)
		return nil
	}

	if job.Status != model.StatusBuilding && job.Status != model.StatusChecking {
		telemetry.Log(ctx, slog.LevelInfo, "discarding callback for job not awaiting a phase result",
			"job_id", job.ID, "status", job.Status, "callback_status", status)
		return nil
	}

	switch status {
	case "completed":
		var audit map[string]any
		if v, ok := cmd.payload["audit_report"].(map[string]any); ok {
			audit = v
		}
		e.sendSignal(job.ID, callbackSignal{kind: signalCompleted, auditPayload: audit})
		return nil
	case "error":
		msg, _ := cmd.payload["error"].(string)
		if msg == "" {
			msg = "agent reported error"
		}
		e.sendSignal(job.ID, callbackSignal{kind: signalError, errMessage: msg})
		return nil
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidCallback, status)
	}
}

func (e *Engine) recordProgress(ctx context.Context, jobID string, payload map[string]any) {
	sample := &model.TelemetrySample{JobID: jobID, Timestamp: time.Now()}
	if v, ok := payload["cpu_usage"].(float64); ok {
		sample.CPUPercent = v
	}
	if v, ok := payload["ram_usage_mb"].(float64); ok {
		sample.RAMMB = v
	}
	if v, ok := payload["current_tool"].(string); ok {
		sample.CurrentTool = v
	}
	if err := e.store.AppendTelemetry(ctx, sample); err != nil {
		telemetry.Log(ctx, slog.LevelError, "failed to record telemetry", "job_id", jobID, "error", err)
	}
	if sample.CurrentTool != "" {
		e.publish(jobID, Event{Type: EventLog, Message: sample.CurrentTool})
	}
}

func (e *Engine) handleMutate(ctx context.Context, cmd mutateCmd) error {
	job, ok := e.jobs[cmd.jobID]
	if !ok {
		return store.ErrNotFound
	}
	if cmd.newStatus != "" && cmd.newStatus != job.Status {
		if !model.CanTransition(job.Status, cmd.newStatus) {
			return ErrConflict
		}
		e.transitionLocked(ctx, job, cmd.newStatus, func(j *model.Job) {
			if cmd.errMsg != "" {
				j.ErrorMessage = cmd.errMsg
			}
			if cmd.mutate != nil {
				cmd.mutate(j)
			}
		})
		return nil
	}
	if cmd.mutate != nil {
		cmd.mutate(job)
	}
	if err := e.store.UpdateJob(ctx, job); err != nil {
		telemetry.Log(ctx, slog.LevelError, "failed to persist job field update", "job_id", job.ID, "error", err)
		return err
	}
	return nil
}

// transitionLocked mutates job's status (already validated by the
// caller), persists it, and broadcasts — all before returning, so
// "persisted before broadcast" (spec §5) holds by construction.
func (e *Engine) transitionLocked(ctx context.Context, job *model.Job, newStatus model.Status, mutate func(*model.Job)) {
	job.Status = newStatus
	if mutate != nil {
		mutate(job)
	}
	if newStatus.Terminal() {
		now := time.Now()
		job.CompletedAt = &now
	}
	if err := e.store.UpdateJob(ctx, job); err != nil {
		telemetry.Log(ctx, slog.LevelError, "failed to persist job transition", "job_id", job.ID, "to", newStatus, "error", err)
	}
	e.publish(job.ID, Event{Type: EventStatusUpdate, Status: newStatus})
	e.metrics.recordJobStatus(ctx, string(newStatus))

	if newStatus.Terminal() {
		e.releaseSlotIfActive(job.ID)
		id := job.ID
		time.AfterFunc(2*time.Second, func() { e.closeBroadcaster(id) })
	}
}

// releaseSlotIfActive decrements activeCount when an admitted job
// reaches a terminal status; a job holds its slot from admission
// through awaiting_approval until then. It does not look at jobID: every
// call releases one slot (down to zero), so it relies on being called
// exactly once per admitted job, from its terminal transition.
func (e *Engine) releaseSlotIfActive(jobID string) {
	// activeCount bookkeeping happens at admission time (increment) and
	// here (decrement) exactly once per admitted job; runAdmissionSweep
	// is the only place that increments it.
	if e.activeCount > 0 {
		e.activeCount--
	}
}

// runAdmissionSweep admits as many eligible pending jobs, oldest
// first, as slots and the Sentinel permit — spec.md §4.1's scheduler.
func (e *Engine) runAdmissionSweep(ctx context.Context) {
	defer func() { e.metrics.recordQueueDepth(ctx, len(e.pending)) }()

	if len(e.pending) == 0 {
		return
	}

	sort.Slice(e.pending, func(i, j int) bool {
		a, b := e.jobs[e.pending[i]], e.jobs[e.pending[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	for len(e.pending) > 0 {
		if e.activeCount >= e.maxConcurrent {
			return
		}
		if e.sentinel != nil && !e.sentinel.Admits() {
			return
		}

		jobID := e.pending[0]
		e.pending = e.pending[1:]
		job, ok := e.jobs[jobID]
		if !ok {
			continue
		}

		e.transitionLocked(ctx, job, model.StatusBuilding, nil)
		e.activeCount++

		go e.runJob(context.Background(), cloneJob(job))
	}
}

// recoverOrphans runs at startup. Every persisted job in building,
// checking, awaiting_approval or approved is marked failed with
// "orphaned on restart", without asking the driver whether its sandbox
// is still live; pending jobs are put back on the admission queue.
func (e *Engine) recoverOrphans(ctx context.Context) {
	statuses := []model.Status{
		model.StatusPending, model.StatusBuilding, model.StatusChecking,
		model.StatusAwaitingApproval, model.StatusApproved,
	}

	for _, st := range statuses {
		jobs, err := e.store.ListJobs(ctx, store.JobFilter{Status: st, Limit: 1000})
		if err != nil {
			telemetry.Log(ctx, slog.LevelError, "failed to list jobs during startup recovery", "status", st, "error", err)
			continue
		}
		for _, job := range jobs {
			if job.Status == model.StatusPending {
				e.jobs[job.ID] = job
				e.pending = append(e.pending, job.ID)
				continue
			}

			job.Status = model.StatusFailed
			job.ErrorMessage = "orphaned on restart"
			now := time.Now()
			job.CompletedAt = &now
			if err := e.store.UpdateJob(ctx, job); err != nil {
				telemetry.Log(ctx, slog.LevelError, "failed to persist orphan recovery", "job_id", job.ID, "error", err)
				continue
			}
			e.jobs[job.ID] = job
			telemetry.Log(ctx, slog.LevelWarn, "recovered orphaned job as failed", "job_id", job.ID, "previous_status", st)
		}
	}
}

// shutdown refuses new admissions (the actor loop is about to exit)
// and, for every non-terminal job, kills and removes its live sandbox,
// publishes the job's current status as a last event and closes its
// broadcaster. That last event is not a terminal status: jobs are not
// moved to a terminal status here and stay in their persisted status.
func (e *Engine) shutdown(ctx context.Context) {
	telemetry.Log(ctx, slog.LevelInfo, "engine shutting down, killing live sandboxes")
	for _, job := range e.jobs {
		if job.Status.Terminal() {
			continue
		}
		if job.BuilderSandboxID != "" {
			e.driver.Kill(ctx, job.BuilderSandboxID)
			e.driver.Remove(ctx, job.BuilderSandboxID)
		}
		if job.CheckerSandboxID != "" {
			e.driver.Kill(ctx, job.CheckerSandboxID)
			e.driver.Remove(ctx, job.CheckerSandboxID)
		}
		e.publish(job.ID, Event{Type: EventStatusUpdate, Status: job.Status})
		e.closeBroadcaster(job.ID)
	}
}

// --- public read/write API used by internal/api ---

// Submit enqueues a new job and returns its initial (pending) record.
func (e *Engine) Submit(ctx context.Context, req SpawnRequest) (*model.Job, error) {
	reply := make(chan submitResult, 1)
	select {
	case e.cmds <- submitCmd{req: req, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.job, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Approve records a human review decision for a job in
// awaiting_approval.
func (e *Engine) Approve(ctx context.Context, jobID string, approved bool, comment string) error {
	reply := make(chan error, 1)
	select {
	case e.cmds <- approveCmd{jobID: jobID, approved: approved, comment: comment, reply: reply}:
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

// HandleCallback ingests one worker callback payload, dispatching on
// its tagged-variant shape per spec.md §4.4/§9.
func (e *Engine) HandleCallback(ctx context.Context, jobID string, payload map[string]any) error {
	reply := make(chan error, 1)
	select {
	case e.cmds <- callbackCmd{jobID: jobID, payload: payload, reply: reply}:
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

// WakeAdmission nudges the scheduler to run an admission sweep
// immediately instead of waiting for the next poll tick, driven by the
// Store's LISTEN/NOTIFY wake channel when one is configured.
func (e *Engine) WakeAdmission() {
	select {
	case e.cmds <- admissionWakeCmd{}:
	default:
		// mailbox full: a sweep is already pending, this wake is moot.
	}
}

// GetJob returns a job by id. Reads go directly to the Store: every
// mutation is persisted by the actor before it is acknowledged or
// broadcast, so a read observes a state at least as fresh as the last
// acknowledged write, satisfying spec.md §5's serialization
// requirement without routing reads through the mailbox.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

// ListJobs lists jobs per f.
func (e *Engine) ListJobs(ctx context.Context, f store.JobFilter) ([]*model.Job, error) {
	return e.store.ListJobs(ctx, f)
}

// Stats returns aggregate job counts and throughput.
func (e *Engine) Stats(ctx context.Context) (store.Stats, error) {
	return e.store.Stats(ctx)
}

// LatestTelemetry returns the most recent telemetry sample for a job.
func (e *Engine) LatestTelemetry(ctx context.Context, jobID string) (*model.TelemetrySample, error) {
	return e.store.LatestTelemetry(ctx, jobID)
}

// AuditRecord returns the persisted audit record for a job, if any.
func (e *Engine) AuditRecord(ctx context.Context, jobID string) (*model.AuditRecord, error) {
	return e.store.GetAuditRecord(ctx, jobID)
}

// SentinelLevel reports the current Sentinel admission level, or
// GREEN if no Sentinel is configured.
func (e *Engine) SentinelLevel() sentinel.Level {
	if e.sentinel == nil {
		return sentinel.LevelGreen
	}
	return e.sentinel.Level()
}

// Subscribe attaches to a job's push channel, returning the receive
// channel and an unsubscribe function. It does not check that the job
// exists: for an unknown id it creates an empty broadcaster and returns
// an open channel.
func (e *Engine) Subscribe(jobID string) (<-chan Event, func()) {
	b := e.broadcasterFor(jobID)
	id, ch := b.subscribe()
	return ch, func() { b.unsubscribe(id) }
}

func (e *Engine) broadcasterFor(jobID string) *broadcaster {
	e.bcMu.Lock()
	defer e.bcMu.Unlock()
	b, ok := e.broadcasters[jobID]
	if !ok {
		b = newBroadcaster()
		e.broadcasters[jobID] = b
	}
	return b
}

func (e *Engine) publish(jobID string, ev Event) {
	e.broadcasterFor(jobID).publish(ev)
}

func (e *Engine) closeBroadcaster(jobID string) {
	e.bcMu.Lock()
	b, ok := e.broadcasters[jobID]
	delete(e.broadcasters, jobID)
	e.bcMu.Unlock()
	if ok {
		b.close()
	}
}

func cloneJob(j *model.Job) *model.Job {
	cp := *j
	return &cp
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
