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
	"errors"
	"testing"
	"time"

	"icarus/internal/model"
	"icarus/internal/store/memory"
)

// drainEvents collects events from ch until n have arrived or deadline
// passes, whichever comes first.
func drainEvents(t *testing.T, ch <-chan Event, n int, deadline time.Duration) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(deadline)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			return out
		}
	}
	return out
}

func statusesOf(evs []Event) []model.Status {
	out := make([]model.Status, len(evs))
	for i, ev := range evs {
		out[i] = ev.Status
	}
	return out
}

// TestEndToEndScenarios runs the six control-plane scenarios end to
// end against a real Engine, a fake sandbox.Driver, and an in-memory
// Store, each scenario as its own table row.
func TestEndToEndScenarios(t *testing.T) {
	scenarios := []struct {
		name string
		run  func(t *testing.T)
	}{
		{"two jobs complete and are approved with matching audit payloads", scenarioTwoJobsApprove},
		{"admission is FCFS and only frees a slot once the holder is terminal", scenarioFCFSAdmission},
		{"phase timeout fails the job and kills rather than pauses its sandbox", scenarioPhaseTimeoutFails},
		{"builder error callback fails the job and cleans up", scenarioBuilderErrorFails},
		{"approve on a non-awaiting job is rejected with conflict", scenarioApproveWrongState},
		{"a late subscriber still observes the terminal transition", scenarioLateSubscriber},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, sc.run)
	}
}

func scenarioTwoJobsApprove(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	j1, err := eng.Submit(ctx, SpawnRequest{Task: "t1"})
	if err != nil {
		t.Fatalf("submit t1: %v", err)
	}
	j2, err := eng.Submit(ctx, SpawnRequest{Task: "t2"})
	if err != nil {
		t.Fatalf("submit t2: %v", err)
	}

	for _, job := range []*model.Job{j1, j2} {
		waitForStatus(t, eng, job.ID, model.StatusBuilding)
		if err := eng.HandleCallback(ctx, job.ID, map[string]any{"status": "completed"}); err != nil {
			t.Fatalf("builder callback %s: %v", job.ID, err)
		}
		waitForStatus(t, eng, job.ID, model.StatusChecking)
		payload := map[string]any{"status": "completed", "audit_report": map[string]any{"summary": "ok"}}
		if err := eng.HandleCallback(ctx, job.ID, payload); err != nil {
			t.Fatalf("checker callback %s: %v", job.ID, err)
		}
		waitForStatus(t, eng, job.ID, model.StatusAwaitingApproval)

		if err := eng.Approve(ctx, job.ID, true, "lgtm"); err != nil {
			t.Fatalf("approve %s: %v", job.ID, err)
		}
		waitForStatus(t, eng, job.ID, model.StatusCompleted)

		rec, err := eng.AuditRecord(ctx, job.ID)
		if err != nil {
			t.Fatalf("audit record %s: %v", job.ID, err)
		}
		if rec.Payload["summary"] != "ok" {
			t.Fatalf("unexpected audit payload for %s: %#v", job.ID, rec.Payload)
		}
	}
}

func scenarioFCFSAdmission(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.MaxConcurrentJobs = 1
	st := memory.New()
	driver := newFakeDriver()
	eng := New(cfg, st, driver, nil, nil, "http://callback.test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	t1, err := eng.Submit(ctx, SpawnRequest{Task: "t1"})
	if err != nil {
		t.Fatalf("submit t1: %v", err)
	}
	waitForStatus(t, eng, t1.ID, model.StatusBuilding)

	t2, err := eng.Submit(ctx, SpawnRequest{Task: "t2"})
	if err != nil {
		t.Fatalf("submit t2: %v", err)
	}
	t3, err := eng.Submit(ctx, SpawnRequest{Task: "t3"})
	if err != nil {
		t.Fatalf("submit t3: %v", err)
	}

	// t2 and t3 stay pending while t1 occupies the only slot, even once
	// t1 reaches checking: the slot frees only on t1's terminal status.
	time.Sleep(50 * time.Millisecond)
	for _, job := range []*model.Job{t2, t3} {
		got, err := eng.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("get %s: %v", job.ID, err)
		}
		if got.Status != model.StatusPending {
			t.Fatalf("expected %s still pending, got %s", job.ID, got.Status)
		}
	}

	if err := eng.HandleCallback(ctx, t1.ID, map[string]any{"status": "completed"}); err != nil {
		t.Fatalf("t1 builder callback: %v", err)
	}
	waitForStatus(t, eng, t1.ID, model.StatusChecking)

	// still building the check phase: slot still held.
	time.Sleep(50 * time.Millisecond)
	got2, _ := eng.GetJob(ctx, t2.ID)
	if got2.Status != model.StatusPending {
		t.Fatalf("expected t2 still pending during t1 checking, got %s", got2.Status)
	}

	if err := eng.HandleCallback(ctx, t1.ID, map[string]any{"status": "completed"}); err != nil {
		t.Fatalf("t1 checker callback: %v", err)
	}
	waitForStatus(t, eng, t1.ID, model.StatusAwaitingApproval)
	if err := eng.Approve(ctx, t1.ID, true, ""); err != nil {
		t.Fatalf("approve t1: %v", err)
	}
	waitForStatus(t, eng, t1.ID, model.StatusCompleted)

	building := waitForStatus(t, eng, t2.ID, model.StatusBuilding)
	if building.ID != t2.ID {
		t.Fatalf("expected t2 admitted next, got %s", building.ID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got3, _ := eng.GetJob(ctx, t3.ID)
		if got3.Status == model.StatusPending {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected t3 to remain pending until t2 is terminal")
}

func scenarioPhaseTimeoutFails(t *testing.T) {
	cfg := testConfig()
	builder := cfg.Agents["builder"]
	builder.TimeoutSeconds = 0
	cfg.Agents["builder"] = builder
	// A zero-second deadline still resolves on the very next tick of
	// time.After, which is what we want here: no builder callback ever
	// arrives, so the phase must fail on its own deadline.
	st := memory.New()
	driver := newFakeDriver()
	eng := New(cfg, st, driver, nil, nil, "http://callback.test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	job, err := eng.Submit(ctx, SpawnRequest{Task: "t"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	failed := waitForStatus(t, eng, job.ID, model.StatusFailed)
	if failed.ErrorMessage != "phase timeout" {
		t.Fatalf("expected error_message %q, got %q", "phase timeout", failed.ErrorMessage)
	}

	// The engine clears BuilderSandboxID when it kills the sandbox, so
	// look the handle up by the fake driver's id for its first Create.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		driver.mu.Lock()
		_, wasKilled := driver.killed["sandbox-1"]
		driver.mu.Unlock()
		if wasKilled {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the timed-out sandbox to have been killed, not left running for a pause")
}

func scenarioBuilderErrorFails(t *testing.T) {
	eng, driver, _ := newTestEngine(t)
	ctx := context.Background()

	job, err := eng.Submit(ctx, SpawnRequest{Task: "t"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	building := waitForStatus(t, eng, job.ID, model.StatusBuilding)

	if err := eng.HandleCallback(ctx, job.ID, map[string]any{"status": "error", "error": "llm 429"}); err != nil {
		t.Fatalf("error callback: %v", err)
	}

	failed := waitForStatus(t, eng, job.ID, model.StatusFailed)
	if failed.ErrorMessage != "llm 429" {
		t.Fatalf("expected error_message %q, got %q", "llm 429", failed.ErrorMessage)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		driver.mu.Lock()
		_, removed := driver.removed[building.BuilderSandboxID]
		driver.mu.Unlock()
		if removed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the builder sandbox to have been removed")
}

func scenarioApproveWrongState(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	job, err := eng.Submit(ctx, SpawnRequest{Task: "t"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStatus(t, eng, job.ID, model.StatusBuilding)

	err = eng.Approve(ctx, job.ID, true, "")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for approve while building, got %v", err)
	}

	got, err := eng.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != model.StatusBuilding {
		t.Fatalf("expected status unchanged at building, got %s", got.Status)
	}
}

func scenarioLateSubscriber(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	job, err := eng.Submit(ctx, SpawnRequest{Task: "t"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	chA, unsubA := eng.Subscribe(job.ID)
	defer unsubA()

	waitForStatus(t, eng, job.ID, model.StatusBuilding)
	if err := eng.HandleCallback(ctx, job.ID, map[string]any{"status": "completed"}); err != nil {
		t.Fatalf("builder callback: %v", err)
	}
	waitForStatus(t, eng, job.ID, model.StatusChecking)

	chB, unsubB := eng.Subscribe(job.ID)
	defer unsubB()

	if err := eng.HandleCallback(ctx, job.ID, map[string]any{"status": "completed"}); err != nil {
		t.Fatalf("checker callback: %v", err)
	}
	waitForStatus(t, eng, job.ID, model.StatusAwaitingApproval)

	if err := eng.Approve(ctx, job.ID, true, "lgtm"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	waitForStatus(t, eng, job.ID, model.StatusCompleted)

	evsA := statusesOf(drainEvents(t, chA, 5, 3*time.Second))
	wantA := []model.Status{
		model.StatusBuilding, model.StatusChecking, model.StatusAwaitingApproval,
		model.StatusApproved, model.StatusCompleted,
	}
	if len(evsA) != len(wantA) {
		t.Fatalf("subscriber A: expected %v, got %v", wantA, evsA)
	}
	for i := range wantA {
		if evsA[i] != wantA[i] {
			t.Fatalf("subscriber A: expected %v, got %v", wantA, evsA)
		}
	}

	evsB := statusesOf(drainEvents(t, chB, 3, 3*time.Second))
	if len(evsB) == 0 {
		t.Fatal("subscriber B: expected at least one event")
	}
	if evsB[len(evsB)-1] != model.StatusCompleted {
		t.Fatalf("subscriber B: expected stream to end in completed, got %v", evsB)
	}
}
