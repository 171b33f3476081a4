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

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"icarus/internal/model"
	"icarus/internal/store"
)

func TestCreateGetRoundTrip(t *testing.T) {
	s := New()
	job := &model.Job{ID: "j1", Task: "t", Status: model.StatusPending, CreatedAt: time.Now()}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetJob(context.Background(), "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Task != "t" {
		t.Fatalf("unexpected task: %s", got.Task)
	}

	// mutating the returned copy must not affect the store's copy.
	got.Task = "mutated"
	again, err := s.GetJob(context.Background(), "j1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Task != "t" {
		t.Fatalf("store row was mutated through a returned pointer: %s", again.Task)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := New()
	_, err := s.GetJob(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateJobNotFound(t *testing.T) {
	s := New()
	err := s.UpdateJob(context.Background(), &model.Job{ID: "nope"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListJobsFiltersByStatusAndLimits(t *testing.T) {
	s := New()
	base := time.Now()
	for i, status := range []model.Status{model.StatusPending, model.StatusPending, model.StatusBuilding} {
		job := &model.Job{
			ID:        string(rune('a' + i)),
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateJob(context.Background(), job); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	pending, err := s.ListJobs(context.Background(), store.JobFilter{Status: model.StatusPending})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending jobs, got %d", len(pending))
	}

	limited, err := s.ListJobs(context.Background(), store.JobFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to cap results at 1, got %d", len(limited))
	}
}

func TestAuditRecordWriteOnce(t *testing.T) {
	s := New()
	first := &model.AuditRecord{JobID: "j1", Payload: map[string]any{"v": 1.0}, CreatedAt: time.Now()}
	if err := s.PutAuditRecord(context.Background(), first); err != nil {
		t.Fatalf("put first: %v", err)
	}

	second := &model.AuditRecord{JobID: "j1", Payload: map[string]any{"v": 2.0}, CreatedAt: time.Now()}
	if err := s.PutAuditRecord(context.Background(), second); err != nil {
		t.Fatalf("put second: %v", err)
	}

	got, err := s.GetAuditRecord(context.Background(), "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Payload["v"] != 1.0 {
		t.Fatalf("expected first audit record to win, got %v", got.Payload["v"])
	}
}

func TestStatsCountsByStatus(t *testing.T) {
	s := New()
	now := time.Now()
	completedAt := now.Add(5 * time.Second)
	jobs := []*model.Job{
		{ID: "p1", Status: model.StatusPending, CreatedAt: now},
		{ID: "b1", Status: model.StatusBuilding, CreatedAt: now},
		{ID: "c1", Status: model.StatusCompleted, CreatedAt: now, CompletedAt: &completedAt},
		{ID: "f1", Status: model.StatusFailed, CreatedAt: now},
	}
	for _, j := range jobs {
		if err := s.CreateJob(context.Background(), j); err != nil {
			t.Fatalf("create %s: %v", j.ID, err)
		}
	}

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Pending != 1 || stats.Active != 1 || stats.Completed != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.AvgExecutionSeconds != 5 {
		t.Fatalf("expected avg execution of 5s, got %f", stats.AvgExecutionSeconds)
	}
}
