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

// Package memory is an in-memory store.Store used by the Engine tests
// so they don't need a live Postgres instance, the same
// role storage_test.go's fake played for the teacher's queue tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"icarus/internal/model"
	"icarus/internal/store"
)

// Store is a goroutine-safe, in-memory store.Store.
type Store struct {
	mu         sync.Mutex
	jobs       map[string]*model.Job
	telemetry  map[string][]*model.TelemetrySample
	audits     map[string]*model.AuditRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs:      make(map[string]*model.Job),
		telemetry: make(map[string][]*model.TelemetrySample),
		audits:    make(map[string]*model.AuditRecord),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateJob(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *Store) ListJobs(_ context.Context, f store.JobFilter) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Job
	for _, job := range s.jobs {
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	limit := f.Limit
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateJob(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) AppendTelemetry(_ context.Context, sample *model.TelemetrySample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sample
	s.telemetry[sample.JobID] = append(s.telemetry[sample.JobID], &cp)
	return nil
}

func (s *Store) LatestTelemetry(_ context.Context, jobID string) (*model.TelemetrySample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	samples := s.telemetry[jobID]
	if len(samples) == 0 {
		return nil, store.ErrNotFound
	}
	cp := *samples[len(samples)-1]
	return &cp, nil
}

func (s *Store) PutAuditRecord(_ context.Context, rec *model.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.audits[rec.JobID]; ok {
		return nil
	}
	cp := *rec
	s.audits[rec.JobID] = &cp
	return nil
}

func (s *Store) GetAuditRecord(_ context.Context, jobID string) (*model.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.audits[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) Stats(_ context.Context) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st store.Stats
	var totalExecSeconds float64
	var completedWithDuration int

	for _, job := range s.jobs {
		st.Total++
		switch job.Status {
		case model.StatusPending:
			st.Pending++
		case model.StatusBuilding, model.StatusChecking, model.StatusAwaitingApproval, model.StatusApproved:
			st.Active++
		case model.StatusCompleted:
			st.Completed++
			if job.CompletedAt != nil {
				totalExecSeconds += job.CompletedAt.Sub(job.CreatedAt).Seconds()
				completedWithDuration++
			}
		case model.StatusFailed, model.StatusRejected:
			st.Failed++
		}
	}
	if completedWithDuration > 0 {
		st.AvgExecutionSeconds = totalExecSeconds / float64(completedWithDuration)
	}
	return st, nil
}
