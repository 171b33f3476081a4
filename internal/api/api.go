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

// Package api implements the ICARUS HTTP Gateway: a stateless
// net/http.ServeMux wired to the Engine and Store, generalizing
// src/server.go's APIServer (status/global-status handlers wrapped in
// otelhttp) to the full job lifecycle surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"icarus/internal/engine"
	"icarus/internal/model"
	"icarus/internal/sentinel"
	"icarus/internal/store"
	"icarus/internal/telemetry"
)

// Engine is the subset of *engine.Engine the Gateway depends on, so
// handlers can be exercised against a fake in tests.
type Engine interface {
	Submit(ctx context.Context, req engine.SpawnRequest) (*model.Job, error)
	Approve(ctx context.Context, jobID string, approved bool, comment string) error
	HandleCallback(ctx context.Context, jobID string, payload map[string]any) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]*model.Job, error)
	Stats(ctx context.Context) (store.Stats, error)
	LatestTelemetry(ctx context.Context, jobID string) (*model.TelemetrySample, error)
	AuditRecord(ctx context.Context, jobID string) (*model.AuditRecord, error)
	SentinelLevel() sentinel.Level
	Subscribe(jobID string) (<-chan engine.Event, func())
}

// Gateway holds the Engine dependency; it is otherwise stateless, per
// spec.md §4.4.
type Gateway struct {
	eng Engine
}

// New builds a Gateway.
func New(eng Engine) *Gateway {
	return &Gateway{eng: eng}
}

// Handler returns the fully-routed, OTel-instrumented HTTP handler,
// the same wrapping style as server.go's otelhttp.NewHandler(mux,
// "worker-api-server").
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", g.handleHealthz)
	mux.HandleFunc("POST /jobs/spawn", g.handleSpawn)
	mux.HandleFunc("GET /jobs", g.handleList)
	mux.HandleFunc("GET /jobs/stats", g.handleStats)
	mux.HandleFunc("GET /jobs/{id}/status", g.handleStatus)
	mux.HandleFunc("GET /jobs/{id}/telemetry", g.handleTelemetry)
	mux.HandleFunc("GET /jobs/{id}/audit", g.handleAudit)
	mux.HandleFunc("POST /jobs/{id}/approve", g.handleApprove)
	mux.HandleFunc("POST /jobs/{id}/callback", g.handleCallback)
	mux.HandleFunc("GET /jobs/{id}/stream", g.handleStream)

	return otelhttp.NewHandler(mux, "orchestrator-api-server")
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":        "icarus-orchestrator",
		"status":         "operational",
		"sentinel_level": g.eng.SentinelLevel(),
	})
}

type spawnRequestBody struct {
	Task        string `json:"task"`
	ProjectPath string `json:"project_path"`
	Phase       string `json:"phase,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
}

func (g *Gateway) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var body spawnRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}

	job, err := g.eng.Submit(r.Context(), engine.SpawnRequest{
		Task:        body.Task,
		ProjectPath: body.ProjectPath,
		Phase:       body.Phase,
		ProjectID:   body.ProjectID,
	})
	if err != nil {
		telemetry.Log(r.Context(), slog.LevelError, "failed to submit job", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id":  job.ID,
		"status":  job.Status,
		"message": "job accepted",
	})
}

func (g *Gateway) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= 200 {
			limit = n
		}
	}
	filter := store.JobFilter{Limit: limit}
	if s := r.URL.Query().Get("status"); s != "" {
		filter.Status = model.Status(s)
	}

	jobs, err := g.eng.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.eng.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := g.eng.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":         job.ID,
		"status":         job.Status,
		"task":           job.Task,
		"created_at":     job.CreatedAt,
		"completed_at":   job.CompletedAt,
		"error_message":  emptyToNil(job.ErrorMessage),
		"review_comment": emptyToNil(job.ReviewComment),
	})
}

func (g *Gateway) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	job, err := g.eng.GetJob(r.Context(), jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	sample, err := g.eng.LatestTelemetry(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{
				"job_id":       job.ID,
				"status":       job.Status,
				"cpu_usage":    0,
				"ram_usage_mb": 0,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch telemetry")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":       job.ID,
		"status":       job.Status,
		"cpu_usage":    sample.CPUPercent,
		"ram_usage_mb": sample.RAMMB,
		"current_tool": emptyToNil(sample.CurrentTool),
	})
}

func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	rec, err := g.eng.AuditRecord(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":       rec.JobID,
		"audit_report": rec.Payload,
		"created_at":   rec.CreatedAt,
	})
}

type approveRequestBody struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

func (g *Gateway) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body approveRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	jobID := r.PathValue("id")
	if err := g.eng.Approve(r.Context(), jobID, body.Approved, body.Comment); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if errors.Is(err, engine.ErrConflict) {
			writeError(w, http.StatusConflict, "job is not awaiting approval")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to record approval")
		return
	}

	status := "rejected"
	if body.Approved {
		status = "approved"
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "decision recorded", "status": status})
}

func (g *Gateway) handleCallback(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	jobID := r.PathValue("id")
	if err := g.eng.HandleCallback(r.Context(), jobID, payload); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if errors.Is(err, engine.ErrInvalidCallback) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to process callback")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func emptyToNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// writeTimeout bounds how long a stream handler waits to flush a
// message to a slow client's TCP buffer before giving up on the
// connection entirely.
const writeTimeout = 10 * time.Second
