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

package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"icarus/internal/engine"
	"icarus/internal/store"
	"icarus/internal/telemetry"
)

// upgrader has no origin restriction: the push channel carries only
// job status/log events, and the sandbox network boundary (spec.md §9)
// is already the trust boundary for anything more sensitive.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream upgrades to a WebSocket and forwards a job's broadcast
// events until the job's broadcaster closes or the client disconnects.
// A subscriber that connects after the job already reached a terminal
// status receives that status once and then the connection closes,
// per spec.md §4.4.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	job, err := g.eng.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.Log(r.Context(), slog.LevelWarn, "websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()

	if job.Status.Terminal() {
		_ = writeEvent(conn, engine.Event{Type: engine.EventStatusUpdate, Status: job.Status})
		return
	}

	events, unsubscribe := g.eng.Subscribe(jobID)
	defer unsubscribe()

	// Drain and discard anything the client sends; its only purpose is
	// letting us detect the socket closing.
	go drainReads(conn)

	for ev := range events {
		if err := writeEvent(conn, ev); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev engine.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(ev)
}

func drainReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			conn.Close()
			return
		}
	}
}
