// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api serves the monitoring HTTP surface: execution listings and
// detail, manual retry, submission, stats, health and metrics. It is a
// thin adapter over the client and the two stores.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/worchflow/worchflow/internal/client"
	"github.com/worchflow/worchflow/internal/docstore"
	"github.com/worchflow/worchflow/internal/execution"
	"github.com/worchflow/worchflow/internal/kv"
	"github.com/worchflow/worchflow/internal/log"
	"github.com/worchflow/worchflow/pkg/worchflow"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handler serves the monitoring API.
type Handler struct {
	doc    *docstore.Store
	kv     *kv.Store
	client *client.Client
	keys   kv.Keys
	logger *slog.Logger
}

// New creates the API handler.
func New(doc *docstore.Store, kvStore *kv.Store, c *client.Client, queuePrefix string, logger *slog.Logger) *Handler {
	return &Handler{
		doc:    doc,
		kv:     kvStore,
		client: c,
		keys:   kv.NewKeys(queuePrefix),
		logger: log.WithComponent(logger, "api"),
	}
}

// Router returns the configured mux.
func (h *Handler) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /executions", h.handleList)
	mux.HandleFunc("GET /executions/{id}", h.handleGet)
	mux.HandleFunc("POST /executions/{id}/retry", h.handleRetry)
	mux.HandleFunc("GET /stats", h.handleStats)
	mux.HandleFunc("POST /send", h.handleSend)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// handleList handles GET /executions?status=&limit=&skip=.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := docstore.ExecutionFilter{Limit: defaultListLimit}

	if status := r.URL.Query().Get("status"); status != "" {
		s := execution.Status(status)
		if !s.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status: "+status)
			return
		}
		filter.Status = s
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+raw)
			return
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		filter.Limit = n
	}
	if raw := r.URL.Query().Get("skip"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid skip: "+raw)
			return
		}
		filter.Skip = n
	}

	executions, err := h.doc.ListExecutions(r.Context(), filter)
	if err != nil {
		h.logger.Error("list executions", log.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if executions == nil {
		executions = []*execution.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": executions})
}

// handleGet handles GET /executions/{id}. The response carries the durable
// record, its steps in completion order, and the raw Redis hash for
// debugging dual-store drift.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	exec, err := h.doc.GetExecution(r.Context(), id)
	if errors.Is(err, worchflow.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found: "+id)
		return
	}
	if err != nil {
		h.logger.Error("get execution", log.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load execution")
		return
	}

	steps, err := h.doc.ListSteps(r.Context(), id)
	if err != nil {
		h.logger.Error("list steps", log.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load steps")
		return
	}
	if steps == nil {
		steps = []*execution.Step{}
	}

	kvExecution, err := h.kv.HashGetAll(r.Context(), h.keys.Execution(id))
	if err != nil {
		h.logger.Error("load kv execution", log.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load kv record")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"execution":   exec,
		"steps":       steps,
		"kvExecution": kvExecution,
	})
}

// handleRetry handles POST /executions/{id}/retry. It goes through
// ManualRetry so the attempt count resets and error fields clear; pushing
// the bare id back onto the queue would leak stale failure state.
func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := h.doc.GetExecution(r.Context(), id); errors.Is(err, worchflow.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found: "+id)
		return
	} else if err != nil {
		h.logger.Error("get execution", log.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load execution")
		return
	}

	if err := h.client.ManualRetry(r.Context(), id); err != nil {
		h.logger.Error("manual retry", log.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retry execution")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"executionId": id,
	})
}

// handleStats handles GET /stats.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]int64, len(execution.Statuses)+1)
	var total int64
	for _, status := range execution.Statuses {
		n, err := h.doc.CountExecutions(r.Context(), status)
		if err != nil {
			h.logger.Error("count executions", log.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to compute stats")
			return
		}
		stats[string(status)] = n
		total += n
	}
	stats["total"] = total
	writeJSON(w, http.StatusOK, stats)
}

// sendRequest is the POST /send body.
type sendRequest struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// handleSend handles POST /send.
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	id, err := h.client.Submit(r.Context(), worchflow.Event{
		Name: req.Name,
		Data: req.Data,
	})
	if err != nil {
		h.logger.Error("submit", log.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit event")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":     true,
		"executionId": id,
	})
}

// handleHealth handles GET /healthz.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
