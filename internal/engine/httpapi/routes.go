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

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/runengine/internal/engine/runstore"
	"github.com/tombee/runengine/internal/engine/store"
	engineerrors "github.com/tombee/runengine/pkg/errors"
)

const buildVersion = "0.1.0"

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/models", s.handleListModels)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)

	mux.HandleFunc("POST /api/runs", s.handleCreateRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.handleDeleteRun)

	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/logs/{runId}", s.handleLogsSince)

	mux.HandleFunc("GET /api/sessions/orphaned", s.handleListOrphaned)
	mux.HandleFunc("DELETE /api/sessions/orphaned/{runId}", s.handleDeleteOrphaned)

	mux.HandleFunc("GET /api/sessions/parallel", s.handleGetParallelSessions)
	mux.HandleFunc("PUT /api/sessions/parallel", s.handlePutParallelSessions)

	mux.HandleFunc("GET /api/sessions/shell-tabs", s.handleGetShellTabs)
	mux.HandleFunc("PUT /api/sessions/shell-tabs", s.handlePutShellTabs)

	mux.HandleFunc("GET /api/settings", s.handleListSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSetting)
	mux.HandleFunc("DELETE /api/settings", s.handleDeleteSetting)

	mux.HandleFunc("GET /api/terminal", s.handleTerminal)
}

func (s *Server) withRequestLimits(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.withCORS(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.ContentLength > s.cfg.MaxRequestSizeBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
				fmt.Sprintf("request body of %d bytes exceeds the %d byte limit", r.ContentLength, s.cfg.MaxRequestSizeBytes))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestSizeBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if s.checkOrigin(r) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// writeErr maps a typed engine error (pkg/errors) to the appropriate HTTP
// status, falling back to 500 for anything unrecognized.
func writeErr(w http.ResponseWriter, err error) {
	var notFound *engineerrors.NotFoundError
	var conflict *engineerrors.ConflictError
	var invalidState *engineerrors.InvalidRunStateError
	var validation *engineerrors.ValidationError
	var pathSec *engineerrors.PathSecurityError
	var policy *engineerrors.PolicyError
	var resourceExceeded *engineerrors.ResourceExceededError
	var svcUnavailable *engineerrors.ServiceUnavailableError

	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, "VERSION_CONFLICT", err.Error())
	case errors.As(err, &invalidState):
		writeError(w, http.StatusBadRequest, "INVALID_RUN_STATE", err.Error())
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.As(err, &pathSec):
		writeError(w, http.StatusForbidden, "PATH_REJECTED", err.Error())
	case errors.As(err, &policy):
		writeError(w, http.StatusForbidden, "POLICY_REJECTED", err.Error())
	case errors.As(err, &resourceExceeded):
		writeError(w, http.StatusRequestEntityTooLarge, "RESOURCE_EXCEEDED", err.Error())
	case errors.As(err, &svcUnavailable):
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   buildVersion,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": "runengine-1", "object": "model", "owned_by": "runengine"},
		},
	})
}

// chatCompletionRequest is the minimal OpenAI-compatible subset accepted;
// this endpoint is non-core and exists only to bridge external chat UIs
// into a Run by treating the last user message as the run goal.
type chatCompletionRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	goal := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			goal = req.Messages[i].Content
			break
		}
	}
	if goal == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "no user message found")
		return
	}

	runID, err := s.launcher.Launch(r.Context(), runstore.CreateParams{UserGoal: goal, Mode: "implementation"})
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      runID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]any{
			{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]string{
					"role":    "assistant",
					"content": fmt.Sprintf("Started run %s. Subscribe to /api/events?run_id=%s for progress.", runID, runID),
				},
			},
		},
	})
}

type createRunRequest struct {
	Goal           string `json:"goal"`
	RepoPath       string `json:"repo_path"`
	ProjectID      string `json:"project_id"`
	Mode           string `json:"mode"`
	CorrelationID  string `json:"correlation_id"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	if req.Goal == "" || req.RepoPath == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "goal and repo_path are required")
		return
	}
	if req.Mode == "" {
		req.Mode = "implementation"
	}

	runID, err := s.launcher.Launch(r.Context(), runstore.CreateParams{
		ProjectID:     req.ProjectID,
		UserGoal:      req.Goal,
		RepoPath:      req.RepoPath,
		Mode:          req.Mode,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	snap, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snapshotToResponse(snap))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	snaps, err := s.runs.List(r.Context(), projectID)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snapshotToResponse(snap))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.runs.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotToResponse(snap))
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.runs.Delete(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func snapshotToResponse(snap runstore.Snapshot) map[string]any {
	return map[string]any{
		"id":             snap.ID,
		"project_id":     snap.ProjectID,
		"user_goal":      snap.UserGoal,
		"repo_path":      snap.RepoPath,
		"mode":           snap.Mode,
		"status":         string(snap.Status),
		"final_report":   snap.FinalReport,
		"error":          snap.Error,
		"progress":       snap.Progress,
		"correlation_id": snap.CorrelationID,
		"created_at":     snap.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":     snap.UpdatedAt.UTC().Format(time.RFC3339),
		"cost": map[string]any{
			"prompt_tokens":     snap.Cost.PromptTokens,
			"completion_tokens": snap.Cost.CompletionTokens,
			"usd_estimate":      snap.Cost.USDEstimate,
		},
	}
}

func (s *Server) handleLogsSince(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	since := int64(0)
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "since must be an integer")
			return
		}
		since = n
	}
	logs, err := s.db.LogsSince(r.Context(), runID, since, 1000)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(logs))
	for _, l := range logs {
		out = append(out, map[string]any{
			"id": l.ID, "run_id": l.RunID, "timestamp": l.Timestamp.UTC().Format(time.RFC3339),
			"level": l.Level, "source": l.Source, "message": l.Message, "metadata": l.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": out})
}

func (s *Server) handleListOrphaned(w http.ResponseWriter, r *http.Request) {
	ids, err := s.db.OrphanedRunIDs(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_ids": ids})
}

func (s *Server) handleDeleteOrphaned(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if err := s.db.DeleteOrphanedLogs(r.Context(), runID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetParallelSessions(w http.ResponseWriter, r *http.Request) {
	p, err := s.db.GetParallelSessions(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": json.RawMessage(p.SessionsJSON), "version": p.Version})
}

type putParallelSessionsRequest struct {
	Sessions json.RawMessage `json:"sessions"`
	Version  int64           `json:"version"`
}

func (s *Server) handlePutParallelSessions(w http.ResponseWriter, r *http.Request) {
	var req putParallelSessionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	newVersion, err := s.db.PutParallelSessions(r.Context(), string(req.Sessions), req.Version)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": newVersion})
}

func (s *Server) handleGetShellTabs(w http.ResponseWriter, r *http.Request) {
	tabs, err := s.db.GetShellTabs(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tabs": json.RawMessage(tabs)})
}

func (s *Server) handlePutShellTabs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tabs json.RawMessage `json:"tabs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	if err := s.db.PutShellTabs(r.Context(), string(req.Tabs)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func maskSetting(key, value string) string {
	if !store.IsSensitiveSetting(key) {
		return value
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	return strings.Repeat("*", len(value)-4) + value[len(value)-4:]
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.db.ListSettings(r.Context(), s.enc)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make(map[string]string, len(settings))
	for k, v := range settings {
		out[k] = maskSetting(k, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": out})
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "key is required")
		return
	}
	if req.Key == "max_context_tokens" {
		n, err := strconv.Atoi(req.Value)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "max_context_tokens must be an integer")
			return
		}
		if n < 10000 {
			n = 10000
		} else if n > 500000 {
			n = 500000
		}
		req.Value = strconv.Itoa(n)
	}
	if err := s.db.PutSetting(r.Context(), s.enc, req.Key, req.Value); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSetting(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "key query parameter is required")
		return
	}
	if err := s.db.DeleteSetting(r.Context(), key); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
