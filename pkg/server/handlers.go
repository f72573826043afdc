// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/assistantmd/assistantmd/pkg/chat"
	"github.com/assistantmd/assistantmd/pkg/config"
	"github.com/assistantmd/assistantmd/pkg/llm/factory"
	"github.com/assistantmd/assistantmd/pkg/scheduler"
	"github.com/assistantmd/assistantmd/pkg/types"
	"github.com/assistantmd/assistantmd/pkg/workflow"
)

type workflowStatus struct {
	ID          string `json:"id"`
	Vault       string `json:"vault"`
	Path        string `json:"path"`
	Engine      string `json:"engine"`
	Schedule    string `json:"schedule,omitempty"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
	RunID       string `json:"run_id,omitempty"`
}

type syncStatus struct {
	Added     int                         `json:"added"`
	Updated   int                         `json:"updated"`
	Removed   int                         `json:"removed"`
	Unchanged int                         `json:"unchanged"`
	Invalid   []scheduler.InvalidWorkflow `json:"invalid,omitempty"`
}

type statusResponse struct {
	Vaults    []string              `json:"vaults"`
	Workflows []workflowStatus      `json:"workflows"`
	Errors    []workflow.LoadError  `json:"errors,omitempty"`
	Models    []factory.ModelStatus `json:"models"`
	Sync      *syncStatus           `json:"sync,omitempty"`
	ScannedAt time.Time             `json:"scanned_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.loader.Snapshot()
	running := s.scheduler.Running()

	resp := statusResponse{
		Vaults:    snap.Vaults,
		Errors:    snap.Errors,
		Models:    s.factory.Models(),
		ScannedAt: snap.ScannedAt,
	}
	for _, wf := range snap.Workflows {
		resp.Workflows = append(resp.Workflows, workflowStatus{
			ID:          wf.GlobalID,
			Vault:       wf.Vault,
			Path:        wf.RelPath,
			Engine:      string(wf.Engine),
			Schedule:    wf.Schedule,
			Enabled:     wf.Enabled,
			Description: wf.Description,
			RunID:       running[wf.GlobalID],
		})
	}

	s.mu.RLock()
	if s.lastSync != nil {
		resp.Sync = &syncStatus{
			Added:     s.lastSync.Added,
			Updated:   s.lastSync.Updated,
			Removed:   s.lastSync.Removed,
			Unchanged: s.lastSync.Unchanged,
			Invalid:   s.lastSync.Invalid,
		}
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	snap, err := s.loader.Rescan()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := s.scheduler.Synchronize(r.Context(), snap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.RecordSync(result)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"vaults":    len(snap.Vaults),
		"workflows": len(snap.Workflows),
		"errors":    len(snap.Errors),
		"sync": syncStatus{
			Added:     result.Added,
			Updated:   result.Updated,
			Removed:   result.Removed,
			Unchanged: result.Unchanged,
			Invalid:   result.Invalid,
		},
	})
}

type runRequest struct {
	WorkflowID string `json:"workflow_id"`
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "workflow_id is required")
		return
	}
	if _, ok := s.loader.Get(req.WorkflowID); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("workflow not found: %s", req.WorkflowID))
		return
	}

	runID, err := s.scheduler.TriggerNow(req.WorkflowID)
	if err != nil {
		// The only trigger failure is the single-run rule.
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": req.WorkflowID,
		"run_id":      runID,
	})
}

// chatRequest extends the executor request with the transport choice.
type chatRequest struct {
	chat.Request
	Stream bool `json:"stream"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !req.Stream {
		reply, err := s.chat.Execute(r.Context(), req.Request)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, reply)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported by connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	reply, err := s.chat.ExecuteStream(r.Context(), req.Request, func(token string) {
		writeSSE(w, "token", token)
		flusher.Flush()
	})
	if err != nil {
		writeSSE(w, "error", err.Error())
		flusher.Flush()
		return
	}

	done, _ := json.Marshal(struct {
		SessionID string      `json:"session_id"`
		Usage     types.Usage `json:"usage"`
	}{reply.SessionID, reply.Usage})
	writeSSE(w, "done", string(done))
	flusher.Flush()
}

func (s *Server) handleGetModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default": s.settings.Defaults.Model,
		"models":  s.factory.Models(),
	})
}

// handlePutModels merges aliases into the model registry. Edits are
// runtime-scoped; settings.yaml remains the durable source.
func (s *Server) handlePutModels(w http.ResponseWriter, r *http.Request) {
	var models map[string]config.ModelConfig
	if err := json.NewDecoder(r.Body).Decode(&models); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	for alias, m := range models {
		if m.Provider == "" || m.ModelID == "" {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("model %q: provider and model_id are required", alias))
			return
		}
		if _, ok := s.settings.Providers[m.Provider]; !ok {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("model %q references unknown provider %q", alias, m.Provider))
			return
		}
	}

	if s.settings.Models == nil {
		s.settings.Models = make(map[string]config.ModelConfig)
	}
	for alias, m := range models {
		s.settings.Models[alias] = m
		s.logger.Info("Model alias updated",
			zap.String("alias", alias),
			zap.String("provider", m.Provider),
			zap.String("model_id", m.ModelID))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"models": s.factory.Models()})
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	// Names only; values never leave the secrets file.
	writeJSON(w, http.StatusOK, map[string][]string{"names": s.secrets.Names()})
}

type secretRequest struct {
	Value string `json:"value"`
}

func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req secretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	if err := s.secrets.Set(name, req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("Secret stored", zap.String("name", name))
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.secrets.Delete(name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("Secret deleted", zap.String("name", name))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeSSE emits one server-sent event. Multi-line data is split across
// data: lines per the SSE framing rules.
func writeSSE(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}
