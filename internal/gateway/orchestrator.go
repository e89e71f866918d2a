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

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tombee/tollgate/internal/credential"
	"github.com/tombee/tollgate/internal/gateway/httputil"
	"github.com/tombee/tollgate/internal/pipeline"
	"github.com/tombee/tollgate/internal/tunnel"
)

// defaultWorkerDailyLimit applies when an agent is issued without an
// explicit cap.
const defaultWorkerDailyLimit = 1000

// orchestratorMux is the tier-1 administrative surface. The dispatcher only
// routes orchestrator callers here; workers hitting these paths are policy-
// evaluated like any other request.
func (s *Server) orchestratorMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /orchestrator/tunnels", s.handleTunnelList)
	mux.HandleFunc("POST /orchestrator/tunnels/create", s.handleTunnelCreate)
	mux.HandleFunc("POST /orchestrator/tunnels/update", s.handleTunnelUpdate)
	mux.HandleFunc("POST /orchestrator/tunnels/delete", s.handleTunnelDelete)

	mux.HandleFunc("GET /orchestrator/agents", s.handleAgentList)
	mux.HandleFunc("POST /orchestrator/agents/create", s.handleAgentCreate)
	mux.HandleFunc("POST /orchestrator/agents/delete", s.handleAgentDelete)

	mux.HandleFunc("POST /orchestrator/pipeline/start", s.handleRunStart)
	mux.HandleFunc("GET /orchestrator/pipeline/status", s.handleRunStatus)
	mux.HandleFunc("GET /orchestrator/pipeline/runs", s.handleRunList)
	mux.HandleFunc("POST /orchestrator/pipeline/reset", s.handleRunReset)

	mux.HandleFunc("GET /orchestrator/audit", s.handleAuditList)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, http.StatusNotFound, "Unknown orchestrator endpoint")
	})
	return mux
}

// decodeBody decodes a JSON request body, rejecting malformed payloads with
// a 400.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid JSON payload")
		return false
	}
	return true
}

func (s *Server) handleTunnelList(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"tunnels": s.tunnels.List(),
	})
}

func (s *Server) handleTunnelCreate(w http.ResponseWriter, r *http.Request) {
	var t tunnel.Tunnel
	if !decodeBody(w, r, &t) {
		return
	}
	if t.Name == "" {
		httputil.WriteError(w, http.StatusBadRequest, "Field 'name' is required")
		return
	}
	if err := s.tunnels.Create(&t); err != nil {
		if errors.Is(err, tunnel.ErrExists) {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, "tunnel create failed", err)
		return
	}
	s.logger.Info("tunnel created", slog.String("tunnel", t.Name))
	httputil.WriteJSON(w, http.StatusCreated, &t)
}

func (s *Server) handleTunnelUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		tunnel.Update
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteError(w, http.StatusBadRequest, "Field 'name' is required")
		return
	}
	updated, err := s.tunnels.Apply(req.Name, req.Update)
	if err != nil {
		if errors.Is(err, tunnel.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		s.internalError(w, "tunnel update failed", err)
		return
	}
	s.logger.Info("tunnel updated", slog.String("tunnel", req.Name))
	httputil.WriteJSON(w, http.StatusOK, updated)
}

func (s *Server) handleTunnelDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteError(w, http.StatusBadRequest, "Field 'name' is required")
		return
	}
	if err := s.tunnels.Delete(req.Name); err != nil {
		if errors.Is(err, tunnel.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		s.internalError(w, "tunnel delete failed", err)
		return
	}
	s.logger.Info("tunnel deleted", slog.String("tunnel", req.Name))
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"deleted": req.Name,
	})
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	workers := s.creds.ListWorkers()
	type agentView struct {
		Key string `json:"key"`
		*credential.Credential
	}
	agents := make([]agentView, 0, len(workers))
	for _, c := range workers {
		agents = append(agents, agentView{Key: c.Key, Credential: c})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
	})
}

func (s *Server) handleAgentCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		Tunnel     string `json:"tunnel"`
		DailyLimit int    `json:"dailyLimit"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.Tunnel == "" {
		httputil.WriteError(w, http.StatusBadRequest, "Fields 'name' and 'tunnel' are required")
		return
	}
	if _, ok := s.tunnels.Get(req.Tunnel); !ok {
		httputil.WriteError(w, http.StatusNotFound, fmt.Sprintf("Tunnel '%s' not found", req.Tunnel))
		return
	}
	if req.DailyLimit <= 0 {
		req.DailyLimit = defaultWorkerDailyLimit
	}

	caller, _ := CallerFromContext(r.Context())
	createdBy := ""
	if caller != nil {
		createdBy = caller.Name
	}

	c, err := s.creds.Create(req.Name, credential.TierWorker, req.Tunnel, req.DailyLimit, createdBy)
	if err != nil {
		s.internalError(w, "agent create failed", err)
		return
	}
	s.logger.Info("agent key issued",
		slog.String("agent", c.Name),
		slog.String("tunnel", c.Tunnel),
		slog.String("key", credential.Redact(c.Key)))

	// The full key is returned here and never again.
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"key":        c.Key,
		"name":       c.Name,
		"tier":       c.Tier,
		"tunnel":     c.Tunnel,
		"dailyLimit": c.DailyLimit,
		"createdAt":  c.CreatedAt,
	})
}

func (s *Server) handleAgentDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Key == "" {
		httputil.WriteError(w, http.StatusBadRequest, "Field 'key' is required")
		return
	}
	if err := s.creds.Delete(req.Key); err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "Agent key not found")
			return
		}
		s.internalError(w, "agent delete failed", err)
		return
	}
	s.logger.Info("agent key revoked", slog.String("key", credential.Redact(req.Key)))
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
	})
}

func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pipeline string `json:"pipeline"`
		Agent    string `json:"agent"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Pipeline == "" {
		httputil.WriteError(w, http.StatusBadRequest, "Field 'pipeline' is required")
		return
	}

	run, firstCommand, err := s.runs.Start(req.Pipeline, req.Agent)
	if err != nil {
		switch {
		case errors.Is(err, tunnel.ErrNotFound):
			httputil.WriteError(w, http.StatusNotFound, fmt.Sprintf("Tunnel '%s' not found", req.Pipeline))
		case errors.Is(err, pipeline.ErrNoPipeline):
			httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("Tunnel '%s' has no pipeline", req.Pipeline))
		default:
			s.internalError(w, "run start failed", err)
		}
		return
	}

	s.logger.Info("pipeline run started",
		slog.String("run_id", run.ID),
		slog.String("pipeline", run.Pipeline),
		slog.String("agent", run.Agent))
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"run_id":       run.ID,
		"pipeline":     run.Pipeline,
		"agent":        run.Agent,
		"status":       run.Status,
		"started_at":   run.StartedAt,
		"next_command": firstCommand,
	})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "Query parameter 'run_id' is required")
		return
	}
	run, ok := s.runs.Get(runID)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, fmt.Sprintf("Pipeline run '%s' not found", runID))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	runs := s.runs.List()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"total": len(runs),
	})
}

func (s *Server) handleRunReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID string `json:"run_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RunID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "Field 'run_id' is required")
		return
	}

	run, err := s.runs.Abort(req.RunID)
	if err != nil {
		var terminal *pipeline.TerminalError
		switch {
		case errors.Is(err, pipeline.ErrRunNotFound):
			httputil.WriteError(w, http.StatusNotFound, fmt.Sprintf("Pipeline run '%s' not found", req.RunID))
		case errors.As(err, &terminal):
			httputil.WriteError(w, http.StatusBadRequest,
				fmt.Sprintf("Pipeline run '%s' already %s", req.RunID, terminal.Status))
		default:
			s.internalError(w, "run reset failed", err)
		}
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	events, err := s.audits.Recent(r.Context(), limit)
	if err != nil {
		s.internalError(w, "audit query failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"events": events,
	})
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "error", err)
	httputil.WriteError(w, http.StatusInternalServerError, "Internal error")
}
