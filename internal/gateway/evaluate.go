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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tombee/tollgate/internal/audit"
	"github.com/tombee/tollgate/internal/gateway/httputil"
	"github.com/tombee/tollgate/internal/log"
	"github.com/tombee/tollgate/internal/pipeline"
	"github.com/tombee/tollgate/internal/policy"
	"github.com/tombee/tollgate/internal/tunnel"
)

// denialResponse is the 403 body for every policy denial.
type denialResponse struct {
	Error           string `json:"error"`
	Reason          string `json:"reason"`
	Tunnel          string `json:"tunnel"`
	Agent           string `json:"agent"`
	ExpectedCommand string `json:"expected_command,omitempty"`
}

// stepResponse is the success body for a confirmed pipeline step.
// NextCommand is null once the run completes, so a well-behaved caller
// needs no extra round-trip.
type stepResponse struct {
	Success       bool    `json:"success"`
	Message       string  `json:"message"`
	RunID         string  `json:"run_id"`
	StepCompleted int     `json:"step_completed"`
	Command       string  `json:"command"`
	NextCommand   *string `json:"next_command"`
	RunStatus     string  `json:"run_status"`
	Tunnel        string  `json:"tunnel"`
	Agent         string  `json:"agent"`
}

// handleEvaluate is the worker path: any authenticated request that is not
// orchestrator traffic is evaluated against the caller's tunnel.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "Missing x-api-key header")
		return
	}

	tunnelName := caller.Tunnel
	if tunnelName == "" {
		tunnelName = tunnel.DefaultTunnel
	}
	tun, _ := s.tunnels.Get(tunnelName) // nil when unknown; Evaluate denies

	var body []byte
	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "Body read error")
			return
		}
	}

	result := policy.Evaluate(tun, r.Method, r.URL.Path, body)

	if result.Denial == nil && result.Dispatch != nil {
		s.handlePipelineStep(w, r, caller, tunnelName, result.Dispatch)
		return
	}

	if d := result.Denial; d != nil {
		s.writeDenial(w, r, caller, tunnelName, result.Command, "", d)
		return
	}

	decisionsTotal.WithLabelValues(audit.OutcomeAllowed).Inc()
	s.recordAudit(r, caller, tunnelName, result.Command, audit.OutcomeAllowed, "", "")
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Request allowed",
		"tunnel":  tunnelName,
		"agent":   caller.Name,
	})
}

// handlePipelineStep commits a validated step submission. Validation and
// confirmation are serialized per run id inside the store, so of two racing
// workers exactly one wins the step.
func (s *Server) handlePipelineStep(w http.ResponseWriter, r *http.Request, caller *Caller, tunnelName string, d *policy.Dispatch) {
	run, match, err := s.runs.Confirm(d.RunID, d.Command)
	if err != nil {
		pipelineStepsTotal.WithLabelValues("denied").Inc()
		s.writeDenial(w, r, caller, tunnelName, d.Command, d.RunID, pipelineDenial(d.RunID, err))
		return
	}

	pipelineStepsTotal.WithLabelValues("confirmed").Inc()
	decisionsTotal.WithLabelValues(audit.OutcomeAllowed).Inc()
	s.recordAudit(r, caller, tunnelName, d.Command, audit.OutcomeAllowed, "", d.RunID)

	s.logger.Info("pipeline step confirmed",
		slog.String(log.RunIDKey, run.ID),
		slog.Int("step", match.Index+1),
		slog.String(log.AgentKey, caller.Name))

	resp := stepResponse{
		Success:       true,
		Message:       fmt.Sprintf("Step %d confirmed", match.Index+1),
		RunID:         run.ID,
		StepCompleted: match.Index + 1,
		Command:       match.Step.Command,
		RunStatus:     run.Status,
		Tunnel:        tunnelName,
		Agent:         caller.Name,
	}
	if !match.LastStep {
		next := match.NextCommand
		resp.NextCommand = &next
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// pipelineDenial maps state-machine errors onto policy denials.
func pipelineDenial(runID string, err error) *policy.Denial {
	var wrongStep *pipeline.WrongStepError
	var terminal *pipeline.TerminalError

	switch {
	case errors.Is(err, pipeline.ErrRunNotFound):
		return &policy.Denial{
			Kind:   policy.KindPipelineRunMissing,
			Reason: fmt.Sprintf("Pipeline run '%s' not found", runID),
		}
	case errors.As(err, &terminal):
		return &policy.Denial{
			Kind:   policy.KindPipelineTerminal,
			Reason: fmt.Sprintf("Pipeline run '%s' already %s", runID, terminal.Status),
		}
	case errors.Is(err, pipeline.ErrAllStepsCompleted):
		return &policy.Denial{
			Kind:   policy.KindPipelineTerminal,
			Reason: "All pipeline steps already completed",
		}
	case errors.Is(err, pipeline.ErrConfigGone):
		return &policy.Denial{
			Kind:   policy.KindPipelineConfigGone,
			Reason: "Pipeline config no longer exists",
		}
	case errors.As(err, &wrongStep):
		return &policy.Denial{
			Kind: policy.KindPipelineWrongStep,
			Reason: fmt.Sprintf("Wrong step: expected '%s', received '%s'",
				wrongStep.Expected, wrongStep.Received),
			ExpectedCommand: wrongStep.Expected,
		}
	default:
		return &policy.Denial{
			Kind:   policy.KindInternal,
			Reason: "Internal error",
		}
	}
}

// writeDenial emits the 403 denial body, counts it, and records it to the
// audit trail.
func (s *Server) writeDenial(w http.ResponseWriter, r *http.Request, caller *Caller, tunnelName, command, runID string, d *policy.Denial) {
	decisionsTotal.WithLabelValues(audit.OutcomeDenied).Inc()
	denialsTotal.WithLabelValues(string(d.Kind)).Inc()
	s.recordAudit(r, caller, tunnelName, command, audit.OutcomeDenied, d.Reason, runID)

	s.logger.Info("request denied",
		slog.String(log.AgentKey, caller.Name),
		slog.String(log.TunnelKey, tunnelName),
		slog.String(log.ReasonKey, d.Reason))

	status := http.StatusForbidden
	if d.Kind == policy.KindInternal {
		status = http.StatusInternalServerError
	}
	httputil.WriteJSON(w, status, denialResponse{
		Error:           "Access denied",
		Reason:          d.Reason,
		Tunnel:          tunnelName,
		Agent:           caller.Name,
		ExpectedCommand: d.ExpectedCommand,
	})
}

// recordAudit appends one decision to the audit trail. Failures are logged,
// never surfaced to the caller.
func (s *Server) recordAudit(r *http.Request, caller *Caller, tunnelName, command, outcome, reason, runID string) {
	if s.audits == nil {
		return
	}
	err := s.audits.Record(r.Context(), audit.Event{
		Agent:   caller.Name,
		Tunnel:  tunnelName,
		Method:  r.Method,
		Path:    r.URL.Path,
		Command: command,
		Outcome: outcome,
		Reason:  reason,
		RunID:   runID,
	})
	if err != nil {
		s.logger.Warn("failed to record audit event", "error", err)
	}
}
