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
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/tollgate/internal/config"
)

const (
	orchKey       = "tg_1_orchestrator"
	workerKey     = "tg_1_worker"
	revokedKey    = "tg_1_revoked"
	limitedKey    = "tg_1_limited"
	unassignedKey = "tg_1_unassigned"
	deployKey     = "tg_1_deploy"
)

const seedCredentials = `{
  "tg_1_orchestrator": {"name": "admin", "tier": "orchestrator", "dailyLimit": 1000000, "active": true},
  "tg_1_worker": {"name": "shortshub-agent", "tier": "worker", "tunnel": "DevOps", "dailyLimit": 1000, "active": true},
  "tg_1_revoked": {"name": "old-agent", "tier": "worker", "tunnel": "DevOps", "dailyLimit": 1000, "active": false},
  "tg_1_limited": {"name": "capped-agent", "tier": "worker", "tunnel": "DevOps", "dailyLimit": 2, "active": true},
  "tg_1_unassigned": {"name": "drifter", "tier": "worker", "dailyLimit": 1000, "active": true},
  "tg_1_deploy": {"name": "deploy-agent", "tier": "worker", "tunnel": "Deploy", "dailyLimit": 1000, "active": true}
}`

const seedTunnels = `{
  "PublicViewer": {
    "description": "Read-only default",
    "allowed_methods": ["GET"],
    "allowed_paths": [],
    "allowed_commands": [],
    "forbidden_keywords": [],
    "command_whitelist_mode": "strict"
  },
  "DevOps": {
    "allowed_methods": ["GET", "POST"],
    "allowed_paths": [],
    "allowed_commands": ["ls", "pwd", "git status"],
    "forbidden_keywords": ["sudo"],
    "command_whitelist_mode": "strict"
  },
  "Deploy": {
    "allowed_methods": ["POST"],
    "allowed_paths": [],
    "allowed_commands": [],
    "forbidden_keywords": [],
    "command_whitelist_mode": "strict",
    "pipeline": {
      "steps": [
        {"command": "git pull origin main"},
        {"command": "npm install"},
        {"command": "npm run build"},
        {"command": "pm2 restart shortshub"}
      ]
    }
  }
}`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "api_keys.json"), []byte(seedCredentials), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tunnels.json"), []byte(seedTunnels), 0o644))

	cfg := config.Default()
	cfg.Data.Dir = dir

	srv, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.watch.Stop()
		srv.audits.Close()
	})
	return srv
}

// doRequest sends one request through the full middleware chain.
func doRequest(srv *Server, method, path, key, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if key != "" {
		req.Header.Set("x-api-key", key)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestServer_AuthFailures(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name       string
		key        string
		wantStatus int
		wantError  string
	}{
		{"missing header", "", http.StatusUnauthorized, "Missing x-api-key header"},
		{"unknown key", "tg_9_nope", http.StatusUnauthorized, "Invalid API key"},
		{"revoked key", revokedKey, http.StatusUnauthorized, "API key has been revoked"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(srv, http.MethodGet, "/", tt.key, "")
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantError, decode(t, rec)["error"])
		})
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	srv := newTestServer(t)

	// Preflight needs no key and answers immediately.
	rec := doRequest(srv, http.MethodOptions, "/", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "x-api-key, Content-Type", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "POST, GET, DELETE, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))

	// The same headers ride on ordinary responses, denials included.
	rec = doRequest(srv, http.MethodGet, "/", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_StatusIsPublic(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "enforcing", body["mode"])
	assert.ElementsMatch(t, []any{"DevOps", "Deploy", "PublicViewer"}, body["tunnels"])
	assert.Equal(t, float64(5), body["workers"])
}

func TestServer_WorkerEvaluation(t *testing.T) {
	srv := newTestServer(t)

	// Whitelisted command with arguments.
	rec := doRequest(srv, http.MethodPost, "/", workerKey, `{"command":"ls -la"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Request allowed", body["message"])
	assert.Equal(t, "DevOps", body["tunnel"])
	assert.Equal(t, "shortshub-agent", body["agent"])
	assert.Equal(t, "1000", rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))

	// Denied command.
	rec = doRequest(srv, http.MethodPost, "/", workerKey, `{"command":"rm -rf /"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "Access denied", body["error"])
	assert.Equal(t, "Command 'rm -rf /' not in whitelist", body["reason"])
	assert.Equal(t, "DevOps", body["tunnel"])
	assert.Equal(t, "shortshub-agent", body["agent"])

	// Forbidden keyword beats an otherwise-whitelisted prefix.
	rec = doRequest(srv, http.MethodPost, "/", workerKey, `{"command":"ls sudo-helper"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Forbidden keyword 'sudo' detected", decode(t, rec)["reason"])

	// Malformed JSON.
	rec = doRequest(srv, http.MethodPost, "/", workerKey, `{"command":`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Invalid JSON payload", decode(t, rec)["reason"])

	// Method outside the tunnel's list.
	rec = doRequest(srv, http.MethodDelete, "/", workerKey, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Method DELETE not allowed", decode(t, rec)["reason"])
}

func TestServer_UnassignedWorkerGetsDefaultTunnel(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/anything", unassignedKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PublicViewer", decode(t, rec)["tunnel"])

	rec = doRequest(srv, http.MethodPost, "/", unassignedKey, `{"command":"ls"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Method POST not allowed", decode(t, rec)["reason"])
}

func TestServer_DailyLimit(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 2; i++ {
		rec := doRequest(srv, http.MethodGet, "/", limitedKey, "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doRequest(srv, http.MethodGet, "/", limitedKey, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Daily limit of 2 requests exceeded", decode(t, rec)["error"])
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestServer_BurstLimit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "api_keys.json"), []byte(seedCredentials), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tunnels.json"), []byte(seedTunnels), 0o644))

	cfg := config.Default()
	cfg.Data.Dir = dir
	cfg.RateLimit.RequestsPerSecond = 0.001
	cfg.RateLimit.BurstSize = 2

	srv, err := New(cfg, nil)
	require.NoError(t, err)
	defer srv.watch.Stop()
	defer srv.audits.Close()

	for i := 0; i < 2; i++ {
		rec := doRequest(srv, http.MethodGet, "/", workerKey, "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doRequest(srv, http.MethodGet, "/", workerKey, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", decode(t, rec)["error"])
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestServer_WorkersNeverReachOrchestratorAPI(t *testing.T) {
	srv := newTestServer(t)

	// A worker hitting an orchestrator path is policy-evaluated, not
	// admin-routed: the DevOps tunnel allows GET everywhere, so the request
	// is "allowed" but sees the evaluation response, not the tunnel list.
	rec := doRequest(srv, http.MethodGet, "/orchestrator/tunnels", workerKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Request allowed", body["message"])
	assert.NotContains(t, body, "tunnels")

	// A worker POSTing a create payload is denied by command policy and no
	// tunnel is created.
	rec = doRequest(srv, http.MethodPost, "/orchestrator/tunnels/create", workerKey,
		`{"name":"Sneaky"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Access denied", decode(t, rec)["error"])
	_, ok := srv.tunnels.Get("Sneaky")
	assert.False(t, ok)
}

func TestServer_OrchestratorTunnelCRUD(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/orchestrator/tunnels", orchKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec), "tunnels")

	// Create.
	rec = doRequest(srv, http.MethodPost, "/orchestrator/tunnels/create", orchKey,
		`{"name":"Research","allowed_methods":["GET"],"command_whitelist_mode":"lax"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Research", decode(t, rec)["name"])

	// Duplicate name.
	rec = doRequest(srv, http.MethodPost, "/orchestrator/tunnels/create", orchKey, `{"name":"Research"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing name.
	rec = doRequest(srv, http.MethodPost, "/orchestrator/tunnels/create", orchKey, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Malformed body.
	rec = doRequest(srv, http.MethodPost, "/orchestrator/tunnels/create", orchKey, `{broken`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid JSON payload", decode(t, rec)["error"])

	// Update merges only the supplied fields.
	rec = doRequest(srv, http.MethodPost, "/orchestrator/tunnels/update", orchKey,
		`{"name":"Research","allowed_commands":["curl"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, []any{"curl"}, body["allowed_commands"])
	assert.Equal(t, "lax", body["command_whitelist_mode"])

	rec = doRequest(srv, http.MethodPost, "/orchestrator/tunnels/update", orchKey, `{"name":"Missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Delete.
	rec = doRequest(srv, http.MethodPost, "/orchestrator/tunnels/delete", orchKey, `{"name":"Research"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(srv, http.MethodPost, "/orchestrator/tunnels/delete", orchKey, `{"name":"Research"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_OrchestratorAgentLifecycle(t *testing.T) {
	srv := newTestServer(t)

	// Unknown tunnel is rejected before a key is minted.
	rec := doRequest(srv, http.MethodPost, "/orchestrator/agents/create", orchKey,
		`{"name":"new-agent","tunnel":"Nope"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Tunnel 'Nope' not found", decode(t, rec)["error"])

	// Issue a key; the response carries the full key exactly once.
	rec = doRequest(srv, http.MethodPost, "/orchestrator/agents/create", orchKey,
		`{"name":"new-agent","tunnel":"DevOps"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	fullKey, _ := body["key"].(string)
	assert.True(t, strings.HasPrefix(fullKey, "tg_"))
	assert.Equal(t, float64(1000), body["dailyLimit"])

	// The fresh key works immediately as a worker.
	rec = doRequest(srv, http.MethodPost, "/", fullKey, `{"command":"pwd"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "new-agent", decode(t, rec)["agent"])

	// Listings redact.
	rec = doRequest(srv, http.MethodGet, "/orchestrator/agents", orchKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	agents := decode(t, rec)["agents"].([]any)
	for _, a := range agents {
		key := a.(map[string]any)["key"].(string)
		assert.NotEqual(t, fullKey, key)
		assert.True(t, strings.HasSuffix(key, "..."))
	}

	// Revoke; the key stops working with the not-found error since the
	// record is removed entirely.
	rec = doRequest(srv, http.MethodPost, "/orchestrator/agents/delete", orchKey,
		fmt.Sprintf(`{"key":"%s"}`, fullKey))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(srv, http.MethodPost, "/", fullKey, `{"command":"pwd"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/orchestrator/agents/delete", orchKey, `{"key":"tg_9_gone"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_PipelineHappyPath(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/orchestrator/pipeline/start", orchKey,
		`{"pipeline":"Deploy","agent":"deploy-agent"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	start := decode(t, rec)
	runID := start["run_id"].(string)
	assert.Equal(t, "git pull origin main", start["next_command"])
	assert.Equal(t, "in_progress", start["status"])

	steps := []struct {
		command string
		next    any
		status  string
	}{
		{"git pull origin main", "npm install", "in_progress"},
		{"npm install", "npm run build", "in_progress"},
		{"npm run build", "pm2 restart shortshub", "in_progress"},
		{"pm2 restart shortshub", nil, "completed"},
	}

	for i, st := range steps {
		payload := fmt.Sprintf(`{"command":"%s","run_id":"%s"}`, st.command, runID)
		rec = doRequest(srv, http.MethodPost, "/", deployKey, payload)
		require.Equal(t, http.StatusOK, rec.Code, "step %d: %s", i+1, rec.Body.String())
		body := decode(t, rec)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, fmt.Sprintf("Step %d confirmed", i+1), body["message"])
		assert.Equal(t, float64(i+1), body["step_completed"])
		assert.Equal(t, st.next, body["next_command"])
		assert.Equal(t, st.status, body["run_status"])
	}

	// Submissions after completion are rejected against the terminal state.
	rec = doRequest(srv, http.MethodPost, "/",
		deployKey, fmt.Sprintf(`{"command":"git pull origin main","run_id":"%s"}`, runID))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, fmt.Sprintf("Pipeline run '%s' already completed", runID), decode(t, rec)["reason"])
}

func TestServer_PipelineWrongStep(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/orchestrator/pipeline/start", orchKey,
		`{"pipeline":"Deploy"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	runID := decode(t, rec)["run_id"].(string)

	// Skipping straight to step 2 is denied with corrective detail.
	rec = doRequest(srv, http.MethodPost, "/",
		deployKey, fmt.Sprintf(`{"command":"npm install","run_id":"%s"}`, runID))
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Access denied", body["error"])
	assert.Equal(t, "Wrong step: expected 'git pull origin main', received 'npm install'", body["reason"])
	assert.Equal(t, "git pull origin main", body["expected_command"])

	// The run did not advance.
	rec = doRequest(srv, http.MethodGet, "/orchestrator/pipeline/status?run_id="+runID, orchKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["current_step"])

	// Same after step 1 is confirmed: skipping to step 3 names step 2.
	rec = doRequest(srv, http.MethodPost, "/",
		deployKey, fmt.Sprintf(`{"command":"git pull origin main","run_id":"%s"}`, runID))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(srv, http.MethodPost, "/",
		deployKey, fmt.Sprintf(`{"command":"npm run build","run_id":"%s"}`, runID))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "npm install", decode(t, rec)["expected_command"])

	rec = doRequest(srv, http.MethodGet, "/orchestrator/pipeline/status?run_id="+runID, orchKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["current_step"])
}

func TestServer_PipelineUnknownRun(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/",
		deployKey, `{"command":"git pull origin main","run_id":"run_999"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Pipeline run 'run_999' not found", decode(t, rec)["reason"])
}

func TestServer_PipelineReset(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/orchestrator/pipeline/start", orchKey, `{"pipeline":"Deploy"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	runID := decode(t, rec)["run_id"].(string)

	rec = doRequest(srv, http.MethodPost, "/orchestrator/pipeline/reset", orchKey,
		fmt.Sprintf(`{"run_id":"%s"}`, runID))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "aborted", decode(t, rec)["status"])

	// Aborted runs accept nothing further.
	rec = doRequest(srv, http.MethodPost, "/",
		deployKey, fmt.Sprintf(`{"command":"git pull origin main","run_id":"%s"}`, runID))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, fmt.Sprintf("Pipeline run '%s' already aborted", runID), decode(t, rec)["reason"])

	// Resetting twice reports the terminal state.
	rec = doRequest(srv, http.MethodPost, "/orchestrator/pipeline/reset", orchKey,
		fmt.Sprintf(`{"run_id":"%s"}`, runID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/orchestrator/pipeline/reset", orchKey, `{"run_id":"run_999"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_PipelineStartValidation(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/orchestrator/pipeline/start", orchKey, `{"pipeline":"Missing"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Tunnel 'Missing' not found", decode(t, rec)["error"])

	rec = doRequest(srv, http.MethodPost, "/orchestrator/pipeline/start", orchKey, `{"pipeline":"DevOps"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Tunnel 'DevOps' has no pipeline", decode(t, rec)["error"])

	rec = doRequest(srv, http.MethodGet, "/orchestrator/pipeline/status", orchKey, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/orchestrator/pipeline/status?run_id=run_999", orchKey, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_AuditTrail(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/", workerKey, `{"command":"ls"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(srv, http.MethodPost, "/", workerKey, `{"command":"rm -rf /"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/orchestrator/audit?limit=10", orchKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode(t, rec)["events"].([]any)
	require.Len(t, events, 2)

	newest := events[0].(map[string]any)
	assert.Equal(t, "denied", newest["outcome"])
	assert.Equal(t, "Command 'rm -rf /' not in whitelist", newest["reason"])
	assert.Equal(t, "shortshub-agent", newest["agent"])
	oldest := events[1].(map[string]any)
	assert.Equal(t, "allowed", oldest["outcome"])
	assert.Equal(t, "ls", oldest["command"])
}

func TestServer_MetricsRequireOrchestratorKey(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Missing x-api-key header", decode(t, rec)["error"])

	rec = doRequest(srv, http.MethodGet, "/metrics", workerKey, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Orchestrator key required", decode(t, rec)["error"])

	rec = doRequest(srv, http.MethodGet, "/metrics", orchKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tollgate_rate_limited_total")
}

func TestServer_UnknownOrchestratorEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/orchestrator/nope", orchKey, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Unknown orchestrator endpoint", decode(t, rec)["error"])
}

func TestServer_BootstrapsOrchestratorKey(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Data.Dir = dir

	srv, err := New(cfg, nil)
	require.NoError(t, err)
	defer srv.watch.Stop()
	defer srv.audits.Close()

	assert.True(t, srv.creds.HasActiveOrchestrator())

	// A fresh install also seeds the default tunnel registry.
	_, ok := srv.tunnels.Get("PublicViewer")
	assert.True(t, ok)
}
