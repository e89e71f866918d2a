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
	"net/http"

	"github.com/tombee/tollgate/internal/gateway/httputil"
)

// handleStatus is the unauthenticated health endpoint: GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	total, completed := s.runs.Counts()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"mode":    "enforcing",
		"tunnels": s.tunnels.Names(),
		"workers": s.creds.WorkerCount(),
		"pipeline_runs": map[string]int{
			"total":     total,
			"completed": completed,
		},
	})
}
