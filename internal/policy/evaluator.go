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

// Package policy evaluates worker requests against tunnel policies.
//
// Evaluate is a pure function of a tunnel snapshot and the request triple
// (method, path, body): identical inputs yield identical results. Pipeline
// submissions are not decided here; Evaluate reports a dispatch and the
// caller consults the run state machine.
package policy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tombee/tollgate/internal/tunnel"
)

// Dispatch signals that the request is a pipeline step submission: the
// tunnel carries a pipeline and the payload a run_id.
type Dispatch struct {
	RunID   string
	Command string
}

// Result is the outcome of policy evaluation. Exactly one of Denial and
// (allow / Dispatch) applies: a nil Denial with a nil Dispatch is a plain
// allow, a nil Denial with a Dispatch defers to the pipeline state machine.
type Result struct {
	Denial   *Denial
	Dispatch *Dispatch

	// Command is the canonical command string extracted from the body,
	// recorded for auditing. Empty for bodyless methods.
	Command string

	// Payload is the parsed body for body-bearing methods. Unknown fields
	// are preserved so they can be echoed back opaquely.
	Payload map[string]any
}

// Allowed reports whether the request passed every non-pipeline check.
func (r Result) Allowed() bool {
	return r.Denial == nil
}

// Evaluate applies the tunnel's rules to a request in fixed order: tunnel
// existence, method, path, then body policy for POST/PUT. The first failure
// wins. A nil tunnel means the caller's tunnel does not exist in the
// registry. The path must already have its query string stripped.
func Evaluate(t *tunnel.Tunnel, method, path string, body []byte) Result {
	if t == nil {
		return deny(KindTunnelUnknown, "Invalid Tunnel Config")
	}

	if !methodAllowed(t.AllowedMethods, method) {
		return deny(KindMethodNotAllowed, fmt.Sprintf("Method %s not allowed", method))
	}

	if !pathAllowed(t.AllowedPaths, path) {
		return deny(KindPathNotAllowed, fmt.Sprintf("Path %s not allowed", path))
	}

	if method != http.MethodPost && method != http.MethodPut {
		return Result{}
	}

	payload := make(map[string]any)
	if err := json.Unmarshal(body, &payload); err != nil {
		return deny(KindBadJSON, "Invalid JSON payload")
	}

	command := canonicalCommand(payload)

	if t.IsPipeline() {
		if runID, ok := payload["run_id"].(string); ok && runID != "" {
			return Result{
				Dispatch: &Dispatch{RunID: runID, Command: command},
				Command:  command,
				Payload:  payload,
			}
		}
	}

	if t.CommandWhitelistMode != tunnel.ModeLax {
		if len(t.AllowedCommands) == 0 {
			return denyCmd(command, payload, KindStrictModeEmpty, "No commands allowed in strict mode")
		}
		if !commandWhitelisted(t.AllowedCommands, command) {
			return denyCmd(command, payload, KindCommandNotWhitelisted,
				fmt.Sprintf("Command '%s' not in whitelist", command))
		}
	}

	if kw, hit := forbiddenKeyword(t.ForbiddenKeywords, command); hit {
		return denyCmd(command, payload, KindForbiddenKeyword,
			fmt.Sprintf("Forbidden keyword '%s' detected", kw))
	}

	return Result{Command: command, Payload: payload}
}

func deny(kind Kind, reason string) Result {
	return Result{Denial: &Denial{Kind: kind, Reason: reason}}
}

func denyCmd(command string, payload map[string]any, kind Kind, reason string) Result {
	r := deny(kind, reason)
	r.Command = command
	r.Payload = payload
	return r
}

// canonicalCommand unifies free-form shell commands and URL-bearing actions
// under one textual predicate: payload.command, falling back to payload.url.
func canonicalCommand(payload map[string]any) string {
	if cmd, ok := payload["command"].(string); ok {
		return cmd
	}
	if url, ok := payload["url"].(string); ok {
		return url
	}
	return ""
}

func methodAllowed(allowed []string, method string) bool {
	for _, m := range allowed {
		if m == "*" || strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// pathAllowed checks the path against the prefix list; an empty list allows
// all paths.
func pathAllowed(prefixes []string, path string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// commandWhitelisted matches the trimmed command against the allowed
// prefixes. A prefix matches on equality or when followed by a space, so an
// allow-"ls" policy permits "ls -la" but not "ls-evil".
func commandWhitelisted(allowed []string, command string) bool {
	cmd := strings.TrimSpace(command)
	for _, c := range allowed {
		prefix := strings.TrimSpace(c)
		if prefix == "" {
			continue
		}
		if cmd == prefix || strings.HasPrefix(cmd, prefix+" ") {
			return true
		}
	}
	return false
}

// forbiddenKeyword returns the first keyword appearing case-insensitively
// in the command.
func forbiddenKeyword(keywords []string, command string) (string, bool) {
	lower := strings.ToLower(command)
	for _, kw := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" {
			continue
		}
		if strings.Contains(lower, k) {
			return kw, true
		}
	}
	return "", false
}
