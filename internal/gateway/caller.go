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
	"context"

	"github.com/tombee/tollgate/internal/credential"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const callerContextKey contextKey = "caller"

// Caller is the authenticated identity attached to a request.
type Caller struct {
	Key    string
	Name   string
	Tier   string
	Tunnel string
	Usage  int
	Limit  int
}

// IsOrchestrator reports whether the caller holds an orchestrator key.
func (c *Caller) IsOrchestrator() bool {
	return c.Tier == credential.TierOrchestrator
}

// CallerFromContext extracts the authenticated caller from the request
// context.
func CallerFromContext(ctx context.Context) (*Caller, bool) {
	c, ok := ctx.Value(callerContextKey).(*Caller)
	return c, ok
}

// ContextWithCaller returns a new context with the given caller. This is
// primarily for testing purposes.
func ContextWithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, c)
}
