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

// Package tunnel defines tunnel policies and the on-disk tunnel registry.
//
// A tunnel is a named policy bundle constraining what a caller assigned to
// it may do: which HTTP methods, path prefixes, and commands are allowed,
// and which keywords are forbidden. A tunnel carrying a pipeline definition
// additionally requires commands to be presented in order.
package tunnel

import "time"

// Whitelist modes for body-bearing requests.
const (
	// ModeStrict requires the command to match the allowed-command
	// whitelist; an empty whitelist denies everything.
	ModeStrict = "strict"
	// ModeLax skips the whitelist check entirely.
	ModeLax = "lax"
)

// DefaultTunnel is the read-only tunnel applied to workers that have no
// tunnel assignment.
const DefaultTunnel = "PublicViewer"

// Step is one entry in a pipeline definition.
type Step struct {
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
}

// Pipeline is an ordered sequence of commands a tunnel may require.
type Pipeline struct {
	Steps []Step `json:"steps"`
}

// Tunnel is a named policy bundle.
type Tunnel struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// AllowedMethods is the set of permitted HTTP methods. The wildcard
	// "*" permits every method.
	AllowedMethods []string `json:"allowed_methods"`

	// AllowedPaths is an ordered list of path prefixes. Empty means all
	// paths are allowed.
	AllowedPaths []string `json:"allowed_paths"`

	// AllowedCommands is an ordered list of command prefixes consulted in
	// strict mode.
	AllowedCommands []string `json:"allowed_commands"`

	// ForbiddenKeywords are case-insensitive substrings that deny any
	// command containing them.
	ForbiddenKeywords []string `json:"forbidden_keywords"`

	// CommandWhitelistMode is ModeStrict or ModeLax.
	CommandWhitelistMode string `json:"command_whitelist_mode"`

	// Pipeline, when present with at least one step, makes this a
	// pipeline tunnel.
	Pipeline *Pipeline `json:"pipeline,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsPipeline reports whether the tunnel carries a non-empty pipeline.
func (t *Tunnel) IsPipeline() bool {
	return t.Pipeline != nil && len(t.Pipeline.Steps) > 0
}

// Clone returns a deep copy. Handlers take clones so multi-step logic runs
// against a stable snapshot without holding the registry lock. Empty slices
// stay non-nil so a tunnel created with [] round-trips as [] rather than
// null.
func (t *Tunnel) Clone() *Tunnel {
	c := *t
	c.AllowedMethods = cloneStrings(t.AllowedMethods)
	c.AllowedPaths = cloneStrings(t.AllowedPaths)
	c.AllowedCommands = cloneStrings(t.AllowedCommands)
	c.ForbiddenKeywords = cloneStrings(t.ForbiddenKeywords)
	if t.Pipeline != nil {
		c.Pipeline = &Pipeline{Steps: append([]Step{}, t.Pipeline.Steps...)}
	}
	return &c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string{}, s...)
}
