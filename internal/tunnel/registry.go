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

package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tombee/tollgate/internal/atomicfile"
)

var (
	// ErrNotFound is returned when a tunnel does not exist.
	ErrNotFound = errors.New("tunnel not found")
	// ErrExists is returned when creating a tunnel whose name is taken.
	ErrExists = errors.New("tunnel already exists")
)

// Registry is the process-owned collection of tunnel policies, persisted as
// a JSON mapping from tunnel name to tunnel object.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel
	saveMu  sync.Mutex // serializes marshal+write; see save
	path    string
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry creates a registry persisting to path.
func NewRegistry(path string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tunnels: make(map[string]*Tunnel),
		path:    path,
		logger:  logger.With(slog.String("component", "tunnels")),
		now:     time.Now,
	}
}

// Load reads the tunnel file. A missing file seeds the default registry and
// persists it so the gateway is usable out of the box.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.mu.Lock()
		r.tunnels = defaultTunnels(r.now())
		r.mu.Unlock()
		r.logger.Info("tunnel file missing, seeded defaults", slog.String("path", r.path))
		return r.save()
	}
	if err != nil {
		return fmt.Errorf("failed to read tunnel file: %w", err)
	}

	tunnels, err := parse(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.tunnels = tunnels
	r.mu.Unlock()
	return nil
}

// Reload re-reads the tunnel file after an out-of-band edit. A parse failure
// logs a warning and keeps the prior snapshot.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		r.logger.Warn("tunnel reload failed, keeping previous snapshot", "error", err)
		return err
	}
	tunnels, err := parse(data)
	if err != nil {
		r.logger.Warn("tunnel reload failed, keeping previous snapshot", "error", err)
		return err
	}

	r.mu.Lock()
	r.tunnels = tunnels
	r.mu.Unlock()
	r.logger.Info("tunnel registry reloaded", slog.Int("tunnels", len(tunnels)))
	return nil
}

func parse(data []byte) (map[string]*Tunnel, error) {
	tunnels := make(map[string]*Tunnel)
	if err := json.Unmarshal(data, &tunnels); err != nil {
		return nil, fmt.Errorf("failed to parse tunnel file: %w", err)
	}
	// The map key is authoritative for the name.
	for name, t := range tunnels {
		t.Name = name
		if t.CommandWhitelistMode == "" {
			t.CommandWhitelistMode = ModeStrict
		}
	}
	return tunnels, nil
}

// Get returns a snapshot of the named tunnel.
func (r *Registry) Get(name string) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[name]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// List returns snapshots of all tunnels sorted by name.
func (r *Registry) List() []*Tunnel {
	r.mu.RLock()
	out := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, t.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all tunnel names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tunnels))
	for name := range r.tunnels {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Create adds a new tunnel and persists the registry synchronously.
func (r *Registry) Create(t *Tunnel) error {
	if t.Name == "" {
		return errors.New("tunnel name is required")
	}
	if t.AllowedMethods == nil {
		t.AllowedMethods = []string{"GET", "POST"}
	}
	if t.AllowedPaths == nil {
		t.AllowedPaths = []string{}
	}
	if t.AllowedCommands == nil {
		t.AllowedCommands = []string{}
	}
	if t.ForbiddenKeywords == nil {
		t.ForbiddenKeywords = []string{}
	}
	if t.CommandWhitelistMode == "" {
		t.CommandWhitelistMode = ModeStrict
	}
	now := r.now()
	t.CreatedAt = now
	t.UpdatedAt = now

	r.mu.Lock()
	if _, exists := r.tunnels[t.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, t.Name)
	}
	r.tunnels[t.Name] = t.Clone()
	r.mu.Unlock()

	return r.save()
}

// Update is a shallow merge: only the fields supplied in the patch replace
// the stored values. The name itself is immutable. Persists synchronously.
type Update struct {
	Description          *string   `json:"description"`
	AllowedMethods       *[]string `json:"allowed_methods"`
	AllowedPaths         *[]string `json:"allowed_paths"`
	AllowedCommands      *[]string `json:"allowed_commands"`
	ForbiddenKeywords    *[]string `json:"forbidden_keywords"`
	CommandWhitelistMode *string   `json:"command_whitelist_mode"`
	Pipeline             *Pipeline `json:"pipeline"`
}

// Apply merges the patch into the named tunnel and stamps UpdatedAt.
func (r *Registry) Apply(name string, patch Update) (*Tunnel, error) {
	r.mu.Lock()
	t, ok := r.tunnels[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.AllowedMethods != nil {
		t.AllowedMethods = *patch.AllowedMethods
	}
	if patch.AllowedPaths != nil {
		t.AllowedPaths = *patch.AllowedPaths
	}
	if patch.AllowedCommands != nil {
		t.AllowedCommands = *patch.AllowedCommands
	}
	if patch.ForbiddenKeywords != nil {
		t.ForbiddenKeywords = *patch.ForbiddenKeywords
	}
	if patch.CommandWhitelistMode != nil {
		t.CommandWhitelistMode = *patch.CommandWhitelistMode
	}
	if patch.Pipeline != nil {
		t.Pipeline = patch.Pipeline
	}
	t.UpdatedAt = r.now()
	snapshot := t.Clone()
	r.mu.Unlock()

	if err := r.save(); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Delete removes the named tunnel and persists synchronously.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	if _, ok := r.tunnels[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.tunnels, name)
	r.mu.Unlock()

	return r.save()
}

// save rewrites the tunnel file atomically. saveMu covers marshal+write so
// an older snapshot can never rename in over a newer one.
func (r *Registry) save() error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.RLock()
	data, err := json.MarshalIndent(r.tunnels, "", "  ")
	r.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal tunnels: %w", err)
	}
	if err := atomicfile.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write tunnel file: %w", err)
	}
	return nil
}

// defaultTunnels is the registry seeded on first start. PublicViewer is the
// read-only tunnel that workers without an assignment fall back to.
func defaultTunnels(now time.Time) map[string]*Tunnel {
	return map[string]*Tunnel{
		DefaultTunnel: {
			Name:                 DefaultTunnel,
			Description:          "Read-only default for workers without a tunnel assignment",
			AllowedMethods:       []string{"GET"},
			AllowedPaths:         []string{},
			AllowedCommands:      []string{},
			ForbiddenKeywords:    []string{},
			CommandWhitelistMode: ModeStrict,
			CreatedAt:            now,
			UpdatedAt:            now,
		},
	}
}
