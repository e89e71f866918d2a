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

package credential

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
	// ErrNotFound is returned when a key does not exist in the store.
	ErrNotFound = errors.New("credential not found")
)

// usageDayFormat is the UTC calendar day used for daily rate limiting.
const usageDayFormat = "2006-01-02"

type usageEntry struct {
	Count int    `json:"count"`
	Day   string `json:"day"`

	// unflushed counts increments since the last persist. Not serialized.
	unflushed int
}

// Store is the process-owned credential collection, persisted as a JSON
// mapping from API key to credential. Usage counters live in a separate
// file so the credential file keeps its documented shape and watcher
// reloads never race the high-frequency counter writes.
type Store struct {
	mu    sync.RWMutex
	creds map[string]*Credential

	usageMu sync.Mutex
	usage   map[string]*usageEntry

	// saveMu serializes marshal+write for both files; see save.
	saveMu sync.Mutex

	path       string
	usagePath  string
	flushEvery int
	logger     *slog.Logger
	now        func() time.Time
}

// NewStore creates a credential store persisting to path, with usage
// counters flushed to usagePath every flushEvery increments per key.
func NewStore(path, usagePath string, flushEvery int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if flushEvery <= 0 {
		flushEvery = 100
	}
	return &Store{
		creds:      make(map[string]*Credential),
		usage:      make(map[string]*usageEntry),
		path:       path,
		usagePath:  usagePath,
		flushEvery: flushEvery,
		logger:     logger.With(slog.String("component", "credentials")),
		now:        time.Now,
	}
}

// Load reads the credential and usage files. Missing files leave the store
// empty; the caller decides whether to bootstrap a first key.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read credential file: %w", err)
	}
	if err == nil {
		creds, perr := parseCredentials(data)
		if perr != nil {
			return perr
		}
		s.mu.Lock()
		s.creds = creds
		s.mu.Unlock()
	}

	usageData, err := os.ReadFile(s.usagePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read usage file: %w", err)
	}
	usage := make(map[string]*usageEntry)
	if err := json.Unmarshal(usageData, &usage); err != nil {
		// Usage is advisory; a corrupt counter file resets counters
		// rather than blocking startup.
		s.logger.Warn("usage file unreadable, resetting counters", "error", err)
		usage = make(map[string]*usageEntry)
	}
	s.usageMu.Lock()
	s.usage = usage
	s.usageMu.Unlock()
	return nil
}

// Reload re-reads the credential file after an out-of-band edit. A parse
// failure logs a warning and keeps the prior snapshot.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn("credential reload failed, keeping previous snapshot", "error", err)
		return err
	}
	creds, err := parseCredentials(data)
	if err != nil {
		s.logger.Warn("credential reload failed, keeping previous snapshot", "error", err)
		return err
	}

	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	s.logger.Info("credential store reloaded", slog.Int("credentials", len(creds)))
	return nil
}

func parseCredentials(data []byte) (map[string]*Credential, error) {
	creds := make(map[string]*Credential)
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credential file: %w", err)
	}
	for key, c := range creds {
		c.Key = key
	}
	return creds, nil
}

// Lookup returns a snapshot of the credential for key.
func (s *Store) Lookup(key string) (*Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[key]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Create issues a new credential with a generated key and persists the
// store synchronously. Returns the credential including the full key; this
// is the only time the key is handed out unredacted.
func (s *Store) Create(name, tier, tunnelName string, dailyLimit int, createdBy string) (*Credential, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	c := &Credential{
		Key:        key,
		Name:       name,
		Tier:       tier,
		Tunnel:     tunnelName,
		DailyLimit: dailyLimit,
		Active:     true,
		CreatedAt:  s.now().UTC(),
		CreatedBy:  createdBy,
	}

	s.mu.Lock()
	s.creds[key] = c.Clone()
	s.mu.Unlock()

	if err := s.save(); err != nil {
		return nil, err
	}
	return c, nil
}

// Delete removes the credential for key and persists synchronously.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	if _, ok := s.creds[key]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.creds, key)
	s.mu.Unlock()

	return s.save()
}

// ListWorkers returns worker credentials sorted by name, with keys redacted.
func (s *Store) ListWorkers() []*Credential {
	s.mu.RLock()
	out := make([]*Credential, 0, len(s.creds))
	for _, c := range s.creds {
		if c.Tier != TierWorker {
			continue
		}
		cc := c.Clone()
		cc.Key = Redact(c.Key)
		out = append(out, cc)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// WorkerCount returns the number of worker credentials.
func (s *Store) WorkerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.creds {
		if c.Tier == TierWorker {
			n++
		}
	}
	return n
}

// HasActiveOrchestrator reports whether any active orchestrator key exists.
// Used at startup to decide whether to bootstrap one.
func (s *Store) HasActiveOrchestrator() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.creds {
		if c.Tier == TierOrchestrator && c.Active {
			return true
		}
	}
	return false
}

// Charge applies one request against the key's daily cap. It returns the
// usage count for the current UTC day after the call and whether the
// request is within the limit. A request over the limit is not counted.
//
// Counters are flushed to disk every flushEvery increments per key; a crash
// loses at most that window.
func (s *Store) Charge(key string, limit int) (count int, ok bool) {
	day := s.now().UTC().Format(usageDayFormat)

	s.usageMu.Lock()
	entry := s.usage[key]
	if entry == nil || entry.Day != day {
		entry = &usageEntry{Day: day}
		s.usage[key] = entry
	}
	if entry.Count >= limit {
		count = entry.Count
		s.usageMu.Unlock()
		return count, false
	}
	entry.Count++
	entry.unflushed++
	flush := entry.unflushed >= s.flushEvery
	if flush {
		entry.unflushed = 0
	}
	count = entry.Count
	s.usageMu.Unlock()

	if flush {
		if err := s.writeUsage(); err != nil {
			s.logger.Warn("usage flush failed", "error", err)
		}
	}
	return count, true
}

// Usage returns the current count for key in the current UTC day.
func (s *Store) Usage(key string) int {
	day := s.now().UTC().Format(usageDayFormat)
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	entry := s.usage[key]
	if entry == nil || entry.Day != day {
		return 0
	}
	return entry.Count
}

// FlushUsage persists the usage counters. Called on graceful shutdown.
func (s *Store) FlushUsage() error {
	return s.writeUsage()
}

func (s *Store) writeUsage() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.usageMu.Lock()
	data, err := json.MarshalIndent(s.usage, "", "  ")
	s.usageMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}
	if err := atomicfile.WriteFile(s.usagePath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write usage file: %w", err)
	}
	return nil
}

// save rewrites the credential file atomically. saveMu covers marshal+write
// so an older snapshot can never rename in over a newer one.
func (s *Store) save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	data, err := json.MarshalIndent(s.creds, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := atomicfile.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	return nil
}
