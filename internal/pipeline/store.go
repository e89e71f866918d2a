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

package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tombee/tollgate/internal/atomicfile"
	"github.com/tombee/tollgate/internal/tunnel"
)

// TunnelSource resolves a tunnel name to its current definition. Runs
// reference tunnels by name and re-resolve on every submission, so a tunnel
// edit mid-run is observed immediately.
type TunnelSource interface {
	Get(name string) (*tunnel.Tunnel, bool)
}

// StepMatch is the result of a successful step validation: the matched step
// and, if the run is not on its last step, the command expected next.
type StepMatch struct {
	Step        tunnel.Step
	Index       int // zero-based
	NextCommand string
	LastStep    bool
}

// Store holds all pipeline runs, persisted as a JSON mapping from run id to
// run. Runs are never deleted, only status-transitioned.
//
// Locking: mu guards the run map and the id sequence. Each run also has its
// own mutex serializing validate+confirm for that run, so two workers
// racing on one run id linearize while other runs proceed unblocked.
type Store struct {
	mu       sync.Mutex
	runs     map[string]*Run
	runLocks map[string]*sync.Mutex
	seq      uint64

	// saveMu serializes marshal+write so a slower save of an older snapshot
	// can never rename in over a newer one.
	saveMu sync.Mutex

	tunnels TunnelSource
	path    string
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore creates a run store persisting to path.
func NewStore(path string, tunnels TunnelSource, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		runs:     make(map[string]*Run),
		runLocks: make(map[string]*sync.Mutex),
		tunnels:  tunnels,
		path:     path,
		logger:   logger.With(slog.String("component", "pipeline")),
		now:      time.Now,
	}
}

// Load reads the state file at startup. A missing file starts empty. The id
// sequence resumes past the highest loaded run so ids stay unique across
// restarts.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read pipeline state file: %w", err)
	}

	runs := make(map[string]*Run)
	if err := json.Unmarshal(data, &runs); err != nil {
		return fmt.Errorf("failed to parse pipeline state file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = runs
	for id, r := range runs {
		r.ID = id
		if n, ok := parseSeq(id); ok && n > s.seq {
			s.seq = n
		}
	}
	return nil
}

func parseSeq(id string) (uint64, bool) {
	rest, ok := strings.CutPrefix(id, "run_")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Start begins a run of the named tunnel's pipeline. It returns the fresh
// run and the first expected command.
func (s *Store) Start(tunnelName, agentName string) (*Run, string, error) {
	t, ok := s.tunnels.Get(tunnelName)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", tunnel.ErrNotFound, tunnelName)
	}
	if !t.IsPipeline() {
		return nil, "", fmt.Errorf("%w: %s", ErrNoPipeline, tunnelName)
	}

	s.mu.Lock()
	s.seq++
	run := &Run{
		ID:             fmt.Sprintf("run_%d", s.seq),
		Pipeline:       tunnelName,
		Agent:          agentName,
		StartedAt:      s.now().UTC(),
		CurrentStep:    0,
		Status:         StatusInProgress,
		StepsCompleted: []CompletedStep{},
	}
	s.runs[run.ID] = run
	s.mu.Unlock()

	if err := s.save(); err != nil {
		return nil, "", err
	}
	return run.Clone(), t.Pipeline.Steps[0].Command, nil
}

// Get returns a snapshot of the run.
func (s *Store) Get(runID string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// List returns snapshots of all runs, newest first.
func (s *Store) List() []*Run {
	s.mu.Lock()
	out := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Counts returns the total number of runs and how many completed.
func (s *Store) Counts() (total, completed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		total++
		if r.Status == StatusCompleted {
			completed++
		}
	}
	return total, completed
}

// Validate checks a submitted command against the run's expected step
// without advancing the run. The only state it may write is the idempotent
// coercion to completed when every step was already confirmed.
func (s *Store) Validate(runID, command string) (*StepMatch, error) {
	lock, ok := s.lockFor(runID)
	if !ok {
		return nil, ErrRunNotFound
	}
	lock.Lock()
	defer lock.Unlock()

	return s.validateLocked(runID, command)
}

// Confirm commits the advance for a validated step. It re-checks the
// expected command under the run lock, so of two racing workers only one
// wins the step; the loser gets a WrongStepError against the new state.
// The state file is rewritten before the caller sees success.
func (s *Store) Confirm(runID, command string) (*Run, *StepMatch, error) {
	lock, ok := s.lockFor(runID)
	if !ok {
		return nil, nil, ErrRunNotFound
	}
	lock.Lock()
	defer lock.Unlock()

	match, err := s.validateLocked(runID, command)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	run := s.runs[runID]
	now := s.now().UTC()
	run.StepsCompleted = append(run.StepsCompleted, CompletedStep{
		StepNumber:  run.CurrentStep + 1,
		Command:     match.Step.Command,
		ConfirmedAt: now,
	})
	run.CurrentStep++
	if match.LastStep {
		run.Status = StatusCompleted
		run.CompletedAt = &now
	}
	snapshot := run.Clone()
	s.mu.Unlock()

	if err := s.save(); err != nil {
		return nil, nil, err
	}
	return snapshot, match, nil
}

// Abort terminates a run. No further submissions are accepted.
func (s *Store) Abort(runID string) (*Run, error) {
	lock, ok := s.lockFor(runID)
	if !ok {
		return nil, ErrRunNotFound
	}
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	run, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrRunNotFound
	}
	if run.Terminal() {
		status := run.Status
		s.mu.Unlock()
		return nil, &TerminalError{Status: status}
	}
	now := s.now().UTC()
	run.Status = StatusAborted
	run.AbortedAt = &now
	snapshot := run.Clone()
	s.mu.Unlock()

	if err := s.save(); err != nil {
		return nil, err
	}
	s.logger.Info("pipeline run aborted", slog.String("run_id", runID))
	return snapshot, nil
}

// validateLocked applies the decision ladder for a step submission. The
// caller holds the run lock.
func (s *Store) validateLocked(runID, command string) (*StepMatch, error) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrRunNotFound
	}

	if run.Terminal() {
		status := run.Status
		s.mu.Unlock()
		return nil, &TerminalError{Status: status}
	}

	pipelineName := run.Pipeline
	current := run.CurrentStep
	s.mu.Unlock()

	t, ok := s.tunnels.Get(pipelineName)
	if !ok || !t.IsPipeline() {
		return nil, ErrConfigGone
	}
	steps := t.Pipeline.Steps

	if current >= len(steps) {
		// A tunnel edit can shrink the pipeline under a live run. Coerce
		// to completed so the terminal state is idempotent.
		s.mu.Lock()
		if run.Status == StatusInProgress {
			now := s.now().UTC()
			run.Status = StatusCompleted
			run.CompletedAt = &now
		}
		s.mu.Unlock()
		if err := s.save(); err != nil {
			s.logger.Warn("failed to persist coerced completion", "error", err)
		}
		return nil, ErrAllStepsCompleted
	}

	expected := steps[current]
	if strings.TrimSpace(command) != strings.TrimSpace(expected.Command) {
		return nil, &WrongStepError{
			Expected: expected.Command,
			Received: command,
			Index:    current,
		}
	}

	match := &StepMatch{
		Step:     expected,
		Index:    current,
		LastStep: current == len(steps)-1,
	}
	if !match.LastStep {
		match.NextCommand = steps[current+1].Command
	}
	return match, nil
}

// lockFor returns the per-run mutex, creating it on first use. Reports
// false when the run does not exist.
func (s *Store) lockFor(runID string) (*sync.Mutex, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, false
	}
	lock, ok := s.runLocks[runID]
	if !ok {
		lock = &sync.Mutex{}
		s.runLocks[runID] = lock
	}
	return lock, true
}

// save rewrites the state file atomically. Marshal and write happen under
// saveMu so concurrent saves (confirms on different runs) cannot land on
// disk out of order.
func (s *Store) save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	data, err := json.MarshalIndent(s.runs, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline state: %w", err)
	}
	if err := atomicfile.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write pipeline state file: %w", err)
	}
	return nil
}
