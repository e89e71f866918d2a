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

// Package pipeline implements the sequenced sub-evaluator: pipeline runs,
// their externally persisted state, and the validate/confirm state machine
// that lets a caller advance only by presenting the expected command.
package pipeline

import "time"

// Run statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusAborted    = "aborted"
	StatusFailed     = "failed"
)

// CompletedStep is one confirmed step in a run. StepNumber is 1-based.
type CompletedStep struct {
	StepNumber  int       `json:"step_number"`
	Command     string    `json:"command"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Run is one live instance of executing a pipeline.
//
// CurrentStep is the zero-based index of the next step to be validated and
// always equals len(StepsCompleted). State lives outside the caller: the
// run is mutated only by ConfirmStep and Abort, never by the worker
// presenting it.
type Run struct {
	ID             string          `json:"run_id"`
	Pipeline       string          `json:"pipeline"`
	Agent          string          `json:"agent"`
	StartedAt      time.Time       `json:"started_at"`
	CurrentStep    int             `json:"current_step"`
	Status         string          `json:"status"`
	StepsCompleted []CompletedStep `json:"steps_completed"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	AbortedAt      *time.Time      `json:"aborted_at,omitempty"`
}

// Terminal reports whether the run accepts no further step submissions.
func (r *Run) Terminal() bool {
	return r.Status != StatusInProgress
}

// Clone returns a deep copy safe to hand out of the store.
func (r *Run) Clone() *Run {
	c := *r
	c.StepsCompleted = append([]CompletedStep(nil), r.StepsCompleted...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.AbortedAt != nil {
		t := *r.AbortedAt
		c.AbortedAt = &t
	}
	return &c
}
