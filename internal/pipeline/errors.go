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
	"errors"
	"fmt"
)

var (
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("pipeline run not found")

	// ErrConfigGone is returned when the run's tunnel was removed or its
	// pipeline definition dropped after the run started.
	ErrConfigGone = errors.New("pipeline config no longer exists")

	// ErrAllStepsCompleted is returned when a submission arrives after
	// every step has already been confirmed.
	ErrAllStepsCompleted = errors.New("all pipeline steps already completed")

	// ErrNoPipeline is returned when starting a run on a tunnel without a
	// pipeline definition.
	ErrNoPipeline = errors.New("tunnel has no pipeline")
)

// TerminalError reports a submission against a run that is no longer in
// progress.
type TerminalError struct {
	Status string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("pipeline run already %s", e.Status)
}

// WrongStepError reports a submitted command that does not match the
// expected step. It carries both commands so the caller can correct itself.
type WrongStepError struct {
	Expected string
	Received string
	Index    int // zero-based index of the expected step
}

func (e *WrongStepError) Error() string {
	return fmt.Sprintf("expected command %q at step %d, received %q", e.Expected, e.Index+1, e.Received)
}
