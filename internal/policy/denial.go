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

package policy

// Kind classifies why a request was denied. Kinds are stable identifiers
// used for metrics labels and the audit trail; Reason carries the
// human-readable message returned to the caller.
type Kind string

const (
	KindAuthMissing           Kind = "AuthMissing"
	KindAuthInvalid           Kind = "AuthInvalid"
	KindAuthRevoked           Kind = "AuthRevoked"
	KindRateLimited           Kind = "RateLimited"
	KindTunnelUnknown         Kind = "TunnelUnknown"
	KindMethodNotAllowed      Kind = "MethodNotAllowed"
	KindPathNotAllowed        Kind = "PathNotAllowed"
	KindBadJSON               Kind = "BadJSON"
	KindCommandNotWhitelisted Kind = "CommandNotWhitelisted"
	KindForbiddenKeyword      Kind = "ForbiddenKeyword"
	KindStrictModeEmpty       Kind = "StrictModeEmpty"
	KindPipelineWrongStep     Kind = "PipelineWrongStep"
	KindPipelineRunMissing    Kind = "PipelineRunMissing"
	KindPipelineTerminal      Kind = "PipelineTerminal"
	KindPipelineConfigGone    Kind = "PipelineConfigGone"
	KindNotFound              Kind = "NotFound"
	KindInternal              Kind = "Internal"
)

// Denial is a structured policy rejection. Every denial carries a
// human-readable reason so the caller can correct its request.
type Denial struct {
	Kind   Kind
	Reason string

	// ExpectedCommand is set iff Kind is KindPipelineWrongStep.
	ExpectedCommand string
}
