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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// decisionsTotal tracks policy decisions by outcome
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_decisions_total",
			Help: "Total policy decisions by outcome (allowed, denied)",
		},
		[]string{"outcome"},
	)

	// denialsTotal tracks denials by error kind
	denialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_denials_total",
			Help: "Total policy denials by error kind",
		},
		[]string{"kind"},
	)

	// rateLimitedTotal tracks requests rejected by either rate limit
	rateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tollgate_rate_limited_total",
			Help: "Total requests rejected by burst or daily rate limits",
		},
	)

	// pipelineStepsTotal tracks pipeline step submissions by result
	pipelineStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_pipeline_steps_total",
			Help: "Total pipeline step submissions by result (confirmed, denied)",
		},
		[]string{"result"},
	)

	// configReloadsTotal tracks watcher-triggered reloads
	configReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_config_reloads_total",
			Help: "Total state file reloads by file and result",
		},
		[]string{"file", "result"},
	)
)
