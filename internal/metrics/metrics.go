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

// Package metrics exposes Prometheus instrumentation for the durable
// execution engines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolInProgress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "durable_pool_in_progress",
			Help: "Work items currently dispatched per pool",
		},
		[]string{"pool"},
	)

	poolCompletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_pool_completions_total",
			Help: "Finalized work items per pool by result kind",
		},
		[]string{"pool", "result"},
	)

	poolRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_pool_retries_total",
			Help: "Retry dispatches per pool",
		},
		[]string{"pool"},
	)

	poolTickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "durable_pool_tick_duration_seconds",
			Help:    "Duration of workpool main-loop ticks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pool"},
	)

	workflowTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_workflow_ticks_total",
			Help: "Workflow replay ticks by outcome",
		},
		[]string{"outcome"},
	)

	schedulerDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_scheduler_dispatches_total",
			Help: "Scheduler entries executed by terminal state",
		},
		[]string{"state"},
	)
)

// RecordInProgress sets the in-progress gauge for a pool.
func RecordInProgress(pool string, n int) {
	poolInProgress.WithLabelValues(pool).Set(float64(n))
}

// RecordCompletion counts a finalized work item.
func RecordCompletion(pool, result string) {
	poolCompletions.WithLabelValues(pool, result).Inc()
}

// RecordRetry counts a retry dispatch.
func RecordRetry(pool string) {
	poolRetries.WithLabelValues(pool).Inc()
}

// ObserveTick records a main-loop tick duration in seconds.
func ObserveTick(pool string, seconds float64) {
	poolTickDuration.WithLabelValues(pool).Observe(seconds)
}

// RecordWorkflowTick counts a replay tick by outcome
// (shortCircuit, blocked, completed, failed).
func RecordWorkflowTick(outcome string) {
	workflowTicks.WithLabelValues(outcome).Inc()
}

// RecordDispatch counts a scheduler execution by terminal state.
func RecordDispatch(state string) {
	schedulerDispatches.WithLabelValues(state).Inc()
}
