// Copyright 2025 Antfly, Inc.
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
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	stageExecutionOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "relay",
			Name:      "stage_execution_ops_total",
			Help:      "The total number of stage executions scheduled.",
		},
		[]string{"model"},
	)
	stepsCompletedOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "relay",
			Name:      "steps_completed_total",
			Help:      "The total number of decoding steps completed.",
		},
	)
	batchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "relay",
			Name:      "batch_failures_total",
			Help:      "The total number of failed batches.",
		},
	)
	earlyEOSTerminations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "relay",
			Name:      "early_eos_terminations_total",
			Help:      "The total number of requests finished early because every lane emitted EOS.",
		},
	)
	stageRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "relay",
			Name:      "stage_run_duration_seconds",
			Help:      "Time spent inside a stage's synchronous model run.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"model"},
	)
	sessionLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "relay",
			Name:      "session_load_duration_seconds",
			Help:      "Time taken to load a stage's model session.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(stageExecutionOps)
	prometheus.MustRegister(stepsCompletedOps)
	prometheus.MustRegister(batchFailures)
	prometheus.MustRegister(earlyEOSTerminations)
	prometheus.MustRegister(stageRunDuration)
	prometheus.MustRegister(sessionLoadDuration)
}

func recordStageExecution(model string) {
	stageExecutionOps.WithLabelValues(model).Inc()
}

func recordStepCompleted() {
	stepsCompletedOps.Inc()
}

func recordBatchFailure() {
	batchFailures.Inc()
}

func recordEarlyEOS() {
	earlyEOSTerminations.Inc()
}

func observeStageRun(model string, d time.Duration) {
	stageRunDuration.WithLabelValues(model).Observe(d.Seconds())
}

func observeSessionLoad(model string, d time.Duration) {
	sessionLoadDuration.WithLabelValues(model).Observe(d.Seconds())
}
