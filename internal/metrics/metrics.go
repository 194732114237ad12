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

// Package metrics defines Prometheus collectors for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts executions reaching each status transition.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worchflow_executions_total",
			Help: "Executions by resulting status transition",
		},
		[]string{"status"},
	)

	// ExecutionDuration observes handler wall time per event name.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worchflow_execution_duration_seconds",
			Help:    "Handler execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	// StepsTotal counts step runs by cache outcome.
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worchflow_steps_total",
			Help: "Step executions by cache outcome (hit, miss)",
		},
		[]string{"cache"},
	)

	// RetriesTotal counts automatic re-enqueues after handler failures.
	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worchflow_retries_total",
			Help: "Automatic retry re-enqueues",
		},
	)

	// ScheduleFires counts cron firings, split by catch-up replays.
	ScheduleFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worchflow_schedule_fires_total",
			Help: "Cron schedule firings (missed=true for catch-up replays)",
		},
		[]string{"missed"},
	)

	// LeaderStatus is 1 while this instance holds scheduler leadership.
	LeaderStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worchflow_leader_status",
			Help: "1 if this instance is the scheduler leader",
		},
	)
)
