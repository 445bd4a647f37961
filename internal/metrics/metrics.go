// Copyright 2026 The Forgeline Authors
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

// Package metrics defines the Prometheus instrumentation surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhooksReceived counts inbound webhook deliveries by outcome
	// (accepted, duplicate, rejected).
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_webhooks_received_total",
		Help: "Inbound webhook deliveries by outcome.",
	}, []string{"outcome"})

	// QueueDepth tracks pending queue entries.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_queue_depth",
		Help: "Queue entries waiting for dispatch.",
	})

	// QueueWaitSeconds observes time spent waiting in the queue before
	// dispatch.
	QueueWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_queue_wait_seconds",
		Help:    "Seconds between enqueue and dispatch.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})

	// RunsStarted counts runs by kind (initial, reactivation).
	RunsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_runs_started_total",
		Help: "Runs started by kind.",
	}, []string{"kind"})

	// RunsSettled counts runs reaching a terminal status.
	RunsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_runs_settled_total",
		Help: "Runs reaching a terminal status.",
	}, []string{"status"})

	// RunDurationSeconds observes end-to-end run duration.
	RunDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_run_duration_seconds",
		Help:    "End-to-end run duration.",
		Buckets: prometheus.ExponentialBuckets(10, 3, 10),
	})

	// StepRetries counts step retries by step name.
	StepRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_step_retries_total",
		Help: "Step retries by step name.",
	}, []string{"step"})

	// LocksAcquired counts lock acquisition attempts by outcome
	// (acquired, refused).
	LocksAcquired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_locks_acquired_total",
		Help: "Lock acquisition attempts by outcome.",
	}, []string{"outcome"})

	// LocksForceReleased counts locks released by the staleness sweeper.
	LocksForceReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_locks_force_released_total",
		Help: "Locks released after exceeding their TTL.",
	})

	// ValidationsSettled counts validations by final status.
	ValidationsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_validations_settled_total",
		Help: "Validations by final status.",
	}, []string{"status"})

	// Reactivations counts reactivation classifications by action.
	Reactivations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_reactivations_total",
		Help: "Reactivation classifications by action.",
	}, []string{"action"})

	// BrokerPublishFailures counts failed dispatch publishes.
	BrokerPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_broker_publish_failures_total",
		Help: "Failed broker publishes.",
	})
)
