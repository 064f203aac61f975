/*
Portions Copyright (c) Microsoft Corporation.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Note: If this grows too large, this package could be split into multiple, one per subsystem.
var (
	BatchesCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: schedulerSubsystem,
			Name:      "batches_completed_total",
			Help:      "The number of batches a scheduler has driven to completion.",
		},
		[]string{"model", "mode"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: schedulerSubsystem,
			Name:      "batch_size",
			Help:      "Number of calls folded into a single backend invocation.",
			Buckets:   BatchSizeBuckets,
		},
		[]string{"model", "mode"},
	)

	BatchDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: schedulerSubsystem,
			Name:      "batch_duration_seconds",
			Help:      "Wall-clock time spent inside a single Generate or Score backend call.",
			Buckets:   TokenLatencyBuckets,
		},
		[]string{"model", "mode"},
	)

	BackendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: schedulerSubsystem,
			Name:      "backend_errors_total",
			Help:      "The number of batches that failed because the backend returned an error.",
		},
		[]string{"model"},
	)

	CancelledBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: schedulerSubsystem,
			Name:      "cancelled_batches_total",
			Help:      "The number of batches aborted because every constituent call was cancelled.",
		},
		[]string{"model"},
	)

	TokensPerSecond = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: schedulerSubsystem,
			Name:      "tokens_per_second",
			Help:      "Exponentially smoothed token throughput for a loaded scheduler.",
		},
		[]string{"model"},
	)

	AverageBatchSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: schedulerSubsystem,
			Name:      "average_batch_size",
			Help:      "Exponentially smoothed batch size for a loaded scheduler.",
		},
		[]string{"model"},
	)

	SchedulersLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: registrySubsystem,
			Name:      "schedulers_loaded",
			Help:      "The number of schedulers currently held by the registry.",
		},
	)

	SchedulersEvictedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: registrySubsystem,
			Name:      "schedulers_evicted_total",
			Help:      "The number of schedulers the registry has deallocated.",
		},
		[]string{"model"},
	)

	ModelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: registrySubsystem,
			Name:      "model_load_duration_seconds",
			Help:      "Time spent loading a backend for a new scheduler, including retries.",
			Buckets:   ModelLoadBuckets,
		},
		[]string{"model"},
	)

	PolicyRefusalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: registrySubsystem,
			Name:      "policy_refusals_total",
			Help:      "The number of instance() calls refused because the session is static and the model is not loaded.",
		},
		[]string{"model"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: sessionSubsystem,
			Name:      "sessions_active",
			Help:      "The number of open token sessions.",
		},
	)

	StreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: sessionSubsystem,
			Name:      "streams_active",
			Help:      "The number of streams currently tracked across all sessions.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		BatchesCompletedTotal,
		BatchSize,
		BatchDurationSeconds,
		BackendErrorsTotal,
		CancelledBatchesTotal,
		TokensPerSecond,
		AverageBatchSize,
		SchedulersLoaded,
		SchedulersEvictedTotal,
		ModelLoadDuration,
		PolicyRefusalsTotal,
		SessionsActive,
		StreamsActive,
	)
}
