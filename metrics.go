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

package gliner

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsNamespace = "antfly"
	metricsSubsystem = "gliner"
)

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

var (
	recognizeRequestOps = counterVec("recognize_request_ops_total",
		"The total number of recognize requests.", "model")
	recognizedTextOps = counterVec("recognized_text_ops_total",
		"The total number of texts processed.", "model")
	entityCreationOps = counterVec("entity_creation_ops_total",
		"The total number of entities extracted.", "model")
	duplicateLabelOps = counterVec("duplicate_label_requests_total",
		"Requests whose label set contained case-folded duplicates.", "model")
	cacheHits = counterVec("cache_hits_total",
		"Total number of cache hits.", "type")
	cacheMisses = counterVec("cache_misses_total",
		"Total number of cache misses.", "type")

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load a model pool.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model", "backend"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "request_duration_seconds",
			Help:      "Time taken to process a request.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "model", "status"},
	)
	batchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "batch_size_texts",
			Help:      "Number of texts per recognize call.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"model"},
	)

	// Queue metrics
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "queue_depth",
		Help:      "Number of requests currently waiting in queue.",
	})
	queueActiveRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "queue_active_requests",
		Help:      "Number of requests currently being processed.",
	})
	queueRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "queue_rejected_total",
		Help:      "Total number of requests rejected due to full queue.",
	})
	queueTimedOutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "queue_timed_out_total",
		Help:      "Total number of requests that timed out while waiting in queue.",
	})
	queueWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "queue_wait_duration_seconds",
		Help:      "Time spent waiting in queue before processing.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
)

func init() {
	prometheus.MustRegister(
		recognizeRequestOps,
		recognizedTextOps,
		entityCreationOps,
		duplicateLabelOps,
		cacheHits,
		cacheMisses,
		modelLoadDuration,
		requestDuration,
		batchSize,
		queueDepth,
		queueActiveRequests,
		queueRejectedTotal,
		queueTimedOutTotal,
		queueWaitDuration,
	)
}

// RecordModelLoadDuration records how long it took to load a model
func RecordModelLoadDuration(model, backend string, seconds float64) {
	modelLoadDuration.WithLabelValues(model, backend).Observe(seconds)
}

// RecordRequestDuration records how long a request took
func RecordRequestDuration(endpoint, model, status string, seconds float64) {
	requestDuration.WithLabelValues(endpoint, model, status).Observe(seconds)
}

func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordRecognizeRequest counts one request over numTexts texts.
func RecordRecognizeRequest(model string, numTexts int) {
	recognizeRequestOps.WithLabelValues(model).Inc()
	recognizedTextOps.WithLabelValues(model).Add(float64(numTexts))
	batchSize.WithLabelValues(model).Observe(float64(numTexts))
}

// RecordEntityCreation records the number of entities extracted
func RecordEntityCreation(model string, count int) {
	entityCreationOps.WithLabelValues(model).Add(float64(count))
}

func RecordDuplicateLabels(model string) {
	duplicateLabelOps.WithLabelValues(model).Inc()
}

// UpdateQueueMetrics updates the queue gauges from QueueStats
func UpdateQueueMetrics(stats QueueStats) {
	queueDepth.Set(float64(stats.CurrentQueued))
	queueActiveRequests.Set(float64(stats.CurrentActive))
}

func RecordQueueRejection() {
	queueRejectedTotal.Inc()
}

func RecordQueueTimeout() {
	queueTimedOutTotal.Inc()
}

// RecordQueueWaitTime records how long a request waited in queue
func RecordQueueWaitTime(seconds float64) {
	queueWaitDuration.Observe(seconds)
}
