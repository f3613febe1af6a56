// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

// Package metrics provides Prometheus instrumentation for the ingestion
// pipeline: WebSocket connection lifecycle, frame handling, enrichment
// cache efficiency, storage batching, and the admin API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocket connection metrics
	WSConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hass_connection_state",
			Help: "Current connection state (0=disconnected, 1=connecting, 2=authenticating, 3=subscribed, 4=degraded)",
		},
	)

	WSReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hass_reconnects_total",
			Help: "Total number of reconnect attempts",
		},
	)

	WSAuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hass_auth_failures_total",
			Help: "Total number of rejected authentication handshakes",
		},
	)

	WSHeartbeatMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hass_heartbeat_misses_total",
			Help: "Total number of heartbeat timeouts that forced a reconnect",
		},
	)

	// Frame handling metrics
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hass_frames_received_total",
			Help: "Total number of frames received by type",
		},
		[]string{"type"}, // auth_required, auth_ok, auth_invalid, result, event, pong, unknown
	)

	FramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hass_frames_dropped_total",
			Help: "Total number of malformed frames dropped",
		},
	)

	EventsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_received_total",
			Help: "Total number of events produced from event frames",
		},
	)

	SubscriptionsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hass_subscriptions_sent_total",
			Help: "Total number of subscribe_events commands sent (including resubscribes)",
		},
	)

	// Enrichment metrics
	EnrichmentResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_results_total",
			Help: "Total number of enrichment outcomes by status",
		},
		[]string{"status"}, // ok, skipped, failed
	)

	EnrichmentCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "enrichment_cache_hits_total",
			Help: "Total number of weather cache hits",
		},
	)

	EnrichmentCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "enrichment_cache_misses_total",
			Help: "Total number of weather cache misses (API fetch required)",
		},
	)

	EnrichmentFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enrichment_fetch_duration_seconds",
			Help:    "Duration of weather API calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Storage metrics
	StorageEventsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storage_events_written_total",
			Help: "Total number of events successfully written to the store",
		},
	)

	StorageDuplicatesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storage_duplicates_skipped_total",
			Help: "Total number of events skipped by natural-key deduplication",
		},
	)

	StorageWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storage_write_errors_total",
			Help: "Total number of failed batch writes (before retries are exhausted)",
		},
	)

	StorageBatchesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storage_batches_dropped_total",
			Help: "Total number of batches dropped after exhausting the retry budget",
		},
	)

	StorageFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storage_flush_duration_seconds",
			Help:    "Duration of batch flush operations",
			Buckets: prometheus.DefBuckets,
		},
	)

	StorageBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storage_batch_size",
			Help:    "Number of events in each batch flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// Pipeline metrics
	PipelineMessagesPoisoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_messages_poisoned_total",
			Help: "Total number of messages routed to the poison topic",
		},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// System metrics
	AppUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)
)

// RecordFrame records an inbound frame by type.
func RecordFrame(frameType string) {
	FramesReceived.WithLabelValues(frameType).Inc()
}

// RecordEnrichment records one enrichment outcome.
func RecordEnrichment(status string) {
	EnrichmentResults.WithLabelValues(status).Inc()
}

// RecordFlush records a batch flush operation.
func RecordFlush(duration time.Duration, batchSize int) {
	StorageFlushDuration.Observe(duration.Seconds())
	StorageBatchSize.Observe(float64(batchSize))
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
