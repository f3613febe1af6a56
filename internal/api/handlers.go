// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

// Package api serves the admin and query facade: health, stats, event
// queries and Prometheus metrics. The monitoring endpoints (/health,
// /stats, /events) serve their documented document shapes directly;
// everything else, and every failure, is a JSON envelope with a
// machine-readable code.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/wtthornton/ha-ingestor-sub013/internal/config"
	"github.com/wtthornton/ha-ingestor-sub013/internal/hass"
	"github.com/wtthornton/ha-ingestor-sub013/internal/models"
	"github.com/wtthornton/ha-ingestor-sub013/internal/storage"
)

// HealthSource produces aggregated health snapshots.
type HealthSource interface {
	Snapshot(ctx context.Context) models.HealthSnapshot
}

// EventQuerier is the read side of the event store.
type EventQuerier interface {
	QueryEvents(ctx context.Context, f storage.EventFilter) ([]storage.StoredEvent, error)
	Stats(ctx context.Context) (storage.StoreStats, error)
}

// WriterSource exposes batch-writer counters.
type WriterSource interface {
	Stats() storage.WriterStats
}

// ConnectionSource exposes WebSocket connection state and counters.
type ConnectionSource interface {
	State() hass.ConnectionState
	Stats() (reconnects, eventsSeen, framesDropped uint64)
}

// SubscriptionSource exposes the subscription registry and the synced
// entity registry.
type SubscriptionSource interface {
	ActiveSubscriptions() []string
	Registry() ([]hass.RegistryEntry, time.Time)
}

// PipelineSource exposes router throughput counters.
type PipelineSource interface {
	Stats() (published, processed, poisoned int64)
}

// RecentSource serves the in-memory ring of recent events.
type RecentSource interface {
	Recent(n int) []models.EnrichedEvent
	Len() int
}

// Handler implements the HTTP endpoints. Dependencies are interfaces so
// tests can drive each endpoint with hand-rolled fakes.
type Handler struct {
	cfg           config.APIConfig
	health        HealthSource
	store         EventQuerier
	writer        WriterSource
	conn          ConnectionSource
	subscriptions SubscriptionSource
	pipeline      PipelineSource
	recent        RecentSource
}

// NewHandler wires the endpoint dependencies.
func NewHandler(
	cfg config.APIConfig,
	health HealthSource,
	store EventQuerier,
	writer WriterSource,
	conn ConnectionSource,
	subscriptions SubscriptionSource,
	pipeline PipelineSource,
	recent RecentSource,
) *Handler {
	return &Handler{
		cfg:           cfg,
		health:        health,
		store:         store,
		writer:        writer,
		conn:          conn,
		subscriptions: subscriptions,
		pipeline:      pipeline,
		recent:        recent,
	}
}

// Health serves GET /health. The aggregate verdict is the top-level
// status field and each subsystem is a sibling key. Healthy and
// degraded answer 200 so load balancers keep routing while a subsystem
// recovers; unhealthy answers 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.health.Snapshot(r.Context())

	status := http.StatusOK
	if snap.Status == models.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}

	doc := map[string]interface{}{
		"status":         snap.Status,
		"timestamp":      snap.Timestamp,
		"uptime_seconds": snap.Uptime,
	}
	for name, comp := range snap.Components {
		doc[name] = comp
	}
	writeJSON(w, status, doc)
}

// Liveness serves GET /health/live: the process is up and serving HTTP.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, http.StatusOK, map[string]string{"status": "alive"}, 0)
}

// Readiness serves GET /health/ready: ready unless the aggregate is
// unhealthy.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	snap := h.health.Snapshot(r.Context())
	if snap.Status == models.HealthUnhealthy {
		respondError(w, http.StatusServiceUnavailable, "NOT_READY", "service is unhealthy", nil)
		return
	}
	respondOK(w, http.StatusOK, map[string]string{"status": "ready"}, 0)
}

// Stats serves GET /stats: ingestion counters across all stages, as a
// top-level document.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	storeStats, err := h.store.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", "failed to read store statistics", err)
		return
	}

	reconnects, eventsSeen, framesDropped := h.conn.Stats()
	published, processed, poisoned := h.pipeline.Stats()
	writerStats := h.writer.Stats()

	snap := models.StatsSnapshot{
		TotalEvents:     storeStats.TotalEvents,
		EventsPerMinute: storeStats.EventsPerMinute,
		LastEventTime:   storeStats.LastEventTime,
		Services: map[string]interface{}{
			"websocket": map[string]interface{}{
				"state":          h.conn.State().String(),
				"reconnects":     reconnects,
				"events_seen":    eventsSeen,
				"frames_dropped": framesDropped,
				"subscriptions":  h.subscriptions.ActiveSubscriptions(),
			},
			"pipeline": map[string]interface{}{
				"published": published,
				"processed": processed,
				"poisoned":  poisoned,
			},
			"storage": writerStats,
		},
	}
	writeJSON(w, http.StatusOK, snap)
}

// Events serves GET /events with entity_id, event_type, since, until,
// limit and offset query parameters, answering a JSON array of events.
// Limits are clamped to the configured maximum rather than rejected.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	limit := getIntParam(r, "limit", h.cfg.DefaultPageSize)
	if limit <= 0 {
		limit = h.cfg.DefaultPageSize
	}
	if limit > h.cfg.MaxPageSize {
		limit = h.cfg.MaxPageSize
	}
	offset := getIntParam(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	filter := storage.EventFilter{
		EntityID:  r.URL.Query().Get("entity_id"),
		EventType: r.URL.Query().Get("event_type"),
		Since:     getTimeParam(r, "since"),
		Until:     getTimeParam(r, "until"),
		Limit:     limit,
		Offset:    offset,
	}

	events, err := h.store.QueryEvents(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", "failed to query events", err)
		return
	}

	writeJSON(w, http.StatusOK, events)
}

// RecentEvents serves GET /events/recent straight from the in-memory
// ring, bypassing the database. Same array shape as GET /events.
func (h *Handler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := getIntParam(r, "limit", h.cfg.DefaultPageSize)
	events := h.recent.Recent(limit)
	if events == nil {
		events = []models.EnrichedEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Registry serves GET /registry: the last synced entity registry.
func (h *Handler) Registry(w http.ResponseWriter, _ *http.Request) {
	start := time.Now()
	entries, syncedAt := h.subscriptions.Registry()
	payload := map[string]interface{}{
		"entities": entries,
		"count":    len(entries),
	}
	if !syncedAt.IsZero() {
		payload["synced_at"] = syncedAt
	}
	respondOK(w, http.StatusOK, payload, time.Since(start))
}
