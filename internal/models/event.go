// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

// Package models defines the shared data types of the ingestion pipeline:
// captured events, their enriched form, health snapshots, and the admin
// API response envelope.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Event represents one state change captured from the event source.
// It is created when an event frame is parsed and is immutable once
// enriched.
type Event struct {
	// ID is the pipeline-assigned correlation id for this event.
	ID uuid.UUID `json:"id"`

	// EntityID identifies the entity the event concerns
	// (e.g. "sensor.living_room_temperature").
	EntityID string `json:"entity_id"`

	// EventType is the source event type ("state_changed",
	// "entity_registry_updated", ...).
	EventType string `json:"event_type"`

	// Occurred is the event's UTC timestamp as reported by the source.
	Occurred time.Time `json:"timestamp"`

	// OldState and NewState carry the opaque attribute payloads. They are
	// retained as raw maps because attribute schemas vary per integration.
	OldState map[string]interface{} `json:"old_state,omitempty"`
	NewState map[string]interface{} `json:"new_state,omitempty"`
}

// NewEvent creates an Event with a fresh correlation id and a UTC timestamp.
func NewEvent(entityID, eventType string, occurred time.Time) Event {
	return Event{
		ID:        uuid.New(),
		EntityID:  entityID,
		EventType: eventType,
		Occurred:  occurred.UTC(),
	}
}

// EnrichmentStatus describes the outcome of the enrichment stage for one
// event. Enrichment is strictly best-effort: a failed enrichment never
// drops the base event.
type EnrichmentStatus string

const (
	// EnrichmentOK means the event carries a weather snapshot.
	EnrichmentOK EnrichmentStatus = "ok"
	// EnrichmentSkipped means enrichment was disabled or not applicable.
	EnrichmentSkipped EnrichmentStatus = "skipped"
	// EnrichmentFailed means the lookup failed or timed out; the base
	// event is unchanged.
	EnrichmentFailed EnrichmentStatus = "failed"
)

// WeatherSnapshot is the contextual data attached to an event by the
// enrichment stage.
type WeatherSnapshot struct {
	Condition    string    `json:"condition"`
	TemperatureC float64   `json:"temperature_c"`
	Humidity     float64   `json:"humidity"`
	PressureHPa  float64   `json:"pressure_hpa"`
	WindSpeed    float64   `json:"wind_speed"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// EnrichedEvent is an Event plus optional enrichment payload and status.
// It is owned exclusively by the pipeline instance processing it.
type EnrichedEvent struct {
	Event

	Enrichment EnrichmentStatus `json:"enrichment"`
	Weather    *WeatherSnapshot `json:"weather,omitempty"`
}

// Enriched wraps an Event with the given enrichment outcome.
func Enriched(ev Event, status EnrichmentStatus, weather *WeatherSnapshot) EnrichedEvent {
	return EnrichedEvent{Event: ev, Enrichment: status, Weather: weather}
}
