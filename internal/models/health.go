// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

package models

import "time"

// HealthStatus is the three-level overall verdict.
type HealthStatus string

const (
	// HealthHealthy means all subsystems are nominal.
	HealthHealthy HealthStatus = "healthy"
	// HealthDegraded means a non-critical subsystem is impaired but
	// ingestion and storage continue.
	HealthDegraded HealthStatus = "degraded"
	// HealthUnhealthy means ingestion or storage has failed beyond its
	// grace period.
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is the health of a single subsystem.
type ComponentHealth struct {
	Healthy   bool                   `json:"healthy"`
	Degraded  bool                   `json:"degraded,omitempty"`
	Name      string                 `json:"name"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	LastCheck time.Time              `json:"last_check"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthSnapshot is the aggregated view returned by the health aggregator.
// It is recomputed on each query; no history is kept.
type HealthSnapshot struct {
	Status     HealthStatus               `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     float64                    `json:"uptime_seconds"`
}

// StatsSnapshot carries the counters exposed via GET /stats.
type StatsSnapshot struct {
	TotalEvents     int64                  `json:"total_events"`
	EventsPerMinute float64                `json:"events_per_minute"`
	LastEventTime   *time.Time             `json:"last_event_time"`
	Services        map[string]interface{} `json:"services"`
}
