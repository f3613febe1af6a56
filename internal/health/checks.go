// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/wtthornton/ha-ingestor-sub013/internal/config"
	"github.com/wtthornton/ha-ingestor-sub013/internal/hass"
	"github.com/wtthornton/ha-ingestor-sub013/internal/models"
)

// ConnectionStatus is the read-only view of the WebSocket client the
// connection check needs.
type ConnectionStatus interface {
	State() hass.ConnectionState
	AuthFailed() bool
	DisconnectedSince() time.Time
	LastContact() time.Time
}

// ConnectionCheck reports the WebSocket connection health with a grace
// period: a brief outage during reconnect is degraded, not unhealthy. A
// rejected token is immediately unhealthy since no retry will fix it.
func ConnectionCheck(client ConnectionStatus, cfg config.HealthConfig) Checkable {
	return CheckableFunc(func(_ context.Context) models.ComponentHealth {
		now := time.Now().UTC()
		state := client.State()
		ch := models.ComponentHealth{
			Name:      "websocket",
			LastCheck: now,
			Details: map[string]interface{}{
				"state": state.String(),
			},
		}
		if lc := client.LastContact(); !lc.IsZero() {
			ch.Details["last_contact"] = lc.UTC()
		}

		switch {
		case client.AuthFailed():
			ch.Message = "authentication rejected; update the access token and restart"
			ch.Error = "auth_invalid"

		case state == hass.StateSubscribed:
			ch.Healthy = true

		case state == hass.StateDegraded:
			ch.Healthy = true
			ch.Degraded = true
			ch.Message = "connection silent past heartbeat timeout"

		default:
			down := now.Sub(client.DisconnectedSince())
			if since := client.DisconnectedSince(); !since.IsZero() && down <= cfg.ConnectionGrace {
				ch.Healthy = true
				ch.Degraded = true
				ch.Message = fmt.Sprintf("reconnecting (down %s)", down.Round(time.Second))
			} else {
				ch.Message = fmt.Sprintf("disconnected beyond %s grace period", cfg.ConnectionGrace)
			}
		}
		return ch
	})
}

// Pinger is the database liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WriterStatus is the read-only view of the batch writer.
type WriterStatus interface {
	LastWrite() time.Time
	Stats() WriterCounters
}

// WriterCounters is the subset of writer statistics the storage check
// consumes.
type WriterCounters struct {
	EventsReceived int64
	EventsFlushed  int64
	BatchesDropped int64
	LastError      string
}

// StorageCheck reports event store health. The store is unhealthy when
// the database does not answer, or when events keep arriving but no
// write has succeeded within the grace period. Dropped batches degrade.
func StorageCheck(db Pinger, writer WriterStatus, cfg config.HealthConfig) Checkable {
	return CheckableFunc(func(ctx context.Context) models.ComponentHealth {
		now := time.Now().UTC()
		stats := writer.Stats()
		ch := models.ComponentHealth{
			Name:      "storage",
			LastCheck: now,
			Details: map[string]interface{}{
				"events_received": stats.EventsReceived,
				"events_flushed":  stats.EventsFlushed,
				"batches_dropped": stats.BatchesDropped,
			},
		}

		if err := db.Ping(ctx); err != nil {
			ch.Message = "database not responding"
			ch.Error = err.Error()
			return ch
		}

		lastWrite := writer.LastWrite()
		backlog := stats.EventsReceived > stats.EventsFlushed
		if backlog && !lastWrite.IsZero() && now.Sub(lastWrite) > cfg.WriteGrace {
			ch.Message = fmt.Sprintf("no successful write in %s with events pending", now.Sub(lastWrite).Round(time.Second))
			ch.Error = stats.LastError
			return ch
		}
		if backlog && lastWrite.IsZero() && stats.LastError != "" {
			ch.Message = "no write has ever succeeded"
			ch.Error = stats.LastError
			return ch
		}

		ch.Healthy = true
		if stats.BatchesDropped > 0 || stats.LastError != "" {
			ch.Degraded = true
			ch.Message = "recent write failures"
			ch.Error = stats.LastError
		}
		return ch
	})
}

// EnrichmentStatus is the read-only view of the enricher.
type EnrichmentStatus interface {
	Enabled() bool
	FailureRate() float64
	LastFetch() (time.Time, bool)
}

// enrichmentDegradedRate is the failure fraction past which enrichment
// counts as degraded. Enrichment is best-effort, so it never drives the
// service unhealthy.
const enrichmentDegradedRate = 0.10

// EnrichmentCheck reports weather enrichment health.
func EnrichmentCheck(enricher EnrichmentStatus) Checkable {
	return CheckableFunc(func(_ context.Context) models.ComponentHealth {
		ch := models.ComponentHealth{
			Name:      "enrichment",
			Healthy:   true,
			LastCheck: time.Now().UTC(),
		}
		if !enricher.Enabled() {
			ch.Message = "disabled"
			return ch
		}

		rate := enricher.FailureRate()
		ch.Details = map[string]interface{}{"failure_rate": rate}
		if at, ok := enricher.LastFetch(); ok {
			ch.Details["last_fetch"] = at.UTC()
		}
		if rate > enrichmentDegradedRate {
			ch.Degraded = true
			ch.Message = fmt.Sprintf("weather lookup failure rate %.0f%%", rate*100)
		}
		return ch
	})
}

// PipelineStats is the read-only view of the in-process router.
type PipelineStats interface {
	Stats() (published, processed, poisoned int64)
}

// PipelineCheck reports router throughput. Poisoned messages degrade;
// the router itself failing surfaces through storage and connection
// checks, so this check never reports unhealthy.
func PipelineCheck(p PipelineStats) Checkable {
	return CheckableFunc(func(_ context.Context) models.ComponentHealth {
		published, processed, poisoned := p.Stats()
		ch := models.ComponentHealth{
			Name:      "pipeline",
			Healthy:   true,
			LastCheck: time.Now().UTC(),
			Details: map[string]interface{}{
				"published": published,
				"processed": processed,
				"poisoned":  poisoned,
			},
		}
		if poisoned > 0 {
			ch.Degraded = true
			ch.Message = fmt.Sprintf("%d messages routed to poison topic", poisoned)
		}
		return ch
	})
}
