// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

// Package enrich attaches contextual weather data to events. Enrichment
// is strictly best-effort: a failed or rate-limited lookup never delays
// or drops the base event, it only changes the enrichment status.
package enrich

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/wtthornton/ha-ingestor-sub013/internal/config"
	"github.com/wtthornton/ha-ingestor-sub013/internal/logging"
	"github.com/wtthornton/ha-ingestor-sub013/internal/metrics"
	"github.com/wtthornton/ha-ingestor-sub013/internal/models"
)

// Enricher decorates events with a cached weather snapshot.
//
// Lookup discipline, in order:
//  1. A snapshot younger than CacheTTL is reused without any I/O.
//  2. A fetch consumes a rate-limiter token; without one the last known
//     snapshot is reused stale rather than hammering the API.
//  3. The fetch itself runs under a circuit breaker with a hard
//     per-call timeout. While the breaker is open, lookups short-circuit
//     to the stale snapshot.
//
// Thread safety: Enrich is safe for concurrent callers; in practice the
// pipeline calls it from one handler goroutine.
type Enricher struct {
	cfg      config.WeatherConfig
	provider WeatherProvider
	breaker  *gobreaker.CircuitBreaker[*models.WeatherSnapshot]
	limiter  *rate.Limiter

	mu        sync.RWMutex
	snapshot  *models.WeatherSnapshot
	fetchedAt time.Time

	attempts atomic.Uint64
	failures atomic.Uint64
}

// NewEnricher creates an enricher. When cfg.Enabled is false every event
// passes through with status "skipped" and provider is never called.
func NewEnricher(cfg config.WeatherConfig, provider WeatherProvider) *Enricher {
	perSecond := rate.Limit(float64(cfg.RateLimitPerMinute) / 60.0)
	if cfg.RateLimitPerMinute <= 0 {
		perSecond = rate.Inf
	}

	breaker := gobreaker.NewCircuitBreaker[*models.WeatherSnapshot](gobreaker.Settings{
		Name:        "weather-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Weather calls are infrequent (cache TTL gates them), so a
			// short run of consecutive failures is already a strong signal.
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Weather circuit breaker state change")
		},
	})

	return &Enricher{
		cfg:      cfg,
		provider: provider,
		breaker:  breaker,
		limiter:  rate.NewLimiter(perSecond, 1),
	}
}

// Enrich returns the event wrapped with the enrichment outcome. It
// never returns an error; failure is encoded in the status so the
// storage writer persists the base event regardless.
func (e *Enricher) Enrich(ctx context.Context, ev models.Event) models.EnrichedEvent {
	if !e.cfg.Enabled {
		metrics.RecordEnrichment(string(models.EnrichmentSkipped))
		return models.Enriched(ev, models.EnrichmentSkipped, nil)
	}

	if snap := e.cached(); snap != nil {
		metrics.EnrichmentCacheHits.Inc()
		metrics.RecordEnrichment(string(models.EnrichmentOK))
		return models.Enriched(ev, models.EnrichmentOK, snap)
	}
	metrics.EnrichmentCacheMisses.Inc()

	if !e.limiter.Allow() {
		// Budget exhausted: a stale snapshot beats none at all.
		if snap := e.stale(); snap != nil {
			metrics.RecordEnrichment(string(models.EnrichmentOK))
			return models.Enriched(ev, models.EnrichmentOK, snap)
		}
		metrics.RecordEnrichment(string(models.EnrichmentFailed))
		return models.Enriched(ev, models.EnrichmentFailed, nil)
	}

	snap, err := e.fetch(ctx)
	if err != nil {
		e.failures.Add(1)
		if !errors.Is(err, gobreaker.ErrOpenState) {
			logging.Warn().Err(err).Msg("Weather lookup failed")
		}
		if stale := e.stale(); stale != nil {
			metrics.RecordEnrichment(string(models.EnrichmentOK))
			return models.Enriched(ev, models.EnrichmentOK, stale)
		}
		metrics.RecordEnrichment(string(models.EnrichmentFailed))
		return models.Enriched(ev, models.EnrichmentFailed, nil)
	}

	metrics.RecordEnrichment(string(models.EnrichmentOK))
	return models.Enriched(ev, models.EnrichmentOK, snap)
}

// fetch performs one bounded weather API call through the breaker and
// caches the result.
func (e *Enricher) fetch(ctx context.Context) (*models.WeatherSnapshot, error) {
	e.attempts.Add(1)
	start := time.Now()

	snap, err := e.breaker.Execute(func() (*models.WeatherSnapshot, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
		defer cancel()
		return e.provider.Current(fetchCtx)
	})
	metrics.EnrichmentFetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.snapshot = snap
	e.fetchedAt = time.Now()
	e.mu.Unlock()
	return snap, nil
}

// cached returns the snapshot if it is still within the TTL.
func (e *Enricher) cached() *models.WeatherSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.snapshot == nil || time.Since(e.fetchedAt) > e.cfg.CacheTTL {
		return nil
	}
	return e.snapshot
}

// stale returns the last snapshot regardless of age, or nil if no fetch
// ever succeeded.
func (e *Enricher) stale() *models.WeatherSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// FailureRate returns the fraction of fetch attempts that failed, for
// the health aggregator. Zero attempts reads as zero failures.
func (e *Enricher) FailureRate() float64 {
	attempts := e.attempts.Load()
	if attempts == 0 {
		return 0
	}
	return float64(e.failures.Load()) / float64(attempts)
}

// Enabled reports whether enrichment is configured on.
func (e *Enricher) Enabled() bool {
	return e.cfg.Enabled
}

// LastFetch returns the age of the cached snapshot, or false if no
// fetch has succeeded yet.
func (e *Enricher) LastFetch() (time.Time, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.snapshot == nil {
		return time.Time{}, false
	}
	return e.fetchedAt, true
}
