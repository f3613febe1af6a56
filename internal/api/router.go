// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wtthornton/ha-ingestor-sub013/internal/config"
)

// NewRouter assembles the admin API. Health probes sit outside the rate
// limiter so an aggressive dashboard cannot starve the orchestrator's
// checks.
func NewRouter(cfg config.APIConfig, handler *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(recovererJSON)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "endpoint not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})

	// Probes: no rate limit, no request metrics.
	r.Group(func(r chi.Router) {
		r.Get("/health", handler.Health)
		r.Get("/health/live", handler.Liveness)
		r.Get("/health/ready", handler.Readiness)
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Query facade: rate limited per client IP.
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(
			cfg.RateLimitReqs,
			cfg.RateLimitWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				respondError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
			}),
		))
		r.Use(prometheusMetrics)

		r.Get("/stats", handler.Stats)
		r.Get("/events", handler.Events)
		r.Get("/events/recent", handler.RecentEvents)
		r.Get("/registry", handler.Registry)
	})

	return r
}
