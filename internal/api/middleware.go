// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/wtthornton/ha-ingestor-sub013/internal/logging"
	"github.com/wtthornton/ha-ingestor-sub013/internal/metrics"
)

// requestID assigns an X-Request-ID header when the client did not send
// one, so log lines across a request can be correlated.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// recovererJSON converts panics into a JSON 500. The default chi
// recoverer writes a plain-text body, which would break the
// everything-is-JSON contract of this API.
func recovererJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("Panic in HTTP handler")
				respondError(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// prometheusMetrics records request counts and latency per route
// pattern. The chi route pattern keeps cardinality bounded; raw paths
// with IDs would explode the label space.
func prometheusMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.RecordAPIRequest(r.Method, pattern, strconv.Itoa(ww.Status()), time.Since(start))
	})
}
