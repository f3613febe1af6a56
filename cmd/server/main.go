// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

// Package main is the entry point for the ha-ingestor server.
//
// ha-ingestor connects to a Home Assistant instance over WebSocket,
// subscribes to state change events, enriches them with local weather
// data and persists them into DuckDB for time-series queries.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: environment variables and config file (Koanf v2)
//  2. Database: DuckDB event store with schema migration
//  3. Storage writer: batched inserts with bounded retries
//  4. Weather enrichment: cached OpenWeatherMap lookups
//  5. Pipeline: Watermill router with retry and poison queue
//  6. WebSocket client: auth handshake, subscriptions, reconnect loop
//  7. Health checker: per-component checks with grace periods
//  8. HTTP server: JSON admin API with Prometheus metrics
//
// Everything runs under a Suture supervisor tree. A crash in the
// ingest layer restarts only ingestion; the admin API keeps serving
// health and query requests.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (HA_URL, HA_TOKEN, ...)
//   - Config file (config.yaml)
//   - Built-in defaults
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM:
//   - Stops the WebSocket client and pipeline
//   - Drains in-flight requests on the admin API
//   - Flushes buffered events and closes the database
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wtthornton/ha-ingestor-sub013/internal/api"
	"github.com/wtthornton/ha-ingestor-sub013/internal/config"
	"github.com/wtthornton/ha-ingestor-sub013/internal/enrich"
	"github.com/wtthornton/ha-ingestor-sub013/internal/hass"
	"github.com/wtthornton/ha-ingestor-sub013/internal/health"
	"github.com/wtthornton/ha-ingestor-sub013/internal/logging"
	"github.com/wtthornton/ha-ingestor-sub013/internal/pipeline"
	"github.com/wtthornton/ha-ingestor-sub013/internal/storage"
	"github.com/wtthornton/ha-ingestor-sub013/internal/supervisor"
)

func main() {
	// Load configuration first to get logging settings.
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logging.Info().
		Str("ha_url", cfg.HomeAssistant.URL).
		Str("db_path", cfg.Database.Path).
		Bool("weather_enabled", cfg.Weather.Enabled).
		Strs("event_types", cfg.HomeAssistant.EventTypes).
		Msg("Configuration loaded")

	// Event store.
	store, err := storage.Open(cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open event store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event store")
		}
	}()

	// Batch writer over the store.
	writer, err := storage.NewWriter(store, cfg.Storage)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create storage writer")
	}

	// Weather enrichment. With enrichment disabled the enricher passes
	// events through with status "skipped".
	enricher := enrich.NewEnricher(cfg.Weather, enrich.NewAPIClient(cfg.Weather))

	// In-memory ring for /events/recent.
	recent := storage.NewRecentBuffer(cfg.API.MaxPageSize)

	// Event pipeline: WebSocket reader -> enrichment -> writer.
	pipe, err := pipeline.New(cfg.Pipeline, enricher, writer, recent)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create pipeline")
	}

	// WebSocket client with the subscriber as its frame handler.
	subscriber := hass.NewSubscriber(cfg.HomeAssistant.EventTypes, cfg.HomeAssistant.RegistrySync, pipe)
	client := hass.NewClient(cfg.HomeAssistant, subscriber)

	// Health aggregation.
	checker := health.NewChecker(cfg.Health)
	checker.Register("websocket", health.ConnectionCheck(client, cfg.Health))
	checker.Register("storage", health.StorageCheck(store, writerHealth{writer}, cfg.Health))
	checker.Register("enrichment", health.EnrichmentCheck(enricher))
	checker.Register("pipeline", health.PipelineCheck(pipe))

	// Admin API.
	handler := api.NewHandler(cfg.API, checker, store, writer, client, subscriber, pipe, recent)
	server := api.NewServer(cfg.Server, api.NewRouter(cfg.API, handler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddIngestService(supervisor.NewWriterService(writer))
	tree.AddIngestService(supervisor.NewPipelineService(pipe))
	tree.AddIngestService(supervisor.NewConnectionService(client))
	tree.AddAPIService(supervisor.NewAPIService(server))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	// Final drain: close the pipeline so no handler is mid-flight, then
	// flush whatever the writer still buffers.
	if err := pipe.Close(); err != nil {
		logging.Error().Err(err).Msg("Error closing pipeline")
	}
	if err := writer.Close(); err != nil {
		logging.Error().Err(err).Msg("Final flush failed")
	}

	logging.Info().Msg("Application stopped gracefully")
}

// writerHealth narrows the writer's statistics to what the storage
// health check consumes.
type writerHealth struct {
	w *storage.Writer
}

func (a writerHealth) LastWrite() time.Time { return a.w.LastWrite() }

func (a writerHealth) Stats() health.WriterCounters {
	s := a.w.Stats()
	return health.WriterCounters{
		EventsReceived: s.EventsReceived,
		EventsFlushed:  s.EventsFlushed,
		BatchesDropped: s.BatchesDropped,
		LastError:      s.LastError,
	}
}
