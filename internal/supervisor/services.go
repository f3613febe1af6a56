// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

package supervisor

import (
	"context"

	"github.com/wtthornton/ha-ingestor-sub013/internal/logging"
)

// Runner is anything that blocks in Run until its context ends. The
// WebSocket client, the pipeline router and the HTTP server all expose
// this shape.
type Runner interface {
	Run(ctx context.Context) error
}

// Starter is the storage writer's lifecycle: Start launches background
// work and returns, Close flushes and stops.
type Starter interface {
	Start(ctx context.Context) error
	Close() error
}

// ConnectionService supervises the Home Assistant WebSocket client.
type ConnectionService struct {
	client Runner
}

func NewConnectionService(client Runner) *ConnectionService {
	return &ConnectionService{client: client}
}

// Serve implements suture.Service.
func (s *ConnectionService) Serve(ctx context.Context) error {
	logging.Info().Msg("Starting WebSocket connection service")
	err := s.client.Run(ctx)
	if err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("Connection service failed")
		return err
	}
	logging.Info().Msg("WebSocket connection service stopped")
	return ctx.Err()
}

func (s *ConnectionService) String() string { return "hass-connection" }

// PipelineService supervises the event router.
type PipelineService struct {
	pipeline Runner
}

func NewPipelineService(p Runner) *PipelineService {
	return &PipelineService{pipeline: p}
}

// Serve implements suture.Service.
func (s *PipelineService) Serve(ctx context.Context) error {
	logging.Info().Msg("Starting pipeline service")
	err := s.pipeline.Run(ctx)
	if err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("Pipeline service failed")
		return err
	}
	logging.Info().Msg("Pipeline service stopped")
	return ctx.Err()
}

func (s *PipelineService) String() string { return "pipeline" }

// WriterService supervises the batch writer's flush timer. The final
// flush happens in main via Close so it can outlive the supervision
// context.
type WriterService struct {
	writer Starter
}

func NewWriterService(w Starter) *WriterService {
	return &WriterService{writer: w}
}

// Serve implements suture.Service.
func (s *WriterService) Serve(ctx context.Context) error {
	logging.Info().Msg("Starting storage writer service")
	if err := s.writer.Start(ctx); err != nil {
		logging.Error().Err(err).Msg("Writer service failed to start")
		return err
	}
	<-ctx.Done()
	logging.Info().Msg("Storage writer service stopped")
	return ctx.Err()
}

func (s *WriterService) String() string { return "storage-writer" }

// APIService supervises the admin HTTP server.
type APIService struct {
	server Runner
}

func NewAPIService(server Runner) *APIService {
	return &APIService{server: server}
}

// Serve implements suture.Service.
func (s *APIService) Serve(ctx context.Context) error {
	err := s.server.Run(ctx)
	if err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("API service failed")
		return err
	}
	return ctx.Err()
}

func (s *APIService) String() string { return "admin-api" }
