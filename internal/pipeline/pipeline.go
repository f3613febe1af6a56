// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

// Package pipeline connects the WebSocket subscriber to enrichment and
// storage through an in-process Watermill router. The buffered channel
// decouples the socket read loop from database latency; the router adds
// retries, panic recovery and a poison topic for messages that cannot be
// processed.
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/wtthornton/ha-ingestor-sub013/internal/config"
	"github.com/wtthornton/ha-ingestor-sub013/internal/logging"
	"github.com/wtthornton/ha-ingestor-sub013/internal/metrics"
	"github.com/wtthornton/ha-ingestor-sub013/internal/models"
)

// Topics used on the in-process bus.
const (
	TopicEvents = "events.captured"
	TopicPoison = "events.poison"
)

// Enricher decorates an event with contextual data. Never blocks past
// its internal fetch timeout.
type Enricher interface {
	Enrich(ctx context.Context, ev models.Event) models.EnrichedEvent
}

// Appender accepts enriched events for batched persistence.
type Appender interface {
	Append(ctx context.Context, ev models.EnrichedEvent) error
}

// RecentSink mirrors processed events into the in-memory recent buffer.
type RecentSink interface {
	Add(ev models.EnrichedEvent)
}

// Pipeline owns the pub/sub channel and the router.
type Pipeline struct {
	cfg      config.PipelineConfig
	pubsub   *gochannel.GoChannel
	router   *message.Router
	enricher Enricher
	appender Appender
	recent   RecentSink

	published atomic.Int64
	processed atomic.Int64
	poisoned  atomic.Int64
}

// New builds the pipeline: gochannel pub/sub, router with recoverer,
// retry and poison-queue middleware, and the persist handler.
func New(cfg config.PipelineConfig, enricher Enricher, appender Appender, recent RecentSink) (*Pipeline, error) {
	if enricher == nil || appender == nil {
		return nil, fmt.Errorf("enricher and appender required")
	}

	logger := newLoggerAdapter()
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(cfg.BufferSize),
	}, logger)

	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: cfg.CloseTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	p := &Pipeline{
		cfg:      cfg,
		pubsub:   pubsub,
		router:   router,
		enricher: enricher,
		appender: appender,
		recent:   recent,
	}

	router.AddMiddleware(middleware.Recoverer)

	// PoisonQueue must wrap Retry: the retry budget runs closest to the
	// handler, and only an exhausted budget surfaces to the poison
	// boundary. The other way around, the first error is captured and
	// poisoned before any retry happens.
	poison, err := middleware.PoisonQueue(pubsub, TopicPoison)
	if err != nil {
		return nil, fmt.Errorf("create poison queue: %w", err)
	}
	router.AddMiddleware(poison)

	router.AddMiddleware(middleware.Retry{
		MaxRetries:      cfg.RetryCount,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     time.Minute,
		Multiplier:      2.0,
		Logger:          logger,
	}.Middleware)

	router.AddNoPublisherHandler(
		"event-persister",
		TopicEvents,
		pubsub,
		p.handleEvent,
	)
	router.AddNoPublisherHandler(
		"poison-logger",
		TopicPoison,
		pubsub,
		p.handlePoison,
	)

	return p, nil
}

// Publish implements the subscriber's EventSink. It marshals the event
// and hands it to the channel; with buffer room this never blocks the
// socket read loop.
func (p *Pipeline) Publish(ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("entity_id", ev.EntityID)
	if err := p.pubsub.Publish(TopicEvents, msg); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	p.published.Add(1)
	return nil
}

// Run starts the router and blocks until ctx is canceled.
func (p *Pipeline) Run(ctx context.Context) error {
	return p.router.Run(ctx)
}

// Running returns a channel closed once the router is ready to accept
// messages.
func (p *Pipeline) Running() <-chan struct{} {
	return p.router.Running()
}

// Close drains the router and channel.
func (p *Pipeline) Close() error {
	if err := p.router.Close(); err != nil {
		return fmt.Errorf("close router: %w", err)
	}
	return p.pubsub.Close()
}

// Stats returns cumulative pipeline counters.
func (p *Pipeline) Stats() (published, processed, poisoned int64) {
	return p.published.Load(), p.processed.Load(), p.poisoned.Load()
}

// handleEvent is the single processing path: decode, enrich, append.
// Returned errors trigger the retry middleware; exhausted retries route
// the message to the poison topic.
func (p *Pipeline) handleEvent(msg *message.Message) error {
	var ev models.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		// Undecodable payloads can never succeed; fail straight through
		// the retry budget to the poison topic.
		return fmt.Errorf("decode event payload: %w", err)
	}

	enriched := p.enricher.Enrich(msg.Context(), ev)
	if err := p.appender.Append(msg.Context(), enriched); err != nil {
		return fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	if p.recent != nil {
		p.recent.Add(enriched)
	}
	p.processed.Add(1)
	return nil
}

// handlePoison records dead messages. They are acked here so the poison
// topic does not refill itself.
func (p *Pipeline) handlePoison(msg *message.Message) error {
	p.poisoned.Add(1)
	metrics.PipelineMessagesPoisoned.Inc()
	logging.Error().
		Str("message_id", msg.UUID).
		Str("entity_id", msg.Metadata.Get("entity_id")).
		Str("reason", msg.Metadata.Get(middleware.ReasonForPoisonedKey)).
		Msg("Event routed to poison topic")
	return nil
}
