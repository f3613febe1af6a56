// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

package hass

import (
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/wtthornton/ha-ingestor-sub013/internal/logging"
	"github.com/wtthornton/ha-ingestor-sub013/internal/metrics"
	"github.com/wtthornton/ha-ingestor-sub013/internal/models"
)

// EventSink receives events produced from inbound event frames. The
// subscriber calls Publish from the read loop, so implementations must
// be fast; the pipeline's buffered channel satisfies this.
type EventSink interface {
	Publish(ev models.Event) error
}

// RegistryEntry is one row of the entity registry, refreshed after each
// successful subscription when registry sync is enabled.
type RegistryEntry struct {
	EntityID string `json:"entity_id"`
	DeviceID string `json:"device_id,omitempty"`
	Platform string `json:"platform,omitempty"`
	Name     string `json:"name,omitempty"`
	Area     string `json:"area_id,omitempty"`
}

// Subscriber implements Handler. It owns the subscription registry:
// which event types are subscribed under which command ids, confirmed or
// pending. On every reconnect the registry is rebuilt from scratch,
// because subscriptions do not survive the server side of a dropped
// connection.
type Subscriber struct {
	eventTypes   []string
	registrySync bool
	sink         EventSink

	mu sync.RWMutex
	// pending maps command id -> event type awaiting a result frame.
	pending map[uint64]string
	// active maps subscription id -> event type, confirmed by the server.
	active map[uint64]string
	// registryID is the in-flight entity registry query id, 0 when idle.
	registryID uint64
	registry   []RegistryEntry
	registryAt time.Time
}

// NewSubscriber creates a subscriber for the given event types.
func NewSubscriber(eventTypes []string, registrySync bool, sink EventSink) *Subscriber {
	return &Subscriber{
		eventTypes:   eventTypes,
		registrySync: registrySync,
		sink:         sink,
		pending:      make(map[uint64]string),
		active:       make(map[uint64]string),
	}
}

// OnConnected implements Handler. Called once per successful handshake;
// it drops any registry state from the previous connection and issues a
// fresh subscribe_events command per configured event type.
func (s *Subscriber) OnConnected(sender Sender) error {
	s.mu.Lock()
	s.pending = make(map[uint64]string)
	s.active = make(map[uint64]string)
	s.registryID = 0
	s.mu.Unlock()

	for _, et := range s.eventTypes {
		id := sender.NextID()
		cmd := subscribeEventsCmd{ID: id, Type: "subscribe_events", EventType: et}
		if err := sender.Send(cmd); err != nil {
			return fmt.Errorf("subscribe to %q: %w", et, err)
		}
		s.mu.Lock()
		s.pending[id] = et
		s.mu.Unlock()
		metrics.SubscriptionsSent.Inc()
		logging.Debug().Uint64("id", id).Str("event_type", et).Msg("Subscription requested")
	}

	if s.registrySync {
		id := sender.NextID()
		if err := sender.Send(registryListCmd{ID: id, Type: "config/entity_registry/list"}); err != nil {
			// Registry sync is a nicety; the event stream matters more.
			logging.Warn().Err(err).Msg("Entity registry query failed to send")
		} else {
			s.mu.Lock()
			s.registryID = id
			s.mu.Unlock()
		}
	}
	return nil
}

// OnFrame implements Handler.
func (s *Subscriber) OnFrame(f Frame) {
	switch frame := f.(type) {
	case ResultFrame:
		s.handleResult(frame)
	case EventFrame:
		s.handleEvent(frame)
	case PongFrame:
		// Heartbeat answered; liveness is tracked by the client.
	default:
		logging.Debug().Str("type", string(f.Type())).Msg("Ignoring frame")
	}
}

// handleResult confirms pending subscriptions and completes registry
// queries. A failed subscription result is logged loudly; the other
// subscriptions stay up.
func (s *Subscriber) handleResult(f ResultFrame) {
	s.mu.Lock()
	if et, ok := s.pending[f.ID]; ok {
		delete(s.pending, f.ID)
		if f.Success {
			s.active[f.ID] = et
			s.mu.Unlock()
			logging.Info().Uint64("id", f.ID).Str("event_type", et).Msg("Subscription confirmed")
			return
		}
		s.mu.Unlock()
		msg := "unknown error"
		if f.Err != nil {
			msg = fmt.Sprintf("%s: %s", f.Err.Code, f.Err.Message)
		}
		logging.Error().Uint64("id", f.ID).Str("event_type", et).Str("reason", msg).
			Msg("Subscription rejected")
		return
	}

	if f.ID == s.registryID && s.registryID != 0 {
		s.registryID = 0
		s.mu.Unlock()
		s.handleRegistryResult(f)
		return
	}
	s.mu.Unlock()
	logging.Debug().Uint64("id", f.ID).Msg("Result for unknown command id")
}

func (s *Subscriber) handleRegistryResult(f ResultFrame) {
	if !f.Success {
		logging.Warn().Uint64("id", f.ID).Msg("Entity registry query rejected")
		return
	}
	var entries []RegistryEntry
	if err := json.Unmarshal(f.Result, &entries); err != nil {
		logging.Warn().Err(err).Msg("Failed to decode entity registry")
		return
	}
	s.mu.Lock()
	s.registry = entries
	s.registryAt = time.Now().UTC()
	s.mu.Unlock()
	logging.Info().Int("entities", len(entries)).Msg("Entity registry synced")
}

// handleEvent converts an event frame to a domain event and hands it to
// the sink. Frames for subscriptions we never made are dropped: after a
// reconnect the server may briefly deliver ids from the old session.
func (s *Subscriber) handleEvent(f EventFrame) {
	s.mu.RLock()
	_, known := s.active[f.ID]
	s.mu.RUnlock()
	if !known {
		logging.Debug().Uint64("id", f.ID).Msg("Event for inactive subscription, dropping")
		return
	}

	ev := models.NewEvent(f.EntityID, f.EventType, f.TimeFired)
	ev.OldState = f.OldState
	ev.NewState = f.NewState

	if err := s.sink.Publish(ev); err != nil {
		logging.Error().Err(err).Str("entity_id", ev.EntityID).Msg("Failed to publish event")
	}
}

// ActiveSubscriptions returns the confirmed event types, for health and
// stats reporting.
func (s *Subscriber) ActiveSubscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.active))
	for _, et := range s.active {
		out = append(out, et)
	}
	return out
}

// Registry returns the last synced entity registry and its sync time.
func (s *Subscriber) Registry() ([]RegistryEntry, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RegistryEntry, len(s.registry))
	copy(out, s.registry)
	return out, s.registryAt
}
