// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

package hass

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// FrameType identifies the kind of an inbound WebSocket frame.
type FrameType string

// Frame types of the Home Assistant WebSocket protocol.
const (
	FrameTypeAuthRequired FrameType = "auth_required"
	FrameTypeAuthOK       FrameType = "auth_ok"
	FrameTypeAuthInvalid  FrameType = "auth_invalid"
	FrameTypeResult       FrameType = "result"
	FrameTypeEvent        FrameType = "event"
	FrameTypePong         FrameType = "pong"
)

// Frame is the decoded union over inbound frame kinds. Dispatch is an
// explicit type switch, so an unhandled frame kind is a visible gap
// rather than a silent dictionary miss.
type Frame interface {
	Type() FrameType
}

// AuthRequiredFrame is the server's first frame on a new connection.
type AuthRequiredFrame struct {
	HAVersion string
}

// Type implements Frame.
func (AuthRequiredFrame) Type() FrameType { return FrameTypeAuthRequired }

// AuthOKFrame acknowledges a successful auth handshake.
type AuthOKFrame struct {
	HAVersion string
}

// Type implements Frame.
func (AuthOKFrame) Type() FrameType { return FrameTypeAuthOK }

// AuthInvalidFrame rejects the supplied access token.
type AuthInvalidFrame struct {
	Message string
}

// Type implements Frame.
func (AuthInvalidFrame) Type() FrameType { return FrameTypeAuthInvalid }

// ResultError carries the error body of a failed result frame.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResultFrame answers a command (subscription, registry query) by id.
type ResultFrame struct {
	ID      uint64
	Success bool
	Result  json.RawMessage
	Err     *ResultError
}

// Type implements Frame.
func (ResultFrame) Type() FrameType { return FrameTypeResult }

// EventFrame carries one event delivered on an active subscription.
type EventFrame struct {
	ID        uint64
	EventType string
	TimeFired time.Time
	EntityID  string
	OldState  map[string]interface{}
	NewState  map[string]interface{}
}

// Type implements Frame.
func (EventFrame) Type() FrameType { return FrameTypeEvent }

// PongFrame answers an application-level ping by id.
type PongFrame struct {
	ID uint64
}

// Type implements Frame.
func (PongFrame) Type() FrameType { return FrameTypePong }

// envelope is the common {id, type} header of every frame.
type envelope struct {
	ID   uint64 `json:"id"`
	Type string `json:"type"`
}

// eventBody mirrors the nested "event" object of an event frame.
type eventBody struct {
	EventType string `json:"event_type"`
	TimeFired string `json:"time_fired"`
	Data      struct {
		EntityID string                 `json:"entity_id"`
		OldState map[string]interface{} `json:"old_state"`
		NewState map[string]interface{} `json:"new_state"`
	} `json:"data"`
}

// ParseFrame decodes a raw text frame into its typed representation.
// A frame with a missing or unknown "type", or a body that does not match
// its declared type, is a parse error: the caller logs and drops it, the
// read loop continues.
func ParseFrame(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame envelope: %w", err)
	}

	switch FrameType(env.Type) {
	case FrameTypeAuthRequired:
		var body struct {
			HAVersion string `json:"ha_version"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode auth_required frame: %w", err)
		}
		return AuthRequiredFrame{HAVersion: body.HAVersion}, nil

	case FrameTypeAuthOK:
		var body struct {
			HAVersion string `json:"ha_version"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode auth_ok frame: %w", err)
		}
		return AuthOKFrame{HAVersion: body.HAVersion}, nil

	case FrameTypeAuthInvalid:
		var body struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode auth_invalid frame: %w", err)
		}
		return AuthInvalidFrame{Message: body.Message}, nil

	case FrameTypeResult:
		var body struct {
			ID      uint64          `json:"id"`
			Success bool            `json:"success"`
			Result  json.RawMessage `json:"result"`
			Error   *ResultError    `json:"error"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode result frame: %w", err)
		}
		return ResultFrame{ID: body.ID, Success: body.Success, Result: body.Result, Err: body.Error}, nil

	case FrameTypeEvent:
		var body struct {
			ID    uint64    `json:"id"`
			Event eventBody `json:"event"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode event frame: %w", err)
		}
		if body.Event.EventType == "" {
			return nil, fmt.Errorf("event frame missing event_type")
		}
		fired, err := parseTimeFired(body.Event.TimeFired)
		if err != nil {
			return nil, fmt.Errorf("event frame time_fired: %w", err)
		}
		return EventFrame{
			ID:        body.ID,
			EventType: body.Event.EventType,
			TimeFired: fired,
			EntityID:  body.Event.Data.EntityID,
			OldState:  body.Event.Data.OldState,
			NewState:  body.Event.Data.NewState,
		}, nil

	case FrameTypePong:
		return PongFrame{ID: env.ID}, nil

	default:
		return nil, fmt.Errorf("unknown frame type %q", env.Type)
	}
}

// parseTimeFired accepts the RFC3339 timestamps Home Assistant emits,
// with or without sub-second precision. An empty value falls back to the
// receive time so a sloppy integration cannot stall the pipeline.
func parseTimeFired(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Outbound command frames.

type authCmd struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

type subscribeEventsCmd struct {
	ID        uint64 `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type"`
}

type pingCmd struct {
	ID   uint64 `json:"id"`
	Type string `json:"type"`
}

type registryListCmd struct {
	ID   uint64 `json:"id"`
	Type string `json:"type"`
}
