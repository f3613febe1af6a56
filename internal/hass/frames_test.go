// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

package hass

import (
	"testing"
	"time"
)

func TestParseFrameAuthSequence(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"auth_required","ha_version":"2026.8.1"}`))
	if err != nil {
		t.Fatalf("parse auth_required: %v", err)
	}
	ar, ok := f.(AuthRequiredFrame)
	if !ok {
		t.Fatalf("expected AuthRequiredFrame, got %T", f)
	}
	if ar.HAVersion != "2026.8.1" {
		t.Errorf("ha_version = %q, want 2026.8.1", ar.HAVersion)
	}

	f, err = ParseFrame([]byte(`{"type":"auth_ok","ha_version":"2026.8.1"}`))
	if err != nil {
		t.Fatalf("parse auth_ok: %v", err)
	}
	if _, ok := f.(AuthOKFrame); !ok {
		t.Fatalf("expected AuthOKFrame, got %T", f)
	}

	f, err = ParseFrame([]byte(`{"type":"auth_invalid","message":"Invalid access token"}`))
	if err != nil {
		t.Fatalf("parse auth_invalid: %v", err)
	}
	ai, ok := f.(AuthInvalidFrame)
	if !ok {
		t.Fatalf("expected AuthInvalidFrame, got %T", f)
	}
	if ai.Message != "Invalid access token" {
		t.Errorf("message = %q", ai.Message)
	}
}

func TestParseFrameResult(t *testing.T) {
	f, err := ParseFrame([]byte(`{"id":3,"type":"result","success":true,"result":null}`))
	if err != nil {
		t.Fatalf("parse result: %v", err)
	}
	r, ok := f.(ResultFrame)
	if !ok {
		t.Fatalf("expected ResultFrame, got %T", f)
	}
	if r.ID != 3 || !r.Success {
		t.Errorf("got id=%d success=%v, want id=3 success=true", r.ID, r.Success)
	}

	f, err = ParseFrame([]byte(`{"id":4,"type":"result","success":false,"error":{"code":"invalid_format","message":"bad event type"}}`))
	if err != nil {
		t.Fatalf("parse failed result: %v", err)
	}
	r = f.(ResultFrame)
	if r.Success {
		t.Error("expected success=false")
	}
	if r.Err == nil || r.Err.Code != "invalid_format" {
		t.Errorf("error = %+v, want code invalid_format", r.Err)
	}
}

func TestParseFrameEvent(t *testing.T) {
	raw := `{
		"id": 2,
		"type": "event",
		"event": {
			"event_type": "state_changed",
			"time_fired": "2026-08-25T10:15:30.123456+00:00",
			"data": {
				"entity_id": "sensor.living_room_temperature",
				"old_state": {"state": "21.5"},
				"new_state": {"state": "21.7"}
			}
		}
	}`
	f, err := ParseFrame([]byte(raw))
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}
	ev, ok := f.(EventFrame)
	if !ok {
		t.Fatalf("expected EventFrame, got %T", f)
	}
	if ev.ID != 2 {
		t.Errorf("id = %d, want 2", ev.ID)
	}
	if ev.EventType != "state_changed" {
		t.Errorf("event_type = %q", ev.EventType)
	}
	if ev.EntityID != "sensor.living_room_temperature" {
		t.Errorf("entity_id = %q", ev.EntityID)
	}
	want := time.Date(2026, 8, 25, 10, 15, 30, 123456000, time.UTC)
	if !ev.TimeFired.Equal(want) {
		t.Errorf("time_fired = %v, want %v", ev.TimeFired, want)
	}
	if ev.NewState["state"] != "21.7" {
		t.Errorf("new_state = %v", ev.NewState)
	}
}

func TestParseFrameEventMissingTimestamp(t *testing.T) {
	raw := `{"id":2,"type":"event","event":{"event_type":"state_changed","data":{"entity_id":"light.kitchen"}}}`
	before := time.Now().UTC()
	f, err := ParseFrame([]byte(raw))
	if err != nil {
		t.Fatalf("parse event without time_fired: %v", err)
	}
	ev := f.(EventFrame)
	if ev.TimeFired.Before(before.Add(-time.Second)) {
		t.Errorf("time_fired not defaulted to now: %v", ev.TimeFired)
	}
}

func TestParseFrameMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"truncated json", `{"type":"event","event":`},
		{"unknown type", `{"id":1,"type":"totally_new_frame"}`},
		{"missing type", `{"id":1}`},
		{"event missing event_type", `{"id":1,"type":"event","event":{"data":{}}}`},
		{"event bad timestamp", `{"id":1,"type":"event","event":{"event_type":"state_changed","time_fired":"not-a-time","data":{}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseFrame([]byte(tc.raw)); err == nil {
				t.Errorf("expected parse error for %s", tc.name)
			}
		})
	}
}

func TestParseFramePong(t *testing.T) {
	f, err := ParseFrame([]byte(`{"id":7,"type":"pong"}`))
	if err != nil {
		t.Fatalf("parse pong: %v", err)
	}
	p, ok := f.(PongFrame)
	if !ok {
		t.Fatalf("expected PongFrame, got %T", f)
	}
	if p.ID != 7 {
		t.Errorf("id = %d, want 7", p.ID)
	}
}
