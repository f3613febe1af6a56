// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

package hass

// ConnectionState is the observable lifecycle state of the WebSocket
// connection. Transitions are driven solely by the client's run loop;
// consumers (health checks, metrics) only read it.
type ConnectionState int32

const (
	// StateDisconnected means no connection exists. This is both the
	// initial state and the state during backoff between attempts.
	StateDisconnected ConnectionState = iota

	// StateConnecting means a WebSocket dial is in flight.
	StateConnecting

	// StateAuthenticating means the socket is open and the auth handshake
	// is in progress.
	StateAuthenticating

	// StateSubscribed means the handshake succeeded and event
	// subscriptions are active. This is the steady state.
	StateSubscribed

	// StateDegraded means the connection is open but has been silent
	// longer than the heartbeat timeout. Any inbound frame returns the
	// connection to StateSubscribed.
	StateDegraded
)

// String returns the lowercase label used in logs and health snapshots.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}
