// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

package hass

import "errors"

var (
	// ErrAuthInvalid means the server rejected the access token during the
	// auth handshake. Retrying with the same token cannot succeed, so the
	// client parks instead of reconnecting.
	ErrAuthInvalid = errors.New("authentication rejected by server")

	// ErrNotConnected is returned by Send when no authenticated connection
	// is available.
	ErrNotConnected = errors.New("websocket not connected")

	// ErrHandshakeTimeout means the server did not complete the auth
	// handshake within the configured window. Treated as a transport
	// error: the client reconnects with backoff.
	ErrHandshakeTimeout = errors.New("auth handshake timed out")
)
