// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

// Package hass implements the WebSocket client for the Home Assistant
// event stream: connection lifecycle with exponential-backoff reconnect,
// the token auth handshake, heartbeat supervision, and typed frame
// dispatch to a registered handler.
package hass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/wtthornton/ha-ingestor-sub013/internal/config"
	"github.com/wtthornton/ha-ingestor-sub013/internal/logging"
	"github.com/wtthornton/ha-ingestor-sub013/internal/metrics"
)

// Sender is the outbound half of an authenticated connection, handed to
// the Handler on each (re)connect. Command ids are allocated from a
// per-session counter; the server requires them to be strictly
// increasing within a connection.
type Sender interface {
	// Send marshals cmd to JSON and writes it as one text frame.
	// Returns ErrNotConnected if the connection is gone.
	Send(cmd interface{}) error

	// NextID returns the next command id for this connection.
	NextID() uint64
}

// Handler receives connection lifecycle callbacks and inbound frames.
// OnFrame is called from the read loop; implementations must not block,
// or the socket stalls and the heartbeat supervisor will kill it.
type Handler interface {
	// OnConnected is called after each successful auth handshake, before
	// any frames are dispatched. This is where subscriptions are
	// (re)established. A returned error tears the connection down and
	// triggers a reconnect.
	OnConnected(s Sender) error

	// OnFrame is called for every parsed inbound frame.
	OnFrame(f Frame)
}

// Client maintains the WebSocket connection to Home Assistant.
//
// Lifecycle:
//   - Run owns the connection: dial, auth handshake, read loop, teardown,
//     backoff, repeat. It returns only when ctx is canceled.
//   - Transport failures (dial errors, read errors, heartbeat timeouts)
//     reconnect forever with exponential backoff, 1s doubling to a 32s
//     cap by default, reset after a successful handshake.
//   - An auth rejection is terminal for the token: the client parks in
//     StateDisconnected until ctx is canceled, and health reports it.
//
// Thread safety: Run is single-use; State, Stats and Send are safe for
// concurrent callers.
type Client struct {
	cfg     config.HomeAssistantConfig
	handler Handler

	state atomic.Int32

	connMu  sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	cmdID   atomic.Uint64

	// lastContact is the UnixNano of the most recent inbound frame.
	lastContact    atomic.Int64
	disconnectedAt atomic.Int64 // UnixNano of last transition to Disconnected; 0 while connected
	authFailed     atomic.Bool
	sessionAuthed  atomic.Bool

	reconnects    atomic.Uint64
	framesDropped atomic.Uint64
	eventsSeen    atomic.Uint64
}

// NewClient creates a client for the given connection config. The handler
// is fixed for the client's lifetime.
func NewClient(cfg config.HomeAssistantConfig, handler Handler) *Client {
	c := &Client{
		cfg:     cfg,
		handler: handler,
	}
	c.markDisconnected()
	return c
}

// Run drives the connection until ctx is canceled. It never returns a
// transport error; those are logged and retried. The only early-exit
// condition besides cancellation is an auth rejection, after which the
// client parks (still blocking) so the rest of the process keeps serving
// health and queries.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectInitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := c.cfg.ReconnectMaxDelay
	if maxDelay < delay {
		maxDelay = delay
	}

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.runOnce(ctx)
		if err == nil || ctx.Err() != nil {
			c.markDisconnected()
			return ctx.Err()
		}

		if err == ErrAuthInvalid {
			c.authFailed.Store(true)
			c.markDisconnected()
			metrics.WSAuthFailures.Inc()
			logging.Error().
				Msg("Authentication rejected; not retrying until restart with a valid token")
			// Park: keep the process alive for health/diagnostics.
			<-ctx.Done()
			return ctx.Err()
		}

		c.markDisconnected()
		c.reconnects.Add(1)
		metrics.WSReconnects.Inc()
		logging.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("Connection lost, reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		// A session that got past auth resets the schedule; a string of
		// failed dials keeps climbing toward the cap.
		if c.sessionAuthed.Swap(false) {
			delay = c.cfg.ReconnectInitialDelay
			attempt = 0
		} else {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}
}

// runOnce performs one full connection session: dial, handshake, read
// loop. It returns when the session ends, with nil only on context
// cancellation.
func (c *Client) runOnce(ctx context.Context) error {
	c.setState(StateConnecting)

	wsURL, err := websocketURL(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  c.cfg.HandshakeTimeout,
		EnableCompression: true,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer c.closeConnection()

	// Command ids restart from 1 on each connection.
	c.cmdID.Store(0)

	if err := c.authenticate(conn); err != nil {
		return err
	}

	c.authFailed.Store(false)
	c.sessionAuthed.Store(true)
	c.disconnectedAt.Store(0)
	c.touch()
	c.setState(StateSubscribed)
	logging.Info().Str("url", wsURL).Msg("WebSocket authenticated")

	if err := c.handler.OnConnected(c); err != nil {
		return fmt.Errorf("post-connect setup: %w", err)
	}

	// Per-session supervisors: the heartbeat loop, and a watcher that
	// closes the socket on cancellation so the read loop is never left
	// blocked in a read against a session that is already over. Defers
	// run LIFO: cancel first, then wait, then the idempotent close.
	sessionCtx, sessionCancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(sessionCtx, conn)
	}()
	go func() {
		defer wg.Done()
		<-sessionCtx.Done()
		c.closeConnection()
	}()
	defer wg.Wait()
	defer sessionCancel()

	return c.readLoop(sessionCtx, conn)
}

// authenticate performs the auth_required -> auth -> auth_ok exchange.
// The whole exchange is bounded by HandshakeTimeout via read deadlines.
func (c *Client) authenticate(conn *websocket.Conn) error {
	c.setState(StateAuthenticating)

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}

	frame, err := c.readFrame(conn)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("read auth_required: %w", ErrHandshakeTimeout)
		}
		return fmt.Errorf("read auth_required: %w", err)
	}
	if _, ok := frame.(AuthRequiredFrame); !ok {
		return fmt.Errorf("expected auth_required, got %q", frame.Type())
	}

	if err := c.writeJSON(conn, authCmd{Type: "auth", AccessToken: c.cfg.Token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	frame, err = c.readFrame(conn)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("read auth response: %w", ErrHandshakeTimeout)
		}
		return fmt.Errorf("read auth response: %w", err)
	}
	switch f := frame.(type) {
	case AuthOKFrame:
		logging.Debug().Str("ha_version", f.HAVersion).Msg("Auth handshake complete")
		return nil
	case AuthInvalidFrame:
		logging.Error().Str("reason", f.Message).Msg("Auth handshake rejected")
		return ErrAuthInvalid
	default:
		return fmt.Errorf("expected auth_ok or auth_invalid, got %q", frame.Type())
	}
}

// readLoop reads and dispatches frames until the connection dies or ctx
// is canceled. Malformed frames are counted and dropped; the loop
// continues.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	readTimeout := c.cfg.HeartbeatTimeout + 2*c.cfg.HeartbeatInterval

	for {
		if ctx.Err() != nil {
			return nil
		}

		// The deadline is the hard backstop; the heartbeat supervisor
		// flags Degraded well before it fires.
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			logging.Warn().Err(err).Msg("Failed to set read deadline")
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("server closed connection: %w", err)
			}
			return fmt.Errorf("websocket read: %w", err)
		}

		c.touch()
		if ConnectionState(c.state.Load()) == StateDegraded {
			c.setState(StateSubscribed)
			logging.Info().Msg("Connection recovered from degraded state")
		}

		frame, err := ParseFrame(data)
		if err != nil {
			c.framesDropped.Add(1)
			metrics.FramesDropped.Inc()
			logging.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed frame")
			continue
		}

		metrics.RecordFrame(string(frame.Type()))
		if frame.Type() == FrameTypeEvent {
			c.eventsSeen.Add(1)
			metrics.EventsReceived.Inc()
		}
		c.handler.OnFrame(frame)
	}
}

// heartbeatLoop sends application-level pings every HeartbeatInterval
// and watches inbound silence. Silence past HeartbeatTimeout marks the
// connection Degraded; silence past timeout plus two intervals force
// closes the socket so the read loop fails over to a reconnect.
func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Send(pingCmd{ID: c.NextID(), Type: "ping"}); err != nil {
				logging.Debug().Err(err).Msg("Heartbeat ping failed")
				return
			}

			silent := time.Since(time.Unix(0, c.lastContact.Load()))
			switch {
			case silent > c.cfg.HeartbeatTimeout+2*interval:
				metrics.WSHeartbeatMisses.Inc()
				logging.Warn().
					Dur("silent_for", silent).
					Msg("Heartbeat timeout exceeded, forcing reconnect")
				// Close the socket; the read loop observes the error and
				// the run loop reconnects with backoff.
				_ = conn.Close()
				return
			case silent > c.cfg.HeartbeatTimeout:
				if ConnectionState(c.state.Load()) == StateSubscribed {
					c.setState(StateDegraded)
					logging.Warn().
						Dur("silent_for", silent).
						Msg("No frames within heartbeat timeout, connection degraded")
				}
			}
		}
	}
}

// Send implements Sender. Writes are serialized: gorilla/websocket
// allows at most one concurrent writer.
func (c *Client) Send(cmd interface{}) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.writeJSON(conn, cmd)
}

// NextID implements Sender.
func (c *Client) NextID() uint64 {
	return c.cmdID.Add(1)
}

func (c *Client) writeJSON(conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// isTimeout reports whether err is a network timeout (an expired read
// deadline during the handshake).
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// readFrame reads and parses one frame; handshake use only.
func (c *Client) readFrame(conn *websocket.Conn) (Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return ParseFrame(data)
}

// closeConnection tears down the socket. Safe for concurrent calls.
func (c *Client) closeConnection() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return
	}
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = c.conn.Close()
	c.conn = nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// AuthFailed reports whether the client is parked after an auth
// rejection.
func (c *Client) AuthFailed() bool {
	return c.authFailed.Load()
}

// DisconnectedSince returns when the connection was last lost, or the
// zero time if it is currently up. Health uses this against its grace
// period.
func (c *Client) DisconnectedSince() time.Time {
	ns := c.disconnectedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// LastContact returns the timestamp of the most recent inbound frame.
func (c *Client) LastContact() time.Time {
	ns := c.lastContact.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stats returns cumulative connection counters.
func (c *Client) Stats() (reconnects, eventsSeen, framesDropped uint64) {
	return c.reconnects.Load(), c.eventsSeen.Load(), c.framesDropped.Load()
}

func (c *Client) setState(s ConnectionState) {
	c.state.Store(int32(s))
	metrics.WSConnectionState.Set(float64(s))
}

func (c *Client) markDisconnected() {
	c.setState(StateDisconnected)
	if c.disconnectedAt.Load() == 0 {
		c.disconnectedAt.Store(time.Now().UnixNano())
	}
}

func (c *Client) touch() {
	c.lastContact.Store(time.Now().UnixNano())
}

// websocketURL derives the WebSocket endpoint from the configured base
// URL, converting http(s) to ws(s) and appending /api/websocket.
func websocketURL(base string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	scheme := "ws"
	if parsed.Scheme == "https" || parsed.Scheme == "wss" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/api/websocket", scheme, parsed.Host), nil
}
