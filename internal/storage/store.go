// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

// Package storage persists enriched events to DuckDB. The Store owns the
// connection and schema; the Writer buffers events and flushes them in
// batches with bounded retries.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/wtthornton/ha-ingestor-sub013/internal/config"
	"github.com/wtthornton/ha-ingestor-sub013/internal/logging"
	"github.com/wtthornton/ha-ingestor-sub013/internal/metrics"
	"github.com/wtthornton/ha-ingestor-sub013/internal/models"
)

// schema is applied on open. The natural key (entity_id, event_type,
// occurred_at) backs duplicate-tolerant inserts: replays after a
// reconnect hit ON CONFLICT DO NOTHING instead of erroring.
const schema = `
CREATE TABLE IF NOT EXISTS events (
    id          UUID      NOT NULL,
    entity_id   VARCHAR   NOT NULL,
    event_type  VARCHAR   NOT NULL,
    occurred_at TIMESTAMP NOT NULL,
    old_state   JSON,
    new_state   JSON,
    enrichment  VARCHAR   NOT NULL,
    weather     JSON,
    ingested_at TIMESTAMP NOT NULL,
    UNIQUE (entity_id, event_type, occurred_at)
);
CREATE INDEX IF NOT EXISTS idx_events_entity ON events (entity_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_occurred ON events (occurred_at);
`

const insertEventSQL = `
INSERT INTO events (
    id, entity_id, event_type, occurred_at,
    old_state, new_state, enrichment, weather, ingested_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`

// Store is the DuckDB-backed event store.
type Store struct {
	conn *sql.DB
}

// Open opens (or creates) the DuckDB database, configures the pool and
// applies the schema.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		cfg.Path, threads, cfg.MaxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	// DuckDB is embedded; a small pool keeps writer and query facade from
	// contending on one connection.
	conn.SetMaxOpenConns(threads)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.initSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logging.Info().Str("path", cfg.Path).Int("threads", threads).Msg("Event store opened")
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// InsertEvents writes a batch in one transaction. Duplicates (same
// natural key) are silently skipped and counted; the batch still
// succeeds. An error means the whole batch rolled back and can be
// retried safely.
func (s *Store) InsertEvents(ctx context.Context, events []models.EnrichedEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	ingested := time.Now().UTC()
	var written, duplicates int64
	for i := range events {
		ev := &events[i]
		oldState, newState, weather, err := marshalPayloads(ev)
		if err != nil {
			// A payload that cannot marshal will never succeed; skip it
			// rather than poisoning the batch.
			logging.Warn().Err(err).Str("entity_id", ev.EntityID).Msg("Skipping unmarshalable event")
			continue
		}

		res, err := stmt.ExecContext(ctx,
			ev.ID.String(), ev.EntityID, ev.EventType, ev.Occurred,
			oldState, newState, string(ev.Enrichment), weather, ingested,
		)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			duplicates++
		} else {
			written++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	metrics.StorageEventsWritten.Add(float64(written))
	if duplicates > 0 {
		metrics.StorageDuplicatesSkipped.Add(float64(duplicates))
		logging.Debug().Int64("duplicates", duplicates).Msg("Skipped duplicate events")
	}
	return nil
}

func marshalPayloads(ev *models.EnrichedEvent) (oldState, newState, weather interface{}, err error) {
	if ev.OldState != nil {
		b, err := json.Marshal(ev.OldState)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal old_state: %w", err)
		}
		oldState = string(b)
	}
	if ev.NewState != nil {
		b, err := json.Marshal(ev.NewState)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal new_state: %w", err)
		}
		newState = string(b)
	}
	if ev.Weather != nil {
		b, err := json.Marshal(ev.Weather)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal weather: %w", err)
		}
		weather = string(b)
	}
	return oldState, newState, weather, nil
}

// EventFilter narrows QueryEvents results. Zero values mean "no filter".
type EventFilter struct {
	EntityID  string
	EventType string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// StoredEvent is the query-facade projection of a persisted event.
type StoredEvent struct {
	ID         string                  `json:"id"`
	EntityID   string                  `json:"entity_id"`
	EventType  string                  `json:"event_type"`
	Occurred   time.Time               `json:"timestamp"`
	OldState   map[string]interface{}  `json:"old_state,omitempty"`
	NewState   map[string]interface{}  `json:"new_state,omitempty"`
	Enrichment string                  `json:"enrichment"`
	Weather    *models.WeatherSnapshot `json:"weather,omitempty"`
	IngestedAt time.Time               `json:"ingested_at"`
}

// QueryEvents returns events newest-first, filtered and paginated.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]StoredEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		where = append(where, "occurred_at <= ?")
		args = append(args, f.Until)
	}

	// JSON columns come back from the driver as maps; casting to VARCHAR
	// keeps the scan on strings we decode ourselves.
	query := `SELECT id, entity_id, event_type, occurred_at,
		CAST(old_state AS VARCHAR), CAST(new_state AS VARCHAR), enrichment,
		CAST(weather AS VARCHAR), ingested_at FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]StoredEvent, 0, f.Limit)
	for rows.Next() {
		var (
			ev                          StoredEvent
			oldState, newState, weather sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.EntityID, &ev.EventType, &ev.Occurred,
			&oldState, &newState, &ev.Enrichment, &weather, &ev.IngestedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if oldState.Valid {
			_ = json.Unmarshal([]byte(oldState.String), &ev.OldState)
		}
		if newState.Valid {
			_ = json.Unmarshal([]byte(newState.String), &ev.NewState)
		}
		if weather.Valid {
			var snap models.WeatherSnapshot
			if json.Unmarshal([]byte(weather.String), &snap) == nil {
				ev.Weather = &snap
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// StoreStats summarizes the event table for GET /stats.
type StoreStats struct {
	TotalEvents     int64
	EventsLastHour  int64
	EventsPerMinute float64
	LastEventTime   *time.Time
}

// Stats computes table-level counters. EventsPerMinute is derived from
// the trailing hour so a burst does not dominate the figure.
func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	var st StoreStats

	row := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE ingested_at >= ?),
		       MAX(occurred_at)
		FROM events`, time.Now().UTC().Add(-time.Hour))

	var last sql.NullTime
	if err := row.Scan(&st.TotalEvents, &st.EventsLastHour, &last); err != nil {
		return st, fmt.Errorf("query stats: %w", err)
	}
	if last.Valid {
		t := last.Time.UTC()
		st.LastEventTime = &t
	}
	st.EventsPerMinute = float64(st.EventsLastHour) / 60.0
	return st, nil
}

// Ping verifies the connection, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}
