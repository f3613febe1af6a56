// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wtthornton/ha-ingestor-sub013/internal/config"
	"github.com/wtthornton/ha-ingestor-sub013/internal/models"
)

// mockStore records inserted batches and can fail the first N calls.
type mockStore struct {
	mu       sync.Mutex
	batches  [][]models.EnrichedEvent
	failures int // fail this many calls before succeeding
	calls    int
}

func (m *mockStore) InsertEvents(ctx context.Context, events []models.EnrichedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failures {
		return errors.New("store unavailable")
	}
	batch := make([]models.EnrichedEvent, len(events))
	copy(batch, events)
	m.batches = append(m.batches, batch)
	return nil
}

func (m *mockStore) inserted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func testStorageConfig() config.StorageConfig {
	return config.StorageConfig{
		BatchSize:       5,
		FlushInterval:   time.Hour, // timer effectively off unless a test wants it
		RetryAttempts:   3,
		RetryDelay:      time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
	}
}

func enriched(entityID string) models.EnrichedEvent {
	ev := models.NewEvent(entityID, "state_changed", time.Now())
	return models.Enriched(ev, models.EnrichmentSkipped, nil)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWriterFlushesOnBatchSize(t *testing.T) {
	store := &mockStore{}
	w, err := NewWriter(store, testStorageConfig())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := w.Append(context.Background(), enriched(fmt.Sprintf("sensor.s%d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	waitUntil(t, 2*time.Second, func() bool { return store.inserted() == 5 },
		"batch-size flush never happened")

	stats := w.Stats()
	if stats.EventsFlushed != 5 {
		t.Errorf("EventsFlushed = %d, want 5", stats.EventsFlushed)
	}
	if stats.BufferSize != 0 {
		t.Errorf("BufferSize = %d, want 0 after flush", stats.BufferSize)
	}
}

func TestWriterTimerFlush(t *testing.T) {
	store := &mockStore{}
	cfg := testStorageConfig()
	cfg.FlushInterval = 20 * time.Millisecond
	w, err := NewWriter(store, cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	// Below batch size: only the timer can flush this.
	if err := w.Append(ctx, enriched("sensor.partial")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool { return store.inserted() == 1 },
		"timer flush never happened")
}

func TestWriterRetriesTransientFailure(t *testing.T) {
	store := &mockStore{failures: 2} // first two calls fail, third succeeds
	w, err := NewWriter(store, testStorageConfig())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	for i := 0; i < 5; i++ {
		_ = w.Append(context.Background(), enriched("sensor.retry"))
	}

	waitUntil(t, 2*time.Second, func() bool { return store.inserted() == 5 },
		"batch not written after transient failures")

	stats := w.Stats()
	if stats.ErrorCount != 2 {
		t.Errorf("ErrorCount = %d, want 2", stats.ErrorCount)
	}
	if stats.BatchesDropped != 0 {
		t.Errorf("BatchesDropped = %d, want 0", stats.BatchesDropped)
	}
	if w.LastWrite().IsZero() {
		t.Error("LastWrite not recorded after successful flush")
	}
}

func TestWriterPersistsAfterExhaustingRetriesMinusOne(t *testing.T) {
	// RetryAttempts counts retries, not total attempts: with a budget of
	// three, a store that fails three times and succeeds on the fourth
	// call still persists the batch.
	store := &mockStore{failures: 3}
	w, err := NewWriter(store, testStorageConfig())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	for i := 0; i < 5; i++ {
		_ = w.Append(context.Background(), enriched("sensor.edge"))
	}

	waitUntil(t, 2*time.Second, func() bool { return store.inserted() == 5 },
		"batch not written on the final retry")

	stats := w.Stats()
	if stats.ErrorCount != 3 {
		t.Errorf("ErrorCount = %d, want 3", stats.ErrorCount)
	}
	if stats.BatchesDropped != 0 {
		t.Errorf("BatchesDropped = %d, want 0: the last retry succeeded", stats.BatchesDropped)
	}
}

func TestWriterDropsBatchAfterRetryBudget(t *testing.T) {
	store := &mockStore{failures: 1000} // never succeeds
	w, err := NewWriter(store, testStorageConfig())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	for i := 0; i < 5; i++ {
		_ = w.Append(context.Background(), enriched("sensor.doomed"))
	}

	waitUntil(t, 2*time.Second, func() bool { return w.Stats().BatchesDropped == 1 },
		"failing batch was never dropped")

	stats := w.Stats()
	if stats.ErrorCount != 4 {
		t.Errorf("ErrorCount = %d, want 4 (initial try plus three retries)", stats.ErrorCount)
	}
	if stats.BufferSize != 0 {
		t.Errorf("BufferSize = %d, want 0: a dead store must not grow the buffer", stats.BufferSize)
	}

	// The writer keeps accepting events after a drop.
	store.mu.Lock()
	store.failures = 0
	store.calls = 0
	store.mu.Unlock()
	for i := 0; i < 5; i++ {
		_ = w.Append(context.Background(), enriched("sensor.recovered"))
	}
	waitUntil(t, 2*time.Second, func() bool { return store.inserted() == 5 },
		"writer did not recover after dropped batch")
}

func TestWriterCloseFlushesPending(t *testing.T) {
	store := &mockStore{}
	w, err := NewWriter(store, testStorageConfig())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Two events, below batch size.
	_ = w.Append(ctx, enriched("sensor.a"))
	_ = w.Append(ctx, enriched("sensor.b"))

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := store.inserted(); got != 2 {
		t.Errorf("inserted = %d, want 2 flushed on close", got)
	}

	// Closed writer rejects further events.
	if err := w.Append(ctx, enriched("sensor.late")); err == nil {
		t.Error("Append after Close must fail")
	}
	// Idempotent.
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestWriterConfigValidation(t *testing.T) {
	if _, err := NewWriter(nil, testStorageConfig()); err == nil {
		t.Error("nil store accepted")
	}
	cfg := testStorageConfig()
	cfg.BatchSize = 0
	if _, err := NewWriter(&mockStore{}, cfg); err == nil {
		t.Error("zero batch size accepted")
	}
	cfg = testStorageConfig()
	cfg.FlushInterval = 0
	if _, err := NewWriter(&mockStore{}, cfg); err == nil {
		t.Error("zero flush interval accepted")
	}
}

func TestRecentBuffer(t *testing.T) {
	r := NewRecentBuffer(3)
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}

	for i := 0; i < 5; i++ {
		r.Add(enriched(fmt.Sprintf("sensor.s%d", i)))
	}
	if r.Len() != 3 {
		t.Errorf("Len = %d, want 3 (capacity)", r.Len())
	}

	got := r.Recent(10)
	if len(got) != 3 {
		t.Fatalf("Recent returned %d events, want 3", len(got))
	}
	// Newest first; oldest two evicted.
	if got[0].EntityID != "sensor.s4" || got[2].EntityID != "sensor.s2" {
		t.Errorf("order = [%s %s %s], want s4 s3 s2",
			got[0].EntityID, got[1].EntityID, got[2].EntityID)
	}

	if n := len(r.Recent(2)); n != 2 {
		t.Errorf("Recent(2) returned %d events", n)
	}
}
