// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wtthornton/ha-ingestor-sub013/internal/config"
	"github.com/wtthornton/ha-ingestor-sub013/internal/logging"
	"github.com/wtthornton/ha-ingestor-sub013/internal/metrics"
	"github.com/wtthornton/ha-ingestor-sub013/internal/models"
)

// EventStore is the persistence interface the Writer flushes to.
// Implementations must be duplicate-tolerant so retried batches are safe.
type EventStore interface {
	InsertEvents(ctx context.Context, events []models.EnrichedEvent) error
}

// WriterStats holds runtime counters for monitoring.
type WriterStats struct {
	EventsReceived int64     `json:"events_received"`
	EventsFlushed  int64     `json:"events_flushed"`
	FlushCount     int64     `json:"flush_count"`
	ErrorCount     int64     `json:"error_count"`
	BatchesDropped int64     `json:"batches_dropped"`
	LastFlushTime  time.Time `json:"last_flush_time"`
	LastError      string    `json:"last_error,omitempty"`
	BufferSize     int       `json:"buffer_size"`
}

// Writer buffers enriched events and writes them in batches: on reaching
// BatchSize, on the flush timer, and on Close.
//
// A failing batch is retried with linear backoff up to RetryAttempts.
// After the budget is exhausted the batch is dropped and counted; a dead
// store must not grow the buffer without bound.
//
// Flushes are serialized via flushMu so the timer flush and a
// size-triggered flush cannot interleave inserts.
type Writer struct {
	store  EventStore
	config config.StorageConfig

	mu     sync.Mutex
	buffer []models.EnrichedEvent

	flushMu sync.Mutex

	closed   atomic.Bool
	started  atomic.Bool
	stopChan chan struct{}
	doneChan chan struct{}
	flushWg  sync.WaitGroup

	eventsReceived atomic.Int64
	eventsFlushed  atomic.Int64
	flushCount     atomic.Int64
	errorCount     atomic.Int64
	batchesDropped atomic.Int64
	lastFlushNano  atomic.Int64
	lastError      atomic.Value // string
}

// NewWriter creates a Writer over the given store.
func NewWriter(store EventStore, cfg config.StorageConfig) (*Writer, error) {
	if store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive")
	}
	if cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("flush interval must be positive")
	}

	w := &Writer{
		store:    store,
		config:   cfg,
		buffer:   make([]models.EnrichedEvent, 0, cfg.BatchSize),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	w.lastError.Store("")
	return w, nil
}

// Start launches the periodic flush timer. Idempotent.
func (w *Writer) Start(ctx context.Context) error {
	if w.closed.Load() {
		return fmt.Errorf("writer is closed")
	}
	if w.started.Swap(true) {
		return nil
	}
	go w.flushLoop(ctx)
	return nil
}

// Append buffers one event. When the buffer reaches BatchSize an async
// flush is triggered so the caller (the pipeline handler) is never
// blocked on the database.
func (w *Writer) Append(ctx context.Context, ev models.EnrichedEvent) error {
	if w.closed.Load() {
		return fmt.Errorf("writer is closed")
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, ev)
	needsFlush := len(w.buffer) >= w.config.BatchSize
	w.mu.Unlock()
	w.eventsReceived.Add(1)

	if needsFlush {
		w.flushWg.Add(1)
		go func() {
			defer w.flushWg.Done()
			// Detached context: the caller's message context ends when the
			// handler returns, but the write must still complete.
			flushCtx, cancel := context.WithTimeout(context.Background(), w.flushTimeout())
			defer cancel()
			if err := w.flush(flushCtx); err != nil {
				logging.Debug().Err(err).Msg("Async flush failed")
			}
		}()
	}
	return nil
}

// Flush synchronously writes everything buffered, waiting out any
// in-flight async flush first.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushWg.Wait()
	return w.flush(ctx)
}

// Close stops the timer and performs a final flush bounded by
// ShutdownTimeout. Idempotent.
func (w *Writer) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	if w.started.Load() {
		close(w.stopChan)
		<-w.doneChan
	}
	w.flushWg.Wait()

	timeout := w.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return w.flush(ctx)
}

// Stats returns a snapshot of the writer's counters.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	bufferSize := len(w.buffer)
	w.mu.Unlock()

	var lastFlush time.Time
	if ns := w.lastFlushNano.Load(); ns != 0 {
		lastFlush = time.Unix(0, ns)
	}
	lastErr, _ := w.lastError.Load().(string)

	return WriterStats{
		EventsReceived: w.eventsReceived.Load(),
		EventsFlushed:  w.eventsFlushed.Load(),
		FlushCount:     w.flushCount.Load(),
		ErrorCount:     w.errorCount.Load(),
		BatchesDropped: w.batchesDropped.Load(),
		LastFlushTime:  lastFlush,
		LastError:      lastErr,
		BufferSize:     bufferSize,
	}
}

// LastWrite returns the time of the last successful flush, for the
// health aggregator's write-grace check.
func (w *Writer) LastWrite() time.Time {
	ns := w.lastFlushNano.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (w *Writer) flushLoop(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			// Fresh context: the parent only controls shutdown, it must not
			// impose a deadline on an individual flush.
			flushCtx, cancel := context.WithTimeout(context.Background(), w.flushTimeout())
			if err := w.flush(flushCtx); err != nil {
				logging.Debug().Err(err).Msg("Timer flush failed")
			}
			cancel()
		}
	}
}

func (w *Writer) flushTimeout() time.Duration {
	// Worst case: every retry plus its backoff.
	retries := time.Duration(w.config.RetryAttempts + 1)
	return 30*time.Second + retries*w.config.RetryDelay
}

// flush writes the buffered events in BatchSize chunks with a bounded
// retry per chunk. On a dropped chunk the remaining events still get
// their chance.
func (w *Writer) flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	events := w.buffer
	w.buffer = make([]models.EnrichedEvent, 0, w.config.BatchSize)
	w.mu.Unlock()

	start := time.Now()
	var flushed int
	var firstErr error

	for off := 0; off < len(events); off += w.config.BatchSize {
		end := off + w.config.BatchSize
		if end > len(events) {
			end = len(events)
		}
		chunk := events[off:end]

		if err := w.writeChunk(ctx, chunk); err != nil {
			w.batchesDropped.Add(1)
			metrics.StorageBatchesDropped.Inc()
			w.lastError.Store(err.Error())
			logging.Error().
				Err(err).
				Int("events", len(chunk)).
				Int("attempts", w.config.RetryAttempts+1).
				Msg("Batch dropped after exhausting retries")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		flushed += len(chunk)
		metrics.RecordFlush(time.Since(start), len(chunk))
	}

	if flushed > 0 {
		w.eventsFlushed.Add(int64(flushed))
		w.flushCount.Add(1)
		w.lastFlushNano.Store(time.Now().UnixNano())
		w.lastError.Store("")
		logging.Debug().
			Int("events", flushed).
			Dur("elapsed", time.Since(start)).
			Msg("Batch flushed")
	}
	return firstErr
}

// writeChunk attempts one chunk: the initial try plus RetryAttempts
// retries, with linear backoff between them. A chunk that fails its
// whole retry budget and would succeed on the next try still persists.
func (w *Writer) writeChunk(ctx context.Context, chunk []models.EnrichedEvent) error {
	var lastErr error
	attempts := w.config.RetryAttempts + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(w.config.RetryDelay * time.Duration(attempt-1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := w.store.InsertEvents(ctx, chunk); err != nil {
			lastErr = err
			w.errorCount.Add(1)
			metrics.StorageWriteErrors.Inc()
			logging.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("events", len(chunk)).
				Msg("Batch write failed")
			continue
		}
		return nil
	}
	return fmt.Errorf("write batch after %d attempts: %w", attempts, lastErr)
}
