// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

package storage

import (
	"sync"

	"github.com/wtthornton/ha-ingestor-sub013/internal/models"
)

// RecentBuffer is a fixed-capacity ring of the most recent enriched
// events, serving GET /events/recent without touching the database.
type RecentBuffer struct {
	mu    sync.RWMutex
	buf   []models.EnrichedEvent
	next  int
	count int
}

// NewRecentBuffer creates a ring holding up to capacity events.
func NewRecentBuffer(capacity int) *RecentBuffer {
	if capacity <= 0 {
		capacity = 100
	}
	return &RecentBuffer{buf: make([]models.EnrichedEvent, capacity)}
}

// Add records one event, evicting the oldest when full.
func (r *RecentBuffer) Add(ev models.EnrichedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Recent returns up to n events, newest first.
func (r *RecentBuffer) Recent(n int) []models.EnrichedEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]models.EnrichedEvent, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Len returns the number of buffered events.
func (r *RecentBuffer) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
