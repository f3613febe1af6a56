// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

package health

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wtthornton/ha-ingestor-sub013/internal/config"
	"github.com/wtthornton/ha-ingestor-sub013/internal/hass"
	"github.com/wtthornton/ha-ingestor-sub013/internal/metrics"
	"github.com/wtthornton/ha-ingestor-sub013/internal/models"
)

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		CheckTimeout:    time.Second,
		ConnectionGrace: 60 * time.Second,
		WriteGrace:      5 * time.Minute,
	}
}

func staticCheck(healthy, degraded bool) Checkable {
	return CheckableFunc(func(_ context.Context) models.ComponentHealth {
		return models.ComponentHealth{Healthy: healthy, Degraded: degraded, LastCheck: time.Now()}
	})
}

func TestSnapshotAggregation(t *testing.T) {
	cases := []struct {
		name   string
		checks map[string]Checkable
		want   models.HealthStatus
	}{
		{
			name: "all healthy",
			checks: map[string]Checkable{
				"a": staticCheck(true, false),
				"b": staticCheck(true, false),
			},
			want: models.HealthHealthy,
		},
		{
			name: "one degraded",
			checks: map[string]Checkable{
				"a": staticCheck(true, false),
				"b": staticCheck(true, true),
			},
			want: models.HealthDegraded,
		},
		{
			name: "unhealthy wins over degraded",
			checks: map[string]Checkable{
				"a": staticCheck(true, true),
				"b": staticCheck(false, false),
			},
			want: models.HealthUnhealthy,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewChecker(testHealthConfig())
			for name, check := range tc.checks {
				c.Register(name, check)
			}
			snap := c.Snapshot(context.Background())
			if snap.Status != tc.want {
				t.Errorf("status = %q, want %q", snap.Status, tc.want)
			}
			if len(snap.Components) != len(tc.checks) {
				t.Errorf("components = %d, want %d", len(snap.Components), len(tc.checks))
			}
			if snap.Uptime < 0 {
				t.Errorf("uptime = %f", snap.Uptime)
			}
		})
	}
}

func TestSnapshotUpdatesUptimeGauge(t *testing.T) {
	c := NewChecker(testHealthConfig())
	time.Sleep(5 * time.Millisecond)

	snap := c.Snapshot(context.Background())
	if snap.Uptime <= 0 {
		t.Fatalf("uptime = %f, want positive", snap.Uptime)
	}
	if got := testutil.ToFloat64(metrics.AppUptime); got <= 0 {
		t.Errorf("uptime gauge = %f, want positive after snapshot", got)
	}
}

func TestSnapshotCheckTimeout(t *testing.T) {
	cfg := testHealthConfig()
	cfg.CheckTimeout = 20 * time.Millisecond
	c := NewChecker(cfg)
	c.Register("stuck", CheckableFunc(func(ctx context.Context) models.ComponentHealth {
		<-ctx.Done()
		time.Sleep(time.Hour) // never answers
		return models.ComponentHealth{}
	}))

	start := time.Now()
	snap := c.Snapshot(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("snapshot blocked %v on a stuck check", elapsed)
	}
	if snap.Status != models.HealthUnhealthy {
		t.Errorf("status = %q, want unhealthy for timed-out check", snap.Status)
	}
	if snap.Components["stuck"].Error != "health check timed out" {
		t.Errorf("component = %+v", snap.Components["stuck"])
	}
}

// fakeConn implements ConnectionStatus.
type fakeConn struct {
	state        hass.ConnectionState
	authFailed   bool
	disconnected time.Time
	lastContact  time.Time
}

func (f *fakeConn) State() hass.ConnectionState { return f.state }

func (f *fakeConn) AuthFailed() bool { return f.authFailed }

func (f *fakeConn) DisconnectedSince() time.Time { return f.disconnected }

func (f *fakeConn) LastContact() time.Time { return f.lastContact }

func TestConnectionCheck(t *testing.T) {
	cfg := testHealthConfig()

	cases := []struct {
		name         string
		conn         *fakeConn
		wantHealthy  bool
		wantDegraded bool
	}{
		{
			name:        "subscribed",
			conn:        &fakeConn{state: hass.StateSubscribed, lastContact: time.Now()},
			wantHealthy: true,
		},
		{
			name:         "degraded connection",
			conn:         &fakeConn{state: hass.StateDegraded},
			wantHealthy:  true,
			wantDegraded: true,
		},
		{
			name:         "brief outage within grace",
			conn:         &fakeConn{state: hass.StateDisconnected, disconnected: time.Now().Add(-10 * time.Second)},
			wantHealthy:  true,
			wantDegraded: true,
		},
		{
			name: "outage beyond grace",
			conn: &fakeConn{state: hass.StateDisconnected, disconnected: time.Now().Add(-2 * time.Minute)},
		},
		{
			name: "auth rejected is immediately unhealthy",
			conn: &fakeConn{state: hass.StateDisconnected, authFailed: true, disconnected: time.Now()},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ConnectionCheck(tc.conn, cfg).HealthCheck(context.Background())
			if got.Healthy != tc.wantHealthy || got.Degraded != tc.wantDegraded {
				t.Errorf("healthy=%v degraded=%v, want healthy=%v degraded=%v (%s)",
					got.Healthy, got.Degraded, tc.wantHealthy, tc.wantDegraded, got.Message)
			}
		})
	}
}

// fakePinger implements Pinger.
type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

// fakeWriter implements WriterStatus.
type fakeWriter struct {
	lastWrite time.Time
	counters  WriterCounters
}

func (f *fakeWriter) LastWrite() time.Time { return f.lastWrite }

func (f *fakeWriter) Stats() WriterCounters { return f.counters }

func TestStorageCheck(t *testing.T) {
	cfg := testHealthConfig()

	t.Run("healthy", func(t *testing.T) {
		w := &fakeWriter{lastWrite: time.Now(), counters: WriterCounters{EventsReceived: 10, EventsFlushed: 10}}
		got := StorageCheck(&fakePinger{}, w, cfg).HealthCheck(context.Background())
		if !got.Healthy || got.Degraded {
			t.Errorf("got %+v, want healthy", got)
		}
	})

	t.Run("ping failure is unhealthy", func(t *testing.T) {
		w := &fakeWriter{lastWrite: time.Now()}
		got := StorageCheck(&fakePinger{err: context.DeadlineExceeded}, w, cfg).HealthCheck(context.Background())
		if got.Healthy {
			t.Errorf("got %+v, want unhealthy", got)
		}
	})

	t.Run("stale write with backlog is unhealthy", func(t *testing.T) {
		w := &fakeWriter{
			lastWrite: time.Now().Add(-10 * time.Minute),
			counters:  WriterCounters{EventsReceived: 100, EventsFlushed: 50, LastError: "io timeout"},
		}
		got := StorageCheck(&fakePinger{}, w, cfg).HealthCheck(context.Background())
		if got.Healthy {
			t.Errorf("got %+v, want unhealthy past write grace", got)
		}
	})

	t.Run("stale write without backlog stays healthy", func(t *testing.T) {
		// Quiet night: nothing to write is not a failure.
		w := &fakeWriter{
			lastWrite: time.Now().Add(-10 * time.Minute),
			counters:  WriterCounters{EventsReceived: 50, EventsFlushed: 50},
		}
		got := StorageCheck(&fakePinger{}, w, cfg).HealthCheck(context.Background())
		if !got.Healthy || got.Degraded {
			t.Errorf("got %+v, want healthy", got)
		}
	})

	t.Run("dropped batches degrade", func(t *testing.T) {
		w := &fakeWriter{
			lastWrite: time.Now(),
			counters:  WriterCounters{EventsReceived: 100, EventsFlushed: 95, BatchesDropped: 1},
		}
		got := StorageCheck(&fakePinger{}, w, cfg).HealthCheck(context.Background())
		if !got.Healthy || !got.Degraded {
			t.Errorf("got %+v, want degraded", got)
		}
	})
}

// fakeEnricher implements EnrichmentStatus.
type fakeEnricher struct {
	enabled bool
	rate    float64
	fetched time.Time
}

func (f *fakeEnricher) Enabled() bool { return f.enabled }

func (f *fakeEnricher) FailureRate() float64 { return f.rate }

func (f *fakeEnricher) LastFetch() (time.Time, bool) { return f.fetched, !f.fetched.IsZero() }

func TestEnrichmentCheck(t *testing.T) {
	t.Run("disabled is healthy", func(t *testing.T) {
		got := EnrichmentCheck(&fakeEnricher{}).HealthCheck(context.Background())
		if !got.Healthy || got.Degraded {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("high failure rate degrades but never unhealthy", func(t *testing.T) {
		got := EnrichmentCheck(&fakeEnricher{enabled: true, rate: 0.5}).HealthCheck(context.Background())
		if !got.Healthy {
			t.Error("enrichment must never report unhealthy")
		}
		if !got.Degraded {
			t.Error("50% failure rate must degrade")
		}
	})

	t.Run("low failure rate is healthy", func(t *testing.T) {
		got := EnrichmentCheck(&fakeEnricher{enabled: true, rate: 0.05, fetched: time.Now()}).HealthCheck(context.Background())
		if !got.Healthy || got.Degraded {
			t.Errorf("got %+v", got)
		}
	})
}

// fakePipeline implements PipelineStats.
type fakePipeline struct{ published, processed, poisoned int64 }

func (f *fakePipeline) Stats() (int64, int64, int64) { return f.published, f.processed, f.poisoned }

func TestPipelineCheck(t *testing.T) {
	got := PipelineCheck(&fakePipeline{published: 10, processed: 10}).HealthCheck(context.Background())
	if !got.Healthy || got.Degraded {
		t.Errorf("got %+v, want healthy", got)
	}

	got = PipelineCheck(&fakePipeline{published: 10, processed: 9, poisoned: 1}).HealthCheck(context.Background())
	if !got.Healthy || !got.Degraded {
		t.Errorf("got %+v, want degraded with poisoned messages", got)
	}
}
