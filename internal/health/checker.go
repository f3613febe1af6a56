// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

// Package health aggregates per-subsystem checks into the three-level
// verdict served by GET /health. Checks run concurrently under a
// per-check timeout; a check that cannot answer in time counts as
// unhealthy rather than blocking the endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/wtthornton/ha-ingestor-sub013/internal/config"
	"github.com/wtthornton/ha-ingestor-sub013/internal/metrics"
	"github.com/wtthornton/ha-ingestor-sub013/internal/models"
)

// Checkable is implemented by subsystems that report their own health.
type Checkable interface {
	HealthCheck(ctx context.Context) models.ComponentHealth
}

// CheckableFunc adapts a function to the Checkable interface.
type CheckableFunc func(ctx context.Context) models.ComponentHealth

// HealthCheck implements Checkable.
func (f CheckableFunc) HealthCheck(ctx context.Context) models.ComponentHealth {
	return f(ctx)
}

// Checker holds the component registry and computes snapshots on demand.
// No history is kept; every snapshot is a fresh evaluation.
type Checker struct {
	cfg     config.HealthConfig
	started time.Time

	mu         sync.RWMutex
	components map[string]Checkable
}

// NewChecker creates an empty checker. Uptime is measured from this
// call.
func NewChecker(cfg config.HealthConfig) *Checker {
	return &Checker{
		cfg:        cfg,
		started:    time.Now(),
		components: make(map[string]Checkable),
	}
}

// Register adds or replaces a component check.
func (c *Checker) Register(name string, component Checkable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = component
}

// Snapshot evaluates all registered checks and aggregates the verdict:
// any unhealthy component makes the whole service unhealthy, otherwise
// any degraded component makes it degraded.
func (c *Checker) Snapshot(ctx context.Context) models.HealthSnapshot {
	c.mu.RLock()
	components := make(map[string]Checkable, len(c.components))
	for name, comp := range c.components {
		components[name] = comp
	}
	c.mu.RUnlock()

	uptime := time.Since(c.started).Seconds()
	metrics.AppUptime.Set(uptime)

	snap := models.HealthSnapshot{
		Status:     models.HealthHealthy,
		Components: make(map[string]models.ComponentHealth, len(components)),
		Timestamp:  time.Now().UTC(),
		Uptime:     uptime,
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, comp := range components {
		wg.Add(1)
		go func(name string, comp Checkable) {
			defer wg.Done()
			result := c.runCheck(ctx, name, comp)
			mu.Lock()
			snap.Components[name] = result
			mu.Unlock()
		}(name, comp)
	}
	wg.Wait()

	for _, comp := range snap.Components {
		if !comp.Healthy {
			snap.Status = models.HealthUnhealthy
			break
		}
		if comp.Degraded {
			snap.Status = models.HealthDegraded
		}
	}
	return snap
}

// runCheck executes one check under the configured timeout.
func (c *Checker) runCheck(ctx context.Context, name string, comp Checkable) models.ComponentHealth {
	timeout := c.cfg.CheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan models.ComponentHealth, 1)
	go func() {
		resultCh <- comp.HealthCheck(checkCtx)
	}()

	select {
	case result := <-resultCh:
		return result
	case <-checkCtx.Done():
		return models.ComponentHealth{
			Healthy:   false,
			Name:      name,
			Error:     "health check timed out",
			LastCheck: time.Now().UTC(),
		}
	}
}
