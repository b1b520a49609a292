// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package services

import (
	"context"
	"time"

	"github.com/tomtom215/texforge/internal/logging"
)

// ContainerDestroyer is satisfied by *runner.DockerRunner.
type ContainerDestroyer interface {
	DestroyOldContainers(ctx context.Context) error
}

// OutputCleaner is satisfied by *outputcache.Store.
type OutputCleaner interface {
	BulkCleanup(ctx context.Context) int
}

// StagingExpirer is satisfied by *compile.Expirer.
type StagingExpirer interface {
	Expire(ctx context.Context) error
}

// NewContainerMonitorService removes sandbox containers older than the
// runner's max age.
func NewContainerMonitorService(d ContainerDestroyer, interval, jitter time.Duration) *PeriodicService {
	return NewPeriodicService("container-monitor", interval, jitter, d.DestroyOldContainers)
}

// NewOutputCleanupService expires old output generations across every
// tracked output dir.
func NewOutputCleanupService(c OutputCleaner, interval, jitter time.Duration) *PeriodicService {
	return NewPeriodicService("output-cleanup", interval, jitter, func(ctx context.Context) error {
		if n := c.BulkCleanup(ctx); n > 0 {
			logging.Ctx(ctx).Info().Int("dirs", n).Msg("expired output generations")
		}
		return nil
	})
}

// NewStagingExpiryService removes idle project staging dirs. It runs
// without jitter since every replica owns its own compiles dir.
func NewStagingExpiryService(e StagingExpirer, interval time.Duration) *PeriodicService {
	return NewPeriodicService("staging-expiry", interval, 0, e.Expire)
}
