// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package services

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/tomtom215/texforge/internal/logging"
)

// Task is one run of a periodic job. A returned error is logged and the
// job keeps its schedule.
type Task func(ctx context.Context) error

// PeriodicService runs a Task on a jittered ticker.
//
// The first run happens after a random delay in [0, jitter) so that
// replicas started together do not sweep the disk at the same moment.
// Later runs wait interval plus a fresh random jitter.
type PeriodicService struct {
	name     string
	interval time.Duration
	jitter   time.Duration
	task     Task

	// randDuration returns a value in [0, n). Replaced in tests.
	randDuration func(n time.Duration) time.Duration
}

// NewPeriodicService creates a service named name that runs task every
// interval. A non-positive interval means one minute.
func NewPeriodicService(name string, interval, jitter time.Duration, task Task) *PeriodicService {
	if interval <= 0 {
		interval = time.Minute
	}
	if jitter < 0 {
		jitter = 0
	}
	return &PeriodicService{
		name:         name,
		interval:     interval,
		jitter:       jitter,
		task:         task,
		randDuration: randomDuration,
	}
}

func randomDuration(n time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	return rand.N(n) //nolint:gosec // scheduling jitter
}

// Serve implements suture.Service. It returns only when ctx is done.
func (p *PeriodicService) Serve(ctx context.Context) error {
	timer := time.NewTimer(p.randDuration(p.jitter))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		p.runOnce(ctx)
		timer.Reset(p.interval + p.randDuration(p.jitter))
	}
}

func (p *PeriodicService) runOnce(ctx context.Context) {
	start := time.Now()
	err := p.task(ctx)
	if err != nil && ctx.Err() == nil {
		logging.Ctx(ctx).Error().Err(err).Str("service", p.name).Msg("periodic job failed")
		return
	}
	logging.Ctx(ctx).Debug().Str("service", p.name).Dur("took", time.Since(start)).Msg("periodic job done")
}

// String implements fmt.Stringer.
func (p *PeriodicService) String() string {
	return p.name
}
