// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package contentcache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tomtom215/texforge/internal/config"
)

// ErrQueueLimitReached is returned when too many updates are waiting.
var ErrQueueLimitReached = errors.New("content cache queue limit reached")

// Pool bounds concurrent Update calls. At most workers run at once and at
// most queueLimit wait; further calls fail fast.
type Pool struct {
	sem        *semaphore.Weighted
	capacity   int64
	inFlight   atomic.Int64
	timeout    time.Duration
	defaults   Options
	updateFunc func(ctx context.Context, contentDir, pdfPath string, opts Options) (*Result, error)
}

// NewPool creates a pool from the content cache config section.
func NewPool(cfg *config.Config) *Pool {
	return newPool(cfg.ContentCache.Workers, cfg.ContentCache.QueueLimit, cfg.ContentCache.Timeout, OptionsFromConfig(cfg))
}

func newPool(workers, queueLimit int, timeout time.Duration, defaults Options) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueLimit < 0 {
		queueLimit = 0
	}
	return &Pool{
		sem:        semaphore.NewWeighted(int64(workers)),
		capacity:   int64(workers + queueLimit),
		timeout:    timeout,
		defaults:   defaults,
		updateFunc: Update,
	}
}

// Defaults returns the configured options.
func (p *Pool) Defaults() Options {
	return p.defaults
}

// Update runs Update on a pool worker under the configured timeout.
func (p *Pool) Update(ctx context.Context, contentDir, pdfPath string, opts Options) (*Result, error) {
	if p.inFlight.Add(1) > p.capacity {
		p.inFlight.Add(-1)
		return nil, ErrQueueLimitReached
	}
	defer p.inFlight.Add(-1)

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for content cache worker: %w", err)
	}
	defer p.sem.Release(1)

	return p.updateFunc(ctx, contentDir, pdfPath, opts)
}
