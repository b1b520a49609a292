// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package compile

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/tomtom215/texforge/internal/logging"
	"github.com/tomtom215/texforge/internal/metrics"
)

// diskUsage returns available and total bytes of the filesystem at path.
type diskUsage func(path string) (avail, total uint64, err error)

func statfs(path string) (uint64, uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize) //nolint:gosec // block size is never negative
	return st.Bavail * bsize, st.Blocks * bsize, nil
}

// Expirer removes idle staging dirs. Its expiry shrinks while free disk
// space is below the threshold, but never below half the configured value.
type Expirer struct {
	manager   *Manager
	base      time.Duration
	threshold float64
	usage     diskUsage

	mu      sync.Mutex
	current time.Duration
}

// NewExpirer creates an Expirer for the manager's compiles dir.
func NewExpirer(manager *Manager, expiry time.Duration, lowDiskThreshold float64) *Expirer {
	metrics.StagingExpirySeconds.Set(expiry.Seconds())
	return &Expirer{
		manager:   manager,
		base:      expiry,
		threshold: lowDiskThreshold,
		usage:     statfs,
		current:   expiry,
	}
}

// Current returns the expiry in effect.
func (e *Expirer) Current() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Refresh checks free disk space and lowers the expiry when it is short.
func (e *Expirer) Refresh(ctx context.Context) time.Duration {
	avail, total, err := e.usage(e.manager.opts.CompilesDir)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to check disk space")
		return e.Current()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if total == 0 || float64(avail)/float64(total) >= e.threshold {
		return e.current
	}

	lowered := max(time.Duration(float64(e.current)*0.9), e.base/2)
	if lowered != e.current {
		logging.Ctx(ctx).Warn().
			Str("available", humanize.Bytes(avail)).
			Str("total", humanize.Bytes(total)).
			Dur("old_expiry", e.current).
			Dur("new_expiry", lowered).
			Msg("disk space low, lowering staging expiry")
		e.current = lowered
		metrics.StagingExpirySeconds.Set(lowered.Seconds())
	}
	return e.current
}

// Expire refreshes the expiry and removes staging dirs older than it.
func (e *Expirer) Expire(ctx context.Context) error {
	expiry := e.Refresh(ctx)
	n, err := e.manager.ClearExpiredProjects(ctx, expiry)
	if err != nil {
		return err
	}
	if n > 0 {
		logging.Ctx(ctx).Info().Int("removed", n).Dur("expiry", expiry).Msg("expired staging dirs")
	}
	return nil
}
