// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

// Package lock provides named mutual exclusion with stale-holder reclaim.
//
// A Manager keeps an in-process table of holders keyed by name. When
// FileBacked is set the key is also a file path, and an flock on that file is
// taken so that other processes sharing the disk see the lock too.
//
// Two configurations are used by the server: project locks fail fast
// (MaxWait 0) so a second compile for the same project is rejected, while
// container locks poll until MaxWait so start and destroy for the same
// container name are serialized.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danjacques/gofslock/fslock"
	"github.com/google/uuid"

	"github.com/tomtom215/texforge/internal/logging"
	"github.com/tomtom215/texforge/internal/metrics"
)

var (
	// ErrAlreadyLocked is returned in fail-fast mode when the key is held.
	ErrAlreadyLocked = errors.New("lock already held")

	// ErrTimeout is returned when MaxWait elapses before the key is free.
	ErrTimeout = errors.New("timed out waiting for lock")

	errHeld = errors.New("held")
)

// Options configures a Manager.
type Options struct {
	// Kind labels log lines and metrics, e.g. "project" or "container".
	Kind string

	// PollInterval is the delay between attempts while waiting.
	PollInterval time.Duration

	// MaxWait bounds how long Acquire blocks. Zero means fail fast.
	MaxWait time.Duration

	// MaxHold is the age after which a holder is considered crashed and its
	// lock may be taken over. Zero disables reclaim.
	MaxHold time.Duration

	// FileBacked treats keys as lock file paths and holds an flock on them.
	FileBacked bool
}

// Lock is a held lock. It is only valid for the Manager that issued it.
type Lock struct {
	key       string
	token     string
	createdAt time.Time
	handle    fslock.Handle
	released  bool
}

// Key returns the lock key.
func (l *Lock) Key() string { return l.key }

// CreatedAt returns when the lock was acquired.
func (l *Lock) CreatedAt() time.Time { return l.createdAt }

// Manager hands out locks for arbitrary keys.
type Manager struct {
	opts Options
	now  func() time.Time

	mu   sync.Mutex
	held map[string]*Lock
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Kind == "" {
		opts.Kind = "lock"
	}
	return &Manager{
		opts: opts,
		now:  time.Now,
		held: make(map[string]*Lock),
	}
}

// Acquire takes the lock for key. In fail-fast mode a held key returns
// ErrAlreadyLocked at once; otherwise Acquire polls until MaxWait and then
// returns ErrTimeout. Context cancellation aborts the wait.
func (m *Manager) Acquire(ctx context.Context, key string) (*Lock, error) {
	start := m.now()
	for {
		l, err := m.tryAcquire(key)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, errHeld) {
			return nil, err
		}

		if m.opts.MaxWait <= 0 {
			metrics.LockContention.WithLabelValues(m.opts.Kind, "rejected").Inc()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyLocked, key)
		}
		if m.now().Sub(start) >= m.opts.MaxWait {
			metrics.LockContention.WithLabelValues(m.opts.Kind, "timeout").Inc()
			return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, m.opts.MaxWait, key)
		}

		timer := time.NewTimer(m.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Manager) tryAcquire(key string) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.held[key]; ok {
		age := m.now().Sub(cur.createdAt)
		if m.opts.MaxHold <= 0 || age < m.opts.MaxHold {
			return nil, errHeld
		}
		logging.Error().
			Str("kind", m.opts.Kind).
			Str("key", key).
			Dur("age", age).
			Msg("stale lock found, reclaiming")
		metrics.LockContention.WithLabelValues(m.opts.Kind, "reclaimed").Inc()
		m.dropLocked(cur)
	}

	l := &Lock{
		key:       key,
		token:     uuid.NewString(),
		createdAt: m.now(),
	}

	if m.opts.FileBacked {
		if err := os.MkdirAll(filepath.Dir(key), 0o755); err != nil {
			return nil, fmt.Errorf("create lock directory: %w", err)
		}
		h, err := fslock.Lock(key)
		if errors.Is(err, fslock.ErrLockHeld) {
			return nil, errHeld
		}
		if err != nil {
			return nil, fmt.Errorf("lock file %s: %w", key, err)
		}
		l.handle = h
	}

	m.held[key] = l
	return l, nil
}

// dropLocked removes cur from the table and frees its file lock.
// Must be called with mu held.
func (m *Manager) dropLocked(cur *Lock) {
	delete(m.held, cur.key)
	if cur.handle != nil {
		if err := cur.handle.Unlock(); err != nil {
			logging.Warn().Err(err).Str("key", cur.key).Msg("failed to release lock file")
		}
		cur.handle = nil
	}
}

// Release frees l. Releasing a lock that was reclaimed by another acquirer is
// logged and otherwise ignored, as is releasing the same lock twice.
func (m *Manager) Release(l *Lock) {
	if l == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if l.released {
		return
	}
	l.released = true

	cur, ok := m.held[l.key]
	if !ok || cur.token != l.token {
		logging.Error().
			Str("kind", m.opts.Kind).
			Str("key", l.key).
			Msg("lock release with mismatched value, ignoring")
		return
	}
	m.dropLocked(cur)
}

// RunWithLock runs fn while holding key.
func (m *Manager) RunWithLock(ctx context.Context, key string, fn func() error) error {
	l, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer m.Release(l)
	return fn()
}

// IsHeld reports whether key currently has a holder in this process.
func (m *Manager) IsHeld(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[key]
	return ok
}
