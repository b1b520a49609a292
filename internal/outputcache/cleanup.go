// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package outputcache

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tomtom215/texforge/internal/logging"
)

// Init scans OutputRoot and records the oldest generation of every output
// directory so bulk cleanup can find stale projects without listing disk.
func (s *Store) Init() error {
	entries, err := os.ReadDir(s.opts.OutputRoot)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var tracked int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.opts.OutputRoot, e.Name())
		gens, err := listGenerations(dir)
		if err != nil || len(gens) == 0 {
			continue
		}
		s.mu.Lock()
		// Per-user directories are named <project>-<user>; ids never contain "-".
		s.dirs[dir] = dirInfo{oldest: gens[len(gens)-1].created, perUser: strings.Contains(e.Name(), "-")}
		s.mu.Unlock()
		tracked++
	}
	logging.Info().Int("output_dirs", tracked).Str("root", s.opts.OutputRoot).Msg("output cache initialised")
	return nil
}

// BulkCleanup applies retention to every tracked directory whose oldest
// generation is past MaxAge. It returns the number of directories visited.
func (s *Store) BulkCleanup(ctx context.Context) int {
	cutoff := s.now().Add(-s.opts.MaxAge)

	type candidate struct {
		dir   string
		limit int
	}
	var stale []candidate
	s.mu.Lock()
	for dir, info := range s.dirs {
		if !info.oldest.Before(cutoff) {
			continue
		}
		limit := s.opts.Limit
		if info.perUser {
			limit = s.opts.PerUserLimit
		}
		stale = append(stale, candidate{dir: dir, limit: limit})
	}
	s.mu.Unlock()

	for _, c := range stale {
		if ctx.Err() != nil {
			break
		}
		err := s.queue.Run(c.dir, func() error {
			_, err := s.expireOutputFiles(ctx, c.dir, "", c.limit)
			return err
		})
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("output_dir", c.dir).Msg("bulk output cleanup failed")
		}
	}
	if len(stale) > 0 {
		logging.Ctx(ctx).Debug().Int("dirs", len(stale)).Msg("bulk output cleanup finished")
	}
	return len(stale)
}

// TrackedDirs reports how many output directories bulk cleanup knows about.
func (s *Store) TrackedDirs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirs)
}
