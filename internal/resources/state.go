// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package resources

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tomtom215/texforge/internal/fsutil"
	"github.com/tomtom215/texforge/internal/logging"
	"github.com/tomtom215/texforge/internal/models"
)

const (
	// StateFileName is the sync-state sentinel kept in each staging dir.
	StateFileName = ".project-sync-state"

	stateHashPrefix = "stateHash:"
	maxStateSize    = 128 * 1024
)

// saveProjectState records syncState and the resource paths. An empty
// syncState removes the file so the next incremental sync is refused.
func saveProjectState(syncState string, resources []models.Resource, dir string) error {
	path := filepath.Join(dir, StateFileName)
	if syncState == "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove sync state: %w", err)
		}
		return nil
	}

	var b strings.Builder
	for _, r := range resources {
		b.WriteString(r.Path)
		b.WriteByte('\n')
	}
	b.WriteString(stateHashPrefix)
	b.WriteString(syncState)

	if err := fsutil.AtomicWriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return nil
}

// checkProjectStateMatches returns the stored resource list when the stored
// state equals syncState, and ErrFilesOutOfSync otherwise.
func checkProjectStateMatches(ctx context.Context, syncState, dir string) ([]models.Resource, error) {
	data, truncated, err := fsutil.ReadFileLimited(filepath.Join(dir, StateFileName), maxStateSize)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: no stored sync state", ErrFilesOutOfSync)
	}
	if err != nil {
		return nil, fmt.Errorf("read sync state: %w", err)
	}
	if truncated {
		logging.Ctx(ctx).Error().Int("limit", maxStateSize).Str("dir", dir).Msg("project state file truncated")
	}

	lines := strings.Split(string(data), "\n")
	last := lines[len(lines)-1]
	stored, ok := strings.CutPrefix(last, stateHashPrefix)
	if !ok || stored != syncState {
		logging.Ctx(ctx).Info().Str("stored_state", stored).Str("request_state", syncState).Msg("sync state mismatch")
		return nil, fmt.Errorf("%w: sync state mismatch", ErrFilesOutOfSync)
	}

	resources := make([]models.Resource, 0, len(lines)-1)
	for _, p := range lines[:len(lines)-1] {
		if p != "" {
			resources = append(resources, models.Resource{Path: p})
		}
	}
	return resources, nil
}

// checkResourceFiles verifies every stored resource is still on disk.
func checkResourceFiles(resources []models.Resource, allFiles []string, dir string) error {
	for _, r := range resources {
		if _, err := fsutil.JoinInside(dir, r.Path); err != nil {
			return fmt.Errorf("%w: stored resource %q is not a valid path", ErrFilesOutOfSync, r.Path)
		}
	}

	present := make(map[string]struct{}, len(allFiles))
	for _, f := range allFiles {
		present[f] = struct{}{}
	}
	var missing []string
	for _, r := range resources {
		if _, ok := present[filepath.ToSlash(filepath.Clean(r.Path))]; !ok {
			missing = append(missing, r.Path)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: %d resource files missing, first is %q", ErrFilesOutOfSync, len(missing), missing[0])
	}
	return nil
}
