// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

// Package resources writes a project's files into its staging directory.
//
// A full sync writes every resource and records the client's sync state. An
// incremental sync is accepted only when the stored state matches the
// request, and then writes just the resources it carries. Between runs,
// generated files are removed unless they are toolchain caches worth
// keeping (see IsExtraneous).
package resources

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/texforge/internal/fsutil"
	"github.com/tomtom215/texforge/internal/logging"
	"github.com/tomtom215/texforge/internal/models"
)

// DefaultParallelism is the number of resources written concurrently.
const DefaultParallelism = 5

// ErrFilesOutOfSync asks the client to retry with a full sync.
var ErrFilesOutOfSync = errors.New("files out of sync, please retry with a full sync")

// URLDownloader fetches URL resources into the staging dir.
type URLDownloader interface {
	DownloadURLToFile(ctx context.Context, projectID, url, fallbackURL, dest string, modified int64) error
}

// Synchronizer applies compile requests to staging directories.
type Synchronizer struct {
	urls        URLDownloader
	parallelism int
}

// NewSynchronizer creates a Synchronizer. urls may be nil when no request
// carries URL resources.
func NewSynchronizer(urls URLDownloader, parallelism int) *Synchronizer {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Synchronizer{urls: urls, parallelism: parallelism}
}

// SyncResourcesToDisk brings dir up to date with req and returns the full
// resource list, which for an incremental sync is the stored one.
func (s *Synchronizer) SyncResourcesToDisk(ctx context.Context, req *models.CompileRequest, dir string) ([]models.Resource, error) {
	if req.IsIncremental() {
		return s.syncIncremental(ctx, req, dir)
	}
	return s.syncFull(ctx, req, dir)
}

func (s *Synchronizer) syncFull(ctx context.Context, req *models.CompileRequest, dir string) ([]models.Resource, error) {
	if err := checkPaths(req.Resources, dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if _, err := removeExtraneousFiles(ctx, req.Resources, dir); err != nil {
		return nil, fmt.Errorf("remove extraneous files: %w", err)
	}
	if err := s.writeResources(ctx, req.ProjectID, req.Resources, dir); err != nil {
		return nil, err
	}
	if err := saveProjectState(req.SyncState, req.Resources, dir); err != nil {
		return nil, err
	}
	return req.Resources, nil
}

func (s *Synchronizer) syncIncremental(ctx context.Context, req *models.CompileRequest, dir string) ([]models.Resource, error) {
	stored, err := checkProjectStateMatches(ctx, req.SyncState, dir)
	if err != nil {
		return nil, err
	}
	if err := checkPaths(req.Resources, dir); err != nil {
		return nil, err
	}

	all, err := removeExtraneousFiles(ctx, stored, dir)
	if err != nil {
		return nil, fmt.Errorf("remove extraneous files: %w", err)
	}
	if err := checkResourceFiles(stored, all, dir); err != nil {
		return nil, err
	}
	if err := s.writeResources(ctx, req.ProjectID, req.Resources, dir); err != nil {
		return nil, err
	}
	return stored, nil
}

// checkPaths rejects the whole request if any path escapes dir or has a
// ".." segment, before anything is written.
func checkPaths(resources []models.Resource, dir string) error {
	for _, r := range resources {
		if fsutil.HasDotDot(r.Path) {
			return fmt.Errorf("%w: %q has a .. segment", fsutil.ErrOutsideRoot, r.Path)
		}
		if _, err := fsutil.JoinInside(dir, r.Path); err != nil {
			return fmt.Errorf("%w: %s", err, r.Path)
		}
	}
	return nil
}

func (s *Synchronizer) writeResources(ctx context.Context, projectID string, resources []models.Resource, dir string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, r := range resources {
		g.Go(func() error {
			return s.writeResourceToDisk(gctx, projectID, r, dir)
		})
	}
	return g.Wait()
}

// writeResourceToDisk writes one resource. A failed URL download is logged
// and left for the compiler to report as a missing file.
func (s *Synchronizer) writeResourceToDisk(ctx context.Context, projectID string, r models.Resource, dir string) error {
	path, err := fsutil.JoinInside(dir, r.Path)
	if err != nil {
		return fmt.Errorf("%w: %s", err, r.Path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create resource dir: %w", err)
	}

	if !r.IsURL() {
		if err := os.WriteFile(path, []byte(r.Content), 0o644); err != nil {
			return fmt.Errorf("write resource %s: %w", r.Path, err)
		}
		return nil
	}

	if s.urls == nil {
		logging.Ctx(ctx).Warn().Str("path", r.Path).Msg("no url cache configured, skipping url resource")
		return nil
	}
	if err := s.urls.DownloadURLToFile(ctx, projectID, r.URL, r.FallbackURL, path, r.Modified); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("path", r.Path).Str("url", r.URL).Msg("failed to download url resource")
	}
	return nil
}
