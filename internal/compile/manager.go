// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

// Package compile runs a compile end to end: lock the project, sync its
// resources, run latexmk in the sandbox and cache the outputs.
package compile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tomtom215/texforge/internal/config"
	"github.com/tomtom215/texforge/internal/contentcache"
	"github.com/tomtom215/texforge/internal/fsutil"
	"github.com/tomtom215/texforge/internal/lock"
	"github.com/tomtom215/texforge/internal/logging"
	"github.com/tomtom215/texforge/internal/metrics"
	"github.com/tomtom215/texforge/internal/models"
	"github.com/tomtom215/texforge/internal/outputcache"
	"github.com/tomtom215/texforge/internal/resources"
	"github.com/tomtom215/texforge/internal/runner"
)

// ProjectLockFile is the lock file kept in each staging dir.
const ProjectLockFile = ".project-lock"

// ErrAlreadyCompiling is returned when another compile holds the project lock.
var ErrAlreadyCompiling = errors.New("compile already in progress")

// ResourceSyncer writes request resources into a staging dir.
type ResourceSyncer interface {
	SyncResourcesToDisk(ctx context.Context, req *models.CompileRequest, dir string) ([]models.Resource, error)
}

// ContentUpdater runs the PDF content-range cache.
type ContentUpdater interface {
	Update(ctx context.Context, contentDir, pdfPath string, opts contentcache.Options) (*contentcache.Result, error)
	Defaults() contentcache.Options
}

// URLCacheClearer drops cached URL downloads of a project.
type URLCacheClearer interface {
	ClearProject(projectID string) error
}

// Options configures a Manager.
type Options struct {
	CompilesDir  string
	ClsiCacheDir string
	LatexmkPath  string
	TimeWrapper  bool
	OpenoutAny   string

	// ProjectLockMaxHold is the age after which a project lock is treated
	// as abandoned.
	ProjectLockMaxHold time.Duration
}

// OptionsFromConfig maps the config onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		CompilesDir:        cfg.Paths.CompilesDir,
		ClsiCacheDir:       cfg.Paths.ClsiCacheDir,
		LatexmkPath:        cfg.Compile.LatexmkPath,
		TimeWrapper:        cfg.Compile.TimeWrapper,
		OpenoutAny:         cfg.Compile.TexliveOpenoutAny,
		ProjectLockMaxHold: cfg.Compile.MaxTimeout + time.Minute,
	}
}

// Manager orchestrates compiles.
type Manager struct {
	opts    Options
	runner  runner.Runner
	syncer  ResourceSyncer
	outputs *outputcache.Store
	content ContentUpdater
	urls    URLCacheClearer
	locks   *lock.Manager
}

// NewManager wires a Manager. content and urls may be nil.
func NewManager(opts Options, r runner.Runner, syncer ResourceSyncer, outputs *outputcache.Store, content ContentUpdater, urls URLCacheClearer) *Manager {
	return &Manager{
		opts:    opts,
		runner:  r,
		syncer:  syncer,
		outputs: outputs,
		content: content,
		urls:    urls,
		locks: lock.NewManager(lock.Options{
			Kind:       "project",
			MaxHold:    opts.ProjectLockMaxHold,
			FileBacked: true,
		}),
	}
}

// StagingDir returns the staging dir for a compile name.
func (m *Manager) StagingDir(name string) string {
	return filepath.Join(m.opts.CompilesDir, name)
}

// Outputs exposes the output cache for retrieval handlers.
func (m *Manager) Outputs() *outputcache.Store {
	return m.outputs
}

func (m *Manager) acquireProject(ctx context.Context, stagingDir string) (*lock.Lock, error) {
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	l, err := m.locks.Acquire(ctx, filepath.Join(stagingDir, ProjectLockFile))
	if errors.Is(err, lock.ErrAlreadyLocked) || errors.Is(err, lock.ErrTimeout) {
		return nil, fmt.Errorf("%w: %v", ErrAlreadyCompiling, err)
	}
	return l, err
}

// DoCompileWithLock runs DoCompile while holding the project lock. A
// concurrent compile of the same project fails with ErrAlreadyCompiling.
func (m *Manager) DoCompileWithLock(ctx context.Context, req *models.CompileRequest) (*models.CompileResult, error) {
	l, err := m.acquireProject(ctx, m.StagingDir(req.CompileName()))
	if err != nil {
		return nil, err
	}
	defer m.locks.Release(l)
	return m.DoCompile(ctx, req)
}

// DoCompile runs the compile pipeline. It returns an error only when no
// compile status can be reported: out-of-sync resources or infrastructure
// failures. Compile outcomes, including timeouts, come back as a result.
func (m *Manager) DoCompile(ctx context.Context, req *models.CompileRequest) (*models.CompileResult, error) {
	name := req.CompileName()
	stagingDir := m.StagingDir(name)
	outputDir := m.outputs.OutputDir(name)
	log := logging.Ctx(ctx)

	result := &models.CompileResult{
		Stats:   models.Stats{},
		Timings: models.Timings{},
	}

	if req.CompileFromClsiCache {
		m.seedFromClsiCache(ctx, name, stagingDir)
	}

	start := time.Now()
	resourceList, err := m.syncer.SyncResourcesToDisk(ctx, req, stagingDir)
	if err != nil {
		if errors.Is(err, resources.ErrFilesOutOfSync) {
			log.Warn().Err(err).Msg("files out of sync, please retry")
			metrics.RecordCompile(models.StatusRetry)
		} else {
			log.Error().Err(err).Msg("error writing resources to disk")
			metrics.RecordCompile(models.StatusError)
		}
		return nil, err
	}
	result.Timings["sync"] = stage("sync", start)

	if _, err := os.Stat(filepath.Join(stagingDir, req.RootResourcePath)); err != nil {
		log.Warn().Str("root", req.RootResourcePath).Msg("root resource missing, latexmk will report it")
	}

	job := runner.Job{
		ID:           name,
		ProjectID:    req.ProjectID,
		Command:      m.buildCommand(req),
		Directory:    stagingDir,
		Image:        req.ImageName,
		Timeout:      req.Timeout,
		Env:          m.buildEnv(req),
		CompileGroup: req.CompileGroup,
	}
	start = time.Now()
	out, runErr := m.runner.Run(ctx, job)
	result.Timings["compile"] = stage("compile", start)
	parseRunStats(out, result.Stats, result.Timings)

	status, err := classifyRun(req, runErr)
	if err != nil {
		log.Error().Err(err).Msg("error running compile")
		metrics.RecordCompile(models.StatusError)
		return nil, fmt.Errorf("run compile: %w", err)
	}

	outputs, allEntries, err := fsutil.FindOutputFiles(resourceList, stagingDir)
	if err != nil {
		metrics.RecordCompile(models.StatusError)
		return nil, fmt.Errorf("find output files: %w", err)
	}
	if status == models.StatusSuccess || status == models.StatusFailure {
		status = models.StatusFailure
		for _, f := range outputs {
			if f.Path == "output.pdf" {
				status = models.StatusSuccess
				break
			}
		}
	}
	result.Status = status
	if status == models.StatusSuccess {
		m.pdfStats(ctx, filepath.Join(stagingDir, "output.pdf"), result.Stats)
	}

	start = time.Now()
	buildID, saved, err := m.outputs.SaveOutputFiles(ctx, outputs, stagingDir, outputDir, req.UserID != "")
	if err != nil {
		result.OutputFiles = outputs
	} else {
		result.BuildID = buildID
		result.OutputFiles = saved
	}
	result.Timings["output"] = stage("output", start)

	if status == models.StatusTerminated || status == models.StatusTimedOut {
		clearStagingEntries(ctx, stagingDir, allEntries)
	}

	if req.EnablePdfCaching && result.BuildID != "" {
		m.cachePDFRanges(ctx, req, outputDir, result)
	}
	if req.PopulateClsiCache && result.BuildID != "" {
		m.populateClsiCache(ctx, name, outputDir, result.BuildID, result.OutputFiles)
	}

	metrics.RecordCompile(status)
	log.Info().
		Str("status", status).
		Str("build_id", result.BuildID).
		Int64("latex_runs", result.Stats["latex-runs"]).
		Int64("compile_ms", result.Timings["compile"]).
		Msg("done compile")
	return result, nil
}

func stage(name string, start time.Time) int64 {
	d := time.Since(start)
	metrics.ObserveStage(name, d)
	return d.Milliseconds()
}

// classifyRun maps the runner outcome to a status. A non-nil error means the
// sandbox itself failed. Success and failure are settled later by looking
// for output.pdf.
func classifyRun(req *models.CompileRequest, runErr error) (string, error) {
	var exitErr *runner.ExitError
	switch {
	case errors.Is(runErr, runner.ErrTerminated):
		return models.StatusTerminated, nil
	case errors.Is(runErr, runner.ErrTimedOut):
		return models.StatusTimedOut, nil
	case req.Check == models.CheckValidate && runErr == nil:
		return models.StatusValidationPass, nil
	case req.Check == models.CheckValidate && (errors.Is(runErr, runner.ErrExited) || errors.As(runErr, &exitErr)):
		return models.StatusValidationFail, nil
	case req.Check == models.CheckError && errors.Is(runErr, runner.ErrExited):
		return models.StatusValidationFail, nil
	case runErr == nil, errors.Is(runErr, runner.ErrExited), errors.As(runErr, &exitErr):
		return models.StatusSuccess, nil
	default:
		return models.StatusError, runErr
	}
}

// pdfStats records the size and page count of the compiled PDF.
func (m *Manager) pdfStats(ctx context.Context, pdfPath string, stats models.Stats) {
	info, err := os.Stat(pdfPath)
	if err != nil {
		return
	}
	stats["pdf-size"] = info.Size()
	pages, err := contentcache.ReadXref(pdfPath)
	if err != nil {
		logging.Ctx(ctx).Debug().Err(err).Msg("could not count pdf pages")
		return
	}
	stats["pdf-pages"] = int64(pages)
}

// clearStagingEntries removes every discovered file after an aborted
// compile so the next attempt starts clean.
func clearStagingEntries(ctx context.Context, stagingDir string, entries []string) {
	for _, rel := range entries {
		p, err := fsutil.JoinInside(stagingDir, rel)
		if err != nil {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logging.Ctx(ctx).Warn().Err(err).Str("path", rel).Msg("failed to clear staging entry")
		}
	}
}

// cachePDFRanges attaches content ranges to output.pdf. Every failure is
// soft: it is counted in the stats and the output is left unchanged.
func (m *Manager) cachePDFRanges(ctx context.Context, req *models.CompileRequest, outputDir string, result *models.CompileResult) {
	pdf := result.FindOutputFile("output.pdf")
	if m.content == nil || pdf == nil {
		return
	}
	genPDF, err := m.outputs.ResolveOutputFile(outputDir, result.BuildID, pdf.Path)
	if err != nil {
		return
	}
	if _, err := contentcache.ReadXref(genPDF); err != nil {
		softFail(ctx, result.Stats, "no_xref", "pdf-caching-no-xref", err)
		return
	}

	opts := m.content.Defaults()
	if req.PdfCachingMinChunkSize > 0 {
		opts.MinChunkSize = req.PdfCachingMinChunkSize
	}

	start := time.Now()
	var res *contentcache.Result
	err = m.outputs.Do(outputDir, func() error {
		_, contentDir, err := m.outputs.EnsureContentDir(outputDir)
		if err != nil {
			return err
		}
		res, err = m.content.Update(ctx, contentDir, genPDF, opts)
		return err
	})
	result.Timings["pdf-caching"] = time.Since(start).Milliseconds()

	switch {
	case errors.Is(err, contentcache.ErrQueueLimitReached):
		softFail(ctx, result.Stats, "queue_limit", "pdf-caching-queue-limit-reached", err)
		return
	case errors.Is(err, context.DeadlineExceeded):
		softFail(ctx, result.Stats, "timeout", "pdf-caching-timed-out", err)
		return
	case err != nil:
		softFail(ctx, result.Stats, "error", "pdf-caching-error", err)
		return
	}

	pdf.ContentID = res.ContentID
	pdf.Ranges = res.Ranges
	var newSize int64
	for _, r := range res.NewRanges {
		newSize += r.End - r.Start
	}
	result.Stats["pdf-caching-total-ranges-count"] = int64(len(res.Ranges))
	result.Stats["pdf-caching-new-ranges-count"] = int64(len(res.NewRanges))
	result.Stats["pdf-caching-new-ranges-size"] = newSize
	result.Stats["pdf-caching-reclaimed-space"] = res.ReclaimedSpace
}

func softFail(ctx context.Context, stats models.Stats, reason, stat string, err error) {
	stats[stat] = 1
	metrics.ContentCacheSkipped.WithLabelValues(reason).Inc()
	logging.Ctx(ctx).Warn().Err(err).Str("reason", reason).Msg("pdf caching skipped")
}

// StopCompile kills the running compile of the project, if any.
func (m *Manager) StopCompile(ctx context.Context, projectID, userID string) error {
	return m.runner.Kill(ctx, models.CompileName(projectID, userID))
}

// ClearProject removes the staging dir, output dir and cached downloads.
func (m *Manager) ClearProject(ctx context.Context, projectID, userID string) error {
	name := models.CompileName(projectID, userID)
	stagingDir := m.StagingDir(name)

	if err := checkDirectory(stagingDir); err != nil {
		return err
	}
	l, err := m.acquireProject(ctx, stagingDir)
	if err != nil {
		return err
	}
	removeErr := os.RemoveAll(stagingDir)
	m.locks.Release(l)
	if removeErr != nil {
		return fmt.Errorf("remove staging dir: %w", removeErr)
	}

	if err := m.outputs.ClearOutputDir(ctx, m.outputs.OutputDir(name)); err != nil {
		return err
	}
	m.removeClsiCache(name)
	if m.urls != nil {
		if err := m.urls.ClearProject(projectID); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("failed to clear url cache")
		}
	}
	return nil
}

// checkDirectory rejects a staging path that exists but is not a directory.
func checkDirectory(dir string) error {
	info, err := os.Lstat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat staging dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("staging path %s is not a directory", dir)
	}
	return nil
}

// ClearExpiredProjects removes staging dirs not modified within maxAge,
// along with their outputs. Dirs with a compile in progress are skipped.
func (m *Manager) ClearExpiredProjects(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.opts.CompilesDir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	now := time.Now()
	var removed int
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) <= maxAge {
			continue
		}

		name := e.Name()
		stagingDir := m.StagingDir(name)
		l, err := m.acquireProject(ctx, stagingDir)
		if err != nil {
			continue
		}
		err = os.RemoveAll(stagingDir)
		m.locks.Release(l)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("dir", stagingDir).Msg("failed to remove expired staging dir")
			continue
		}

		if err := m.outputs.ClearOutputDir(ctx, m.outputs.OutputDir(name)); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("name", name).Msg("failed to remove expired output dir")
		}
		if m.urls != nil && !strings.Contains(name, "-") {
			if err := m.urls.ClearProject(name); err != nil {
				logging.Ctx(ctx).Warn().Err(err).Str("name", name).Msg("failed to clear url cache")
			}
		}
		metrics.StagingDirsExpired.Inc()
		removed++
	}
	return removed, nil
}
