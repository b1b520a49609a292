// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

/*
Package outputcache keeps immutable per-build snapshots of compile outputs.

Each compile copies its output files into a generation directory:

	<output_dir>/<name>/generated-files/<buildId>/

Retention keeps at most Limit generations per shared project (PerUserLimit
for per-user compiles) and drops anything older than MaxAge. The
generation just written is never removed by its own retention pass.

Every mutation or scan of an output directory goes through a DirQueue keyed
by that directory, so saves, retention, archive reads and content-cache
updates on one project never interleave.
*/
package outputcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tomtom215/texforge/internal/config"
	"github.com/tomtom215/texforge/internal/fsutil"
	"github.com/tomtom215/texforge/internal/logging"
	"github.com/tomtom215/texforge/internal/metrics"
	"github.com/tomtom215/texforge/internal/models"
)

const (
	// GeneratedFilesDir holds one directory per build under each output dir.
	GeneratedFilesDir = "generated-files"

	// ContentDir holds content-cache blobs under each output dir.
	ContentDir = "content"
)

var (
	// ErrNotFound is returned when a requested output does not exist.
	ErrNotFound = errors.New("output file not found")

	// ErrInvalidPath is returned for malformed build ids, content ids or paths.
	ErrInvalidPath = errors.New("invalid output path")

	contentIDPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)
)

// Options configures a Store.
type Options struct {
	OutputRoot   string
	ArchiveDir   string
	ArchiveLogs  bool
	Limit        int
	PerUserLimit int
	MaxAge       time.Duration
	QpdfPath     string
	OptimisePDF  bool
}

// OptionsFromConfig maps the output cache and path sections onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		OutputRoot:   cfg.Paths.OutputDir,
		ArchiveDir:   cfg.Paths.ArchiveDir,
		ArchiveLogs:  cfg.Compile.ArchiveLogs,
		Limit:        cfg.OutputCache.Limit,
		PerUserLimit: cfg.OutputCache.PerUserLimit,
		MaxAge:       cfg.OutputCache.MaxAge,
		QpdfPath:     cfg.OutputCache.QpdfPath,
		OptimisePDF:  cfg.OutputCache.OptimisePDF,
	}
}

// dirInfo is what bulk cleanup remembers about an output directory.
type dirInfo struct {
	oldest  time.Time
	perUser bool
}

// Store manages build generations below Options.OutputRoot.
type Store struct {
	opts  Options
	queue *DirQueue
	now   func() time.Time

	mu   sync.Mutex
	dirs map[string]dirInfo
}

// NewStore creates a Store. Call Init before starting bulk cleanup.
func NewStore(opts Options) *Store {
	if opts.Limit < 1 {
		opts.Limit = 1
	}
	if opts.PerUserLimit < 1 {
		opts.PerUserLimit = 1
	}
	return &Store{
		opts:  opts,
		queue: NewDirQueue(),
		now:   time.Now,
		dirs:  make(map[string]dirInfo),
	}
}

// Do runs fn in the queue for outputDir.
func (s *Store) Do(outputDir string, fn func() error) error {
	return s.queue.Run(outputDir, fn)
}

// OutputDir returns the output directory for a compile name.
func (s *Store) OutputDir(name string) string {
	return filepath.Join(s.opts.OutputRoot, name)
}

func generationDir(outputDir, buildID string) string {
	return filepath.Join(outputDir, GeneratedFilesDir, buildID)
}

func isStrace(path string) bool {
	return strings.HasPrefix(filepath.Base(path), "strace")
}

// SaveOutputFiles copies files from stagingDir into a new generation under
// outputDir and returns its build id with the cached file list. On failure
// the partial generation is removed and the original list is returned with
// the error.
func (s *Store) SaveOutputFiles(ctx context.Context, files []models.OutputFile, stagingDir, outputDir string, perUser bool) (string, []models.OutputFile, error) {
	buildID := GenerateBuildID(s.now())
	log := logging.Ctx(ctx).With().Str("build_id", buildID).Str("output_dir", outputDir).Logger()

	var saved []models.OutputFile
	err := s.queue.Run(outputDir, func() error {
		var err error
		saved, err = s.saveGeneration(ctx, files, stagingDir, outputDir, buildID)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to save output files, returning uncached outputs")
		return "", files, err
	}

	if s.opts.ArchiveLogs {
		s.archiveLogs(ctx, files, stagingDir, filepath.Base(outputDir), buildID)
	}

	s.noteGeneration(outputDir, buildID, perUser)

	limit := s.opts.Limit
	if perUser {
		limit = s.opts.PerUserLimit
	}
	bgCtx := context.WithoutCancel(ctx)
	s.queue.Go(outputDir, func() {
		if _, err := s.expireOutputFiles(bgCtx, outputDir, buildID, limit); err != nil {
			logging.Ctx(bgCtx).Warn().Err(err).Str("output_dir", outputDir).Msg("output retention failed")
		}
	})

	return buildID, saved, nil
}

func (s *Store) saveGeneration(ctx context.Context, files []models.OutputFile, stagingDir, outputDir, buildID string) ([]models.OutputFile, error) {
	genDir := generationDir(outputDir, buildID)
	if err := os.MkdirAll(genDir, 0o755); err != nil {
		return nil, fmt.Errorf("create generation dir: %w", err)
	}

	var (
		saved = make([]models.OutputFile, 0, len(files))
		total int64
	)
	for _, f := range files {
		if fsutil.IsHidden(f.Path) || isStrace(f.Path) {
			continue
		}
		src, err := fsutil.JoinInside(stagingDir, f.Path)
		if err != nil {
			_ = os.RemoveAll(genDir)
			return nil, err
		}
		info, err := os.Lstat(src)
		if errors.Is(err, fs.ErrNotExist) {
			logging.Ctx(ctx).Warn().Str("path", f.Path).Msg("output file vanished before caching")
			continue
		}
		if err != nil {
			_ = os.RemoveAll(genDir)
			return nil, fmt.Errorf("stat %s: %w", f.Path, err)
		}
		if !info.Mode().IsRegular() {
			continue
		}

		dst, err := fsutil.JoinInside(genDir, f.Path)
		if err != nil {
			_ = os.RemoveAll(genDir)
			return nil, err
		}
		if _, err := fsutil.CopyFile(src, dst); err != nil {
			_ = os.RemoveAll(genDir)
			return nil, fmt.Errorf("copy %s: %w", f.Path, err)
		}
		if s.opts.OptimisePDF && strings.EqualFold(filepath.Ext(dst), ".pdf") {
			s.Optimise(ctx, dst)
		}

		out := f
		out.Build = buildID
		if st, err := os.Stat(dst); err == nil {
			out.Size = st.Size()
		}
		total += out.Size
		saved = append(saved, out)
	}

	logging.Ctx(ctx).Debug().
		Int("files", len(saved)).
		Str("size", humanize.Bytes(uint64(total))).
		Str("build_id", buildID).
		Msg("saved output generation")
	return saved, nil
}

// archiveLogs copies the compile logs and syscall traces for later
// inspection. Failures are logged only.
func (s *Store) archiveLogs(ctx context.Context, files []models.OutputFile, stagingDir, name, buildID string) {
	archiveDir := filepath.Join(s.opts.ArchiveDir, name, buildID)
	for _, f := range files {
		base := filepath.Base(f.Path)
		if base != "output.log" && base != "output.blg" && !isStrace(f.Path) {
			continue
		}
		src, err := fsutil.JoinInside(stagingDir, f.Path)
		if err != nil {
			continue
		}
		dst, err := fsutil.JoinInside(archiveDir, f.Path)
		if err != nil {
			continue
		}
		if _, err := fsutil.CopyFile(src, dst); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("path", f.Path).Msg("failed to archive log file")
		}
	}
}

// ExpireOutputFiles applies retention to outputDir, never removing keep.
func (s *Store) ExpireOutputFiles(ctx context.Context, outputDir, keep string, limit int) error {
	return s.queue.Run(outputDir, func() error {
		_, err := s.expireOutputFiles(ctx, outputDir, keep, limit)
		return err
	})
}

type generation struct {
	id      string
	created time.Time
}

func listGenerations(outputDir string) ([]generation, error) {
	entries, err := os.ReadDir(filepath.Join(outputDir, GeneratedFilesDir))
	if err != nil {
		return nil, err
	}
	gens := make([]generation, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		created, err := BuildIDTime(e.Name())
		if err != nil {
			continue
		}
		gens = append(gens, generation{id: e.Name(), created: created})
	}
	slices.SortFunc(gens, func(a, b generation) int {
		if c := b.created.Compare(a.created); c != 0 {
			return c
		}
		return strings.Compare(b.id, a.id)
	})
	return gens, nil
}

// expireOutputFiles must run inside the queue for outputDir. It returns the
// creation time of the oldest remaining generation, or zero when the
// directory was removed.
func (s *Store) expireOutputFiles(ctx context.Context, outputDir, keep string, limit int) (time.Time, error) {
	gens, err := listGenerations(outputDir)
	if errors.Is(err, fs.ErrNotExist) {
		s.forgetDir(outputDir)
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("list generations: %w", err)
	}

	now := s.now()
	var (
		oldest    time.Time
		remaining int
	)
	for i, g := range gens {
		expired := i >= limit || now.Sub(g.created) > s.opts.MaxAge
		if g.id == keep || !expired {
			remaining++
			oldest = g.created
			continue
		}
		if err := os.RemoveAll(generationDir(outputDir, g.id)); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("build_id", g.id).Msg("failed to remove output generation")
			remaining++
			oldest = g.created
			continue
		}
		metrics.OutputGenerationsRemoved.Inc()
	}

	if remaining == 0 {
		if err := os.RemoveAll(outputDir); err != nil {
			return time.Time{}, fmt.Errorf("remove empty output dir: %w", err)
		}
		s.forgetDir(outputDir)
		return time.Time{}, nil
	}

	s.mu.Lock()
	info := s.dirs[outputDir]
	info.oldest = oldest
	s.dirs[outputDir] = info
	s.mu.Unlock()
	return oldest, nil
}

func (s *Store) noteGeneration(outputDir, buildID string, perUser bool) {
	created, err := BuildIDTime(buildID)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.dirs[outputDir]
	if !ok || created.Before(info.oldest) {
		info.oldest = created
	}
	info.perUser = perUser
	s.dirs[outputDir] = info
}

func (s *Store) forgetDir(outputDir string) {
	s.mu.Lock()
	delete(s.dirs, outputDir)
	s.mu.Unlock()
}

// ClearOutputDir removes outputDir with everything in it.
func (s *Store) ClearOutputDir(ctx context.Context, outputDir string) error {
	return s.queue.Run(outputDir, func() error {
		s.forgetDir(outputDir)
		if err := os.RemoveAll(outputDir); err != nil {
			return fmt.Errorf("clear output dir: %w", err)
		}
		logging.Ctx(ctx).Debug().Str("output_dir", outputDir).Msg("cleared output dir")
		return nil
	})
}

// EnsureContentDir returns the content id and directory for outputDir,
// reusing an existing one when present. It must run inside the queue for
// outputDir.
func (s *Store) EnsureContentDir(outputDir string) (string, string, error) {
	root := filepath.Join(outputDir, ContentDir)
	entries, err := os.ReadDir(root)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", "", fmt.Errorf("read content dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && contentIDPattern.MatchString(e.Name()) {
			return e.Name(), filepath.Join(root, e.Name()), nil
		}
	}

	id := newContentID()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create content dir: %w", err)
	}
	return id, dir, nil
}

// ResolveOutputFile returns the on-disk path of path within a generation.
func (s *Store) ResolveOutputFile(outputDir, buildID, path string) (string, error) {
	if !ValidBuildID(buildID) {
		return "", fmt.Errorf("%w: build id %q", ErrInvalidPath, buildID)
	}
	full, err := fsutil.JoinInside(generationDir(outputDir, buildID), path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return regularFile(full)
}

// ResolveContentFile returns the on-disk path of a content blob.
func (s *Store) ResolveContentFile(outputDir, contentID, hash string) (string, error) {
	if !contentIDPattern.MatchString(contentID) || !hashPattern.MatchString(hash) {
		return "", fmt.Errorf("%w: content %q/%q", ErrInvalidPath, contentID, hash)
	}
	return regularFile(filepath.Join(outputDir, ContentDir, contentID, hash))
}

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

func regularFile(path string) (string, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return path, nil
}
