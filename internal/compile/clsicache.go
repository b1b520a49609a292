// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package compile

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"

	"github.com/tomtom215/texforge/internal/fsutil"
	"github.com/tomtom215/texforge/internal/logging"
	"github.com/tomtom215/texforge/internal/models"
	"github.com/tomtom215/texforge/internal/resources"
)

const (
	clsiCacheArchive = "output.tar.gz"

	// maxSeedFileSize bounds a single extracted entry.
	maxSeedFileSize = 256 << 20
)

func (m *Manager) clsiCachePath(name string) string {
	return filepath.Join(m.opts.ClsiCacheDir, name, clsiCacheArchive)
}

// seedFromClsiCache unpacks the cached output archive into a staging dir
// that has never been synced. Failures are logged and otherwise ignored.
func (m *Manager) seedFromClsiCache(ctx context.Context, name, stagingDir string) {
	if m.opts.ClsiCacheDir == "" {
		return
	}
	if _, err := os.Stat(filepath.Join(stagingDir, resources.StateFileName)); err == nil {
		return
	}
	archive := m.clsiCachePath(name)
	if _, err := os.Stat(archive); err != nil {
		return
	}

	n, err := extractTarGz(archive, stagingDir)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("archive", archive).Msg("failed to seed staging dir from clsi-cache")
		return
	}
	logging.Ctx(ctx).Info().Int("files", n).Msg("seeded staging dir from clsi-cache")
}

func extractTarGz(archive, dir string) (int, error) {
	f, err := os.Open(archive)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var n int
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if fsutil.IsHidden(hdr.Name) {
			continue
		}
		dst, err := fsutil.JoinInside(dir, hdr.Name)
		if err != nil {
			return n, fmt.Errorf("tar entry %q: %w", hdr.Name, err)
		}
		if err := writeTarEntry(dst, tr, hdr.Size); err != nil {
			return n, err
		}
		n++
	}
}

func writeTarEntry(dst string, r io.Reader, size int64) error {
	if size > maxSeedFileSize {
		return fmt.Errorf("tar entry %s is %s, over the limit", filepath.Base(dst), humanize.Bytes(uint64(size)))
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(r, size)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// populateClsiCache packs a generation into the clsi-cache archive for
// name, written to a temp file and renamed. Best effort.
func (m *Manager) populateClsiCache(ctx context.Context, name, outputDir, buildID string, files []models.OutputFile) {
	if m.opts.ClsiCacheDir == "" || buildID == "" {
		return
	}
	archive := m.clsiCachePath(name)
	err := m.outputs.Do(outputDir, func() error {
		return writeTarGz(archive, func(add func(rel, src string) error) error {
			for _, f := range files {
				src, err := m.outputs.ResolveOutputFile(outputDir, buildID, f.Path)
				if err != nil {
					continue
				}
				if err := add(f.Path, src); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("archive", archive).Msg("failed to populate clsi-cache")
		return
	}
	logging.Ctx(ctx).Debug().Str("archive", archive).Msg("populated clsi-cache")
}

func writeTarGz(archive string, fill func(add func(rel, src string) error) error) error {
	if err := os.MkdirAll(filepath.Dir(archive), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(archive), "."+clsiCacheArchive+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)
	add := func(rel, src string) error {
		info, err := os.Stat(src)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(tw, in)
		return err
	}

	fillErr := fill(add)
	if err := errors.Join(fillErr, tw.Close(), gz.Close(), tmp.Close()); err != nil {
		return err
	}
	return os.Rename(tmpName, archive)
}

// removeClsiCache drops the archive for name.
func (m *Manager) removeClsiCache(name string) {
	if m.opts.ClsiCacheDir == "" {
		return
	}
	err := os.RemoveAll(filepath.Join(m.opts.ClsiCacheDir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Warn().Err(err).Str("name", name).Msg("failed to remove clsi-cache entry")
	}
}
