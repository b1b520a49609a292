// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package outputcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/tomtom215/texforge/internal/fsutil"
	"github.com/tomtom215/texforge/internal/logging"
)

// MissingFilesEntry lists requested files absent from the generation.
const MissingFilesEntry = "missing_files.txt"

// WriteArchive streams a zip of files from the generation buildID to w. An
// empty files list means every file in the generation. Requested files that
// do not exist are named in MissingFilesEntry instead of failing the archive.
func (s *Store) WriteArchive(ctx context.Context, w io.Writer, outputDir, buildID string, files []string) error {
	if !ValidBuildID(buildID) {
		return fmt.Errorf("%w: build id %q", ErrInvalidPath, buildID)
	}
	genDir := generationDir(outputDir, buildID)

	return s.queue.Run(outputDir, func() error {
		if _, err := os.Stat(genDir); errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		if len(files) == 0 {
			all, err := listGenerationFiles(genDir)
			if err != nil {
				return fmt.Errorf("list generation: %w", err)
			}
			files = all
		}

		zw := zip.NewWriter(w)
		var missing []string
		for _, name := range files {
			if err := ctx.Err(); err != nil {
				return err
			}
			src, err := fsutil.JoinInside(genDir, name)
			if err != nil {
				missing = append(missing, name)
				continue
			}
			if _, err := regularFile(src); err != nil {
				missing = append(missing, name)
				continue
			}
			if err := addZipEntry(zw, filepath.ToSlash(filepath.Clean(name)), src); err != nil {
				return err
			}
		}

		if len(missing) > 0 {
			logging.Ctx(ctx).Debug().Strs("missing", missing).Str("build_id", buildID).Msg("archive has missing files")
			fw, err := zw.Create(MissingFilesEntry)
			if err != nil {
				return err
			}
			if _, err := io.WriteString(fw, strings.Join(missing, "\n")+"\n"); err != nil {
				return err
			}
		}
		return zw.Close()
	})
}

func addZipEntry(zw *zip.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	fw, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func listGenerationFiles(genDir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(genDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(genDir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(files)
	return files, err
}
