// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package resources

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/tomtom215/texforge/internal/fsutil"
	"github.com/tomtom215/texforge/internal/logging"
	"github.com/tomtom215/texforge/internal/models"
)

// Generated files kept between runs so the toolchain can skip work it has
// already done. Patterns are matched against the slash path relative to the
// staging root.
var keepPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^output\.`),
	regexp.MustCompile(`\.aux$`),
	regexp.MustCompile(`^cache/`),                 // knitr
	regexp.MustCompile(`^output-.*`),              // tikz externalize, default prefix
	regexp.MustCompile(`\.(pdf|dpth|md5)$`),       // tikz externalize, by extension
	regexp.MustCompile(`\.(pygtex|pygstyle)$`),    // minted
	regexp.MustCompile(`(^|/)_minted-[^/]+/`),     // minted
	regexp.MustCompile(`\.md\.tex$`),              // markdown
	regexp.MustCompile(`(^|/)_markdown_[^/]+/`),   // markdown
	regexp.MustCompile(`-eps-converted-to\.pdf$`), // epstopdf
}

// Compiler outputs that are always regenerated and so always removed, even
// though they match a keep pattern.
var forceDelete = map[string]bool{
	"output.pdf":    true,
	"output.dvi":    true,
	"output.log":    true,
	"output.xdv":    true,
	"output.stdout": true,
	"output.stderr": true,
	"output.tex":    true,
}

// IsExtraneous reports whether a generated file at path should be removed
// before the next compile.
func IsExtraneous(path string) bool {
	if forceDelete[path] {
		return true
	}
	for _, re := range keepPatterns {
		if re.MatchString(path) {
			return false
		}
	}
	return true
}

// removeExtraneousFiles deletes stale outputs from dir. It returns every
// regular file that was found, before deletion, for the incremental
// presence check.
func removeExtraneousFiles(ctx context.Context, resources []models.Resource, dir string) ([]string, error) {
	outputs, all, err := fsutil.FindOutputFiles(resources, dir)
	if err != nil {
		return nil, err
	}

	removed := 0
	for _, f := range outputs {
		if !IsExtraneous(f.Path) {
			continue
		}
		if err := deleteFileIfNotDirectory(filepath.Join(dir, filepath.FromSlash(f.Path))); err != nil {
			return nil, err
		}
		removed++
	}

	logging.Ctx(ctx).Debug().Int("removed", removed).Int("outputs", len(outputs)).Msg("removed extraneous files")
	return all, nil
}

func deleteFileIfNotDirectory(path string) error {
	info, err := os.Lstat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return err
	case info.IsDir():
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
