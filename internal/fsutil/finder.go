// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package fsutil

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tomtom215/texforge/internal/models"
)

// FindOutputFiles walks dir and returns every regular file that is not one of
// the given resources, plus the list of all regular files found. Hidden
// entries (lock file, sync state, dot directories) are skipped entirely.
// Paths are slash-separated and relative to dir, sorted.
func FindOutputFiles(resources []models.Resource, dir string) ([]models.OutputFile, []string, error) {
	incoming := make(map[string]struct{}, len(resources))
	for _, r := range resources {
		incoming[filepath.ToSlash(filepath.Clean(r.Path))] = struct{}{}
	}

	var all []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		all = append(all, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(all)

	outputs := make([]models.OutputFile, 0, len(all))
	for _, rel := range all {
		if _, ok := incoming[rel]; ok {
			continue
		}
		outputs = append(outputs, models.OutputFile{Path: rel, Type: FileType(rel)})
	}
	return outputs, all, nil
}

// FileType is the extension without its leading dot.
func FileType(path string) string {
	return strings.TrimPrefix(filepath.Ext(path), ".")
}
