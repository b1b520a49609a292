// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

// Package contentcache splits generated PDFs into content-addressed stream
// blobs so clients can fetch unchanged streams from their own cache.
//
// Each project has one content directory holding a blob per stream hash and
// a state file tracking how many updates ago each hash was last seen.
// Blobs unseen for more than MaxAge updates are deleted.
package contentcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"

	"github.com/tomtom215/texforge/internal/config"
	"github.com/tomtom215/texforge/internal/fsutil"
	"github.com/tomtom215/texforge/internal/logging"
	"github.com/tomtom215/texforge/internal/metrics"
	"github.com/tomtom215/texforge/internal/models"
)

const (
	// StateFileName is the bookkeeping file inside each content dir.
	StateFileName = ".state.v0.json"

	// DefaultMinChunkSize is the smallest stream worth caching.
	DefaultMinChunkSize = 1024

	// DefaultMaxAge is how many updates a blob may go unseen.
	DefaultMaxAge = 5

	chunkSize = 64 * 1024
)

// Options controls one Update call.
type Options struct {
	MinChunkSize int64
	MaxAge       int
	DarkMode     bool
}

// OptionsFromConfig returns the configured defaults. Requests may override
// MinChunkSize.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MinChunkSize: cfg.ContentCache.MinChunkSize,
		MaxAge:       cfg.ContentCache.MaxAge,
		DarkMode:     cfg.ContentCache.DarkMode,
	}
}

// Result describes the ranges of one PDF.
type Result struct {
	ContentID      string
	Ranges         []models.Range
	NewRanges      []models.Range
	ReclaimedSpace int64
}

// state is the persisted form of the age and size maps. Pairs keep the
// file format stable across implementations.
type state struct {
	HashAge  [][2]any `json:"hashAge"`
	HashSize [][2]any `json:"hashSize"`
}

type tracker struct {
	age  map[string]int
	size map[string]int64
}

func loadState(dir string) (*tracker, error) {
	t := &tracker{age: map[string]int{}, size: map[string]int64{}}
	data, err := os.ReadFile(filepath.Join(dir, StateFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, err
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		logging.Warn().Err(err).Str("dir", dir).Msg("content state unreadable, starting empty")
		return t, nil
	}
	for _, p := range st.HashAge {
		h, ok1 := p[0].(string)
		n, ok2 := p[1].(float64)
		if ok1 && ok2 {
			t.age[h] = int(n)
		}
	}
	for _, p := range st.HashSize {
		h, ok1 := p[0].(string)
		n, ok2 := p[1].(float64)
		if ok1 && ok2 {
			t.size[h] = int64(n)
		}
	}
	return t, nil
}

func (t *tracker) save(dir string) error {
	hashes := make([]string, 0, len(t.age))
	for h := range t.age {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	st := state{HashAge: make([][2]any, 0, len(hashes)), HashSize: make([][2]any, 0, len(hashes))}
	for _, h := range hashes {
		st.HashAge = append(st.HashAge, [2]any{h, t.age[h]})
		if sz, ok := t.size[h]; ok {
			st.HashSize = append(st.HashSize, [2]any{h, sz})
		}
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return fsutil.AtomicWriteFile(filepath.Join(dir, StateFileName), data, 0o644)
}

// Update scans pdfPath, writes a blob for every new stream of at least
// MinChunkSize bytes into contentDir and evicts blobs unseen for more than
// MaxAge updates. Running it twice on the same PDF yields no new ranges
// the second time.
func Update(ctx context.Context, contentDir, pdfPath string, opts Options) (*Result, error) {
	if opts.MinChunkSize <= 0 {
		opts.MinChunkSize = DefaultMinChunkSize
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}

	tr, err := loadState(contentDir)
	if err != nil {
		return nil, err
	}
	for h := range tr.age {
		tr.age[h]++
	}

	f, err := os.Open(pdfPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var sc streamScanner
	buf := make([]byte, chunkSize)
	// Hide WriterTo so the scanner sees fixed-size chunks.
	if _, err := io.CopyBuffer(&sc, struct{ io.Reader }{f}, buf); err != nil {
		return nil, fmt.Errorf("scan pdf: %w", err)
	}

	res := &Result{ContentID: filepath.Base(contentDir)}
	mode := "live"
	if opts.DarkMode {
		mode = "dark"
	}
	for _, sp := range sc.spans {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		size := sp.end - sp.start
		if size < opts.MinChunkSize {
			continue
		}
		hash, err := hashRange(f, sp.start, size)
		if err != nil {
			return nil, err
		}
		r := models.Range{Start: sp.start, End: sp.end, Hash: hash}
		res.Ranges = append(res.Ranges, r)

		if _, known := tr.age[hash]; known {
			metrics.ContentRanges.WithLabelValues("reused", mode).Inc()
		} else {
			if err := writeBlob(contentDir, hash, f, sp.start, size, opts.DarkMode); err != nil {
				return nil, err
			}
			tr.size[hash] = size
			res.NewRanges = append(res.NewRanges, r)
			metrics.ContentRanges.WithLabelValues("new", mode).Inc()
		}
		tr.age[hash] = 0
	}

	for h, age := range tr.age {
		if age <= opts.MaxAge {
			continue
		}
		if err := os.Remove(filepath.Join(contentDir, h)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logging.Ctx(ctx).Warn().Err(err).Str("hash", h).Msg("failed to delete content blob")
			continue
		}
		res.ReclaimedSpace += tr.size[h]
		delete(tr.age, h)
		delete(tr.size, h)
	}

	if err := tr.save(contentDir); err != nil {
		return nil, fmt.Errorf("save content state: %w", err)
	}

	metrics.ContentReclaimedBytes.Add(float64(res.ReclaimedSpace))
	logging.Ctx(ctx).Debug().
		Int("ranges", len(res.Ranges)).
		Int("new_ranges", len(res.NewRanges)).
		Str("reclaimed", humanize.Bytes(uint64(res.ReclaimedSpace))).
		Msg("content cache updated")
	return res, nil
}

func hashRange(f io.ReaderAt, start, size int64) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, start, size)); err != nil {
		return "", fmt.Errorf("hash range: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeBlob writes the range to <hash>~ then renames it into place. Dark
// mode writes an empty blob.
func writeBlob(dir, hash string, f io.ReaderAt, start, size int64, dark bool) error {
	tmp := filepath.Join(dir, hash+"~")
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create blob: %w", err)
	}
	if !dark {
		if _, err := io.Copy(out, io.NewSectionReader(f, start, size)); err != nil {
			out.Close()
			os.Remove(tmp)
			return fmt.Errorf("write blob: %w", err)
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, hash)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename blob: %w", err)
	}
	return nil
}
