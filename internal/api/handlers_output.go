// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/texforge/internal/logging"
	"github.com/tomtom215/texforge/internal/models"
	"github.com/tomtom215/texforge/internal/outputcache"
)

// OutputFile serves one file of a saved generation.
func (h *Handler) OutputFile(w http.ResponseWriter, r *http.Request) {
	projectID, userID, ok := routeIDs(w, r)
	if !ok {
		return
	}
	outputDir := h.outputs.OutputDir(models.CompileName(projectID, userID))
	path, err := h.outputs.ResolveOutputFile(outputDir, chi.URLParam(r, "build_id"), chi.URLParam(r, "*"))
	if err != nil {
		respondLookupError(w, err)
		return
	}
	serveFile(w, r, path, "")
}

// OutputZip streams a zip of the requested files of a generation. Without a
// files query parameter the whole generation is included.
func (h *Handler) OutputZip(w http.ResponseWriter, r *http.Request) {
	projectID, userID, ok := routeIDs(w, r)
	if !ok {
		return
	}
	outputDir := h.outputs.OutputDir(models.CompileName(projectID, userID))
	buildID := chi.URLParam(r, "build_id")
	if !outputcache.ValidBuildID(buildID) {
		respondLookupError(w, outputcache.ErrInvalidPath)
		return
	}

	zw := &deferredHeaderWriter{w: w, header: func(h http.Header) {
		h.Set("Content-Type", "application/zip")
		h.Set("Content-Disposition", `attachment; filename="output.zip"`)
	}}
	err := h.outputs.WriteArchive(r.Context(), zw, outputDir, buildID, r.URL.Query()["files"])
	if err == nil {
		return
	}
	if !zw.wrote {
		respondLookupError(w, err)
		return
	}
	logging.Ctx(r.Context()).Warn().Err(err).Msg("zip stream aborted")
}

// ContentBlob serves a cached PDF stream. Blobs are content addressed, so
// they are cacheable forever.
func (h *Handler) ContentBlob(w http.ResponseWriter, r *http.Request) {
	projectID, userID, ok := routeIDs(w, r)
	if !ok {
		return
	}
	outputDir := h.outputs.OutputDir(models.CompileName(projectID, userID))
	path, err := h.outputs.ResolveContentFile(outputDir, chi.URLParam(r, "content_id"), chi.URLParam(r, "hash"))
	if err != nil {
		respondLookupError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	serveFile(w, r, path, "application/octet-stream")
}

func respondLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, outputcache.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", "not found", nil)
	case errors.Is(err, outputcache.ErrInvalidPath):
		respondError(w, http.StatusBadRequest, "INVALID_PATH", err.Error(), nil)
	default:
		respondError(w, http.StatusInternalServerError, "OUTPUT_ERROR", "failed to read output", err)
	}
}

// serveFile serves path with range support. contentType overrides the type
// guessed from the extension.
func serveFile(w http.ResponseWriter, r *http.Request, path, contentType string) {
	f, err := os.Open(path)
	if err != nil {
		respondLookupError(w, outputcache.ErrNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		respondLookupError(w, err)
		return
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

// deferredHeaderWriter sets response headers on the first write, so an
// archive that fails before producing bytes can still become a JSON error.
type deferredHeaderWriter struct {
	w      http.ResponseWriter
	header func(http.Header)
	wrote  bool
}

func (d *deferredHeaderWriter) Write(p []byte) (int, error) {
	if !d.wrote {
		d.wrote = true
		d.header(d.w.Header())
		d.w.WriteHeader(http.StatusOK)
	}
	return d.w.Write(p)
}
