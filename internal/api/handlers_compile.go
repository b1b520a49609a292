// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/tomtom215/texforge/internal/compile"
	"github.com/tomtom215/texforge/internal/logging"
	"github.com/tomtom215/texforge/internal/models"
	"github.com/tomtom215/texforge/internal/resources"
	"github.com/tomtom215/texforge/internal/validation"
)

// Compile parses a compile request, runs it under the project lock and
// reports the outcome.
func (h *Handler) Compile(w http.ResponseWriter, r *http.Request) {
	projectID, userID, ok := routeIDs(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", ErrRequestTooLarge.Error(), nil)
			return
		}
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "failed to read request body", err)
		return
	}

	req, err := validation.DecodeCompileRequest(body, projectID, userID, h.policy)
	if err != nil {
		var reqErr *validation.RequestError
		if errors.As(err, &reqErr) {
			respondValidationError(w, reqErr)
			return
		}
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), err)
		return
	}

	// A compile outlives a disconnected caller; stop is explicit.
	ctx := logging.ContextWithCompile(context.WithoutCancel(r.Context()), logging.CompileFields{
		ProjectID: projectID,
		UserID:    userID,
	})
	result, err := h.compiler.DoCompileWithLock(ctx, req)
	switch {
	case err == nil:
		respondCompile(w, http.StatusOK, result)
	case errors.Is(err, resources.ErrFilesOutOfSync):
		respondCompile(w, http.StatusConflict, &models.CompileResult{
			Status: models.StatusRetry,
			Error:  err.Error(),
		})
	case errors.Is(err, compile.ErrAlreadyCompiling):
		respondCompile(w, http.StatusLocked, &models.CompileResult{
			Status: models.StatusCompileInProgress,
			Error:  "Already compiling",
		})
	default:
		logging.Ctx(ctx).Error().Err(err).Msg("compile failed")
		respondCompile(w, http.StatusInternalServerError, &models.CompileResult{
			Status: models.StatusError,
			Error:  err.Error(),
		})
	}
}

// StopCompile kills the running compile of the project.
func (h *Handler) StopCompile(w http.ResponseWriter, r *http.Request) {
	projectID, userID, ok := routeIDs(w, r)
	if !ok {
		return
	}
	if err := h.compiler.StopCompile(r.Context(), projectID, userID); err != nil {
		respondError(w, http.StatusInternalServerError, "STOP_FAILED", "failed to stop compile", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearProject removes all state held for the project.
func (h *Handler) ClearProject(w http.ResponseWriter, r *http.Request) {
	projectID, userID, ok := routeIDs(w, r)
	if !ok {
		return
	}
	err := h.compiler.ClearProject(r.Context(), projectID, userID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, compile.ErrAlreadyCompiling):
		respondError(w, http.StatusLocked, "COMPILE_IN_PROGRESS", err.Error(), nil)
	default:
		respondError(w, http.StatusInternalServerError, "CLEAR_FAILED", "failed to clear project", err)
	}
}
