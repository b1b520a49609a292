// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/texforge/internal/logging"
	"github.com/tomtom215/texforge/internal/models"
	"github.com/tomtom215/texforge/internal/validation"
)

// sanitizeLogValue removes control characters from strings to prevent log injection attacks.
func sanitizeLogValue(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			fmt.Fprintf(&result, "\\x%02x", r)
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// respondJSON sends a JSON response with proper headers
func respondJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// errorBody is the response for requests that never reached a compile.
type errorBody struct {
	Error *validation.APIError `json:"error"`
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, code, message string, err error) {
	if err != nil {
		logging.Error().Str("code", sanitizeLogValue(code)).Str("error", sanitizeLogValue(err.Error())).Msg("API Error")
	}
	respondJSON(w, status, errorBody{Error: &validation.APIError{Code: code, Message: message}})
}

// respondValidationError sends a 400 with the request error details.
func respondValidationError(w http.ResponseWriter, err *validation.RequestError) {
	respondJSON(w, http.StatusBadRequest, errorBody{Error: err.ToAPIError()})
}

// compileBody wraps a compile result the way callers expect it.
type compileBody struct {
	Compile *models.CompileResult `json:"compile"`
}

// respondCompile sends a compile result. Nil slices and maps are replaced so
// the body always carries stats, timings and outputFiles.
func respondCompile(w http.ResponseWriter, status int, result *models.CompileResult) {
	if result.Stats == nil {
		result.Stats = models.Stats{}
	}
	if result.Timings == nil {
		result.Timings = models.Timings{}
	}
	if result.OutputFiles == nil {
		result.OutputFiles = []models.OutputFile{}
	}
	respondJSON(w, status, compileBody{Compile: result})
}

// routeIDs reads and checks the project and optional user id of a route.
func routeIDs(w http.ResponseWriter, r *http.Request) (projectID, userID string, ok bool) {
	projectID = chi.URLParam(r, "project_id")
	userID = chi.URLParam(r, "user_id")
	if !validation.ValidProjectID(projectID) || (userID != "" && !validation.ValidProjectID(userID)) {
		respondError(w, http.StatusBadRequest, "INVALID_ID", ErrInvalidID.Error(), nil)
		return "", "", false
	}
	return projectID, userID, true
}
