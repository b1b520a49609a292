// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package api

import (
	"net/http"
	"time"
)

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status string  `json:"status"`
	Runner string  `json:"runner"`
	Uptime float64 `json:"uptime_seconds"`
}

// Health reports that the server is accepting requests.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthStatus{
		Status: "healthy",
		Runner: h.runnerType,
		Uptime: time.Since(h.startTime).Seconds(),
	})
}
