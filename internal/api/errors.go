// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package api

import "errors"

// Common API errors
var (
	// ErrInvalidID indicates a project, user or build id in the path is malformed
	ErrInvalidID = errors.New("invalid id in path")

	// ErrRequestTooLarge indicates the compile body exceeded the configured limit
	ErrRequestTooLarge = errors.New("request body too large")
)
