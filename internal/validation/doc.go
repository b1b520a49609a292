// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

// Package validation checks and defaults compile requests before any work
// begins.
//
// It wraps go-playground/validator v10 in a singleton with custom tags:
//
//	buildid    hex-hex build identifier, e.g. 195a4869176-a4ad60bee7bf35e4
//	editorid   UUID-shaped editor identifier
//	projectid  letters, digits and underscores
//	safepath   relative path without ".." segments
//
// Field names in messages come from json tags, so errors name the request
// attribute the caller sent:
//
//	compiler attribute should be one of: pdflatex, latex, xelatex, lualatex
//
// # Compile Requests
//
// ParseCompileRequest turns the loosely typed JSON body into a
// models.CompileRequest:
//
//   - compiler defaults to pdflatex
//   - timeout is in seconds, defaults to and is capped at Policy.MaxTimeout
//   - imageName defaults to Policy.DefaultImage and must be allow-listed
//     when Policy.AllowedImages is set
//   - compileGroup must be allow-listed when Policy.AllowedCompileGroups is set
//   - rootResourcePath defaults to main.tex
//   - flags default to an empty list
//   - resource modified dates accept unix milliseconds or a date string
//
// Every rejection is a *RequestError. It unwraps to ErrInvalidParameter and
// converts to the 400 body with ToAPIError:
//
//	req, err := validation.DecodeCompileRequest(body, projectID, userID, policy)
//	if errors.Is(err, validation.ErrInvalidParameter) {
//	    // respond 400
//	}
//
// # Thread Safety
//
// The singleton validator is initialized once and safe for concurrent use.
package validation
