// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package api

import (
	"context"
	"io"
	"time"

	"github.com/tomtom215/texforge/internal/models"
	"github.com/tomtom215/texforge/internal/validation"
)

// Compiler runs and manages compiles. *compile.Manager implements it.
type Compiler interface {
	DoCompileWithLock(ctx context.Context, req *models.CompileRequest) (*models.CompileResult, error)
	StopCompile(ctx context.Context, projectID, userID string) error
	ClearProject(ctx context.Context, projectID, userID string) error
}

// OutputStore serves saved generations. *outputcache.Store implements it.
type OutputStore interface {
	OutputDir(name string) string
	ResolveOutputFile(outputDir, buildID, path string) (string, error)
	ResolveContentFile(outputDir, contentID, hash string) (string, error)
	WriteArchive(ctx context.Context, w io.Writer, outputDir, buildID string, files []string) error
}

// Handler contains dependencies for API handlers.
//
// Handler methods are split across files:
//   - handlers_compile.go: compile, stop and clear
//   - handlers_output.go: output files, zip archives and content blobs
//   - handlers_health.go: health
type Handler struct {
	compiler        Compiler
	outputs         OutputStore
	policy          validation.Policy
	maxRequestBytes int64
	runnerType      string
	startTime       time.Time
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	Policy          validation.Policy
	MaxRequestBytes int64
	RunnerType      string
}

// NewHandler creates a new API handler.
func NewHandler(compiler Compiler, outputs OutputStore, opts HandlerOptions) *Handler {
	return &Handler{
		compiler:        compiler,
		outputs:         outputs,
		policy:          opts.Policy,
		maxRequestBytes: opts.MaxRequestBytes,
		runnerType:      opts.RunnerType,
		startTime:       time.Now(),
	}
}
