// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

// Package models holds the request, resource and output types shared by the
// compile pipeline and the HTTP layer.
package models

import "time"

// Compilers understood by the latexmk command builder.
const (
	CompilerPDFLaTeX = "pdflatex"
	CompilerLaTeX    = "latex"
	CompilerXeLaTeX  = "xelatex"
	CompilerLuaLaTeX = "lualatex"
)

// Sync protocols.
const (
	SyncTypeFull        = "full"
	SyncTypeIncremental = "incremental"
)

// Check modes for chktex.
const (
	CheckValidate = "validate"
	CheckError    = "error"
	CheckSilent   = "silent"
)

// Compile statuses reported to callers.
const (
	StatusSuccess           = "success"
	StatusFailure           = "failure"
	StatusTerminated        = "terminated"
	StatusTimedOut          = "timedout"
	StatusRetry             = "retry"
	StatusCompileInProgress = "compile-in-progress"
	StatusValidationPass    = "validation-pass"
	StatusValidationFail    = "validation-fail"
	StatusExited            = "exited"
	StatusError             = "error"
)

// Resource is one project file. URL takes precedence over Content when set.
type Resource struct {
	Path        string `json:"path"`
	Content     string `json:"content,omitempty"`
	URL         string `json:"url,omitempty"`
	FallbackURL string `json:"fallbackURL,omitempty"`

	// Modified is the last-modified time in unix milliseconds, used to
	// decide whether a cached URL body is still fresh.
	Modified int64 `json:"modified,omitempty"`
}

// IsURL reports whether the resource is fetched rather than inline.
func (r Resource) IsURL() bool {
	return r.URL != ""
}

// CompileRequest is a parsed and defaulted compile invocation.
type CompileRequest struct {
	ProjectID        string
	UserID           string
	RootResourcePath string
	Resources        []Resource

	Compiler         string
	Timeout          time.Duration
	ImageName        string
	Draft            bool
	StopOnFirstError bool
	Check            string
	Flags            []string
	CompileGroup     string
	SyncType         string
	SyncState        string
	EditorID         string
	BuildID          string

	CompileFromClsiCache   bool
	PopulateClsiCache      bool
	EnablePdfCaching       bool
	PdfCachingMinChunkSize int64
}

// CompileName is the staging directory and job key: the project id, or
// project-user for per-user compiles.
func (r *CompileRequest) CompileName() string {
	return CompileName(r.ProjectID, r.UserID)
}

// IsIncremental reports whether the request uses the incremental sync protocol.
func (r *CompileRequest) IsIncremental() bool {
	return r.SyncType == SyncTypeIncremental
}

// CompileName joins project and optional user id.
func CompileName(projectID, userID string) string {
	if userID == "" {
		return projectID
	}
	return projectID + "-" + userID
}

// Range is a cached PDF stream, addressed by its content hash.
type Range struct {
	Start int64  `json:"start"`
	End   int64  `json:"end"`
	Hash  string `json:"hash"`
}

// OutputFile describes one artifact of a compile.
type OutputFile struct {
	Path      string  `json:"path"`
	Type      string  `json:"type"`
	Build     string  `json:"build,omitempty"`
	Size      int64   `json:"size,omitempty"`
	ContentID string  `json:"contentId,omitempty"`
	Ranges    []Range `json:"ranges,omitempty"`
}

// Stats and Timings are loose counters attached to a compile response.
type (
	Stats   map[string]int64
	Timings map[string]int64
)

// CompileResult is what the orchestrator returns for a finished compile.
type CompileResult struct {
	Status      string       `json:"status"`
	Error       string       `json:"error,omitempty"`
	Stats       Stats        `json:"stats"`
	Timings     Timings      `json:"timings"`
	BuildID     string       `json:"buildId,omitempty"`
	OutputFiles []OutputFile `json:"outputFiles"`
}

// FindOutputFile returns the output file at path, or nil.
func (r *CompileResult) FindOutputFile(path string) *OutputFile {
	for i := range r.OutputFiles {
		if r.OutputFiles[i].Path == path {
			return &r.OutputFiles[i]
		}
	}
	return nil
}
