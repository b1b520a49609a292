// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package validation

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tomtom215/texforge/internal/models"
)

// ===================================================================================================
// Singleton Validator Tests
// ===================================================================================================

func TestGetValidator_Singleton(t *testing.T) {
	v1 := GetValidator()
	v2 := GetValidator()

	if v1 != v2 {
		t.Error("GetValidator() should return the same singleton instance")
	}
	if v1 == nil {
		t.Error("GetValidator() should not return nil")
	}
}

// ===================================================================================================
// Custom Tag Tests
// ===================================================================================================

type tagged struct {
	BuildID   string `json:"buildId" validate:"omitempty,buildid"`
	EditorID  string `json:"editorId" validate:"omitempty,editorid"`
	ProjectID string `json:"projectId" validate:"omitempty,projectid"`
	Path      string `json:"path" validate:"omitempty,safepath"`
}

func TestCustomTags(t *testing.T) {
	tests := []struct {
		name    string
		input   tagged
		wantTag string
	}{
		{name: "valid build id", input: tagged{BuildID: "195a4869176-a4ad60bee7bf35e4"}},
		{name: "bad build id", input: tagged{BuildID: "foo/bar"}, wantTag: "buildid"},
		{name: "upper case build id", input: tagged{BuildID: "ABC-123"}, wantTag: "buildid"},
		{name: "valid editor id", input: tagged{EditorID: "0f2b1a44-5c1e-4c7a-9d35-7a8f2f1e6b90"}},
		{name: "bad editor id", input: tagged{EditorID: "not-a-uuid"}, wantTag: "editorid"},
		{name: "valid project id", input: tagged{ProjectID: "5f3e2d1c0b9a8f7e6d5c4b3a"}},
		{name: "project id with dash", input: tagged{ProjectID: "abc-def"}, wantTag: "projectid"},
		{name: "nested path", input: tagged{Path: "chapters/one.tex"}},
		{name: "escaping path", input: tagged{Path: "foo/../../bar.tex"}, wantTag: "safepath"},
		{name: "inner dotdot", input: tagged{Path: "foo/../bar.tex"}, wantTag: "safepath"},
		{name: "absolute path", input: tagged{Path: "/etc/passwd"}, wantTag: "safepath"},
		{name: "dots in name", input: tagged{Path: "a..b.tex"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(&tt.input)
			if tt.wantTag == "" {
				if err != nil {
					t.Fatalf("ValidateStruct() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("ValidateStruct() = nil, want %s failure", tt.wantTag)
			}
			if got := err.Errors()[0].Tag(); got != tt.wantTag {
				t.Errorf("tag = %q, want %q", got, tt.wantTag)
			}
		})
	}
}

func TestRequestErrorUnwrapsToInvalidParameter(t *testing.T) {
	err := error(ValidateStruct(&tagged{BuildID: "nope"}))
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("errors.Is(%v, ErrInvalidParameter) = false", err)
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatal("errors.As should find *RequestError")
	}
	if got := reqErr.Errors()[0].Field(); got != "buildId" {
		t.Errorf("field = %q, want json name buildId", got)
	}
}

// ===================================================================================================
// ToAPIError Tests
// ===================================================================================================

func TestToAPIError_SingleError(t *testing.T) {
	apiErr := ValidateStruct(&tagged{BuildID: "foo/bar"}).ToAPIError()

	if apiErr.Code != "VALIDATION_ERROR" {
		t.Errorf("Code = %q, want VALIDATION_ERROR", apiErr.Code)
	}
	want := "buildId attribute does not match regex /^[0-9a-f]+-[0-9a-f]+$/"
	if apiErr.Message != want {
		t.Errorf("Message = %q, want %q", apiErr.Message, want)
	}
	if apiErr.Details["field"] != "buildId" {
		t.Errorf("Details[field] = %v, want buildId", apiErr.Details["field"])
	}
}

func TestToAPIError_MultipleErrors(t *testing.T) {
	apiErr := ValidateStruct(&tagged{BuildID: "x", Path: "/abs"}).ToAPIError()

	fields, ok := apiErr.Details["fields"].([]map[string]any)
	if !ok {
		t.Fatalf("Details[fields] has type %T", apiErr.Details["fields"])
	}
	if len(fields) != 2 {
		t.Errorf("len(fields) = %d, want 2", len(fields))
	}
	if !strings.Contains(apiErr.Message, "relative path in path") {
		t.Errorf("Message = %q, missing safepath message", apiErr.Message)
	}
}

// ===================================================================================================
// Compile Request Tests
// ===================================================================================================

func testPolicy() Policy {
	return Policy{
		MaxTimeout:             600 * time.Second,
		DefaultImage:           "texlive/texlive:latest",
		PdfCachingMinChunkSize: 1024,
	}
}

func validBody() *RawCompileRequest {
	timeout := 42.0
	content := "Hello world"
	return &RawCompileRequest{Compile: &RawCompile{
		Options: RawOptions{
			ImageName: "basicImageName/here:2017-1",
			Compiler:  "pdflatex",
			Timeout:   &timeout,
		},
		Resources: []RawResource{{Path: "main.tex", Content: &content}},
	}}
}

func TestParseCompileRequestDefaults(t *testing.T) {
	raw := &RawCompileRequest{Compile: &RawCompile{}}
	got, err := ParseCompileRequest(raw, "proj_1", "", testPolicy())
	if err != nil {
		t.Fatalf("ParseCompileRequest() error = %v", err)
	}

	want := &models.CompileRequest{
		ProjectID:              "proj_1",
		RootResourcePath:       "main.tex",
		Resources:              []models.Resource{},
		Compiler:               models.CompilerPDFLaTeX,
		Timeout:                600 * time.Second,
		ImageName:              "texlive/texlive:latest",
		Flags:                  []string{},
		PdfCachingMinChunkSize: 1024,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestParseCompileRequestOptions(t *testing.T) {
	raw := validBody()
	enabled := true
	minChunk := int64(2048)
	raw.Compile.Options.Flags = []string{"-file-line-error"}
	raw.Compile.Options.BuildID = "195a4869176-a4ad60bee7bf35e4"
	raw.Compile.Options.SyncType = models.SyncTypeIncremental
	raw.Compile.Options.EnablePdfCaching = &enabled
	raw.Compile.Options.PdfCachingMinChunkSize = &minChunk
	root := "chapters/book.tex"
	raw.Compile.RootResourcePath = &root

	got, err := ParseCompileRequest(raw, "p", "u", testPolicy())
	if err != nil {
		t.Fatalf("ParseCompileRequest() error = %v", err)
	}
	if got.Timeout != 42*time.Second {
		t.Errorf("Timeout = %v, want 42s", got.Timeout)
	}
	if got.ImageName != "basicImageName/here:2017-1" {
		t.Errorf("ImageName = %q", got.ImageName)
	}
	if diff := cmp.Diff([]string{"-file-line-error"}, got.Flags); diff != "" {
		t.Errorf("Flags mismatch (-want +got):\n%s", diff)
	}
	if got.BuildID != "195a4869176-a4ad60bee7bf35e4" || !got.IsIncremental() {
		t.Errorf("BuildID/SyncType = %q/%q", got.BuildID, got.SyncType)
	}
	if !got.EnablePdfCaching || got.PdfCachingMinChunkSize != 2048 {
		t.Errorf("pdf caching = %v/%d", got.EnablePdfCaching, got.PdfCachingMinChunkSize)
	}
	if got.RootResourcePath != root || got.CompileName() != "p-u" {
		t.Errorf("root/name = %q/%q", got.RootResourcePath, got.CompileName())
	}
	if got.Resources[0].Content != "Hello world" {
		t.Errorf("resource content = %q", got.Resources[0].Content)
	}
}

func TestParseCompileRequestTimeoutCapped(t *testing.T) {
	raw := validBody()
	over := 601.0
	raw.Compile.Options.Timeout = &over
	got, err := ParseCompileRequest(raw, "p", "", testPolicy())
	if err != nil {
		t.Fatalf("ParseCompileRequest() error = %v", err)
	}
	if got.Timeout != 600*time.Second {
		t.Errorf("Timeout = %v, want capped to 600s", got.Timeout)
	}
}

func TestParseCompileRequestRejects(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*RawCompileRequest)
		policy    func(*Policy)
		projectID string
		wantMsg   string
	}{
		{
			name:    "missing compile attribute",
			mutate:  func(r *RawCompileRequest) { r.Compile = nil },
			wantMsg: "top level object should have a compile attribute",
		},
		{
			name:    "unknown compiler",
			mutate:  func(r *RawCompileRequest) { r.Compile.Options.Compiler = "not-a-compiler" },
			wantMsg: "compiler attribute should be one of: pdflatex, latex, xelatex, lualatex",
		},
		{
			name:    "image outside allow-list",
			mutate:  func(r *RawCompileRequest) { r.Compile.Options.ImageName = "something/different:latest" },
			policy:  func(p *Policy) { p.AllowedImages = []string{"repo/name:tag1", "repo/name:tag2"} },
			wantMsg: "imageName attribute should be one of",
		},
		{
			name:    "compile group outside allow-list",
			mutate:  func(r *RawCompileRequest) { r.Compile.Options.CompileGroup = "gold" },
			policy:  func(p *Policy) { p.AllowedCompileGroups = []string{"standard", "priority"} },
			wantMsg: "compileGroup attribute should be one of: standard, priority",
		},
		{
			name:    "bad build id",
			mutate:  func(r *RawCompileRequest) { r.Compile.Options.BuildID = "foo/bar" },
			wantMsg: "buildId attribute does not match regex /^[0-9a-f]+-[0-9a-f]+$/",
		},
		{
			name:    "unknown sync type",
			mutate:  func(r *RawCompileRequest) { r.Compile.Options.SyncType = "unexpected" },
			wantMsg: "syncType attribute should be one of: full, incremental",
		},
		{
			name: "escaping root resource",
			mutate: func(r *RawCompileRequest) {
				root := "foo/../../bar.tex"
				r.Compile.RootResourcePath = &root
			},
			wantMsg: "relative path in rootResourcePath",
		},
		{
			name:    "resource path with dotdot segment",
			mutate:  func(r *RawCompileRequest) { r.Compile.Resources[0].Path = "sub/../main.tex" },
			wantMsg: "relative path in path",
		},
		{
			name:    "absolute resource path",
			mutate:  func(r *RawCompileRequest) { r.Compile.Resources[0].Path = "/etc/passwd" },
			wantMsg: "relative path in path",
		},
		{
			name:    "resource without path",
			mutate:  func(r *RawCompileRequest) { r.Compile.Resources[0].Path = "" },
			wantMsg: "path attribute is required",
		},
		{
			name: "resource without content or url",
			mutate: func(r *RawCompileRequest) {
				r.Compile.Resources[0].Content = nil
			},
			wantMsg: "all resources should have either a url or content attribute",
		},
		{
			name:    "malformed modified date",
			mutate:  func(r *RawCompileRequest) { r.Compile.Resources[0].Modified = "not-a-date" },
			wantMsg: "resource modified date could not be understood: not-a-date",
		},
		{
			name:      "project id with dash",
			projectID: "a-b",
			wantMsg:   "project_id should only contain letters, digits and underscores",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validBody()
			if tt.mutate != nil {
				tt.mutate(raw)
			}
			policy := testPolicy()
			if tt.policy != nil {
				tt.policy(&policy)
			}
			projectID := "p"
			if tt.projectID != "" {
				projectID = tt.projectID
			}

			_, err := ParseCompileRequest(raw, projectID, "", policy)
			if !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("error = %v, want ErrInvalidParameter", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestParseModified(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want int64
	}{
		{name: "absent", in: nil, want: 0},
		{name: "millis", in: float64(1700000000123), want: 1700000000123},
		{name: "millis string", in: "1700000000123", want: 1700000000123},
		{name: "rfc3339", in: "2023-11-14T22:13:20Z", want: 1700000000000},
		{name: "short date", in: "12:00 01/02/03", want: time.Date(2003, 1, 2, 12, 0, 0, 0, time.UTC).UnixMilli()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseModified(tt.in)
			if err != nil {
				t.Fatalf("parseModified(%v) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("parseModified(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestDecodeCompileRequest(t *testing.T) {
	body := []byte(`{"compile":{"options":{"compiler":"xelatex","timeout":30},` +
		`"resources":[{"path":"main.tex","url":"www.example.com","modified":1700000000000}]}}`)
	got, err := DecodeCompileRequest(body, "p", "", testPolicy())
	if err != nil {
		t.Fatalf("DecodeCompileRequest() error = %v", err)
	}
	want := []models.Resource{{Path: "main.tex", URL: "www.example.com", Modified: 1700000000000}}
	if diff := cmp.Diff(want, got.Resources); diff != "" {
		t.Errorf("resources mismatch (-want +got):\n%s", diff)
	}
	if got.Compiler != models.CompilerXeLaTeX || got.Timeout != 30*time.Second {
		t.Errorf("compiler/timeout = %q/%v", got.Compiler, got.Timeout)
	}

	if _, err := DecodeCompileRequest([]byte(`[]`), "p", "", testPolicy()); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("array body error = %v, want ErrInvalidParameter", err)
	}
}
