// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package models

import "testing"

func TestCompileName(t *testing.T) {
	tests := []struct {
		project, user, want string
	}{
		{"p1", "", "p1"},
		{"p1", "u9", "p1-u9"},
	}
	for _, tt := range tests {
		if got := CompileName(tt.project, tt.user); got != tt.want {
			t.Errorf("CompileName(%q, %q) = %q, want %q", tt.project, tt.user, got, tt.want)
		}
	}

	req := &CompileRequest{ProjectID: "abc", UserID: "def", SyncType: SyncTypeIncremental}
	if req.CompileName() != "abc-def" {
		t.Errorf("CompileRequest.CompileName() = %q", req.CompileName())
	}
	if !req.IsIncremental() {
		t.Error("expected incremental request")
	}
}

func TestFindOutputFile(t *testing.T) {
	res := &CompileResult{OutputFiles: []OutputFile{
		{Path: "output.log", Type: "log"},
		{Path: "output.pdf", Type: "pdf"},
	}}

	f := res.FindOutputFile("output.pdf")
	if f == nil {
		t.Fatal("expected output.pdf to be found")
	}
	f.Size = 42
	if res.OutputFiles[1].Size != 42 {
		t.Error("FindOutputFile should return a pointer into the slice")
	}
	if res.FindOutputFile("missing.pdf") != nil {
		t.Error("expected nil for missing file")
	}
}

func TestResourceIsURL(t *testing.T) {
	if (Resource{Path: "a.tex", Content: "x"}).IsURL() {
		t.Error("inline resource reported as URL")
	}
	if !(Resource{Path: "a.png", URL: "http://filestore/a"}).IsURL() {
		t.Error("URL resource not detected")
	}
}
