// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

//go:build integration

package resources

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tomtom215/texforge/internal/models"
	"github.com/tomtom215/texforge/internal/testinfra"
)

func TestSyncURLResourcesFromFileServer(t *testing.T) {
	testinfra.SkipIfNoDocker(t)
	ctx := context.Background()

	srv, err := testinfra.NewFileServerContainer(ctx, map[string]string{
		"project/figure.eps": "%!PS-Adobe-3.0 EPSF-3.0",
	})
	if err != nil {
		t.Fatalf("NewFileServerContainer: %v", err)
	}
	defer testinfra.CleanupContainer(t, ctx, srv)

	cache, _ := newTestURLCache(t, URLCacheOptions{MaxRetries: 3, Timeout: 10 * time.Second})
	s := NewSynchronizer(cache, 2)
	dir := t.TempDir()

	req := &models.CompileRequest{
		ProjectID: "p1",
		SyncType:  models.SyncTypeFull,
		SyncState: "s1",
		Resources: []models.Resource{
			{Path: "main.tex", Content: `\includegraphics{figure.eps}`},
			{Path: "figure.eps", URL: srv.FileURL("project/figure.eps"), Modified: time.Now().UnixMilli()},
		},
	}
	if _, err := s.SyncResourcesToDisk(ctx, req, dir); err != nil {
		t.Fatalf("SyncResourcesToDisk: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "figure.eps"))
	if err != nil || string(data) != "%!PS-Adobe-3.0 EPSF-3.0" {
		t.Errorf("figure.eps = %q, %v", data, err)
	}
}
