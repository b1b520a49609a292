// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

//go:build integration

package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/texforge/internal/lock"
	"github.com/tomtom215/texforge/internal/testinfra"
)

const integrationImage = "alpine:3.20"

func newIntegrationRunner(t *testing.T) (*DockerRunner, string) {
	t.Helper()
	testinfra.SkipIfNoDocker(t)

	ctx := context.Background()
	if err := testinfra.PullImage(ctx, integrationImage); err != nil {
		t.Fatalf("PullImage: %v", err)
	}

	cli, err := NewDockerClient("")
	if err != nil {
		t.Fatalf("NewDockerClient: %v", err)
	}
	t.Cleanup(func() { cli.Close() })

	locks := lock.NewManager(lock.Options{Kind: "container", PollInterval: 50 * time.Millisecond, MaxWait: 10 * time.Second})
	r := NewDockerRunner(cli, DockerOptions{MemoryBytes: 256 << 20, NetworkDisabled: true}, locks)

	dir := t.TempDir()
	if err := os.Chmod(dir, 0o777); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	return r, dir
}

func TestDockerRunnerIntegration(t *testing.T) {
	r, dir := newIntegrationRunner(t)
	ctx := context.Background()

	job := Job{
		ID:        "it-" + filepath.Base(dir),
		ProjectID: "it" + strings.ReplaceAll(filepath.Base(dir), "_", ""),
		Command:   []string{"sh", "-c", "echo compiled > $COMPILE_DIR/output.log && echo done"},
		Directory: dir,
		Image:     integrationImage,
		Timeout:   30 * time.Second,
	}
	cleanup := func(job Job) {
		cfg, host := r.containerOptions(job)
		if name, err := containerName(job.ProjectID, cfg, host); err == nil {
			t.Cleanup(func() { _ = r.DestroyContainer(context.Background(), name, "", true, "test") })
		}
	}
	cleanup(job)

	out, err := r.Run(ctx, job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(out.Stdout) != "done" {
		t.Errorf("stdout = %q", out.Stdout)
	}
	if data, err := os.ReadFile(filepath.Join(dir, "output.log")); err != nil || strings.TrimSpace(string(data)) != "compiled" {
		t.Errorf("bind mount not writable: %q %v", data, err)
	}

	job.Command = []string{"sleep", "30"}
	job.Timeout = time.Second
	cleanup(job)
	if _, err := r.Run(ctx, job); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("error = %v, want ErrTimedOut", err)
	}
}
