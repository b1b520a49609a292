// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/texforge/internal/logging"
)

func shellJob(dir, script string) Job {
	return Job{
		ID:        "local-1",
		ProjectID: "local",
		Command:   []string{"/bin/sh", "-c", script},
		Directory: dir,
		Timeout:   10 * time.Second,
		Env:       map[string]string{"TEXFORGE_TEST": "yes"},
	}
}

func TestLocalRunnerOutputAndPlaceholder(t *testing.T) {
	dir := t.TempDir()
	r := NewLocalRunner(0)

	out, err := r.Run(context.Background(), shellJob(dir, `echo "$TEXFORGE_TEST"; echo oops >&2; pwd > $COMPILE_DIR/where`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Stdout != "yes\n" || out.Stderr != "oops\n" {
		t.Errorf("output = %+v", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "where")); err != nil {
		t.Errorf("placeholder not replaced with job directory: %v", err)
	}
}

func TestLocalRunnerExitCodes(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantErr error
	}{
		{"clean", "exit 0", nil},
		{"chktex", "exit 1", ErrExited},
		{"other", "exit 3", ErrExec},
		{"signalled", "kill -9 $$", ErrTerminated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewLocalRunner(0)
			_, err := r.Run(context.Background(), shellJob(t.TempDir(), tt.script))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLocalRunnerTimeout(t *testing.T) {
	r := NewLocalRunner(0)
	job := shellJob(t.TempDir(), "sleep 5")
	job.Timeout = 50 * time.Millisecond

	start := time.Now()
	if _, err := r.Run(context.Background(), job); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("error = %v, want ErrTimedOut", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("timeout did not kill the process group promptly")
	}
}

func TestNewLocalRunnerWarnsAboutMissingSandbox(t *testing.T) {
	prev := logging.Logger()
	t.Cleanup(func() { logging.SetLogger(prev) })
	var buf bytes.Buffer
	logging.SetLogger(logging.NewTestLogger(&buf))

	NewLocalRunner(0)

	out := buf.String()
	for _, want := range []string{`"level":"warn"`, "unsandboxed", "no memory, cpu or network limits", "timeouts only kill the process group"} {
		if !strings.Contains(out, want) {
			t.Errorf("warning %q does not contain %q", out, want)
		}
	}
}

func TestLocalRunnerKill(t *testing.T) {
	r := NewLocalRunner(0)

	errc := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), shellJob(t.TempDir(), "sleep 5 & wait"))
		errc <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for r.jobs.len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never registered")
		}
		time.Sleep(time.Millisecond)
	}
	if err := r.Kill(context.Background(), "local-1"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if err := <-errc; !errors.Is(err, ErrTerminated) {
		t.Fatalf("Run error = %v, want ErrTerminated", err)
	}

	// Killing after completion is a no-op.
	if err := r.Kill(context.Background(), "local-1"); err != nil {
		t.Fatalf("Kill after completion: %v", err)
	}
}
