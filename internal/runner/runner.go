// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

// Package runner executes TeX toolchain commands inside a sandbox.
//
// Two strategies implement Runner: DockerRunner starts one container per
// project and option set, LocalRunner spawns a host process and is meant for
// development only. Both track running jobs by id so that a compile can be
// stopped from another request.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/texforge/internal/config"
	"github.com/tomtom215/texforge/internal/lock"
)

// CompileDirPlaceholder is replaced in commands by the directory the job
// sees as its working tree.
const CompileDirPlaceholder = "$COMPILE_DIR"

// DefaultMaxOutputBytes caps captured stdout and stderr per stream.
const DefaultMaxOutputBytes = 1024 * 1024

var (
	// ErrTerminated means the job was killed (SIGKILL, exit status 137).
	ErrTerminated = errors.New("container terminated")

	// ErrTimedOut means the job hit its timeout and was killed.
	ErrTimedOut = errors.New("container timed out")

	// ErrExited means the command exited with status 1, which chktex uses
	// to report validation errors.
	ErrExited = errors.New("container exited")

	// ErrExec is the parent of every non-zero exit that is not covered by
	// the errors above.
	ErrExec = errors.New("sandboxed command failed")
)

// ExitError carries an unclassified non-zero exit code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("sandboxed command exited with code %d", e.Code)
}

// Unwrap lets callers match any ExitError with errors.Is(err, ErrExec).
func (e *ExitError) Unwrap() error { return ErrExec }

// Job describes one sandboxed command.
type Job struct {
	// ID names the job for Kill. The orchestrator uses the compile name.
	ID        string
	ProjectID string

	// Command may contain CompileDirPlaceholder.
	Command   []string
	Directory string
	Image     string
	Timeout   time.Duration
	Env       map[string]string

	CompileGroup string
	ReadOnly     bool
}

// Output is the captured, possibly truncated, output of a job.
type Output struct {
	Stdout string
	Stderr string
}

// Runner runs jobs. Run returns the captured output together with the
// classification error when the command did not exit cleanly, so callers
// can still inspect what was printed.
type Runner interface {
	Run(ctx context.Context, job Job) (*Output, error)
	Kill(ctx context.Context, jobID string) error
}

// New builds the runner selected by cfg.Runner.Type.
func New(cfg *config.Config) (Runner, error) {
	switch cfg.Runner.Type {
	case "docker":
		cli, err := NewDockerClient(cfg.Runner.DockerHost)
		if err != nil {
			return nil, err
		}
		locks := lock.NewManager(lock.Options{
			Kind:         "container",
			PollInterval: cfg.Lock.PollInterval,
			MaxWait:      cfg.Lock.MaxWait,
			MaxHold:      cfg.Lock.MaxHold,
		})
		return NewDockerRunner(cli, DockerOptionsFromConfig(cfg), locks), nil
	case "local":
		return NewLocalRunner(cfg.Runner.MaxOutputBytes), nil
	default:
		return nil, fmt.Errorf("unknown runner type %q", cfg.Runner.Type)
	}
}

// replacePlaceholder substitutes dir for CompileDirPlaceholder in every arg.
func replacePlaceholder(command []string, dir string) []string {
	out := make([]string, len(command))
	for i, arg := range command {
		out[i] = strings.ReplaceAll(arg, CompileDirPlaceholder, dir)
	}
	return out
}

// limitedBuffer keeps the first limit bytes written to it and notes that
// the rest was dropped.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newLimitedBuffer(limit int) *limitedBuffer {
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	return &limitedBuffer{limit: limit}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.limit - b.buf.Len()
	switch {
	case remaining <= 0:
		if len(p) > 0 {
			b.truncated = true
		}
	case len(p) > remaining:
		b.buf.Write(p[:remaining])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.truncated {
		return b.buf.String()
	}
	return b.buf.String() + fmt.Sprintf("(...truncated at %d chars...)", b.limit)
}

// jobTable maps job ids to whatever handle the runner needs to kill them.
type jobTable[V comparable] struct {
	mu   sync.Mutex
	jobs map[string]V
}

func newJobTable[V comparable]() *jobTable[V] {
	return &jobTable[V]{jobs: make(map[string]V)}
}

func (t *jobTable[V]) set(id string, v V) {
	t.mu.Lock()
	t.jobs[id] = v
	t.mu.Unlock()
}

func (t *jobTable[V]) get(id string) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.jobs[id]
	return v, ok
}

// remove deletes the entry only if it still refers to v, so a newer job
// registered under the same id is left alone.
func (t *jobTable[V]) remove(id string, v V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.jobs[id]; ok && cur == v {
		delete(t.jobs, id)
	}
}

func (t *jobTable[V]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// outcome labels a Run result for metrics.
func outcome(err error) string {
	var exitErr *ExitError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimedOut):
		return "timedout"
	case errors.Is(err, ErrTerminated):
		return "terminated"
	case errors.Is(err, ErrExited), errors.As(err, &exitErr):
		return "exited"
	default:
		return "error"
	}
}
