// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tomtom215/texforge/internal/logging"
	"github.com/tomtom215/texforge/internal/metrics"
)

// LocalRunner runs jobs as host processes. It provides no isolation and is
// intended for development.
type LocalRunner struct {
	maxOutput int
	jobs      *jobTable[int]
}

const localRunnerWarning = "local runner selected: commands run unsandboxed on the host " +
	"with no memory, cpu or network limits; timeouts only kill the process group"

// NewLocalRunner creates a LocalRunner.
func NewLocalRunner(maxOutputBytes int) *LocalRunner {
	logging.Warn().Msg(localRunnerWarning)
	return &LocalRunner{
		maxOutput: maxOutputBytes,
		jobs:      newJobTable[int](),
	}
}

// Run implements Runner. The process gets its own process group so Kill
// reaches any children latexmk spawns.
func (r *LocalRunner) Run(ctx context.Context, job Job) (*Output, error) {
	args := replacePlaceholder(job.Command, job.Directory)
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrExec)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = job.Directory
	cmd.Env = os.Environ()
	for k, v := range job.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newLimitedBuffer(r.maxOutput)
	stderr := newLimitedBuffer(r.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	log := logging.Ctx(ctx).With().Str("job_id", job.ID).Logger()
	log.Debug().Strs("command", args).Msg("starting local command")

	if err := cmd.Start(); err != nil {
		metrics.RunnerJobsTotal.WithLabelValues("local", "error").Inc()
		return nil, fmt.Errorf("start command: %w", err)
	}
	pid := cmd.Process.Pid
	r.jobs.set(job.ID, pid)
	defer r.jobs.remove(job.ID, pid)

	metrics.RunnerJobsInFlight.Inc()
	defer metrics.RunnerJobsInFlight.Dec()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var (
		timedOut bool
		err      error
		timer    <-chan time.Time
		done     = ctx.Done()
	)
	if job.Timeout > 0 {
		t := time.NewTimer(job.Timeout)
		defer t.Stop()
		timer = t.C
	}
	for waiting := true; waiting; {
		select {
		case <-timer:
			timer = nil
			timedOut = true
			log.Info().Dur("timeout", job.Timeout).Msg("timeout reached, killing process group")
			killGroup(pid)
		case <-done:
			done = nil
			log.Info().Msg("compile cancelled, killing process group")
			killGroup(pid)
		case err = <-waitErr:
			waiting = false
		}
	}

	out := &Output{Stdout: stdout.String(), Stderr: stderr.String()}
	result := classifyExit(err)
	if timedOut {
		result = ErrTimedOut
	}
	metrics.RunnerJobsTotal.WithLabelValues("local", outcome(result)).Inc()
	return out, result
}

// Kill implements Runner.
func (r *LocalRunner) Kill(ctx context.Context, jobID string) error {
	pid, ok := r.jobs.get(jobID)
	if !ok {
		logging.Ctx(ctx).Warn().Str("job_id", jobID).Msg("no process found for job, nothing to kill")
		return nil
	}
	if err := killGroup(pid); err != nil {
		return fmt.Errorf("kill process group %d: %w", pid, err)
	}
	return nil
}

func killGroup(pid int) error {
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// classifyExit maps a cmd.Wait error onto the runner error set.
func classifyExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("wait for command: %w", err)
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return ErrTerminated
	}
	switch code := exitErr.ExitCode(); code {
	case 1:
		return ErrExited
	case 137:
		return ErrTerminated
	default:
		return &ExitError{Code: code}
	}
}
