// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"
)

// Compile-time checks that the janitors are suture services.
var (
	_ suture.Service = (*HTTPServerService)(nil)
	_ suture.Service = (*PeriodicService)(nil)
)

type countingJob struct {
	runs atomic.Int32
	err  error
}

func (c *countingJob) DestroyOldContainers(context.Context) error {
	c.runs.Add(1)
	return c.err
}

func (c *countingJob) BulkCleanup(context.Context) int {
	c.runs.Add(1)
	return 3
}

func (c *countingJob) Expire(context.Context) error {
	c.runs.Add(1)
	return c.err
}

func waitForRuns(t *testing.T, job *countingJob, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for job.runs.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("job ran %d times, want at least %d", job.runs.Load(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewPeriodicServiceDefaults(t *testing.T) {
	svc := NewPeriodicService("job", 0, -time.Second, func(context.Context) error { return nil })
	if svc.interval != time.Minute {
		t.Errorf("interval = %v, want 1m", svc.interval)
	}
	if svc.jitter != 0 {
		t.Errorf("jitter = %v, want 0", svc.jitter)
	}
	if svc.String() != "job" {
		t.Errorf("String() = %q", svc.String())
	}
}

func TestPeriodicServiceSchedule(t *testing.T) {
	var delays []time.Duration
	job := &countingJob{}
	svc := NewPeriodicService("job", 10*time.Millisecond, time.Hour, job.Expire)
	svc.randDuration = func(n time.Duration) time.Duration {
		delays = append(delays, n)
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	waitForRuns(t, job, 3)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	for i, d := range delays {
		if d != time.Hour {
			t.Errorf("delay %d drawn from %v, want jitter 1h", i, d)
		}
	}
}

func TestPeriodicServiceKeepsRunningAfterError(t *testing.T) {
	job := &countingJob{err: errors.New("docker unavailable")}
	svc := NewContainerMonitorService(job, 5*time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Serve(ctx) }()

	waitForRuns(t, job, 2)
}

func TestJanitorServices(t *testing.T) {
	tests := []struct {
		name string
		svc  func(job *countingJob) *PeriodicService
	}{
		{
			name: "container-monitor",
			svc: func(job *countingJob) *PeriodicService {
				return NewContainerMonitorService(job, time.Millisecond, time.Millisecond)
			},
		},
		{
			name: "output-cleanup",
			svc: func(job *countingJob) *PeriodicService {
				return NewOutputCleanupService(job, time.Millisecond, time.Millisecond)
			},
		},
		{
			name: "staging-expiry",
			svc: func(job *countingJob) *PeriodicService {
				return NewStagingExpiryService(job, time.Millisecond)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &countingJob{}
			svc := tt.svc(job)
			if svc.String() != tt.name {
				t.Errorf("String() = %q, want %q", svc.String(), tt.name)
			}

			sup := suture.New("janitors", suture.Spec{Timeout: time.Second})
			sup.Add(svc)
			ctx, cancel := context.WithCancel(context.Background())
			done := sup.ServeBackground(ctx)

			waitForRuns(t, job, 1)
			cancel()
			<-done
		})
	}
}
