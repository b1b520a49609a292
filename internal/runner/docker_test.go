// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tomtom215/texforge/internal/lock"
)

// fakeDocker is an in-memory DockerAPI.
type fakeDocker struct {
	mu         sync.Mutex
	containers map[string]bool
	creates    int
	lastConfig *container.Config
	lastHost   *container.HostConfig
	startErrs  []error
	killed     []string
	killErr    error
	removed    []string
	list       []container.Summary

	stdout   string
	stderr   string
	exitCode int64

	// block makes ContainerWait wait for ContainerKill.
	block    bool
	killOnce sync.Once
	killCh   chan struct{}
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{containers: make(map[string]bool), killCh: make(chan struct{})}
}

func (f *fakeDocker) ContainerAttach(_ context.Context, _ string, _ container.AttachOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var frames bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&frames, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&frames, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	conn, _ := net.Pipe()
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(&frames)}, nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[name] = true
	f.creates++
	f.lastConfig = cfg
	f.lastHost = host
	return container.CreateResponse{ID: "id-" + name}, nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, name string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.containers[name] {
		return container.InspectResponse{}, fmt.Errorf("no such container %s: %w", name, cerrdefs.ErrNotFound)
	}
	return container.InspectResponse{}, nil
}

func (f *fakeDocker) ContainerKill(_ context.Context, name, _ string) error {
	f.mu.Lock()
	f.killed = append(f.killed, name)
	err := f.killErr
	f.mu.Unlock()
	f.killOnce.Do(func() { close(f.killCh) })
	return err
}

func (f *fakeDocker) ContainerList(_ context.Context, _ container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list, nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	if !f.containers[id] && !strings.HasPrefix(id, "id-") {
		return fmt.Errorf("no such container %s: %w", id, cerrdefs.ErrNotFound)
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, _ string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		return err
	}
	return nil
}

func (f *fakeDocker) ContainerWait(_ context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.block {
		go func() {
			<-f.killCh
			statusCh <- container.WaitResponse{StatusCode: 137}
		}()
	} else {
		statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	}
	return statusCh, errCh
}

func newTestDockerRunner(api DockerAPI, opts DockerOptions) *DockerRunner {
	locks := lock.NewManager(lock.Options{Kind: "container", PollInterval: time.Millisecond, MaxWait: time.Second})
	return NewDockerRunner(api, opts, locks)
}

func testJob(dir string) Job {
	return Job{
		ID:        "p1",
		ProjectID: "p1",
		Command:   []string{"latexmk", "-outdir=$COMPILE_DIR", "$COMPILE_DIR/main.tex"},
		Directory: dir,
		Image:     "texlive/texlive:2025",
		Timeout:   60 * time.Second,
		Env:       map[string]string{"openout_any": "p"},
	}
}

func TestDockerRunnerRun(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeDocker()
	fake.stdout = "Latexmk: All targets are up-to-date\n"
	fake.stderr = "warning\n"

	r := newTestDockerRunner(fake, DockerOptions{User: "tex", MemoryBytes: 1 << 30, NetworkDisabled: true})
	out, err := r.Run(context.Background(), testJob(dir))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Stdout != fake.stdout || out.Stderr != fake.stderr {
		t.Errorf("output = %+v", out)
	}

	cfg, host := fake.lastConfig, fake.lastHost
	if want := []string{"latexmk", "-outdir=/compile", "/compile/main.tex"}; !slices.Equal([]string(cfg.Cmd), want) {
		t.Errorf("Cmd = %v, want %v", cfg.Cmd, want)
	}
	if cfg.WorkingDir != "/compile" || cfg.User != "tex" || !cfg.NetworkDisabled {
		t.Errorf("unexpected config %+v", cfg)
	}
	if !slices.Contains(cfg.Env, "HOME=/tmp") || !slices.Contains(cfg.Env, "openout_any=p") {
		t.Errorf("Env = %v", cfg.Env)
	}
	if !slices.ContainsFunc(cfg.Env, func(e string) bool { return strings.Contains(e, "/usr/local/texlive/2025/bin") }) {
		t.Errorf("PATH does not follow image year: %v", cfg.Env)
	}
	if want := dir + ":/compile:rw"; len(host.Binds) != 1 || host.Binds[0] != want {
		t.Errorf("Binds = %v, want [%s]", host.Binds, want)
	}
	if len(host.Ulimits) != 1 || host.Ulimits[0].Soft != 65 || host.Ulimits[0].Hard != 70 {
		t.Errorf("Ulimits = %+v", host.Ulimits)
	}
	if !slices.Equal([]string(host.CapDrop), []string{"ALL"}) || host.NetworkMode != "none" || host.LogConfig.Type != "none" {
		t.Errorf("unexpected host config %+v", host)
	}

	// A second identical run reuses the container.
	if _, err := r.Run(context.Background(), testJob(dir)); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if fake.creates != 1 {
		t.Errorf("creates = %d, want 1", fake.creates)
	}
	if r.jobs.len() != 0 {
		t.Error("job table not cleared after run")
	}
}

func TestDockerRunnerExitCodes(t *testing.T) {
	tests := []struct {
		code    int64
		wantErr error
	}{
		{0, nil},
		{1, ErrExited},
		{137, ErrTerminated},
		{2, ErrExec},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			fake := newFakeDocker()
			fake.exitCode = tt.code
			r := newTestDockerRunner(fake, DockerOptions{})

			out, err := r.Run(context.Background(), testJob(t.TempDir()))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if out == nil {
				t.Fatal("expected output alongside exit classification")
			}
			var exitErr *ExitError
			if tt.code == 2 && (!errors.As(err, &exitErr) || exitErr.Code != 2) {
				t.Errorf("expected *ExitError with code 2, got %v", err)
			}
		})
	}
}

func TestDockerRunnerTimeout(t *testing.T) {
	fake := newFakeDocker()
	fake.block = true
	r := newTestDockerRunner(fake, DockerOptions{})

	job := testJob(t.TempDir())
	job.Timeout = 20 * time.Millisecond
	if _, err := r.Run(context.Background(), job); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("error = %v, want ErrTimedOut", err)
	}
	if len(fake.killed) == 0 || !strings.HasPrefix(fake.killed[0], "project-p1-") {
		t.Errorf("killed = %v", fake.killed)
	}
}

func TestDockerRunnerKill(t *testing.T) {
	fake := newFakeDocker()
	fake.block = true
	r := newTestDockerRunner(fake, DockerOptions{})

	if err := r.Kill(context.Background(), "unknown"); err != nil {
		t.Fatalf("Kill of unknown job: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), testJob(t.TempDir()))
		errc <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for r.jobs.len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never registered")
		}
		time.Sleep(time.Millisecond)
	}
	if err := r.Kill(context.Background(), "p1"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if err := <-errc; !errors.Is(err, ErrTerminated) {
		t.Fatalf("Run error = %v, want ErrTerminated", err)
	}
}

func TestDockerRunnerKillNotRunningIgnored(t *testing.T) {
	fake := newFakeDocker()
	fake.killErr = fmt.Errorf("container is not running: %w", cerrdefs.ErrConflict)
	r := newTestDockerRunner(fake, DockerOptions{})
	r.jobs.set("p1", "project-p1-abc")

	if err := r.Kill(context.Background(), "p1"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
}

func TestDockerRunnerRetriesInternalStartError(t *testing.T) {
	fake := newFakeDocker()
	fake.startErrs = []error{fmt.Errorf("server error: %w", cerrdefs.ErrInternal)}
	r := newTestDockerRunner(fake, DockerOptions{})

	if _, err := r.Run(context.Background(), testJob(t.TempDir())); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fake.removed) != 1 {
		t.Errorf("removed = %v, want one destroy before retry", fake.removed)
	}
	if fake.creates != 2 {
		t.Errorf("creates = %d, want 2", fake.creates)
	}
}

func TestDockerRunnerMissingDirectory(t *testing.T) {
	fake := newFakeDocker()
	r := newTestDockerRunner(fake, DockerOptions{})

	job := testJob(t.TempDir() + "/missing")
	if _, err := r.Run(context.Background(), job); err == nil {
		t.Fatal("expected error for missing compile directory")
	}
	if fake.creates != 0 {
		t.Error("container created for missing directory")
	}
}

func TestDestroyOldContainers(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	fake := newFakeDocker()
	fake.list = []container.Summary{
		{ID: "id-old", Names: []string{"/project-old-1"}, Created: now.Add(-2 * time.Hour).Unix()},
		{ID: "id-new", Names: []string{"/project-new-1"}, Created: now.Add(-10 * time.Minute).Unix()},
		{ID: "id-other", Names: []string{"/unrelated"}, Created: now.Add(-48 * time.Hour).Unix()},
	}
	r := newTestDockerRunner(fake, DockerOptions{MaxContainerAge: time.Hour})
	r.now = func() time.Time { return now }

	if err := r.DestroyOldContainers(context.Background()); err != nil {
		t.Fatalf("DestroyOldContainers: %v", err)
	}
	if !slices.Equal(fake.removed, []string{"id-old"}) {
		t.Errorf("removed = %v, want [id-old]", fake.removed)
	}
}

func TestContainerNameFingerprint(t *testing.T) {
	r := newTestDockerRunner(newFakeDocker(), DockerOptions{})
	job := testJob("/compiles/p1")

	cfg, host := r.containerOptions(job)
	a, err := containerName("p1", cfg, host)
	if err != nil {
		t.Fatalf("containerName: %v", err)
	}
	cfg, host = r.containerOptions(job)
	b, _ := containerName("p1", cfg, host)
	if a != b {
		t.Errorf("fingerprint not stable: %s vs %s", a, b)
	}

	job.Timeout = 30 * time.Second
	cfg, host = r.containerOptions(job)
	c, _ := containerName("p1", cfg, host)
	if a == c {
		t.Error("different timeouts should produce different containers")
	}
	if !strings.HasPrefix(a, "project-p1-") {
		t.Errorf("name %q missing project prefix", a)
	}
}

func TestSiblingContainerRemap(t *testing.T) {
	r := newTestDockerRunner(newFakeDocker(), DockerOptions{
		CompilesDir:              "/app/compiles",
		SandboxedCompilesHostDir: "/srv/texforge/compiles",
	})
	job := testJob("/app/compiles/p1-u1")
	job.ReadOnly = true

	_, host := r.containerOptions(job)
	if want := "/srv/texforge/compiles/p1-u1:/compile:ro"; host.Binds[0] != want {
		t.Errorf("bind = %s, want %s", host.Binds[0], want)
	}
}

func TestTexlivePath(t *testing.T) {
	tests := map[string]string{
		"texlive/texlive:2025":         "/usr/local/texlive/2025/",
		"quay.io/sharelatex/tl:2017.1": "/usr/local/texlive/2017/",
		"texlive/texlive:latest":       "/usr/local/texlive/2014/",
	}
	for image, want := range tests {
		if got := texlivePath(image); !strings.Contains(got, want) {
			t.Errorf("texlivePath(%q) = %q, want it to contain %q", image, got, want)
		}
	}
}

func TestLimitedBuffer(t *testing.T) {
	b := newLimitedBuffer(5)
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defgh"))
	_, _ = b.Write([]byte("ijk"))

	if got, want := b.String(), "abcde(...truncated at 5 chars...)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	b = newLimitedBuffer(10)
	_, _ = b.Write([]byte("short"))
	if b.String() != "short" {
		t.Errorf("String() = %q, want short", b.String())
	}
}
