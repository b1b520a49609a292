// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package compile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tomtom215/texforge/internal/contentcache"
	"github.com/tomtom215/texforge/internal/models"
	"github.com/tomtom215/texforge/internal/outputcache"
	"github.com/tomtom215/texforge/internal/resources"
	"github.com/tomtom215/texforge/internal/runner"
)

// fakeRunner runs fn in place of the sandbox and records jobs and kills.
type fakeRunner struct {
	mu     sync.Mutex
	jobs   []runner.Job
	killed []string
	fn     func(job runner.Job) (*runner.Output, error)
}

func (f *fakeRunner) Run(_ context.Context, job runner.Job) (*runner.Output, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return &runner.Output{}, nil
	}
	return fn(job)
}

func (f *fakeRunner) Kill(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, jobID)
	return nil
}

func (f *fakeRunner) lastJob(t *testing.T) runner.Job {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		t.Fatal("runner was not called")
	}
	return f.jobs[len(f.jobs)-1]
}

type fakeURLCache struct {
	cleared []string
}

func (f *fakeURLCache) ClearProject(projectID string) error {
	f.cleared = append(f.cleared, projectID)
	return nil
}

// directContent runs the real content cache without a pool.
type directContent struct{}

func (directContent) Update(ctx context.Context, contentDir, pdfPath string, opts contentcache.Options) (*contentcache.Result, error) {
	return contentcache.Update(ctx, contentDir, pdfPath, opts)
}

func (directContent) Defaults() contentcache.Options {
	return contentcache.Options{MinChunkSize: 1024, MaxAge: 5}
}

type harness struct {
	m       *Manager
	runner  *fakeRunner
	urls    *fakeURLCache
	outputs *outputcache.Store
	root    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	outputs := outputcache.NewStore(outputcache.Options{
		OutputRoot:   filepath.Join(root, "output"),
		Limit:        2,
		PerUserLimit: 1,
		MaxAge:       time.Hour,
	})
	fr := &fakeRunner{}
	urls := &fakeURLCache{}
	m := NewManager(Options{
		CompilesDir:        filepath.Join(root, "compiles"),
		ClsiCacheDir:       filepath.Join(root, "clsi-cache"),
		OpenoutAny:         "p",
		ProjectLockMaxHold: time.Hour,
	}, fr, resources.NewSynchronizer(nil, 2), outputs, directContent{}, urls)

	h := &harness{m: m, runner: fr, urls: urls, outputs: outputs, root: root}
	t.Cleanup(func() {
		// Let fire-and-forget retention finish before TempDir cleanup.
		for _, name := range []string{"p1", "p1-u1", "p2"} {
			_ = outputs.Do(outputs.OutputDir(name), func() error { return nil })
		}
	})
	return h
}

func writeOutputs(files map[string]string) func(job runner.Job) (*runner.Output, error) {
	return func(job runner.Job) (*runner.Output, error) {
		for name, content := range files {
			p := filepath.Join(job.Directory, name)
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
				return nil, err
			}
		}
		return &runner.Output{Stderr: "Run number 1 of rule 'pdflatex'\n"}, nil
	}
}

func fullRequest(projectID, userID string) *models.CompileRequest {
	return &models.CompileRequest{
		ProjectID:        projectID,
		UserID:           userID,
		RootResourcePath: "main.tex",
		Compiler:         models.CompilerPDFLaTeX,
		Timeout:          time.Minute,
		SyncType:         models.SyncTypeFull,
		SyncState:        "state-1",
		Resources: []models.Resource{
			{Path: "main.tex", Content: `\documentclass{article}\begin{document}hi\end{document}`},
		},
	}
}

func outputPaths(files []models.OutputFile) []string {
	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	slices.Sort(paths)
	return paths
}

func TestDoCompileSuccess(t *testing.T) {
	h := newHarness(t)
	h.runner.fn = writeOutputs(map[string]string{"output.pdf": "%PDF-1.5 fake", "output.log": "log"})

	res, err := h.m.DoCompileWithLock(context.Background(), fullRequest("p1", ""))
	if err != nil {
		t.Fatalf("DoCompileWithLock: %v", err)
	}
	if res.Status != models.StatusSuccess {
		t.Errorf("Status = %q, want success", res.Status)
	}
	if res.BuildID == "" {
		t.Error("BuildID is empty")
	}
	if diff := cmp.Diff([]string{"output.log", "output.pdf"}, outputPaths(res.OutputFiles)); diff != "" {
		t.Errorf("output files mismatch (-want +got):\n%s", diff)
	}
	pdf := res.FindOutputFile("output.pdf")
	if pdf.Build != res.BuildID || pdf.Size == 0 {
		t.Errorf("output.pdf = %+v", pdf)
	}
	if res.Stats["latex-runs"] != 1 || res.Stats["pdf-size"] != 13 {
		t.Errorf("stats = %v", res.Stats)
	}

	job := h.runner.lastJob(t)
	if job.ID != "p1" || job.ProjectID != "p1" {
		t.Errorf("job id = %q, project = %q", job.ID, job.ProjectID)
	}
	if job.Directory != h.m.StagingDir("p1") {
		t.Errorf("job dir = %q", job.Directory)
	}
	if got := job.Command[len(job.Command)-2:]; !slices.Equal(got, []string{"-pdf", "$COMPILE_DIR/main.tex"}) {
		t.Errorf("command tail = %v", got)
	}
	if job.Env["openout_any"] != "p" {
		t.Errorf("env = %v", job.Env)
	}
}

func TestDoCompileStatuses(t *testing.T) {
	tests := []struct {
		name       string
		check      string
		files      map[string]string
		err        error
		wantStatus string
		wantErr    bool
	}{
		{name: "no pdf is failure", files: map[string]string{"output.log": "x"}, wantStatus: models.StatusFailure},
		{name: "exit 1 with pdf", files: map[string]string{"output.pdf": "x"}, err: runner.ErrExited, wantStatus: models.StatusSuccess},
		{name: "other exit code with pdf", files: map[string]string{"output.pdf": "x"}, err: &runner.ExitError{Code: 12}, wantStatus: models.StatusSuccess},
		{name: "other exit code without pdf", err: &runner.ExitError{Code: 12}, wantStatus: models.StatusFailure},
		{name: "terminated", files: map[string]string{"output.log": "x"}, err: runner.ErrTerminated, wantStatus: models.StatusTerminated},
		{name: "validate pass", check: models.CheckValidate, wantStatus: models.StatusValidationPass},
		{name: "validate fail", check: models.CheckValidate, err: runner.ErrExited, wantStatus: models.StatusValidationFail},
		{name: "check error exit 1", check: models.CheckError, err: runner.ErrExited, wantStatus: models.StatusValidationFail},
		{name: "sandbox failure", err: errors.New("docker daemon gone"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			write := writeOutputs(tt.files)
			h.runner.fn = func(job runner.Job) (*runner.Output, error) {
				out, _ := write(job)
				return out, tt.err
			}
			req := fullRequest("p1", "")
			req.Check = tt.check

			res, err := h.m.DoCompile(context.Background(), req)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("DoCompile: %v", err)
			}
			if res.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", res.Status, tt.wantStatus)
			}
		})
	}
}

func TestDoCompileTimeoutClearsStaging(t *testing.T) {
	h := newHarness(t)
	write := writeOutputs(map[string]string{"output.log": "partial", "figs/cache.aux": "x"})
	h.runner.fn = func(job runner.Job) (*runner.Output, error) {
		out, _ := write(job)
		return out, runner.ErrTimedOut
	}

	res, err := h.m.DoCompile(context.Background(), fullRequest("p1", ""))
	if err != nil {
		t.Fatalf("DoCompile: %v", err)
	}
	if res.Status != models.StatusTimedOut {
		t.Errorf("Status = %q, want timedout", res.Status)
	}
	if res.FindOutputFile("output.log") == nil {
		t.Error("logs should still be returned after a timeout")
	}
	for _, name := range []string{"main.tex", "output.log", "figs/cache.aux"} {
		if _, err := os.Stat(filepath.Join(h.m.StagingDir("p1"), name)); !os.IsNotExist(err) {
			t.Errorf("%s should be removed after a timeout", name)
		}
	}
}

func TestDoCompileOutOfSync(t *testing.T) {
	h := newHarness(t)
	req := fullRequest("p1", "")
	if _, err := h.m.DoCompile(context.Background(), req); err != nil {
		t.Fatalf("full compile: %v", err)
	}
	calls := len(h.runner.jobs)

	inc := fullRequest("p1", "")
	inc.SyncType = models.SyncTypeIncremental
	inc.SyncState = "state-2"
	_, err := h.m.DoCompile(context.Background(), inc)
	if !errors.Is(err, resources.ErrFilesOutOfSync) {
		t.Fatalf("error = %v, want ErrFilesOutOfSync", err)
	}
	if len(h.runner.jobs) != calls {
		t.Error("runner must not be called when files are out of sync")
	}
}

func TestDoCompileWithLockRejectsConcurrentCompile(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	h.runner.fn = func(runner.Job) (*runner.Output, error) {
		close(started)
		<-release
		return &runner.Output{}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.m.DoCompileWithLock(context.Background(), fullRequest("p1", ""))
		done <- err
	}()
	<-started

	_, err := h.m.DoCompileWithLock(context.Background(), fullRequest("p1", ""))
	if !errors.Is(err, ErrAlreadyCompiling) {
		t.Errorf("second compile error = %v, want ErrAlreadyCompiling", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first compile: %v", err)
	}

	// Another user's compile of the same project uses its own staging dir.
	h.runner.fn = nil
	if _, err := h.m.DoCompileWithLock(context.Background(), fullRequest("p1", "u1")); err != nil {
		t.Errorf("per-user compile: %v", err)
	}
}

func TestStopCompile(t *testing.T) {
	h := newHarness(t)
	if err := h.m.StopCompile(context.Background(), "p1", "u1"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"p1-u1"}, h.runner.killed); diff != "" {
		t.Errorf("killed mismatch (-want +got):\n%s", diff)
	}
}

func TestClearProject(t *testing.T) {
	h := newHarness(t)
	h.runner.fn = writeOutputs(map[string]string{"output.pdf": "x"})
	if _, err := h.m.DoCompileWithLock(context.Background(), fullRequest("p1", "")); err != nil {
		t.Fatal(err)
	}

	if err := h.m.ClearProject(context.Background(), "p1", ""); err != nil {
		t.Fatalf("ClearProject: %v", err)
	}
	for _, dir := range []string{h.m.StagingDir("p1"), h.outputs.OutputDir("p1")} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("%s should be removed", dir)
		}
	}
	if diff := cmp.Diff([]string{"p1"}, h.urls.cleared); diff != "" {
		t.Errorf("url cache clears mismatch (-want +got):\n%s", diff)
	}

	if err := h.m.ClearProject(context.Background(), "never-compiled", ""); err != nil {
		t.Errorf("clearing an unknown project: %v", err)
	}
}

func TestClearExpiredProjects(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"p1", "p2"} {
		if _, err := h.m.DoCompile(context.Background(), fullRequest(id, "")); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(h.m.StagingDir("p1"), old, old); err != nil {
		t.Fatal(err)
	}

	n, err := h.m.ClearExpiredProjects(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("ClearExpiredProjects: %v", err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}
	if _, err := os.Stat(h.m.StagingDir("p1")); !os.IsNotExist(err) {
		t.Error("expired staging dir should be removed")
	}
	if _, err := os.Stat(h.m.StagingDir("p2")); err != nil {
		t.Errorf("fresh staging dir removed: %v", err)
	}
	if diff := cmp.Diff([]string{"p1"}, h.urls.cleared); diff != "" {
		t.Errorf("url cache clears mismatch (-want +got):\n%s", diff)
	}
}

func TestClsiCacheRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.runner.fn = writeOutputs(map[string]string{"output.pdf": "pdf", "output.aux": "aux-data"})

	req := fullRequest("p1", "")
	req.PopulateClsiCache = true
	if _, err := h.m.DoCompileWithLock(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(h.m.clsiCachePath("p1")); err != nil {
		t.Fatalf("clsi-cache archive missing: %v", err)
	}
	if err := os.RemoveAll(h.m.StagingDir("p1")); err != nil {
		t.Fatal(err)
	}

	var seeded string
	h.runner.fn = func(job runner.Job) (*runner.Output, error) {
		data, _ := os.ReadFile(filepath.Join(job.Directory, "output.aux"))
		seeded = string(data)
		return &runner.Output{}, nil
	}
	req = fullRequest("p1", "")
	req.CompileFromClsiCache = true
	if _, err := h.m.DoCompileWithLock(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if seeded != "aux-data" {
		t.Errorf("seeded output.aux = %q, want aux-data", seeded)
	}
}

// minimalPDF builds a one-page PDF with a single content stream of the
// given payload and a valid xref table.
func minimalPDF(payload string) []byte {
	var b bytes.Buffer
	offsets := make([]int, 0, 4)
	obj := func(body string) {
		offsets = append(offsets, b.Len())
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	b.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj("<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R >>")
	obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(payload)+1, payload))

	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return b.Bytes()
}

func TestDoCompilePdfCaching(t *testing.T) {
	h := newHarness(t)
	pdf := string(minimalPDF(strings.Repeat("0 0 m 10 10 l S\n", 200)))
	h.runner.fn = writeOutputs(map[string]string{"output.pdf": pdf})

	req := fullRequest("p1", "")
	req.EnablePdfCaching = true
	res, err := h.m.DoCompileWithLock(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	out := res.FindOutputFile("output.pdf")
	if out.ContentID == "" || len(out.Ranges) != 1 {
		t.Fatalf("output.pdf = %+v, want one cached range", out)
	}
	if res.Stats["pdf-pages"] != 1 {
		t.Errorf("pdf-pages = %d, want 1", res.Stats["pdf-pages"])
	}
	if res.Stats["pdf-caching-new-ranges-count"] != 1 {
		t.Errorf("stats = %v", res.Stats)
	}
	blob, err := h.outputs.ResolveContentFile(h.outputs.OutputDir("p1"), out.ContentID, out.Ranges[0].Hash)
	if err != nil {
		t.Fatalf("blob not served: %v", err)
	}
	if data, _ := os.ReadFile(blob); string(data) != pdf[out.Ranges[0].Start:out.Ranges[0].End] {
		t.Error("blob bytes do not match the pdf range")
	}
}

func TestDoCompilePdfCachingSoftFailure(t *testing.T) {
	h := newHarness(t)
	h.runner.fn = writeOutputs(map[string]string{"output.pdf": "not really a pdf"})

	req := fullRequest("p1", "")
	req.EnablePdfCaching = true
	res, err := h.m.DoCompileWithLock(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusSuccess {
		t.Errorf("Status = %q, caching failures must not fail the compile", res.Status)
	}
	if res.Stats["pdf-caching-no-xref"] != 1 {
		t.Errorf("stats = %v, want pdf-caching-no-xref", res.Stats)
	}
	if out := res.FindOutputFile("output.pdf"); out.ContentID != "" || out.Ranges != nil {
		t.Errorf("output.pdf = %+v, want no ranges", out)
	}
}
