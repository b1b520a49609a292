// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/goccy/go-json"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/zeebo/xxh3"

	"github.com/tomtom215/texforge/internal/config"
	"github.com/tomtom215/texforge/internal/lock"
	"github.com/tomtom215/texforge/internal/logging"
	"github.com/tomtom215/texforge/internal/metrics"
)

const (
	containerCompileDir = "/compile"
	containerPrefix     = "project-"

	// streamDrainTimeout bounds how long we wait for the attach stream to
	// hit EOF once the container has exited.
	streamDrainTimeout = 5 * time.Second
)

var imageYearPattern = regexp.MustCompile(`:([0-9]{4})`)

// DockerAPI is the subset of the docker client used by DockerRunner.
type DockerAPI interface {
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
}

// NewDockerClient connects to host, or to the environment's DOCKER_HOST when
// host is empty.
func NewDockerClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return cli, nil
}

// DockerOptions configures the container sandbox.
type DockerOptions struct {
	// CompilesDir is the staging root as seen by this process.
	CompilesDir string

	// SandboxedCompilesHostDir, when set, is the same root as seen by the
	// docker daemon. Bind sources are remapped onto it.
	SandboxedCompilesHostDir string

	User            string
	MemoryBytes     int64
	SeccompProfile  string
	AppArmorProfile string
	Env             map[string]string
	MaxContainerAge time.Duration
	MaxOutputBytes  int
	NetworkDisabled bool
}

// DockerOptionsFromConfig maps the runner section of cfg.
func DockerOptionsFromConfig(cfg *config.Config) DockerOptions {
	return DockerOptions{
		CompilesDir:              cfg.Paths.CompilesDir,
		SandboxedCompilesHostDir: cfg.Paths.SandboxedCompilesHostDir,
		User:                     cfg.Runner.DockerUser,
		MemoryBytes:              cfg.Runner.MemoryBytes,
		SeccompProfile:           cfg.Runner.SeccompProfile,
		AppArmorProfile:          cfg.Runner.AppArmorProfile,
		Env:                      cfg.Runner.Env,
		MaxContainerAge:          cfg.Runner.MaxContainerAge,
		MaxOutputBytes:           cfg.Runner.MaxOutputBytes,
		NetworkDisabled:          cfg.Runner.NetworkDisabled,
	}
}

// DockerRunner runs each job in a container named after the project and a
// fingerprint of its options, so identical jobs reuse a stopped container.
type DockerRunner struct {
	api   DockerAPI
	opts  DockerOptions
	locks *lock.Manager
	jobs  *jobTable[string]
	now   func() time.Time
}

// NewDockerRunner creates a DockerRunner. locks serializes start and destroy
// per container name and should be configured to wait.
func NewDockerRunner(api DockerAPI, opts DockerOptions, locks *lock.Manager) *DockerRunner {
	return &DockerRunner{
		api:   api,
		opts:  opts,
		locks: locks,
		jobs:  newJobTable[string](),
		now:   time.Now,
	}
}

// Run implements Runner.
func (r *DockerRunner) Run(ctx context.Context, job Job) (*Output, error) {
	cfg, hostCfg := r.containerOptions(job)
	name, err := containerName(job.ProjectID, cfg, hostCfg)
	if err != nil {
		return nil, err
	}

	r.jobs.set(job.ID, name)
	defer r.jobs.remove(job.ID, name)

	metrics.RunnerJobsInFlight.Inc()
	defer metrics.RunnerJobsInFlight.Dec()

	log := logging.Ctx(ctx).With().Str("container_name", name).Logger()
	log.Debug().Strs("command", cfg.Cmd).Str("image", cfg.Image).Msg("running job in container")

	attach, err := r.startContainer(ctx, name, job.Directory, cfg, hostCfg)
	if err != nil && cerrdefs.IsInternal(err) {
		log.Warn().Err(err).Msg("docker error starting container, destroying and retrying")
		if derr := r.DestroyContainer(ctx, name, "", true, "retry"); derr != nil {
			log.Error().Err(derr).Msg("failed to destroy container before retry")
		}
		attach, err = r.startContainer(ctx, name, job.Directory, cfg, hostCfg)
	}
	if err != nil {
		metrics.RunnerJobsTotal.WithLabelValues("docker", "error").Inc()
		return nil, err
	}

	out, err := r.waitForContainer(ctx, name, attach, job.Timeout)
	metrics.RunnerJobsTotal.WithLabelValues("docker", outcome(err)).Inc()
	return out, err
}

// Kill implements Runner. Unknown jobs and stopped containers are ignored.
func (r *DockerRunner) Kill(ctx context.Context, jobID string) error {
	name, ok := r.jobs.get(jobID)
	if !ok {
		logging.Ctx(ctx).Warn().Str("job_id", jobID).Msg("no container found for job, nothing to kill")
		return nil
	}
	return r.killContainer(ctx, name)
}

func (r *DockerRunner) killContainer(ctx context.Context, name string) error {
	logging.Ctx(ctx).Info().Str("container_name", name).Msg("sending kill signal to container")
	err := r.api.ContainerKill(ctx, name, "SIGKILL")
	switch {
	case err == nil:
		return nil
	case cerrdefs.IsConflict(err), cerrdefs.IsNotFound(err):
		logging.Ctx(ctx).Warn().Err(err).Str("container_name", name).Msg("container not running, continuing")
		return nil
	default:
		return fmt.Errorf("kill container %s: %w", name, err)
	}
}

// startContainer creates the container if needed, attaches to its output
// and starts it, all while holding the container name lock.
func (r *DockerRunner) startContainer(ctx context.Context, name, dir string, cfg *container.Config, hostCfg *container.HostConfig) (types.HijackedResponse, error) {
	var attach types.HijackedResponse

	err := r.locks.RunWithLock(ctx, name, func() error {
		// Docker creates missing bind sources owned by root, so refuse to
		// start unless the staging dir already exists. Skipped for sibling
		// containers since the host path is not visible here.
		if r.opts.SandboxedCompilesHostDir == "" {
			if err := checkDirectory(dir); err != nil {
				return err
			}
		}

		_, err := r.api.ContainerInspect(ctx, name)
		switch {
		case cerrdefs.IsNotFound(err):
			if _, err := r.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name); err != nil {
				return fmt.Errorf("create container %s: %w", name, err)
			}
		case err != nil:
			return fmt.Errorf("inspect container %s: %w", name, err)
		}

		attach, err = r.api.ContainerAttach(ctx, name, container.AttachOptions{
			Stream: true,
			Stdout: true,
			Stderr: true,
		})
		if err != nil {
			return fmt.Errorf("attach container %s: %w", name, err)
		}

		if err := r.api.ContainerStart(ctx, name, container.StartOptions{}); err != nil && !cerrdefs.IsNotModified(err) {
			attach.Close()
			return fmt.Errorf("start container %s: %w", name, err)
		}
		return nil
	})
	return attach, err
}

// waitForContainer collects output until the container stops, killing it if
// timeout elapses or ctx is cancelled first.
func (r *DockerRunner) waitForContainer(ctx context.Context, name string, attach types.HijackedResponse, timeout time.Duration) (*Output, error) {
	log := logging.Ctx(ctx).With().Str("container_name", name).Logger()

	stdout := newLimitedBuffer(r.opts.MaxOutputBytes)
	stderr := newLimitedBuffer(r.opts.MaxOutputBytes)
	streamDone := make(chan error, 1)
	go func() {
		defer attach.Close()
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		streamDone <- err
	}()

	// Waiting must outlive ctx so a cancelled compile still reaps the
	// container status after the kill.
	bg := context.WithoutCancel(ctx)
	statusCh, errCh := r.api.ContainerWait(bg, name, container.WaitConditionNotRunning)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		timedOut bool
		exitCode int64
		done     = ctx.Done()
	)
	for waiting := true; waiting; {
		select {
		case <-timer.C:
			timedOut = true
			log.Info().Dur("timeout", timeout).Msg("timeout reached, killing container")
			if err := r.killContainer(bg, name); err != nil {
				log.Error().Err(err).Msg("failed to kill timed out container")
			}
		case <-done:
			done = nil
			log.Info().Msg("compile cancelled, killing container")
			if err := r.killContainer(bg, name); err != nil {
				log.Error().Err(err).Msg("failed to kill cancelled container")
			}
		case err := <-errCh:
			return nil, fmt.Errorf("wait for container %s: %w", name, err)
		case res := <-statusCh:
			exitCode = res.StatusCode
			waiting = false
		}
	}

	select {
	case err := <-streamDone:
		if err != nil {
			log.Warn().Err(err).Msg("error reading from container stream")
		}
	case <-time.After(streamDrainTimeout):
		log.Warn().Msg("container stream did not close after exit")
	}

	out := &Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if timedOut {
		log.Info().Msg("docker container timed out")
		return out, ErrTimedOut
	}

	log.Debug().Int64("exit_code", exitCode).Msg("docker container returned")
	switch exitCode {
	case 0:
		return out, nil
	case 137:
		return out, ErrTerminated
	case 1:
		return out, ErrExited
	default:
		return out, &ExitError{Code: int(exitCode)}
	}
}

// DestroyContainer force-removes a container by id, or by name when id is
// empty. The name lock keeps it from racing a concurrent start.
func (r *DockerRunner) DestroyContainer(ctx context.Context, name, id string, force bool, reason string) error {
	return r.locks.RunWithLock(ctx, name, func() error {
		target := id
		if target == "" {
			target = name
		}
		logging.Ctx(ctx).Info().Str("container_name", name).Str("reason", reason).Msg("destroying docker container")

		err := r.api.ContainerRemove(ctx, target, container.RemoveOptions{Force: force})
		switch {
		case err == nil:
			metrics.ContainersDestroyed.WithLabelValues(reason).Inc()
			return nil
		case cerrdefs.IsNotFound(err):
			logging.Ctx(ctx).Warn().Str("container_name", name).Msg("container not found, continuing")
			return nil
		default:
			return fmt.Errorf("remove container %s: %w", name, err)
		}
	})
}

// DestroyOldContainers removes project containers created more than
// MaxContainerAge ago. Individual failures are logged and skipped; stuck
// containers are retried on the next pass.
func (r *DockerRunner) DestroyOldContainers(ctx context.Context) error {
	list, err := r.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", containerPrefix)),
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	now := r.now()
	destroyed := 0
	for _, c := range list {
		if len(c.Names) == 0 {
			continue
		}
		name := strings.TrimPrefix(c.Names[0], "/")
		if !strings.HasPrefix(name, containerPrefix) {
			continue
		}
		ttl := time.Unix(c.Created, 0).Add(r.opts.MaxContainerAge).Sub(now)
		if ttl > 0 {
			continue
		}
		if err := r.DestroyContainer(ctx, name, c.ID, true, "expired"); err != nil {
			logging.Warn().Err(err).Str("container_name", name).Msg("failed to destroy old container")
			continue
		}
		destroyed++
	}

	if destroyed > 0 {
		logging.Info().Int("destroyed", destroyed).Int("seen", len(list)).Msg("destroyed old containers")
	}
	return nil
}

// containerOptions builds the create request for job.
func (r *DockerRunner) containerOptions(job Job) (*container.Config, *container.HostConfig) {
	mode := "rw"
	if job.ReadOnly {
		mode = "ro"
	}
	bind := fmt.Sprintf("%s:%s:%s", r.hostDirectory(job.Directory), containerCompileDir, mode)

	env := make(map[string]string, len(r.opts.Env)+len(job.Env)+2)
	for k, v := range r.opts.Env {
		env[k] = v
	}
	for k, v := range job.Env {
		env[k] = v
	}
	env["HOME"] = "/tmp"
	env["PATH"] = texlivePath(job.Image)

	timeoutSecs := int64(job.Timeout / time.Second)
	securityOpt := []string{"no-new-privileges"}
	if r.opts.SeccompProfile != "" {
		securityOpt = append(securityOpt, "seccomp="+r.opts.SeccompProfile)
	}
	if r.opts.AppArmorProfile != "" {
		securityOpt = append(securityOpt, "apparmor="+r.opts.AppArmorProfile)
	}

	cfg := &container.Config{
		Cmd:             replacePlaceholder(job.Command, containerCompileDir),
		Image:           job.Image,
		WorkingDir:      containerCompileDir,
		User:            r.opts.User,
		Env:             envList(env),
		NetworkDisabled: r.opts.NetworkDisabled,
		AttachStdout:    true,
		AttachStderr:    true,
	}
	if job.CompileGroup != "" {
		cfg.Labels = map[string]string{"com.texforge.compile-group": job.CompileGroup}
	}

	hostCfg := &container.HostConfig{
		Binds:       []string{bind},
		LogConfig:   container.LogConfig{Type: "none"},
		CapDrop:     []string{"ALL"},
		SecurityOpt: securityOpt,
		Resources: container.Resources{
			Memory: r.opts.MemoryBytes,
			Ulimits: []*container.Ulimit{
				{Name: "cpu", Soft: timeoutSecs + 5, Hard: timeoutSecs + 10},
			},
		},
	}
	if r.opts.NetworkDisabled {
		hostCfg.NetworkMode = "none"
	}
	return cfg, hostCfg
}

// hostDirectory maps a staging dir to the path the docker daemon sees.
func (r *DockerRunner) hostDirectory(dir string) string {
	if r.opts.SandboxedCompilesHostDir == "" {
		return dir
	}
	return filepath.Join(r.opts.SandboxedCompilesHostDir, filepath.Base(dir))
}

// containerName derives project-<id>-<fingerprint> from the full option set.
func containerName(projectID string, cfg *container.Config, hostCfg *container.HostConfig) (string, error) {
	data, err := json.Marshal(struct {
		Config     *container.Config     `json:"config"`
		HostConfig *container.HostConfig `json:"hostConfig"`
	}{cfg, hostCfg})
	if err != nil {
		return "", fmt.Errorf("fingerprint container options: %w", err)
	}
	return fmt.Sprintf("%s%s-%016x", containerPrefix, projectID, xxh3.Hash(data)), nil
}

// texlivePath returns a PATH containing the TeX Live bin dir for the year in
// the image tag, e.g. texlive/texlive:2025.
func texlivePath(image string) string {
	year := "2014"
	if m := imageYearPattern.FindStringSubmatch(image); m != nil {
		year = m[1]
	}
	return "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin:/usr/local/texlive/" + year + "/bin/x86_64-linux/"
}

// envList flattens env into sorted KEY=value pairs so the fingerprint is
// stable across runs.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func checkDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("compile directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("compile directory %q is not a directory", dir)
	}
	return nil
}
