package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math"
	"path/filepath"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const dockerWorkDir = "/data"

// DockerClient is the subset of the docker engine API the factory uses.
// *client.Client implements it.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// NewDockerClient connects to the engine configured by DOCKER_HOST and
// friends. A non empty host overrides DOCKER_HOST.
func NewDockerClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return cli, nil
}

// DockerFactory runs every process as a docker container. The job root is
// bind mounted as the container working directory.
type DockerFactory struct {
	client DockerClient
}

func NewDockerFactory(cli DockerClient) DockerFactory {
	return DockerFactory{client: cli}
}

// ContainerSpec translates a Request into the container configuration.
func (f DockerFactory) ContainerSpec(req Request) (*container.Config, *container.HostConfig, error) {
	if err := checkRequest(req); err != nil {
		return nil, nil, err
	}
	root, err := filepath.Abs(req.JobRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("job root: %w", err)
	}

	labels := make(map[string]string, len(req.MetadataLabels)+len(req.InternalLabels))
	maps.Copy(labels, req.MetadataLabels)
	maps.Copy(labels, req.InternalLabels)

	env := make([]string, 0, len(req.Env))
	for _, k := range sortedKeys(req.Env) {
		env = append(env, k+"="+req.Env[k])
	}

	binds := []string{root + ":" + dockerWorkDir}
	for _, src := range sortedKeys(req.FileMounts) {
		binds = append(binds, src+":"+req.FileMounts[src]+":ro")
	}

	useInit := true
	hostConfig := &container.HostConfig{
		Binds: binds,
		Init:  &useInit,
		Resources: container.Resources{
			NanoCPUs:          int64(math.Round(req.Resources.CPUs() * 1e9)),
			Memory:            req.Resources.MemoryLimitBytes(),
			MemoryReservation: req.Resources.MemoryRequestBytes(),
		},
	}
	if req.UsesIsolatedNetwork {
		hostConfig.NetworkMode = container.NetworkMode("none")
	}

	config := &container.Config{
		Image:        req.Image,
		Cmd:          req.Args,
		Env:          env,
		Labels:       labels,
		WorkingDir:   dockerWorkDir,
		AttachStdout: true,
		AttachStderr: true,
	}
	return config, hostConfig, nil
}

// Create creates the container, attaches to its output and starts it. The
// container is removed once it exits, or right away when it fails to start.
func (f DockerFactory) Create(ctx context.Context, req Request) (Process, error) {
	config, hostConfig, err := f.ContainerSpec(req)
	if err != nil {
		return nil, err
	}
	name := ContainerName(req)
	slog.DebugContext(ctx, "creating docker container", "name", name, "image", config.Image, "cmd", config.Cmd)

	created, err := f.client.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("creating container %s: %w", name, err)
	}
	for _, w := range created.Warnings {
		slog.WarnContext(ctx, "docker container created with a warning", "name", name, "warning", w)
	}

	p, err := f.start(ctx, created.ID, name)
	if err != nil {
		rmErr := f.client.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		if rmErr != nil && !cerrdefs.IsNotFound(rmErr) {
			slog.WarnContext(ctx, "removing docker container", "name", name, "error", rmErr)
		}
		return nil, err
	}
	return p, nil
}

func (f DockerFactory) start(ctx context.Context, id, name string) (*dockerProcess, error) {
	// attach before start, so no output is lost
	hijack, err := f.client.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching to container %s: %w", name, err)
	}
	if err := f.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		hijack.Close()
		return nil, fmt.Errorf("starting container %s: %w", name, err)
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	p := &dockerProcess{
		client:   f.client,
		id:       id,
		name:     name,
		stdout:   outR,
		stderr:   errR,
		done:     make(chan struct{}),
		demuxed:  make(chan struct{}),
		exitCode: -1,
	}
	go p.demux(hijack, outW, errW)
	go p.wait()
	return p, nil
}

type dockerProcess struct {
	client DockerClient
	id     string
	name   string
	stdout io.Reader
	stderr io.Reader

	done     chan struct{}
	demuxed  chan struct{}
	mx       sync.RWMutex
	exitCode int
	waitErr  error
}

// demux splits the multiplexed attach stream until the container exits.
func (p *dockerProcess) demux(hijack types.HijackedResponse, stdout, stderr *io.PipeWriter) {
	defer close(p.demuxed)
	defer hijack.Close()
	_, err := stdcopy.StdCopy(stdout, stderr, hijack.Reader)
	_ = stdout.CloseWithError(err)
	_ = stderr.CloseWithError(err)
}

func (p *dockerProcess) wait() {
	ctx := context.Background()
	exitCode := -1
	var waitErr error

	statusCh, errCh := p.client.ContainerWait(ctx, p.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		waitErr = fmt.Errorf("waiting for container %s: %w", p.name, err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
		if status.Error != nil {
			waitErr = fmt.Errorf("container %s: %s", p.name, status.Error.Message)
		}
	}

	// the attach stream may still carry the tail of the output
	<-p.demuxed
	err := p.client.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		slog.Warn("removing docker container", "name", p.name, "error", err)
	}

	p.mx.Lock()
	p.exitCode = exitCode
	p.waitErr = waitErr
	p.mx.Unlock()
	close(p.done)
	slog.Debug("container exited", "name", p.name, "exit_code", exitCode)
}

func (p *dockerProcess) Stdout() io.Reader { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader { return p.stderr }

func (p *dockerProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the container exited and was removed.
func (p *dockerProcess) Wait() error {
	<-p.done
	p.mx.RLock()
	defer p.mx.RUnlock()
	return p.waitErr
}

// ExitCode returns the container exit code, 137 for a killed one.
func (p *dockerProcess) ExitCode() int {
	if p.Alive() {
		return -1
	}
	p.mx.RLock()
	defer p.mx.RUnlock()
	return p.exitCode
}

// Kill sends SIGKILL to the container. A container which is already gone or
// no longer running is not an error.
func (p *dockerProcess) Kill() error {
	if !p.Alive() {
		return nil
	}
	err := p.client.ContainerKill(context.Background(), p.id, "KILL")
	if err == nil || cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("killing container %s: %w", p.name, err)
}
