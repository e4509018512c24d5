package process_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/normalizer/internal/process"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

// fakeEngine plays the docker engine for a single container. Output is
// multiplexed the way the engine does it for a container without a tty.
type fakeEngine struct {
	stdout   string
	stderr   string
	exitCode int64
	// hold keeps the container running until it is killed
	hold     bool
	startErr error

	mx         sync.Mutex
	name       string
	config     *container.Config
	hostConfig *container.HostConfig
	server     net.Conn
	signal     string

	exitOnce sync.Once
	exited   chan struct{}
	status   int64
	removes  atomic.Int32
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{exited: make(chan struct{})}
}

func (e *fakeEngine) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.name = name
	e.config = config
	e.hostConfig = hostConfig
	return container.CreateResponse{ID: "c0ffee", Warnings: []string{"memory swap is not supported"}}, nil
}

func (e *fakeEngine) ContainerAttach(_ context.Context, _ string, options container.AttachOptions) (types.HijackedResponse, error) {
	if !options.Stream || !options.Stdout || !options.Stderr {
		return types.HijackedResponse{}, errors.New("unexpected attach options")
	}
	client, server := net.Pipe()
	e.mx.Lock()
	e.server = server
	e.mx.Unlock()
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
}

func (e *fakeEngine) ContainerStart(_ context.Context, _ string, _ container.StartOptions) error {
	if e.startErr != nil {
		return e.startErr
	}
	e.mx.Lock()
	server := e.server
	e.mx.Unlock()
	go func() {
		if e.stdout != "" {
			_, _ = stdcopy.NewStdWriter(server, stdcopy.Stdout).Write([]byte(e.stdout))
		}
		if e.stderr != "" {
			_, _ = stdcopy.NewStdWriter(server, stdcopy.Stderr).Write([]byte(e.stderr))
		}
		if !e.hold {
			e.exit(e.exitCode)
		}
	}()
	return nil
}

func (e *fakeEngine) exit(code int64) {
	e.exitOnce.Do(func() {
		e.status = code
		close(e.exited)
		e.mx.Lock()
		server := e.server
		e.mx.Unlock()
		_ = server.Close()
	})
}

func (e *fakeEngine) ContainerWait(ctx context.Context, _ string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if condition != container.WaitConditionNotRunning {
		errCh <- errors.New("unexpected wait condition")
		return statusCh, errCh
	}
	go func() {
		select {
		case <-e.exited:
			statusCh <- container.WaitResponse{StatusCode: e.status}
		case <-ctx.Done():
			errCh <- ctx.Err()
		}
	}()
	return statusCh, errCh
}

func (e *fakeEngine) ContainerKill(_ context.Context, _, signal string) error {
	e.mx.Lock()
	e.signal = signal
	e.mx.Unlock()
	e.exit(137)
	return nil
}

func (e *fakeEngine) ContainerRemove(_ context.Context, _ string, options container.RemoveOptions) error {
	if !options.Force {
		return errors.New("container is running")
	}
	e.removes.Add(1)
	return nil
}

// readAll drains both streams concurrently, as the attach stream feeds them
// through unbuffered pipes.
func readAll(stdout, stderr io.Reader) (string, string, error) {
	errOut := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(stderr)
		errOut <- b
	}()
	out, err := io.ReadAll(stdout)
	return string(out), string(<-errOut), err
}

func TestDockerFactory_ContainerSpec(t *testing.T) {
	t.Parallel()
	req := request(t)
	req.UsesIsolatedNetwork = true
	req.FileMounts = map[string]string{"/etc/normalizer/ca.pem": "/certs/ca.pem"}
	req.InternalLabels = map[string]string{"normalizer": "true"}

	config, hostConfig, err := process.NewDockerFactory(newFakeEngine()).ContainerSpec(req)
	require.NoError(t, err)

	require.Equal(t, "airbyte/normalization:0.4.3", config.Image)
	require.Equal(t, []string{"run", "--integration-type", "postgres"}, []string(config.Cmd))
	require.Equal(t, []string{"WORKER_JOB_ID=42"}, config.Env)
	require.Equal(t, "/data", config.WorkingDir)
	require.Equal(t, map[string]string{
		"job_type":   "sync",
		"sync_step":  "normalize",
		"normalizer": "true",
	}, config.Labels)
	require.True(t, config.AttachStdout)
	require.True(t, config.AttachStderr)

	root, err := filepath.Abs(req.JobRoot)
	require.NoError(t, err)
	require.Equal(t, []string{
		root + ":/data",
		"/etc/normalizer/ca.pem:/certs/ca.pem:ro",
	}, hostConfig.Binds)
	require.NotNil(t, hostConfig.Init)
	require.True(t, *hostConfig.Init)
	require.Equal(t, container.NetworkMode("none"), hostConfig.NetworkMode)
	require.Equal(t, int64(1_500_000_000), hostConfig.NanoCPUs)
	require.Equal(t, int64(1073741824), hostConfig.Memory)
	require.Equal(t, int64(268435456), hostConfig.MemoryReservation)
}

func TestDockerFactory_BadRequest(t *testing.T) {
	t.Parallel()
	engine := newFakeEngine()
	f := process.NewDockerFactory(engine)

	req := request(t)
	req.JobRoot = "/does/not/exist"
	_, err := f.Create(t.Context(), req)
	require.Error(t, err)

	req = request(t)
	req.Image = ""
	_, err = f.Create(t.Context(), req)
	require.EqualError(t, err, "image is empty")

	engine.mx.Lock()
	defer engine.mx.Unlock()
	require.Nil(t, engine.config)
}

func TestDockerFactory_Create(t *testing.T) {
	t.Parallel()
	engine := newFakeEngine()
	engine.stdout = "normalizing\ndone\n"
	engine.stderr = "[error] boom\n"
	engine.exitCode = 3

	p, err := process.NewDockerFactory(engine).Create(t.Context(), request(t))
	require.NoError(t, err)

	stdout, stderr, err := readAll(p.Stdout(), p.Stderr())
	require.NoError(t, err)
	require.Equal(t, "normalizing\ndone\n", stdout)
	require.Equal(t, "[error] boom\n", stderr)

	require.NoError(t, p.Wait())
	require.False(t, p.Alive())
	require.Equal(t, 3, p.ExitCode())
	require.Equal(t, int32(1), engine.removes.Load())
	require.NoError(t, p.Kill())

	engine.mx.Lock()
	defer engine.mx.Unlock()
	require.Regexp(t, `^normalization-normalize-42-1-[0-9a-f]{8}$`, engine.name)
	require.Empty(t, engine.signal)
}

func TestDockerFactory_Kill(t *testing.T) {
	t.Parallel()
	engine := newFakeEngine()
	engine.stdout = "started\n"
	engine.hold = true

	p, err := process.NewDockerFactory(engine).Create(t.Context(), request(t))
	require.NoError(t, err)
	require.True(t, p.Alive())
	require.Equal(t, -1, p.ExitCode())

	stdout := bufio.NewReader(p.Stdout())
	line, err := stdout.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "started\n", line)

	rest := make(chan string, 1)
	go func() {
		out, _, _ := readAll(stdout, p.Stderr())
		rest <- out
	}()

	require.NoError(t, p.Kill())
	require.NoError(t, p.Wait())
	require.False(t, p.Alive())
	require.Equal(t, 137, p.ExitCode())

	select {
	case out := <-rest:
		require.Empty(t, out)
	case <-time.After(5 * time.Second):
		t.Fatal("output still open after the container was killed")
	}
	require.Equal(t, int32(1), engine.removes.Load())

	engine.mx.Lock()
	defer engine.mx.Unlock()
	require.Equal(t, "KILL", engine.signal)
}

func TestDockerFactory_StartFailure(t *testing.T) {
	t.Parallel()
	engine := newFakeEngine()
	engine.startErr = errors.New("no such image")

	_, err := process.NewDockerFactory(engine).Create(t.Context(), request(t))
	require.ErrorContains(t, err, "starting container")
	require.ErrorContains(t, err, "no such image")
	require.Equal(t, int32(1), engine.removes.Load())
}
