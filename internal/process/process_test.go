package process_test

import (
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/normalizer/internal/model"
	"github.com/CZERTAINLY/normalizer/internal/process"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func shell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

func TestStart(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	p, err := process.Start(process.Command{
		Path: sh,
		Args: []string{"-c", "echo stdout; echo 1>&2 stderr; exit 3"},
	})
	require.NoError(t, err)

	stdout, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	stderr, err := io.ReadAll(p.Stderr())
	require.NoError(t, err)
	require.Equal(t, "stdout\n", string(stdout))
	require.Equal(t, "stderr\n", string(stderr))

	require.NoError(t, p.Wait())
	require.NoError(t, p.Wait())
	require.False(t, p.Alive())
	require.Equal(t, 3, p.ExitCode())
	require.NoError(t, p.Kill())
}

func TestStart_Kill(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	p, err := process.Start(process.Command{
		Path: sh,
		Args: []string{"-c", "exec sleep 60"},
	})
	require.NoError(t, err)
	require.True(t, p.Alive())
	require.Equal(t, -1, p.ExitCode())

	require.NoError(t, p.Kill())
	require.NoError(t, p.Wait())
	require.False(t, p.Alive())
	require.Equal(t, -1, p.ExitCode())

	_, err = io.ReadAll(p.Stdout())
	require.NoError(t, err)
}

func TestStart_KillGroup(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	// sleep is a child of the shell, not the shell itself
	p, err := process.Start(process.Command{
		Path: sh,
		Args: []string{"-c", "echo started; sleep 60; echo after"},
	})
	require.NoError(t, err)

	stdout := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(p.Stdout())
		stdout <- string(b)
	}()
	stderr := make(chan struct{})
	go func() {
		_, _ = io.ReadAll(p.Stderr())
		close(stderr)
	}()

	require.NoError(t, p.Kill())
	require.NoError(t, p.Wait())

	select {
	case out := <-stdout:
		require.NotContains(t, out, "after")
	case <-time.After(5 * time.Second):
		t.Fatal("stdout still open, the child outlived Kill")
	}
	select {
	case <-stderr:
	case <-time.After(5 * time.Second):
		t.Fatal("stderr still open, the child outlived Kill")
	}
	require.NoError(t, p.Kill())
}

func TestStart_NotFound(t *testing.T) {
	t.Parallel()
	_, err := process.Start(process.Command{Path: "does not exist"})
	require.Error(t, err)
	var execErr *exec.Error
	require.ErrorAs(t, err, &execErr)
}

func request(t *testing.T) process.Request {
	t.Helper()
	conn := uuid.MustParse("5d0c2b55-1d0d-4b8f-9a6b-8f3a0c1b2d3e")
	return process.Request{
		ResourceType: process.ResourceTypeNormalization,
		Step:         process.NormalizeStep,
		JobID:        "42",
		Attempt:      1,
		ConnectionID: &conn,
		JobRoot:      t.TempDir(),
		Image:        "airbyte/normalization:0.4.3",
		Resources: model.ResourceRequirements{
			CPULimit:      model.Ptr("1500m"),
			MemoryRequest: model.Ptr("256Mi"),
			MemoryLimit:   model.Ptr("1Gi"),
		},
		MetadataLabels: map[string]string{
			process.SyncStepKey: process.NormalizeStep,
			process.JobTypeKey:  process.SyncJob,
		},
		Env:  map[string]string{"WORKER_JOB_ID": "42"},
		Args: []string{"run", "--integration-type", "postgres"},
	}
}

func TestContainerName(t *testing.T) {
	t.Parallel()
	req := request(t)
	req.JobID = "job/with spaces"
	a := process.ContainerName(req)
	b := process.ContainerName(req)
	require.NotEqual(t, a, b)
	require.Regexp(t, `^normalization-normalize-job_with_spaces-1-[0-9a-f]{8}$`, a)
}

func TestLocalFactory(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	req := request(t)

	f := process.NewLocalFactory(sh, "-c", `pwd; echo "$WORKER_JOB_ID $0 $1 $2"`)
	p, err := f.Create(t.Context(), req)
	require.NoError(t, err)

	stdout, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	require.NoError(t, p.Wait())
	require.Equal(t, 0, p.ExitCode())

	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "42 run --integration-type postgres", lines[1])
}

func TestLocalFactory_Timeout(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	f := process.NewLocalFactory(sh, "-c", "exec sleep 60")
	p, err := f.Create(t.Context(), request(t))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = p.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("process exited too early")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, p.Kill())
	<-done
}
