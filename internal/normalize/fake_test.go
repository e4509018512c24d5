package normalize_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/normalizer/internal/process"
)

// fakeProcess is a scripted process.Process.
type fakeProcess struct {
	stdout   io.Reader
	stderr   io.Reader
	exitCode int
	// block makes Wait hang until it is closed
	block chan struct{}

	mx    sync.Mutex
	alive []bool // consumed by Alive, the last value repeats

	waitCalls atomic.Int32
	killCalls atomic.Int32
}

func newFakeProcess(stdout, stderr string, exitCode int) *fakeProcess {
	return &fakeProcess{
		stdout:   strings.NewReader(stdout),
		stderr:   strings.NewReader(stderr),
		exitCode: exitCode,
	}
}

func (p *fakeProcess) withAlive(alive ...bool) *fakeProcess {
	p.alive = alive
	return p
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader { return p.stderr }

func (p *fakeProcess) Alive() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	if len(p.alive) == 0 {
		return false
	}
	v := p.alive[0]
	if len(p.alive) > 1 {
		p.alive = p.alive[1:]
	}
	return v
}

func (p *fakeProcess) Wait() error {
	p.waitCalls.Add(1)
	if p.block != nil {
		<-p.block
	}
	return nil
}

func (p *fakeProcess) ExitCode() int { return p.exitCode }

func (p *fakeProcess) Kill() error {
	p.killCalls.Add(1)
	return nil
}

// fakeFactory returns a prepared process and records what the process
// would have seen at launch time.
type fakeFactory struct {
	proc process.Process
	err  error

	mx       sync.Mutex
	requests []process.Request
	staged   map[string]string
}

func (f *fakeFactory) Create(_ context.Context, req process.Request) (process.Process, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.requests = append(f.requests, req)
	f.staged = make(map[string]string)
	for name := range req.Files {
		b, err := os.ReadFile(filepath.Join(req.JobRoot, name))
		if err == nil {
			f.staged[name] = string(b)
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.proc, nil
}

func (f *fakeFactory) calls() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return len(f.requests)
}

// blockingFactory holds Create until release is closed.
type blockingFactory struct {
	proc    process.Process
	entered chan struct{}
	release chan struct{}
}

func newBlockingFactory(proc process.Process) *blockingFactory {
	return &blockingFactory{
		proc:    proc,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (f *blockingFactory) Create(ctx context.Context, _ process.Request) (process.Process, error) {
	close(f.entered)
	select {
	case <-f.release:
		return f.proc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
