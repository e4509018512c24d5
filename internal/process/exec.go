package process

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Command is a fully resolved command line executed by an os/exec backend.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

type execProcess struct {
	cmd     *exec.Cmd
	stdout  io.Reader
	stderr  io.Reader
	started time.Time

	done    chan struct{}
	mx      sync.RWMutex
	waitErr error
	stopped time.Time
}

// Start runs the command with its stdout and stderr connected to pipes owned
// by the returned Process. The process is not tied to any context, Kill is
// the only way to stop it. The command leads its own process group, so Kill
// reaches the children it spawns too.
func Start(proto Command) (Process, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, err
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	cmd.Env = proto.Env
	cmd.Stdout = outW
	cmd.Stderr = errW
	setProcessGroup(cmd)

	p := &execProcess{
		cmd:    cmd,
		stdout: &closeOnEOF{f: outR},
		stderr: &closeOnEOF{f: errR},
		done:   make(chan struct{}),
	}

	p.started = time.Now().UTC()
	err = cmd.Start()
	// the child has its own copies now
	_ = outW.Close()
	_ = errW.Close()
	if err != nil {
		_ = outR.Close()
		_ = errR.Close()
		return nil, err
	}

	go p.wait()
	return p, nil
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	stopped := time.Now().UTC()

	p.mx.Lock()
	p.waitErr = err
	p.stopped = stopped
	p.mx.Unlock()
	close(p.done)
	slog.Debug("process exited", "path", p.cmd.Path, "pid", p.cmd.Process.Pid, "exit_code", p.cmd.ProcessState.ExitCode(), "duration", stopped.Sub(p.started))
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Wait returns nil for any process which exited on its own, the exit code
// is reported by ExitCode.
func (p *execProcess) Wait() error {
	<-p.done
	p.mx.RLock()
	defer p.mx.RUnlock()
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		return nil
	}
	return p.waitErr
}

func (p *execProcess) ExitCode() int {
	if p.Alive() {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Kill terminates the whole process group. Children left behind by an
// exited leader still hold the output pipes, so the group is signaled even
// when the leader is gone.
func (p *execProcess) Kill() error {
	err := killProcessGroup(p.cmd.Process)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// closeOnEOF releases the read end of a pipe as soon as it is drained.
type closeOnEOF struct {
	f *os.File
}

func (r *closeOnEOF) Read(b []byte) (int, error) {
	n, err := r.f.Read(b)
	if err != nil {
		_ = r.f.Close()
	}
	return n, err
}
