package normalize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/normalizer/internal/log"
	"github.com/CZERTAINLY/normalizer/internal/model"
	"github.com/CZERTAINLY/normalizer/internal/process"
	"github.com/CZERTAINLY/normalizer/internal/trace"
	"golang.org/x/sync/errgroup"
)

// StepLabel tags every line the normalization process prints.
const StepLabel = "normalization"

// Runner launches a single normalization process and supervises it. A Runner
// serves exactly one job attempt: Normalize may be called once, Close must
// always be called.
type Runner struct {
	factory         process.Factory
	image           string
	integrationType string
	sink            log.Sink
	defaults        model.ResourceRequirements
	closeTimeout    time.Duration
	metrics         MetricsCollector
	now             func() time.Time

	mx       sync.Mutex
	used     bool
	state    State
	launched chan struct{}
	proc     process.Process
	started  time.Time
	exitCode int
	drained  chan struct{}
	traces   []model.TraceMessage
}

type Option func(*Runner)

// WithSink sets where the process output goes, log.Discard by default.
func WithSink(sink log.Sink) Option {
	return func(r *Runner) { r.sink = sink }
}

// WithDefaultResources sets the requirements used for every field the job
// does not specify.
func WithDefaultResources(dflt model.ResourceRequirements) Option {
	return func(r *Runner) { r.defaults = dflt }
}

// WithCloseTimeout bounds the wait for the process exit in Close.
func WithCloseTimeout(d time.Duration) Option {
	return func(r *Runner) { r.closeTimeout = d }
}

func WithMetrics(m MetricsCollector) Option {
	return func(r *Runner) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func NewRunner(factory process.Factory, image, integrationType string, opts ...Option) *Runner {
	r := &Runner{
		factory:         factory,
		image:           image,
		integrationType: integrationType,
		sink:            log.Discard,
		closeTimeout:    model.DefaultCloseTimeout,
		metrics:         NewNoopMetricsCollector(),
		now:             time.Now,
		state:           StateCreated,
		exitCode:        -1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Normalize runs the normalization of a job attempt and reports whether the
// process exited with code 0. Output captured on both streams is classified,
// diagnostic records are available via TraceMessages. A non-zero exit is not
// an error here, Close reports it. Errors are returned only when the process
// could not be launched.
func (r *Runner) Normalize(ctx context.Context, job Job, config, catalog any, resources model.ResourceRequirements) (bool, error) {
	r.mx.Lock()
	if r.used || r.state != StateCreated {
		r.mx.Unlock()
		return false, model.ErrRunnerUsed
	}
	r.used = true
	launched := make(chan struct{})
	r.launched = launched
	r.mx.Unlock()
	// Close waits for the launch to settle, successful or not
	launchDone := sync.OnceFunc(func() { close(launched) })
	defer launchDone()

	ctx = log.WithJob(ctx, job.ID, job.Attempt)

	resources = model.MergeResources(r.defaults, resources)
	req, err := BuildRequest(job, r.image, r.integrationType, config, catalog, resources)
	if err != nil {
		return false, err
	}

	slog.InfoContext(ctx, "running normalization", "image", r.image, "integration_type", r.integrationType)
	proc, err := r.factory.Create(ctx, req)
	if err != nil {
		return false, fmt.Errorf("%w: %w", model.ErrLaunch, err)
	}

	r.mx.Lock()
	if r.state == StateClosed {
		r.mx.Unlock()
		_ = proc.Kill()
		_ = proc.Wait()
		return false, fmt.Errorf("%w: runner closed during launch", model.ErrLaunch)
	}
	drained := make(chan struct{})
	r.proc = proc
	r.drained = drained
	r.started = r.now()
	r.setState(StateRunning)
	r.mx.Unlock()
	launchDone()

	var g errgroup.Group
	g.Go(func() error {
		return r.read(ctx, "stdout", proc.Stdout())
	})
	g.Go(func() error {
		return r.read(ctx, "stderr", proc.Stderr())
	})
	if err := g.Wait(); err != nil {
		slog.DebugContext(ctx, "reading process output", "error", err)
	}
	close(drained)

	if err := proc.Wait(); err != nil {
		slog.WarnContext(ctx, "waiting for normalization process", "error", err)
	}
	exitCode := proc.ExitCode()
	r.metrics.ProcessExited(exitCode, r.now().Sub(r.started))

	r.mx.Lock()
	r.exitCode = exitCode
	if r.state == StateRunning {
		if exitCode == 0 {
			r.setState(StateExitedSuccess)
		} else {
			r.setState(StateExitedFailure)
		}
	}
	traces := len(r.traces)
	r.mx.Unlock()

	slog.InfoContext(ctx, "normalization finished", "exit_code", exitCode, "trace_messages", traces)
	return exitCode == 0, nil
}

func (r *Runner) read(ctx context.Context, stream string, rd io.Reader) error {
	c := trace.NewClassifier().WithClock(r.now)
	onLine := func(line string) {
		r.sink.Log(StepLabel, line)
		r.metrics.LogLine(stream)
	}
	onRecord := func(rec model.TraceMessage) {
		r.mx.Lock()
		r.traces = append(r.traces, rec)
		r.mx.Unlock()
		r.metrics.TraceMessage(rec.Source)
		slog.DebugContext(ctx, "captured trace message", "stream", stream, rec.Attr("trace"))
	}
	err := trace.Scan(rd, c, onLine, onRecord)
	if err != nil {
		return fmt.Errorf("%s: %w", stream, err)
	}
	return nil
}

// TraceMessages returns the diagnostic records captured so far. The
// sequence is a snapshot and can be iterated any number of times.
func (r *Runner) TraceMessages() iter.Seq[model.TraceMessage] {
	r.mx.Lock()
	snapshot := slices.Clone(r.traces)
	r.mx.Unlock()
	return slices.Values(snapshot)
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.state
}

// ExitCode returns the exit code observed by Normalize, -1 if none was.
func (r *Runner) ExitCode() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.exitCode
}

// Close kills the process if it still runs, waits for it to exit and for
// its output to be drained. A launch in progress is waited for first. It
// returns a *model.WorkerError when the process did not exit with code 0 or
// did not terminate within the close timeout. Calling Close again is a no-op.
func (r *Runner) Close() error {
	r.mx.Lock()
	if r.state == StateClosed {
		r.mx.Unlock()
		return nil
	}
	launched := r.launched
	r.mx.Unlock()

	timer := time.NewTimer(r.closeTimeout)
	defer timer.Stop()

	if launched != nil {
		select {
		case <-launched:
		case <-timer.C:
			r.mx.Lock()
			defer r.mx.Unlock()
			r.setState(StateClosed)
			return &model.WorkerError{
				ExitCode: -1,
				Traces:   slices.Clone(r.traces),
				Cause:    fmt.Errorf("%w: launch not finished after %s", model.ErrTerminationFailed, r.closeTimeout),
			}
		}
	}

	r.mx.Lock()
	if r.state == StateClosed {
		r.mx.Unlock()
		return nil
	}
	if r.proc == nil {
		r.setState(StateClosed)
		r.mx.Unlock()
		return nil
	}
	proc := r.proc
	drained := r.drained
	r.mx.Unlock()

	slog.Debug("closing normalization process")
	// children of an exited process may still hold the output open
	if proc.Alive() || !isClosed(drained) {
		slog.Debug("killing normalization process")
		if err := proc.Kill(); err != nil {
			slog.Warn("killing normalization process", "error", err)
		}
	}

	exited := make(chan error, 1)
	go func() {
		exited <- proc.Wait()
	}()

	var closeErr error
	select {
	case err := <-exited:
		if err != nil {
			slog.Warn("waiting for normalization process", "error", err)
		}
	case <-timer.C:
		closeErr = fmt.Errorf("%w: still alive after %s", model.ErrTerminationFailed, r.closeTimeout)
	}
	if closeErr == nil {
		select {
		case <-drained:
		case <-timer.C:
			closeErr = fmt.Errorf("%w: output not drained after %s", model.ErrTerminationFailed, r.closeTimeout)
		}
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	r.setState(StateClosed)
	traces := slices.Clone(r.traces)

	if closeErr != nil {
		return &model.WorkerError{ExitCode: -1, Traces: traces, Cause: closeErr}
	}
	if proc.Alive() {
		return &model.WorkerError{ExitCode: -1, Traces: traces, Cause: model.ErrTerminationFailed}
	}
	if exitCode := proc.ExitCode(); exitCode != 0 {
		return &model.WorkerError{ExitCode: exitCode, Traces: traces}
	}
	return nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// setState must be called with r.mx held.
func (r *Runner) setState(to State) {
	from := r.state
	if from == to {
		return
	}
	r.state = to
	r.metrics.StateTransition(from, to)
}

// IsWorkerError reports whether err carries a *model.WorkerError and returns it.
func IsWorkerError(err error) (*model.WorkerError, bool) {
	var we *model.WorkerError
	if errors.As(err, &we) {
		return we, true
	}
	return nil, false
}
