package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/CZERTAINLY/normalizer/internal/log"
	"github.com/CZERTAINLY/normalizer/internal/model"
	"github.com/CZERTAINLY/normalizer/internal/normalize"
	"github.com/CZERTAINLY/normalizer/internal/process"
)

// Normalizer is a component, which builds the runner from the configuration
// and drives a single job attempt through it.
type Normalizer struct {
	factory  process.Factory
	engine   io.Closer
	config   model.Config
	sink     log.Sink
	sinkFile io.Closer
	metrics  *normalize.PrometheusMetricsCollector
	textfile string
}

func NewNormalizer(ctx context.Context, config model.Config) (*Normalizer, error) {
	if config.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", config.Version)
	}

	factory, engine, err := newFactory(config.Runner)
	if err != nil {
		return nil, err
	}

	n := &Normalizer{
		factory: factory,
		engine:  engine,
		config:  config,
	}

	dest := LogDestination(config.Service)
	switch dest {
	case model.LogStderr:
		n.sink = log.NewStepWriter(os.Stderr, log.GreenBackground)
	case model.LogStdout:
		n.sink = log.NewStepWriter(os.Stdout, log.GreenBackground)
	case model.LogDiscard:
		n.sink = log.Discard
	default:
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("opening log file %s: %w", dest, err), n.Close())
		}
		n.sink = log.NewStepWriter(f, log.GreenBackground)
		n.sinkFile = f
	}

	if config.Metrics != nil && config.Metrics.Textfile != nil && *config.Metrics.Textfile != "" {
		n.metrics = normalize.NewPrometheusMetricsCollector("")
		n.textfile = *config.Metrics.Textfile
	}

	slog.DebugContext(ctx, "normalizer initialized",
		"backend", config.Runner.GetBackend(),
		"image", config.Normalization.Image,
		"integration_type", config.Normalization.IntegrationType,
		"log", dest,
	)
	return n, nil
}

// Do runs the normalization of a job and writes every captured trace
// message to out as a JSON line. The returned error is the one of
// Runner.Close, so a failed process yields a *model.WorkerError.
func (n *Normalizer) Do(ctx context.Context, job normalize.Job, config, catalog json.RawMessage, out io.Writer) error {
	opts := []normalize.Option{
		normalize.WithSink(n.sink),
		normalize.WithDefaultResources(n.config.Resources),
		normalize.WithCloseTimeout(n.config.Runner.GetCloseTimeout()),
	}
	if n.metrics != nil {
		opts = append(opts, normalize.WithMetrics(n.metrics))
	}
	runner := normalize.NewRunner(n.factory, n.config.Normalization.Image, n.config.Normalization.IntegrationType, opts...)

	// cancellation of ctx terminates the process
	closed := make(chan error, 1)
	stop := context.AfterFunc(ctx, func() {
		slog.WarnContext(ctx, "normalization interrupted", "job_id", job.ID)
		closed <- runner.Close()
	})

	ok, err := runner.Normalize(ctx, job, config, catalog, model.ResourceRequirements{})
	if err != nil {
		stop()
		return errors.Join(err, runner.Close())
	}

	var closeErr error
	if stop() {
		closeErr = runner.Close()
	} else {
		closeErr = <-closed
	}
	slog.InfoContext(ctx, "normalization finished", "job_id", job.ID, "success", ok, "exit_code", runner.ExitCode())

	enc := json.NewEncoder(out)
	for msg := range runner.TraceMessages() {
		if err := enc.Encode(msg); err != nil {
			return errors.Join(fmt.Errorf("printing trace message: %w", err), closeErr)
		}
	}

	if n.metrics != nil {
		if err := n.metrics.WriteTextfile(n.textfile); err != nil {
			slog.WarnContext(ctx, "writing metrics textfile failed", "path", n.textfile, "error", err)
		}
	}
	return closeErr
}

// Close releases the log file and the docker engine connection, if any.
func (n *Normalizer) Close() error {
	var errs []error
	if n.sinkFile != nil {
		errs = append(errs, n.sinkFile.Close())
	}
	if n.engine != nil {
		errs = append(errs, n.engine.Close())
	}
	return errors.Join(errs...)
}

// LogDestination returns where the process output goes.
func LogDestination(s model.Service) string {
	if s.Log == nil || *s.Log == "" {
		return model.LogStderr
	}
	return *s.Log
}

// newFactory returns the process factory of the configured backend. The
// closer is the docker engine client, nil for the local backend.
func newFactory(cfg *model.Runner) (process.Factory, io.Closer, error) {
	switch backend := cfg.GetBackend(); backend {
	case model.BackendDocker:
		cli, err := process.NewDockerClient(cfg.GetDockerHost())
		if err != nil {
			return nil, nil, err
		}
		return process.NewDockerFactory(cli), cli, nil
	case model.BackendLocal:
		if cfg.GetBinary() == "" {
			return nil, nil, errors.New("runner.binary is required for the local backend")
		}
		return process.NewLocalFactory(cfg.GetBinary()), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported runner backend %q", backend)
	}
}
