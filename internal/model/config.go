package model

import (
	"context"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	BackendDocker = "docker"
	BackendLocal  = "local"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultCloseTimeout = time.Minute
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version       int                  `json:"version" yaml:"version"` // fixed 0 for now
	Normalization Normalization        `json:"normalization" yaml:"normalization"`
	Resources     ResourceRequirements `json:"resources,omitempty" yaml:"resources,omitempty"`
	Runner        *Runner              `json:"runner,omitempty" yaml:"runner,omitempty"`
	Service       Service              `json:"service" yaml:"service"`
	Metrics       *Metrics             `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// Normalization selects the worker image and the destination it normalizes.
type Normalization struct {
	Image           string `json:"image" yaml:"image"` // repository:tag
	IntegrationType string `json:"integration_type" yaml:"integration_type"`
}

// Runner configures the process backend.
type Runner struct {
	Backend      *string `json:"backend,omitempty" yaml:"backend,omitempty"` // "docker" | "local"
	Binary       *string `json:"binary,omitempty" yaml:"binary,omitempty"`   // local executable
	DockerHost   *string `json:"docker_host,omitempty" yaml:"docker_host,omitempty"`
	CloseTimeout *string `json:"close_timeout,omitempty" yaml:"close_timeout,omitempty"`
}

type Service struct {
	Verbose *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log     *string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
}

type Metrics struct {
	Textfile *string `json:"textfile,omitempty" yaml:"textfile,omitempty"`
}

func (r *Runner) GetBackend() string {
	if r == nil || r.Backend == nil {
		return BackendDocker
	}
	return *r.Backend
}

func (r *Runner) GetBinary() string {
	if r == nil {
		return ""
	}
	return get(r.Binary)
}

// GetDockerHost returns the engine address, empty means DOCKER_HOST.
func (r *Runner) GetDockerHost() string {
	if r == nil {
		return ""
	}
	return get(r.DockerHost)
}

// GetCloseTimeout returns the configured bound on waiting for the process
// exit in Close. Invalid or missing values yield DefaultCloseTimeout.
func (r *Runner) GetCloseTimeout() time.Duration {
	if r == nil || r.CloseTimeout == nil {
		return DefaultCloseTimeout
	}
	d, err := time.ParseDuration(*r.CloseTimeout)
	if err != nil || d <= 0 {
		return DefaultCloseTimeout
	}
	return d
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("normalizer.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	if err := out.Resources.Validate(); err != nil {
		return nil, err
	}

	return &out, nil
}

func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Normalization: Normalization{
			Image:           "airbyte/normalization:0.4.3",
			IntegrationType: "postgres",
		},
		Resources: ResourceRequirements{
			CPURequest:    Ptr("500m"),
			CPULimit:      Ptr("2"),
			MemoryRequest: Ptr("1Gi"),
			MemoryLimit:   Ptr("2Gi"),
		},
		Runner: &Runner{
			Backend:      Ptr(BackendDocker),
			CloseTimeout: Ptr(DefaultCloseTimeout.String()),
		},
		Service: Service{
			Verbose: Ptr(false),
			Log:     Ptr(LogStderr),
		},
	}
}
