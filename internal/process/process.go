// Package process defines how a worker process is launched and observed.
// Processes run either as docker containers or as local executables.
package process

import (
	"context"
	"io"

	"github.com/CZERTAINLY/normalizer/internal/model"
	"github.com/google/uuid"
)

// ResourceType selects the resource pool a process is accounted to.
type ResourceType string

const ResourceTypeNormalization ResourceType = "normalization"

// Label keys understood by process backends.
const (
	JobTypeKey  = "job_type"
	SyncStepKey = "sync_step"

	SyncJob       = "sync"
	NormalizeStep = "normalize"
)

// Request describes a single process launch. A Request is built once per
// job attempt and handed to exactly one Factory.Create call.
type Request struct {
	ResourceType ResourceType
	Step         string
	JobID        string
	Attempt      int
	ConnectionID *uuid.UUID
	WorkspaceID  *uuid.UUID
	// JobRoot is the working directory of the job. Files are staged there.
	JobRoot             string
	Image               string
	UsesStdin           bool
	UsesIsolatedNetwork bool
	// Files maps a logical file name to its content. The files are
	// available to the process under those names in its working directory.
	Files          map[string]string
	Resources      model.ResourceRequirements
	FileMounts     map[string]string
	MetadataLabels map[string]string
	InternalLabels map[string]string
	Env            map[string]string
	Args           []string
}

// Factory launches processes.
type Factory interface {
	Create(ctx context.Context, req Request) (Process, error)
}

// Process is a handle to a launched process.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Alive is true until the process has exited.
	Alive() bool
	// Wait blocks until the process exits. It may be called any number of
	// times and always returns the same result.
	Wait() error
	// ExitCode returns the exit code, -1 while the process is running. A
	// killed local process reports -1, a killed container 137.
	ExitCode() int
	// Kill forcibly terminates the process. Killing an exited process is
	// not an error.
	Kill() error
}
