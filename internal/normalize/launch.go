package normalize

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/CZERTAINLY/normalizer/internal/model"
	"github.com/CZERTAINLY/normalizer/internal/process"
	"github.com/google/uuid"
)

// File names of the payloads staged in the job root.
const (
	ConfigFileName  = "destination_config.json"
	CatalogFileName = "destination_catalog.json"
)

// Job identifies one attempt of a sync job.
type Job struct {
	ID           string
	Attempt      int
	ConnectionID *uuid.UUID
	WorkspaceID  *uuid.UUID
	// Root is an existing, writable directory owned by the attempt.
	Root string
}

// BuildRequest stages the config and catalog in the job root and returns the
// request launching the normalization image. Any staging failure wraps
// model.ErrStaging.
func BuildRequest(job Job, image, integrationType string, config, catalog any, resources model.ResourceRequirements) (process.Request, error) {
	files, err := stage(job.Root, config, catalog)
	if err != nil {
		return process.Request{}, err
	}

	return process.Request{
		ResourceType:        process.ResourceTypeNormalization,
		Step:                process.NormalizeStep,
		JobID:               job.ID,
		Attempt:             job.Attempt,
		ConnectionID:        job.ConnectionID,
		WorkspaceID:         job.WorkspaceID,
		JobRoot:             job.Root,
		Image:               image,
		UsesStdin:           false,
		UsesIsolatedNetwork: false,
		Files:               files,
		Resources:           resources,
		MetadataLabels: map[string]string{
			process.JobTypeKey:  process.SyncJob,
			process.SyncStepKey: process.NormalizeStep,
		},
		InternalLabels: map[string]string{},
		Env:            map[string]string{},
		Args: []string{
			"run",
			"--integration-type", integrationType,
			"--config", ConfigFileName,
			"--catalog", CatalogFileName,
		},
	}, nil
}

func stage(dir string, config, catalog any) (map[string]string, error) {
	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("%w: serializing config: %w", model.ErrStaging, err)
	}
	catalogJSON, err := json.Marshal(catalog)
	if err != nil {
		return nil, fmt.Errorf("%w: serializing catalog: %w", model.ErrStaging, err)
	}
	files := map[string]string{
		ConfigFileName:  string(configJSON),
		CatalogFileName: string(catalogJSON),
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: opening job root: %w", model.ErrStaging, err)
	}
	defer func() {
		_ = root.Close()
	}()

	for _, name := range []string{ConfigFileName, CatalogFileName} {
		if err := writeFile(root, name, files[name]); err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrStaging, err)
		}
	}
	return files, nil
}

func writeFile(root *os.Root, name, content string) error {
	f, err := root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	_, err = f.WriteString(content)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing %s: %w", name, err)
	}
	return nil
}
