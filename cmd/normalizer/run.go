package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/CZERTAINLY/normalizer/internal/normalize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// runFlags are the inputs of a single job attempt.
type runFlags struct {
	JobID        string
	Attempt      int
	JobRoot      string
	ConnectionID string
	WorkspaceID  string
	ConfigFile   string
	CatalogFile  string
}

func flagsFromViper(v *viper.Viper) runFlags {
	return runFlags{
		JobID:        v.GetString("job-id"),
		Attempt:      v.GetInt("attempt"),
		JobRoot:      v.GetString("job-root"),
		ConnectionID: v.GetString("connection-id"),
		WorkspaceID:  v.GetString("workspace-id"),
		ConfigFile:   v.GetString("config-file"),
		CatalogFile:  v.GetString("catalog-file"),
	}
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	flags := flagsFromViper(viper.GetViper())
	job, err := flags.job()
	if err != nil {
		return err
	}
	destConfig, err := readJSON(flags.ConfigFile)
	if err != nil {
		return err
	}
	catalog, err := readJSON(flags.CatalogFile)
	if err != nil {
		return err
	}

	n, err := NewNormalizer(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		_ = n.Close()
	}()

	err = n.Do(ctx, job, destConfig, catalog, cmd.OutOrStdout())
	if wErr, ok := normalize.IsWorkerError(err); ok {
		return fmt.Errorf("job %s attempt %d: %w", job.ID, job.Attempt, wErr)
	}
	return err
}

func (f runFlags) job() (normalize.Job, error) {
	var errs []error
	if f.JobID == "" {
		errs = append(errs, errors.New("--job-id is required"))
	}
	if f.JobRoot == "" {
		errs = append(errs, errors.New("--job-root is required"))
	}
	if f.ConfigFile == "" {
		errs = append(errs, errors.New("--config-file is required"))
	}
	if f.CatalogFile == "" {
		errs = append(errs, errors.New("--catalog-file is required"))
	}
	if f.Attempt < 0 {
		errs = append(errs, fmt.Errorf("--attempt %d is negative", f.Attempt))
	}
	connectionID, err := optionalUUID("connection-id", f.ConnectionID)
	if err != nil {
		errs = append(errs, err)
	}
	workspaceID, err := optionalUUID("workspace-id", f.WorkspaceID)
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return normalize.Job{}, errors.Join(errs...)
	}
	return normalize.Job{
		ID:           f.JobID,
		Attempt:      f.Attempt,
		ConnectionID: connectionID,
		WorkspaceID:  workspaceID,
		Root:         f.JobRoot,
	}, nil
}

func optionalUUID(name, s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parsing --%s: %w", name, err)
	}
	return &id, nil
}

func readJSON(path string) (json.RawMessage, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("%s is not a valid JSON document", path)
	}
	return json.RawMessage(b), nil
}
