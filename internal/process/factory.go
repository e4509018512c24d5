package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// LocalFactory runs a local executable instead of an image, in the job
// root. It is meant for development and tests. Prefix arguments are passed
// before the request arguments.
type LocalFactory struct {
	path   string
	prefix []string
}

func NewLocalFactory(path string, prefix ...string) LocalFactory {
	return LocalFactory{path: path, prefix: prefix}
}

func (f LocalFactory) Create(ctx context.Context, req Request) (Process, error) {
	cmd, err := f.Command(req)
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "starting local process", "path", cmd.Path, "args", cmd.Args, "image", req.Image)
	return Start(cmd)
}

func (f LocalFactory) Command(req Request) (Command, error) {
	if err := checkRequest(req); err != nil {
		return Command{}, err
	}
	env := os.Environ()
	for _, k := range sortedKeys(req.Env) {
		env = append(env, k+"="+req.Env[k])
	}
	args := slices.Concat(f.prefix, req.Args)
	return Command{
		Path: f.path,
		Args: args,
		Dir:  req.JobRoot,
		Env:  env,
	}, nil
}

func checkRequest(req Request) error {
	if req.Image == "" {
		return fmt.Errorf("image is empty")
	}
	info, err := os.Stat(req.JobRoot)
	if err != nil {
		return fmt.Errorf("job root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("job root %s is not a directory", req.JobRoot)
	}
	return nil
}

var reNameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// ContainerName returns a unique, docker safe name for the request:
// <resource type>-<step>-<job id>-<attempt>-<random>.
func ContainerName(req Request) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	name := strings.Join([]string{
		string(req.ResourceType),
		req.Step,
		req.JobID,
		strconv.Itoa(req.Attempt),
		random,
	}, "-")
	name = reNameUnsafe.ReplaceAllString(name, "_")
	return strings.Trim(name, "-_.")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
