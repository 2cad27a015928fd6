package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/ruteri/edge-workload-api/interfaces"
)

// DefaultModuleLabel marks containers that are modules.
const DefaultModuleLabel = "net.azure-devices.edge.owner=Microsoft.Azure.Devices.Edge.Agent"

type DockerConfig struct {
	// Host is the engine address, e.g. unix:///var/run/docker.sock. Empty means
	// the DOCKER_HOST environment or the platform default.
	Host string `yaml:"host"`

	// APIVersion pins the engine API version. Empty negotiates.
	APIVersion string `yaml:"api_version"`

	// ModuleLabel is a label filter ("key" or "key=value") selecting module
	// containers.
	ModuleLabel string `yaml:"module_label"`
}

// DockerRuntime resolves modules to containers of a Docker engine. A module's
// name is its container name.
type DockerRuntime struct {
	cli   *client.Client
	label string
	log   *slog.Logger
}

func NewDockerRuntime(cfg DockerConfig, log *slog.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	label := cfg.ModuleLabel
	if label == "" {
		label = DefaultModuleLabel
	}

	return &DockerRuntime{cli: cli, label: label, log: log}, nil
}

func (rt *DockerRuntime) Name() string {
	return "docker"
}

// Close releases the engine connection.
func (rt *DockerRuntime) Close() error {
	return rt.cli.Close()
}

func (rt *DockerRuntime) ListModules(ctx context.Context) ([]interfaces.Module, error) {
	containers, err := rt.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", rt.label)),
	})
	if err != nil {
		return nil, rt.wrap(err)
	}

	modules := make([]interfaces.Module, 0, len(containers))
	for _, c := range containers {
		info, err := rt.cli.ContainerInspect(ctx, c.ID)
		if client.IsErrNotFound(err) {
			// removed between list and inspect
			continue
		}
		if err != nil {
			return nil, rt.wrap(err)
		}

		m := interfaces.Module{
			Name:  strings.TrimPrefix(info.Name, "/"),
			Type:  "docker",
			Image: c.Image,
			Settings: map[string]any{
				"image":   c.Image,
				"imageID": c.ImageID,
			},
		}
		if info.State != nil {
			m.State = moduleState(string(info.State.Status), info.State.Error, info.State.StartedAt, info.State.FinishedAt, info.State.ExitCode, info.State.Pid)
		}
		modules = append(modules, m)
	}
	return modules, nil
}

// inspectModule returns the labelled container whose name is exactly moduleID.
// The engine also resolves container IDs and ID prefixes, which are not module
// names.
func (rt *DockerRuntime) inspectModule(ctx context.Context, moduleID string) (container.InspectResponse, error) {
	info, err := rt.cli.ContainerInspect(ctx, moduleID)
	if err != nil {
		return container.InspectResponse{}, rt.wrap(err)
	}
	if info.ContainerJSONBase == nil || strings.TrimPrefix(info.Name, "/") != moduleID {
		return container.InspectResponse{}, fmt.Errorf("%w: %s", interfaces.ErrModuleNotFound, moduleID)
	}
	if info.Config == nil || !matchesLabel(info.Config.Labels, rt.label) {
		return container.InspectResponse{}, fmt.Errorf("%w: %s", interfaces.ErrModuleNotFound, moduleID)
	}
	return info, nil
}

func (rt *DockerRuntime) ResolveProcesses(ctx context.Context, moduleID string) ([]int, error) {
	info, err := rt.inspectModule(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	if info.State == nil || !info.State.Running {
		return []int{}, nil
	}

	top, err := rt.cli.ContainerTop(ctx, info.ID, nil)
	if err != nil {
		return nil, rt.wrap(err)
	}
	return parseTopPIDs(top.Titles, top.Processes)
}

func (rt *DockerRuntime) Restart(ctx context.Context, moduleID string) error {
	info, err := rt.inspectModule(ctx, moduleID)
	if err != nil {
		return err
	}
	if err := rt.cli.ContainerRestart(ctx, info.ID, container.StopOptions{}); err != nil {
		return rt.wrap(err)
	}
	rt.log.Info("module restarted", "module", moduleID)
	return nil
}

func (rt *DockerRuntime) wrap(err error) error {
	switch {
	case client.IsErrNotFound(err):
		return errors.Join(interfaces.ErrModuleNotFound, err)
	default:
		return errors.Join(interfaces.ErrRuntimeUnavailable, err)
	}
}

// parseTopPIDs extracts the PID column of a container top listing.
func parseTopPIDs(titles []string, processes [][]string) ([]int, error) {
	col := -1
	for i, title := range titles {
		if title == "PID" {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, errors.Join(interfaces.ErrRuntimeUnavailable, errors.New("container top listing has no PID column"))
	}

	pids := make([]int, 0, len(processes))
	for _, proc := range processes {
		if col >= len(proc) {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(proc[col]))
		if err != nil {
			return nil, errors.Join(interfaces.ErrRuntimeUnavailable, fmt.Errorf("invalid pid %q: %w", proc[col], err))
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// matchesLabel reports whether labels satisfy a "key" or "key=value" filter.
func matchesLabel(labels map[string]string, filter string) bool {
	key, value, hasValue := strings.Cut(filter, "=")
	v, ok := labels[key]
	if !ok {
		return false
	}
	return !hasValue || v == value
}

func moduleState(status, description, startedAt, finishedAt string, exitCode, pid int) interfaces.ModuleRuntimeState {
	state := interfaces.ModuleRuntimeState{
		Status:            interfaces.ParseModuleStatus(status),
		StatusDescription: description,
		ProcessID:         pid,
	}
	if t, ok := parseDockerTime(startedAt); ok {
		state.StartedAt = &t
	}
	if t, ok := parseDockerTime(finishedAt); ok && state.Status != interfaces.ModuleStatusRunning {
		state.FinishedAt = &t
		code := exitCode
		state.ExitCode = &code
	}
	return state
}

// parseDockerTime treats the engine's zero timestamp as unset.
func parseDockerTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.IsZero() || t.Year() <= 1 {
		return time.Time{}, false
	}
	return t, true
}
