package runtime

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ruteri/edge-workload-api/interfaces"
)

// StaticModule describes a module managed outside the daemon, typically from
// the configuration file.
type StaticModule struct {
	Name      string         `yaml:"name"`
	Type      string         `yaml:"type"`
	Image     string         `yaml:"image"`
	Processes []int          `yaml:"pids"`
	Settings  map[string]any `yaml:"settings"`
}

// MemoryRuntime keeps modules in memory. It is used for development, for
// non-container deployments where process ids are known up front, and in tests.
type MemoryRuntime struct {
	mu      sync.RWMutex
	modules map[string]*memoryModule
	now     func() time.Time
}

type memoryModule struct {
	module    interfaces.Module
	processes []int
}

func NewMemoryRuntime(modules []StaticModule) *MemoryRuntime {
	rt := &MemoryRuntime{
		modules: make(map[string]*memoryModule, len(modules)),
		now:     time.Now,
	}
	started := rt.now()
	for _, m := range modules {
		rt.modules[m.Name] = &memoryModule{
			module: interfaces.Module{
				Name:     m.Name,
				Type:     m.Type,
				Image:    m.Image,
				Settings: maps.Clone(m.Settings),
				State: interfaces.ModuleRuntimeState{
					Status:    interfaces.ModuleStatusRunning,
					StartedAt: &started,
				},
			},
			processes: slices.Clone(m.Processes),
		}
	}
	return rt
}

func (rt *MemoryRuntime) Name() string {
	return "memory"
}

func (rt *MemoryRuntime) ListModules(ctx context.Context) ([]interfaces.Module, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	modules := make([]interfaces.Module, 0, len(rt.modules))
	for _, name := range slices.Sorted(maps.Keys(rt.modules)) {
		m := rt.modules[name]
		module := m.module
		if len(m.processes) > 0 {
			module.State.ProcessID = m.processes[0]
		}
		modules = append(modules, module)
	}
	return modules, nil
}

func (rt *MemoryRuntime) ResolveProcesses(ctx context.Context, moduleID string) ([]int, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	m, ok := rt.modules[moduleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrModuleNotFound, moduleID)
	}
	if m.module.State.Status != interfaces.ModuleStatusRunning {
		return []int{}, nil
	}
	return slices.Clone(m.processes), nil
}

func (rt *MemoryRuntime) Restart(ctx context.Context, moduleID string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	m, ok := rt.modules[moduleID]
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrModuleNotFound, moduleID)
	}
	started := rt.now()
	m.module.State = interfaces.ModuleRuntimeState{
		Status:    interfaces.ModuleStatusRunning,
		StartedAt: &started,
	}
	return nil
}

// SetProcesses replaces the process ids of a module.
func (rt *MemoryRuntime) SetProcesses(moduleID string, pids []int) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	m, ok := rt.modules[moduleID]
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrModuleNotFound, moduleID)
	}
	m.processes = slices.Clone(pids)
	return nil
}

// Stop marks a module as exited with code.
func (rt *MemoryRuntime) Stop(moduleID string, code int) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	m, ok := rt.modules[moduleID]
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrModuleNotFound, moduleID)
	}
	finished := rt.now()
	m.module.State.Status = interfaces.ModuleStatusStopped
	m.module.State.FinishedAt = &finished
	m.module.State.ExitCode = &code
	return nil
}
