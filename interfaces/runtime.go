package interfaces

import "context"

// ModuleRuntime is the container/module runtime the workload API consults.
// Implementations must be safe for concurrent use.
type ModuleRuntime interface {
	// ListModules returns all modules with their runtime state.
	ListModules(ctx context.Context) ([]Module, error)

	// ResolveProcesses returns the host process ids currently running inside the
	// named module. Returns ErrModuleNotFound for unknown modules and
	// ErrRuntimeUnavailable when the runtime cannot be queried.
	ResolveProcesses(ctx context.Context, moduleID string) ([]int, error)

	// Restart restarts the named module.
	Restart(ctx context.Context, moduleID string) error

	// Name returns an identifier for logging.
	Name() string
}
