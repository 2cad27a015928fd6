// Package runtime provides ModuleRuntime implementations: an in-memory runtime
// driven by configuration and a Docker Engine backed runtime.
//
// Both map a module name to the host process ids running inside it, which is
// what caller authorization relies on.
package runtime
