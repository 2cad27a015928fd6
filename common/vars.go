package common

var (
	// Version is set at build time with -ldflags "-X ...common.Version=<tag>".
	Version = "dev"

	PackageName = "edge-workload-api"
)
