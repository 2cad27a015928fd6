package flags

import (
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/ruteri/edge-workload-api/api"
	"github.com/ruteri/edge-workload-api/common"
	"github.com/ruteri/edge-workload-api/config"
	"github.com/urfave/cli/v2"
)

const envPrefix = "WORKLOADD_"

func envVars(name string) []string {
	return []string{envPrefix + name}
}

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: cCtx.String(LogServiceFlag.Name),
		Version: common.Version,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// LoadEnvFile loads the --env-file into the process environment without
// overriding variables that are already set. Flags are parsed before it runs,
// so the file serves variables read by components (VAULT_TOKEN, EDGECA_SEED,
// REDIS_PASSWORD). A missing default file is ignored.
func LoadEnvFile(cCtx *cli.Context) error {
	path := cCtx.String(EnvFileFlag.Name)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) && !cCtx.IsSet(EnvFileFlag.Name) {
		return nil
	}
	return godotenv.Load(path)
}

// LoadConfig reads the --config file, or returns the defaults when none is given.
// Flags that were set explicitly override file values.
func LoadConfig(cCtx *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	if path := cCtx.String(ConfigFlag.Name); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if cCtx.IsSet(SocketPathFlag.Name) {
		cfg.Server.SocketPath = cCtx.String(SocketPathFlag.Name)
	}
	if cCtx.IsSet(ListenAddrFlag.Name) {
		cfg.Server.ListenAddr = cCtx.String(ListenAddrFlag.Name)
	}
	if cCtx.IsSet(MetricsAddrFlag.Name) {
		cfg.Server.MetricsAddr = cCtx.String(MetricsAddrFlag.Name)
	}
	if cCtx.IsSet(OTLPEndpointFlag.Name) {
		cfg.Tracing.OTLPEndpoint = cCtx.String(OTLPEndpointFlag.Name)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, cfg *config.Config) (*api.HTTPServerConfig, error) {
	mode, err := cfg.Server.SocketMode()
	if err != nil {
		return nil, err
	}
	readTimeout, writeTimeout, shutdownTimeout := cfg.Server.Timeouts()

	return &api.HTTPServerConfig{
		SocketPath:               cfg.Server.SocketPath,
		SocketPermissions:        mode,
		ListenAddr:               cfg.Server.ListenAddr,
		MetricsAddr:              cfg.Server.MetricsAddr,
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: shutdownTimeout,
		ReadTimeout:              readTimeout,
		WriteTimeout:             writeTimeout,
	}, nil
}

var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	EnvVars: envVars("CONFIG"),
	Usage:   "path to the YAML configuration file",
}

var EnvFileFlag = &cli.StringFlag{
	Name:    "env-file",
	Value:   ".env",
	EnvVars: envVars("ENV_FILE"),
	Usage:   "load environment variables from this file before starting",
}

var SocketPathFlag = &cli.StringFlag{
	Name:    "socket",
	EnvVars: envVars("SOCKET"),
	Usage:   "unix socket to serve the workload API on (overrides the config file)",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	EnvVars: envVars("LISTEN_ADDR"),
	Usage:   "additional TCP address to serve on, callers have no identity (development only)",
}

var OTLPEndpointFlag = &cli.StringFlag{
	Name:    "otlp-endpoint",
	EnvVars: envVars("OTLP_ENDPOINT"),
	Usage:   "OTLP gRPC endpoint to export traces to",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	EnvVars: envVars("LOG_JSON"),
	Usage:   "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	EnvVars: envVars("LOG_DEBUG"),
	Usage:   "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:    "log-uid",
	Value:   false,
	EnvVars: envVars("LOG_UID"),
	Usage:   "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:    "log-service",
	Value:   "workloadd",
	EnvVars: envVars("LOG_SERVICE"),
	Usage:   "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:    "pprof",
	Value:   false,
	EnvVars: envVars("PPROF"),
	Usage:   "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:    "drain-seconds",
	Value:   45,
	EnvVars: envVars("DRAIN_SECONDS"),
	Usage:   "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:    "metrics-addr",
	EnvVars: envVars("METRICS_ADDR"),
	Usage:   "address to listen on for Prometheus metrics (overrides the config file)",
}

var CommonFlags = []cli.Flag{
	ConfigFlag,
	EnvFileFlag,
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
}

var ServeFlags = []cli.Flag{
	SocketPathFlag,
	ListenAddrFlag,
	MetricsAddrFlag,
	OTLPEndpointFlag,
	PprofFlag,
	DrainSecondsFlag,
}
