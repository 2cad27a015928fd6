package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ruteri/edge-workload-api/api/workload"
	"github.com/ruteri/edge-workload-api/certsvc"
	"github.com/ruteri/edge-workload-api/cmd/flags"
	"github.com/ruteri/edge-workload-api/common"
	"github.com/ruteri/edge-workload-api/config"
	"github.com/ruteri/edge-workload-api/edgeca"
	"github.com/ruteri/edge-workload-api/httpserver"
	"github.com/ruteri/edge-workload-api/interfaces"
	"github.com/ruteri/edge-workload-api/metrics"
	"github.com/ruteri/edge-workload-api/runtime"
	"github.com/ruteri/edge-workload-api/storage"
	"github.com/ruteri/edge-workload-api/tracing"
	"github.com/ruteri/edge-workload-api/vaultpki"
	"github.com/urfave/cli/v2"
)

const metricsNamespace = "workloadd"

func main() {
	app := &cli.App{
		Name:    "workloadd",
		Usage:   "Serve the module workload API on a unix socket",
		Version: common.Version,
		Flags:   flags.CommonFlags,
		Before:  flags.LoadEnvFile,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the workload API server",
				Flags:  flags.ServeFlags,
				Action: serve,
			},
			{
				Name:   "list",
				Usage:  "list modules known to the runtime",
				Action: listModules,
			},
			{
				Name:      "restart",
				Usage:     "restart a module",
				ArgsUsage: "<module>",
				Action:    restartModule,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		logger.Error("Failed to load configuration", "err", err)
		return err
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.Setup(ctx, cfg.TracingConfig(cCtx.String(flags.LogServiceFlag.Name)))
	if err != nil {
		logger.Error("Failed to set up tracing", "err", err)
		return err
	}
	defer shutdownWithTimeout(logger, "tracer", tracer.Shutdown)

	metricsSrv, err := metrics.New(metricsNamespace, cfg.Server.MetricsAddr)
	if err != nil {
		logger.Error("Failed to create metrics server", "err", err)
		return err
	}
	recorder := metrics.NewRecorder(metricsNamespace, metricsSrv.Registerer())

	rt, closeRuntime, err := newRuntime(cfg, logger)
	if err != nil {
		logger.Error("Failed to create module runtime", "err", err)
		return err
	}
	defer closeRuntime()

	certificates, err := newCertificateService(cfg, logger)
	if err != nil {
		logger.Error("Failed to create certificate service", "err", err)
		return err
	}

	handler := workload.NewHandler(workload.HandlerConfig{
		Runtime:      rt,
		Certificates: certificates,
		EdgeCA:       cfg.Edge.CA,
		Namespace:    cfg.Edge.Namespace,
		TrustBundles: workload.TrustBundles{
			TrustBundle:         cfg.Edge.TrustBundle,
			ManifestTrustBundle: cfg.Edge.ManifestTrustBundle,
		},
		Metrics: recorder,
		Log:     logger,
	})

	serverCfg, err := flags.ConfigureServer(cCtx, logger, cfg)
	if err != nil {
		logger.Error("Invalid server configuration", "err", err)
		return err
	}

	server, err := httpserver.New(serverCfg, handler.Router(), metricsSrv)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	if err := server.RunInBackground(); err != nil {
		logger.Error("Failed to start server", "err", err)
		return err
	}

	logger.Info("Server is running, press Ctrl+C to stop",
		"socket", cfg.Server.SocketPath,
		"runtime", rt.Name())
	<-ctx.Done()
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

func listModules(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		return err
	}

	rt, closeRuntime, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRuntime()

	modules, err := rt.ListModules(cCtx.Context)
	if err != nil {
		return fmt.Errorf("could not list modules: %w", err)
	}

	w := tabwriter.NewWriter(cCtx.App.Writer, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tDESCRIPTION\tIMAGE")
	for _, m := range modules {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Name, m.State.Status, describe(m.State), m.Image)
	}
	return w.Flush()
}

func restartModule(cCtx *cli.Context) error {
	name := cCtx.Args().First()
	if name == "" {
		return errors.New("module name is required")
	}

	logger := flags.SetupLogger(cCtx)

	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		return err
	}

	rt, closeRuntime, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRuntime()

	if err := rt.Restart(cCtx.Context, name); err != nil {
		return fmt.Errorf("could not restart module %s: %w", name, err)
	}

	fmt.Fprintln(cCtx.App.Writer, name)
	return nil
}

func newRuntime(cfg *config.Config, logger *slog.Logger) (interfaces.ModuleRuntime, func(), error) {
	switch cfg.Runtime.Type {
	case config.RuntimeDocker:
		rt, err := runtime.NewDockerRuntime(cfg.Runtime.Docker, logger)
		if err != nil {
			return nil, nil, err
		}
		return rt, func() {
			if err := rt.Close(); err != nil {
				logger.Warn("Failed to close docker client", "err", err)
			}
		}, nil
	default:
		return runtime.NewMemoryRuntime(cfg.Runtime.Modules), func() {}, nil
	}
}

func newCertificateService(cfg *config.Config, logger *slog.Logger) (*certsvc.Service, error) {
	store, err := storage.NewStoreFactory(logger).CreateStore(cfg.Stores)
	if err != nil {
		return nil, err
	}

	var signer interfaces.Signer
	switch cfg.Signer.Type {
	case config.SignerVault:
		signer, err = vaultpki.New(cfg.VaultPKIConfig(), logger)
	default:
		var caCfg edgeca.Config
		caCfg, err = cfg.EdgeCAConfig()
		if err == nil {
			signer, err = edgeca.New(caCfg, logger)
		}
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Certificate service configured",
		"store", store.Name(),
		"signer", signer.Name())

	return certsvc.New(store, signer, certsvc.Config{
		EdgeCA:        cfg.Edge.CA,
		RefreshBefore: cfg.Certificates.RefreshBeforeDuration(),
		CAAliases:     []string{cfg.Edge.TrustBundle},
	}, logger), nil
}

func describe(state interfaces.ModuleRuntimeState) string {
	switch {
	case state.StatusDescription != "":
		return state.StatusDescription
	case state.Status == interfaces.ModuleStatusRunning && state.StartedAt != nil:
		return "Up " + time.Since(*state.StartedAt).Round(time.Second).String()
	case state.ExitCode != nil && state.FinishedAt != nil:
		return fmt.Sprintf("Stopped (exit %d) %s ago", *state.ExitCode,
			time.Since(*state.FinishedAt).Round(time.Second))
	default:
		return string(state.Status)
	}
}

func shutdownWithTimeout(logger *slog.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("Shutdown failed", "component", name, "err", err)
	}
}
