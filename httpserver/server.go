package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/edge-workload-api/api"
	"github.com/ruteri/edge-workload-api/metrics"
	"github.com/ruteri/edge-workload-api/peercred"
	"go.uber.org/atomic"
)

const defaultSocketPermissions = 0o666

type Server struct {
	cfg     *api.HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	workload   http.Handler
	socketSrv  *http.Server
	tcpSrv     *http.Server
	metricsSrv *metrics.MetricsServer

	socketLn net.Listener
	tcpLn    net.Listener
}

// New creates a server that serves workload on the configured unix socket and,
// optionally, on a TCP address. metricsSrv may be nil.
func New(cfg *api.HTTPServerConfig, workload http.Handler, metricsSrv *metrics.MetricsServer) (*Server, error) {
	if cfg.SocketPath == "" && cfg.ListenAddr == "" {
		return nil, errors.New("either a socket path or a listen address is required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	srv := &Server{
		cfg:        cfg,
		log:        cfg.Log,
		workload:   workload,
		metricsSrv: metricsSrv,
	}
	srv.isReady.Store(true)

	router := srv.getRouter()
	if cfg.SocketPath != "" {
		srv.socketSrv = &http.Server{
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			ConnContext:  peercred.ConnContext(cfg.Log),
		}
	}
	if cfg.ListenAddr != "" {
		srv.tcpSrv = &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}
	}

	return srv, nil
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(srv.httpLogger)

	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)
	mux.Get("/drain", srv.handleDrain)
	mux.Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}

	mux.Mount("/", srv.workload)
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "alive")
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeStatus(w, http.StatusOK, "ready")
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeStatus(w, http.StatusOK, "already draining")
		return
	}

	srv.log.Info("Server marked as not ready")

	// Hold the request so the caller knows health checks have seen the change.
	select {
	case <-time.After(srv.cfg.DrainDuration):
	case <-r.Context().Done():
	}

	writeStatus(w, http.StatusOK, "draining")
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeStatus(w, http.StatusOK, "already ready")
		return
	}

	srv.log.Info("Server marked as ready")
	writeStatus(w, http.StatusOK, "ready")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"status":%q}`, status)
}

// RunInBackground opens the listeners and serves on them until Shutdown.
// Listener errors are returned before anything is served.
func (srv *Server) RunInBackground() error {
	if srv.socketSrv != nil {
		ln, err := listenUnix(srv.cfg.SocketPath, srv.cfg.SocketPermissions)
		if err != nil {
			return err
		}
		srv.socketLn = ln
	}

	if srv.tcpSrv != nil {
		ln, err := net.Listen("tcp", srv.cfg.ListenAddr)
		if err != nil {
			if srv.socketLn != nil {
				srv.socketLn.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", srv.cfg.ListenAddr, err)
		}
		srv.tcpLn = ln
		srv.log.Warn("Serving over TCP; module scoped requests will be rejected without peer credentials",
			"listenAddress", ln.Addr().String())
	}

	if srv.metricsSrv != nil && srv.cfg.MetricsAddr != "" {
		go func() {
			srv.log.With("metricsAddress", srv.cfg.MetricsAddr).Info("Starting metrics server")
			if err := srv.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("Metrics server failed", "err", err)
			}
		}()
	}

	if srv.socketLn != nil {
		go srv.serve(srv.socketSrv, srv.socketLn)
	}
	if srv.tcpLn != nil {
		go srv.serve(srv.tcpSrv, srv.tcpLn)
	}
	return nil
}

func (srv *Server) serve(s *http.Server, ln net.Listener) {
	srv.log.Info("Starting HTTP server", "listenAddress", ln.Addr().String())
	if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		srv.log.Error("HTTP server failed", "err", err)
	}
}

// SocketAddr returns the bound unix socket address, or nil before RunInBackground.
func (srv *Server) SocketAddr() net.Addr {
	if srv.socketLn == nil {
		return nil
	}
	return srv.socketLn.Addr()
}

// TCPAddr returns the bound TCP address, or nil when not listening on TCP.
func (srv *Server) TCPAddr() net.Addr {
	if srv.tcpLn == nil {
		return nil
	}
	return srv.tcpLn.Addr()
}

func (srv *Server) Shutdown() {
	for _, s := range []*http.Server{srv.socketSrv, srv.tcpSrv} {
		if s == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		if err := s.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
		} else {
			srv.log.Info("HTTP server gracefully stopped")
		}
		cancel()
	}

	if srv.cfg.SocketPath != "" {
		if err := os.Remove(srv.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			srv.log.Warn("Failed to remove socket", "path", srv.cfg.SocketPath, "err", err)
		}
	}

	if srv.metricsSrv != nil && srv.cfg.MetricsAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		defer cancel()

		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("Metrics server gracefully stopped")
		}
	}
}

// listenUnix replaces a stale socket left by a previous run and applies perm.
func listenUnix(path string, perm os.FileMode) (net.Listener, error) {
	if perm == 0 {
		perm = defaultSocketPermissions
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	if info, err := os.Lstat(path); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("refusing to replace non-socket file %s", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, perm); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return ln, nil
}
