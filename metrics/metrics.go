// Package metrics exposes Prometheus collectors for the workload API and the
// server that publishes them.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsServer struct {
	registry *prometheus.Registry
	srv      *http.Server
}

// New creates a metrics server with its own registry. Collectors created with
// NewRecorder(srv.Registerer()) are served on addr under /metrics.
func New(namespace, addr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace})); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	return &MetricsServer{
		registry: registry,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (m *MetricsServer) Registerer() prometheus.Registerer {
	return m.registry
}

func (m *MetricsServer) Handler() http.Handler {
	return m.srv.Handler
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// Recorder holds the workload API collectors. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	authzDecisions *prometheus.CounterVec
	issuance       *prometheus.CounterVec
	coalesced      prometheus.Counter
}

func NewRecorder(namespace string, reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Workload API requests by route and response status.",
		}, []string{"route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Workload API request duration by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		authzDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authz_decisions_total",
			Help:      "Caller authorization outcomes.",
		}, []string{"outcome"}),
		issuance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificate_dispatch_total",
			Help:      "Certificate dispatch outcomes by class.",
		}, []string{"class", "outcome"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificate_dispatch_coalesced_total",
			Help:      "Certificate requests served by an in-flight call for the same alias.",
		}),
	}
	reg.MustRegister(r.requests, r.duration, r.authzDecisions, r.issuance, r.coalesced)
	return r
}

// Instrument wraps a route handler and records its status and latency under route.
func (r *Recorder) Instrument(route string, next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		r.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (r *Recorder) AuthzDecision(outcome string) {
	if r == nil {
		return
	}
	r.authzDecisions.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Dispatch(class, outcome string) {
	if r == nil {
		return
	}
	r.issuance.WithLabelValues(class, outcome).Inc()
}

func (r *Recorder) Coalesced() {
	if r == nil {
		return
	}
	r.coalesced.Inc()
}
