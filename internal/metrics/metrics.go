// Package metrics exposes bpfmand's Prometheus metrics on a
// small HTTP server kept separate from the gRPC Unix socket, mirroring the
// teacher's dual-listener pattern (its health_addr alongside the gRPC
// listener in cmd/server/main.go).
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the dispatcher engine and command queue
// update during normal operation.
type Metrics struct {
	DispatcherRebuildsTotal *prometheus.CounterVec
	DispatcherRebuildSecs   *prometheus.HistogramVec
	ProgramsLoaded          prometheus.Gauge
	CommandsTotal           *prometheus.CounterVec

	registry *prometheus.Registry
}

// New constructs Metrics with every collector registered against a fresh
// registry (not the global default, so tests can construct more than one
// without a "duplicate metrics collector registration" panic).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		DispatcherRebuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bpfman_dispatcher_rebuilds_total",
			Help: "Count of dispatcher chain rebuilds, partitioned by outcome.",
		}, []string{"hook", "outcome"}),
		DispatcherRebuildSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bpfman_dispatcher_rebuild_seconds",
			Help:    "Latency of a dispatcher chain rebuild.",
			Buckets: prometheus.DefBuckets,
		}, []string{"hook"}),
		ProgramsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bpfman_programs_loaded",
			Help: "Number of Programs currently in the registry, any state.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bpfman_commands_total",
			Help: "Count of command-dispatcher mutations, partitioned by kind and outcome.",
		}, []string{"kind", "outcome"}),
		registry: reg,
	}

	reg.MustRegister(m.DispatcherRebuildsTotal, m.DispatcherRebuildSecs, m.ProgramsLoaded, m.CommandsTotal)
	return m
}

// ObserveRebuild records one dispatcher rebuild's outcome and duration.
func (m *Metrics) ObserveRebuild(hook string, ok bool, d time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.DispatcherRebuildsTotal.WithLabelValues(hook, outcome).Inc()
	m.DispatcherRebuildSecs.WithLabelValues(hook).Observe(d.Seconds())
}

// ObserveCommand records one command-dispatcher mutation's outcome.
func (m *Metrics) ObserveCommand(kind string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.CommandsTotal.WithLabelValues(kind, outcome).Inc()
}

// Server serves /metrics on a plain HTTP listener.
type Server struct {
	httpSrv *http.Server
}

// NewServer builds a Server bound to addr, not yet listening.
func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return &Server{httpSrv: &http.Server{Addr: addr, Handler: mux}}
}

// Serve blocks until ln is closed or the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
