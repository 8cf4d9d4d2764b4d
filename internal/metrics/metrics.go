// Package metrics exposes tabd's Prometheus metrics: live counters and
// gauges, since tabd runs as a long-lived daemon rather than a one-shot
// collector.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels tabd_commands_total.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeFailed    Outcome = "failed"
	OutcomeDropped   Outcome = "dropped"
)

// Metrics holds every instrument tabd updates from the pipeline and bus
// packages.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	CommandsTotal  *prometheus.CounterVec
	TctiErrors     prometheus.Counter
}

// New creates a fresh registry and registers every instrument.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tabd_sessions_active",
			Help: "Number of sessions currently registered with the session manager.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabd_sessions_total",
			Help: "Total sessions created since startup.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabd_commands_total",
			Help: "Total commands processed by the access broker, by outcome.",
		}, []string{"outcome"}),
		TctiErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabd_tcti_errors_total",
			Help: "Total TCTI transmit/receive/set_locality errors.",
		}),
	}
	reg.MustRegister(m.SessionsActive, m.SessionsTotal, m.CommandsTotal, m.TctiErrors)
	return m
}

// ObserveCommand increments tabd_commands_total for the given outcome.
func (m *Metrics) ObserveCommand(o Outcome) {
	m.CommandsTotal.WithLabelValues(string(o)).Inc()
}

// Server serves the registry on a dedicated listener, enabled only when a
// nonempty address is configured; the metrics endpoint is disabled by
// default.
type Server struct {
	addr   string
	server *http.Server
}

// NewServer builds a metrics Server bound to addr. addr == "" disables it;
// callers should not call Start in that case.
func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return &Server{addr: addr, server: &http.Server{Addr: addr, Handler: mux}}
}

// Start begins serving in the background. Returns immediately; listen
// errors other than a clean shutdown are reported asynchronously via the
// returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics: serve %s: %w", s.addr, err)
			return
		}
		errCh <- nil
	}()
	return errCh
}

// Stop gracefully shuts the metrics listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
