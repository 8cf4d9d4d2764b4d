// Command tabd brokers access to a single TPM 2.0 device among many
// concurrent clients, multiplexing their command streams through one
// serialized pipeline and handing out dedicated endpoint pairs over D-Bus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tabd/tabd/internal/bus"
	"github.com/tabd/tabd/internal/config"
	"github.com/tabd/tabd/internal/logging"
	"github.com/tabd/tabd/internal/metrics"
	"github.com/tabd/tabd/internal/pipeline"
	"github.com/tabd/tabd/internal/session"
	"github.com/tabd/tabd/internal/tcti"
	"github.com/tabd/tabd/internal/tcti/device"
	"github.com/tabd/tabd/internal/tcti/loopback"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "tabd:", err)
		return 1
	}

	closer, err := logging.Setup(string(cfg.Logger), false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tabd:", err)
		return 1
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := session.NewManager()
	idgen, err := session.NewIDGenerator(cfg.RandFile)
	if err != nil {
		slog.Error("session id generator init failed", "error", err)
		return 1
	}

	t := newTCTI(cfg)

	src := pipeline.NewCommandSource(manager, cfg.MaxCommandSize)
	broker := pipeline.NewAccessBroker(t, cfg.QueueDepth)
	sink := pipeline.NewResponseSink(manager, cfg.QueueDepth)
	src.SetSink(broker)
	broker.SetSink(sink)

	// Two-thread initialization barrier: readyMu is held from here until
	// the TCTI is brought up and the pipeline is fully wired. The bus
	// starts accepting calls immediately; every facade method blocks on
	// readyMu until initialization finishes.
	readyMu := &sync.Mutex{}
	readyMu.Lock()

	facade := bus.New(manager, idgen, broker, readyMu)
	busServer := bus.NewServer(facade, cfg.SystemBus)
	if err := busServer.Start(); err != nil {
		readyMu.Unlock()
		slog.Error("bus startup failed", "error", err)
		return 1
	}

	var metricsServer *metrics.Server
	if cfg.MetricsAddr != "" {
		m := metrics.New()
		broker.SetMetrics(m)
		facade.SetMetrics(m)
		go sampleSessionCount(ctx, manager, m)

		metricsServer = metrics.NewServer(cfg.MetricsAddr, m)
		metricsErrCh := metricsServer.Start()
		go func() {
			if err := <-metricsErrCh; err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	initDone := make(chan error, 1)
	go func() {
		initDone <- t.Initialize(ctx)
	}()

	select {
	case err := <-initDone:
		if err != nil {
			readyMu.Unlock()
			busServer.Stop()
			slog.Error("tcti initialization failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		readyMu.Unlock()
		busServer.Stop()
		return 0
	}

	sink.Start(ctx)
	broker.Start(ctx)
	src.Start(ctx)
	readyMu.Unlock()

	slog.Info("tabd ready", "tcti", cfg.Tcti, "system_bus", cfg.SystemBus)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdown(busServer, src, broker, sink, manager, t, metricsServer)
	return 0
}

// sampleSessionCount periodically refreshes the active-sessions gauge.
// Facade only refreshes it on CreateConnection; session removal happens
// inside the CommandSource and ResponseSink, which don't touch metrics, so
// the gauge needs a sampler rather than an update at every removal site.
func sampleSessionCount(ctx context.Context, manager *session.Manager, m *metrics.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SessionsActive.Set(float64(manager.Count()))
		}
	}
}

func newTCTI(cfg *config.Config) tcti.TCTI {
	switch cfg.Tcti {
	case config.TctiLoopback:
		return loopback.New()
	default:
		return device.New(cfg.TctiDevice)
	}
}

// shutdown stops bus dispatch, then each pipeline stage in
// source->broker->sink order (each drains/drops its own inbound channel),
// closes all session endpoints, joins every reader goroutine now that the
// endpoints it was blocked reading from are closed, then closes the TCTI.
func shutdown(busServer *bus.Server, src *pipeline.CommandSource, broker *pipeline.AccessBroker, sink *pipeline.ResponseSink, manager *session.Manager, t tcti.TCTI, metricsServer *metrics.Server) {
	if err := busServer.Stop(); err != nil {
		slog.Warn("bus shutdown error", "error", err)
	}

	src.Stop()
	broker.Stop()
	sink.Stop()

	for _, s := range manager.EndpointsSnapshot() {
		manager.Remove(s.ID)
	}
	src.Wait()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "error", err)
		}
	}

	if err := t.Close(); err != nil {
		slog.Warn("tcti close error", "error", err)
	}
}
