// Command controlplane runs the agent sandbox control plane: the service
// mesh, the container resource monitor and the administrative HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/agentfleet/controlplane/internal/api"
	"github.com/agentfleet/controlplane/pkg/config"
	"github.com/agentfleet/controlplane/pkg/events"
	"github.com/agentfleet/controlplane/pkg/logging"
	"github.com/agentfleet/controlplane/pkg/mesh"
	"github.com/agentfleet/controlplane/pkg/monitor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "controlplane: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := logging.NewStructuredLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	bus := events.NewBus(cfg.EventHistorySize)

	serviceMesh := mesh.New(mesh.Config{
		Registry: registry,
		Logger:   logger,
		Bus:      bus,
	})

	healthChecker, err := mesh.NewHealthChecker(serviceMesh, mesh.TCPProbe(cfg.ProbeTimeout), cfg.HealthCheckInterval)
	if err != nil {
		return err
	}
	if err := healthChecker.Start(ctx); err != nil {
		return err
	}
	defer healthChecker.Stop()

	docker := monitor.NewDockerProvider(cfg.DockerSocket)
	if err := docker.Ping(ctx); err != nil {
		logger.Warn(ctx, "docker daemon unreachable at startup, monitoring will retry",
			"socket", cfg.DockerSocket, "error", err)
	}

	mon, err := monitor.New(monitor.Options{
		Provider:         docker,
		Limits:           docker,
		CollectInterval:  cfg.CollectInterval,
		SweepInterval:    cfg.SweepInterval,
		MetricsRetention: cfg.MetricsRetention,
		AlertCooldown:    cfg.AlertCooldown,
		AlertRetention:   cfg.AlertRetention,
		HistorySize:      cfg.HistorySize,
		Thresholds:       cfg.Thresholds,
		Registry:         registry,
		Logger:           logger,
		Bus:              bus,
	})
	if err != nil {
		return err
	}
	if err := mon.Start(ctx); err != nil {
		return err
	}
	defer mon.Stop()

	if cfg.ContainerLabel != "" {
		if ids, err := docker.ListContainerIDs(ctx, cfg.ContainerLabel); err != nil {
			logger.Warn(ctx, "container discovery failed", "label", cfg.ContainerLabel, "error", err)
		} else {
			for _, id := range ids {
				mon.AddContainer(id)
			}
			logger.Info(ctx, "containers discovered", "label", cfg.ContainerLabel, "count", len(ids))
		}
	}

	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, mon, logger)
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		defer watcher.Close()
		go watcher.Start(ctx)
	}

	server := api.NewServer(serviceMesh, mon, bus, registry, logger)
	httpServer := server.CreateHTTPServer(cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "admin api listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
