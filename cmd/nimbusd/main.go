package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nexusquantum/nimbus/internal/api"
	"github.com/nexusquantum/nimbus/internal/boot"
	"github.com/nexusquantum/nimbus/internal/config"
	"github.com/nexusquantum/nimbus/internal/db"
	"github.com/nexusquantum/nimbus/internal/db/models"
	"github.com/nexusquantum/nimbus/internal/engine"
	"github.com/nexusquantum/nimbus/internal/events"
	"github.com/nexusquantum/nimbus/internal/guest"
	"github.com/nexusquantum/nimbus/internal/hypervisor"
	"github.com/nexusquantum/nimbus/internal/metrics"
	"github.com/nexusquantum/nimbus/internal/snapshot"
	"github.com/nexusquantum/nimbus/pkg/network"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultPath, "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.InitSchema(ctx, database); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	images := models.NewImageStore(database)
	snapshots := models.NewSnapshotStore(database)
	containers := models.NewContainerStore(database)

	if err := network.EnsureBridge(); err != nil {
		return fmt.Errorf("set up bridge: %w", err)
	}
	if err := network.EnableNAT(); err != nil {
		return fmt.Errorf("set up nat: %w", err)
	}
	alloc, err := network.NewAllocator(network.NewNetlinkTAPManager())
	if err != nil {
		return fmt.Errorf("set up network allocator: %w", err)
	}

	publisher, err := events.NewPublisher(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("connect event broker: %w", err)
	}
	defer publisher.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	driver := hypervisor.NewFirecracker(cfg.FirecrackerBin, cfg.MachinesRoot, logger)
	probe := engine.NewProbe(logger)
	agent := guest.NewHTTPAgentClient(logger)
	reports := guest.NewReportRegistry()
	layout := snapshot.NewLayout(cfg.SnapshotsRoot)

	cold := boot.NewCold(driver, probe, alloc, reports, cfg.EngineReadyTimeout, logger)
	builder := snapshot.NewBuilder(snapshots, layout, driver, cold, agent, publisher, m, logger)
	tracker := snapshot.NewTracker(snapshots, images, builder, publisher, logger)
	restorer := snapshot.NewRestorer(driver, probe, alloc, reports, guest.NewMountConfigurator(logger), snapshot.RestorerConfig{
		EngineResumeTimeout: cfg.EngineResumeTimeout,
		IPObserveTimeout:    cfg.IPObserveTimeout,
		LivenessTimeout:     cfg.LivenessTimeout,
	}, logger)
	orchestrator := boot.NewOrchestrator(images, snapshots, containers,
		restorer, tracker, layout, cold, m, logger, cfg.BuildWaitTimeout)

	gc := snapshot.NewGC(snapshots, layout, m, logger, cfg.GCInterval, cfg.StaleBuildTTL)
	go gc.Run(ctx)

	server := api.NewServer(images, snapshots, containers, builder, orchestrator, reports, publisher, logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("nimbusd listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
