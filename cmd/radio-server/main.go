package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/config"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/logger"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/metrics"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/network"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/routing"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/session"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/storage"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/update"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/web"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validate := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	// Show version
	if *showVersion {
		fmt.Printf("Colony Radio server %s (commit %s, built %s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate only mode
	if *validate {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	defer func() { _ = log.Close() }()

	log.Info("Starting Colony Radio server",
		logger.String("version", version),
		logger.String("build_time", buildTime),
		logger.String("config_file", *configFile))

	web.SetVersionInfo(version, commit, buildTime)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Initialize wait group for goroutines
	var wg sync.WaitGroup

	// Session store and routing engine, seeded from config
	store := session.NewStore()
	engine := routing.NewEngine(store)
	engine.SetAutoMerge(cfg.Networks.AutoMergeByFreq)
	for src, dst := range cfg.Networks.Aliases {
		engine.MergeNet(src, dst)
	}
	if len(cfg.Networks.Aliases) > 0 {
		log.Info("Seeded network aliases",
			logger.Int("count", len(cfg.Networks.Aliases)))
	}

	// Initialize metrics collector
	collector := metrics.NewCollector()

	// Start Prometheus metrics server if enabled
	if cfg.Metrics.Enabled && cfg.Metrics.Prometheus.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metricsServer := metrics.NewPrometheusServer(
				metrics.PrometheusConfig{
					Enabled: cfg.Metrics.Prometheus.Enabled,
					Port:    cfg.Metrics.Prometheus.Port,
					Path:    cfg.Metrics.Prometheus.Path,
				},
				collector,
				log.WithComponent("metrics"),
			)
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				log.Error("Prometheus metrics server error", logger.Error(err))
			}
		}()
		log.Info("Prometheus metrics server started",
			logger.Int("port", cfg.Metrics.Prometheus.Port),
			logger.String("path", cfg.Metrics.Prometheus.Path))
	}

	// Transmission history persistence if enabled
	var repo *storage.TransmissionRepository
	var tracker *storage.TransmissionTracker
	if cfg.Storage.Enabled {
		db, err := storage.NewDB(storage.Config{Path: cfg.Storage.Path}, log.WithComponent("storage"))
		if err != nil {
			log.Error("Failed to open transmission database", logger.Error(err))
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		repo = storage.NewTransmissionRepository(db.GetDB())
		tracker = storage.NewTransmissionTracker(repo, log.WithComponent("storage"))
		log.Info("Transmission history enabled",
			logger.String("path", cfg.Storage.Path))
	}

	// Update distribution host if enabled
	var updateManager *update.Manager
	if cfg.Update.Enabled {
		updateManager = update.NewManager(update.Config{
			Enabled:    cfg.Update.Enabled,
			Port:       cfg.Update.Port,
			Dir:        cfg.Update.Dir,
			PublicHost: cfg.Server.AdvertiseHost,
		}, log.WithComponent("update"))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := updateManager.Start(ctx); err != nil && err != context.Canceled {
				log.Error("Update host error", logger.Error(err))
			}
		}()
		log.Info("Update host started",
			logger.Int("port", cfg.Update.Port),
			logger.String("dir", cfg.Update.Dir))
	}

	// Start web dashboard if enabled
	if cfg.Web.Enabled {
		webServer := web.NewServer(cfg.Web, engine, store, repo, log.WithComponent("web"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := webServer.Start(ctx); err != nil && err != context.Canceled {
				log.Error("Web server error", logger.Error(err))
			}
		}()
		log.Info("Web dashboard started",
			logger.String("host", cfg.Web.Host),
			logger.Int("port", cfg.Web.Port))
	}

	// The UDP relay itself
	server := network.NewServer(cfg.Server, store, engine, log.WithComponent("relay")).
		WithCollector(collector)
	if tracker != nil {
		server = server.WithTracker(tracker)
	}
	if updateManager != nil {
		server = server.WithUpdateManager(updateManager)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx); err != nil && err != context.Canceled {
			log.Error("UDP relay error", logger.Error(err))
		}
	}()
	log.Info("UDP relay listening",
		logger.String("host", cfg.Server.Host),
		logger.Int("port", cfg.Server.Port))

	// Wait for shutdown signal
	sig := <-sigChan
	log.Info("Received shutdown signal",
		logger.String("signal", sig.String()))

	// Cancel context to trigger graceful shutdown
	cancel()

	// Wait for all components to stop
	wg.Wait()

	log.Info("Colony Radio server stopped")
}
