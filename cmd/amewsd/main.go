package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"amews/internal/alerts"
	"amews/internal/analysis"
	"amews/internal/api"
	"amews/internal/baseline"
	"amews/internal/config"
	"amews/internal/ingest"
	"amews/internal/logging"
	"amews/internal/metrics"
	"amews/internal/model"
	"amews/internal/risk"
	"amews/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("amewsd", version)
		return
	}

	var mgr *config.Manager
	var err error
	if *configPath != "" {
		mgr, err = config.NewManager(config.ResolvePath(*configPath))
		if err != nil {
			fmt.Fprintln(os.Stderr, "config error:", err)
			os.Exit(1)
		}
	} else {
		mgr = config.NewStaticManager(config.DefaultConfig())
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting amewsd", "version", version, "storage_driver", cfg.Storage.Driver)

	metrics.Register()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage init failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := store.Init(initCtx); err != nil {
		cancel()
		logger.Error("schema init failed", "err", err)
		os.Exit(1)
	}
	cancel()

	baselineEngine := baseline.NewEngine(cfg.Baseline, store, logger)
	detector := risk.NewDetector(cfg.ML, logger)
	engine := risk.NewEngine(cfg.Risk, store, detector, baselineEngine, logger)
	ring := alerts.NewStore(cfg.Alerts.StoreLimit)
	manager := alerts.NewManager(cfg.Risk.MediumThreshold, cfg.Alerts.Cooldown, ring, store, baselineEngine, logger)

	events := make(chan model.AuthEvent, cfg.Ingest.ChannelBuffer)
	sinkDone := ingest.StartSink(ctx, cfg.Ingest, events, store, logger)
	ingest.StartREST(ctx, mgr, events, logger)
	ingest.StartKafka(ctx, mgr, events, logger)

	runner := analysis.NewRunner(cfg.Analysis, engine, baselineEngine, manager, store, logger)
	runnerDone := runner.Start(ctx)

	api.Start(ctx, mgr, engine, detector, baselineEngine, manager, ring, store, logger, version)

	if *configPath != "" {
		go mgr.Watch(3*time.Second, func(next *config.Config) {
			logger.Info("config reloaded", "path", mgr.Path())
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, ctx.Done())
	}

	<-ctx.Done()
	logger.Info("shutting down")
	<-sinkDone
	<-runnerDone
	logger.Info("shutdown complete")
}
