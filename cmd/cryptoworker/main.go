package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cryptoworker/config"
	"cryptoworker/internal/control"
	"cryptoworker/internal/metrics"
	"cryptoworker/internal/worker"
	"cryptoworker/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	shardPath := flag.String("shards", "", "Path to IP shard configuration file (overrides shards_file)")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Worker.Name,
		"version": cfg.Worker.Version,
		"env":     config.AppEnvironment(),
		"venues":  cfg.Venues.Enabled(),
	}).Info("starting cryptoworker")
	log.WithEnv("APP_ENV", "LOG_LEVEL", "AWS_REGION").Debug("process environment")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if logger.ReportEnabled(cfg.Logging.Level) {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Metrics.Prometheus {
		metrics.Init()
	}
	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		logger.InitCloudWatch(ctx, logger.CloudWatchOptions{
			Region:          cw.Region,
			Namespace:       cw.Namespace,
			Dashboard:       cw.Dashboard,
			AccessKeyID:     cw.AccessKeyID,
			SecretAccessKey: cw.SecretAccessKey,
		})
	}

	var shards *config.IPShards
	if path := firstNonEmpty(*shardPath, cfg.ShardsFile); path != "" {
		shards, err = config.LoadIPShards(path)
		if err != nil {
			log.WithError(err).Error("failed to load shard configuration")
			os.Exit(1)
		}
	}

	w, err := worker.New(cfg, shards)
	if err != nil {
		log.WithError(err).Error("failed to build worker")
		os.Exit(1)
	}
	if err := w.Start(ctx); err != nil {
		log.WithError(err).Error("worker failed to start")
		os.Exit(1)
	}

	srv, err := control.NewServer(cfg.Control, w, log)
	if err != nil {
		log.WithError(err).Error("failed to create control API")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	if srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				log.WithError(err).Error("control API stopped")
			}
		}()
	} else {
		log.WithComponent("main").Info("control API disabled")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping worker")
		w.Stop()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("cryptoworker stopped")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
