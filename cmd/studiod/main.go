package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rennalt/gpustudio/internal/adapters/comfyui"
	"github.com/rennalt/gpustudio/internal/adapters/license"
	"github.com/rennalt/gpustudio/internal/adapters/runpod"
	"github.com/rennalt/gpustudio/internal/config"
	"github.com/rennalt/gpustudio/internal/core/ports"
	"github.com/rennalt/gpustudio/internal/core/services"
	"github.com/rennalt/gpustudio/internal/server"
	"github.com/rennalt/gpustudio/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting gpustudio daemon")

	if err := run(logger); err != nil {
		logger.Error("daemon startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	db, err := store.Open(logger, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	jobs, err := store.NewJobStore(db, logger)
	if err != nil {
		return fmt.Errorf("failed to init job store: %w", err)
	}
	workers := store.NewWorkerRegistry(db, logger)
	history := store.NewHistoryStore(db, logger)

	engine := comfyui.NewClient(cfg.UploadTimeout)
	plane := runpod.NewClient(cfg.RunPodAPIURL)

	var usage ports.UsageService
	if cfg.WorkerServiceURL != "" {
		usage = license.NewClient(cfg.WorkerServiceURL)
	} else {
		logger.Info("usage gate disabled: no worker service URL configured")
	}

	bus := services.NewEventBus(logger)

	processor := services.NewProcessor(logger, jobs, workers, history, engine, bus, services.ProcessorConfig{
		PollInterval:      cfg.PollInterval,
		MaxPollFailures:   cfg.MaxPollFailures,
		LogFlushInterval:  cfg.LogFlushInterval,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
	})

	provisioner := services.NewProvisioner(logger, workers, plane, engine, bus, services.ProvisionerConfig{
		APIKey:       cfg.RunPodAPIKey,
		GPUType:      cfg.DefaultGPUType,
		CloudType:    cfg.DefaultCloudType,
		PollInterval: cfg.ProvisionPollInterval,
		Timeout:      cfg.ProvisionTimeout,
		ProbeTimeout: cfg.ReadyProbeTimeout,
	})

	reconciler := services.NewReconciler(logger, workers, plane, cfg.RunPodAPIKey, cfg.ReconcileInterval)
	streamer := services.NewLogStreamer(logger, bus, processor.AppendExternalLog)

	apiServer := server.New(logger, jobs, workers, history, plane, usage,
		processor, provisioner, streamer, bus, cfg.SpoolDir, cfg.RunPodAPIKey)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: apiServer.Handler(),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCancelled(processor.Run(gCtx))
	})
	g.Go(func() error {
		return ignoreCancelled(reconciler.Run(gCtx))
	})
	g.Go(func() error {
		return ignoreCancelled(streamer.Run(gCtx))
	})

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// ignoreCancelled keeps a clean shutdown from being reported as a failure.
func ignoreCancelled(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}
