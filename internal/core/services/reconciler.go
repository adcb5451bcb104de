package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/rennalt/gpustudio/internal/core/domain"
	"github.com/rennalt/gpustudio/internal/core/ports"
)

// Reconciler periodically compares the worker registry against the compute
// provider's pod listing. Workers the provider no longer knows are dropped;
// status drift is written back so the registry never claims a dead worker
// is running.
type Reconciler struct {
	logger   *slog.Logger
	workers  ports.WorkerRegistry
	plane    ports.ControlPlane
	apiKey   string
	interval time.Duration
}

func NewReconciler(logger *slog.Logger, workers ports.WorkerRegistry, plane ports.ControlPlane, apiKey string, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		logger:   logger,
		workers:  workers,
		plane:    plane,
		apiKey:   apiKey,
		interval: interval,
	}
}

// Run reconciles on a fixed interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.apiKey == "" {
		r.logger.Info("reconciler disabled: no provider API key configured")
		<-ctx.Done()
		return ctx.Err()
	}

	r.logger.Info("reconciler started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.reconcile(ctx); err != nil {
				r.logger.Warn("reconcile pass failed", "error", err)
			}
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context) error {
	pods, err := r.plane.ListPods(ctx, r.apiKey)
	if err != nil {
		return err
	}

	byID := make(map[domain.WorkerID]ports.PodInfo, len(pods))
	for _, p := range pods {
		byID[domain.WorkerID(p.ID)] = p
	}

	workers, err := r.workers.List(ctx)
	if err != nil {
		return err
	}

	for _, w := range workers {
		pod, ok := byID[w.ID]
		if !ok {
			r.logger.Info("worker gone from provider, removing", "worker_id", w.ID, "name", w.Name)
			if err := r.workers.Remove(ctx, w.ID); err != nil {
				r.logger.Warn("failed to remove stale worker", "worker_id", w.ID, "error", err)
			}
			continue
		}

		if pod.Status != w.Status {
			r.logger.Info("worker status drift",
				"worker_id", w.ID, "registry", w.Status, "provider", pod.Status)
			upd := ports.WorkerUpdate{Status: &pod.Status}
			if pod.Status == domain.WorkerStatusRunning && w.EngineURL == "" {
				upd.EngineURL = &pod.EngineURL
				upd.LogServerURL = &pod.LogServerURL
			}
			if err := r.workers.Update(ctx, w.ID, upd); err != nil {
				r.logger.Warn("failed to write back worker status", "worker_id", w.ID, "error", err)
			}
		}
	}
	return nil
}
