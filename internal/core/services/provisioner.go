package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rennalt/gpustudio/internal/core/domain"
	"github.com/rennalt/gpustudio/internal/core/ports"
)

// ProvisionError reports why a worker could not be made available, and
// whether retrying or falling back to manual deployment makes sense.
type ProvisionError struct {
	Message        string
	Retryable      bool
	ManualFallback bool
	Cause          error
}

func (e *ProvisionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProvisionError) Unwrap() error { return e.Cause }

// templateByPurpose maps a capability class to the provider's provisioning
// template.
var templateByPurpose = map[domain.Purpose]string{
	domain.PurposeImageToVideo: "6au21jp9c9",
	domain.PurposeTalkingHead:  "qvidd7ityi",
}

// ProvisionerConfig tunes the provisioning timeouts.
type ProvisionerConfig struct {
	APIKey       string
	GPUType      string
	CloudType    string
	PollInterval time.Duration // provider status poll
	Timeout      time.Duration // overall ceiling
	ProbeTimeout time.Duration // engine readiness sub-ceiling
	ProbeSpacing time.Duration // delay between readiness attempts
}

func (c *ProvisionerConfig) defaults() {
	if c.GPUType == "" {
		c.GPUType = "NVIDIA GeForce RTX 4090"
	}
	if c.CloudType == "" {
		c.CloudType = "COMMUNITY"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Minute
	}
	if c.ProbeSpacing <= 0 {
		c.ProbeSpacing = 4 * time.Second
	}
}

// Provisioner finds or creates a running worker for a capability. It hides
// the two independent boot layers (outer pod, inner engine) behind one call
// that reports precisely which layer failed.
type Provisioner struct {
	logger  *slog.Logger
	workers ports.WorkerRegistry
	plane   ports.ControlPlane
	engine  ports.EngineClient
	bus     *EventBus
	cfg     ProvisionerConfig

	group singleflight.Group
}

func NewProvisioner(
	logger *slog.Logger,
	workers ports.WorkerRegistry,
	plane ports.ControlPlane,
	engine ports.EngineClient,
	bus *EventBus,
	cfg ProvisionerConfig,
) *Provisioner {
	cfg.defaults()
	return &Provisioner{
		logger:  logger,
		workers: workers,
		plane:   plane,
		engine:  engine,
		bus:     bus,
		cfg:     cfg,
	}
}

// EnsureAvailable returns a running, reachable worker for the purpose,
// reusing an existing one or provisioning and warming a new one. Concurrent
// calls for the same purpose share a single provisioning attempt.
func (p *Provisioner) EnsureAvailable(ctx context.Context, purpose domain.Purpose) (domain.WorkerID, error) {
	v, err, _ := p.group.Do(string(purpose), func() (any, error) {
		return p.ensure(ctx, purpose)
	})
	if err != nil {
		return "", err
	}
	return v.(domain.WorkerID), nil
}

func (p *Provisioner) ensure(ctx context.Context, purpose domain.Purpose) (domain.WorkerID, error) {
	// 1. The active worker, when running and reachable, wins regardless of
	// capability; only the registry scan below filters by purpose.
	if active, err := p.workers.Active(ctx); err == nil {
		if active.Status == domain.WorkerStatusRunning && active.EngineURL != "" {
			return active.ID, nil
		}
	}

	// 2. Any running worker with the right capability.
	workers, err := p.workers.List(ctx)
	if err != nil {
		return "", &ProvisionError{Message: "failed to read worker registry", Retryable: true, Cause: err}
	}
	for _, w := range workers {
		if w.Status == domain.WorkerStatusRunning && w.Purpose == purpose && w.EngineURL != "" {
			if err := p.workers.SetActive(ctx, w.ID); err != nil {
				p.logger.Warn("failed to mark worker active", "worker_id", w.ID, "error", err)
			}
			return w.ID, nil
		}
	}

	// 3. Provision a fresh one.
	if p.cfg.APIKey == "" {
		return "", &ProvisionError{
			Message:        "compute provider API key not set",
			Retryable:      false,
			ManualFallback: true,
		}
	}

	return p.provision(ctx, purpose)
}

func (p *Provisioner) provision(ctx context.Context, purpose domain.Purpose) (domain.WorkerID, error) {
	templateID, ok := templateByPurpose[purpose]
	if !ok {
		return "", &ProvisionError{
			Message:        fmt.Sprintf("no provisioning template for capability %q", purpose),
			Retryable:      false,
			ManualFallback: true,
		}
	}

	name := fmt.Sprintf("studio-%s-%04d", purpose, time.Now().Unix()%10000)
	p.progress(purpose, "Starting a new worker...")

	pod, err := p.plane.Deploy(ctx, p.cfg.APIKey, ports.DeployConfig{
		Name:       name,
		TemplateID: templateID,
		GPUTypeID:  p.cfg.GPUType,
		GPUCount:   1,
		CloudType:  p.cfg.CloudType,
	})
	if err != nil {
		return "", &ProvisionError{Message: "worker deployment failed", Retryable: true, ManualFallback: true, Cause: err}
	}

	workerID := domain.WorkerID(pod.ID)
	now := time.Now()
	if err := p.workers.Add(ctx, domain.Worker{
		ID:         workerID,
		Name:       name,
		Purpose:    purpose,
		Status:     domain.WorkerStatusDeploying,
		GPUType:    p.cfg.GPUType,
		CreatedAt:  now,
		LastUsedAt: now,
	}); err != nil {
		return "", &ProvisionError{Message: "failed to register worker", Retryable: true, Cause: err}
	}

	p.progress(purpose, "Warming up the worker...")
	info, err := p.waitRunning(ctx, purpose, workerID)
	if err != nil {
		return "", err
	}

	if err := p.workers.Update(ctx, workerID, ports.WorkerUpdate{
		Status:       statusPtr(domain.WorkerStatusRunning),
		EngineURL:    &info.EngineURL,
		LogServerURL: &info.LogServerURL,
	}); err != nil {
		return "", &ProvisionError{Message: "failed to update worker registry", Retryable: true, Cause: err}
	}
	if err := p.workers.SetActive(ctx, workerID); err != nil {
		p.logger.Warn("failed to mark worker active", "worker_id", workerID, "error", err)
	}

	// The pod reports running before the engine inside it accepts requests.
	p.progress(purpose, "Waiting for the engine to come up...")
	if err := p.probeEngine(ctx, info.EngineURL); err != nil {
		return "", err
	}

	p.progress(purpose, "Worker ready")
	p.logger.Info("worker provisioned", "worker_id", workerID, "purpose", purpose)
	return workerID, nil
}

// waitRunning polls the control plane until the pod reports running with a
// live runtime, is reported gone, or the overall ceiling elapses.
func (p *Provisioner) waitRunning(ctx context.Context, purpose domain.Purpose, workerID domain.WorkerID) (ports.PodInfo, error) {
	deadline := time.Now().Add(p.cfg.Timeout)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ports.PodInfo{}, &ProvisionError{Message: "provisioning aborted", Retryable: true, Cause: ctx.Err()}
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			return ports.PodInfo{}, &ProvisionError{
				Message:        "worker deployment timed out",
				Retryable:      true,
				ManualFallback: true,
			}
		}

		info, err := p.plane.PodStatus(ctx, p.cfg.APIKey, string(workerID))
		if err != nil {
			p.logger.Warn("provider status poll failed", "worker_id", workerID, "error", err)
			continue
		}

		switch {
		case info.Status == domain.WorkerStatusRunning && info.HasRuntime:
			return info, nil
		case info.Status == domain.WorkerStatusFailed:
			// The provider gave up on it; drop the stale handle.
			if err := p.workers.Remove(ctx, workerID); err != nil {
				p.logger.Warn("failed to drop dead worker", "worker_id", workerID, "error", err)
			}
			return ports.PodInfo{}, &ProvisionError{
				Message:        "worker failed to start",
				Retryable:      true,
				ManualFallback: true,
			}
		default:
			p.progress(purpose, "Still warming up...")
		}
	}
}

// probeEngine retries the readiness path until it answers OK or the
// sub-ceiling elapses. The per-attempt timeout lives in the engine client.
func (p *Provisioner) probeEngine(ctx context.Context, engineURL string) error {
	budget := p.cfg.ProbeTimeout
	if p.cfg.Timeout < budget {
		budget = p.cfg.Timeout
	}
	deadline := time.Now().Add(budget)

	for {
		if err := p.engine.ProbeReady(ctx, engineURL); err == nil {
			return nil
		}

		if time.Now().After(deadline) {
			return &ProvisionError{
				Message:        "worker is running but the engine is still warming up; retry shortly",
				Retryable:      true,
				ManualFallback: true,
			}
		}

		select {
		case <-ctx.Done():
			return &ProvisionError{Message: "provisioning aborted", Retryable: true, Cause: ctx.Err()}
		case <-time.After(p.cfg.ProbeSpacing):
		}
	}
}

func (p *Provisioner) progress(purpose domain.Purpose, msg string) {
	p.logger.Info("provisioning", "purpose", purpose, "msg", msg)
	if p.bus != nil {
		p.bus.Publish(Event{
			Scope: "provisioner",
			Type:  EventTypeStatus,
			Data:  msg,
		})
	}
}

func statusPtr(s domain.WorkerStatus) *domain.WorkerStatus { return &s }
