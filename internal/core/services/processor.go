package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rennalt/gpustudio/internal/core/domain"
	"github.com/rennalt/gpustudio/internal/core/ports"
)

// ProcessorConfig tunes the job processor's timers and budgets.
type ProcessorConfig struct {
	PollInterval      time.Duration
	MaxPollFailures   int
	LogFlushInterval  time.Duration
	MaxConcurrentJobs int64
}

func (c *ProcessorConfig) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = 3
	}
	if c.LogFlushInterval <= 0 {
		c.LogFlushInterval = 2 * time.Second
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 10
	}
}

// cancelledByUser is the sentinel error text distinguishing a deliberate
// cancellation from a real failure.
const cancelledByUser = "Cancelled by user"

// Processor drives each job through upload, submission and polling. One
// instance owns all pollers; at most one job per worker is active at a time.
type Processor struct {
	logger  *slog.Logger
	jobs    ports.JobStore
	workers ports.WorkerRegistry
	history ports.HistoryStore
	engine  ports.EngineClient
	bus     *EventBus
	cfg     ProcessorConfig

	// Global ceiling on simultaneously active jobs across all workers,
	// in front of the per-worker gate.
	sem *semaphore.Weighted

	mu sync.Mutex
	// active claims one slot per worker; it is the in-memory side of the
	// concurrency gate (the store's RunningByWorker is the durable side).
	active map[domain.WorkerID]domain.JobID
	// cancels holds the per-job cancel funcs backing the
	// at-most-one-active-poller-per-job rule.
	cancels map[domain.JobID]context.CancelFunc
	buffers map[domain.JobID][]string

	baseCtx context.Context
}

func NewProcessor(
	logger *slog.Logger,
	jobs ports.JobStore,
	workers ports.WorkerRegistry,
	history ports.HistoryStore,
	engine ports.EngineClient,
	bus *EventBus,
	cfg ProcessorConfig,
) *Processor {
	cfg.defaults()
	return &Processor{
		logger:  logger,
		jobs:    jobs,
		workers: workers,
		history: history,
		engine:  engine,
		bus:     bus,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentJobs),
		active:  make(map[domain.WorkerID]domain.JobID),
		cancels: make(map[domain.JobID]context.CancelFunc),
		buffers: make(map[domain.JobID][]string),
		baseCtx: context.Background(),
	}
}

// Run starts the periodic log-buffer flush. Blocks until ctx is cancelled,
// then tears down all active pollers.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	p.baseCtx = ctx
	p.mu.Unlock()

	ticker := time.NewTicker(p.cfg.LogFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.stopAll()
			return nil
		case <-ticker.C:
			p.flushAll()
		}
	}
}

// Process starts a queued job if its worker is free. A busy worker leaves
// the job queued; it will be promoted when the worker frees up.
func (p *Processor) Process(ctx context.Context, jobID domain.JobID) error {
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusQueued {
		return fmt.Errorf("job %s is %s, not queued", jobID, job.Status)
	}

	worker, err := p.workers.Get(ctx, job.WorkerID)
	if err != nil || worker.Status != domain.WorkerStatusRunning || worker.EngineURL == "" {
		// Configuration problem, not transient: fail immediately.
		p.terminate(jobID, "Worker not available or engine endpoint not set")
		return nil
	}

	if !p.claim(job.WorkerID, jobID) {
		p.logger.Debug("worker busy, job stays queued", "job_id", jobID, "worker_id", job.WorkerID)
		return nil
	}

	jobCtx, cancel := context.WithCancel(p.base())
	p.mu.Lock()
	p.cancels[jobID] = cancel
	p.mu.Unlock()

	go p.run(jobCtx, jobID, worker)
	return nil
}

// run owns a job from admission to terminal state. Terminal writes happen
// here or in Cancel, never in both: terminate() refuses to overwrite a
// job that is already terminal.
func (p *Processor) run(ctx context.Context, jobID domain.JobID, worker domain.Worker) {
	defer func() {
		p.mu.Lock()
		if cancel, ok := p.cancels[jobID]; ok {
			cancel()
			delete(p.cancels, jobID)
		}
		delete(p.active, worker.ID)
		p.mu.Unlock()
		p.promoteNext(worker.ID)
	}()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)

	p.addLog(jobID, fmt.Sprintf("Starting job %s on worker %s", jobID, worker.Name))
	_ = p.workers.Update(ctx, worker.ID, ports.WorkerUpdate{LastUsedAt: true})

	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		p.logger.Error("job disappeared before processing", "job_id", jobID)
		return
	}

	cfg, ok := p.uploadPhase(ctx, jobID, job, worker)
	if !ok {
		return
	}

	promptID, ok := p.submitPhase(ctx, jobID, cfg, worker)
	if !ok {
		return
	}

	p.pollUntilDone(ctx, jobID, promptID, worker)
}

// uploadPhase uploads the image, then audio when the workflow kind needs it.
// Each remote filename is written back into the job config before the next
// step so a later retry does not re-upload finished assets.
func (p *Processor) uploadPhase(ctx context.Context, jobID domain.JobID, job domain.Job, worker domain.Worker) (domain.JobConfig, bool) {
	p.setStatus(ctx, jobID, domain.JobStatusUploading)

	cfg := job.Config
	if cfg.ImagePath == "" {
		p.terminate(jobID, "Source media is no longer available; re-submit the job with fresh files")
		return cfg, false
	}

	p.addLog(jobID, "Uploading image...")
	imageName, err := p.engine.UploadFile(ctx, worker.EngineURL, cfg.ImagePath)
	if err != nil {
		p.terminate(jobID, fmt.Sprintf("Image upload failed: %v", err))
		return cfg, false
	}
	cfg.ImageFileName = imageName
	p.addLog(jobID, fmt.Sprintf("Image uploaded: %s", imageName))
	if err := p.jobs.Update(ctx, jobID, ports.JobUpdate{Config: &cfg}); err != nil {
		p.logger.Error("failed to save uploaded image name", "job_id", jobID, "error", err)
	}

	if cfg.WorkflowKind == domain.PurposeTalkingHead {
		if cfg.AudioPath == "" {
			p.terminate(jobID, "Talking-head generation requires an audio file")
			return cfg, false
		}
		p.addLog(jobID, "Uploading audio...")
		audioName, err := p.engine.UploadFile(ctx, worker.EngineURL, cfg.AudioPath)
		if err != nil {
			p.terminate(jobID, fmt.Sprintf("Audio upload failed: %v", err))
			return cfg, false
		}
		cfg.AudioFileName = audioName
		p.addLog(jobID, fmt.Sprintf("Audio uploaded: %s", audioName))
		if err := p.jobs.Update(ctx, jobID, ports.JobUpdate{Config: &cfg}); err != nil {
			p.logger.Error("failed to save uploaded audio name", "job_id", jobID, "error", err)
		}
	}

	return cfg, true
}

// submitPhase builds the workflow body and queues it on the engine,
// recording the remote prompt ID before polling begins.
func (p *Processor) submitPhase(ctx context.Context, jobID domain.JobID, cfg domain.JobConfig, worker domain.Worker) (string, bool) {
	p.addLog(jobID, "Preparing workflow...")
	p.setStatus(ctx, jobID, domain.JobStatusGenerating)

	workflow, err := p.engine.BuildWorkflow(cfg)
	if err != nil {
		p.terminate(jobID, fmt.Sprintf("Workflow preparation failed: %v", err))
		return "", false
	}

	p.addLog(jobID, "Queueing workflow on engine...")
	promptID, err := p.engine.QueuePrompt(ctx, worker.EngineURL, workflow)
	if err != nil {
		p.terminate(jobID, fmt.Sprintf("Workflow submission failed: %v", err))
		return "", false
	}

	if err := p.jobs.Update(ctx, jobID, ports.JobUpdate{PromptID: &promptID}); err != nil {
		p.logger.Error("failed to save prompt id", "job_id", jobID, "error", err)
	}
	p.addLog(jobID, fmt.Sprintf("Workflow queued with prompt ID: %s", promptID))
	return promptID, true
}

// pollUntilDone queries remote history at a fixed interval until the job
// reaches a terminal state or the consecutive-failure budget is spent.
// Polls never overlap: the next tick waits for this loop iteration.
func (p *Processor) pollUntilDone(ctx context.Context, jobID domain.JobID, promptID string, worker domain.Worker) {
	p.addLog(jobID, "Generation in progress, polling for completion...")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	started := time.Now()
	if job, err := p.jobs.Get(ctx, jobID); err == nil && job.StartedAt != nil {
		started = *job.StartedAt
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := p.engine.GetHistory(ctx, worker.EngineURL, promptID)
			if err != nil {
				failures++
				p.logger.Warn("poll failed", "job_id", jobID, "failures", failures,
					"max", p.cfg.MaxPollFailures, "error", err)
				if failures >= p.cfg.MaxPollFailures {
					p.terminate(jobID, fmt.Sprintf("Worker unreachable after %d retries: %v", failures, err))
					return
				}
				continue
			}
			failures = 0

			switch result.State {
			case ports.HistoryCompleted:
				p.complete(ctx, jobID, result.OutputFilename, worker)
				return
			case ports.HistoryFailed:
				msg := result.Error
				if msg == "" {
					msg = "Generation failed"
				}
				p.terminate(jobID, msg)
				return
			default:
				// The engine reports no real progress; estimate from wall
				// time, never claiming more than 90 until confirmed done.
				progress := min(90, int(time.Since(started).Seconds()))
				_ = p.jobs.Update(ctx, jobID, ports.JobUpdate{Progress: &progress})
				p.bus.Publish(Event{
					Scope: string(jobID),
					Type:  EventTypeProgress,
					Data:  fmt.Sprintf("%d", progress),
				})
			}
		}
	}
}

// complete finishes a job: output reference, history entry, generation
// counter, then promotion of the worker's next queued job (via run's
// deferred cleanup).
func (p *Processor) complete(ctx context.Context, jobID domain.JobID, filename string, worker domain.Worker) {
	outputURL := p.engine.OutputURL(worker.EngineURL, filename)

	p.flush(jobID)
	status := domain.JobStatusCompleted
	progress := 100
	if err := p.jobs.Update(ctx, jobID, ports.JobUpdate{
		Status:         &status,
		Progress:       &progress,
		OutputFilename: &filename,
		OutputURL:      &outputURL,
	}); err != nil {
		p.logger.Error("failed to save completed job", "job_id", jobID, "error", err)
	}
	p.publishStatus(jobID, status)

	if job, err := p.jobs.Get(ctx, jobID); err == nil {
		if err := p.history.AddVideo(ctx, domain.GeneratedVideo{
			ID:          string(jobID),
			Filename:    filename,
			URL:         outputURL,
			Timestamp:   time.Now(),
			Orientation: job.Config.Orientation,
			Purpose:     job.Config.WorkflowKind,
		}); err != nil {
			p.logger.Error("failed to record video history", "job_id", jobID, "error", err)
		}
	}
	if _, err := p.history.IncrementGenerationCount(ctx); err != nil {
		p.logger.Error("failed to bump generation counter", "error", err)
	}
	p.addLog(jobID, fmt.Sprintf("Generation completed. Output: %s", filename))
	p.flush(jobID)
	p.logger.Info("job completed", "job_id", jobID, "output", filename)
}

// terminate fails a job unless it already reached a terminal state (a
// cancellation may have beaten us to it).
func (p *Processor) terminate(jobID domain.JobID, msg string) {
	ctx := context.Background()
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil || job.Status.IsTerminal() {
		return
	}

	p.flush(jobID)
	status := domain.JobStatusFailed
	if err := p.jobs.Update(ctx, jobID, ports.JobUpdate{Status: &status, Error: &msg}); err != nil {
		p.logger.Error("failed to save failed job", "job_id", jobID, "error", err)
	}
	p.publishStatus(jobID, status)
	p.addLog(jobID, fmt.Sprintf("Generation failed: %s", msg))
	p.flush(jobID)
	p.logger.Error("job failed", "job_id", jobID, "error", msg)
}

// Cancel removes a queued job, or interrupts and fails an active one.
func (p *Processor) Cancel(ctx context.Context, jobID domain.JobID) error {
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	switch {
	case job.Status == domain.JobStatusQueued:
		return p.jobs.Remove(ctx, jobID)

	case job.Status.IsActive():
		// Best effort: the engine may already be gone.
		if worker, werr := p.workers.Get(ctx, job.WorkerID); werr == nil && worker.EngineURL != "" {
			p.addLog(jobID, "Cancelling generation on worker...")
			if ierr := p.engine.Interrupt(ctx, worker.EngineURL); ierr != nil {
				p.logger.Warn("interrupt failed", "job_id", jobID, "error", ierr)
			}
		}
		p.terminate(jobID, cancelledByUser)
		p.stopPoller(jobID)
		return nil

	default:
		return fmt.Errorf("job %s is already %s", jobID, job.Status)
	}
}

// Retry re-queues a failed job and starts it immediately when its worker is
// idle.
func (p *Processor) Retry(ctx context.Context, jobID domain.JobID) error {
	if err := p.jobs.ResetForRetry(ctx, jobID); err != nil {
		return err
	}

	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if p.workerIdle(ctx, job.WorkerID) {
		return p.Process(ctx, jobID)
	}
	return nil
}

// AppendExternalLog feeds a line from the live log stream into the job's
// buffered log sink.
func (p *Processor) AppendExternalLog(jobID domain.JobID, line string) {
	p.addLog(jobID, line)
}

// workerIdle reports whether the concurrency gate would admit a job now.
func (p *Processor) workerIdle(ctx context.Context, workerID domain.WorkerID) bool {
	p.mu.Lock()
	_, claimed := p.active[workerID]
	p.mu.Unlock()
	if claimed {
		return false
	}
	running, err := p.jobs.RunningByWorker(ctx, workerID)
	return err == nil && len(running) == 0
}

// claim takes the per-worker slot. Both the in-memory claim and the durable
// running set are checked so the gate holds across promotion races and
// restarts.
func (p *Processor) claim(workerID domain.WorkerID, jobID domain.JobID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.active[workerID]; busy {
		return false
	}
	running, err := p.jobs.RunningByWorker(context.Background(), workerID)
	if err != nil || len(running) > 0 {
		return false
	}
	p.active[workerID] = jobID
	return true
}

// promoteNext starts the earliest queued job bound to the worker, if any.
// Claiming makes this single-flight: concurrent calls start at most one.
func (p *Processor) promoteNext(workerID domain.WorkerID) {
	ctx := p.base()
	queued, err := p.jobs.Queued(ctx)
	if err != nil {
		p.logger.Error("failed to list queued jobs for promotion", "error", err)
		return
	}
	for _, job := range queued {
		if job.WorkerID != workerID {
			continue
		}
		p.logger.Info("promoting next queued job", "job_id", job.ID, "worker_id", workerID)
		if err := p.Process(ctx, job.ID); err != nil {
			p.logger.Error("promotion failed", "job_id", job.ID, "error", err)
		}
		return
	}
}

// base returns the lifecycle context under the mutex; Run swaps it in after
// startup, so unguarded reads would race.
func (p *Processor) base() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baseCtx
}

func (p *Processor) stopPoller(jobID domain.JobID) {
	p.mu.Lock()
	cancel, ok := p.cancels[jobID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *Processor) stopAll() {
	p.mu.Lock()
	for _, cancel := range p.cancels {
		cancel()
	}
	p.mu.Unlock()
	p.flushAll()
}

func (p *Processor) setStatus(ctx context.Context, jobID domain.JobID, status domain.JobStatus) {
	if err := p.jobs.Update(ctx, jobID, ports.JobUpdate{Status: &status}); err != nil {
		p.logger.Error("failed to save job status", "job_id", jobID, "status", status, "error", err)
	}
	p.publishStatus(jobID, status)
}

func (p *Processor) publishStatus(jobID domain.JobID, status domain.JobStatus) {
	p.bus.Publish(Event{
		Scope: string(jobID),
		Type:  EventTypeStatus,
		Data:  string(status),
	})
}

// addLog buffers a timestamped line; the periodic flush and the terminal
// transitions copy buffers into the durable record. This keeps per-event
// store writes off the hot path.
func (p *Processor) addLog(jobID domain.JobID, msg string) {
	line := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), msg)

	p.mu.Lock()
	p.buffers[jobID] = append(p.buffers[jobID], line)
	p.mu.Unlock()

	p.bus.Publish(Event{
		Scope: string(jobID),
		Type:  EventTypeLog,
		Data:  line,
	})
}

func (p *Processor) flush(jobID domain.JobID) {
	p.mu.Lock()
	buf := p.buffers[jobID]
	delete(p.buffers, jobID)
	p.mu.Unlock()

	if len(buf) == 0 {
		return
	}
	if err := p.jobs.AppendLogs(context.Background(), jobID, buf); err != nil {
		p.logger.Error("failed to flush job logs", "job_id", jobID, "error", err)
	}
}

func (p *Processor) flushAll() {
	p.mu.Lock()
	ids := make([]domain.JobID, 0, len(p.buffers))
	for id := range p.buffers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.flush(id)
	}
}
