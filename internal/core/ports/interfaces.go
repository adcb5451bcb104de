package ports

import (
	"context"

	"github.com/rennalt/gpustudio/internal/core/domain"
)

// JobUpdate is a partial update; nil fields are left untouched. Status
// transitions stamp StartedAt/CompletedAt inside the store so callers cannot
// produce inconsistent timestamp/status pairs.
type JobUpdate struct {
	Status         *domain.JobStatus
	Progress       *int
	Config         *domain.JobConfig
	PromptID       *string
	Error          *string
	OutputFilename *string
	OutputURL      *string
}

// JobStore is the durable table of generation jobs. It is the only way to
// mutate a job after creation.
type JobStore interface {
	// Create persists a new queued job and returns its ID.
	Create(ctx context.Context, cfg domain.JobConfig, workerID domain.WorkerID) (domain.JobID, error)

	// Update applies a partial update. A missing job is logged and ignored,
	// never an error.
	Update(ctx context.Context, id domain.JobID, upd JobUpdate) error

	// Remove deletes the job record.
	Remove(ctx context.Context, id domain.JobID) error

	// AppendLogs appends timestamped lines, trimming to domain.MaxJobLogs FIFO.
	AppendLogs(ctx context.Context, id domain.JobID, lines []string) error

	// ResetForRetry moves a failed job back to queued, clearing progress,
	// error, prompt ID, output fields, timestamps and logs.
	ResetForRetry(ctx context.Context, id domain.JobID) error

	Get(ctx context.Context, id domain.JobID) (domain.Job, error)
	All(ctx context.Context) ([]domain.Job, error)
	ByWorker(ctx context.Context, workerID domain.WorkerID) ([]domain.Job, error)
	RunningByWorker(ctx context.Context, workerID domain.WorkerID) ([]domain.Job, error)
	Queued(ctx context.Context) ([]domain.Job, error)

	ClearTerminal(ctx context.Context) error
	ClearAll(ctx context.Context) error
}

// WorkerUpdate is a partial update for a registered worker.
type WorkerUpdate struct {
	Status       *domain.WorkerStatus
	EngineURL    *string
	LogServerURL *string
	LastUsedAt   bool // stamp LastUsedAt = now
}

// WorkerRegistry is the durable table of remote worker handles. Pure CRUD;
// reconciliation against the provider is the caller's job.
type WorkerRegistry interface {
	Add(ctx context.Context, w domain.Worker) error
	Update(ctx context.Context, id domain.WorkerID, upd WorkerUpdate) error
	Remove(ctx context.Context, id domain.WorkerID) error
	Get(ctx context.Context, id domain.WorkerID) (domain.Worker, error)
	List(ctx context.Context) ([]domain.Worker, error)

	// SetActive marks the worker the UI and provisioner prefer.
	SetActive(ctx context.Context, id domain.WorkerID) error
	Active(ctx context.Context) (domain.Worker, error)
}

// HistoryStore keeps the durable output history and generation counter.
type HistoryStore interface {
	AddVideo(ctx context.Context, v domain.GeneratedVideo) error
	ListVideos(ctx context.Context) ([]domain.GeneratedVideo, error)
	IncrementGenerationCount(ctx context.Context) (int64, error)
	GenerationCount(ctx context.Context) (int64, error)
}

// GPUType describes one GPU offering of the compute provider.
type GPUType struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	MemoryGB    int     `json:"memory_gb"`
	SecureCloud bool    `json:"secure_cloud"`
	SecurePrice float64 `json:"secure_price"`
}

// DeployConfig is the provisioning request passed to the control plane.
type DeployConfig struct {
	Name       string
	TemplateID string
	GPUTypeID  string
	GPUCount   int
	CloudType  string
}

// PodInfo is the provider's view of one compute instance. The adapter fills
// in the proxy endpoint URLs derived from the instance id.
type PodInfo struct {
	ID           string
	Name         string
	Status       domain.WorkerStatus
	HasRuntime   bool
	EngineURL    string
	LogServerURL string
}

// ControlPlane wraps the compute provider's management API. No implicit
// retries: retry policy belongs to the provisioner and processor.
type ControlPlane interface {
	ValidateKey(ctx context.Context, apiKey string) (bool, error)
	ListGPUTypes(ctx context.Context, apiKey string) ([]GPUType, error)
	Deploy(ctx context.Context, apiKey string, cfg DeployConfig) (PodInfo, error)
	PodStatus(ctx context.Context, apiKey string, id string) (PodInfo, error)
	Terminate(ctx context.Context, apiKey string, id string) error
	ListPods(ctx context.Context, apiKey string) ([]PodInfo, error)
}

// HistoryState is the engine's verdict for a submitted prompt.
type HistoryState string

const (
	HistoryRunning   HistoryState = "running"
	HistoryCompleted HistoryState = "completed"
	HistoryFailed    HistoryState = "failed"
)

// HistoryResult is a normalized poll result from the engine.
type HistoryResult struct {
	State          HistoryState
	OutputFilename string
	Error          string
}

// EngineClient wraps the execution engine running on a worker.
type EngineClient interface {
	// UploadFile uploads local media and returns the server-side filename.
	UploadFile(ctx context.Context, baseURL string, path string) (string, error)

	// BuildWorkflow maps a job config into the engine's workflow body for
	// its workflow kind. Pure; fails when required uploads are missing.
	BuildWorkflow(cfg domain.JobConfig) (map[string]any, error)

	// QueuePrompt submits a workflow and returns the engine's prompt ID.
	QueuePrompt(ctx context.Context, baseURL string, workflow map[string]any) (string, error)

	// GetHistory polls the engine's record of a submitted prompt.
	GetHistory(ctx context.Context, baseURL string, promptID string) (HistoryResult, error)

	// Interrupt asks the engine to stop the currently executing prompt.
	Interrupt(ctx context.Context, baseURL string) error

	// ProbeReady checks the engine's readiness path.
	ProbeReady(ctx context.Context, baseURL string) error

	// OutputURL builds the fetch URL for an output file.
	OutputURL(baseURL string, filename string) string
}

// UsageStatus is the edge service's verdict on whether a device may generate.
type UsageStatus struct {
	Allowed  bool   `json:"allowed"`
	IsPro    bool   `json:"is_pro"`
	Limit    int    `json:"limit,omitempty"`
	Used     int    `json:"used,omitempty"`
	ResetsIn string `json:"resets_in,omitempty"`
}

// UsageService is the licensing/usage edge collaborator. The API layer gates
// job creation on it and records usage once a job is accepted.
type UsageService interface {
	CheckUsage(ctx context.Context, fingerprint string) (UsageStatus, error)
	RecordUsage(ctx context.Context, fingerprint string) (int, error)
	ActivateLicense(ctx context.Context, key, fingerprint string) (string, error)
}
