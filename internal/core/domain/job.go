package domain

import (
	"errors"
	"time"
)

type JobID string

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusUploading  JobStatus = "uploading"
	JobStatusGenerating JobStatus = "generating"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsActive reports whether the job currently occupies its worker
// (uploading or generating). Queued and terminal jobs do not.
func (s JobStatus) IsActive() bool {
	return s == JobStatusUploading || s == JobStatusGenerating
}

// MaxJobLogs caps the per-job log history. Older entries are dropped FIFO.
const MaxJobLogs = 100

// JobConfig holds the input parameters of a generation request.
//
// ImagePath/AudioPath point at spooled files on local disk and are never
// persisted as part of the job record; only the remote filenames assigned by
// the engine after upload survive a restart.
type JobConfig struct {
	ImagePath string `json:"-"`
	AudioPath string `json:"-"`

	Prompt        string           `json:"prompt"`
	Orientation   VideoOrientation `json:"orientation"`
	MaxFrames     int              `json:"max_frames"`
	WorkflowKind  Purpose          `json:"workflow_kind"`
	AudioCfgScale float64          `json:"audio_cfg_scale,omitempty"`

	// Set after the corresponding upload completes.
	ImageFileName string `json:"image_file_name,omitempty"`
	AudioFileName string `json:"audio_file_name,omitempty"`
}

// Job is one generation request, bound to a single worker for its lifetime.
type Job struct {
	ID       JobID    `json:"id" badgerhold:"key"`
	WorkerID WorkerID `json:"worker_id"`

	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Config   JobConfig `json:"config"`
	Logs     []string  `json:"logs"`

	// PromptID is the engine-side identifier, set once submission succeeds.
	PromptID string `json:"prompt_id,omitempty"`
	Error    string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	OutputFilename string `json:"output_filename,omitempty"`
	OutputURL      string `json:"output_url,omitempty"`
}

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobNotFailed = errors.New("job is not in a failed state")
)
