package domain

import (
	"errors"
	"time"
)

type WorkerID string

// WorkerStatus is the tri-state lifecycle the registry tracks. Provider
// specific enums are collapsed into these by the control-plane adapter.
type WorkerStatus string

const (
	WorkerStatusDeploying WorkerStatus = "deploying"
	WorkerStatusRunning   WorkerStatus = "running"
	WorkerStatusFailed    WorkerStatus = "failed"
)

// Purpose is the capability class of a worker: which workflow kind it can run.
type Purpose string

const (
	PurposeImageToVideo Purpose = "wan2.2"
	PurposeTalkingHead  Purpose = "infinitetalk"
)

type VideoOrientation string

const (
	OrientationHorizontal VideoOrientation = "horizontal"
	OrientationVertical   VideoOrientation = "vertical"
)

// Worker is a handle to a remote GPU compute instance. Endpoint URLs are
// derived from the provider-assigned ID and only set once the worker is
// running.
type Worker struct {
	ID      WorkerID     `json:"id" badgerhold:"key"`
	Name    string       `json:"name"`
	Purpose Purpose      `json:"purpose"`
	Status  WorkerStatus `json:"status"`

	EngineURL    string `json:"engine_url,omitempty"`
	LogServerURL string `json:"log_server_url,omitempty"`

	GPUType    string    `json:"gpu_type,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

var ErrWorkerNotFound = errors.New("worker not found")

// GeneratedVideo is one entry in the durable output history.
type GeneratedVideo struct {
	ID          string           `json:"id" badgerhold:"key"`
	Filename    string           `json:"filename"`
	URL         string           `json:"url"`
	Timestamp   time.Time        `json:"timestamp"`
	Orientation VideoOrientation `json:"orientation"`
	Purpose     Purpose          `json:"purpose"`
}
