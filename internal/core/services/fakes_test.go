package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rennalt/gpustudio/internal/core/domain"
	"github.com/rennalt/gpustudio/internal/core/ports"
)

// memJobStore is an in-memory ports.JobStore with the same update and
// trimming semantics as the badger-backed store.
type memJobStore struct {
	mu   sync.Mutex
	jobs map[domain.JobID]domain.Job
	seq  int
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[domain.JobID]domain.Job)}
}

func (s *memJobStore) Create(ctx context.Context, cfg domain.JobConfig, workerID domain.WorkerID) (domain.JobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := domain.JobID(fmt.Sprintf("job-%d", s.seq))
	s.jobs[id] = domain.Job{
		ID:        id,
		WorkerID:  workerID,
		Status:    domain.JobStatusQueued,
		Config:    cfg,
		Logs:      []string{},
		CreatedAt: time.Now().Add(time.Duration(s.seq) * time.Millisecond),
	}
	return id, nil
}

func (s *memJobStore) Update(ctx context.Context, id domain.JobID, upd ports.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	if upd.Config != nil {
		job.Config = *upd.Config
	}
	if upd.Progress != nil {
		job.Progress = *upd.Progress
	}
	if upd.PromptID != nil {
		job.PromptID = *upd.PromptID
	}
	if upd.Error != nil {
		job.Error = *upd.Error
	}
	if upd.OutputFilename != nil {
		job.OutputFilename = *upd.OutputFilename
	}
	if upd.OutputURL != nil {
		job.OutputURL = *upd.OutputURL
	}
	if upd.Status != nil && *upd.Status != job.Status {
		now := time.Now()
		if *upd.Status == domain.JobStatusUploading && job.StartedAt == nil {
			job.StartedAt = &now
		}
		if upd.Status.IsTerminal() {
			job.CompletedAt = &now
		}
		job.Status = *upd.Status
	}
	s.jobs[id] = job
	return nil
}

func (s *memJobStore) Remove(ctx context.Context, id domain.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *memJobStore) AppendLogs(ctx context.Context, id domain.JobID, lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	job.Logs = append(job.Logs, lines...)
	if len(job.Logs) > domain.MaxJobLogs {
		job.Logs = job.Logs[len(job.Logs)-domain.MaxJobLogs:]
	}
	s.jobs[id] = job
	return nil
}

func (s *memJobStore) ResetForRetry(ctx context.Context, id domain.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusFailed {
		return domain.ErrJobNotFailed
	}
	job.Status = domain.JobStatusQueued
	job.Progress = 0
	job.Error = ""
	job.PromptID = ""
	job.StartedAt = nil
	job.CompletedAt = nil
	job.OutputFilename = ""
	job.OutputURL = ""
	job.Logs = []string{}
	s.jobs[id] = job
	return nil
}

func (s *memJobStore) Get(ctx context.Context, id domain.JobID) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (s *memJobStore) All(ctx context.Context) ([]domain.Job, error) {
	return s.filter(func(domain.Job) bool { return true }), nil
}

func (s *memJobStore) ByWorker(ctx context.Context, workerID domain.WorkerID) ([]domain.Job, error) {
	return s.filter(func(j domain.Job) bool { return j.WorkerID == workerID }), nil
}

func (s *memJobStore) RunningByWorker(ctx context.Context, workerID domain.WorkerID) ([]domain.Job, error) {
	return s.filter(func(j domain.Job) bool {
		return j.WorkerID == workerID && j.Status.IsActive()
	}), nil
}

func (s *memJobStore) Queued(ctx context.Context) ([]domain.Job, error) {
	return s.filter(func(j domain.Job) bool { return j.Status == domain.JobStatusQueued }), nil
}

func (s *memJobStore) ClearTerminal(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		if j.Status.IsTerminal() {
			delete(s.jobs, id)
		}
	}
	return nil
}

func (s *memJobStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[domain.JobID]domain.Job)
	return nil
}

func (s *memJobStore) filter(keep func(domain.Job) bool) []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// memWorkerRegistry is an in-memory ports.WorkerRegistry.
type memWorkerRegistry struct {
	mu      sync.Mutex
	workers map[domain.WorkerID]domain.Worker
	active  domain.WorkerID
}

func newMemWorkerRegistry() *memWorkerRegistry {
	return &memWorkerRegistry{workers: make(map[domain.WorkerID]domain.Worker)}
}

func (r *memWorkerRegistry) Add(ctx context.Context, w domain.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.ID] = w
	return nil
}

func (r *memWorkerRegistry) Update(ctx context.Context, id domain.WorkerID, upd ports.WorkerUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return domain.ErrWorkerNotFound
	}
	if upd.Status != nil {
		w.Status = *upd.Status
	}
	if upd.EngineURL != nil {
		w.EngineURL = *upd.EngineURL
	}
	if upd.LogServerURL != nil {
		w.LogServerURL = *upd.LogServerURL
	}
	if upd.LastUsedAt {
		w.LastUsedAt = time.Now()
	}
	r.workers[id] = w
	return nil
}

func (r *memWorkerRegistry) Remove(ctx context.Context, id domain.WorkerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
	if r.active == id {
		r.active = ""
	}
	return nil
}

func (r *memWorkerRegistry) Get(ctx context.Context, id domain.WorkerID) (domain.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return domain.Worker{}, domain.ErrWorkerNotFound
	}
	return w, nil
}

func (r *memWorkerRegistry) List(ctx context.Context) ([]domain.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (r *memWorkerRegistry) SetActive(ctx context.Context, id domain.WorkerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[id]; !ok {
		return domain.ErrWorkerNotFound
	}
	r.active = id
	return nil
}

func (r *memWorkerRegistry) Active(ctx context.Context) (domain.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[r.active]
	if !ok {
		return domain.Worker{}, domain.ErrWorkerNotFound
	}
	return w, nil
}

// memHistoryStore is an in-memory ports.HistoryStore.
type memHistoryStore struct {
	mu     sync.Mutex
	videos []domain.GeneratedVideo
	count  int64
}

func (h *memHistoryStore) AddVideo(ctx context.Context, v domain.GeneratedVideo) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.videos = append(h.videos, v)
	return nil
}

func (h *memHistoryStore) ListVideos(ctx context.Context) ([]domain.GeneratedVideo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.GeneratedVideo, len(h.videos))
	copy(out, h.videos)
	return out, nil
}

func (h *memHistoryStore) IncrementGenerationCount(ctx context.Context) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	return h.count, nil
}

func (h *memHistoryStore) GenerationCount(ctx context.Context) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count, nil
}

// fakeEngine is a scriptable ports.EngineClient.
type fakeEngine struct {
	mu          sync.Mutex
	uploadErr   error
	queueErr    error
	probeErr    error
	script      []historyStep
	sticky      historyStep
	interrupted bool
	uploads     []string
}

type historyStep struct {
	result ports.HistoryResult
	err    error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{sticky: historyStep{result: ports.HistoryResult{State: ports.HistoryRunning}}}
}

// scriptHistory queues poll responses; once drained the last entry repeats.
func (e *fakeEngine) scriptHistory(steps ...historyStep) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.script = steps
	if len(steps) > 0 {
		e.sticky = steps[len(steps)-1]
	}
}

func (e *fakeEngine) setSticky(step historyStep) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.script = nil
	e.sticky = step
}

func (e *fakeEngine) UploadFile(ctx context.Context, baseURL string, path string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.uploadErr != nil {
		return "", e.uploadErr
	}
	name := fmt.Sprintf("upload_%d.bin", len(e.uploads)+1)
	e.uploads = append(e.uploads, path)
	return name, nil
}

func (e *fakeEngine) BuildWorkflow(cfg domain.JobConfig) (map[string]any, error) {
	if cfg.ImageFileName == "" {
		return nil, fmt.Errorf("workflow requires an uploaded image")
	}
	return map[string]any{"kind": string(cfg.WorkflowKind)}, nil
}

func (e *fakeEngine) QueuePrompt(ctx context.Context, baseURL string, workflow map[string]any) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queueErr != nil {
		return "", e.queueErr
	}
	return "prompt-1", nil
}

func (e *fakeEngine) GetHistory(ctx context.Context, baseURL string, promptID string) (ports.HistoryResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	step := e.sticky
	if len(e.script) > 0 {
		step = e.script[0]
		e.script = e.script[1:]
	}
	return step.result, step.err
}

func (e *fakeEngine) Interrupt(ctx context.Context, baseURL string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interrupted = true
	return nil
}

func (e *fakeEngine) ProbeReady(ctx context.Context, baseURL string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.probeErr
}

func (e *fakeEngine) OutputURL(baseURL string, filename string) string {
	return baseURL + "/view?filename=" + filename
}

func (e *fakeEngine) wasInterrupted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interrupted
}

// fakeControlPlane is a scriptable ports.ControlPlane.
type fakeControlPlane struct {
	mu         sync.Mutex
	deployed   []ports.DeployConfig
	statusFn   func(id string) (ports.PodInfo, error)
	pods       []ports.PodInfo
	terminated []string
}

func (c *fakeControlPlane) ValidateKey(ctx context.Context, apiKey string) (bool, error) {
	return apiKey != "", nil
}

func (c *fakeControlPlane) ListGPUTypes(ctx context.Context, apiKey string) ([]ports.GPUType, error) {
	return nil, nil
}

func (c *fakeControlPlane) Deploy(ctx context.Context, apiKey string, cfg ports.DeployConfig) (ports.PodInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deployed = append(c.deployed, cfg)
	id := fmt.Sprintf("pod-%d", len(c.deployed))
	return ports.PodInfo{ID: id, Name: cfg.Name, Status: domain.WorkerStatusDeploying}, nil
}

func (c *fakeControlPlane) PodStatus(ctx context.Context, apiKey string, id string) (ports.PodInfo, error) {
	c.mu.Lock()
	fn := c.statusFn
	c.mu.Unlock()
	if fn == nil {
		return ports.PodInfo{ID: id, Status: domain.WorkerStatusDeploying}, nil
	}
	return fn(id)
}

func (c *fakeControlPlane) Terminate(ctx context.Context, apiKey string, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = append(c.terminated, id)
	return nil
}

func (c *fakeControlPlane) ListPods(ctx context.Context, apiKey string) ([]ports.PodInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ports.PodInfo, len(c.pods))
	copy(out, c.pods)
	return out, nil
}
