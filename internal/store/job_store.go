package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timshannon/badgerhold/v4"

	"github.com/rennalt/gpustudio/internal/core/domain"
	"github.com/rennalt/gpustudio/internal/core/ports"
)

// mediaPaths are the process-local locations of a job's source files. They
// are deliberately kept out of the persisted record: after a restart a job
// that had not finished uploading has lost its media and must be resubmitted.
type mediaPaths struct {
	image string
	audio string
}

// JobStore is the badger-backed durable job table.
type JobStore struct {
	db     *DB
	logger *slog.Logger

	mu    sync.RWMutex
	media map[domain.JobID]mediaPaths
}

var _ ports.JobStore = (*JobStore)(nil)

// NewJobStore opens the job table and recovers jobs that were mid-flight
// when the process last stopped: uploading/generating are meaningless
// without their poller, so they are reset to queued.
func NewJobStore(db *DB, logger *slog.Logger) (*JobStore, error) {
	s := &JobStore{
		db:     db,
		logger: logger,
		media:  make(map[domain.JobID]mediaPaths),
	}
	if err := s.recoverInterrupted(); err != nil {
		return nil, fmt.Errorf("job recovery failed: %w", err)
	}
	return s, nil
}

func (s *JobStore) recoverInterrupted() error {
	var stranded []domain.Job
	query := badgerhold.Where("Status").In(domain.JobStatusUploading, domain.JobStatusGenerating)
	if err := s.db.Store().Find(&stranded, query); err != nil {
		return fmt.Errorf("failed to scan for interrupted jobs: %w", err)
	}

	for i := range stranded {
		job := stranded[i]
		s.logger.Warn("resetting interrupted job to queued",
			"job_id", job.ID, "previous_status", job.Status, "progress", job.Progress)

		job.Status = domain.JobStatusQueued
		job.Progress = 0
		job.PromptID = ""
		job.StartedAt = nil
		job.Logs = appendTrimmed(job.Logs,
			timestamped("Process restarted; job was interrupted and has been re-queued"))

		if err := s.db.Store().Upsert(job.ID, &job); err != nil {
			return fmt.Errorf("failed to reset job %s: %w", job.ID, err)
		}
	}
	return nil
}

func (s *JobStore) Create(ctx context.Context, cfg domain.JobConfig, workerID domain.WorkerID) (domain.JobID, error) {
	id := domain.JobID("job-" + uuid.New().String())

	s.mu.Lock()
	s.media[id] = mediaPaths{image: cfg.ImagePath, audio: cfg.AudioPath}
	s.mu.Unlock()

	job := domain.Job{
		ID:        id,
		WorkerID:  workerID,
		Status:    domain.JobStatusQueued,
		Progress:  0,
		Config:    cfg,
		Logs:      []string{},
		CreatedAt: time.Now(),
	}

	if err := s.persist(&job); err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}
	return id, nil
}

func (s *JobStore) Update(ctx context.Context, id domain.JobID, upd ports.JobUpdate) error {
	job, err := s.fetch(id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.logger.Warn("update for unknown job ignored", "job_id", id)
			return nil
		}
		return err
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

	if err := s.persist(&job); err != nil {
		return err
	}
	// A completed job never touches its source media again; a failed one
	// keeps it so a retry can re-upload.
	if upd.Status != nil && *upd.Status == domain.JobStatusCompleted {
		s.releaseMedia(id)
	}
	return nil
}

func (s *JobStore) Remove(ctx context.Context, id domain.JobID) error {
	if err := s.db.Store().Delete(id, &domain.Job{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			s.logger.Warn("remove for unknown job ignored", "job_id", id)
			return nil
		}
		return fmt.Errorf("failed to remove job %s: %w", id, err)
	}
	s.releaseMedia(id)
	return nil
}

func (s *JobStore) AppendLogs(ctx context.Context, id domain.JobID, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	job, err := s.fetch(id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.logger.Warn("logs for unknown job dropped", "job_id", id, "lines", len(lines))
			return nil
		}
		return err
	}

	job.Logs = append(job.Logs, lines...)
	if len(job.Logs) > domain.MaxJobLogs {
		job.Logs = job.Logs[len(job.Logs)-domain.MaxJobLogs:]
	}
	return s.persist(&job)
}

func (s *JobStore) ResetForRetry(ctx context.Context, id domain.JobID) error {
	job, err := s.fetch(id)
	if err != nil {
		return err
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
	return s.persist(&job)
}

func (s *JobStore) Get(ctx context.Context, id domain.JobID) (domain.Job, error) {
	return s.fetch(id)
}

func (s *JobStore) ByWorker(ctx context.Context, workerID domain.WorkerID) ([]domain.Job, error) {
	var jobs []domain.Job
	query := badgerhold.Where("WorkerID").Eq(workerID).SortBy("CreatedAt")
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs for worker %s: %w", workerID, err)
	}
	return s.attachMedia(jobs), nil
}

func (s *JobStore) RunningByWorker(ctx context.Context, workerID domain.WorkerID) ([]domain.Job, error) {
	var jobs []domain.Job
	query := badgerhold.Where("WorkerID").Eq(workerID).
		And("Status").In(domain.JobStatusUploading, domain.JobStatusGenerating)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list running jobs for worker %s: %w", workerID, err)
	}
	return s.attachMedia(jobs), nil
}

func (s *JobStore) Queued(ctx context.Context) ([]domain.Job, error) {
	var jobs []domain.Job
	query := badgerhold.Where("Status").Eq(domain.JobStatusQueued).SortBy("CreatedAt")
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list queued jobs: %w", err)
	}
	return s.attachMedia(jobs), nil
}

func (s *JobStore) All(ctx context.Context) ([]domain.Job, error) {
	var jobs []domain.Job
	query := badgerhold.Where("ID").Ne(domain.JobID("")).SortBy("CreatedAt").Reverse()
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return s.attachMedia(jobs), nil
}

func (s *JobStore) ClearTerminal(ctx context.Context) error {
	var terminal []domain.Job
	query := badgerhold.Where("Status").In(domain.JobStatusCompleted, domain.JobStatusFailed)
	if err := s.db.Store().Find(&terminal, query); err != nil {
		return fmt.Errorf("failed to clear finished jobs: %w", err)
	}
	if err := s.db.Store().DeleteMatching(&domain.Job{}, query); err != nil {
		return fmt.Errorf("failed to clear finished jobs: %w", err)
	}
	for _, job := range terminal {
		s.releaseMedia(job.ID)
	}
	return nil
}

func (s *JobStore) ClearAll(ctx context.Context) error {
	query := badgerhold.Where("ID").Ne(domain.JobID(""))
	if err := s.db.Store().DeleteMatching(&domain.Job{}, query); err != nil {
		return fmt.Errorf("failed to clear jobs: %w", err)
	}

	s.mu.Lock()
	ids := make([]domain.JobID, 0, len(s.media))
	for id := range s.media {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.releaseMedia(id)
	}
	return nil
}

// persist strips the process-local media paths before writing; they must
// never reach disk as part of the record.
func (s *JobStore) persist(job *domain.Job) error {
	stored := *job
	stored.Config.ImagePath = ""
	stored.Config.AudioPath = ""
	if err := s.db.Store().Upsert(job.ID, &stored); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *JobStore) fetch(id domain.JobID) (domain.Job, error) {
	var job domain.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return domain.Job{}, domain.ErrJobNotFound
		}
		return domain.Job{}, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	s.mu.RLock()
	paths, ok := s.media[id]
	s.mu.RUnlock()
	if ok {
		job.Config.ImagePath = paths.image
		job.Config.AudioPath = paths.audio
	}
	return job, nil
}

func (s *JobStore) attachMedia(jobs []domain.Job) []domain.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range jobs {
		if paths, ok := s.media[jobs[i].ID]; ok {
			jobs[i].Config.ImagePath = paths.image
			jobs[i].Config.AudioPath = paths.audio
		}
	}
	return jobs
}

// releaseMedia forgets a job's spooled files and deletes them from disk, so
// the spool directory does not grow with every finished job.
func (s *JobStore) releaseMedia(id domain.JobID) {
	s.mu.Lock()
	paths, ok := s.media[id]
	delete(s.media, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	for _, path := range []string{paths.image, paths.audio} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove spooled media", "job_id", id, "path", path, "error", err)
		}
	}
}

func appendTrimmed(logs []string, lines ...string) []string {
	logs = append(logs, lines...)
	if len(logs) > domain.MaxJobLogs {
		logs = logs[len(logs)-domain.MaxJobLogs:]
	}
	return logs
}

func timestamped(msg string) string {
	return fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), msg)
}
