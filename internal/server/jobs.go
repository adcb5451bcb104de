package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rennalt/gpustudio/internal/core/domain"
	"github.com/rennalt/gpustudio/internal/core/services"
)

const maxUploadBytes = 256 << 20

// createJobForm is the validated shape of a multipart job submission.
type createJobForm struct {
	Prompt        string                  `validate:"max=2000"`
	Orientation   domain.VideoOrientation `validate:"oneof=horizontal vertical"`
	MaxFrames     int                     `validate:"gte=16,lte=241"`
	WorkflowKind  domain.Purpose          `validate:"oneof=wan2.2 infinitetalk"`
	AudioCfgScale float64                 `validate:"gte=0,lte=10"`
}

// handleCreateJob accepts a multipart submission, spools the media locally,
// gates on usage, resolves a worker and hands the job to the processor.
// POST /v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	form := createJobForm{
		Prompt:        r.FormValue("prompt"),
		Orientation:   domain.OrientationHorizontal,
		MaxFrames:     81,
		WorkflowKind:  domain.PurposeImageToVideo,
		AudioCfgScale: 1.0,
	}
	if v := r.FormValue("orientation"); v != "" {
		form.Orientation = domain.VideoOrientation(v)
	}
	if v := r.FormValue("workflow"); v != "" {
		form.WorkflowKind = domain.Purpose(v)
	}
	if v := r.FormValue("max_frames"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid max_frames")
			return
		}
		form.MaxFrames = n
	}
	if v := r.FormValue("audio_cfg_scale"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid audio_cfg_scale")
			return
		}
		form.AudioCfgScale = f
	}
	if err := s.validate.Struct(form); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job parameters: "+err.Error())
		return
	}

	imagePath, err := s.spoolUpload(r, "image")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var audioPath string
	if form.WorkflowKind == domain.PurposeTalkingHead {
		audioPath, err = s.spoolUpload(r, "audio")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	fingerprint := deviceFingerprint(r)
	if s.usage != nil && fingerprint != "" {
		status, uerr := s.usage.CheckUsage(r.Context(), fingerprint)
		if uerr != nil {
			// The edge service being down must not strand the user.
			s.logger.Warn("usage check failed, allowing job", "error", uerr)
		} else if !status.Allowed {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error":     "generation limit reached",
				"limit":     status.Limit,
				"used":      status.Used,
				"resets_in": status.ResetsIn,
			})
			return
		}
	}

	worker, err := s.resolveWorker(r.Context(), r.FormValue("worker_id"), form.WorkflowKind)
	if err != nil {
		var perr *services.ProvisionError
		if errors.As(err, &perr) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":           perr.Error(),
				"retryable":       perr.Retryable,
				"manual_fallback": perr.ManualFallback,
			})
			return
		}
		if errors.Is(err, domain.ErrWorkerNotFound) {
			writeError(w, http.StatusNotFound, "worker not found")
			return
		}
		s.logger.Error("failed to resolve worker", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve worker")
		return
	}

	cfg := domain.JobConfig{
		ImagePath:     imagePath,
		AudioPath:     audioPath,
		Prompt:        form.Prompt,
		Orientation:   form.Orientation,
		MaxFrames:     form.MaxFrames,
		WorkflowKind:  form.WorkflowKind,
		AudioCfgScale: form.AudioCfgScale,
	}

	jobID, err := s.jobs.Create(r.Context(), cfg, worker.ID)
	if err != nil {
		s.logger.Error("failed to create job", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	if err := s.processor.Process(r.Context(), jobID); err != nil {
		s.logger.Error("failed to start job", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start job")
		return
	}
	s.streamer.Start(jobID, worker.LogServerURL)

	if s.usage != nil && fingerprint != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if _, err := s.usage.RecordUsage(ctx, fingerprint); err != nil {
				s.logger.Warn("failed to record usage", "error", err)
			}
		}()
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        jobID,
		"status":    domain.JobStatusQueued,
		"worker_id": worker.ID,
	})
}

// resolveWorker returns the explicitly requested worker, or lets the
// provisioner find or create one for the workflow kind.
func (s *Server) resolveWorker(ctx context.Context, workerID string, purpose domain.Purpose) (domain.Worker, error) {
	if workerID != "" {
		return s.workers.Get(ctx, domain.WorkerID(workerID))
	}
	id, err := s.provisioner.EnsureAvailable(ctx, purpose)
	if err != nil {
		return domain.Worker{}, err
	}
	return s.workers.Get(ctx, id)
}

// spoolUpload copies one multipart file into the spool directory and returns
// its local path.
func (s *Server) spoolUpload(r *http.Request, field string) (string, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", fmt.Errorf("missing %s file", field)
	}
	defer file.Close()
	return s.spoolFile(file, header)
}

func (s *Server) spoolFile(file multipart.File, header *multipart.FileHeader) (string, error) {
	if err := os.MkdirAll(s.spoolDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create spool dir: %w", err)
	}

	name := uuid.New().String() + filepath.Ext(header.Filename)
	path := filepath.Join(s.spoolDir, name)

	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to spool upload: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to spool upload: %w", err)
	}
	return path, nil
}

func deviceFingerprint(r *http.Request) string {
	if fp := r.Header.Get("X-Device-Fingerprint"); fp != "" {
		return fp
	}
	return r.FormValue("fingerprint")
}

// handleListJobs returns all jobs, optionally narrowed to one worker.
// GET /v1/jobs?worker_id=
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []domain.Job
		err  error
	)
	if workerID := r.URL.Query().Get("worker_id"); workerID != "" {
		jobs, err = s.jobs.ByWorker(r.Context(), domain.WorkerID(workerID))
	} else {
		jobs, err = s.jobs.All(r.Context())
	}
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleGetJob returns one job.
// GET /v1/jobs/{jobID}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(chi.URLParam(r, "jobID"))
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to get job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob removes a queued job or interrupts an active one.
// DELETE /v1/jobs/{jobID}
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(chi.URLParam(r, "jobID"))
	if err := s.processor.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRetryJob re-queues a failed job.
// POST /v1/jobs/{jobID}/retry
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(chi.URLParam(r, "jobID"))
	if err := s.processor.Retry(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, domain.ErrJobNotFailed):
			writeError(w, http.StatusConflict, "only failed jobs can be retried")
		default:
			s.logger.Error("failed to retry job", "job_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to retry job")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": domain.JobStatusQueued,
	})
}

// handleJobLogs returns the job's retained log tail.
// GET /v1/jobs/{jobID}/logs
func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(chi.URLParam(r, "jobID"))
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to get job logs", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get job logs")
		return
	}
	logs := job.Logs
	if logs == nil {
		logs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"count": len(logs),
	})
}

// handleClearJobs deletes finished jobs, or everything with scope=all.
// DELETE /v1/jobs?scope=terminal|all
func (s *Server) handleClearJobs(w http.ResponseWriter, r *http.Request) {
	var err error
	if r.URL.Query().Get("scope") == "all" {
		err = s.jobs.ClearAll(r.Context())
	} else {
		err = s.jobs.ClearTerminal(r.Context())
	}
	if err != nil {
		s.logger.Error("failed to clear jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear jobs")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleJobEvents streams one job's events as server-sent events.
// GET /v1/jobs/{jobID}/events
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if _, err := s.jobs.Get(r.Context(), domain.JobID(id)); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	events, unsubscribe := s.bus.Subscribe(id)
	defer unsubscribe()
	s.streamEvents(w, r, events)
}

// handleEvents streams every event regardless of scope.
// GET /v1/events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe := s.bus.SubscribeAll()
	defer unsubscribe()
	s.streamEvents(w, r, events)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, events <-chan services.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-events:
			if !open {
				return
			}
			payload, err := jsonEvent(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload)
			flusher.Flush()
		}
	}
}
