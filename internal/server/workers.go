package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rennalt/gpustudio/internal/core/domain"
	"github.com/rennalt/gpustudio/internal/core/services"
)

// handleListWorkers returns every registered worker and which one is active.
// GET /v1/workers
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.workers.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list workers", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}
	if workers == nil {
		workers = []domain.Worker{}
	}

	var activeID domain.WorkerID
	if active, aerr := s.workers.Active(r.Context()); aerr == nil {
		activeID = active.ID
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workers":   workers,
		"count":     len(workers),
		"active_id": activeID,
	})
}

type attachWorkerRequest struct {
	PodID   string         `json:"pod_id" validate:"required"`
	Purpose domain.Purpose `json:"purpose" validate:"oneof=wan2.2 infinitetalk"`
	Name    string         `json:"name"`
}

// handleAttachWorker registers an instance the user deployed by hand. The
// control plane is consulted so a bogus pod id is rejected up front.
// POST /v1/workers
func (s *Server) handleAttachWorker(w http.ResponseWriter, r *http.Request) {
	var req attachWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid worker request: "+err.Error())
		return
	}
	if s.apiKey == "" {
		writeError(w, http.StatusPreconditionFailed, "compute provider API key not set")
		return
	}

	info, err := s.plane.PodStatus(r.Context(), s.apiKey, req.PodID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "could not verify instance with provider: "+err.Error())
		return
	}

	name := req.Name
	if name == "" {
		name = info.Name
	}

	now := time.Now()
	worker := domain.Worker{
		ID:         domain.WorkerID(info.ID),
		Name:       name,
		Purpose:    req.Purpose,
		Status:     info.Status,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if info.Status == domain.WorkerStatusRunning {
		worker.EngineURL = info.EngineURL
		worker.LogServerURL = info.LogServerURL
	}

	if err := s.workers.Add(r.Context(), worker); err != nil {
		s.logger.Error("failed to register worker", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register worker")
		return
	}
	if worker.Status == domain.WorkerStatusRunning {
		if err := s.workers.SetActive(r.Context(), worker.ID); err != nil {
			s.logger.Warn("failed to mark worker active", "worker_id", worker.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, worker)
}

type ensureWorkerRequest struct {
	Purpose domain.Purpose `json:"purpose" validate:"oneof=wan2.2 infinitetalk"`
}

// handleEnsureWorker finds or provisions a running worker for a capability.
// POST /v1/workers/ensure
func (s *Server) handleEnsureWorker(w http.ResponseWriter, r *http.Request) {
	var req ensureWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid purpose: "+err.Error())
		return
	}

	id, err := s.provisioner.EnsureAvailable(r.Context(), req.Purpose)
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
		s.logger.Error("provisioning failed", "error", err)
		writeError(w, http.StatusInternalServerError, "provisioning failed")
		return
	}

	worker, err := s.workers.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "worker vanished after provisioning")
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

// handleGetWorker returns one worker with its jobs.
// GET /v1/workers/{workerID}
func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	id := domain.WorkerID(chi.URLParam(r, "workerID"))
	worker, err := s.workers.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrWorkerNotFound) {
			writeError(w, http.StatusNotFound, "worker not found")
			return
		}
		s.logger.Error("failed to get worker", "worker_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get worker")
		return
	}

	jobs, err := s.jobs.ByWorker(r.Context(), id)
	if err != nil {
		s.logger.Warn("failed to list worker jobs", "worker_id", id, "error", err)
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"worker": worker,
		"jobs":   jobs,
	})
}

// handleTerminateWorker tears down the instance at the provider and removes
// the registry entry. Active jobs on the worker are cancelled first.
// DELETE /v1/workers/{workerID}
func (s *Server) handleTerminateWorker(w http.ResponseWriter, r *http.Request) {
	id := domain.WorkerID(chi.URLParam(r, "workerID"))
	if _, err := s.workers.Get(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrWorkerNotFound) {
			writeError(w, http.StatusNotFound, "worker not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get worker")
		return
	}

	if running, err := s.jobs.RunningByWorker(r.Context(), id); err == nil {
		for _, job := range running {
			if cerr := s.processor.Cancel(r.Context(), job.ID); cerr != nil {
				s.logger.Warn("failed to cancel job during worker teardown",
					"job_id", job.ID, "error", cerr)
			}
		}
	}

	if s.apiKey != "" {
		if err := s.plane.Terminate(r.Context(), s.apiKey, string(id)); err != nil {
			// The registry entry still goes; the reconciler would drop it
			// anyway once the provider stops listing the pod.
			s.logger.Warn("provider terminate failed", "worker_id", id, "error", err)
		}
	}

	if err := s.workers.Remove(r.Context(), id); err != nil {
		s.logger.Error("failed to remove worker", "worker_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to remove worker")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleActivateWorker marks the worker as the preferred target.
// POST /v1/workers/{workerID}/activate
func (s *Server) handleActivateWorker(w http.ResponseWriter, r *http.Request) {
	id := domain.WorkerID(chi.URLParam(r, "workerID"))
	if err := s.workers.SetActive(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrWorkerNotFound) {
			writeError(w, http.StatusNotFound, "worker not found")
			return
		}
		s.logger.Error("failed to activate worker", "worker_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to activate worker")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
