package server

import (
	"encoding/json"
	"net/http"

	"github.com/rennalt/gpustudio/internal/core/domain"
)

// handleListGPUTypes returns the provider's GPU catalog.
// GET /v1/gpus
func (s *Server) handleListGPUTypes(w http.ResponseWriter, r *http.Request) {
	if s.apiKey == "" {
		writeError(w, http.StatusPreconditionFailed, "compute provider API key not set")
		return
	}
	gpus, err := s.plane.ListGPUTypes(r.Context(), s.apiKey)
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to list GPU types: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"gpus":  gpus,
		"count": len(gpus),
	})
}

// handleListVideos returns the generated-video history and total counter.
// GET /v1/videos
func (s *Server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := s.history.ListVideos(r.Context())
	if err != nil {
		s.logger.Error("failed to list videos", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list videos")
		return
	}
	if videos == nil {
		videos = []domain.GeneratedVideo{}
	}

	total, err := s.history.GenerationCount(r.Context())
	if err != nil {
		s.logger.Warn("failed to read generation counter", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"videos": videos,
		"count":  len(videos),
		"total":  total,
	})
}

// handleCheckUsage reports whether the device may generate.
// GET /v1/usage?fingerprint=
func (s *Server) handleCheckUsage(w http.ResponseWriter, r *http.Request) {
	fingerprint := r.URL.Query().Get("fingerprint")
	if fingerprint == "" {
		writeError(w, http.StatusBadRequest, "missing fingerprint")
		return
	}
	if s.usage == nil {
		writeJSON(w, http.StatusOK, map[string]any{"allowed": true})
		return
	}

	status, err := s.usage.CheckUsage(r.Context(), fingerprint)
	if err != nil {
		writeError(w, http.StatusBadGateway, "usage check failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type activateLicenseRequest struct {
	Key         string `json:"key" validate:"required"`
	Fingerprint string `json:"fingerprint" validate:"required"`
}

// handleActivateLicense binds a license key to a device.
// POST /v1/license/activate
func (s *Server) handleActivateLicense(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeError(w, http.StatusPreconditionFailed, "licensing service not configured")
		return
	}

	var req activateLicenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid license request: "+err.Error())
		return
	}

	tier, err := s.usage.ActivateLicense(r.Context(), req.Key, req.Fingerprint)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "activation failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activated": true,
		"tier":      tier,
	})
}
