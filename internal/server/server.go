package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"

	"github.com/rennalt/gpustudio/internal/core/ports"
	"github.com/rennalt/gpustudio/internal/core/services"
)

// Server exposes the orchestration services over HTTP for the desktop UI.
type Server struct {
	logger      *slog.Logger
	jobs        ports.JobStore
	workers     ports.WorkerRegistry
	history     ports.HistoryStore
	plane       ports.ControlPlane
	usage       ports.UsageService
	processor   *services.Processor
	provisioner *services.Provisioner
	streamer    *services.LogStreamer
	bus         *services.EventBus
	validate    *validator.Validate

	spoolDir string
	apiKey   string
}

func New(
	logger *slog.Logger,
	jobs ports.JobStore,
	workers ports.WorkerRegistry,
	history ports.HistoryStore,
	plane ports.ControlPlane,
	usage ports.UsageService,
	processor *services.Processor,
	provisioner *services.Provisioner,
	streamer *services.LogStreamer,
	bus *services.EventBus,
	spoolDir string,
	apiKey string,
) *Server {
	return &Server{
		logger:      logger,
		jobs:        jobs,
		workers:     workers,
		history:     history,
		plane:       plane,
		usage:       usage,
		processor:   processor,
		provisioner: provisioner,
		streamer:    streamer,
		bus:         bus,
		validate:    validator.New(),
		spoolDir:    spoolDir,
		apiKey:      apiKey,
	}
}

// Handler builds the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", s.handleHealth)
		r.Get("/events", s.handleEvents)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Delete("/", s.handleClearJobs)

			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Delete("/", s.handleCancelJob)
				r.Post("/retry", s.handleRetryJob)
				r.Get("/logs", s.handleJobLogs)
				r.Get("/events", s.handleJobEvents)
			})
		})

		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.handleListWorkers)
			r.Post("/", s.handleAttachWorker)
			r.Post("/ensure", s.handleEnsureWorker)

			r.Route("/{workerID}", func(r chi.Router) {
				r.Get("/", s.handleGetWorker)
				r.Delete("/", s.handleTerminateWorker)
				r.Post("/activate", s.handleActivateWorker)
			})
		})

		r.Get("/gpus", s.handleListGPUTypes)
		r.Get("/videos", s.handleListVideos)
		r.Get("/usage", s.handleCheckUsage)
		r.Post("/license/activate", s.handleActivateLicense)
	})

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func jsonEvent(e services.Event) ([]byte, error) {
	return json.Marshal(e)
}
