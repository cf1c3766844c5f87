package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tick-ingestor/internal/catalog"
	"tick-ingestor/internal/coordinator"
	"tick-ingestor/internal/jobstate"
	"tick-ingestor/internal/models"
	"tick-ingestor/internal/telemetry"
)

// Server wires the trigger and status HTTP handlers.
type Server struct {
	coord   *coordinator.Coordinator
	jobs    *jobstate.Store
	catalog *catalog.Store
}

// New constructs the API server. The catalog may be nil.
func New(coord *coordinator.Coordinator, jobs *jobstate.Store, cat *catalog.Store) *Server {
	return &Server{coord: coord, jobs: jobs, catalog: cat}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleTrigger)
	r.Get("/jobs/{symbol}/{date}", s.handleGetJob)
	r.Get("/jobs/{symbol}/{date}/segments", s.handleGetSegments)
	return r
}

type triggerRequest struct {
	Symbol string `json:"symbol"`
	Date   string `json:"date"`
}

type triggerResponse struct {
	JobKey     string `json:"job_key"`
	InstanceID string `json:"instance_id"`
}

// handleTrigger seeds a new job execution. It responds as soon as the seed
// and first task are durable; segment completion is asynchronous.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}
	date, err := time.Parse(models.DateLayout, req.Date)
	if err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	jobKey, instanceID, err := s.coord.Trigger(r.Context(), req.Symbol, date)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, triggerResponse{JobKey: jobKey, InstanceID: instanceID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobKey, ok := jobKeyFromRequest(w, r)
	if !ok {
		return
	}
	state, err := s.jobs.Get(r.Context(), jobKey)
	if errors.Is(err, jobstate.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleGetSegments(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		http.Error(w, "segment catalog not configured", http.StatusNotFound)
		return
	}
	jobKey, ok := jobKeyFromRequest(w, r)
	if !ok {
		return
	}
	rows, err := s.catalog.SegmentsForJob(r.Context(), jobKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"segments": rows})
}

func jobKeyFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	symbol := chi.URLParam(r, "symbol")
	date, err := time.Parse(models.DateLayout, chi.URLParam(r, "date"))
	if err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return "", false
	}
	return models.JobKey(symbol, date), true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
