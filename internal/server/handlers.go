package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/snublejuice/vinskraper/internal/pipeline"
	"github.com/snublejuice/vinskraper/pkg/types"
)

const readinessTimeout = 2 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, types.Health{Status: "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("readiness check failed")
		respondProblem(w, http.StatusServiceUnavailable, "store is not reachable")
		return
	}
	respondJSON(w, http.StatusOK, types.Health{Status: "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.build)
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	if s.jobs == nil {
		respondProblem(w, http.StatusServiceUnavailable, "job scheduler is not configured")
		return
	}
	respondJSON(w, http.StatusOK, types.JobList{
		Kind:       types.KindJobList,
		APIVersion: types.APIVersion,
		Items:      s.jobs.Statuses(),
	})
}

func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		respondProblem(w, http.StatusServiceUnavailable, "job scheduler is not configured")
		return
	}

	name := chi.URLParam(r, "name")
	status, accepted, err := s.jobs.Request(name)
	switch {
	case errors.Is(err, pipeline.ErrUnknownJob):
		respondProblem(w, http.StatusNotFound, "unknown job: "+name)
		return
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Str("job", name).Msg("failed to trigger job")
		respondProblem(w, http.StatusInternalServerError, "failed to trigger job")
		return
	}

	code := http.StatusAccepted
	if !accepted {
		code = http.StatusConflict
	}
	hlog.FromRequest(r).Info().Str("job", name).Bool("accepted", accepted).Msg("job run requested")
	respondJSON(w, code, types.JobTrigger{
		Kind:       types.KindJobTrigger,
		APIVersion: types.APIVersion,
		Accepted:   accepted,
		Status:     status,
	})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.Problem{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}
