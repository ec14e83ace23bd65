package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/podcleaner/internal/api/response"
	"github.com/kiranshivaraju/podcleaner/internal/artifact"
	"github.com/kiranshivaraju/podcleaner/internal/coordinator"
	"github.com/kiranshivaraju/podcleaner/internal/fingerprint"
	"github.com/kiranshivaraju/podcleaner/internal/store"
	"github.com/kiranshivaraju/podcleaner/pkg/models"
)

// JobService defines the coordinator operations the job handlers depend on.
type JobService interface {
	Submit(ctx context.Context, sourceURL string) (*coordinator.SubmitResult, error)
	Status(ctx context.Context, id uuid.UUID) (*coordinator.Status, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Retry(ctx context.Context, id uuid.UUID) (*coordinator.SubmitResult, error)
	Download(ctx context.Context, id uuid.UUID) (string, error)
}

var _ JobService = (*coordinator.Coordinator)(nil)

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SourceURL string `json:"source_url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.SourceURL == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "source_url is required", nil)
			return
		}

		res, err := svc.Submit(r.Context(), req.SourceURL)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.Accepted(w, res)
	}
}

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		st, err := svc.Status(r.Context(), id)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, st)
	}
}

// NewCancelHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
func NewCancelHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		job, err := svc.Cancel(r.Context(), id)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, cancelResponse{JobID: job.ID, Stage: job.Stage})
	}
}

// NewRetryHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/retry.
func NewRetryHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		res, err := svc.Retry(r.Context(), id)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.Accepted(w, res)
	}
}

type cancelResponse struct {
	JobID uuid.UUID    `json:"job_id"`
	Stage models.Stage `json:"stage"`
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fingerprint.ErrInvalidSource):
		response.Error(w, http.StatusBadRequest, "INVALID_SOURCE", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, coordinator.ErrTerminal):
		response.Error(w, http.StatusConflict, "JOB_TERMINAL", "Job has already finished", nil)
	case errors.Is(err, coordinator.ErrNotRetryable):
		response.Error(w, http.StatusConflict, "JOB_NOT_RETRYABLE", "Only failed or cancelled jobs can be retried", nil)
	case errors.Is(err, coordinator.ErrNotCompleted):
		response.Error(w, http.StatusConflict, "JOB_NOT_COMPLETED", "Job has not completed yet", nil)
	case errors.Is(err, artifact.ErrNotLocatable), errors.Is(err, artifact.ErrInvalidRef):
		slog.Warn("cleaned audio unavailable", "error", err)
		response.Error(w, http.StatusNotFound, "ARTIFACT_UNAVAILABLE", "Cleaned audio cannot be served", nil)
	case errors.Is(err, store.ErrConflict):
		response.Error(w, http.StatusConflict, "CONFLICT", "Job changed concurrently, try again", nil)
	default:
		slog.Error("job request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
