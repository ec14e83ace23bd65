package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/podcleaner/internal/store"
	"github.com/kiranshivaraju/podcleaner/pkg/models"
)

// Status is the read-only projection served to status queries.
type Status struct {
	JobID         uuid.UUID               `json:"job_id"`
	Fingerprint   string                  `json:"fingerprint"`
	SourceURL     string                  `json:"source_url"`
	Stage         models.Stage            `json:"stage"`
	Terminal      bool                    `json:"terminal"`
	Artifacts     map[models.Stage]string `json:"artifacts"`
	RetryCounts   map[models.Stage]int    `json:"retry_counts"`
	Error         *string                 `json:"error,omitempty"`
	DeadlineAt    *time.Time              `json:"deadline_at,omitempty"`
	NextAttemptAt *time.Time              `json:"next_attempt_at,omitempty"`
	History       []models.StageEntry     `json:"history"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

func newStatus(job *models.Job) *Status {
	job = job.Clone()
	return &Status{
		JobID:         job.ID,
		Fingerprint:   job.Fingerprint,
		SourceURL:     job.SourceURL,
		Stage:         job.Stage,
		Terminal:      job.Stage.Terminal(),
		Artifacts:     job.Artifacts,
		RetryCounts:   job.RetryCounts,
		Error:         job.ErrorMessage,
		DeadlineAt:    job.DeadlineAt,
		NextAttemptAt: job.NextAttemptAt,
		History:       job.StageHistory,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
}

// Status returns where job id is right now. Terminal projections are
// served from the cache when one is configured.
func (c *Coordinator) Status(ctx context.Context, id uuid.UUID) (*Status, error) {
	if c.cache != nil {
		data, ok, err := c.cache.GetJobStatus(ctx, id)
		if err != nil {
			c.logger.Warn("status cache read failed", "job_id", id, "error", err)
		} else if ok {
			var st Status
			if err := json.Unmarshal(data, &st); err == nil {
				return &st, nil
			}
			c.logger.Warn("discarding undecodable cached status", "job_id", id)
		}
	}

	job, err := c.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cacheStatus(ctx, job)
	return newStatus(job), nil
}

func (c *Coordinator) cacheStatus(ctx context.Context, job *models.Job) {
	if c.cache == nil || !job.Stage.Terminal() {
		return
	}
	data, err := json.Marshal(newStatus(job))
	if err != nil {
		c.logger.Warn("encoding status", "job_id", job.ID, "error", err)
		return
	}
	if err := c.cache.SetJobStatus(ctx, job.ID, data, c.cfg.StatusCacheTTL); err != nil {
		c.logger.Warn("status cache write failed", "job_id", job.ID, "error", err)
	}
}

func (c *Coordinator) invalidateStatus(ctx context.Context, id uuid.UUID) {
	if c.cache == nil {
		return
	}
	if err := c.cache.DeleteJobStatus(ctx, id); err != nil {
		c.logger.Warn("status cache delete failed", "job_id", id, "error", err)
	}
}

// Cancel moves a non-terminal job to Cancelled. In-flight work is not
// recalled; its completion is recorded for audit only. Cancelling a
// terminal job returns it together with ErrTerminal.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	for range c.cfg.MaxConflictRetries {
		job, err := c.jobs.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Stage.Terminal() {
			return job, fmt.Errorf("%w: job %s is %s", ErrTerminal, id, job.Stage)
		}

		updated, err := c.append(ctx, job, store.Transition{
			Entry: models.StageEntry{
				Stage:   models.StageCancelled,
				Outcome: models.OutcomeCancelled,
				Subject: job.Stage,
				At:      c.clock(),
			},
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("cancelling job %s: %w", id, err)
		}
		c.logger.Info("job cancelled", "job_id", id, "from", job.Stage)
		c.finish(ctx, updated)
		return updated, nil
	}
	return nil, fmt.Errorf("cancelling job %s: %w", id, store.ErrConflict)
}
