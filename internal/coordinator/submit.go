package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiranshivaraju/podcleaner/internal/fingerprint"
	"github.com/kiranshivaraju/podcleaner/internal/store"
	"github.com/kiranshivaraju/podcleaner/pkg/models"
)

// SubmitResult identifies the job a submission resolved to.
type SubmitResult struct {
	JobID        uuid.UUID    `json:"job_id"`
	Stage        models.Stage `json:"stage"`
	Deduplicated bool         `json:"deduplicated"`
}

// Submit creates a job for sourceURL, or returns the job that already
// owns its fingerprint. Concurrent submissions of one source all observe
// the same job id. A fingerprint whose last job failed or was cancelled
// starts a fresh job.
func (c *Coordinator) Submit(ctx context.Context, sourceURL string) (*SubmitResult, error) {
	fp, err := fingerprint.FromURL(sourceURL)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "coordinator.Submit",
		trace.WithAttributes(attribute.String("fingerprint", fp)))
	defer span.End()

	for range c.cfg.MaxConflictRetries {
		res, err := c.attach(ctx, fp)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if res != nil {
			span.SetAttributes(attribute.String("job_id", res.JobID.String()), attribute.Bool("deduplicated", true))
			return res, nil
		}

		id := uuid.New()
		claim, err := c.index.Claim(ctx, fp, id)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("claiming fingerprint: %w", err)
		}
		if !claim.Claimed {
			// Lost the race; the next pass attaches to the winner.
			continue
		}

		job := models.NewJob(id, fp, sourceURL, c.clock())
		if err := c.jobs.CreateJob(ctx, job); err != nil {
			if relErr := c.index.Release(ctx, fp, id, ""); relErr != nil {
				c.logger.Error("releasing claim after failed create", "job_id", id, "error", relErr)
			}
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("creating job: %w", err)
		}
		c.logger.Info("job created", "job_id", id, "fingerprint", fp)
		span.SetAttributes(attribute.String("job_id", id.String()), attribute.Bool("deduplicated", false))

		stage := job.Stage
		if dispatched, err := c.dispatch(ctx, job); err != nil {
			c.logger.Warn("initial dispatch failed, sweeper will retry", "job_id", id, "error", err)
		} else {
			stage = dispatched.Stage
		}
		return &SubmitResult{JobID: id, Stage: stage}, nil
	}
	return nil, fmt.Errorf("submitting %s: %w", fp, store.ErrConflict)
}

// attach returns the live or completed job owning fp, or nil when a new
// job should be claimed. Stale claims are released on the way.
func (c *Coordinator) attach(ctx context.Context, fp string) (*SubmitResult, error) {
	rec, err := c.index.Resolve(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("resolving fingerprint: %w", err)
	}
	if rec == nil {
		return nil, nil
	}

	job, err := c.jobs.GetJob(ctx, rec.JobID)
	if errors.Is(err, store.ErrNotFound) {
		// The owner claims before it creates; give it time to finish.
		if !rec.Completed() && c.clock().Sub(rec.ClaimedAt) < c.cfg.ClaimGrace {
			return &SubmitResult{JobID: rec.JobID, Stage: models.StageQueued, Deduplicated: true}, nil
		}
		c.logger.Warn("releasing orphaned fingerprint claim", "fingerprint", fp, "job_id", rec.JobID)
		return nil, c.index.Release(ctx, fp, rec.JobID, "")
	}
	if err != nil {
		return nil, fmt.Errorf("getting owner job: %w", err)
	}

	switch job.Stage {
	case models.StageFailed, models.StageCancelled:
		return nil, c.index.Release(ctx, fp, job.ID, "")
	case models.StageCompleted:
		if !rec.Completed() {
			c.finish(ctx, job)
		}
	}
	return &SubmitResult{JobID: job.ID, Stage: job.Stage, Deduplicated: true}, nil
}

// Retry starts a fresh job for the source of a failed or cancelled job.
func (c *Coordinator) Retry(ctx context.Context, id uuid.UUID) (*SubmitResult, error) {
	job, err := c.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Stage != models.StageFailed && job.Stage != models.StageCancelled {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotRetryable, id, job.Stage)
	}
	c.logger.Info("retrying job", "job_id", id, "stage", job.Stage)
	return c.Submit(ctx, job.SourceURL)
}
