package coordinator

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/podcleaner/internal/contract"
	"github.com/kiranshivaraju/podcleaner/internal/pipeline"
	"github.com/kiranshivaraju/podcleaner/internal/store"
	"github.com/kiranshivaraju/podcleaner/pkg/models"
)

// dispatch starts the step that follows the rest stage job sits in.
func (c *Coordinator) dispatch(ctx context.Context, job *models.Job) (*models.Job, error) {
	step, ok := pipeline.StepAfter(job.Stage)
	if !ok {
		return job, nil
	}
	return c.startStep(ctx, job, step)
}

// startStep records the dispatch with a fresh deadline, then publishes
// the work message. A failed publish is left to the deadline.
func (c *Coordinator) startStep(ctx context.Context, job *models.Job, step pipeline.Step) (*models.Job, error) {
	attempt := job.RetryCounts[step.Work] + 1
	now := c.clock()

	msg, err := contract.NewWorkMessage(job, step, attempt, now)
	if err != nil {
		return c.abort(ctx, job, step, err.Error())
	}
	payload, err := contract.EncodeWork(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding work message: %w", err)
	}

	deadline := now.Add(c.cfg.StageTimeout)
	updated, err := c.append(ctx, job, store.Transition{
		Entry: models.StageEntry{
			Stage:   step.Work,
			Outcome: models.OutcomeDispatched,
			Subject: step.Work,
			Attempt: attempt,
			At:      now,
		},
		DeadlineAt: &deadline,
	})
	if err != nil {
		return nil, fmt.Errorf("recording dispatch of %s: %w", step.Work, err)
	}

	if err := c.broker.Publish(ctx, step.Request, payload); err != nil {
		c.logger.Warn("publishing work failed, deadline will retry",
			"job_id", job.ID,
			"topic", step.Request,
			"attempt", attempt,
			"error", err,
		)
		return updated, nil
	}
	c.logger.Info("stage dispatched", "job_id", job.ID, "stage", step.Work, "attempt", attempt)
	return updated, nil
}

// abort fails a job that cannot be dispatched at all.
func (c *Coordinator) abort(ctx context.Context, job *models.Job, step pipeline.Step, reason string) (*models.Job, error) {
	c.logger.Error("cannot dispatch, failing job", "job_id", job.ID, "stage", step.Work, "error", reason)
	updated, err := c.append(ctx, job, store.Transition{
		Entry: models.StageEntry{
			Stage:   models.StageFailed,
			Outcome: models.OutcomeFailed,
			Subject: step.Work,
			Error:   reason,
			At:      c.clock(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failing job %s: %w", job.ID, err)
	}
	c.finish(ctx, updated)
	return updated, nil
}
