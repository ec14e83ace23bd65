package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/podcleaner/internal/pipeline"
	"github.com/kiranshivaraju/podcleaner/internal/store"
	"github.com/kiranshivaraju/podcleaner/pkg/models"
)

// Sweep acts on jobs whose timers have fired: due retries are
// redispatched, overdue stages count as failed attempts, and jobs stalled
// in a rest stage are dispatched again. It returns how many jobs moved.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.Sweep")
	defer span.End()

	now := c.clock()
	jobs, err := c.jobs.ListDueJobs(ctx, store.DueFilter{
		Now:           now,
		RestStages:    pipeline.DispatchableRests(),
		StalledBefore: now.Add(-c.cfg.StallAfter),
		Limit:         c.cfg.SweepBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("listing due jobs: %w", err)
	}

	moved := 0
	for _, job := range jobs {
		err := c.sweepJob(ctx, job, now)
		switch {
		case err == nil:
			moved++
		case errors.Is(err, store.ErrConflict):
			c.logger.Debug("job moved before sweep, skipping", "job_id", job.ID)
		default:
			c.logger.Warn("sweeping job", "job_id", job.ID, "stage", job.Stage, "error", err)
		}
	}
	if moved > 0 {
		c.logger.Info("sweep finished", "due", len(jobs), "moved", moved)
	}
	return moved, nil
}

func (c *Coordinator) sweepJob(ctx context.Context, job *models.Job, now time.Time) error {
	switch {
	case pipeline.IsWorking(job.Stage) && job.NextAttemptAt != nil && !job.NextAttemptAt.After(now):
		step, _ := pipeline.StepFor(job.Stage)
		_, err := c.startStep(ctx, job, step)
		return err
	case pipeline.IsWorking(job.Stage) && job.DeadlineAt != nil && !job.DeadlineAt.After(now):
		c.logger.Warn("stage timed out", "job_id", job.ID, "stage", job.Stage, "deadline", job.DeadlineAt)
		return c.fail(ctx, job, models.OutcomeTimedOut,
			fmt.Sprintf("no completion within %s", c.cfg.StageTimeout),
			job.RetryCounts[job.Stage]+1)
	case pipeline.IsRest(job.Stage) && !job.Stage.Terminal():
		_, err := c.dispatch(ctx, job)
		return err
	}
	return nil
}
