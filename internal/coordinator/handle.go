package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiranshivaraju/podcleaner/internal/broker"
	"github.com/kiranshivaraju/podcleaner/internal/contract"
	"github.com/kiranshivaraju/podcleaner/internal/pipeline"
	"github.com/kiranshivaraju/podcleaner/internal/store"
	"github.com/kiranshivaraju/podcleaner/pkg/models"
)

// HandleDelivery is the broker handler for completion topics. Anomalies
// are logged and acknowledged; only infrastructure errors are returned,
// which leaves the message for redelivery.
func (c *Coordinator) HandleDelivery(ctx context.Context, d broker.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic handling delivery", "error", r, "topic", d.Topic, "id", d.ID)
			err = nil
		}
	}()

	err = c.HandleMessage(ctx, d.Topic, d.Payload)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrMalformedMessage):
		c.logger.Warn("discarding malformed message", "topic", d.Topic, "id", d.ID, "error", err)
		return nil
	case errors.Is(err, ErrOutOfOrderMessage):
		c.logger.Warn("ignoring out-of-order completion", "topic", d.Topic, "id", d.ID, "error", err)
		return nil
	case errors.Is(err, ErrDuplicateMessage):
		c.logger.Info("ignoring duplicate completion", "topic", d.Topic, "id", d.ID, "redelivered", d.Redelivered)
		return nil
	}
	c.logger.Error("handling completion", "topic", d.Topic, "id", d.ID, "error", err)
	return err
}

// HandleMessage decodes a raw completion received on topic and applies it.
func (c *Coordinator) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	msg, err := contract.DecodeCompletion(ctx, topic, payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return c.HandleCompletion(ctx, msg)
}

// HandleCompletion applies a validated completion. It re-reads and
// re-evaluates the job whenever another writer got there first.
func (c *Coordinator) HandleCompletion(ctx context.Context, msg contract.Completion) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.HandleCompletion",
		trace.WithAttributes(
			attribute.String("job_id", msg.JobID.String()),
			attribute.String("stage", string(msg.Stage)),
			attribute.Int("attempt", msg.Attempt),
		))
	defer span.End()

	for range c.cfg.MaxConflictRetries {
		job, err := c.jobs.GetJob(ctx, msg.JobID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: unknown job %s", ErrMalformedMessage, msg.JobID)
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("getting job: %w", err)
		}

		err = c.evaluate(ctx, job, msg)
		if errors.Is(err, store.ErrConflict) {
			c.logger.Debug("job changed underneath completion, re-reading", "job_id", job.ID)
			continue
		}
		if err != nil && !isAnomaly(err) {
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
	return fmt.Errorf("completion for job %s: %w", msg.JobID, store.ErrConflict)
}

func isAnomaly(err error) bool {
	return errors.Is(err, ErrMalformedMessage) ||
		errors.Is(err, ErrDuplicateMessage) ||
		errors.Is(err, ErrOutOfOrderMessage)
}

func (c *Coordinator) evaluate(ctx context.Context, job *models.Job, msg contract.Completion) error {
	switch {
	case job.Stage == models.StageCancelled:
		return c.recordLate(ctx, job, msg)
	case job.Stage.Terminal():
		return fmt.Errorf("%w: job %s is %s", ErrDuplicateMessage, job.ID, job.Stage)
	}

	cur, at := pipeline.Position(job.Stage), pipeline.Position(msg.Stage)
	switch {
	case at < cur:
		return fmt.Errorf("%w: job %s already past %s", ErrDuplicateMessage, job.ID, msg.Stage)
	case at > cur:
		return fmt.Errorf("%w: job %s is %s, got %s", ErrOutOfOrderMessage, job.ID, job.Stage, msg.Stage)
	}

	dispatched := lastDispatched(job, msg.Stage)
	if msg.Attempt == 0 {
		msg.Attempt = dispatched
	}
	if dispatched == 0 || msg.Attempt > dispatched {
		return fmt.Errorf("%w: attempt %d of %s not dispatched yet", ErrOutOfOrderMessage, msg.Attempt, msg.Stage)
	}

	switch o := msg.Outcome.(type) {
	case contract.Success:
		return c.succeed(ctx, job, msg, o)
	case contract.Failure:
		if msg.Attempt <= job.RetryCounts[msg.Stage] {
			return fmt.Errorf("%w: attempt %d of %s already counted", ErrDuplicateMessage, msg.Attempt, msg.Stage)
		}
		return c.fail(ctx, job, models.OutcomeFailed, o.Error, msg.Attempt)
	default:
		return fmt.Errorf("%w: completion without outcome", ErrMalformedMessage)
	}
}

// lastDispatched returns the most recent attempt of stage sent to a
// worker, or 0 if the stage was never dispatched.
func lastDispatched(job *models.Job, stage models.Stage) int {
	for i := len(job.StageHistory) - 1; i >= 0; i-- {
		e := job.StageHistory[i]
		if e.Outcome == models.OutcomeDispatched && e.Subject == stage {
			return e.Attempt
		}
	}
	return 0
}

func (c *Coordinator) succeed(ctx context.Context, job *models.Job, msg contract.Completion, o contract.Success) error {
	ok, err := c.resolver.Exists(ctx, o.ArtifactRef)
	if err != nil {
		return fmt.Errorf("resolving artifact: %w", err)
	}
	if !ok {
		if msg.Attempt <= job.RetryCounts[msg.Stage] {
			return fmt.Errorf("%w: unresolvable artifact from counted attempt %d", ErrDuplicateMessage, msg.Attempt)
		}
		c.logger.Warn("artifact not resolvable, counting as failure",
			"job_id", job.ID, "stage", msg.Stage, "artifact_ref", o.ArtifactRef)
		return c.fail(ctx, job, models.OutcomeFailed, fmt.Sprintf("artifact %q not resolvable", o.ArtifactRef), msg.Attempt)
	}

	step, _ := pipeline.StepFor(msg.Stage)
	updated, err := c.append(ctx, job, store.Transition{
		Entry: models.StageEntry{
			Stage:       step.Rest,
			Outcome:     models.OutcomeSucceeded,
			Subject:     msg.Stage,
			Attempt:     msg.Attempt,
			ArtifactRef: o.ArtifactRef,
			At:          c.clock(),
		},
	})
	if err != nil {
		return err
	}
	c.logger.Info("stage completed", "job_id", job.ID, "stage", msg.Stage, "next", updated.Stage)

	if updated.Stage == models.StageCompleted {
		c.finish(ctx, updated)
		return nil
	}
	if _, err := c.dispatch(ctx, updated); err != nil {
		c.logger.Warn("dispatching next stage failed, sweeper will retry", "job_id", job.ID, "error", err)
	}
	return nil
}

// fail counts one failed attempt of the job's working stage and either
// schedules the next attempt or fails the job.
func (c *Coordinator) fail(ctx context.Context, job *models.Job, outcome models.Outcome, reason string, attempt int) error {
	stage := job.Stage
	count := job.RetryCounts[stage] + 1
	now := c.clock()

	if count < c.policy.MaxAttempts() {
		delay := c.policy.NextDelay(count)
		next := now.Add(delay)
		updated, err := c.append(ctx, job, store.Transition{
			Entry: models.StageEntry{
				Stage:   stage,
				Outcome: outcome,
				Subject: stage,
				Attempt: attempt,
				Error:   reason,
				At:      now,
			},
			NextAttemptAt: &next,
		})
		if err != nil {
			return err
		}
		c.logger.Warn("stage failed, retry scheduled",
			"job_id", job.ID,
			"stage", stage,
			"attempt", attempt,
			"failures", count,
			"delay", delay.String(),
			"error", reason,
		)
		if delay <= 0 {
			step, _ := pipeline.StepFor(stage)
			if _, err := c.startStep(ctx, updated, step); err != nil {
				c.logger.Warn("immediate redispatch failed, sweeper will retry", "job_id", job.ID, "error", err)
			}
		}
		return nil
	}

	exhausted := fmt.Errorf("%w: %s failed %d times: %s", ErrStageExhausted, stage, count, reason)
	updated, err := c.append(ctx, job, store.Transition{
		Entry: models.StageEntry{
			Stage:   models.StageFailed,
			Outcome: models.OutcomeExhausted,
			Subject: stage,
			Attempt: attempt,
			Error:   exhausted.Error(),
			At:      now,
		},
	})
	if err != nil {
		return err
	}
	c.logger.Error("job failed", "job_id", job.ID, "stage", stage, "error", exhausted)
	c.finish(ctx, updated)
	return nil
}

// recordLate appends an audit entry for a completion of work that was
// still in flight when the job was cancelled. Each attempt is recorded
// once; completions for attempts never dispatched are rejected.
func (c *Coordinator) recordLate(ctx context.Context, job *models.Job, msg contract.Completion) error {
	if msg.Attempt == 0 {
		msg.Attempt = lastDispatched(job, msg.Stage)
	}

	dispatched := false
	for _, e := range job.StageHistory {
		if e.Subject != msg.Stage || e.Attempt != msg.Attempt {
			continue
		}
		switch e.Outcome {
		case models.OutcomeDispatched:
			dispatched = true
		case models.OutcomeLate:
			return fmt.Errorf("%w: late %s attempt %d already recorded", ErrDuplicateMessage, msg.Stage, msg.Attempt)
		case models.OutcomeSucceeded, models.OutcomeFailed:
			return fmt.Errorf("%w: %s attempt %d finished before cancellation", ErrDuplicateMessage, msg.Stage, msg.Attempt)
		}
	}
	if !dispatched {
		return fmt.Errorf("%w: %s attempt %d was never dispatched", ErrOutOfOrderMessage, msg.Stage, msg.Attempt)
	}

	entry := models.StageEntry{
		Stage:   models.StageCancelled,
		Outcome: models.OutcomeLate,
		Subject: msg.Stage,
		Attempt: msg.Attempt,
		At:      c.clock(),
	}
	switch o := msg.Outcome.(type) {
	case contract.Success:
		entry.ArtifactRef = o.ArtifactRef
	case contract.Failure:
		entry.Error = o.Error
	}
	if _, err := c.append(ctx, job, store.Transition{Entry: entry}); err != nil {
		return err
	}
	c.logger.Info("late completion recorded for cancelled job", "job_id", job.ID, "stage", msg.Stage, "attempt", msg.Attempt)
	c.invalidateStatus(ctx, job.ID)
	return nil
}
