package store

import (
	"fmt"
	"time"

	"github.com/kiranshivaraju/podcleaner/internal/pipeline"
	"github.com/kiranshivaraju/podcleaner/pkg/models"
)

// apply mutates job as t dictates. Both store implementations share it
// so the derived-field rules live in one place:
//   - a succeeded entry records its artifact under the subject stage
//   - a failed, timed out or exhausted entry counts one attempt
//   - entering Failed records the entry's error
func (t Transition) apply(job *models.Job) error {
	e := t.Entry
	if e.Stage == "" || e.Outcome == "" {
		return fmt.Errorf("%w: entry needs stage and outcome", ErrInvalidTransition)
	}
	if !pipeline.CanTransition(job.Stage, e.Stage) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Stage, e.Stage)
	}
	if job.Stage.Terminal() && e.Outcome != models.OutcomeLate {
		return fmt.Errorf("%w: job is %s", ErrInvalidTransition, job.Stage)
	}
	if e.Outcome == models.OutcomeSucceeded && (e.Subject == "" || e.ArtifactRef == "") {
		return fmt.Errorf("%w: success needs subject and artifact", ErrInvalidTransition)
	}
	if e.Outcome.CountsAttempt() && e.Subject == "" {
		return fmt.Errorf("%w: %s needs a subject", ErrInvalidTransition, e.Outcome)
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	if job.RetryCounts == nil {
		job.RetryCounts = map[models.Stage]int{}
	}
	if job.Artifacts == nil {
		job.Artifacts = map[models.Stage]string{}
	}

	switch {
	case e.Outcome == models.OutcomeSucceeded:
		job.Artifacts[e.Subject] = e.ArtifactRef
	case e.Outcome.CountsAttempt():
		job.RetryCounts[e.Subject]++
	}
	if e.Stage == models.StageFailed && job.Stage != models.StageFailed {
		msg := e.Error
		job.ErrorMessage = &msg
	}

	job.StageHistory = append(job.StageHistory, e)
	job.Stage = e.Stage
	job.DeadlineAt = t.DeadlineAt
	job.NextAttemptAt = t.NextAttemptAt
	job.UpdatedAt = e.At
	return nil
}

// due reports whether job matches f.
func (f DueFilter) due(job *models.Job) bool {
	if job.DeadlineAt != nil && !job.DeadlineAt.After(f.Now) {
		return true
	}
	if job.NextAttemptAt != nil && !job.NextAttemptAt.After(f.Now) {
		return true
	}
	for _, s := range f.RestStages {
		if job.Stage == s && job.UpdatedAt.Before(f.StalledBefore) {
			return true
		}
	}
	return false
}
