// Package contract defines the messages exchanged with stage workers and
// validates them at the boundary. Nothing past Decode sees a raw payload.
package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/podcleaner/internal/pipeline"
	"github.com/kiranshivaraju/podcleaner/pkg/models"
)

// WorkMessage asks a worker to perform one stage for one job. Workers
// echo JobID, Stage and Attempt on their completion. Each input is also
// written as a top-level field named after it, so a worker may read
// either `audio_ref` or `inputs.audio_ref`.
type WorkMessage struct {
	MessageID uuid.UUID         `json:"message_id" validate:"required"`
	JobID     uuid.UUID         `json:"job_id"     validate:"required"`
	Stage     models.Stage      `json:"stage"      validate:"required"`
	Attempt   int               `json:"attempt"    validate:"min=1"`
	Inputs    map[string]string `json:"inputs"     validate:"required,dive,required"`
	IssuedAt  time.Time         `json:"issued_at"  validate:"required"`
}

// Outcome is what a worker reports: exactly one of Success or Failure.
type Outcome interface {
	isOutcome()
}

// Success carries the reference to the artifact the stage produced.
type Success struct {
	ArtifactRef string
}

// Failure carries the worker's error description.
type Failure struct {
	Error string
}

func (Success) isOutcome() {}
func (Failure) isOutcome() {}

// Completion is a validated completion message. Attempt is 0 when the
// worker did not echo one; it then refers to the latest dispatched attempt.
type Completion struct {
	MessageID uuid.UUID
	JobID     uuid.UUID
	Stage     models.Stage
	Attempt   int
	Outcome   Outcome
	IssuedAt  time.Time
}

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// completionWire is the JSON shape of a completion. The artifact_ref and
// error fields are mutually exclusive and keyed off outcome.
type completionWire struct {
	MessageID   string    `json:"message_id,omitempty"`
	JobID       string    `json:"job_id"                 validate:"required"`
	Stage       string    `json:"stage"                  validate:"required"`
	Attempt     int       `json:"attempt,omitempty"      validate:"omitempty,min=1"`
	Outcome     string    `json:"outcome"                validate:"required,oneof=success failure"`
	ArtifactRef string    `json:"artifact_ref,omitempty" validate:"required_if=Outcome success"`
	Error       string    `json:"error,omitempty"        validate:"required_if=Outcome failure"`
	IssuedAt    time.Time `json:"issued_at,omitempty"`
}

// NewWorkMessage builds the request for step, resolving its inputs from
// the job. A missing upstream artifact is an error.
func NewWorkMessage(job *models.Job, step pipeline.Step, attempt int, now time.Time) (WorkMessage, error) {
	inputs := make(map[string]string, len(step.Inputs))
	for _, in := range step.Inputs {
		if in.From == "" {
			inputs[in.Name] = job.SourceURL
			continue
		}
		ref, ok := job.Artifacts[in.From]
		if !ok || ref == "" {
			return WorkMessage{}, fmt.Errorf("job %s: no %s artifact for input %s", job.ID, in.From, in.Name)
		}
		inputs[in.Name] = ref
	}
	return WorkMessage{
		MessageID: uuid.New(),
		JobID:     job.ID,
		Stage:     step.Work,
		Attempt:   attempt,
		Inputs:    inputs,
		IssuedAt:  now.UTC(),
	}, nil
}

// EncodeWork serializes a work message for publishing.
func EncodeWork(m WorkMessage) ([]byte, error) {
	return json.Marshal(m)
}

type workFields WorkMessage

// MarshalJSON writes the envelope plus every input as a top-level field.
func (m WorkMessage) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(workFields(m))
	if err != nil || len(m.Inputs) == 0 {
		return b, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	for name, v := range m.Inputs {
		if _, taken := fields[name]; taken {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		fields[name] = raw
	}
	return json.Marshal(fields)
}

// UnmarshalJSON accepts inputs from the inputs object or from top-level
// fields; the inputs object wins when both are present.
func (m *WorkMessage) UnmarshalJSON(b []byte) error {
	var w workFields
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	for _, name := range pipeline.InputNames() {
		raw, ok := fields[name]
		if !ok || w.Inputs[name] != "" {
			continue
		}
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("input %s: %w", name, err)
		}
		if w.Inputs == nil {
			w.Inputs = make(map[string]string)
		}
		w.Inputs[name] = v
	}
	*m = WorkMessage(w)
	return nil
}

// DecodeWork parses and validates a work message received on topic.
func DecodeWork(ctx context.Context, topic string, payload []byte) (WorkMessage, error) {
	var m WorkMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return WorkMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := ValidateStruct(ctx, m); err != nil {
		return WorkMessage{}, err
	}
	step, ok := pipeline.StepFor(m.Stage)
	if !ok || step.Request != topic {
		return WorkMessage{}, fmt.Errorf("%w: stage %q does not belong on %s", ErrMalformed, m.Stage, topic)
	}
	for _, in := range step.Inputs {
		if m.Inputs[in.Name] == "" {
			return WorkMessage{}, fmt.Errorf("%w: missing input %s", ErrMalformed, in.Name)
		}
	}
	return m, nil
}

// EncodeCompletion serializes a completion. Used by stage workers.
func EncodeCompletion(c Completion) ([]byte, error) {
	if c.Attempt < 0 {
		return nil, fmt.Errorf("%w: negative attempt", ErrMalformed)
	}
	w := completionWire{
		JobID:    c.JobID.String(),
		Stage:    string(c.Stage),
		Attempt:  c.Attempt,
		IssuedAt: c.IssuedAt,
	}
	if c.MessageID != uuid.Nil {
		w.MessageID = c.MessageID.String()
	}
	switch o := c.Outcome.(type) {
	case Success:
		w.Outcome = outcomeSuccess
		w.ArtifactRef = o.ArtifactRef
	case Failure:
		w.Outcome = outcomeFailure
		w.Error = o.Error
	default:
		return nil, fmt.Errorf("%w: completion has no outcome", ErrMalformed)
	}
	return json.Marshal(w)
}

// DecodeCompletion parses and validates a completion received on topic.
// The echoed stage must be the working stage the topic belongs to.
func DecodeCompletion(ctx context.Context, topic string, payload []byte) (Completion, error) {
	var w completionWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := ValidateStruct(ctx, w); err != nil {
		return Completion{}, err
	}
	if (w.Outcome == outcomeSuccess && w.Error != "") || (w.Outcome == outcomeFailure && w.ArtifactRef != "") {
		return Completion{}, fmt.Errorf("%w: artifact_ref and error are mutually exclusive", ErrMalformed)
	}

	step, ok := pipeline.StepForCompletion(topic)
	if !ok {
		return Completion{}, fmt.Errorf("%w: %s is not a completion topic", ErrMalformed, topic)
	}
	if models.Stage(w.Stage) != step.Work {
		return Completion{}, fmt.Errorf("%w: stage %q on %s, want %s", ErrMalformed, w.Stage, topic, step.Work)
	}

	jobID, err := uuid.Parse(w.JobID)
	if err != nil {
		return Completion{}, fmt.Errorf("%w: job_id: %v", ErrMalformed, err)
	}
	c := Completion{
		JobID:    jobID,
		Stage:    step.Work,
		Attempt:  w.Attempt,
		IssuedAt: w.IssuedAt,
	}
	if w.MessageID != "" {
		if c.MessageID, err = uuid.Parse(w.MessageID); err != nil {
			return Completion{}, fmt.Errorf("%w: message_id: %v", ErrMalformed, err)
		}
	}
	if w.Outcome == outcomeSuccess {
		c.Outcome = Success{ArtifactRef: w.ArtifactRef}
	} else {
		c.Outcome = Failure{Error: w.Error}
	}
	return c, nil
}
