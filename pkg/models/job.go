package models

import (
	"time"

	"github.com/google/uuid"
)

// Stage is a position in the episode processing pipeline.
type Stage string

const (
	StageQueued       Stage = "Queued"
	StageDownloading  Stage = "Downloading"
	StageDownloaded   Stage = "Downloaded"
	StageTranscribing Stage = "Transcribing"
	StageTranscribed  Stage = "Transcribed"
	StageDetectingAds Stage = "DetectingAds"
	StageAdsDetected  Stage = "AdsDetected"
	StageProcessing   Stage = "Processing"
	StageCompleted    Stage = "Completed"
	StageFailed       Stage = "Failed"
	StageCancelled    Stage = "Cancelled"
)

// Terminal reports whether no further pipeline work happens for a job in s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// Outcome classifies a single stage history entry.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeDispatched Outcome = "dispatched"
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeFailed     Outcome = "failed"
	OutcomeTimedOut   Outcome = "timed_out"
	OutcomeExhausted  Outcome = "exhausted"
	OutcomeCancelled  Outcome = "cancelled"
	// OutcomeLate is an audit record for a completion that arrived after cancellation.
	OutcomeLate Outcome = "late_completion"
)

// CountsAttempt reports whether an entry with this outcome consumes a retry attempt.
func (o Outcome) CountsAttempt() bool {
	return o == OutcomeFailed || o == OutcomeTimedOut || o == OutcomeExhausted
}

// StageEntry is one append-only record in a job's stage history.
// Stage is the stage the job was in after the entry; Subject is the
// working stage the entry talks about, when that differs.
type StageEntry struct {
	Stage       Stage     `json:"stage"`
	Outcome     Outcome   `json:"outcome"`
	Subject     Stage     `json:"subject,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Job is the durable record of one episode moving through the pipeline.
// The history is append-only and its length doubles as the optimistic
// concurrency version.
type Job struct {
	ID            uuid.UUID        `db:"id"              json:"id"`
	Fingerprint   string           `db:"fingerprint"     json:"fingerprint"`
	SourceURL     string           `db:"source_url"      json:"source_url"`
	Stage         Stage            `db:"stage"           json:"stage"`
	StageHistory  []StageEntry     `db:"-"               json:"stage_history"`
	RetryCounts   map[Stage]int    `db:"retry_counts"    json:"retry_counts"`
	Artifacts     map[Stage]string `db:"artifacts"       json:"artifacts"`
	ErrorMessage  *string          `db:"error_message"   json:"error_message,omitempty"`
	DeadlineAt    *time.Time       `db:"deadline_at"     json:"deadline_at,omitempty"`
	NextAttemptAt *time.Time       `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time        `db:"created_at"      json:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at"      json:"updated_at"`
}

// NewJob returns a Queued job with its creation entry recorded.
func NewJob(id uuid.UUID, fingerprint, sourceURL string, now time.Time) *Job {
	return &Job{
		ID:          id,
		Fingerprint: fingerprint,
		SourceURL:   sourceURL,
		Stage:       StageQueued,
		StageHistory: []StageEntry{
			{Stage: StageQueued, Outcome: OutcomeCreated, At: now},
		},
		RetryCounts: map[Stage]int{},
		Artifacts:   map[Stage]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Version is the optimistic concurrency token for AppendTransition.
func (j *Job) Version() int {
	return len(j.StageHistory)
}

// Clone returns a deep copy so callers never share maps or history with a store.
func (j *Job) Clone() *Job {
	c := *j
	c.StageHistory = append([]StageEntry(nil), j.StageHistory...)
	c.RetryCounts = make(map[Stage]int, len(j.RetryCounts))
	for k, v := range j.RetryCounts {
		c.RetryCounts[k] = v
	}
	c.Artifacts = make(map[Stage]string, len(j.Artifacts))
	for k, v := range j.Artifacts {
		c.Artifacts[k] = v
	}
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		c.ErrorMessage = &msg
	}
	if j.DeadlineAt != nil {
		t := *j.DeadlineAt
		c.DeadlineAt = &t
	}
	if j.NextAttemptAt != nil {
		t := *j.NextAttemptAt
		c.NextAttemptAt = &t
	}
	return &c
}
