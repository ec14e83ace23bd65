package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/podcleaner/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrConflict means the job moved on since the caller read it. Re-read
// and re-evaluate.
var ErrConflict = errors.New("concurrent modification")

// ErrInvalidTransition means the entry would move the job backwards or
// out of a terminal stage.
var ErrInvalidTransition = errors.New("invalid stage transition")

// JobStore is the durable home of job state. AppendTransition is the
// only way a job changes after creation.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// AppendTransition applies t only if the job is still in
	// expectedStage at expectedVersion, returning the updated job.
	AppendTransition(ctx context.Context, id uuid.UUID, expectedStage models.Stage, expectedVersion int, t Transition) (*models.Job, error)
	// ListDueJobs returns jobs whose timers have fired or that have sat
	// in a dispatchable rest stage since before f.StalledBefore.
	ListDueJobs(ctx context.Context, f DueFilter) ([]*models.Job, error)
}

// KeyStore holds API keys for the HTTP surface.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	JobStore
	KeyStore
}

// Transition is one history entry plus the timers that hold after it.
// Derived fields (artifacts, retry counts, error) follow from the entry.
type Transition struct {
	Entry models.StageEntry
	// DeadlineAt and NextAttemptAt replace the job's timers; nil clears.
	DeadlineAt    *time.Time
	NextAttemptAt *time.Time
}

// DueFilter selects jobs the sweeper should look at on one pass.
type DueFilter struct {
	Now           time.Time
	RestStages    []models.Stage
	StalledBefore time.Time
	Limit         int
}
