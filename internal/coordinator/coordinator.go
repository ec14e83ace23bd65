// Package coordinator drives jobs through the pipeline. It is the only
// component that moves a job between stages, and it does so solely
// through the job store's optimistic AppendTransition, so any number of
// coordinators may run against the same store, index and broker.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiranshivaraju/podcleaner/internal/artifact"
	"github.com/kiranshivaraju/podcleaner/internal/broker"
	"github.com/kiranshivaraju/podcleaner/internal/cache"
	"github.com/kiranshivaraju/podcleaner/internal/config"
	"github.com/kiranshivaraju/podcleaner/internal/fingerprint"
	"github.com/kiranshivaraju/podcleaner/internal/pipeline"
	"github.com/kiranshivaraju/podcleaner/internal/retry"
	"github.com/kiranshivaraju/podcleaner/internal/store"
	"github.com/kiranshivaraju/podcleaner/pkg/models"
)

const tracerName = "github.com/kiranshivaraju/podcleaner/internal/coordinator"

// Config holds the coordinator timing and batching knobs.
type Config struct {
	StageTimeout   time.Duration
	StallAfter     time.Duration
	SweepInterval  time.Duration
	SweepBatch     int
	ClaimGrace     time.Duration
	StatusCacheTTL time.Duration
	// MaxConflictRetries bounds how often one operation re-reads a job
	// after losing an optimistic concurrency race.
	MaxConflictRetries int
}

// ConfigFrom maps the pipeline settings onto coordinator settings.
func ConfigFrom(p config.PipelineConfig) Config {
	return Config{
		StageTimeout:       p.StageTimeout,
		StallAfter:         p.StallAfter,
		SweepInterval:      p.SweepInterval,
		SweepBatch:         p.SweepBatch,
		ClaimGrace:         p.ClaimGrace,
		StatusCacheTTL:     p.StatusCacheTTL,
		MaxConflictRetries: 5,
	}
}

func (c Config) withDefaults() Config {
	if c.StageTimeout <= 0 {
		c.StageTimeout = 30 * time.Minute
	}
	if c.StallAfter <= 0 {
		c.StallAfter = 2 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	if c.ClaimGrace <= 0 {
		c.ClaimGrace = 30 * time.Second
	}
	if c.StatusCacheTTL <= 0 {
		c.StatusCacheTTL = 24 * time.Hour
	}
	if c.MaxConflictRetries <= 0 {
		c.MaxConflictRetries = 5
	}
	return c
}

// Option customizes a Coordinator built by New.
type Option func(*Coordinator)

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithCache enables caching of terminal status projections.
func WithCache(cc cache.Cache) Option {
	return func(c *Coordinator) { c.cache = cc }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator owns every stage transition.
type Coordinator struct {
	jobs     store.JobStore
	index    fingerprint.Index
	broker   broker.Broker
	resolver artifact.Resolver
	policy   retry.Policy
	cache    cache.Cache
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	tracer   trace.Tracer
}

// New creates a Coordinator. The broker must already be connected.
func New(jobs store.JobStore, index fingerprint.Index, b broker.Broker, resolver artifact.Resolver, policy retry.Policy, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		jobs:     jobs,
		index:    index,
		broker:   b,
		resolver: resolver,
		policy:   policy,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		now:      time.Now,
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "coordinator")
	return c
}

// Run subscribes to every completion topic and runs the sweeper until ctx
// is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	for _, topic := range pipeline.CompletionTopics() {
		if err := c.broker.Subscribe(ctx, topic, c.HandleDelivery); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
	}
	c.logger.Info("coordinator started", "sweep_interval", c.cfg.SweepInterval.String())

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopped")
			return nil
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				c.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

func (c *Coordinator) clock() time.Time {
	return c.now().UTC()
}

func (c *Coordinator) append(ctx context.Context, job *models.Job, t store.Transition) (*models.Job, error) {
	return c.jobs.AppendTransition(ctx, job.ID, job.Stage, job.Version(), t)
}

// finish releases the job's fingerprint claim once it is terminal.
// Completed jobs keep their record so resubmissions reuse the result.
func (c *Coordinator) finish(ctx context.Context, job *models.Job) {
	resultRef := ""
	if job.Stage == models.StageCompleted {
		resultRef = job.Artifacts[models.StageProcessing]
	}
	if err := c.index.Release(ctx, job.Fingerprint, job.ID, resultRef); err != nil {
		c.logger.Error("releasing fingerprint", "job_id", job.ID, "error", err)
	}
	c.cacheStatus(ctx, job)
}
