package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/podcleaner/internal/artifact"
	"github.com/kiranshivaraju/podcleaner/internal/broker"
	"github.com/kiranshivaraju/podcleaner/internal/config"
	"github.com/kiranshivaraju/podcleaner/internal/contract"
	"github.com/kiranshivaraju/podcleaner/internal/fingerprint"
	"github.com/kiranshivaraju/podcleaner/internal/pipeline"
	"github.com/kiranshivaraju/podcleaner/internal/retry"
	"github.com/kiranshivaraju/podcleaner/internal/store"
	"github.com/kiranshivaraju/podcleaner/pkg/models"
)

const episodeURL = "https://feeds.example.com/show/episode-42.mp3"

// --- fakes ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now().UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeResolver struct {
	mu      sync.Mutex
	missing map[string]bool
	err     error
	panics  bool
}

func (r *fakeResolver) Exists(_ context.Context, ref string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panics {
		panic("resolver exploded")
	}
	if r.err != nil {
		return false, r.err
	}
	return !r.missing[ref], nil
}

func (r *fakeResolver) Locate(_ context.Context, ref string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missing[ref] {
		return "", artifact.ErrNotLocatable
	}
	return "https://cdn.example.com/" + ref, nil
}

type mockCache struct {
	mu       sync.Mutex
	statuses map[uuid.UUID][]byte
}

func newMockCache() *mockCache {
	return &mockCache{statuses: make(map[uuid.UUID][]byte)}
}

func (c *mockCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *mockCache) Get(_ context.Context, _ string) ([]byte, bool, error)          { return nil, false, nil }
func (c *mockCache) Delete(_ context.Context, _ string) error                       { return nil }
func (c *mockCache) Ping(_ context.Context) error                                   { return nil }
func (c *mockCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 0, nil
}

func (c *mockCache) SetJobStatus(_ context.Context, id uuid.UUID, status []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[id] = status
	return nil
}

func (c *mockCache) GetJobStatus(_ context.Context, id uuid.UUID) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[id]
	return s, ok, nil
}

func (c *mockCache) DeleteJobStatus(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.statuses, id)
	return nil
}

// --- harness ---

type harness struct {
	coord    *Coordinator
	store    *store.MemoryStore
	index    *fingerprint.MemoryIndex
	broker   *broker.MemoryBroker
	resolver *fakeResolver
	clock    *fakeClock
	cache    *mockCache
}

func newHarness(t *testing.T, policy retry.Policy) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemoryStore(),
		index:    fingerprint.NewMemoryIndex(),
		broker:   broker.NewMemoryBroker(nil),
		resolver: &fakeResolver{missing: map[string]bool{}},
		clock:    newFakeClock(),
		cache:    newMockCache(),
	}
	require.NoError(t, h.broker.Connect(context.Background()))
	h.coord = New(h.store, h.index, h.broker, h.resolver, policy, Config{
		StageTimeout: 10 * time.Minute,
		StallAfter:   2 * time.Minute,
		ClaimGrace:   30 * time.Second,
	}, WithClock(h.clock.Now), WithCache(h.cache))

	for _, topic := range pipeline.CompletionTopics() {
		require.NoError(t, h.broker.Subscribe(context.Background(), topic, h.coord.HandleDelivery))
	}
	return h
}

func defaultPolicy() retry.Policy {
	return retry.Constant{Attempts: 3, Delay: time.Minute}
}

func completion(jobID uuid.UUID, stage models.Stage, attempt int, outcome contract.Outcome) (string, []byte) {
	step, _ := pipeline.StepFor(stage)
	payload, err := contract.EncodeCompletion(contract.Completion{
		MessageID: uuid.New(),
		JobID:     jobID,
		Stage:     stage,
		Attempt:   attempt,
		Outcome:   outcome,
		IssuedAt:  time.Now().UTC(),
	})
	if err != nil {
		panic(err)
	}
	return step.Completion, payload
}

func (h *harness) deliver(t *testing.T, jobID uuid.UUID, stage models.Stage, attempt int, outcome contract.Outcome) error {
	t.Helper()
	topic, payload := completion(jobID, stage, attempt, outcome)
	return h.coord.HandleMessage(context.Background(), topic, payload)
}

func (h *harness) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) workMessages(t *testing.T, topic string) []contract.WorkMessage {
	t.Helper()
	var out []contract.WorkMessage
	for _, p := range h.broker.Published(topic) {
		m, err := contract.DecodeWork(context.Background(), topic, p)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func (h *harness) submit(t *testing.T) uuid.UUID {
	t.Helper()
	res, err := h.coord.Submit(context.Background(), episodeURL)
	require.NoError(t, err)
	require.False(t, res.Deduplicated)
	return res.JobID
}

// --- tests ---

func TestSubmit_RunsPipelineToCompletion(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()

	res, err := h.coord.Submit(ctx, episodeURL)
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	assert.Equal(t, models.StageDownloading, res.Stage)

	downloads := h.workMessages(t, pipeline.TopicDownloadRequested)
	require.Len(t, downloads, 1)
	assert.Equal(t, res.JobID, downloads[0].JobID)
	assert.Equal(t, 1, downloads[0].Attempt)
	assert.Equal(t, episodeURL, downloads[0].Inputs[pipeline.InputSourceURL])

	require.NoError(t, h.deliver(t, res.JobID, models.StageDownloading, 1, contract.Success{ArtifactRef: "s3://audio/raw.mp3"}))
	transcribes := h.workMessages(t, pipeline.TopicTranscribeRequested)
	require.Len(t, transcribes, 1)
	assert.Equal(t, "s3://audio/raw.mp3", transcribes[0].Inputs[pipeline.InputAudioRef])
	assert.Equal(t, models.StageTranscribing, h.job(t, res.JobID).Stage)

	require.NoError(t, h.deliver(t, res.JobID, models.StageTranscribing, 1, contract.Success{ArtifactRef: "s3://audio/transcript.json"}))
	ads := h.workMessages(t, pipeline.TopicAdsRequested)
	require.Len(t, ads, 1)
	assert.Equal(t, "s3://audio/transcript.json", ads[0].Inputs[pipeline.InputTranscriptRef])

	require.NoError(t, h.deliver(t, res.JobID, models.StageDetectingAds, 1, contract.Success{ArtifactRef: "s3://audio/ads.json"}))
	process := h.workMessages(t, pipeline.TopicProcessRequested)
	require.Len(t, process, 1)
	assert.Equal(t, "s3://audio/raw.mp3", process[0].Inputs[pipeline.InputAudioRef])
	assert.Equal(t, "s3://audio/ads.json", process[0].Inputs[pipeline.InputAdSegments])

	require.NoError(t, h.deliver(t, res.JobID, models.StageProcessing, 1, contract.Success{ArtifactRef: "s3://audio/clean.mp3"}))

	job := h.job(t, res.JobID)
	assert.Equal(t, models.StageCompleted, job.Stage)
	assert.Len(t, job.Artifacts, 4)
	assert.Nil(t, job.DeadlineAt)
	assert.Nil(t, job.ErrorMessage)

	last := -1
	for _, e := range job.StageHistory {
		pos := pipeline.Position(e.Stage)
		assert.GreaterOrEqual(t, pos, last, "history regressed at %s", e.Stage)
		last = pos
	}

	rec, err := h.index.Resolve(ctx, job.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "s3://audio/clean.mp3", rec.ResultRef)

	again, err := h.coord.Submit(ctx, episodeURL+"#t=10")
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)
	assert.Equal(t, res.JobID, again.JobID)
	assert.Equal(t, models.StageCompleted, again.Stage)
}

func TestSubmit_InvalidSource(t *testing.T) {
	h := newHarness(t, defaultPolicy())

	_, err := h.coord.Submit(context.Background(), "not a url")
	assert.ErrorIs(t, err, fingerprint.ErrInvalidSource)
}

func TestSubmit_ActiveFingerprintReturnsSameJob(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	id := h.submit(t)

	res, err := h.coord.Submit(context.Background(), "HTTPS://feeds.example.com:443/show/episode-42.mp3?utm_source=rss")
	require.NoError(t, err)
	assert.True(t, res.Deduplicated)
	assert.Equal(t, id, res.JobID)
	assert.Len(t, h.broker.Published(pipeline.TopicDownloadRequested), 1)
}

func TestSubmit_ConcurrentIdenticalSubmissionsShareOneJob(t *testing.T) {
	h := newHarness(t, defaultPolicy())

	const n = 20
	var wg sync.WaitGroup
	results := make([]*SubmitResult, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.coord.Submit(context.Background(), episodeURL)
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].JobID, results[i].JobID)
		if !results[i].Deduplicated {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Len(t, h.broker.Published(pipeline.TopicDownloadRequested), 1)
}

func TestSubmit_ReleasesOrphanedClaim(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()

	fp, err := fingerprint.FromURL(episodeURL)
	require.NoError(t, err)
	orphan := uuid.New()
	claim, err := h.index.Claim(ctx, fp, orphan)
	require.NoError(t, err)
	require.True(t, claim.Claimed)

	h.clock.Advance(time.Minute)

	res, err := h.coord.Submit(ctx, episodeURL)
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	assert.NotEqual(t, orphan, res.JobID)
}

func TestHandleCompletion_DuplicateDeliveryIsNoOp(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	id := h.submit(t)

	require.NoError(t, h.deliver(t, id, models.StageDownloading, 1, contract.Success{ArtifactRef: "s3://audio/raw.mp3"}))
	before := h.job(t, id)

	err := h.deliver(t, id, models.StageDownloading, 1, contract.Success{ArtifactRef: "s3://audio/raw.mp3"})
	assert.ErrorIs(t, err, ErrDuplicateMessage)

	after := h.job(t, id)
	assert.Equal(t, before.Version(), after.Version())
	assert.Equal(t, before.Stage, after.Stage)
	assert.Len(t, h.broker.Published(pipeline.TopicTranscribeRequested), 1)

	topic, payload := completion(id, models.StageDownloading, 1, contract.Success{ArtifactRef: "s3://audio/raw.mp3"})
	assert.NoError(t, h.coord.HandleDelivery(context.Background(), broker.Delivery{Topic: topic, Payload: payload}))
}

func TestHandleCompletion_ConcurrentDuplicatesAdvanceOnce(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	id := h.submit(t)

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.deliver(t, id, models.StageDownloading, 1, contract.Success{ArtifactRef: "s3://audio/raw.mp3"})
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, err := range errs {
		if err == nil {
			applied++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateMessage)
	}
	assert.Equal(t, 1, applied)

	succeeded := 0
	for _, e := range h.job(t, id).StageHistory {
		if e.Outcome == models.OutcomeSucceeded {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, h.broker.Published(pipeline.TopicTranscribeRequested), 1)
}

func TestHandleCompletion_OutOfOrderLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	id := h.submit(t)
	before := h.job(t, id)

	err := h.deliver(t, id, models.StageTranscribing, 1, contract.Success{ArtifactRef: "s3://audio/transcript.json"})
	assert.ErrorIs(t, err, ErrOutOfOrderMessage)

	err = h.deliver(t, id, models.StageDownloading, 2, contract.Success{ArtifactRef: "s3://audio/raw.mp3"})
	assert.ErrorIs(t, err, ErrOutOfOrderMessage)

	after := h.job(t, id)
	assert.Equal(t, models.StageDownloading, after.Stage)
	assert.Equal(t, before.Version(), after.Version())
}

func TestHandleCompletion_RetriesThenExhausts(t *testing.T) {
	h := newHarness(t, retry.Constant{Attempts: 3})
	ctx := context.Background()
	id := h.submit(t)

	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, h.deliver(t, id, models.StageDownloading, attempt, contract.Failure{Error: "connection reset"}))
	}

	downloads := h.workMessages(t, pipeline.TopicDownloadRequested)
	require.Len(t, downloads, 3)
	for i, m := range downloads {
		assert.Equal(t, i+1, m.Attempt)
	}

	job := h.job(t, id)
	assert.Equal(t, models.StageFailed, job.Stage)
	assert.Equal(t, 3, job.RetryCounts[models.StageDownloading])
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, ErrStageExhausted.Error())
	assert.Equal(t, models.OutcomeExhausted, job.StageHistory[len(job.StageHistory)-1].Outcome)

	rec, err := h.index.Resolve(ctx, job.Fingerprint)
	require.NoError(t, err)
	assert.Nil(t, rec)

	res, err := h.coord.Submit(ctx, episodeURL)
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	assert.NotEqual(t, id, res.JobID)
}

func TestHandleCompletion_StaleFailureIsDuplicate(t *testing.T) {
	h := newHarness(t, retry.Constant{Attempts: 3})
	id := h.submit(t)

	require.NoError(t, h.deliver(t, id, models.StageDownloading, 1, contract.Failure{Error: "timeout"}))
	err := h.deliver(t, id, models.StageDownloading, 1, contract.Failure{Error: "timeout"})
	assert.ErrorIs(t, err, ErrDuplicateMessage)
	assert.Equal(t, 1, h.job(t, id).RetryCounts[models.StageDownloading])
}

func TestHandleCompletion_BackoffWaitsForSweep(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	id := h.submit(t)

	require.NoError(t, h.deliver(t, id, models.StageDownloading, 1, contract.Failure{Error: "503"}))
	job := h.job(t, id)
	require.NotNil(t, job.NextAttemptAt)
	assert.Nil(t, job.DeadlineAt)

	moved, err := h.coord.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
	assert.Len(t, h.broker.Published(pipeline.TopicDownloadRequested), 1)

	h.clock.Advance(2 * time.Minute)
	moved, err = h.coord.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	downloads := h.workMessages(t, pipeline.TopicDownloadRequested)
	require.Len(t, downloads, 2)
	assert.Equal(t, 2, downloads[1].Attempt)

	job = h.job(t, id)
	assert.Nil(t, job.NextAttemptAt)
	assert.NotNil(t, job.DeadlineAt)
}

func TestHandleCompletion_FailureForUndispatchedAttemptIsOutOfOrder(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	id := h.submit(t)

	require.NoError(t, h.deliver(t, id, models.StageDownloading, 1, contract.Failure{Error: "503"}))
	require.NotNil(t, h.job(t, id).NextAttemptAt)

	err := h.deliver(t, id, models.StageDownloading, 2, contract.Failure{Error: "503"})
	assert.ErrorIs(t, err, ErrOutOfOrderMessage)

	job := h.job(t, id)
	assert.Equal(t, 1, job.RetryCounts[models.StageDownloading])
	assert.Len(t, h.broker.Published(pipeline.TopicDownloadRequested), 1)
}

func TestHandleCompletion_AttemptOmittedMeansDispatchedAttempt(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	id := h.submit(t)

	failure := []byte(`{"job_id":"` + id.String() + `","stage":"Downloading","outcome":"failure","error":"dns"}`)
	require.NoError(t, h.coord.HandleMessage(ctx, pipeline.TopicDownloadCompleted, failure))
	assert.Equal(t, 1, h.job(t, id).RetryCounts[models.StageDownloading])

	err := h.coord.HandleMessage(ctx, pipeline.TopicDownloadCompleted, failure)
	assert.ErrorIs(t, err, ErrDuplicateMessage, "attempt 1 is already counted while the retry waits")

	h.clock.Advance(2 * time.Minute)
	_, err = h.coord.Sweep(ctx)
	require.NoError(t, err)

	success := []byte(`{"job_id":"` + id.String() + `","stage":"Downloading","outcome":"success","artifact_ref":"A1"}`)
	require.NoError(t, h.coord.HandleMessage(ctx, pipeline.TopicDownloadCompleted, success))

	job := h.job(t, id)
	assert.Equal(t, models.StageTranscribing, job.Stage)
	assert.Equal(t, "A1", job.Artifacts[models.StageDownloading])
	transcribes := h.workMessages(t, pipeline.TopicTranscribeRequested)
	require.Len(t, transcribes, 1)
	assert.Equal(t, "A1", transcribes[0].Inputs[pipeline.InputAudioRef])
}

func TestHandleCompletion_UnresolvableArtifactCountsAsFailure(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	id := h.submit(t)
	h.resolver.missing["s3://audio/gone.mp3"] = true

	require.NoError(t, h.deliver(t, id, models.StageDownloading, 1, contract.Success{ArtifactRef: "s3://audio/gone.mp3"}))

	job := h.job(t, id)
	assert.Equal(t, models.StageDownloading, job.Stage)
	assert.Equal(t, 1, job.RetryCounts[models.StageDownloading])
	assert.Empty(t, job.Artifacts)
}

func TestSweep_TimesOutOverdueStage(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	id := h.submit(t)

	h.clock.Advance(11 * time.Minute)
	moved, err := h.coord.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	job := h.job(t, id)
	assert.Equal(t, models.StageDownloading, job.Stage)
	assert.Equal(t, 1, job.RetryCounts[models.StageDownloading])
	assert.Equal(t, models.OutcomeTimedOut, job.StageHistory[len(job.StageHistory)-1].Outcome)
	assert.NotNil(t, job.NextAttemptAt)
}

func TestSweep_RepeatedTimeoutsFailJob(t *testing.T) {
	h := newHarness(t, retry.Constant{Attempts: 2})
	id := h.submit(t)

	for range 2 {
		h.clock.Advance(11 * time.Minute)
		_, err := h.coord.Sweep(context.Background())
		require.NoError(t, err)
	}

	job := h.job(t, id)
	assert.Equal(t, models.StageFailed, job.Stage)
	assert.Equal(t, 2, job.RetryCounts[models.StageDownloading])
}

func TestSweep_DispatchesStalledJob(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()

	job := models.NewJob(uuid.New(), "url:stalled", episodeURL, h.clock.Now())
	require.NoError(t, h.store.CreateJob(ctx, job))

	moved, err := h.coord.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)

	h.clock.Advance(3 * time.Minute)
	moved, err = h.coord.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Equal(t, models.StageDownloading, h.job(t, job.ID).Stage)
}

func TestCancel_LateCompletionIsAuditedOnly(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	id := h.submit(t)

	job, err := h.coord.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StageCancelled, job.Stage)

	rec, err := h.index.Resolve(ctx, job.Fingerprint)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, h.deliver(t, id, models.StageDownloading, 1, contract.Success{ArtifactRef: "s3://audio/raw.mp3"}))
	job = h.job(t, id)
	assert.Equal(t, models.StageCancelled, job.Stage)
	assert.Empty(t, job.Artifacts)
	late := job.StageHistory[len(job.StageHistory)-1]
	assert.Equal(t, models.OutcomeLate, late.Outcome)
	assert.Equal(t, "s3://audio/raw.mp3", late.ArtifactRef)
	assert.Empty(t, h.broker.Published(pipeline.TopicTranscribeRequested))

	err = h.deliver(t, id, models.StageDownloading, 1, contract.Success{ArtifactRef: "s3://audio/raw.mp3"})
	assert.ErrorIs(t, err, ErrDuplicateMessage)

	_, err = h.coord.Cancel(ctx, id)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestCancel_LateCompletionMustMatchDispatchedWork(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	id := h.submit(t)

	_, err := h.coord.Cancel(ctx, id)
	require.NoError(t, err)
	before := h.job(t, id)

	tests := []struct {
		name    string
		stage   models.Stage
		attempt int
	}{
		{"stage never reached", models.StageProcessing, 7},
		{"attempt never dispatched", models.StageDownloading, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.deliver(t, id, tt.stage, tt.attempt, contract.Success{ArtifactRef: "bogus"})
			assert.ErrorIs(t, err, ErrOutOfOrderMessage)
		})
	}

	after := h.job(t, id)
	assert.Equal(t, before.Version(), after.Version())
}

func TestCancel_FinishedAttemptIsNotLate(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	id := h.submit(t)

	require.NoError(t, h.deliver(t, id, models.StageDownloading, 1, contract.Success{ArtifactRef: "s3://audio/raw.mp3"}))
	_, err := h.coord.Cancel(ctx, id)
	require.NoError(t, err)

	err = h.deliver(t, id, models.StageDownloading, 1, contract.Success{ArtifactRef: "s3://audio/raw.mp3"})
	assert.ErrorIs(t, err, ErrDuplicateMessage)

	require.NoError(t, h.deliver(t, id, models.StageTranscribing, 1, contract.Failure{Error: "killed"}))
	last := h.job(t, id).StageHistory
	assert.Equal(t, models.OutcomeLate, last[len(last)-1].Outcome)
	assert.Equal(t, models.StageTranscribing, last[len(last)-1].Subject)
}

func TestDownload(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	id := h.submit(t)

	_, err := h.coord.Download(ctx, id)
	assert.ErrorIs(t, err, ErrNotCompleted)

	stages := []models.Stage{models.StageDownloading, models.StageTranscribing, models.StageDetectingAds, models.StageProcessing}
	for _, st := range stages {
		require.NoError(t, h.deliver(t, id, st, 1, contract.Success{ArtifactRef: "s3://audio/" + string(st)}))
	}

	link, err := h.coord.Download(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/s3://audio/Processing", link)

	_, err = h.coord.Download(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancel_UnknownJob(t *testing.T) {
	h := newHarness(t, defaultPolicy())

	_, err := h.coord.Cancel(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRetry(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	id := h.submit(t)

	_, err := h.coord.Retry(ctx, id)
	assert.ErrorIs(t, err, ErrNotRetryable)

	_, err = h.coord.Cancel(ctx, id)
	require.NoError(t, err)

	res, err := h.coord.Retry(ctx, id)
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	assert.NotEqual(t, id, res.JobID)
	assert.Equal(t, models.StageDownloading, res.Stage)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	id := h.submit(t)

	st, err := h.coord.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StageDownloading, st.Stage)
	assert.False(t, st.Terminal)
	assert.NotNil(t, st.DeadlineAt)
	_, cached, _ := h.cache.GetJobStatus(ctx, id)
	assert.False(t, cached, "in-flight status must not be cached")

	_, err = h.coord.Cancel(ctx, id)
	require.NoError(t, err)
	_, cached, _ = h.cache.GetJobStatus(ctx, id)
	assert.True(t, cached)

	st, err = h.coord.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StageCancelled, st.Stage)
	assert.True(t, st.Terminal)

	require.NoError(t, h.deliver(t, id, models.StageDownloading, 1, contract.Failure{Error: "late"}))
	_, cached, _ = h.cache.GetJobStatus(ctx, id)
	assert.False(t, cached, "late completion must invalidate cached status")

	_, err = h.coord.Status(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleDelivery_AbsorbsAnomalies(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	id := h.submit(t)

	unknownTopic, unknownPayload := completion(uuid.New(), models.StageDownloading, 1, contract.Success{ArtifactRef: "x"})
	_, wrongStagePayload := completion(id, models.StageTranscribing, 1, contract.Success{ArtifactRef: "x"})

	tests := []struct {
		name    string
		topic   string
		payload []byte
	}{
		{"not json", pipeline.TopicDownloadCompleted, []byte("{oops")},
		{"missing outcome", pipeline.TopicDownloadCompleted, []byte(`{"job_id":"` + id.String() + `","stage":"Downloading","attempt":1}`)},
		{"both artifact and error", pipeline.TopicDownloadCompleted, []byte(`{"job_id":"` + id.String() + `","stage":"Downloading","attempt":1,"outcome":"success","artifact_ref":"a","error":"b"}`)},
		{"stage not echoed", pipeline.TopicDownloadCompleted, wrongStagePayload},
		{"unknown job", unknownTopic, unknownPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.coord.HandleDelivery(ctx, broker.Delivery{ID: "1-0", Topic: tt.topic, Payload: tt.payload})
			assert.NoError(t, err)
		})
	}

	job := h.job(t, id)
	assert.Equal(t, models.StageDownloading, job.Stage)
	assert.Equal(t, 2, job.Version())
}

func TestHandleMessage_MalformedIsTyped(t *testing.T) {
	h := newHarness(t, defaultPolicy())

	err := h.coord.HandleMessage(context.Background(), pipeline.TopicDownloadCompleted, []byte("{}"))
	assert.ErrorIs(t, err, ErrMalformedMessage)
	assert.ErrorIs(t, err, contract.ErrMalformed)
}

func TestHandleDelivery_InfrastructureErrorLeavesMessagePending(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	id := h.submit(t)
	h.resolver.err = errors.New("s3 unavailable")

	topic, payload := completion(id, models.StageDownloading, 1, contract.Success{ArtifactRef: "s3://audio/raw.mp3"})
	require.NoError(t, h.broker.Publish(ctx, topic, payload))
	assert.Equal(t, 1, h.broker.Pending())
	assert.Equal(t, models.StageDownloading, h.job(t, id).Stage)

	h.resolver.mu.Lock()
	h.resolver.err = nil
	h.resolver.mu.Unlock()
	h.broker.Redeliver(ctx)

	assert.Equal(t, 0, h.broker.Pending())
	assert.Equal(t, models.StageTranscribing, h.job(t, id).Stage)
}

func TestHandleDelivery_RecoversPanic(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	id := h.submit(t)
	h.resolver.panics = true

	topic, payload := completion(id, models.StageDownloading, 1, contract.Success{ArtifactRef: "s3://audio/raw.mp3"})
	assert.NotPanics(t, func() {
		err := h.coord.HandleDelivery(context.Background(), broker.Delivery{Topic: topic, Payload: payload})
		assert.NoError(t, err)
	})
}

func TestRun_SubscribesAndStops(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	require.NoError(t, b.Connect(context.Background()))
	st := store.NewMemoryStore()
	c := New(st, fingerprint.NewMemoryIndex(), b, &fakeResolver{}, defaultPolicy(), Config{SweepInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.PipelineConfig{StageTimeout: 15 * time.Minute, SweepBatch: 50})
	assert.Equal(t, 15*time.Minute, cfg.StageTimeout)
	assert.Equal(t, 50, cfg.SweepBatch)
	assert.Equal(t, 5, cfg.MaxConflictRetries)

	d := Config{}.withDefaults()
	assert.Equal(t, 30*time.Minute, d.StageTimeout)
	assert.Equal(t, 100, d.SweepBatch)
}
