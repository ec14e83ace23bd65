package fingerprint

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is the index entry for one fingerprint. A record with a
// ResultRef belongs to a completed job; otherwise the job is in flight.
type Record struct {
	Fingerprint string
	JobID       uuid.UUID
	ResultRef   string
	ClaimedAt   time.Time
}

// Completed reports whether the owning job finished successfully.
func (r Record) Completed() bool {
	return r.ResultRef != ""
}

// ClaimResult reports whether a claim won, and otherwise who holds it.
type ClaimResult struct {
	Claimed bool
	Owner   Record
}

// Index maps fingerprints to owning jobs. Claim is an atomic
// insert-if-absent: of any number of concurrent claims for one
// fingerprint exactly one wins.
type Index interface {
	Resolve(ctx context.Context, fingerprint string) (*Record, error)
	Claim(ctx context.Context, fingerprint string, jobID uuid.UUID) (ClaimResult, error)
	// Release gives up jobID's claim. A non-empty resultRef keeps the
	// record as a completed result; an empty one deletes it so the
	// episode can be submitted again. Releasing a claim held by another
	// job is a no-op.
	Release(ctx context.Context, fingerprint string, jobID uuid.UUID, resultRef string) error
}

// MemoryIndex is an in-process Index for tests and single-node runs.
type MemoryIndex struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

var _ Index = (*MemoryIndex)(nil)

// NewMemoryIndex returns an empty in-process index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]Record), now: time.Now}
}

func (m *MemoryIndex) Resolve(_ context.Context, fingerprint string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[fingerprint]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryIndex) Claim(_ context.Context, fingerprint string, jobID uuid.UUID) (ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[fingerprint]; ok {
		return ClaimResult{Owner: rec}, nil
	}
	rec := Record{Fingerprint: fingerprint, JobID: jobID, ClaimedAt: m.now().UTC()}
	m.records[fingerprint] = rec
	return ClaimResult{Claimed: true, Owner: rec}, nil
}

func (m *MemoryIndex) Release(_ context.Context, fingerprint string, jobID uuid.UUID, resultRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[fingerprint]
	if !ok || rec.JobID != jobID {
		return nil
	}
	if resultRef == "" {
		delete(m.records, fingerprint)
		return nil
	}
	rec.ResultRef = resultRef
	m.records[fingerprint] = rec
	return nil
}
