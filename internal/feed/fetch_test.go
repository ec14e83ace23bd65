package feed_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/podcleaner/internal/cache"
	"github.com/kiranshivaraju/podcleaner/internal/config"
	"github.com/kiranshivaraju/podcleaner/internal/feed"
)

// memCache is an in-process cache.Cache.
type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	getErr  error
}

var _ cache.Cache = (*memCache)(nil)

func newMemCache() *memCache { return &memCache{entries: map[string][]byte{}} }

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memCache) Ping(context.Context) error { return nil }

func (m *memCache) SetJobStatus(ctx context.Context, id uuid.UUID, status []byte, ttl time.Duration) error {
	return m.Set(ctx, cache.JobStatusKey(id), status, ttl)
}

func (m *memCache) GetJobStatus(ctx context.Context, id uuid.UUID) ([]byte, bool, error) {
	return m.Get(ctx, cache.JobStatusKey(id))
}

func (m *memCache) DeleteJobStatus(ctx context.Context, id uuid.UUID) error {
	return m.Delete(ctx, cache.JobStatusKey(id))
}

func (m *memCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("not supported")
}

func testConfig() config.FeedConfig {
	return config.FeedConfig{CacheTTL: time.Minute, FetchTimeout: 2 * time.Second, MaxBytes: 1 << 16}
}

func serveFeed(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "podcleaner/1.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/rss+xml")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetch_CachesRawDocument(t *testing.T) {
	srv, hits := serveFeed(t, http.StatusOK, showXML)
	mc := newMemCache()
	f := feed.NewFetcher(mc, testConfig())
	url := srv.URL + "/show.xml"

	first, err := f.Fetch(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, "Example Show", first.Title)

	second, err := f.Fetch(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), hits.Load(), "second fetch is served from cache")

	raw, found, _ := mc.Get(context.Background(), cache.FeedKey(url))
	require.True(t, found)
	assert.Equal(t, showXML, string(raw))
}

func TestFetch_CacheErrorFallsThrough(t *testing.T) {
	srv, hits := serveFeed(t, http.StatusOK, showXML)
	mc := newMemCache()
	mc.getErr = errors.New("redis down")

	got, err := feed.NewFetcher(mc, testConfig()).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, got.Episodes, 2)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetch_CorruptCacheEntryIsReplaced(t *testing.T) {
	srv, hits := serveFeed(t, http.StatusOK, showXML)
	mc := newMemCache()
	_ = mc.Set(context.Background(), cache.FeedKey(srv.URL), []byte("garbage"), 0)

	_, err := feed.NewFetcher(mc, testConfig()).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	raw, _, _ := mc.Get(context.Background(), cache.FeedKey(srv.URL))
	assert.Equal(t, showXML, string(raw))
}

func TestFetch_NilCache(t *testing.T) {
	srv, hits := serveFeed(t, http.StatusOK, showXML)
	f := feed.NewFetcher(nil, testConfig())

	for i := 0; i < 2; i++ {
		_, err := f.Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetch_Errors(t *testing.T) {
	t.Run("upstream status", func(t *testing.T) {
		srv, _ := serveFeed(t, http.StatusNotFound, "nope")
		_, err := feed.NewFetcher(nil, testConfig()).Fetch(context.Background(), srv.URL)
		assert.ErrorIs(t, err, feed.ErrUpstream)
	})

	t.Run("too large", func(t *testing.T) {
		srv, _ := serveFeed(t, http.StatusOK, strings.Repeat("x", 2048))
		cfg := testConfig()
		cfg.MaxBytes = 1024
		_, err := feed.NewFetcher(nil, cfg).Fetch(context.Background(), srv.URL)
		assert.ErrorIs(t, err, feed.ErrTooLarge)
	})

	t.Run("not rss", func(t *testing.T) {
		srv, _ := serveFeed(t, http.StatusOK, "<html></html>")
		mc := newMemCache()
		_, err := feed.NewFetcher(mc, testConfig()).Fetch(context.Background(), srv.URL)
		assert.ErrorIs(t, err, feed.ErrParse)
		assert.Empty(t, mc.entries, "unparseable documents are not cached")
	})

	t.Run("invalid url", func(t *testing.T) {
		_, err := feed.NewFetcher(nil, testConfig()).Fetch(context.Background(), "ftp://x/y")
		assert.ErrorIs(t, err, feed.ErrInvalidURL)
	})

	t.Run("unreachable", func(t *testing.T) {
		srv, _ := serveFeed(t, http.StatusOK, showXML)
		srv.Close()
		_, err := feed.NewFetcher(nil, testConfig()).Fetch(context.Background(), srv.URL)
		assert.ErrorIs(t, err, feed.ErrUpstream)
	})
}
