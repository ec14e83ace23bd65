package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiranshivaraju/podcleaner/internal/cache"
	"github.com/kiranshivaraju/podcleaner/internal/config"
)

const userAgent = "podcleaner/1.0"

// Sentinel errors for upstream feed failures.
var (
	ErrInvalidURL = errors.New("feed: url must be absolute http or https")
	ErrUpstream   = errors.New("feed: upstream fetch failed")
	ErrTooLarge   = errors.New("feed: upstream document too large")
)

// Fetcher downloads feeds and keeps the raw documents in the shared cache.
type Fetcher struct {
	client   *http.Client
	cache    cache.Cache
	ttl      time.Duration
	maxBytes int64
	tracer   trace.Tracer
}

// NewFetcher builds a Fetcher. A nil cache disables caching.
func NewFetcher(c cache.Cache, cfg config.FeedConfig) *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: cfg.FetchTimeout},
		cache:    c,
		ttl:      cfg.CacheTTL,
		maxBytes: cfg.MaxBytes,
		tracer:   otel.Tracer("github.com/kiranshivaraju/podcleaner/internal/feed"),
	}
}

// Fetch returns the parsed feed at feedURL, from cache when fresh.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) (*Feed, error) {
	if err := ValidateURL(feedURL); err != nil {
		return nil, err
	}

	ctx, span := f.tracer.Start(ctx, "feed.Fetch", trace.WithAttributes(attribute.String("feed_url", feedURL)))
	defer span.End()

	key := cache.FeedKey(feedURL)
	if f.cache != nil {
		raw, found, err := f.cache.Get(ctx, key)
		if err != nil {
			slog.Warn("reading cached feed", "feed_url", feedURL, "error", err)
		}
		if found {
			if parsed, err := Parse(raw); err == nil {
				span.SetAttributes(attribute.Bool("cached", true))
				return parsed, nil
			}
			_ = f.cache.Delete(ctx, key)
		}
	}

	raw, err := f.download(ctx, feedURL)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	parsed, err := Parse(raw)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if f.cache != nil && f.ttl > 0 {
		if err := f.cache.Set(ctx, key, raw, f.ttl); err != nil {
			slog.Warn("caching feed", "feed_url", feedURL, "error", err)
		}
	}
	span.SetAttributes(attribute.Bool("cached", false), attribute.Int("episodes", len(parsed.Episodes)))
	return parsed, nil
}

func (f *Fetcher) download(ctx context.Context, feedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/xml;q=0.9, */*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrUpstream, err)
	}
	if int64(len(raw)) > f.maxBytes {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, f.maxBytes)
	}
	return raw, nil
}

// ValidateURL accepts only absolute http(s) URLs with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

// EpisodeLink builds the URL a rewritten enclosure points at. apiKey is
// carried along so podcast players without header support can follow it.
func EpisodeLink(base, audioURL, apiKey string) string {
	q := url.Values{"url": {audioURL}}
	if apiKey != "" {
		q.Set("api_key", apiKey)
	}
	return base + "/api/v1/episodes?" + q.Encode()
}
