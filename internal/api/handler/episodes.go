package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	mw "github.com/kiranshivaraju/podcleaner/internal/api/middleware"
	"github.com/kiranshivaraju/podcleaner/internal/api/response"
	"github.com/kiranshivaraju/podcleaner/internal/feed"
	"github.com/kiranshivaraju/podcleaner/pkg/models"
)

// episodeRetryAfter is the hint returned while an episode is still being
// cleaned.
const episodeRetryAfter = 30 * time.Second

// FeedSource fetches parsed upstream feeds.
type FeedSource interface {
	Fetch(ctx context.Context, feedURL string) (*feed.Feed, error)
}

var _ FeedSource = (*feed.Fetcher)(nil)

// NewDownloadHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/download.
// It redirects to the cleaned audio of a completed job.
func NewDownloadHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		link, err := svc.Download(r.Context(), id)
		if err != nil {
			writeJobError(w, err)
			return
		}
		http.Redirect(w, r, link, http.StatusFound)
	}
}

// NewEpisodeHandler returns an http.HandlerFunc for GET /api/v1/episodes?url=.
// Rewritten feed enclosures point here: the first request submits the
// episode and later ones redirect once it is clean.
func NewEpisodeHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := r.URL.Query().Get("url")
		if source == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "url query parameter is required", nil)
			return
		}

		res, err := svc.Submit(r.Context(), source)
		if err != nil {
			writeJobError(w, err)
			return
		}
		if res.Stage != models.StageCompleted {
			response.Pending(w, res, episodeRetryAfter)
			return
		}

		link, err := svc.Download(r.Context(), res.JobID)
		if err != nil {
			writeJobError(w, err)
			return
		}
		http.Redirect(w, r, link, http.StatusFound)
	}
}

// NewFeedHandler returns an http.HandlerFunc for GET /api/v1/feeds?url=.
// Every audio enclosure in the upstream feed is rewritten to the episode
// endpoint. publicURL overrides the base taken from the request.
func NewFeedHandler(src FeedSource, publicURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		feedURL := q.Get("url")
		if feedURL == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "url query parameter is required", nil)
			return
		}

		f, err := src.Fetch(r.Context(), feedURL)
		if err != nil {
			writeFeedError(w, feedURL, err)
			return
		}

		base := publicURL
		if base == "" {
			base = requestBase(r)
		}
		// Only a key that already travelled in the URL is copied into links.
		apiKey := q.Get(mw.APIKeyParam)
		f.Rewrite(func(audioURL string) string {
			return feed.EpisodeLink(base, audioURL, apiKey)
		})

		body, err := f.Encode()
		if err != nil {
			writeFeedError(w, feedURL, err)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(body); err != nil {
			slog.Warn("writing feed", "feed_url", feedURL, "error", err)
		}
	}
}

// requestBase reconstructs scheme and host as the client saw them.
func requestBase(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return scheme + "://" + host
}

func writeFeedError(w http.ResponseWriter, feedURL string, err error) {
	switch {
	case errors.Is(err, feed.ErrInvalidURL):
		response.Error(w, http.StatusBadRequest, "INVALID_FEED_URL", err.Error(), nil)
	case errors.Is(err, feed.ErrParse), errors.Is(err, feed.ErrTooLarge), errors.Is(err, feed.ErrUpstream):
		slog.Warn("upstream feed unusable", "feed_url", feedURL, "error", err)
		response.Error(w, http.StatusBadGateway, "FEED_UNAVAILABLE", err.Error(), nil)
	default:
		slog.Error("feed request failed", "feed_url", feedURL, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
