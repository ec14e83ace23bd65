// Package artifact checks that references reported by workers point at
// something that exists before the coordinator records them, and turns
// finished artifacts into links a client can download.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidRef is returned for references that name no bucket and key.
var ErrInvalidRef = errors.New("invalid artifact reference")

// ErrNotLocatable means a reference exists but cannot be handed out as a URL.
var ErrNotLocatable = errors.New("artifact has no download location")

// Resolver reports whether ref names an existing artifact and where it
// can be fetched from. An error from Exists means the check itself could
// not be made.
type Resolver interface {
	Exists(ctx context.Context, ref string) (bool, error)
	Locate(ctx context.Context, ref string) (string, error)
}

// Opaque accepts any non-empty reference. Used when no object store is configured.
type Opaque struct{}

var _ Resolver = Opaque{}

func (Opaque) Exists(_ context.Context, ref string) (bool, error) {
	return strings.TrimSpace(ref) != "", nil
}

// Locate hands out references that are already http(s) URLs.
func (Opaque) Locate(_ context.Context, ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrNotLocatable, ref)
	}
	return u.String(), nil
}

// ParseRef splits "s3://bucket/key" into its parts. A bare key is taken
// to live in defaultBucket.
func ParseRef(ref, defaultBucket string) (bucket, key string, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", fmt.Errorf("%w: empty", ErrInvalidRef)
	}
	if rest, ok := strings.CutPrefix(ref, "s3://"); ok {
		bucket, key, _ = strings.Cut(rest, "/")
		if bucket == "" || key == "" {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
		}
		return bucket, key, nil
	}
	if strings.Contains(ref, "://") {
		return "", "", fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidRef, ref)
	}
	if defaultBucket == "" {
		return "", "", fmt.Errorf("%w: %q has no bucket", ErrInvalidRef, ref)
	}
	return defaultBucket, strings.TrimPrefix(ref, "/"), nil
}
