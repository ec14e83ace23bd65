// Package fingerprint derives stable episode identities and keeps the
// index that maps each identity to its single owning job.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
)

// ErrInvalidSource is returned for sources that cannot be fingerprinted.
var ErrInvalidSource = errors.New("invalid episode source")

const (
	urlPrefix     = "url:"
	contentPrefix = "sha256:"
)

// trackingParams are query parameters that never change which audio a URL serves.
var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"fbclid":       true,
	"gclid":        true,
}

// NormalizeURL reduces a source URL to a canonical form so trivially
// different spellings of one episode collapse to one fingerprint.
// Scheme and host are lowercased, default ports dropped, the fragment
// removed, trailing slashes trimmed, tracking parameters stripped and
// the remaining parameters sorted.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty URL", ErrInvalidSource)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSource, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidSource)
	}
	if port := u.Port(); port != "" && !(scheme == "http" && port == "80") && !(scheme == "https" && port == "443") {
		host = host + ":" + port
	}

	query := u.Query()
	keys := make([]string, 0, len(query))
	for k := range query {
		if trackingParams[strings.ToLower(k)] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var qb strings.Builder
	for i, k := range keys {
		vals := query[k]
		sort.Strings(vals)
		for j, v := range vals {
			if i > 0 || j > 0 {
				qb.WriteByte('&')
			}
			qb.WriteString(url.QueryEscape(k))
			qb.WriteByte('=')
			qb.WriteString(url.QueryEscape(v))
		}
	}

	path := strings.TrimRight(u.EscapedPath(), "/")
	if path == "" {
		path = "/"
	}

	out := scheme + "://" + host + path
	if qb.Len() > 0 {
		out += "?" + qb.String()
	}
	return out, nil
}

// FromURL fingerprints an episode by its normalized source URL.
func FromURL(raw string) (string, error) {
	norm, err := NormalizeURL(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(norm))
	return urlPrefix + hex.EncodeToString(sum[:]), nil
}

// FromContent fingerprints an episode by the bytes of its audio.
func FromContent(r io.Reader) (string, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: empty content", ErrInvalidSource)
	}
	return contentPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// Valid reports whether fp has the shape produced by this package.
func Valid(fp string) bool {
	var digest string
	switch {
	case strings.HasPrefix(fp, urlPrefix):
		digest = fp[len(urlPrefix):]
	case strings.HasPrefix(fp, contentPrefix):
		digest = fp[len(contentPrefix):]
	default:
		return false
	}
	if len(digest) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}
