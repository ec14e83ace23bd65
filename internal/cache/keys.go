package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatusKey holds the serialized status of a terminal job.
func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:status:%s", jobID)
}

// RateLimitKey is the request counter for one key in the window that
// begins at windowStart.
func RateLimitKey(keyPrefix string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", keyPrefix, windowStart.Unix())
}

// FingerprintKey is the hash holding the claim record for one episode.
func FingerprintKey(fingerprint string) string {
	return fmt.Sprintf("fp:%s", fingerprint)
}

// FeedKey holds the raw body of an upstream podcast feed. The URL is
// hashed so arbitrary query strings stay out of the key space.
func FeedKey(feedURL string) string {
	sum := sha256.Sum256([]byte(feedURL))
	return "feed:" + hex.EncodeToString(sum[:16])
}
