package fingerprint

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/podcleaner/internal/cache"
	"github.com/redis/go-redis/v9"
)

// claimScript sets the owner only when the hash does not exist and
// always returns the current owner as {claimed, job_id, result_ref, claimed_at}.
var claimScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'job_id')
if owner then
  return {0, owner, redis.call('HGET', KEYS[1], 'result_ref') or '', redis.call('HGET', KEYS[1], 'claimed_at') or ''}
end
redis.call('HSET', KEYS[1], 'job_id', ARGV[1], 'claimed_at', ARGV[2])
return {1, ARGV[1], '', ARGV[2]}
`)

// releaseScript only touches the record when ARGV[1] still owns it.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'job_id') ~= ARGV[1] then
  return 0
end
if ARGV[2] == '' then
  redis.call('DEL', KEYS[1])
else
  redis.call('HSET', KEYS[1], 'result_ref', ARGV[2])
end
return 1
`)

// RedisIndex stores one hash per fingerprint. Both mutations are Lua
// scripts, so they are atomic across coordinator instances.
type RedisIndex struct {
	client *redis.Client
	now    func() time.Time
}

var _ Index = (*RedisIndex)(nil)

func NewRedisIndex(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client, now: time.Now}
}

func (r *RedisIndex) Resolve(ctx context.Context, fingerprint string) (*Record, error) {
	vals, err := r.client.HGetAll(ctx, cache.FingerprintKey(fingerprint)).Result()
	if err != nil {
		return nil, fmt.Errorf("resolve fingerprint: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	rec, err := parseRecord(fingerprint, vals["job_id"], vals["result_ref"], vals["claimed_at"])
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RedisIndex) Claim(ctx context.Context, fingerprint string, jobID uuid.UUID) (ClaimResult, error) {
	now := r.now().UTC().Format(time.RFC3339Nano)
	res, err := claimScript.Run(ctx, r.client, []string{cache.FingerprintKey(fingerprint)}, jobID.String(), now).Slice()
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim fingerprint: %w", err)
	}
	if len(res) != 4 {
		return ClaimResult{}, fmt.Errorf("claim fingerprint: unexpected reply %v", res)
	}
	claimed, _ := res[0].(int64)
	owner, _ := res[1].(string)
	resultRef, _ := res[2].(string)
	claimedAt, _ := res[3].(string)

	rec, err := parseRecord(fingerprint, owner, resultRef, claimedAt)
	if err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{Claimed: claimed == 1, Owner: rec}, nil
}

func (r *RedisIndex) Release(ctx context.Context, fingerprint string, jobID uuid.UUID, resultRef string) error {
	err := releaseScript.Run(ctx, r.client, []string{cache.FingerprintKey(fingerprint)}, jobID.String(), resultRef).Err()
	if err != nil {
		return fmt.Errorf("release fingerprint: %w", err)
	}
	return nil
}

func parseRecord(fingerprint, jobID, resultRef, claimedAt string) (Record, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return Record{}, fmt.Errorf("fingerprint %s: bad owner %q: %w", fingerprint, jobID, err)
	}
	rec := Record{Fingerprint: fingerprint, JobID: id, ResultRef: resultRef}
	if claimedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, claimedAt); err == nil {
			rec.ClaimedAt = t
		}
	}
	return rec, nil
}
