package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// checkAndRecordScript admits only if every window has room.
// KEYS[i] = event zset per scope
// ARGV[1] = now (ms), ARGV[2] = retention (ms), ARGV[3] = member id
// ARGV[3+2i-1] = limit for KEYS[i], ARGV[3+2i] = window (ms)
// Returns the 0-based index of the full window, or -1 when admitted.
var checkAndRecordScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local retention = tonumber(ARGV[2])
local member = ARGV[3]

for i, key in ipairs(KEYS) do
    redis.call("ZREMRANGEBYSCORE", key, "-inf", now - retention)
    local limit = tonumber(ARGV[2 + 2 * i])
    local window = tonumber(ARGV[3 + 2 * i])
    local n = redis.call("ZCOUNT", key, "(" .. (now - window), "+inf")
    if n >= limit then
        return i - 1
    end
end

for _, key in ipairs(KEYS) do
    redis.call("ZADD", key, now, member)
    redis.call("PEXPIRE", key, retention)
end
return -1
`)

// claimScript is the compare-and-set on a job hash.
// KEYS[1] = job hash
// ARGV = owner, now, lease_until, due
var claimScript = redis.NewScript(`
local lease = tonumber(redis.call("HGET", KEYS[1], "lease_until") or "0")
local claimed = tonumber(redis.call("HGET", KEYS[1], "last_claimed_at") or "0")
local now = tonumber(ARGV[2])
if lease > now then
    return 0
end
if redis.call("EXISTS", KEYS[1]) == 1 and claimed >= tonumber(ARGV[4]) then
    return 0
end
redis.call("HSET", KEYS[1], "last_claimed_by", ARGV[1], "last_claimed_at", ARGV[2], "lease_until", ARGV[3])
return 1
`)

// finishScript releases a claim if the caller still owns it.
// KEYS[1] = job hash; ARGV = owner, status, now
var finishScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "last_claimed_by") ~= ARGV[1] then
    return 0
end
if tonumber(redis.call("HGET", KEYS[1], "lease_until") or "0") == 0 then
    return 0
end
redis.call("HSET", KEYS[1], "lease_until", 0, "last_status", ARGV[2], "last_finished_at", ARGV[3])
return 1
`)

// RedisStore keeps events in one sorted set per scope and claims in one
// hash per job. Events older than the retention horizon are trimmed by
// the check script and by key expiry.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedis wraps a client. Keys are namespaced under prefix.
func NewRedis(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "warden"
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

// OpenRedis connects using a redis:// URL.
func OpenRedis(ctx context.Context, url string, retention time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	s := NewRedis(redis.NewClient(opts), "warden", retention)
	if err := s.Ping(ctx); err != nil {
		_ = s.client.Close()
		return nil, err
	}
	return s, nil
}

func (s *RedisStore) eventKey(scope string) string { return s.prefix + ":events:" + scope }
func (s *RedisStore) jobKey(id string) string      { return s.prefix + ":job:" + id }

func (s *RedisStore) CheckAndRecord(ctx context.Context, windows []Window, now time.Time) (int, error) {
	keys := make([]string, len(windows))
	args := []any{now.UnixMilli(), s.retentionFor(windows).Milliseconds(), uuid.NewString()}
	for i, w := range windows {
		keys[i] = s.eventKey(w.Scope)
		args = append(args, w.Limit, w.Length.Milliseconds())
	}

	res, err := checkAndRecordScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("redis check-and-record: %w", err)
	}
	return res, nil
}

// retentionFor never trims events a window still needs.
func (s *RedisStore) retentionFor(windows []Window) time.Duration {
	r := s.retention
	for _, w := range windows {
		if w.Length > r {
			r = w.Length
		}
	}
	return r
}

func (s *RedisStore) Count(ctx context.Context, scope string, since time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, s.eventKey(scope), "("+strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis count %s: %w", scope, err)
	}
	return int(n), nil
}

// Sweep trims every event set. Key expiry already bounds idle scopes, so
// this only matters for scopes that stay busy.
func (s *RedisStore) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	iter := s.client.Scan(ctx, 0, s.prefix+":events:*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := s.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", strconv.FormatInt(cutoff.UnixMilli(), 10)).Result()
		if err != nil {
			return removed, fmt.Errorf("redis sweep: %w", err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis sweep: %w", err)
	}
	return removed, nil
}

func (s *RedisStore) Claim(ctx context.Context, req ClaimRequest) (bool, error) {
	ok, err := claimScript.Run(ctx, s.client, []string{s.jobKey(req.JobID)},
		req.Owner, req.Now.UnixMilli(), req.Now.Add(req.Lease).UnixMilli(), millis(req.Due)).Int()
	if err != nil {
		return false, fmt.Errorf("redis claim %s: %w", req.JobID, err)
	}
	return ok == 1, nil
}

func (s *RedisStore) Finish(ctx context.Context, jobID, owner string, status RunStatus, now time.Time) error {
	if err := finishScript.Run(ctx, s.client, []string{s.jobKey(jobID)}, owner, string(status), now.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("redis finish %s: %w", jobID, err)
	}
	return nil
}

func (s *RedisStore) Job(ctx context.Context, jobID string) (JobRecord, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(jobID)).Result()
	if err != nil {
		return JobRecord{}, false, fmt.Errorf("redis get job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return JobRecord{}, false, nil
	}
	return recordFromHash(jobID, fields), true, nil
}

func (s *RedisStore) Jobs(ctx context.Context) ([]JobRecord, error) {
	var out []JobRecord
	prefix := s.prefix + ":job:"
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), prefix)
		rec, ok, err := s.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis list jobs: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

func recordFromHash(id string, f map[string]string) JobRecord {
	ms := func(k string) time.Time {
		v, _ := strconv.ParseInt(f[k], 10, 64)
		return fromMillis(v)
	}
	return JobRecord{
		JobID:          id,
		LastClaimedBy:  f["last_claimed_by"],
		LastClaimedAt:  ms("last_claimed_at"),
		LeaseUntil:     ms("lease_until"),
		LastStatus:     RunStatus(f["last_status"]),
		LastFinishedAt: ms("last_finished_at"),
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
