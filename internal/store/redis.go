package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"durable-job-queue/internal/config"
	"durable-job-queue/internal/models"
)

var _ Store = (*Redis)(nil)

// Redis keeps each job in a hash and coordinates ready, delayed, running and
// finished jobs through sorted sets. Every state transition runs as a Lua
// script so it is atomic on the server. The prefix is wrapped in a hash tag
// so all keys land in one cluster slot.
//
// Keys (prefix "jq" by default):
//
//	{jq}:job:<id>       hash with the job fields
//	{jq}:ready          zset, score = enqueued_at ms; equal scores order by id
//	{jq}:delayed        zset, score = next_attempt_at ms
//	{jq}:running        zset, score = started_at ms
//	{jq}:finished       zset, score = finished_at ms
//	{jq}:status:<name>  set of ids per status
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedis builds a store client from config.
func NewRedis(cfg config.Config) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisWithClient(client, cfg.RedisKeyPrefix)
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "jq"
	}
	return &Redis{client: client, prefix: prefix, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Redis) base() string                          { return "{" + s.prefix + "}" }
func (s *Redis) jobKey(id string) string               { return s.base() + ":job:" + id }
func (s *Redis) zsetKey(name string) string            { return s.base() + ":" + name }
func (s *Redis) statusKey(status models.Status) string { return s.base() + ":status:" + string(status) }

// promoteKeys are KEYS[1..4] of every script that promotes due retries.
func (s *Redis) promoteKeys() []string {
	return []string{
		s.zsetKey("delayed"),
		s.zsetKey("ready"),
		s.statusKey(models.StatusRetrying),
		s.statusKey(models.StatusPending),
	}
}

func (s *Redis) Close() error {
	return s.client.Close()
}

func (s *Redis) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping redis", err)
	}
	return nil
}

// Enqueue writes the job hash and adds it to the ready set in one transaction.
func (s *Redis) Enqueue(ctx context.Context, p NewJob) (models.Job, error) {
	p = normalize(p)
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}
	now := s.now()
	job := models.Job{
		ID:          newJobID(),
		Type:        p.Type,
		Payload:     p.Payload,
		Status:      models.StatusPending,
		MaxAttempts: p.MaxAttempts,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.jobKey(job.ID), map[string]any{
		"id":               job.ID,
		"type":             job.Type,
		"payload":          string(payloadJSON),
		"status":           string(job.Status),
		"attempts":         0,
		"max_attempts":     job.MaxAttempts,
		"worker_id":        "",
		"last_error":       "",
		"cancel_requested": "0",
		"enqueued_at":      now.UnixNano(),
		"enqueued_ms":      now.UnixMilli(),
		"started_at":       "",
		"finished_at":      "",
		"next_attempt_at":  "",
		"updated_at":       now.UnixNano(),
	})
	pipe.ZAdd(ctx, s.zsetKey("ready"), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	pipe.SAdd(ctx, s.statusKey(models.StatusPending), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, unavailable("enqueue job", err)
	}
	return job, nil
}

// ClaimNext promotes due retries then pops the head of the ready set.
func (s *Redis) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	now := s.now()
	keys := append(s.promoteKeys(), s.statusKey(models.StatusRunning), s.zsetKey("running"))
	res, err := claimScript.Run(ctx, s.client, keys, s.jobKey(""), now.UnixMilli(), now.UnixNano(), workerID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("claim job", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Redis) MarkSucceeded(ctx context.Context, id string) error {
	return s.finish(ctx, id, models.StatusSucceeded, "", time.Time{})
}

func (s *Redis) MarkFailed(ctx context.Context, id string, lastErr string) error {
	return s.finish(ctx, id, models.StatusFailed, lastErr, time.Time{})
}

func (s *Redis) MarkRetrying(ctx context.Context, id string, lastErr string, nextAttemptAt time.Time) error {
	return s.finish(ctx, id, models.StatusRetrying, lastErr, nextAttemptAt)
}

func (s *Redis) finish(ctx context.Context, id string, to models.Status, lastErr string, next time.Time) error {
	now := s.now()
	keys := []string{
		s.jobKey(id),
		s.zsetKey("running"),
		s.statusKey(models.StatusRunning),
		s.statusKey(to),
		s.zsetKey("delayed"),
		s.zsetKey("finished"),
	}
	n, err := markScript.Run(ctx, s.client, keys,
		id, string(to), lastErr, now.UnixNano(), now.UnixMilli(), next.UnixNano(), next.UnixMilli(),
	).Int()
	if err != nil {
		return unavailable("mark "+string(to), err)
	}
	switch n {
	case 0:
		return ErrNotFound
	case -1:
		return ErrCancelRequested
	}
	return nil
}

func (s *Redis) ListByStatus(ctx context.Context, status models.Status) ([]models.Job, error) {
	ids, err := s.client.SMembers(ctx, s.statusKey(status)).Result()
	if err != nil {
		return nil, unavailable("list jobs", err)
	}
	jobs, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *Redis) GetJob(ctx context.Context, id string) (models.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return models.Job{}, unavailable("get job", err)
	}
	if len(fields) == 0 {
		return models.Job{}, ErrNotFound
	}
	return decodeRedisJob(fields)
}

func (s *Redis) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, s.client, s.promoteKeys(), s.jobKey(""), now.UnixMilli(), s.now().UnixNano()).Int()
	if err != nil {
		return 0, unavailable("promote retries", err)
	}
	return n, nil
}

func (s *Redis) RequestCancel(ctx context.Context, id string) (models.Job, error) {
	now := s.now()
	keys := []string{
		s.jobKey(id),
		s.zsetKey("ready"),
		s.zsetKey("delayed"),
		s.zsetKey("finished"),
		s.statusKey(models.StatusPending),
		s.statusKey(models.StatusRetrying),
		s.statusKey(models.StatusFailed),
	}
	n, err := cancelScript.Run(ctx, s.client, keys, id, CancelledMessage, now.UnixNano(), now.UnixMilli()).Int()
	if err != nil {
		return models.Job{}, unavailable("cancel job", err)
	}
	if n == 0 {
		return models.Job{}, ErrNotFound
	}
	return s.GetJob(ctx, id)
}

func (s *Redis) CancelRequested(ctx context.Context, id string) (bool, error) {
	v, err := s.client.HGet(ctx, s.jobKey(id), "cancel_requested").Result()
	if errors.Is(err, redis.Nil) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, unavailable("read cancel flag", err)
	}
	return v == "1", nil
}

func (s *Redis) ListStale(ctx context.Context, startedBefore time.Time) ([]models.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.zsetKey("running"), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", startedBefore.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, unavailable("list stale jobs", err)
	}
	jobs, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		if j.Status == models.StatusRunning {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *Redis) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.zsetKey("finished"), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, unavailable("list finished jobs", err)
	}
	jobs, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *Redis) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := s.client.TxPipeline()
	dels := make([]*redis.IntCmd, 0, len(ids))
	for _, id := range ids {
		dels = append(dels, pipe.Del(ctx, s.jobKey(id)))
		for _, st := range models.Statuses {
			pipe.SRem(ctx, s.statusKey(st), id)
		}
		for _, z := range []string{"ready", "delayed", "running", "finished"} {
			pipe.ZRem(ctx, s.zsetKey(z), id)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable("delete jobs", err)
	}
	n := 0
	for _, c := range dels {
		n += int(c.Val())
	}
	return n, nil
}

func (s *Redis) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	pipe := s.client.Pipeline()
	cmds := make(map[models.Status]*redis.IntCmd, len(models.Statuses))
	for _, st := range models.Statuses {
		cmds[st] = pipe.SCard(ctx, s.statusKey(st))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("count jobs", err)
	}
	counts := make(map[models.Status]int64, len(cmds))
	for st, c := range cmds {
		if c.Val() > 0 {
			counts[st] = c.Val()
		}
	}
	return counts, nil
}

// fetch loads job hashes in one round trip, skipping ids whose hash is gone,
// and returns them in enqueue order.
func (s *Redis) fetch(ctx context.Context, ids []string) ([]models.Job, error) {
	if len(ids) == 0 {
		return []models.Job{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("fetch jobs", err)
	}
	jobs := make([]models.Job, 0, len(ids))
	for _, c := range cmds {
		fields := c.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := decodeRedisJob(fields)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, k int) bool { return before(&jobs[i], &jobs[k]) })
	return jobs, nil
}

func decodeRedisJob(f map[string]string) (models.Job, error) {
	job := models.Job{
		ID:              f["id"],
		Type:            f["type"],
		Status:          models.Status(f["status"]),
		WorkerID:        f["worker_id"],
		LastError:       f["last_error"],
		CancelRequested: f["cancel_requested"] == "1",
	}
	var err error
	if job.Attempts, err = strconv.Atoi(f["attempts"]); err != nil {
		return models.Job{}, fmt.Errorf("decode attempts for %s: %w", job.ID, err)
	}
	if job.MaxAttempts, err = strconv.Atoi(f["max_attempts"]); err != nil {
		return models.Job{}, fmt.Errorf("decode max_attempts for %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(f["payload"]), &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload for %s: %w", job.ID, err)
	}
	if t := parseNanos(f["enqueued_at"]); t != nil {
		job.EnqueuedAt = *t
	}
	if t := parseNanos(f["updated_at"]); t != nil {
		job.UpdatedAt = *t
	}
	job.StartedAt = parseNanos(f["started_at"])
	job.FinishedAt = parseNanos(f["finished_at"])
	job.NextAttemptAt = parseNanos(f["next_attempt_at"])
	return job, nil
}

func parseNanos(v string) *time.Time {
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return timePtr(fromNanos(n))
}

// promoteLua moves due delayed jobs back to the ready set. Job hashes live
// under ARGV[1] .. id, in the same hash slot as KEYS.
// KEYS: delayed, ready, status:retrying, status:pending
// ARGV: job key prefix, now_ms, now_ns. Leaves the promoted count in `promoted`.
const promoteLua = `
local promoted = 0
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
for _, id in ipairs(due) do
  local k = ARGV[1] .. id
  redis.call('ZREM', KEYS[1], id)
  if redis.call('HGET', k, 'status') == 'retrying' then
    redis.call('ZADD', KEYS[2], redis.call('HGET', k, 'enqueued_ms'), id)
    redis.call('SMOVE', KEYS[3], KEYS[4], id)
    redis.call('HSET', k, 'status', 'pending', 'next_attempt_at', '', 'updated_at', ARGV[3])
    promoted = promoted + 1
  end
end
`

var promoteScript = redis.NewScript(promoteLua + `
return promoted
`)

// KEYS: promote keys, status:running, running
// ARGV: job key prefix, now_ms, now_ns, worker_id
var claimScript = redis.NewScript(promoteLua + `
local head = redis.call('ZRANGE', KEYS[2], 0, 0)
if #head == 0 then
  return false
end
local id = head[1]
local k = ARGV[1] .. id
redis.call('ZREM', KEYS[2], id)
redis.call('SMOVE', KEYS[4], KEYS[5], id)
redis.call('ZADD', KEYS[6], ARGV[2], id)
redis.call('HINCRBY', k, 'attempts', 1)
redis.call('HSET', k, 'status', 'running', 'worker_id', ARGV[4], 'started_at', ARGV[3], 'updated_at', ARGV[3])
return id
`)

// Returns 0 when the job is not running and -1 when a retry is refused
// because cancellation was requested.
// KEYS: job, running, status:running, status:<target>, delayed, finished
// ARGV: id, target status, last_error, now_ns, now_ms, next_ns, next_ms
var markScript = redis.NewScript(`
local id = ARGV[1]
local to = ARGV[2]
if redis.call('HGET', KEYS[1], 'status') ~= 'running' then
  return 0
end
if to == 'retrying' and redis.call('HGET', KEYS[1], 'cancel_requested') == '1' then
  return -1
end
redis.call('ZREM', KEYS[2], id)
redis.call('SMOVE', KEYS[3], KEYS[4], id)
redis.call('HSET', KEYS[1], 'status', to, 'last_error', ARGV[3], 'updated_at', ARGV[4])
if to == 'retrying' then
  redis.call('HSET', KEYS[1], 'next_attempt_at', ARGV[6])
  redis.call('ZADD', KEYS[5], ARGV[7], id)
else
  redis.call('HSET', KEYS[1], 'finished_at', ARGV[4])
  redis.call('ZADD', KEYS[6], ARGV[5], id)
end
return 1
`)

// KEYS: job, ready, delayed, finished, status:pending, status:retrying, status:failed
// ARGV: id, message, now_ns, now_ms
var cancelScript = redis.NewScript(`
local id = ARGV[1]
local st = redis.call('HGET', KEYS[1], 'status')
if not st or st == 'succeeded' or st == 'failed' then
  return 0
end
if st == 'running' then
  redis.call('HSET', KEYS[1], 'cancel_requested', '1', 'updated_at', ARGV[3])
  return 1
end
local from = KEYS[5]
if st == 'retrying' then
  from = KEYS[6]
end
redis.call('ZREM', KEYS[2], id)
redis.call('ZREM', KEYS[3], id)
redis.call('SMOVE', from, KEYS[7], id)
redis.call('HSET', KEYS[1], 'status', 'failed', 'last_error', ARGV[2], 'next_attempt_at', '', 'finished_at', ARGV[3], 'updated_at', ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[4], id)
return 1
`)
