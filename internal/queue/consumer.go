package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript pops the head of the waiting set, charges an attempt and marks
// the job active with a fresh heartbeat. Returns {id, attempts} or false.
var takeScript = redis.NewScript(`
local ids = redis.call("ZRANGE", KEYS[1], 0, 0)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call("ZREM", KEYS[1], id)
redis.call("ZADD", KEYS[2], tonumber(ARGV[1]), id)
local jk = ARGV[2] .. id
local attempts = redis.call("HINCRBY", jk, "attempts", 1)
redis.call("HSET", jk, "state", "active", "heartbeat", ARGV[1], "started_at", ARGV[1], "progress", 0, "failure_reason", "")
return {id, attempts}
`)

// completeScript finishes a job this worker still owns. Ownership means the
// job is in the active set with an unchanged attempt count; otherwise the
// janitor requeued it and the write is dropped.
var completeScript = redis.NewScript(`
local id = ARGV[1]
local jk = ARGV[6] .. id
if not redis.call("ZSCORE", KEYS[1], id) then
	return 0
end
if tonumber(redis.call("HGET", jk, "attempts")) ~= tonumber(ARGV[2]) then
	return 0
end
redis.call("ZREM", KEYS[1], id)
redis.call("HSET", jk, "state", "completed", "finished_at", ARGV[3], "progress", 100, "result", ARGV[4])
local retention = tonumber(redis.call("HGET", jk, "retention")) or 1000
redis.call("LPUSH", KEYS[2], id)
redis.call("LTRIM", KEYS[2], 0, retention - 1)
redis.call("PEXPIRE", jk, tonumber(ARGV[5]))
return 1
`)

// failScript records a failed attempt, either parking the job in the
// delayed set for a retry or finishing it terminally. Same ownership check
// as completeScript.
var failScript = redis.NewScript(`
local id = ARGV[1]
local jk = ARGV[8] .. id
if not redis.call("ZSCORE", KEYS[1], id) then
	return 0
end
if tonumber(redis.call("HGET", jk, "attempts")) ~= tonumber(ARGV[2]) then
	return 0
end
redis.call("ZREM", KEYS[1], id)
redis.call("HSET", jk, "failure_reason", ARGV[4])
if ARGV[5] == "1" then
	redis.call("HSET", jk, "state", "delayed")
	redis.call("ZADD", KEYS[2], tonumber(ARGV[6]), id)
else
	redis.call("HSET", jk, "state", "failed", "finished_at", ARGV[3])
	local retention = tonumber(redis.call("HGET", jk, "retention")) or 1000
	redis.call("LPUSH", KEYS[3], id)
	redis.call("LTRIM", KEYS[3], 0, retention - 1)
	redis.call("PEXPIRE", jk, tonumber(ARGV[7]))
end
return 1
`)

// requeueDueScript promotes delayed jobs whose ready-at has passed back to
// the waiting set, re-scored with a fresh sequence number.
var requeueDueScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[1], id)
	local jk = ARGV[3] .. id
	local priority = tonumber(redis.call("HGET", jk, "priority")) or 5
	local seq = redis.call("INCR", KEYS[3])
	redis.call("ZADD", KEYS[2], priority * 1e12 + seq, id)
	redis.call("HSET", jk, "state", "waiting")
end
return #due
`)

// requeueStalledScript handles active jobs whose heartbeat is older than
// the cutoff. The attempt charged at take is consumed: a stalled final
// attempt fails terminally, anything else returns to waiting. Returns a
// flat array {requeuedCount, failedId...}.
var requeueStalledScript = redis.NewScript(`
local stalled = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[3]))
local out = {0}
for _, id in ipairs(stalled) do
	redis.call("ZREM", KEYS[1], id)
	local jk = ARGV[5] .. id
	local attempts = tonumber(redis.call("HGET", jk, "attempts")) or 0
	local max = tonumber(redis.call("HGET", jk, "max_attempts")) or 1
	if attempts >= max then
		redis.call("HSET", jk, "state", "failed", "finished_at", ARGV[2], "failure_reason", "stalled: worker heartbeat lost")
		local retention = tonumber(redis.call("HGET", jk, "retention")) or 1000
		redis.call("LPUSH", KEYS[4], id)
		redis.call("LTRIM", KEYS[4], 0, retention - 1)
		redis.call("PEXPIRE", jk, tonumber(ARGV[4]))
		out[#out + 1] = id
	else
		local priority = tonumber(redis.call("HGET", jk, "priority")) or 5
		local seq = redis.call("INCR", KEYS[3])
		redis.call("ZADD", KEYS[2], priority * 1e12 + seq, id)
		redis.call("HSET", jk, "state", "waiting")
		out[1] = out[1] + 1
	end
end
return out
`)

// heartbeatScript refreshes the active score and hash field, but only while
// the job is still in the active set.
var heartbeatScript = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
	redis.call("ZADD", KEYS[1], tonumber(ARGV[2]), ARGV[1])
	redis.call("HSET", ARGV[3] .. ARGV[1], "heartbeat", ARGV[2])
	return 1
end
return 0
`)

// Consume starts concurrency worker goroutines plus one janitor. It returns
// immediately; cancel ctx to stop taking new jobs and call Drain to wait
// for in-flight handlers.
func (q *Queue) Consume(ctx context.Context, handler Handler, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.consumeLoop(ctx, handler)
		}()
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.janitorLoop(ctx)
	}()
	q.logger.Info().Int("concurrency", concurrency).Msg("queue consumer started")
}

// Drain blocks until every consumer and janitor goroutine has returned.
func (q *Queue) Drain() {
	q.wg.Wait()
}

func (q *Queue) consumeLoop(ctx context.Context, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := q.take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error().Err(err).Msg("take failed")
			if !sleep(ctx, q.pollInterval) {
				return
			}
			continue
		}
		if job == nil {
			if !sleep(ctx, q.pollInterval) {
				return
			}
			continue
		}
		q.runJob(ctx, handler, job)
	}
}

// take pops one waiting job, or returns (nil, nil) when the queue is empty.
func (q *Queue) take(ctx context.Context) (*Job, error) {
	now := time.Now().UnixMilli()
	res, err := takeScript.Run(ctx, q.client,
		[]string{q.key("waiting"), q.key("active")},
		now, q.jobKeyPrefix(),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue take: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return nil, fmt.Errorf("queue take: unexpected script reply %v", res)
	}
	id, _ := vals[0].(string)

	m, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue take: hydrate %s: %w", id, err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("queue take: job %s vanished", id)
	}
	return parseJob(m), nil
}

func (q *Queue) runJob(ctx context.Context, handler Handler, job *Job) {
	logger := q.logger.With().Str("job_id", job.ID).Int("attempt", job.Attempt).Logger()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go q.heartbeatLoop(hbCtx, job.ID)

	jobCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	err := runHandler(jobCtx, handler, job)
	cancel()
	stopHeartbeat()

	// Finishing writes run on a detached context so shutdown mid-job still
	// records the outcome.
	finCtx, finCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finCancel()

	if err == nil {
		if cerr := q.complete(finCtx, job); cerr != nil {
			logger.Warn().Err(cerr).Msg("job finished but completion was not recorded")
		}
		return
	}

	terminal := job.Attempt >= job.MaxAttempts || IsTerminal(err)
	if ferr := q.fail(finCtx, job, err, terminal); ferr != nil {
		logger.Warn().Err(ferr).Msg("job failed but failure was not recorded")
		return
	}
	logger.Warn().Err(err).Bool("terminal", terminal).Msg("job attempt failed")
	if q.onFailure != nil {
		q.onFailure(job, err, terminal)
	}
}

// runHandler isolates handler panics; a panicking job fails like any other.
func runHandler(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) complete(ctx context.Context, job *Job) error {
	applied, err := completeScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("completed")},
		job.ID, job.Attempt, time.Now().UnixMilli(), string(job.Result),
		q.finishedTTL.Milliseconds(), q.jobKeyPrefix(),
	).Int64()
	if err != nil {
		return fmt.Errorf("queue complete: %w", err)
	}
	if applied == 0 {
		return ErrLostJob
	}
	return nil
}

func (q *Queue) fail(ctx context.Context, job *Job, cause error, terminal bool) error {
	retry := "1"
	var readyAt int64
	if terminal {
		retry = "0"
	} else {
		backoff := job.BackoffBase << uint(job.Attempt-1)
		readyAt = time.Now().Add(backoff).UnixMilli()
	}

	applied, err := failScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("delayed"), q.key("failed")},
		job.ID, job.Attempt, time.Now().UnixMilli(), cause.Error(),
		retry, readyAt, q.finishedTTL.Milliseconds(), q.jobKeyPrefix(),
	).Int64()
	if err != nil {
		return fmt.Errorf("queue fail: %w", err)
	}
	if applied == 0 {
		return ErrLostJob
	}
	return nil
}

func (q *Queue) heartbeatLoop(ctx context.Context, jobID string) {
	ticker := time.NewTicker(q.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := heartbeatScript.Run(ctx, q.client,
				[]string{q.key("active")},
				jobID, time.Now().UnixMilli(), q.jobKeyPrefix(),
			).Err()
			if err != nil && ctx.Err() == nil {
				q.logger.Warn().Err(err).Str("job_id", jobID).Msg("heartbeat failed")
			}
		}
	}
}

func (q *Queue) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(q.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error().Err(err).Msg("promoting delayed jobs failed")
			}
			if err := q.requeueStalled(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error().Err(err).Msg("requeueing stalled jobs failed")
			}
		}
	}
}

const janitorBatch = 100

func (q *Queue) promoteDue(ctx context.Context) error {
	n, err := requeueDueScript.Run(ctx, q.client,
		[]string{q.key("delayed"), q.key("waiting"), q.key("seq")},
		time.Now().UnixMilli(), janitorBatch, q.jobKeyPrefix(),
	).Int64()
	if err != nil {
		return err
	}
	if n > 0 {
		q.logger.Debug().Int64("count", n).Msg("promoted delayed jobs")
	}
	return nil
}

func (q *Queue) requeueStalled(ctx context.Context) error {
	now := time.Now()
	cutoff := now.Add(-3 * q.heartbeatEvery).UnixMilli()

	res, err := requeueStalledScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("waiting"), q.key("seq"), q.key("failed")},
		cutoff, now.UnixMilli(), janitorBatch, q.finishedTTL.Milliseconds(), q.jobKeyPrefix(),
	).Slice()
	if err != nil {
		return err
	}
	if len(res) == 0 {
		return nil
	}

	if requeued, ok := res[0].(int64); ok && requeued > 0 {
		q.logger.Warn().Int64("count", requeued).Msg("requeued stalled jobs")
	}
	for _, v := range res[1:] {
		id, ok := v.(string)
		if !ok {
			continue
		}
		q.logger.Error().Str("job_id", id).Msg("job stalled on its final attempt")
		if q.onFailure == nil {
			continue
		}
		if job, err := q.Status(ctx, id); err == nil {
			q.onFailure(job, ErrStalled, true)
		}
	}
	return nil
}

// sleep pauses for d, returning false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
