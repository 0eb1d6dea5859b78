// Package queue implements a durable Redis-backed job queue with priorities,
// delayed retries with exponential backoff, per-job progress, heartbeat
// based stall detection and bounded completed/failed history.
//
// Layout under vodq:<name>: — "waiting" and "delayed" are ZSETs (priority
// band plus FIFO sequence, and ready-at time respectively), "active" is a
// ZSET scored by last heartbeat, "completed" and "failed" are LISTs trimmed
// to each job's retention, and "job:<id>" is a HASH with the full record.
// Every multi-key transition runs as a Lua script so concurrent consumers
// never see half a move.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-vod/internal/log"
)

var (
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrLostJob means the job was requeued by the janitor while this worker
	// still held it; the finishing write was discarded.
	ErrLostJob = errors.New("queue: job no longer owned by this worker")
	// ErrStalled is the failure passed to the failure handler when the
	// janitor terminates a job whose worker heartbeat lapsed.
	ErrStalled = errors.New("queue: worker heartbeat lost")
)

// TerminalError wraps a handler failure that must not be retried, no matter
// how many attempts remain.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal marks err as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// priorityBand spaces priority levels far enough apart in the waiting ZSET
// that the FIFO sequence never crosses into the next level.
const priorityBand = 1e12

// Job is the hydrated view of one queue entry. Handlers may set Result
// before returning; it is persisted with the completed record.
type Job struct {
	ID            string
	Payload       []byte
	State         State
	Priority      int
	Attempt       int // attempts charged so far; 1-based while active
	MaxAttempts   int
	Progress      int
	BackoffBase   time.Duration
	Timeout       time.Duration
	Retention     int
	EnqueuedAt    time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
	Heartbeat     time.Time
	FailureReason string
	Result        []byte
}

// Options control one enqueue. Zero fields take the defaults below.
type Options struct {
	Priority    int           // lower dequeues first
	MaxAttempts int
	BackoffBase time.Duration // attempt k waits base*2^(k-1) before retrying
	Timeout     time.Duration // per-attempt handler deadline
	Retention   int           // completed/failed history length
	Delay       time.Duration // optional initial delay
}

const (
	defaultPriority    = 5
	defaultMaxAttempts = 3
	defaultBackoffBase = 5 * time.Second
	defaultTimeout     = 5 * time.Minute
	defaultRetention   = 1000
)

func (o Options) withDefaults() Options {
	if o.Priority == 0 {
		o.Priority = defaultPriority
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaultBackoffBase
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.Retention <= 0 {
		o.Retention = defaultRetention
	}
	return o
}

// Handler processes one job attempt. A nil return completes the job; an
// error fails the attempt and the retry policy decides what happens next.
type Handler func(ctx context.Context, job *Job) error

// FailureHandler observes failed attempts. terminal is true when no retry
// will follow, including janitor-detected stalls of a final attempt.
type FailureHandler func(job *Job, err error, terminal bool)

// Config tunes queue timing. Zero values take the defaults.
type Config struct {
	PollInterval   time.Duration // consumer sleep when waiting is empty
	HeartbeatEvery time.Duration // active job heartbeat period; stall cutoff is 3x
	FinishedTTL    time.Duration // job hash lifetime after completion/terminal failure
}

type Queue struct {
	client *redis.Client
	name   string
	logger zerolog.Logger

	pollInterval   time.Duration
	heartbeatEvery time.Duration
	finishedTTL    time.Duration

	onFailure FailureHandler
	wg        sync.WaitGroup
}

func New(client *redis.Client, name string, cfg Config) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 10 * time.Second
	}
	if cfg.FinishedTTL <= 0 {
		cfg.FinishedTTL = 24 * time.Hour
	}
	return &Queue{
		client:         client,
		name:           name,
		logger:         log.WithComponent("queue").With().Str("queue", name).Logger(),
		pollInterval:   cfg.PollInterval,
		heartbeatEvery: cfg.HeartbeatEvery,
		finishedTTL:    cfg.FinishedTTL,
	}
}

// OnFailure registers the failure observer. Call before Consume.
func (q *Queue) OnFailure(fn FailureHandler) {
	q.onFailure = fn
}

func (q *Queue) key(suffix string) string {
	return fmt.Sprintf("vodq:%s:%s", q.name, suffix)
}

func (q *Queue) jobKey(id string) string {
	return q.key("job:" + id)
}

// jobKeyPrefix is what the Lua scripts concatenate with a job id.
func (q *Queue) jobKeyPrefix() string {
	return q.key("job:")
}

// Enqueue adds a job. With Options.Delay the job parks in the delayed set
// until the janitor promotes it.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, opts Options) (*Job, error) {
	opts = opts.withDefaults()

	seq, err := q.client.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		return nil, fmt.Errorf("queue enqueue: %w", err)
	}

	id := uuid.NewString()
	now := time.Now()
	state := StateWaiting
	if opts.Delay > 0 {
		state = StateDelayed
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), map[string]any{
		"id":           id,
		"payload":      string(payload),
		"state":        string(state),
		"priority":     opts.Priority,
		"attempts":     0,
		"max_attempts": opts.MaxAttempts,
		"backoff_ms":   opts.BackoffBase.Milliseconds(),
		"timeout_ms":   opts.Timeout.Milliseconds(),
		"retention":    opts.Retention,
		"progress":     0,
		"enqueued_at":  now.UnixMilli(),
	})
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
			Score:  float64(now.Add(opts.Delay).UnixMilli()),
			Member: id,
		})
	} else {
		pipe.ZAdd(ctx, q.key("waiting"), redis.Z{
			Score:  waitingScore(opts.Priority, seq),
			Member: id,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue enqueue: %w", err)
	}

	return &Job{
		ID:          id,
		Payload:     payload,
		State:       state,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		BackoffBase: opts.BackoffBase,
		Timeout:     opts.Timeout,
		Retention:   opts.Retention,
		EnqueuedAt:  now,
	}, nil
}

func waitingScore(priority int, seq int64) float64 {
	return float64(priority)*priorityBand + float64(seq)
}

// Progress records handler progress for a job, clamped to [0,100].
func (q *Queue) Progress(ctx context.Context, jobID string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return q.client.HSet(ctx, q.jobKey(jobID), "progress", percent).Err()
}

// Status returns the current record for a job.
func (q *Queue) Status(ctx context.Context, jobID string) (*Job, error) {
	m, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue status: %w", err)
	}
	if len(m) == 0 {
		return nil, ErrJobNotFound
	}
	return parseJob(m), nil
}

// Stats reports job counts by state.
type Stats struct {
	Waiting   int64
	Delayed   int64
	Active    int64
	Completed int64
	Failed    int64
}

func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.key("waiting"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.LLen(ctx, q.key("completed"))
	failed := pipe.LLen(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return &Stats{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func parseJob(m map[string]string) *Job {
	j := &Job{
		ID:            m["id"],
		Payload:       []byte(m["payload"]),
		State:         State(m["state"]),
		Priority:      atoi(m["priority"]),
		Attempt:       atoi(m["attempts"]),
		MaxAttempts:   atoi(m["max_attempts"]),
		Progress:      atoi(m["progress"]),
		Retention:     atoi(m["retention"]),
		FailureReason: m["failure_reason"],
	}
	j.BackoffBase = time.Duration(atoi64(m["backoff_ms"])) * time.Millisecond
	j.Timeout = time.Duration(atoi64(m["timeout_ms"])) * time.Millisecond
	j.EnqueuedAt = msToTime(m["enqueued_at"])
	j.StartedAt = msToTime(m["started_at"])
	j.FinishedAt = msToTime(m["finished_at"])
	j.Heartbeat = msToTime(m["heartbeat"])
	if r := m["result"]; r != "" {
		j.Result = []byte(r)
	}
	return j
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func msToTime(s string) time.Time {
	ms := atoi64(s)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
