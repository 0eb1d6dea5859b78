package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newQueue(t *testing.T, cfg Config) (*Queue, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "test", cfg), mr, client
}

func TestEnqueueAndTake(t *testing.T) {
	q, _, _ := newQueue(t, Config{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, []byte(`{"video_id":"v1"}`), Options{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.State != StateWaiting {
		t.Errorf("Expected waiting, got %s", job.State)
	}

	got, err := q.take(ctx)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if got == nil {
		t.Fatal("Expected a job, got nil")
	}
	if got.ID != job.ID {
		t.Errorf("Expected job %s, got %s", job.ID, got.ID)
	}
	if got.State != StateActive {
		t.Errorf("Expected active, got %s", got.State)
	}
	if got.Attempt != 1 {
		t.Errorf("Expected attempt 1, got %d", got.Attempt)
	}
	if string(got.Payload) != `{"video_id":"v1"}` {
		t.Errorf("Payload mismatch: %s", got.Payload)
	}

	empty, err := q.take(ctx)
	if err != nil {
		t.Fatalf("take on empty: %v", err)
	}
	if empty != nil {
		t.Errorf("Expected nil on empty queue, got %v", empty)
	}
}

func TestPriorityThenFIFO(t *testing.T) {
	q, _, _ := newQueue(t, Config{})
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, []byte("a"), Options{Priority: 5})
	b, _ := q.Enqueue(ctx, []byte("b"), Options{Priority: 1})
	c, _ := q.Enqueue(ctx, []byte("c"), Options{Priority: 5})

	want := []string{b.ID, a.ID, c.ID}
	for i, id := range want {
		got, err := q.take(ctx)
		if err != nil || got == nil {
			t.Fatalf("take %d: job=%v err=%v", i, got, err)
		}
		if got.ID != id {
			t.Errorf("take %d: expected %s, got %s", i, id, got.ID)
		}
	}
}

func TestCompleteRecordsResult(t *testing.T) {
	q, _, _ := newQueue(t, Config{})
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, []byte("p"), Options{})
	job, _ := q.take(ctx)
	job.Result = []byte(`{"ok":true}`)

	if err := q.complete(ctx, job); err != nil {
		t.Fatalf("complete: %v", err)
	}

	st, err := q.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StateCompleted {
		t.Errorf("Expected completed, got %s", st.State)
	}
	if st.Progress != 100 {
		t.Errorf("Expected progress 100, got %d", st.Progress)
	}
	if string(st.Result) != `{"ok":true}` {
		t.Errorf("Result mismatch: %s", st.Result)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Completed != 1 || stats.Active != 0 || stats.Waiting != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	q, _, client := newQueue(t, Config{})
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, []byte("p"), Options{MaxAttempts: 3, BackoffBase: time.Millisecond})
	job, _ := q.take(ctx)

	if err := q.fail(ctx, job, errors.New("probe exploded"), false); err != nil {
		t.Fatalf("fail: %v", err)
	}

	st, _ := q.Status(ctx, job.ID)
	if st.State != StateDelayed {
		t.Errorf("Expected delayed, got %s", st.State)
	}
	if st.FailureReason != "probe exploded" {
		t.Errorf("Expected failure reason, got %q", st.FailureReason)
	}
	if n, _ := client.ZCard(ctx, q.key("delayed")).Result(); n != 1 {
		t.Errorf("Expected 1 delayed job, got %d", n)
	}

	// The backoff is a millisecond; after it passes the janitor pass
	// promotes the job back to waiting.
	time.Sleep(20 * time.Millisecond)
	if err := q.promoteDue(ctx); err != nil {
		t.Fatalf("promoteDue: %v", err)
	}
	st, _ = q.Status(ctx, job.ID)
	if st.State != StateWaiting {
		t.Errorf("Expected waiting after promotion, got %s", st.State)
	}

	retaken, _ := q.take(ctx)
	if retaken == nil || retaken.Attempt != 2 {
		t.Fatalf("Expected attempt 2 after retry, got %+v", retaken)
	}
}

func TestFailTerminal(t *testing.T) {
	q, _, client := newQueue(t, Config{})
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, []byte("p"), Options{MaxAttempts: 1})
	job, _ := q.take(ctx)

	if err := q.fail(ctx, job, errors.New("boom"), true); err != nil {
		t.Fatalf("fail: %v", err)
	}

	st, _ := q.Status(ctx, job.ID)
	if st.State != StateFailed {
		t.Errorf("Expected failed, got %s", st.State)
	}
	if n, _ := client.LLen(ctx, q.key("failed")).Result(); n != 1 {
		t.Errorf("Expected failed list length 1, got %d", n)
	}
}

func TestDelayedEnqueue(t *testing.T) {
	q, _, _ := newQueue(t, Config{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, []byte("p"), Options{Delay: time.Millisecond})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.State != StateDelayed {
		t.Errorf("Expected delayed, got %s", job.State)
	}

	if got, _ := q.take(ctx); got != nil {
		t.Fatalf("Job should not be takeable before promotion, got %v", got)
	}

	time.Sleep(20 * time.Millisecond)
	if err := q.promoteDue(ctx); err != nil {
		t.Fatalf("promoteDue: %v", err)
	}
	got, _ := q.take(ctx)
	if got == nil || got.ID != job.ID {
		t.Errorf("Expected promoted job, got %v", got)
	}
}

func TestStalledJobConsumesAttemptAndRequeues(t *testing.T) {
	q, _, client := newQueue(t, Config{HeartbeatEvery: 10 * time.Second})
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, []byte("p"), Options{MaxAttempts: 3})
	job, _ := q.take(ctx)

	// Backdate the heartbeat past the 3x cutoff to simulate a dead worker.
	old := float64(time.Now().Add(-time.Hour).UnixMilli())
	client.ZAdd(ctx, q.key("active"), redis.Z{Score: old, Member: job.ID})

	if err := q.requeueStalled(ctx); err != nil {
		t.Fatalf("requeueStalled: %v", err)
	}

	st, _ := q.Status(ctx, job.ID)
	if st.State != StateWaiting {
		t.Errorf("Expected waiting after stall requeue, got %s", st.State)
	}

	retaken, _ := q.take(ctx)
	if retaken == nil || retaken.Attempt != 2 {
		t.Fatalf("Stall must consume the charged attempt; got %+v", retaken)
	}
}

func TestStalledFinalAttemptFailsTerminally(t *testing.T) {
	q, _, client := newQueue(t, Config{HeartbeatEvery: 10 * time.Second})
	ctx := context.Background()

	var mu sync.Mutex
	var failures []bool
	q.OnFailure(func(job *Job, err error, terminal bool) {
		mu.Lock()
		defer mu.Unlock()
		if !errors.Is(err, ErrStalled) {
			t.Errorf("Expected ErrStalled, got %v", err)
		}
		failures = append(failures, terminal)
	})

	_, _ = q.Enqueue(ctx, []byte("p"), Options{MaxAttempts: 1})
	job, _ := q.take(ctx)

	old := float64(time.Now().Add(-time.Hour).UnixMilli())
	client.ZAdd(ctx, q.key("active"), redis.Z{Score: old, Member: job.ID})

	if err := q.requeueStalled(ctx); err != nil {
		t.Fatalf("requeueStalled: %v", err)
	}

	st, _ := q.Status(ctx, job.ID)
	if st.State != StateFailed {
		t.Errorf("Expected failed, got %s", st.State)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 || !failures[0] {
		t.Errorf("Expected one terminal failure callback, got %v", failures)
	}
}

func TestLostJobWritesAreDropped(t *testing.T) {
	q, _, client := newQueue(t, Config{HeartbeatEvery: 10 * time.Second})
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, []byte("p"), Options{MaxAttempts: 3})
	job, _ := q.take(ctx)

	// Janitor requeues the job while the original worker still holds it.
	old := float64(time.Now().Add(-time.Hour).UnixMilli())
	client.ZAdd(ctx, q.key("active"), redis.Z{Score: old, Member: job.ID})
	if err := q.requeueStalled(ctx); err != nil {
		t.Fatalf("requeueStalled: %v", err)
	}

	if err := q.complete(ctx, job); !errors.Is(err, ErrLostJob) {
		t.Errorf("Expected ErrLostJob, got %v", err)
	}
	st, _ := q.Status(ctx, job.ID)
	if st.State != StateWaiting {
		t.Errorf("Lost completion must not change state; got %s", st.State)
	}
}

func TestProgressClamped(t *testing.T) {
	q, _, _ := newQueue(t, Config{})
	ctx := context.Background()

	job, _ := q.Enqueue(ctx, []byte("p"), Options{})

	if err := q.Progress(ctx, job.ID, 150); err != nil {
		t.Fatalf("Progress: %v", err)
	}
	st, _ := q.Status(ctx, job.ID)
	if st.Progress != 100 {
		t.Errorf("Expected clamp to 100, got %d", st.Progress)
	}

	_ = q.Progress(ctx, job.ID, -5)
	st, _ = q.Status(ctx, job.ID)
	if st.Progress != 0 {
		t.Errorf("Expected clamp to 0, got %d", st.Progress)
	}
}

func TestStatusNotFound(t *testing.T) {
	q, _, _ := newQueue(t, Config{})
	if _, err := q.Status(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestConsumeCompletesJobs(t *testing.T) {
	q, _, _ := newQueue(t, Config{PollInterval: 5 * time.Millisecond, HeartbeatEvery: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan string, 3)
	q.Consume(ctx, func(ctx context.Context, job *Job) error {
		done <- string(job.Payload)
		return nil
	}, 2)

	for _, p := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(ctx, []byte(p), Options{}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case p := <-done:
			seen[p] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("Timed out waiting for job %d", i)
		}
	}
	if !seen["a"] || !seen["b"] || !seen["c"] {
		t.Errorf("Expected all payloads processed, got %v", seen)
	}

	cancel()
	q.Drain()

	stats, _ := q.Stats(context.Background())
	if stats.Completed != 3 {
		t.Errorf("Expected 3 completed, got %+v", stats)
	}
}

func TestConsumeRetriesUntilSuccess(t *testing.T) {
	q, _, _ := newQueue(t, Config{PollInterval: 5 * time.Millisecond, HeartbeatEvery: 15 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var failureCalls []bool

	q.OnFailure(func(job *Job, err error, terminal bool) {
		mu.Lock()
		failureCalls = append(failureCalls, terminal)
		mu.Unlock()
	})

	done := make(chan int, 1)
	q.Consume(ctx, func(ctx context.Context, job *Job) error {
		if job.Attempt == 1 {
			return errors.New("transient")
		}
		done <- job.Attempt
		return nil
	}, 1)

	job, err := q.Enqueue(ctx, []byte("p"), Options{MaxAttempts: 3, BackoffBase: time.Millisecond})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case attempt := <-done:
		if attempt != 2 {
			t.Errorf("Expected success on attempt 2, got %d", attempt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for retry")
	}

	cancel()
	q.Drain()

	st, _ := q.Status(context.Background(), job.ID)
	if st.State != StateCompleted {
		t.Errorf("Expected completed, got %s", st.State)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(failureCalls) != 1 || failureCalls[0] {
		t.Errorf("Expected exactly one non-terminal failure, got %v", failureCalls)
	}
}

func TestConsumeTerminalFailure(t *testing.T) {
	q, _, _ := newQueue(t, Config{PollInterval: 5 * time.Millisecond, HeartbeatEvery: 15 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	terminal := make(chan *Job, 1)
	q.OnFailure(func(job *Job, err error, isTerminal bool) {
		if isTerminal {
			terminal <- job
		}
	})

	q.Consume(ctx, func(ctx context.Context, job *Job) error {
		return errors.New("always broken")
	}, 1)

	job, _ := q.Enqueue(ctx, []byte("p"), Options{MaxAttempts: 2, BackoffBase: time.Millisecond})

	select {
	case failed := <-terminal:
		if failed.ID != job.ID {
			t.Errorf("Expected job %s, got %s", job.ID, failed.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for terminal failure")
	}

	cancel()
	q.Drain()

	st, _ := q.Status(context.Background(), job.ID)
	if st.State != StateFailed {
		t.Errorf("Expected failed, got %s", st.State)
	}
	if st.FailureReason != "always broken" {
		t.Errorf("Expected failure reason, got %q", st.FailureReason)
	}
}

func TestHandlerPanicFailsAttempt(t *testing.T) {
	q, _, _ := newQueue(t, Config{})
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, []byte("p"), Options{MaxAttempts: 1})
	job, _ := q.take(ctx)

	q.runJob(ctx, func(ctx context.Context, job *Job) error {
		panic("handler bug")
	}, job)

	st, _ := q.Status(ctx, job.ID)
	if st.State != StateFailed {
		t.Errorf("Expected failed after panic, got %s", st.State)
	}
}

func TestTerminalErrorSkipsRetries(t *testing.T) {
	q, _, _ := newQueue(t, Config{})
	ctx := context.Background()

	var observed struct {
		terminal bool
		calls    int
	}
	q.OnFailure(func(job *Job, err error, terminal bool) {
		observed.terminal = terminal
		observed.calls++
	})

	_, _ = q.Enqueue(ctx, []byte("p"), Options{MaxAttempts: 3})
	job, _ := q.take(ctx)

	q.runJob(ctx, func(ctx context.Context, job *Job) error {
		return Terminal(errors.New("video row missing"))
	}, job)

	st, _ := q.Status(ctx, job.ID)
	if st.State != StateFailed {
		t.Fatalf("Expected failed despite remaining attempts, got %s", st.State)
	}
	if observed.calls != 1 || !observed.terminal {
		t.Errorf("Expected one terminal failure callback, got calls=%d terminal=%v",
			observed.calls, observed.terminal)
	}
}

func TestIsTerminalUnwraps(t *testing.T) {
	base := errors.New("gone")
	if !IsTerminal(Terminal(base)) {
		t.Error("Terminal error not detected")
	}
	if IsTerminal(base) {
		t.Error("Plain error misread as terminal")
	}
	if !errors.Is(Terminal(base), base) {
		t.Error("Terminal must unwrap to the cause")
	}
	if Terminal(nil) != nil {
		t.Error("Terminal(nil) must be nil")
	}
}
