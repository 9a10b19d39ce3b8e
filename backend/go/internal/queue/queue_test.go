package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/pkg/circuitbreaker"
	"BrowserAgent/backend/go/pkg/logger"
)

func TestMemoryQueueEnqueueIsIdempotentWhileInFlight(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	if err := q.Enqueue(ctx, "run_task", "task_1", map[string]string{"task_id": "task_1"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "run_task", "task_1", nil); !errors.Is(err, ErrJobExists) {
		t.Fatalf("Expected ErrJobExists, got %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("Expected 1 queued job, got %d", q.Len())
	}

	job, err := q.Dequeue(ctx, "w1", 10*time.Millisecond)
	if err != nil || job == nil {
		t.Fatalf("dequeue: job=%v err=%v", job, err)
	}
	if job.Tries != 1 {
		t.Errorf("Expected tries 1, got %d", job.Tries)
	}
	if err := q.Enqueue(ctx, "run_task", "task_1", nil); !errors.Is(err, ErrJobExists) {
		t.Fatalf("Expected ErrJobExists while running, got %v", err)
	}
	if err := q.Finish(ctx, job, false); err != nil {
		t.Fatalf("finish: %v", err)
	}
	st, _ := q.JobStatus(ctx, "task_1")
	if st != models.JobStatusFinished {
		t.Errorf("Expected finished, got %s", st)
	}
	// 结束后可以再次入队
	if err := q.Enqueue(ctx, "run_task", "task_1", nil); err != nil {
		t.Fatalf("re-enqueue after finish: %v", err)
	}
}

func TestMemoryQueueDequeueTimeout(t *testing.T) {
	q := NewMemoryQueue()
	job, err := q.Dequeue(context.Background(), "w1", 20*time.Millisecond)
	if err != nil || job != nil {
		t.Fatalf("Expected nil job and nil error, got %v %v", job, err)
	}
}

func TestMemoryQueueAbortQueuedJob(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	_ = q.Enqueue(ctx, "run_task", "task_1", nil)

	acked, err := q.RequestAbort(ctx, "task_1", time.Second)
	if err != nil || !acked {
		t.Fatalf("Expected immediate ack, got %v %v", acked, err)
	}
	if q.Len() != 0 {
		t.Errorf("Expected aborted job to leave the queue")
	}
	acked, err = q.RequestAbort(ctx, "nope", time.Second)
	if err != nil || acked {
		t.Errorf("Expected no ack for unknown job, got %v %v", acked, err)
	}
}

func TestMemoryQueueAbortRunningJobTimesOut(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	_ = q.Enqueue(ctx, "run_task", "task_1", nil)
	if _, err := q.Dequeue(ctx, "w1", time.Second); err != nil {
		t.Fatal(err)
	}
	acked, err := q.RequestAbort(ctx, "task_1", 30*time.Millisecond)
	if err != nil || acked {
		t.Fatalf("Expected timeout without ack, got %v %v", acked, err)
	}
	if ok, _ := q.AbortRequested(ctx, "task_1"); !ok {
		t.Errorf("Expected abort flag to be set")
	}
}

func TestMemoryQueueUnavailable(t *testing.T) {
	q := NewMemoryQueue()
	q.SetUnavailable(true)
	if err := q.Enqueue(context.Background(), "run_task", "task_1", nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
	if err := q.HealthCheck(context.Background()); err == nil {
		t.Errorf("Expected health check to fail")
	}
}

func runPool(t *testing.T, q *MemoryQueue, opts PoolOptions, name string, h Handler) (cancel func()) {
	t.Helper()
	p := NewPool(q, opts, logger.Discard())
	p.Register(name, h)
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		<-done
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPoolRunsJobs(t *testing.T) {
	q := NewMemoryQueue()
	var mu sync.Mutex
	seen := map[string]bool{}
	stop := runPool(t, q, PoolOptions{MaxJobs: 3, PollTimeout: 20 * time.Millisecond}, "run_task",
		func(ctx context.Context, job *Job) error {
			mu.Lock()
			seen[job.ID] = true
			mu.Unlock()
			return nil
		})
	defer stop()

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := q.Enqueue(context.Background(), "run_task", id, nil); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	})
	waitFor(t, func() bool {
		st, _ := q.JobStatus(context.Background(), "d")
		return st == models.JobStatusFinished
	})
}

func TestPoolRetriesFailedJobs(t *testing.T) {
	q := NewMemoryQueue()
	var calls int32
	stop := runPool(t, q, PoolOptions{MaxJobs: 1, MaxTries: 3, PollTimeout: 20 * time.Millisecond}, "run_task",
		func(ctx context.Context, job *Job) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("lost connection")
		})
	defer stop()

	_ = q.Enqueue(context.Background(), "run_task", "task_1", nil)
	waitFor(t, func() bool {
		st, _ := q.JobStatus(context.Background(), "task_1")
		return st == models.JobStatusFinished
	})
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("Expected 3 tries, got %d", n)
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	q := NewMemoryQueue()
	stop := runPool(t, q, PoolOptions{MaxJobs: 1, PollTimeout: 20 * time.Millisecond}, "run_task",
		func(ctx context.Context, job *Job) error {
			panic("boom")
		})
	defer stop()

	_ = q.Enqueue(context.Background(), "run_task", "task_1", nil)
	waitFor(t, func() bool {
		st, _ := q.JobStatus(context.Background(), "task_1")
		return st == models.JobStatusFinished
	})
}

func TestPoolAbortCancelsRunningJob(t *testing.T) {
	q := NewMemoryQueue()
	started := make(chan struct{})
	var aborted atomic.Bool
	stop := runPool(t, q, PoolOptions{
		MaxJobs:           1,
		MaxTries:          3,
		AbortPollInterval: 10 * time.Millisecond,
		PollTimeout:       20 * time.Millisecond,
	}, "run_task", func(ctx context.Context, job *Job) error {
		close(started)
		<-ctx.Done()
		aborted.Store(IsAborted(ctx))
		return ctx.Err()
	})
	defer stop()

	_ = q.Enqueue(context.Background(), "run_task", "task_1", nil)
	<-started
	acked, err := q.RequestAbort(context.Background(), "task_1", 2*time.Second)
	if err != nil || !acked {
		t.Fatalf("Expected abort to be acknowledged, got %v %v", acked, err)
	}
	if !aborted.Load() {
		t.Errorf("Expected handler to observe the abort cause")
	}
}

func TestPoolJobTimeoutIsNotAbort(t *testing.T) {
	q := NewMemoryQueue()
	result := make(chan bool, 1)
	stop := runPool(t, q, PoolOptions{MaxJobs: 1, JobTimeout: 20 * time.Millisecond, PollTimeout: 20 * time.Millisecond}, "run_task",
		func(ctx context.Context, job *Job) error {
			<-ctx.Done()
			result <- IsAborted(ctx)
			return ctx.Err()
		})
	defer stop()

	_ = q.Enqueue(context.Background(), "run_task", "task_1", nil)
	select {
	case wasAborted := <-result:
		if wasAborted {
			t.Errorf("Expected timeout not to be reported as abort")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("job did not time out")
	}
}

func TestGuardedOpensOnRepeatedFailures(t *testing.T) {
	q := NewMemoryQueue()
	g := NewGuarded(q, 2, 1, time.Minute, logger.Discard())
	ctx := context.Background()

	if err := g.Enqueue(ctx, "run_task", "task_1", nil); err != nil {
		t.Fatal(err)
	}
	// 重复入队不会触发熔断
	for i := 0; i < 3; i++ {
		if err := g.Enqueue(ctx, "run_task", "task_1", nil); !errors.Is(err, ErrJobExists) {
			t.Fatalf("Expected ErrJobExists, got %v", err)
		}
	}
	if g.State() != circuitbreaker.Closed {
		t.Fatalf("Expected breaker to stay closed, got %s", g.State())
	}

	q.SetUnavailable(true)
	for i := 0; i < 2; i++ {
		_ = g.Enqueue(ctx, "run_task", "task_2", nil)
	}
	if err := g.Enqueue(ctx, "run_task", "task_2", nil); !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}
}

func TestParseClaim(t *testing.T) {
	job, err := parseClaim("task_1", []string{"ok", "run_task", `{"task_id":"task_1"}`, "2", "2024-05-01T10:00:00Z"})
	if err != nil {
		t.Fatal(err)
	}
	if job.Name != "run_task" || job.Tries != 2 || string(job.Args) != `{"task_id":"task_1"}` {
		t.Errorf("unexpected job %+v", job)
	}
	if job.EnqueuedAt.IsZero() {
		t.Errorf("Expected enqueued_at to be parsed")
	}

	for _, reply := range [][]string{{"aborted"}, {"missing"}} {
		job, err := parseClaim("task_1", reply)
		if job != nil || err != nil {
			t.Errorf("reply %v: expected nil, nil", reply)
		}
	}
	if _, err := parseClaim("task_1", []string{"ok", "x"}); err == nil {
		t.Errorf("Expected error for malformed reply")
	}
}

func TestKeysAndJobStatus(t *testing.T) {
	k := Keys{Prefix: "browser_agent"}
	if k.Job("t") != "browser_agent:job:t" || k.Ready() != "browser_agent:queue" || k.Abort("t") != "browser_agent:abort:t" {
		t.Errorf("unexpected key layout")
	}
	if ParseJobStatus("running") != models.JobStatusRunning {
		t.Errorf("Expected running")
	}
	if ParseJobStatus("garbage") != models.JobStatusMissing {
		t.Errorf("Expected unknown status to map to missing")
	}
}
