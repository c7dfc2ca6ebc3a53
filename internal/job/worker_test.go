package job

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type funcProcessor func(ctx context.Context, j *Job) (Outcome, error)

func (f funcProcessor) Process(ctx context.Context, j *Job) (Outcome, error) { return f(ctx, j) }

func succeed(context.Context, *Job) (Outcome, error) { return Outcome{}, nil }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// startPool runs the pool in the background and returns a stop function that
// cancels it and waits for Run to return.
func startPool(wp *WorkerPool) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		wp.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func testService(repo *mockRepo, maxAttempts int) *Service {
	return NewService(repo, WithRetryPolicy(maxAttempts, Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}))
}

func statusOf(repo *mockRepo, id string) Status {
	return repo.snapshot(id).Status
}

func TestWorkerPool_ProcessesPendingJobs(t *testing.T) {
	repo := newMockRepo()
	calls := newMockCalls()
	svc := testService(repo, 3)

	j, err := svc.Enqueue(context.Background(), enqueueReq("C1"))
	if err != nil {
		t.Fatal(err)
	}

	// Nothing claims the job until a worker runs.
	time.Sleep(20 * time.Millisecond)
	if statusOf(repo, j.ID) != StatusPending {
		t.Fatalf("expected pending before workers start, got %s", statusOf(repo, j.ID))
	}

	var processed []string
	var mu sync.Mutex
	wp := NewWorkerPool(repo, funcProcessor(func(_ context.Context, j *Job) (Outcome, error) {
		mu.Lock()
		processed = append(processed, j.CallID)
		mu.Unlock()
		return Outcome{}, nil
	}), 2, WithPollInterval(10*time.Millisecond), WithPoolCallStatus(calls))
	stop := startPool(wp)
	defer stop()

	waitFor(t, 2*time.Second, func() bool { return statusOf(repo, j.ID) == StatusCompleted })

	got := repo.snapshot(j.ID)
	if got.Attempts != 1 || got.ClaimedBy != "" {
		t.Errorf("expected 1 attempt and no claim, got %d/%q", got.Attempts, got.ClaimedBy)
	}
	mu.Lock()
	if len(processed) != 1 || processed[0] != "C1" {
		t.Errorf("expected exactly C1 processed, got %v", processed)
	}
	mu.Unlock()
	if calls.get("C1") != CallCompleted {
		t.Errorf("expected call status completed, got %s", calls.get("C1"))
	}
}

func TestWorkerPool_NotifyWakesWorker(t *testing.T) {
	repo := newMockRepo()
	svc := testService(repo, 3)

	wp := NewWorkerPool(repo, funcProcessor(succeed), 1, WithPollInterval(time.Hour))
	svc.SetNotify(wp.Notify)
	stop := startPool(wp)
	defer stop()

	// Let the worker drain the empty queue and go idle.
	time.Sleep(20 * time.Millisecond)

	j, err := svc.Enqueue(context.Background(), enqueueReq("C1"))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return statusOf(repo, j.ID) == StatusCompleted })
}

func TestWorkerPool_EachJobClaimedOnce(t *testing.T) {
	repo := newMockRepo()
	svc := testService(repo, 3)
	ctx := context.Background()

	const n = 20
	ids := make([]string, 0, n)
	for i := range n {
		j, err := svc.Enqueue(ctx, enqueueReq("C"+string(rune('a'+i))))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, j.ID)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	wp := NewWorkerPool(repo, funcProcessor(func(_ context.Context, j *Job) (Outcome, error) {
		mu.Lock()
		seen[j.ID]++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return Outcome{}, nil
	}), 4, WithPollInterval(10*time.Millisecond))
	stop := startPool(wp)
	defer stop()

	waitFor(t, 5*time.Second, func() bool {
		for _, id := range ids {
			if statusOf(repo, id) != StatusCompleted {
				return false
			}
		}
		return true
	})

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		if seen[id] != 1 {
			t.Errorf("job %s processed %d times", id, seen[id])
		}
	}
}

func TestWorkerPool_TransientRetriedUntilExhausted(t *testing.T) {
	repo := newMockRepo()
	calls := newMockCalls()
	svc := testService(repo, 3)

	j, err := svc.Enqueue(context.Background(), enqueueReq("C3"))
	if err != nil {
		t.Fatal(err)
	}

	var invocations atomic.Int32
	wp := NewWorkerPool(repo, funcProcessor(func(context.Context, *Job) (Outcome, error) {
		invocations.Add(1)
		return Outcome{}, Transient(errors.New("endpoint 503"))
	}), 2, WithPollInterval(5*time.Millisecond), WithPoolCallStatus(calls))
	stop := startPool(wp)
	defer stop()

	waitFor(t, 2*time.Second, func() bool { return statusOf(repo, j.ID) == StatusFailed })
	time.Sleep(50 * time.Millisecond)

	if got := invocations.Load(); got != 3 {
		t.Errorf("expected 3 invocations, got %d", got)
	}
	got := repo.snapshot(j.ID)
	if got.Attempts != 3 {
		t.Errorf("expected attempts 3, got %d", got.Attempts)
	}
	if !strings.Contains(got.LastError, "endpoint 503") {
		t.Errorf("expected last error recorded, got %q", got.LastError)
	}
	if calls.get("C3") != CallFailed {
		t.Errorf("expected call status failed, got %s", calls.get("C3"))
	}
}

func TestWorkerPool_PermanentFailsImmediately(t *testing.T) {
	repo := newMockRepo()
	svc := testService(repo, 3)

	j, err := svc.Enqueue(context.Background(), enqueueReq("C1"))
	if err != nil {
		t.Fatal(err)
	}

	var invocations atomic.Int32
	wp := NewWorkerPool(repo, funcProcessor(func(context.Context, *Job) (Outcome, error) {
		invocations.Add(1)
		return Outcome{}, Permanent(errors.New("unsupported audio format"))
	}), 1, WithPollInterval(5*time.Millisecond))
	stop := startPool(wp)
	defer stop()

	waitFor(t, 2*time.Second, func() bool { return statusOf(repo, j.ID) == StatusFailed })
	time.Sleep(30 * time.Millisecond)

	if got := invocations.Load(); got != 1 {
		t.Errorf("expected 1 invocation, got %d", got)
	}
	if got := repo.snapshot(j.ID); got.Attempts != got.MaxAttempts {
		t.Errorf("expected attempts at max, got %d/%d", got.Attempts, got.MaxAttempts)
	}
}

func TestWorkerPool_InvokeTimeoutIsTransient(t *testing.T) {
	repo := newMockRepo()
	svc := testService(repo, 1)

	j, err := svc.Enqueue(context.Background(), enqueueReq("C1"))
	if err != nil {
		t.Fatal(err)
	}

	wp := NewWorkerPool(repo, funcProcessor(func(ctx context.Context, _ *Job) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}), 1, WithPollInterval(5*time.Millisecond), WithInvokeTimeout(20*time.Millisecond))
	stop := startPool(wp)
	defer stop()

	waitFor(t, 2*time.Second, func() bool { return statusOf(repo, j.ID) == StatusFailed })
	if got := repo.snapshot(j.ID); !strings.Contains(got.LastError, "timed out") {
		t.Errorf("expected timeout recorded, got %q", got.LastError)
	}
}

func TestWorkerPool_PanicIsTransient(t *testing.T) {
	repo := newMockRepo()
	svc := testService(repo, 3)

	j, err := svc.Enqueue(context.Background(), enqueueReq("C1"))
	if err != nil {
		t.Fatal(err)
	}

	var invocations atomic.Int32
	wp := NewWorkerPool(repo, funcProcessor(func(context.Context, *Job) (Outcome, error) {
		if invocations.Add(1) == 1 {
			panic("decoder crashed")
		}
		return Outcome{}, nil
	}), 1, WithPollInterval(5*time.Millisecond))
	stop := startPool(wp)
	defer stop()

	waitFor(t, 2*time.Second, func() bool { return statusOf(repo, j.ID) == StatusCompleted })
	if got := repo.snapshot(j.ID); got.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", got.Attempts)
	}
}

func TestWorkerPool_ClaimErrorsBackOff(t *testing.T) {
	repo := newMockRepo()
	repo.claimErrs = 2
	svc := testService(repo, 3)

	j, err := svc.Enqueue(context.Background(), enqueueReq("C1"))
	if err != nil {
		t.Fatal(err)
	}

	wp := NewWorkerPool(repo, funcProcessor(succeed), 1, WithPollInterval(5*time.Millisecond))
	stop := startPool(wp)
	defer stop()

	waitFor(t, 2*time.Second, func() bool { return statusOf(repo, j.ID) == StatusCompleted })
}

func TestWorkerPool_ShutdownWaitsForInFlight(t *testing.T) {
	repo := newMockRepo()
	svc := testService(repo, 3)

	j, err := svc.Enqueue(context.Background(), enqueueReq("C1"))
	if err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	var invocations atomic.Int32
	wp := NewWorkerPool(repo, funcProcessor(func(ctx context.Context, _ *Job) (Outcome, error) {
		invocations.Add(1)
		close(started)
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return Outcome{}, nil
		}
	}), 1, WithPollInterval(5*time.Millisecond), WithShutdownGrace(2*time.Second))
	stop := startPool(wp)

	<-started
	stop()

	got := repo.snapshot(j.ID)
	if got.Status != StatusCompleted || got.Attempts != 1 {
		t.Errorf("expected completed after 1 attempt, got %s/%d", got.Status, got.Attempts)
	}
	if invocations.Load() != 1 {
		t.Errorf("expected 1 invocation, got %d", invocations.Load())
	}
}

func TestWorkerPool_GraceElapsedReleasesJob(t *testing.T) {
	repo := newMockRepo()
	calls := newMockCalls()
	svc := testService(repo, 3)

	j, err := svc.Enqueue(context.Background(), enqueueReq("C1"))
	if err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	wp := NewWorkerPool(repo, funcProcessor(func(ctx context.Context, _ *Job) (Outcome, error) {
		close(started)
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}), 1, WithPollInterval(5*time.Millisecond), WithShutdownGrace(30*time.Millisecond), WithPoolCallStatus(calls))
	stop := startPool(wp)

	<-started
	stop()

	got := repo.snapshot(j.ID)
	if got.Status != StatusPending {
		t.Fatalf("expected job released to pending, got %s", got.Status)
	}
	if got.Attempts != 0 || got.ClaimedBy != "" {
		t.Errorf("release must not consume an attempt: attempts=%d claimedBy=%q", got.Attempts, got.ClaimedBy)
	}
	if calls.get("C1") != CallPending {
		t.Errorf("expected call status pending, got %s", calls.get("C1"))
	}
}

func TestWorkerPool_RecoveredJobCompletesOnHealthyWorker(t *testing.T) {
	repo := newMockRepo()
	// The service clock runs behind the pool's so the resubmitted job is due.
	clock := &fakeClock{now: time.Now().UTC().Add(-10 * time.Minute)}
	svc := NewService(repo, WithStalledThreshold(time.Minute), withClock(clock.Now))
	ctx := context.Background()

	j, err := svc.Enqueue(ctx, enqueueReq("C2"))
	if err != nil {
		t.Fatal(err)
	}
	// A worker claims C2 and dies without reporting.
	if _, err := repo.ClaimNext(ctx, nil, "crashed-worker", clock.Now()); err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Minute)
	if n, err := svc.RecoverStaleJobs(ctx); err != nil || n != 1 {
		t.Fatalf("expected 1 recovered, got %d, %v", n, err)
	}

	wp := NewWorkerPool(repo, funcProcessor(succeed), 1, WithPollInterval(5*time.Millisecond))
	stop := startPool(wp)
	defer stop()

	waitFor(t, 2*time.Second, func() bool { return statusOf(repo, j.ID) == StatusCompleted })
	if got := repo.snapshot(j.ID); got.Attempts != 2 {
		t.Errorf("expected attempts 2, got %d", got.Attempts)
	}
}

func TestWorkerPool_KindsFromProcessor(t *testing.T) {
	wp := NewWorkerPool(newMockRepo(), kindsProcessor{kinds: []Kind{"a", "b"}}, 1)
	if len(wp.kinds) != 2 {
		t.Fatalf("expected kinds from processor, got %v", wp.kinds)
	}

	wp = NewWorkerPool(newMockRepo(), kindsProcessor{kinds: []Kind{"a", "b"}}, 1, WithKinds("c"))
	if len(wp.kinds) != 1 || wp.kinds[0] != "c" {
		t.Fatalf("expected WithKinds to override, got %v", wp.kinds)
	}
}

type kindsProcessor struct{ kinds []Kind }

func (k kindsProcessor) Process(context.Context, *Job) (Outcome, error) { return Outcome{}, nil }
func (k kindsProcessor) Kinds() []Kind                                  { return k.kinds }
