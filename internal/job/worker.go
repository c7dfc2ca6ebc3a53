package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	maxClaimBackoff   = time.Minute
	bookkeepTimeout   = 10 * time.Second
	defaultInvokeTime = 2 * time.Minute
)

// WorkerPool runs a fixed number of goroutines that claim and process
// pending jobs. Workers share nothing but the Repository.
type WorkerPool struct {
	repo          Repository
	processor     Processor
	calls         CallStatusWriter
	workers       int
	kinds         []Kind
	name          string
	notify        chan struct{}
	pollInterval  time.Duration
	invokeTimeout time.Duration
	grace         time.Duration
	now           func() time.Time
}

// PoolOption configures a WorkerPool.
type PoolOption func(*WorkerPool)

// WithKinds restricts the pool to the given job kinds. By default the pool
// claims the kinds its processor reports, or any kind.
func WithKinds(kinds ...Kind) PoolOption {
	return func(wp *WorkerPool) { wp.kinds = kinds }
}

func WithPollInterval(d time.Duration) PoolOption {
	return func(wp *WorkerPool) {
		if d > 0 {
			wp.pollInterval = d
		}
	}
}

// WithInvokeTimeout bounds every processing attempt.
func WithInvokeTimeout(d time.Duration) PoolOption {
	return func(wp *WorkerPool) {
		if d > 0 {
			wp.invokeTimeout = d
		}
	}
}

// WithShutdownGrace sets how long in-flight attempts may run after Run's
// context is cancelled before they are cancelled and released.
func WithShutdownGrace(d time.Duration) PoolOption {
	return func(wp *WorkerPool) { wp.grace = d }
}

func WithPoolCallStatus(w CallStatusWriter) PoolOption {
	return func(wp *WorkerPool) { wp.calls = w }
}

// WithWorkerName sets the prefix of the identity recorded on claimed jobs.
func WithWorkerName(name string) PoolOption {
	return func(wp *WorkerPool) { wp.name = name }
}

// NewWorkerPool creates a pool with the given number of workers.
func NewWorkerPool(repo Repository, processor Processor, workers int, opts ...PoolOption) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	host, _ := os.Hostname()
	wp := &WorkerPool{
		repo:          repo,
		processor:     processor,
		workers:       workers,
		name:          fmt.Sprintf("%s-%d", host, os.Getpid()),
		notify:        make(chan struct{}, 1),
		pollInterval:  5 * time.Second,
		invokeTimeout: defaultInvokeTime,
		grace:         30 * time.Second,
		now:           func() time.Time { return time.Now().UTC() },
	}
	if k, ok := processor.(interface{ Kinds() []Kind }); ok {
		wp.kinds = k.Kinds()
	}
	for _, o := range opts {
		o(wp)
	}
	return wp
}

// Notify wakes idle workers to check for pending jobs. Non-blocking.
func (wp *WorkerPool) Notify() {
	select {
	case wp.notify <- struct{}{}:
	default:
	}
}

// Run starts worker goroutines and blocks until ctx is cancelled and all
// workers have drained. Cancelling ctx stops new claims at once; attempts
// already running get the grace period, then are cancelled and their jobs
// released back to pending.
func (wp *WorkerPool) Run(ctx context.Context) {
	invokeCtx, forceStop := context.WithCancel(context.WithoutCancel(ctx))
	defer forceStop()

	drained := make(chan struct{})
	go func() {
		select {
		case <-drained:
			return
		case <-ctx.Done():
		}
		timer := time.NewTimer(wp.grace)
		defer timer.Stop()
		select {
		case <-drained:
		case <-timer.C:
			slog.Warn("worker: grace period elapsed, cancelling in-flight jobs", "grace", wp.grace)
			forceStop()
		}
	}()

	var wg sync.WaitGroup
	for i := range wp.workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wp.loop(ctx, invokeCtx, id)
		}(i)
	}
	wg.Wait()
	close(drained)
}

func (wp *WorkerPool) loop(ctx, invokeCtx context.Context, id int) {
	workerID := fmt.Sprintf("%s-%d", wp.name, id)
	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	var backoff time.Duration
	for {
		// Drain all available pending jobs before waiting.
		if err := wp.drain(ctx, invokeCtx, workerID); err != nil {
			backoff = min(max(backoff*2, wp.pollInterval), maxClaimBackoff)
			slog.Error("worker: claim failed, backing off", "worker", workerID, "retryIn", backoff, "error", err)
			if !sleep(ctx, backoff) {
				return
			}
			continue
		}
		backoff = 0

		select {
		case <-ctx.Done():
			return
		case <-wp.notify:
		case <-ticker.C:
		}
	}
}

func (wp *WorkerPool) drain(ctx, invokeCtx context.Context, workerID string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		j, err := wp.repo.ClaimNext(ctx, wp.kinds, workerID, wp.now())
		if err != nil {
			if ctx.Err() != nil {
				return nil // shutting down
			}
			return err
		}
		if j == nil {
			return nil // no more pending jobs
		}

		// Another job may be waiting; let an idle worker look too.
		wp.Notify()
		wp.handle(ctx, invokeCtx, workerID, j)
	}
}

// handle runs one attempt and records its outcome. Processing errors never
// escape: each one becomes a state transition in the store.
func (wp *WorkerPool) handle(ctx, invokeCtx context.Context, workerID string, j *Job) {
	log := slog.With("worker", workerID, "job", j.ID, "call", j.CallID, "kind", j.Kind)
	log.Info("job claimed", "attempt", j.Attempts+1, "maxAttempts", j.MaxAttempts)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepTimeout)
	setCallStatus(pctx, wp.calls, j, CallProcessing, wp.now())
	cancel()

	start := time.Now()
	out, err := wp.invoke(invokeCtx, j)
	elapsed := time.Since(start)

	// Outcomes are recorded even when ctx is already cancelled.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepTimeout)
	defer cancel()

	switch {
	case err == nil:
		done, mErr := wp.repo.MarkCompleted(bctx, j.ID, workerID, wp.now())
		if mErr != nil {
			wp.reportLost(log, "mark completed", mErr)
			return
		}
		log.Info("job completed", "attempts", done.Attempts, "duration", elapsed.String(), "resultBytes", len(out.Result))
		setCallStatus(bctx, wp.calls, done, CallCompleted, wp.now())

	case invokeCtx.Err() != nil:
		// Forced shutdown: the attempt never finished, so it is not counted.
		if rErr := wp.repo.Release(bctx, j.ID, workerID, wp.now()); rErr != nil {
			wp.reportLost(log, "release", rErr)
			return
		}
		log.Warn("job released", "reason", "shutdown", "error", err)
		setCallStatus(bctx, wp.calls, j, CallPending, wp.now())

	default:
		f := failure(err)
		next, mErr := wp.repo.MarkFailed(bctx, j.ID, workerID, f, wp.now())
		if mErr != nil {
			wp.reportLost(log, "mark failed", mErr)
			return
		}
		if next.Status == StatusFailed {
			log.Error("job failed", "attempts", next.Attempts, "permanent", f.Permanent, "error", err)
		} else {
			log.Warn("job retry scheduled", "attempts", next.Attempts,
				"runNotBefore", next.RunNotBefore, "error", err)
		}
		setCallStatus(bctx, wp.calls, next, CallStatusFor(next.Status), wp.now())
	}
}

func (wp *WorkerPool) invoke(ctx context.Context, j *Job) (out Outcome, err error) {
	ctx, cancel := context.WithTimeout(ctx, wp.invokeTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = Transient(fmt.Errorf("processor panic: %v", r))
		}
	}()

	out, err = wp.processor.Process(ctx, j)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !IsPermanent(err) {
		err = &TransientError{Err: fmt.Errorf("invocation timed out after %s: %w", wp.invokeTimeout, err)}
	}
	return out, err
}

func (wp *WorkerPool) reportLost(log *slog.Logger, op string, err error) {
	if errors.Is(err, ErrClaimLost) {
		log.Warn("worker: claim lost before "+op+", result discarded", "error", err)
		return
	}
	log.Error("worker: "+op, "error", err)
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
