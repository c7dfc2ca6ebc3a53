package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ahmethakanbesel/call-pipeline/internal/apperror"
)

type Service struct {
	repo             Repository
	calls            CallStatusWriter
	notify           func() // optional: wake workers
	maxAttempts      int
	backoff          Backoff
	stalledThreshold time.Duration
	now              func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithCallStatus mirrors job progress onto the Call record.
func WithCallStatus(w CallStatusWriter) ServiceOption {
	return func(s *Service) { s.calls = w }
}

// WithRetryPolicy sets the attempt budget and backoff given to new jobs.
func WithRetryPolicy(maxAttempts int, b Backoff) ServiceOption {
	return func(s *Service) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		s.backoff = b
	}
}

// WithStalledThreshold sets how long an active job may go without an update
// before recovery treats it as abandoned.
func WithStalledThreshold(d time.Duration) ServiceOption {
	return func(s *Service) { s.stalledThreshold = d }
}

func withClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, opts ...ServiceOption) *Service {
	s := &Service{
		repo:             repo,
		maxAttempts:      3,
		backoff:          Backoff{Base: 5 * time.Second, Max: 10 * time.Minute},
		stalledThreshold: 10 * time.Minute,
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetNotify sets a callback invoked when a job becomes claimable.
func (s *Service) SetNotify(fn func()) { s.notify = fn }

func (s *Service) StalledThreshold() time.Duration { return s.stalledThreshold }

// Enqueue creates a pending job for an uploaded call. If one is already
// outstanding for the same call and kind, that job is returned together
// with ErrDuplicateJob and nothing is written.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	kind := req.Kind
	if kind == "" {
		kind = KindProcessCall
	}

	// The outstanding job may finish between the failed insert and the
	// lookup; a short retry covers that window.
	for range 3 {
		now := s.now()
		j := &Job{
			ID:           uuid.NewString(),
			CallID:       req.CallID,
			UserID:       req.UserID,
			OrgID:        req.OrgID,
			FileURL:      req.FileURL,
			FileName:     req.FileName,
			Kind:         kind,
			Status:       StatusPending,
			MaxAttempts:  s.maxAttempts,
			Backoff:      s.backoff,
			RunNotBefore: now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		err := s.repo.Create(ctx, j)
		if err == nil {
			slog.Info("job enqueued", "job", j.ID, "call", j.CallID, "kind", j.Kind)
			s.setCallStatus(ctx, j, CallPending)
			if s.notify != nil {
				s.notify()
			}
			return j, nil
		}
		if !errors.Is(err, ErrDuplicateJob) {
			return nil, fmt.Errorf("enqueue: %w", err)
		}

		existing, findErr := s.repo.FindActive(ctx, req.CallID, kind)
		if findErr != nil {
			return nil, fmt.Errorf("enqueue: find outstanding job: %w", findErr)
		}
		if existing != nil {
			slog.Info("duplicate enqueue coalesced", "job", existing.ID, "call", existing.CallID, "kind", kind)
			return existing, ErrDuplicateJob
		}
	}
	return nil, fmt.Errorf("enqueue call %s: %w", req.CallID, ErrDuplicateJob)
}

func (s *Service) Get(ctx context.Context, req GetJobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, req.ID)
}

func (s *Service) List(ctx context.Context, req ListJobsRequest) ([]Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, Filter{Status: req.Status, CallID: req.CallID, Kind: req.Kind, Limit: 100})
}

// FindStalled returns active jobs not updated for at least olderThan. A zero
// olderThan uses the configured threshold. Shorter ages are refused: every
// job reported here must be accepted by Resubmit.
func (s *Service) FindStalled(ctx context.Context, req FindStalledRequest) ([]Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	olderThan := req.OlderThan
	if olderThan == 0 {
		olderThan = s.stalledThreshold
	}
	if olderThan < s.stalledThreshold {
		return nil, apperror.New(apperror.BadRequest,
			fmt.Sprintf("olderThan must be at least the stalled threshold (%s)", s.stalledThreshold))
	}
	jobs, err := s.repo.FindStalled(ctx, s.now().Add(-olderThan))
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		jobs[i].Status = StatusStalled
	}
	return jobs, nil
}

// Resubmit hands a stalled job back to the queue, consuming one attempt. A
// job whose budget is spent is failed instead.
func (s *Service) Resubmit(ctx context.Context, id string) (*Job, error) {
	if err := (GetJobRequest{ID: id}).Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	j, err := s.repo.Resubmit(ctx, id, now.Add(-s.stalledThreshold), now)
	if err != nil {
		return nil, err
	}

	if j.Status == StatusPending {
		slog.Info("stalled job resubmitted", "job", j.ID, "call", j.CallID, "attempts", j.Attempts)
		if s.notify != nil {
			s.notify()
		}
	} else {
		slog.Warn("stalled job failed: attempts exhausted", "job", j.ID, "call", j.CallID, "attempts", j.Attempts)
	}
	s.setCallStatus(ctx, j, CallStatusFor(j.Status))
	return j, nil
}

// Retry starts a fresh job for the call and kind of a failed job. The failed
// job itself is left untouched for inspection.
func (s *Service) Retry(ctx context.Context, id string) (*Job, error) {
	old, err := s.Get(ctx, GetJobRequest{ID: id})
	if err != nil {
		return nil, err
	}
	if old.Status != StatusFailed {
		return nil, fmt.Errorf("retry job %s (%s): %w", id, old.Status, ErrNotFailed)
	}
	return s.Enqueue(ctx, EnqueueRequest{
		CallID:   old.CallID,
		UserID:   old.UserID,
		OrgID:    old.OrgID,
		FileURL:  old.FileURL,
		FileName: old.FileName,
		Kind:     old.Kind,
	})
}

// RecoverStaleJobs resubmits every job stalled past the threshold and
// returns how many went back to pending.
func (s *Service) RecoverStaleJobs(ctx context.Context) (int, error) {
	now := s.now()
	stalled, err := s.repo.FindStalled(ctx, now.Add(-s.stalledThreshold))
	if err != nil {
		return 0, fmt.Errorf("find stalled jobs: %w", err)
	}

	requeued := 0
	for _, j := range stalled {
		slog.Warn("stalled job detected", "error", &StalledJobError{
			JobID:     j.ID,
			CallID:    j.CallID,
			ClaimedBy: j.ClaimedBy,
			Idle:      now.Sub(j.UpdatedAt),
		})

		r, err := s.Resubmit(ctx, j.ID)
		if err != nil {
			if errors.Is(err, ErrClaimLost) || errors.Is(err, ErrNotStalled) {
				continue // worker reported or another recoverer won
			}
			return requeued, err
		}
		if r.Status == StatusPending {
			requeued++
		}
	}
	if requeued > 0 {
		slog.Info("re-queued stalled jobs", "count", requeued)
	}
	return requeued, nil
}

// PurgeCompleted deletes completed jobs older than retention. Failed jobs
// are kept.
func (s *Service) PurgeCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.repo.DeleteCompletedBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge completed jobs: %w", err)
	}
	if n > 0 {
		slog.Info("purged completed jobs", "count", n)
	}
	return n, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Service) setCallStatus(ctx context.Context, j *Job, status CallStatus) {
	setCallStatus(ctx, s.calls, j, status, s.now())
}

// setCallStatus is best effort: the job row is the source of truth and the
// next transition rewrites the call status anyway.
func setCallStatus(ctx context.Context, w CallStatusWriter, j *Job, status CallStatus, at time.Time) {
	if w == nil {
		return
	}
	if err := w.SetCallStatus(ctx, j.CallID, j.ID, status, at); err != nil {
		slog.Error("set call status", "call", j.CallID, "job", j.ID, "status", status, "error", err)
	}
}
