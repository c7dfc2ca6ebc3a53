package job

import (
	"context"
	"time"
)

// Repository is the durable job queue. Every state change is a guarded
// compare-and-swap so several processes can share one store.
type Repository interface {
	// Create inserts a pending job. It returns ErrDuplicateJob when a pending
	// or active job already exists for the same call and kind.
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, f Filter) ([]Job, error)
	FindActive(ctx context.Context, callID string, kind Kind) (*Job, error)

	// ClaimNext moves the oldest eligible pending job to active and records
	// workerID as its holder. It returns nil, nil when nothing is eligible.
	ClaimNext(ctx context.Context, kinds []Kind, workerID string, now time.Time) (*Job, error)
	MarkCompleted(ctx context.Context, id, claimedBy string, now time.Time) (*Job, error)
	// MarkFailed consumes one attempt and either reschedules the job with
	// backoff or, when the budget is spent or f is permanent, fails it.
	MarkFailed(ctx context.Context, id, claimedBy string, f Failure, now time.Time) (*Job, error)
	// Release hands an active job back to pending without consuming an attempt.
	Release(ctx context.Context, id, claimedBy string, now time.Time) error

	FindStalled(ctx context.Context, cutoff time.Time) ([]Job, error)
	// Resubmit moves an active job last touched at or before cutoff back to
	// pending, consuming one attempt.
	Resubmit(ctx context.Context, id string, cutoff, now time.Time) (*Job, error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
}

// CallStatusWriter mirrors job progress onto the externally owned Call
// record. Writes are upserts keyed by call id.
type CallStatusWriter interface {
	SetCallStatus(ctx context.Context, callID, jobID string, status CallStatus, at time.Time) error
}

// Processor performs one attempt of a claimed job.
type Processor interface {
	Process(ctx context.Context, j *Job) (Outcome, error)
}
