package call

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ahmethakanbesel/call-pipeline/internal/job"
)

// Status is the processing status last written for a call.
type Status struct {
	CallID    string         `json:"callId"`
	Status    job.CallStatus `json:"status"`
	JobID     string         `json:"jobId"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Repository stores the processing status field of Call records. The Call
// record itself belongs to the product database; only this field is ours.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// SetCallStatus upserts the status by call id. Writing the same status for
// the same job twice leaves the row untouched.
func (r *Repository) SetCallStatus(ctx context.Context, callID, jobID string, status job.CallStatus, at time.Time) error {
	const query = `INSERT INTO call_status (call_id, status, job_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (call_id) DO UPDATE SET
			status = excluded.status,
			job_id = excluded.job_id,
			updated_at = excluded.updated_at
		WHERE call_status.status != excluded.status
		   OR call_status.job_id != excluded.job_id`

	if _, err := r.db.ExecContext(ctx, query, callID, string(status), jobID, at.UnixMilli()); err != nil {
		return fmt.Errorf("set call status: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, callID string) (*Status, error) {
	const query = `SELECT call_id, status, job_id, updated_at FROM call_status WHERE call_id = ?`

	s := &Status{}
	var status string
	var updated int64
	err := r.db.QueryRowContext(ctx, query, callID).Scan(&s.CallID, &status, &s.JobID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("call %s: %w", callID, job.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get call status: %w", err)
	}
	s.Status = job.CallStatus(status)
	s.UpdatedAt = time.UnixMilli(updated).UTC()
	return s, nil
}
