package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/ahmethakanbesel/call-pipeline/internal/job"
	"github.com/ahmethakanbesel/call-pipeline/internal/platform/sqlite"
)

const columns = `id, call_id, user_id, org_id, file_url, file_name, kind, status,
	attempts, max_attempts, backoff_base_ms, backoff_max_ms, run_not_before,
	claimed_by, last_error, created_at, updated_at`

const defaultListLimit = 100

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, j *domain.Job) error {
	const query = `INSERT INTO jobs (id, call_id, user_id, org_id, file_url, file_name,
		kind, status, attempts, max_attempts, backoff_base_ms, backoff_max_ms,
		run_not_before, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		j.ID, j.CallID, j.UserID, j.OrgID, j.FileURL, j.FileName,
		string(j.Kind), string(j.Status), j.Attempts, j.MaxAttempts,
		j.Backoff.Base.Milliseconds(), j.Backoff.Max.Milliseconds(),
		millis(j.RunNotBefore), millis(j.CreatedAt), millis(j.UpdatedAt),
	)
	if sqlite.IsUniqueViolation(err) {
		return fmt.Errorf("create job for call %s: %w", j.CallID, domain.ErrDuplicateJob)
	}
	if err != nil {
		return wrap("create job", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get job", err)
	}
	return j, nil
}

func (r *Repository) List(ctx context.Context, f domain.Filter) ([]domain.Job, error) {
	query := `SELECT ` + columns + ` FROM jobs WHERE 1=1`

	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.CallID != "" {
		query += " AND call_id = ?"
		args = append(args, f.CallID)
	}
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(f.Kind))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	return r.queryJobs(ctx, "list jobs", query, args...)
}

func (r *Repository) FindActive(ctx context.Context, callID string, kind domain.Kind) (*domain.Job, error) {
	const query = `SELECT ` + columns + ` FROM jobs
		WHERE call_id = ? AND kind = ? AND status IN ('pending', 'active')
		LIMIT 1`

	j, err := scanJob(r.db.QueryRowContext(ctx, query, callID, string(kind)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find active job", err)
	}
	return j, nil
}

// ClaimNext selects and activates a job in one statement, so two claimants,
// in this process or another, can never both win the same row.
func (r *Repository) ClaimNext(ctx context.Context, kinds []domain.Kind, workerID string, now time.Time) (*domain.Job, error) {
	args := []any{workerID, millis(now), millis(now)}

	kindClause := ""
	if len(kinds) > 0 {
		kindClause = " AND kind IN (?" + strings.Repeat(", ?", len(kinds)-1) + ")"
		for _, k := range kinds {
			args = append(args, string(k))
		}
	}

	query := `UPDATE jobs SET status = 'active', claimed_by = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_not_before <= ? AND attempts < max_attempts` + kindClause + `
			ORDER BY run_not_before, created_at, id
			LIMIT 1
		) AND status = 'pending'
		RETURNING ` + columns

	j, err := scanJob(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("claim next job", err)
	}
	return j, nil
}

func (r *Repository) MarkCompleted(ctx context.Context, id, claimedBy string, now time.Time) (*domain.Job, error) {
	const query = `UPDATE jobs SET status = 'completed', attempts = attempts + 1,
		claimed_by = NULL, updated_at = ?
		WHERE id = ? AND status = 'active' AND claimed_by = ?
		RETURNING ` + columns

	j, err := scanJob(r.db.QueryRowContext(ctx, query, millis(now), id, claimedBy))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.missedTransition(ctx, "mark completed", id)
	}
	if err != nil {
		return nil, wrap("mark completed", err)
	}
	return j, nil
}

func (r *Repository) MarkFailed(ctx context.Context, id, claimedBy string, f domain.Failure, now time.Time) (*domain.Job, error) {
	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != domain.StatusActive || cur.ClaimedBy != claimedBy {
		return nil, fmt.Errorf("mark failed %s: %w", id, domain.ErrClaimLost)
	}

	status := domain.StatusPending
	attempts := cur.Attempts + 1
	runAt := now.Add(cur.Backoff.RetryDelay(cur.Attempts, f.RetryAfter))
	if f.Permanent {
		attempts = cur.MaxAttempts
	}
	if attempts >= cur.MaxAttempts {
		status = domain.StatusFailed
		runAt = cur.RunNotBefore
	}

	const query = `UPDATE jobs SET status = ?, attempts = ?, run_not_before = ?,
		claimed_by = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'active' AND claimed_by = ? AND attempts = ?
		RETURNING ` + columns

	j, err := scanJob(r.db.QueryRowContext(ctx, query,
		string(status), attempts, millis(runAt), f.Cause, millis(now),
		id, claimedBy, cur.Attempts,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mark failed %s: %w", id, domain.ErrClaimLost)
	}
	if err != nil {
		return nil, wrap("mark failed", err)
	}
	return j, nil
}

func (r *Repository) Release(ctx context.Context, id, claimedBy string, now time.Time) error {
	const query = `UPDATE jobs SET status = 'pending', claimed_by = NULL,
		run_not_before = ?, updated_at = ?
		WHERE id = ? AND status = 'active' AND claimed_by = ?`

	res, err := r.db.ExecContext(ctx, query, millis(now), millis(now), id, claimedBy)
	if err != nil {
		return wrap("release job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.missedTransition(ctx, "release", id)
	}
	return nil
}

func (r *Repository) FindStalled(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	const query = `SELECT ` + columns + ` FROM jobs
		WHERE status = 'active' AND updated_at <= ?
		ORDER BY updated_at ASC`

	return r.queryJobs(ctx, "find stalled jobs", query, millis(cutoff))
}

func (r *Repository) Resubmit(ctx context.Context, id string, cutoff, now time.Time) (*domain.Job, error) {
	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != domain.StatusActive || cur.UpdatedAt.After(cutoff) {
		return nil, fmt.Errorf("resubmit %s (%s): %w", id, cur.Status, domain.ErrNotStalled)
	}

	status := domain.StatusPending
	attempts := cur.Attempts + 1
	cause := fmt.Sprintf("stalled: no report from %s since %s", cur.ClaimedBy, cur.UpdatedAt.Format(time.RFC3339))
	if attempts >= cur.MaxAttempts {
		attempts = cur.MaxAttempts
		status = domain.StatusFailed
		cause += "; attempts exhausted"
	}

	const query = `UPDATE jobs SET status = ?, attempts = ?, run_not_before = ?,
		claimed_by = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'active' AND attempts = ? AND updated_at = ?
		RETURNING ` + columns

	j, err := scanJob(r.db.QueryRowContext(ctx, query,
		string(status), attempts, millis(now), cause, millis(now),
		id, cur.Attempts, millis(cur.UpdatedAt),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resubmit %s: %w", id, domain.ErrClaimLost)
	}
	if err != nil {
		return nil, wrap("resubmit job", err)
	}
	return j, nil
}

func (r *Repository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = 'completed' AND updated_at < ?`, millis(cutoff))
	if err != nil {
		return 0, wrap("delete completed jobs", err)
	}
	return res.RowsAffected()
}

func (r *Repository) Ping(ctx context.Context) error {
	var one int
	if err := r.db.QueryRowContext(ctx, `SELECT 1 FROM jobs LIMIT 1`).Scan(&one); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("ping job store: %w: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// missedTransition explains why a guarded update matched no row.
func (r *Repository) missedTransition(ctx context.Context, op, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%s %s: %w", op, id, domain.ErrClaimLost)
}

func (r *Repository) queryJobs(ctx context.Context, op, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*domain.Job, error) {
	j := &domain.Job{}
	var kind, status string
	var baseMs, maxMs, runAt, created, updated int64
	var claimedBy, lastErr sql.NullString

	if err := s.Scan(
		&j.ID, &j.CallID, &j.UserID, &j.OrgID, &j.FileURL, &j.FileName,
		&kind, &status, &j.Attempts, &j.MaxAttempts, &baseMs, &maxMs, &runAt,
		&claimedBy, &lastErr, &created, &updated,
	); err != nil {
		return nil, err
	}

	j.Kind = domain.Kind(kind)
	j.Status = domain.Status(status)
	j.Backoff = domain.Backoff{
		Base: time.Duration(baseMs) * time.Millisecond,
		Max:  time.Duration(maxMs) * time.Millisecond,
	}
	j.RunNotBefore = fromMillis(runAt)
	j.ClaimedBy = claimedBy.String
	j.LastError = lastErr.String
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return j, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// wrap tags connectivity failures with ErrStoreUnavailable so workers back
// off instead of treating them as bad data.
func wrap(op string, err error) error {
	if sqlite.IsUnavailable(err) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
