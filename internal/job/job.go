package job

import (
	"encoding/json"
	"math"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusStalled is never stored. Recovery scans report active jobs
	// whose claim has gone quiet with this status.
	StatusStalled Status = "stalled"
)

// Terminal reports whether a job in this status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusFailed, StatusStalled:
		return true
	}
	return false
}

// Kind names a job type. Several kinds share one queue.
type Kind string

const KindProcessCall Kind = "process-call"

type Job struct {
	ID           string    `json:"id"`
	CallID       string    `json:"callId"`
	UserID       string    `json:"userId"`
	OrgID        string    `json:"orgId"`
	FileURL      string    `json:"fileUrl"`
	FileName     string    `json:"fileName"`
	Kind         Kind      `json:"kind"`
	Status       Status    `json:"status"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"maxAttempts"`
	Backoff      Backoff   `json:"backoff"`
	RunNotBefore time.Time `json:"runNotBefore"`
	ClaimedBy    string    `json:"claimedBy,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// AttemptsLeft reports whether another attempt fits in the budget.
func (j *Job) AttemptsLeft() bool {
	return j.Attempts < j.MaxAttempts
}

// Backoff is an exponential retry policy: Base * 2^n, clamped to Max when
// Max is positive.
type Backoff struct {
	Base time.Duration `json:"base"`
	Max  time.Duration `json:"max,omitempty"`
}

const maxShift = 62

// Delay returns the wait before the retry that follows failed attempt n
// (zero based). It never decreases as n grows.
func (b Backoff) Delay(n int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}
	if n > maxShift {
		n = maxShift
	}
	if b.Base > math.MaxInt64>>n {
		// Base << n would overflow.
		if b.Max > 0 {
			return b.Max
		}
		return math.MaxInt64
	}
	d := b.Base << n
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// RetryDelay is the wait before retrying failed attempt n when the endpoint
// asked for retryAfter. The larger of the two wins, still clamped to Max.
func (b Backoff) RetryDelay(n int, retryAfter time.Duration) time.Duration {
	d := max(b.Delay(n), retryAfter)
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Outcome is what a successful invocation returns.
type Outcome struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// Failure describes a failed attempt for the store.
type Failure struct {
	Cause     string
	Permanent bool
	// RetryAfter, if larger than the backoff delay, postpones the retry up
	// to the backoff maximum.
	RetryAfter time.Duration
}

// CallStatus is the processing status mirrored onto the Call record.
type CallStatus string

const (
	CallPending    CallStatus = "pending"
	CallProcessing CallStatus = "processing"
	CallCompleted  CallStatus = "completed"
	CallFailed     CallStatus = "failed"
)

// CallStatusFor maps a job status onto the Call record's status.
func CallStatusFor(s Status) CallStatus {
	switch s {
	case StatusActive, StatusStalled:
		return CallProcessing
	case StatusCompleted:
		return CallCompleted
	case StatusFailed:
		return CallFailed
	default:
		return CallPending
	}
}

type Filter struct {
	Status Status
	CallID string
	Kind   Kind
	Limit  int
}
