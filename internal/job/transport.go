package job

import (
	"net/url"
	"time"

	"github.com/ahmethakanbesel/call-pipeline/internal/apperror"
)

// EnqueueRequest is the upload-completion signal for one call.
type EnqueueRequest struct {
	CallID   string `json:"callId"`
	UserID   string `json:"userId"`
	OrgID    string `json:"orgId"`
	FileURL  string `json:"fileUrl"`
	FileName string `json:"fileName"`
	Kind     Kind   `json:"kind,omitempty"`
}

func (r EnqueueRequest) Validate() *apperror.AppError {
	if r.CallID == "" {
		return apperror.New(apperror.BadRequest, "callId is required")
	}
	if r.UserID == "" {
		return apperror.New(apperror.BadRequest, "userId is required")
	}
	if r.FileURL == "" {
		return apperror.New(apperror.BadRequest, "fileUrl is required")
	}
	u, err := url.Parse(r.FileURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return apperror.New(apperror.BadRequest, "fileUrl must be an absolute URL")
	}
	return nil
}

type GetJobRequest struct {
	ID string
}

func (r GetJobRequest) Validate() *apperror.AppError {
	if r.ID == "" {
		return apperror.New(apperror.BadRequest, "invalid job id")
	}
	return nil
}

type ListJobsRequest struct {
	Status Status
	CallID string
	Kind   Kind
}

func (r ListJobsRequest) Validate() *apperror.AppError {
	if r.Status != "" && (!r.Status.Valid() || r.Status == StatusStalled) {
		return apperror.New(apperror.BadRequest, "status must be pending, active, completed or failed")
	}
	return nil
}

type FindStalledRequest struct {
	OlderThan time.Duration
}

func (r FindStalledRequest) Validate() *apperror.AppError {
	if r.OlderThan < 0 {
		return apperror.New(apperror.BadRequest, "olderThan must not be negative")
	}
	return nil
}
