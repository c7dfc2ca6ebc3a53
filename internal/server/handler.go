package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ahmethakanbesel/call-pipeline/internal/apperror"
	"github.com/ahmethakanbesel/call-pipeline/internal/job"
	"github.com/ahmethakanbesel/call-pipeline/internal/repository/call"
)

const maxBodyBytes = 1 << 20

// CallStatuses reads the status mirrored onto Call records.
type CallStatuses interface {
	Get(ctx context.Context, callID string) (*call.Status, error)
}

type handler struct {
	jobSvc *job.Service
	calls  CallStatuses
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.jobSvc.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// enqueueJob is the upload-completion trigger.
func (h *handler) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req job.EnqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	j, err := h.jobSvc.Enqueue(r.Context(), req)
	switch {
	case errors.Is(err, job.ErrDuplicateJob) && j != nil:
		respond(w, http.StatusOK, "already queued", j)
	case err != nil:
		writeAppError(w, err)
	default:
		writeJSON(w, http.StatusAccepted, j)
	}
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobSvc.Get(r.Context(), job.GetJobRequest{ID: r.PathValue("id")})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := job.ListJobsRequest{
		Status: job.Status(q.Get("status")),
		CallID: q.Get("callId"),
		Kind:   job.Kind(q.Get("kind")),
	}

	jobs, err := h.jobSvc.List(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) listStalled(w http.ResponseWriter, r *http.Request) {
	var req job.FindStalledRequest
	if v := r.URL.Query().Get("olderThan"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid olderThan, expected a duration such as 10m")
			return
		}
		req.OlderThan = d
	}

	jobs, err := h.jobSvc.FindStalled(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) resubmitJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobSvc.Resubmit(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) retryJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobSvc.Retry(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, job.ErrDuplicateJob) && j != nil:
		respond(w, http.StatusOK, "already queued", j)
	case err != nil:
		writeAppError(w, err)
	default:
		writeJSON(w, http.StatusAccepted, j)
	}
}

func (h *handler) getCallStatus(w http.ResponseWriter, r *http.Request) {
	if h.calls == nil {
		writeError(w, http.StatusNotFound, "call status not tracked")
		return
	}
	st, err := h.calls.Get(r.Context(), r.PathValue("callId"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// toAppError maps domain errors onto HTTP-aware application errors. Store and
// driver messages are logged, never sent to the client.
func toAppError(err error) *apperror.AppError {
	if ae, ok := apperror.As(err); ok {
		return ae
	}
	switch {
	case errors.Is(err, job.ErrNotFound):
		return apperror.New(apperror.NotFound, "not found")
	case errors.Is(err, job.ErrNotStalled),
		errors.Is(err, job.ErrNotFailed),
		errors.Is(err, job.ErrClaimLost),
		errors.Is(err, job.ErrDuplicateJob):
		return apperror.New(apperror.Conflict, err.Error())
	case errors.Is(err, job.ErrStoreUnavailable):
		slog.Error("job store unavailable", "error", err)
		return apperror.New(apperror.Unavailable, "job store unavailable")
	default:
		slog.Error("unhandled request error", "error", err)
		return apperror.New(apperror.Internal, "internal error")
	}
}

func writeAppError(w http.ResponseWriter, err error) {
	ae := toAppError(err)
	writeError(w, ae.HTTPStatus(), ae.Message())
}
