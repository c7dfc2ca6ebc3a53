package server

import (
	"net/http"

	"github.com/ahmethakanbesel/call-pipeline/internal/job"
)

// NewHandler creates the full HTTP handler with routes and middleware.
// Exported for use in tests (e.g., httptest.NewServer).
func NewHandler(jobSvc *job.Service, calls CallStatuses) http.Handler {
	return newMux(jobSvc, calls)
}

func newMux(jobSvc *job.Service, calls CallStatuses) http.Handler {
	h := &handler{
		jobSvc: jobSvc,
		calls:  calls,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /api/v1/jobs", h.enqueueJob)
	mux.HandleFunc("GET /api/v1/jobs", h.listJobs)
	mux.HandleFunc("GET /api/v1/jobs/stalled", h.listStalled)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.getJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/resubmit", h.resubmitJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/retry", h.retryJob)
	mux.HandleFunc("GET /api/v1/calls/{callId}/status", h.getCallStatus)

	// Apply middleware stack: recovery -> requestID -> logging
	var handler http.Handler = mux
	handler = logging(handler)
	handler = requestID(handler)
	handler = recovery(handler)

	return handler
}
