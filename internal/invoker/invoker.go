// Package invoker calls the external transcription/extraction endpoint for a
// claimed job. Each call carries the job id as an idempotency key so the
// endpoint can upsert the Call record safely when an attempt is repeated.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ahmethakanbesel/call-pipeline/internal/job"
)

const (
	defaultEndpoint = "http://localhost:3000/api/process-call"

	// HeaderIdempotencyKey carries the job id on every attempt.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderInternalWorker marks requests coming from the trusted worker
	// process rather than user-facing traffic.
	HeaderInternalWorker = "X-Internal-Worker"

	maxResponseBytes = 4 << 20
)

// HTTPInvoker processes one kind of job with a POST to an HTTP endpoint.
type HTTPInvoker struct {
	client   *http.Client
	endpoint string
	token    string
	kind     job.Kind
}

// New creates an HTTPInvoker with the given options applied.
func New(opts ...Option) *HTTPInvoker {
	inv := &HTTPInvoker{
		client:   &http.Client{},
		endpoint: defaultEndpoint,
		kind:     job.KindProcessCall,
	}
	for _, o := range opts {
		o(inv)
	}
	return inv
}

// Option configures an HTTPInvoker.
type Option func(*HTTPInvoker)

// WithClient sets the HTTP client. Timeouts come from the job context, so
// the client itself should not set one.
func WithClient(c *http.Client) Option {
	return func(inv *HTTPInvoker) { inv.client = c }
}

// WithEndpoint overrides the processing endpoint.
func WithEndpoint(ep string) Option {
	return func(inv *HTTPInvoker) { inv.endpoint = ep }
}

// WithInternalToken sets the value of the trusted-worker header.
func WithInternalToken(token string) Option {
	return func(inv *HTTPInvoker) { inv.token = token }
}

// WithKind sets the job kind this invoker handles.
func WithKind(k job.Kind) Option {
	return func(inv *HTTPInvoker) { inv.kind = k }
}

// Kind returns the job kind handled by this invoker.
func (inv *HTTPInvoker) Kind() job.Kind { return inv.kind }

type processRequest struct {
	CallID   string `json:"callId"`
	UserID   string `json:"userId"`
	FileURL  string `json:"fileUrl"`
	FileName string `json:"fileName"`
}

// Process performs exactly one request for the job. Failures come back as
// *job.TransientError or *job.PermanentError.
func (inv *HTTPInvoker) Process(ctx context.Context, j *job.Job) (job.Outcome, error) {
	if j.CallID == "" || j.FileURL == "" {
		return job.Outcome{}, job.Permanent(fmt.Errorf("job %s: call id and file url are required", j.ID))
	}

	body, err := json.Marshal(processRequest{
		CallID:   j.CallID,
		UserID:   j.UserID,
		FileURL:  j.FileURL,
		FileName: j.FileName,
	})
	if err != nil {
		return job.Outcome{}, job.Permanent(fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inv.endpoint, bytes.NewReader(body))
	if err != nil {
		return job.Outcome{}, job.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderIdempotencyKey, j.ID)
	if inv.token != "" {
		req.Header.Set(HeaderInternalWorker, inv.token)
	}

	res, err := inv.client.Do(req) //nolint:gosec // URL from internal config
	if err != nil {
		return job.Outcome{}, job.Transient(fmt.Errorf("call %s: %w", inv.endpoint, err))
	}
	defer func() { _ = res.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return job.Outcome{}, job.Transient(fmt.Errorf("read response: %w", err))
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return job.Outcome{}, classify(res, payload)
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		return job.Outcome{}, nil
	}
	if !json.Valid(payload) {
		return job.Outcome{}, job.Transient(errors.New("response body is not valid JSON"))
	}
	return job.Outcome{Result: json.RawMessage(payload)}, nil
}

// classify maps a non-2xx response onto a retry decision.
func classify(res *http.Response, payload []byte) error {
	err := fmt.Errorf("processing endpoint returned HTTP %d: %s", res.StatusCode, snippet(payload))

	switch {
	case res.StatusCode >= 500,
		res.StatusCode == http.StatusRequestTimeout,
		res.StatusCode == http.StatusTooEarly,
		res.StatusCode == http.StatusTooManyRequests:
		return &job.TransientError{Err: err, RetryAfter: retryAfter(res.Header.Get("Retry-After"))}
	default:
		return job.Permanent(err)
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(b []byte) string {
	const limit = 200
	s := string(bytes.TrimSpace(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
