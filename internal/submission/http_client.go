// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package submission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/logging"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/queue"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/validation"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const (
	pathRecordings = "/api/recordings"
	pathDocuments  = "/api/documents"
	pathOperations = "/api/operations"

	headerIdempotencyKey = "Idempotency-Key"
	headerCorrelationID  = "X-Correlation-Id"
	headerReplayed       = "Idempotent-Replayed"

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 1 << 20
)

// HTTPConfig configures HTTPClient.
type HTTPConfig struct {
	BaseURL   string
	UserAgent string

	// RequestsPerSecond paces outgoing requests. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int

	// BreakerFailures is the number of consecutive retryable failures that
	// opens the circuit. BreakerTimeout is how long it stays open.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultHTTPConfig returns conservative client defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		BaseURL:           "http://localhost:3000",
		UserAgent:         "dictatemed-syncd",
		RequestsPerSecond: 5,
		Burst:             5,
		BreakerFailures:   5,
		BreakerTimeout:    30 * time.Second,
	}
}

// HTTPClient submits items to the DictateMED server over HTTP. It does not
// retry; a failed call returns an *Error for the orchestrator to classify.
type HTTPClient struct {
	baseURL   string
	userAgent string
	http      *http.Client
	creds     Credentials
	limiter   *rate.Limiter
	cb        *gobreaker.CircuitBreaker[Ack]
}

// NewHTTPClient creates a client. A nil httpClient uses a client without a
// global timeout; per-attempt deadlines come from the caller's context.
func NewHTTPClient(cfg HTTPConfig, creds Credentials, httpClient *http.Client) (*HTTPClient, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid submission base URL %q", cfg.BaseURL)
	}
	if creds == nil {
		return nil, fmt.Errorf("submission client requires credentials")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	c := &HTTPClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		http:      httpClient,
		creds:     creds,
		limiter:   rate.NewLimiter(limit, burst),
	}
	c.cb = newBreaker("submission-api", cfg.BreakerFailures, cfg.BreakerTimeout)
	return c, nil
}

func newBreaker(name string, failures uint32, timeout time.Duration) *gobreaker.CircuitBreaker[Ack] {
	if failures == 0 {
		failures = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	circuitBreakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker[Ack](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only server-side and network failures count against the circuit;
		// a 4xx means the server is healthy.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var subErr *Error
			if errors.As(err, &subErr) && subErr.StatusCode >= 400 && subErr.StatusCode < 500 {
				return true
			}
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state transition")
			circuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			circuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// SubmitRecording uploads audio as multipart/form-data.
func (c *HTTPClient) SubmitRecording(ctx context.Context, id string, meta RecordingMetadata, audio []byte) (Ack, error) {
	const op = "submit recording"
	if err := validation.ValidateStruct(meta); err != nil {
		return Ack{}, &Error{Op: op, Err: err}
	}
	body, contentType, err := multipartBody(meta, "audio", id+".webm", "application/octet-stream", audio)
	if err != nil {
		return Ack{}, &Error{Op: op, Err: err}
	}
	return c.submit(ctx, KindRecording, op, pathRecordings, id, contentType, body)
}

// SubmitDocument uploads a document as multipart/form-data.
func (c *HTTPClient) SubmitDocument(ctx context.Context, id string, meta DocumentMetadata, file []byte) (Ack, error) {
	const op = "submit document"
	if err := validation.ValidateStruct(meta); err != nil {
		return Ack{}, &Error{Op: op, Err: err}
	}
	body, contentType, err := multipartBody(meta, "file", meta.Filename, meta.MimeType, file)
	if err != nil {
		return Ack{}, &Error{Op: op, Err: err}
	}
	return c.submit(ctx, KindDocument, op, pathDocuments, id, contentType, body)
}

// SubmitOperation posts a create/update/delete envelope as JSON.
func (c *HTTPClient) SubmitOperation(ctx context.Context, id string, entity queue.EntityType, verb queue.Verb, payload json.RawMessage) (Ack, error) {
	const op = "submit operation"
	body, err := json.Marshal(OperationRequest{ID: id, EntityType: entity, Verb: verb, Payload: payload})
	if err != nil {
		return Ack{}, &Error{Op: op, Err: err}
	}
	return c.submit(ctx, KindOperation, op, pathOperations, id, "application/json", body)
}

// FetchTranscript reads the server transcript for a recording.
func (c *HTTPClient) FetchTranscript(ctx context.Context, recordingID string) (*queue.CachedTranscript, error) {
	const op = "fetch transcript"
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathRecordings+"/"+url.PathEscape(recordingID)+"/transcript", nil)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	if err := c.decorate(ctx, req); err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, responseError(op, resp, payload)
	}

	var t queue.CachedTranscript
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("decode transcript: %w", err)}
	}
	if t.RecordingID == "" {
		t.RecordingID = recordingID
	}
	return &t, nil
}

func (c *HTTPClient) submit(ctx context.Context, kind Kind, op, path, id, contentType string, body []byte) (Ack, error) {
	start := time.Now()
	defer func() {
		submissionDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		submissionRequests.WithLabelValues(string(kind), "canceled").Inc()
		return Ack{}, &Error{Op: op, Err: err}
	}

	ack, err := c.cb.Execute(func() (Ack, error) {
		return c.send(ctx, op, path, id, contentType, body)
	})
	if err != nil {
		if IsRejectedLocally(err) {
			submissionRequests.WithLabelValues(string(kind), "rejected").Inc()
			return Ack{}, &Error{Op: op, Err: err}
		}
		submissionRequests.WithLabelValues(string(kind), Classify(err).String()).Inc()
		return Ack{}, err
	}

	submissionRequests.WithLabelValues(string(kind), "success").Inc()
	return ack, nil
}

func (c *HTTPClient) send(ctx context.Context, op, path, id, contentType string, body []byte) (Ack, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Ack{}, &Error{Op: op, Err: err}
	}
	if err := c.decorate(ctx, req); err != nil {
		return Ack{}, &Error{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(headerIdempotencyKey, id)

	resp, err := c.http.Do(req)
	if err != nil {
		return Ack{}, &Error{Op: op, Err: err}
	}
	payload, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Ack{}, responseError(op, resp, payload)
	}

	// The server accepted the item; a malformed body does not undo that.
	ack := Ack{ID: id}
	if readErr == nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, &ack); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("id", id).Msg("Undecodable acknowledgment body")
		}
	}
	if ack.ID == "" {
		ack.ID = id
	}
	if ack.ReceivedAt.IsZero() {
		ack.ReceivedAt = time.Now().UTC()
	}
	if resp.Header.Get(headerReplayed) == "true" {
		ack.Duplicate = true
	}
	return ack, nil
}

// decorate adds auth, correlation and user agent headers.
func (c *HTTPClient) decorate(ctx context.Context, req *http.Request) error {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	correlationID := logging.CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = logging.GenerateCorrelationID()
	}
	req.Header.Set(headerCorrelationID, correlationID)

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return nil
}

func responseError(op string, resp *http.Response, payload []byte) *Error {
	var errPayload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	message := errPayload.Message
	if message == "" {
		message = errPayload.Error
	}

	e := &Error{Op: op, StatusCode: resp.StatusCode, Message: message}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return e
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

// multipartBody encodes metadata as a JSON part followed by the binary part.
func multipartBody(meta any, field, filename, mimeType string, data []byte) ([]byte, string, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, "", fmt.Errorf("marshal metadata: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Disposition", `form-data; name="metadata"`)
	metaHeader.Set("Content-Type", "application/json")
	part, err := w.CreatePart(metaHeader)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(metaJSON); err != nil {
		return nil, "", err
	}

	fileHeader := textproto.MIMEHeader{}
	fileHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	fileHeader.Set("Content-Type", mimeType)
	part, err = w.CreatePart(fileHeader)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
