package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
)

// Request describes one logical HTTP call
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Options configures a Fetcher
type Options struct {
	Timeout     time.Duration // per attempt
	MaxAttempts int
	RetryDelay  time.Duration // attempt i waits RetryDelay*i before attempt i+1
	HTTPClient  *http.Client
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Meter       metric.Meter
}

// Fetcher performs HTTP calls with a per-attempt timeout and bounded retries.
// Only network-level failures are retried; HTTP error statuses are returned
// to the caller untouched.
type Fetcher struct {
	timeout     time.Duration
	maxAttempts int
	retryDelay  time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
	tracer      trace.Tracer
	duration    metric.Float64Histogram
	retries     metric.Int64Counter
	sleep       func(ctx context.Context, d time.Duration) error
}

// New creates a Fetcher
func New(opts Options) (*Fetcher, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("voicechat/fetch")
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("voicechat/fetch")
	}

	duration, err := opts.Meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	retries, err := opts.Meter.Int64Counter(
		"agent.fetch.retries",
		metric.WithDescription("Attempts repeated after a network failure"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry counter: %w", err)
	}

	return &Fetcher{
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		httpClient:  opts.HTTPClient,
		logger:      opts.Logger,
		tracer:      opts.Tracer,
		duration:    duration,
		retries:     retries,
		sleep:       sleepContext,
	}, nil
}

// Do sends req, retrying network failures up to maxAttempts total attempts.
// maxAttempts <= 0 uses the configured default. When every attempt fails the
// last failure is returned as is.
func (f *Fetcher) Do(ctx context.Context, req Request, maxAttempts int) (*Response, error) {
	if maxAttempts <= 0 {
		maxAttempts = f.maxAttempts
	}
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	requestID := uuid.NewString()

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		resp, err := f.attempt(ctx, req, requestID, i+1)
		if err == nil {
			return resp, nil
		}
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			return nil, reqErr.err
		}
		lastErr = err

		// caller gave up, not a network failure
		if ctx.Err() != nil {
			return nil, err
		}
		if i == maxAttempts-1 {
			break
		}

		delay := f.retryDelay * time.Duration(i+1)
		f.logger.Warn("request failed, retrying",
			"url", req.URL,
			"request_id", requestID,
			"attempt", i+1,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err)
		f.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("url", req.URL)))

		if err := f.sleep(ctx, delay); err != nil {
			return nil, lastErr
		}
	}

	f.logger.Error("request failed after all attempts",
		"url", req.URL,
		"request_id", requestID,
		"attempts", maxAttempts,
		"error", lastErr)
	return nil, lastErr
}

func (f *Fetcher) attempt(ctx context.Context, req Request, requestID string, n int) (*Response, error) {
	ctx, span := f.tracer.Start(ctx, "agent.fetch.attempt", trace.WithAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.url", req.URL),
		attribute.Int("attempt", n),
	))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		f.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("http.url", req.URL)))
	}()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &requestError{err: fmt.Errorf("failed to create request: %w", err)}
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("X-Request-ID", requestID)

	httpResp, err := f.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "network failure")
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "body read failure")
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", httpResp.StatusCode))
	f.logger.Debug("request completed",
		"url", req.URL,
		"request_id", requestID,
		"attempt", n,
		"status", httpResp.StatusCode)

	return &Response{
		StatusCode: httpResp.StatusCode,
		Status:     httpResp.Status,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

// requestError marks failures that happen before anything is sent.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
