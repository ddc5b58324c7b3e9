// Package fetch performs upstream GET requests through the proxy pool with
// per-attempt timeouts, response classification and linear retry.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"archivestream/searchservice/internal/metrics"
	"archivestream/searchservice/internal/proxy"
	"archivestream/searchservice/internal/telemetry"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxRetries   = 3
	defaultRetryBase    = 300 * time.Millisecond
	defaultUserAgent    = "archivestream-search/1.0"
	defaultMaxBodyBytes = 16 << 20
)

var (
	ErrTransient   = errors.New("transient upstream failure")
	ErrRateLimited = fmt.Errorf("%w: rate limited", ErrTransient)
	ErrShape       = fmt.Errorf("%w: unexpected response shape", ErrTransient)
	ErrNotFound    = errors.New("upstream resource not found")
	// ErrRangeNotSatisfiable is returned by FetchStream for HTTP 416.
	ErrRangeNotSatisfiable = errors.New("requested range not satisfiable")
)

// Payload is a decoded upstream document that can check its own shape.
type Payload interface {
	Validate() error
}

// Pool leases egress nodes. *proxy.Rotator implements it.
type Pool interface {
	Acquire(ctx context.Context) (*proxy.Node, error)
	Release(node *proxy.Node)
	ReportSuccess(node *proxy.Node)
	ReportFailure(node *proxy.Node, rateLimited bool)
}

// FetchError describes a fetch that did not succeed. Err is the class
// sentinel of the last attempt (or the context error on cancellation).
type FetchError struct {
	URL      string
	Attempts int
	Status   int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("fetch %s: %d attempt(s), last status %d: %v", e.URL, e.Attempts, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Stream is an upstream response whose body the caller must close.
type Stream struct {
	Body       io.ReadCloser
	Header     http.Header
	StatusCode int
}

type Fetcher struct {
	pool         Pool
	timeout      time.Duration
	maxRetries   int
	retryBase    time.Duration
	userAgent    string
	maxBodyBytes int64
	logger       *slog.Logger
}

type Option func(*Fetcher)

// WithTimeout bounds each JSON attempt, and the wait for response headers on
// stream attempts.
func WithTimeout(timeout time.Duration) Option {
	return func(f *Fetcher) {
		if timeout > 0 {
			f.timeout = timeout
		}
	}
}

// WithRetries sets how many retries follow the first attempt and the linear
// delay step between them.
func WithRetries(maxRetries int, base time.Duration) Option {
	return func(f *Fetcher) {
		if maxRetries >= 0 {
			f.maxRetries = maxRetries
		}
		if base > 0 {
			f.retryBase = base
		}
	}
}

func WithUserAgent(userAgent string) Option {
	return func(f *Fetcher) {
		if userAgent != "" {
			f.userAgent = userAgent
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func New(pool Pool, opts ...Option) *Fetcher {
	f := &Fetcher{
		pool:         pool,
		timeout:      defaultTimeout,
		maxRetries:   defaultMaxRetries,
		retryBase:    defaultRetryBase,
		userAgent:    defaultUserAgent,
		maxBodyBytes: defaultMaxBodyBytes,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch GETs url, decodes the JSON body into into and validates it.
// HTTP 404 is terminal after one attempt; rate limits, other bad statuses,
// transport errors and shape errors are retried.
func (f *Fetcher) Fetch(ctx context.Context, url string, into Payload) error {
	ctx, span := telemetry.Tracer().Start(ctx, "upstream.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("http.url", url))

	var (
		lastErr    error
		lastStatus int
		attempts   int
	)
	for attempt := 1; attempt <= f.maxRetries+1; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, f.retryBase*time.Duration(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}
		attempts = attempt
		status, err := f.attemptJSON(ctx, url, into)
		lastStatus = status
		if err == nil {
			span.SetAttributes(attribute.Int("upstream.attempts", attempts))
			return nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransient) || ctx.Err() != nil {
			break
		}
		f.logger.Debug("upstream attempt failed",
			slog.String("url", url),
			slog.Int("attempt", attempt),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}

	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ErrNotFound) {
		lastErr = ctxErr
	}
	fetchErr := &FetchError{URL: url, Attempts: attempts, Status: lastStatus, Err: classOf(lastErr)}
	span.SetAttributes(attribute.Int("upstream.attempts", attempts))
	span.SetStatus(codes.Error, fetchErr.Error())
	return fetchErr
}

func (f *Fetcher) attemptJSON(ctx context.Context, url string, into Payload) (int, error) {
	node, err := f.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer f.pool.Release(node)

	attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	started := time.Now()
	outcome := "ok"
	defer func() {
		metrics.UpstreamAttemptsTotal.WithLabelValues("json", outcome).Inc()
		metrics.UpstreamAttemptDuration.WithLabelValues("json").Observe(time.Since(started).Seconds())
	}()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		outcome = "invalid"
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := node.Client().Do(req)
	if err != nil {
		outcome = "transport"
		if ctx.Err() == nil {
			f.pool.ReportFailure(node, false)
		}
		return 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if classErr := f.classifyStatus(node, resp.StatusCode); classErr != nil {
		outcome = outcomeOf(classErr)
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return resp.StatusCode, classErr
	}

	resetPayload(into)
	if err := json.NewDecoder(io.LimitReader(resp.Body, f.maxBodyBytes)).Decode(into); err != nil {
		outcome = "shape"
		f.pool.ReportFailure(node, false)
		return resp.StatusCode, fmt.Errorf("%w: decode: %v", ErrShape, err)
	}
	if err := into.Validate(); err != nil {
		outcome = "shape"
		f.pool.ReportFailure(node, false)
		return resp.StatusCode, fmt.Errorf("%w: %v", ErrShape, err)
	}
	f.pool.ReportSuccess(node)
	return resp.StatusCode, nil
}

// FetchStream GETs url forwarding header and returns the open body once a
// 200 or 206 response arrives. The node lease ends when headers arrive, not
// when the body is drained.
func (f *Fetcher) FetchStream(ctx context.Context, url string, header http.Header) (*Stream, error) {
	var (
		lastErr    error
		lastStatus int
		attempts   int
	)
	for attempt := 1; attempt <= f.maxRetries+1; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, f.retryBase*time.Duration(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}
		attempts = attempt
		stream, status, err := f.attemptStream(ctx, url, header)
		lastStatus = status
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransient) || ctx.Err() != nil {
			break
		}
		f.logger.Debug("upstream stream attempt failed",
			slog.String("url", url),
			slog.Int("attempt", attempt),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		lastErr = ctxErr
	}
	return nil, &FetchError{URL: url, Attempts: attempts, Status: lastStatus, Err: classOf(lastErr)}
}

func (f *Fetcher) attemptStream(ctx context.Context, url string, header http.Header) (*Stream, int, error) {
	node, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer f.pool.Release(node)

	started := time.Now()
	outcome := "ok"
	defer func() {
		metrics.UpstreamAttemptsTotal.WithLabelValues("stream", outcome).Inc()
		metrics.UpstreamAttemptDuration.WithLabelValues("stream").Observe(time.Since(started).Seconds())
	}()

	attemptCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		outcome = "invalid"
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	headerTimer := time.AfterFunc(f.timeout, cancel)
	resp, err := node.Client().Do(req)
	inTime := headerTimer.Stop()
	if err != nil {
		cancel()
		outcome = "transport"
		if ctx.Err() == nil {
			f.pool.ReportFailure(node, false)
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if !inTime {
		resp.Body.Close()
		cancel()
		outcome = "transport"
		f.pool.ReportFailure(node, false)
		return nil, 0, fmt.Errorf("%w: response headers timed out", ErrTransient)
	}

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		resp.Body.Close()
		cancel()
		outcome = "range"
		f.pool.ReportSuccess(node)
		return nil, resp.StatusCode, ErrRangeNotSatisfiable
	}
	if classErr := f.classifyStatus(node, resp.StatusCode); classErr != nil {
		resp.Body.Close()
		cancel()
		outcome = outcomeOf(classErr)
		return nil, resp.StatusCode, classErr
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		cancel()
		outcome = "status"
		f.pool.ReportFailure(node, false)
		return nil, resp.StatusCode, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}

	f.pool.ReportSuccess(node)
	return &Stream{
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
		Header:     resp.Header.Clone(),
		StatusCode: resp.StatusCode,
	}, resp.StatusCode, nil
}

// classifyStatus reports the node outcome for non-2xx statuses and returns
// the class error, or nil for 2xx.
func (f *Fetcher) classifyStatus(node *proxy.Node, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		f.pool.ReportSuccess(node)
		return ErrNotFound
	case status == http.StatusTooManyRequests:
		f.pool.ReportFailure(node, true)
		return ErrRateLimited
	default:
		f.pool.ReportFailure(node, false)
		return fmt.Errorf("%w: status %d", ErrTransient, status)
	}
}

func classOf(err error) error {
	switch {
	case err == nil:
		return ErrTransient
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrRangeNotSatisfiable):
		return ErrRangeNotSatisfiable
	case errors.Is(err, ErrRateLimited):
		return ErrRateLimited
	case errors.Is(err, ErrShape):
		return ErrShape
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrTransient):
		return ErrTransient
	default:
		return err
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "status"
	}
}

// resetPayload zeroes a pointer payload so a retried decode starts clean.
func resetPayload(into Payload) {
	value := reflect.ValueOf(into)
	if value.Kind() != reflect.Pointer || value.IsNil() {
		return
	}
	elem := value.Elem()
	elem.Set(reflect.Zero(elem.Type()))
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

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
