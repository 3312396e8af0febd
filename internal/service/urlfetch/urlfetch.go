// Package urlfetch emulates the URL fetch API by performing real outbound
// HTTP requests.
package urlfetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/testbed/internal/ratelimit"
	"github.com/lsm/testbed/internal/retry"
	"github.com/lsm/testbed/internal/service"
	"github.com/lsm/testbed/internal/tracing"
)

// ServiceName is the URL fetch service name in request envelopes.
const ServiceName = "urlfetch"

// Application error codes.
const (
	ErrCodeInvalidURL       int32 = 1
	ErrCodeFetchError       int32 = 2
	ErrCodeUnspecified      int32 = 3
	ErrCodeDeadlineExceeded int32 = 5
	ErrCodeDNSError         int32 = 7
	ErrCodeTooManyRedirects int32 = 10
	ErrCodePayloadTooLarge  int32 = 13
)

const (
	maxRedirects = 5
	maxDeadline  = 10 * time.Minute
	maxBodyBytes = 10 << 20
)

var methods = []string{
	http.MethodGet, http.MethodPost, http.MethodHead,
	http.MethodPut, http.MethodDelete, http.MethodPatch,
}

var errTooManyRedirects = errors.New("too many redirects")

// Config holds URL fetch settings.
type Config struct {
	// Timeout applies to requests without a deadline.
	Timeout          time.Duration
	MaxResponseBytes int64
	// RPS and Burst limit requests per host. Zero RPS disables limiting.
	RPS   float64
	Burst int
	// HostLimits overrides RPS and Burst for individual hosts.
	HostLimits map[string]HostLimit
	Retry      retry.Config
	// Transport defaults to an instrumented http.DefaultTransport.
	Transport http.RoundTripper
	Tracer    trace.Tracer
}

// HostLimit is the rate limit of one host. Zero RPS leaves it unlimited.
type HostLimit struct {
	RPS   float64
	Burst int
}

// Service is the URL fetch emulation.
type Service struct {
	service.Mux
	cfg       Config
	base      http.RoundTripper
	transport http.RoundTripper
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
}

// New creates the URL fetch service.
func New(cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 32 << 20
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	s := &Service{
		cfg:       cfg,
		base:      transport,
		transport: otelhttp.NewTransport(transport),
		limiter:   ratelimit.New(cfg.RPS, cfg.Burst),
		logger:    logger,
	}
	for host, hl := range cfg.HostLimits {
		s.limiter.Set(host, hl.RPS, hl.Burst)
	}
	s.Handle("Fetch", service.Method(s.fetch))
	return s
}

// Name implements service.Service.
func (s *Service) Name() string { return ServiceName }

// Call implements service.Service.
func (s *Service) Call(ctx context.Context, method string, in []byte) ([]byte, error) {
	return s.Dispatch(ctx, ServiceName, method, in)
}

// Close implements service.Service.
func (s *Service) Close() error {
	type idleCloser interface{ CloseIdleConnections() }
	if c, ok := s.base.(idleCloser); ok {
		c.CloseIdleConnections()
	}
	return nil
}

// FetchRequest describes an outbound request. FollowRedirects defaults to
// true and Deadline, in seconds, defaults to the configured timeout.
type FetchRequest struct {
	Method          string            `json:"method,omitempty"`
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers,omitempty"`
	Payload         []byte            `json:"payload,omitempty"`
	FollowRedirects *bool             `json:"followRedirects,omitempty"`
	Deadline        float64           `json:"deadline,omitempty"`
}

// FetchResponse relays the remote response.
type FetchResponse struct {
	StatusCode          int                 `json:"statusCode"`
	Headers             map[string][]string `json:"headers"`
	Content             []byte              `json:"content"`
	FinalURL            string              `json:"finalUrl,omitempty"`
	ContentWasTruncated bool                `json:"contentWasTruncated,omitempty"`
}

func (s *Service) fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !slices.Contains(methods, method) {
		return nil, service.NewApplicationError(ErrCodeUnspecified, "unsupported method %q", req.Method)
	}
	target, err := validateURL(req.URL)
	if err != nil {
		return nil, err
	}
	if len(req.Payload) > maxBodyBytes {
		return nil, service.NewApplicationError(ErrCodePayloadTooLarge, "payload of %d bytes exceeds the %d byte limit", len(req.Payload), maxBodyBytes)
	}
	deadline := s.cfg.Timeout
	if req.Deadline > 0 {
		deadline = min(time.Duration(req.Deadline*float64(time.Second)), maxDeadline)
	}
	follow := req.FollowRedirects == nil || *req.FollowRedirects

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, s.cfg.Tracer, tracing.SpanFetch,
		trace.WithAttributes(
			tracing.HTTPTargetAttr(target.String()),
			tracing.HTTPMethodAttr(method),
		),
	)
	defer span.End()

	start := time.Now()
	client := &http.Client{
		Transport: s.transport,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if !follow {
				return http.ErrUseLastResponse
			}
			if len(via) > maxRedirects {
				return errTooManyRedirects
			}
			return nil
		},
	}

	var resp *FetchResponse
	err = retry.Do(ctx, s.cfg.Retry, func(attempt int) error {
		if err := s.limiter.Wait(ctx, target.Host); err != nil {
			// Wait fails early when no token frees up before the deadline.
			cause := ctx.Err()
			if cause == nil {
				cause = context.DeadlineExceeded
			}
			return retry.Permanent(fmt.Errorf("rate limit for %s: %w", target.Host, cause))
		}
		r, err := s.do(ctx, client, method, target, req)
		if err != nil {
			if attempt+1 < s.cfg.Retry.MaxAttempts {
				s.logger.Debug("fetch attempt failed", "url", target.String(), "attempt", attempt+1, "error", err)
			}
			if !retryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Debug("fetch failed", "url", target.String(), "method", method, "error", err)
		return nil, fetchError(ctx, err)
	}

	span.SetAttributes(tracing.HTTPStatusAttr(resp.StatusCode))
	tracing.SetSpanOK(span)
	s.logger.Debug("fetched",
		"url", target.String(),
		"method", method,
		"status", resp.StatusCode,
		"bytes", len(resp.Content),
		"truncated", resp.ContentWasTruncated,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

func (s *Service) do(ctx context.Context, client *http.Client, method string, target *url.URL, req *FetchRequest) (*FetchResponse, error) {
	var body io.Reader
	if len(req.Payload) > 0 {
		body = bytes.NewReader(req.Payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, "Host") {
			httpReq.Host = v
			continue
		}
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	content, err := io.ReadAll(io.LimitReader(httpResp.Body, s.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	resp := &FetchResponse{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Content:    content,
	}
	if int64(len(content)) > s.cfg.MaxResponseBytes {
		resp.Content = content[:s.cfg.MaxResponseBytes]
		resp.ContentWasTruncated = true
	}
	if final := httpResp.Request.URL.String(); final != target.String() {
		resp.FinalURL = final
	}
	return resp, nil
}

func validateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, service.NewApplicationError(ErrCodeInvalidURL, "invalid url %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, service.NewApplicationError(ErrCodeInvalidURL, "invalid url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, service.NewApplicationError(ErrCodeInvalidURL, "invalid url %q: missing host", raw)
	}
	return u, nil
}

// retryable reports whether a failed attempt may succeed when repeated.
// Redirect loops and expired deadlines never do.
func retryable(err error) bool {
	return !errors.Is(err, errTooManyRedirects) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, context.Canceled)
}

func fetchError(ctx context.Context, err error) error {
	var (
		netErr net.Error
		dnsErr *net.DNSError
	)
	switch {
	case errors.Is(err, errTooManyRedirects):
		return service.NewApplicationError(ErrCodeTooManyRedirects, "more than %d redirects", maxRedirects)
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return service.NewApplicationError(ErrCodeDeadlineExceeded, "deadline exceeded: %v", err)
	case errors.As(err, &dnsErr):
		return service.NewApplicationError(ErrCodeDNSError, "dns lookup failed: %v", err)
	default:
		return service.NewApplicationError(ErrCodeFetchError, "fetch failed: %v", err)
	}
}
