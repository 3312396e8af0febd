// Package executor runs one encoded API request against the live
// environment and encodes the outcome. Every failure becomes a structured
// response; nothing escapes to the caller.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/testbed/internal/observability"
	"github.com/lsm/testbed/internal/service"
	"github.com/lsm/testbed/internal/tracing"
	"github.com/lsm/testbed/internal/wire"
)

// Locator finds services in the live environment.
type Locator interface {
	Service(name string) (service.Service, bool)
}

// Executor dispatches requests to services.
type Executor struct {
	services Locator
	logger   *observability.TraceLogger
	metrics  *observability.Metrics
	tracer   trace.Tracer
}

// New creates an executor resolving services through services.
func New(services Locator, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		services: services,
		logger:   observability.NewTraceLogger(logger),
	}
}

// SetMetrics sets the metrics recorded per request.
func (e *Executor) SetMetrics(m *observability.Metrics) {
	e.metrics = m
}

// SetTracer sets the tracer used for call spans.
func (e *Executor) SetTracer(t trace.Tracer) {
	e.tracer = t
}

// panicError carries a recovered panic out of a service call.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// Execute decodes payload as a request envelope, runs it and returns the
// encoded response envelope.
func (e *Executor) Execute(ctx context.Context, payload []byte) []byte {
	start := time.Now()

	req, err := wire.UnmarshalRequest(payload)
	if err != nil {
		e.logger.Error(ctx, "undecodable request", "error", err, "bytes", len(payload))
		e.record("unknown", "unknown", wire.KindArgument, 0, start)
		resp := &wire.Response{Exception: wire.MarshalErrorPayload(wire.ErrorPayload{
			Kind:    wire.KindArgument,
			Message: err.Error(),
		})}
		return resp.Marshal()
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ctx, span := tracing.StartSpan(ctx, e.tracer, tracing.SpanCall,
		trace.WithAttributes(tracing.CallAttrs(req.ServiceName, req.Method, requestID)...),
	)
	defer span.End()

	result, err := e.call(ctx, req)
	if err == nil {
		tracing.SetSpanOK(span)
		e.record(req.ServiceName, req.Method, "ok", 0, start)
		e.logger.Debug(ctx, "request executed",
			"service", req.ServiceName,
			"method", req.Method,
			"request_id", requestID,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		return (&wire.Response{Response: result}).Marshal()
	}

	resp, kind, code := errorResponse(req, err)
	tracing.SetSpanError(span, err)
	span.SetAttributes(tracing.ErrorKindAttr(kind))
	if kind == wire.KindApplicationError {
		span.SetAttributes(tracing.AppErrorAttr(code))
	}
	e.record(req.ServiceName, req.Method, kind, code, start)

	attrs := []any{
		"service", req.ServiceName,
		"method", req.Method,
		"request_id", requestID,
		"kind", kind,
		"error", err,
	}
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		e.logger.Error(ctx, "service panicked", append(attrs, "stack", string(pe.stack))...)
	case kind == wire.KindApplicationError:
		e.logger.Info(ctx, "request failed", append(attrs, "code", code)...)
	default:
		e.logger.Error(ctx, "request failed", attrs...)
	}
	return resp.Marshal()
}

func (e *Executor) call(ctx context.Context, req *wire.Request) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	svc, ok := e.services.Service(req.ServiceName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown service %q", service.ErrCallNotFound, req.ServiceName)
	}
	return svc.Call(ctx, req.Method, req.Request)
}

// errorResponse maps err to a response, its error kind and, for
// application errors, the code.
func errorResponse(req *wire.Request, err error) (*wire.Response, string, int32) {
	payload := wire.ErrorPayload{
		Message: err.Error(),
		Service: req.ServiceName,
		Method:  req.Method,
	}

	var (
		appErr *service.ApplicationError
		argErr *service.ArgumentError
		resp   = &wire.Response{}
	)
	switch {
	case errors.As(err, &appErr):
		payload.Kind = wire.KindApplicationError
		payload.Message = appErr.Detail
		resp.ApplicationError = &wire.ApplicationError{Code: appErr.Code, Detail: appErr.Detail}
	case errors.Is(err, service.ErrCallNotFound):
		payload.Kind = wire.KindCallNotFound
	case errors.As(err, &argErr):
		payload.Kind = wire.KindArgument
	case errors.Is(err, context.DeadlineExceeded):
		payload.Kind = wire.KindDeadlineExceeded
	default:
		payload.Kind = wire.KindInternal
	}
	resp.Exception = wire.MarshalErrorPayload(payload)

	var code int32
	if appErr != nil {
		code = appErr.Code
	}
	return resp, payload.Kind, code
}

func (e *Executor) record(svc, method, status string, code int32, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.RequestsTotal.WithLabelValues(svc, method, status).Inc()
	e.metrics.RequestDuration.WithLabelValues(svc, method).Observe(time.Since(start).Seconds())
	if status == wire.KindApplicationError {
		e.metrics.ApplicationErrors.WithLabelValues(svc, strconv.Itoa(int(code))).Inc()
	}
}
