package tracing

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on bridge spans.
const (
	AttrService    = "testbed.service"
	AttrMethod     = "testbed.method"
	AttrRequestID  = "testbed.request_id"
	AttrAppErrCode = "testbed.application_error.code"
	AttrErrorKind  = "error.type"
	AttrHTTPTarget = "http.target"
	AttrHTTPMethod = "http.method"
	AttrHTTPStatus = "http.status_code"
)

// Span names.
const (
	SpanCall  = "testbed.call"
	SpanReset = "testbed.reset"
	SpanFetch = "urlfetch.fetch"
)

// StartSpan starts a new span with the given name and options.
// If tracer is nil, returns the span already in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// CallAttrs returns the attributes identifying an API call.
func CallAttrs(service, method, requestID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrService, service),
		attribute.String(AttrMethod, method),
		attribute.String(AttrRequestID, requestID),
	}
}

// AppErrorAttr returns an attribute for an application error code.
func AppErrorAttr(code int32) attribute.KeyValue {
	return attribute.String(AttrAppErrCode, strconv.Itoa(int(code)))
}

// ErrorKindAttr returns an attribute for the error kind.
func ErrorKindAttr(kind string) attribute.KeyValue {
	return attribute.String(AttrErrorKind, kind)
}

// HTTPTargetAttr returns an attribute for the HTTP target URL.
func HTTPTargetAttr(url string) attribute.KeyValue {
	return attribute.String(AttrHTTPTarget, url)
}

// HTTPMethodAttr returns an attribute for the HTTP method.
func HTTPMethodAttr(method string) attribute.KeyValue {
	return attribute.String(AttrHTTPMethod, method)
}

// HTTPStatusAttr returns an attribute for the HTTP status code.
func HTTPStatusAttr(status int) attribute.KeyValue {
	return attribute.Int(AttrHTTPStatus, status)
}
