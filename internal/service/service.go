// Package service defines the contract shared by the emulated platform
// services and the helpers they use to expose JSON methods.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrCallNotFound is returned for an unknown service or method.
var ErrCallNotFound = errors.New("call not found")

// Service is one emulated platform API.
type Service interface {
	// Name returns the service name used in request envelopes.
	Name() string

	// Call executes method with the encoded request in and returns the
	// encoded response.
	Call(ctx context.Context, method string, in []byte) ([]byte, error)

	// Close releases all state held by the service.
	Close() error
}

// ApplicationError is a service-defined failure with a numeric code and a
// detail message. It is reported to callers as structured fields.
type ApplicationError struct {
	Code   int32
	Detail string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("application error %d: %s", e.Code, e.Detail)
}

// NewApplicationError returns an ApplicationError with a formatted detail.
func NewApplicationError(code int32, format string, args ...any) *ApplicationError {
	return &ApplicationError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// ArgumentError reports a request payload that could not be decoded.
type ArgumentError struct {
	Err error
}

func (e *ArgumentError) Error() string { return "invalid request: " + e.Err.Error() }
func (e *ArgumentError) Unwrap() error { return e.Err }

// Handler executes one method on an encoded request.
type Handler func(ctx context.Context, in []byte) ([]byte, error)

// Method adapts a typed function into a Handler. The request is decoded
// from JSON into Req and the response is encoded back to JSON.
func Method[Req, Resp any](fn func(context.Context, *Req) (*Resp, error)) Handler {
	return func(ctx context.Context, in []byte) ([]byte, error) {
		req := new(Req)
		if len(in) > 0 {
			if err := json.Unmarshal(in, req); err != nil {
				return nil, &ArgumentError{Err: err}
			}
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			resp = new(Resp)
		}
		out, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("encode response: %w", err)
		}
		return out, nil
	}
}

// Empty is the request or response of methods that carry no data.
type Empty struct{}

// Mux dispatches calls by method name. Services embed it to implement Call.
type Mux struct {
	methods map[string]Handler
}

// Handle registers a method.
func (m *Mux) Handle(method string, h Handler) {
	if m.methods == nil {
		m.methods = make(map[string]Handler)
	}
	m.methods[method] = h
}

// Dispatch runs the handler registered for method.
func (m *Mux) Dispatch(ctx context.Context, service, method string, in []byte) ([]byte, error) {
	h, ok := m.methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrCallNotFound, service, method)
	}
	return h(ctx, in)
}

// Methods returns the registered method names in sorted order.
func (m *Mux) Methods() []string {
	names := make([]string, 0, len(m.methods))
	for name := range m.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
