package wire

import (
	"encoding/json"
	"fmt"
)

// Error kinds carried in ErrorPayload.Kind.
const (
	KindApplicationError = "ApplicationError"
	KindCallNotFound     = "CallNotFoundError"
	KindArgument         = "ArgumentError"
	KindDeadlineExceeded = "DeadlineExceededError"
	KindInternal         = "InternalError"
)

// ErrorPayload is the structured content of Response.Exception.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Service string `json:"service,omitempty"`
	Method  string `json:"method,omitempty"`
}

func (p *ErrorPayload) Error() string {
	if p.Service != "" {
		return fmt.Sprintf("%s: %s.%s: %s", p.Kind, p.Service, p.Method, p.Message)
	}
	return fmt.Sprintf("%s: %s", p.Kind, p.Message)
}

// MarshalErrorPayload encodes p for Response.Exception.
func MarshalErrorPayload(p ErrorPayload) []byte {
	// Only string fields; Marshal cannot fail.
	b, _ := json.Marshal(p)
	return b
}

// UnmarshalErrorPayload decodes Response.Exception.
func UnmarshalErrorPayload(b []byte) (*ErrorPayload, error) {
	var p ErrorPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode error payload: %w", err)
	}
	return &p, nil
}
