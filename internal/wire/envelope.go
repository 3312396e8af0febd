package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the remote API envelopes.
const (
	fieldRequestServiceName protowire.Number = 2
	fieldRequestMethod      protowire.Number = 3
	fieldRequestPayload     protowire.Number = 4
	fieldRequestID          protowire.Number = 5

	fieldResponsePayload          protowire.Number = 1
	fieldResponseException        protowire.Number = 2
	fieldResponseApplicationError protowire.Number = 3

	fieldAppErrorCode   protowire.Number = 1
	fieldAppErrorDetail protowire.Number = 2
)

// ErrMalformed is returned when an envelope cannot be parsed.
var ErrMalformed = errors.New("malformed envelope")

// Request is a single API call addressed to an emulated service.
type Request struct {
	ServiceName string
	Method      string
	Request     []byte
	RequestID   string
}

// ApplicationError is the structured, service-defined error of a response.
type ApplicationError struct {
	Code   int32
	Detail string
}

// Response carries either a result payload or an error payload.
// Exception is set for every failure; ApplicationError only for
// application-level failures.
type Response struct {
	Response         []byte
	Exception        []byte
	ApplicationError *ApplicationError
}

// Failed reports whether the response describes a failure.
func (r *Response) Failed() bool {
	return r.Exception != nil || r.ApplicationError != nil
}

// Marshal encodes the request in protobuf wire format.
func (r *Request) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRequestServiceName, protowire.BytesType)
	b = protowire.AppendString(b, r.ServiceName)
	b = protowire.AppendTag(b, fieldRequestMethod, protowire.BytesType)
	b = protowire.AppendString(b, r.Method)
	b = protowire.AppendTag(b, fieldRequestPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Request)
	if r.RequestID != "" {
		b = protowire.AppendTag(b, fieldRequestID, protowire.BytesType)
		b = protowire.AppendString(b, r.RequestID)
	}
	return b
}

// UnmarshalRequest decodes a request envelope. Unknown fields are skipped.
// service_name and method are required.
func UnmarshalRequest(b []byte) (*Request, error) {
	req := &Request{}
	var haveService, haveMethod bool
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num >= fieldRequestServiceName && num <= fieldRequestID && typ != protowire.BytesType {
			return fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, num, typ)
		}
		switch num {
		case fieldRequestServiceName:
			req.ServiceName = string(v)
			haveService = true
		case fieldRequestMethod:
			req.Method = string(v)
			haveMethod = true
		case fieldRequestPayload:
			req.Request = append([]byte{}, v...)
		case fieldRequestID:
			req.RequestID = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !haveService {
		return nil, fmt.Errorf("%w: missing service_name", ErrMalformed)
	}
	if !haveMethod {
		return nil, fmt.Errorf("%w: missing method", ErrMalformed)
	}
	return req, nil
}

// Marshal encodes the response in protobuf wire format.
func (r *Response) Marshal() []byte {
	var b []byte
	if r.Response != nil {
		b = protowire.AppendTag(b, fieldResponsePayload, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Response)
	}
	if r.Exception != nil {
		b = protowire.AppendTag(b, fieldResponseException, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Exception)
	}
	if ae := r.ApplicationError; ae != nil {
		var inner []byte
		inner = protowire.AppendTag(inner, fieldAppErrorCode, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(int64(ae.Code)))
		inner = protowire.AppendTag(inner, fieldAppErrorDetail, protowire.BytesType)
		inner = protowire.AppendString(inner, ae.Detail)

		b = protowire.AppendTag(b, fieldResponseApplicationError, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b
}

// UnmarshalResponse decodes a response envelope. Unknown fields are skipped.
func UnmarshalResponse(b []byte) (*Response, error) {
	resp := &Response{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldResponsePayload:
			resp.Response = append([]byte{}, v...)
		case fieldResponseException:
			resp.Exception = append([]byte{}, v...)
		case fieldResponseApplicationError:
			ae, err := unmarshalApplicationError(v)
			if err != nil {
				return err
			}
			resp.ApplicationError = ae
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func unmarshalApplicationError(b []byte) (*ApplicationError, error) {
	ae := &ApplicationError{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldAppErrorCode:
			if typ != protowire.VarintType {
				return fmt.Errorf("%w: application_error.code has wire type %d", ErrMalformed, typ)
			}
			code, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			ae.Code = int32(code)
		case fieldAppErrorDetail:
			ae.Detail = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ae, nil
}

// walkFields iterates over the top-level fields of a message. For
// length-delimited fields fn receives the field contents, for varints it
// receives the raw varint bytes, other wire types are skipped.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		var value []byte
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			value = v
			n = m
		case protowire.VarintType:
			_, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			value = b[:m]
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		b = b[n:]

		if err := fn(num, typ, value); err != nil {
			return err
		}
	}
	return nil
}
