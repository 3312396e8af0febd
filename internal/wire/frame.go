package wire

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
)

// ErrMissingSeparator is returned when a decoded request frame has no
// embedded newline separating the header line from the payload.
var ErrMissingSeparator = errors.New("request frame has no header line")

// Frame is a decoded request line. Header is the first embedded line; it is
// kept byte for byte but carries no meaning for the bridge.
type Frame struct {
	Header  []byte
	Payload []byte
}

// EncodeRequestFrame wraps an encoded request envelope into a single line
// (without the trailing newline). The header line holds the payload length
// in decimal.
func EncodeRequestFrame(payload []byte) string {
	var buf bytes.Buffer
	buf.WriteString(strconv.Itoa(len(payload)))
	buf.WriteByte('\n')
	buf.Write(payload)
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeRequestFrame decodes a base64 request line and splits off its
// header line.
func DecodeRequestFrame(line string) (Frame, error) {
	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return Frame{}, fmt.Errorf("decode request frame: %w", err)
	}
	header, payload, ok := bytes.Cut(raw, []byte{'\n'})
	if !ok {
		return Frame{}, ErrMissingSeparator
	}
	return Frame{Header: header, Payload: payload}, nil
}

// EncodeResponseFrame wraps an encoded response envelope into a single line
// (without the trailing newline).
func EncodeResponseFrame(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeResponseFrame decodes a base64 response line.
func DecodeResponseFrame(line string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return nil, fmt.Errorf("decode response frame: %w", err)
	}
	return b, nil
}
