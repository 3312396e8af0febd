// Package client drives a testbed bridge process from Go tests. It speaks
// the line protocol on the process's stdin and stdout and encodes method
// payloads as JSON.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lsm/testbed/internal/wire"
)

// Control sentinels understood by the bridge.
const (
	resetSentinel = "#reset#"
	quitSentinel  = "#quit#"
)

// closeTimeout bounds how long Close waits for the process to exit after
// asking it to quit.
const closeTimeout = 3 * time.Second

// ErrNotStarted is returned when a call is made before Start or after
// Close.
var ErrNotStarted = errors.New("testbed not started")

// APIError is an application error returned by a service.
type APIError struct {
	Service string
	Code    int32
	Detail  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.Code, e.Service, e.Detail)
}

// CallError is a failure other than an application error, such as an
// unknown method or an undecodable request.
type CallError struct {
	Kind    string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Testbed is a connection to a bridge. It is safe for concurrent use;
// calls are serialized.
type Testbed struct {
	command string
	args    []string

	mu  sync.Mutex
	cmd *exec.Cmd
	r   *bufio.Reader
	w   *bufio.Writer
	// closeIn closes the write side so the bridge sees end of input.
	closeIn func() error
}

// New returns a Testbed that runs command with args on Start.
func New(command string, args ...string) *Testbed {
	return &Testbed{command: command, args: args}
}

// Dial attaches to a bridge that is already running, reading responses
// from r and writing requests to w.
func Dial(r io.Reader, w io.Writer) *Testbed {
	t := &Testbed{
		r:       bufio.NewReader(r),
		w:       bufio.NewWriter(w),
		closeIn: func() error { return nil },
	}
	if c, ok := w.(io.Closer); ok {
		t.closeIn = c.Close
	}
	return t
}

// Start launches the bridge process. It is a no-op if the testbed is
// already connected. The process's stderr is passed through.
func (t *Testbed) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.w != nil {
		return nil
	}
	if t.command == "" {
		return errors.New("no command to start")
	}

	cmd := exec.Command(t.command, t.args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", t.command, err)
	}

	t.cmd = cmd
	t.r = bufio.NewReader(stdout)
	t.w = bufio.NewWriter(stdin)
	t.closeIn = stdin.Close
	return nil
}

// Close asks the bridge to quit and, for a started process, waits up to
// three seconds for it to exit before killing it.
func (t *Testbed) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.w == nil {
		return nil
	}
	quitErr := t.writeLine(quitSentinel)
	closeErr := t.closeIn()
	t.r, t.w = nil, nil

	if t.cmd == nil {
		return errors.Join(quitErr, closeErr)
	}
	cmd := t.cmd
	t.cmd = nil

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(closeTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-done
		return fmt.Errorf("testbed did not exit within %s and was killed", closeTimeout)
	}
}

// Reset discards all emulated state and starts a fresh session.
func (t *Testbed) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return ErrNotStarted
	}
	return t.writeLine(resetSentinel)
}

// Run starts the testbed, calls f and closes the testbed.
func (t *Testbed) Run(ctx context.Context, f func() error) (err error) {
	if err := t.Start(ctx); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, t.Close())
	}()
	return f()
}

// Call invokes service.method with in encoded as JSON and decodes the
// result into out, which may be nil. Application errors are returned as
// *APIError, other failures reported by the bridge as *CallError.
func (t *Testbed) Call(ctx context.Context, service, method string, in, out any) error {
	return t.call(ctx, service, method, "", in, out)
}

func (t *Testbed) call(ctx context.Context, service, method, requestID string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s.%s request: %w", service, method, err)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req := &wire.Request{
		ServiceName: service,
		Method:      method,
		Request:     payload,
		RequestID:   requestID,
	}

	resp, err := t.roundTrip(ctx, req)
	if err != nil {
		return err
	}

	if ae := resp.ApplicationError; ae != nil {
		return &APIError{Service: service, Code: ae.Code, Detail: ae.Detail}
	}
	if resp.Exception != nil {
		p, err := wire.UnmarshalErrorPayload(resp.Exception)
		if err != nil {
			return &CallError{Kind: wire.KindInternal, Message: string(resp.Exception)}
		}
		return &CallError{Kind: p.Kind, Message: p.Message}
	}
	if out == nil || len(resp.Response) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Response, out); err != nil {
		return fmt.Errorf("decode %s.%s response: %w", service, method, err)
	}
	return nil
}

func (t *Testbed) roundTrip(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.w == nil {
		return nil, ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.writeLine(wire.EncodeRequestFrame(req.Marshal())); err != nil {
		return nil, err
	}

	line, err := t.r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	b, err := wire.DecodeResponseFrame(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return nil, err
	}
	return wire.UnmarshalResponse(b)
}

func (t *Testbed) writeLine(s string) error {
	if _, err := t.w.WriteString(s); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := t.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := t.w.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}
