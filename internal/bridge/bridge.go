// Package bridge runs the line protocol between a host process and the
// emulation environment. Each input line is a base64 request frame or a
// control sentinel; each request yields exactly one base64 response line.
package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode"

	"github.com/lsm/testbed/internal/observability"
	"github.com/lsm/testbed/internal/wire"
)

// Control sentinels.
const (
	ResetSentinel = "#reset#"
	QuitSentinel  = "#quit#"
)

// Session is the environment lifecycle the loop controls.
type Session interface {
	Reset(ctx context.Context) error
}

// Executor runs one encoded request and returns the encoded response.
type Executor interface {
	Execute(ctx context.Context, payload []byte) []byte
}

// Loop reads requests, executes them and writes responses, one at a time.
type Loop struct {
	in       *bufio.Reader
	out      *bufio.Writer
	session  Session
	executor Executor
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New creates a loop reading from r and writing to w.
func New(r io.Reader, w io.Writer, session Session, executor Executor, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		in:       bufio.NewReader(r),
		out:      bufio.NewWriter(w),
		session:  session,
		executor: executor,
		logger:   logger,
	}
}

// SetMetrics sets the metrics updated on frame errors.
func (l *Loop) SetMetrics(m *observability.Metrics) {
	l.metrics = m
}

// Run processes lines until the quit sentinel, a blank line or the end of
// input, which all return nil. Undecodable frames, failed resets and I/O
// errors are returned.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, readErr := l.in.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("read request: %w", readErr)
		}
		line := strings.TrimRightFunc(raw, unicode.IsSpace)

		switch line {
		case "":
			l.logger.Debug("input ended", "eof", readErr != nil)
			return nil
		case QuitSentinel:
			l.logger.Debug("quit requested")
			return nil
		case ResetSentinel:
			l.logger.Debug("reset requested")
			if err := l.session.Reset(ctx); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
		default:
			if err := l.handle(ctx, line); err != nil {
				return err
			}
		}

		if readErr != nil {
			return nil
		}
	}
}

func (l *Loop) handle(ctx context.Context, line string) error {
	frame, err := wire.DecodeRequestFrame(line)
	if err != nil {
		if l.metrics != nil {
			l.metrics.FrameErrors.Inc()
		}
		l.logger.Error("malformed request frame", "error", err, "length", len(line))
		return err
	}

	resp := l.executor.Execute(ctx, frame.Payload)

	if _, err := l.out.WriteString(wire.EncodeResponseFrame(resp)); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if err := l.out.WriteByte('\n'); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if err := l.out.Flush(); err != nil {
		return fmt.Errorf("flush response: %w", err)
	}
	return nil
}
