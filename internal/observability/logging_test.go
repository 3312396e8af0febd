package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger("test-component", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	logger.Info("test message", "key", "value")
}

func TestNewLoggerTo_WritesComponentJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "bridge", slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("session started", "app_id", "testbed-test")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if entry["component"] != "bridge" {
		t.Errorf("expected component bridge, got %v", entry["component"])
	}
	if entry["msg"] != "session started" {
		t.Errorf("unexpected msg: %v", entry["msg"])
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.expected {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		name      string
		flagLevel string
		envLevel  string
		expected  slog.Level
	}{
		{"explicit takes precedence", "debug", "error", slog.LevelDebug},
		{"env used when explicit empty", "", "warn", slog.LevelWarn},
		{"default when both empty", "", "", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TESTBED_LOG_LEVEL", tt.envLevel)
			got := GetLogLevel(tt.flagLevel)
			if got != tt.expected {
				t.Errorf("GetLogLevel(%q) = %v, want %v (env=%q)", tt.flagLevel, got, tt.expected, tt.envLevel)
			}
		})
	}
}

func TestTraceLogger_AddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	tl := NewTraceLogger(NewLoggerTo(&buf, "executor", slog.LevelInfo))

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "call")
	defer span.End()

	tl.Info(ctx, "handled")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("expected trace_id %s, got %v", span.SpanContext().TraceID(), entry["trace_id"])
	}
}

func TestTraceLogger_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	tl := NewTraceLogger(NewLoggerTo(&buf, "executor", slog.LevelInfo))

	tl.Info(context.Background(), "handled")

	if bytes.Contains(buf.Bytes(), []byte("trace_id")) {
		t.Errorf("expected no trace_id without a span, got %s", buf.String())
	}
}
