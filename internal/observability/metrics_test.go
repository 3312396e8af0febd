package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics_RegistersWithoutPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.ApplicationErrors == nil {
		t.Error("ApplicationErrors is nil")
	}
	if m.SessionStarts == nil || m.SessionResets == nil {
		t.Error("session counters are nil")
	}
	if m.FrameErrors == nil {
		t.Error("FrameErrors is nil")
	}
}

func TestMetrics_IncrementCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("datastore_v3", "Put", "ok").Inc()
	m.RequestsTotal.WithLabelValues("taskqueue", "Add", "application_error").Inc()
	m.ApplicationErrors.WithLabelValues("taskqueue", "10").Inc()
	m.SessionStarts.Inc()
	m.SessionResets.Inc()
	m.FrameErrors.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"testbed_requests_total",
		"testbed_application_errors_total",
		"testbed_session_starts_total",
		"testbed_session_resets_total",
		"testbed_frame_errors_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("expected metric %s not found", name)
		}
	}
}

func TestMetrics_ObserveHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RequestDuration.WithLabelValues("memcache", "Get").Observe(0.002)
	m.RequestDuration.WithLabelValues("urlfetch", "Fetch").Observe(0.3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	for _, f := range families {
		if f.GetName() != "testbed_request_duration_seconds" {
			continue
		}
		if got := len(f.GetMetric()); got != 2 {
			t.Errorf("expected 2 series, got %d", got)
		}
		return
	}
	t.Error("testbed_request_duration_seconds not found")
}
