package memcache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lsm/testbed/internal/service"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestService(t *testing.T, capacity int) (*Service, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s, err := New(context.Background(), Config{Backend: BackendMemory, Capacity: capacity, Clock: clock.Now}, nil)
	if err != nil {
		t.Fatalf("new memcache: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func call[Resp any](t *testing.T, s *Service, method string, req any) *Resp {
	t.Helper()
	in, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	out, err := s.Call(context.Background(), method, in)
	if err != nil {
		t.Fatalf("%s failed: %v", method, err)
	}
	resp := new(Resp)
	if err := json.Unmarshal(out, resp); err != nil {
		t.Fatalf("decode %s response: %v", method, err)
	}
	return resp
}

func appError(t *testing.T, s *Service, method string, req any) *service.ApplicationError {
	t.Helper()
	in, _ := json.Marshal(req)
	_, err := s.Call(context.Background(), method, in)
	var appErr *service.ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("%s: expected application error, got %v", method, err)
	}
	return appErr
}

func TestSetGet(t *testing.T) {
	s, _ := newTestService(t, 10)

	set := call[SetResponse](t, s, "Set", SetRequest{Items: []SetItem{
		{Key: "a", Value: []byte("1"), Flags: 7},
		{Key: "b", Value: []byte("22")},
	}})
	if len(set.Statuses) != 2 || set.Statuses[0] != StatusStored || set.Statuses[1] != StatusStored {
		t.Fatalf("unexpected statuses: %v", set.Statuses)
	}

	got := call[GetResponse](t, s, "Get", GetRequest{Keys: []string{"a", "missing", "b"}})
	if len(got.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got.Items))
	}
	if got.Items[0].Key != "a" || string(got.Items[0].Value) != "1" || got.Items[0].Flags != 7 {
		t.Errorf("unexpected first item: %+v", got.Items[0])
	}

	stats := call[StatsResponse](t, s, "Stats", service.Empty{})
	if stats.Hits != 2 || stats.Misses != 1 || stats.ByteHits != 3 || stats.Items != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestSetPolicies(t *testing.T) {
	s, _ := newTestService(t, 10)

	tests := []struct {
		name   string
		policy string
		want   string
	}{
		{"replace missing", PolicyReplace, StatusNotStored},
		{"add missing", PolicyAdd, StatusStored},
		{"add existing", PolicyAdd, StatusNotStored},
		{"replace existing", PolicyReplace, StatusStored},
		{"set existing", PolicySet, StatusStored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call[SetResponse](t, s, "Set", SetRequest{Items: []SetItem{{Key: "k", Value: []byte(tt.name), Policy: tt.policy}}})
			if resp.Statuses[0] != tt.want {
				t.Errorf("expected %s, got %s", tt.want, resp.Statuses[0])
			}
		})
	}
}

func TestNamespacesAreIsolated(t *testing.T) {
	s, _ := newTestService(t, 10)

	call[SetResponse](t, s, "Set", SetRequest{Namespace: "one", Items: []SetItem{{Key: "k", Value: []byte("x")}}})

	got := call[GetResponse](t, s, "Get", GetRequest{Namespace: "two", Keys: []string{"k"}})
	if len(got.Items) != 0 {
		t.Errorf("expected no items in another namespace, got %d", len(got.Items))
	}
}

func TestExpiration(t *testing.T) {
	s, clock := newTestService(t, 10)

	call[SetResponse](t, s, "Set", SetRequest{Items: []SetItem{
		{Key: "relative", Value: []byte("r"), Expiration: 60},
		{Key: "absolute", Value: []byte("a"), Expiration: clock.t.Unix() + 3600},
		{Key: "forever", Value: []byte("f")},
	}})

	clock.t = clock.t.Add(2 * time.Minute)
	got := call[GetResponse](t, s, "Get", GetRequest{Keys: []string{"relative", "absolute", "forever"}})
	if len(got.Items) != 2 || got.Items[0].Key != "absolute" || got.Items[1].Key != "forever" {
		t.Errorf("unexpected items after 2 minutes: %+v", got.Items)
	}

	clock.t = clock.t.Add(2 * time.Hour)
	got = call[GetResponse](t, s, "Get", GetRequest{Keys: []string{"relative", "absolute", "forever"}})
	if len(got.Items) != 1 || got.Items[0].Key != "forever" {
		t.Errorf("unexpected items after 2 hours: %+v", got.Items)
	}
}

func TestLRUEviction(t *testing.T) {
	s, _ := newTestService(t, 2)

	call[SetResponse](t, s, "Set", SetRequest{Items: []SetItem{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("2")}}})
	// Touch a so that b is the least recently used.
	call[GetResponse](t, s, "Get", GetRequest{Keys: []string{"a"}})
	call[SetResponse](t, s, "Set", SetRequest{Items: []SetItem{{Key: "c", Value: []byte("3")}}})

	got := call[GetResponse](t, s, "Get", GetRequest{Keys: []string{"a", "b", "c"}})
	if len(got.Items) != 2 || got.Items[0].Key != "a" || got.Items[1].Key != "c" {
		t.Errorf("expected b to be evicted, got %+v", got.Items)
	}
}

func TestDelete(t *testing.T) {
	s, _ := newTestService(t, 10)

	call[SetResponse](t, s, "Set", SetRequest{Items: []SetItem{{Key: "a", Value: []byte("1")}}})
	resp := call[DeleteResponse](t, s, "Delete", DeleteRequest{Keys: []string{"a", "b"}})
	if resp.Statuses[0] != StatusDeleted || resp.Statuses[1] != StatusNotFound {
		t.Errorf("unexpected statuses: %v", resp.Statuses)
	}
}

func TestIncrement(t *testing.T) {
	s, _ := newTestService(t, 10)
	initial := uint64(10)

	missing := call[IncrementResponse](t, s, "Increment", IncrementRequest{Key: "n", Delta: 1})
	if missing.NewValue != nil {
		t.Fatalf("expected no value for missing key, got %d", *missing.NewValue)
	}

	tests := []struct {
		name string
		req  IncrementRequest
		want uint64
	}{
		{"initial", IncrementRequest{Key: "n", Delta: 5, InitialValue: &initial}, 15},
		{"increment", IncrementRequest{Key: "n", Delta: 1}, 16},
		{"decrement", IncrementRequest{Key: "n", Delta: -6}, 10},
		{"clamp at zero", IncrementRequest{Key: "n", Delta: -100}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call[IncrementResponse](t, s, "Increment", tt.req)
			if resp.NewValue == nil || *resp.NewValue != tt.want {
				t.Errorf("expected %d, got %v", tt.want, resp.NewValue)
			}
		})
	}
}

func TestIncrement_NonNumeric(t *testing.T) {
	s, _ := newTestService(t, 10)

	call[SetResponse](t, s, "Set", SetRequest{Items: []SetItem{{Key: "word", Value: []byte("abc")}}})
	if appErr := appError(t, s, "Increment", IncrementRequest{Key: "word", Delta: 1}); appErr.Code != ErrCodeInvalidValue {
		t.Errorf("expected INVALID_VALUE, got %d", appErr.Code)
	}
}

func TestInvalidKeys(t *testing.T) {
	s, _ := newTestService(t, 10)
	long := strings.Repeat("k", maxKeyLength+1)

	tests := []struct {
		name   string
		method string
		req    any
	}{
		{"get long", "Get", GetRequest{Keys: []string{long}}},
		{"set long", "Set", SetRequest{Items: []SetItem{{Key: long}}}},
		{"delete empty", "Delete", DeleteRequest{Keys: []string{""}}},
		{"increment long", "Increment", IncrementRequest{Key: long}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if appErr := appError(t, s, tt.method, tt.req); appErr.Code != ErrCodeInvalidValue {
				t.Errorf("expected INVALID_VALUE, got %d", appErr.Code)
			}
		})
	}
}

func TestSet_OversizedValue(t *testing.T) {
	s, _ := newTestService(t, 10)

	resp := call[SetResponse](t, s, "Set", SetRequest{Items: []SetItem{{Key: "big", Value: make([]byte, maxValueSize+1)}}})
	if resp.Statuses[0] != StatusError {
		t.Errorf("expected ERROR status, got %s", resp.Statuses[0])
	}
}

func TestFlushAll(t *testing.T) {
	s, _ := newTestService(t, 10)

	call[SetResponse](t, s, "Set", SetRequest{Items: []SetItem{{Key: "a", Value: []byte("1")}}})
	call[service.Empty](t, s, "FlushAll", service.Empty{})

	stats := call[StatsResponse](t, s, "Stats", service.Empty{})
	if stats.Items != 0 {
		t.Errorf("expected empty cache after flush, got %d items", stats.Items)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	if _, err := New(context.Background(), Config{Backend: "disk"}, nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
