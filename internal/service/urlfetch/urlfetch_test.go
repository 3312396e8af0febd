package urlfetch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lsm/testbed/internal/retry"
	"github.com/lsm/testbed/internal/service"
)

func fetch(t *testing.T, s *Service, req FetchRequest) (*FetchResponse, error) {
	t.Helper()
	in, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	out, err := s.Call(context.Background(), "Fetch", in)
	if err != nil {
		return nil, err
	}
	var resp FetchResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &resp, nil
}

func wantCode(t *testing.T, err error, code int32) {
	t.Helper()
	var appErr *service.ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected application error %d, got %v", code, err)
	}
	if appErr.Code != code {
		t.Errorf("expected code %d, got %d (%s)", code, appErr.Code, appErr.Detail)
	}
}

func TestFetch_RelaysResponse(t *testing.T) {
	var gotMethod, gotHeader, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Test")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("X-Reply", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer server.Close()

	s := New(Config{}, nil)
	defer s.Close()

	resp, err := fetch(t, s, FetchRequest{
		Method:  "post",
		URL:     server.URL + "/items",
		Headers: map[string]string{"X-Test": "1"},
		Payload: []byte("payload"),
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.StatusCode != http.StatusCreated || string(resp.Content) != "created" {
		t.Errorf("unexpected response: %d %q", resp.StatusCode, resp.Content)
	}
	if got := resp.Headers["X-Reply"]; len(got) != 1 || got[0] != "yes" {
		t.Errorf("unexpected headers: %v", resp.Headers)
	}
	if gotMethod != http.MethodPost || gotHeader != "1" || gotBody != "payload" {
		t.Errorf("server saw %s %q %q", gotMethod, gotHeader, gotBody)
	}
	if resp.FinalURL != "" || resp.ContentWasTruncated {
		t.Errorf("unexpected final url or truncation: %+v", resp)
	}
}

func TestFetch_ErrorStatusIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer server.Close()

	s := New(Config{}, nil)
	resp, err := fetch(t, s, FetchRequest{URL: server.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestFetch_Truncates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer server.Close()

	s := New(Config{MaxResponseBytes: 10}, nil)
	resp, err := fetch(t, s, FetchRequest{URL: server.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(resp.Content) != 10 || !resp.ContentWasTruncated {
		t.Errorf("expected 10 truncated bytes, got %d (truncated=%v)", len(resp.Content), resp.ContentWasTruncated)
	}
}

func TestFetch_Redirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("end"))
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := New(Config{}, nil)

	resp, err := fetch(t, s, FetchRequest{URL: server.URL + "/start"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(resp.Content) != "end" || resp.FinalURL != server.URL+"/end" {
		t.Errorf("expected to follow redirect, got %q final=%q", resp.Content, resp.FinalURL)
	}

	noFollow := false
	resp, err = fetch(t, s, FetchRequest{URL: server.URL + "/start", FollowRedirects: &noFollow})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.StatusCode != http.StatusFound || resp.Headers["Location"][0] != "/end" {
		t.Errorf("expected redirect response, got %d %v", resp.StatusCode, resp.Headers)
	}

	_, err = fetch(t, s, FetchRequest{URL: server.URL + "/loop"})
	wantCode(t, err, ErrCodeTooManyRedirects)
}

func TestFetch_Deadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	s := New(Config{}, nil)
	_, err := fetch(t, s, FetchRequest{URL: server.URL, Deadline: 0.05})
	wantCode(t, err, ErrCodeDeadlineExceeded)
}

func TestFetch_InvalidRequests(t *testing.T) {
	s := New(Config{}, nil)

	tests := []struct {
		name string
		req  FetchRequest
		want int32
	}{
		{"empty url", FetchRequest{}, ErrCodeInvalidURL},
		{"relative url", FetchRequest{URL: "/path"}, ErrCodeInvalidURL},
		{"ftp url", FetchRequest{URL: "ftp://example.com/file"}, ErrCodeInvalidURL},
		{"unparsable url", FetchRequest{URL: "http://[::1"}, ErrCodeInvalidURL},
		{"bad method", FetchRequest{URL: "http://example.com", Method: "BREW"}, ErrCodeUnspecified},
		{"huge payload", FetchRequest{URL: "http://example.com", Method: "POST", Payload: make([]byte, maxBodyBytes+1)}, ErrCodePayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fetch(t, s, tt.req)
			wantCode(t, err, tt.want)
		})
	}
}

// flakyTransport fails the first n round trips.
type flakyTransport struct {
	failures int32
	calls    atomic.Int32
	next     http.RoundTripper
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("connection reset")
	}
	return f.next.RoundTrip(r)
}

func TestFetch_RetriesTransportErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	transport := &flakyTransport{failures: 2, next: http.DefaultTransport}
	s := New(Config{
		Transport: transport,
		Retry:     retry.Config{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}, nil)

	resp, err := fetch(t, s, FetchRequest{URL: server.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(resp.Content) != "ok" || transport.calls.Load() != 3 {
		t.Errorf("expected success on third attempt, got %q after %d calls", resp.Content, transport.calls.Load())
	}
}

func TestFetch_FetchErrorAfterRetries(t *testing.T) {
	transport := &flakyTransport{failures: 100}
	s := New(Config{
		Transport: transport,
		Retry:     retry.Config{MaxAttempts: 2, InitialInterval: time.Millisecond},
	}, nil)

	_, err := fetch(t, s, FetchRequest{URL: "http://example.invalid/"})
	wantCode(t, err, ErrCodeFetchError)
	if got := transport.calls.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestFetch_PerHostRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	s := New(Config{RPS: 1, Burst: 1}, nil)

	if _, err := fetch(t, s, FetchRequest{URL: server.URL}); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	// The bucket is empty and refills after a second, past the deadline.
	_, err := fetch(t, s, FetchRequest{URL: server.URL, Deadline: 0.05})
	wantCode(t, err, ErrCodeDeadlineExceeded)
}

func TestFetch_HostLimitOverridesDefault(t *testing.T) {
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer limited.Close()
	unlimited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer unlimited.Close()

	limitedURL, _ := url.Parse(limited.URL)
	unlimitedURL, _ := url.Parse(unlimited.URL)
	s := New(Config{
		RPS:   1,
		Burst: 1,
		HostLimits: map[string]HostLimit{
			unlimitedURL.Host: {},
			limitedURL.Host:   {RPS: 0.5, Burst: 1},
		},
	}, nil)

	for i := 0; i < 3; i++ {
		if _, err := fetch(t, s, FetchRequest{URL: unlimited.URL, Deadline: 0.05}); err != nil {
			t.Fatalf("fetch %d of unlimited host: %v", i, err)
		}
	}

	if _, err := fetch(t, s, FetchRequest{URL: limited.URL}); err != nil {
		t.Fatalf("first fetch of limited host: %v", err)
	}
	_, err := fetch(t, s, FetchRequest{URL: limited.URL, Deadline: 0.05})
	wantCode(t, err, ErrCodeDeadlineExceeded)
}
