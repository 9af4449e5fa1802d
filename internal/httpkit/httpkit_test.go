package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/quill-agent/internal/buildinfo"
)

func TestNewClient_DefaultTimeout(t *testing.T) {
	c := NewClient()
	if c.Timeout != 0 {
		t.Errorf("expected no overall timeout, got %v", c.Timeout)
	}
}

func TestNewClient_CustomTimeout(t *testing.T) {
	c := NewClient(WithTimeout(5 * time.Second))
	if c.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", c.Timeout)
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	resp, err := NewClient().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if got, want := string(body), buildinfo.UserAgent(); got != want {
		t.Errorf("User-Agent = %q, want %q", got, want)
	}
}

func TestNewClient_ExistingUserAgentNotOverwritten(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "Custom/2.0")
	resp, err := NewClient().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Custom/2.0" {
		t.Errorf("expected Custom/2.0, got %q", body)
	}
}

func TestNewTransport_HasTimeouts(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout {
		t.Errorf("TLSHandshakeTimeout = %v", tr.TLSHandshakeTimeout)
	}
	if tr.ResponseHeaderTimeout != DefaultResponseHeader {
		t.Errorf("ResponseHeaderTimeout = %v", tr.ResponseHeaderTimeout)
	}
	if tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("MaxIdleConnsPerHost = %d", tr.MaxIdleConnsPerHost)
	}
}

func TestReadErrorBody(t *testing.T) {
	got := ReadErrorBody(io.NopCloser(strings.NewReader("bad request")), 1024)
	if got != "bad request" {
		t.Errorf("got %q", got)
	}
}

func TestReadErrorBody_Truncated(t *testing.T) {
	got := ReadErrorBody(io.NopCloser(strings.NewReader(strings.Repeat("x", 100))), 10)
	if len(got) != 10 {
		t.Errorf("expected 10 bytes, got %d", len(got))
	}
}

func TestReadErrorBody_Nil(t *testing.T) {
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

// stubRoundTripper fails the first n calls with err, then succeeds.
type stubRoundTripper struct {
	failures int
	err      error
	calls    atomic.Int32
}

func (s *stubRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	n := int(s.calls.Add(1))
	if n <= s.failures {
		return nil, s.err
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok")), Request: req}, nil
}

func TestRetryTransport_RetriesOnConnRefused(t *testing.T) {
	stub := &stubRoundTripper{failures: 2, err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}}
	rt := &retryTransport{base: stub, count: 3, delay: time.Millisecond}

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	resp.Body.Close()
	if got := stub.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestRetryTransport_ExhaustsRetries(t *testing.T) {
	stub := &stubRoundTripper{failures: 10, err: syscall.EHOSTUNREACH}
	rt := &retryTransport{base: stub, count: 2, delay: time.Millisecond}

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	_, err := rt.RoundTrip(req)
	if !errors.Is(err, syscall.EHOSTUNREACH) {
		t.Fatalf("expected EHOSTUNREACH, got %v", err)
	}
	if got := stub.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", got)
	}
}

func TestRetryTransport_RespectsContextCancellation(t *testing.T) {
	stub := &stubRoundTripper{failures: 10, err: syscall.ECONNREFUSED}
	rt := &retryTransport{base: stub, count: 5, delay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.invalid", nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := rt.RoundTrip(req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetryTransport_NoRetryWithoutGetBody(t *testing.T) {
	stub := &stubRoundTripper{failures: 1, err: syscall.ECONNREFUSED}
	rt := &retryTransport{base: stub, count: 3, delay: time.Millisecond}

	req, _ := http.NewRequest(http.MethodPost, "http://example.invalid", io.NopCloser(strings.NewReader("body")))
	req.GetBody = nil
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error without retry")
	}
	if got := stub.calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{syscall.ECONNREFUSED, true},
		{&net.OpError{Op: "dial", Err: syscall.ENETUNREACH}, true},
		{fmt.Errorf("wrapped: %w", syscall.EHOSTUNREACH), true},
		{syscall.ECONNRESET, false},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := isRetryableError(tt.err); got != tt.want {
			t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
