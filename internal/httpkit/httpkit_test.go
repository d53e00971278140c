package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func echoUserAgent(t *testing.T, c *http.Client, set string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if set != "" {
		req.Header.Set("User-Agent", set)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestNewClient_Timeout(t *testing.T) {
	tests := []struct {
		name string
		opts []ClientOption
		want time.Duration
	}{
		{"default", nil, 30 * time.Second},
		{"custom", []ClientOption{WithTimeout(5 * time.Second)}, 5 * time.Second},
		{"disabled", []ClientOption{WithTimeout(0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.opts...).Timeout; got != tt.want {
				t.Errorf("Timeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	if got := echoUserAgent(t, NewClient(), ""); !strings.HasPrefix(got, "beacond/") {
		t.Errorf("default User-Agent = %q, want beacond/ prefix", got)
	}
	if got := echoUserAgent(t, NewClient(WithUserAgent("TestBot/1.0")), ""); got != "TestBot/1.0" {
		t.Errorf("custom User-Agent = %q", got)
	}
	if got := echoUserAgent(t, NewClient(), "Caller/2.0"); got != "Caller/2.0" {
		t.Errorf("existing User-Agent overwritten: %q", got)
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
	if got := ReadErrorBody(io.NopCloser(strings.NewReader("not found")), 512); got != "not found" {
		t.Errorf("ReadErrorBody() = %q", got)
	}
	if got := ReadErrorBody(io.NopCloser(strings.NewReader("abcdefgh")), 4); got != "abcd" {
		t.Errorf("truncated ReadErrorBody() = %q, want abcd", got)
	}
	if got := ReadErrorBody(nil, 512); got != "" {
		t.Errorf("nil ReadErrorBody() = %q", got)
	}
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestDrainAndClose(t *testing.T) {
	r := strings.NewReader(strings.Repeat("x", 100))
	rc := &closeTracker{Reader: r}
	DrainAndClose(rc, 10)
	if !rc.closed {
		t.Error("body not closed")
	}
	if r.Len() != 90 {
		t.Errorf("remaining = %d, want 90 (drain is bounded)", r.Len())
	}
	DrainAndClose(nil, 10)
}

// failingRoundTripper fails with a dial error, then succeeds.
type failingRoundTripper struct {
	failures int
	calls    int
	bodies   []string
}

func (f *failingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		f.bodies = append(f.bodies, string(b))
	}
	if f.calls <= f.failures {
		return nil, &net.OpError{
			Op:  "dial",
			Net: "tcp",
			Err: &net.OpError{Op: "connect", Err: syscall.ECONNREFUSED},
		}
	}
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(strings.NewReader("ok")),
	}, nil
}

func newRetry(base http.RoundTripper, count int, delay time.Duration) *retryTransport {
	return &retryTransport{
		base:   base,
		count:  count,
		delay:  delay,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		count     int
		wantErr   bool
		wantCalls int
	}{
		{"success first try", 0, 2, false, 1},
		{"recovers after one failure", 1, 2, false, 2},
		{"exhausts retries", 10, 2, true, 3},
		{"retry disabled", 1, 0, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &failingRoundTripper{failures: tt.failures}
			req, _ := http.NewRequest(http.MethodGet, "http://ha.local:8123/api/", nil)

			_, err := newRetry(ft, tt.count, time.Millisecond).RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ft.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", ft.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransport_RewindsBody(t *testing.T) {
	ft := &failingRoundTripper{failures: 1}
	req, _ := http.NewRequest(http.MethodPost, "http://ha.local:8123/api/states/x", strings.NewReader(`{"state":"on"}`))

	if _, err := newRetry(ft, 2, time.Millisecond).RoundTrip(req); err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	if len(ft.bodies) != 2 || ft.bodies[1] != `{"state":"on"}` {
		t.Errorf("bodies = %q, want body resent", ft.bodies)
	}
}

func TestRetryTransport_NoRetryWithoutGetBody(t *testing.T) {
	ft := &failingRoundTripper{failures: 1}
	req, _ := http.NewRequest(http.MethodPost, "http://ha.local:8123/api/states/x", strings.NewReader(`{}`))
	req.GetBody = nil

	if _, err := newRetry(ft, 2, time.Millisecond).RoundTrip(req); err == nil {
		t.Fatal("expected error without GetBody")
	}
	if ft.calls != 1 {
		t.Errorf("calls = %d, want 1", ft.calls)
	}
}

func TestRetryTransport_RespectsContextCancellation(t *testing.T) {
	ft := &failingRoundTripper{failures: 10}
	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://ha.local:8123/api/", nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := newRetry(ft, 5, 5*time.Second).RoundTrip(req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if ft.calls != 1 {
		t.Errorf("calls = %d, want 1", ft.calls)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"generic", fmt.Errorf("oops"), false},
		{"EHOSTUNREACH", syscall.EHOSTUNREACH, true},
		{"ENETUNREACH", syscall.ENETUNREACH, true},
		{"ECONNREFUSED", syscall.ECONNREFUSED, true},
		{"ECONNRESET", syscall.ECONNRESET, false},
		{"wrapped", fmt.Errorf("connect: %w", syscall.EHOSTUNREACH), true},
		{"OpError", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
