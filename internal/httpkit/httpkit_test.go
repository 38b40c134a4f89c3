package httpkit

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/foreman/internal/buildinfo"
)

func TestNewClient_Timeout(t *testing.T) {
	tests := []struct {
		name string
		opts []ClientOption
		want time.Duration
	}{
		{"default", nil, 30 * time.Second},
		{"custom", []ClientOption{WithTimeout(5 * time.Second)}, 5 * time.Second},
		{"streaming", []ClientOption{WithTimeout(0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.opts...).Timeout; got != tt.want {
				t.Errorf("Timeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewClient_Headers(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	tests := []struct {
		name      string
		opts      []ClientOption
		requestID string
		preset    map[string]string
		want      map[string]string
	}{
		{
			name: "defaults",
			want: map[string]string{"User-Agent": buildinfo.UserAgent(), RequestIDHeader: ""},
		},
		{
			name:      "request id from context",
			opts:      []ClientOption{WithUserAgent("TestBot/1.0")},
			requestID: "req-7",
			want:      map[string]string{"User-Agent": "TestBot/1.0", RequestIDHeader: "req-7"},
		},
		{
			name:   "caller headers win",
			opts:   []ClientOption{WithHeader("Anthropic-Version", "2023-06-01")},
			preset: map[string]string{"Anthropic-Version": "2024-01-01"},
			want:   map[string]string{"Anthropic-Version": "2024-01-01"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.requestID != "" {
				ctx = WithRequestID(ctx, tt.requestID)
			}
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
			for k, v := range tt.preset {
				req.Header.Set(k, v)
			}
			resp, err := NewClient(tt.opts...).Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			for k, want := range tt.want {
				if g := got.Get(k); g != want {
					t.Errorf("%s = %q, want %q", k, g, want)
				}
			}
		})
	}
}

func TestReadErrorBody(t *testing.T) {
	if got := ReadErrorBody(io.NopCloser(strings.NewReader("0123456789")), 4); got != "0123" {
		t.Errorf("ReadErrorBody = %q, want %q", got, "0123")
	}
	if ReadErrorBody(nil, 10) != "" {
		t.Error("nil body should read as empty")
	}
}

// flakyDialer refuses the first failures connections.
type flakyDialer struct {
	failures int
	calls    int
	bodies   []string
}

func (f *flakyDialer) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		f.bodies = append(f.bodies, string(b))
	}
	if f.calls <= f.failures {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok"))}, nil
}

func TestRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantCalls int
		wantErr   bool
	}{
		{"first attempt succeeds", 0, 1, false},
		{"recovers after refusal", 1, 2, false},
		{"gives up", 10, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fd := &flakyDialer{failures: tt.failures}
			c := NewClient(withBase(fd), WithRetry(2, time.Millisecond))
			resp, err := c.Post("http://provider.test/v1/messages", "application/json", strings.NewReader(`{"a":1}`))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if resp != nil {
				resp.Body.Close()
			}
			if fd.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", fd.calls, tt.wantCalls)
			}
			for i, b := range fd.bodies {
				if b != `{"a":1}` {
					t.Errorf("attempt %d body = %q, want replayed body", i+1, b)
				}
			}
		})
	}
}

func TestRetry_HonorsContext(t *testing.T) {
	fd := &flakyDialer{failures: 10}
	c := NewClient(withBase(fd), WithRetry(5, 5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://provider.test", nil)

	start := time.Now()
	if _, err := c.Do(req); err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Error("retry did not stop when the context ended")
	}
}

func TestRetry_UnrewindableBody(t *testing.T) {
	fd := &flakyDialer{failures: 1}
	tr := &transport{base: fd, retries: 2, backoff: time.Millisecond}

	req, _ := http.NewRequest(http.MethodPost, "http://provider.test", io.NopCloser(strings.NewReader("x")))
	req.GetBody = nil
	if _, err := tr.RoundTrip(req); err == nil {
		t.Fatal("expected error without a rewindable body")
	}
	if fd.calls != 1 {
		t.Errorf("calls = %d, want 1", fd.calls)
	}
}

func TestIsDialFailure(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&net.OpError{Err: syscall.ECONNREFUSED}, true},
		{&net.OpError{Err: syscall.ENETUNREACH}, true},
		{syscall.ECONNRESET, false},
		{io.EOF, false},
	}
	for _, tt := range tests {
		if got := isDialFailure(tt.err); got != tt.want {
			t.Errorf("isDialFailure(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
