// Package httpkit builds the outbound HTTP clients used for model
// provider calls. Clients dial and wait for headers with explicit
// limits, stamp every request with the foreman User-Agent and the
// current chat request id, and retry connection failures that happen
// before any byte reaches the provider.
package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/foreman/internal/buildinfo"
)

// RequestIDHeader carries the chat request id to the provider so a
// provider-side log line can be matched to a router decision.
const RequestIDHeader = "X-Request-Id"

// Transport limits. Providers send response headers before the first
// streamed token, so the header limit holds for streaming calls too.
const (
	dialTimeout     = 10 * time.Second
	tlsTimeout      = 10 * time.Second
	headerTimeout   = 60 * time.Second
	idleTimeout     = 90 * time.Second
	maxIdlePerHost  = 4
	maxRetryBackoff = 5 * time.Second
)

type requestIDKey struct{}

// WithRequestID returns a context whose outbound requests carry id in
// the X-Request-Id header.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id stored by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ClientOption configures NewClient.
type ClientOption func(*options)

type options struct {
	timeout   time.Duration
	headers   http.Header
	retries   int
	backoff   time.Duration
	logger    *slog.Logger
	transport http.RoundTripper
}

// WithTimeout bounds the whole exchange. Zero disables the limit;
// streaming callers rely on the request context instead.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *options) { o.timeout = d }
}

// WithUserAgent replaces the default User-Agent.
func WithUserAgent(ua string) ClientOption {
	return WithHeader("User-Agent", ua)
}

// WithHeader sets a header on every request that does not already
// carry it.
func WithHeader(key, value string) ClientOption {
	return func(o *options) { o.headers.Set(key, value) }
}

// WithRetry retries dial failures up to count times, doubling the
// wait from backoff. A request body is only replayed when GetBody can
// rewind it.
func WithRetry(count int, backoff time.Duration) ClientOption {
	return func(o *options) {
		o.retries = count
		o.backoff = backoff
	}
}

// WithLogger receives retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(o *options) { o.logger = l }
}

// withBase swaps the underlying round tripper; tests use it.
func withBase(rt http.RoundTripper) ClientOption {
	return func(o *options) { o.transport = rt }
}

// NewTransport returns a pooled transport with the dial, TLS and
// header limits above.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   tlsTimeout,
		ResponseHeaderTimeout: headerTimeout,
		IdleConnTimeout:       idleTimeout,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds a provider client. The default timeout is 30s.
func NewClient(opts ...ClientOption) *http.Client {
	o := &options{
		timeout: 30 * time.Second,
		headers: http.Header{"User-Agent": {buildinfo.UserAgent()}},
	}
	for _, opt := range opts {
		opt(o)
	}
	base := o.transport
	if base == nil {
		base = NewTransport()
	}
	return &http.Client{
		Timeout: o.timeout,
		Transport: &transport{
			base:    base,
			headers: o.headers,
			retries: o.retries,
			backoff: o.backoff,
			logger:  o.logger,
		},
	}
}

// transport decorates outbound requests and retries dial failures.
type transport struct {
	base    http.RoundTripper
	headers http.Header
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = t.decorate(req)

	resp, err := t.base.RoundTrip(req)
	wait := t.backoff
	for attempt := 1; attempt <= t.retries && err != nil && isDialFailure(err); attempt++ {
		if !rewindable(req) {
			break
		}
		if t.logger != nil {
			t.logger.Debug("provider unreachable, retrying",
				"host", req.URL.Host,
				"attempt", attempt,
				"backoff", wait,
				"error", err,
			)
		}
		if serr := sleep(req.Context(), wait); serr != nil {
			return nil, serr
		}
		wait = min(wait*2, maxRetryBackoff)

		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, fmt.Errorf("rewind request body: %w", berr)
			}
			retry.Body = body
		}
		resp, err = t.base.RoundTrip(retry)
	}
	return resp, err
}

// decorate clones req only when a header has to be added.
func (t *transport) decorate(req *http.Request) *http.Request {
	var clone *http.Request
	set := func(key, value string) {
		if value == "" || req.Header.Get(key) != "" {
			return
		}
		if clone == nil {
			clone = req.Clone(req.Context())
		}
		clone.Header.Set(key, value)
	}
	for key := range t.headers {
		set(key, t.headers.Get(key))
	}
	set(RequestIDHeader, RequestID(req.Context()))
	if clone == nil {
		return req
	}
	return clone
}

func rewindable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isDialFailure matches errors raised before the request left the
// host. A reset connection is not retried: the provider may already
// be generating (and billing) the response.
func isDialFailure(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.ECONNREFUSED || errno == syscall.EHOSTUNREACH || errno == syscall.ENETUNREACH
}

// DrainAndClose discards up to limit bytes of rc before closing it so
// the connection can be reused.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	_ = rc.Close()
}

// ReadErrorBody returns at most limit bytes of an error response body
// and releases the rest.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer DrainAndClose(rc, 1024)
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return fmt.Sprintf("(unreadable error body: %v)", err)
	}
	return string(body)
}
