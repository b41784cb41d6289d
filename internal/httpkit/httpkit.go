// Package httpkit builds the shared HTTP client used for outbound chat
// endpoint calls. It sets dial, TLS and header timeouts, bounds the idle
// pool, stamps the lane User-Agent, and propagates a per-call request id.
//
// The client never retries on its own. Retry decisions belong to the
// invoke package, which sees classified errors rather than raw dials.
package httpkit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/copp1723/lane-google-sub001/internal/buildinfo"
)

// Default timeouts and connection pool limits for the shared transport.
const (
	// DefaultDialTimeout is the maximum time to establish a TCP connection.
	DefaultDialTimeout = 10 * time.Second

	// DefaultKeepAlive is the interval between TCP keep-alive probes.
	DefaultKeepAlive = 30 * time.Second

	// DefaultTLSHandshakeTimeout is the maximum time for the TLS handshake.
	DefaultTLSHandshakeTimeout = 10 * time.Second

	// DefaultResponseHeader is the maximum time to wait for response
	// headers. Non-streaming completions send headers only once the whole
	// reply is generated, so this is generous.
	DefaultResponseHeader = 2 * time.Minute

	// DefaultIdleConnTimeout is how long idle connections stay in the pool.
	DefaultIdleConnTimeout = 90 * time.Second

	// DefaultMaxIdleConns is the total number of idle connections across all hosts.
	DefaultMaxIdleConns = 20

	// DefaultMaxIdleConnsPerHost is the per-host idle connection limit.
	DefaultMaxIdleConnsPerHost = 5
)

// RequestIDHeader carries the request id set with WithRequestID.
const RequestIDHeader = "X-Request-Id"

// ClientOption configures a Client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout   time.Duration
	userAgent string
	transport *http.Transport
	logger    *slog.Logger
}

// WithTimeout sets the overall request timeout on the http.Client.
// A zero value disables it; callers then bound calls through ctx.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithTransport overrides the default transport.
func WithTransport(t *http.Transport) ClientOption {
	return func(c *clientConfig) { c.transport = t }
}

// WithLogger logs every round trip at debug level.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// NewTransport creates an http.Transport with the lane defaults.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client on a fresh transport with the lane
// defaults: a 60s overall timeout, the lane User-Agent, and request id
// propagation.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{
		timeout:   60 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, o := range opts {
		o(cfg)
	}

	t := cfg.transport
	if t == nil {
		t = NewTransport()
	}

	var rt http.RoundTripper = &headerTransport{base: t, ua: cfg.userAgent}
	if cfg.logger != nil {
		rt = &loggingTransport{base: rt, logger: cfg.logger}
	}

	return &http.Client{
		Timeout:   cfg.timeout,
		Transport: rt,
	}
}

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

// headerTransport sets the User-Agent and request id headers unless the
// caller already set them.
type headerTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	setUA := t.ua != "" && req.Header.Get("User-Agent") == ""
	id := RequestID(req.Context())
	setID := id != "" && req.Header.Get(RequestIDHeader) == ""

	if setUA || setID {
		// RoundTripper must not mutate the caller's request.
		req = req.Clone(req.Context())
		if setUA {
			req.Header.Set("User-Agent", t.ua)
		}
		if setID {
			req.Header.Set(RequestIDHeader, id)
		}
	}
	return t.base.RoundTrip(req)
}

type loggingTransport struct {
	base   http.RoundTripper
	logger *slog.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)

	attrs := []any{
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
		"elapsed", time.Since(start).Round(time.Millisecond),
	}
	if id := RequestID(req.Context()); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if err != nil {
		t.logger.Debug("http request failed", append(attrs, "error", err)...)
		return resp, err
	}
	t.logger.Debug("http request", append(attrs, "status", resp.StatusCode)...)
	return resp, nil
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection can return to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes from rc for error messages,
// then drains and closes the remainder to allow connection reuse.
// Returns an empty string if rc is nil.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
