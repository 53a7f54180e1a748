// Package httpclient provides the authenticated, resilient HTTP client used
// by every network component of the pipeline.
//
// The client wraps the standard http.Client and adds:
//   - Automatic retries with exponential backoff and jitter
//   - Cookie attachment from an AuthClient-backed token source
//   - Token refresh and proxy rotation on 401/403
//   - Transparent decompression (gzip, deflate, brotli)
//   - Circuit breaker to prevent hammering a failing upstream
//   - JSON envelope decoding with domain error mapping
package httpclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/berridl/berridl/internal/models"
	"github.com/goccy/go-json"
	"golang.org/x/net/http2"
)

// Common errors returned by the client.
var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrMaxRetries  = errors.New("max retries exceeded")
)

// Default configuration values.
const (
	DefaultRetryAttempts      = 3
	DefaultCircuitThreshold   = 8
	DefaultCircuitTimeout     = 30 * time.Second
	DefaultCircuitHalfOpenMax = 1

	baseRetryDelay = 250 * time.Millisecond
	maxRetryDelay  = 2 * time.Second

	headerAcceptEncoding  = "Accept-Encoding"
	headerContentEncoding = "Content-Encoding"
	headerUserAgent       = "User-Agent"
	acceptEncodings       = "gzip, deflate, br"
)

// TokenSource supplies session cookies and recovers from auth expiry.
// It is implemented by auth.Client.
type TokenSource interface {
	// CookieHeader returns the Cookie header value for authenticated requests.
	CookieHeader(ctx context.Context) (string, error)
	// Recover forces a token refresh after a 401/403 response.
	Recover(ctx context.Context) error
}

// Config holds the configuration for the HTTP client.
type Config struct {
	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// ReadTimeout bounds response header reads.
	ReadTimeout time.Duration

	// RequestTimeout is the whole-request deadline (0 = none).
	RequestTimeout time.Duration

	// RetryAttempts is the maximum number of attempts per request.
	RetryAttempts int

	// UserAgent is the User-Agent header sent with requests.
	UserAgent string

	// Tokens supplies cookies and auth recovery. Optional.
	Tokens TokenSource

	// Proxies rotates outbound proxies. Optional.
	Proxies *ProxyRotator

	// Logger is the structured logger for request/response logging.
	Logger *slog.Logger
}

// Client is the resilient HTTP client.
type Client struct {
	config  Config
	client  *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New creates a new client with the given configuration.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}

	c := &Client{
		config:  cfg,
		breaker: NewCircuitBreaker(DefaultCircuitThreshold, DefaultCircuitTimeout, DefaultCircuitHalfOpenMax),
		logger:  cfg.Logger,
	}
	c.client = c.newHTTPClient()
	return c
}

// newHTTPClient builds the underlying http.Client with an HTTP/2-enabled
// transport and the current proxy rotator.
func (c *Client) newHTTPClient() *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   c.config.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   c.config.ConnectTimeout,
		ResponseHeaderTimeout: c.config.ReadTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		ForceAttemptHTTP2:     true,
	}
	if c.config.Proxies != nil {
		transport.Proxy = c.config.Proxies.ProxyFunc()
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		c.logger.Warn("http2 transport configuration failed, continuing with HTTP/1.1",
			slog.String("error", err.Error()))
	}

	return &http.Client{
		Transport: transport,
		Timeout:   c.config.RequestTimeout,
	}
}

// Reset closes idle connections and rebuilds the underlying client, so the
// next request negotiates a fresh session (and, with a rotator, a new proxy).
func (c *Client) Reset() {
	if t, ok := c.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	c.client = c.newHTTPClient()
}

// Close releases idle connections.
func (c *Client) Close() {
	if t, ok := c.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// requestOptions collects per-request behavior toggles.
type requestOptions struct {
	noCookies        bool
	emptyOnForbidden bool
	headers          map[string]string
	body             []byte
	contentType      string
	timeout          time.Duration
}

// Option customizes a single request.
type Option func(*requestOptions)

// WithoutCookies skips session cookie attachment (manifest fetches).
func WithoutCookies() Option {
	return func(o *requestOptions) { o.noCookies = true }
}

// WithEmptyOnForbidden makes a 403 return an empty body instead of being
// retried with a refreshed token. Used by the translation endpoint.
func WithEmptyOnForbidden() Option {
	return func(o *requestOptions) { o.emptyOnForbidden = true }
}

// WithHeader adds a request header.
func WithHeader(key, value string) Option {
	return func(o *requestOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// WithJSONBody marshals v as the request body.
func WithJSONBody(v any) Option {
	return func(o *requestOptions) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		o.body = data
		o.contentType = "application/json"
	}
}

// WithRawBody sets the request body verbatim.
func WithRawBody(data []byte, contentType string) Option {
	return func(o *requestOptions) {
		o.body = data
		o.contentType = contentType
	}
}

// WithTimeout overrides the per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *requestOptions) { o.timeout = d }
}

// retryableStatus lists HTTP statuses that are retried.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// retryDelay computes the backoff before the given attempt:
// min(2s, 250ms * 2^attempt), jittered by +/-50%.
func retryDelay(attempt int) time.Duration {
	d := float64(baseRetryDelay) * math.Pow(2, float64(attempt))
	if d > float64(maxRetryDelay) {
		d = float64(maxRetryDelay)
	}
	jitter := 0.5 + rand.Float64() // 0.5 .. 1.5
	return time.Duration(d * jitter)
}

// Do executes a request with retries, cookie attachment, and auth recovery.
// The response body is decompressed transparently; the caller must close it.
func (c *Client) Do(ctx context.Context, method, rawURL string, opts ...Option) (*http.Response, error) {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	cancel := context.CancelFunc(func() {})
	if o.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
	}

	var lastErr error
	refreshed := false

	for attempt := 0; attempt < c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			c.logger.Debug("retrying request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("url", obfuscateURL(rawURL)),
			)
			select {
			case <-ctx.Done():
				cancel()
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if !c.breaker.Allow() {
			lastErr = ErrCircuitOpen
			c.logger.Warn("circuit breaker open, skipping request",
				slog.String("url", obfuscateURL(rawURL)))
			continue
		}

		req, err := c.buildRequest(ctx, method, rawURL, &o)
		if err != nil {
			cancel()
			return nil, err
		}

		start := time.Now()
		resp, err := c.client.Do(req)
		duration := time.Since(start)

		if err != nil {
			c.breaker.RecordFailure()
			lastErr = err
			c.logger.Warn("request failed",
				slog.String("url", obfuscateURL(rawURL)),
				slog.String("method", method),
				slog.Duration("duration", duration),
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
			)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				cancel()
				return nil, err
			}
			continue
		}

		if resp.StatusCode == http.StatusForbidden && o.emptyOnForbidden {
			// Translation endpoint: a 403 means "not translatable", not
			// "session expired". Return an empty 200-shaped response.
			resp.Body.Close()
			c.breaker.RecordSuccess()
			resp.Body = &cancelOnClose{ReadCloser: io.NopCloser(strings.NewReader("")), cancel: cancel}
			resp.StatusCode = http.StatusOK
			return resp, nil
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			c.breaker.RecordFailure()
			lastErr = fmt.Errorf("auth-expired status: %d", resp.StatusCode)

			// Refresh once per request, then go out through a fresh
			// connection (and proxy) for the retry.
			if !o.noCookies && c.config.Tokens != nil && !refreshed {
				refreshed = true
				if rerr := c.config.Tokens.Recover(ctx); rerr != nil {
					cancel()
					return nil, fmt.Errorf("recovering session: %w", rerr)
				}
			}
			c.Reset()
			continue
		}

		if retryableStatus(resp.StatusCode) {
			resp.Body.Close()
			c.breaker.RecordFailure()
			lastErr = fmt.Errorf("retryable status code: %d", resp.StatusCode)
			c.logger.Warn("retryable status code",
				slog.String("url", obfuscateURL(rawURL)),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt),
			)
			continue
		}

		c.breaker.RecordSuccess()
		c.logger.Debug("request completed",
			slog.String("url", obfuscateURL(rawURL)),
			slog.String("method", method),
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", duration),
		)

		resp.Body = &cancelOnClose{ReadCloser: wrapDecompression(resp, c.logger), cancel: cancel}
		return resp, nil
	}

	cancel()
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
	}
	return nil, ErrMaxRetries
}

// cancelOnClose releases a per-request timeout context when the response
// body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// buildRequest constructs one attempt's request, re-reading cookies so a
// refreshed token is picked up between attempts.
func (c *Client) buildRequest(ctx context.Context, method, rawURL string, o *requestOptions) (*http.Request, error) {
	var body io.Reader
	if o.body != nil {
		body = bytes.NewReader(o.body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if c.config.UserAgent != "" {
		req.Header.Set(headerUserAgent, c.config.UserAgent)
	}
	req.Header.Set(headerAcceptEncoding, acceptEncodings)
	if o.contentType != "" {
		req.Header.Set("Content-Type", o.contentType)
	}
	for k, v := range o.headers {
		req.Header.Set(k, v)
	}

	if !o.noCookies && c.config.Tokens != nil {
		cookie, err := c.config.Tokens.CookieHeader(ctx)
		if err != nil {
			return nil, fmt.Errorf("attaching session cookies: %w", err)
		}
		if cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
	}

	return req, nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, url string, opts ...Option) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, url, opts...)
}

// Post performs a POST request.
func (c *Client) Post(ctx context.Context, url string, opts ...Option) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, url, opts...)
}

// Patch performs a PATCH request.
func (c *Client) Patch(ctx context.Context, url string, opts ...Option) (*http.Response, error) {
	return c.Do(ctx, http.MethodPatch, url, opts...)
}

// Options performs an OPTIONS request.
func (c *Client) Options(ctx context.Context, url string, opts ...Option) (*http.Response, error) {
	return c.Do(ctx, http.MethodOptions, url, opts...)
}

// Head performs a HEAD request without retries; used by the segment
// downloader's partial-content acceptance check.
func (c *Client) Head(ctx context.Context, rawURL string) (*http.Response, error) {
	var o requestOptions
	o.noCookies = true
	req, err := c.buildRequest(ctx, http.MethodHead, rawURL, &o)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

// FetchManifest retrieves a manifest body without attaching session cookies.
func (c *Client) FetchManifest(ctx context.Context, url string, opts ...Option) ([]byte, error) {
	opts = append(opts, WithoutCookies())
	resp, err := c.Get(ctx, url, opts...)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest fetch status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading manifest body: %w", err)
	}
	return body, nil
}

// Envelope is the JSON envelope every platform API response carries.
// Code "0000" is success; anything else is a domain error.
type Envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// DoJSON executes a request and decodes the platform envelope. Domain errors
// (code != "0000") are logged and returned as *models.APIError alongside the
// envelope so the caller can still inspect the payload. Non-JSON bodies are
// returned in Envelope.Data as a JSON string with code "0000".
func (c *Client) DoJSON(ctx context.Context, method, url string, opts ...Option) (*Envelope, error) {
	resp, err := c.Do(ctx, method, url, opts...)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return &Envelope{Code: models.CodeOK}, nil
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		// Non-JSON text body: hand the raw string back.
		raw, _ := json.Marshal(string(body))
		return &Envelope{Code: models.CodeOK, Data: raw}, nil
	}

	if env.Code != "" && env.Code != models.CodeOK {
		apiErr := models.NewAPIError(env.Code, env.Message)
		c.logger.Warn("server returned domain error",
			slog.String("url", obfuscateURL(url)),
			slog.String("code", env.Code),
			slog.String("message", apiErr.Message),
		)
		return &env, apiErr
	}

	return &env, nil
}

// GetJSON is DoJSON with method GET.
func (c *Client) GetJSON(ctx context.Context, url string, opts ...Option) (*Envelope, error) {
	return c.DoJSON(ctx, http.MethodGet, url, opts...)
}

// PostJSON is DoJSON with method POST.
func (c *Client) PostJSON(ctx context.Context, url string, opts ...Option) (*Envelope, error) {
	return c.DoJSON(ctx, http.MethodPost, url, opts...)
}

// wrapDecompression wraps the response body with appropriate decompression.
func wrapDecompression(resp *http.Response, logger *slog.Logger) io.ReadCloser {
	encoding := resp.Header.Get(headerContentEncoding)
	if encoding == "" {
		return resp.Body
	}

	switch strings.ToLower(encoding) {
	case "gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			logger.Warn("failed to create gzip reader, returning raw body",
				slog.String("error", err.Error()))
			return resp.Body
		}
		return &decompressReader{reader: reader, closer: resp.Body}
	case "deflate":
		return &decompressReader{reader: flate.NewReader(resp.Body), closer: resp.Body}
	case "br":
		return &decompressReader{reader: brotli.NewReader(resp.Body), closer: resp.Body}
	default:
		return resp.Body
	}
}

// decompressReader wraps a decompression reader with the original body closer.
type decompressReader struct {
	reader io.Reader
	closer io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decompressReader) Close() error {
	if closer, ok := d.reader.(io.Closer); ok {
		closer.Close()
	}
	return d.closer.Close()
}

// obfuscateURL returns a URL string with sensitive query parameters masked.
func obfuscateURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	query := u.Query()
	for _, param := range []string{"password", "token", "code", "auth", "key", "secret"} {
		if query.Has(param) {
			query.Set(param, "***")
		}
	}
	u.RawQuery = query.Encode()
	return u.String()
}
