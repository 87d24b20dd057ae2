// Package httpclient wraps net/http with logging, default headers, JSON helpers
// and retries for the remote bridge.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	stdhttp "net/http"
	"net/url"
	"syscall"
	"time"

	"txqueue/pkg/retry"
)

// Client wraps http.Client with logging and retries.
// Idempotent methods, and POST requests with an Idempotency-Key header, are
// retried on transport errors and retryable statuses. Any request is retried
// when the connection was refused, since the server never saw it.
type Client struct {
	hc           *stdhttp.Client
	log          *slog.Logger
	retries      int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	headers      map[string]string
	retryMethods map[string]struct{}
	maxBody      int64
	hooks        []func(*stdhttp.Request) error
}

// Option configures Client.
type Option func(*Client)

// WithTimeout sets request timeout.
func WithTimeout(t time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = t }
}

// WithLogger sets logger used by client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRetries enables n retries with exponential backoff and jitter.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		if backoff > 0 {
			c.baseBackoff = backoff
		}
	}
}

// WithMaxBackoff limits exponential backoff growth.
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) { c.maxBackoff = d }
}

// WithHeaders adds default headers to each request.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) {
		for k, v := range h {
			c.headers[k] = v
		}
	}
}

// WithTransport sets custom transport.
func WithTransport(rt stdhttp.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.hc.Transport = rt
		}
	}
}

// WithRequestHook registers fn to run on every attempt before it is sent.
// A hook error aborts the request without retries.
func WithRequestHook(fn func(*stdhttp.Request) error) Option {
	return func(c *Client) {
		if fn != nil {
			c.hooks = append(c.hooks, fn)
		}
	}
}

// ErrHook wraps errors returned by request hooks.
var ErrHook = errors.New("http: request hook failed")

// WithMaxResponseBody limits the size of bodies read by DoJSON.
func WithMaxResponseBody(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// New creates configured Client.
func New(opts ...Option) *Client {
	tr := stdhttp.DefaultTransport.(*stdhttp.Transport).Clone()
	tr.MaxIdleConnsPerHost = 16
	tr.IdleConnTimeout = 90 * time.Second
	tr.TLSHandshakeTimeout = 10 * time.Second
	tr.ExpectContinueTimeout = 1 * time.Second

	c := &Client{
		hc: &stdhttp.Client{
			Timeout:   30 * time.Second,
			Transport: tr,
		},
		log:         slog.Default(),
		baseBackoff: 100 * time.Millisecond,
		maxBackoff:  5 * time.Second,
		headers:     make(map[string]string),
		maxBody:     32 << 20,
		retryMethods: map[string]struct{}{
			stdhttp.MethodGet:     {},
			stdhttp.MethodHead:    {},
			stdhttp.MethodOptions: {},
			stdhttp.MethodPut:     {},
			stdhttp.MethodDelete:  {},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ErrBodyTooLarge indicates a response body exceeds the configured limit.
var ErrBodyTooLarge = errors.New("http: response body too large")

// StatusError is returned for a retryable status once retries are exhausted.
type StatusError struct {
	Method string
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Status)
}

func retryableStatus(code int) bool {
	switch code {
	case stdhttp.StatusRequestTimeout, stdhttp.StatusTooManyRequests,
		stdhttp.StatusBadGateway, stdhttp.StatusServiceUnavailable, stdhttp.StatusGatewayTimeout:
		return true
	}
	return false
}

func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrHook) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// drainAndClose drains up to 512KB from body and closes it.
func drainAndClose(b io.ReadCloser) {
	if b == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, b, 512<<10)
	_ = b.Close()
}

func (c *Client) idempotent(req *stdhttp.Request) bool {
	if _, ok := c.retryMethods[req.Method]; ok {
		return true
	}
	return req.Header.Get("Idempotency-Key") != ""
}

// Do sends req with default headers, logging and retries.
func (c *Client) Do(ctx context.Context, req *stdhttp.Request) (*stdhttp.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = b
	}

	idempotent := c.idempotent(req)
	u := req.URL.Redacted()

	policy := retry.Config{
		MaxAttempts:  c.retries + 1,
		InitialDelay: c.baseBackoff,
		MaxDelay:     c.maxBackoff,
		Multiplier:   2.0,
		Jitter:       true,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			c.log.Warn("http request retry",
				slog.String("method", req.Method),
				slog.String("url", u),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.Any("error", err))
		},
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}

	var resp *stdhttp.Response
	attempt := 0
	err := retry.DoWithRetryable(ctx, policy, func(ctx context.Context) error {
		attempt++
		r := req.Clone(ctx)
		for k, v := range c.headers {
			if r.Header.Get(k) == "" {
				r.Header.Set(k, v)
			}
		}
		if body != nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
		}
		for _, hook := range c.hooks {
			if err := hook(r); err != nil {
				return fmt.Errorf("%w: %w", ErrHook, err)
			}
		}

		start := time.Now()
		res, err := c.hc.Do(r)
		if err != nil {
			return err
		}
		if idempotent && retryableStatus(res.StatusCode) && attempt <= c.retries {
			drainAndClose(res.Body)
			return &StatusError{Method: req.Method, URL: u, Status: res.StatusCode}
		}

		c.log.Debug("http request",
			slog.String("method", req.Method),
			slog.String("url", u),
			slog.Int("status", res.StatusCode),
			slog.Duration("dur", time.Since(start)),
			slog.Int("attempt", attempt))
		resp = res
		return nil
	}, func(err error) bool {
		if idempotent {
			return isRetryableError(err)
		}
		return isRefused(err)
	})
	if err != nil {
		var exceeded *retry.RetriesExceededError
		if errors.As(err, &exceeded) {
			err = exceeded.LastError
		}
		c.log.Warn("http request error", slog.String("method", req.Method), slog.String("url", u), slog.Any("error", err))
		return nil, err
	}
	return resp, nil
}

// DoJSON sends in as a JSON body (nil means no body) and decodes the response
// into out whatever the status. Numbers decode as json.Number so integers keep
// their precision. It returns the HTTP status.
func (c *Client) DoJSON(ctx context.Context, method, rawURL string, in, out any) (int, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return 0, fmt.Errorf("invalid url: %w", err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := stdhttp.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return 0, err
	}
	defer drainAndClose(resp.Body)

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if int64(len(data)) > c.maxBody {
		return resp.StatusCode, ErrBodyTooLarge
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return resp.StatusCode, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}
