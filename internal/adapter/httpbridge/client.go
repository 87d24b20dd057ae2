package httpbridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"txqueue/internal/bridge"
	"txqueue/internal/platform/httpclient"
	"txqueue/internal/shared"
)

// ClientOptions configure Client.
type ClientOptions struct {
	// Secret signs a fresh bearer token for every attempt when non-empty.
	Secret []byte
	// Token is a static bearer token used when Secret is empty.
	Token string
	// Subject is written into issued tokens.
	Subject string
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// Retries is the number of extra attempts for retryable failures.
	Retries int
	// Transport overrides the HTTP transport, mostly for tests.
	Transport http.RoundTripper
}

// Client implements bridge.Bridge against a remote Server.
type Client struct {
	base string
	hc   *httpclient.Client
}

var _ bridge.Bridge = (*Client)(nil)

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ClientOptions, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, shared.Markf(shared.KindValidation, "invalid bridge url %q", baseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	subject := opts.Subject
	if subject == "" {
		subject = "txqueue-client"
	}

	httpOpts := []httpclient.Option{
		httpclient.WithLogger(logger.With(slog.String("component", "httpbridge.client"))),
		httpclient.WithRetries(opts.Retries, 50*time.Millisecond),
		httpclient.WithHeaders(map[string]string{"User-Agent": "txqueue-bridge/1"}),
		httpclient.WithTransport(opts.Transport),
	}
	if opts.Timeout > 0 {
		httpOpts = append(httpOpts, httpclient.WithTimeout(opts.Timeout))
	}
	switch {
	case len(opts.Secret) > 0:
		secret := opts.Secret
		httpOpts = append(httpOpts, httpclient.WithRequestHook(func(r *http.Request) error {
			token, err := IssueToken(secret, subject, "", time.Minute)
			if err != nil {
				return err
			}
			r.Header.Set("Authorization", "Bearer "+token)
			return nil
		}))
	case opts.Token != "":
		httpOpts = append(httpOpts, httpclient.WithHeaders(map[string]string{"Authorization": "Bearer " + opts.Token}))
	}

	return &Client{
		base: strings.TrimRight(u.String(), "/"),
		hc:   httpclient.New(httpOpts...),
	}, nil
}

// envelope covers every response body the server produces.
type envelope struct {
	Open     bool             `json:"open"`
	Outcomes []bridge.Outcome `json:"outcomes"`
	Error    *wireError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method, path string, in any) (*envelope, error) {
	var env envelope
	status, err := c.hc.DoJSON(ctx, method, c.base+path, in, &env)
	if err != nil {
		if shared.IsCanceled(err) || shared.IsTimeout(err) {
			return nil, err
		}
		return nil, shared.MarkKind(fmt.Errorf("bridge %s: %w", path, err), shared.KindDependencyFailure)
	}
	if status >= http.StatusBadRequest {
		return nil, fromWire(status, env.Error)
	}
	return &env, nil
}

// Open implements bridge.Bridge.
func (c *Client) Open(ctx context.Context, name string, loc bridge.Location) error {
	_, err := c.call(ctx, http.MethodPost, pathOpen, dbRequest{Name: name, Location: string(loc)})
	return err
}

// Close implements bridge.Bridge.
func (c *Client) Close(ctx context.Context, name string) error {
	_, err := c.call(ctx, http.MethodPost, pathClose, dbRequest{Name: name})
	return err
}

// Delete implements bridge.Bridge.
func (c *Client) Delete(ctx context.Context, name string, loc bridge.Location) error {
	_, err := c.call(ctx, http.MethodPost, pathDelete, dbRequest{Name: name, Location: string(loc)})
	return err
}

// IsOpen implements bridge.Bridge.
func (c *Client) IsOpen(ctx context.Context, name string) (bool, error) {
	env, err := c.call(ctx, http.MethodGet, pathIsOpen+"?name="+url.QueryEscape(name), nil)
	if err != nil {
		return false, err
	}
	return env.Open, nil
}

// ExecuteBatch implements bridge.Bridge.
func (c *Client) ExecuteBatch(ctx context.Context, name string, batch []bridge.Request) ([]bridge.Outcome, error) {
	env, err := c.call(ctx, http.MethodPost, pathBatch, batchRequest{Name: name, Requests: batch})
	if err != nil {
		return nil, err
	}
	if len(env.Outcomes) != len(batch) {
		return nil, shared.Markf(shared.KindDependencyFailure,
			"bridge returned %d outcomes for %d statements", len(env.Outcomes), len(batch))
	}
	normalizeOutcomes(env.Outcomes)
	return env.Outcomes, nil
}

// Ping checks that the server answers /healthz.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodGet, pathHealthz, nil)
	return err
}
