// Package fxrates fetches historical exchange-rate tables from a Frankfurter-compatible HTTP API
// (ECB reference rates published per working day).
package fxrates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxElapsed = 15 * time.Second
	maxResponseBytes  = 1 << 20
)

// ErrUpstream marks failures talking to the rate API.
var ErrUpstream = errors.New("fxrates: upstream failure")

// Client implements services.CurrencyRateSource over HTTP.
type Client struct {
	baseURL    *url.URL
	http       *http.Client
	logger     *zap.Logger
	maxElapsed time.Duration
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.http.Timeout = timeout
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxRetryElapsed bounds the total time spent retrying transient failures. Zero disables retries.
func WithMaxRetryElapsed(d time.Duration) Option {
	return func(c *Client) { c.maxElapsed = d }
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("fxrates: invalid base url %q", baseURL)
	}
	c := &Client{
		baseURL: parsed,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:     zap.NewNop(),
		maxElapsed: defaultMaxElapsed,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func (c *Client) Name() string { return "frankfurter" }

type ratesResponse struct {
	Base  string             `json:"base"`
	Date  string             `json:"date"`
	Rates map[string]float64 `json:"rates"`
}

// Fetch returns the table published for date, or the last working day before it. A zero date
// asks for the latest table.
func (c *Client) Fetch(ctx context.Context, base string, date time.Time) (map[string]float64, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	if len(base) != 3 {
		return nil, fmt.Errorf("fxrates: invalid base currency %q", base)
	}
	day := "latest"
	if !date.IsZero() {
		day = date.UTC().Format(time.DateOnly)
	}
	endpoint := c.baseURL.JoinPath(day)
	endpoint.RawQuery = url.Values{"from": []string{base}}.Encode()

	var body ratesResponse
	operation := func() error {
		var err error
		body, err = c.get(ctx, endpoint.String())
		return err
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if c.maxElapsed > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 200 * time.Millisecond
		exp.MaxElapsedTime = c.maxElapsed
		policy = exp
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("fxrates: retrying", zap.String("base", base), zap.String("date", day), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(body.Rates))
	for code, rate := range body.Rates {
		if rate > 0 {
			out[strings.ToUpper(code)] = rate
		}
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, endpoint string) (ratesResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ratesResponse{}, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ratesResponse{}, backoff.Permanent(ctx.Err())
		}
		return ratesResponse{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return ratesResponse{}, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return ratesResponse{}, backoff.Permanent(fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode))
	}

	var body ratesResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return ratesResponse{}, backoff.Permanent(fmt.Errorf("%w: decode: %v", ErrUpstream, err))
	}
	return body, nil
}
