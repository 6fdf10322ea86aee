// Package stripe implements the provider listing capability over the
// Stripe REST API.
package stripe

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/tapstripe/pkg/errors"
	"github.com/ajitpratap0/tapstripe/pkg/filter"
	"github.com/ajitpratap0/tapstripe/pkg/metrics"
	"github.com/ajitpratap0/tapstripe/pkg/models"
	"github.com/ajitpratap0/tapstripe/pkg/paginator"
)

const (
	// DefaultBaseURL is the public Stripe API.
	DefaultBaseURL = "https://api.stripe.com"
	// EventRetention is how far back Stripe lets the events feed be read.
	EventRetention = 30 * 24 * time.Hour
)

// Config configures the client.
type Config struct {
	APIKey string
	// AccountID, when set, is sent as Stripe-Account to act on a
	// connected account.
	AccountID      string
	BaseURL        string
	UserAgent      string
	RequestTimeout time.Duration
	DialTimeout    time.Duration
	// RateLimit is the steady request rate per second; 0 disables limiting.
	RateLimit   float64
	RateBurst   int
	EnableHTTP2 bool
}

// DefaultConfig returns the client defaults. Stripe allows 100 read
// requests per second in live mode and 25 in test mode.
func DefaultConfig() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		UserAgent:      "tapstripe",
		RequestTimeout: 60 * time.Second,
		DialTimeout:    30 * time.Second,
		RateLimit:      20,
		RateBurst:      5,
		EnableHTTP2:    true,
	}
}

// Client lists Stripe objects. It implements paginator.Lister and exposes
// the event retention horizon through EarliestEvent.
type Client struct {
	config     Config
	logger     *zap.Logger
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    *url.URL
	now        func() time.Time
}

var _ paginator.Lister = (*Client)(nil)

// NewClient creates a client. The API key is attached as a static bearer
// token.
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	if config.APIKey == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "stripe api_key is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(config.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "invalid base_url %q", config.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	c := &Client{
		config:  config,
		logger:  logger.With(zap.String("component", "stripe_client")),
		baseURL: base,
		now:     time.Now,
		httpClient: &http.Client{
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: config.APIKey, TokenType: "Bearer"}),
				Base:   transport,
			},
			Timeout: config.RequestTimeout,
		},
	}
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	return c, nil
}

// listResponse is Stripe's list envelope.
type listResponse struct {
	Object  string          `json:"object"`
	Data    []models.Record `json:"data"`
	HasMore bool            `json:"has_more"`
}

// errorResponse is Stripe's error envelope.
type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Param   string `json:"param"`
	} `json:"error"`
}

// List implements paginator.Lister.
func (c *Client) List(ctx context.Context, f filter.Filter, cursor string) (*paginator.Page, error) {
	entity := string(f.Entity)
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeFatalFetch, "rate limiter wait").WithDetail("entity", entity)
		}
	}

	q := f.Values()
	if cursor != "" {
		q.Set("starting_after", cursor)
	}
	u := c.baseURL.JoinPath("v1", entity)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFatalFetch, "build request").WithDetail("entity", entity)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.AccountID != "" {
		req.Header.Set("Stripe-Account", c.config.AccountID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RequestDuration.WithLabelValues(entity, "error").Observe(time.Since(start).Seconds())
		if ctx.Err() != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeFatalFetch, "request cancelled").WithDetail("entity", entity)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeRetryableFetch, "request failed").WithDetail("entity", entity)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	metrics.RequestDuration.WithLabelValues(entity, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())
	if readErr != nil {
		return nil, errors.Wrap(readErr, errors.ErrorTypeRetryableFetch, "read response body").
			WithDetail("entity", entity).WithDetail("status", resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.classify(resp, body, entity)
	}

	var list listResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeRetryableFetch, "decode list response").WithDetail("entity", entity)
	}
	if list.Object != "" && list.Object != "list" && list.Object != "search_result" {
		return nil, errors.Newf(errors.ErrorTypeFatalFetch, "unexpected response object %q", list.Object).
			WithDetail("entity", entity)
	}

	c.logger.Debug("page fetched",
		zap.String("entity", entity),
		zap.Int("records", len(list.Data)),
		zap.Bool("has_more", list.HasMore),
		zap.String("starting_after", cursor))

	return &paginator.Page{Records: list.Data, HasMore: list.HasMore}, nil
}

// classify turns a non-200 response into a retryable or fatal fetch error.
// Stripe-Should-Retry, when present, overrides the status code.
func (c *Client) classify(resp *http.Response, body []byte, entity string) error {
	var apiErr errorResponse
	_ = json.Unmarshal(body, &apiErr)

	msg := apiErr.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}

	retryable := resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusConflict ||
		resp.StatusCode >= http.StatusInternalServerError
	switch resp.Header.Get("Stripe-Should-Retry") {
	case "true":
		retryable = true
	case "false":
		retryable = false
	}

	errType := errors.ErrorTypeFatalFetch
	if retryable {
		errType = errors.ErrorTypeRetryableFetch
	}

	err := errors.Newf(errType, "HTTP %d: %s", resp.StatusCode, msg).
		WithDetail("entity", entity).
		WithDetail("status", resp.StatusCode)
	if id := resp.Header.Get("Request-Id"); id != "" {
		err = err.WithDetail("request_id", id)
	}
	if apiErr.Error.Type != "" {
		err = err.WithDetail("stripe_error_type", apiErr.Error.Type)
	}
	if apiErr.Error.Code != "" {
		err = err.WithDetail("stripe_error_code", apiErr.Error.Code)
	}
	if apiErr.Error.Param != "" {
		err = err.WithDetail("param", apiErr.Error.Param)
	}
	return err
}

// EarliestEvent returns the oldest creation time the events feed still
// serves.
func (c *Client) EarliestEvent(context.Context) (int64, error) {
	return c.now().Add(-EventRetention).Unix(), nil
}

// Ping checks the credentials by reading the account balance.
func (c *Client) Ping(ctx context.Context) error {
	u := c.baseURL.JoinPath("v1", "balance")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFatalFetch, "build request")
	}
	if c.config.AccountID != "" {
		req.Header.Set("Stripe-Account", c.config.AccountID)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeRetryableFetch, "ping stripe")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return c.classify(resp, body, "balance")
	}
	return nil
}

// String describes the client without exposing the key.
func (c *Client) String() string {
	return fmt.Sprintf("stripe(%s, account=%q)", c.baseURL.Redacted(), c.config.AccountID)
}
