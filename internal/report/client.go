// Package report sends interaction events and push tokens to the E-goi API.
//
// Calls are never made inline: Reporter and Registrar persist a job in the
// outbox and the outbox worker performs the HTTP request with bounded retry.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"egoipush/internal/metrics"
	"egoipush/internal/outbox"
	logx "egoipush/pkg/logx"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL   = "https://api.egoiapp.com/push/apps/"
	DefaultUserAgent = "E-goi"
	OS               = "android"
)

var (
	ErrNotConfigured = errors.New("app id and api key are required")
	ErrRejected      = errors.New("api did not confirm success")
)

// StatusError is returned for any HTTP status other than 202.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("invalid response from server %d", e.Code) }

type ClientConfig struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	// RatePerSec caps outbound requests. 0 disables limiting.
	RatePerSec int
}

// Client is the HTTP transport shared by Reporter and Registrar.
type Client struct {
	base    string
	ua      string
	hc      *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	m       *metrics.Metrics
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption { return func(c *Client) { c.hc = hc } }

func WithClientLogger(log logx.Logger) ClientOption { return func(c *Client) { c.log = log } }

func WithClientMetrics(m *metrics.Metrics) ClientOption { return func(c *Client) { c.m = m } }

func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		base: base,
		ua:   ua,
		hc:   &http.Client{Timeout: timeout},
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(logx.String("comp", "report"))
	return c
}

// Endpoint returns the URL of an app-scoped endpoint.
func (c *Client) Endpoint(appID, name string) string {
	return c.base + url.PathEscape(appID) + "/" + name
}

// Post sends body to the app endpoint. Success is HTTP 202 with
// {"success": true}; anything else is an error. 429 and 503 responses carrying
// Retry-After are wrapped with outbox.RetryAfter.
func (c *Client) Post(ctx context.Context, appID, apiKey, endpoint string, body any) error {
	if appID == "" || apiKey == "" {
		return outbox.NoRetry(ErrNotConfigured)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return outbox.NoRetry(fmt.Errorf("encode %s body: %w", endpoint, err))
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(appID, endpoint), bytes.NewReader(b))
	if err != nil {
		return outbox.NoRetry(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Apikey", apiKey)

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		c.m.ObserveHTTP(endpoint, "error", time.Since(start).Seconds())
		return fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	c.m.ObserveHTTP(endpoint, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusAccepted {
		serr := &StatusError{Code: resp.StatusCode}
		if d, ok := retryAfter(resp); ok {
			return outbox.RetryAfter(serr, d)
		}
		return serr
	}

	var result struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("%w: malformed body: %v", ErrRejected, err)
	}
	if !result.Success {
		return ErrRejected
	}
	return nil
}

func retryAfter(resp *http.Response) (time.Duration, bool) {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0, false
	}
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
