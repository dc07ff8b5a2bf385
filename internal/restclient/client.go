package restclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"arbitrage/pkg/ratelimit"
	"arbitrage/pkg/retry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Signer computes the auth signature (and any extra headers/params) for
// one signed request. Venues differ in canonical form: HMAC-SHA256 over
// a sorted query string with a timestamp+recvWindow (one family) versus
// HMAC-SHA512 over "method\npath\nquery\nbody\ntimestamp" (the other).
// Both are expressed as a Signer so the REST client stays
// venue-agnostic.
type Signer interface {
	// Sign returns the extra query/form params and headers a signed
	// request needs, given the request's method, path, query params
	// (an unsorted url.Values; each signer orders them itself), and body.
	Sign(method, path string, params url.Values, body []byte) (extraParams url.Values, headers http.Header, err error)
}

// EndpointConfig overrides the per-endpoint timeout/retry/rate-limit
// category.
type EndpointConfig struct {
	Timeout      time.Duration
	RetryConfig  retry.Config
	RateCategory string
}

// Client is the venue-agnostic REST client: signed/unsigned calls with
// per-endpoint timeouts, retries, and rate limiting.
type Client struct {
	baseURL string
	signer  Signer
	http    *http.Client
	limiter *ratelimit.MultiLimiter
	venue   string

	defaultTimeout time.Duration
	defaultRetry   retry.Config
}

// New builds a Client for one venue base URL. signer may be nil for
// venues where every call used by this module is unsigned.
func New(venue, baseURL string, signer Signer, limiter *ratelimit.MultiLimiter) *Client {
	return &Client{
		venue:          venue,
		baseURL:        strings.TrimRight(baseURL, "/"),
		signer:         signer,
		http:           GlobalHTTPClient(),
		limiter:        limiter,
		defaultTimeout: 10 * time.Second,
		defaultRetry:   retry.DefaultConfig(),
	}
}

// Get issues a signed or unsigned GET and returns the raw response body.
func (c *Client) Get(ctx context.Context, path string, params url.Values, signed bool, cfg EndpointConfig) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, params, nil, signed, cfg)
}

// Post issues a signed or unsigned POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, params url.Values, body interface{}, signed bool, cfg EndpointConfig) ([]byte, error) {
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal body: %w", c.venue, err)
		}
		raw = b
	}
	return c.do(ctx, http.MethodPost, path, params, raw, signed, cfg)
}

// Delete issues a signed DELETE.
func (c *Client) Delete(ctx context.Context, path string, params url.Values, signed bool, cfg EndpointConfig) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, path, params, nil, signed, cfg)
}

// Decode unmarshals a raw response body into out using the same fast
// JSON codec the hot ingest path uses.
func Decode(raw []byte, out interface{}) error {
	return json.Unmarshal(raw, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body []byte, signed bool, cfg EndpointConfig) ([]byte, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = c.defaultTimeout
	}
	if cfg.RetryConfig.MaxRetries == 0 && cfg.RetryConfig.InitialDelay == 0 {
		cfg.RetryConfig = c.defaultRetry
	}
	if cfg.RateCategory == "" {
		cfg.RateCategory = "default"
	}
	if cfg.RetryConfig.RetryIf == nil {
		// Business/Permanent wrappers must short-circuit the retry loop.
		cfg.RetryConfig.RetryIf = retry.IsRetryable
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, cfg.RateCategory); err != nil {
			return nil, fmt.Errorf("%s: rate limit wait: %w", c.venue, err)
		}
	}

	if params == nil {
		params = url.Values{}
	}

	return retry.DoWithResult(ctx, func() ([]byte, error) {
		return c.attempt(ctx, method, path, params, body, signed, cfg)
	}, cfg.RetryConfig)
}

func (c *Client) attempt(ctx context.Context, method, path string, params url.Values, body []byte, signed bool, cfg EndpointConfig) ([]byte, error) {
	reqParams := cloneValues(params)
	var headers http.Header

	if signed {
		if c.signer == nil {
			return nil, retry.Permanent(fmt.Errorf("%s: signed call with no signer configured", c.venue))
		}
		extra, h, err := c.signer.Sign(method, path, reqParams, body)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("%s: sign: %w", c.venue, err))
		}
		for k, vs := range extra {
			for _, v := range vs {
				reqParams.Set(k, v)
			}
		}
		headers = h
	}

	reqURL := c.baseURL + path
	var bodyReader io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		if q := reqParams.Encode(); q != "" {
			reqURL += "?" + q
		}
	} else if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%s: build request: %w", c.venue, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, retry.Temporary(fmt.Errorf("%s: %s %s: %w", c.venue, method, path, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Temporary(fmt.Errorf("%s: read body: %w", c.venue, err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
		return nil, retry.Temporary(fmt.Errorf("%s: rate limited (status %d): %s", c.venue, resp.StatusCode, truncate(respBody)))
	case resp.StatusCode >= 500:
		return nil, retry.Temporary(fmt.Errorf("%s: server error (status %d): %s", c.venue, resp.StatusCode, truncate(respBody)))
	case resp.StatusCode >= 400:
		// 4xx is a deterministic business error, never retried; the
		// caller classifies it further from the decoded body.
		return respBody, retry.Business(fmt.Errorf("%s: client error (status %d): %s", c.venue, resp.StatusCode, truncate(respBody)))
	}

	return respBody, nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		cp := make([]string, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}

// SortedQueryString returns params encoded as key=value pairs joined by
// "&", sorted by key: the canonical form both venue signature schemes
// in this module sign over.
func SortedQueryString(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range params[k] {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, "&")
}

// Timestamp returns the current Unix millisecond timestamp as a string,
// the form both venues in this module expect.
func Timestamp(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10)
}
