package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const maxErrorBody = 512

type ClientOptions struct {
	Marketplace Type
	BaseURL     string
	// Interval is the minimum spacing between two requests of one adapter
	Interval        time.Duration
	ThrottleRetries int
	Timeout         time.Duration
	HTTPClient      *http.Client
	// Limiter lets several clients of one adapter share request spacing
	Limiter *rate.Limiter
}

// Client is a JSON-over-HTTP caller with request spacing and retry on 429
type Client struct {
	marketplace Type
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	interval    time.Duration
	retries     int
	headers     http.Header
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewLimiter(opts.Interval)
	}
	return &Client{
		marketplace: opts.Marketplace,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		httpClient:  httpClient,
		limiter:     limiter,
		interval:    opts.Interval,
		retries:     opts.ThrottleRetries,
		headers:     make(http.Header),
		sleep:       sleepContext,
	}
}

// NewLimiter spaces calls at least interval apart; zero disables spacing
func NewLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// SetHeader sets a header sent with every request. Call before first use.
func (c *Client) SetHeader(key, value string) {
	c.headers.Set(key, value)
}

func (c *Client) Limiter() *rate.Limiter {
	return c.limiter
}

func (c *Client) Get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.Do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.Do(ctx, http.MethodPost, path, nil, body, out)
}

// Do sends one request. Throttled responses are retried up to the
// configured count with linearly growing waits, then surface as
// *RateLimitError; other non-2xx responses surface as *APIError.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	endpoint := c.resolve(path)

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		status, respBody, err := c.send(ctx, method, endpoint, query, payload)
		if err != nil {
			return err
		}

		if status == http.StatusTooManyRequests {
			if attempt < c.retries {
				wait := c.interval * time.Duration(attempt+1)
				if wait <= 0 {
					wait = time.Second * time.Duration(attempt+1)
				}
				if err := c.sleep(ctx, wait); err != nil {
					return err
				}
				continue
			}
			return &RateLimitError{
				Marketplace: c.marketplace,
				Endpoint:    path,
				Attempts:    attempt + 1,
				Message:     upstreamMessage(respBody),
			}
		}

		if status < 200 || status >= 300 {
			return &APIError{
				Marketplace: c.marketplace,
				Endpoint:    path,
				StatusCode:  status,
				Message:     upstreamMessage(respBody),
			}
		}

		if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse %s response: %w", path, err)
		}
		return nil
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload []byte) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// upstreamMessage extracts the human readable part of an error body
func upstreamMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
		Detail  string `json:"detail"`
		Title   string `json:"title"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case parsed.Message != "":
			return parsed.Message
		case parsed.Detail != "":
			return parsed.Detail
		case parsed.Title != "":
			return parsed.Title
		}
		switch e := parsed.Error.(type) {
		case string:
			if e != "" {
				return e
			}
		case map[string]any:
			if msg, ok := e["message"].(string); ok && msg != "" {
				return msg
			}
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	return msg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
