package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Client posts JSON to an internal sidecar service, currently only the
// transactional email relay. Connections are pooled and transient failures
// are retried with linear backoff.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Headers    map[string]string
}

// RequestOptions tunes a single request.
type RequestOptions struct {
	Headers    map[string]string
	Timeout    time.Duration
	Context    context.Context
	Retries    int
	RetryDelay time.Duration
}

func NewClient(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		Headers: map[string]string{
			"Content-Type": "application/json",
			"Accept":       "application/json",
			"User-Agent":   "campusbridge-partner-api/1.0",
		},
	}
}

// Post sends body as JSON and, when result is non-nil, decodes the response
// into it.
func (c *Client) Post(path string, body, result any, opts *RequestOptions) error {
	url := c.BaseURL + path

	if opts == nil {
		opts = &RequestOptions{}
	}
	if opts.Retries == 0 {
		opts.Retries = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 1 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * opts.RetryDelay)
		}

		err := c.executeRequest(url, body, result, opts)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			break
		}
	}

	return fmt.Errorf("request failed after %d attempts: %w", opts.Retries+1, lastErr)
}

// httpStatusError marks non-2xx responses so the retry loop can distinguish
// server-side failures from client mistakes.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("request failed with status code %d: %s", e.status, e.body)
}

func (c *Client) executeRequest(url string, body, result any, opts *RequestOptions) error {
	ctx := context.Background()
	if opts.Context != nil {
		ctx = opts.Context
	} else if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error marshaling request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reqBody)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("error executing request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			fiberlog.Errorf("Error closing response body: %v", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &httpStatusError{status: resp.StatusCode, body: string(bodyBytes)}
	}

	if result == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}
	if err := json.Unmarshal(bodyBytes, result); err != nil {
		return fmt.Errorf("error unmarshaling response: %w", err)
	}

	return nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status >= 500
	}

	return false
}
