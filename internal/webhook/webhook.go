// Package webhook posts JSON envelopes to HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	userAgent = "evolution-gateway"
	maxAnswer = 1 << 20
)

// StatusError reports a non-2xx answer.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook %s: status %d", e.URL, e.Status)
}

type Options struct {
	Timeout time.Duration
	// Retries is the number of extra attempts after the first failure.
	Retries         int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	HTTPClient      *http.Client
}

type Client struct {
	http    *http.Client
	retries int
	initial time.Duration
	max     time.Duration
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	initial := opts.InitialInterval
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	maxInterval := opts.MaxInterval
	if maxInterval <= 0 {
		maxInterval = 5 * time.Second
	}
	return &Client{http: hc, retries: opts.Retries, initial: initial, max: maxInterval}
}

// Post sends body as JSON. Any 2xx answer is a success.
func (c *Client) Post(ctx context.Context, url string, headers map[string]string, body any) error {
	return c.PostJSON(ctx, url, headers, body, nil)
}

// PostJSON is Post that decodes a 2xx JSON answer into out when out is
// not nil.
func (c *Client) PostJSON(ctx context.Context, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}
	if c.retries <= 0 {
		return c.post(ctx, url, headers, payload, out)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initial
	bo.MaxInterval = c.max
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.retries)), ctx)
	return backoff.Retry(func() error {
		return c.post(ctx, url, headers, payload, out)
	}, policy)
}

func (c *Client) post(ctx context.Context, url string, headers map[string]string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &StatusError{URL: url, Status: resp.StatusCode}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}
	err = json.NewDecoder(io.LimitReader(resp.Body, maxAnswer)).Decode(out)
	if err != nil && !errors.Is(err, io.EOF) {
		return backoff.Permanent(fmt.Errorf("decode answer from %s: %w", url, err))
	}
	return nil
}
