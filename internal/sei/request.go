package sei

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 2 * time.Second
	defaultRetryMaxDelay  = 10 * time.Second
	defaultRateLimitPause = 5 * time.Second
)

// request executes one API call through the shared concurrency semaphore
// with bounded retry. Transient failures (network errors, 5xx, and 4xx
// without a recognized classification) consume attempts with exponential
// backoff; 401 invalidates the credential so the next attempt
// re-authenticates; 429 pauses before the next attempt. The two permanent
// classifications return immediately without retry.
func (c *Client) request(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	var lastErr error
	delay := c.retryBaseDelay

	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		if attempt > 1 {
			c.logger.Warn("retrying request",
				"method", method, "path", path, "attempt", attempt, "error", lastErr)
			if err := sleepContext(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
			if delay > c.retryMaxDelay {
				delay = c.retryMaxDelay
			}
		}

		token, err := c.creds.Token(ctx)
		if err != nil {
			// Login failure is fatal to the run, never retried per record.
			return nil, err
		}

		body, status, err := c.do(ctx, method, path, query, token)
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case status >= 200 && status <= 299:
			return body, nil

		case status == http.StatusUnauthorized:
			c.creds.Invalidate()
			lastErr = fmt.Errorf("token rejected (status 401)")
			continue

		case status == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("rate limited (status 429)")
			if err := sleepContext(ctx, c.rateLimitPause); err != nil {
				return nil, err
			}
			continue

		case status >= 500:
			lastErr = &APIError{Status: status, Message: truncate(string(body), 300)}
			continue

		default:
			// 4xx: permanent classifications come from the structured body;
			// anything else consumes the retry budget like a 5xx.
			if classified := classifyBody(status, body); classified != nil {
				return nil, classified
			}
			lastErr = &APIError{Status: status, Message: truncate(string(body), 300)}
			continue
		}
	}

	if apiErr, ok := lastErr.(*APIError); ok {
		return nil, apiErr
	}
	return nil, &APIError{Message: fmt.Sprintf("request failed after %d attempts: %v", c.retryAttempts, lastErr)}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, token string) ([]byte, int, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("token", token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, 0, fmt.Errorf("read response body: %w", readErr)
	}

	return body, resp.StatusCode, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
