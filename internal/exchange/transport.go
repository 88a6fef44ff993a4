package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/avolkov/marketharvest/internal/ratelimit"
)

const defaultRetryAfter = 5 * time.Second

// transport performs rate-limited GETs with retry. Every call acquires the
// endpoint's declared weight from the venue limiter before touching the wire.
type transport struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	maxRetries int
	log        *logrus.Entry
}

func newTransport(limiter *ratelimit.Limiter, timeout time.Duration, maxRetries int, log *logrus.Entry) *transport {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &transport{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		maxRetries: maxRetries,
		log:        log,
	}
}

// getJSON fetches base+path and decodes the body into out. Transient failures
// are retried with exponential backoff up to the retry ceiling; rate-limit
// responses sleep exactly the server's advertised cool-down and do not count
// extra backoff. Definitive errors return immediately.
func (t *transport) getJSON(ctx context.Context, base, path string, params url.Values, weight int, headers http.Header, out interface{}) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		err := t.doOnce(ctx, base, path, params, weight, headers, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var fe *FetchError
		if !errors.As(err, &fe) || fe.Kind == KindDefinitive {
			return err
		}
		if attempt == t.maxRetries {
			break
		}

		delay := bo.NextBackOff()
		if fe.Kind == KindRateLimited {
			delay = fe.RetryAfter
			t.log.WithFields(logrus.Fields{
				"endpoint":    path,
				"retry_after": delay.String(),
			}).Warn("Rate limit response, honoring server cool-down")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

func (t *transport) doOnce(ctx context.Context, base, path string, params url.Values, weight int, headers http.Header, out interface{}) error {
	if err := t.limiter.Acquire(ctx, weight); err != nil {
		return err
	}

	u := base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &FetchError{Kind: KindDefinitive, Endpoint: path, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &FetchError{Kind: KindTransient, Endpoint: path, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			t.log.WithError(cerr).Debug("Error closing response body")
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &FetchError{Kind: KindTransient, Endpoint: path, StatusCode: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		// 418 is Binance's IP-ban escalation of 429.
		return &FetchError{
			Kind:       KindRateLimited,
			Endpoint:   path,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header),
		}
	case resp.StatusCode >= 500:
		return &FetchError{
			Kind:       KindTransient,
			Endpoint:   path,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("server error: %s", truncate(body, 200)),
		}
	case resp.StatusCode >= 400:
		return &FetchError{
			Kind:       KindDefinitive,
			Endpoint:   path,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("client error: %s", truncate(body, 200)),
		}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return &FetchError{Kind: KindTransient, Endpoint: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

func parseRetryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultRetryAfter
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
