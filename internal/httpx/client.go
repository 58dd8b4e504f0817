// Package httpx is the JSON-over-HTTP client discovery providers share.
// Network failures, 429 and 5xx responses are retried with jittered
// exponential backoff; everything else maps straight to a CLI error code.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/drain-cli/internal/errors"
	"github.com/ggonzalez94/drain-cli/internal/logging"
	"github.com/ggonzalez94/drain-cli/internal/version"
	"github.com/sirupsen/logrus"
)

const (
	maxRetryAfter = 5 * time.Second
	maxBodyBytes  = 8 << 20
)

type Client struct {
	httpClient *http.Client
	retries    int
	userAgent  string
	log        logrus.FieldLogger
}

func New(timeout time.Duration, retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		userAgent:  version.UserAgent(),
		log:        logging.Discard(),
	}
}

// WithLogger sets where retry decisions are logged.
func (c *Client) WithLogger(log logrus.FieldLogger) *Client {
	if log != nil {
		c.log = log
	}
	return c
}

// attemptError is one failed try and whether it may be retried.
type attemptError struct {
	err        error
	retryable  bool
	retryAfter time.Duration
}

// GetJSON fetches url with headers and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, url string, headers map[string]string, out any) error {
	log := c.log.WithField("url", redactQuery(url))
	var last attemptError
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt)
			if last.retryAfter > wait {
				wait = last.retryAfter
			}
			log.WithFields(logrus.Fields{"attempt": attempt, "wait": wait.String()}).WithError(last.err).Debug("retrying provider request")
			select {
			case <-ctx.Done():
				return clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctx.Err())
			case <-time.After(wait):
			}
		}

		body, fail := c.get(ctx, url, headers)
		if fail == nil {
			return decodeBody(body, out)
		}
		last = *fail
		if !last.retryable {
			return last.err
		}
	}
	return last.err
}

func (c *Client) get(ctx context.Context, url string, headers map[string]string) ([]byte, *attemptError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &attemptError{err: clierr.Wrap(clierr.CodeInternal, "build request", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &attemptError{err: mapNetError(err), retryable: ctx.Err() == nil}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &attemptError{err: clierr.Wrap(clierr.CodeUnavailable, "read provider response", err), retryable: true}
	}

	switch status := resp.StatusCode; {
	case status >= 200 && status < 300:
		return body, nil
	case status == http.StatusTooManyRequests:
		return nil, &attemptError{
			err:        clierr.New(clierr.CodeRateLimited, withDetail("provider rate limited request", body)),
			retryable:  true,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, &attemptError{err: clierr.New(clierr.CodeAuth, withDetail("provider authentication failed", body))}
	case status >= http.StatusInternalServerError:
		return nil, &attemptError{err: clierr.New(clierr.CodeUnavailable, withDetail(fmt.Sprintf("provider unavailable (status %d)", status), body)), retryable: true}
	default:
		return nil, &attemptError{err: clierr.New(clierr.CodeUnsupported, withDetail(fmt.Sprintf("provider returned status %d", status), body))}
	}
}

func decodeBody(body []byte, out any) error {
	if out == nil {
		return nil
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return clierr.New(clierr.CodeUnavailable, "provider returned empty response")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "decode provider JSON", err)
	}
	return nil
}

// withDetail appends the provider's own error text when the body carries one.
func withDetail(msg string, body []byte) string {
	var payload struct {
		ErrorMessage string `json:"error_message"`
		Message      string `json:"message"`
		Error        any    `json:"error"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return msg
	}
	detail := payload.ErrorMessage
	if detail == "" {
		detail = payload.Message
	}
	if s, ok := payload.Error.(string); ok && detail == "" {
		detail = s
	}
	if detail = strings.TrimSpace(detail); detail == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", msg, detail)
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}

func mapNetError(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return clierr.Wrap(clierr.CodeUnavailable, "provider timeout", err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "provider request failed", err)
}

// redactQuery drops the query string so keys passed as parameters never
// reach the logs.
func redactQuery(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}

func backoff(attempt int) time.Duration {
	base := 120 * time.Millisecond
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	jitter := time.Duration(rand.Intn(75)) * time.Millisecond
	return d + jitter
}
