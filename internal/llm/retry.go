package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// maxRetryAfter caps how long a Retry-After header can hold a request.
const maxRetryAfter = 5 * time.Minute

// retryAfterBackOff lets a Retry-After header override the next wait of
// the wrapped policy.
type retryAfterBackOff struct {
	backoff.BackOff
	next time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if b.next > 0 {
		d, b.next = b.next, 0
	}
	return d
}

// doWithRetry runs do up to MaxRetries+1 times. It retries transient
// network errors, 408, 429 and 5xx, honours Retry-After and stops on
// ctx cancellation. The returned response, if any, has a non-retryable
// status and an open body.
func (c *client) doWithRetry(
	ctx context.Context,
	body []byte,
	do func(ctx context.Context, body []byte) (*http.Response, error),
) (*http.Response, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.BaseBackoff
	exp.MaxInterval = c.cfg.MaxBackoff
	exp.RandomizationFactor = 0.5
	exp.MaxElapsedTime = 0

	policy := &retryAfterBackOff{BackOff: backoff.WithMaxRetries(exp, uint64(c.cfg.MaxRetries))}
	maxAttempts := c.cfg.MaxRetries + 1

	var (
		resp      *http.Response
		attempt   int
		permanent bool
	)
	operation := func() error {
		attempt++
		start := time.Now()
		r, err := do(ctx, body)

		status := 0
		if r != nil {
			status = r.StatusCode
		}
		c.logger.Debug("llm upstream request",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || !isTransientNetError(err) {
				permanent = true
				return backoff.Permanent(err)
			}
			return err
		}
		if !shouldRetryStatus(status) {
			resp = r
			return nil
		}

		policy.next = parseRetryAfter(r)
		if policy.next > 0 {
			c.logger.Info("honoring Retry-After header",
				zap.Duration("wait", policy.next),
				zap.Int("status", status),
			)
		}
		// close before retrying so the connection can be reused
		if r.Body != nil {
			_ = r.Body.Close()
		}
		return fmt.Errorf("upstream status %d", status)
	}

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	if err == nil {
		return resp, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if permanent {
		return nil, err
	}

	c.logger.Warn("llm request exhausted all retries",
		zap.Int("attempts", attempt),
		zap.Error(err),
	)
	return nil, fmt.Errorf("llm: max retries (%d) exceeded: %w", maxAttempts, err)
}

// isTransientNetError determines whether a network error is worth retrying.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	// dial, read and write failures usually mean the upstream is restarting
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "read", "write":
			return true
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"temporary failure",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// shouldRetryStatus reports whether an HTTP status is worth retrying.
func shouldRetryStatus(status int) bool {
	switch {
	case status == 0,
		status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout:
		return true
	case status >= 500 && status <= 599:
		return true
	default:
		return false
	}
}

// parseRetryAfter extracts the delay from a Retry-After header given in
// seconds or as an HTTP date. Returns 0 if missing or invalid.
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	retryAfter := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if retryAfter == "" {
		return 0
	}

	var d time.Duration
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		d = time.Duration(seconds) * time.Second
	} else if t, err := http.ParseTime(retryAfter); err == nil {
		d = time.Until(t)
	}
	if d <= 0 {
		return 0
	}
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}
