package k8s

import (
	"context"
	"log"
	"strings"
	"time"
)

// Default retry parameters for cluster calls.
const (
	DefaultAttempts  = 3
	DefaultBaseDelay = time.Second
)

// retryablePatterns are the transient cluster failure signatures worth
// retrying. Anything else propagates on first occurrence.
var retryablePatterns = []string{
	"connection refused",
	"connection timed out",
	"connection reset",
	"i/o timeout",
	"temporarily unavailable",
	"service unavailable",
	"too many requests",
	"etcd cluster unavailable",
}

// IsRetryable reports whether the error matches a known transient failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Retry runs op up to maxAttempts times, sleeping baseDelay * attempt between
// retryable failures (linear backoff). Non-retryable errors propagate
// immediately; after the attempt budget the last error propagates. The sleep
// honors context cancellation.
func Retry(ctx context.Context, name string, maxAttempts int, baseDelay time.Duration, op func() error) error {
	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		last = op()
		if last == nil {
			return nil
		}
		if !IsRetryable(last) {
			return last
		}
		if attempt == maxAttempts {
			break
		}

		delay := baseDelay * time.Duration(attempt)
		log.Printf("Retrying %s in %s after attempt %d: %v", name, delay, attempt, last)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return last
}
