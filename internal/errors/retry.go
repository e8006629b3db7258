package errors

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry runs fn until it succeeds, the context backing interval is
// exhausted, or fn returns a non-retryable error (use
// backoff.Permanent to wrap one). Callers that need to bound total
// wall-clock time should construct interval with backoff.WithMaxElapsedTime.
func Retry(interval backoff.BackOff, fn func() error) error {
	return backoff.Retry(fn, interval)
}

// ConstantRetry is the common case seen throughout the ingestion
// pipeline: retry forever on a fixed interval until fn succeeds.
func ConstantRetry(d time.Duration, fn func() error) error {
	return backoff.Retry(fn, backoff.NewConstantBackOff(d))
}
