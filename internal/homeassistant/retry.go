// Package homeassistant syncs Home Assistant todo lists. An [Adapter] wraps
// the go-ha-client REST and WebSocket APIs with a bounded-retry helper, and
// a [Source] exposes the lists to the sync engine as calendars, tracking
// changes against a shadow copy kept in the local cache.
package homeassistant

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// defaultMaxAttempts is the number of tries before Retry gives up.
	defaultMaxAttempts = 3

	// baseDelay is the starting backoff interval (before jitter).
	baseDelay = 500 * time.Millisecond

	// maxDelay caps the backoff interval.
	maxDelay = 5 * time.Second
)

// newBackOff returns the exponential policy used between attempts: doubling
// from baseDelay up to maxDelay with ±50 % jitter.
func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return b
}

// Retry executes fn up to maxAttempts times with exponential backoff and
// jitter. Errors wrapped with [backoff.Permanent] stop the loop immediately.
// It returns nil on the first successful call, or a wrapped error containing
// the last failure.
func Retry(ctx context.Context, maxAttempts int, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("retry cancelled: %w", err)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	_, err := backoff.Retry(ctx,
		func() (struct{}, error) { return struct{}{}, fn() },
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
	if err != nil {
		return fmt.Errorf("gave up after at most %d attempts: %w", maxAttempts, err)
	}
	return nil
}
