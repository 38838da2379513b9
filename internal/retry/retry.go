// Package retry provides bounded retry with fixed backoff for
// network-bound operations.
package retry

import (
	"context"
	"time"
)

// Policy bounds how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	Delay       time.Duration // fixed inter-attempt delay
}

// Do runs op until it succeeds, the policy is exhausted, or the context is
// done. The last error is returned after exhaustion.
func Do(ctx context.Context, policy Policy, op func(context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(policy.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err = op(ctx); err == nil {
			return nil
		}
	}
	return err
}
