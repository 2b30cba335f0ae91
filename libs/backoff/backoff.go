// Package backoff executes operations under a retry policy. Outbound
// dispatches (benefit grants) run through Retry so transient downstream
// failures do not surface as failed grants.
package backoff

import (
	"context"
	"time"

	"github.com/badgeworks/badge-go/libs/backoff/retrypolicy"
)

type (
	// RetryFunc defines a retry function
	RetryFunc func(ctx context.Context, operation Operation, retryPolicy retrypolicy.Retry, IsRetriable IsRetriable) (interface{}, error)

	// Operation the operation to be executed with retry
	Operation func() (interface{}, error)

	// IsRetriable a function to determine if an error caused by the executed operation is retriable
	IsRetriable func(error) bool
)

// Retry executes the given Operation until it succeeds, the policy is
// exhausted, the error is not retriable, or the context ends. The wait
// between attempts is interruptible: shutdown does not sit out a delay.
func Retry(ctx context.Context, operation Operation, retryPolicy retrypolicy.Retry, IsRetriable IsRetriable) (interface{}, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		response, err := operation()
		if err == nil {
			return response, nil
		}

		if !IsRetriable(err) {
			return nil, err
		}

		next := retryPolicy.CalculateNextDelay()
		if next == retrypolicy.Done {
			return nil, err
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
