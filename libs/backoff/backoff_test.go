package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/badgeworks/badge-go/libs/backoff/retrypolicy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func quickPolicy(t *testing.T, attempts int) retrypolicy.Retry {
	p, err := retrypolicy.New(
		retrypolicy.WithInitialInterval(time.Millisecond),
		retrypolicy.WithBackoffCoefficient(1),
		retrypolicy.WithMaximumAttempts(attempts),
		retrypolicy.WithExpirationInterval(time.Second),
	)
	require.NoError(t, err)
	return p
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	operation := func() (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, errTransient
		}
		return "ok", nil
	}

	response, err := Retry(context.Background(), operation, quickPolicy(t, 5),
		func(err error) bool { return errors.Is(err, errTransient) })

	assert.NoError(t, err)
	assert.Equal(t, "ok", response)
	assert.Equal(t, 3, calls)
}

func TestRetry_NonRetriableStopsImmediately(t *testing.T) {
	t.Parallel()

	calls := 0
	operation := func() (interface{}, error) {
		calls++
		return nil, errors.New("fatal")
	}

	_, err := Retry(context.Background(), operation, quickPolicy(t, 5),
		func(err error) bool { return false })

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsPolicy(t *testing.T) {
	t.Parallel()

	calls := 0
	operation := func() (interface{}, error) {
		calls++
		return nil, errTransient
	}

	_, err := Retry(context.Background(), operation, quickPolicy(t, 3),
		func(err error) bool { return true })

	assert.ErrorIs(t, err, errTransient)
	// maximum attempts bounds the retries
	assert.Equal(t, 4, calls)
}

func TestRetry_ContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Retry(ctx, func() (interface{}, error) {
		return nil, errTransient
	}, quickPolicy(t, 3), func(err error) bool { return true })

	assert.ErrorIs(t, err, context.Canceled)
}