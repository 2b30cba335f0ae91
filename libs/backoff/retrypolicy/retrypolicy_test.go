package retrypolicy

import (
	"testing"
	"time"

	testutils "github.com/badgeworks/badge-go/libs/test"
	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_New(t *testing.T) {
	t.Parallel()
	initialInterval := time.Second
	backoffCoefficient := float64(testutils.RandomNonZeroInt(10))
	maximumInterval := time.Second
	expirationInterval := time.Second
	maximumAttempts := testutils.RandomInt()

	retryPolicy, err := New(
		WithInitialInterval(initialInterval),
		WithBackoffCoefficient(backoffCoefficient),
		WithMaximumInterval(maximumInterval),
		WithExpirationInterval(expirationInterval),
		WithMaximumAttempts(maximumAttempts),
	)

	assert.NoError(t, err)
	assert.NotNil(t, retryPolicy)
}

func TestRetryPolicy_New_InvalidOptions(t *testing.T) {
	t.Parallel()
	_, err := New(WithBackoffCoefficient(0.5))
	assert.Error(t, err)

	_, err = New(WithInitialInterval(-time.Second))
	assert.Error(t, err)
}

func TestRetryPolicy_CalculateNextDelay_MaxAttempts(t *testing.T) {
	t.Parallel()
	retryPolicy := policy{
		currentAttempt: 1,
		maximumAttempt: 1,
	}
	assert.Equal(t, Done, retryPolicy.CalculateNextDelay())
}

func TestPolicy_CalculateNextDelay_ElapsedTimeGreaterThanExpirationInterval(t *testing.T) {
	t.Parallel()
	retryPolicy := policy{
		currentAttempt:     0,
		maximumAttempt:     10,
		expirationInterval: time.Second * 10,
		startTime:          time.Now().Add(-time.Second * 11),
	}
	assert.Equal(t, Done, retryPolicy.CalculateNextDelay())
}

func TestPolicy_CalculateNextDelay_NextIntervalIsZero(t *testing.T) {
	t.Parallel()
	retryPolicy := policy{
		currentAttempt:     0,
		maximumAttempt:     1,
		expirationInterval: time.Second * 10,
		startTime:          time.Now(),
		initialInterval:    0,
	}
	assert.Equal(t, Done, retryPolicy.CalculateNextDelay())
}

func TestPolicy_CalculateNextDelay_Exponential(t *testing.T) {
	t.Parallel()

	retryPolicy := &policy{
		initialInterval:    50 * time.Millisecond,
		backoffCoefficient: 2.0,
		maximumInterval:    400 * time.Millisecond,
		expirationInterval: time.Minute,
		maximumAttempt:     5,
		startTime:          time.Now(),
	}

	expected := []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		// capped at the maximum interval
		400 * time.Millisecond,
	}

	for _, want := range expected {
		actual := retryPolicy.CalculateNextDelay()
		// account for jitter subtracting up to 20%
		minimumDuration := time.Duration(0.8 * float64(want))
		assert.GreaterOrEqual(t, actual, minimumDuration)
		assert.LessOrEqual(t, actual, want)
	}

	assert.Equal(t, Done, retryPolicy.CalculateNextDelay())
}

func TestPolicy_CalculateNextDelay_NoRetry(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Done, NoRetry.CalculateNextDelay())
	assert.Equal(t, Done, NoRetry.CalculateNextDelay())
}
