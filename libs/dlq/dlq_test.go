package dlq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_NextRetryAt(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	failedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// initial_delay * multiplier^retry_count, capped at max_delay
	assert.Equal(t, failedAt.Add(time.Second), cfg.NextRetryAt(failedAt, 0))
	assert.Equal(t, failedAt.Add(2*time.Second), cfg.NextRetryAt(failedAt, 1))
	assert.Equal(t, failedAt.Add(4*time.Second), cfg.NextRetryAt(failedAt, 2))
	assert.Equal(t, failedAt.Add(8*time.Second), cfg.NextRetryAt(failedAt, 3))
	assert.Equal(t, failedAt.Add(16*time.Second), cfg.NextRetryAt(failedAt, 4))
	assert.Equal(t, failedAt.Add(30*time.Second), cfg.NextRetryAt(failedAt, 5))
	// stays capped well past the knee
	assert.Equal(t, failedAt.Add(30*time.Second), cfg.NextRetryAt(failedAt, 20))
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	assert.Equal(t, time.Second, cfg.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
	assert.Equal(t, 5, cfg.MaxRetries)
}
