package badge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Lifecycle(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusDraft.CanTransition(StatusActive))
	assert.True(t, StatusActive.CanTransition(StatusInactive))
	assert.True(t, StatusInactive.CanTransition(StatusArchived))
	assert.True(t, StatusInactive.CanTransition(StatusActive))

	// no shortcuts and no resurrection
	assert.False(t, StatusDraft.CanTransition(StatusArchived))
	assert.False(t, StatusActive.CanTransition(StatusArchived))
	assert.False(t, StatusArchived.CanTransition(StatusActive))
	assert.False(t, StatusActive.CanTransition(StatusDraft))
}

func TestType_Stackable(t *testing.T) {
	t.Parallel()
	assert.True(t, TypeStackable.Stackable())
	assert.False(t, TypeNormal.Stackable())
	assert.False(t, TypeLimited.Stackable())
	assert.False(t, TypeConsumable.Stackable())
}

func TestValidityConfig_ExpiresAt(t *testing.T) {
	t.Parallel()
	acquired := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	permanent := ValidityConfig{Kind: ValidityPermanent}
	assert.Nil(t, permanent.ExpiresAt(acquired))

	relative := ValidityConfig{Kind: ValidityRelativeDays, Days: 30}
	expires := relative.ExpiresAt(acquired)
	require.NotNil(t, expires)
	assert.Equal(t, acquired.AddDate(0, 0, 30), *expires)

	until := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	window := ValidityConfig{Kind: ValidityAbsoluteWindow, To: &until}
	expires = window.ExpiresAt(acquired)
	require.NotNil(t, expires)
	assert.Equal(t, until, *expires)
}

func TestValidityConfig_RoundTrip(t *testing.T) {
	t.Parallel()

	vc := ValidityConfig{Kind: ValidityRelativeDays, Days: 7}
	value, err := vc.Value()
	require.NoError(t, err)

	var scanned ValidityConfig
	require.NoError(t, scanned.Scan(value))
	assert.Equal(t, vc, scanned)
}
