package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorBundle_WrapsCause(t *testing.T) {
	t.Parallel()

	wrapped := New(ErrQuotaExhausted, "badge supply spent", map[string]int{"badgeId": 7})

	assert.True(t, errors.Is(wrapped, ErrQuotaExhausted))
	assert.Equal(t, "badge supply spent", wrapped.Error())

	var bundle *ErrorBundle
	assert.True(t, errors.As(wrapped, &bundle))
	assert.NotNil(t, bundle.Data())
	assert.Contains(t, bundle.DataToString(), "badgeId")
}

func TestValidation(t *testing.T) {
	t.Parallel()

	err := Validation("quantity", "must be positive")
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "quantity")

	assert.False(t, IsValidation(ErrNotFound))
}

func TestRetriable(t *testing.T) {
	t.Parallel()

	assert.True(t, Retriable(ErrLockConflict))
	assert.True(t, Retriable(ErrCircuitOpen))
	assert.True(t, Retriable(Wrap(ErrLockConflict, "row locked")))
	assert.False(t, Retriable(ErrQuotaExhausted))
}

func TestMultiError(t *testing.T) {
	t.Parallel()

	var me MultiError
	assert.Zero(t, me.Count())

	me.Append(ErrNotFound)
	me.Append(ErrConflict)
	assert.Equal(t, 2, me.Count())
	assert.Contains(t, me.Error(), "not found")
	assert.Contains(t, me.Error(), "conflict")
}
