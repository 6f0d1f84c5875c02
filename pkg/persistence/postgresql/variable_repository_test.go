package postgresql

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryOnVersionCollision_RetriesUntilSuccess(t *testing.T) {
	calls := 0

	err := retryOnVersionCollision(setVariableAttempts, func() error {
		calls++
		if calls < 3 {
			return &pq.Error{Code: "23505"}
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryOnVersionCollision_GivesUpAfterBound(t *testing.T) {
	calls := 0
	collision := &pq.Error{Code: "23505"}

	err := retryOnVersionCollision(setVariableAttempts, func() error {
		calls++

		return collision
	})

	require.Error(t, err)
	assert.Equal(t, setVariableAttempts, calls)
	assert.True(t, isUniqueViolation(err))
}

func TestRetryOnVersionCollision_OtherErrorsFailFast(t *testing.T) {
	calls := 0
	down := errors.New("connection refused")

	err := retryOnVersionCollision(setVariableAttempts, func() error {
		calls++

		return down
	})

	require.ErrorIs(t, err, down)
	assert.Equal(t, 1, calls)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert failed: %w", &pq.Error{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "40001"}))
	assert.False(t, isUniqueViolation(errors.New("not a pq error")))
}
