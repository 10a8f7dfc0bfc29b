package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameworkErrorMessageIncludesOpKindAndID(t *testing.T) {
	err := NewFrameworkError("register", KindAlreadyExists, "svc-1", "service already registered", ErrAlreadyExists)
	assert.Contains(t, err.Error(), "register")
	assert.Contains(t, err.Error(), "ALREADY_EXISTS")
	assert.Contains(t, err.Error(), "svc-1")
}

func TestKindExtractsFromWrappedFrameworkError(t *testing.T) {
	inner := NewFrameworkError("send", KindTimeout, "", "deadline exceeded", ErrTimeout)
	wrapped := fmt.Errorf("call failed: %w", inner)

	assert.Equal(t, KindTimeout, Kind(wrapped))
	assert.Equal(t, ErrorKind(""), Kind(errors.New("plain")))
}

func TestFrameworkErrorUnwrapsToSentinel(t *testing.T) {
	err := NewFrameworkError("get", KindNotFound, "svc-2", "missing", ErrNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFound(err))
}

func TestIsRetryableCoversTransientKindsOnly(t *testing.T) {
	assert.True(t, IsRetryable(NewFrameworkError("x", KindConnectionError, "", "", nil)))
	assert.True(t, IsRetryable(NewFrameworkError("x", KindTimeout, "", "", nil)))
	assert.True(t, IsRetryable(NewFrameworkError("x", KindWorkerError, "", "", nil)))
	assert.False(t, IsRetryable(NewFrameworkError("x", KindValidation, "", "", nil)))
	assert.False(t, IsRetryable(NewFrameworkError("x", KindNotFound, "", "", nil)))
	assert.True(t, IsRetryable(fmt.Errorf("bare wrap: %w", ErrTimeout)))
}

func TestPredicatesMatchSentinelsWithoutFrameworkError(t *testing.T) {
	assert.True(t, IsAlreadyExists(fmt.Errorf("dup: %w", ErrAlreadyExists)))
	assert.True(t, IsValidation(fmt.Errorf("bad: %w", ErrValidation)))
	assert.False(t, IsAlreadyExists(ErrNotFound))
}
