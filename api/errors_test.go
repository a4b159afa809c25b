package api

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorUnwrapsToSentinel(t *testing.T) {
	err := NewError(ErrCodeAlreadyExists, "route already registered").WithContext("path", "/healthz")
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "route already registered (context: map[path:/healthz])", err.Error())

	var apiErr *Error
	assert.True(t, errors.As(error(err), &apiErr))
	assert.Equal(t, ErrCodeAlreadyExists, apiErr.Code)
}

func TestErrorWithoutContext(t *testing.T) {
	err := &Error{Code: ErrCodeInternal, Message: "internal"}
	assert.Equal(t, "internal", err.Error())
	assert.NoError(t, err.Unwrap())

	err.WithContext("worker", 3)
	assert.Equal(t, 3, err.Context["worker"])
}
