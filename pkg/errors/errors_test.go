package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New(ErrorTypeValidation, "test message")

	assert.Equal(t, ErrorTypeValidation, err.Type)
	assert.Equal(t, "test message", err.Message)
	assert.Equal(t, http.StatusBadRequest, err.StatusCode)
	assert.Empty(t, err.Details)
	assert.Nil(t, err.Cause)
}

func TestErrorString(t *testing.T) {
	err := New(ErrorTypeValidation, "test message")
	assert.Equal(t, "validation_error: test message", err.Error())

	err.WithDetails("extra info")
	assert.Equal(t, "validation_error: test message (extra info)", err.Error())
}

func TestWrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(cause, ErrorTypeTransientStorage, "wrapped")

	assert.Equal(t, ErrorTypeTransientStorage, err.Type)
	assert.Equal(t, http.StatusServiceUnavailable, err.StatusCode)
	require.Same(t, cause, err.Cause)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestWrapf(t *testing.T) {
	cause := errors.New("boom")
	err := Wrapf(cause, ErrorTypeConflict, "row %d lost the race", 7)
	assert.Equal(t, "row 7 lost the race", err.Message)
}

func TestWithDetails(t *testing.T) {
	err := New(ErrorTypeNotFound, "job missing")
	got := err.WithDetails("job_id=01ABC")
	assert.Same(t, err, got)
	assert.Equal(t, "job_id=01ABC", err.Details)
}

func TestWithDetailsf(t *testing.T) {
	err := New(ErrorTypeConflict, "race")
	err.WithDetailsf("attempt %d", 3)
	assert.Equal(t, "attempt 3", err.Details)
}

func TestStatusCodeMapping(t *testing.T) {
	cases := []struct {
		t    ErrorType
		want int
	}{
		{ErrorTypeValidation, http.StatusBadRequest},
		{ErrorTypeAuthRejected, http.StatusUnauthorized},
		{ErrorTypeNotFound, http.StatusNotFound},
		{ErrorTypeConflict, http.StatusConflict},
		{ErrorTypeTransientStorage, http.StatusServiceUnavailable},
		{ErrorTypeForbidden, http.StatusForbidden},
		{ErrorTypeInternal, http.StatusInternalServerError},
		{ErrorTypeTransportUnavailable, http.StatusInternalServerError},
	}

	for _, c := range cases {
		err := New(c.t, "msg")
		assert.Equal(t, c.want, err.StatusCode, "type %s", c.t)
	}
}

func TestPredefinedConstructors(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, NewValidationError("bad argv").StatusCode)
	assert.Equal(t, "job not found", NewNotFoundError("job").Message)
	assert.Equal(t, http.StatusUnauthorized, NewAuthRejectedError("bad sig").StatusCode)

	dbErr := NewTransientStorageError("jobs_assign_one", errors.New("timeout"))
	assert.Equal(t, "storage operation failed: jobs_assign_one", dbErr.Message)
	assert.Equal(t, http.StatusServiceUnavailable, dbErr.StatusCode)
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypeConflict, "race")
	assert.True(t, IsType(err, ErrorTypeConflict))
	assert.False(t, IsType(err, ErrorTypeNotFound))
	assert.False(t, IsType(errors.New("plain"), ErrorTypeConflict))
	assert.False(t, IsType(nil, ErrorTypeConflict))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(ErrorTypeConflict, "x")))
	assert.True(t, Retryable(New(ErrorTypeTransientStorage, "x")))
	assert.False(t, Retryable(New(ErrorTypeValidation, "x")))
	assert.False(t, Retryable(errors.New("plain")))
}
