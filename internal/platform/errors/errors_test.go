package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	cause := fmt.Errorf("redis: connection refused")

	tests := []struct {
		name       string
		err        *Error
		wantType   ErrorType
		wantStatus int
	}{
		{"validation", ValidationError("invalid event", nil), TypeValidation, http.StatusBadRequest},
		{"unauthorized", UnauthorizedError("missing api key"), TypeUnauthorized, http.StatusUnauthorized},
		{"not found", NotFoundError("unknown channel"), TypeNotFound, http.StatusNotFound},
		{"rate limited", RateLimitedError("slow down"), TypeRateLimited, http.StatusTooManyRequests},
		{"internal", InternalError("dispatch failed", cause), TypeInternal, http.StatusInternalServerError},
		{"unavailable", UnavailableError("redis down", cause), TypeUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, tt.err.Type)
			assert.Equal(t, tt.wantStatus, tt.err.HTTPStatus())
			assert.NotNil(t, tt.err.Context)
			assert.Contains(t, tt.err.Error(), string(tt.wantType))
		})
	}
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "validation: bad input", ValidationError("bad input", nil).Error())
	assert.Equal(t, "internal: wrapper: underlying", InternalError("wrapper", fmt.Errorf("underlying")).Error())
}

func TestUnknownTypeIsInternal(t *testing.T) {
	err := &Error{Type: ErrorType("mystery")}
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus())
}

func TestWithContext(t *testing.T) {
	err := ValidationError("invalid event", nil).
		WithContext("type", "carbon_update").
		WithContext("field", "userId")

	assert.Equal(t, map[string]any{"type": "carbon_update", "field": "userId"}, err.Context)

	resp := err.ToResponse()
	assert.Equal(t, "invalid event", resp.Error)
	assert.Equal(t, TypeValidation, resp.Type)
	assert.Equal(t, "userId", resp.Context["field"])
}

func TestWithContextNilMap(t *testing.T) {
	err := (&Error{Type: TypeValidation, Message: "test"}).WithContext("key", "value")
	assert.Equal(t, "value", err.Context["key"])
}

func TestUnwrapAndIs(t *testing.T) {
	root := fmt.Errorf("root")
	err := UnavailableError("wrapped", root)

	assert.Equal(t, root, errors.Unwrap(err))
	assert.ErrorIs(t, err, root)
	assert.Nil(t, errors.Unwrap(NotFoundError("x")))
}

func TestAsStructuredError(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, AsStructuredError(nil))
	})

	t.Run("structured", func(t *testing.T) {
		original := NotFoundError("unknown channel")
		assert.Same(t, original, AsStructuredError(original))
	})

	t.Run("wrapped structured", func(t *testing.T) {
		wrapped := fmt.Errorf("handler: %w", ValidationError("bad", nil))
		result := AsStructuredError(wrapped)
		require.NotNil(t, result)
		assert.Equal(t, TypeValidation, result.Type)
	})

	t.Run("plain", func(t *testing.T) {
		original := fmt.Errorf("boom")
		result := AsStructuredError(original)
		assert.Equal(t, TypeInternal, result.Type)
		assert.Equal(t, "internal server error", result.Message)
		assert.Equal(t, original, result.Cause)
	})
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status   int
		message  string
		wantType ErrorType
		wantMsg  string
	}{
		{http.StatusBadRequest, "bad json", TypeValidation, "bad json"},
		{http.StatusUnsupportedMediaType, "", TypeValidation, "Unsupported Media Type"},
		{http.StatusUnauthorized, "", TypeUnauthorized, "Unauthorized"},
		{http.StatusForbidden, "nope", TypeUnauthorized, "nope"},
		{http.StatusNotFound, "", TypeNotFound, "Not Found"},
		{http.StatusMethodNotAllowed, "", TypeNotFound, "Method Not Allowed"},
		{http.StatusTooManyRequests, "", TypeRateLimited, "Too Many Requests"},
		{http.StatusServiceUnavailable, "", TypeUnavailable, "Service Unavailable"},
		{http.StatusInternalServerError, "", TypeInternal, "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := FromStatus(tt.status, tt.message)
			assert.Equal(t, tt.wantType, err.Type)
			assert.Equal(t, tt.wantMsg, err.Message)
		})
	}
}
