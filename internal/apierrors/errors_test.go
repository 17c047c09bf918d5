package apierrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeValidation, http.StatusUnprocessableEntity},
		{CodeForbidden, http.StatusForbidden},
		{CodeNotFound, http.StatusNotFound},
		{CodeBackendUnavailable, http.StatusServiceUnavailable},
		{CodeEmbedUnavailable, http.StatusServiceUnavailable},
		{CodeTimeout, http.StatusGatewayTimeout},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeInternal, http.StatusInternalServerError},
		{Code("SOMETHING_ELSE"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.code))
		})
	}
}

func TestFromErrorClassification(t *testing.T) {
	t.Run("coded error passes through", func(t *testing.T) {
		orig := NotFound("episodic record", "abc")
		got := FromError(fmt.Errorf("lookup: %w", orig))
		require.NotNil(t, got)
		assert.Equal(t, CodeNotFound, got.Code)
		assert.Contains(t, got.Message, "abc")
	})

	t.Run("deadline becomes TIMEOUT", func(t *testing.T) {
		got := FromError(fmt.Errorf("vector search: %w", context.DeadlineExceeded))
		assert.Equal(t, CodeTimeout, got.Code)
	})

	t.Run("cancellation becomes TIMEOUT", func(t *testing.T) {
		got := FromError(context.Canceled)
		assert.Equal(t, CodeTimeout, got.Code)
	})

	t.Run("unknown error becomes INTERNAL", func(t *testing.T) {
		got := FromError(errors.New("boom"))
		assert.Equal(t, CodeInternal, got.Code)
		// The cause is preserved for the log line but not the message.
		assert.Equal(t, "internal error", got.Message)
		assert.ErrorContains(t, got, "boom")
	})
}

func TestWithDetail(t *testing.T) {
	err := Validation("invalid body", nil).
		WithDetail("score", "must be between 0 and 1").
		WithDetail("limit", "must be between 1 and 50")
	assert.Len(t, err.Detail, 2)
	assert.Equal(t, "must be between 0 and 1", err.Detail["score"])
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", E(CodeForbidden, "role missing"))
	assert.True(t, Is(err, CodeForbidden))
	assert.False(t, Is(err, CodeNotFound))
	assert.False(t, Is(errors.New("plain"), CodeForbidden))
}

func TestUnwrapChain(t *testing.T) {
	cause := errors.New("tcp reset")
	err := Wrap(CodeBackendUnavailable, "vector store unreachable", cause)
	assert.True(t, errors.Is(err, cause))
}
