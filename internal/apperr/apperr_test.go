package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", NotFound("session %s not found", "abc"), http.StatusNotFound},
		{"conflict", Conflict("session is completed"), http.StatusConflict},
		{"forbidden", Forbidden("max spawn depth exceeded"), http.StatusForbidden},
		{"rate limited", RateLimited("too many active children"), http.StatusTooManyRequests},
		{"unauthorized", Unauthorized("invalid bearer token"), http.StatusUnauthorized},
		{"invalid input", InvalidInput("content is required"), http.StatusBadRequest},
		{"wrapped", fmt.Errorf("handler: %w", NotFound("gone")), http.StatusNotFound},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusCode(tt.err))
		})
	}
}

func TestError_Detail(t *testing.T) {
	err := Conflict("cannot cancel session in status %q", "completed")
	assert.Equal(t, `cannot cancel session in status "completed"`, err.Error())
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("runtime call: %w", ErrTimeout)))
	assert.True(t, IsRetryable(ErrUnavailable))
	assert.False(t, IsRetryable(Conflict("terminal")))
	assert.False(t, IsRetryable(RateLimited("caps")))
	assert.False(t, IsRetryable(errors.New("other")))
}
