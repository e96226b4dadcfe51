package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without cause",
			err:  NewNotFoundError("filing"),
			want: "[NOT_FOUND] filing not found",
		},
		{
			name: "with cause",
			err:  NewNetworkError("request failed", errors.New("connection refused")),
			want: "[NETWORK] request failed: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewStorageError("write failed", cause)

	assert.True(t, errors.Is(err, cause))

	wrapped := fmt.Errorf("saving holdings: %w", err)
	var appErr *AppError
	assert.True(t, errors.As(wrapped, &appErr))
	assert.Equal(t, ErrTypeStorage, appErr.Type)
}

func TestIsType(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewRateLimitedError("too many requests", nil))

	assert.True(t, IsType(err, ErrTypeRateLimited))
	assert.False(t, IsType(err, ErrTypeNetwork))
	assert.False(t, IsType(errors.New("plain"), ErrTypeRateLimited))
}

func TestWithContext(t *testing.T) {
	err := NewParsingError("bad header", nil).
		WithContext("accession_number", "0001752724-25-119791")

	assert.Equal(t, "0001752724-25-119791", err.Context["accession_number"])
}
