// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceError(t *testing.T) {
	underlying := stderrors.New("boom")
	err := NewDeviceError("reevaluate", "gpu0", underlying)

	assert.True(t, IsDeviceError(err))
	assert.Contains(t, err.Error(), "reevaluate")
	assert.Contains(t, err.Error(), "gpu0")
	assert.ErrorIs(t, err, underlying)
}

func TestDeviceErrorWithoutDeviceID(t *testing.T) {
	err := NewDeviceError("add", "", ErrInvalidArgument)
	assert.Contains(t, err.Error(), "invalid argument")
	assert.NotContains(t, err.Error(), "device=")
}

func TestGovernorError(t *testing.T) {
	err := NewGovernorError("find", "performance", ErrNotFound)

	assert.True(t, IsGovernorError(err))
	assert.True(t, IsNotFound(err))
	assert.False(t, IsAlreadyExists(err))

	var ge *GovernorError
	assert.True(t, stderrors.As(err, &ge))
	assert.Equal(t, "performance", ge.Name)
}

func TestBackendError(t *testing.T) {
	hw := stderrors.New("i2c transfer failed")
	err := NewBackendError("apply", "ddr", hw)

	assert.True(t, IsBackendError(err))
	assert.ErrorIs(t, err, hw)
	assert.Contains(t, err.Error(), "ddr")
}

func TestStatsError(t *testing.T) {
	err := NewStatsError("record", fmt.Errorf("frequency 250 Hz: %w", ErrNotFound))

	assert.True(t, IsStatsError(err))
	assert.True(t, IsNotFound(err))
}

func TestKindHelpers(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		checker func(error) bool
	}{
		{"invalid argument", ErrInvalidArgument, IsInvalidArgument},
		{"not found", ErrNotFound, IsNotFound},
		{"already exists", ErrAlreadyExists, IsAlreadyExists},
		{"invalid state", ErrInvalidState, IsInvalidState},
		{"unsupported", ErrUnsupported, IsUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.checker(fmt.Errorf("wrapped: %w", tt.err)))
			assert.False(t, tt.checker(stderrors.New("unrelated")))
		})
	}
}

func TestWrappedThroughStructured(t *testing.T) {
	// Kind survives two levels of structured wrapping.
	err := NewDeviceError("switch governor", "gpu0",
		NewGovernorError("start", "manual", ErrInvalidState))

	assert.True(t, IsDeviceError(err))
	assert.True(t, IsGovernorError(err))
	assert.True(t, IsInvalidState(err))
}
