package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainErrorMessage(t *testing.T) {
	err := NewDomainError("Computer.CreateShell", ErrSpawnFailed, "no such executable")
	assert.Equal(t, "Computer.CreateShell: no such executable: process spawn failed", err.Error())

	bare := NewDomainError("Registry.GetCommandOutput", ErrNotFound, "")
	assert.Equal(t, "Registry.GetCommandOutput: not found", bare.Error())
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewSubSystemError("process", "Registry.StopCommand", ErrNotFound, "pid 4242")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "process", err.SubSystem)
}

func TestWrapOp(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))

	wrapped := WrapOp("Session.Start", ErrSpawnFailed)
	assert.True(t, errors.Is(wrapped, ErrSpawnFailed))
	assert.Contains(t, wrapped.Error(), "Session.Start")
}

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		code ErrorCode
	}{
		{ErrNotFound, CodeNotFound},
		{ErrTimeout, CodeTimeout},
		{ErrSpawnFailed, CodeSpawnFailed},
		{NewSubSystemError("shell", "Session.Execute", ErrShellNotRunning, ""), CodeShellNotRunning},
		{fmt.Errorf("plain"), CodeUnknown},
		{nil, CodeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, ErrorCodeOf(tt.err))
	}
}
