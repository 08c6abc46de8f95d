package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrLimitReached = fmt.Errorf("limit reached")
)

// Sentinel errors for the domain layer.
var (
	ErrSpawnFailed     = fmt.Errorf("process spawn failed")
	ErrShellNotRunning = fmt.Errorf("shell is not running")
	ErrComputerStopped = fmt.Errorf("computer is not started")
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Computer.CreateShell")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "shell", "process")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem so that
// ErrorCodeOf can map the combination of sentinel + subsystem to a code.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeInvalidInput    ErrorCode = "INVALID_INPUT"
	CodeLimitReached    ErrorCode = "LIMIT_REACHED"
	CodeSpawnFailed     ErrorCode = "SPAWN_FAILED"
	CodeShellNotRunning ErrorCode = "SHELL_NOT_RUNNING"
	CodeComputerStopped ErrorCode = "COMPUTER_STOPPED"
	CodeConfigLoad      ErrorCode = "CONFIG_LOAD"
)

var codeMap = []struct {
	err  error
	code ErrorCode
}{
	{ErrNotFound, CodeNotFound},
	{ErrTimeout, CodeTimeout},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrLimitReached, CodeLimitReached},
	{ErrSpawnFailed, CodeSpawnFailed},
	{ErrShellNotRunning, CodeShellNotRunning},
	{ErrComputerStopped, CodeComputerStopped},
	{ErrConfigLoad, CodeConfigLoad},
}

// ErrorCodeOf maps an error to its ErrorCode. Unrecognized errors map
// to CodeUnknown.
func ErrorCodeOf(err error) ErrorCode {
	for _, m := range codeMap {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return CodeUnknown
}
