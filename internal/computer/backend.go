package computer

import (
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"time"

	"deskpilot/internal/domain"
)

// ShellBackend runs a single command to completion and captures its
// output. It is the synchronous counterpart to the interactive session:
// no state carries over between calls.
type ShellBackend interface {
	Name() string
	Execute(ctx context.Context, command string, args []string, workDir string, env []string) (string, string, error)
}

// LocalShellBackend executes commands on the local system.
type LocalShellBackend struct {
	timeout time.Duration
}

// NewLocalShellBackend creates a local shell backend with the given
// default command timeout.
func NewLocalShellBackend(timeout time.Duration) *LocalShellBackend {
	return &LocalShellBackend{timeout: timeout}
}

func (b *LocalShellBackend) Name() string { return "local" }

// Execute runs command with args and returns captured stdout and
// stderr. The context bounds the run in addition to the backend's own
// timeout.
func (b *LocalShellBackend) Execute(ctx context.Context, command string, args []string, workDir string, env []string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = workDir
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// shellWrap turns a raw command line into an argv that the platform
// shell will interpret.
func shellWrap(command string) (string, []string) {
	if runtime.GOOS == "windows" {
		return "cmd.exe", []string{"/C", command}
	}
	return "/bin/sh", []string{"-c", command}
}

// resultFromRun converts a backend run into the uniform command result,
// recovering the exit code from the process error when present.
func resultFromRun(stdout, stderr string, err error) domain.CommandResult {
	result := domain.CommandResult{Stdout: stdout, Stderr: stderr}
	if err != nil {
		result.ReturnCode = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ReturnCode = exitErr.ExitCode()
		}
		if result.Stderr == "" {
			result.Stderr = err.Error()
		}
	}
	return result
}
