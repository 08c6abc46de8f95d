//go:build !windows

package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"deskpilot/internal/domain"
	"deskpilot/internal/infra/config"
)

func testRegistry() *Registry {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(config.ProcessConfig{}, config.ShellConfig{Executable: "/bin/sh"}, nil, logger)
}

func waitForStatus(t *testing.T, r *Registry, pid int, want domain.ProcessStatus) domain.ProcessOutput {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		out, err := r.GetCommandOutput(pid)
		if err != nil {
			t.Fatalf("GetCommandOutput(%d) error = %v", pid, err)
		}
		if out.Status == want {
			return out
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("pid %d never reached status %q", pid, want)
	return domain.ProcessOutput{}
}

func TestExecuteBackgroundCapturesOutput(t *testing.T) {
	r := testRegistry()
	defer r.StopAll(context.Background())

	proc := r.ExecuteBackground(context.Background(), "echo to stdout; echo to stderr 1>&2")
	if proc.Status != domain.ProcessStatusRunning {
		t.Fatalf("status = %q, want %q (error: %s)", proc.Status, domain.ProcessStatusRunning, proc.Error)
	}
	if proc.PID <= 0 {
		t.Fatalf("pid = %d, want > 0", proc.PID)
	}

	out := waitForStatus(t, r, proc.PID, domain.ProcessStatusCompleted)
	if !strings.Contains(out.Stdout, "to stdout") {
		t.Errorf("stdout = %q, want it to contain %q", out.Stdout, "to stdout")
	}
	if !strings.Contains(out.Stderr, "to stderr") {
		t.Errorf("stderr = %q, want it to contain %q", out.Stderr, "to stderr")
	}
	if out.ReturnCode == nil || *out.ReturnCode != 0 {
		t.Errorf("returncode = %v, want 0", out.ReturnCode)
	}
}

func TestExecuteBackgroundUsesConfiguredShellDirAndEnv(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRegistry(config.ProcessConfig{}, config.ShellConfig{
		Executable: "/bin/sh",
		WorkDir:    "/tmp",
		Env:        map[string]string{"DESKPILOT_BG_VAR": "from-config"},
	}, nil, logger)
	defer r.StopAll(context.Background())

	proc := r.ExecuteBackground(context.Background(), "pwd; echo $DESKPILOT_BG_VAR")
	if proc.Status != domain.ProcessStatusRunning {
		t.Fatalf("status = %q (error: %s)", proc.Status, proc.Error)
	}

	out := waitForStatus(t, r, proc.PID, domain.ProcessStatusCompleted)
	if !strings.Contains(out.Stdout, "/tmp") {
		t.Errorf("stdout = %q, want working directory /tmp", out.Stdout)
	}
	if !strings.Contains(out.Stdout, "from-config") {
		t.Errorf("stdout = %q, want configured env value", out.Stdout)
	}
}

func TestCompletedEntryStaysInRegistry(t *testing.T) {
	r := testRegistry()
	defer r.StopAll(context.Background())

	proc := r.ExecuteBackground(context.Background(), "true")
	waitForStatus(t, r, proc.PID, domain.ProcessStatusCompleted)

	// The record survives completion until it is explicitly stopped.
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	if r.IsCommandRunning(proc.PID) {
		t.Error("IsCommandRunning() = true after completion")
	}
	out, err := r.GetCommandOutput(proc.PID)
	if err != nil {
		t.Fatalf("GetCommandOutput() error = %v", err)
	}
	if out.Status != domain.ProcessStatusCompleted {
		t.Errorf("status = %q, want %q", out.Status, domain.ProcessStatusCompleted)
	}
}

func TestGetCommandOutputUnknownPID(t *testing.T) {
	r := testRegistry()

	out, err := r.GetCommandOutput(999999)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if out.Status != domain.ProcessStatusNotFound {
		t.Errorf("status = %q, want %q", out.Status, domain.ProcessStatusNotFound)
	}
	if out.ReturnCode != nil {
		t.Errorf("returncode = %v, want nil", out.ReturnCode)
	}
}

func TestStopCommandKillsAndRemoves(t *testing.T) {
	r := testRegistry()

	proc := r.ExecuteBackground(context.Background(), "sleep 60")
	if !r.IsCommandRunning(proc.PID) {
		t.Fatal("IsCommandRunning() = false right after spawn")
	}

	if err := r.StopCommand(context.Background(), proc.PID); err != nil {
		t.Fatalf("StopCommand() error = %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after StopCommand, want 0", r.Len())
	}
	if _, err := r.GetCommandOutput(proc.PID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetCommandOutput() error = %v after removal, want ErrNotFound", err)
	}
}

func TestStopCommandUnknownPID(t *testing.T) {
	r := testRegistry()
	if err := r.StopCommand(context.Background(), 999999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestStopAll(t *testing.T) {
	r := testRegistry()

	a := r.ExecuteBackground(context.Background(), "sleep 60")
	b := r.ExecuteBackground(context.Background(), "sleep 60")
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}

	r.StopAll(context.Background())
	if r.Len() != 0 {
		t.Errorf("Len() = %d after StopAll, want 0", r.Len())
	}
	for _, pid := range []int{a.PID, b.PID} {
		if r.IsCommandRunning(pid) {
			t.Errorf("pid %d still running after StopAll", pid)
		}
	}
}

func TestRingBufferDropsOldest(t *testing.T) {
	rb := newRingBuffer(8)
	_, _ = rb.Write([]byte("abcdefgh"))
	_, _ = rb.Write([]byte("1234"))

	if got := rb.String(); got != "efgh1234" {
		t.Errorf("String() = %q, want %q", got, "efgh1234")
	}
	if rb.Len() != 8 {
		t.Errorf("Len() = %d, want 8", rb.Len())
	}
}
