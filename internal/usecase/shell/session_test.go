//go:build !windows

package shell

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"deskpilot/internal/domain"
)

func testSession(t *testing.T) *Session {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSession("/bin/sh", nil, logger)
	t.Cleanup(s.Cleanup)
	return s
}

func TestSessionStartsLazily(t *testing.T) {
	s := testSession(t)

	if s.IsRunning() {
		t.Fatal("IsRunning() = true before first use")
	}
	if s.State() != domain.ShellStateStopped {
		t.Fatalf("State() = %q, want %q", s.State(), domain.ShellStateStopped)
	}

	result := s.Execute("echo lazy-start-works", 10*time.Second)
	if result.ReturnCode != 0 {
		t.Fatalf("ReturnCode = %d, stderr = %q", result.ReturnCode, result.Stderr)
	}
	if !strings.Contains(result.Stdout, "lazy-start-works") {
		t.Errorf("Stdout = %q, want it to contain %q", result.Stdout, "lazy-start-works")
	}
	if !s.IsRunning() {
		t.Error("IsRunning() = false after Execute")
	}
}

func TestSessionStateCarriesAcrossCommands(t *testing.T) {
	s := testSession(t)

	if !s.SetEnvironmentVariable("DESKPILOT_TEST_VAR", "carried value") {
		t.Fatal("SetEnvironmentVariable() = false")
	}
	got, ok := s.GetEnvironmentVariable("DESKPILOT_TEST_VAR")
	if !ok {
		t.Fatal("GetEnvironmentVariable() ok = false")
	}
	if got != "carried value" {
		t.Errorf("GetEnvironmentVariable() = %q, want %q", got, "carried value")
	}
}

func TestGetEnvironmentVariableUnset(t *testing.T) {
	s := testSession(t)

	if got, ok := s.GetEnvironmentVariable("DESKPILOT_DEFINITELY_UNSET"); ok {
		t.Errorf("GetEnvironmentVariable() = %q, true, want unset", got)
	}
}

func TestChangeDirectory(t *testing.T) {
	s := testSession(t)

	if !s.ChangeDirectory("/tmp") {
		t.Fatal("ChangeDirectory(/tmp) = false")
	}
	if dir := s.CurrentDirectory(); dir != "/tmp" {
		t.Errorf("CurrentDirectory() = %q, want %q", dir, "/tmp")
	}
}

func TestChangeDirectoryResolvesRelativePaths(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSession("/bin/sh", nil, logger, WithWorkDir("/tmp"))
	t.Cleanup(s.Cleanup)

	if !s.ChangeDirectory("..") {
		t.Fatal("ChangeDirectory(..) = false")
	}

	// Restarting the shell spawns it in the tracked directory, so a
	// relative or unresolved value would put pwd somewhere else.
	s.Stop()
	if dir := s.CurrentDirectory(); dir != "/" {
		t.Errorf("CurrentDirectory() = %q after cd .. from /tmp, want %q", dir, "/")
	}
}

func TestSendInputAndReadOutput(t *testing.T) {
	s := testSession(t)

	if !s.SendInput("echo raw-input-path\n") {
		t.Fatal("SendInput() = false")
	}

	var output string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		output += s.ReadOutput(100 * time.Millisecond)
		if strings.Contains(output, "raw-input-path") {
			return
		}
	}
	t.Errorf("output = %q, want it to contain %q", output, "raw-input-path")
}

func TestStopIsIdempotent(t *testing.T) {
	s := testSession(t)

	s.Execute("echo warm", 10*time.Second)
	if !s.Stop() {
		t.Error("Stop() = false")
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if !s.Stop() {
		t.Error("second Stop() = false")
	}

	// Execute restarts the shell transparently.
	result := s.Execute("echo resurrected", 10*time.Second)
	if !strings.Contains(result.Stdout, "resurrected") {
		t.Errorf("Stdout = %q, want it to contain %q", result.Stdout, "resurrected")
	}
}

func TestStopCancelsInFlightExecute(t *testing.T) {
	s := testSession(t)
	s.Execute("echo warm", 10*time.Second)

	// cat takes over the pty and never prints a prompt, so with no
	// timeout the command only ends when the session is stopped.
	done := make(chan domain.CommandResult, 1)
	go func() { done <- s.Execute("cat", 0) }()
	time.Sleep(500 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return while a command was in flight")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Execute() did not return after Stop()")
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

func TestExecuteHonorsTimeout(t *testing.T) {
	s := testSession(t)

	start := time.Now()
	s.Execute("cat", 2*time.Second)
	if elapsed := time.Since(start); elapsed > 6*time.Second {
		t.Errorf("Execute took %v, want it bounded near its 2s timeout", elapsed)
	}
}

func TestExecuteNeverSeparatesStderr(t *testing.T) {
	s := testSession(t)

	result := s.Execute("echo to-stderr 1>&2", 10*time.Second)
	// Under a pty both streams share one terminal, so everything
	// lands in Stdout.
	if result.Stderr != "" {
		t.Errorf("Stderr = %q, want empty", result.Stderr)
	}
	if !strings.Contains(result.Stdout, "to-stderr") {
		t.Errorf("Stdout = %q, want it to contain %q", result.Stdout, "to-stderr")
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	a := testSession(t)
	b := testSession(t)
	if a.ID() == b.ID() {
		t.Errorf("two sessions share id %q", a.ID())
	}
}

func TestQuoteArg(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"plain", "plain"},
		{"/some/path.txt", "/some/path.txt"},
		{"has space", "'has space'"},
		{"with'quote", `'with'"'"'quote'`},
		{"$HOME", "'$HOME'"},
	}
	for _, tt := range tests {
		if got := quoteArg(tt.in); got != tt.want {
			t.Errorf("quoteArg(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFirstLineSkipsPrompts(t *testing.T) {
	out := "/home/user\nsh-5.2$ "
	if got := firstLine(out); got != "/home/user" {
		t.Errorf("firstLine() = %q, want %q", got, "/home/user")
	}
	if got := firstLine("sh-5.2$ "); got != "" {
		t.Errorf("firstLine() = %q, want empty", got)
	}
}
