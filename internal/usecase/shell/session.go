// Package shell provides persistent interactive shell sessions. A
// session keeps one shell child alive across commands so state such as
// the working directory and exported variables carries over, the way a
// human's terminal does.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"deskpilot/internal/domain"
	"deskpilot/internal/platform"
)

// pollInterval is how often Execute checks for new shell output while
// waiting for a command to finish.
const pollInterval = 100 * time.Millisecond

// helperTimeout bounds the internal commands the convenience methods
// run (cd, export, echo, pwd) so a wedged shell cannot hang them.
const helperTimeout = 10 * time.Second

// Session is a lazily started interactive shell. Mutating operations
// start the underlying process on first use, so constructing a Session
// is free. All methods are safe for concurrent use, though commands are
// serialized: the shell is a single conversation.
type Session struct {
	id         string
	executable string
	grace      time.Duration
	logger     *slog.Logger
	bus        domain.EventBus

	mu     sync.Mutex
	cwd    string
	env    map[string]string
	handle *platform.Handle
	buffer strings.Builder
}

// Option configures a Session.
type Option func(*Session)

// WithWorkDir sets the initial working directory.
func WithWorkDir(dir string) Option {
	return func(s *Session) { s.cwd = dir }
}

// WithEnv sets extra environment variables merged over the parent
// environment.
func WithEnv(env map[string]string) Option {
	return func(s *Session) {
		for k, v := range env {
			s.env[k] = v
		}
	}
}

// WithTerminateGrace overrides the shutdown grace period.
func WithTerminateGrace(grace time.Duration) Option {
	return func(s *Session) { s.grace = grace }
}

// NewSession creates a session for the given shell executable. The
// shell process itself is not started until the first operation that
// needs it.
func NewSession(executable string, bus domain.EventBus, logger *slog.Logger, opts ...Option) *Session {
	s := &Session{
		id:         newID(),
		executable: executable,
		grace:      platform.DefaultTerminateGrace,
		logger:     logger,
		bus:        bus,
		env:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			s.cwd = wd
		}
	}
	return s
}

func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Executable returns the shell binary this session runs.
func (s *Session) Executable() string { return s.executable }

// Start launches the shell process. Starting an already running
// session is a no-op reporting success.
func (s *Session) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Session) startLocked() bool {
	if s.runningLocked() {
		s.logger.Info("shell already running", "session_id", s.id)
		return true
	}

	env := os.Environ()
	for k, v := range s.env {
		env = append(env, k+"="+v)
	}

	argv := []string{s.executable}
	if runtime.GOOS == "windows" {
		argv = []string{"cmd.exe", "/C", s.executable}
	}

	handle, err := platform.Spawn(platform.Spec{
		Argv: argv,
		Dir:  s.cwd,
		Env:  env,
		Mode: platform.StdioPTY,
	})
	if err != nil {
		s.logger.Error("shell start failed", "session_id", s.id, "executable", s.executable, "error", err)
		return false
	}

	s.handle = handle
	s.buffer.Reset()
	s.logger.Info("shell started", "session_id", s.id, "executable", s.executable, "pid", handle.PID())
	s.publish(domain.EventShellCreated, map[string]any{"executable": s.executable, "pid": handle.PID()})
	return true
}

// Stop terminates the shell process. Stopping a stopped session is a
// no-op reporting success.
func (s *Session) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return true
	}
	pid := s.handle.PID()

	// cmd.exe has no terminal-friendly termination signal; ask it to
	// exit first and give it a moment before the hard kill.
	if runtime.GOOS == "windows" && s.handle.IsAlive() {
		if s.handle.Write("exit\r\n") {
			select {
			case <-s.handle.Done():
			case <-time.After(time.Second):
			}
		}
	}

	s.handle.TerminateGroup(s.grace)
	s.handle.Close()
	s.handle = nil

	s.logger.Info("shell stopped", "session_id", s.id, "pid", pid)
	s.publish(domain.EventShellStopped, map[string]any{"pid": pid})
	return true
}

// Cleanup releases all session resources. Safe to call repeatedly.
func (s *Session) Cleanup() { s.Stop() }

// State returns the session's run state.
func (s *Session) State() domain.ShellState {
	if s.IsRunning() {
		return domain.ShellStateRunning
	}
	return domain.ShellStateStopped
}

// IsRunning reports whether the shell process is alive.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *Session) runningLocked() bool {
	return s.handle != nil && s.handle.IsAlive()
}

// Execute sends a command to the shell and collects its output until
// the prompt reappears or timeout elapses. A timeout of zero or less
// waits indefinitely.
//
// Because the shell runs under a pseudo-terminal, stdout and stderr
// arrive interleaved on one stream and the shell does not report the
// command's exit status: results carry everything in Stdout with an
// empty Stderr and return code 0. Failures to reach the shell at all
// are reported with return code 1 and the failure text in Stderr.
func (s *Session) Execute(command string, timeout time.Duration) domain.CommandResult {
	s.mu.Lock()
	if !s.runningLocked() && !s.startLocked() {
		s.mu.Unlock()
		return domain.CommandResult{
			Stderr:     fmt.Sprintf("failed to start shell %q", s.executable),
			ReturnCode: 1,
		}
	}

	s.logger.Debug("executing command", "session_id", s.id, "command", command)

	// Drop anything buffered before this command so its output starts
	// clean.
	s.buffer.Reset()

	sent := s.handle.Write(command + "\n")
	s.mu.Unlock()

	if !sent {
		s.logger.Error("failed to send command", "session_id", s.id, "command", command)
		return domain.CommandResult{
			Stderr:     "failed to send command to shell",
			ReturnCode: 1,
		}
	}

	// The poll loop takes the mutex per read, never across iterations,
	// so Stop can grab it and kill the process group mid-command; the
	// running check below then ends the loop.
	start := time.Now()
	var output string
	for timeout <= 0 || time.Since(start) < timeout {
		if chunk := s.ReadOutput(pollInterval); chunk != "" {
			output += chunk
		}

		// The shell signals it is ready for the next command by
		// printing its prompt again.
		if output != "" && (strings.HasSuffix(output, "$ ") || strings.HasSuffix(output, "> ")) {
			break
		}

		if !s.IsRunning() {
			break
		}
		time.Sleep(pollInterval)
	}

	// The pty echoes the typed command back; drop that first line.
	lines := strings.Split(output, "\n")
	if len(lines) > 0 && strings.Contains(lines[0], command) {
		output = strings.Join(lines[1:], "\n")
	}

	return domain.CommandResult{Stdout: output}
}

// ReadOutput returns output produced since the previous read, waiting
// up to timeout for the first bytes. A stopped session returns "".
func (s *Session) ReadOutput(timeout time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.runningLocked() {
		return ""
	}
	return s.readLocked(timeout)
}

func (s *Session) readLocked(timeout time.Duration) string {
	chunk := s.handle.ReadOutput(timeout)
	if chunk != "" {
		s.buffer.WriteString(chunk)
	}
	return chunk
}

// SendInput writes raw text to the shell's stdin, starting the shell
// first if needed. It reports success and never raises.
func (s *Session) SendInput(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.runningLocked() && !s.startLocked() {
		return false
	}
	if !s.handle.Write(text) {
		s.logger.Error("failed to send input", "session_id", s.id)
		return false
	}
	return true
}

// ChangeDirectory changes the shell's working directory. The tracked
// directory is only updated when the shell accepted the change, and is
// always stored resolved to an absolute path.
func (s *Session) ChangeDirectory(path string) bool {
	result := s.Execute("cd "+quoteArg(path), helperTimeout)
	if result.ReturnCode != 0 {
		return false
	}

	s.mu.Lock()
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(s.cwd, resolved)
	}
	s.cwd = filepath.Clean(resolved)
	s.mu.Unlock()
	return true
}

// SetEnvironmentVariable exports a variable inside the shell so child
// commands inherit it.
func (s *Session) SetEnvironmentVariable(name, value string) bool {
	var cmd string
	if runtime.GOOS == "windows" {
		cmd = fmt.Sprintf("set %s=%s", name, value)
	} else {
		cmd = fmt.Sprintf("export %s=%s", name, quoteArg(value))
	}
	result := s.Execute(cmd, helperTimeout)
	if result.ReturnCode != 0 {
		return false
	}

	s.mu.Lock()
	s.env[name] = value
	s.mu.Unlock()
	return true
}

// GetEnvironmentVariable reads a variable's value from inside the
// shell. The second result is false when the variable is unset.
func (s *Session) GetEnvironmentVariable(name string) (string, bool) {
	var cmd string
	if runtime.GOOS == "windows" {
		cmd = fmt.Sprintf("echo %%%s%%", name)
	} else {
		cmd = fmt.Sprintf("echo $%s", name)
	}
	result := s.Execute(cmd, helperTimeout)
	if result.ReturnCode != 0 {
		return "", false
	}

	value := strings.TrimSpace(firstLine(result.Stdout))
	if value == "" {
		return "", false
	}
	// cmd.exe echoes the reference verbatim when the variable is
	// unset.
	if runtime.GOOS == "windows" && value == "%"+name+"%" {
		return "", false
	}
	return value, true
}

// CurrentDirectory asks the shell for its working directory, falling
// back to the tracked value when the shell does not answer.
func (s *Session) CurrentDirectory() string {
	cmd := "pwd"
	if runtime.GOOS == "windows" {
		cmd = "cd"
	}
	result := s.Execute(cmd, helperTimeout)
	if result.ReturnCode == 0 {
		if dir := strings.TrimSpace(firstLine(result.Stdout)); dir != "" {
			return dir
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// firstLine returns the first non-prompt line of shell output.
func firstLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasSuffix(trimmed, "$") || strings.HasSuffix(trimmed, ">") {
			continue
		}
		return line
	}
	return ""
}

var safeArg = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// quoteArg renders s safe for interpolation into a POSIX shell
// command line.
func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	if runtime.GOOS == "windows" {
		if strings.ContainsAny(s, " \t") {
			return `"` + s + `"`
		}
		return s
	}
	if safeArg.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func (s *Session) publish(eventType domain.EventType, payload map[string]any) {
	if s.bus == nil {
		return
	}
	raw, _ := json.Marshal(payload)
	s.bus.Publish(context.Background(), domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: s.id,
		Payload:   raw,
	})
}
