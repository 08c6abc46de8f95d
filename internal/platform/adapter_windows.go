//go:build windows

package platform

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/windows"
)

// Handle owns one spawned child process and its pipe resources. There
// is no pty here; StdioPTY requests degrade to plain pipes, which keeps
// the calling code portable at the cost of shell prompt detection.
type Handle struct {
	cmd  *exec.Cmd
	pid  int
	mode StdioMode

	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File

	stdoutBuf drainBuffer
	stderrBuf drainBuffer

	exited   atomic.Bool
	exitCode atomic.Int32
	done     chan struct{}

	closeOnce sync.Once
}

// drainBuffer accumulates pumped pipe bytes until the next drain call.
type drainBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (d *drainBuffer) write(p []byte) {
	d.mu.Lock()
	d.buf.Write(p)
	d.mu.Unlock()
}

func (d *drainBuffer) drain() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.buf.String()
	d.buf.Reset()
	return s
}

// Spawn starts the child described by spec. The child is placed in a
// new process group so console control events target the whole subtree.
func Spawn(spec Spec) (*Handle, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("spawn: empty argv")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}

	h := &Handle{cmd: cmd, mode: spec.Mode, done: make(chan struct{})}
	h.exitCode.Store(-1)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		stdin.Close()
		return nil, fmt.Errorf("spawn: %w", err)
	}

	// The parent keeps the read ends; the pumps see EOF once the child
	// exits and the write ends fully close.
	stdoutW.Close()
	stderrW.Close()

	h.stdin = stdin
	h.stdout = stdoutR
	h.stderr = stderrR
	h.pid = cmd.Process.Pid

	go pump(stdoutR, &h.stdoutBuf)
	go pump(stderrR, &h.stderrBuf)
	go h.reap()
	return h, nil
}

// pump copies pipe bytes into buf until the pipe closes.
func pump(r io.Reader, buf *drainBuffer) {
	p := make([]byte, 4096)
	for {
		n, err := r.Read(p)
		if n > 0 {
			buf.write(p[:n])
		}
		if err != nil {
			return
		}
	}
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	h.exitCode.Store(int32(code))
	h.exited.Store(true)
	close(h.done)
}

// PID returns the OS process id of the child.
func (h *Handle) PID() int { return h.pid }

// IsAlive reports whether the child is still running.
func (h *Handle) IsAlive() bool {
	return h.pid > 0 && !h.exited.Load()
}

// ExitCode returns the child's exit code once it has terminated.
func (h *Handle) ExitCode() (int, bool) {
	if !h.exited.Load() {
		return 0, false
	}
	return int(h.exitCode.Load()), true
}

// Done is closed when the child has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ReadOutput returns bytes pumped from stdout since the previous call.
// The timeout only bounds the wait for the first bytes to arrive.
func (h *Handle) ReadOutput(timeout time.Duration) string {
	deadline := time.Now().Add(timeout)
	for {
		if s := h.stdoutBuf.drain(); s != "" {
			return s
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return ""
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ReadStdout drains newly pumped stdout bytes.
func (h *Handle) ReadStdout(timeout time.Duration) string {
	return h.ReadOutput(timeout)
}

// ReadStderr drains newly pumped stderr bytes.
func (h *Handle) ReadStderr(timeout time.Duration) string {
	deadline := time.Now().Add(timeout)
	for {
		if s := h.stderrBuf.drain(); s != "" {
			return s
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return ""
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Write sends raw text to the child's stdin. It returns false on any
// I/O failure and never raises.
func (h *Handle) Write(text string) bool {
	if h.stdin == nil {
		return false
	}
	_, err := io.WriteString(h.stdin, text)
	return err == nil
}

// TerminateGroup kills the child, waits up to grace, and kills again.
// There is no SIGTERM equivalent that plain console children reliably
// honor, so both passes use the hard kill.
func (h *Handle) TerminateGroup(grace time.Duration) {
	proc := h.cmd.Process
	if proc == nil {
		return
	}
	_ = proc.Kill()

	select {
	case <-h.done:
		return
	case <-time.After(grace):
	}
	_ = proc.Kill()

	select {
	case <-h.done:
	case <-time.After(time.Second):
	}
}

// Close releases the pipe handles. It is idempotent.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		if h.stdin != nil {
			_ = h.stdin.Close()
		}
		if h.stdout != nil {
			_ = h.stdout.Close()
		}
		if h.stderr != nil {
			_ = h.stderr.Close()
		}
	})
}
