//go:build !windows

package platform

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Handle owns one spawned child process and its platform resources. A
// Handle is owned by exactly one shell session or registry entry and is
// released exactly once via Close.
type Handle struct {
	cmd  *exec.Cmd
	pid  int
	mode StdioMode

	ptmx *os.File // pty master (StdioPTY)

	stdin  io.WriteCloser // child stdin (StdioPipes)
	stdout *os.File       // read end of the child's stdout pipe
	stderr *os.File       // read end of the child's stderr pipe

	// Raw descriptors captured once at spawn. os.File.Fd() flips a
	// pollable descriptor back into blocking mode every time it is
	// called, so it must never be invoked on the read path.
	ptmxFd   int
	stdoutFd int
	stderrFd int

	exited   atomic.Bool
	exitCode atomic.Int32
	done     chan struct{}

	closeOnce sync.Once
}

// Spawn starts the child described by spec.
//
// In StdioPTY mode the child is attached to a freshly allocated
// pseudo-terminal pair and becomes the leader of a new session; the
// master side is switched to non-blocking so reads never stall. In
// StdioPipes mode the three streams are separate pipes and the child is
// optionally made a session leader (spec.NewGroup) so the whole subtree
// can be signaled as a unit.
func Spawn(spec Spec) (*Handle, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("spawn: empty argv")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	h := &Handle{
		cmd:      cmd,
		mode:     spec.Mode,
		done:     make(chan struct{}),
		ptmxFd:   -1,
		stdoutFd: -1,
		stderrFd: -1,
	}
	h.exitCode.Store(-1)

	switch spec.Mode {
	case StdioPTY:
		// pty.Start makes the child a session leader with the slave
		// side as its controlling terminal.
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("spawn pty: %w", err)
		}
		ptmxFd := int(ptmx.Fd())
		if err := unix.SetNonblock(ptmxFd, true); err != nil {
			ptmx.Close()
			_ = cmd.Process.Kill()
			go func() { _ = cmd.Wait() }()
			return nil, fmt.Errorf("set pty nonblocking: %w", err)
		}
		h.ptmx = ptmx
		h.ptmxFd = ptmxFd

	case StdioPipes:
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
		if spec.NewGroup {
			cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		}

		if err := cmd.Start(); err != nil {
			stdoutR.Close()
			stdoutW.Close()
			stderrR.Close()
			stderrW.Close()
			stdin.Close()
			return nil, fmt.Errorf("spawn: %w", err)
		}

		// The parent keeps only the read ends; the child holds the
		// write ends until it exits.
		stdoutW.Close()
		stderrW.Close()
		stdoutFd := int(stdoutR.Fd())
		stderrFd := int(stderrR.Fd())
		_ = unix.SetNonblock(stdoutFd, true)
		_ = unix.SetNonblock(stderrFd, true)

		h.stdin = stdin
		h.stdout = stdoutR
		h.stderr = stderrR
		h.stdoutFd = stdoutFd
		h.stderrFd = stderrFd
	}

	h.pid = cmd.Process.Pid
	go h.reap()
	return h, nil
}

// reap waits for the child so it never lingers as a zombie, then
// records the exit code.
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

// IsAlive reports whether the child is still running, using a
// zero-signal probe (liveness without side effects).
func (h *Handle) IsAlive() bool {
	if h.pid <= 0 || h.exited.Load() {
		return false
	}
	return unix.Kill(h.pid, 0) == nil
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

// ReadOutput returns whatever bytes are currently available on the pty
// master without blocking past timeout. Only meaningful in StdioPTY
// mode; in pipe mode it drains stdout.
func (h *Handle) ReadOutput(timeout time.Duration) string {
	if h.ptmxFd >= 0 {
		return drainFd(h.ptmxFd, timeout)
	}
	return drainFd(h.stdoutFd, timeout)
}

// ReadStdout drains newly available stdout bytes (StdioPipes mode).
func (h *Handle) ReadStdout(timeout time.Duration) string {
	return drainFd(h.stdoutFd, timeout)
}

// ReadStderr drains newly available stderr bytes (StdioPipes mode).
func (h *Handle) ReadStderr(timeout time.Duration) string {
	return drainFd(h.stderrFd, timeout)
}

// drainFd polls fd for readiness up to timeout, then reads until the
// descriptor would block. Every OS error is treated as "no data". The
// fd is the raw descriptor captured at spawn; going through
// os.File.Fd() here would reset it to blocking mode.
func drainFd(fd int, timeout time.Duration) string {
	if fd < 0 {
		return ""
	}

	ms := int(timeout.Milliseconds())
	if ms < 0 {
		ms = 0
	}
	for {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 || fds[0].Revents&(unix.POLLIN|unix.POLLHUP) == 0 {
			return ""
		}
		break
	}

	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			continue
		}
		// n <= 0: EOF, EAGAIN, or EIO after the slave side closed.
		_ = err
		break
	}
	return string(out)
}

// Write sends raw text to the child's stdin (pty master in StdioPTY
// mode). It returns false on any I/O failure and never raises.
func (h *Handle) Write(text string) bool {
	if h.ptmx != nil {
		_, err := h.ptmx.WriteString(text)
		return err == nil
	}
	if h.stdin == nil {
		return false
	}
	_, err := io.WriteString(h.stdin, text)
	return err == nil
}

// TerminateGroup sends SIGTERM to the child's process group, waits up
// to grace for it to exit, and escalates to SIGKILL on timeout.
// Termination failures are swallowed; the child may already be gone.
func (h *Handle) TerminateGroup(grace time.Duration) {
	if h.pid <= 0 {
		return
	}
	pgid, err := unix.Getpgid(h.pid)
	if err != nil {
		pgid = h.pid
	}
	_ = unix.Kill(-pgid, unix.SIGTERM)

	select {
	case <-h.done:
		return
	case <-time.After(grace):
	}

	_ = unix.Kill(-pgid, unix.SIGKILL)

	// SIGKILL cannot be caught; bound the wait anyway in case the
	// child is stuck in uninterruptible sleep.
	select {
	case <-h.done:
	case <-time.After(time.Second):
	}
}

// Close releases the platform handles. It is idempotent and tolerates
// descriptors already closed by the OS.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		if h.ptmx != nil {
			_ = h.ptmx.Close()
		}
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
