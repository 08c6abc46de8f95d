// Package process manages detached background commands keyed by OS
// pid. Commands run in their own process group so StopCommand can take
// down the whole subtree, and their output is captured into bounded
// in-memory buffers that callers drain on demand.
package process

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"deskpilot/internal/domain"
	"deskpilot/internal/infra/config"
	"deskpilot/internal/platform"
)

// entry holds the runtime state for one background command. The entry
// mutex guards the handle and drain bookkeeping; buffer writes are
// additionally serialized by the ring buffers themselves.
type entry struct {
	mu      sync.Mutex
	command string
	handle  *platform.Handle
	stdout  *ringBuffer
	stderr  *ringBuffer
}

// drain moves any newly available child output into the cumulative
// buffers. Called under the entry lock.
func (e *entry) drain() {
	if s := e.handle.ReadStdout(0); s != "" {
		_, _ = e.stdout.Write([]byte(s))
	}
	if s := e.handle.ReadStderr(0); s != "" {
		_, _ = e.stderr.Write([]byte(s))
	}
}

// Registry tracks background commands for one computer instance.
// Entries stay in the registry after the child exits so late callers
// can still read the final output and return code; only StopCommand
// removes them.
type Registry struct {
	entries map[int]*entry
	mu      sync.Mutex
	cfg     config.ProcessConfig
	shell   config.ShellConfig
	bus     domain.EventBus
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. Background commands run under
// the configured shell executable, working directory, and environment
// overrides.
func NewRegistry(cfg config.ProcessConfig, shellCfg config.ShellConfig, bus domain.EventBus, logger *slog.Logger) *Registry {
	if cfg.OutputBufferMax <= 0 {
		cfg.OutputBufferMax = 1024 * 1024
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = platform.DefaultTerminateGrace
	}
	if shellCfg.Executable == "" {
		shellCfg.Executable = config.DefaultShell()
	}
	return &Registry{
		entries: make(map[int]*entry),
		cfg:     cfg,
		shell:   shellCfg,
		bus:     bus,
		logger:  logger,
	}
}

// shellArgv wraps a command line in the configured shell.
func (r *Registry) shellArgv(command string) []string {
	if runtime.GOOS == "windows" {
		return []string{r.shell.Executable, "/C", command}
	}
	return []string{r.shell.Executable, "-c", command}
}

// environ merges the configured overrides over the parent environment.
// A nil result means inherit unchanged.
func (r *Registry) environ() []string {
	if len(r.shell.Env) == 0 {
		return nil
	}
	env := os.Environ()
	for k, v := range r.shell.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// ExecuteBackground launches command in a detached process group and
// returns the tracking record immediately. A spawn failure is reported
// in the record (pid 0, status "failed") rather than as an error, so
// callers can treat the result uniformly.
func (r *Registry) ExecuteBackground(ctx context.Context, command string) domain.BackgroundProcess {
	handle, err := platform.Spawn(platform.Spec{
		Argv:     r.shellArgv(command),
		Dir:      r.shell.WorkDir,
		Env:      r.environ(),
		Mode:     platform.StdioPipes,
		NewGroup: true,
	})
	if err != nil {
		r.logger.Error("background spawn failed", "command", command, "error", err)
		return domain.BackgroundProcess{
			PID:     0,
			Command: command,
			Status:  domain.ProcessStatusFailed,
			Error:   err.Error(),
		}
	}

	pid := handle.PID()
	e := &entry{
		command: command,
		handle:  handle,
		stdout:  newRingBuffer(r.cfg.OutputBufferMax),
		stderr:  newRingBuffer(r.cfg.OutputBufferMax),
	}

	r.mu.Lock()
	r.entries[pid] = e
	r.mu.Unlock()

	r.logger.Info("background command started", "pid", pid, "command", command)
	r.publish(ctx, domain.EventProcessStarted, pid, command)

	// Announce natural completion. A command removed by StopCommand
	// already got its kill event and is skipped here.
	go func() {
		<-handle.Done()
		if r.lookup(pid) == nil {
			return
		}
		code, _ := handle.ExitCode()
		r.logger.Info("background command completed", "pid", pid, "returncode", code)
		r.publish(context.Background(), domain.EventProcessCompleted, pid, command)
	}()

	return domain.BackgroundProcess{
		PID:     pid,
		Command: command,
		Status:  domain.ProcessStatusRunning,
	}
}

// IsCommandRunning reports whether the command with the given pid is
// still alive. Unknown pids report false.
func (r *Registry) IsCommandRunning(pid int) bool {
	e := r.lookup(pid)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle.IsAlive()
}

// GetCommandOutput returns the cumulative captured output for pid. The
// snapshot includes everything written so far (bounded by the buffer
// cap); ReturnCode stays nil until the command has exited. Unknown pids
// yield the "not_found" status together with domain.ErrNotFound.
func (r *Registry) GetCommandOutput(pid int) (domain.ProcessOutput, error) {
	e := r.lookup(pid)
	if e == nil {
		return domain.ProcessOutput{Status: domain.ProcessStatusNotFound},
			domain.NewSubSystemError("process", "Registry.GetCommandOutput", domain.ErrNotFound,
				fmt.Sprintf("no background command with pid %d", pid))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.drain()

	out := domain.ProcessOutput{
		Stdout: e.stdout.String(),
		Stderr: e.stderr.String(),
		Status: domain.ProcessStatusRunning,
	}
	if code, done := e.handle.ExitCode(); done {
		out.Status = domain.ProcessStatusCompleted
		out.ReturnCode = &code
	}
	return out, nil
}

// StopCommand terminates the process group for pid, giving it the
// configured grace before escalating to a hard kill, and removes the
// entry. Unknown pids return domain.ErrNotFound.
func (r *Registry) StopCommand(ctx context.Context, pid int) error {
	r.mu.Lock()
	e, ok := r.entries[pid]
	if ok {
		delete(r.entries, pid)
	}
	r.mu.Unlock()

	if !ok {
		return domain.NewSubSystemError("process", "Registry.StopCommand", domain.ErrNotFound,
			fmt.Sprintf("no background command with pid %d", pid))
	}

	e.mu.Lock()
	e.handle.TerminateGroup(r.cfg.TerminateGrace)
	e.handle.Close()
	e.mu.Unlock()

	r.logger.Info("background command stopped", "pid", pid, "command", e.command)
	r.publish(ctx, domain.EventProcessKilled, pid, e.command)
	return nil
}

// StopAll terminates every tracked command. Used on computer teardown.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	pids := make([]int, 0, len(r.entries))
	for pid := range r.entries {
		pids = append(pids, pid)
	}
	r.mu.Unlock()

	for _, pid := range pids {
		_ = r.StopCommand(ctx, pid)
	}
}

// Len returns the number of tracked commands, running or completed.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// PIDs returns the pids of all tracked commands.
func (r *Registry) PIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pids := make([]int, 0, len(r.entries))
	for pid := range r.entries {
		pids = append(pids, pid)
	}
	return pids
}

func (r *Registry) lookup(pid int) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[pid]
}

func (r *Registry) publish(ctx context.Context, eventType domain.EventType, pid int, command string) {
	if r.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{"pid": pid, "command": command})
	r.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
