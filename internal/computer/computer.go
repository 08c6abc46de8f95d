// Package computer ties the shell sessions, the background process
// registry, and the one-shot execution backend together under a single
// lifecycle. A Computer owns every OS process it spawns: stopping it
// tears all of them down.
package computer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"deskpilot/internal/domain"
	"deskpilot/internal/infra/config"
	"deskpilot/internal/infra/tracer"
	"deskpilot/internal/usecase/process"
	"deskpilot/internal/usecase/shell"
)

// Computer is the local machine seen as a controllable unit.
type Computer struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      domain.EventBus
	backend  ShellBackend
	registry *process.Registry

	mu     sync.Mutex
	state  domain.ComputerState
	shells map[string]*shell.Session
}

// New assembles a stopped Computer from its configuration.
func New(cfg config.Config, bus domain.EventBus, logger *slog.Logger) *Computer {
	return &Computer{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		backend:  NewLocalShellBackend(cfg.Computer.OneShotTimeout),
		registry: process.NewRegistry(cfg.Process, cfg.Shell, bus, logger),
		state:    domain.ComputerStateStopped,
		shells:   make(map[string]*shell.Session),
	}
}

// State returns the current lifecycle state.
func (c *Computer) State() domain.ComputerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start transitions the computer to started. Starting a started
// computer is a no-op.
func (c *Computer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == domain.ComputerStateStarted {
		return nil
	}
	c.state = domain.ComputerStateStarted
	c.logger.Info("computer started")
	c.publish(ctx, domain.EventComputerStarted, nil)
	return nil
}

// Stop tears down every shell session and background command, then
// transitions to stopped. Stopping a stopped computer is a no-op.
func (c *Computer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == domain.ComputerStateStopped {
		c.mu.Unlock()
		return nil
	}
	sessions := make([]*shell.Session, 0, len(c.shells))
	for _, s := range c.shells {
		sessions = append(sessions, s)
	}
	c.shells = make(map[string]*shell.Session)
	c.state = domain.ComputerStateStopped
	c.mu.Unlock()

	for _, s := range sessions {
		s.Cleanup()
	}
	c.registry.StopAll(ctx)

	c.logger.Info("computer stopped", "shells_closed", len(sessions))
	c.publish(ctx, domain.EventComputerStopped, nil)
	return nil
}

// Reset stops and restarts the computer, discarding all sessions.
func (c *Computer) Reset(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	return c.Start(ctx)
}

// Pause is accepted but has no effect on a local machine.
func (c *Computer) Pause(ctx context.Context) error {
	c.logger.Info("pause requested, no-op for local computer")
	return nil
}

// Resume is accepted but has no effect on a local machine.
func (c *Computer) Resume(ctx context.Context, timeoutHint time.Duration) error {
	c.logger.Info("resume requested, no-op for local computer")
	return nil
}

// CreateShell constructs and starts a new interactive shell session.
// This is the one place a shell start failure surfaces as an error;
// once a Session exists its own operations degrade to boolean results.
func (c *Computer) CreateShell(ctx context.Context, opts ...shell.Option) (*shell.Session, error) {
	ctx, span := tracer.StartSpan(ctx, "computer.create_shell")
	defer span.End()

	c.mu.Lock()
	if c.state != domain.ComputerStateStarted {
		c.mu.Unlock()
		err := domain.NewSubSystemError("computer", "Computer.CreateShell", domain.ErrComputerStopped,
			"create shell on a stopped computer")
		tracer.RecordError(span, err)
		return nil, err
	}
	c.mu.Unlock()

	base := []shell.Option{
		shell.WithWorkDir(c.cfg.Shell.WorkDir),
		shell.WithEnv(c.cfg.Shell.Env),
		shell.WithTerminateGrace(c.cfg.Process.TerminateGrace),
	}
	s := shell.NewSession(c.cfg.Shell.Executable, c.bus, c.logger, append(base, opts...)...)
	if !s.Start() {
		err := domain.NewSubSystemError("computer", "Computer.CreateShell", domain.ErrSpawnFailed,
			fmt.Sprintf("shell %q did not start", c.cfg.Shell.Executable))
		tracer.RecordError(span, err)
		return nil, err
	}

	c.mu.Lock()
	c.shells[s.ID()] = s
	c.mu.Unlock()

	span.SetAttributes(tracer.StringAttr("session_id", s.ID()))
	tracer.SetOK(span)
	return s, nil
}

// Shell returns the tracked session with the given id.
func (c *Computer) Shell(id string) (*shell.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.shells[id]
	if !ok {
		return nil, domain.NewSubSystemError("computer", "Computer.Shell", domain.ErrNotFound,
			fmt.Sprintf("no shell session %q", id))
	}
	return s, nil
}

// Shells returns all tracked sessions.
func (c *Computer) Shells() []*shell.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*shell.Session, 0, len(c.shells))
	for _, s := range c.shells {
		out = append(out, s)
	}
	return out
}

// Background returns the background process registry.
func (c *Computer) Background() *process.Registry {
	return c.registry
}

// ExecuteBackground launches a detached background command. The
// computer must be started.
func (c *Computer) ExecuteBackground(ctx context.Context, command string) (domain.BackgroundProcess, error) {
	ctx, span := tracer.StartSpan(ctx, "computer.execute_background",
		trace.WithAttributes(tracer.StringAttr("command", command)))
	defer span.End()

	if err := c.requireStarted("Computer.ExecuteBackground"); err != nil {
		tracer.RecordError(span, err)
		return domain.BackgroundProcess{}, err
	}

	proc := c.registry.ExecuteBackground(ctx, command)
	span.SetAttributes(tracer.IntAttr("pid", proc.PID))
	tracer.SetOK(span)
	return proc, nil
}

// ExecuteCommand runs a command line to completion through the
// platform shell and returns its captured output. A timeout of zero or
// less falls back to the configured one-shot timeout.
func (c *Computer) ExecuteCommand(ctx context.Context, command string, timeout time.Duration) (domain.CommandResult, error) {
	ctx, span := tracer.StartSpan(ctx, "computer.execute_command",
		trace.WithAttributes(tracer.StringAttr("command", command)))
	defer span.End()

	if err := c.requireStarted("Computer.ExecuteCommand"); err != nil {
		tracer.RecordError(span, err)
		return domain.CommandResult{}, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	name, args := shellWrap(command)
	stdout, stderr, err := c.backend.Execute(ctx, name, args, c.cfg.Shell.WorkDir, os.Environ())
	result := resultFromRun(stdout, stderr, err)

	span.SetAttributes(tracer.IntAttr("returncode", result.ReturnCode))
	tracer.SetOK(span)
	return result, nil
}

// RunProcess executes a specific binary with explicit arguments,
// working directory and extra environment, without shell
// interpretation.
func (c *Computer) RunProcess(ctx context.Context, command string, args []string, cwd string, env map[string]string, timeout time.Duration) (domain.CommandResult, error) {
	ctx, span := tracer.StartSpan(ctx, "computer.run_process",
		trace.WithAttributes(tracer.StringAttr("command", command)))
	defer span.End()

	if err := c.requireStarted("Computer.RunProcess"); err != nil {
		tracer.RecordError(span, err)
		return domain.CommandResult{}, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	environ := os.Environ()
	for k, v := range env {
		environ = append(environ, k+"="+v)
	}

	stdout, stderr, err := c.backend.Execute(ctx, command, args, cwd, environ)
	result := resultFromRun(stdout, stderr, err)

	span.SetAttributes(tracer.IntAttr("returncode", result.ReturnCode))
	tracer.SetOK(span)
	return result, nil
}

func (c *Computer) requireStarted(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.ComputerStateStarted {
		return domain.NewSubSystemError("computer", op, domain.ErrComputerStopped,
			"computer is not started")
	}
	return nil
}

func (c *Computer) publish(ctx context.Context, eventType domain.EventType, payload map[string]any) {
	if c.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	c.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   raw,
	})
}
