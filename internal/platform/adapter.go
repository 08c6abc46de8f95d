// Package platform concentrates every POSIX-vs-Windows divergence of
// process handling behind a small adapter surface: spawn, group
// termination, non-blocking reads, and liveness probes.
//
// Higher layers (the interactive shell session and the background
// process registry) are platform-agnostic; they only see a *Handle.
// Apart from Spawn, no operation in this package propagates OS errors:
// read failures mean "no data", probe failures mean "not alive".
package platform

import "time"

// StdioMode selects how a spawned child's standard streams are bound.
type StdioMode int

const (
	// StdioPTY binds stdin/stdout/stderr to a pseudo-terminal pair so
	// the child behaves as if driven from an interactive terminal. On
	// Windows, where no pty is allocated, this degrades to pipes.
	StdioPTY StdioMode = iota
	// StdioPipes binds the streams to separate pipes, keeping stdout
	// and stderr distinguishable.
	StdioPipes
)

// Spec describes a child process to spawn.
type Spec struct {
	Argv     []string // command and arguments; Argv[0] is the executable
	Dir      string   // working directory, empty = inherit
	Env      []string // full environment in "KEY=value" form, nil = inherit
	Mode     StdioMode
	NewGroup bool // place the child in its own session/process group
}

// DefaultTerminateGrace is the window between the graceful termination
// signal and the forceful kill escalation.
const DefaultTerminateGrace = 3 * time.Second
