package domain

// CommandResult is the structured result of a command run through an
// interactive shell session.
//
// On POSIX the session multiplexes stdout and stderr through a single
// pseudo-terminal, so Stderr is empty and ReturnCode is 0 regardless of
// the command's real exit status. This is a documented limitation of the
// pty transport, not an error condition.
type CommandResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"returncode"`
}

// ShellState is the run state of an interactive shell session.
type ShellState string

const (
	ShellStateStopped ShellState = "stopped"
	ShellStateRunning ShellState = "running"
)
