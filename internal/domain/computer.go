package domain

// ComputerState is the lifecycle state of a computer backend.
type ComputerState string

const (
	ComputerStateStopped ComputerState = "stopped"
	ComputerStateStarted ComputerState = "started"
)
