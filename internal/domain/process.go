package domain

// ProcessStatus represents the lifecycle state of a background process.
type ProcessStatus string

const (
	ProcessStatusRunning   ProcessStatus = "running"
	ProcessStatusCompleted ProcessStatus = "completed"
	ProcessStatusFailed    ProcessStatus = "failed"
	ProcessStatusNotFound  ProcessStatus = "not_found"
)

// BackgroundProcess is the record returned when a command is spawned in
// the background. A failed spawn carries PID 0, status "failed" and the
// spawn error text instead of raising.
type BackgroundProcess struct {
	PID     int           `json:"pid"`
	Command string        `json:"command"`
	Status  ProcessStatus `json:"status"`
	Error   string        `json:"error,omitempty"`
}

// ProcessOutput is the cumulative output snapshot of a background
// process. ReturnCode is nil while the process is still running, and for
// unknown PIDs (status "not_found").
type ProcessOutput struct {
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	Status     ProcessStatus `json:"status"`
	ReturnCode *int          `json:"returncode"`
}
