// Package job holds the data model shared by every component: the
// inbound request, its terminal outcome, and the wire envelope built
// from that outcome.
package job

import "time"

// Runtime is one of the runtimes the descriptor table knows how to launch.
type Runtime string

const (
	RuntimePython Runtime = "python"
	RuntimeCPP    Runtime = "cpp"
	RuntimeNodeJS Runtime = "nodejs"
	RuntimeGo     Runtime = "go"
)

// Request is a Job Request: immutable once received off the queue.
type Request struct {
	RequestID     string
	FunctionID    string
	Runtime       Runtime
	S3Bucket      string
	S3Key         string
	TimeoutMs     int64
	MemoryMb      int64
	ReceiptHandle string
}

// Status is the terminal state of an Execution Outcome.
type Status string

const (
	StatusSucceeded        Status = "Succeeded"
	StatusFailedNonZeroExit Status = "FailedNonZeroExit"
	StatusTimedOut         Status = "TimedOut"
	StatusMemoryExceeded   Status = "MemoryExceeded"
	StatusStageError       Status = "StageError"
	StatusInternalError    Status = "InternalError"
)

// OutputEntry is one line of the output manifest: a file the user's code
// wrote under the workspace's output/ directory.
type OutputEntry struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Locator  string `json:"locator"`
}

// Outcome is the Execution Outcome produced by the executor and carried
// through the binder and publisher.
type Outcome struct {
	RequestID  string
	FunctionID string
	Runtime    Runtime
	Status     Status
	ExitCode   int
	HasExit    bool // whether the process actually ran and produced ExitCode
	Stdout     string
	Stderr     string
	DurationMs int64
	PeakMemoryBytes int64
	Outputs    []OutputEntry

	// OptimizationTip is a supplemented, optional field: a human-readable
	// comparison of peak memory against the requested budget. Never
	// required, never demotes Status.
	OptimizationTip string
}

// Envelope is the JSON document published on the result bus.
type Envelope struct {
	RequestID       string        `json:"requestId"`
	FunctionID      string        `json:"functionId"`
	Status          Status        `json:"status"`
	ExitCode        *int          `json:"exitCode,omitempty"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	DurationMs      int64         `json:"durationMs"`
	PeakMemoryBytes int64         `json:"peakMemoryBytes"`
	Outputs         []OutputEntry `json:"outputs"`
	OptimizationTip string        `json:"optimizationTip,omitempty"`
}

// ToEnvelope builds the publish envelope from a terminal outcome.
func (o *Outcome) ToEnvelope() *Envelope {
	env := &Envelope{
		RequestID:       o.RequestID,
		FunctionID:      o.FunctionID,
		Status:          o.Status,
		Stdout:          o.Stdout,
		Stderr:          o.Stderr,
		DurationMs:      o.DurationMs,
		PeakMemoryBytes: o.PeakMemoryBytes,
		Outputs:         o.Outputs,
		OptimizationTip: o.OptimizationTip,
	}
	if o.HasExit {
		ec := o.ExitCode
		env.ExitCode = &ec
	}
	if env.Outputs == nil {
		env.Outputs = []OutputEntry{}
	}
	return env
}

// Elapsed is a small helper used by callers measuring a job's duration.
func Elapsed(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
