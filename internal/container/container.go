// Package container is the Container Adapter: a thin, narrow contract
// over the container daemon. Every other component talks to containers
// only through this interface, never through a daemon client directly.
package container

import (
	"context"
	"io"
	"time"

	"github.com/nanogrid/function-agent/internal/job"
)

// State is a Container Slot's lifecycle state.
type State int

const (
	StateProvisioning State = iota
	StateIdle
	StateRented
	StateDirty
	StateDraining
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "Provisioning"
	case StateIdle:
		return "Idle"
	case StateRented:
		return "Rented"
	case StateDirty:
		return "Dirty"
	case StateDraining:
		return "Draining"
	case StateDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// Slot is a Container Slot: one warm container, identified by its
// daemon-assigned id, bound to a single runtime for its entire life.
type Slot struct {
	ID          string
	Runtime     job.Runtime
	State       State
	CreatedAt   time.Time
	LastHealthCheck time.Time
	Generation  uint64
}

// ExecResult is what `exec` returns: the reaped status of one run inside
// an already-started container.
type ExecResult struct {
	ExitCode   int
	StdoutTail []byte
	StderrTail []byte
	Duration   time.Duration
	PeakRSS    int64
	// OOMKilled is true when the kernel's cgroup OOM killer reaped the
	// process, distinguishing a memory kill from an ordinary non-zero exit.
	OOMKilled bool
}

// Stats is the instantaneous resource sample used by the executor's
// 250ms peak-memory poller.
type Stats struct {
	RSSBytes int64
}

// ProbeOutputCapBytes bounds stdout/stderr capture for the pool's
// liveness check and the dispatcher's workspace cleanup exec: neither
// expects meaningful output, so a few KiB is generous.
const ProbeOutputCapBytes = 4096

// Failure kinds a Container Adapter operation can fail with. These are
// distinct from agenterr.Kind because they describe the daemon-facing
// failure mode; callers translate them to agenterr.Kind at the boundary
// (e.g. DaemonUnavailable propagates fatally to the dispatcher).
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureDaemonUnavailable
	FailureImageMissing
	FailureResourceExhausted
	FailureTimeout
	FailureNotFound
)

// OpError wraps a Container Adapter failure with its FailureKind.
type OpError struct {
	Kind  FailureKind
	Op    string
	Cause error
}

func (e *OpError) Error() string {
	return e.Op + ": " + e.Kind.String() + ": " + e.Cause.Error()
}

func (e *OpError) Unwrap() error { return e.Cause }

func (k FailureKind) String() string {
	switch k {
	case FailureDaemonUnavailable:
		return "DaemonUnavailable"
	case FailureImageMissing:
		return "ImageMissing"
	case FailureResourceExhausted:
		return "ResourceExhausted"
	case FailureTimeout:
		return "Timeout"
	case FailureNotFound:
		return "NotFound"
	default:
		return "None"
	}
}

// Adapter is the Container Adapter contract. Implementations must be
// reentrant; callers serialize per-slot operations by holding that
// slot's Rented exclusivity.
type Adapter interface {
	// Create provisions a new, stopped slot for runtime. Returned slot is
	// in StateProvisioning.
	Create(ctx context.Context, runtime job.Runtime) (*Slot, error)

	// Start boots the slot's sleep-forever entrypoint. It applies no
	// memory cap: Exec applies memoryCapBytes just before each run, so
	// idle containers don't reserve RAM.
	Start(ctx context.Context, slot *Slot) error

	// Exec runs argv inside the slot's already-started container and
	// blocks until it exits or ctx is done. stdoutCapBytes/stderrCapBytes
	// bound the two streams at the point of copy, not after the fact: an
	// implementation must not buffer more than the cap in memory
	// regardless of how much the process writes. A cap <= 0 means
	// unbounded.
	Exec(ctx context.Context, slot *Slot, argv []string, workdir string, env map[string]string, stdin io.Reader, memoryCapBytes int64, stdoutCapBytes, stderrCapBytes int) (*ExecResult, error)

	// CopyIn writes the tree at hostSrc into the container at dstPath.
	CopyIn(ctx context.Context, slot *Slot, hostSrc, dstPath string) error

	// CopyOut reads the tree at srcPath in the container to hostDst.
	CopyOut(ctx context.Context, slot *Slot, srcPath, hostDst string) error

	// Stats samples current resource usage.
	Stats(ctx context.Context, slot *Slot) (Stats, error)

	// Pause freezes all processes in the slot's container (near-zero CPU
	// while idle, memory still reserved).
	Pause(ctx context.Context, slot *Slot) error

	// Unpause thaws a paused container before it is rented.
	Unpause(ctx context.Context, slot *Slot) error

	// Kill sends signal (e.g. "TERM", "KILL") to the slot's running process.
	Kill(ctx context.Context, slot *Slot, signal string) error

	// Remove destroys the container entirely.
	Remove(ctx context.Context, slot *Slot) error
}
