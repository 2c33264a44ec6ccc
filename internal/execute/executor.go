// Package execute is the Executor: runs a staged command inside a
// rented container under a wall-clock deadline and a memory cap,
// capturing stdout/stderr into bounded ring buffers and sampling peak
// RSS for both the outcome and the metrics sink.
package execute

import (
	"context"
	"errors"
	"time"

	"github.com/nanogrid/function-agent/internal/agenterr"
	"github.com/nanogrid/function-agent/internal/container"
	"github.com/nanogrid/function-agent/internal/job"
	"github.com/nanogrid/function-agent/internal/logctx"
)

const (
	// defaultStreamCap bounds memory under pathological output floods;
	// the spec's example cap is 64 KiB per stream. Callers that need the
	// 10 MiB stdout boundary behavior supply their own Config.
	defaultStreamCap = 64 * 1024

	killGraceWindow   = 500 * time.Millisecond
	statsPollInterval = 250 * time.Millisecond
)

// Config tunes the executor's bounded resources.
type Config struct {
	StdoutCapBytes int
	StderrCapBytes int
}

// Executor runs staged code inside a rented slot.
type Executor struct {
	adapter container.Adapter
	cfg     Config
}

func New(adapter container.Adapter, cfg Config) *Executor {
	if cfg.StdoutCapBytes <= 0 {
		cfg.StdoutCapBytes = defaultStreamCap
	}
	if cfg.StderrCapBytes <= 0 {
		cfg.StderrCapBytes = defaultStreamCap
	}
	return &Executor{adapter: adapter, cfg: cfg}
}

type execOutcome struct {
	res *container.ExecResult
	err error
}

// Run executes argv inside slot under req's timeout and memory budget
// and returns a populated, but not yet request/function-tagged, Outcome.
// The caller (the dispatcher's per-job state machine) fills in
// RequestID/FunctionID and hands the outcome to the binder.
//
// dirty reports whether the slot must be returned to the pool as Dirty
// rather than Clean: true whenever the wall-clock killer fired, since a
// runaway process may have left the container's filesystem or running
// processes in an unknown state.
func (e *Executor) Run(ctx context.Context, slot *container.Slot, argv []string, workdir string, env map[string]string, req *job.Request) (outcome *job.Outcome, dirty bool, err error) {
	log := logctx.From(ctx)

	deadline := time.Now().Add(time.Duration(req.TimeoutMs) * time.Millisecond)
	execCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	memoryCapBytes := req.MemoryMb * 1024 * 1024

	peak := newPeakSampler(e.adapter, slot)
	statsDone := make(chan struct{})
	go func() {
		peak.pollUntil(execCtx, statsDone)
	}()

	resultCh := make(chan execOutcome, 1)
	go func() {
		res, runErr := e.adapter.Exec(execCtx, slot, argv, workdir, env, nil, memoryCapBytes, e.cfg.StdoutCapBytes, e.cfg.StderrCapBytes)
		resultCh <- execOutcome{res: res, err: runErr}
	}()

	start := time.Now()
	killerFired := false

	var final execOutcome
	select {
	case final = <-resultCh:
		// process finished (or its own error surfaced) before the deadline.
	case <-execCtx.Done():
		killerFired = true
		log.Warn("job exceeded wall-clock deadline, issuing TERM")
		if killErr := e.adapter.Kill(context.Background(), slot, "TERM"); killErr != nil {
			log.WithError(killErr).Warn("TERM delivery failed")
		}

		select {
		case final = <-resultCh:
		case <-time.After(killGraceWindow):
			log.Warn("process survived grace window, issuing KILL")
			if killErr := e.adapter.Kill(context.Background(), slot, "KILL"); killErr != nil {
				log.WithError(killErr).Warn("KILL delivery failed")
			}
			final = <-resultCh
		}
	}
	close(statsDone)
	duration := time.Since(start)

	outcome = &job.Outcome{
		DurationMs:      duration.Milliseconds(),
		PeakMemoryBytes: peak.value(),
	}

	// Wall-clock wins over everything else, including an exec error that
	// happened to race in (e.g. the attach socket closing as the
	// container is killed) and including a clean exit 0 reaped after the
	// killer already fired: the reaped status is not guaranteed to be
	// the real one once TERM/KILL has been sent.
	if killerFired {
		outcome.Status = job.StatusTimedOut
		if final.res != nil {
			outcome.ExitCode = final.res.ExitCode
			outcome.HasExit = true
			outcome.Stdout = string(final.res.StdoutTail)
			outcome.Stderr = string(final.res.StderrTail)
		}
		return outcome, true, nil
	}

	if final.err != nil {
		return nil, true, classifyExecErr(final.err)
	}

	res := final.res
	outcome.ExitCode = res.ExitCode
	outcome.HasExit = true
	// The Container Adapter already bounded these at copy time (see
	// docker.go's Exec, which demuxes straight into ringbuf.Writers), so
	// no further capping happens here.
	outcome.Stdout = string(res.StdoutTail)
	outcome.Stderr = string(res.StderrTail)

	switch {
	case res.OOMKilled:
		outcome.Status = job.StatusMemoryExceeded
		return outcome, true, nil
	case res.ExitCode == 0:
		outcome.Status = job.StatusSucceeded
		return outcome, false, nil
	default:
		outcome.Status = job.StatusFailedNonZeroExit
		return outcome, false, nil
	}
}

// classifyExecErr translates a Container Adapter failure into the
// agenterr.Kind that drives the dispatcher's disposition table (e.g. a
// daemon outage must stop intake and exit fatally, not just drop the
// message). pool.go's provisionOne, by contrast, reports every adapter
// failure at its own call site as KindDaemonUnavailable.
func classifyExecErr(err error) error {
	var opErr *container.OpError
	if errors.As(err, &opErr) {
		switch opErr.Kind {
		case container.FailureDaemonUnavailable:
			return agenterr.Wrap(agenterr.KindDaemonUnavailable, "container exec failed", err)
		case container.FailureTimeout:
			return agenterr.Wrap(agenterr.KindTimedOut, "container exec timed out", err)
		case container.FailureResourceExhausted:
			return agenterr.Wrap(agenterr.KindMemoryExceeded, "container exec resource exhausted", err)
		default:
			return agenterr.Wrap(agenterr.KindInternal, "container exec failed", err)
		}
	}
	return agenterr.Wrap(agenterr.KindInternal, "container exec failed", err)
}
