// Package dispatch is the Dispatcher: long-polls the queue, bounds
// in-flight concurrency, and owns the per-job state machine from
// Received through Completed.
package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/nanogrid/function-agent/internal/agenterr"
	"github.com/nanogrid/function-agent/internal/container"
	"github.com/nanogrid/function-agent/internal/execute"
	"github.com/nanogrid/function-agent/internal/job"
	"github.com/nanogrid/function-agent/internal/logctx"
	"github.com/nanogrid/function-agent/internal/output"
	"github.com/nanogrid/function-agent/internal/pool"
	"github.com/nanogrid/function-agent/internal/publish"
	"github.com/nanogrid/function-agent/internal/queue"
	"github.com/nanogrid/function-agent/internal/stage"
	"golang.org/x/sync/semaphore"
)

// wireMessage is the JSON body received from the queue, per the
// external interfaces section.
type wireMessage struct {
	RequestID  string `json:"requestId"`
	FunctionID string `json:"functionId"`
	Runtime    string `json:"runtime"`
	S3Bucket   string `json:"s3Bucket"`
	S3Key      string `json:"s3Key"`
	TimeoutMs  int64  `json:"timeoutMs"`
	MemoryMb   int64  `json:"memoryMb"`
}

// Config configures a Dispatcher.
type Config struct {
	MaxInFlight       int64
	VisibilityTimeout time.Duration
	ShutdownGrace     time.Duration
}

// Dispatcher wires every component together and runs the intake loop.
type Dispatcher struct {
	queue     queue.Client
	stager    *stage.Stager
	pool      *pool.Pool
	adapter   container.Adapter
	executor  *execute.Executor
	binder    *output.Binder
	publisher *publish.ResultPublisher

	sem      *semaphore.Weighted
	sessions *sessionGroup

	visibilityTimeout time.Duration
	shutdownGrace     time.Duration
}

// Deps bundles the collaborators a Dispatcher is built from.
type Deps struct {
	Queue     queue.Client
	Stager    *stage.Stager
	Pool      *pool.Pool
	Adapter   container.Adapter
	Executor  *execute.Executor
	Binder    *output.Binder
	Publisher *publish.ResultPublisher
}

func New(deps Deps, cfg Config) *Dispatcher {
	return &Dispatcher{
		queue:             deps.Queue,
		stager:            deps.Stager,
		pool:              deps.Pool,
		adapter:           deps.Adapter,
		executor:          deps.Executor,
		binder:            deps.Binder,
		publisher:         deps.Publisher,
		sem:               semaphore.NewWeighted(cfg.MaxInFlight),
		sessions:          newSessionGroup(),
		visibilityTimeout: cfg.VisibilityTimeout,
		shutdownGrace:     cfg.ShutdownGrace,
	}
}

// Run is the long-polling intake loop. It blocks until ctx is canceled
// (SIGINT/SIGTERM, translated upstream by the caller), at which point it
// stops accepting new messages, waits up to shutdownGrace for in-flight
// jobs to finish, then returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	log := logctx.From(ctx)

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		default:
		}

		msgs, err := d.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return d.shutdown()
			}
			log.WithError(err).Error("queue receive failed")
			continue
		}

		for _, m := range msgs {
			if err := d.sem.Acquire(ctx, 1); err != nil {
				// context canceled while waiting for a slot in the
				// semaphore; let the outer loop handle shutdown.
				break
			}
			if !d.sessions.add(m.ReceiptHandle) {
				d.sem.Release(1)
				continue
			}
			go func(m queue.Message) {
				defer d.sem.Release(1)
				defer d.sessions.remove(m.ReceiptHandle)
				d.processMessage(ctx, m)
			}(m)
		}
	}
}

func (d *Dispatcher) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.shutdownGrace)
	defer cancel()

	select {
	case <-d.sessions.closeAndWaitNB():
		return nil
	case <-ctx.Done():
		if remaining := d.sessions.remaining(); len(remaining) > 0 {
			logctx.From(ctx).WithField("count", len(remaining)).WithField("sessions", remaining).Warn("shutdown grace period expired with sessions still in flight")
		}
		return nil
	}
}

// processMessage runs one job's Received -> ... -> Completed state
// machine, including visibility-timeout heartbeating, and ensures
// exactly one terminal outcome is published per message before it is
// (maybe) deleted.
func (d *Dispatcher) processMessage(ctx context.Context, m queue.Message) {
	var wire wireMessage
	if err := json.Unmarshal([]byte(m.Body), &wire); err != nil {
		logctx.From(ctx).WithError(err).Error("malformed queue message, deleting")
		d.queue.Delete(ctx, m)
		return
	}

	req := &job.Request{
		RequestID:     wire.RequestID,
		FunctionID:    wire.FunctionID,
		Runtime:       job.Runtime(wire.Runtime),
		S3Bucket:      wire.S3Bucket,
		S3Key:         wire.S3Key,
		TimeoutMs:     wire.TimeoutMs,
		MemoryMb:      wire.MemoryMb,
		ReceiptHandle: m.ReceiptHandle,
	}

	ctx, log := logctx.WithRequestID(ctx, req.RequestID)
	log = log.WithField("function_id", req.FunctionID)

	if req.TimeoutMs <= 0 {
		log.Warn("rejecting job with non-positive timeoutMs at intake")
		d.terminal(ctx, m, req, agenterr.New(agenterr.KindInternal, "timeoutMs must be > 0"))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond+d.shutdownGrace)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go d.heartbeat(jobCtx, m, heartbeatDone)
	defer close(heartbeatDone)

	outcome, err := d.runStateMachine(jobCtx, req)
	if err != nil {
		d.terminal(ctx, m, req, err)
		return
	}

	d.publishAndMaybeDelete(ctx, m, outcome)
}

// runStateMachine drives Staging -> Acquiring -> Executing -> Binding
// and returns a filled Outcome, or an error if any stage failed
// terminally before execution produced one of its own.
func (d *Dispatcher) runStateMachine(ctx context.Context, req *job.Request) (*job.Outcome, error) {
	log := logctx.From(ctx)

	// Staging (host-side half): starts before acquisition so a stuck
	// download never consumes container budget.
	prepared, err := d.stager.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(prepared.ScratchDir)

	// Acquiring
	rentDeadline := time.Now().Add(time.Duration(req.TimeoutMs) * time.Millisecond)
	slot, err := d.pool.Rent(ctx, req.Runtime, rentDeadline)
	if err != nil {
		return nil, err
	}
	generation := slot.Generation

	staged, err := d.stager.Inject(ctx, slot, req, prepared)
	if err != nil {
		d.pool.Return(ctx, slot, generation, pool.DispositionDirty, nil)
		return nil, err
	}

	// Executing
	env := map[string]string{"REQUEST_ID": req.RequestID}
	outcome, dirty, execErr := d.executor.Run(ctx, slot, staged.Argv, staged.Workdir, env, req)
	if execErr != nil {
		d.pool.Return(ctx, slot, generation, pool.DispositionDirty, nil)
		return nil, execErr
	}

	// Binding: best-effort, never demotes Status.
	manifest, partial, bindErr := d.binder.Bind(ctx, d.adapter, slot, req, staged.OutputDir)
	if bindErr != nil {
		log.WithError(bindErr).Warn("output binding failed")
	}
	if partial {
		log.Warn("some outputs failed to upload")
	}
	outcome.Outputs = manifest
	outcome.RequestID = req.RequestID
	outcome.FunctionID = req.FunctionID
	outcome.Runtime = req.Runtime
	outcome.OptimizationTip = execute.OptimizationTip(outcome.PeakMemoryBytes, req.MemoryMb)

	disposition := pool.DispositionClean
	if dirty {
		disposition = pool.DispositionDirty
	}
	var cleanupFn func(ctx context.Context) error
	if disposition == pool.DispositionClean {
		cleanupFn = func(ctx context.Context) error {
			_, err := d.adapter.Exec(ctx, slot, []string{"rm", "-rf", staged.Workdir}, "/", nil, nil, 0, container.ProbeOutputCapBytes, container.ProbeOutputCapBytes)
			return err
		}
	}
	if err := d.pool.Return(ctx, slot, generation, disposition, cleanupFn); err != nil {
		log.WithError(err).Warn("pool return failed")
	}

	return outcome, nil
}

// heartbeat extends the queue message's visibility every
// visibilityTimeout/3 until the job's state machine terminates.
func (d *Dispatcher) heartbeat(ctx context.Context, m queue.Message, done <-chan struct{}) {
	if d.visibilityTimeout <= 0 {
		return
	}
	interval := d.visibilityTimeout / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.queue.ExtendVisibility(ctx, m, d.visibilityTimeout); err != nil {
				logctx.From(ctx).WithError(err).Warn("failed to extend message visibility")
			}
		}
	}
}

// terminal handles a failed state machine: it synthesizes a failure
// outcome from err's Kind, publishes it, and applies the error table's
// disposition (delete / retain / fatal).
func (d *Dispatcher) terminal(ctx context.Context, m queue.Message, req *job.Request, err error) {
	log := logctx.From(ctx)
	kind := agenterr.KindOf(err)

	switch kind.Disposition() {
	case agenterr.DispositionRetain:
		log.WithError(err).WithField("kind", kind.String()).Warn("retryable failure, leaving message for redelivery")
		return
	case agenterr.DispositionFatal:
		log.WithError(err).Error("daemon unavailable, this is fatal for the agent")
		os.Exit(2)
		return
	}

	outcome := &job.Outcome{
		RequestID:  req.RequestID,
		FunctionID: req.FunctionID,
		Runtime:    req.Runtime,
		Status:     statusForKind(kind),
	}
	d.publishAndMaybeDelete(ctx, m, outcome)
}

func statusForKind(k agenterr.Kind) job.Status {
	switch k {
	case agenterr.KindStage:
		return job.StatusStageError
	case agenterr.KindTimedOut:
		return job.StatusTimedOut
	case agenterr.KindMemoryExceeded:
		return job.StatusMemoryExceeded
	case agenterr.KindFailedNonZeroExit:
		return job.StatusFailedNonZeroExit
	default:
		return job.StatusInternalError
	}
}

// publishAndMaybeDelete is the Publishing -> Completed tail shared by
// both the happy path and every FailedTerminal path: deletion from the
// queue happens only after publishing succeeds.
func (d *Dispatcher) publishAndMaybeDelete(ctx context.Context, m queue.Message, outcome *job.Outcome) {
	log := logctx.From(ctx)

	if err := d.publisher.Publish(ctx, string(outcome.Runtime), outcome); err != nil {
		log.WithError(err).Error("publish failed after retries, leaving message for redelivery")
		return
	}
	if err := d.queue.Delete(ctx, m); err != nil {
		log.WithError(err).Error("failed to delete message after successful publish")
	}
}
