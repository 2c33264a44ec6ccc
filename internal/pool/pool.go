// Package pool is the Warm Pool: a per-runtime bounded set of container
// slots with safe rent/return, a background refill actor, and
// generation-based stale-return detection.
//
// The rent/return serialization is adapted from the teacher's slotQueue
// (api/agent/slots.go): a mutex-guarded slice with a sync.Cond instead of
// a channel, because rent must support a deadline-bounded wait rather
// than an unbounded channel receive.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/nanogrid/function-agent/internal/agenterr"
	"github.com/nanogrid/function-agent/internal/container"
	"github.com/nanogrid/function-agent/internal/job"
	"github.com/nanogrid/function-agent/internal/logctx"
)

// Disposition is what the caller observed about a rented slot when
// returning it.
type Disposition int

const (
	DispositionClean Disposition = iota
	DispositionDirty
)

// entry is the pool's bookkeeping record for one slot; it wraps the
// container.Slot, which itself carries the generation counter. Return
// finds the owning runtimePool from the slot's Runtime.
type entry struct {
	slot *container.Slot
}

// runtimePool holds the slots for a single runtime.
type runtimePool struct {
	runtime  job.Runtime
	cond     *sync.Cond
	idle     []*entry
	rented   map[string]*entry // slot id -> entry, for generation checks
	provisioning int
	target   int
	capacity int
	draining bool
}

// Pool is the Warm Pool across all runtimes.
type Pool struct {
	adapter container.Adapter
	mu      sync.Mutex
	byRuntime map[job.Runtime]*runtimePool
	refillInterval time.Duration
	stopRefill chan struct{}
	refillWG   sync.WaitGroup
}

// Config is the per-runtime target/capacity the pool is built with.
type Config struct {
	Runtime  job.Runtime
	Target   int
	Capacity int
}

// New constructs a Pool and starts one background refill actor per
// configured runtime.
func New(ctx context.Context, adapter container.Adapter, configs []Config) *Pool {
	p := &Pool{
		adapter:        adapter,
		byRuntime:      make(map[job.Runtime]*runtimePool),
		refillInterval: 2 * time.Second,
		stopRefill:     make(chan struct{}),
	}
	for _, c := range configs {
		rp := &runtimePool{
			runtime:  c.Runtime,
			cond:     sync.NewCond(&sync.Mutex{}),
			rented:   make(map[string]*entry),
			target:   c.Target,
			capacity: c.Capacity,
		}
		p.byRuntime[c.Runtime] = rp
		p.refillWG.Add(1)
		go p.refillLoop(ctx, rp)
	}
	return p
}

// Rent moves an Idle slot to Rented and bumps its generation. If none is
// idle, it provisions fresh (if under capacity) or waits up to deadline.
func (p *Pool) Rent(ctx context.Context, runtime job.Runtime, deadline time.Time) (*container.Slot, error) {
	rp, err := p.runtimePoolFor(runtime)
	if err != nil {
		return nil, err
	}

	log := logctx.From(ctx)

	for {
		rp.cond.L.Lock()
		if rp.draining {
			rp.cond.L.Unlock()
			return nil, agenterr.New(agenterr.KindPoolExhausted, "pool is draining")
		}

		if len(rp.idle) > 0 {
			e := rp.idle[len(rp.idle)-1]
			rp.idle = rp.idle[:len(rp.idle)-1]
			e.slot.Generation++
			e.slot.State = container.StateRented
			rp.rented[e.slot.ID] = e
			rp.cond.L.Unlock()

			if err := p.adapter.Unpause(ctx, e.slot); err != nil {
				log.WithError(err).Warn("unpause failed on rent, discarding slot")
				p.destroyAndForget(ctx, rp, e)
				continue
			}
			return e.slot, nil
		}

		total := len(rp.idle) + len(rp.rented) + rp.provisioning
		if total < rp.capacity {
			rp.provisioning++
			rp.cond.L.Unlock()

			slot, err := p.provisionOne(ctx, rp)
			rp.cond.L.Lock()
			rp.provisioning--
			if err != nil {
				rp.cond.L.Unlock()
				log.WithError(err).Error("provisioning failed on cold rent")
				continue
			}
			slot.Generation++
			slot.State = container.StateRented
			e := &entry{slot: slot}
			rp.rented[slot.ID] = e
			rp.cond.L.Unlock()

			// provisionOne leaves the new slot paused, like any idle slot.
			if err := p.adapter.Unpause(ctx, slot); err != nil {
				log.WithError(err).Warn("unpause failed on rent, discarding slot")
				p.destroyAndForget(ctx, rp, e)
				continue
			}
			return slot, nil
		}

		// pool saturated: wait on the condition variable until a slot
		// returns or the deadline elapses.
		if !time.Now().Before(deadline) {
			rp.cond.L.Unlock()
			return nil, agenterr.New(agenterr.KindPoolExhausted, "no slot available before deadline")
		}

		waitCh := make(chan struct{})
		go func() {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			timer := time.NewTimer(remaining)
			defer timer.Stop()
			select {
			case <-timer.C:
				rp.cond.L.Lock()
				rp.cond.Broadcast()
				rp.cond.L.Unlock()
			case <-waitCh:
			}
		}()
		rp.cond.Wait()
		close(waitCh)
		rp.cond.L.Unlock()

		if !time.Now().Before(deadline) && len(rp.idle) == 0 {
			// woke on deadline timer with nothing to rent; loop will
			// recheck and return PoolExhausted above.
			continue
		}
	}
}

// Return releases a rented slot back to the pool. generation must match
// the slot's generation at rent time; a mismatch indicates a stale
// double-return and the slot is destroyed instead of reused.
func (p *Pool) Return(ctx context.Context, slot *container.Slot, generation uint64, disposition Disposition, clean func(ctx context.Context) error) error {
	rp, err := p.runtimePoolFor(slot.Runtime)
	if err != nil {
		return err
	}

	rp.cond.L.Lock()
	e, ok := rp.rented[slot.ID]
	if !ok || slot.Generation != generation {
		rp.cond.L.Unlock()
		logctx.From(ctx).WithField("slot", slot.ID).Warn("stale slot return rejected, destroying")
		p.destroyAndForget(ctx, rp, &entry{slot: slot})
		return nil
	}
	delete(rp.rented, slot.ID)
	draining := rp.draining
	rp.cond.L.Unlock()

	if disposition == DispositionDirty || draining {
		p.destroyAndForget(ctx, rp, e)
		return nil
	}

	if clean != nil {
		if err := clean(ctx); err != nil {
			logctx.From(ctx).WithError(err).Warn("workspace cleanup failed on return, treating as dirty")
			p.destroyAndForget(ctx, rp, e)
			return nil
		}
	}

	// fast liveness check
	if _, err := p.adapter.Exec(ctx, slot, []string{"true"}, "/", nil, nil, 0, container.ProbeOutputCapBytes, container.ProbeOutputCapBytes); err != nil {
		logctx.From(ctx).WithError(err).Warn("liveness check failed on return, treating as dirty")
		p.destroyAndForget(ctx, rp, e)
		return nil
	}

	if err := p.adapter.Pause(ctx, slot); err != nil {
		logctx.From(ctx).WithError(err).Warn("pause failed on return, treating as dirty")
		p.destroyAndForget(ctx, rp, e)
		return nil
	}

	slot.State = container.StateIdle
	rp.cond.L.Lock()
	rp.idle = append(rp.idle, e)
	rp.cond.L.Unlock()
	rp.cond.Broadcast()
	return nil
}

// Shutdown moves every runtime pool into draining: Rent fails
// immediately, every idle slot is destroyed now, and every slot still
// rented is destroyed when it is returned.
func (p *Pool) Shutdown(ctx context.Context) {
	close(p.stopRefill)
	p.refillWG.Wait()

	for _, rp := range p.byRuntime {
		rp.cond.L.Lock()
		rp.draining = true
		idle := rp.idle
		rp.idle = nil
		rp.cond.L.Unlock()
		rp.cond.Broadcast()

		for _, e := range idle {
			p.destroyAndForget(ctx, rp, e)
		}
	}
}

func (p *Pool) provisionOne(ctx context.Context, rp *runtimePool) (*container.Slot, error) {
	slot, err := p.adapter.Create(ctx, rp.runtime)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindDaemonUnavailable, "create slot", err)
	}
	if err := p.adapter.Start(ctx, slot); err != nil {
		p.adapter.Remove(ctx, slot)
		return nil, agenterr.Wrap(agenterr.KindDaemonUnavailable, "start slot", err)
	}
	if err := p.adapter.Pause(ctx, slot); err != nil {
		p.adapter.Remove(ctx, slot)
		return nil, agenterr.Wrap(agenterr.KindDaemonUnavailable, "pause new slot", err)
	}
	slot.State = container.StateIdle
	return slot, nil
}

func (p *Pool) destroyAndForget(ctx context.Context, rp *runtimePool, e *entry) {
	e.slot.State = container.StateDestroyed
	if err := p.adapter.Remove(ctx, e.slot); err != nil {
		logctx.From(ctx).WithError(err).WithField("slot", e.slot.ID).Error("failed to remove destroyed slot")
	}
	rp.cond.L.Lock()
	delete(rp.rented, e.slot.ID)
	rp.cond.L.Unlock()
	rp.cond.Broadcast()
}

func (p *Pool) runtimePoolFor(runtime job.Runtime) (*runtimePool, error) {
	p.mu.Lock()
	rp, ok := p.byRuntime[runtime]
	p.mu.Unlock()
	if !ok {
		return nil, agenterr.New(agenterr.KindInternal, "no warm pool configured for runtime "+string(runtime))
	}
	return rp, nil
}

// refillLoop is the single background actor per runtime that keeps
// count(Idle)+count(Provisioning) >= target whenever not draining.
// Provisioning runs off the hot path so rent on a cold pool can still
// proceed synchronously (via the capacity branch above) rather than
// stalling behind image pulls here.
func (p *Pool) refillLoop(ctx context.Context, rp *runtimePool) {
	defer p.refillWG.Done()
	ticker := time.NewTicker(p.refillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopRefill:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rp.cond.L.Lock()
		draining := rp.draining
		deficit := rp.target - (len(rp.idle) + rp.provisioning)
		if deficit > 0 {
			rp.provisioning++
		}
		rp.cond.L.Unlock()

		if draining || deficit <= 0 {
			continue
		}

		slot, err := p.provisionOne(ctx, rp)
		rp.cond.L.Lock()
		rp.provisioning--
		if err == nil {
			rp.idle = append(rp.idle, &entry{slot: slot})
		}
		rp.cond.L.Unlock()
		if err != nil {
			logctx.From(ctx).WithError(err).WithField("runtime", rp.runtime).Error("refill provisioning failed")
		} else {
			rp.cond.Broadcast()
		}
	}
}

// Stats reports the current Idle/Rented/Provisioning counts for a
// runtime, used by tests to assert the pool invariant.
type Stats struct {
	Idle         int
	Rented       int
	Provisioning int
	Capacity     int
}

func (p *Pool) StatsFor(runtime job.Runtime) (Stats, error) {
	rp, err := p.runtimePoolFor(runtime)
	if err != nil {
		return Stats{}, err
	}
	rp.cond.L.Lock()
	defer rp.cond.L.Unlock()
	return Stats{
		Idle:         len(rp.idle),
		Rented:       len(rp.rented),
		Provisioning: rp.provisioning,
		Capacity:     rp.capacity,
	}, nil
}
