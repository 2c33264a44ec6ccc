package pool

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nanogrid/function-agent/internal/agenterr"
	"github.com/nanogrid/function-agent/internal/container"
	"github.com/nanogrid/function-agent/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is an in-memory container.Adapter double: no daemon, just
// bookkeeping, so the pool's rent/return/generation logic can be
// exercised without Docker.
type fakeAdapter struct {
	mu       sync.Mutex
	created  int
	removed  int
	nextID   int64
	execFail bool
}

func (f *fakeAdapter) Create(ctx context.Context, runtime job.Runtime) (*container.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	f.nextID++
	return &container.Slot{ID: "slot-" + strconv.FormatInt(f.nextID, 10), Runtime: runtime, State: container.StateProvisioning}, nil
}

func (f *fakeAdapter) Start(ctx context.Context, slot *container.Slot) error { return nil }

func (f *fakeAdapter) Exec(ctx context.Context, slot *container.Slot, argv []string, workdir string, env map[string]string, stdin io.Reader, memoryCapBytes int64, stdoutCap, stderrCap int) (*container.ExecResult, error) {
	f.mu.Lock()
	fail := f.execFail
	f.mu.Unlock()
	if fail {
		return nil, &container.OpError{Kind: container.FailureDaemonUnavailable, Op: "Exec", Cause: errFakeExec}
	}
	return &container.ExecResult{ExitCode: 0}, nil
}

func (f *fakeAdapter) CopyIn(ctx context.Context, slot *container.Slot, hostSrc, dstPath string) error {
	return nil
}

func (f *fakeAdapter) CopyOut(ctx context.Context, slot *container.Slot, srcPath, hostDst string) error {
	return nil
}

func (f *fakeAdapter) Stats(ctx context.Context, slot *container.Slot) (container.Stats, error) {
	return container.Stats{}, nil
}

func (f *fakeAdapter) Pause(ctx context.Context, slot *container.Slot) error   { return nil }
func (f *fakeAdapter) Unpause(ctx context.Context, slot *container.Slot) error { return nil }
func (f *fakeAdapter) Kill(ctx context.Context, slot *container.Slot, signal string) error {
	return nil
}

func (f *fakeAdapter) Remove(ctx context.Context, slot *container.Slot) error {
	f.mu.Lock()
	f.removed++
	f.mu.Unlock()
	return nil
}

var errFakeExec = errors.New("exec failed")

var _ container.Adapter = (*fakeAdapter)(nil)

func newTestPool(t *testing.T, capacity int) (*Pool, *fakeAdapter) {
	t.Helper()
	adapter := &fakeAdapter{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	p := New(ctx, adapter, []Config{{Runtime: job.RuntimePython, Target: 0, Capacity: capacity}})
	return p, adapter
}

// TestPoolInvariantHoldsUnderConcurrentRent asserts that
// Idle+Rented+Provisioning never exceeds Capacity, even when many
// goroutines race to rent concurrently.
func TestPoolInvariantHoldsUnderConcurrentRent(t *testing.T) {
	const capacity = 4
	p, _ := newTestPool(t, capacity)

	var wg sync.WaitGroup
	var successes int64
	deadline := time.Now().Add(200 * time.Millisecond)

	for i := 0; i < capacity*3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Rent(context.Background(), job.RuntimePython, deadline)
			if err == nil {
				atomic.AddInt64(&successes, 1)
			}
		}()
	}
	wg.Wait()

	stats, err := p.StatsFor(job.RuntimePython)
	require.NoError(t, err)
	total := stats.Idle + stats.Rented + stats.Provisioning
	assert.LessOrEqual(t, total, capacity, "pool invariant: idle+rented+provisioning must never exceed capacity")
	assert.Equal(t, int64(capacity), successes, "exactly capacity many rents should succeed before the deadline")
}

// TestRentFailsWithPoolExhaustedPastCapacity asserts that once the pool
// is saturated, a Rent whose deadline has already elapsed fails with
// KindPoolExhausted rather than blocking indefinitely.
func TestRentFailsWithPoolExhaustedPastCapacity(t *testing.T) {
	p, _ := newTestPool(t, 1)

	slot, err := p.Rent(context.Background(), job.RuntimePython, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, slot)

	_, err = p.Rent(context.Background(), job.RuntimePython, time.Now().Add(-time.Millisecond))
	require.Error(t, err)
	assert.Equal(t, agenterr.KindPoolExhausted, agenterr.KindOf(err))
}

// TestReturnWithStaleGenerationDestroysSlotInsteadOfReidling asserts the
// generation-check property: a Return carrying a generation that no
// longer matches the slot's current generation (a stale double-return,
// e.g. a duplicate queue delivery racing the original job) is rejected
// as a no-op that destroys the slot, rather than handing a
// still-possibly-in-use container back out as Idle.
func TestReturnWithStaleGenerationDestroysSlotInsteadOfReidling(t *testing.T) {
	p, adapter := newTestPool(t, 1)

	slot, err := p.Rent(context.Background(), job.RuntimePython, time.Now().Add(time.Second))
	require.NoError(t, err)
	staleGeneration := slot.Generation - 1

	err = p.Return(context.Background(), slot, staleGeneration, DispositionClean, nil)
	require.NoError(t, err, "a stale return is swallowed, not propagated as an error")

	adapter.mu.Lock()
	removed := adapter.removed
	adapter.mu.Unlock()
	assert.Equal(t, 1, removed, "stale-generation return must destroy the slot")

	stats, err := p.StatsFor(job.RuntimePython)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Idle, "a stale return must never re-idle the slot")
}

// TestReturnWithCorrectGenerationReidlesSlot is the control case for the
// above: a Return whose generation matches must re-idle the slot (after
// the liveness-check exec this fake always succeeds), not destroy it.
func TestReturnWithCorrectGenerationReidlesSlot(t *testing.T) {
	p, adapter := newTestPool(t, 1)

	slot, err := p.Rent(context.Background(), job.RuntimePython, time.Now().Add(time.Second))
	require.NoError(t, err)
	generation := slot.Generation

	err = p.Return(context.Background(), slot, generation, DispositionClean, nil)
	require.NoError(t, err)

	adapter.mu.Lock()
	removed := adapter.removed
	adapter.mu.Unlock()
	assert.Equal(t, 0, removed)

	stats, err := p.StatsFor(job.RuntimePython)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.Rented)
}

// TestReturnDirtyDestroysRegardlessOfGeneration ensures a Dirty
// disposition always destroys, independent of the generation-check path.
func TestReturnDirtyDestroysRegardlessOfGeneration(t *testing.T) {
	p, adapter := newTestPool(t, 1)

	slot, err := p.Rent(context.Background(), job.RuntimePython, time.Now().Add(time.Second))
	require.NoError(t, err)

	err = p.Return(context.Background(), slot, slot.Generation, DispositionDirty, nil)
	require.NoError(t, err)

	adapter.mu.Lock()
	removed := adapter.removed
	adapter.mu.Unlock()
	assert.Equal(t, 1, removed)
}
