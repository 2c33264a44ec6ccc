package execute

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nanogrid/function-agent/internal/container"
)

// peakSampler polls the Container Adapter's Stats call at a fixed
// interval and keeps the maximum RSS observed, satisfying the
// executor's twofold memory enforcement: the cgroup limit is the hard
// ceiling, this sampler is only for reporting and the optimization tip.
type peakSampler struct {
	adapter container.Adapter
	slot    *container.Slot
	peak    int64 // atomic
}

func newPeakSampler(adapter container.Adapter, slot *container.Slot) *peakSampler {
	return &peakSampler{adapter: adapter, slot: slot}
}

func (p *peakSampler) pollUntil(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(statsPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := p.adapter.Stats(ctx, p.slot)
			if err != nil {
				continue
			}
			for {
				cur := atomic.LoadInt64(&p.peak)
				if stats.RSSBytes <= cur {
					break
				}
				if atomic.CompareAndSwapInt64(&p.peak, cur, stats.RSSBytes) {
					break
				}
			}
		}
	}
}

func (p *peakSampler) value() int64 {
	return atomic.LoadInt64(&p.peak)
}

// OptimizationTip compares peak memory against the requested budget and
// returns a human-readable hint, mirroring
// original_source/docker_service.py's _create_optimization_tip: flags
// when actual usage is far below the request (right-size down) or
// dangerously close to it (risk of MemoryExceeded next time).
func OptimizationTip(peakBytes, requestedMb int64) string {
	if requestedMb <= 0 {
		return ""
	}
	requestedBytes := requestedMb * 1024 * 1024
	if requestedBytes == 0 {
		return ""
	}
	ratio := float64(peakBytes) / float64(requestedBytes)
	switch {
	case ratio < 0.2:
		return "peak memory usage was well under the requested budget; consider lowering memoryMb"
	case ratio > 0.9:
		return "peak memory usage was close to the requested budget; consider raising memoryMb to avoid MemoryExceeded"
	default:
		return ""
	}
}
