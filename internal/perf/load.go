package perf

import (
	"sync/atomic"

	"github.com/synod-ai/synod/pkg/provider/llm"
)

// LoadTracker counts in-flight invocations per tier. The orchestrator
// increments around each backend call; the router reads live load to detect
// overload and to shift borderline decisions toward the less-loaded tier.
type LoadTracker struct {
	speed   atomic.Int64
	quality atomic.Int64
}

// NewLoadTracker returns a tracker with zero load.
func NewLoadTracker() *LoadTracker {
	return &LoadTracker{}
}

func (lt *LoadTracker) counter(tier llm.Tier) *atomic.Int64 {
	if tier == llm.TierSpeed {
		return &lt.speed
	}
	return &lt.quality
}

// Acquire records the start of an invocation on tier.
func (lt *LoadTracker) Acquire(tier llm.Tier) {
	lt.counter(tier).Add(1)
}

// Release records the end of an invocation on tier.
func (lt *LoadTracker) Release(tier llm.Tier) {
	lt.counter(tier).Add(-1)
}

// Load returns the in-flight count for tier.
func (lt *LoadTracker) Load(tier llm.Tier) int {
	return int(lt.counter(tier).Load())
}

// Total returns the in-flight count across both tiers.
func (lt *LoadTracker) Total() int {
	return int(lt.speed.Load() + lt.quality.Load())
}
