// Package perf tracks sliding-window performance metrics per backend tier
// and task type.
//
// Every terminal outcome, success or failure, is recorded as a sample in a
// fixed-size ring buffer; the oldest sample drops on overflow. The hybrid
// router reads success rates and latencies from here to shift its complexity
// thresholds, and the status report surfaces the same numbers to operators.
package perf

import (
	"sort"
	"sync"
	"time"

	"github.com/synod-ai/synod/pkg/provider/llm"
	"github.com/synod-ai/synod/pkg/types"
)

// WindowSize is the ring-buffer capacity per (tier, task-type) key.
const WindowSize = 100

// Sample is one terminal outcome of a backend invocation.
type Sample struct {
	// Success reports whether the invocation produced a usable response.
	Success bool

	// Latency is the wall-clock duration of the invocation.
	Latency time.Duration

	// Quality is the assessed quality score in [0,1]; zero when unknown.
	Quality float64

	// Tokens is the total token usage; zero when unknown.
	Tokens int

	// ErrorKind names the failure taxonomy kind for failed samples.
	ErrorKind string
}

// window is a fixed-size ring of samples. Oldest entries are overwritten
// once count reaches capacity.
type window struct {
	samples []Sample
	pos     int
	count   int
}

func newWindow(size int) *window {
	return &window{samples: make([]Sample, size)}
}

func (w *window) record(s Sample) {
	w.samples[w.pos] = s
	w.pos = (w.pos + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

func (w *window) successRate() float64 {
	if w.count == 0 {
		return 0
	}
	ok := 0
	for i := 0; i < w.count; i++ {
		if w.samples[i].Success {
			ok++
		}
	}
	return float64(ok) / float64(w.count)
}

func (w *window) avgLatency() time.Duration {
	if w.count == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < w.count; i++ {
		total += w.samples[i].Latency
	}
	return total / time.Duration(w.count)
}

func (w *window) avgQuality() float64 {
	n := 0
	var total float64
	for i := 0; i < w.count; i++ {
		if w.samples[i].Quality > 0 {
			total += w.samples[i].Quality
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// latencyPercentile returns the given percentile of recorded latencies.
func (w *window) latencyPercentile(p float64) time.Duration {
	if w.count == 0 {
		return 0
	}
	sorted := make([]time.Duration, w.count)
	for i := 0; i < w.count; i++ {
		sorted[i] = w.samples[i].Latency
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(w.count-1) * p)
	return sorted[idx]
}

// key identifies one ring buffer.
type key struct {
	tier llm.Tier
	task types.TaskType
}

// KeyStats is a read-only snapshot of one ring buffer.
type KeyStats struct {
	Tier        llm.Tier
	Task        types.TaskType
	Count       int
	SuccessRate float64
	AvgLatency  time.Duration
	P50Latency  time.Duration
	P99Latency  time.Duration
	AvgQuality  float64
}

// Store holds all ring buffers. Safe for concurrent use; the zero value is
// not usable, construct with [NewStore].
type Store struct {
	mu      sync.RWMutex
	windows map[key]*window
	size    int
}

// NewStore returns an empty store with WindowSize-sample buffers.
func NewStore() *Store {
	return &Store{windows: make(map[key]*window), size: WindowSize}
}

// Record folds one outcome into the (tier, task) buffer, creating it on
// first use.
func (s *Store) Record(tier llm.Tier, task types.TaskType, sample Sample) {
	k := key{tier: tier, task: task}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[k]
	if !ok {
		w = newWindow(s.size)
		s.windows[k] = w
	}
	w.record(sample)
}

// SuccessRate returns the success fraction for (tier, task). ok is false
// when no samples exist yet.
func (s *Store) SuccessRate(tier llm.Tier, task types.TaskType) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, found := s.windows[key{tier: tier, task: task}]
	if !found || w.count == 0 {
		return 0, false
	}
	return w.successRate(), true
}

// AvgLatency returns the mean latency for (tier, task). ok is false when no
// samples exist yet.
func (s *Store) AvgLatency(tier llm.Tier, task types.TaskType) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, found := s.windows[key{tier: tier, task: task}]
	if !found || w.count == 0 {
		return 0, false
	}
	return w.avgLatency(), true
}

// TierSuccessRate aggregates the success fraction across every task type
// recorded for tier. ok is false when the tier has no samples.
func (s *Store) TierSuccessRate(tier llm.Tier) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ok, total int
	for k, w := range s.windows {
		if k.tier != tier {
			continue
		}
		for i := 0; i < w.count; i++ {
			total++
			if w.samples[i].Success {
				ok++
			}
		}
	}
	if total == 0 {
		return 0, false
	}
	return float64(ok) / float64(total), true
}

// TierAvgLatency aggregates mean latency across every task type recorded
// for tier. ok is false when the tier has no samples.
func (s *Store) TierAvgLatency(tier llm.Tier) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total time.Duration
	var n int
	for k, w := range s.windows {
		if k.tier != tier {
			continue
		}
		for i := 0; i < w.count; i++ {
			total += w.samples[i].Latency
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return total / time.Duration(n), true
}

// SampleCount reports how many samples the (tier, task) buffer currently
// holds. Never exceeds WindowSize.
func (s *Store) SampleCount(tier llm.Tier, task types.TaskType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, found := s.windows[key{tier: tier, task: task}]
	if !found {
		return 0
	}
	return w.count
}

// Snapshot returns per-key statistics for every buffer, for the status
// report and usage analytics.
func (s *Store) Snapshot() []KeyStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]KeyStats, 0, len(s.windows))
	for k, w := range s.windows {
		if w.count == 0 {
			continue
		}
		out = append(out, KeyStats{
			Tier:        k.tier,
			Task:        k.task,
			Count:       w.count,
			SuccessRate: w.successRate(),
			AvgLatency:  w.avgLatency(),
			P50Latency:  w.latencyPercentile(0.50),
			P99Latency:  w.latencyPercentile(0.99),
			AvgQuality:  w.avgQuality(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Task < out[j].Task
	})
	return out
}
