package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/synod-ai/synod/internal/health"
	"github.com/synod-ai/synod/internal/perf"
	"github.com/synod-ai/synod/pkg/provider/llm"
)

// ErrNoBackend reports that no healthy backend could serve a request. The
// CLI maps it to its own exit code, so callers should wrap it with %w.
var ErrNoBackend = errors.New("orchestrator: no healthy backend available")

// Pool mediates access to the registered backends. Selection walks the
// registration order within a tier, gated by cached health probes, so an
// unhealthy backend is never picked no matter how well it performed before.
// Each backend admits calls through its own FIFO semaphore sized to its
// advertised concurrency limit; tier-level pressure is tracked separately
// for the router. The backend set is fixed at construction.
type Pool struct {
	health *health.Cache
	loads  *perf.LoadTracker

	backends []llm.Backend
	slots    map[string]*semaphore.Weighted
}

// NewPool builds a pool over the given backends. Backends with a
// non-positive concurrency limit are clamped to one slot.
func NewPool(hc *health.Cache, loads *perf.LoadTracker, backends ...llm.Backend) *Pool {
	p := &Pool{
		health:   hc,
		loads:    loads,
		backends: backends,
		slots:    make(map[string]*semaphore.Weighted, len(backends)),
	}
	for _, b := range backends {
		n := b.MaxConcurrent()
		if n < 1 {
			n = 1
		}
		p.slots[b.Name()] = semaphore.NewWeighted(int64(n))
	}
	return p
}

// Pick returns the first healthy backend of the given tier in registration
// order. The error wraps [ErrNoBackend] when the tier has no healthy
// member.
func (p *Pool) Pick(ctx context.Context, tier llm.Tier) (llm.Backend, error) {
	for _, b := range p.backends {
		if b.Tier() != tier {
			continue
		}
		if p.health.Healthy(ctx, b) {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w in tier %q", ErrNoBackend, tier)
}

// Acquire reserves an invocation slot on b, waiting in FIFO order when the
// backend is saturated. The wait respects ctx. The returned release is safe
// to call more than once; exactly one call releases the slot.
func (p *Pool) Acquire(ctx context.Context, b llm.Backend) (release func(), err error) {
	slot, ok := p.slots[b.Name()]
	if !ok {
		return nil, fmt.Errorf("orchestrator: backend %q not in pool", b.Name())
	}
	if err := slot.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("orchestrator: waiting for %q: %w", b.Name(), err)
	}
	tier := b.Tier()
	p.loads.Acquire(tier)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.loads.Release(tier)
			slot.Release(1)
		})
	}, nil
}

// Backends returns the registered backends in registration order.
func (p *Pool) Backends() []llm.Backend {
	out := make([]llm.Backend, len(p.backends))
	copy(out, p.backends)
	return out
}

// Healthy reports whether b currently passes its cached health probe.
func (p *Pool) Healthy(ctx context.Context, b llm.Backend) bool {
	return p.health.Healthy(ctx, b)
}

// MarkUnhealthy forces b out of rotation until a fresh probe clears it.
func (p *Pool) MarkUnhealthy(name string) {
	p.health.MarkUnhealthy(name)
}

// Load returns the in-flight invocation count for tier.
func (p *Pool) Load(tier llm.Tier) int {
	return p.loads.Load(tier)
}
