package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/synod-ai/synod/internal/health"
	"github.com/synod-ai/synod/internal/perf"
	"github.com/synod-ai/synod/pkg/provider/llm"
	"github.com/synod-ai/synod/pkg/provider/llm/mock"
)

func TestPoolPickRegistrationOrder(t *testing.T) {
	t.Parallel()

	first := mock.New("first", llm.TierSpeed)
	second := mock.New("second", llm.TierSpeed)
	p := NewPool(health.NewCache(), perf.NewLoadTracker(), first, second)

	b, err := p.Pick(context.Background(), llm.TierSpeed)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if b.Name() != "first" {
		t.Fatalf("picked %q, want first registered backend", b.Name())
	}

	p.MarkUnhealthy("first")
	b, err = p.Pick(context.Background(), llm.TierSpeed)
	if err != nil {
		t.Fatalf("Pick after mark: %v", err)
	}
	if b.Name() != "second" {
		t.Fatalf("picked %q after marking first unhealthy, want second", b.Name())
	}
}

func TestPoolPickSkipsFailingProbe(t *testing.T) {
	t.Parallel()

	down := mock.New("down", llm.TierQuality)
	down.HealthErr = errors.New("connection refused")
	up := mock.New("up", llm.TierQuality)
	p := NewPool(health.NewCache(), perf.NewLoadTracker(), down, up)

	b, err := p.Pick(context.Background(), llm.TierQuality)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if b.Name() != "up" {
		t.Fatalf("picked %q, want the backend whose probe passes", b.Name())
	}
	if down.HealthCalls == 0 {
		t.Fatal("failing backend was never probed")
	}
}

func TestPoolPickEmptyTier(t *testing.T) {
	t.Parallel()

	p := NewPool(health.NewCache(), perf.NewLoadTracker(), mock.New("solo", llm.TierSpeed))

	_, err := p.Pick(context.Background(), llm.TierQuality)
	if !errors.Is(err, ErrNoBackend) {
		t.Fatalf("err = %v, want ErrNoBackend", err)
	}
	if !strings.Contains(err.Error(), "quality") {
		t.Fatalf("err %q does not name the tier", err)
	}
}

func TestPoolAcquireReleasesExactlyOnce(t *testing.T) {
	t.Parallel()

	b := mock.New("solo", llm.TierSpeed)
	b.SetMaxConcurrent(1)
	p := NewPool(health.NewCache(), perf.NewLoadTracker(), b)

	release, err := p.Acquire(context.Background(), b)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
	release() // second call must not free a slot that was never held

	again, err := p.Acquire(context.Background(), b)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	defer again()

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(short, b); err == nil {
		t.Fatal("acquire on a saturated backend succeeded; release freed more than one slot")
	}
}

func TestPoolAcquireTracksTierLoad(t *testing.T) {
	t.Parallel()

	b := mock.New("solo", llm.TierQuality)
	p := NewPool(health.NewCache(), perf.NewLoadTracker(), b)

	if got := p.Load(llm.TierQuality); got != 0 {
		t.Fatalf("initial load = %d, want 0", got)
	}
	release, err := p.Acquire(context.Background(), b)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := p.Load(llm.TierQuality); got != 1 {
		t.Fatalf("load while held = %d, want 1", got)
	}
	release()
	if got := p.Load(llm.TierQuality); got != 0 {
		t.Fatalf("load after release = %d, want 0", got)
	}
}

func TestPoolAcquireRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	p := NewPool(health.NewCache(), perf.NewLoadTracker(), mock.New("known", llm.TierSpeed))

	if _, err := p.Acquire(context.Background(), mock.New("stranger", llm.TierSpeed)); err == nil {
		t.Fatal("acquired a slot for a backend the pool never registered")
	}
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	b := mock.New("solo", llm.TierSpeed)
	b.SetMaxConcurrent(1)
	p := NewPool(health.NewCache(), perf.NewLoadTracker(), b)

	release, err := p.Acquire(context.Background(), b)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Acquire(ctx, b); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
