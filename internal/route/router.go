package route

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/synod-ai/synod/internal/cache"
	"github.com/synod-ai/synod/internal/perf"
	"github.com/synod-ai/synod/pkg/provider/llm"
	"github.com/synod-ai/synod/pkg/types"
)

// Default complexity thresholds. Performance history moves them per task
// type; see [Router.thresholds].
const (
	DefaultLowThreshold  = 0.30
	DefaultHighThreshold = 0.70
)

// Confidence values emitted by the selection rule.
const (
	strongConfidence      = 0.95
	speedWeakConfidence   = 0.70
	qualityWeakConfidence = 0.80
	hybridConfidence      = 0.75
	forcedConfidence      = 0.90
	failsafeConfidence    = 0.50

	overloadPenalty = 0.20
	confidenceFloor = 0.30
)

// DefaultEscalationThreshold is the confidence below which a hybrid
// decision escalates from the speed tier to the quality tier mid-request.
const DefaultEscalationThreshold = 0.50

// Fallback latency estimates when no history exists for a tier.
const (
	speedEstimate    = 5 * time.Second
	qualityEstimate  = 20 * time.Second
	failsafeEstimate = 20 * time.Second
)

// Decision cache geometry.
const (
	cacheCapacity = 1000
	cacheTTL      = 5 * time.Minute
)

// defaultTierCapacity sizes each tier's concurrency when the wiring does
// not override it from the adapter's own limit.
const defaultTierCapacity = 3

// Thresholds is the low/high complexity band in effect for one decision.
type Thresholds struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Decision is the routing outcome for one task. For hybrid decisions Tier
// is the speed tier (execution starts there) and Hybrid is set; the caller
// escalates to the quality tier once confidence drops below
// EscalationThreshold.
type Decision struct {
	Tier                llm.Tier      `json:"tier"`
	Hybrid              bool          `json:"hybrid,omitempty"`
	Confidence          float64       `json:"confidence"`
	Complexity          float64       `json:"complexity"`
	Thresholds          Thresholds    `json:"thresholds"`
	EstimatedTime       time.Duration `json:"estimatedTime"`
	Reasoning           string        `json:"reasoning"`
	CacheHit            bool          `json:"cacheHit,omitempty"`
	EscalationThreshold float64       `json:"escalationThreshold,omitempty"`
}

// Stats is a point-in-time view of router effectiveness.
type Stats struct {
	CacheHits   uint64  `json:"cacheHits"`
	CacheMisses uint64  `json:"cacheMisses"`
	HitRate     float64 `json:"hitRate"`
	CacheSize   int     `json:"cacheSize"`
	Failsafes   uint64  `json:"failsafes"`
}

// Router picks a backend tier per task. Safe for concurrent use.
type Router struct {
	analyzer   *Analyzer
	perf       *perf.Store
	loads      *perf.LoadTracker
	cache      *cache.Cache[string, Decision]
	log        *slog.Logger
	mode       string // "" or "auto" routes dynamically; "speed", "quality", "hybrid" force
	speedCap   int
	qualityCap int
	escalation float64
	failsafes  atomic.Uint64
}

// Option customises router construction.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) { r.log = log }
}

// WithExecutionMode forces every decision to one mode: "speed", "quality"
// or "hybrid". "auto" and "" keep dynamic routing.
func WithExecutionMode(mode string) Option {
	return func(r *Router) { r.mode = mode }
}

// WithTierCapacity sets the concurrency limit the router assumes for a
// tier, normally the adapter's MaxConcurrent.
func WithTierCapacity(tier llm.Tier, n int) Option {
	return func(r *Router) {
		if n <= 0 {
			return
		}
		if tier == llm.TierSpeed {
			r.speedCap = n
		} else {
			r.qualityCap = n
		}
	}
}

// WithEscalationThreshold overrides the hybrid escalation confidence.
func WithEscalationThreshold(v float64) Option {
	return func(r *Router) {
		if v > 0 {
			r.escalation = v
		}
	}
}

// WithClock overrides the time source for the analyzer and decision cache.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.analyzer = NewAnalyzer(WithAnalyzerClock(now))
		r.cache = cache.New[string, Decision](cacheCapacity, cacheTTL, cache.WithClock[string, Decision](now))
	}
}

// NewRouter returns a router reading history from store and live load from
// loads.
func NewRouter(store *perf.Store, loads *perf.LoadTracker, opts ...Option) *Router {
	r := &Router{
		analyzer:   NewAnalyzer(),
		perf:       store,
		loads:      loads,
		cache:      cache.New[string, Decision](cacheCapacity, cacheTTL),
		log:        slog.Default(),
		speedCap:   defaultTierCapacity,
		qualityCap: defaultTierCapacity,
		escalation: DefaultEscalationThreshold,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Decide routes one task. Scoring errors degrade to the fixed failsafe
// decision instead of failing the request.
func (r *Router) Decide(task types.TaskType, prompt string, m Metrics) (d Decision) {
	defer func() {
		if rec := recover(); rec != nil {
			r.failsafes.Add(1)
			r.log.Error("route: decision failsafe", "panic", rec, "task", task)
			d = r.failsafe()
		}
	}()

	key := fingerprint(task, prompt, m)
	if cached, ok := r.cache.Get(key); ok {
		cached.CacheHit = true
		d = r.adjustForLoad(cached, task, m)
		r.logDecision(task, d)
		return d
	}

	d = r.decide(task, prompt, m)
	r.cache.Put(key, d)
	d = r.adjustForLoad(d, task, m)
	r.logDecision(task, d)
	return d
}

// decide runs scoring and the selection rule. Live-load switching happens
// afterwards in adjustForLoad so cached decisions stay load-independent.
func (r *Router) decide(task types.TaskType, prompt string, m Metrics) Decision {
	sig := r.signals(task)
	breakdown := r.analyzer.Score(task, prompt, m, sig)
	th := r.thresholds(task)

	d := Decision{
		Complexity: breakdown.Score,
		Thresholds: th,
	}
	parts := []string{fmt.Sprintf("complexity %.2f", breakdown.Score)}
	parts = append(parts, breakdown.Notes...)

	switch r.mode {
	case "", "auto":
		d = r.selectTier(d, task, sig)
		parts = append(parts, d.Reasoning)
	case "speed":
		d.Tier = llm.TierSpeed
		d.Confidence = forcedConfidence
		parts = append(parts, "forced speed-tier by execution mode")
	case "quality":
		d.Tier = llm.TierQuality
		d.Confidence = forcedConfidence
		parts = append(parts, "forced quality-tier by execution mode")
	case "hybrid":
		d.Tier = llm.TierSpeed
		d.Hybrid = true
		d.Confidence = forcedConfidence
		d.EscalationThreshold = r.escalation
		parts = append(parts, "forced hybrid by execution mode")
	default:
		d.Tier = llm.TierQuality
		d.Confidence = forcedConfidence
		parts = append(parts, fmt.Sprintf("unknown execution mode %q, forced quality-tier", r.mode))
	}

	d.EstimatedTime = r.estimate(d.Tier, task, m)
	d.Reasoning = strings.Join(parts, "; ")
	return d
}

// selectTier applies the threshold rule. The returned Decision carries only
// Tier, Hybrid, Confidence, EscalationThreshold and a selection note in
// Reasoning.
func (r *Router) selectTier(d Decision, task types.TaskType, sig Signals) Decision {
	th := d.Thresholds
	switch {
	case d.Complexity < th.Low:
		d.Tier = llm.TierSpeed
		d.Confidence = speedWeakConfidence
		if rate, ok := r.perf.SuccessRate(llm.TierSpeed, task); !ok || rate > 0.8 {
			d.Confidence = strongConfidence
		}
		d.Reasoning = fmt.Sprintf("below low threshold %.2f, speed-tier", th.Low)

	case d.Complexity > th.High:
		d.Tier = llm.TierQuality
		d.Confidence = qualityWeakConfidence
		if rate, ok := r.perf.SuccessRate(llm.TierQuality, task); !ok || rate > 0.8 {
			d.Confidence = strongConfidence
		}
		d.Reasoning = fmt.Sprintf("above high threshold %.2f, quality-tier", th.High)

	default:
		d = r.selectMiddleBand(d, task, sig)
	}
	return d
}

// selectMiddleBand resolves scores between the thresholds: the less-loaded
// tier wins if its history is solid, otherwise the decision is hybrid.
func (r *Router) selectMiddleBand(d Decision, task types.TaskType, sig Signals) Decision {
	speedRatio := loadRatio(sig.SpeedLoad, r.speedCap)
	qualityRatio := loadRatio(sig.QualityLoad, r.qualityCap)

	var lower llm.Tier
	switch {
	case speedRatio < qualityRatio:
		lower = llm.TierSpeed
	case qualityRatio < speedRatio:
		lower = llm.TierQuality
	}

	if lower != "" {
		rate, ok := r.perf.SuccessRate(lower, task)
		if !ok || rate > 0.75 {
			d.Tier = lower
			if lower == llm.TierSpeed {
				d.Confidence = speedWeakConfidence
			} else {
				d.Confidence = qualityWeakConfidence
			}
			d.Reasoning = fmt.Sprintf("mid band, %s-tier less loaded (%.2f vs %.2f)",
				lower, speedRatio, qualityRatio)
			return d
		}
	}

	d.Tier = llm.TierSpeed
	d.Hybrid = true
	d.Confidence = hybridConfidence
	d.EscalationThreshold = r.escalation
	d.Reasoning = fmt.Sprintf("mid band, hybrid: start speed-tier, escalate below %.2f confidence", r.escalation)
	return d
}

// adjustForLoad switches a decision off a saturated tier when the other
// tier has room, at a confidence cost.
func (r *Router) adjustForLoad(d Decision, task types.TaskType, m Metrics) Decision {
	cur := r.loads.Load(d.Tier)
	if cur < r.capacity(d.Tier) {
		return d
	}

	other := d.Tier.Other()
	if r.loads.Load(other) >= r.capacity(other) {
		return d
	}

	from := d.Tier
	d.Tier = other
	d.Hybrid = false
	d.EscalationThreshold = 0
	d.Confidence = max(d.Confidence-overloadPenalty, confidenceFloor)
	d.EstimatedTime = r.estimate(other, task, m)
	d.Reasoning += fmt.Sprintf("; switched to %s-tier: %s-tier overloaded (%d/%d in flight)",
		other, from, cur, r.capacity(from))
	return d
}

// thresholds derives the complexity band for a task type from recorded
// performance.
func (r *Router) thresholds(task types.TaskType) Thresholds {
	th := Thresholds{Low: DefaultLowThreshold, High: DefaultHighThreshold}

	if rate, ok := r.perf.SuccessRate(llm.TierSpeed, task); ok {
		switch {
		case rate < 0.7:
			th.Low = 0.25
		case rate > 0.9:
			if lat, ok := r.perf.AvgLatency(llm.TierSpeed, task); ok && lat < 5*time.Second {
				th.Low = 0.35
			}
		}
	}
	if rate, ok := r.perf.SuccessRate(llm.TierQuality, task); ok {
		switch {
		case rate > 0.95:
			th.High = 0.60
		case rate < 0.8:
			th.High = 0.75
		}
	}
	return th
}

// RecordPerformance folds one terminal outcome into the history the next
// decision reads. Cached decisions for the task type are dropped so shifted
// thresholds take effect on the very next routing, not after the TTL.
func (r *Router) RecordPerformance(tier llm.Tier, task types.TaskType, sample perf.Sample) {
	r.perf.Record(tier, task, sample)

	prefix := string(task) + "|"
	for _, key := range r.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			r.cache.Delete(key)
		}
	}
}

// Stats reports decision-cache effectiveness and failsafe count.
func (r *Router) Stats() Stats {
	cs := r.cache.Stats()
	total := cs.Hits + cs.Misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(cs.Hits) / float64(total)
	}
	return Stats{
		CacheHits:   cs.Hits,
		CacheMisses: cs.Misses,
		HitRate:     hitRate,
		CacheSize:   cs.Size,
		Failsafes:   r.failsafes.Load(),
	}
}

func (r *Router) signals(task types.TaskType) Signals {
	sig := Signals{
		SpeedLoad:   r.loads.Load(llm.TierSpeed),
		QualityLoad: r.loads.Load(llm.TierQuality),
	}
	sig.SpeedSuccess, sig.SpeedKnown = r.perf.SuccessRate(llm.TierSpeed, task)
	return sig
}

func (r *Router) estimate(tier llm.Tier, task types.TaskType, m Metrics) time.Duration {
	if m.EstimatedProcessingTime > 0 {
		return m.EstimatedProcessingTime
	}
	if avg, ok := r.perf.AvgLatency(tier, task); ok {
		return avg
	}
	if tier == llm.TierSpeed {
		return speedEstimate
	}
	return qualityEstimate
}

func (r *Router) capacity(tier llm.Tier) int {
	if tier == llm.TierSpeed {
		return r.speedCap
	}
	return r.qualityCap
}

func (r *Router) failsafe() Decision {
	return Decision{
		Tier:          llm.TierQuality,
		Confidence:    failsafeConfidence,
		Complexity:    defaultBase,
		Thresholds:    Thresholds{Low: DefaultLowThreshold, High: DefaultHighThreshold},
		EstimatedTime: failsafeEstimate,
		Reasoning:     "failsafe: decision error, fixed quality-tier routing",
	}
}

func (r *Router) logDecision(task types.TaskType, d Decision) {
	r.log.Debug("route: decision",
		"task", task,
		"tier", d.Tier,
		"hybrid", d.Hybrid,
		"confidence", d.Confidence,
		"complexity", d.Complexity,
		"cacheHit", d.CacheHit)
}

func loadRatio(load, capacity int) float64 {
	if capacity <= 0 {
		return 1.0
	}
	return float64(load) / float64(capacity)
}
