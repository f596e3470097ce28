// Package voice implements the persona layer: a fixed registry of nine
// voices in five families, lazily materialized system prompts with a bounded
// cache, exponentially smoothed per-voice performance records, and the
// selector that decides which voices join a request.
package voice

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/synod-ai/synod/internal/cache"
)

// Family groups voices with a shared concern.
type Family string

// Voice families.
const (
	FamilyImplementation Family = "implementation"
	FamilyAnalysis       Family = "analysis"
	FamilyDesign         Family = "design"
	FamilyQuality        Family = "quality"
	FamilySecurity       Family = "security"
)

// Voice IDs of the built-in registry.
const (
	Developer   = "developer"
	Implementor = "implementor"
	Analyzer    = "analyzer"
	Optimizer   = "optimizer"
	Architect   = "architect"
	Designer    = "designer"
	Maintainer  = "maintainer"
	Guardian    = "guardian"
	Security    = "security"
)

const (
	// emaAlpha is the smoothing factor for per-voice performance records.
	emaAlpha = 0.1

	promptCacheSize = 100
	promptCacheTTL  = 30 * time.Minute
)

// Performance is the exponentially smoothed record of a voice's outcomes.
type Performance struct {
	AvgQuality        float64       // [0,1]
	AvgLatency        time.Duration // per invocation
	AvgTokens         float64       // tokens per invocation
	SuccessRate       float64       // [0,1]
	CostPerInvocation float64       // arbitrary cost units
	Samples           int           // outcomes folded in so far
}

// Outcome is a single observed invocation result.
type Outcome struct {
	Quality float64
	Latency time.Duration
	Tokens  int
	Success bool
	Cost    float64
}

// Voice is a named behavioral configuration layered on top of a backend.
// All mutable attributes are guarded by the voice's own mutex; the identity
// fields never change after construction.
type Voice struct {
	ID             string
	Name           string
	Family         Family
	Style          string
	Temperature    float64
	Specialization []string

	guidance string

	mu          sync.Mutex
	initialized bool
	lastUsed    time.Time
	usageCount  int
	perf        Performance
}

// Initialized reports whether the voice's system prompt has been
// materialized at least once.
func (v *Voice) Initialized() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.initialized
}

// UsageCount returns how many times the voice has been invoked.
func (v *Voice) UsageCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.usageCount
}

// LastUsed returns the time of the most recent invocation.
func (v *Voice) LastUsed() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastUsed
}

// Performance returns a copy of the voice's smoothed performance record.
func (v *Voice) Performance() Performance {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.perf
}

// VoiceStats is a point-in-time view of one voice for status reporting.
type VoiceStats struct {
	ID          string      `json:"id"`
	Family      Family      `json:"family"`
	Initialized bool        `json:"initialized"`
	UsageCount  int         `json:"usageCount"`
	LastUsed    time.Time   `json:"lastUsed,omitzero"`
	Performance Performance `json:"performance"`
}

// Registry holds the fixed set of built-in voices. The voice set never
// changes after construction; per-voice state is guarded per voice, so the
// registry itself needs no lock.
type Registry struct {
	voices  map[string]*Voice
	order   []string
	prompts *cache.Cache[string, string]
	now     func() time.Time
}

// RegistryOption is a functional option for NewRegistry.
type RegistryOption func(*Registry)

// WithClock overrides the registry's time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry constructs the built-in nine-voice registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		voices:  map[string]*Voice{},
		prompts: cache.New[string, string](promptCacheSize, promptCacheTTL),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	for _, v := range builtins() {
		r.voices[v.ID] = v
		r.order = append(r.order, v.ID)
	}
	return r
}

// Get returns the voice with the given id.
func (r *Registry) Get(id string) (*Voice, bool) {
	v, ok := r.voices[id]
	return v, ok
}

// IDs returns all voice ids in canonical order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns all voices in canonical order.
func (r *Registry) All() []*Voice {
	out := make([]*Voice, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.voices[id])
	}
	return out
}

// FamilyVoices returns the ids of all voices in the given family, in
// canonical order.
func (r *Registry) FamilyVoices(f Family) []string {
	var out []string
	for _, id := range r.order {
		if r.voices[id].Family == f {
			out = append(out, id)
		}
	}
	return out
}

// SystemPrompt returns the voice's system prompt, materializing it on first
// use and caching the result. The call also counts as an invocation: it
// bumps the voice's usage counter and last-used time, and promotes the voice
// to initialized. A voice is never initialized without a materialized prompt.
func (r *Registry) SystemPrompt(id string) (string, error) {
	v, ok := r.voices[id]
	if !ok {
		return "", fmt.Errorf("voice: unknown voice %q", id)
	}

	prompt, ok := r.prompts.Get(id)
	if !ok {
		prompt = materializePrompt(v)
		r.prompts.Put(id, prompt)
	}

	v.mu.Lock()
	v.initialized = true
	v.usageCount++
	v.lastUsed = r.now()
	v.mu.Unlock()

	return prompt, nil
}

// RecordOutcome folds one invocation result into the voice's smoothed
// performance record. The first sample initializes the record directly;
// later samples apply an exponential moving average.
func (r *Registry) RecordOutcome(id string, o Outcome) error {
	v, ok := r.voices[id]
	if !ok {
		return fmt.Errorf("voice: unknown voice %q", id)
	}

	success := 0.0
	if o.Success {
		success = 1.0
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.perf.Samples == 0 {
		v.perf = Performance{
			AvgQuality:        o.Quality,
			AvgLatency:        o.Latency,
			AvgTokens:         float64(o.Tokens),
			SuccessRate:       success,
			CostPerInvocation: o.Cost,
			Samples:           1,
		}
		return nil
	}

	v.perf.AvgQuality = ema(v.perf.AvgQuality, o.Quality)
	v.perf.AvgLatency = time.Duration(ema(float64(v.perf.AvgLatency), float64(o.Latency)))
	v.perf.AvgTokens = ema(v.perf.AvgTokens, float64(o.Tokens))
	v.perf.SuccessRate = ema(v.perf.SuccessRate, success)
	v.perf.CostPerInvocation = ema(v.perf.CostPerInvocation, o.Cost)
	v.perf.Samples++
	return nil
}

// Stats returns a snapshot of every voice, ordered by id.
func (r *Registry) Stats() []VoiceStats {
	out := make([]VoiceStats, 0, len(r.voices))
	for _, id := range r.order {
		v := r.voices[id]
		v.mu.Lock()
		out = append(out, VoiceStats{
			ID:          v.ID,
			Family:      v.Family,
			Initialized: v.initialized,
			UsageCount:  v.usageCount,
			LastUsed:    v.lastUsed,
			Performance: v.perf,
		})
		v.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func ema(old, sample float64) float64 {
	return emaAlpha*sample + (1-emaAlpha)*old
}

// materializePrompt assembles the system prompt from the voice's
// configuration. Deterministic for a given voice.
func materializePrompt(v *Voice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, the %s voice of a code council.\n", v.Name, v.Style)
	fmt.Fprintf(&b, "Specialization: %s.\n\n", strings.Join(v.Specialization, ", "))
	b.WriteString(v.guidance)
	b.WriteString("\n\nGround every recommendation in the code or requirements you were given. " +
		"Prefer working code over prose, and state the one risk that most deserves attention.")
	return b.String()
}

// builtins returns the fixed voice set: two voices per family, one for
// security.
func builtins() []*Voice {
	return []*Voice{
		{
			ID: Developer, Name: "Developer", Family: FamilyImplementation,
			Style: "hands-on", Temperature: 0.7,
			Specialization: []string{"code generation", "APIs", "error handling"},
			guidance:       "Favor clear, idiomatic implementations. Deliver complete code with error handling, not sketches.",
		},
		{
			ID: Implementor, Name: "Implementor", Family: FamilyImplementation,
			Style: "pragmatic", Temperature: 0.5,
			Specialization: []string{"incremental change", "integration", "delivery"},
			guidance:       "Bias to action: the smallest correct change that ships. Flag anything that blocks delivery.",
		},
		{
			ID: Analyzer, Name: "Analyzer", Family: FamilyAnalysis,
			Style: "investigative", Temperature: 0.4,
			Specialization: []string{"code analysis", "performance profiling", "pattern detection"},
			guidance:       "Trace behavior before judging it. Quantify costs and name the evidence behind every claim.",
		},
		{
			ID: Optimizer, Name: "Optimizer", Family: FamilyAnalysis,
			Style: "efficiency-driven", Temperature: 0.5,
			Specialization: []string{"performance tuning", "memory efficiency", "algorithmic complexity"},
			guidance:       "Hunt wasted work: allocations, round trips, quadratic loops. Propose measurable improvements only.",
		},
		{
			ID: Architect, Name: "Architect", Family: FamilyDesign,
			Style: "systems-thinking", Temperature: 0.6,
			Specialization: []string{"system architecture", "scalability", "component boundaries"},
			guidance:       "Think in components and contracts. Name the trade-offs and the failure modes of each design.",
		},
		{
			ID: Designer, Name: "Designer", Family: FamilyDesign,
			Style: "interface-focused", Temperature: 0.7,
			Specialization: []string{"interface design", "developer experience", "composability"},
			guidance:       "Shape interfaces for the caller, not the implementation. Small surface, obvious usage, hard to misuse.",
		},
		{
			ID: Maintainer, Name: "Maintainer", Family: FamilyQuality,
			Style: "conservative", Temperature: 0.3,
			Specialization: []string{"maintainability", "refactoring", "backwards compatibility"},
			guidance:       "Protect the code that outlives this change: readability, tests, compatibility, migration paths.",
		},
		{
			ID: Guardian, Name: "Guardian", Family: FamilyQuality,
			Style: "exacting", Temperature: 0.3,
			Specialization: []string{"code review", "testing strategy", "quality gates"},
			guidance:       "Act as the quality gate. Verify correctness, coverage, and conventions before anything passes.",
		},
		{
			ID: Security, Name: "Security", Family: FamilySecurity,
			Style: "adversarial", Temperature: 0.2,
			Specialization: []string{"security analysis", "threat modeling", "input validation"},
			guidance:       "Assume hostile input everywhere. Surface vulnerabilities, unsafe defaults, and missing validation first.",
		},
	}
}
