package voice

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/synod-ai/synod/pkg/types"
)

// ROI constants for the single-vs-multi decision.
const (
	// gainPerVoice is the quality gain contributed by each additional voice,
	// scaled by that voice's category affinity.
	gainPerVoice = 0.15

	// maxQualityGain caps the total expected gain from fanning out.
	maxQualityGain = 0.30

	// minQualityGain is the floor an additional-voice gain must reach before
	// a council is worth convening.
	minQualityGain = 0.15

	// tokenOverhead is the per-voice prompt duplication overhead.
	tokenOverhead = 1.15

	// synthesisOverhead is added to the parallel time estimate for merging
	// multiple voice outputs.
	synthesisOverhead = 200 * time.Millisecond

	// defaultVoiceLatency estimates a voice with no recorded history.
	defaultVoiceLatency = 5 * time.Second

	// Normalization denominators for the cost model: a 10k-token spend and
	// the default response budget each count as one unit of cost.
	tokenCostUnit = 10_000.0

	// minAffinity is the classification score below which a family is
	// considered unmatched.
	minAffinity = 0.25

	// maxCouncilSize bounds how many voices a plan may name. The gain cap is
	// reached at three voices, so larger councils only add cost.
	maxCouncilSize = 3

	// taskFamilyBonus is added to the family implied by the declared task
	// type, on top of keyword evidence.
	taskFamilyBonus = 0.5
)

// familyPatterns maps each family to the keyword evidence that activates it.
// Stems with \w* suffixes so inflected forms count.
var familyPatterns = map[Family]*regexp.Regexp{
	FamilyImplementation: regexp.MustCompile(`(?i)\b(implement|build|creat|writ|add|develop|function|feature|endpoint|api|handler)\w*`),
	FamilyAnalysis:       regexp.MustCompile(`(?i)\b(analy[sz]|investigat|profil|understand|bottleneck|perform|measur|benchmark|optimi[sz]|slow)\w*`),
	FamilyDesign:         regexp.MustCompile(`(?i)\b(design|architect|structur|system|scal|pattern|compos|modular|boundar)\w*`),
	FamilyQuality:        regexp.MustCompile(`(?i)\b(refactor|clean|maintain|test|review|lint|simplif|document|readab|coverage)\w*`),
	FamilySecurity:       regexp.MustCompile(`(?i)\b(secur|auth|token|credential|encrypt|vulnerab|inject|saniti[sz]|exploit|threat|xss|csrf|permission)\w*`),
}

// familyOrder fixes iteration order for deterministic plans.
var familyOrder = []Family{
	FamilyImplementation,
	FamilyAnalysis,
	FamilyDesign,
	FamilyQuality,
	FamilySecurity,
}

// preferredVoice names the lead voice for each family.
var preferredVoice = map[Family]string{
	FamilyImplementation: Developer,
	FamilyAnalysis:       Analyzer,
	FamilyDesign:         Architect,
	FamilyQuality:        Maintainer,
	FamilySecurity:       Security,
}

// taskPreferredVoice overrides the family lead for specific task types.
var taskPreferredVoice = map[types.TaskType]string{
	types.TaskOptimization: Optimizer,
	types.TaskReview:       Guardian,
}

// fallbackPair joins a plan when the classifier finds no evidence.
var fallbackPair = []string{Developer, Maintainer}

// rankedFamily pairs a family with its classification score.
type rankedFamily struct {
	family Family
	score  float64
}

// Plan is the selector's decision for one request: which voices run, in
// which order, and the ROI figures behind the single-vs-multi call.
type Plan struct {
	Voices []string // invocation order; preserved downstream
	Multi  bool

	Scores map[Family]float64 // classification evidence

	Gain           float64       // expected quality gain from additional voices
	TokenCost      float64       // estimated prompt tokens across all voices
	TimeCost       time.Duration // parallel wall-clock estimate + synthesis
	NormalizedCost float64
	BreakEven      float64 // Gain / NormalizedCost
	ROIScore       float64 // Gain / (1 + NormalizedCost)

	Reasoning string
}

// Selector decides which voices serve a request.
type Selector struct {
	registry *Registry
}

// NewSelector constructs a Selector over the given registry.
func NewSelector(r *Registry) *Selector {
	return &Selector{registry: r}
}

// Select classifies the request, applies its constraints, and runs the ROI
// analysis to decide between a single voice and a council.
func (s *Selector) Select(req types.Request) (Plan, error) {
	plan := s.Recommend(req.Content, req.Type)

	var notes []string
	if plan.Reasoning != "" {
		notes = append(notes, plan.Reasoning)
	}

	// Hard constraints first: exclusions prune, must-includes lead.
	voices := plan.Voices
	if len(req.Constraints.ExcludedVoices) > 0 {
		voices = exclude(voices, req.Constraints.ExcludedVoices)
		notes = append(notes, fmt.Sprintf("excluded %v", req.Constraints.ExcludedVoices))
	}
	if len(req.Constraints.MustIncludeVoices) > 0 {
		var lead []string
		for _, id := range req.Constraints.MustIncludeVoices {
			if _, ok := s.registry.Get(id); ok {
				lead = append(lead, id)
			}
		}
		voices = dedup(append(lead, voices...))
		notes = append(notes, fmt.Sprintf("pinned %v", lead))
	}
	if len(voices) == 0 {
		voices = exclude(fallbackPair, req.Constraints.ExcludedVoices)
	}
	if len(voices) == 0 {
		for _, id := range s.registry.IDs() {
			if !contains(req.Constraints.ExcludedVoices, id) {
				voices = []string{id}
				break
			}
		}
	}
	if len(voices) == 0 {
		return Plan{}, fmt.Errorf("voice: constraints exclude every voice")
	}
	if len(voices) > maxCouncilSize {
		voices = voices[:maxCouncilSize]
	}

	// Re-run ROI over the constrained voice set.
	plan = s.roi(req.Content, voices, plan.Scores)

	mode := strings.ToLower(req.Constraints.VoicePreference)
	timeBias := strings.ToLower(req.Constraints.TimeConstraint)
	pinned := len(req.Constraints.MustIncludeVoices)

	switch {
	case pinned > 1:
		// Multiple pinned voices override the ROI verdict.
		plan.Multi = len(plan.Voices) > 1
		notes = append(notes, "multiple pinned voices")
	case mode == "single":
		plan.Voices = plan.Voices[:1]
		plan.Multi = false
		notes = append(notes, "preference single")
	case mode == "multi":
		if len(plan.Voices) == 1 {
			if partner := s.partnerFor(plan.Voices[0], req.Constraints.ExcludedVoices); partner != "" {
				plan.Voices = append(plan.Voices, partner)
			}
		}
		plan.Multi = len(plan.Voices) > 1
		notes = append(notes, "preference multi")
	case timeBias == "fast":
		plan.Voices = plan.Voices[:1]
		plan.Multi = false
		notes = append(notes, "time constraint fast")
	case timeBias == "thorough":
		// Thorough mode waives the break-even test; the gain floor stands.
		plan.Multi = len(plan.Voices) > 1 && plan.Gain >= minQualityGain
		if !plan.Multi {
			plan.Voices = plan.Voices[:1]
		}
		notes = append(notes, "time constraint thorough")
	default:
		if !plan.Multi {
			plan.Voices = plan.Voices[:1]
		}
	}

	notes = append(notes, roiSummary(plan))
	plan.Reasoning = strings.Join(notes, "; ")
	return plan, nil
}

// Recommend classifies a prompt and proposes a voice plan without request
// constraints. Used directly by the advisory CLI surface.
func (s *Selector) Recommend(content string, taskType types.TaskType) Plan {
	scores := classify(content)
	if f := taskFamily(taskType); f != "" {
		scores[f] = min(scores[f]+taskFamilyBonus, 1.0)
	}

	var matched []rankedFamily
	for _, f := range familyOrder {
		if scores[f] >= minAffinity {
			matched = append(matched, rankedFamily{f, scores[f]})
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].score > matched[j].score })

	var voices []string
	var reasoning string
	if len(matched) == 0 {
		voices = append(voices, fallbackPair...)
		reasoning = "classifier unsure, using fallback pair"
	} else {
		for _, m := range matched {
			lead := preferredVoice[m.family]
			if override, ok := taskPreferredVoice[taskType]; ok && taskFamily(taskType) == m.family {
				lead = override
			}
			voices = append(voices, lead)
		}
		voices = dedup(voices)
		if len(voices) > maxCouncilSize {
			voices = voices[:maxCouncilSize]
		}
		reasoning = "classified " + describeScores(matched)
	}

	// Recommend keeps the full candidate list for visibility; Select trims
	// to one voice when the verdict is single.
	plan := s.roi(content, voices, scores)
	plan.Reasoning = reasoning
	return plan
}

// roi computes the cost model for a candidate voice set and the
// single-vs-multi verdict under the automatic policy.
func (s *Selector) roi(content string, voices []string, scores map[Family]float64) Plan {
	plan := Plan{
		Voices: voices,
		Scores: scores,
	}

	// Expected quality gain: each voice beyond the first contributes in
	// proportion to its family affinity.
	for _, id := range voices[1:] {
		affinity := 0.0
		if v, ok := s.registry.Get(id); ok {
			affinity = scores[v.Family]
		}
		plan.Gain += gainPerVoice * affinity
	}
	plan.Gain = min(plan.Gain, maxQualityGain)

	promptTokens := estimateTokens(content)
	plan.TokenCost = float64(promptTokens) * float64(len(voices)) * tokenOverhead

	// Parallel execution: wall clock is the slowest voice plus synthesis.
	var slowest time.Duration
	for _, id := range voices {
		latency := defaultVoiceLatency
		if v, ok := s.registry.Get(id); ok {
			if p := v.Performance(); p.Samples > 0 && p.AvgLatency > 0 {
				latency = p.AvgLatency
			}
		}
		if latency > slowest {
			slowest = latency
		}
	}
	plan.TimeCost = slowest + synthesisOverhead

	plan.NormalizedCost = plan.TokenCost/tokenCostUnit +
		plan.TimeCost.Seconds()/types.DefaultResponseBudget.Seconds()
	if plan.NormalizedCost > 0 {
		plan.BreakEven = plan.Gain / plan.NormalizedCost
	}
	plan.ROIScore = plan.Gain / (1 + plan.NormalizedCost)

	plan.Multi = len(voices) > 1 && plan.BreakEven > 1.0 && plan.Gain >= minQualityGain
	return plan
}

// classify scores the prompt against each family's keyword evidence.
// Match counts are dampened: three distinct hits saturate a family.
func classify(content string) map[Family]float64 {
	scores := make(map[Family]float64, len(familyOrder))
	for _, f := range familyOrder {
		matches := familyPatterns[f].FindAllString(content, -1)
		scores[f] = min(float64(len(matches))/3.0, 1.0)
	}
	return scores
}

// taskFamily maps a declared task type to the family it implies.
func taskFamily(t types.TaskType) Family {
	switch t {
	case types.TaskCodeGeneration:
		return FamilyImplementation
	case types.TaskCodeAnalysis, types.TaskOptimization:
		return FamilyAnalysis
	case types.TaskArchitectureDesign:
		return FamilyDesign
	case types.TaskDocumentation, types.TaskReview:
		return FamilyQuality
	}
	return ""
}

// partnerFor returns the natural second voice when a council is forced onto
// a single-voice plan, skipping excluded voices. Empty when no partner is
// available.
func (s *Selector) partnerFor(id string, excluded []string) string {
	candidates := []string{Developer, Maintainer}
	if id == Developer {
		candidates = []string{Maintainer, Guardian}
	}
	for _, c := range candidates {
		if c != id && !contains(excluded, c) {
			return c
		}
	}
	for _, c := range s.registry.IDs() {
		if c != id && !contains(excluded, c) {
			return c
		}
	}
	return ""
}

// estimateTokens approximates the token count of a prompt.
// ~4 chars per token is a rough approximation for most models.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

func describeScores(matched []rankedFamily) string {
	parts := make([]string, 0, len(matched))
	for _, m := range matched {
		parts = append(parts, fmt.Sprintf("%s(%.2f)", m.family, m.score))
	}
	return strings.Join(parts, " ")
}

func roiSummary(p Plan) string {
	mode := "single voice"
	if p.Multi {
		mode = fmt.Sprintf("council of %d", len(p.Voices))
	}
	return fmt.Sprintf("gain %.2f, break-even %.2f, roi %.2f -> %s", p.Gain, p.BreakEven, p.ROIScore, mode)
}

func exclude(voices, excluded []string) []string {
	var out []string
	for _, v := range voices {
		if !contains(excluded, v) {
			out = append(out, v)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func dedup(list []string) []string {
	seen := make(map[string]bool, len(list))
	var out []string
	for _, v := range list {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
