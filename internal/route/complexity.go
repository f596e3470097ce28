// Package route implements the hybrid router: a complexity analyzer over
// prompt text and task metrics, dynamic tier thresholds fed by recorded
// performance, live-load adjustment, and a fingerprinted decision cache.
package route

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/synod-ai/synod/pkg/types"
)

// Complexity score bounds.
const (
	minComplexity = 0.05
	maxComplexity = 1.0
)

// defaultBase is the base complexity for task types outside the table.
const defaultBase = 0.50

// baseComplexity maps task types to their base score. Both vocabularies are
// served: the analyzer categories (template, format, ...) used by callers
// that pre-classify, and the request task taxonomy.
var baseComplexity = map[string]float64{
	"template":     0.15,
	"format":       0.10,
	"edit":         0.25,
	"analysis":     0.75,
	"security":     0.90,
	"architecture": 0.85,

	string(types.TaskCodeGeneration):     0.40,
	string(types.TaskCodeAnalysis):       0.75,
	string(types.TaskArchitectureDesign): 0.85,
	string(types.TaskDocumentation):      0.15,
	string(types.TaskOptimization):       0.65,
	string(types.TaskReview):             0.50,
}

// patternFamily is one weighted keyword family. Positive weights raise the
// score, negative ones lower it. A family's contribution is its weight
// scaled by min(matches/10, 1).
type patternFamily struct {
	name   string
	re     *regexp.Regexp
	weight float64
}

var patternFamilies = []patternFamily{
	{"deep-analysis", regexp.MustCompile(`(?i)(comprehensive|thorough|in-depth|deep\s+dive|root\s+cause|investigat\w*|diagnos\w*)`), 0.30},
	{"security", regexp.MustCompile(`(?i)(secur\w*|auth\w*|token\w*|credential\w*|encrypt\w*|vulnerab\w*|inject\w*|saniti[sz]\w*|exploit\w*|threat\w*|audit\w*|xss|csrf)`), 0.35},
	{"architectural", regexp.MustCompile(`(?i)(architect\w*|\bdesign\w*|\bsystem\w*|microservice\w*|scalab\w*|distributed|modular\w*|boundar\w*)`), 0.30},
	{"optimization", regexp.MustCompile(`(?i)(optimi[sz]\w*|performance|latency|throughput|efficien\w*|bottleneck\w*|profil\w*)`), 0.25},
	{"algorithmic", regexp.MustCompile(`(?i)(algorithm\w*|big-?o\b|recursi\w*|dynamic\s+programming|travers\w*|heuristic\w*)`), 0.30},
	{"multi-entity", regexp.MustCompile(`(?i)(multiple|several|various|\ball\s+(files|modules|services|packages)\b)`), 0.15},
	{"integration", regexp.MustCompile(`(?i)(integrat\w*|webhook\w*|third-?party|interop\w*|end-to-end|cross-service)`), 0.20},
	{"refactoring", regexp.MustCompile(`(?i)(refactor\w*|restructur\w*|redesign\w*|rewrite|decouple\w*)`), 0.25},
	{"debugging", regexp.MustCompile(`(?i)(debug\w*|\bbug\b|\bfix\w*|crash\w*|stack\s*trace|regression\w*|broken)`), 0.20},
	{"simplicity", regexp.MustCompile(`(?i)(\bsimple\b|simply|trivial\w*|\bquick\w*|\bjust\b|\bminor\b)`), -0.10},
	{"formatting", regexp.MustCompile(`(?i)(format\w*|indent\w*|pretty-?print\w*|whitespace|lint\w*)`), -0.05},
	{"template", regexp.MustCompile(`(?i)(template\w*|boilerplate|scaffold\w*|\bstub\w*|skeleton)`), -0.10},
}

// techTermRe counts technical vocabulary; each occurrence adds 0.10 up to
// the techTermCap.
var techTermRe = regexp.MustCompile(`(?i)\b(api|apis|database|sql|concurrency|concurrent|goroutine|thread|mutex|cache|caching|queue|broker|transaction|schema|protocol|grpc|websocket|encryption|authentication|authorization|token|oauth|jwt|tls|kubernetes|docker|container|compiler|parser|ast|index|replication|sharding|partition)\b`)

const (
	techTermWeight = 0.10
	techTermCap    = 0.25

	lengthFloor  = 500
	lengthDiv    = 2000.0
	lengthCap    = 0.30
	patternLimit = 10.0

	businessHoursFactor = 0.95
	offHoursFactor      = 1.05

	speedStruggleBoost = 0.15
	speedThriveCut     = 0.10
	loadShiftThreshold = 5
	loadShiftStep      = 0.05
)

// Metrics are the optional structured complexity inputs a caller may attach
// to a request.
type Metrics struct {
	LinesOfCode             int
	FileCount               int
	MultiFile               bool
	DeepAnalysis            bool
	TemplateGeneration      bool
	SecurityImplications    bool
	EstimatedProcessingTime time.Duration
}

// Signals carries the live context the analyzer folds into the score: the
// speed tier's historical success on this task type and current in-flight
// load per tier.
type Signals struct {
	SpeedSuccess float64
	SpeedKnown   bool
	SpeedLoad    int
	QualityLoad  int
}

// Breakdown is a scored prompt with the contributions that produced the
// score, in scoring order.
type Breakdown struct {
	Score float64
	Notes []string
}

// Analyzer scores task complexity. Safe for concurrent use.
type Analyzer struct {
	now func() time.Time
}

// AnalyzerOption customises analyzer construction.
type AnalyzerOption func(*Analyzer)

// WithAnalyzerClock overrides the time source used for the business-hours
// adjustment.
func WithAnalyzerClock(now func() time.Time) AnalyzerOption {
	return func(a *Analyzer) { a.now = now }
}

// NewAnalyzer returns an analyzer using the wall clock.
func NewAnalyzer(opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Score computes the complexity of a prompt in [0.05, 1.0].
func (a *Analyzer) Score(task types.TaskType, prompt string, m Metrics, sig Signals) Breakdown {
	var notes []string

	base, ok := baseComplexity[string(task)]
	if !ok {
		base = defaultBase
	}
	score := base
	notes = append(notes, fmt.Sprintf("base %.2f (%s)", base, taskLabel(task)))

	if delta, hit := patternScore(prompt); len(hit) > 0 {
		score += delta
		notes = append(notes, fmt.Sprintf("patterns %+.2f (%s)", delta, strings.Join(hit, ", ")))
	}

	if n := len(prompt); n > lengthFloor {
		boost := math.Min(float64(n-lengthFloor)/lengthDiv, lengthCap)
		score += boost
		notes = append(notes, fmt.Sprintf("length %+.2f (%d chars)", boost, n))
	}

	if c := len(techTermRe.FindAllStringIndex(prompt, -1)); c > 0 {
		boost := math.Min(float64(c)*techTermWeight, techTermCap)
		score += boost
		notes = append(notes, fmt.Sprintf("terms %+.2f (%d technical terms)", boost, c))
	}

	if delta := metricsScore(m); delta != 0 {
		score += delta
		notes = append(notes, fmt.Sprintf("metrics %+.2f", delta))
	}

	if isBusinessHours(a.now()) {
		score *= businessHoursFactor
		notes = append(notes, "business-hours ×0.95")
	} else {
		score *= offHoursFactor
		notes = append(notes, "off-hours ×1.05")
	}

	if sig.SpeedKnown {
		switch {
		case sig.SpeedSuccess < 0.7:
			score += speedStruggleBoost
			notes = append(notes, fmt.Sprintf("speed-tier struggling on this task (%.2f success) %+.2f", sig.SpeedSuccess, speedStruggleBoost))
		case sig.SpeedSuccess > 0.9:
			score -= speedThriveCut
			notes = append(notes, fmt.Sprintf("speed-tier thriving on this task (%.2f success) -%.2f", sig.SpeedSuccess, speedThriveCut))
		}
	}

	if total := sig.SpeedLoad + sig.QualityLoad; total > loadShiftThreshold {
		switch {
		case sig.SpeedLoad < sig.QualityLoad:
			score -= loadShiftStep
			notes = append(notes, "load skew toward speed -0.05")
		case sig.QualityLoad < sig.SpeedLoad:
			score += loadShiftStep
			notes = append(notes, "load skew toward quality +0.05")
		}
	}

	score = math.Max(minComplexity, math.Min(maxComplexity, score))
	return Breakdown{Score: score, Notes: notes}
}

// patternScore sums the dampened keyword-family contributions and returns
// the families that matched.
func patternScore(prompt string) (float64, []string) {
	var delta float64
	var hit []string
	for _, fam := range patternFamilies {
		c := len(fam.re.FindAllStringIndex(prompt, -1))
		if c == 0 {
			continue
		}
		delta += fam.weight * math.Min(float64(c)/patternLimit, 1.0)
		hit = append(hit, fmt.Sprintf("%s×%d", fam.name, c))
	}
	return delta, hit
}

func metricsScore(m Metrics) float64 {
	var delta float64
	switch {
	case m.FileCount > 10:
		delta += 0.40
	case m.FileCount > 3:
		delta += 0.20
	}
	if m.LinesOfCode > 0 {
		delta += math.Min(math.Log10(float64(m.LinesOfCode)+1)*0.10, 0.30)
	}
	if m.SecurityImplications {
		delta += 0.40
	}
	if m.DeepAnalysis {
		delta += 0.35
	}
	if m.MultiFile {
		delta += 0.25
	}
	if m.TemplateGeneration {
		delta -= 0.10
	}
	return delta
}

func isBusinessHours(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return t.Hour() >= 9 && t.Hour() < 17
}

func taskLabel(task types.TaskType) string {
	if task == "" {
		return "unspecified task"
	}
	return string(task)
}
