// Package redteam screens prompts and generated responses for adversarial
// content before they cross a trust boundary.
//
// Five specialized inspectors (prompt injection, code security, secrets,
// privilege escalation, data exfiltration) scan the same normalized input
// in parallel, each against its own pattern catalog. Their reports fold
// into a single [Consensus]: a threat level, an agreement score derived
// from the variance of the inspectors' assessments, deduplicated findings,
// disagreement notes, and merged recommendations. The orchestrator blocks,
// rewrites or annotates the outbound response based on that verdict.
//
// Input is canonicalized with NFKC and stripped of format characters
// before matching, so zero-width padding and fullwidth substitutions do
// not hide an attack from the catalogs.
package redteam

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"
)

// RefusalMessage replaces response content when output screening reports a
// critical finding. The audit trail is preserved alongside it.
const RefusalMessage = "This response was withheld: security screening reported critical findings. " +
	"The request has been logged for review."

// ThreatLevel grades how dangerous an input is. Levels are totally ordered
// low < medium < high < critical.
type ThreatLevel string

const (
	LevelLow      ThreatLevel = "low"
	LevelMedium   ThreatLevel = "medium"
	LevelHigh     ThreatLevel = "high"
	LevelCritical ThreatLevel = "critical"
)

// Score maps the level onto the numeric scale used for agreement math.
func (l ThreatLevel) Score() int {
	switch l {
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelCritical:
		return 4
	default:
		return 1
	}
}

// AtLeast reports whether l is min or worse.
func (l ThreatLevel) AtLeast(min ThreatLevel) bool {
	return l.Score() >= min.Score()
}

// Finding is one matched threat pattern. Findings with identical type,
// severity and description collapse to one entry during synthesis.
type Finding struct {
	// Type names the pattern family that matched ("instruction-override",
	// "pipe-to-shell").
	Type string `json:"type"`

	// Severity grades this finding on the same scale as threat levels.
	Severity ThreatLevel `json:"severity"`

	// Description explains what the pattern detects.
	Description string `json:"description"`

	// Evidence is the matched text, truncated. Secret matches are
	// redacted so the report cannot re-leak the credential.
	Evidence string `json:"evidence,omitempty"`

	// Inspector names the inspector that raised the finding.
	Inspector string `json:"inspector,omitempty"`
}

// Report is one inspector's assessment of an input.
type Report struct {
	Inspector       string        `json:"inspector"`
	ThreatLevel     ThreatLevel   `json:"threatLevel"`
	Confidence      float64       `json:"confidence"`
	Findings        []Finding     `json:"findings,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
	ExecutionTime   time.Duration `json:"executionTime"`
}

// Inspector scans an already-normalized input and reports what it found.
// Implementations must be safe for concurrent use.
type Inspector interface {
	Name() string
	Inspect(input string) Report
}

// Validator fans an input out to its inspectors and synthesizes their
// reports into one verdict. Safe for concurrent use.
type Validator struct {
	inspectors []Inspector
	log        *slog.Logger
	onComplete func(*Consensus)
}

// Option customises validator construction.
type Option func(*Validator)

// WithLogger sets the validator's logger.
func WithLogger(log *slog.Logger) Option {
	return func(v *Validator) { v.log = log }
}

// WithInspectors replaces the default inspector set.
func WithInspectors(inspectors ...Inspector) Option {
	return func(v *Validator) { v.inspectors = inspectors }
}

// WithCompletionHook registers fn to run after every validation with the
// final consensus. The orchestrator uses it to count verdicts and to
// quarantine flagged inputs.
func WithCompletionHook(fn func(*Consensus)) Option {
	return func(v *Validator) { v.onComplete = fn }
}

// NewValidator returns a validator armed with the five default inspectors.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		inspectors: defaultInspectors(),
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate normalizes input, runs every inspector on it in parallel and
// returns the synthesized verdict. The only error cause is ctx ending
// before all inspectors finish; a verdict is never partial.
func (v *Validator) Validate(ctx context.Context, input string) (*Consensus, error) {
	start := time.Now()
	normalized := Normalize(input)

	reports := make([]Report, len(v.inspectors))
	eg, gctx := errgroup.WithContext(ctx)
	for i, insp := range v.inspectors {
		eg.Go(func() error {
			if err := gctx.Err(); err != nil {
				return fmt.Errorf("redteam: inspector %s: %w", insp.Name(), err)
			}
			reports[i] = insp.Inspect(normalized)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	c := synthesize(reports)
	c.ExecutionTime = time.Since(start)

	v.log.Debug("redteam: verdict",
		"level", c.ThreatLevel,
		"agreement", c.AgentAgreement,
		"findings", len(c.Findings),
		"duration", c.ExecutionTime)
	if c.ThreatLevel.AtLeast(LevelHigh) {
		v.log.Warn("redteam: elevated threat",
			"level", c.ThreatLevel,
			"findings", len(c.Findings),
			"conflicts", len(c.Conflicts))
	}

	if v.onComplete != nil {
		v.onComplete(c)
	}
	return c, nil
}

// Normalize canonicalizes input for pattern matching: NFKC folds
// compatibility forms (fullwidth letters, ligatures) to their plain
// equivalents, then format characters (zero-width spaces and joiners,
// soft hyphens, direction marks) are stripped.
func Normalize(input string) string {
	folded := norm.NFKC.String(input)
	return strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, folded)
}
