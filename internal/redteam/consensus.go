package redteam

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// confidenceSpreadLimit is the widest confidence gap between two inspectors
// that still counts as agreement.
const confidenceSpreadLimit = 0.35

// Consensus is the synthesized verdict across all inspectors.
type Consensus struct {
	// ThreatLevel is the consensus grade: any inspector reporting
	// critical forces critical; otherwise at least half reporting high
	// gives high, at least half reporting medium or above gives medium,
	// and everything else is low.
	ThreatLevel ThreatLevel `json:"threatLevel"`

	// AgentAgreement is 1 minus half the variance of the inspectors'
	// level scores, clamped to [0,1]. 1 means unanimity.
	AgentAgreement float64 `json:"agentAgreement"`

	// Findings is the union of all inspector findings, deduplicated by
	// (type, severity, description) and ordered worst first.
	Findings []Finding `json:"findings"`

	// Conflicts describes inspector disagreements: a low verdict next to
	// a critical one, or confidences further apart than the spread limit.
	Conflicts []string `json:"conflicts,omitempty"`

	// Recommendations opens with the consensus-level advice followed by
	// each reporting inspector's advice, deduplicated in order.
	Recommendations []string `json:"recommendations"`

	// Reports preserves the per-inspector assessments.
	Reports []Report `json:"reports"`

	// ExecutionTime is the wall-clock duration of the whole validation.
	ExecutionTime time.Duration `json:"executionTime"`
}

// consensusAdvice is the leading recommendation per consensus level.
var consensusAdvice = map[ThreatLevel]string{
	LevelCritical: "Block the request and quarantine the input for security review.",
	LevelHigh:     "Require human approval before acting on this content.",
	LevelMedium:   "Proceed only with sandboxed execution and filtered output.",
	LevelLow:      "No security action required.",
}

// synthesize folds inspector reports into one verdict. ExecutionTime is
// left for the caller to stamp.
func synthesize(reports []Report) *Consensus {
	level := consensusLevel(reports)
	return &Consensus{
		ThreatLevel:     level,
		AgentAgreement:  agreementScore(reports),
		Findings:        mergeFindings(reports),
		Conflicts:       detectConflicts(reports),
		Recommendations: mergeRecommendations(level, reports),
		Reports:         reports,
	}
}

func consensusLevel(reports []Report) ThreatLevel {
	n := len(reports)
	if n == 0 {
		return LevelLow
	}
	var high, mediumOrAbove int
	for _, r := range reports {
		if r.ThreatLevel == LevelCritical {
			return LevelCritical
		}
		if r.ThreatLevel == LevelHigh {
			high++
		}
		if r.ThreatLevel.AtLeast(LevelMedium) {
			mediumOrAbove++
		}
	}
	switch {
	case 2*high >= n:
		return LevelHigh
	case 2*mediumOrAbove >= n:
		return LevelMedium
	default:
		return LevelLow
	}
}

func agreementScore(reports []Report) float64 {
	n := len(reports)
	if n == 0 {
		return 1
	}
	var sum float64
	for _, r := range reports {
		sum += float64(r.ThreatLevel.Score())
	}
	mean := sum / float64(n)

	var variance float64
	for _, r := range reports {
		d := float64(r.ThreatLevel.Score()) - mean
		variance += d * d
	}
	variance /= float64(n)

	agreement := 1 - variance/2
	if agreement < 0 {
		return 0
	}
	return agreement
}

func mergeFindings(reports []Report) []Finding {
	seen := make(map[string]struct{})
	var out []Finding
	for _, rep := range reports {
		for _, f := range rep.Findings {
			key := f.Type + "\x00" + string(f.Severity) + "\x00" + f.Description
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity.Score() > out[j].Severity.Score()
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func detectConflicts(reports []Report) []string {
	if len(reports) < 2 {
		return nil
	}

	var lows, criticals []string
	minC, maxC := reports[0], reports[0]
	for _, r := range reports {
		switch r.ThreatLevel {
		case LevelLow:
			lows = append(lows, r.Inspector)
		case LevelCritical:
			criticals = append(criticals, r.Inspector)
		}
		if r.Confidence < minC.Confidence {
			minC = r
		}
		if r.Confidence > maxC.Confidence {
			maxC = r
		}
	}

	var out []string
	if len(lows) > 0 && len(criticals) > 0 {
		out = append(out, fmt.Sprintf("threat disagreement: %s reported critical while %s reported low",
			strings.Join(criticals, ", "), strings.Join(lows, ", ")))
	}
	if spread := maxC.Confidence - minC.Confidence; spread > confidenceSpreadLimit {
		out = append(out, fmt.Sprintf("confidence spread %.2f: %s at %.2f vs %s at %.2f",
			spread, maxC.Inspector, maxC.Confidence, minC.Inspector, minC.Confidence))
	}
	return out
}

func mergeRecommendations(level ThreatLevel, reports []Report) []string {
	out := []string{consensusAdvice[level]}
	seen := map[string]struct{}{out[0]: {}}
	for _, rep := range reports {
		for _, rec := range rep.Recommendations {
			if _, dup := seen[rec]; dup {
				continue
			}
			seen[rec] = struct{}{}
			out = append(out, rec)
		}
	}
	return out
}
