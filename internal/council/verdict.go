package council

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Issue severities recognised in audit verdicts.
const (
	IssueInfo     = "info"
	IssueWarning  = "warning"
	IssueCritical = "critical"
)

// auditorSystem pins the auditor persona to a strict JSON verdict. Models
// that wrap the document in a markdown fence are tolerated by the parser.
const auditorSystem = `You are a strict reviewer on a two-agent council. Assess the draft response for correctness, completeness, safety and fit to the request. Reply with a single JSON document and nothing else:
{"score": <integer 0-100>, "issues": [{"severity": "info|warning|critical", "description": "<issue>"}], "securityWarnings": ["<warning>"], "refinements": ["<concrete change>"], "summary": "<one sentence>"}
Score 90+ means ready to ship, below 80 means the listed refinements are required. Report every security concern in securityWarnings even when it is not critical.`

// verdict is the auditor's parsed assessment of a draft.
type verdict struct {
	Score            int      `json:"score"`
	Issues           []issue  `json:"issues"`
	SecurityWarnings []string `json:"securityWarnings"`
	Refinements      []string `json:"refinements"`
	Summary          string   `json:"summary"`
}

type issue struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// warnings converts the verdict's security warnings and critical issues
// into response warnings. Non-critical security warnings still count.
func (v *verdict) warnings() []string {
	var out []string
	for _, w := range v.SecurityWarnings {
		out = append(out, "security: "+w)
	}
	for _, is := range v.Issues {
		if is.Severity == IssueCritical {
			out = append(out, "audit: critical issue: "+is.Description)
		}
	}
	return out
}

// detail summarises the verdict for the audit-complete step.
func (v *verdict) detail() string {
	if v.Summary != "" {
		return v.Summary
	}
	if len(v.Issues) == 0 {
		return "no issues found"
	}
	return fmt.Sprintf("%d issue(s) found", len(v.Issues))
}

// parseVerdict unmarshals an auditor reply, stripping the optional
// markdown fence some models wrap around JSON. The score is clamped to
// [0, 100].
func parseVerdict(content string) (*verdict, error) {
	cleaned := stripFences(content)

	var v verdict
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return nil, fmt.Errorf("council: parse verdict: %w", err)
	}
	if v.Score < 0 {
		v.Score = 0
	}
	if v.Score > 100 {
		v.Score = 100
	}
	return &v, nil
}

// stripFences removes a wrapping markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

// auditPrompt is the user-side message for the audit call.
func auditPrompt(request, draft string) string {
	return fmt.Sprintf("Request:\n%s\n\nDraft response:\n%s", request, draft)
}

// refinePrompt asks the generator to apply the auditor's refinements.
func refinePrompt(request, draft string, refinements []string) string {
	var sb strings.Builder
	sb.WriteString("Your draft response needs changes.\n\nRequest:\n")
	sb.WriteString(request)
	sb.WriteString("\n\nDraft:\n")
	sb.WriteString(draft)
	sb.WriteString("\n\nApply these refinements and return the full corrected response:\n")
	for _, r := range refinements {
		sb.WriteString("- ")
		sb.WriteString(r)
		sb.WriteByte('\n')
	}
	return sb.String()
}
