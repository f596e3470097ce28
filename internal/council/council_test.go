package council

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/synod-ai/synod/pkg/provider/llm"
	"github.com/synod-ai/synod/pkg/provider/llm/mock"
	"github.com/synod-ai/synod/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// phases flattens a trail into "phase/event" strings for compact
// comparison.
func phases(steps []types.AuditStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = string(s.Phase) + "/" + string(s.Event)
	}
	return out
}

// collectEvents drains a council stream until it closes, splitting the
// events by kind.
func collectEvents(t *testing.T, events <-chan Event) (chunks []string, steps []types.AuditStep, terminal Event) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return chunks, steps, terminal
			}
			switch ev.Kind {
			case KindChunk:
				chunks = append(chunks, ev.Text)
			case KindAudit:
				steps = append(steps, *ev.Step)
			case KindComplete:
				terminal = ev
			}
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

// ---- verdict ----

// TestParseVerdictFenced accepts the plain and fenced forms auditor models
// actually emit.
func TestParseVerdictFenced(t *testing.T) {
	t.Parallel()

	const doc = `{"score": 77, "summary": "fine"}`
	cases := []struct {
		name string
		in   string
	}{
		{"plain", doc},
		{"json fence", "```json\n" + doc + "\n```"},
		{"bare fence", "```\n" + doc + "\n```"},
		{"padded", "  \n" + doc + "\n\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v, err := parseVerdict(tc.in)
			if err != nil {
				t.Fatalf("parseVerdict(%q): %v", tc.in, err)
			}
			if v.Score != 77 || v.Summary != "fine" {
				t.Fatalf("got score=%d summary=%q, want 77 %q", v.Score, v.Summary, "fine")
			}
		})
	}
}

// TestParseVerdictClampsScore keeps out-of-range scores inside [0, 100].
func TestParseVerdictClampsScore(t *testing.T) {
	t.Parallel()

	v, err := parseVerdict(`{"score": 250}`)
	if err != nil {
		t.Fatalf("parseVerdict: %v", err)
	}
	if v.Score != 100 {
		t.Fatalf("Score = %d, want 100", v.Score)
	}

	v, err = parseVerdict(`{"score": -5}`)
	if err != nil {
		t.Fatalf("parseVerdict: %v", err)
	}
	if v.Score != 0 {
		t.Fatalf("Score = %d, want 0", v.Score)
	}
}

// TestParseVerdictRejectsProse surfaces a parse error for replies that are
// not JSON at all.
func TestParseVerdictRejectsProse(t *testing.T) {
	t.Parallel()

	_, err := parseVerdict("Looks good to me, ship it.")
	if err == nil {
		t.Fatal("expected error for prose reply")
	}
	if !strings.Contains(err.Error(), "council: parse verdict") {
		t.Fatalf("error = %v, want parse verdict prefix", err)
	}
}

// TestVerdictWarnings surfaces security warnings and critical issues, and
// only those.
func TestVerdictWarnings(t *testing.T) {
	t.Parallel()

	v := &verdict{
		Issues: []issue{
			{Severity: IssueInfo, Description: "nit"},
			{Severity: IssueCritical, Description: "uses eval"},
			{Severity: IssueWarning, Description: "long function"},
		},
		SecurityWarnings: []string{"embedded credentials"},
	}
	want := []string{"security: embedded credentials", "audit: critical issue: uses eval"}
	if got := v.warnings(); !reflect.DeepEqual(got, want) {
		t.Fatalf("warnings() = %v, want %v", got, want)
	}
}

// TestVerdictDetail prefers the summary and falls back to issue counts.
func TestVerdictDetail(t *testing.T) {
	t.Parallel()

	if got := (&verdict{Summary: "solid work"}).detail(); got != "solid work" {
		t.Fatalf("detail() = %q, want the summary", got)
	}
	if got := (&verdict{}).detail(); got != "no issues found" {
		t.Fatalf("detail() = %q, want %q", got, "no issues found")
	}
	two := &verdict{Issues: []issue{{Severity: IssueInfo}, {Severity: IssueWarning}}}
	if got := two.detail(); got != "2 issue(s) found" {
		t.Fatalf("detail() = %q, want %q", got, "2 issue(s) found")
	}
}

// TestRefinePromptCarriesContext includes the request, the draft and every
// refinement as a bullet.
func TestRefinePromptCarriesContext(t *testing.T) {
	t.Parallel()

	p := refinePrompt("write a parser", "rough draft", []string{"add error handling", "name the states"})
	for _, want := range []string{"write a parser", "rough draft", "- add error handling\n", "- name the states\n"} {
		if !strings.Contains(p, want) {
			t.Fatalf("refinePrompt missing %q in:\n%s", want, p)
		}
	}
}

// ---- coordinate ----

// TestCoordinateApprovedFlow walks the happy path: a high-scoring draft is
// approved untouched, with the full trail and combined token accounting.
func TestCoordinateApprovedFlow(t *testing.T) {
	t.Parallel()

	gen := mock.New("fast", llm.TierSpeed)
	gen.GenerateResponse = &llm.Response{Content: "draft answer", Model: "fast-model", Usage: llm.Usage{TotalTokens: 100}}
	aud := mock.New("quality", llm.TierQuality)
	aud.GenerateResponse = &llm.Response{Content: `{"score": 92, "summary": "solid"}`, Model: "quality-model", Usage: llm.Usage{TotalTokens: 50}}

	c := New(gen, aud, WithLogger(quietLogger()))
	resp, err := c.Coordinate(context.Background(), Task{RequestID: "req-1", Prompt: "Write a retry helper", System: "You are a precise engineer."})
	if err != nil {
		t.Fatalf("Coordinate: %v", err)
	}

	if resp.Content != "draft answer" {
		t.Fatalf("Content = %q, want the draft", resp.Content)
	}
	if resp.ModelUsed != "fast-model" {
		t.Fatalf("ModelUsed = %q, want fast-model", resp.ModelUsed)
	}
	if resp.Confidence != 0.92 {
		t.Fatalf("Confidence = %v, want 0.92", resp.Confidence)
	}
	if resp.TokensUsed != 150 {
		t.Fatalf("TokensUsed = %d, want 150", resp.TokensUsed)
	}
	if resp.Status != types.StatusCompleted {
		t.Fatalf("Status = %q, want %q", resp.Status, types.StatusCompleted)
	}
	if len(resp.Warnings) != 0 {
		t.Fatalf("Warnings = %v, want none", resp.Warnings)
	}

	want := []string{"generate/start", "generate/complete", "audit/start", "audit/complete", "approve/complete"}
	if got := phases(resp.AuditTrail); !reflect.DeepEqual(got, want) {
		t.Fatalf("trail = %v, want %v", got, want)
	}
	audit := resp.AuditTrail[3]
	if audit.Score != 92 || audit.Model != "quality-model" || audit.Detail != "solid" {
		t.Fatalf("audit step = %+v", audit)
	}
	if approve := resp.AuditTrail[4]; approve.Detail != "approved" || approve.Score != 92 {
		t.Fatalf("approve step = %+v", approve)
	}

	if n := len(gen.GenerateCalls); n != 1 {
		t.Fatalf("generator calls = %d, want 1", n)
	}
	if got := gen.GenerateCalls[0].Opts.SystemPrompt; got != "You are a precise engineer." {
		t.Fatalf("generator system prompt = %q", got)
	}
	if n := len(aud.GenerateCalls); n != 1 {
		t.Fatalf("auditor calls = %d, want 1", n)
	}
	call := aud.GenerateCalls[0]
	if call.Opts.SystemPrompt != auditorSystem {
		t.Fatal("auditor call lacks the reviewer system prompt")
	}
	if !strings.Contains(call.Prompt, "draft answer") {
		t.Fatalf("audit prompt does not quote the draft:\n%s", call.Prompt)
	}
	if call.Opts.Temperature != auditTemperature || call.Opts.MaxTokens != auditMaxTokens {
		t.Fatalf("audit options = %+v", call.Opts)
	}
}

// TestCoordinateRefinementPass rewrites a low-scoring draft using the
// auditor's refinements and reports the corrected content.
func TestCoordinateRefinementPass(t *testing.T) {
	t.Parallel()

	gen := mock.New("fast", llm.TierSpeed)
	gen.GenerateQueue = []mock.GenerateResult{
		{Resp: &llm.Response{Content: "rough draft", Model: "fast-model", Usage: llm.Usage{TotalTokens: 80}}},
		{Resp: &llm.Response{Content: "polished draft", Model: "fast-model", Usage: llm.Usage{TotalTokens: 60}}},
	}
	aud := mock.New("quality", llm.TierQuality)
	aud.GenerateResponse = &llm.Response{
		Content: "```json\n{\"score\": 55, \"refinements\": [\"add error handling\"], \"summary\": \"needs work\"}\n```",
		Model:   "quality-model",
		Usage:   llm.Usage{TotalTokens: 40},
	}

	c := New(gen, aud, WithLogger(quietLogger()))
	resp, err := c.Coordinate(context.Background(), Task{RequestID: "req-2", Prompt: "Write a parser"})
	if err != nil {
		t.Fatalf("Coordinate: %v", err)
	}

	if resp.Content != "polished draft" {
		t.Fatalf("Content = %q, want the refined draft", resp.Content)
	}
	if resp.TokensUsed != 180 {
		t.Fatalf("TokensUsed = %d, want 180", resp.TokensUsed)
	}
	if resp.Confidence != 0.55 {
		t.Fatalf("Confidence = %v, want 0.55", resp.Confidence)
	}

	want := []string{"generate/start", "generate/complete", "audit/start", "audit/complete", "refine/start", "refine/complete", "approve/complete"}
	if got := phases(resp.AuditTrail); !reflect.DeepEqual(got, want) {
		t.Fatalf("trail = %v, want %v", got, want)
	}
	if approve := resp.AuditTrail[6]; approve.Detail != "approved after refinement" {
		t.Fatalf("approve detail = %q", approve.Detail)
	}

	if n := len(gen.GenerateCalls); n != 2 {
		t.Fatalf("generator calls = %d, want 2", n)
	}
	second := gen.GenerateCalls[1].Prompt
	if !strings.Contains(second, "- add error handling") || !strings.Contains(second, "rough draft") {
		t.Fatalf("refine prompt missing context:\n%s", second)
	}
}

// TestCoordinateLowScoreNoRefinements keeps the draft when the auditor
// scored low but offered nothing actionable, surfacing its warnings.
func TestCoordinateLowScoreNoRefinements(t *testing.T) {
	t.Parallel()

	gen := mock.New("fast", llm.TierSpeed)
	gen.GenerateResponse = &llm.Response{Content: "draft answer", Model: "fast-model"}
	aud := mock.New("quality", llm.TierQuality)
	aud.GenerateResponse = &llm.Response{
		Content: `{"score": 40, "issues": [{"severity": "critical", "description": "uses eval"}, {"severity": "info", "description": "nit"}], "securityWarnings": ["embedded credentials"]}`,
		Model:   "quality-model",
	}

	c := New(gen, aud, WithLogger(quietLogger()))
	resp, err := c.Coordinate(context.Background(), Task{RequestID: "req-3", Prompt: "p"})
	if err != nil {
		t.Fatalf("Coordinate: %v", err)
	}

	wantTrail := []string{"generate/start", "generate/complete", "audit/start", "audit/complete", "approve/complete"}
	if got := phases(resp.AuditTrail); !reflect.DeepEqual(got, wantTrail) {
		t.Fatalf("trail = %v, want %v", got, wantTrail)
	}
	wantWarnings := []string{"security: embedded credentials", "audit: critical issue: uses eval"}
	if !reflect.DeepEqual(resp.Warnings, wantWarnings) {
		t.Fatalf("Warnings = %v, want %v", resp.Warnings, wantWarnings)
	}
	if resp.Confidence != 0.40 {
		t.Fatalf("Confidence = %v, want 0.40", resp.Confidence)
	}
	if resp.Content != "draft answer" {
		t.Fatalf("Content = %q, want the original draft", resp.Content)
	}
}

// TestCoordinateAuditorUnavailable degrades to a single generation at
// fallback confidence with the warning recorded in the trail.
func TestCoordinateAuditorUnavailable(t *testing.T) {
	t.Parallel()

	gen := mock.New("fast", llm.TierSpeed)
	gen.GenerateResponse = &llm.Response{Content: "draft answer", Model: "fast-model", Usage: llm.Usage{TotalTokens: 70}}

	c := New(gen, nil, WithLogger(quietLogger()))
	resp, err := c.Coordinate(context.Background(), Task{RequestID: "req-4", Prompt: "p"})
	if err != nil {
		t.Fatalf("Coordinate: %v", err)
	}

	if resp.Confidence != fallbackConfidence {
		t.Fatalf("Confidence = %v, want %v", resp.Confidence, fallbackConfidence)
	}
	if !reflect.DeepEqual(resp.Warnings, []string{auditUnavailableWarning}) {
		t.Fatalf("Warnings = %v", resp.Warnings)
	}
	want := []string{"generate/start", "generate/complete", "approve/complete"}
	if got := phases(resp.AuditTrail); !reflect.DeepEqual(got, want) {
		t.Fatalf("trail = %v, want %v", got, want)
	}
	if detail := resp.AuditTrail[2].Detail; detail != auditUnavailableWarning {
		t.Fatalf("approve detail = %q", detail)
	}
	if resp.TokensUsed != 70 {
		t.Fatalf("TokensUsed = %d, want 70", resp.TokensUsed)
	}
}

// TestCoordinateAuditCallFails approves the draft unaudited when the
// auditor backend errors.
func TestCoordinateAuditCallFails(t *testing.T) {
	t.Parallel()

	gen := mock.New("fast", llm.TierSpeed)
	gen.GenerateResponse = &llm.Response{Content: "draft answer", Model: "fast-model"}
	aud := mock.New("quality", llm.TierQuality)
	aud.GenerateErr = errors.New("boom")

	c := New(gen, aud, WithLogger(quietLogger()))
	resp, err := c.Coordinate(context.Background(), Task{RequestID: "req-5", Prompt: "p"})
	if err != nil {
		t.Fatalf("Coordinate: %v", err)
	}

	if !reflect.DeepEqual(resp.Warnings, []string{"audit failed: boom"}) {
		t.Fatalf("Warnings = %v", resp.Warnings)
	}
	want := []string{"generate/start", "generate/complete", "audit/start", "audit/complete", "approve/complete"}
	if got := phases(resp.AuditTrail); !reflect.DeepEqual(got, want) {
		t.Fatalf("trail = %v, want %v", got, want)
	}
	if d := resp.AuditTrail[3].Detail; d != "audit failed, response unaudited" {
		t.Fatalf("audit detail = %q", d)
	}
	if d := resp.AuditTrail[4].Detail; d != "approved without audit" {
		t.Fatalf("approve detail = %q", d)
	}
	if resp.Confidence != fallbackConfidence {
		t.Fatalf("Confidence = %v, want %v", resp.Confidence, fallbackConfidence)
	}
}

// TestCoordinateUnparseableVerdict treats an auditor reply that is not
// JSON as a failed audit while still counting its token usage.
func TestCoordinateUnparseableVerdict(t *testing.T) {
	t.Parallel()

	gen := mock.New("fast", llm.TierSpeed)
	gen.GenerateResponse = &llm.Response{Content: "draft answer", Model: "fast-model", Usage: llm.Usage{TotalTokens: 100}}
	aud := mock.New("quality", llm.TierQuality)
	aud.GenerateResponse = &llm.Response{Content: "I think it's fine.", Model: "quality-model", Usage: llm.Usage{TotalTokens: 130}}

	c := New(gen, aud, WithLogger(quietLogger()))
	resp, err := c.Coordinate(context.Background(), Task{RequestID: "req-6", Prompt: "p"})
	if err != nil {
		t.Fatalf("Coordinate: %v", err)
	}

	if resp.TokensUsed != 230 {
		t.Fatalf("TokensUsed = %d, want 230", resp.TokensUsed)
	}
	if len(resp.Warnings) != 1 || !strings.HasPrefix(resp.Warnings[0], "audit failed: council: parse verdict:") {
		t.Fatalf("Warnings = %v", resp.Warnings)
	}
	if resp.Confidence != fallbackConfidence {
		t.Fatalf("Confidence = %v, want %v", resp.Confidence, fallbackConfidence)
	}
	if m := resp.AuditTrail[3].Model; m != "quality-model" {
		t.Fatalf("audit step model = %q, want quality-model", m)
	}
}

// TestCoordinateGeneratorError propagates a failed generation with no
// response at all.
func TestCoordinateGeneratorError(t *testing.T) {
	t.Parallel()

	gen := mock.New("fast", llm.TierSpeed)
	gen.GenerateErr = errors.New("no backend")
	c := New(gen, mock.New("quality", llm.TierQuality), WithLogger(quietLogger()))

	resp, err := c.Coordinate(context.Background(), Task{RequestID: "req-7", Prompt: "p"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "council: generate:") {
		t.Fatalf("error = %v", err)
	}
	if resp != nil {
		t.Fatalf("resp = %+v, want nil", resp)
	}
}

// TestCoordinateRefineCallFails keeps the original draft when the
// refinement generation errors.
func TestCoordinateRefineCallFails(t *testing.T) {
	t.Parallel()

	gen := mock.New("fast", llm.TierSpeed)
	gen.GenerateQueue = []mock.GenerateResult{
		{Resp: &llm.Response{Content: "rough draft", Model: "fast-model"}},
		{Err: errors.New("refine down")},
	}
	aud := mock.New("quality", llm.TierQuality)
	aud.GenerateResponse = &llm.Response{Content: `{"score": 50, "refinements": ["tighten"]}`, Model: "quality-model"}

	c := New(gen, aud, WithLogger(quietLogger()))
	resp, err := c.Coordinate(context.Background(), Task{RequestID: "req-8", Prompt: "p"})
	if err != nil {
		t.Fatalf("Coordinate: %v", err)
	}

	if resp.Content != "rough draft" {
		t.Fatalf("Content = %q, want the original draft", resp.Content)
	}
	want := []string{"generate/start", "generate/complete", "audit/start", "audit/complete", "refine/start", "refine/complete", "approve/complete"}
	if got := phases(resp.AuditTrail); !reflect.DeepEqual(got, want) {
		t.Fatalf("trail = %v, want %v", got, want)
	}
	if d := resp.AuditTrail[5].Detail; d != "refinement failed" {
		t.Fatalf("refine detail = %q", d)
	}
	if !reflect.DeepEqual(resp.Warnings, []string{"refinement failed, original draft kept"}) {
		t.Fatalf("Warnings = %v", resp.Warnings)
	}
	if resp.Status != types.StatusCompleted {
		t.Fatalf("Status = %q", resp.Status)
	}
}

// TestCoordinateThresholdOverride refines under a raised threshold that
// the default would have approved outright.
func TestCoordinateThresholdOverride(t *testing.T) {
	t.Parallel()

	gen := mock.New("fast", llm.TierSpeed)
	gen.GenerateQueue = []mock.GenerateResult{
		{Resp: &llm.Response{Content: "rough draft", Model: "fast-model"}},
		{Resp: &llm.Response{Content: "polished draft", Model: "fast-model"}},
	}
	aud := mock.New("quality", llm.TierQuality)
	aud.GenerateResponse = &llm.Response{Content: `{"score": 85, "refinements": ["name the error values"]}`, Model: "quality-model"}

	c := New(gen, aud, WithLogger(quietLogger()), WithAuditThreshold(90))
	resp, err := c.Coordinate(context.Background(), Task{RequestID: "req-9", Prompt: "p"})
	if err != nil {
		t.Fatalf("Coordinate: %v", err)
	}
	if resp.Content != "polished draft" {
		t.Fatalf("Content = %q, want the refined draft", resp.Content)
	}
	if resp.Confidence != 0.85 {
		t.Fatalf("Confidence = %v, want 0.85", resp.Confidence)
	}
}

// TestCoordinateCancelledMidAudit returns the partial trail and a
// cancelled status when the context dies while the auditor is thinking.
func TestCoordinateCancelledMidAudit(t *testing.T) {
	t.Parallel()

	gen := mock.New("fast", llm.TierSpeed)
	gen.GenerateResponse = &llm.Response{Content: "partial draft", Model: "fast-model"}
	aud := mock.New("quality", llm.TierQuality)
	aud.Latency = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := New(gen, aud, WithLogger(quietLogger()))
	resp, err := c.Coordinate(ctx, Task{RequestID: "req-10", Prompt: "p"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if resp == nil {
		t.Fatal("expected a partial response alongside the error")
	}
	if resp.Status != types.StatusCancelled {
		t.Fatalf("Status = %q, want %q", resp.Status, types.StatusCancelled)
	}
	want := []string{"generate/start", "generate/complete", "audit/start"}
	if got := phases(resp.AuditTrail); !reflect.DeepEqual(got, want) {
		t.Fatalf("trail = %v, want %v", got, want)
	}
	if resp.Content != "partial draft" {
		t.Fatalf("Content = %q, want the finished draft", resp.Content)
	}
	last := len(resp.Warnings) - 1
	if last < 0 || resp.Warnings[last] != "cancelled before completion" {
		t.Fatalf("Warnings = %v", resp.Warnings)
	}
}

// TestTrailClockStamps stamps steps with the injected clock in emission
// order.
func TestTrailClockStamps(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var ticks int
	clock := func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks) * time.Second)
	}

	gen := mock.New("fast", llm.TierSpeed)
	gen.GenerateResponse = &llm.Response{Content: "draft answer", Model: "fast-model"}
	aud := mock.New("quality", llm.TierQuality)
	aud.GenerateResponse = &llm.Response{Content: `{"score": 90}`, Model: "quality-model"}

	c := New(gen, aud, WithLogger(quietLogger()), WithClock(clock))
	resp, err := c.Coordinate(context.Background(), Task{RequestID: "req-11", Prompt: "p"})
	if err != nil {
		t.Fatalf("Coordinate: %v", err)
	}
	for i := 1; i < len(resp.AuditTrail); i++ {
		if !resp.AuditTrail[i].At.After(resp.AuditTrail[i-1].At) {
			t.Fatalf("trail stamps not increasing at %d: %v then %v", i, resp.AuditTrail[i-1].At, resp.AuditTrail[i].At)
		}
	}
	if resp.ResponseTime <= 0 {
		t.Fatalf("ResponseTime = %v, want positive", resp.ResponseTime)
	}
}

// ---- streaming ----

// TestStreamChunksAndComplete yields draft chunks, audit steps and one
// terminal event carrying the final response.
func TestStreamChunksAndComplete(t *testing.T) {
	t.Parallel()

	gen := mock.New("fast", llm.TierSpeed)
	gen.StreamChunks = []llm.Chunk{{Text: "Hello "}, {Text: "world"}, {FinishReason: "stop"}}
	aud := mock.New("quality", llm.TierQuality)
	aud.GenerateResponse = &llm.Response{Content: `{"score": 90}`, Model: "quality-model"}

	c := New(gen, aud, WithLogger(quietLogger()))
	chunks, steps, terminal := collectEvents(t, c.CoordinateStream(context.Background(), Task{RequestID: "req-12", Prompt: "p"}))

	if !reflect.DeepEqual(chunks, []string{"Hello ", "world"}) {
		t.Fatalf("chunks = %v", chunks)
	}
	want := []string{"generate/start", "generate/complete", "audit/start", "audit/complete", "approve/complete"}
	if got := phases(steps); !reflect.DeepEqual(got, want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}
	if terminal.Kind != KindComplete || terminal.Err != nil {
		t.Fatalf("terminal = %+v", terminal)
	}
	resp := terminal.Response
	if resp.Content != "Hello world" {
		t.Fatalf("Content = %q, want the assembled draft", resp.Content)
	}
	if resp.Confidence != 0.9 {
		t.Fatalf("Confidence = %v, want 0.9", resp.Confidence)
	}
	if resp.ModelUsed != "fast" {
		t.Fatalf("ModelUsed = %q, want the generator name", resp.ModelUsed)
	}
	if !strings.Contains(aud.GenerateCalls[0].Prompt, "Hello world") {
		t.Fatal("audit prompt missing the assembled draft")
	}
	if got := phases(resp.AuditTrail); !reflect.DeepEqual(got, want) {
		t.Fatalf("trail = %v, want %v", got, want)
	}
}

// TestStreamRefinedContentArrivesOnComplete streams the original draft and
// delivers the refined text only on the terminal event.
func TestStreamRefinedContentArrivesOnComplete(t *testing.T) {
	t.Parallel()

	gen := mock.New("fast", llm.TierSpeed)
	gen.StreamChunks = []llm.Chunk{{Text: "rough draft"}, {FinishReason: "stop"}}
	gen.GenerateResponse = &llm.Response{Content: "polished draft", Model: "fast-model"}
	aud := mock.New("quality", llm.TierQuality)
	aud.GenerateResponse = &llm.Response{Content: `{"score": 55, "refinements": ["tighten the intro"]}`, Model: "quality-model"}

	c := New(gen, aud, WithLogger(quietLogger()))
	chunks, steps, terminal := collectEvents(t, c.CoordinateStream(context.Background(), Task{RequestID: "req-13", Prompt: "p"}))

	if !reflect.DeepEqual(chunks, []string{"rough draft"}) {
		t.Fatalf("chunks = %v", chunks)
	}
	if len(steps) != 7 {
		t.Fatalf("steps = %v, want the full refinement trail", phases(steps))
	}
	if terminal.Response.Content != "polished draft" {
		t.Fatalf("Content = %q, want the refined draft", terminal.Response.Content)
	}
	if terminal.Response.ModelUsed != "fast-model" {
		t.Fatalf("ModelUsed = %q, want fast-model", terminal.Response.ModelUsed)
	}
}

// TestStreamCancellationPreservesTrail cancels while the auditor is in
// flight: the terminal event still arrives, carrying the steps finalized
// before the cut and a cancelled status.
func TestStreamCancellationPreservesTrail(t *testing.T) {
	t.Parallel()

	gen := mock.New("fast", llm.TierSpeed)
	gen.StreamChunks = []llm.Chunk{{Text: "partial draft"}, {FinishReason: "stop"}}
	aud := mock.New("quality", llm.TierQuality)
	aud.Latency = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(gen, aud, WithLogger(quietLogger()))
	events := c.CoordinateStream(ctx, Task{RequestID: "req-14", Prompt: "p"})

	var terminal Event
	timeout := time.After(5 * time.Second)
drain:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break drain
			}
			if ev.Kind == KindAudit && ev.Step.Phase == types.PhaseAudit && ev.Step.Event == types.EventStart {
				cancel()
			}
			if ev.Kind == KindComplete {
				terminal = ev
			}
		case <-timeout:
			t.Fatal("stream did not close after cancellation")
		}
	}

	if !errors.Is(terminal.Err, context.Canceled) {
		t.Fatalf("terminal err = %v, want context.Canceled", terminal.Err)
	}
	resp := terminal.Response
	if resp == nil {
		t.Fatal("terminal event lost the partial response")
	}
	if resp.Status != types.StatusCancelled {
		t.Fatalf("Status = %q, want %q", resp.Status, types.StatusCancelled)
	}
	want := []string{"generate/start", "generate/complete", "audit/start"}
	if got := phases(resp.AuditTrail); !reflect.DeepEqual(got, want) {
		t.Fatalf("trail = %v, want %v", got, want)
	}
	if resp.Content != "partial draft" {
		t.Fatalf("Content = %q, want the finished draft", resp.Content)
	}
}

// TestStreamCancelDuringGeneration abandons the draft stream and still
// delivers a cancelled terminal event.
func TestStreamCancelDuringGeneration(t *testing.T) {
	t.Parallel()

	gen := mock.New("fast", llm.TierSpeed)
	var feed []llm.Chunk
	for i := 0; i < 40; i++ {
		feed = append(feed, llm.Chunk{Text: "x"})
	}
	gen.StreamChunks = append(feed, llm.Chunk{FinishReason: "stop"})
	aud := mock.New("quality", llm.TierQuality)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(gen, aud, WithLogger(quietLogger()))
	events := c.CoordinateStream(ctx, Task{RequestID: "req-15", Prompt: "p"})

	var terminal Event
	first := true
	timeout := time.After(5 * time.Second)
drain:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break drain
			}
			if ev.Kind == KindChunk && first {
				first = false
				cancel()
			}
			if ev.Kind == KindComplete {
				terminal = ev
			}
		case <-timeout:
			t.Fatal("stream did not close after cancellation")
		}
	}

	if !errors.Is(terminal.Err, context.Canceled) {
		t.Fatalf("terminal err = %v, want context.Canceled", terminal.Err)
	}
	if terminal.Response == nil || terminal.Response.Status != types.StatusCancelled {
		t.Fatalf("terminal response = %+v", terminal.Response)
	}
	if got := phases(terminal.Response.AuditTrail); !reflect.DeepEqual(got, []string{"generate/start"}) {
		t.Fatalf("trail = %v, want the generation start only", got)
	}
	if n := len(aud.GenerateCalls); n != 0 {
		t.Fatalf("auditor was consulted %d times after cancellation", n)
	}
}

// TestStreamGeneratorStreamError ends the stream with an error terminal
// event when the backend cannot open a stream.
func TestStreamGeneratorStreamError(t *testing.T) {
	t.Parallel()

	gen := mock.New("fast", llm.TierSpeed)
	gen.StreamErr = errors.New("stream down")
	aud := mock.New("quality", llm.TierQuality)

	c := New(gen, aud, WithLogger(quietLogger()))
	chunks, steps, terminal := collectEvents(t, c.CoordinateStream(context.Background(), Task{RequestID: "req-16", Prompt: "p"}))

	if len(chunks) != 0 {
		t.Fatalf("chunks = %v, want none", chunks)
	}
	if got := phases(steps); !reflect.DeepEqual(got, []string{"generate/start"}) {
		t.Fatalf("steps = %v", got)
	}
	if terminal.Err == nil || !strings.Contains(terminal.Err.Error(), "council: generate:") {
		t.Fatalf("terminal err = %v", terminal.Err)
	}
	if terminal.Response != nil {
		t.Fatalf("Response = %+v, want nil", terminal.Response)
	}
}
