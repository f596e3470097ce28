// Package orchestrator runs the full request pipeline over the routing,
// voice, council, and red-team layers.
//
// # Pipeline
//
// A request moves through eight stages:
//
//  1. Lifecycle: the request transitions to processing and its response
//     budget becomes the context deadline.
//  2. Input screening: the red-team validator inspects the prompt; a
//     high-consensus threat refuses the request outright.
//  3. Voice selection: the selector classifies the prompt and settles the
//     single-vs-council question.
//  4. Routing: the router scores complexity and picks a tier. The decision
//     cache makes per-voice routing redundant, so the decision is taken
//     once per request.
//  5. Context: voice memory contributes per-voice background to each
//     system prompt.
//  6. Invocation: voices run against pooled backends. Quality and hybrid
//     decisions go through the generator/auditor council; multi-voice
//     plans fan out and synthesize.
//  7. Output screening: generated content is re-validated before release;
//     critical findings replace it with the refusal message.
//  8. Recording: per-tier and per-voice outcomes feed back into routing,
//     voice statistics, and collaboration memory.
//
// Cancellation at any stage preserves the finalized audit steps: the
// partial response travels alongside the error, mirroring the council's
// contract.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/synod-ai/synod/internal/council"
	"github.com/synod-ai/synod/internal/fault"
	"github.com/synod-ai/synod/internal/memory"
	"github.com/synod-ai/synod/internal/observe"
	"github.com/synod-ai/synod/internal/perf"
	"github.com/synod-ai/synod/internal/redteam"
	"github.com/synod-ai/synod/internal/route"
	"github.com/synod-ai/synod/internal/toolhost"
	"github.com/synod-ai/synod/internal/voice"
	"github.com/synod-ai/synod/pkg/provider/llm"
	"github.com/synod-ai/synod/pkg/types"
)

const (
	// DefaultMaxConcurrent bounds parallel voice invocations per request.
	DefaultMaxConcurrent = 3

	// DefaultFastModeMaxTokens caps completions on the speed tier.
	DefaultFastModeMaxTokens = 1000

	// interBatchDelay separates admission batches when a plan fans out
	// wider than the concurrency bound.
	interBatchDelay = 50 * time.Millisecond

	// maxToolRounds bounds how many times one invocation may loop through
	// tool calls before the last response is taken as final.
	maxToolRounds = 4

	// unauditedQuality is the outcome quality credited to a voice whose
	// response completed without an audit score.
	unauditedQuality = 0.75

	// partialConfidenceCeiling separates full from partial collaboration
	// outcomes in voice memory.
	partialConfidenceCeiling = 0.7
)

// Orchestrator is the request entry point. It owns no backend state of its
// own: routing, health, load, and performance live in the collaborators
// handed to New, so a single Runtime can rebuild an Orchestrator on config
// changes without losing history.
type Orchestrator struct {
	router    *route.Router
	voices    *voice.Registry
	selector  *voice.Selector
	pool      *Pool
	validator *redteam.Validator
	mem       *memory.Store
	tools     *toolhost.Host
	perf      *perf.Store
	met       *observe.Metrics
	log       *slog.Logger
	now       func() time.Time

	mode           string
	timeout        time.Duration
	maxConcurrent  int
	fastMaxTokens  int
	auditThreshold int
	retry          fault.Policy
	fallback       []llm.Tier
	screenAll      bool
	stream         StreamConfig

	mu    sync.Mutex
	usage usageCounters
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithValidator replaces the default red-team validator.
func WithValidator(v *redteam.Validator) Option {
	return func(o *Orchestrator) {
		if v != nil {
			o.validator = v
		}
	}
}

// WithMemory attaches a voice memory store. Without one, requests run
// uncontextualized and collaboration outcomes are not recorded.
func WithMemory(m *memory.Store) Option {
	return func(o *Orchestrator) { o.mem = m }
}

// WithTools attaches a tool host. Backends then advertise its tools on
// direct invocations and tool calls round-trip through it.
func WithTools(h *toolhost.Host) Option {
	return func(o *Orchestrator) { o.tools = h }
}

// WithPerfStore attaches the performance store backing the router, for
// status reporting.
func WithPerfStore(s *perf.Store) Option {
	return func(o *Orchestrator) { o.perf = s }
}

// WithMetrics overrides the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.met = m
		}
	}
}

// WithMode sets the execution mode label recorded on metrics: "fast",
// "auto", or "quality". It does not change routing; configure the router
// for that.
func WithMode(mode string) Option {
	return func(o *Orchestrator) {
		if mode != "" {
			o.mode = mode
		}
	}
}

// WithTimeout sets the default response budget applied when a request
// carries no MaxResponseTime constraint.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithMaxConcurrent bounds parallel voice invocations per request.
// A bound of one forces strictly sequential invocation in selection order.
func WithMaxConcurrent(n int) Option {
	return func(o *Orchestrator) {
		if n >= 1 {
			o.maxConcurrent = n
		}
	}
}

// WithFastModeMaxTokens caps completion length on the speed tier. Zero
// disables the cap.
func WithFastModeMaxTokens(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.fastMaxTokens = n
		}
	}
}

// WithAuditThreshold sets the council score below which a refinement pass
// runs.
func WithAuditThreshold(score int) Option {
	return func(o *Orchestrator) {
		if score > 0 && score <= 100 {
			o.auditThreshold = score
		}
	}
}

// WithRetryPolicy overrides the backend retry policy.
func WithRetryPolicy(p fault.Policy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithFallbackChain orders the tiers tried after the routed tier is
// exhausted. The routed tier always leads; duplicates are skipped.
func WithFallbackChain(tiers []llm.Tier) Option {
	return func(o *Orchestrator) { o.fallback = tiers }
}

// WithOutputScreening selects whether every completed response is
// re-validated (true) or only those whose input raised concerns (false).
func WithOutputScreening(all bool) Option {
	return func(o *Orchestrator) { o.screenAll = all }
}

// WithStreaming shapes chunked delivery on CoordinateStream.
func WithStreaming(cfg StreamConfig) Option {
	return func(o *Orchestrator) {
		if cfg.BufferSize > 0 {
			o.stream.BufferSize = cfg.BufferSize
		}
		if cfg.ChunkSize >= 0 {
			o.stream.ChunkSize = cfg.ChunkSize
		}
		o.stream.Backpressure = cfg.Backpressure
		if cfg.Timeout > 0 {
			o.stream.Timeout = cfg.Timeout
		}
	}
}

// New builds an Orchestrator over the router, voice registry, and backend
// pool. A default red-team validator screens input and output until
// WithValidator replaces it.
func New(router *route.Router, voices *voice.Registry, pool *Pool, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		router:         router,
		voices:         voices,
		selector:       voice.NewSelector(voices),
		pool:           pool,
		validator:      redteam.NewValidator(),
		met:            observe.DefaultMetrics(),
		log:            slog.Default(),
		now:            time.Now,
		mode:           "auto",
		timeout:        types.DefaultResponseBudget,
		maxConcurrent:  DefaultMaxConcurrent,
		fastMaxTokens:  DefaultFastModeMaxTokens,
		auditThreshold: council.DefaultAuditThreshold,
		retry:          fault.DefaultPolicy(),
		screenAll:      true,
		stream:         defaultStreamConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Coordinate runs one request through the full pipeline and returns the
// final response. On security refusal and on cancellation the response is
// non-nil alongside the error, carrying the preserved audit trail.
func (o *Orchestrator) Coordinate(ctx context.Context, req types.Request) (*types.CoordinatedResponse, error) {
	return o.coordinate(ctx, req, nil)
}

// emitFunc forwards one stream event. A false return means the consumer is
// gone; producers should stop emitting but still finish the flow.
type emitFunc func(council.Event) bool

func (o *Orchestrator) coordinate(ctx context.Context, req types.Request, emit emitFunc) (*types.CoordinatedResponse, error) {
	start := o.now()
	ctx, span := observe.StartSpan(ctx, "coordinate")
	defer span.End()
	o.met.ActiveRequests.Add(ctx, 1)
	defer o.met.ActiveRequests.Add(ctx, -1)

	log := o.log.With("requestId", req.ID, "taskType", req.Type)
	if cid := observe.CorrelationID(ctx); cid != "" {
		log = log.With("correlationId", cid)
	}

	// Stage 1: lifecycle and budget.
	req, err := req.Start()
	if err != nil {
		o.done(ctx, req.Type, "error")
		return nil, fault.Wrap(fault.KindValidation, "orchestrator.validate", err)
	}
	budget := o.timeout
	if req.Constraints.MaxResponseTime > 0 {
		budget = req.Constraints.MaxResponseTime
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	// Stage 2: input screening.
	inScreen, err := o.validator.Validate(ctx, req.Content)
	if err != nil {
		// The validator only fails when the context dies.
		o.done(ctx, req.Type, "cancelled")
		return nil, fmt.Errorf("orchestrator: input screening: %w", err)
	}
	o.met.RecordRedTeamVerdict(ctx, "input", inputVerdict(inScreen.ThreatLevel))
	if inScreen.ThreatLevel.AtLeast(redteam.LevelHigh) {
		log.Warn("request refused by input screening",
			"threatLevel", inScreen.ThreatLevel,
			"agreement", inScreen.AgentAgreement,
			"findings", len(inScreen.Findings))
		o.done(ctx, req.Type, "refused")
		req, _ = req.Fail()
		return o.refusal(req, inScreen, start), fault.New(
			fault.KindSecurity, "orchestrator.screen",
			"input rejected by security screening",
			fault.WithSeverity(fault.SeverityCritical),
			fault.WithMeta("threatLevel", string(inScreen.ThreatLevel)))
	}

	// Stage 3: voice selection.
	plan, err := o.selector.Select(req)
	if err != nil {
		o.done(ctx, req.Type, "error")
		req, _ = req.Fail()
		return nil, fault.Wrap(fault.KindValidation, "orchestrator.select", err)
	}
	log.Debug("voice plan",
		"voices", plan.Voices,
		"multi", plan.Multi,
		"roi", plan.ROIScore,
		"reasoning", plan.Reasoning)

	// Stage 4: routing.
	decision := o.router.Decide(req.Type, req.Content, requestMetrics(req))
	o.met.RecordRouteDecision(ctx, string(decision.Tier), o.routeReason(decision))
	log.Info("routing decision",
		"tier", decision.Tier,
		"hybrid", decision.Hybrid,
		"confidence", decision.Confidence,
		"complexity", decision.Complexity,
		"reasoning", decision.Reasoning)

	// Stages 5 and 6: contextualized invocation and synthesis.
	resp, drafts, err := o.invoke(ctx, req, decision, plan, emit)
	elapsed := o.now().Sub(start)
	if err != nil {
		status := "error"
		if ctx.Err() != nil {
			status = "cancelled"
			req, _ = req.Cancel()
		} else {
			req, _ = req.Fail()
			o.record(ctx, req, decision, plan, resp, drafts, elapsed, err)
		}
		o.done(ctx, req.Type, status)
		if resp != nil {
			resp.ResponseTime = elapsed
			return resp, err
		}
		return nil, err
	}
	resp.ResponseTime = elapsed

	// Stage 7: output screening.
	var refuseErr error
	if o.screenAll || inScreen.ThreatLevel.AtLeast(redteam.LevelMedium) {
		outScreen, verr := o.validator.Validate(ctx, resp.Content)
		if verr != nil {
			o.done(ctx, req.Type, "cancelled")
			req, _ = req.Cancel()
			resp.Status = types.StatusCancelled
			return resp, fmt.Errorf("orchestrator: output screening: %w", verr)
		}
		o.met.RecordRedTeamVerdict(ctx, "output", outputVerdict(outScreen.ThreatLevel))
		switch {
		case outScreen.ThreatLevel.AtLeast(redteam.LevelCritical):
			log.Warn("response withheld by output screening",
				"threatLevel", outScreen.ThreatLevel,
				"findings", len(outScreen.Findings))
			resp.Content = redteam.RefusalMessage
			resp.Status = types.StatusFailed
			resp.Confidence = 0
			resp.Warnings = append(resp.Warnings, screenWarnings(outScreen)...)
			refuseErr = fault.New(fault.KindSecurity, "orchestrator.screen",
				"response withheld by security screening",
				fault.WithSeverity(fault.SeverityCritical),
				fault.WithMeta("threatLevel", string(outScreen.ThreatLevel)))
		case outScreen.ThreatLevel.AtLeast(redteam.LevelMedium):
			resp.Warnings = append(resp.Warnings, screenWarnings(outScreen)...)
		}
	}

	// Stage 8: recording.
	elapsed = o.now().Sub(start)
	resp.ResponseTime = elapsed
	if refuseErr != nil {
		req, _ = req.Fail()
		o.done(ctx, req.Type, "refused")
		o.record(ctx, req, decision, plan, resp, drafts, elapsed, refuseErr)
		return resp, refuseErr
	}
	req, _ = req.Complete()
	o.done(ctx, req.Type, "ok")
	o.record(ctx, req, decision, plan, resp, drafts, elapsed, nil)
	log.Info("request completed",
		"status", resp.Status,
		"voices", resp.VoicesUsed,
		"model", resp.ModelUsed,
		"confidence", resp.Confidence,
		"tokens", resp.TokensUsed,
		"warnings", len(resp.Warnings),
		"responseTime", elapsed)
	return resp, nil
}

// invoke dispatches the plan: multi-voice plans fan out and synthesize,
// quality and hybrid decisions run the audited council, and a plain
// speed-tier single voice goes straight to the backend.
func (o *Orchestrator) invoke(ctx context.Context, req types.Request, d route.Decision, plan voice.Plan, emit emitFunc) (*types.CoordinatedResponse, []voiceDraft, error) {
	if plan.Multi {
		return o.invokeCouncil(ctx, req, d, plan, emit)
	}

	v, system, err := o.voicePrompt(plan.Voices[0], req)
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindValidation, "orchestrator.voices", err)
	}
	if d.Tier == llm.TierSpeed && !d.Hybrid {
		resp, err := o.invokeDirect(ctx, req, d, v, system, emit)
		return resp, nil, err
	}
	resp, err := o.invokeAudited(ctx, req, d, v, system, emit)
	return resp, nil, err
}

// voicePrompt resolves a voice and its memory-contextualized system prompt.
func (o *Orchestrator) voicePrompt(id string, req types.Request) (*voice.Voice, string, error) {
	v, ok := o.voices.Get(id)
	if !ok {
		return nil, "", fmt.Errorf("orchestrator: unknown voice %q", id)
	}
	system, err := o.voices.SystemPrompt(id)
	if err != nil {
		return nil, "", err
	}
	return v, o.contextualize(v, system, req), nil
}

// contextualize appends a short working-memory note to the system prompt.
func (o *Orchestrator) contextualize(v *voice.Voice, system string, req types.Request) string {
	if o.mem == nil {
		return system
	}
	vc := o.mem.VoiceContext(memory.Query{
		VoiceID:        v.ID,
		Prompt:         req.Content,
		TaskType:       req.Type,
		Specialization: v.Specialization,
		Family:         string(v.Family),
	})
	note := contextNote(vc)
	if note == "" {
		return system
	}
	return system + "\n\n" + note
}

// contextNote renders voice memory into a compact system-prompt addendum.
// Only signals with substance make it in; a fresh voice gets nothing.
func contextNote(vc memory.VoiceContext) string {
	var parts []string
	if p := vc.Performance; p.Samples > 0 {
		parts = append(parts, fmt.Sprintf("across %d recent tasks your success rate was %.0f%%", p.Samples, p.SuccessRate*100))
	}
	if len(vc.SuccessPatterns) > 0 {
		parts = append(parts, "approaches that worked before: "+strings.Join(vc.SuccessPatterns, "; "))
	}
	if n := len(vc.CollaborationHistory); n > 0 {
		last := vc.CollaborationHistory[0]
		parts = append(parts, fmt.Sprintf("your last council handled a %s task with outcome %s", last.TaskType, last.Outcome))
	}
	if len(parts) == 0 {
		return ""
	}
	return "Context from earlier sessions: " + strings.Join(parts, ". ") + "."
}

// voiceOptions builds adapter options for one voice under a tier: the
// voice's temperature always applies, and the speed tier caps completion
// length.
func (o *Orchestrator) voiceOptions(v *voice.Voice, tier llm.Tier) llm.Options {
	opts := llm.Options{Temperature: v.Temperature}
	if tier == llm.TierSpeed && o.fastMaxTokens > 0 {
		opts.MaxTokens = o.fastMaxTokens
	}
	return opts
}

// tierChain returns the tiers to try for a routed tier: the routed tier
// first, then the configured fallback chain with duplicates skipped.
func (o *Orchestrator) tierChain(tier llm.Tier) []llm.Tier {
	chain := []llm.Tier{tier}
	for _, t := range o.fallback {
		if t.IsValid() && t != tier {
			chain = append(chain, t)
		}
	}
	return chain
}

// routeReason labels a decision for metrics: served from cache, forced by
// execution mode, or scored fresh.
func (o *Orchestrator) routeReason(d route.Decision) string {
	switch {
	case d.CacheHit:
		return "cache"
	case o.mode != "" && o.mode != "auto":
		return "forced"
	default:
		return "scored"
	}
}

// refusal builds the fixed-content response for a blocked request.
func (o *Orchestrator) refusal(req types.Request, c *redteam.Consensus, start time.Time) *types.CoordinatedResponse {
	return &types.CoordinatedResponse{
		RequestID:    req.ID,
		Content:      redteam.RefusalMessage,
		Warnings:     screenWarnings(c),
		ResponseTime: o.now().Sub(start),
		Status:       types.StatusFailed,
	}
}

// screenWarnings renders consensus findings as response warnings.
func screenWarnings(c *redteam.Consensus) []string {
	out := make([]string, 0, len(c.Findings))
	for _, f := range c.Findings {
		out = append(out, "security: "+f.Type+": "+f.Description)
	}
	return out
}

// inputVerdict labels the input screening outcome for metrics.
func inputVerdict(level redteam.ThreatLevel) string {
	if level.AtLeast(redteam.LevelHigh) {
		return "block"
	}
	return "pass"
}

// outputVerdict labels the output screening outcome for metrics.
func outputVerdict(level redteam.ThreatLevel) string {
	switch {
	case level.AtLeast(redteam.LevelCritical):
		return "block"
	case level.AtLeast(redteam.LevelMedium):
		return "flag"
	default:
		return "pass"
	}
}

// requestMetrics derives routing metrics from the request's task context.
// The analyzer reads most complexity signals from the prompt itself, so an
// absent context just yields zero-valued metrics.
func requestMetrics(req types.Request) route.Metrics {
	var m route.Metrics
	if req.Constraints.RequiredQuality >= 0.9 {
		m.DeepAnalysis = true
	}
	tc := req.Context
	if tc == nil {
		return m
	}
	if tc.ExistingCode != "" {
		m.LinesOfCode = strings.Count(tc.ExistingCode, "\n") + 1
	}
	m.MultiFile = tc.ProjectSize == "large"
	for _, r := range tc.Requirements {
		if strings.Contains(strings.ToLower(r), "secur") {
			m.SecurityImplications = true
			break
		}
	}
	return m
}

// done folds one terminal outcome into the metrics and usage counters.
func (o *Orchestrator) done(ctx context.Context, task types.TaskType, status string) {
	o.met.RecordRequest(ctx, string(task), o.mode, status)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.usage.requests++
	switch status {
	case "ok":
		o.usage.completed++
	case "cancelled":
		o.usage.cancelled++
	case "refused":
		o.usage.refused++
	default:
		o.usage.failed++
	}
}

// record feeds one terminal outcome back into routing history, voice
// statistics, and collaboration memory. Cancelled requests never reach
// here: an aborted run says nothing about tier or voice quality.
func (o *Orchestrator) record(ctx context.Context, req types.Request, d route.Decision, plan voice.Plan, resp *types.CoordinatedResponse, drafts []voiceDraft, elapsed time.Duration, reqErr error) {
	success := reqErr == nil && resp != nil && resp.Status == types.StatusCompleted
	confidence := 0.0
	tokens := 0
	if resp != nil {
		confidence = resp.Confidence
		tokens = resp.TokensUsed
	}

	sample := perf.Sample{
		Success: success,
		Latency: elapsed,
		Quality: confidence,
		Tokens:  tokens,
	}
	if reqErr != nil {
		sample.ErrorKind = string(fault.KindOf(reqErr))
	}
	o.router.RecordPerformance(d.Tier, req.Type, sample)

	score, audited := auditScore(resp)
	if audited {
		o.met.RecordAuditScore(ctx, score)
	}
	voiceQuality := unauditedQuality
	if audited {
		voiceQuality = float64(score) / 100
	}

	if len(drafts) > 0 {
		for _, dr := range drafts {
			out := voice.Outcome{Latency: dr.latency, Tokens: dr.tokens}
			if dr.err == nil {
				out.Success = true
				out.Quality = voiceQuality
			}
			_ = o.voices.RecordOutcome(dr.voiceID, out)
		}
	} else {
		for _, id := range plan.Voices {
			out := voice.Outcome{Latency: elapsed, Tokens: tokens}
			if success {
				out.Success = true
				out.Quality = voiceQuality
			}
			_ = o.voices.RecordOutcome(id, out)
		}
	}

	if o.mem != nil && resp != nil {
		kind := memory.OutcomeFailure
		if success {
			kind = memory.OutcomeSuccess
			if confidence < partialConfidenceCeiling {
				kind = memory.OutcomePartial
			}
		}
		o.mem.RecordCollaboration(memory.CollaborationRecord{
			At:       o.now(),
			Voices:   resp.VoicesUsed,
			TaskType: req.Type,
			Outcome:  kind,
			Quality:  confidence,
			Tokens:   tokens,
			Duration: elapsed,
		})
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.usage.countTier(d.Tier)
	if plan.Multi {
		o.usage.multiVoice++
	}
	if audited {
		o.usage.audited++
		o.usage.auditScoreSum += float64(score)
	}
	if success {
		o.usage.confidenceSum += confidence
	}
}

// auditScore extracts the last completed audit score from a trail.
func auditScore(resp *types.CoordinatedResponse) (int, bool) {
	if resp == nil {
		return 0, false
	}
	for i := len(resp.AuditTrail) - 1; i >= 0; i-- {
		st := resp.AuditTrail[i]
		if st.Phase == types.PhaseAudit && st.Event == types.EventComplete && st.Score > 0 {
			return st.Score, true
		}
	}
	return 0, false
}
