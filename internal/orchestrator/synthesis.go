package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/synod-ai/synod/internal/council"
	"github.com/synod-ai/synod/internal/route"
	"github.com/synod-ai/synod/internal/voice"
	"github.com/synod-ai/synod/pkg/provider/llm"
	"github.com/synod-ai/synod/pkg/types"
)

const (
	// synthesisTemperature keeps the merging pass conservative.
	synthesisTemperature = 0.3

	// mergeFallbackQuality stands in for a voice with no recorded history
	// when a mechanical merge computes its confidence.
	mergeFallbackQuality = 0.6
)

// synthesisSystem primes the generator that merges council drafts.
const synthesisSystem = "You lead a council of specialist voices. Merge their drafts into a single coherent answer. Keep every substantive point, resolve disagreements explicitly instead of dropping them, and never mention the council or its members."

// voiceDraft is one voice's contribution to a council, or its failure.
type voiceDraft struct {
	voiceID string
	content string
	model   string
	tokens  int
	latency time.Duration
	at      time.Time
	err     error
}

// invokeCouncil fans the request out to every planned voice and merges the
// drafts: through a quality-tier generator/auditor pair when one is
// available, mechanically otherwise.
func (o *Orchestrator) invokeCouncil(ctx context.Context, req types.Request, d route.Decision, plan voice.Plan, emit emitFunc) (*types.CoordinatedResponse, []voiceDraft, error) {
	drafts := o.draftVoices(ctx, req, d, plan)
	ok := successfulDrafts(drafts)

	if err := ctx.Err(); err != nil {
		// Content is discarded on cancellation; finalized steps survive.
		return &types.CoordinatedResponse{
			RequestID:  req.ID,
			VoicesUsed: draftVoiceIDs(ok),
			AuditTrail: draftSteps(drafts),
			TokensUsed: sumDraftTokens(drafts),
			Warnings:   []string{"cancelled before completion"},
			Status:     types.StatusCancelled,
		}, drafts, fmt.Errorf("orchestrator: council drafts: %w", err)
	}
	if len(ok) == 0 {
		return nil, drafts, fmt.Errorf("orchestrator: all voices failed: %w", drafts[0].err)
	}
	warnings := draftWarnings(drafts)

	// A lone surviving draft needs no synthesis pass.
	if len(ok) == 1 {
		return o.mergeDrafts(req, ok, warnings), drafts, nil
	}

	gen, err := o.pool.Pick(ctx, llm.TierQuality)
	if err != nil {
		o.log.Warn("no quality backend for synthesis, merging mechanically",
			"requestId", req.ID, "voices", draftVoiceIDs(ok))
		warnings = append(warnings, "synthesis unavailable, drafts merged mechanically")
		return o.mergeDrafts(req, ok, warnings), drafts, nil
	}
	auditor, _ := o.pool.Pick(ctx, llm.TierQuality)

	release, err := o.acquirePair(ctx, gen, auditor)
	if err != nil {
		return nil, drafts, err
	}
	defer release()

	c := council.New(gen, auditor,
		council.WithAuditThreshold(o.auditThreshold),
		council.WithLogger(o.log),
		council.WithClock(o.now))

	resp, err := o.runCouncil(ctx, c, council.Task{
		RequestID: req.ID,
		Prompt:    synthesisPrompt(req.Content, ok),
		System:    synthesisSystem,
		Opts:      llm.Options{Temperature: synthesisTemperature},
	}, emit)
	if err != nil {
		if ctx.Err() != nil {
			if resp != nil {
				resp.VoicesUsed = draftVoiceIDs(ok)
				resp.AuditTrail = append(draftSteps(drafts), resp.AuditTrail...)
				resp.TokensUsed += sumDraftTokens(drafts)
			}
			return resp, drafts, err
		}
		o.log.Warn("synthesis failed, merging mechanically", "requestId", req.ID, "error", err)
		warnings = append(warnings, "synthesis failed, drafts merged mechanically")
		return o.mergeDrafts(req, ok, warnings), drafts, nil
	}

	resp.VoicesUsed = draftVoiceIDs(ok)
	resp.AuditTrail = append(draftSteps(drafts), resp.AuditTrail...)
	resp.TokensUsed += sumDraftTokens(drafts)
	resp.Warnings = append(warnings, resp.Warnings...)
	return resp, drafts, nil
}

// draftVoices runs every planned voice, bounded by the concurrency limit.
// Slots are acquired in plan order before each launch, so a bound of one
// yields strictly sequential invocation in selection order. A short pause
// separates admission batches when the plan is wider than the bound.
func (o *Orchestrator) draftVoices(ctx context.Context, req types.Request, d route.Decision, plan voice.Plan) []voiceDraft {
	tier := d.Tier
	if d.Hybrid {
		tier = llm.TierSpeed
	}

	drafts := make([]voiceDraft, len(plan.Voices))
	sem := semaphore.NewWeighted(int64(o.maxConcurrent))
	var wg sync.WaitGroup
	for i, id := range plan.Voices {
		if i > 0 && i%o.maxConcurrent == 0 {
			sleepContext(ctx, interBatchDelay)
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(plan.Voices); j++ {
				drafts[j] = voiceDraft{voiceID: plan.Voices[j], at: o.now(), err: err}
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			drafts[i] = o.draftVoice(ctx, req, tier, id)
		}()
	}
	wg.Wait()
	return drafts
}

// draftVoice produces one voice's draft for the council. Drafts never
// stream; only the synthesis stage is forwarded to stream consumers.
func (o *Orchestrator) draftVoice(ctx context.Context, req types.Request, tier llm.Tier, id string) voiceDraft {
	start := o.now()
	dr := voiceDraft{voiceID: id}

	v, system, err := o.voicePrompt(id, req)
	if err != nil {
		dr.at = o.now()
		dr.err = err
		return dr
	}
	content, model, usage, err := o.invokeTiered(ctx, tier, system, req.Content, o.voiceOptions(v, tier), nil)
	dr.latency = o.now().Sub(start)
	dr.at = o.now()
	if err != nil {
		dr.err = err
		return dr
	}
	dr.content = content
	dr.model = model
	dr.tokens = usage.TotalTokens
	return dr
}

// synthesisPrompt embeds the surviving drafts for the merging generator.
func synthesisPrompt(request string, drafts []voiceDraft) string {
	var sb strings.Builder
	sb.WriteString("Specialist voices answered the same request independently. Synthesize their drafts into one response.\n\n")
	sb.WriteString("Request:\n")
	sb.WriteString(request)
	sb.WriteString("\n")
	for _, dr := range drafts {
		fmt.Fprintf(&sb, "\n--- Draft from %s ---\n%s\n", dr.voiceID, dr.content)
	}
	return sb.String()
}

// mergeDrafts concatenates drafts without a synthesis model. Confidence
// averages the voices' observed quality; an unproven voice counts at the
// fallback level. A single draft passes through without section headers.
func (o *Orchestrator) mergeDrafts(req types.Request, drafts []voiceDraft, warnings []string) *types.CoordinatedResponse {
	var sb strings.Builder
	confidence := 0.0
	models := make([]string, 0, len(drafts))
	seen := make(map[string]bool, len(drafts))
	for i, dr := range drafts {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		if len(drafts) > 1 {
			fmt.Fprintf(&sb, "## %s\n\n", o.voiceName(dr.voiceID))
		}
		sb.WriteString(dr.content)
		confidence += o.voiceQuality(dr.voiceID)
		if dr.model != "" && !seen[dr.model] {
			seen[dr.model] = true
			models = append(models, dr.model)
		}
	}
	confidence /= float64(len(drafts))

	trail := append(draftSteps(drafts), types.AuditStep{
		Phase:  types.PhaseApprove,
		Event:  types.EventComplete,
		At:     o.now(),
		Detail: "merged without synthesis",
	})
	return &types.CoordinatedResponse{
		RequestID:  req.ID,
		Content:    sb.String(),
		VoicesUsed: draftVoiceIDs(drafts),
		ModelUsed:  strings.Join(models, ","),
		Confidence: confidence,
		AuditTrail: trail,
		TokensUsed: sumDraftTokens(drafts),
		Warnings:   warnings,
		Status:     types.StatusCompleted,
	}
}

// voiceName returns the display name for a voice id.
func (o *Orchestrator) voiceName(id string) string {
	if v, ok := o.voices.Get(id); ok {
		return v.Name
	}
	return id
}

// voiceQuality returns a voice's smoothed quality, or the fallback for a
// voice with no history.
func (o *Orchestrator) voiceQuality(id string) float64 {
	if v, ok := o.voices.Get(id); ok {
		if p := v.Performance(); p.Samples > 0 {
			return p.AvgQuality
		}
	}
	return mergeFallbackQuality
}

// draftSteps renders the fan-out as generate steps, failures included.
func draftSteps(drafts []voiceDraft) []types.AuditStep {
	steps := make([]types.AuditStep, 0, len(drafts))
	for _, dr := range drafts {
		st := types.AuditStep{
			Phase:  types.PhaseGenerate,
			Event:  types.EventComplete,
			At:     dr.at,
			Model:  dr.model,
			Detail: "voice " + dr.voiceID,
		}
		if dr.err != nil {
			st.Detail = "voice " + dr.voiceID + " failed: " + dr.err.Error()
		}
		steps = append(steps, st)
	}
	return steps
}

// successfulDrafts filters to the drafts that produced content.
func successfulDrafts(drafts []voiceDraft) []voiceDraft {
	out := make([]voiceDraft, 0, len(drafts))
	for _, dr := range drafts {
		if dr.err == nil {
			out = append(out, dr)
		}
	}
	return out
}

// draftWarnings reports failed voices as response warnings.
func draftWarnings(drafts []voiceDraft) []string {
	var out []string
	for _, dr := range drafts {
		if dr.err != nil {
			out = append(out, "voice "+dr.voiceID+" failed: "+dr.err.Error())
		}
	}
	return out
}

func draftVoiceIDs(drafts []voiceDraft) []string {
	out := make([]string, 0, len(drafts))
	for _, dr := range drafts {
		out = append(out, dr.voiceID)
	}
	return out
}

func sumDraftTokens(drafts []voiceDraft) int {
	total := 0
	for _, dr := range drafts {
		total += dr.tokens
	}
	return total
}
