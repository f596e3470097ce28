package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/synod-ai/synod/internal/council"
	"github.com/synod-ai/synod/internal/fault"
	"github.com/synod-ai/synod/internal/observe"
	"github.com/synod-ai/synod/internal/route"
	"github.com/synod-ai/synod/internal/toolhost"
	"github.com/synod-ai/synod/internal/voice"
	"github.com/synod-ai/synod/pkg/provider/llm"
	"github.com/synod-ai/synod/pkg/types"
)

// errStreamAbandoned reports that the stream consumer stopped reading while
// the request context was still live.
var errStreamAbandoned = errors.New("orchestrator: stream abandoned by consumer")

// invokeDirect serves a plain speed-tier single voice without an audit
// pass. The trail records the generation and an unaudited approval, and the
// response confidence carries the routing confidence.
func (o *Orchestrator) invokeDirect(ctx context.Context, req types.Request, d route.Decision, v *voice.Voice, system string, emit emitFunc) (*types.CoordinatedResponse, error) {
	trail := []types.AuditStep{{Phase: types.PhaseGenerate, Event: types.EventStart, At: o.now()}}

	content, model, usage, err := o.invokeTiered(ctx, d.Tier, system, req.Content, o.voiceOptions(v, d.Tier), emit)
	if err != nil {
		if ctx.Err() == nil {
			return nil, err
		}
		// Cancelled mid-generation: preserve what finalized.
		return &types.CoordinatedResponse{
			RequestID:  req.ID,
			Content:    content,
			VoicesUsed: []string{v.ID},
			ModelUsed:  model,
			AuditTrail: trail,
			TokensUsed: usage.TotalTokens,
			Warnings:   []string{"cancelled before completion"},
			Status:     types.StatusCancelled,
		}, fmt.Errorf("orchestrator: generate: %w", err)
	}

	trail = append(trail,
		types.AuditStep{Phase: types.PhaseGenerate, Event: types.EventComplete, At: o.now(), Model: model},
		types.AuditStep{Phase: types.PhaseApprove, Event: types.EventComplete, At: o.now(), Detail: "approved without audit"},
	)
	return &types.CoordinatedResponse{
		RequestID:  req.ID,
		Content:    content,
		VoicesUsed: []string{v.ID},
		ModelUsed:  model,
		Confidence: d.Confidence,
		AuditTrail: trail,
		TokensUsed: usage.TotalTokens,
		Status:     types.StatusCompleted,
	}, nil
}

// invokeAudited serves a single voice through the generator/auditor
// council. Hybrid decisions start the generator on the speed tier and let
// the quality-tier audit realize the escalation; the decision's escalation
// threshold then drives the refinement cutoff.
func (o *Orchestrator) invokeAudited(ctx context.Context, req types.Request, d route.Decision, v *voice.Voice, system string, emit emitFunc) (*types.CoordinatedResponse, error) {
	genTier := d.Tier
	if d.Hybrid {
		genTier = llm.TierSpeed
	}
	gen, err := o.pool.Pick(ctx, genTier)
	if err != nil && genTier != llm.TierQuality {
		gen, err = o.pool.Pick(ctx, llm.TierQuality)
	}
	if err != nil {
		return nil, err
	}
	auditor, _ := o.pool.Pick(ctx, llm.TierQuality) // nil degrades the council

	release, err := o.acquirePair(ctx, gen, auditor)
	if err != nil {
		return nil, err
	}
	defer release()

	threshold := o.auditThreshold
	if d.Hybrid && d.EscalationThreshold > 0 {
		threshold = int(d.EscalationThreshold * 100)
	}
	c := council.New(gen, auditor,
		council.WithAuditThreshold(threshold),
		council.WithLogger(o.log),
		council.WithClock(o.now))

	resp, err := o.runCouncil(ctx, c, council.Task{
		RequestID: req.ID,
		Prompt:    req.Content,
		System:    system,
		Opts:      o.voiceOptions(v, genTier),
	}, emit)
	if resp != nil {
		resp.VoicesUsed = []string{v.ID}
	}
	return resp, err
}

// runCouncil executes a council task, forwarding stream events when a
// consumer is attached. The terminal event always arrives, so an abandoned
// consumer still yields the final response.
func (o *Orchestrator) runCouncil(ctx context.Context, c *council.Council, task council.Task, emit emitFunc) (*types.CoordinatedResponse, error) {
	if emit == nil {
		return c.Coordinate(ctx, task)
	}
	var (
		resp *types.CoordinatedResponse
		err  error
	)
	for ev := range c.CoordinateStream(ctx, task) {
		if ev.Kind == council.KindComplete {
			resp, err = ev.Response, ev.Err
			continue
		}
		emit(ev)
	}
	return resp, err
}

// acquirePair reserves slots on the generator and, when distinct, the
// auditor. A shared backend is reserved once; the council never runs the
// two roles concurrently.
func (o *Orchestrator) acquirePair(ctx context.Context, gen, aud llm.Backend) (func(), error) {
	relGen, err := o.pool.Acquire(ctx, gen)
	if err != nil {
		return nil, err
	}
	if aud == nil || aud.Name() == gen.Name() {
		return relGen, nil
	}
	relAud, err := o.pool.Acquire(ctx, aud)
	if err != nil {
		relGen()
		return nil, err
	}
	return func() {
		relAud()
		relGen()
	}, nil
}

// invokeTiered runs one generation against the routed tier, falling back
// along the configured chain when a backend fails past its retries. A
// network-kind failure forces the backend out of rotation.
func (o *Orchestrator) invokeTiered(ctx context.Context, tier llm.Tier, system, prompt string, opts llm.Options, emit emitFunc) (string, string, llm.Usage, error) {
	var lastErr error
	for _, t := range o.tierChain(tier) {
		b, err := o.pool.Pick(ctx, t)
		if err != nil {
			lastErr = err
			continue
		}
		release, err := o.pool.Acquire(ctx, b)
		if err != nil {
			return "", "", llm.Usage{}, err
		}
		content, model, usage, err := o.generateOn(ctx, b, system, prompt, opts, emit)
		release()
		if err == nil {
			return content, model, usage, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return content, model, usage, lastErr
		}
		kind := fault.KindOf(err)
		o.met.RecordBackendError(ctx, b.Name(), string(kind))
		if kind == fault.KindNetwork {
			o.pool.MarkUnhealthy(b.Name())
		}
		o.log.Warn("backend failed, trying next in chain",
			"backend", b.Name(), "tier", t, "kind", kind, "error", err)
	}
	if lastErr == nil {
		lastErr = ErrNoBackend
	}
	return "", "", llm.Usage{}, lastErr
}

// generateOn runs one generation on a specific backend, streaming when a
// consumer is attached.
func (o *Orchestrator) generateOn(ctx context.Context, b llm.Backend, system, prompt string, opts llm.Options, emit emitFunc) (string, string, llm.Usage, error) {
	start := o.now()
	defer func() {
		o.met.BackendDuration.Record(ctx, o.now().Sub(start).Seconds(),
			metric.WithAttributes(observe.Attr("backend", b.Name())))
	}()

	if emit != nil {
		return o.streamFrom(ctx, b, system, prompt, opts, emit)
	}
	resp, err := o.chatWithTools(ctx, b, system, prompt, opts)
	if err != nil {
		return "", "", llm.Usage{}, err
	}
	return resp.Content, resp.Model, resp.Usage, nil
}

// chatWithTools drives the conversation loop: each backend turn may demand
// tool calls, whose results feed the next turn, up to maxToolRounds. Every
// backend call retries per the failure policy.
func (o *Orchestrator) chatWithTools(ctx context.Context, b llm.Backend, system, prompt string, opts llm.Options) (*llm.Response, error) {
	opts.SystemPrompt = system
	if o.tools != nil {
		opts.Tools = o.tools.Tools()
	}

	messages := []types.Message{{Role: "user", Content: prompt}}
	var usage llm.Usage
	for round := 0; ; round++ {
		resp, err := fault.Retry(ctx, o.retry, "backend."+b.Name(),
			func(ctx context.Context) (*llm.Response, error) {
				return b.Chat(ctx, messages, opts)
			})
		if err != nil {
			return nil, err
		}
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		usage.TotalTokens += resp.Usage.TotalTokens

		if o.tools == nil || len(resp.ToolCalls) == 0 || round >= maxToolRounds {
			resp.Usage = usage
			return resp, nil
		}
		messages = append(messages, types.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		results, err := o.runTools(ctx, resp.ToolCalls)
		if err != nil {
			return nil, err
		}
		messages = append(messages, results...)
	}
}

// runTools executes the backend's tool calls and renders each result as a
// tool message. Execution failures become error results the model can see;
// only a dead context stops the round.
func (o *Orchestrator) runTools(ctx context.Context, calls []types.ToolCall) ([]types.Message, error) {
	msgs := make([]types.Message, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("orchestrator: tool round: %w", err)
		}
		start := o.now()
		res, err := o.tools.Execute(ctx, call.Name, call.Arguments)
		o.met.ToolDuration.Record(ctx, o.now().Sub(start).Seconds(),
			metric.WithAttributes(observe.Attr("tool", call.Name)))
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("orchestrator: tool %s: %w", call.Name, err)
			}
			res = &toolhost.Result{Content: "tool error: " + err.Error(), IsError: true}
		}
		status := "ok"
		if res.IsError {
			status = "error"
		}
		o.met.RecordToolCall(ctx, call.Name, status)
		msgs = append(msgs, toolhost.ResultMessage(call, res))
	}
	return msgs, nil
}

// streamFrom forwards a backend stream chunk by chunk. Tools are not
// advertised on streamed generations. On cancellation the accumulated text
// travels back with the error.
func (o *Orchestrator) streamFrom(ctx context.Context, b llm.Backend, system, prompt string, opts llm.Options, emit emitFunc) (string, string, llm.Usage, error) {
	opts.SystemPrompt = system
	opts.Stream = true

	ch, err := b.Stream(ctx, prompt, opts)
	if err != nil {
		return "", "", llm.Usage{}, fault.Classify("backend."+b.Name(), err)
	}

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return sb.String(), b.Name(), llm.Usage{}, fault.Classify("backend."+b.Name(), chunk.Err)
		}
		if chunk.Text == "" {
			continue
		}
		sb.WriteString(chunk.Text)
		if !emit(council.Event{Kind: council.KindChunk, Text: chunk.Text}) {
			go drain(ch)
			if err := ctx.Err(); err != nil {
				return sb.String(), b.Name(), llm.Usage{}, err
			}
			return sb.String(), b.Name(), llm.Usage{}, errStreamAbandoned
		}
	}
	if err := ctx.Err(); err != nil {
		return sb.String(), b.Name(), llm.Usage{}, err
	}
	return sb.String(), b.Name(), llm.Usage{}, nil
}

// drain discards the rest of an abandoned stream so the producing goroutine
// can close it.
func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}

// sleepContext waits for d unless ctx ends first.
func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
