// Package council runs the dual-agent generator/auditor flow that produces
// audited responses.
//
// A generator backend (speed or balanced tier) drafts the answer; an
// auditor backend (quality tier) scores the draft 0 to 100, lists issues
// and proposes refinements. Drafts scoring under the threshold with
// non-empty refinements get one refinement pass before approval. Every
// phase transition is recorded as an [types.AuditStep], totally ordered by
// emission, so the final response carries a causally faithful trail:
// generate precedes audit precedes refine precedes approve.
//
// Without an auditor the council degrades to a single generation at
// confidence 0.6 with a warning in the trail. Cancellation at any await
// point cancels the in-flight backend call; the steps finalized up to that
// point are preserved on the returned response.
package council

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/synod-ai/synod/pkg/provider/llm"
	"github.com/synod-ai/synod/pkg/types"
)

// DefaultAuditThreshold is the audit score below which a refinement pass
// runs, provided the auditor proposed refinements.
const DefaultAuditThreshold = 80

// fallbackConfidence is reported when the response could not be audited.
const fallbackConfidence = 0.6

// Audit calls run cold and bounded; the verdict is a small JSON document.
const (
	auditTemperature = 0.2
	auditMaxTokens   = 1024
)

// auditUnavailableWarning goes into the trail and the warning list when the
// council has no auditor to consult.
const auditUnavailableWarning = "auditor unavailable, response not audited"

// Task is one unit of work for the council.
type Task struct {
	// RequestID links the produced response back to the request.
	RequestID string

	// Prompt is the user request, already enriched with voice and memory
	// context by the caller.
	Prompt string

	// System is the generator persona's system prompt.
	System string

	// Opts carries generation parameters for the generator call.
	Opts llm.Options
}

// Council coordinates one generator and one auditor backend. Safe for
// concurrent use; each Coordinate call is independent.
type Council struct {
	generator llm.Backend
	auditor   llm.Backend // nil degrades to single generation
	threshold int
	log       *slog.Logger
	now       func() time.Time
}

// Option customises council construction.
type Option func(*Council)

// WithLogger sets the council's logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Council) { c.log = log }
}

// WithAuditThreshold overrides the refinement threshold.
func WithAuditThreshold(n int) Option {
	return func(c *Council) {
		if n > 0 {
			c.threshold = n
		}
	}
}

// WithClock overrides the time source used for audit step stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Council) { c.now = now }
}

// New returns a council over the two personas. auditor may be nil when no
// quality-tier backend is available.
func New(generator, auditor llm.Backend, opts ...Option) *Council {
	c := &Council{
		generator: generator,
		auditor:   auditor,
		threshold: DefaultAuditThreshold,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Coordinate runs the full generate, audit, refine, approve flow and
// returns the audited response.
//
// On cancellation the returned response is non-nil alongside the error: it
// carries the steps finalized before the cut, any partial draft, and
// Status cancelled.
func (c *Council) Coordinate(ctx context.Context, task Task) (*types.CoordinatedResponse, error) {
	return c.coordinate(ctx, task, nil, nil)
}

// trail accumulates audit steps in emission order, stamping each with the
// council clock and forwarding it to an optional observer.
type trail struct {
	now   func() time.Time
	steps []types.AuditStep
	emit  func(types.AuditStep)
}

func (t *trail) record(step types.AuditStep) {
	step.At = t.now()
	t.steps = append(t.steps, step)
	if t.emit != nil {
		t.emit(step)
	}
}

// coordinate is the shared engine behind Coordinate and CoordinateStream.
// emitChunk (nil for the blocking path) forwards draft text as it streams
// and reports false when the caller is gone; emitStep observes audit steps
// as they finalize.
func (c *Council) coordinate(ctx context.Context, task Task, emitChunk func(string) bool, emitStep func(types.AuditStep)) (*types.CoordinatedResponse, error) {
	start := c.now()
	tr := &trail{now: c.now, emit: emitStep}
	var (
		warnings []string
		tokens   int
	)

	// Generate.
	tr.record(types.AuditStep{Phase: types.PhaseGenerate, Event: types.EventStart})
	content, model, usage, err := c.draft(ctx, task, emitChunk)
	tokens += usage.TotalTokens
	if err != nil {
		if ctx.Err() != nil {
			return c.cancelled(task, tr, start, content, model, tokens, warnings), fmt.Errorf("council: generate: %w", err)
		}
		return nil, fmt.Errorf("council: generate: %w", err)
	}
	tr.record(types.AuditStep{Phase: types.PhaseGenerate, Event: types.EventComplete, Model: model})

	// No auditor: single generation at degraded confidence.
	if c.auditor == nil {
		warnings = append(warnings, auditUnavailableWarning)
		tr.record(types.AuditStep{Phase: types.PhaseApprove, Event: types.EventComplete, Detail: auditUnavailableWarning})
		c.log.Warn("council: no auditor, approving unaudited", "requestId", task.RequestID)
		return c.response(task, tr, start, content, model, fallbackConfidence, tokens, warnings), nil
	}

	// Audit.
	tr.record(types.AuditStep{Phase: types.PhaseAudit, Event: types.EventStart})
	v, auditModel, auditUsage, err := c.audit(ctx, task, content)
	tokens += auditUsage.TotalTokens
	if err != nil {
		if ctx.Err() != nil {
			return c.cancelled(task, tr, start, content, model, tokens, warnings), fmt.Errorf("council: audit: %w", err)
		}
		// A broken audit never discards a good draft.
		warnings = append(warnings, "audit failed: "+err.Error())
		tr.record(types.AuditStep{Phase: types.PhaseAudit, Event: types.EventComplete, Model: auditModel, Detail: "audit failed, response unaudited"})
		tr.record(types.AuditStep{Phase: types.PhaseApprove, Event: types.EventComplete, Detail: "approved without audit"})
		c.log.Warn("council: audit failed", "requestId", task.RequestID, "error", err)
		return c.response(task, tr, start, content, model, fallbackConfidence, tokens, warnings), nil
	}

	warnings = append(warnings, v.warnings()...)
	tr.record(types.AuditStep{
		Phase:  types.PhaseAudit,
		Event:  types.EventComplete,
		Model:  auditModel,
		Score:  v.Score,
		Detail: v.detail(),
	})

	// Refine when the auditor scored below threshold and said how to fix it.
	finalModel := model
	refined := false
	if v.Score < c.threshold && len(v.Refinements) > 0 {
		tr.record(types.AuditStep{Phase: types.PhaseRefine, Event: types.EventStart})
		improved, refineModel, refineUsage, rerr := c.refine(ctx, task, content, v.Refinements)
		tokens += refineUsage.TotalTokens
		if rerr != nil {
			if ctx.Err() != nil {
				return c.cancelled(task, tr, start, content, model, tokens, warnings), fmt.Errorf("council: refine: %w", rerr)
			}
			warnings = append(warnings, "refinement failed, original draft kept")
			tr.record(types.AuditStep{Phase: types.PhaseRefine, Event: types.EventComplete, Detail: "refinement failed"})
		} else {
			content = improved
			finalModel = refineModel
			refined = true
			tr.record(types.AuditStep{Phase: types.PhaseRefine, Event: types.EventComplete, Model: refineModel})
		}
	}

	detail := "approved"
	if refined {
		detail = "approved after refinement"
	}
	tr.record(types.AuditStep{Phase: types.PhaseApprove, Event: types.EventComplete, Score: v.Score, Detail: detail})

	confidence := float64(v.Score) / 100
	c.log.Debug("council: approved",
		"requestId", task.RequestID,
		"score", v.Score,
		"refined", refined,
		"warnings", len(warnings))
	return c.response(task, tr, start, content, finalModel, confidence, tokens, warnings), nil
}

// draft produces the generator's draft. With emit set, the draft streams
// and each text fragment is forwarded as it arrives; emit returning false
// means the consumer is gone and the stream is abandoned.
func (c *Council) draft(ctx context.Context, task Task, emit func(string) bool) (string, string, llm.Usage, error) {
	opts := task.Opts
	opts.SystemPrompt = task.System

	if emit == nil {
		resp, err := c.generator.Generate(ctx, task.Prompt, opts)
		if err != nil {
			return "", "", llm.Usage{}, err
		}
		return resp.Content, resp.Model, resp.Usage, nil
	}

	opts.Stream = true
	ch, err := c.generator.Stream(ctx, task.Prompt, opts)
	if err != nil {
		return "", "", llm.Usage{}, err
	}

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return sb.String(), c.generator.Name(), llm.Usage{}, chunk.Err
		}
		if chunk.Text == "" {
			continue
		}
		sb.WriteString(chunk.Text)
		if !emit(chunk.Text) {
			// Drain so the backend's stream goroutine can exit.
			go drainChunks(ch)
			return sb.String(), c.generator.Name(), llm.Usage{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return sb.String(), c.generator.Name(), llm.Usage{}, err
	}
	return sb.String(), c.generator.Name(), llm.Usage{}, nil
}

// audit asks the auditor to score the draft and parses its JSON verdict.
func (c *Council) audit(ctx context.Context, task Task, draft string) (*verdict, string, llm.Usage, error) {
	resp, err := c.auditor.Generate(ctx, auditPrompt(task.Prompt, draft), llm.Options{
		Temperature:  auditTemperature,
		MaxTokens:    auditMaxTokens,
		SystemPrompt: auditorSystem,
	})
	if err != nil {
		return nil, "", llm.Usage{}, err
	}
	v, err := parseVerdict(resp.Content)
	if err != nil {
		return nil, resp.Model, resp.Usage, err
	}
	return v, resp.Model, resp.Usage, nil
}

// refine asks the generator for a corrected draft.
func (c *Council) refine(ctx context.Context, task Task, draft string, refinements []string) (string, string, llm.Usage, error) {
	opts := task.Opts
	opts.SystemPrompt = task.System
	resp, err := c.generator.Generate(ctx, refinePrompt(task.Prompt, draft, refinements), opts)
	if err != nil {
		return "", "", llm.Usage{}, err
	}
	return resp.Content, resp.Model, resp.Usage, nil
}

func (c *Council) response(task Task, tr *trail, start time.Time, content, model string, confidence float64, tokens int, warnings []string) *types.CoordinatedResponse {
	return &types.CoordinatedResponse{
		RequestID:    task.RequestID,
		Content:      content,
		ModelUsed:    model,
		Confidence:   confidence,
		AuditTrail:   tr.steps,
		ResponseTime: c.now().Sub(start),
		TokensUsed:   tokens,
		Warnings:     warnings,
		Status:       types.StatusCompleted,
	}
}

func (c *Council) cancelled(task Task, tr *trail, start time.Time, content, model string, tokens int, warnings []string) *types.CoordinatedResponse {
	return &types.CoordinatedResponse{
		RequestID:    task.RequestID,
		Content:      content,
		ModelUsed:    model,
		AuditTrail:   tr.steps,
		ResponseTime: c.now().Sub(start),
		TokensUsed:   tokens,
		Warnings:     append(warnings, "cancelled before completion"),
		Status:       types.StatusCancelled,
	}
}

// drainChunks discards the rest of an abandoned stream so the producing
// goroutine can close it.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
