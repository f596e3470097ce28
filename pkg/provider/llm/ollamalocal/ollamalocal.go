// Package ollamalocal provides the quality-tier backend adapter for a local
// Ollama server.
//
// Ollama (https://ollama.com) hosts local large language models behind a
// native HTTP API. This package drives it through the official client in
// github.com/ollama/ollama/api: chat and generate calls, model listing,
// heartbeat health checks, and automatic model pulls when nothing suitable
// is installed.
//
// Example usage:
//
//	b, err := ollamalocal.New("") // connects to http://localhost:11434
//	if err != nil {
//	    log.Fatal(err)
//	}
//	resp, err := b.Generate(ctx, "review this diff", llm.Options{})
package ollamalocal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/synod-ai/synod/pkg/provider/llm"
	"github.com/synod-ai/synod/pkg/types"
)

// DefaultBaseURL is the default base URL for a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

// Ensure Backend implements the llm.Backend interface at compile time.
var _ llm.Backend = (*Backend)(nil)

const (
	defaultName          = "ollama"
	defaultMaxConcurrent = 1
	defaultPullTimeout   = 15 * time.Minute
)

// fallbackModels is pulled in order when no model is installed.
// Coding-specialized models first.
var fallbackModels = []string{
	"qwen2.5-coder:7b",
	"deepseek-coder:6.7b",
	"codellama:7b",
	"llama3.1:8b",
}

// Backend implements llm.Backend against a local Ollama server.
//
// Model resolution happens in this order:
//  1. Value supplied via WithModel (highest priority).
//  2. A coding-specialized model among those already installed.
//  3. The first installed model.
//  4. The first entry of the built-in fallback list that pulls successfully.
//
// The resolved model is cached for the lifetime of the Backend. Backend is
// safe for concurrent use.
type Backend struct {
	client        *api.Client
	name          string
	tier          llm.Tier
	maxConcurrent int
	configured    string
	callTimeout   time.Duration
	pullTimeout   time.Duration
	log           *slog.Logger

	mu       sync.Mutex
	resolved string
}

// config holds optional configuration collected from functional options.
type config struct {
	name          string
	model         string
	tier          llm.Tier
	maxConcurrent int
	callTimeout   time.Duration
	pullTimeout   time.Duration
	logger        *slog.Logger
}

// Option is a functional option for Backend.
type Option func(*config)

// WithName sets the registry name reported by Name(). Defaults to "ollama".
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithModel pins the model instead of auto-selecting one. Pinned models are
// still pulled on first use when missing.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTier overrides the advertised tier. Defaults to quality.
func WithTier(t llm.Tier) Option {
	return func(c *config) { c.tier = t }
}

// WithMaxConcurrent overrides the advertised concurrency limit. Local
// inference is memory-bound, so the default is 1.
func WithMaxConcurrent(n int) Option {
	return func(c *config) { c.maxConcurrent = n }
}

// WithTimeout bounds individual generation calls. Zero means the caller's
// context alone governs. Model pulls are bounded separately.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.callTimeout = d }
}

// WithPullTimeout bounds automatic model pulls. Defaults to 15 minutes.
func WithPullTimeout(d time.Duration) Option {
	return func(c *config) { c.pullTimeout = d }
}

// WithLogger sets the logger used for pull progress and resolution events.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New constructs a quality-tier backend for the Ollama server at baseURL.
// If baseURL is empty, DefaultBaseURL is used.
func New(baseURL string, opts ...Option) (*Backend, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ollamalocal: parse base URL: %w", err)
	}

	cfg := &config{
		name:          defaultName,
		model:         llm.ModelAuto,
		tier:          llm.TierQuality,
		maxConcurrent: defaultMaxConcurrent,
		pullTimeout:   defaultPullTimeout,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(cfg)
	}

	// No client-level timeout: pulls run for minutes, so deadlines are set
	// per call through the context.
	return &Backend{
		client:        api.NewClient(base, &http.Client{}),
		name:          cfg.name,
		tier:          cfg.tier,
		maxConcurrent: cfg.maxConcurrent,
		configured:    cfg.model,
		callTimeout:   cfg.callTimeout,
		pullTimeout:   cfg.pullTimeout,
		log:           cfg.logger.With("backend", cfg.name),
	}, nil
}

// Name implements llm.Backend.
func (b *Backend) Name() string { return b.name }

// Tier implements llm.Backend.
func (b *Backend) Tier() llm.Tier { return b.tier }

// MaxConcurrent implements llm.Backend.
func (b *Backend) MaxConcurrent() int { return b.maxConcurrent }

// Generate implements llm.Backend using Ollama's /api/generate endpoint.
func (b *Backend) Generate(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error) {
	model, err := b.ResolveModel(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := b.callContext(ctx)
	defer cancel()

	req := &api.GenerateRequest{
		Model:   model,
		Prompt:  prompt,
		System:  opts.SystemPrompt,
		Stream:  new(bool), // single response
		Options: buildOptions(opts),
	}

	var out llm.Response
	err = b.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		out.Content += resp.Response
		if resp.Done {
			out.Model = model
			out.Usage = llm.Usage{
				PromptTokens:     resp.PromptEvalCount,
				CompletionTokens: resp.EvalCount,
				TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("generate", err)
	}
	return &out, nil
}

// Chat implements llm.Backend using Ollama's /api/chat endpoint.
func (b *Backend) Chat(ctx context.Context, messages []types.Message, opts llm.Options) (*llm.Response, error) {
	model, err := b.ResolveModel(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := b.callContext(ctx)
	defer cancel()

	converted := make([]api.Message, 0, len(messages)+1)
	if opts.SystemPrompt != "" {
		converted = append(converted, api.Message{Role: "system", Content: opts.SystemPrompt})
	}
	for _, m := range messages {
		converted = append(converted, convertMessage(m))
	}

	req := &api.ChatRequest{
		Model:    model,
		Messages: converted,
		Stream:   new(bool),
		Options:  buildOptions(opts),
	}
	if len(opts.Tools) > 0 {
		tools, err := convertTools(opts.Tools)
		if err != nil {
			return nil, fmt.Errorf("ollamalocal: convert tools: %w", err)
		}
		req.Tools = tools
	}

	var out llm.Response
	err = b.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		out.Content += resp.Message.Content
		for _, tc := range resp.Message.ToolCalls {
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				return fmt.Errorf("marshal tool arguments: %w", err)
			}
			out.ToolCalls = append(out.ToolCalls, types.ToolCall{
				Name:      tc.Function.Name,
				Arguments: string(args),
			})
		}
		if resp.Done {
			out.Model = model
			out.Usage = llm.Usage{
				PromptTokens:     resp.PromptEvalCount,
				CompletionTokens: resp.EvalCount,
				TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("chat", err)
	}
	return &out, nil
}

// Stream implements llm.Backend. Tokens arrive on the returned channel as
// Ollama produces them; the final chunk carries the finish reason.
func (b *Backend) Stream(ctx context.Context, prompt string, opts llm.Options) (<-chan llm.Chunk, error) {
	model, err := b.ResolveModel(ctx)
	if err != nil {
		return nil, err
	}

	stream := true
	req := &api.GenerateRequest{
		Model:   model,
		Prompt:  prompt,
		System:  opts.SystemPrompt,
		Stream:  &stream,
		Options: buildOptions(opts),
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		callCtx, cancel := b.callContext(ctx)
		defer cancel()

		err := b.client.Generate(callCtx, req, func(resp api.GenerateResponse) error {
			chunk := llm.Chunk{Text: resp.Response}
			if resp.Done {
				chunk.FinishReason = finishReason(resp.DoneReason)
			}
			select {
			case ch <- chunk:
				return nil
			case <-callCtx.Done():
				return callCtx.Err()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Err: wrapErr("stream", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// ListModels implements llm.Backend by listing installed models.
func (b *Backend) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	resp, err := b.client.List(ctx)
	if err != nil {
		return nil, wrapErr("list models", err)
	}

	models := make([]llm.ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, llm.ModelInfo{
			ID:     m.Name,
			Size:   m.Size,
			Family: m.Details.Family,
		})
	}
	return models, nil
}

// Health implements llm.Backend using Ollama's heartbeat endpoint.
func (b *Backend) Health(ctx context.Context) error {
	if err := b.client.Heartbeat(ctx); err != nil {
		return wrapErr("health", err)
	}
	return nil
}

// ResolveModel returns the model this backend will generate with, resolving
// and caching it on first call. Callers that want to avoid a pull during the
// first request can invoke it at startup with a generous context.
func (b *Backend) ResolveModel(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.resolved != "" {
		return b.resolved, nil
	}
	if b.configured != "" && b.configured != llm.ModelAuto {
		b.resolved = b.configured
		return b.resolved, nil
	}

	resp, err := b.client.List(ctx)
	if err != nil {
		return "", wrapErr("resolve model", err)
	}

	installed := make([]llm.ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		installed = append(installed, llm.ModelInfo{ID: m.Name, Size: m.Size, Family: m.Details.Family})
	}
	if pick, ok := llm.PreferCoding(installed); ok {
		b.resolved = pick.ID
		b.log.Info("model resolved", "model", pick.ID, "installed", len(installed))
		return b.resolved, nil
	}

	// Nothing installed: pull the first fallback candidate that succeeds.
	for _, candidate := range fallbackModels {
		if err := b.pull(ctx, candidate); err != nil {
			b.log.Warn("model pull failed", "model", candidate, "error", err)
			continue
		}
		b.resolved = candidate
		b.log.Info("model resolved via pull", "model", candidate)
		return b.resolved, nil
	}
	return "", fmt.Errorf("ollamalocal: resolve model: %w", llm.ErrNoModels)
}

// pull downloads a model, logging progress at status transitions.
func (b *Backend) pull(ctx context.Context, model string) error {
	ctx, cancel := context.WithTimeout(ctx, b.pullTimeout)
	defer cancel()

	var lastStatus string
	return b.client.Pull(ctx, &api.PullRequest{Model: model}, func(p api.ProgressResponse) error {
		if p.Status != lastStatus {
			lastStatus = p.Status
			b.log.Info("pulling model", "model", model, "status", p.Status, "completed", p.Completed, "total", p.Total)
		}
		return nil
	})
}

// callContext applies the optional per-call timeout.
func (b *Backend) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.callTimeout > 0 {
		return context.WithTimeout(ctx, b.callTimeout)
	}
	return context.WithCancel(ctx)
}

// buildOptions converts shared generation options into Ollama's option map.
// Zero values are omitted so the model's own defaults apply.
func buildOptions(opts llm.Options) map[string]any {
	m := map[string]any{}
	if opts.Temperature != 0 {
		m["temperature"] = opts.Temperature
	}
	if opts.TopP > 0 {
		m["top_p"] = opts.TopP
	}
	if opts.MaxTokens > 0 {
		m["num_predict"] = opts.MaxTokens
	}
	if len(opts.Stop) > 0 {
		m["stop"] = opts.Stop
	}
	return m
}

// convertMessage converts a types.Message to an Ollama message. Ollama does
// not correlate tool results by call ID, so ToolCallID is dropped.
func convertMessage(m types.Message) api.Message {
	out := api.Message{Role: m.Role, Content: m.Content}
	for _, tc := range m.ToolCalls {
		var call api.ToolCall
		call.Function.Name = tc.Name
		if tc.Arguments != "" {
			// Arguments arrive as a JSON string; Ollama wants them decoded.
			_ = json.Unmarshal([]byte(tc.Arguments), &call.Function.Arguments)
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out
}

// convertTools converts shared tool definitions into Ollama's typed tool
// schema by round-tripping through JSON.
func convertTools(defs []types.ToolDefinition) ([]api.Tool, error) {
	tools := make([]api.Tool, 0, len(defs))
	for _, d := range defs {
		raw, err := json.Marshal(map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  d.Parameters,
			},
		})
		if err != nil {
			return nil, err
		}
		var tool api.Tool
		if err := json.Unmarshal(raw, &tool); err != nil {
			return nil, err
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

// finishReason maps Ollama done reasons onto the shared finish vocabulary.
func finishReason(done string) string {
	switch done {
	case "", "stop":
		return "stop"
	case "length":
		return "length"
	default:
		return done
	}
}

// wrapErr maps client and transport failures onto the shared adapter error
// types so the fault package can classify them.
func wrapErr(op string, err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return fmt.Errorf("ollamalocal: %s: %w", op, &llm.APIError{
			Status: statusErr.StatusCode,
			Body:   statusErr.ErrorMessage,
		})
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("ollamalocal: %s: %w: %v", op, llm.ErrUnavailable, err)
	}
	if strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("ollamalocal: %s: %w: %v", op, llm.ErrUnavailable, err)
	}

	return fmt.Errorf("ollamalocal: %s: %w", op, err)
}
