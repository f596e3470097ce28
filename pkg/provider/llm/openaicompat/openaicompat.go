// Package openaicompat provides the speed-tier backend adapter for any
// OpenAI-compatible inference server (LM Studio, vLLM, llama.cpp server).
//
// It speaks /v1/chat/completions and /v1/models through the official OpenAI
// Go SDK pointed at a custom base URL. Local servers rarely require
// credentials; when an API key is configured it is sent as a Bearer token.
//
// Typical usage:
//
//	b, err := openaicompat.New("http://localhost:1234/v1",
//	    openaicompat.WithName("lmstudio"),
//	    openaicompat.WithModel(llm.ModelAuto),
//	)
//	resp, err := b.Generate(ctx, "write a quicksort", llm.Options{MaxTokens: 512})
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/synod-ai/synod/pkg/provider/llm"
	"github.com/synod-ai/synod/pkg/types"
)

// Compile-time interface assertion.
var _ llm.Backend = (*Backend)(nil)

const (
	defaultName          = "openai-compat"
	defaultMaxConcurrent = 2
	defaultTimeout       = 120 * time.Second
)

// fallbackModels is probed in order when auto-selection finds nothing
// loaded. Coding-specialized models first.
var fallbackModels = []string{
	"qwen2.5-coder-7b-instruct",
	"codellama-7b-instruct",
	"mistral-7b-instruct-v0.3",
	"llama-3.1-8b-instruct",
}

// Backend implements llm.Backend against an OpenAI-compatible server.
type Backend struct {
	client        oai.Client
	name          string
	tier          llm.Tier
	maxConcurrent int
	configured    string

	mu       sync.Mutex
	resolved string // model chosen for the session
}

// config holds optional construction settings.
type config struct {
	name          string
	apiKey        string
	model         string
	tier          llm.Tier
	maxConcurrent int
	timeout       time.Duration
}

// Option is a functional option for Backend.
type Option func(*config)

// WithName sets the registry name reported by Name(). Defaults to
// "openai-compat".
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithAPIKey sets the Bearer token sent with every request. Local servers
// usually need none.
func WithAPIKey(key string) Option {
	return func(c *config) { c.apiKey = key }
}

// WithModel pins the model instead of auto-selecting one.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTier overrides the advertised tier. Defaults to speed.
func WithTier(t llm.Tier) Option {
	return func(c *config) { c.tier = t }
}

// WithMaxConcurrent overrides the advertised concurrency limit.
func WithMaxConcurrent(n int) Option {
	return func(c *config) { c.maxConcurrent = n }
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a speed-tier backend for the server at baseURL (including
// the /v1 prefix).
func New(baseURL string, opts ...Option) (*Backend, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("openaicompat: baseURL must not be empty")
	}

	cfg := &config{
		name:          defaultName,
		model:         llm.ModelAuto,
		tier:          llm.TierSpeed,
		maxConcurrent: defaultMaxConcurrent,
		timeout:       defaultTimeout,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		// The retry executor owns backoff; disable the SDK's own retries.
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
	}
	if cfg.apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.apiKey))
	}

	return &Backend{
		client:        oai.NewClient(reqOpts...),
		name:          cfg.name,
		tier:          cfg.tier,
		maxConcurrent: cfg.maxConcurrent,
		configured:    cfg.model,
	}, nil
}

// Name implements llm.Backend.
func (b *Backend) Name() string { return b.name }

// Tier implements llm.Backend.
func (b *Backend) Tier() llm.Tier { return b.tier }

// MaxConcurrent implements llm.Backend.
func (b *Backend) MaxConcurrent() int { return b.maxConcurrent }

// Generate implements llm.Backend.
func (b *Backend) Generate(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error) {
	messages := []types.Message{{Role: "user", Content: prompt}}
	return b.Chat(ctx, messages, opts)
}

// Chat implements llm.Backend.
func (b *Backend) Chat(ctx context.Context, messages []types.Message, opts llm.Options) (*llm.Response, error) {
	params, extra, err := b.buildParams(ctx, messages, opts)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Chat.Completions.New(ctx, params, extra...)
	if err != nil {
		return nil, wrapErr("chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openaicompat: empty choices in response")
	}

	choice := resp.Choices[0]
	result := &llm.Response{
		Content: choice.Message.Content,
		Model:   resp.Model,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// Stream implements llm.Backend.
func (b *Backend) Stream(ctx context.Context, prompt string, opts llm.Options) (<-chan llm.Chunk, error) {
	messages := []types.Message{{Role: "user", Content: prompt}}
	params, extra, err := b.buildParams(ctx, messages, opts)
	if err != nil {
		return nil, err
	}

	stream := b.client.Chat.Completions.NewStreaming(ctx, params, extra...)
	if err := stream.Err(); err != nil {
		return nil, wrapErr("start stream", err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		// accumulated tool calls keyed by index
		toolCallAccum := map[int]*types.ToolCall{}

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			out := llm.Chunk{
				Text:         delta.Content,
				FinishReason: choice.FinishReason,
			}

			// Accumulate tool call fragments.
			for _, tc := range delta.ToolCalls {
				idx := int(tc.Index)
				if _, ok := toolCallAccum[idx]; !ok {
					toolCallAccum[idx] = &types.ToolCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
					}
				}
				existing := toolCallAccum[idx]
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			// On the final chunk emit accumulated tool calls.
			if choice.FinishReason == "tool_calls" || (choice.FinishReason != "" && len(toolCallAccum) > 0) {
				for i := 0; i < len(toolCallAccum); i++ {
					if tc, ok := toolCallAccum[i]; ok {
						out.ToolCalls = append(out.ToolCalls, *tc)
					}
				}
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Err: wrapErr("stream", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// ListModels implements llm.Backend.
func (b *Backend) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	page, err := b.client.Models.List(ctx)
	if err != nil {
		return nil, wrapErr("list models", err)
	}

	models := make([]llm.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, llm.ModelInfo{ID: m.ID})
	}
	return models, nil
}

// Health implements llm.Backend. The server is healthy when /v1/models
// answers.
func (b *Backend) Health(ctx context.Context) error {
	if _, err := b.client.Models.List(ctx); err != nil {
		return wrapErr("health", err)
	}
	return nil
}

// buildParams converts messages and options into SDK params, resolving the
// session model first.
func (b *Backend) buildParams(ctx context.Context, messages []types.Message, opts llm.Options) (oai.ChatCompletionNewParams, []option.RequestOption, error) {
	model, err := b.model(ctx)
	if err != nil {
		return oai.ChatCompletionNewParams{}, nil, err
	}

	var converted []oai.ChatCompletionMessageParamUnion
	if opts.SystemPrompt != "" {
		converted = append(converted, oai.SystemMessage(opts.SystemPrompt))
	}
	for _, m := range messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, nil, err
		}
		converted = append(converted, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: converted,
	}
	if opts.Temperature != 0 {
		params.Temperature = param.NewOpt(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(opts.MaxTokens))
	}
	if opts.TopP > 0 {
		params.TopP = param.NewOpt(opts.TopP)
	}
	for _, td := range opts.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}

	// Compatible servers accept the plain "stop" field; the SDK union is
	// awkward for string lists so it is injected directly.
	var extra []option.RequestOption
	if len(opts.Stop) > 0 {
		extra = append(extra, option.WithJSONSet("stop", opts.Stop))
	}
	return params, extra, nil
}

// model resolves the session model once: configured value, else a
// coding-specialized loaded model, else the first loaded, else the first
// fallback candidate the server knows.
func (b *Backend) model(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.resolved != "" {
		return b.resolved, nil
	}
	if b.configured != "" && b.configured != llm.ModelAuto {
		b.resolved = b.configured
		return b.resolved, nil
	}

	models, err := b.listLocked(ctx)
	if err == nil {
		if pick, ok := llm.PreferCoding(models); ok {
			b.resolved = pick.ID
			return b.resolved, nil
		}
	}

	for _, candidate := range fallbackModels {
		if _, err := b.client.Models.Get(ctx, candidate); err == nil {
			b.resolved = candidate
			return b.resolved, nil
		}
	}
	return "", llm.ErrNoModels
}

// listLocked fetches the model list while b.mu is held; it must not call
// methods that re-lock.
func (b *Backend) listLocked(ctx context.Context) ([]llm.ModelInfo, error) {
	page, err := b.client.Models.List(ctx)
	if err != nil {
		return nil, err
	}
	models := make([]llm.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, llm.ModelInfo{ID: m.ID})
	}
	return models, nil
}

// convertMessage converts a types.Message to an SDK message param.
func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil

	case "user":
		return oai.UserMessage(m.Content), nil

	case "assistant":
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case "tool":
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openaicompat: unknown message role %q", m.Role)
	}
}

// wrapErr maps SDK and transport failures onto the shared adapter error
// types so the fault package can classify them.
func wrapErr(op string, err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("openaicompat: %s: %w", op, &llm.APIError{
			Status: apiErr.StatusCode,
			Body:   truncate(apiErr.Error(), 512),
		})
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("openaicompat: %s: %w: %v", op, llm.ErrUnavailable, err)
	}
	if strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("openaicompat: %s: %w: %v", op, llm.ErrUnavailable, err)
	}

	return fmt.Errorf("openaicompat: %s: %w", op, err)
}

// truncate bounds s to n bytes for error payloads.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
