// Package anyllm provides a backend adapter for hosted LLM providers backed
// by github.com/mozilla-ai/any-llm-go, a unified multi-provider interface
// that supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq,
// and more.
//
// In a standard deployment the speed and quality tiers run on local servers
// and an anyllm backend sits behind them as the hosted fallback. It can also
// serve as a primary tier where no local inference is available.
//
// Usage:
//
//	b, err := anyllm.New("anthropic", "claude-3-5-sonnet-latest",
//	    anyllm.WithAPIKey("sk-ant-..."))
//	b, err := anyllm.NewGroq("llama-3.1-70b-versatile")
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/synod-ai/synod/pkg/provider/llm"
	"github.com/synod-ai/synod/pkg/types"
)

// Ensure Backend implements the llm.Backend interface at compile time.
var _ llm.Backend = (*Backend)(nil)

const defaultMaxConcurrent = 3

// Backend implements llm.Backend by wrapping github.com/mozilla-ai/any-llm-go.
type Backend struct {
	backend       anyllmlib.Provider
	provider      string
	model         string
	name          string
	tier          llm.Tier
	maxConcurrent int
}

// config holds optional configuration collected from functional options.
type config struct {
	name          string
	tier          llm.Tier
	maxConcurrent int
	libOpts       []anyllmlib.Option
}

// Option is a functional option for Backend.
type Option func(*config)

// WithName sets the registry name reported by Name(). Defaults to the
// provider name.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithTier sets the advertised tier. Hosted models default to quality.
func WithTier(t llm.Tier) Option {
	return func(c *config) { c.tier = t }
}

// WithMaxConcurrent overrides the advertised concurrency limit.
func WithMaxConcurrent(n int) Option {
	return func(c *config) { c.maxConcurrent = n }
}

// WithAPIKey sets the provider API key, overriding the environment variable
// the provider would otherwise read (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).
func WithAPIKey(key string) Option {
	return func(c *config) { c.libOpts = append(c.libOpts, anyllmlib.WithAPIKey(key)) }
}

// WithBaseURL overrides the provider endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.libOpts = append(c.libOpts, anyllmlib.WithBaseURL(url)) }
}

// WithProviderOptions passes further any-llm-go options straight through.
func WithProviderOptions(opts ...anyllmlib.Option) Option {
	return func(c *config) { c.libOpts = append(c.libOpts, opts...) }
}

// New creates a Backend for the given hosted provider.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile".
//
// model is the specific model to use (e.g., "gpt-4o",
// "claude-3-5-sonnet-latest"). Hosted adapters are always pinned to a model;
// there is no auto-selection against a remote catalog.
func New(providerName string, model string, opts ...Option) (*Backend, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	cfg := &config{
		name:          providerName,
		tier:          llm.TierQuality,
		maxConcurrent: defaultMaxConcurrent,
	}
	for _, o := range opts {
		o(cfg)
	}

	backend, err := createBackend(providerName, cfg.libOpts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Backend{
		backend:       backend,
		provider:      strings.ToLower(providerName),
		model:         model,
		name:          cfg.name,
		tier:          cfg.tier,
		maxConcurrent: cfg.maxConcurrent,
	}, nil
}

// NewOpenAI creates a Backend backed by OpenAI.
// Without options, it reads the OPENAI_API_KEY environment variable.
func NewOpenAI(model string, opts ...Option) (*Backend, error) {
	return New("openai", model, opts...)
}

// NewAnthropic creates a Backend backed by Anthropic.
// Without options, it reads the ANTHROPIC_API_KEY environment variable.
func NewAnthropic(model string, opts ...Option) (*Backend, error) {
	return New("anthropic", model, opts...)
}

// NewGemini creates a Backend backed by Google Gemini.
// Without options, it reads the GEMINI_API_KEY or GOOGLE_API_KEY environment variable.
func NewGemini(model string, opts ...Option) (*Backend, error) {
	return New("gemini", model, opts...)
}

// NewOllama creates a Backend backed by Ollama through any-llm-go's OpenAI
// compatibility shim. Prefer the ollamalocal package for local quality-tier
// inference; this constructor exists for remote Ollama deployments.
func NewOllama(model string, opts ...Option) (*Backend, error) {
	return New("ollama", model, opts...)
}

// NewDeepSeek creates a Backend backed by DeepSeek.
// Without options, it reads the DEEPSEEK_API_KEY environment variable.
func NewDeepSeek(model string, opts ...Option) (*Backend, error) {
	return New("deepseek", model, opts...)
}

// NewMistral creates a Backend backed by Mistral AI.
// Without options, it reads the MISTRAL_API_KEY environment variable.
func NewMistral(model string, opts ...Option) (*Backend, error) {
	return New("mistral", model, opts...)
}

// NewGroq creates a Backend backed by Groq.
// Without options, it reads the GROQ_API_KEY environment variable.
func NewGroq(model string, opts ...Option) (*Backend, error) {
	return New("groq", model, opts...)
}

// NewLlamaCpp creates a Backend backed by a running llama.cpp server.
// Without options, it connects to http://127.0.0.1:8080/v1.
func NewLlamaCpp(model string, opts ...Option) (*Backend, error) {
	return New("llamacpp", model, opts...)
}

// NewLlamaFile creates a Backend backed by a running llamafile server.
// Without options, it connects to the default llamafile server.
func NewLlamaFile(model string, opts ...Option) (*Backend, error) {
	return New("llamafile", model, opts...)
}

// createBackend creates the underlying any-llm-go provider for the given provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// Name implements llm.Backend.
func (b *Backend) Name() string { return b.name }

// Tier implements llm.Backend.
func (b *Backend) Tier() llm.Tier { return b.tier }

// MaxConcurrent implements llm.Backend.
func (b *Backend) MaxConcurrent() int { return b.maxConcurrent }

// Generate implements llm.Backend.
func (b *Backend) Generate(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error) {
	return b.Chat(ctx, []types.Message{{Role: "user", Content: prompt}}, opts)
}

// Chat implements llm.Backend.
func (b *Backend) Chat(ctx context.Context, messages []types.Message, opts llm.Options) (*llm.Response, error) {
	params := b.buildParams(messages, opts)

	resp, err := b.backend.Completion(ctx, params)
	if err != nil {
		return nil, wrapErr("completion", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	choice := resp.Choices[0]
	result := &llm.Response{
		Content: choice.Message.ContentString(),
		Model:   b.model,
	}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
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
	params := b.buildParams([]types.Message{{Role: "user", Content: prompt}}, opts)

	backendChunks, backendErrs := b.backend.CompletionStream(ctx, params)

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		// Accumulated tool calls keyed by index.
		toolCallAccum := map[int]*types.ToolCall{}

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			out := llm.Chunk{
				Text:         delta.Content,
				FinishReason: choice.FinishReason,
			}

			// Accumulate tool call fragments by index within this chunk.
			for i, tc := range delta.ToolCalls {
				if _, ok := toolCallAccum[i]; !ok {
					toolCallAccum[i] = &types.ToolCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
					}
				}
				existing := toolCallAccum[i]
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			// On the final chunk, emit accumulated tool calls.
			if choice.FinishReason == anyllmlib.FinishReasonToolCalls ||
				(choice.FinishReason != "" && len(toolCallAccum) > 0) {
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

		// Check for backend errors after the chunk channel is drained.
		if err := <-backendErrs; err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Err: wrapErr("stream", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// ListModels implements llm.Backend. any-llm-go exposes no catalog listing,
// so the pinned model is the only entry.
func (b *Backend) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	return []llm.ModelInfo{{ID: b.model, Family: b.provider}}, nil
}

// Health implements llm.Backend by issuing a minimal single-token
// completion. Hosted providers expose no cheaper liveness signal through the
// unified interface.
func (b *Backend) Health(ctx context.Context) error {
	one := 1
	_, err := b.backend.Completion(ctx, anyllmlib.CompletionParams{
		Model: b.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: "Reply with the single word: ok"},
			{Role: "user", Content: "ping"},
		},
		MaxTokens: &one,
	})
	if err != nil {
		return wrapErr("health", err)
	}
	return nil
}

// buildParams converts messages and options into anyllm CompletionParams.
// The unified params carry temperature and max tokens only; top_p and stop
// sequences are provider-specific and not forwarded.
func (b *Backend) buildParams(msgs []types.Message, opts llm.Options) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	if opts.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: opts.SystemPrompt,
		})
	}

	for _, m := range msgs {
		messages = append(messages, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{
		Model:    b.model,
		Messages: messages,
	}

	if opts.Temperature != 0 {
		t := opts.Temperature
		params.Temperature = &t
	}
	if opts.MaxTokens > 0 {
		mt := opts.MaxTokens
		params.MaxTokens = &mt
	}

	for _, td := range opts.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}

	return params
}

// convertMessage converts our types.Message to anyllm.Message.
func convertMessage(m types.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}

	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}

	return msg
}

// wrapErr maps any-llm-go failures onto the shared adapter error types.
// Local providers reached through the shim surface dial failures as plain
// transport errors.
func wrapErr(op string, err error) error {
	if strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("anyllm: %s: %w: %v", op, llm.ErrUnavailable, err)
	}
	return fmt.Errorf("anyllm: %s: %w", op, err)
}
