// Package llm defines the Backend interface for inference providers.
//
// A backend wraps one local or remote model API (an OpenAI-compatible server,
// a local Ollama daemon, or a hosted provider) and exposes a uniform contract
// for the synod orchestrator to generate, chat, stream, list models and probe
// health without coupling to any specific SDK.
//
// Backends belong to exactly one tier. Speed-tier backends optimize latency
// and serve low-complexity work; quality-tier backends optimize answer
// quality and serve complex or security-sensitive work. The hybrid router
// chooses between them per request.
//
// Implementors must be safe for concurrent use. Channels returned by Stream
// must be closed by the implementation when the stream ends or when the
// supplied context is cancelled.
package llm

import (
	"context"
	"strings"

	"github.com/synod-ai/synod/pkg/types"
)

// Tier classifies a backend by what it optimizes for.
type Tier string

const (
	// TierSpeed marks latency-optimized backends (small fast models).
	TierSpeed Tier = "speed"

	// TierQuality marks quality-optimized backends (large capable models).
	TierQuality Tier = "quality"
)

// IsValid reports whether t is a recognised tier.
func (t Tier) IsValid() bool {
	return t == TierSpeed || t == TierQuality
}

// Other returns the opposite tier.
func (t Tier) Other() Tier {
	if t == TierSpeed {
		return TierQuality
	}
	return TierSpeed
}

// ModelAuto asks the adapter to select a model by itself: prefer a
// coding-specialized model, fall back to the first loaded one, and finally
// probe the adapter's built-in fallback list.
const ModelAuto = "auto"

// Usage holds token accounting returned by a backend. All counts are in the
// model's native token unit and may differ between backends for the same
// text.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// Options carries the per-call generation parameters recognised by every
// backend. Zero values mean "backend default".
type Options struct {
	// Temperature controls output randomness in [0.0, 2.0]. 0 requests the
	// backend default rather than greedy decoding; use a small positive
	// value for near-deterministic output.
	Temperature float64

	// MaxTokens caps the number of completion tokens.
	MaxTokens int

	// TopP is the nucleus-sampling cutoff in (0,1].
	TopP float64

	// Stop lists sequences that terminate generation.
	Stop []string

	// Stream requests incremental output where the call supports it.
	Stream bool

	// Tools is the set of tool definitions offered to the model.
	Tools []types.ToolDefinition

	// SystemPrompt is an optional high-priority instruction injected ahead
	// of the prompt or conversation. Backends without a dedicated system
	// slot prepend it as a "system"-role message.
	SystemPrompt string
}

// Response is returned by the non-streaming Generate and Chat methods.
type Response struct {
	// Content is the full text of the reply. Empty when the model responds
	// exclusively with tool calls.
	Content string

	// ToolCalls lists tool invocations requested by the model. The caller
	// executes them and appends results to the conversation.
	ToolCalls []types.ToolCall

	// Model names the model that produced the response.
	Model string

	// Usage contains token accounting for this call.
	Usage Usage
}

// Chunk is a single fragment emitted by a streaming call. A chunk may carry
// text, a finish signal, tool calls, or any combination.
type Chunk struct {
	// Text is the incremental text content. May be empty when the chunk
	// carries only ToolCalls or a FinishReason.
	Text string

	// FinishReason is set on the final chunk: "stop", "length",
	// "tool_calls", or "error" when the stream failed after starting.
	FinishReason string

	// Err carries the failure when FinishReason is "error".
	Err error

	// ToolCalls contains tool invocations accumulated for this chunk.
	ToolCalls []types.ToolCall
}

// ModelInfo describes one model available on a backend.
type ModelInfo struct {
	// ID is the model identifier to pass back in calls.
	ID string

	// Size is the model size in bytes, when the backend reports it.
	Size int64

	// Family is the model family ("llama", "qwen2", ...), when reported.
	Family string
}

// Backend is the adapter contract over one inference backend.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly: when ctx is cancelled every method returns (or
// closes its channel) as quickly as possible.
type Backend interface {
	// Name returns the backend's registry identifier (e.g. "lmstudio",
	// "ollama"). Stable for the lifetime of the instance.
	Name() string

	// Tier reports which tier this backend serves.
	Tier() Tier

	// MaxConcurrent is the backend's advertised concurrency limit. The
	// orchestrator holds a semaphore of this size per backend.
	MaxConcurrent() int

	// Generate produces a completion for a bare prompt.
	Generate(ctx context.Context, prompt string, opts Options) (*Response, error)

	// Chat produces a completion for a conversation history. The last
	// message is typically "user"-role and drives the response.
	Chat(ctx context.Context, messages []types.Message, opts Options) (*Response, error)

	// Stream produces an incremental completion for a bare prompt. The
	// returned channel is closed by the implementation when generation
	// finishes or ctx is cancelled; callers must drain it. Errors after
	// the stream opens surface as a final chunk with FinishReason "error".
	// The channel is never nil when error is nil.
	Stream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error)

	// ListModels returns the models currently available on the backend.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// Health probes the backend. A nil return means healthy. Callers go
	// through the health cache rather than probing directly.
	Health(ctx context.Context) error
}

// PreferCoding picks a coding-specialized model from models by substring
// match ("coder" first, then "code"); ok is false when models is empty. When
// no coding model exists, the first listed model is returned.
//
// This implements the shared half of model auto-selection; probing a
// fallback list when nothing is loaded is adapter-specific.
func PreferCoding(models []ModelInfo) (ModelInfo, bool) {
	if len(models) == 0 {
		return ModelInfo{}, false
	}
	for _, needle := range []string{"coder", "code"} {
		for _, m := range models {
			if strings.Contains(strings.ToLower(m.ID), needle) {
				return m, true
			}
		}
	}
	return models[0], true
}
