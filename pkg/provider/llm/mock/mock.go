// Package mock provides a test double for the llm.Backend interface.
//
// Use Backend in unit tests to feed controlled responses without a live
// inference server and to verify what the orchestrator sent. All fields are
// safe to set before calling any method; mutating them during a concurrent
// call is the caller's responsibility.
//
// Example:
//
//	b := mock.New("fast", llm.TierSpeed)
//	b.GenerateResponse = &llm.Response{Content: "hello", Model: "mock-model"}
//	resp, err := b.Generate(ctx, "hi", llm.Options{})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/synod-ai/synod/pkg/provider/llm"
	"github.com/synod-ai/synod/pkg/types"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	// Prompt is the prompt passed to Generate.
	Prompt string
	// Opts is the options value passed to Generate.
	Opts llm.Options
}

// ChatCall records a single invocation of Chat.
type ChatCall struct {
	// Messages is the conversation passed to Chat.
	Messages []types.Message
	// Opts is the options value passed to Chat.
	Opts llm.Options
}

// GenerateResult scripts one Generate or Chat outcome in a queue.
type GenerateResult struct {
	// Resp is returned when Err is nil. A nil Resp yields the default
	// synthesized response.
	Resp *llm.Response
	// Err, if non-nil, is returned instead of a response.
	Err error
}

// Backend is a mock implementation of llm.Backend. Zero values for response
// fields cause methods to return sensible defaults; set Err fields to inject
// errors and Latency to simulate slow backends.
type Backend struct {
	mu sync.Mutex

	name          string
	tier          llm.Tier
	maxConcurrent int

	// --- Configurable responses ---

	// GenerateResponse is returned by Generate and Chat. When nil, a
	// default response naming the backend is synthesized.
	GenerateResponse *llm.Response

	// GenerateErr, if non-nil, is returned from Generate and Chat.
	GenerateErr error

	// GenerateQueue, when non-empty, takes precedence over
	// GenerateResponse and GenerateErr: each Generate or Chat call
	// consumes the head entry. Use it to script multi-call flows.
	GenerateQueue []GenerateResult

	// StreamChunks is the sequence emitted by Stream before the channel
	// closes. When nil, the default response content is emitted as one
	// chunk followed by a "stop" chunk.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned from Stream without opening a
	// channel.
	StreamErr error

	// Models is returned by ListModels.
	Models []llm.ModelInfo

	// ListModelsErr, if non-nil, is returned from ListModels.
	ListModelsErr error

	// HealthErr is returned by Health; nil means healthy.
	HealthErr error

	// Latency is slept (context-aware) inside Generate, Chat and Health.
	Latency time.Duration

	// --- Call records (read after test) ---

	// GenerateCalls records every invocation of Generate in order.
	GenerateCalls []GenerateCall

	// ChatCalls records every invocation of Chat in order.
	ChatCalls []ChatCall

	// HealthCalls counts Health invocations.
	HealthCalls int
}

// Compile-time check: Backend must implement llm.Backend.
var _ llm.Backend = (*Backend)(nil)

// New creates a mock backend with the given registry name and tier.
// MaxConcurrent defaults to 3.
func New(name string, tier llm.Tier) *Backend {
	return &Backend{name: name, tier: tier, maxConcurrent: 3}
}

// SetMaxConcurrent overrides the advertised concurrency limit.
func (b *Backend) SetMaxConcurrent(n int) { b.maxConcurrent = n }

// Name implements llm.Backend.
func (b *Backend) Name() string { return b.name }

// Tier implements llm.Backend.
func (b *Backend) Tier() llm.Tier { return b.tier }

// MaxConcurrent implements llm.Backend.
func (b *Backend) MaxConcurrent() int { return b.maxConcurrent }

// nextLocked pops the scripted queue head, or falls back to the fixed
// response fields. Callers must hold b.mu.
func (b *Backend) nextLocked() (*llm.Response, error) {
	if len(b.GenerateQueue) > 0 {
		head := b.GenerateQueue[0]
		b.GenerateQueue = b.GenerateQueue[1:]
		return head.Resp, head.Err
	}
	return b.GenerateResponse, b.GenerateErr
}

// Generate records the call and returns the configured response.
func (b *Backend) Generate(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error) {
	b.mu.Lock()
	b.GenerateCalls = append(b.GenerateCalls, GenerateCall{Prompt: prompt, Opts: opts})
	resp, err := b.nextLocked()
	latency := b.Latency
	b.mu.Unlock()

	if err2 := sleep(ctx, latency); err2 != nil {
		return nil, err2
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &llm.Response{Content: "mock response from " + b.name, Model: "mock-model"}, nil
	}
	out := *resp
	return &out, nil
}

// Chat records the call and returns the configured response.
func (b *Backend) Chat(ctx context.Context, messages []types.Message, opts llm.Options) (*llm.Response, error) {
	b.mu.Lock()
	b.ChatCalls = append(b.ChatCalls, ChatCall{Messages: messages, Opts: opts})
	resp, err := b.nextLocked()
	latency := b.Latency
	b.mu.Unlock()

	if err2 := sleep(ctx, latency); err2 != nil {
		return nil, err2
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &llm.Response{Content: "mock response from " + b.name, Model: "mock-model"}, nil
	}
	out := *resp
	return &out, nil
}

// Stream emits StreamChunks (or a default pair) on a channel closed when
// done or when ctx is cancelled.
func (b *Backend) Stream(ctx context.Context, prompt string, opts llm.Options) (<-chan llm.Chunk, error) {
	b.mu.Lock()
	chunks, err := b.StreamChunks, b.StreamErr
	b.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if chunks == nil {
		chunks = []llm.Chunk{
			{Text: "mock response from " + b.name},
			{FinishReason: "stop"},
		}
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// ListModels returns the configured model list.
func (b *Backend) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ListModelsErr != nil {
		return nil, b.ListModelsErr
	}
	out := make([]llm.ModelInfo, len(b.Models))
	copy(out, b.Models)
	return out, nil
}

// Health records the probe and returns HealthErr.
func (b *Backend) Health(ctx context.Context) error {
	b.mu.Lock()
	b.HealthCalls++
	err, latency := b.HealthErr, b.Latency
	b.mu.Unlock()

	if err2 := sleep(ctx, latency); err2 != nil {
		return err2
	}
	return err
}

// Probes returns how many times Health was called.
func (b *Backend) Probes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.HealthCalls
}

// Reset clears all call records.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.GenerateCalls = nil
	b.ChatCalls = nil
	b.HealthCalls = 0
}

// sleep waits for d unless ctx is cancelled first. A zero d returns
// immediately.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
