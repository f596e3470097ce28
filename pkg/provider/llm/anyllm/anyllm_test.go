package anyllm

import (
	"context"
	"testing"

	"github.com/synod-ai/synod/pkg/provider/llm"
	"github.com/synod-ai/synod/pkg/types"
)

// ── convertMessage ────────────────────────────────────────────────────────────

// TestConvertMessage_System checks that system-role messages are converted correctly.
func TestConvertMessage_System(t *testing.T) {
	m := types.Message{Role: "system", Content: "You are helpful."}
	got := convertMessage(m)
	if got.Role != "system" {
		t.Errorf("expected role system, got %q", got.Role)
	}
	if got.ContentString() != "You are helpful." {
		t.Errorf("expected content %q, got %q", "You are helpful.", got.ContentString())
	}
}

// TestConvertMessage_User checks that user-role messages are converted correctly.
func TestConvertMessage_User(t *testing.T) {
	m := types.Message{Role: "user", Content: "Hello!"}
	got := convertMessage(m)
	if got.Role != "user" {
		t.Errorf("expected role user, got %q", got.Role)
	}
	if got.ContentString() != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", got.ContentString())
	}
}

// TestConvertMessage_AssistantWithToolCalls checks tool call conversion.
func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	m := types.Message{
		Role: "assistant",
		ToolCalls: []types.ToolCall{
			{ID: "call_1", Name: "read_file", Arguments: `{"path":"main.go"}`},
		},
	}
	got := convertMessage(m)
	if got.Role != "assistant" {
		t.Errorf("expected role assistant, got %q", got.Role)
	}
	if len(got.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call_1" {
		t.Errorf("expected ID call_1, got %q", tc.ID)
	}
	if tc.Function.Name != "read_file" {
		t.Errorf("expected function name read_file, got %q", tc.Function.Name)
	}
	if tc.Function.Arguments != `{"path":"main.go"}` {
		t.Errorf("unexpected arguments: %q", tc.Function.Arguments)
	}
	if tc.Type != "function" {
		t.Errorf("expected type function, got %q", tc.Type)
	}
}

// TestConvertMessage_Tool checks tool-result message conversion.
func TestConvertMessage_Tool(t *testing.T) {
	m := types.Message{Role: "tool", Content: "3 files", ToolCallID: "call_1"}
	got := convertMessage(m)
	if got.Role != "tool" {
		t.Errorf("expected role tool, got %q", got.Role)
	}
	if got.ToolCallID != "call_1" {
		t.Errorf("expected ToolCallID call_1, got %q", got.ToolCallID)
	}
	if got.ContentString() != "3 files" {
		t.Errorf("expected content %q, got %q", "3 files", got.ContentString())
	}
}

// TestConvertMessage_WithName checks that the Name field is preserved.
func TestConvertMessage_WithName(t *testing.T) {
	m := types.Message{Role: "user", Content: "Hi", Name: "alice"}
	got := convertMessage(m)
	if got.Name != "alice" {
		t.Errorf("expected name alice, got %q", got.Name)
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

// TestBuildParams_SystemPromptPrepended checks the system prompt becomes the
// first message.
func TestBuildParams_SystemPromptPrepended(t *testing.T) {
	b := &Backend{model: "gpt-4o"}
	params := b.buildParams(
		[]types.Message{{Role: "user", Content: "hi"}},
		llm.Options{SystemPrompt: "be brief"},
	)
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != "system" {
		t.Errorf("expected first message role system, got %q", params.Messages[0].Role)
	}
	if params.Model != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %q", params.Model)
	}
}

// TestBuildParams_ZeroSamplingOmitted checks that zero temperature and max
// tokens leave the provider defaults in place.
func TestBuildParams_ZeroSamplingOmitted(t *testing.T) {
	b := &Backend{model: "m"}
	params := b.buildParams([]types.Message{{Role: "user", Content: "x"}}, llm.Options{})
	if params.Temperature != nil {
		t.Errorf("expected nil temperature, got %v", *params.Temperature)
	}
	if params.MaxTokens != nil {
		t.Errorf("expected nil max tokens, got %v", *params.MaxTokens)
	}
}

// TestBuildParams_SamplingForwarded checks temperature and max tokens are set.
func TestBuildParams_SamplingForwarded(t *testing.T) {
	b := &Backend{model: "m"}
	params := b.buildParams(
		[]types.Message{{Role: "user", Content: "x"}},
		llm.Options{Temperature: 0.3, MaxTokens: 512},
	)
	if params.Temperature == nil || *params.Temperature != 0.3 {
		t.Errorf("expected temperature 0.3, got %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Errorf("expected max tokens 512, got %v", params.MaxTokens)
	}
}

// TestBuildParams_Tools checks tool definitions are converted.
func TestBuildParams_Tools(t *testing.T) {
	b := &Backend{model: "m"}
	params := b.buildParams([]types.Message{{Role: "user", Content: "x"}}, llm.Options{
		Tools: []types.ToolDefinition{{
			Name:        "list_dir",
			Description: "List a directory",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	if len(params.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(params.Tools))
	}
	if params.Tools[0].Function.Name != "list_dir" {
		t.Errorf("expected tool name list_dir, got %q", params.Tools[0].Function.Name)
	}
	if params.Tools[0].Type != "function" {
		t.Errorf("expected tool type function, got %q", params.Tools[0].Type)
	}
}

// ── Constructor ───────────────────────────────────────────────────────────────

// TestNew_EmptyProviderName checks that an empty provider name returns an error.
func TestNew_EmptyProviderName(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty providerName")
	}
}

// TestNew_EmptyModel checks that an empty model name returns an error.
func TestNew_EmptyModel(t *testing.T) {
	_, err := New("openai", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_UnsupportedProvider checks that an unsupported provider returns an error.
func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("fakecloud", "some-model", WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

// TestNew_OpenAI_WithAPIKey checks that OpenAI constructs successfully with an API key.
func TestNew_OpenAI_WithAPIKey(t *testing.T) {
	b, err := New("openai", "gpt-4o", WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b == nil {
		t.Fatal("expected non-nil backend")
	}
	if b.model != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %q", b.model)
	}
}

// TestNew_OpenAI_MissingAPIKey checks that OpenAI returns an error when no API key is available.
// This relies on OPENAI_API_KEY not being set in the test environment.
func TestNew_OpenAI_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "") // Ensure env var is clear.
	_, err := New("openai", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
}

// TestNew_Ollama_NoAPIKey checks that Ollama works without an API key.
func TestNew_Ollama_NoAPIKey(t *testing.T) {
	b, err := NewOllama("llama3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b == nil {
		t.Fatal("expected non-nil backend")
	}
}

// TestNew_IdentityDefaults checks the default name, tier, and concurrency.
func TestNew_IdentityDefaults(t *testing.T) {
	b, err := NewAnthropic("claude-3-5-sonnet-latest", WithAPIKey("sk-ant-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Name() != "anthropic" {
		t.Errorf("expected name anthropic, got %q", b.Name())
	}
	if b.Tier() != llm.TierQuality {
		t.Errorf("expected quality tier, got %v", b.Tier())
	}
	if b.MaxConcurrent() != 3 {
		t.Errorf("expected max concurrent 3, got %d", b.MaxConcurrent())
	}
}

// TestNew_IdentityOverrides checks the identity options are applied.
func TestNew_IdentityOverrides(t *testing.T) {
	b, err := NewGroq("llama-3.1-70b-versatile",
		WithAPIKey("gsk-test"),
		WithName("hosted-fallback"),
		WithTier(llm.TierSpeed),
		WithMaxConcurrent(8),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Name() != "hosted-fallback" {
		t.Errorf("expected name hosted-fallback, got %q", b.Name())
	}
	if b.Tier() != llm.TierSpeed {
		t.Errorf("expected speed tier, got %v", b.Tier())
	}
	if b.MaxConcurrent() != 8 {
		t.Errorf("expected max concurrent 8, got %d", b.MaxConcurrent())
	}
}

// TestConvenienceConstructors checks all convenience constructors delegate correctly.
func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (*Backend, error)
	}{
		{"NewOpenAI", func() (*Backend, error) { return NewOpenAI("gpt-4o", WithAPIKey("sk-test")) }},
		{"NewAnthropic", func() (*Backend, error) {
			return NewAnthropic("claude-3-5-sonnet-latest", WithAPIKey("sk-ant-test"))
		}},
		{"NewOllama", func() (*Backend, error) { return NewOllama("llama3") }},
		{"NewLlamaCpp", func() (*Backend, error) { return NewLlamaCpp("llama3") }},
		{"NewLlamaFile", func() (*Backend, error) { return NewLlamaFile("llama3") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.fn()
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tt.name, err)
			}
			if b == nil {
				t.Fatalf("%s: expected non-nil backend", tt.name)
			}
		})
	}
}

// ── ListModels ────────────────────────────────────────────────────────────────

// TestListModels_PinnedModelOnly checks the pinned model is the sole entry.
func TestListModels_PinnedModelOnly(t *testing.T) {
	b := &Backend{model: "claude-3-5-sonnet-latest", provider: "anthropic"}
	models, err := b.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 1 {
		t.Fatalf("expected 1 model, got %d", len(models))
	}
	if models[0].ID != "claude-3-5-sonnet-latest" || models[0].Family != "anthropic" {
		t.Errorf("unexpected model info: %+v", models[0])
	}
}
