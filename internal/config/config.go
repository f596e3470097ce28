// Package config provides the configuration schema, loader, backend registry,
// and file watcher for the Synod runtime.
package config

import (
	"log/slog"
	"time"

	"github.com/synod-ai/synod/internal/toolhost"
	"github.com/synod-ai/synod/pkg/provider/llm"
)

// LogLevel controls log verbosity for the runtime.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto the slog level scale. Unset levels map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ExecutionMode selects how aggressively the runtime trades answer depth for
// latency when routing requests.
type ExecutionMode string

const (
	// ModeFast prefers the speed tier whenever the request fits its limits.
	ModeFast ExecutionMode = "fast"

	// ModeAuto routes per request based on measured task complexity.
	ModeAuto ExecutionMode = "auto"

	// ModeQuality prefers the quality tier regardless of complexity.
	ModeQuality ExecutionMode = "quality"
)

// IsValid reports whether m is a recognised execution mode.
func (m ExecutionMode) IsValid() bool {
	switch m {
	case ModeFast, ModeAuto, ModeQuality:
		return true
	}
	return false
}

// RedTeamOutputMode selects when generated output is re-validated by the
// red-team inspectors before it is returned to the caller.
type RedTeamOutputMode string

const (
	// RedTeamAlways validates every response.
	RedTeamAlways RedTeamOutputMode = "always"

	// RedTeamFlagged validates only responses whose input raised concerns.
	RedTeamFlagged RedTeamOutputMode = "flagged"
)

// IsValid reports whether m is a recognised output validation mode.
func (m RedTeamOutputMode) IsValid() bool {
	return m == RedTeamAlways || m == RedTeamFlagged
}

// ProviderType identifies which backend adapter family serves a provider
// entry. Local families talk to an endpoint directly; hosted families go
// through the any-llm gateway and are pinned to a model.
type ProviderType string

const (
	// ProviderOpenAICompat speaks the OpenAI-compatible HTTP API against a
	// caller-supplied endpoint.
	ProviderOpenAICompat ProviderType = "openai-compat"

	// ProviderLMStudio is an alias for the OpenAI-compatible family with
	// LM Studio's conventional local endpoint.
	ProviderLMStudio ProviderType = "lmstudio"

	// ProviderOllama talks to a local Ollama daemon.
	ProviderOllama ProviderType = "ollama"

	// Hosted vendors served through the any-llm gateway.
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderGemini    ProviderType = "gemini"
	ProviderDeepSeek  ProviderType = "deepseek"
	ProviderMistral   ProviderType = "mistral"
	ProviderGroq      ProviderType = "groq"
	ProviderLlamaCpp  ProviderType = "llamacpp"
	ProviderLlamafile ProviderType = "llamafile"
)

// ValidProviderTypes lists every provider type the default registry knows.
var ValidProviderTypes = []ProviderType{
	ProviderOpenAICompat,
	ProviderLMStudio,
	ProviderOllama,
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderGemini,
	ProviderDeepSeek,
	ProviderMistral,
	ProviderGroq,
	ProviderLlamaCpp,
	ProviderLlamafile,
}

// IsValid reports whether t is a recognised provider type.
func (t ProviderType) IsValid() bool {
	for _, v := range ValidProviderTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Hosted reports whether t is served through the any-llm gateway rather than
// a direct local adapter.
func (t ProviderType) Hosted() bool {
	switch t {
	case ProviderOpenAICompat, ProviderLMStudio, ProviderOllama:
		return false
	}
	return t.IsValid()
}

// Config is the root configuration structure for the runtime.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	// Providers lists the model backends available to the router.
	Providers []ProviderConfig `yaml:"providers"`

	// ExecutionMode selects the routing posture: fast, auto, or quality.
	ExecutionMode ExecutionMode `yaml:"executionMode"`

	// FallbackChain orders the tiers tried after the primary choice is
	// exhausted. An empty chain disables fallback.
	FallbackChain []llm.Tier `yaml:"fallbackChain"`

	// PerformanceThresholds bounds latency and concurrency.
	PerformanceThresholds PerformanceThresholds `yaml:"performanceThresholds"`

	// Security holds input limits and command sandboxing settings.
	Security SecurityConfig `yaml:"security"`

	// Streaming shapes chunked response delivery.
	Streaming StreamingConfig `yaml:"streaming"`

	// MCPServers lists external MCP tool servers connected at startup.
	MCPServers []MCPServerConfig `yaml:"mcpServers"`

	// Observe holds debug listener and logging settings.
	Observe ObserveConfig `yaml:"observe"`
}

// ProviderConfig declares one model backend.
type ProviderConfig struct {
	// Type selects the adapter family. See the ProviderType constants.
	Type ProviderType `yaml:"type"`

	// Endpoint is the backend base URL. Required for openai-compat and
	// lmstudio; optional for ollama (defaults to the local daemon) and for
	// hosted types (overrides the vendor default).
	Endpoint string `yaml:"endpoint"`

	// Name overrides the backend's registry name. Defaults to Type.
	Name string `yaml:"name"`

	// Model pins a specific model. Hosted types require it; local types
	// auto-select against the backend's catalog when empty.
	Model string `yaml:"model"`

	// APIKey authenticates against the backend, if it needs one.
	APIKey string `yaml:"apiKey"`

	// Tier overrides the adapter's routing tier: "speed" or "quality".
	Tier llm.Tier `yaml:"tier"`

	// MaxConcurrent caps in-flight requests to this backend. Zero keeps
	// the adapter default.
	MaxConcurrent int `yaml:"maxConcurrent"`
}

// BackendName returns the registry name for this entry: Name when set,
// otherwise the provider type.
func (p ProviderConfig) BackendName() string {
	if p.Name != "" {
		return p.Name
	}
	return string(p.Type)
}

// EffectiveTier returns the routing tier for this entry. An explicit Tier
// wins; otherwise OpenAI-compatible local servers default to speed and
// everything else to quality.
func (p ProviderConfig) EffectiveTier() llm.Tier {
	if p.Tier != "" {
		return p.Tier
	}
	switch p.Type {
	case ProviderOpenAICompat, ProviderLMStudio:
		return llm.TierSpeed
	}
	return llm.TierQuality
}

// PerformanceThresholds bounds latency and concurrency for request execution.
type PerformanceThresholds struct {
	// FastModeMaxTokens caps the estimated prompt size still eligible for
	// fast-mode routing.
	FastModeMaxTokens int `yaml:"fastModeMaxTokens"`

	// TimeoutMs is the per-request budget in milliseconds.
	// Valid range [5000, 600000].
	TimeoutMs int `yaml:"timeoutMs"`

	// MaxConcurrentRequests caps simultaneous voice invocations.
	// Valid range [1, 10].
	MaxConcurrentRequests int `yaml:"maxConcurrentRequests"`
}

// Timeout returns the per-request budget as a duration.
func (p PerformanceThresholds) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// SecurityConfig holds input limits and command sandboxing settings.
type SecurityConfig struct {
	// EnableSandbox isolates tool command execution.
	EnableSandbox bool `yaml:"enableSandbox"`

	// MaxInputLength caps request prompt length in characters. At most 100000.
	MaxInputLength int `yaml:"maxInputLength"`

	// AllowedCommands lists shell commands tool handlers may execute.
	// "rm" is never accepted.
	AllowedCommands []string `yaml:"allowedCommands"`

	// RedTeamOutput selects when generated output is re-validated:
	// "always" or "flagged".
	RedTeamOutput RedTeamOutputMode `yaml:"redTeamOutput"`
}

// StreamingConfig shapes chunked response delivery.
type StreamingConfig struct {
	// ChunkSize is the target characters per emitted chunk.
	// Valid range [1, 1000].
	ChunkSize int `yaml:"chunkSize"`

	// BufferSize is the channel buffer between producer and consumer.
	BufferSize int `yaml:"bufferSize"`

	// EnableBackpressure blocks the producer when the consumer lags instead
	// of dropping chunks.
	EnableBackpressure bool `yaml:"enableBackpressure"`

	// Timeout is the idle stream timeout in milliseconds. At least 1000.
	Timeout int `yaml:"timeout"`

	// Encoding names the chunk encoding on the wire (e.g., "utf-8").
	Encoding string `yaml:"encoding"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique identifier for this server (used in logs and stats).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport toolhost.Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is
	// "streamable-http". Ignored for stdio transport.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the
	// subprocess when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}

// ServerConfig converts the YAML block into the form the tool host consumes.
func (c MCPServerConfig) ServerConfig() toolhost.ServerConfig {
	return toolhost.ServerConfig{
		Name:      c.Name,
		Transport: c.Transport,
		Command:   c.Command,
		URL:       c.URL,
		Env:       c.Env,
	}
}

// ObserveConfig holds debug listener and logging settings.
type ObserveConfig struct {
	// ListenAddr enables the debug HTTP listener (/metrics, /healthz,
	// /readyz) when non-empty (e.g., ":9090"). Empty disables it.
	ListenAddr string `yaml:"listenAddr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"logLevel"`
}

// Default returns a configuration populated with the runtime defaults.
// [LoadFromReader] decodes on top of it, so keys absent from the file keep
// these values.
func Default() *Config {
	return &Config{
		ExecutionMode: ModeAuto,
		FallbackChain: []llm.Tier{llm.TierSpeed, llm.TierQuality},
		PerformanceThresholds: PerformanceThresholds{
			FastModeMaxTokens:     1000,
			TimeoutMs:             180000,
			MaxConcurrentRequests: 3,
		},
		Security: SecurityConfig{
			EnableSandbox:  true,
			MaxInputLength: 100000,
			RedTeamOutput:  RedTeamAlways,
		},
		Streaming: StreamingConfig{
			ChunkSize:          64,
			BufferSize:         16,
			EnableBackpressure: true,
			Timeout:            30000,
			Encoding:           "utf-8",
		},
		Observe: ObserveConfig{
			LogLevel: LogInfo,
		},
	}
}
