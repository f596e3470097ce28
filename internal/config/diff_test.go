package config_test

import (
	"testing"

	"github.com/synod-ai/synod/internal/config"
	"github.com/synod-ai/synod/pkg/provider/llm"
)

func baseConfig() *config.Config {
	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{
		{Type: config.ProviderOllama, Model: "llama3.1:8b"},
	}
	return cfg
}

func TestCompare_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Compare(cfg, cfg)
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestCompare_ExecutionModeChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.ExecutionMode = config.ModeFast

	d := config.Compare(old, new)
	if !d.ExecutionModeChanged {
		t.Error("expected ExecutionModeChanged=true")
	}
	if d.NewExecutionMode != config.ModeFast {
		t.Errorf("expected NewExecutionMode=fast, got %q", d.NewExecutionMode)
	}
	if d.RestartRequired {
		t.Error("execution mode change should not require restart")
	}
}

func TestCompare_ThresholdsChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.PerformanceThresholds.TimeoutMs = 60000

	d := config.Compare(old, new)
	if !d.ThresholdsChanged {
		t.Error("expected ThresholdsChanged=true")
	}
	if d.NewThresholds.TimeoutMs != 60000 {
		t.Errorf("expected NewThresholds.TimeoutMs=60000, got %d", d.NewThresholds.TimeoutMs)
	}
	if d.RestartRequired {
		t.Error("threshold change should not require restart")
	}
}

func TestCompare_SecurityChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Security.AllowedCommands = []string{"ls"}

	d := config.Compare(old, new)
	if !d.SecurityChanged {
		t.Error("expected SecurityChanged=true")
	}
	if len(d.NewSecurity.AllowedCommands) != 1 {
		t.Errorf("expected NewSecurity to carry the new commands, got %+v", d.NewSecurity)
	}
}

func TestCompare_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Observe.LogLevel = config.LogDebug

	d := config.Compare(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestCompare_ProviderChangeRequiresRestart(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Providers[0].Model = "qwen2.5:14b"

	d := config.Compare(old, new)
	if !d.RestartRequired {
		t.Error("expected RestartRequired=true for provider change")
	}
}

func TestCompare_FallbackChainChangeRequiresRestart(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.FallbackChain = []llm.Tier{llm.TierQuality}

	d := config.Compare(old, new)
	if !d.RestartRequired {
		t.Error("expected RestartRequired=true for fallback chain change")
	}
}

func TestCompare_MCPEnvChangeRequiresRestart(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	old.MCPServers = []config.MCPServerConfig{
		{Name: "tools", Transport: "stdio", Command: "/bin/mcp", Env: map[string]string{"A": "1"}},
	}
	new := baseConfig()
	new.MCPServers = []config.MCPServerConfig{
		{Name: "tools", Transport: "stdio", Command: "/bin/mcp", Env: map[string]string{"A": "2"}},
	}

	d := config.Compare(old, new)
	if !d.RestartRequired {
		t.Error("expected RestartRequired=true for MCP env change")
	}
}

func TestCompare_StreamingChangeRequiresRestart(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Streaming.ChunkSize = 128

	d := config.Compare(old, new)
	if !d.RestartRequired {
		t.Error("expected RestartRequired=true for streaming change")
	}
}

func TestCompare_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.ExecutionMode = config.ModeQuality
	new.Observe.LogLevel = config.LogWarn
	new.Providers = append(new.Providers, config.ProviderConfig{
		Type: config.ProviderOpenAICompat, Endpoint: "http://localhost:1234/v1",
	})

	d := config.Compare(old, new)
	if !d.ExecutionModeChanged {
		t.Error("expected ExecutionModeChanged=true")
	}
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.RestartRequired {
		t.Error("expected RestartRequired=true")
	}
	if d.Empty() {
		t.Error("diff with changes should not be empty")
	}
}
