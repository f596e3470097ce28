package config

import (
	"maps"
	"slices"
)

// Diff describes what changed between two configs. Fields that can be applied
// without a restart are tracked individually; structural changes (providers,
// fallback chain, MCP servers, streaming shape, debug listener) set
// RestartRequired instead.
type Diff struct {
	ExecutionModeChanged bool
	NewExecutionMode     ExecutionMode

	ThresholdsChanged bool
	NewThresholds     PerformanceThresholds

	SecurityChanged bool
	NewSecurity     SecurityConfig

	LogLevelChanged bool
	NewLogLevel     LogLevel

	RestartRequired bool
}

// Empty reports whether no tracked change was detected.
func (d Diff) Empty() bool {
	return !d.ExecutionModeChanged &&
		!d.ThresholdsChanged &&
		!d.SecurityChanged &&
		!d.LogLevelChanged &&
		!d.RestartRequired
}

// Compare returns what changed between old and new.
func Compare(old, new *Config) Diff {
	d := Diff{}

	if old.ExecutionMode != new.ExecutionMode {
		d.ExecutionModeChanged = true
		d.NewExecutionMode = new.ExecutionMode
	}

	if old.PerformanceThresholds != new.PerformanceThresholds {
		d.ThresholdsChanged = true
		d.NewThresholds = new.PerformanceThresholds
	}

	if !securityEqual(old.Security, new.Security) {
		d.SecurityChanged = true
		d.NewSecurity = new.Security
	}

	if old.Observe.LogLevel != new.Observe.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Observe.LogLevel
	}

	if !slices.Equal(old.Providers, new.Providers) ||
		!slices.Equal(old.FallbackChain, new.FallbackChain) ||
		old.Streaming != new.Streaming ||
		old.Observe.ListenAddr != new.Observe.ListenAddr ||
		!slices.EqualFunc(old.MCPServers, new.MCPServers, mcpServerEqual) {
		d.RestartRequired = true
	}

	return d
}

func securityEqual(a, b SecurityConfig) bool {
	return a.EnableSandbox == b.EnableSandbox &&
		a.MaxInputLength == b.MaxInputLength &&
		a.RedTeamOutput == b.RedTeamOutput &&
		slices.Equal(a.AllowedCommands, b.AllowedCommands)
}

func mcpServerEqual(a, b MCPServerConfig) bool {
	return a.Name == b.Name &&
		a.Transport == b.Transport &&
		a.Command == b.Command &&
		a.URL == b.URL &&
		maps.Equal(a.Env, b.Env)
}
