package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/synod-ai/synod/internal/toolhost"
	"github.com/synod-ai/synod/pkg/provider/llm"
)

// Environment variables recognised as overrides. They are applied after the
// file is decoded and before validation, so an out-of-range override is
// rejected like any other config error.
const (
	EnvTimeoutMs     = "AI_TIMEOUT_MS"
	EnvMaxConcurrent = "AI_MAX_CONCURRENT"
	EnvExecutionMode = "AI_EXECUTION_MODE"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// and validates the result. Decoding starts from [Default], so keys absent
// from the file keep their default values. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays recognised environment variables onto cfg. The lookup
// function is injected so tests can run without mutating the process
// environment.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error

	if v, ok := lookup(EnvTimeoutMs); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s %q is not an integer", EnvTimeoutMs, v))
		} else {
			cfg.PerformanceThresholds.TimeoutMs = n
		}
	}
	if v, ok := lookup(EnvMaxConcurrent); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s %q is not an integer", EnvMaxConcurrent, v))
		} else {
			cfg.PerformanceThresholds.MaxConcurrentRequests = n
		}
	}
	if v, ok := lookup(EnvExecutionMode); ok {
		cfg.ExecutionMode = ExecutionMode(v)
	}

	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Non-fatal oddities are logged as warnings and do not block loading.
func Validate(cfg *Config) error {
	var errs []error

	// Providers
	if len(cfg.Providers) == 0 {
		errs = append(errs, errors.New("at least one provider is required"))
	}
	namesSeen := make(map[string]int, len(cfg.Providers))
	hasSpeedTier := false
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)

		switch {
		case p.Type == "":
			errs = append(errs, fmt.Errorf("%s.type is required", prefix))
		case !p.Type.IsValid():
			errs = append(errs, fmt.Errorf("%s.type %q is not a known provider type", prefix, p.Type))
		}

		name := p.BackendName()
		if name != "" {
			if prev, ok := namesSeen[name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers[%d]", prefix, name, prev))
			} else {
				namesSeen[name] = i
			}
		}

		switch {
		case p.Type.Hosted():
			if p.Model == "" {
				errs = append(errs, fmt.Errorf("%s.model is required for hosted type %q", prefix, p.Type))
			}
			if p.Endpoint != "" && !validURL(p.Endpoint) {
				errs = append(errs, fmt.Errorf("%s.endpoint %q is not a valid http(s) URL", prefix, p.Endpoint))
			}
		case p.Type == ProviderOllama:
			// Empty endpoint falls back to the local daemon address.
			if p.Endpoint != "" && !validURL(p.Endpoint) {
				errs = append(errs, fmt.Errorf("%s.endpoint %q is not a valid http(s) URL", prefix, p.Endpoint))
			}
		case p.Type == ProviderOpenAICompat || p.Type == ProviderLMStudio:
			if p.Endpoint == "" {
				errs = append(errs, fmt.Errorf("%s.endpoint is required for type %q", prefix, p.Type))
			} else if !validURL(p.Endpoint) {
				errs = append(errs, fmt.Errorf("%s.endpoint %q is not a valid http(s) URL", prefix, p.Endpoint))
			}
		}

		if p.Tier != "" && !p.Tier.IsValid() {
			errs = append(errs, fmt.Errorf("%s.tier %q is invalid; valid values: speed, quality", prefix, p.Tier))
		}
		if p.MaxConcurrent < 0 {
			errs = append(errs, fmt.Errorf("%s.maxConcurrent must not be negative", prefix))
		}

		if p.Type.IsValid() && p.EffectiveTier() == llm.TierSpeed {
			hasSpeedTier = true
		}
	}
	if len(cfg.Providers) > 0 && !hasSpeedTier {
		slog.Warn("no speed-tier provider configured; fast-mode requests will route to the quality tier")
	}

	// Execution mode and fallback chain
	if !cfg.ExecutionMode.IsValid() {
		errs = append(errs, fmt.Errorf("executionMode %q is invalid; valid values: fast, auto, quality", cfg.ExecutionMode))
	}
	for i, tier := range cfg.FallbackChain {
		if !tier.IsValid() {
			errs = append(errs, fmt.Errorf("fallbackChain[%d] %q is invalid; valid values: speed, quality", i, tier))
		}
	}
	if len(cfg.FallbackChain) == 0 {
		slog.Warn("fallback chain is empty; requests will not fall back after the primary tier is exhausted")
	}

	// Performance thresholds
	pt := cfg.PerformanceThresholds
	if pt.TimeoutMs < 5000 || pt.TimeoutMs > 600000 {
		errs = append(errs, fmt.Errorf("performanceThresholds.timeoutMs %d is out of range [5000, 600000]", pt.TimeoutMs))
	}
	if pt.MaxConcurrentRequests < 1 || pt.MaxConcurrentRequests > 10 {
		errs = append(errs, fmt.Errorf("performanceThresholds.maxConcurrentRequests %d is out of range [1, 10]", pt.MaxConcurrentRequests))
	}
	if pt.FastModeMaxTokens < 0 {
		errs = append(errs, fmt.Errorf("performanceThresholds.fastModeMaxTokens must not be negative"))
	}

	// Security
	sec := cfg.Security
	if sec.MaxInputLength <= 0 {
		errs = append(errs, fmt.Errorf("security.maxInputLength must be positive"))
	} else if sec.MaxInputLength > 100000 {
		errs = append(errs, fmt.Errorf("security.maxInputLength %d exceeds the maximum of 100000", sec.MaxInputLength))
	}
	for i, cmd := range sec.AllowedCommands {
		if strings.TrimSpace(cmd) == "rm" {
			errs = append(errs, fmt.Errorf("security.allowedCommands[%d]: %q is never allowed", i, "rm"))
		}
	}
	if !sec.RedTeamOutput.IsValid() {
		errs = append(errs, fmt.Errorf("security.redTeamOutput %q is invalid; valid values: always, flagged", sec.RedTeamOutput))
	}
	if !sec.EnableSandbox && len(sec.AllowedCommands) > 0 {
		slog.Warn("command execution is configured without sandboxing",
			"commands", len(sec.AllowedCommands),
		)
	}

	// Streaming
	st := cfg.Streaming
	if st.ChunkSize < 1 || st.ChunkSize > 1000 {
		errs = append(errs, fmt.Errorf("streaming.chunkSize %d is out of range [1, 1000]", st.ChunkSize))
	}
	if st.BufferSize < 1 {
		errs = append(errs, fmt.Errorf("streaming.bufferSize must be positive"))
	}
	if st.Timeout < 1000 {
		errs = append(errs, fmt.Errorf("streaming.timeout %d is below the minimum of 1000", st.Timeout))
	}

	// MCP servers
	mcpNamesSeen := make(map[string]int, len(cfg.MCPServers))
	for i, srv := range cfg.MCPServers {
		prefix := fmt.Sprintf("mcpServers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := mcpNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcpServers[%d]", prefix, srv.Name, prev))
			} else {
				mcpNamesSeen[srv.Name] = i
			}
		}
		switch {
		case srv.Transport == "":
			errs = append(errs, fmt.Errorf("%s.transport is required", prefix))
		case !srv.Transport.IsValid():
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == toolhost.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == toolhost.TransportStreamableHTTP {
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
			} else if !validURL(srv.URL) {
				errs = append(errs, fmt.Errorf("%s.url %q is not a valid http(s) URL", prefix, srv.URL))
			}
		}
	}

	// Observability
	if cfg.Observe.LogLevel != "" && !cfg.Observe.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("observe.logLevel %q is invalid; valid values: debug, info, warn, error", cfg.Observe.LogLevel))
	}
	if cfg.Observe.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Observe.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("observe.listenAddr %q is not a valid host:port address", cfg.Observe.ListenAddr))
		}
	}

	return errors.Join(errs...)
}

// validURL reports whether raw parses as an absolute http or https URL.
func validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
