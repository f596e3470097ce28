// Package toolhost bridges the runtime to external MCP tool executors.
//
// Backends advertise the registered tools and may answer with tool calls.
// The core treats every tool opaquely: a name and a JSON argument string
// go out, a text result comes back and is fed into the conversation as a
// synthetic "tool" message. Servers connect over stdio (spawned
// subprocess) or streamable HTTP using the official MCP Go SDK, and
// in-process Go tools can be registered alongside external ones on the
// same execution surface.
//
// Every execution runs under the request context with an additional
// per-call cap (30 s by default), whichever ends first.
package toolhost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/synod-ai/synod/pkg/types"
)

// DefaultCallTimeout caps a single tool execution. The request context
// still applies; whichever deadline ends first wins.
const DefaultCallTimeout = 30 * time.Second

// builtinServer is the pseudo server name for in-process tools.
const builtinServer = "builtin"

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and speaks MCP over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP speaks the MCP streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name identifies the server in logs and errors. Unique per host.
	Name string

	// Transport selects stdio or streamable-http.
	Transport Transport

	// Command is the executable plus arguments for stdio servers,
	// split on whitespace. Ignored for streamable-http.
	Command string

	// URL is the endpoint for streamable-http servers. Ignored for stdio.
	URL string

	// Env holds extra environment variables for stdio server processes,
	// added on top of the parent environment. May be nil.
	Env map[string]string
}

// Result is the outcome of one tool execution.
type Result struct {
	// Content is the tool's textual output, ready to feed back to the
	// model. When IsError is true it carries the error message.
	Content string

	// IsError marks an application-level failure reported by the tool, as
	// opposed to a transport failure returned as a Go error.
	IsError bool

	// Duration is the wall-clock execution time.
	Duration time.Duration
}

// ToolStats is a point-in-time usage snapshot for one tool.
type ToolStats struct {
	// Server is the owning server name, or "builtin".
	Server string

	// Calls counts executions since registration.
	Calls int

	// Errors counts executions that failed or reported IsError.
	Errors int
}

// BuiltinTool is a tool implemented as an in-process Go function. Builtin
// tools bypass the MCP protocol entirely but share the execution surface,
// the per-call cap, and the usage counters with external tools.
type BuiltinTool struct {
	// Definition is the descriptor advertised to backends.
	Definition types.ToolDefinition

	// Handler runs the tool. args is a JSON object string ("{}" for
	// parameter-less tools). A non-nil error becomes an error result.
	Handler func(ctx context.Context, args string) (string, error)
}

type toolEntry struct {
	def     types.ToolDefinition
	server  string
	handler func(ctx context.Context, args string) (string, error)
	calls   int
	errors  int
}

// Host owns the MCP server connections and the merged tool registry.
// Safe for concurrent use.
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry
	servers map[string]*mcpsdk.ClientSession

	// client is shared across server connections; the SDK supports
	// multiple sessions per client.
	client *mcpsdk.Client

	callTimeout time.Duration
	log         *slog.Logger
}

// Option customises host construction.
type Option func(*Host)

// WithLogger sets the host's logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Host) { h.log = log }
}

// WithCallTimeout overrides the per-call execution cap.
func WithCallTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.callTimeout = d
		}
	}
}

// New returns a ready host with no servers registered.
func New(opts ...Option) *Host {
	h := &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]*mcpsdk.ClientSession),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "synod", Version: "1.0.0"},
			nil,
		),
		callTimeout: DefaultCallTimeout,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// RegisterServer connects to the configured MCP server and imports its
// tool catalogue. Re-registering a name closes the old connection and
// replaces its tools.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("toolhost: server config needs a name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("toolhost: server %q: unknown transport %q", cfg.Name, cfg.Transport)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("toolhost: stdio server %q needs a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("toolhost: streamable-http server %q needs a URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("toolhost: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("toolhost: list tools of server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.Close()
		for name, t := range h.tools {
			if t.server == cfg.Name {
				delete(h.tools, name)
			}
		}
	}
	h.servers[cfg.Name] = session

	for _, tool := range discovered {
		h.tools[tool.Name] = toolEntry{
			def: types.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaToMap(tool.InputSchema),
			},
			server: cfg.Name,
		}
	}

	h.log.Info("toolhost: server registered",
		"server", cfg.Name,
		"transport", string(cfg.Transport),
		"tools", len(discovered))
	return nil
}

// RegisterBuiltin registers an in-process tool, replacing any tool with
// the same name.
func (h *Host) RegisterBuiltin(tool BuiltinTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("toolhost: builtin tool needs a name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("toolhost: builtin tool %q needs a handler", tool.Definition.Name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[tool.Definition.Name] = toolEntry{
		def:     tool.Definition,
		server:  builtinServer,
		handler: tool.Handler,
	}
	return nil
}

// Tools returns every registered tool definition sorted by name, ready to
// hand to a backend's Options.Tools.
func (h *Host) Tools() []types.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]types.ToolDefinition, 0, len(h.tools))
	for _, e := range h.tools {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs the named tool with JSON-encoded args under the per-call
// cap. A non-nil *Result comes back even when the tool reported an
// application-level error; a Go error means the tool is unknown or the
// transport failed.
func (h *Host) Execute(ctx context.Context, name, args string) (*Result, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("toolhost: tool %q not found", name)
	}

	ctx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()

	start := time.Now()
	var (
		res *Result
		err error
	)
	if entry.handler != nil {
		res, err = runBuiltin(ctx, entry.handler, args)
	} else {
		res, err = h.callServer(ctx, entry, args)
	}
	elapsed := time.Since(start)

	h.record(name, err != nil || (res != nil && res.IsError))

	if err != nil {
		return nil, err
	}
	res.Duration = elapsed
	h.log.Debug("toolhost: tool executed",
		"tool", name,
		"server", entry.server,
		"isError", res.IsError,
		"duration", elapsed)
	return res, nil
}

// ExecuteAll runs a backend's tool calls in order and converts each
// outcome into the synthetic message fed back to the conversation.
// Execution failures become error results the model can react to instead
// of aborting the loop; only a dead request context stops it early.
func (h *Host) ExecuteAll(ctx context.Context, calls []types.ToolCall) ([]types.Message, error) {
	msgs := make([]types.Message, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return msgs, err
		}
		res, err := h.Execute(ctx, call.Name, call.Arguments)
		if err != nil {
			res = &Result{Content: "tool error: " + err.Error(), IsError: true}
		}
		msgs = append(msgs, ResultMessage(call, res))
	}
	return msgs, nil
}

// ResultMessage wraps a tool result as the synthetic "tool" message
// answering the given call.
func ResultMessage(call types.ToolCall, res *Result) types.Message {
	return types.Message{
		Role:       "tool",
		Content:    res.Content,
		Name:       call.Name,
		ToolCallID: call.ID,
	}
}

// Stats returns per-tool usage counters keyed by tool name.
func (h *Host) Stats() map[string]ToolStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]ToolStats, len(h.tools))
	for name, e := range h.tools {
		out[name] = ToolStats{Server: e.server, Calls: e.calls, Errors: e.errors}
	}
	return out
}

// Close shuts down every server connection and clears the registry. The
// host must not be used after Close.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, session := range h.servers {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("toolhost: close server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]toolEntry)
	return firstErr
}

func runBuiltin(ctx context.Context, handler func(context.Context, string) (string, error), args string) (*Result, error) {
	output, err := handler(ctx, args)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: output}, nil
}

// callServer routes the execution to the owning server session.
func (h *Host) callServer(ctx context.Context, entry toolEntry, args string) (*Result, error) {
	h.mu.RLock()
	session, ok := h.servers[entry.server]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("toolhost: server %q gone for tool %q", entry.server, entry.def.Name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return nil, fmt.Errorf("toolhost: tool %q: invalid args JSON: %w", entry.def.Name, err)
		}
	}

	callResult, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      entry.def.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return nil, fmt.Errorf("toolhost: tool %q: %w", entry.def.Name, err)
	}

	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &Result{Content: sb.String(), IsError: callResult.IsError}, nil
}

func (h *Host) record(name string, failed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.tools[name]
	if !ok {
		return
	}
	entry.calls++
	if failed {
		entry.errors++
	}
	h.tools[name] = entry
}

// schemaToMap normalises any SDK schema value to a JSON-shaped map.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits "path --flag value" into executable and arguments.
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
