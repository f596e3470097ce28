// Package app wires all Synod subsystems into a running process.
//
// The Runtime owns the full lifecycle: New creates and connects the
// subsystems, Start launches the background loops (debug listener, memory
// snapshots, config watching), and Shutdown tears everything down in
// order.
//
// For testing, inject mock implementations via functional options
// (WithBackends, WithMemoryStore, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synod-ai/synod/internal/config"
	"github.com/synod-ai/synod/internal/council"
	"github.com/synod-ai/synod/internal/health"
	"github.com/synod-ai/synod/internal/memory"
	"github.com/synod-ai/synod/internal/observe"
	"github.com/synod-ai/synod/internal/orchestrator"
	"github.com/synod-ai/synod/internal/perf"
	"github.com/synod-ai/synod/internal/redteam"
	"github.com/synod-ai/synod/internal/route"
	"github.com/synod-ai/synod/internal/toolhost"
	"github.com/synod-ai/synod/internal/voice"
	"github.com/synod-ai/synod/pkg/provider/llm"
	"github.com/synod-ai/synod/pkg/types"
)

// snapshotTick is how often the snapshot loop offers the memory store to
// the persister. The persister enforces its own minimum interval between
// writes; the tick only bounds staleness after the last interaction.
const snapshotTick = time.Minute

// readHeaderTimeout bounds header reads on the debug listener.
const readHeaderTimeout = 5 * time.Second

// Runtime owns all subsystem lifetimes and serves coordination requests.
type Runtime struct {
	log      *slog.Logger
	logLevel *slog.LevelVar

	sessionID  string
	sessionDir string
	configPath string

	backends []llm.Backend
	hc       *health.Cache
	perf     *perf.Store
	loads    *perf.LoadTracker
	voices   *voice.Registry
	selector *voice.Selector
	mem      *memory.Store
	persist  *memory.Persister
	tools    *toolhost.Host
	pool     *orchestrator.Pool
	met      *observe.Metrics

	// mu guards cfg and orch, which are swapped on config reload.
	mu   sync.RWMutex
	cfg  *config.Config
	orch *orchestrator.Orchestrator

	watcher *config.Watcher
	debug   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*Runtime)

// WithLogger sets the runtime logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.log = l
		}
	}
}

// WithLogLevelVar hands the runtime the level variable behind the process
// logger, so config reloads can change verbosity live.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(r *Runtime) { r.logLevel = v }
}

// WithBackends injects backends instead of building them from the provider
// entries in the config.
func WithBackends(backends ...llm.Backend) Option {
	return func(r *Runtime) { r.backends = backends }
}

// WithMemoryStore injects a memory store instead of creating or resuming one.
func WithMemoryStore(s *memory.Store) Option {
	return func(r *Runtime) { r.mem = s }
}

// WithToolHost injects a tool host instead of creating one from config.
func WithToolHost(h *toolhost.Host) Option {
	return func(r *Runtime) { r.tools = h }
}

// WithSessionDir enables snapshot persistence under dir. When dir holds a
// previous session's snapshot, the runtime resumes it.
func WithSessionDir(dir string) Option {
	return func(r *Runtime) { r.sessionDir = dir }
}

// WithConfigPath enables the config file watcher on Start.
func WithConfigPath(path string) Option {
	return func(r *Runtime) { r.configPath = path }
}

// WithMetrics overrides the metrics instance. Defaults to
// observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Runtime) {
		if m != nil {
			r.met = m
		}
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates a Runtime by wiring all subsystems together. Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: backend construction,
// memory store resume, MCP server registration, and orchestrator assembly.
// Background loops do not run until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.met == nil {
		r.met = observe.DefaultMetrics()
	}

	// ── 1. Backends ──────────────────────────────────────────────────────
	if err := r.initBackends(); err != nil {
		return nil, fmt.Errorf("app: init backends: %w", err)
	}

	// ── 2. Health + performance tracking ─────────────────────────────────
	r.hc = health.NewCache()
	r.perf = perf.NewStore()
	r.loads = perf.NewLoadTracker()

	// ── 3. Voices ────────────────────────────────────────────────────────
	r.voices = voice.NewRegistry()
	r.selector = voice.NewSelector(r.voices)

	// ── 4. Memory ────────────────────────────────────────────────────────
	if err := r.initMemory(); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 5. Tool host ─────────────────────────────────────────────────────
	if err := r.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 6. Pool + orchestrator ───────────────────────────────────────────
	r.pool = orchestrator.NewPool(r.hc, r.loads, r.backends...)
	r.orch = r.buildOrchestrator(cfg)

	// ── 7. Debug listener ────────────────────────────────────────────────
	r.initDebugServer()

	return r, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initBackends builds one backend per provider entry unless backends were
// injected.
func (r *Runtime) initBackends() error {
	if r.backends != nil {
		return nil
	}
	backends, err := config.DefaultRegistry().Build(r.cfg)
	if err != nil {
		return err
	}
	r.backends = backends
	for _, b := range backends {
		r.log.Info("backend registered", "name", b.Name(), "tier", b.Tier(), "maxConcurrent", b.MaxConcurrent())
	}
	return nil
}

// initMemory creates the collaboration memory store, resuming the latest
// snapshot when the session directory holds one. A snapshot that cannot be
// read or decoded degrades to a fresh session instead of failing startup.
func (r *Runtime) initMemory() error {
	if r.mem == nil {
		r.mem = r.openStore()
	}
	r.sessionID = r.mem.SessionID()

	if r.sessionDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.sessionDir, 0o755); err != nil {
		return fmt.Errorf("create session dir %q: %w", r.sessionDir, err)
	}
	r.persist = memory.NewPersister(r.mem, r.sessionDir, memory.WithLogger(r.log))
	r.closers = append(r.closers, r.persist.Flush)
	return nil
}

// openStore resumes the latest persisted session or starts a new one.
func (r *Runtime) openStore() *memory.Store {
	if r.sessionDir != "" {
		snap, err := memory.LoadLatest(r.sessionDir)
		switch {
		case err == nil:
			store, serr := memory.NewStoreFromSnapshot(snap)
			if serr == nil {
				r.log.Info("resumed session", "sessionId", snap.SessionID, "items", len(snap.Items))
				return store
			}
			r.log.Warn("snapshot rejected, starting fresh session", "err", serr)
		case errors.Is(err, os.ErrNotExist):
			// First run in this directory.
		default:
			r.log.Warn("snapshot unreadable, starting fresh session", "err", err)
		}
	}
	return memory.NewStore(newSessionID())
}

// initTools connects the configured MCP servers. No servers means no tool
// host: voices then run without tool access.
func (r *Runtime) initTools(ctx context.Context) error {
	if r.tools == nil {
		if len(r.cfg.MCPServers) == 0 {
			return nil
		}
		r.tools = toolhost.New(toolhost.WithLogger(r.log))
		r.closers = append(r.closers, r.tools.Close)
	}

	for _, srv := range r.cfg.MCPServers {
		if err := r.tools.RegisterServer(ctx, srv.ServerConfig()); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
	}
	return nil
}

// buildRouter constructs a router for cfg with tier capacities summed from
// the pooled backends.
func (r *Runtime) buildRouter(cfg *config.Config) *route.Router {
	opts := []route.Option{
		route.WithLogger(r.log),
		route.WithExecutionMode(routerMode(cfg.ExecutionMode)),
	}
	caps := map[llm.Tier]int{}
	for _, b := range r.backends {
		n := b.MaxConcurrent()
		if n < 1 {
			n = 1
		}
		caps[b.Tier()] += n
	}
	for tier, n := range caps {
		opts = append(opts, route.WithTierCapacity(tier, n))
	}
	return route.NewRouter(r.perf, r.loads, opts...)
}

// buildOrchestrator assembles an orchestrator for cfg over the long-lived
// collaborators. Config reloads call it again; routing history, memory,
// health, and load state all survive the swap.
func (r *Runtime) buildOrchestrator(cfg *config.Config) *orchestrator.Orchestrator {
	opts := []orchestrator.Option{
		orchestrator.WithLogger(r.log),
		orchestrator.WithMetrics(r.met),
		orchestrator.WithValidator(redteam.NewValidator(redteam.WithLogger(r.log))),
		orchestrator.WithMemory(r.mem),
		orchestrator.WithPerfStore(r.perf),
		orchestrator.WithMode(string(cfg.ExecutionMode)),
		orchestrator.WithTimeout(cfg.PerformanceThresholds.Timeout()),
		orchestrator.WithMaxConcurrent(cfg.PerformanceThresholds.MaxConcurrentRequests),
		orchestrator.WithFastModeMaxTokens(cfg.PerformanceThresholds.FastModeMaxTokens),
		orchestrator.WithFallbackChain(cfg.FallbackChain),
		orchestrator.WithOutputScreening(cfg.Security.RedTeamOutput == config.RedTeamAlways),
		orchestrator.WithStreaming(orchestrator.StreamConfig{
			ChunkSize:    cfg.Streaming.ChunkSize,
			BufferSize:   cfg.Streaming.BufferSize,
			Backpressure: cfg.Streaming.EnableBackpressure,
			Timeout:      time.Duration(cfg.Streaming.Timeout) * time.Millisecond,
		}),
	}
	if r.tools != nil {
		opts = append(opts, orchestrator.WithTools(r.tools))
	}
	return orchestrator.New(r.buildRouter(cfg), r.voices, r.pool, opts...)
}

// initDebugServer prepares the debug listener when one is configured. The
// listener serves /metrics, /healthz, and /readyz and starts in Start.
func (r *Runtime) initDebugServer() {
	addr := r.cfg.Observe.ListenAddr
	if addr == "" {
		return
	}

	var checkers []health.Checker
	if r.sessionDir != "" {
		dir := r.sessionDir
		checkers = append(checkers, health.Checker{
			Name:  "session-dir",
			Check: func(context.Context) error { return os.MkdirAll(dir, 0o755) },
		})
	}

	mux := http.NewServeMux()
	health.NewHandler(r.hc, checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	r.debug = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(r.met)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// ─── Start ───────────────────────────────────────────────────────────────────

// Start launches the background loops: the debug listener, the snapshot
// loop, and the config watcher. It returns immediately; the loops stop
// when ctx is cancelled or Shutdown runs.
func (r *Runtime) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	r.bgCancel = cancel

	if r.configPath != "" {
		w, err := config.NewWatcher(r.configPath, r.applyConfig)
		if err != nil {
			cancel()
			return fmt.Errorf("app: watch config: %w", err)
		}
		r.watcher = w
	}

	if r.debug != nil {
		r.bgWG.Add(1)
		go func() {
			defer r.bgWG.Done()
			r.log.Info("debug listener up", "addr", r.debug.Addr)
			if err := r.debug.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.log.Error("debug listener failed", "err", err)
			}
		}()
	}

	if r.persist != nil {
		r.bgWG.Add(1)
		go func() {
			defer r.bgWG.Done()
			r.snapshotLoop(bgCtx)
		}()
	}

	return nil
}

// snapshotLoop periodically offers the store to the persister until ctx is
// done. The final state is captured by the Flush closer during Shutdown.
func (r *Runtime) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.persist.MaybeWrite(); err != nil {
				r.log.Warn("snapshot write failed", "err", err)
			}
		}
	}
}

// applyConfig is the watcher callback. Hot-reloadable changes swap in a new
// orchestrator over the existing stores; structural changes are logged and
// wait for a restart.
func (r *Runtime) applyConfig(old, new *config.Config) {
	d := config.Compare(old, new)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && r.logLevel != nil {
		r.logLevel.Set(d.NewLogLevel.Level())
		r.log.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.ExecutionModeChanged || d.ThresholdsChanged || d.SecurityChanged {
		r.mu.Lock()
		r.cfg = new
		r.orch = r.buildOrchestrator(new)
		r.mu.Unlock()
		r.log.Info("config reloaded",
			"executionMode", new.ExecutionMode,
			"timeoutMs", new.PerformanceThresholds.TimeoutMs,
			"maxConcurrent", new.PerformanceThresholds.MaxConcurrentRequests)
	}

	if d.RestartRequired {
		r.log.Warn("config changes to providers, streaming, MCP servers, or the listener need a restart")
	}
}

// ─── Request surface ─────────────────────────────────────────────────────────

// NewRequest builds a validated request, additionally enforcing the
// configured input length limit.
func (r *Runtime) NewRequest(content string, taskType types.TaskType, opts ...types.RequestOption) (types.Request, error) {
	r.mu.RLock()
	limit := r.cfg.Security.MaxInputLength
	r.mu.RUnlock()

	if limit > 0 && utf8.RuneCountInString(content) > limit {
		return types.Request{}, fmt.Errorf("app: prompt exceeds the configured limit of %d characters: %w", limit, types.ErrContentTooLong)
	}
	return types.NewRequest(content, taskType, opts...)
}

// Coordinate serves one request through the current orchestrator.
func (r *Runtime) Coordinate(ctx context.Context, req types.Request) (*types.CoordinatedResponse, error) {
	return r.orchestrator().Coordinate(ctx, req)
}

// CoordinateStream serves one request, yielding progress events.
func (r *Runtime) CoordinateStream(ctx context.Context, req types.Request) <-chan council.Event {
	return r.orchestrator().CoordinateStream(ctx, req)
}

// Recommend reports the voice plan the selector would pick for the given
// content, without running anything.
func (r *Runtime) Recommend(content string, taskType types.TaskType) voice.Plan {
	return r.selector.Recommend(content, taskType)
}

// Status reports every pooled backend with health, load, and success rate.
func (r *Runtime) Status(ctx context.Context) ([]orchestrator.BackendStatus, error) {
	return r.orchestrator().Status(ctx)
}

// Stats reports usage totals accumulated since the last config reload.
func (r *Runtime) Stats() orchestrator.UsageStats {
	return r.orchestrator().Stats()
}

// VoiceStats reports per-voice performance aggregates.
func (r *Runtime) VoiceStats() []voice.VoiceStats {
	return r.voices.Stats()
}

// SessionID returns the collaboration memory session this runtime serves.
func (r *Runtime) SessionID() string {
	return r.sessionID
}

func (r *Runtime) orchestrator() *orchestrator.Orchestrator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.orch
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the background loops and tears down all subsystems in
// order. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var shutdownErr error
	r.stopOnce.Do(func() {
		r.log.Info("shutting down", "closers", len(r.closers))

		if r.watcher != nil {
			r.watcher.Stop()
		}
		if r.bgCancel != nil {
			r.bgCancel()
		}
		if r.debug != nil {
			if err := r.debug.Shutdown(ctx); err != nil {
				r.log.Warn("debug listener shutdown error", "err", err)
			}
		}
		r.bgWG.Wait()

		for i, closer := range r.closers {
			select {
			case <-ctx.Done():
				r.log.Warn("shutdown deadline exceeded", "remaining", len(r.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				r.log.Warn("closer error", "index", i, "err", err)
			}
		}

		r.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// routerMode maps the config execution mode onto the router's forced-mode
// vocabulary. Auto keeps dynamic routing.
func routerMode(m config.ExecutionMode) string {
	switch m {
	case config.ModeFast:
		return "speed"
	case config.ModeQuality:
		return "quality"
	}
	return "auto"
}

// newSessionID names a fresh session after its start time, with a short
// random suffix so sessions started in the same second stay distinct.
func newSessionID() string {
	return fmt.Sprintf("session-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.NewString()[:8])
}
