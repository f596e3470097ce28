// Command synod is the main entry point for the Synod coordination runtime.
//
// It reads a prompt from its arguments or stdin, coordinates the configured
// model backends through the voice council, and prints the audited answer.
// The -status and -recommend modes report backend health and the voice plan
// without invoking any model.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/synod-ai/synod/internal/app"
	"github.com/synod-ai/synod/internal/config"
	"github.com/synod-ai/synod/internal/council"
	"github.com/synod-ai/synod/internal/fault"
	"github.com/synod-ai/synod/internal/observe"
	"github.com/synod-ai/synod/internal/orchestrator"
	"github.com/synod-ai/synod/internal/voice"
	"github.com/synod-ai/synod/pkg/provider/llm"
	"github.com/synod-ai/synod/pkg/types"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// Exit codes are part of the CLI contract; scripts branch on them.
const (
	exitOK        = 0
	exitRuntime   = 1
	exitConfig    = 2
	exitRefused   = 3
	exitCancelled = 4
	exitNoBackend = 5
)

// shutdownTimeout bounds the graceful teardown after the request finishes.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	taskFlag := flag.String("task", string(types.TaskCodeGeneration), "task type of the prompt")
	voicesFlag := flag.String("voices", "auto", "voice participation: auto, single, or multi")
	timeFlag := flag.String("time", "", "time bias: fast or thorough")
	streamFlag := flag.Bool("stream", false, "print draft output as it is generated")
	jsonFlag := flag.Bool("json", false, "print the full response as JSON")
	statusFlag := flag.Bool("status", false, "report backend health and exit")
	recommendFlag := flag.Bool("recommend", false, "print the voice plan for the prompt without running it")
	sessionDir := flag.String("session-dir", "", "directory for session snapshots; empty disables persistence")
	flag.Parse()

	task := types.TaskType(*taskFlag)
	if !task.IsValid() {
		fmt.Fprintf(os.Stderr, "synod: unknown task type %q\n", *taskFlag)
		return exitConfig
	}
	switch *voicesFlag {
	case "auto", "single", "multi":
	default:
		fmt.Fprintf(os.Stderr, "synod: -voices must be auto, single, or multi\n")
		return exitConfig
	}
	switch *timeFlag {
	case "", "fast", "thorough":
	default:
		fmt.Fprintf(os.Stderr, "synod: -time must be fast or thorough\n")
		return exitConfig
	}
	if *streamFlag && *jsonFlag {
		fmt.Fprintf(os.Stderr, "synod: -stream and -json cannot be combined\n")
		return exitConfig
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "synod: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "synod: %v\n", err)
		}
		return exitConfig
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	lvl := new(slog.LevelVar)
	lvl.Set(cfg.Observe.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "synod",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Warn("telemetry init failed", "err", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelShutdown(ctx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}()
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Prompt ────────────────────────────────────────────────────────────────
	prompt, err := readPrompt(*statusFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "synod: %v\n", err)
		return exitConfig
	}

	// ── Runtime ───────────────────────────────────────────────────────────────
	rt, err := app.New(ctx, cfg,
		app.WithLogger(logger),
		app.WithLogLevelVar(lvl),
		app.WithSessionDir(*sessionDir),
		app.WithConfigPath(*configPath),
	)
	if err != nil {
		slog.Error("failed to initialise runtime", "err", err)
		return exitConfig
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	if err := rt.Start(ctx); err != nil {
		slog.Error("failed to start runtime", "err", err)
		return exitRuntime
	}

	slog.Info("synod ready",
		"version", version,
		"session", rt.SessionID(),
		"mode", cfg.ExecutionMode,
		"providers", len(cfg.Providers),
	)

	switch {
	case *statusFlag:
		return printStatus(ctx, rt, cfg, *jsonFlag)
	case *recommendFlag:
		return printPlan(rt.Recommend(prompt, task), *jsonFlag)
	}

	// ── Coordinate ────────────────────────────────────────────────────────────
	req, err := rt.NewRequest(prompt, task, types.WithConstraints(types.Constraints{
		VoicePreference: *voicesFlag,
		TimeConstraint:  *timeFlag,
	}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "synod: %v\n", err)
		return exitRuntime
	}

	var (
		resp     *types.CoordinatedResponse
		coordErr error
	)
	if *streamFlag {
		resp, coordErr = streamRequest(ctx, rt, req)
	} else {
		resp, coordErr = rt.Coordinate(ctx, req)
	}

	if resp != nil {
		printResponse(resp, *jsonFlag, *streamFlag)
	}
	if coordErr != nil {
		slog.Error("request failed", "requestId", req.ID, "err", coordErr)
	}
	return exitCode(coordErr)
}

// readPrompt takes the prompt from the remaining arguments, falling back to
// stdin when input is piped in. Status mode needs no prompt.
func readPrompt(statusMode bool) (string, error) {
	if args := flag.Args(); len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if statusMode {
		return "", nil
	}
	if stat, err := os.Stdin.Stat(); err == nil && stat.Mode()&os.ModeCharDevice == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		if p := strings.TrimSpace(string(data)); p != "" {
			return p, nil
		}
	}
	return "", errors.New("no prompt given; pass it as arguments or on stdin")
}

// streamRequest prints draft chunks as they arrive and returns the terminal
// response. When refinement or output screening rewrote the draft, the
// final content is printed after the stream so the user always ends up with
// the answer that was actually approved.
func streamRequest(ctx context.Context, rt *app.Runtime, req types.Request) (*types.CoordinatedResponse, error) {
	var streamed strings.Builder
	for ev := range rt.CoordinateStream(ctx, req) {
		switch ev.Kind {
		case council.KindChunk:
			streamed.WriteString(ev.Text)
			fmt.Print(ev.Text)
		case council.KindAudit:
			if ev.Step != nil {
				slog.Debug("audit step",
					"phase", ev.Step.Phase,
					"event", ev.Step.Event,
					"detail", ev.Step.Detail,
				)
			}
		case council.KindComplete:
			if streamed.Len() > 0 {
				fmt.Println()
			}
			if ev.Response != nil && ev.Response.Content != "" && ev.Response.Content != streamed.String() {
				fmt.Println(ev.Response.Content)
			}
			return ev.Response, ev.Err
		}
	}
	return nil, errors.New("stream closed without a terminal event")
}

// printResponse writes the answer to stdout and any warnings to stderr.
// Streamed content was already printed chunk by chunk.
func printResponse(resp *types.CoordinatedResponse, asJSON, streamed bool) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			slog.Error("encode response", "err", err)
		}
		return
	}
	if !streamed && resp.Content != "" {
		fmt.Println(resp.Content)
	}
	for _, w := range resp.Warnings {
		fmt.Fprintf(os.Stderr, "synod: warning: %s\n", w)
	}
	slog.Debug("request served",
		"voices", strings.Join(resp.VoicesUsed, ","),
		"model", resp.ModelUsed,
		"confidence", resp.Confidence,
		"elapsed", resp.ResponseTime,
		"tokens", resp.TokensUsed,
	)
}

// printStatus reports every pooled backend with health, load, and recent
// success rate.
func printStatus(ctx context.Context, rt *app.Runtime, cfg *config.Config, asJSON bool) int {
	statuses, err := rt.Status(ctx)

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(statuses); encErr != nil {
			slog.Error("encode status", "err", encErr)
			return exitRuntime
		}
	} else {
		printStartupSummary(cfg)
		fmt.Printf("%-20s %-9s %-9s %-5s %s\n", "BACKEND", "TIER", "HEALTHY", "LOAD", "SUCCESS")
		for _, s := range statuses {
			healthy := "yes"
			if !s.Healthy {
				healthy = "no"
			}
			rate := "n/a"
			if s.SuccessRate > 0 {
				rate = fmt.Sprintf("%.0f%%", s.SuccessRate*100)
			}
			fmt.Printf("%-20s %-9s %-9s %-5d %s\n", s.Name, s.Tier, healthy, s.Load, rate)
		}
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "synod: %v\n", err)
		if errors.Is(err, orchestrator.ErrNoBackend) {
			return exitNoBackend
		}
		return exitRuntime
	}
	return exitOK
}

// printPlan reports the selector's decision for the prompt.
func printPlan(plan voice.Plan, asJSON bool) int {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(plan); err != nil {
			slog.Error("encode plan", "err", err)
			return exitRuntime
		}
		return exitOK
	}

	mode := "single voice"
	if plan.Multi {
		mode = "council"
	}
	fmt.Printf("Plan: %s\n", mode)
	for i, v := range plan.Voices {
		fmt.Printf("  %d. %s\n", i+1, v)
	}
	fmt.Printf("Expected gain : %.2f\n", plan.Gain)
	fmt.Printf("Token cost    : %.0f\n", plan.TokenCost)
	fmt.Printf("Time cost     : %s\n", plan.TimeCost)
	fmt.Printf("Break-even    : %.2f\n", plan.BreakEven)
	fmt.Printf("Reasoning     : %s\n", plan.Reasoning)
	return exitOK
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Synod startup summary         ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for _, p := range cfg.Providers {
		printProvider(p)
	}
	fmt.Printf("║  Execution mode  : %-19s ║\n", cfg.ExecutionMode)
	fmt.Printf("║  Fallback chain  : %-19s ║\n", tierList(cfg.FallbackChain))
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCPServers))
	if cfg.Observe.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Observe.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(p config.ProviderConfig) {
	value := fmt.Sprintf("%s / %s", p.BackendName(), p.EffectiveTier())
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", p.Type, value)
}

func tierList(tiers []llm.Tier) string {
	parts := make([]string, len(tiers))
	for i, t := range tiers {
		parts[i] = string(t)
	}
	return strings.Join(parts, " > ")
}

// exitCode maps a coordination error onto the exit-code contract.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitCancelled
	case errors.Is(err, orchestrator.ErrNoBackend):
		return exitNoBackend
	case fault.KindOf(err) == fault.KindSecurity:
		return exitRefused
	}
	return exitRuntime
}
