// Command triad runs the reasoning orchestrator: an Ollama-compatible chat
// server that routes every turn through the Thinking/Control/Output pipeline
// and a hub of MCP tool backends.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/triadhq/triad/pkg/config"
	"github.com/triadhq/triad/pkg/graph"
	"github.com/triadhq/triad/pkg/hub"
	"github.com/triadhq/triad/pkg/llm"
	"github.com/triadhq/triad/pkg/logger"
	"github.com/triadhq/triad/pkg/memory"
	"github.com/triadhq/triad/pkg/observability"
	"github.com/triadhq/triad/pkg/orchestrator"
	"github.com/triadhq/triad/pkg/reasoning"
	"github.com/triadhq/triad/pkg/server"
	"github.com/triadhq/triad/pkg/task"
)

func main() {
	reconcile := flag.Bool("reconcile", false, "run graph reconciliation and exit")
	reconcileApply := flag.Bool("apply", false, "apply reconciliation deletions (default dry-run)")
	flag.Parse()

	logger.InitFromEnv()

	if err := run(*reconcile, *reconcileApply); err != nil {
		slog.Error("Fatal", "error", err)
		os.Exit(1)
	}
}

// run builds the whole dependency graph explicitly. Nothing in the process
// reaches for global state; every component receives what it borrows.
func run(reconcile, reconcileApply bool) error {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	graphStore, err := graph.OpenStore(cfg.JarvisDBPath)
	if err != nil {
		return err
	}
	defer graphStore.Close()

	if reconcile {
		report, err := graphStore.Reconcile(ctx, !reconcileApply)
		if err != nil {
			return err
		}
		fmt.Printf("scanned=%d stale=%d deleted=%d dry_run=%v\n",
			report.Scanned, report.Stale, report.Deleted, report.DryRun)
		return nil
	}

	metrics := observability.NewMetrics()
	llmClient := llm.New(cfg.OllamaBase, llm.WithMetrics(metrics))

	taskMgr, err := task.Open(cfg.JarvisDBPath, task.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer taskMgr.Close()

	memStore, err := memory.Open(cfg.MemoryDBPath)
	if err != nil {
		return err
	}
	defer memStore.Close()

	workspaceRoot := cfg.WorkspaceRoot
	if workspaceRoot == "" {
		workspaceRoot, _ = os.Getwd()
	}

	h := hub.New(
		hub.WithMetrics(metrics),
		hub.WithGraphPublisher(graphStore),
		hub.WithCallTimeout(cfg.Timeouts.ToolCall),
	)
	if err := hub.RegisterBackends(h, cfg.Backends, cfg.Timeouts); err != nil {
		return err
	}
	h.AddFastLane(hub.BuiltinFastLaneTools(workspaceRoot, taskMgr, memStore)...)
	h.AddFastLane(memory.FastLaneTools(memStore)...)

	if err := h.Initialize(ctx); err != nil {
		// Individual backend failures are logged inside the hub; start with
		// whatever discovered successfully.
		slog.Warn("Hub initialized with failures", "error", err)
	}
	defer h.Close()
	slog.Info("Tool hub ready", "tools", len(h.ListTools()), "backends", h.ListMCPs())

	if cfg.ProtocolDir != "" {
		go func() {
			if err := hub.WatchProtocolDir(ctx, h, cfg.ProtocolDir); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("Protocol directory watch stopped", "error", err)
			}
		}()
	}

	go taskMgr.RunEmbeddingWorker(ctx, llmClient, cfg.EmbeddingModel, 30*time.Second)

	thinking := reasoning.NewThinking(llmClient, cfg.ThinkingModel, cfg.Timeouts.ThinkingModel, reasoning.DetectionRulesFull)
	control := reasoning.NewControl(llmClient, cfg.ControlModel, cfg.Timeouts.ControlModel, h, true)
	output := reasoning.NewOutput(llmClient, cfg.OutputModel, cfg.Timeouts.OutputModel, "", cfg.MaxOutputChars)
	loop := reasoning.NewLoopEngine(llmClient, cfg.OutputModel, cfg.Timeouts.OutputModel, h, metrics, cfg.MaxLoopIterations)

	orch := orchestrator.New(thinking, control, output, loop, h, taskMgr, metrics, cfg)
	srv := server.New(orch, llmClient, metrics)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Listening", "addr", cfg.ListenAddr,
			"thinking_model", cfg.ThinkingModel,
			"control_model", cfg.ControlModel,
			"output_model", cfg.OutputModel)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
