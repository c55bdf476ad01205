// Package main is the Sibyl control plane. It hosts the entity store and
// the orchestration services, runs the agent health loop and the sandbox
// reconcile/reap loops, and enqueues work for the job runtime. Execution
// streams themselves run in sibyl-worker processes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sibyldev/sibyl/internal/agent/proc"
	"github.com/sibyldev/sibyl/internal/agent/registry"
	"github.com/sibyldev/sibyl/internal/agent/runner"
	"github.com/sibyldev/sibyl/internal/agent/state"
	"github.com/sibyldev/sibyl/internal/approval"
	"github.com/sibyldev/sibyl/internal/common/config"
	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/common/tracing"
	"github.com/sibyldev/sibyl/internal/db"
	"github.com/sibyldev/sibyl/internal/entity"
	"github.com/sibyldev/sibyl/internal/entity/graph"
	"github.com/sibyldev/sibyl/internal/events/bus"
	"github.com/sibyldev/sibyl/internal/jobs"
	"github.com/sibyldev/sibyl/internal/kv"
	"github.com/sibyldev/sibyl/internal/locks"
	"github.com/sibyldev/sibyl/internal/llm"
	"github.com/sibyldev/sibyl/internal/messaging"
	"github.com/sibyldev/sibyl/internal/orchestrator/gates"
	"github.com/sibyldev/sibyl/internal/orchestrator/meta"
	"github.com/sibyldev/sibyl/internal/orchestrator/taskorch"
	"github.com/sibyldev/sibyl/internal/sandbox"
	"github.com/sibyldev/sibyl/internal/sandbox/pod"
	"github.com/sibyldev/sibyl/internal/worktree"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Sibyl control plane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (NATS when configured, in-memory otherwise)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 4. K/V store (Redis when configured, in-memory otherwise)
	kvStore, kvClose, err := kv.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize K/V store", zap.Error(err))
	}
	defer kvClose()

	// 5. Operational SQL store and graph store
	pool, err := db.Open(cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	graphStore, err := graph.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize graph store", zap.Error(err))
	}

	// 6. Entity store, with async creation flowing through the job queue
	lockMgr := locks.NewManager(kvStore)
	jobQueue := jobs.NewQueue(cfg.Jobs.Queue, kvStore, log)
	entities := entity.NewStore(graphStore, lockMgr, kvStore, eventBus, log).WithEnqueuer(jobQueue)

	// 7. Agent-adjacent state stores
	stateStore, err := state.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize agent state store", zap.Error(err))
	}

	approvals := approval.NewQueue(entities, kvStore, eventBus, log)

	messageStore, err := messaging.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize message store", zap.Error(err))
	}
	messages := messaging.NewService(messageStore, eventBus, log)

	// 8. Worktree manager (disabled without a configured repository)
	var worktrees *worktree.Manager
	if cfg.Worktree.RepoPath != "" {
		worktrees, err = worktree.NewManager(cfg.Worktree, entities, log)
		if err != nil {
			log.Fatal("Failed to initialize worktree manager", zap.Error(err))
		}
		log.Info("Worktree manager initialized", zap.String("repo", cfg.Worktree.RepoPath))
	} else {
		log.Info("Worktree manager disabled (no repository configured)")
	}

	// 9. Agent runner
	userHooks, err := proc.LoadHooksFile(cfg.Agent.HooksPath)
	if err != nil {
		log.Warn("Hooks file not loaded", zap.Error(err))
	}
	llmClient := llm.New(cfg.LLM, log)
	agents := runner.New(cfg.Agent, runner.Deps{
		Entities:  entities,
		State:     stateStore,
		Registry:  registry.Provide(log),
		Approvals: approvals,
		Worktrees: worktrees,
		LLM:       llmClient,
		KV:        kvStore,
		Locks:     lockMgr,
		Bus:       eventBus,
		Launcher:  proc.NewExecLauncher(log),
		UserHooks: userHooks,
	}, log)

	// 10. Orchestration services
	orchestrators := taskorch.NewService(cfg.Orchestrator, taskorch.Deps{
		Entities:        entities,
		Agents:          agents,
		Gates:           gates.NewRunner(cfg.Orchestrator, log),
		Approvals:       approvals,
		Messages:        messages,
		Bus:             eventBus,
		Jobs:            jobQueue,
		CreateWorktrees: worktrees != nil,
	}, log)
	// The meta service registers itself as the task orchestrator
	// completion sink, so loop completions feed back into scheduling.
	meta.NewService(cfg.Meta, meta.Deps{
		Entities:      entities,
		Orchestrators: orchestrators,
		Bus:           eventBus,
	}, log)

	// 11. Sandbox plane
	sandboxStore, err := sandbox.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize sandbox store", zap.Error(err))
	}
	var (
		podRuntime pod.Runtime
		runtimeErr error
	)
	if cfg.Sandbox.Enabled {
		podRuntime, runtimeErr = sandbox.NewRuntime(cfg.Sandbox, log)
		if runtimeErr != nil {
			if cfg.Sandbox.K8sRequired {
				log.Fatal("Failed to initialize sandbox runtime", zap.Error(runtimeErr))
			}
			log.Warn("Sandbox runtime unavailable, sandboxes will record the error",
				zap.Error(runtimeErr))
			podRuntime = nil
		}
	}
	controller := sandbox.NewController(sandboxStore, podRuntime, runtimeErr, eventBus, log, sandbox.ControllerOptions{
		Enabled:           cfg.Sandbox.Enabled,
		Image:             cfg.Sandbox.Image,
		ReconcileInterval: cfg.Sandbox.ReconcileInterval(),
	})
	dispatcher := sandbox.NewDispatcher(sandboxStore, eventBus, log, sandbox.DispatcherOptions{
		DispatchTTL:  cfg.Sandbox.DispatchTTL(),
		AckTTL:       cfg.Sandbox.AckTTL(),
		ReapInterval: cfg.Sandbox.ReapInterval(),
	})

	// 12. Background loops
	g, loopCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		agents.RunHealth(loopCtx)
		return nil
	})
	if cfg.Sandbox.Enabled {
		g.Go(func() error {
			controller.RunReconciler(loopCtx)
			return nil
		})
		g.Go(func() error {
			dispatcher.RunReaper(loopCtx)
			return nil
		})
	}

	log.Info("Sibyl control plane started",
		zap.String("database", cfg.Database.Driver),
		zap.String("queue", cfg.Jobs.Queue),
		zap.Bool("sandbox", cfg.Sandbox.Enabled))

	// 13. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Sibyl control plane...")
	cancel()
	if err := g.Wait(); err != nil {
		log.Error("Background loop error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Sibyl control plane stopped")
}
