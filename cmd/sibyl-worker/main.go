// Package main is the Sibyl job worker. It dequeues jobs from the shared
// queue and runs them: agent execution streams, async entity creation,
// orchestrator callbacks, and the backup schedule. Workers share the
// control plane's stores, so any worker can pick up any job.
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
	"github.com/sibyldev/sibyl/internal/backup"
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
	"github.com/sibyldev/sibyl/internal/worktree"
)

const (
	scheduledBackupEvery = time.Hour
	backupCleanupEvery   = 24 * time.Hour
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

	log.Info("Starting Sibyl worker...",
		zap.String("queue", cfg.Jobs.Queue),
		zap.Int("concurrency", cfg.Jobs.Concurrency))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (NATS when configured, in-memory otherwise)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		log.Warn("Using in-memory event bus; control plane events will not reach this worker")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 4. K/V store carrying the job queue
	kvStore, kvClose, err := kv.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize K/V store", zap.Error(err))
	}
	defer kvClose()

	// 5. Shared SQL and graph stores
	pool, err := db.Open(cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	graphStore, err := graph.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize graph store", zap.Error(err))
	}

	lockMgr := locks.NewManager(kvStore)
	jobQueue := jobs.NewQueue(cfg.Jobs.Queue, kvStore, log)
	entities := entity.NewStore(graphStore, lockMgr, kvStore, eventBus, log).WithEnqueuer(jobQueue)

	stateStore, err := state.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize agent state store", zap.Error(err))
	}
	messageLog, err := state.NewMessageLog(pool)
	if err != nil {
		log.Fatal("Failed to initialize message log", zap.Error(err))
	}

	approvals := approval.NewQueue(entities, kvStore, eventBus, log)

	messageStore, err := messaging.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize message store", zap.Error(err))
	}
	messages := messaging.NewService(messageStore, eventBus, log)

	// 6. Worktree manager (disabled without a configured repository)
	var worktrees *worktree.Manager
	if cfg.Worktree.RepoPath != "" {
		worktrees, err = worktree.NewManager(cfg.Worktree, entities, log)
		if err != nil {
			log.Fatal("Failed to initialize worktree manager", zap.Error(err))
		}
	} else {
		log.Info("Worktree manager disabled (no repository configured)")
	}

	// 7. Agent runner hosting the execution streams
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

	// 8. Orchestration services, so completion callbacks run in-process
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
	meta.NewService(cfg.Meta, meta.Deps{
		Entities:      entities,
		Orchestrators: orchestrators,
		Bus:           eventBus,
	}, log)

	// 9. Backup service (jobs are skipped when it cannot start)
	var backups *backup.Service
	backups, err = backup.NewService(cfg.Backup, cfg.Database, backup.Deps{
		Pool:  pool,
		Graph: graphStore,
	}, log)
	if err != nil {
		log.Warn("Backup service unavailable, backup jobs disabled", zap.Error(err))
		backups = nil
	}

	// 10. Job worker pool
	reg := jobs.NewRegistry()
	handlers := jobs.NewHandlers(jobs.HandlerDeps{
		Entities:      entities,
		Agents:        agents,
		Messages:      messageLog,
		Orchestrators: orchestrators,
		Backups:       backups,
		LLM:           llmClient,
		Bus:           eventBus,
	}, log)
	handlers.RegisterAll(reg)

	worker := jobs.NewWorker(cfg.Jobs, jobQueue, reg, eventBus, log)
	worker.Start(ctx)

	// 11. Background loops
	g, loopCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		agents.RunHealth(loopCtx)
		return nil
	})
	if backups != nil {
		g.Go(func() error {
			runBackupSchedule(loopCtx, jobQueue, log)
			return nil
		})
	}

	log.Info("Sibyl worker started")

	// 12. Graceful shutdown: stop taking jobs, finish in-flight ones
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Sibyl worker...")
	worker.Stop()
	cancel()
	if err := g.Wait(); err != nil {
		log.Error("Background loop error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Sibyl worker stopped")
}

// runBackupSchedule enqueues the periodic backup jobs. The jobs land on
// the shared queue, so with several workers only one runs each pass.
func runBackupSchedule(ctx context.Context, queue *jobs.Queue, log *logger.Logger) {
	backupTicker := time.NewTicker(scheduledBackupEvery)
	defer backupTicker.Stop()
	cleanupTicker := time.NewTicker(backupCleanupEvery)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-backupTicker.C:
			if err := queue.Enqueue(ctx, backup.ScheduledJobName, nil); err != nil {
				log.Error("Failed to enqueue scheduled backups", zap.Error(err))
			}
		case <-cleanupTicker.C:
			if err := queue.Enqueue(ctx, backup.CleanupJobName, nil); err != nil {
				log.Error("Failed to enqueue backup cleanup", zap.Error(err))
			}
		}
	}
}
