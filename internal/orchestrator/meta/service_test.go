package meta

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyldev/sibyl/internal/agent/proc"
	"github.com/sibyldev/sibyl/internal/agent/registry"
	"github.com/sibyldev/sibyl/internal/agent/runner"
	"github.com/sibyldev/sibyl/internal/agent/state"
	"github.com/sibyldev/sibyl/internal/approval"
	"github.com/sibyldev/sibyl/internal/common/config"
	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/db"
	"github.com/sibyldev/sibyl/internal/entity"
	"github.com/sibyldev/sibyl/internal/entity/graph"
	"github.com/sibyldev/sibyl/internal/events"
	"github.com/sibyldev/sibyl/internal/events/bus"
	"github.com/sibyldev/sibyl/internal/kv"
	"github.com/sibyldev/sibyl/internal/llm"
	"github.com/sibyldev/sibyl/internal/locks"
	"github.com/sibyldev/sibyl/internal/messaging"
	"github.com/sibyldev/sibyl/internal/orchestrator/gates"
	"github.com/sibyldev/sibyl/internal/orchestrator/taskorch"
)

const testOrg = "org-meta"

// stubGates passes every gate unless a failure is scripted, so loops
// complete as soon as their worker reports done.
type stubGates struct {
	mu       sync.Mutex
	failures map[string][]string
}

func (g *stubGates) fail(gate string, errs ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failures == nil {
		g.failures = make(map[string][]string)
	}
	g.failures[gate] = errs
}

func (g *stubGates) Run(ctx context.Context, gate, dir string) *gates.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	if errs, ok := g.failures[gate]; ok {
		return &gates.Result{Gate: gate, Passed: false, Errors: errs}
	}
	return &gates.Result{Gate: gate, Passed: true}
}

type nullJobs struct{}

func (nullJobs) Enqueue(ctx context.Context, job string, args map[string]interface{}) error {
	return nil
}

type metaDeps struct {
	service  *Service
	orchs    *taskorch.Service
	entities *entity.Store
	bus      *bus.MemoryEventBus
	gates    *stubGates
}

func idleAgent(ctx context.Context, spec proc.LaunchSpec, in io.Reader, out io.Writer) {
	em := proc.NewEmitter(out)
	_ = proc.ReadIncoming(ctx, in, func(msg *proc.Incoming) bool {
		if msg.Type == proc.TypeUser {
			_ = em.System("sess-meta")
		}
		return true
	})
}

func newTestMeta(t *testing.T, cfg config.MetaConfig) *metaDeps {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	pool, err := db.Open(config.DatabaseConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "meta.db"),
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	g, err := graph.NewSQLStore(pool)
	require.NoError(t, err)
	states, err := state.NewStore(pool)
	require.NoError(t, err)
	msgStore, err := messaging.NewStore(pool)
	require.NoError(t, err)

	kvStore := kv.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	lockMgr := locks.NewManager(kvStore)
	store := entity.NewStore(g, lockMgr, kvStore, eventBus, log)
	queue := approval.NewQueue(store, kvStore, eventBus, log)
	messages := messaging.NewService(msgStore, eventBus, log)

	agents := runner.New(config.AgentConfig{
		Command:                  "sibyl-agent",
		HeartbeatIntervalSeconds: 1,
		StopPollMillis:           10,
		StaleThresholdSeconds:    60,
		HealthIntervalSeconds:    1,
	}, runner.Deps{
		Entities:  store,
		State:     states,
		Registry:  registry.Provide(log),
		Approvals: queue,
		LLM:       llm.New(config.LLMConfig{}, log),
		KV:        kvStore,
		Locks:     lockMgr,
		Bus:       eventBus,
		Launcher:  proc.NewScriptedLauncher(idleAgent),
	}, log)

	stub := &stubGates{}
	orchs := taskorch.NewService(config.OrchestratorConfig{MaxReworkAttempts: 3}, taskorch.Deps{
		Entities:  store,
		Agents:    agents,
		Gates:     stub,
		Approvals: queue,
		Messages:  messages,
		Bus:       eventBus,
		Jobs:      nullJobs{},
	}, log)

	svc := NewService(cfg, Deps{
		Entities:      store,
		Orchestrators: orchs,
		Bus:           eventBus,
	}, log)

	return &metaDeps{service: svc, orchs: orchs, entities: store, bus: eventBus, gates: stub}
}

func seedTasks(t *testing.T, d *metaDeps, specs ...entity.Task) {
	t.Helper()
	for _, spec := range specs {
		task := spec
		task.OrgID = testOrg
		if task.ProjectID == "" {
			task.ProjectID = "proj-1"
		}
		if task.Status == "" {
			task.Status = entity.TaskTodo
		}
		if task.Priority == "" {
			task.Priority = entity.PriorityMedium
		}
		_, err := d.entities.CreateSync(context.Background(), task.ToEntity())
		require.NoError(t, err)
	}
}

func newMeta(t *testing.T, d *metaDeps) *entity.MetaOrchestratorRecord {
	t.Helper()
	rec, err := d.service.Create(context.Background(), testOrg, "proj-1")
	require.NoError(t, err)
	return rec
}

func metaStatus(t *testing.T, d *metaDeps, metaID string) *entity.MetaOrchestratorRecord {
	t.Helper()
	rec, err := d.service.Status(context.Background(), testOrg, metaID)
	require.NoError(t, err)
	return rec
}

// taskOf maps an active orchestrator id back to its task.
func taskOf(t *testing.T, d *metaDeps, orchID string) string {
	t.Helper()
	orch, err := d.orchs.Get(context.Background(), testOrg, orchID)
	require.NoError(t, err)
	return orch.TaskID
}

func activeTasks(t *testing.T, d *metaDeps, metaID string) []string {
	t.Helper()
	rec := metaStatus(t, d, metaID)
	out := make([]string, 0, len(rec.ActiveOrchestrators))
	for _, orchID := range rec.ActiveOrchestrators {
		out = append(out, taskOf(t, d, orchID))
	}
	return out
}

// completeLoop finishes one orchestrator's loop at the given worker cost.
// All gates pass, so the loop completes and notifies the meta inline.
func completeLoop(t *testing.T, d *metaDeps, orchID string, cost float64) {
	t.Helper()
	ctx := context.Background()
	orch, err := d.orchs.Get(ctx, testOrg, orchID)
	require.NoError(t, err)
	if cost > 0 {
		_, err = d.entities.Update(ctx, testOrg, orch.WorkerID, map[string]interface{}{"cost_usd": cost})
		require.NoError(t, err)
	}
	require.NoError(t, d.orchs.OnWorkerComplete(ctx, testOrg, orchID))
}

func collectEvents(t *testing.T, d *metaDeps, subject string) <-chan *bus.Event {
	t.Helper()
	ch := make(chan *bus.Event, 32)
	_, err := d.bus.Subscribe(subject, func(ctx context.Context, e *bus.Event) error {
		ch <- e
		return nil
	})
	require.NoError(t, err)
	return ch
}

func waitEvent(t *testing.T, ch <-chan *bus.Event) *bus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestCreateIsSingletonPerProject(t *testing.T) {
	d := newTestMeta(t, config.MetaConfig{})

	rec := newMeta(t, d)
	assert.Equal(t, entity.MetaIdle, rec.Status)
	assert.Equal(t, entity.StrategySequential, rec.Strategy)
	assert.Equal(t, 1, rec.MaxConcurrent)
	assert.InDelta(t, DefaultCostAlertThreshold, rec.CostAlertThreshold, 1e-9)

	_, err := d.service.Create(context.Background(), testOrg, "proj-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has meta orchestrator")
}

func TestQueueTasksWaitUntilStart(t *testing.T) {
	d := newTestMeta(t, config.MetaConfig{})
	seedTasks(t, d,
		entity.Task{ID: "t1", Name: "One"},
		entity.Task{ID: "t2", Name: "Two"},
		entity.Task{ID: "t3", Name: "Three"},
	)
	rec := newMeta(t, d)

	require.NoError(t, d.service.QueueTasks(context.Background(), testOrg, rec.ID, "t1", "t2", "t3"))

	status := metaStatus(t, d, rec.ID)
	assert.Equal(t, entity.MetaIdle, status.Status)
	assert.Equal(t, []string{"t1", "t2", "t3"}, status.TaskQueue)
	assert.Empty(t, status.ActiveOrchestrators)
}

func TestQueueRejectsDuplicatesAndUnknownTasks(t *testing.T) {
	d := newTestMeta(t, config.MetaConfig{})
	seedTasks(t, d, entity.Task{ID: "t1", Name: "One"})
	rec := newMeta(t, d)
	ctx := context.Background()

	require.NoError(t, d.service.QueueTask(ctx, testOrg, rec.ID, "t1"))
	err := d.service.QueueTask(ctx, testOrg, rec.ID, "t1")
	assert.ErrorIs(t, err, ErrTaskQueued)

	err = d.service.QueueTask(ctx, testOrg, rec.ID, "t-missing")
	require.Error(t, err)
}

func TestQueueBoundRejects(t *testing.T) {
	d := newTestMeta(t, config.MetaConfig{QueueSize: 2})
	seedTasks(t, d,
		entity.Task{ID: "t1", Name: "One"},
		entity.Task{ID: "t2", Name: "Two"},
		entity.Task{ID: "t3", Name: "Three"},
	)
	rec := newMeta(t, d)

	err := d.service.QueueTasks(context.Background(), testOrg, rec.ID, "t1", "t2", "t3")
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, []string{"t1", "t2"}, metaStatus(t, d, rec.ID).TaskQueue)
}

func TestSequentialDrainsToIdle(t *testing.T) {
	d := newTestMeta(t, config.MetaConfig{})
	seedTasks(t, d,
		entity.Task{ID: "t1", Name: "One"},
		entity.Task{ID: "t2", Name: "Two"},
	)
	rec := newMeta(t, d)
	ctx := context.Background()
	idle := collectEvents(t, d, events.MetaIdle)

	require.NoError(t, d.service.QueueTasks(ctx, testOrg, rec.ID, "t1", "t2"))
	require.NoError(t, d.service.Start(ctx, testOrg, rec.ID))

	status := metaStatus(t, d, rec.ID)
	assert.Equal(t, entity.MetaRunning, status.Status)
	assert.Equal(t, []string{"t1"}, activeTasks(t, d, rec.ID))
	assert.Equal(t, []string{"t2"}, status.TaskQueue)

	completeLoop(t, d, status.ActiveOrchestrators[0], 0)
	status = metaStatus(t, d, rec.ID)
	assert.Equal(t, []string{"t2"}, activeTasks(t, d, rec.ID))
	assert.Empty(t, status.TaskQueue)
	assert.Equal(t, 1, status.TasksCompleted)

	completeLoop(t, d, status.ActiveOrchestrators[0], 0)
	status = metaStatus(t, d, rec.ID)
	assert.Equal(t, entity.MetaIdle, status.Status)
	assert.Empty(t, status.ActiveOrchestrators)
	assert.Empty(t, status.TaskQueue)
	assert.Equal(t, 2, status.TasksCompleted)

	e := waitEvent(t, idle)
	assert.Equal(t, rec.ID, e.Data["meta_id"])
}

func TestBudgetGatePausesBeforeSpawn(t *testing.T) {
	d := newTestMeta(t, config.MetaConfig{})
	seedTasks(t, d,
		entity.Task{ID: "t1", Name: "One"},
		entity.Task{ID: "t2", Name: "Two"},
		entity.Task{ID: "t3", Name: "Three"},
	)
	rec := newMeta(t, d)
	ctx := context.Background()
	paused := collectEvents(t, d, events.MetaPaused)
	alerts := collectEvents(t, d, events.MetaBudgetAlert)

	require.NoError(t, d.service.SetBudget(ctx, testOrg, rec.ID, 7, 0.8))
	require.NoError(t, d.service.QueueTasks(ctx, testOrg, rec.ID, "t1", "t2", "t3"))
	require.NoError(t, d.service.Start(ctx, testOrg, rec.ID))

	status := metaStatus(t, d, rec.ID)
	completeLoop(t, d, status.ActiveOrchestrators[0], 3)

	status = metaStatus(t, d, rec.ID)
	assert.InDelta(t, 3, status.SpentUSD, 1e-9)
	assert.Equal(t, []string{"t2"}, activeTasks(t, d, rec.ID))

	completeLoop(t, d, status.ActiveOrchestrators[0], 4)

	status = metaStatus(t, d, rec.ID)
	assert.Equal(t, entity.MetaPaused, status.Status)
	assert.Equal(t, "Budget exhausted", status.PauseReason)
	assert.InDelta(t, 7, status.SpentUSD, 1e-9)
	assert.Equal(t, []string{"t3"}, status.TaskQueue)
	assert.Empty(t, status.ActiveOrchestrators)
	assert.Equal(t, 2, status.TasksCompleted)

	alert := waitEvent(t, alerts)
	assert.InDelta(t, 7, alert.Data["spent_usd"].(float64), 1e-9)
	e := waitEvent(t, paused)
	assert.Equal(t, "Budget exhausted", e.Data["reason"])

	// Raising the budget and resuming admits the held task.
	require.NoError(t, d.service.SetBudget(ctx, testOrg, rec.ID, 20, 0.8))
	require.NoError(t, d.service.Resume(ctx, testOrg, rec.ID))

	status = metaStatus(t, d, rec.ID)
	assert.Equal(t, entity.MetaRunning, status.Status)
	assert.Empty(t, status.PauseReason)
	assert.Equal(t, []string{"t3"}, activeTasks(t, d, rec.ID))
	assert.Empty(t, status.TaskQueue)
}

func TestParallelFanOut(t *testing.T) {
	d := newTestMeta(t, config.MetaConfig{})
	seedTasks(t, d,
		entity.Task{ID: "a", Name: "A"},
		entity.Task{ID: "b", Name: "B"},
		entity.Task{ID: "c", Name: "C"},
	)
	rec := newMeta(t, d)
	ctx := context.Background()

	require.NoError(t, d.service.SetStrategy(ctx, testOrg, rec.ID, entity.StrategyParallel, 2))
	require.NoError(t, d.service.QueueTasks(ctx, testOrg, rec.ID, "a", "b", "c"))
	require.NoError(t, d.service.Start(ctx, testOrg, rec.ID))

	assert.ElementsMatch(t, []string{"a", "b"}, activeTasks(t, d, rec.ID))
	assert.Equal(t, []string{"c"}, metaStatus(t, d, rec.ID).TaskQueue)

	status := metaStatus(t, d, rec.ID)
	var orchA string
	for _, orchID := range status.ActiveOrchestrators {
		if taskOf(t, d, orchID) == "a" {
			orchA = orchID
		}
	}
	require.NotEmpty(t, orchA)
	completeLoop(t, d, orchA, 0)

	assert.ElementsMatch(t, []string{"b", "c"}, activeTasks(t, d, rec.ID))
	assert.Empty(t, metaStatus(t, d, rec.ID).TaskQueue)

	for _, orchID := range metaStatus(t, d, rec.ID).ActiveOrchestrators {
		completeLoop(t, d, orchID, 0)
	}
	status = metaStatus(t, d, rec.ID)
	assert.Equal(t, entity.MetaIdle, status.Status)
	assert.Equal(t, 3, status.TasksCompleted)
}

func TestParallelSpawnsOnePerCompletion(t *testing.T) {
	d := newTestMeta(t, config.MetaConfig{})
	var ids []string
	for i := 1; i <= 10; i++ {
		id := fmt.Sprintf("t%02d", i)
		ids = append(ids, id)
		seedTasks(t, d, entity.Task{ID: id, Name: "Task " + id})
	}
	rec := newMeta(t, d)
	ctx := context.Background()

	require.NoError(t, d.service.SetStrategy(ctx, testOrg, rec.ID, entity.StrategyParallel, 3))
	require.NoError(t, d.service.QueueTasks(ctx, testOrg, rec.ID, ids...))
	require.NoError(t, d.service.Start(ctx, testOrg, rec.ID))

	status := metaStatus(t, d, rec.ID)
	require.Len(t, status.ActiveOrchestrators, 3)
	require.Len(t, status.TaskQueue, 7)

	// Each completion admits exactly one replacement until the queue
	// drains, then the active set shrinks to zero.
	for remaining := 7; remaining > 0; remaining-- {
		completeLoop(t, d, metaStatus(t, d, rec.ID).ActiveOrchestrators[0], 0)
		status = metaStatus(t, d, rec.ID)
		require.Len(t, status.ActiveOrchestrators, 3)
		require.Len(t, status.TaskQueue, remaining-1)
	}
	for expect := 2; expect >= 0; expect-- {
		completeLoop(t, d, metaStatus(t, d, rec.ID).ActiveOrchestrators[0], 0)
		require.Len(t, metaStatus(t, d, rec.ID).ActiveOrchestrators, expect)
	}

	status = metaStatus(t, d, rec.ID)
	assert.Equal(t, entity.MetaIdle, status.Status)
	assert.Equal(t, 10, status.TasksCompleted)
	assert.Zero(t, status.TasksFailed)
}

func TestPriorityStrategyPicksHighestFirst(t *testing.T) {
	d := newTestMeta(t, config.MetaConfig{})
	seedTasks(t, d,
		entity.Task{ID: "chore", Name: "Chore", Priority: entity.PriorityLow},
		entity.Task{ID: "incident", Name: "Incident", Priority: entity.PriorityCritical},
		entity.Task{ID: "feature", Name: "Feature", Priority: entity.PriorityMedium},
	)
	rec := newMeta(t, d)
	ctx := context.Background()

	require.NoError(t, d.service.SetStrategy(ctx, testOrg, rec.ID, entity.StrategyPriority, 0))
	require.NoError(t, d.service.QueueTasks(ctx, testOrg, rec.ID, "chore", "incident", "feature"))
	require.NoError(t, d.service.Start(ctx, testOrg, rec.ID))

	assert.Equal(t, []string{"incident"}, activeTasks(t, d, rec.ID))

	completeLoop(t, d, metaStatus(t, d, rec.ID).ActiveOrchestrators[0], 0)
	assert.Equal(t, []string{"feature"}, activeTasks(t, d, rec.ID))

	completeLoop(t, d, metaStatus(t, d, rec.ID).ActiveOrchestrators[0], 0)
	assert.Equal(t, []string{"chore"}, activeTasks(t, d, rec.ID))
}

func TestQueueWhileRunningSchedulesImmediately(t *testing.T) {
	d := newTestMeta(t, config.MetaConfig{})
	seedTasks(t, d,
		entity.Task{ID: "t1", Name: "One"},
		entity.Task{ID: "t2", Name: "Two"},
	)
	rec := newMeta(t, d)
	ctx := context.Background()

	require.NoError(t, d.service.SetStrategy(ctx, testOrg, rec.ID, entity.StrategyParallel, 2))
	require.NoError(t, d.service.QueueTask(ctx, testOrg, rec.ID, "t1"))
	require.NoError(t, d.service.Start(ctx, testOrg, rec.ID))
	require.Len(t, metaStatus(t, d, rec.ID).ActiveOrchestrators, 1)

	require.NoError(t, d.service.QueueTask(ctx, testOrg, rec.ID, "t2"))
	assert.ElementsMatch(t, []string{"t1", "t2"}, activeTasks(t, d, rec.ID))
	assert.Empty(t, metaStatus(t, d, rec.ID).TaskQueue)
}

func TestResumeRequiresPaused(t *testing.T) {
	d := newTestMeta(t, config.MetaConfig{})
	rec := newMeta(t, d)
	ctx := context.Background()

	err := d.service.Resume(ctx, testOrg, rec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only paused metas resume")

	require.NoError(t, d.service.Pause(ctx, testOrg, rec.ID, "maintenance"))
	assert.Equal(t, "maintenance", metaStatus(t, d, rec.ID).PauseReason)
	require.NoError(t, d.service.Resume(ctx, testOrg, rec.ID))
}

func TestStartRefusesPausedMeta(t *testing.T) {
	d := newTestMeta(t, config.MetaConfig{})
	rec := newMeta(t, d)
	ctx := context.Background()

	require.NoError(t, d.service.Pause(ctx, testOrg, rec.ID, "maintenance"))
	err := d.service.Start(ctx, testOrg, rec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resume it instead")
}

func TestSetStrategyValidates(t *testing.T) {
	d := newTestMeta(t, config.MetaConfig{})
	rec := newMeta(t, d)

	err := d.service.SetStrategy(context.Background(), testOrg, rec.ID, entity.Strategy("round-robin"), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}

func TestFailedLoopCountsAgainstMeta(t *testing.T) {
	d := newTestMeta(t, config.MetaConfig{})
	seedTasks(t, d, entity.Task{ID: "t1", Name: "One"})
	rec := newMeta(t, d)
	ctx := context.Background()

	require.NoError(t, d.service.QueueTask(ctx, testOrg, rec.ID, "t1"))
	require.NoError(t, d.service.Start(ctx, testOrg, rec.ID))

	orchID := metaStatus(t, d, rec.ID).ActiveOrchestrators[0]
	orch, err := d.orchs.Get(ctx, testOrg, orchID)
	require.NoError(t, err)

	// Failing a gate with the rework limit already reached escalates the
	// loop; the meta should record a failure, not a completion.
	d.gates.fail(gates.Lint, "unused variable")
	_, err = d.entities.Update(ctx, testOrg, orchID, map[string]interface{}{
		"rework_count": float64(orch.MaxReworkAttempts - 1),
	})
	require.NoError(t, err)
	require.NoError(t, d.orchs.OnWorkerComplete(ctx, testOrg, orchID))

	failed, err := d.orchs.Get(ctx, testOrg, orchID)
	require.NoError(t, err)
	require.Equal(t, entity.OrchFailed, failed.Status)

	status := metaStatus(t, d, rec.ID)
	assert.Equal(t, entity.MetaIdle, status.Status)
	assert.Zero(t, status.TasksCompleted)
	assert.Equal(t, 1, status.TasksFailed)
	assert.Equal(t, orch.MaxReworkAttempts-1, status.TotalReworkCycles)
	assert.Empty(t, status.ActiveOrchestrators)
}
