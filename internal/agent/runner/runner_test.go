package runner

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyldev/sibyl/internal/agent/proc"
	"github.com/sibyldev/sibyl/internal/agent/registry"
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
)

const testOrg = "org-runner"

type runnerDeps struct {
	runner *Runner
	store  *entity.Store
	states *state.Store
	queue  *approval.Queue
	kv     kv.Store
	bus    *bus.MemoryEventBus
	locks  *locks.Manager
}

func newTestRunner(t *testing.T, script proc.ScriptFunc) *runnerDeps {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	pool, err := db.Open(config.DatabaseConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "runner.db"),
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	g, err := graph.NewSQLStore(pool)
	require.NoError(t, err)
	states, err := state.NewStore(pool)
	require.NoError(t, err)

	kvStore := kv.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	lockMgr := locks.NewManager(kvStore)
	store := entity.NewStore(g, lockMgr, kvStore, eventBus, log)
	queue := approval.NewQueue(store, kvStore, eventBus, log)

	cfg := config.AgentConfig{
		Command:                  "sibyl-agent",
		HeartbeatIntervalSeconds: 1,
		StopPollMillis:           10,
		StaleThresholdSeconds:    0,
		HealthIntervalSeconds:    1,
	}
	r := New(cfg, Deps{
		Entities:  store,
		State:     states,
		Registry:  registry.Provide(log),
		Approvals: queue,
		LLM:       llm.New(config.LLMConfig{}, log),
		KV:        kvStore,
		Locks:     lockMgr,
		Bus:       eventBus,
		Launcher:  proc.NewScriptedLauncher(script),
	}, log)
	return &runnerDeps{
		runner: r,
		store:  store,
		states: states,
		queue:  queue,
		kv:     kvStore,
		bus:    eventBus,
		locks:  lockMgr,
	}
}

func seedTask(t *testing.T, deps *runnerDeps, taskID, name string) {
	t.Helper()
	task := &entity.Task{
		ID:          taskID,
		Name:        name,
		OrgID:       testOrg,
		ProjectID:   "proj-1",
		Status:      entity.TaskDoing,
		Priority:    entity.PriorityMedium,
		Description: "Exercises the runner in tests.",
	}
	_, err := deps.store.CreateSync(context.Background(), task.ToEntity())
	require.NoError(t, err)
}

func collectEvents(t *testing.T, deps *runnerDeps, subject string) <-chan *bus.Event {
	t.Helper()
	ch := make(chan *bus.Event, 16)
	_, err := deps.bus.Subscribe(subject, func(ctx context.Context, e *bus.Event) error {
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

// idleScript answers the first prompt with a system line and then keeps
// reading until the runner tears the pipes down.
func idleScript(sessionID string) proc.ScriptFunc {
	return func(ctx context.Context, spec proc.LaunchSpec, in io.Reader, out io.Writer) {
		em := proc.NewEmitter(out)
		_ = proc.ReadIncoming(ctx, in, func(msg *proc.Incoming) bool {
			if msg.Type == proc.TypeUser {
				_ = em.System(sessionID)
			}
			return true
		})
	}
}

// permissionScript asks to run a tool and reports whichever decision comes
// back inside its final result text.
func permissionScript(sessionID string) proc.ScriptFunc {
	return func(ctx context.Context, spec proc.LaunchSpec, in io.Reader, out io.Writer) {
		em := proc.NewEmitter(out)
		_ = proc.ReadIncoming(ctx, in, func(msg *proc.Incoming) bool {
			switch {
			case msg.Type == proc.TypeUser:
				_ = em.System(sessionID)
				_ = em.PermissionRequest("req-1", "Bash", map[string]any{"command": "make deploy"}, "tool-1")
			case msg.Type == proc.TypeControlResponse && msg.Response != nil:
				behavior := ""
				if msg.Response.Result != nil {
					behavior = msg.Response.Result.Behavior
				}
				_ = em.ToolResult("tool-1", "deployed", false)
				_ = em.Success(sessionID, "decision:"+behavior, proc.Usage{InputTokens: 10, OutputTokens: 5}, 0.01, 5)
				return false
			}
			return true
		})
	}
}

func drain(ch <-chan *proc.Message) []*proc.Message {
	var msgs []*proc.Message
	for msg := range ch {
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestSpawnRegistersInstanceAndRecord(t *testing.T) {
	ctx := context.Background()
	deps := newTestRunner(t, idleScript("sess-spawn"))
	seedTask(t, deps, "task-1", "Build the parser")
	spawned := collectEvents(t, deps, events.AgentSpawned)

	inst, err := deps.runner.Spawn(ctx, SpawnRequest{
		OrgID:   testOrg,
		AgentID: "agent-one",
		Name:    "dev-one",
		TaskID:  "task-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-one", inst.ID)
	assert.Equal(t, testOrg, inst.OrgID)
	assert.Equal(t, "task-1", inst.TaskID)

	got, ok := deps.runner.Get("agent-one")
	require.True(t, ok)
	assert.Same(t, inst, got)
	byTask, ok := deps.runner.ForTask("task-1")
	require.True(t, ok)
	assert.Same(t, inst, byTask)

	e, err := deps.store.Get(ctx, testOrg, "agent-one")
	require.NoError(t, err)
	rec := entity.AgentFromEntity(e)
	assert.Equal(t, entity.AgentWorking, rec.Status)
	assert.Equal(t, registry.DefaultTypeID, rec.AgentType)
	assert.Equal(t, "task-1", rec.TaskID)
	assert.NotNil(t, rec.StartedAt)
	assert.NotEmpty(t, rec.Tags)

	ev := waitEvent(t, spawned)
	assert.Equal(t, "agent-one", ev.Data["agent_id"])
	assert.Equal(t, "task-1", ev.Data["task_id"])
}

func TestSpawnDerivesAgentID(t *testing.T) {
	ctx := context.Background()
	deps := newTestRunner(t, idleScript("sess-derive"))

	inst, err := deps.runner.Spawn(ctx, SpawnRequest{OrgID: testOrg, Standalone: true})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(inst.ID, "agent-"))
	assert.Len(t, inst.ID, len("agent-")+12)
}

func TestSpawnRefusesSecondAgentForTask(t *testing.T) {
	ctx := context.Background()
	deps := newTestRunner(t, idleScript("sess-busy"))
	seedTask(t, deps, "task-busy", "Contested task")

	_, err := deps.runner.Spawn(ctx, SpawnRequest{OrgID: testOrg, AgentID: "agent-a", TaskID: "task-busy"})
	require.NoError(t, err)

	_, err = deps.runner.Spawn(ctx, SpawnRequest{OrgID: testOrg, AgentID: "agent-b", TaskID: "task-busy"})
	assert.ErrorIs(t, err, ErrTaskBusy)

	_, err = deps.runner.Spawn(ctx, SpawnRequest{OrgID: testOrg, AgentID: "agent-a", Standalone: true})
	assert.ErrorIs(t, err, ErrAgentActive)
}

func TestSpawnBlockedByInFlightLock(t *testing.T) {
	ctx := context.Background()
	deps := newTestRunner(t, idleScript("sess-lock"))
	seedTask(t, deps, "task-locked", "Locked task")

	lock, err := deps.locks.TryAcquire(ctx, kv.SpawnLockKey("task-locked"))
	require.NoError(t, err)

	_, err = deps.runner.Spawn(ctx, SpawnRequest{OrgID: testOrg, AgentID: "agent-l", TaskID: "task-locked"})
	assert.ErrorIs(t, err, ErrSpawnInFlight)

	require.NoError(t, lock.Release(ctx))
	_, err = deps.runner.Spawn(ctx, SpawnRequest{OrgID: testOrg, AgentID: "agent-l", TaskID: "task-locked"})
	assert.NoError(t, err)
}

func TestExecuteStreamsAndAccounts(t *testing.T) {
	ctx := context.Background()
	usage := proc.Usage{InputTokens: 120, OutputTokens: 30}
	deps := newTestRunner(t, proc.TextScript("sess-exec", "All done.", usage, 0.0042))
	completed := collectEvents(t, deps, events.AgentCompleted)

	inst, err := deps.runner.Spawn(ctx, SpawnRequest{OrgID: testOrg, AgentID: "agent-exec", Standalone: true})
	require.NoError(t, err)

	ch, err := inst.Execute(ctx, "hello")
	require.NoError(t, err)
	msgs := drain(ch)

	var sawSystem, sawAssistant bool
	var result *proc.Message
	for _, msg := range msgs {
		switch msg.Type {
		case proc.TypeSystem:
			sawSystem = true
		case proc.TypeAssistant:
			sawAssistant = true
		case proc.TypeResult:
			result = msg
		}
	}
	assert.True(t, sawSystem)
	assert.True(t, sawAssistant)
	require.NotNil(t, result)
	assert.Equal(t, proc.ResultSuccess, result.Subtype)

	tokens, cost := inst.Usage()
	assert.Equal(t, int64(150), tokens)
	assert.InDelta(t, 0.0042, cost, 1e-9)
	assert.Equal(t, "sess-exec", inst.SessionID())

	require.NoError(t, inst.Complete(ctx, "finished"))

	_, ok := deps.runner.Get("agent-exec")
	assert.False(t, ok)

	e, err := deps.store.Get(ctx, testOrg, "agent-exec")
	require.NoError(t, err)
	rec := entity.AgentFromEntity(e)
	assert.Equal(t, entity.AgentCompleted, rec.Status)
	assert.Equal(t, int64(150), rec.TokensUsed)
	assert.InDelta(t, 0.0042, rec.CostUSD, 1e-9)
	assert.Equal(t, "sess-exec", rec.SessionID)
	assert.NotNil(t, rec.CompletedAt)

	_, err = deps.states.Get(ctx, testOrg, "agent-exec")
	assert.ErrorIs(t, err, state.ErrNotFound)

	ev := waitEvent(t, completed)
	assert.Equal(t, "agent-exec", ev.Data["agent_id"])
	assert.Equal(t, string(entity.AgentCompleted), ev.Data["status"])
}

func TestExecuteIsOneShot(t *testing.T) {
	ctx := context.Background()
	deps := newTestRunner(t, idleScript("sess-once"))

	inst, err := deps.runner.Spawn(ctx, SpawnRequest{OrgID: testOrg, AgentID: "agent-once", Standalone: true})
	require.NoError(t, err)

	ch, err := inst.Execute(ctx, "go")
	require.NoError(t, err)
	_, err = inst.Execute(ctx, "again")
	assert.Error(t, err)

	require.NoError(t, inst.Stop(ctx, "test over"))
	drain(ch)
}

func TestStopSignalTerminatesStream(t *testing.T) {
	ctx := context.Background()
	deps := newTestRunner(t, idleScript("sess-stop"))

	inst, err := deps.runner.Spawn(ctx, SpawnRequest{OrgID: testOrg, AgentID: "agent-stop", Standalone: true})
	require.NoError(t, err)

	ch, err := inst.Execute(ctx, "work")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		drain(ch)
		close(done)
	}()

	require.NoError(t, deps.runner.Stop(ctx, testOrg, "agent-stop", "operator asked"))

	// Stop found the local instance, so the record settles synchronously.
	e, err := deps.store.Get(ctx, testOrg, "agent-stop")
	require.NoError(t, err)
	assert.Equal(t, entity.AgentTerminated, entity.AgentFromEntity(e).Status)

	_, ok := deps.runner.Get("agent-stop")
	assert.False(t, ok)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after stop")
	}
}

func TestStopSignalKeyIsHonoredAndCleared(t *testing.T) {
	ctx := context.Background()
	deps := newTestRunner(t, idleScript("sess-signal"))

	inst, err := deps.runner.Spawn(ctx, SpawnRequest{OrgID: testOrg, AgentID: "agent-signal", Standalone: true})
	require.NoError(t, err)
	ch, err := inst.Execute(ctx, "work")
	require.NoError(t, err)
	go drain(ch)

	require.NoError(t, deps.runner.SignalStop(ctx, "agent-signal", "pause for audit"))

	require.Eventually(t, func() bool {
		e, err := deps.store.Get(ctx, testOrg, "agent-signal")
		if err != nil {
			return false
		}
		return entity.AgentFromEntity(e).Status == entity.AgentTerminated
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := deps.kv.Get(ctx, kv.AgentStopKey("agent-signal"))
		return errors.Is(err, kv.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := deps.runner.Get("agent-signal")
	assert.False(t, ok)
}

func TestPermissionRoundTrip(t *testing.T) {
	ctx := context.Background()
	deps := newTestRunner(t, permissionScript("sess-perm"))

	inst, err := deps.runner.Spawn(ctx, SpawnRequest{OrgID: testOrg, AgentID: "agent-perm", Standalone: true})
	require.NoError(t, err)
	ch, err := inst.Execute(ctx, "deploy it")
	require.NoError(t, err)

	msgs := make(chan *proc.Message, 16)
	go func() {
		for msg := range ch {
			msgs <- msg
		}
		close(msgs)
	}()

	var pending *entity.ApprovalRecord
	require.Eventually(t, func() bool {
		list, err := deps.queue.Pending(ctx, testOrg, "agent-perm")
		if err != nil || len(list) == 0 {
			return false
		}
		pending = list[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, entity.ApprovalToolUse, pending.ApprovalType)
	assert.Equal(t, "Tool use: Bash", pending.Title)
	assert.Contains(t, pending.Summary, "make deploy")

	_, err = deps.queue.Respond(ctx, testOrg, pending.ID, true, "looks safe", "reviewer")
	require.NoError(t, err)

	var result *proc.Message
	deadline := time.After(2 * time.Second)
	for result == nil {
		select {
		case msg, ok := <-msgs:
			if !ok {
				t.Fatal("stream closed without a result")
			}
			if msg.Type == proc.TypeResult {
				result = msg
			}
		case <-deadline:
			t.Fatal("timed out waiting for the result")
		}
	}
	assert.Equal(t, "decision:"+proc.BehaviorAllow, result.Result)

	rec, err := deps.queue.Get(ctx, testOrg, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ApprovalApproved, rec.Status)

	require.Eventually(t, func() bool {
		e, err := deps.store.Get(ctx, testOrg, "agent-perm")
		if err != nil {
			return false
		}
		return entity.AgentFromEntity(e).Status == entity.AgentWorking
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, inst.Complete(ctx, "deployed"))
}

func TestResumeWithSessionSendsNudge(t *testing.T) {
	ctx := context.Background()
	deps := newTestRunner(t, idleScript("sess-resume"))

	rec := &entity.AgentRecord{
		ID:          "agent-res",
		Name:        "dev-res",
		OrgID:       testOrg,
		AgentType:   registry.DefaultTypeID,
		SpawnSource: entity.SpawnUser,
		Status:      entity.AgentPaused,
		SessionID:   "sess-old",
	}
	_, err := deps.store.CreateSync(ctx, rec.ToEntity())
	require.NoError(t, err)

	inst, prompt, err := deps.runner.Resume(ctx, testOrg, "agent-res", "pick up where you left off")
	require.NoError(t, err)
	assert.Equal(t, "pick up where you left off", prompt)
	assert.Equal(t, "sess-old", inst.SessionID())

	e, err := deps.store.Get(ctx, testOrg, "agent-res")
	require.NoError(t, err)
	assert.Equal(t, entity.AgentWorking, entity.AgentFromEntity(e).Status)
}

func TestResumeWithoutSessionRestatesTask(t *testing.T) {
	ctx := context.Background()
	deps := newTestRunner(t, idleScript("sess-fresh"))
	seedTask(t, deps, "task-fresh", "Ship the exporter")

	rec := &entity.AgentRecord{
		ID:          "agent-fresh",
		Name:        "dev-fresh",
		OrgID:       testOrg,
		AgentType:   registry.DefaultTypeID,
		SpawnSource: entity.SpawnOrchestrator,
		Status:      entity.AgentFailed,
		TaskID:      "task-fresh",
	}
	_, err := deps.store.CreateSync(ctx, rec.ToEntity())
	require.NoError(t, err)

	_, prompt, err := deps.runner.Resume(ctx, testOrg, "agent-fresh", "The last run died mid-review.")
	require.NoError(t, err)
	assert.Contains(t, prompt, "previous session is gone")
	assert.Contains(t, prompt, "Ship the exporter")
	assert.Contains(t, prompt, "The last run died mid-review.")
	assert.Contains(t, prompt, "Re-check the current state of the worktree")
}

func TestResumeRefusesTerminalStates(t *testing.T) {
	ctx := context.Background()
	deps := newTestRunner(t, idleScript("sess-refuse"))

	for _, status := range []entity.AgentStatus{entity.AgentCompleted, entity.AgentTerminated} {
		id := "agent-" + string(status)
		rec := &entity.AgentRecord{
			ID:          id,
			Name:        "dev-" + string(status),
			OrgID:       testOrg,
			AgentType:   registry.DefaultTypeID,
			SpawnSource: entity.SpawnUser,
			Status:      status,
		}
		_, err := deps.store.CreateSync(ctx, rec.ToEntity())
		require.NoError(t, err)

		_, _, err = deps.runner.Resume(ctx, testOrg, id, "")
		assert.Error(t, err)
	}
}

func TestSweepStaleReapsRemoteAgent(t *testing.T) {
	ctx := context.Background()
	deps := newTestRunner(t, idleScript("sess-sweep"))
	failed := collectEvents(t, deps, events.AgentFailed)

	rec := &entity.AgentRecord{
		ID:          "agent-stale",
		Name:        "dev-stale",
		OrgID:       testOrg,
		AgentType:   registry.DefaultTypeID,
		SpawnSource: entity.SpawnUser,
		Status:      entity.AgentWorking,
		SessionID:   "sess-lost",
	}
	_, err := deps.store.CreateSync(ctx, rec.ToEntity())
	require.NoError(t, err)
	require.NoError(t, deps.states.Beat(ctx, testOrg, "agent-stale", 42, 0.5))

	// The zero stale threshold makes any past heartbeat stale.
	time.Sleep(5 * time.Millisecond)
	deps.runner.sweepStale(ctx)

	e, err := deps.store.Get(ctx, testOrg, "agent-stale")
	require.NoError(t, err)
	after := entity.AgentFromEntity(e)
	assert.Equal(t, entity.AgentFailed, after.Status)
	assert.NotNil(t, after.CompletedAt)

	_, err = deps.states.Get(ctx, testOrg, "agent-stale")
	assert.ErrorIs(t, err, state.ErrNotFound)

	cps, err := deps.store.ListByType(ctx, testOrg, entity.KindCheckpoint, entity.ListFilter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	cp := entity.CheckpointFromEntity(cps[0])
	assert.Equal(t, "agent-stale", cp.AgentID)
	assert.Equal(t, "sess-lost", cp.SessionID)
	assert.Equal(t, staleHeartbeatStep, cp.CurrentStep)

	ev := waitEvent(t, failed)
	assert.Equal(t, "agent-stale", ev.Data["agent_id"])
	assert.Equal(t, "stale heartbeat", ev.Data["detail"])
}

func TestDeriveAgentIDIsStable(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := DeriveAgentID("org-1", "proj-1", ts)
	b := DeriveAgentID("org-1", "proj-1", ts)
	c := DeriveAgentID("org-1", "proj-1", ts.Add(time.Nanosecond))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "agent-"))
	assert.Len(t, a, len("agent-")+12)
}

func TestBuildSystemPromptLayers(t *testing.T) {
	rec := &entity.AgentRecord{
		ID:         "agent-sp",
		Name:       "dev-sp",
		AgentType:  "developer",
		BranchName: "feature/parser",
		Tags:       []string{"go", "parser"},
	}
	typeCfg := &registry.TypeConfig{ID: "developer", Name: "Developer", Role: "You implement tasks."}
	task := &entity.Task{Name: "Build the parser", Description: "Tokenize and parse.", Priority: entity.PriorityHigh}

	prompt := BuildSystemPrompt(rec, typeCfg, task, "Prefer table-driven tests.")
	assert.Contains(t, prompt, "dev-sp")
	assert.Contains(t, prompt, "feature/parser")
	assert.Contains(t, prompt, "You implement tasks.")
	assert.Contains(t, prompt, "Build the parser")
	assert.Contains(t, prompt, "Prefer table-driven tests.")

	bare := BuildSystemPrompt(rec, typeCfg, nil, "")
	assert.NotContains(t, bare, "## Task")
	assert.NotContains(t, bare, "## Additional instructions")
}
