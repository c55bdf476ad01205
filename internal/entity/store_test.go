package entity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyldev/sibyl/internal/common/config"
	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/db"
	"github.com/sibyldev/sibyl/internal/entity/graph"
	"github.com/sibyldev/sibyl/internal/events/bus"
	"github.com/sibyldev/sibyl/internal/kv"
	"github.com/sibyldev/sibyl/internal/locks"
)

type testDeps struct {
	store *Store
	graph graph.Store
	locks *locks.Manager
	kv    kv.Store
	bus   *bus.MemoryEventBus
	log   *logger.Logger
}

func newTestDeps(t *testing.T) *testDeps {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	pool, err := db.Open(config.DatabaseConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "entities.db"),
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	g, err := graph.NewSQLStore(pool)
	require.NoError(t, err)

	kvStore := kv.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	lockMgr := locks.NewManager(kvStore)
	store := NewStore(g, lockMgr, kvStore, eventBus, log).
		WithEmbedder(NewHashEmbedder())
	return &testDeps{store: store, graph: g, locks: lockMgr, kv: kvStore, bus: eventBus, log: log}
}

func TestCreateSyncRoundTrip(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	task := &Task{
		Name:        "Fix OAuth callback",
		OrgID:       "org1",
		ProjectID:   "proj1",
		Status:      TaskTodo,
		Priority:    PriorityHigh,
		Description: "Callback 500s on expired state",
		Tags:        []string{"auth", "bug"},
	}
	e := task.ToEntity()
	e.CreatedBy = "user:alice"

	id, err := deps.store.CreateSync(ctx, e)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := deps.store.Get(ctx, "org1", id)
	require.NoError(t, err)
	assert.Equal(t, KindTask, got.Type)
	assert.Equal(t, "Fix OAuth callback", got.Name)
	assert.Equal(t, "user:alice", got.CreatedBy)
	assert.False(t, got.Pending)

	back := TaskFromEntity(got)
	assert.Equal(t, "proj1", back.ProjectID)
	assert.Equal(t, TaskTodo, back.Status)
	assert.Equal(t, PriorityHigh, back.Priority)
	assert.Equal(t, []string{"auth", "bug"}, back.Tags)
	assert.Equal(t, "Callback 500s on expired state", back.Description)
}

func TestCreateSyncRequiresOrgAndType(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	_, err := deps.store.CreateSync(ctx, &Entity{Type: KindTask, Name: "no org"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "organization_id")

	_, err = deps.store.CreateSync(ctx, &Entity{OrgID: "org1", Name: "no type"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type")
}

func TestGetIsOrgScoped(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	id, err := deps.store.CreateSync(ctx, &Entity{Type: KindTask, Name: "t", OrgID: "org1"})
	require.NoError(t, err)

	_, err = deps.store.Get(ctx, "org2", id)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = deps.store.Get(ctx, "org1", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateMergesMetadata(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	task := &Task{Name: "Ship importer", OrgID: "org1", Status: TaskTodo, Priority: PriorityLow}
	id, err := deps.store.CreateSync(ctx, task.ToEntity())
	require.NoError(t, err)

	first, err := deps.store.Get(ctx, "org1", id)
	require.NoError(t, err)

	updated, err := deps.store.Update(ctx, "org1", id, map[string]interface{}{
		"name":           "Ship CSV importer",
		"status":         TaskDoing,
		"assigned_agent": "agent-1",
		"modified_by":    "orchestrator",
	})
	require.NoError(t, err)
	assert.Equal(t, "Ship CSV importer", updated.Name)
	assert.Equal(t, "orchestrator", updated.ModifiedBy)
	assert.Equal(t, "doing", updated.Metadata["status"])
	assert.Equal(t, "agent-1", updated.Metadata["assigned_agent"])
	// Untouched keys survive the merge.
	assert.Equal(t, "low", updated.Metadata["priority"])
	assert.True(t, updated.UpdatedAt.After(first.UpdatedAt) || updated.UpdatedAt.Equal(first.UpdatedAt.Add(time.Microsecond)))

	got, err := deps.store.Get(ctx, "org1", id)
	require.NoError(t, err)
	assert.Equal(t, "doing", got.Metadata["status"])
	assert.Equal(t, "Ship CSV importer", got.Name)
}

func TestUpdateNilRemovesKey(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	id, err := deps.store.CreateSync(ctx, &Entity{
		Type: KindTask, Name: "t", OrgID: "org1",
		Metadata: map[string]interface{}{"assigned_agent": "agent-1", "status": "doing"},
	})
	require.NoError(t, err)

	updated, err := deps.store.Update(ctx, "org1", id, map[string]interface{}{
		"assigned_agent": nil,
	})
	require.NoError(t, err)
	_, present := updated.Metadata["assigned_agent"]
	assert.False(t, present)
	assert.Equal(t, "doing", updated.Metadata["status"])
}

func TestUpdateMissingEntity(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	_, err := deps.store.Update(ctx, "org1", "nope", map[string]interface{}{"status": "doing"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	id, err := deps.store.CreateSync(ctx, &Entity{Type: KindTask, Name: "t", OrgID: "org1"})
	require.NoError(t, err)

	require.NoError(t, deps.store.Delete(ctx, "org1", id))
	_, err = deps.store.Get(ctx, "org1", id)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, deps.store.Delete(ctx, "org1", id))
}

func TestSearchFindsByNameAndKind(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	_, err := deps.store.CreateSync(ctx, &Entity{Type: KindTask, Name: "Fix OAuth login", OrgID: "org1"})
	require.NoError(t, err)
	_, err = deps.store.CreateSync(ctx, &Entity{Type: KindEpic, Name: "OAuth migration", OrgID: "org1"})
	require.NoError(t, err)
	_, err = deps.store.CreateSync(ctx, &Entity{Type: KindTask, Name: "Write release notes", OrgID: "org1"})
	require.NoError(t, err)

	results, err := deps.store.Search(ctx, "org1", "OAuth", nil, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	onlyTasks, err := deps.store.Search(ctx, "org1", "OAuth", []Kind{KindTask}, 10)
	require.NoError(t, err)
	require.Len(t, onlyTasks, 1)
	assert.Equal(t, "Fix OAuth login", onlyTasks[0].Entity.Name)

	other, err := deps.store.Search(ctx, "org2", "OAuth", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSearchSurvivesHostileQuery(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	_, err := deps.store.CreateSync(ctx, &Entity{Type: KindTask, Name: "Fix OAuth login", OrgID: "org1"})
	require.NoError(t, err)

	results, err := deps.store.Search(ctx, "org1", `OAuth" OR 1=1 --`, nil, 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "Fix OAuth login", results[0].Entity.Name)
}

func TestSanitizeQuery(t *testing.T) {
	assert.Equal(t, "oauth login", SanitizeQuery(`oauth* "login"`))
	assert.Equal(t, "a b", SanitizeQuery("  a    b  "))
	assert.Equal(t, "", SanitizeQuery(`+-&|!(){}[]^~*?:\/`))
}

func TestLinkCreatesEdge(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	taskID, err := deps.store.CreateSync(ctx, &Entity{Type: KindTask, Name: "t", OrgID: "org1"})
	require.NoError(t, err)
	epicID, err := deps.store.CreateSync(ctx, &Entity{Type: KindEpic, Name: "e", OrgID: "org1"})
	require.NoError(t, err)

	require.NoError(t, deps.store.Link(ctx, "org1", EdgeBelongsTo, taskID, epicID))

	sources, err := deps.graph.SourcesOf(ctx, "org1", EdgeBelongsTo, epicID, string(KindTask))
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, taskID, sources[0].UUID)
}

func TestTaskTransitionAutoStartsEpic(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	epic := &Epic{Name: "Checkout revamp", OrgID: "org1", ProjectID: "proj1", Status: EpicPlanning}
	epicID, err := deps.store.CreateSync(ctx, epic.ToEntity())
	require.NoError(t, err)

	task := &Task{Name: "Add cart API", OrgID: "org1", ProjectID: "proj1", EpicID: epicID, Status: TaskTodo}
	taskID, err := deps.store.CreateSync(ctx, task.ToEntity())
	require.NoError(t, err)

	_, err = deps.store.Update(ctx, "org1", taskID, map[string]interface{}{"status": TaskDoing})
	require.NoError(t, err)

	got, err := deps.store.Get(ctx, "org1", epicID)
	require.NoError(t, err)
	assert.Equal(t, EpicInProgress, EpicFromEntity(got).Status)
}

func TestEpicAutoStartIsOneWay(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	epic := &Epic{Name: "Done epic", OrgID: "org1", ProjectID: "proj1", Status: EpicCompleted}
	epicID, err := deps.store.CreateSync(ctx, epic.ToEntity())
	require.NoError(t, err)

	task := &Task{Name: "Straggler", OrgID: "org1", ProjectID: "proj1", EpicID: epicID, Status: TaskTodo}
	taskID, err := deps.store.CreateSync(ctx, task.ToEntity())
	require.NoError(t, err)

	// Only planning epics are promoted; a completed epic stays completed,
	// and moving the task back out of an active status changes nothing.
	_, err = deps.store.Update(ctx, "org1", taskID, map[string]interface{}{"status": TaskBlocked})
	require.NoError(t, err)
	got, err := deps.store.Get(ctx, "org1", epicID)
	require.NoError(t, err)
	assert.Equal(t, EpicCompleted, EpicFromEntity(got).Status)

	_, err = deps.store.Update(ctx, "org1", taskID, map[string]interface{}{"status": TaskTodo})
	require.NoError(t, err)
	got, err = deps.store.Get(ctx, "org1", epicID)
	require.NoError(t, err)
	assert.Equal(t, EpicCompleted, EpicFromEntity(got).Status)
}
