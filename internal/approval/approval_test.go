package approval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyldev/sibyl/internal/common/config"
	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/db"
	"github.com/sibyldev/sibyl/internal/entity"
	"github.com/sibyldev/sibyl/internal/entity/graph"
	"github.com/sibyldev/sibyl/internal/events/bus"
	"github.com/sibyldev/sibyl/internal/kv"
	"github.com/sibyldev/sibyl/internal/locks"
)

const testOrg = "org-approvals"

type queueDeps struct {
	queue *Queue
	store *entity.Store
	kv    kv.Store
	bus   *bus.MemoryEventBus
}

func newTestQueue(t *testing.T) *queueDeps {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	pool, err := db.Open(config.DatabaseConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "approvals.db"),
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	g, err := graph.NewSQLStore(pool)
	require.NoError(t, err)

	kvStore := kv.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	store := entity.NewStore(g, locks.NewManager(kvStore), kvStore, eventBus, log)
	return &queueDeps{
		queue: NewQueue(store, kvStore, eventBus, log),
		store: store,
		kv:    kvStore,
		bus:   eventBus,
	}
}

func seedAgent(t *testing.T, deps *queueDeps, agentID string) {
	t.Helper()
	rec := &entity.AgentRecord{
		ID:          agentID,
		Name:        "dev-" + agentID,
		OrgID:       testOrg,
		AgentType:   "developer",
		SpawnSource: entity.SpawnUser,
		Status:      entity.AgentWorking,
	}
	_, err := deps.store.CreateSync(context.Background(), rec.ToEntity())
	require.NoError(t, err)
}

func enqueueBasic(t *testing.T, deps *queueDeps, agentID string, expiry time.Duration) *entity.ApprovalRecord {
	t.Helper()
	rec, err := deps.queue.Enqueue(context.Background(), EnqueueRequest{
		OrgID:   testOrg,
		AgentID: agentID,
		Type:    entity.ApprovalToolUse,
		Title:   "Run make deploy",
		Summary: "The agent wants to run the deploy target",
		Expiry:  expiry,
	})
	require.NoError(t, err)
	return rec
}

func TestEnqueueCreatesRecordMirrorAndStatus(t *testing.T) {
	ctx := context.Background()
	deps := newTestQueue(t)
	seedAgent(t, deps, "agent-1")

	before := time.Now().UTC()
	rec, err := deps.queue.Enqueue(ctx, EnqueueRequest{
		OrgID:    testOrg,
		AgentID:  "agent-1",
		TaskID:   "task-9",
		Type:     entity.ApprovalQuestion,
		Priority: entity.PriorityHigh,
		Title:    "Which database?",
		Summary:  "Postgres or SQLite for the new service",
		Actions:  []string{"postgres", "sqlite"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, entity.ApprovalPending, rec.Status)
	assert.Equal(t, entity.ApprovalQuestion, rec.ApprovalType)
	assert.True(t, rec.ExpiresAt.After(before.Add(23*time.Hour)), "default expiry should be about a day out")

	stored, err := deps.queue.Get(ctx, testOrg, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Which database?", stored.Title)
	assert.Equal(t, "agent-1", stored.AgentID)
	assert.Equal(t, []string{"postgres", "sqlite"}, stored.Actions)

	raw, err := deps.kv.Get(ctx, kv.PendingApprovalKey("agent-1", rec.ID))
	require.NoError(t, err)
	assert.Contains(t, raw, rec.ID)
	assert.Contains(t, raw, testOrg)

	agentEnt, err := deps.store.Get(ctx, testOrg, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, entity.AgentWaitingApproval, entity.AgentFromEntity(agentEnt).Status)
}

func TestEnqueueDefaults(t *testing.T) {
	deps := newTestQueue(t)
	seedAgent(t, deps, "agent-1")

	rec, err := deps.queue.Enqueue(context.Background(), EnqueueRequest{
		OrgID:   testOrg,
		AgentID: "agent-1",
		Title:   "Edit config",
	})
	require.NoError(t, err)
	assert.Equal(t, entity.ApprovalToolUse, rec.ApprovalType)
	assert.Equal(t, entity.PriorityMedium, rec.Priority)
}

func TestEnqueueValidation(t *testing.T) {
	deps := newTestQueue(t)

	_, err := deps.queue.Enqueue(context.Background(), EnqueueRequest{OrgID: testOrg, AgentID: "a"})
	assert.Error(t, err)

	_, err = deps.queue.Enqueue(context.Background(), EnqueueRequest{Title: "no ids"})
	assert.Error(t, err)
}

func TestRespondResolvesLiveWaiter(t *testing.T) {
	ctx := context.Background()
	deps := newTestQueue(t)
	seedAgent(t, deps, "agent-1")
	rec := enqueueBasic(t, deps, "agent-1", 0)

	type waitResult struct {
		resp *Response
		err  error
	}
	done := make(chan waitResult, 1)
	go func() {
		resp, err := deps.queue.WaitForResponse(ctx, testOrg, rec.ID, 5*time.Second)
		done <- waitResult{resp, err}
	}()

	// Give the waiter time to subscribe before answering.
	time.Sleep(50 * time.Millisecond)
	resp, err := deps.queue.Respond(ctx, testOrg, rec.ID, true, "looks safe", "alice")
	require.NoError(t, err)
	assert.True(t, resp.Approved)

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.True(t, got.resp.Approved)
		assert.Equal(t, "alice", got.resp.By)
		assert.Equal(t, "looks safe", got.resp.Message)
		assert.False(t, got.resp.Timeout)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not resolve after respond")
	}

	stored, err := deps.queue.Get(ctx, testOrg, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ApprovalApproved, stored.Status)
	assert.NotNil(t, stored.RespondedAt)
	assert.Equal(t, "alice", stored.ResponseBy)

	_, err = deps.kv.Get(ctx, kv.PendingApprovalKey("agent-1", rec.ID))
	assert.ErrorIs(t, err, kv.ErrNotFound, "pending mirror should be cleared")

	mirror, err := deps.kv.Get(ctx, kv.ApprovalResponseKey(rec.ID))
	require.NoError(t, err)
	assert.Contains(t, mirror, "alice")
}

func TestWaitForResponseFindsEarlierAnswer(t *testing.T) {
	ctx := context.Background()
	deps := newTestQueue(t)
	seedAgent(t, deps, "agent-1")
	rec := enqueueBasic(t, deps, "agent-1", 0)

	_, err := deps.queue.Respond(ctx, testOrg, rec.ID, false, "not on a Friday", "bob")
	require.NoError(t, err)

	start := time.Now()
	resp, err := deps.queue.WaitForResponse(ctx, testOrg, rec.ID, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, resp.Approved)
	assert.Equal(t, "bob", resp.By)
	assert.Less(t, time.Since(start), 5*time.Second, "answered approval should not block")
}

func TestWaitForResponseTimeoutDenies(t *testing.T) {
	ctx := context.Background()
	deps := newTestQueue(t)
	seedAgent(t, deps, "agent-1")
	rec := enqueueBasic(t, deps, "agent-1", 0)

	resp, err := deps.queue.WaitForResponse(ctx, testOrg, rec.ID, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, resp.Approved)
	assert.True(t, resp.Timeout)
	assert.Equal(t, SystemResponder, resp.By)
	assert.Equal(t, TimeoutMessage, resp.Message)

	stored, err := deps.queue.Get(ctx, testOrg, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ApprovalExpired, stored.Status)

	_, err = deps.kv.Get(ctx, kv.PendingApprovalKey("agent-1", rec.ID))
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestRespondConflictsAfterResolution(t *testing.T) {
	ctx := context.Background()
	deps := newTestQueue(t)
	seedAgent(t, deps, "agent-1")
	rec := enqueueBasic(t, deps, "agent-1", 0)

	_, err := deps.queue.Respond(ctx, testOrg, rec.ID, true, "", "alice")
	require.NoError(t, err)

	_, err = deps.queue.Respond(ctx, testOrg, rec.ID, false, "changed my mind", "alice")
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	stored, err := deps.queue.Get(ctx, testOrg, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ApprovalApproved, stored.Status, "first resolution wins")
}

func TestReattachWaiterNotWaiting(t *testing.T) {
	deps := newTestQueue(t)

	resp, err := deps.queue.ReattachWaiter(context.Background(), testOrg, "nope", time.Second)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestReattachWaiterReturnsRecordedResponse(t *testing.T) {
	ctx := context.Background()
	deps := newTestQueue(t)
	seedAgent(t, deps, "agent-1")
	rec := enqueueBasic(t, deps, "agent-1", 0)

	// Simulate a crash after the response mirror was written but before the
	// pending mirror was cleaned up.
	stored := &Response{ApprovalID: rec.ID, Approved: true, By: "carol"}
	payload := `{"approval_id":"` + rec.ID + `","approved":true,"by":"carol"}`
	require.NoError(t, deps.kv.SetEx(ctx, kv.ApprovalResponseKey(rec.ID), payload, time.Hour))

	resp, err := deps.queue.ReattachWaiter(ctx, testOrg, rec.ID, time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, stored.Approved, resp.Approved)
	assert.Equal(t, stored.By, resp.By)

	_, err = deps.kv.Get(ctx, kv.PendingApprovalKey("agent-1", rec.ID))
	assert.ErrorIs(t, err, kv.ErrNotFound, "reattach should clean the pending mirror")
}

func TestReattachWaiterExpiredDeadline(t *testing.T) {
	ctx := context.Background()
	deps := newTestQueue(t)
	seedAgent(t, deps, "agent-1")
	rec := enqueueBasic(t, deps, "agent-1", 10*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	resp, err := deps.queue.ReattachWaiter(ctx, testOrg, rec.ID, 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.Timeout)
	assert.Equal(t, SystemResponder, resp.By)

	stored, err := deps.queue.Get(ctx, testOrg, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ApprovalExpired, stored.Status)
}

func TestReattachWaiterClampsToRemainingExpiry(t *testing.T) {
	ctx := context.Background()
	deps := newTestQueue(t)
	seedAgent(t, deps, "agent-1")
	rec := enqueueBasic(t, deps, "agent-1", 150*time.Millisecond)

	start := time.Now()
	resp, err := deps.queue.ReattachWaiter(ctx, testOrg, rec.ID, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.Timeout)
	assert.Less(t, time.Since(start), 10*time.Second, "wait must be clamped to the approval expiry")
}

func TestReattachWaiterDeliversLiveResponse(t *testing.T) {
	ctx := context.Background()
	deps := newTestQueue(t)
	seedAgent(t, deps, "agent-1")
	rec := enqueueBasic(t, deps, "agent-1", 0)

	done := make(chan *Response, 1)
	go func() {
		resp, err := deps.queue.ReattachWaiter(ctx, testOrg, rec.ID, 5*time.Second)
		if err == nil {
			done <- resp
		}
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := deps.queue.Respond(ctx, testOrg, rec.ID, true, "resume away", "dave")
	require.NoError(t, err)

	select {
	case resp := <-done:
		require.NotNil(t, resp)
		assert.True(t, resp.Approved)
		assert.Equal(t, "dave", resp.By)
	case <-time.After(2 * time.Second):
		t.Fatal("reattached waiter did not resolve")
	}
}

func TestExpireStaleSweepsPastDue(t *testing.T) {
	ctx := context.Background()
	deps := newTestQueue(t)
	seedAgent(t, deps, "agent-1")

	stale := enqueueBasic(t, deps, "agent-1", 10*time.Millisecond)
	fresh := enqueueBasic(t, deps, "agent-1", time.Hour)

	time.Sleep(30 * time.Millisecond)
	n, err := deps.queue.ExpireStale(ctx, testOrg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	staleRec, err := deps.queue.Get(ctx, testOrg, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ApprovalExpired, staleRec.Status)

	freshRec, err := deps.queue.Get(ctx, testOrg, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ApprovalPending, freshRec.Status)
}

func TestCancelAllDeniesAgentApprovals(t *testing.T) {
	ctx := context.Background()
	deps := newTestQueue(t)
	seedAgent(t, deps, "agent-1")
	seedAgent(t, deps, "agent-2")

	first := enqueueBasic(t, deps, "agent-1", 0)
	second := enqueueBasic(t, deps, "agent-1", 0)
	other := enqueueBasic(t, deps, "agent-2", 0)

	n, err := deps.queue.CancelAll(ctx, testOrg, "agent-1", "agent terminated by operator")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{first.ID, second.ID} {
		rec, err := deps.queue.Get(ctx, testOrg, id)
		require.NoError(t, err)
		assert.Equal(t, entity.ApprovalDenied, rec.Status)
		assert.Equal(t, SystemResponder, rec.ResponseBy)
		assert.Equal(t, "agent terminated by operator", rec.ResponseMessage)
	}

	otherRec, err := deps.queue.Get(ctx, testOrg, other.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ApprovalPending, otherRec.Status)
	_, err = deps.kv.Get(ctx, kv.PendingApprovalKey("agent-2", other.ID))
	assert.NoError(t, err, "other agents' mirrors must survive")
}

func TestPendingFiltersByAgent(t *testing.T) {
	ctx := context.Background()
	deps := newTestQueue(t)
	seedAgent(t, deps, "agent-1")
	seedAgent(t, deps, "agent-2")

	a := enqueueBasic(t, deps, "agent-1", 0)
	enqueueBasic(t, deps, "agent-2", 0)

	mine, err := deps.queue.Pending(ctx, testOrg, "agent-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, a.ID, mine[0].ID)

	all, err := deps.queue.Pending(ctx, testOrg, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = deps.queue.Respond(ctx, testOrg, a.ID, true, "", "alice")
	require.NoError(t, err)
	mine, err = deps.queue.Pending(ctx, testOrg, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestGetRejectsWrongKind(t *testing.T) {
	ctx := context.Background()
	deps := newTestQueue(t)
	seedAgent(t, deps, "agent-1")

	_, err := deps.queue.Get(ctx, testOrg, "agent-1")
	assert.ErrorIs(t, err, entity.ErrNotFound)

	_, err = deps.queue.Get(ctx, testOrg, "missing")
	assert.True(t, errors.Is(err, entity.ErrNotFound))
}
