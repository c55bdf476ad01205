package entity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyldev/sibyl/internal/common/retry"
	"github.com/sibyldev/sibyl/internal/entity/graph"
	"github.com/sibyldev/sibyl/internal/events"
	"github.com/sibyldev/sibyl/internal/events/bus"
	"github.com/sibyldev/sibyl/internal/kv"
)

var fastRetry = retry.Policy{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxAttempts:     3,
}

type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []string
	args []map[string]interface{}
}

func (c *captureEnqueuer) Enqueue(_ context.Context, job string, args map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job)
	c.args = append(c.args, args)
	return nil
}

// flakyGraph fails the first n writes, then delegates.
type flakyGraph struct {
	graph.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyGraph) MergeNode(ctx context.Context, n *graph.Node) error {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("graph write wedged")
	}
	return f.Store.MergeNode(ctx, n)
}

type stubEmbedder struct {
	vecs map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vecs[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func TestCreateAsyncInlineConverges(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	id, err := deps.store.CreateAsync(ctx, &Entity{
		Type: KindTask, Name: "Wire webhooks", OrgID: "org1",
		Metadata: map[string]interface{}{"status": "todo"},
	}, nil, nil)
	require.NoError(t, err)

	got, err := deps.store.Get(ctx, "org1", id)
	require.NoError(t, err)
	assert.False(t, got.Pending)
	assert.Equal(t, "Wire webhooks", got.Name)

	// The pending record is gone once the pipeline finishes.
	_, err = deps.kv.Get(ctx, kv.EntityPendingKey("org1", id))
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestCreateAsyncEnqueuesJob(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	enq := &captureEnqueuer{}
	deps.store.WithEnqueuer(enq)

	id, err := deps.store.CreateAsync(ctx, &Entity{Type: KindTask, Name: "Queued task", OrgID: "org1"}, nil, nil)
	require.NoError(t, err)

	require.Len(t, enq.jobs, 1)
	assert.Equal(t, CreateJobName, enq.jobs[0])
	assert.Equal(t, id, enq.args[0]["entity_id"])
	assert.Equal(t, "org1", enq.args[0]["organization_id"])

	// Before the job runs, reads observe the staged entity as pending.
	got, err := deps.store.Get(ctx, "org1", id)
	require.NoError(t, err)
	assert.True(t, got.Pending)
	assert.Equal(t, "Queued task", got.Name)

	require.NoError(t, deps.store.ProcessAsyncCreate(ctx, "org1", id))

	got, err = deps.store.Get(ctx, "org1", id)
	require.NoError(t, err)
	assert.False(t, got.Pending)
}

func TestCreateAsyncAppliesRelationships(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	epicID, err := deps.store.CreateSync(ctx, &Entity{Type: KindEpic, Name: "Billing", OrgID: "org1"})
	require.NoError(t, err)
	agentID, err := deps.store.CreateSync(ctx, &Entity{Type: KindAgent, Name: "agent", OrgID: "org1"})
	require.NoError(t, err)

	taskID, err := deps.store.CreateAsync(ctx, &Entity{Type: KindTask, Name: "Invoice PDFs", OrgID: "org1"},
		[]Relationship{
			{Type: EdgeBelongsTo, TargetID: epicID},
			{Type: EdgeWorksOn, TargetID: agentID, Reverse: true},
		}, nil)
	require.NoError(t, err)

	under, err := deps.graph.SourcesOf(ctx, "org1", EdgeBelongsTo, epicID, string(KindTask))
	require.NoError(t, err)
	require.Len(t, under, 1)
	assert.Equal(t, taskID, under[0].UUID)

	// Reverse flips direction: the agent works on the task.
	workers, err := deps.graph.SourcesOf(ctx, "org1", EdgeWorksOn, taskID, "")
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, agentID, workers[0].UUID)
}

func TestCreateAsyncRejectsBadRelationship(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	_, err := deps.store.CreateAsync(ctx, &Entity{Type: KindTask, Name: "t", OrgID: "org1"},
		[]Relationship{{Type: "", TargetID: "x"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relationship")
}

func TestCreateAsyncRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	flaky := &flakyGraph{Store: deps.graph, failures: 2}
	store := NewStore(flaky, deps.locks, deps.kv, deps.bus, deps.log).
		WithRetryPolicy(fastRetry)

	id, err := store.CreateAsync(ctx, &Entity{Type: KindTask, Name: "Survives blips", OrgID: "org1"}, nil, nil)
	require.NoError(t, err)

	got, err := store.Get(ctx, "org1", id)
	require.NoError(t, err)
	assert.False(t, got.Pending)
	assert.Equal(t, "Survives blips", got.Name)
}

func TestCreateAsyncExhaustionMarksFailed(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	failed := make(chan *bus.Event, 1)
	_, err := deps.bus.Subscribe(events.EntityCreateFailed, func(_ context.Context, e *bus.Event) error {
		select {
		case failed <- e:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	flaky := &flakyGraph{Store: deps.graph, failures: 100}
	store := NewStore(flaky, deps.locks, deps.kv, deps.bus, deps.log).
		WithRetryPolicy(fastRetry)

	id, err := store.CreateAsync(ctx, &Entity{Type: KindTask, Name: "Doomed", OrgID: "org1"}, nil, nil)
	require.NoError(t, err)

	select {
	case e := <-failed:
		assert.Equal(t, id, e.Data["entity_id"])
		assert.Contains(t, e.Data["error"], "wedged")
	case <-time.After(2 * time.Second):
		t.Fatal("no failure event")
	}

	// Failed pending records stop serving reads but survive for inspection.
	rec, ok, err := store.loadPending(ctx, "org1", id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pendingStatusFailed, rec.Status)
	assert.NotEmpty(t, rec.Error)
	_, err = store.Get(ctx, "org1", id)
	require.ErrorIs(t, err, ErrNotFound)

	// Re-processing a failed record is a no-op.
	require.NoError(t, store.ProcessAsyncCreate(ctx, "org1", id))
}

func TestUpdateWhilePendingIsQueued(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	deps.store.WithEnqueuer(&captureEnqueuer{})

	id, err := deps.store.CreateAsync(ctx, &Entity{
		Type: KindTask, Name: "Pending work", OrgID: "org1",
		Metadata: map[string]interface{}{"status": "todo"},
	}, nil, nil)
	require.NoError(t, err)

	updated, err := deps.store.Update(ctx, "org1", id, map[string]interface{}{"status": TaskDoing})
	require.NoError(t, err)
	assert.True(t, updated.Pending)
	assert.Equal(t, "doing", updated.Metadata["status"])

	// Pending reads see queued patches before the node exists.
	got, err := deps.store.Get(ctx, "org1", id)
	require.NoError(t, err)
	assert.True(t, got.Pending)
	assert.Equal(t, "doing", got.Metadata["status"])

	require.NoError(t, deps.store.ProcessAsyncCreate(ctx, "org1", id))

	got, err = deps.store.Get(ctx, "org1", id)
	require.NoError(t, err)
	assert.False(t, got.Pending)
	assert.Equal(t, "doing", got.Metadata["status"])
}

func TestAutoLinkBySimilarity(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	deps.store.WithEmbedder(&stubEmbedder{vecs: map[string][]float32{
		"Fix OAuth login":    {1, 0, 0},
		"Write docs":         {0, 1, 0},
		"OAuth login errors": {0.9, 0.1, 0},
	}})

	oauthID, err := deps.store.CreateSync(ctx, &Entity{Type: KindTask, Name: "Fix OAuth login", OrgID: "org1"})
	require.NoError(t, err)
	_, err = deps.store.CreateSync(ctx, &Entity{Type: KindTask, Name: "Write docs", OrgID: "org1"})
	require.NoError(t, err)

	id, err := deps.store.CreateAsync(ctx,
		&Entity{Type: KindTask, Name: "OAuth login errors", OrgID: "org1"},
		nil, &AutoLinkParams{Enabled: true})
	require.NoError(t, err)

	related, err := deps.graph.TargetsOf(ctx, "org1", EdgeRelatedTo, id, "")
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, oauthID, related[0].UUID)

	_, edges, err := deps.graph.ExportGroup(ctx, "org1")
	require.NoError(t, err)
	var sim float64
	for _, e := range edges {
		if e.Type == EdgeRelatedTo {
			sim, _ = e.Props["similarity"].(float64)
		}
	}
	assert.GreaterOrEqual(t, sim, AutoLinkThreshold)
}

func TestAutoLinkHonorsLimit(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	deps.store.WithEmbedder(&stubEmbedder{vecs: map[string][]float32{}})

	// Everything embeds to the same default vector, so all candidates tie
	// at similarity 1.0 and only the limit caps the fan-out.
	for i := 0; i < 8; i++ {
		_, err := deps.store.CreateSync(ctx, &Entity{Type: KindTask, Name: "clone", OrgID: "org1"})
		require.NoError(t, err)
	}

	id, err := deps.store.CreateAsync(ctx,
		&Entity{Type: KindTask, Name: "one more clone", OrgID: "org1"},
		nil, &AutoLinkParams{Enabled: true})
	require.NoError(t, err)

	related, err := deps.graph.TargetsOf(ctx, "org1", EdgeRelatedTo, id, "")
	require.NoError(t, err)
	assert.Len(t, related, AutoLinkLimit)
}
