package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/entity"
	"github.com/sibyldev/sibyl/internal/kv"
)

// Services hand work to the runtime through this interface.
var _ entity.Enqueuer = (*Queue)(nil)

func newTestQueue(t *testing.T) (*Queue, kv.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	store := kv.NewMemoryStore()
	return NewQueue("default", store, log), store
}

func TestQueueIsFIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	for _, name := range []string{"first.job", "second.job", "third.job"} {
		require.NoError(t, q.Enqueue(ctx, name, map[string]interface{}{"n": name}))
	}

	for _, want := range []string{"first.job", "second.job", "third.job"} {
		job, err := q.Dequeue(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.Name)
		assert.Equal(t, want, job.Args["n"])
		assert.NotEmpty(t, job.ID)
		assert.False(t, job.EnqueuedAt.IsZero())
	}
}

func TestDequeueEmptyQueueReturnsNil(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	start := time.Now()
	job, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestDequeueDropsMalformedPayload(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)

	require.NoError(t, store.LPush(ctx, kv.JobQueueKey("default"), "not json"))
	require.NoError(t, q.Enqueue(ctx, "good.job", nil))

	// the bad payload is consumed and dropped, not left wedging the head
	job, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "good.job", job.Name)
}

func TestEnqueueRequiresName(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.Error(t, q.Enqueue(context.Background(), "", nil))
}
