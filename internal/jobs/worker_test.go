package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyldev/sibyl/internal/common/config"
	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/events"
	"github.com/sibyldev/sibyl/internal/events/bus"
	"github.com/sibyldev/sibyl/internal/kv"
)

type workerHarness struct {
	queue    *Queue
	registry *Registry
	worker   *Worker
	bus      *bus.MemoryEventBus
}

func newWorkerHarness(t *testing.T, concurrency int) *workerHarness {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	queue := NewQueue("default", kv.NewMemoryStore(), log)
	registry := NewRegistry()
	worker := NewWorker(config.JobsConfig{Queue: "default", Concurrency: concurrency},
		queue, registry, eventBus, log)
	t.Cleanup(worker.Stop)
	return &workerHarness{queue: queue, registry: registry, worker: worker, bus: eventBus}
}

func (h *workerHarness) events(t *testing.T, subject string) <-chan *bus.Event {
	t.Helper()
	ch := make(chan *bus.Event, 32)
	_, err := h.bus.Subscribe(subject, func(ctx context.Context, e *bus.Event) error {
		ch <- e
		return nil
	})
	require.NoError(t, err)
	return ch
}

func waitJobEvent(t *testing.T, ch <-chan *bus.Event) *bus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for job event")
		return nil
	}
}

func TestWorkerProcessesJobsInOrder(t *testing.T) {
	ctx := context.Background()
	h := newWorkerHarness(t, 1)

	var mu sync.Mutex
	var seen []string
	h.registry.Register("record.job", func(ctx context.Context, job *Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, stringArg(job.Args, "n"))
		return nil
	})

	completed := h.events(t, events.JobCompleted)
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, h.queue.Enqueue(ctx, "record.job", map[string]interface{}{"n": n}))
	}
	h.worker.Start(ctx)

	for i := 0; i < 3; i++ {
		ev := waitJobEvent(t, completed)
		assert.Equal(t, "record.job", ev.Data["job"])
	}
	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	mu.Unlock()
	assert.Equal(t, int64(3), h.worker.Processed())
	assert.Equal(t, int64(0), h.worker.Failed())
}

func TestWorkerPublishesFailures(t *testing.T) {
	ctx := context.Background()
	h := newWorkerHarness(t, 2)

	h.registry.Register("flaky.job", func(ctx context.Context, job *Job) error {
		return fmt.Errorf("backend unavailable")
	})
	started := h.events(t, events.JobStarted)
	failed := h.events(t, events.JobFailed)

	require.NoError(t, h.queue.Enqueue(ctx, "flaky.job", nil))
	h.worker.Start(ctx)

	sv := waitJobEvent(t, started)
	assert.Equal(t, "flaky.job", sv.Data["job"])
	assert.Equal(t, "default", sv.Data["queue"])

	ev := waitJobEvent(t, failed)
	assert.Equal(t, "flaky.job", ev.Data["job"])
	assert.Equal(t, "backend unavailable", ev.Data["error"])

	assert.Equal(t, int64(1), h.worker.Failed())
	assert.Equal(t, int64(0), h.worker.Processed())
}

func TestWorkerRecoversFromPanickingHandler(t *testing.T) {
	ctx := context.Background()
	h := newWorkerHarness(t, 1)

	h.registry.Register("explode.job", func(ctx context.Context, job *Job) error {
		panic("boom")
	})
	h.registry.Register("after.job", func(ctx context.Context, job *Job) error {
		return nil
	})
	failed := h.events(t, events.JobFailed)
	completed := h.events(t, events.JobCompleted)

	require.NoError(t, h.queue.Enqueue(ctx, "explode.job", nil))
	h.worker.Start(ctx)

	ev := waitJobEvent(t, failed)
	assert.Contains(t, ev.Data["error"], "panicked")
	assert.Equal(t, int64(1), h.worker.Failed())

	// the worker goroutine survived the panic
	require.NoError(t, h.queue.Enqueue(ctx, "after.job", nil))
	waitJobEvent(t, completed)
	assert.Equal(t, int64(1), h.worker.Processed())
}

func TestWorkerFailsUnknownJobs(t *testing.T) {
	ctx := context.Background()
	h := newWorkerHarness(t, 1)
	failed := h.events(t, events.JobFailed)

	require.NoError(t, h.queue.Enqueue(ctx, "ghost.job", nil))
	h.worker.Start(ctx)

	ev := waitJobEvent(t, failed)
	assert.Equal(t, "ghost.job", ev.Data["job"])
	assert.Equal(t, "no handler registered", ev.Data["error"])
	assert.Equal(t, int64(1), h.worker.Failed())
}

func TestWorkerStopDrainsInFlightJob(t *testing.T) {
	ctx := context.Background()
	h := newWorkerHarness(t, 1)

	running := make(chan struct{})
	release := make(chan struct{})
	h.registry.Register("slow.job", func(ctx context.Context, job *Job) error {
		close(running)
		<-release
		return nil
	})

	require.NoError(t, h.queue.Enqueue(ctx, "slow.job", nil))
	h.worker.Start(ctx)

	select {
	case <-running:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}

	stopped := make(chan struct{})
	go func() {
		h.worker.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not return after the job finished")
	}
	assert.Equal(t, int64(1), h.worker.Processed())
}

func TestWorkerStartTwiceIsNoOp(t *testing.T) {
	ctx := context.Background()
	h := newWorkerHarness(t, 2)
	completed := h.events(t, events.JobCompleted)

	h.registry.Register("noop.job", func(ctx context.Context, job *Job) error { return nil })
	h.worker.Start(ctx)
	h.worker.Start(ctx)

	require.NoError(t, h.queue.Enqueue(ctx, "noop.job", nil))
	waitJobEvent(t, completed)
	assert.Equal(t, int64(1), h.worker.Processed())
}

func TestWorkerConcurrencyFloor(t *testing.T) {
	h := newWorkerHarness(t, 0)
	assert.Equal(t, 1, h.worker.concurrency)
}
