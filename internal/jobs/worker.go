package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/common/config"
	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/common/tracing"
	"github.com/sibyldev/sibyl/internal/events"
	"github.com/sibyldev/sibyl/internal/events/bus"
)

// HandlerFunc executes one named job. A returned error marks the job
// failed; panics are recovered and treated the same way.
type HandlerFunc func(ctx context.Context, job *Job) error

// Registry maps job names to handlers. Registration happens once at
// startup; resolution is concurrent from the worker goroutines.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a job name, replacing any previous binding.
func (r *Registry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Resolve looks up the handler for a job name.
func (r *Registry) Resolve(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// dequeueWait bounds each blocking pop so workers notice shutdown.
const dequeueWait = 2 * time.Second

// Worker drains the queue with a fixed pool of goroutines. Each job gets
// job.started / job.completed / job.failed lifecycle events; publish
// failures never fail the job.
type Worker struct {
	queue       *Queue
	registry    *Registry
	bus         bus.EventBus
	logger      *logger.Logger
	concurrency int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.Mutex
	started   bool
	processed int64
	failed    int64
}

// NewWorker builds the pool. Concurrency below one is raised to one.
func NewWorker(cfg config.JobsConfig, queue *Queue, registry *Registry, eventBus bus.EventBus, log *logger.Logger) *Worker {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:       queue,
		registry:    registry,
		bus:         eventBus,
		logger:      log.WithFields(zap.String("component", "job-worker"), zap.String("queue", queue.Name())),
		concurrency: concurrency,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the worker goroutines. Calling Start twice is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Warn("worker already started")
		return
	}
	w.started = true
	w.mu.Unlock()

	w.logger.Info("job worker starting", zap.Int("concurrency", w.concurrency))
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
}

// Stop drains the pool: workers finish their in-flight jobs and exit.
// Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.logger.Info("job worker stopped",
		zap.Int64("processed", w.Processed()),
		zap.Int64("failed", w.Failed()))
}

// Processed returns the number of jobs that completed without error.
func (w *Worker) Processed() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processed
}

// Failed returns the number of jobs that errored, panicked, or had no
// registered handler.
func (w *Worker) Failed() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

func (w *Worker) run(ctx context.Context, id int) {
	defer w.wg.Done()
	log := w.logger.WithFields(zap.Int("worker", id))
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", zap.Error(err))
			select {
			case <-w.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}
		w.dispatch(ctx, job)
	}
}

func (w *Worker) dispatch(ctx context.Context, job *Job) {
	log := w.logger.WithFields(zap.String("job_id", job.ID), zap.String("job", job.Name))

	handler, ok := w.registry.Resolve(job.Name)
	if !ok {
		log.Error("no handler registered for job")
		w.count(false)
		w.publish(ctx, events.JobFailed, job, "no handler registered", 0)
		return
	}

	w.publish(ctx, events.JobStarted, job, "", 0)
	jobCtx, span := tracing.Tracer("sibyl-jobs").Start(ctx, "job."+job.Name)
	span.SetAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("queue", w.queue.Name()),
	)
	start := time.Now()
	err := w.invoke(jobCtx, handler, job)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		log.Error("job failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		w.count(false)
		w.publish(ctx, events.JobFailed, job, err.Error(), elapsed)
		return
	}
	span.End()
	log.Info("job completed", zap.Duration("elapsed", elapsed))
	w.count(true)
	w.publish(ctx, events.JobCompleted, job, "", elapsed)
}

// invoke runs the handler with panic containment. A panicking job must
// not take its worker goroutine down with it.
func (w *Worker) invoke(ctx context.Context, handler HandlerFunc, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panicked",
				zap.String("job_id", job.ID),
				zap.String("job", job.Name),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return handler(ctx, job)
}

func (w *Worker) count(ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ok {
		w.processed++
	} else {
		w.failed++
	}
}

// publish emits a job lifecycle event. Fire-and-forget: a broken bus is
// logged and the job outcome stands.
func (w *Worker) publish(ctx context.Context, eventType string, job *Job, errMsg string, elapsed time.Duration) {
	if w.bus == nil {
		return
	}
	data := map[string]interface{}{
		"job_id": job.ID,
		"job":    job.Name,
		"queue":  w.queue.Name(),
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	if elapsed > 0 {
		data["duration_ms"] = elapsed.Milliseconds()
	}
	evt := bus.NewEvent(eventType, "job-worker", data)
	if err := w.bus.Publish(ctx, eventType, evt); err != nil {
		w.logger.Warn("job event publish failed",
			zap.String("event", eventType),
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
}
