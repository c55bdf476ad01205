package sandbox

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/common/tracing"
	"github.com/sibyldev/sibyl/internal/events"
	"github.com/sibyldev/sibyl/internal/events/bus"
)

// SendFunc delivers one dispatched task to a runner. A non-nil error means
// the attempt did not reach the runner and the task goes back to retry or,
// when out of attempts, to failed.
type SendFunc func(ctx context.Context, t *Task) error

// DispatcherOptions tune the durable task queue.
type DispatcherOptions struct {
	DispatchTTL  time.Duration
	AckTTL       time.Duration
	ReapInterval time.Duration
	BatchSize    int
}

func (o *DispatcherOptions) fill() {
	if o.DispatchTTL <= 0 {
		o.DispatchTTL = DefaultDispatchTTL
	}
	if o.AckTTL <= 0 {
		o.AckTTL = DefaultAckTTL
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
}

// Dispatcher runs the durable sandbox task queue: enqueue, transactional
// dispatch, ack, completion, and lease reaping. Delivery is at-least-once;
// runners deduplicate by task id.
type Dispatcher struct {
	store  *Store
	bus    bus.EventBus
	logger *logger.Logger
	opts   DispatcherOptions
}

// NewDispatcher wires a dispatcher over the sandbox store.
func NewDispatcher(store *Store, eventBus bus.EventBus, log *logger.Logger, opts DispatcherOptions) *Dispatcher {
	opts.fill()
	return &Dispatcher{
		store:  store,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "sandbox.dispatcher")),
		opts:   opts,
	}
}

// Enqueue adds a task to the sandbox's queue. Re-enqueueing with the same
// idempotency key while the earlier task is still active returns that task.
func (d *Dispatcher) Enqueue(ctx context.Context, t *Task) (*Task, error) {
	queued, err := d.store.EnqueueTask(ctx, t)
	if err != nil {
		return nil, err
	}
	if queued.ID == t.ID {
		d.publish(ctx, events.SandboxTaskQueued, queued, "")
	}
	return queued, nil
}

// Dispatch claims due tasks for the sandbox and hands each to send. Claims
// mark the row dispatched and spend one attempt before send runs, so a
// crash between claim and delivery is indistinguishable from a lost send
// and resolves through the same retry path. Returns how many tasks were
// delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, orgID, sandboxID string, send SendFunc) (int, error) {
	ctx, span := tracing.Tracer("sibyl-sandbox").Start(ctx, "sandbox.dispatch")
	span.SetAttributes(attribute.String("sandbox_id", sandboxID))
	defer span.End()

	claimed, err := d.store.ClaimDispatchable(ctx, orgID, sandboxID, d.opts.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("claimed", len(claimed)))

	delivered := 0
	for _, t := range claimed {
		if err := send(ctx, t); err != nil {
			d.logger.Warn("sandbox task send failed",
				zap.String("task_id", t.ID),
				zap.Int("attempt", t.AttemptCount),
				zap.Error(err))
			d.failOrRetry(ctx, t)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// failOrRetry routes a send failure. The attempt was spent at claim time,
// so a task already at its budget fails now rather than re-entering retry.
func (d *Dispatcher) failOrRetry(ctx context.Context, t *Task) {
	if t.AttemptCount < t.MaxAttempts {
		if err := d.store.MarkTaskRetry(ctx, t.OrgID, t.ID); err != nil {
			d.logger.Error("failed to requeue sandbox task",
				zap.String("task_id", t.ID), zap.Error(err))
		}
		return
	}
	if err := d.store.MarkTaskFailed(ctx, t.OrgID, t.ID, ErrDispatchFailedMaxAttempts); err != nil {
		d.logger.Error("failed to fail sandbox task",
			zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	t.Status = TaskFailed
	t.ErrorMessage = ErrDispatchFailedMaxAttempts
	d.publish(ctx, events.SandboxTaskFailed, t, ErrDispatchFailedMaxAttempts)
}

// Ack records that the runner received the task.
func (d *Dispatcher) Ack(ctx context.Context, orgID, taskID, runnerID string) error {
	return d.store.AckTask(ctx, orgID, taskID, runnerID)
}

// Complete finalizes a task with the runner's outcome. Duplicate
// completions surface ErrTerminalTask to the caller.
func (d *Dispatcher) Complete(ctx context.Context, orgID, taskID string, success bool, result, errorMessage string) error {
	status := TaskCompleted
	if !success {
		status = TaskFailed
	}
	if err := d.store.CompleteTask(ctx, orgID, taskID, status, result, errorMessage); err != nil {
		return err
	}

	t, err := d.store.GetTask(ctx, orgID, taskID)
	if err != nil {
		d.logger.Warn("completed task not readable", zap.String("task_id", taskID), zap.Error(err))
		return nil
	}
	if success {
		d.publish(ctx, events.SandboxTaskCompleted, t, "")
	} else {
		d.publish(ctx, events.SandboxTaskFailed, t, errorMessage)
	}
	return nil
}

// Reap runs one lease sweep: dispatched tasks past the dispatch TTL and
// acked tasks past the ack TTL go back to retry, or to failed when their
// attempts are spent.
func (d *Dispatcher) Reap(ctx context.Context) (requeued, failed int, err error) {
	requeued, failed, err = d.store.ReapStale(ctx, d.opts.DispatchTTL, d.opts.AckTTL)
	if err != nil {
		return 0, 0, err
	}
	if requeued > 0 || failed > 0 {
		d.logger.Info("reaped stale sandbox tasks",
			zap.Int("requeued", requeued),
			zap.Int("failed", failed))
	}
	return requeued, failed, nil
}

// RunReaper sweeps leases on the configured interval until ctx ends.
func (d *Dispatcher) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(d.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := d.Reap(ctx); err != nil {
				d.logger.Error("sandbox reap sweep failed", zap.Error(err))
			}
		}
	}
}

// FailAllPending drains every active task in the org, for tenant rollback.
func (d *Dispatcher) FailAllPending(ctx context.Context, orgID, reason string) (int, error) {
	return d.store.FailAllPending(ctx, orgID, reason)
}

func (d *Dispatcher) publish(ctx context.Context, eventType string, t *Task, errorMessage string) {
	data := map[string]interface{}{
		"task_id":       t.ID,
		"sandbox_id":    t.SandboxID,
		"org_id":        t.OrgID,
		"task_type":     t.TaskType,
		"status":        string(t.Status),
		"attempt_count": t.AttemptCount,
	}
	if errorMessage != "" {
		data["error"] = errorMessage
	}
	if err := d.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "sandbox-dispatcher", data)); err != nil {
		d.logger.Warn("failed to publish sandbox task event",
			zap.String("event", eventType), zap.Error(err))
	}
}
