// Package jobs is the background job runtime: a named K/V list queue, a
// registry of job handlers, and a worker pool that drains the queue in a
// dedicated process. Agent execution streams, entity work taken off the
// API path, and backup runs all go through here.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/kv"
)

// Job names owned by this package. Agent and entity jobs are named by the
// packages that enqueue them (runner.ExecuteJobName, entity.CreateJobName).
const (
	// UpdateEntityJobName applies a patch to any entity off the API path.
	UpdateEntityJobName = "entity.update"

	// UpdateTaskJobName applies a patch to a task, refusing non-task targets.
	UpdateTaskJobName = "task.update"

	// CreateEntityJobName creates an entity from an inline payload, for
	// callers that did not go through the async pending pipeline.
	CreateEntityJobName = "entity.insert"

	// CreateEpisodeJobName records a learning episode and links it to the
	// task and agent it came from.
	CreateEpisodeJobName = "episode.create"

	// StatusHintJobName generates a decorative status hint. Best-effort;
	// the handler never returns an error.
	StatusHintJobName = "agent.status_hint"
)

// Job is the envelope pushed onto the queue list.
type Job struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Args       map[string]interface{} `json:"args,omitempty"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
}

// Queue is a named FIFO job queue over the K/V list primitives. Producers
// push with Enqueue; the worker pool pops with Dequeue. The same queue
// value works from any process sharing the K/V store.
type Queue struct {
	store  kv.Store
	name   string
	key    string
	logger *logger.Logger
}

// NewQueue returns the queue with the given name.
func NewQueue(name string, store kv.Store, log *logger.Logger) *Queue {
	return &Queue{
		store:  store,
		name:   name,
		key:    kv.JobQueueKey(name),
		logger: log.WithFields(zap.String("component", "job-queue"), zap.String("queue", name)),
	}
}

// Name returns the queue's configured name.
func (q *Queue) Name() string { return q.name }

// Enqueue pushes a named job. Satisfies entity.Enqueuer so services can
// hand work to the runtime without importing this package's worker side.
func (q *Queue) Enqueue(ctx context.Context, job string, args map[string]interface{}) error {
	if job == "" {
		return fmt.Errorf("job name is required")
	}
	j := &Job{
		ID:         uuid.New().String(),
		Name:       job,
		Args:       args,
		EnqueuedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job, err)
	}
	if err := q.store.LPush(ctx, q.key, string(payload)); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job, err)
	}
	q.logger.Debug("job enqueued", zap.String("job_id", j.ID), zap.String("job", job))
	return nil
}

// Dequeue blocks up to timeout for the next job. Returns (nil, nil) when
// the queue stayed empty; a malformed payload is dropped with an error log
// rather than wedging the queue head.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	raw, err := q.store.BRPop(ctx, timeout, q.key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue from %s: %w", q.name, err)
	}
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		q.logger.Error("dropping malformed job payload", zap.Error(err))
		return nil, nil
	}
	return &j, nil
}
