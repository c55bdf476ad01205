// Package sandbox implements the sandbox plane: a controller that owns
// sandbox lifecycle against a pod runtime, and a dispatcher that drives a
// durable per-sandbox task queue with leases and bounded retries.
package sandbox

import (
	"time"
)

// Status is the sandbox lifecycle state. destroyed is the only terminal
// state; error is recoverable through resume or reconcile.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusResuming  Status = "resuming"
	StatusRunning   Status = "running"
	StatusReady     Status = "ready"
	StatusSuspended Status = "suspended"
	StatusError     Status = "error"
	StatusDestroyed Status = "destroyed"
)

// Terminal reports whether the sandbox can never run again.
func (s Status) Terminal() bool { return s == StatusDestroyed }

// Sandbox is one isolated execution environment owned by an (org, user)
// pair. PodName is empty until a runtime pod has been provisioned.
type Sandbox struct {
	ID        string    `db:"id"`
	OrgID     string    `db:"organization_id"`
	UserID    string    `db:"user_id"`
	Status    Status    `db:"status"`
	RunnerID  string    `db:"runner_id"`
	PodName   string    `db:"pod_name"`
	LastError string    `db:"last_error"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	Context map[string]interface{} `db:"-"`
}

// TaskStatus is the sandbox task queue state. completed, failed, and
// canceled are one-shot terminals.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskRetry      TaskStatus = "retry"
	TaskDispatched TaskStatus = "dispatched"
	TaskAcked      TaskStatus = "acked"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCanceled   TaskStatus = "canceled"
)

// Terminal reports whether the task has reached a sink state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCanceled
}

// Active reports whether the task still occupies the queue. Idempotent
// enqueue deduplicates against active tasks only.
func (s TaskStatus) Active() bool {
	return s == TaskQueued || s == TaskRetry || s == TaskDispatched || s == TaskAcked
}

// Task is one durable unit of work queued against a sandbox.
type Task struct {
	ID             string     `db:"id"`
	OrgID          string     `db:"organization_id"`
	SandboxID      string     `db:"sandbox_id"`
	TaskType       string     `db:"task_type"`
	Status         TaskStatus `db:"status"`
	AttemptCount   int        `db:"attempt_count"`
	MaxAttempts    int        `db:"max_attempts"`
	IdempotencyKey string     `db:"idempotency_key"`
	RunnerID       string     `db:"runner_id"`
	LastDispatchAt *time.Time `db:"last_dispatch_at"`
	AckedAt        *time.Time `db:"acked_at"`
	CompletedAt    *time.Time `db:"completed_at"`
	FailedAt       *time.Time `db:"failed_at"`
	Result         string     `db:"result"`
	ErrorMessage   string     `db:"error_message"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`

	Payload map[string]interface{} `db:"-"`
}

// Dispatch and lease defaults.
const (
	// DefaultMaxAttempts bounds how many times a task may be dispatched.
	DefaultMaxAttempts = 3
	// DefaultDispatchTTL is how long a dispatched task may go unacked
	// before the reaper reclaims it.
	DefaultDispatchTTL = 5 * time.Minute
	// DefaultAckTTL is how long an acked task may run uncompleted before
	// the reaper reclaims it.
	DefaultAckTTL = 30 * time.Minute
)

// ErrDispatchFailedMaxAttempts is the error_message recorded when a task
// exhausts its attempt budget.
const ErrDispatchFailedMaxAttempts = "dispatch_failed_max_attempts"
