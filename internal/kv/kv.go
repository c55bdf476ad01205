// Package kv provides the key/value side of the Sibyl bus: approval
// mirrors, stop-signal sentinels, cross-process locks, and the named job
// queues consumed by the job runtime.
//
// The Redis implementation is the production backend. The in-memory
// implementation serves single-process development and tests; it does not
// survive restarts, so approval recovery semantics require Redis.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the K/V contract: GET, SETEX, SETNX, DEL, SCAN and the list
// operations backing job queues.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// SetEx writes key=value with a TTL. A zero TTL means no expiry.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes key=value with a TTL only when the key is absent.
	// Returns true when the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// Scan returns all keys matching a glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// LPush prepends values to the named list.
	LPush(ctx context.Context, key string, values ...string) error

	// BRPop pops the tail of the named list, blocking up to timeout.
	// Returns ErrNotFound when the timeout elapses with no element.
	BRPop(ctx context.Context, timeout time.Duration, key string) (string, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// Keyspace layout. Key schemes are part of the recovery contract: a
// restarted process must be able to find its pending approvals by scan.
const (
	pendingApprovalPrefix  = "sibyl:pending_approvals:"
	approvalResponsePrefix = "sibyl:approval_response:"
	agentStopPrefix        = "agent:stop:"
	spawnLockPrefix        = "lock:spawn:task:"
	entityLockPrefix       = "lock:entity:"
	entityPendingPrefix    = "sibyl:pending_entity:"
	jobQueuePrefix         = "sibyl:jobs:"
)

// PendingApprovalKey returns the pending-state mirror key for one approval.
func PendingApprovalKey(agentID, approvalID string) string {
	return pendingApprovalPrefix + agentID + ":" + approvalID
}

// PendingApprovalPattern matches every pending mirror for an agent.
func PendingApprovalPattern(agentID string) string {
	return pendingApprovalPrefix + agentID + ":*"
}

// PendingApprovalByIDPattern matches the pending mirror for an approval
// regardless of owning agent. Used by the recovery path, which knows the
// approval id but not necessarily the agent that enqueued it.
func PendingApprovalByIDPattern(approvalID string) string {
	return pendingApprovalPrefix + "*:" + approvalID
}

// ApprovalResponseKey returns the response mirror key for one approval.
func ApprovalResponseKey(approvalID string) string {
	return approvalResponsePrefix + approvalID
}

// AgentStopKey returns the stop sentinel key for one agent.
func AgentStopKey(agentID string) string {
	return agentStopPrefix + agentID
}

// SpawnLockKey returns the per-task spawn lock key.
func SpawnLockKey(taskID string) string {
	return spawnLockPrefix + taskID
}

// EntityLockKey returns the per-entity update lock key.
func EntityLockKey(orgID, entityID string) string {
	return entityLockPrefix + orgID + ":" + entityID
}

// EntityPendingKey returns the async-creation pending record key for one
// entity.
func EntityPendingKey(orgID, entityID string) string {
	return entityPendingPrefix + orgID + ":" + entityID
}

// JobQueueKey returns the list key for a named job queue.
func JobQueueKey(queue string) string {
	return jobQueuePrefix + queue
}
