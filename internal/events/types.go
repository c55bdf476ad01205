// Package events provides event types and utilities for the Sibyl event system.
package events

// Event types for tasks
const (
	TaskCreated      = "task.created"
	TaskUpdated      = "task.updated"
	TaskStateChanged = "task.state_changed"
	TaskDeleted      = "task.deleted"
)

// Event types for epics and projects
const (
	EpicStateChanged    = "epic.state_changed"
	ProjectStateChanged = "project.state_changed"
)

// Event types for agents
const (
	AgentSpawned       = "agent.spawned"
	AgentStatusChanged = "agent.status_changed"
	AgentCheckpointed  = "agent.checkpointed"
	AgentCompleted     = "agent.completed"
	AgentFailed        = "agent.failed"
	AgentStopped       = "agent.stopped"
)

// Event types for agent stream messages.
// The job runtime publishes one event per formatted agent message.
const (
	AgentStream = "agent.stream" // Base subject for agent stream events
)

// Event types for the approval queue
const (
	ApprovalRequested = "approval.requested"
	ApprovalResponded = "approval.responded"
	ApprovalExpired   = "approval.expired"
	ApprovalResponse  = "approval.response" // Base subject for per-approval response channels
)

// Event types for inter-agent messages
const (
	InterAgentMessage = "agent.message" // Base subject, scoped per org
)

// Event types for task orchestrators
const (
	OrchestratorPhaseChanged  = "orchestrator.phase_changed"
	OrchestratorGateCompleted = "orchestrator.gate_completed"
	OrchestratorEscalated     = "orchestrator.escalated"
	OrchestratorCompleted     = "orchestrator.completed"
)

// Event types for meta orchestrators
const (
	MetaStarted     = "meta.started"
	MetaPaused      = "meta.paused"
	MetaResumed     = "meta.resumed"
	MetaIdle        = "meta.idle"
	MetaBudgetAlert = "meta.budget_alert"
)

// Event types for the sandbox plane
const (
	SandboxStatusChanged = "sandbox.status_changed"
	SandboxTaskQueued    = "sandbox.task.queued"
	SandboxTaskCompleted = "sandbox.task.completed"
	SandboxTaskFailed    = "sandbox.task.failed"
)

// Event types for the entity store async pipeline
const (
	EntityCreateCompleted = "entity.create_completed"
	EntityCreateFailed    = "entity.create_failed"
	EntityPending         = "entity.pending" // Base subject for per-entity completion events
)

// Event types for jobs
const (
	JobStarted   = "job.started"
	JobCompleted = "job.completed"
	JobFailed    = "job.failed"
)

// UINotification is the best-effort subject for human-facing notices
// (approval prompts, budget alerts). Publish failures never propagate.
const UINotification = "ui.notification"

// BuildApprovalResponseSubject creates the per-approval response channel.
// Exactly one JSON payload {approved, message, by} is published on it.
func BuildApprovalResponseSubject(approvalID string) string {
	return ApprovalResponse + "." + approvalID
}

// BuildInterAgentMessageSubject creates the per-org inter-agent fan-out subject.
func BuildInterAgentMessageSubject(orgID string) string {
	return InterAgentMessage + "." + orgID
}

// BuildInterAgentMessageWildcardSubject creates a wildcard subscription for all orgs.
func BuildInterAgentMessageWildcardSubject() string {
	return InterAgentMessage + ".*"
}

// BuildAgentStreamSubject creates an agent stream subject for a specific agent.
func BuildAgentStreamSubject(agentID string) string {
	return AgentStream + "." + agentID
}

// BuildAgentStreamWildcardSubject creates a wildcard subscription for all agent stream events.
func BuildAgentStreamWildcardSubject() string {
	return AgentStream + ".*"
}

// BuildEntityPendingSubject creates the completion subject for one async create.
func BuildEntityPendingSubject(entityID string) string {
	return EntityPending + "." + entityID
}
