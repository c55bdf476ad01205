// Package entity implements the org-scoped typed graph at the center of the
// runtime. Every node carries the shared identity envelope; strongly-typed
// records project their fields onto the envelope's metadata on write and
// coerce them back on read. All reads and writes are scoped to exactly one
// organization.
package entity

import (
	"time"
)

// Kind is the node label of an entity.
type Kind string

const (
	KindTask             Kind = "task"
	KindEpic             Kind = "epic"
	KindProject          Kind = "project"
	KindAgent            Kind = "agent"
	KindWorktree         Kind = "worktree"
	KindApproval         Kind = "approval"
	KindCheckpoint       Kind = "checkpoint"
	KindTaskOrchestrator Kind = "task_orchestrator"
	KindMetaOrchestrator Kind = "meta_orchestrator"
	KindEpisode          Kind = "episode"
)

// Edge types between graph nodes.
const (
	EdgeBelongsTo    = "BELONGS_TO"
	EdgeRelatedTo    = "RELATED_TO"
	EdgeWorksOn      = "WORKS_ON"
	EdgeManagedBy    = "MANAGED_BY"
	EdgeOrchestrates = "ORCHESTRATES"
)

// Entity is the identity envelope shared by every graph node. Typed records
// are views over it; unknown metadata keys round-trip untouched.
type Entity struct {
	ID         string                 `json:"id"`
	Type       Kind                   `json:"type"`
	Name       string                 `json:"name"`
	OrgID      string                 `json:"organization_id"`
	CreatedBy  string                 `json:"created_by,omitempty"`
	ModifiedBy string                 `json:"modified_by,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`

	// Pending marks an entity whose async creation job has not completed.
	// Callers must tolerate pending reads or wait on the completion event.
	Pending bool `json:"pending,omitempty"`
}

// Clone returns a deep copy safe for concurrent mutation.
func (e *Entity) Clone() *Entity {
	out := *e
	out.Metadata = cloneMap(e.Metadata)
	return &out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskTodo     TaskStatus = "todo"
	TaskDoing    TaskStatus = "doing"
	TaskBlocked  TaskStatus = "blocked"
	TaskReview   TaskStatus = "review"
	TaskDone     TaskStatus = "done"
	TaskArchived TaskStatus = "archived"
)

// Active reports whether the task counts toward epic auto-start.
func (s TaskStatus) Active() bool {
	return s == TaskDoing || s == TaskReview || s == TaskBlocked
}

// Terminal reports whether the task has left the working set.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskArchived
}

// Priority orders tasks for dequeue and escalation.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Weight maps priority to a sortable rank; higher runs first.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// EpicStatus is the epic lifecycle state. Epics auto-start when any child
// task becomes active.
type EpicStatus string

const (
	EpicPlanning   EpicStatus = "planning"
	EpicInProgress EpicStatus = "in_progress"
	EpicCompleted  EpicStatus = "completed"
	EpicArchived   EpicStatus = "archived"
)

// ProjectStatus is the project lifecycle state.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
	ProjectArchived  ProjectStatus = "archived"
)

// AgentStatus is the agent instance lifecycle state.
type AgentStatus string

const (
	AgentInitializing      AgentStatus = "initializing"
	AgentWorking           AgentStatus = "working"
	AgentPaused            AgentStatus = "paused"
	AgentWaitingApproval   AgentStatus = "waiting_approval"
	AgentWaitingDependency AgentStatus = "waiting_dependency"
	AgentCompleted         AgentStatus = "completed"
	AgentFailed            AgentStatus = "failed"
	AgentTerminated        AgentStatus = "terminated"
)

// Terminal reports whether the agent can never run again under this record.
func (s AgentStatus) Terminal() bool {
	return s == AgentCompleted || s == AgentFailed || s == AgentTerminated
}

// SpawnSource records who asked for an agent.
type SpawnSource string

const (
	SpawnUser         SpawnSource = "user"
	SpawnOrchestrator SpawnSource = "orchestrator"
	SpawnAgent        SpawnSource = "agent"
	SpawnSystem       SpawnSource = "system"
)

// WorktreeStatus is the worktree lifecycle state. merged and orphaned are
// terminal; only active worktrees may be reused.
type WorktreeStatus string

const (
	WorktreeActive   WorktreeStatus = "active"
	WorktreeMerged   WorktreeStatus = "merged"
	WorktreeOrphaned WorktreeStatus = "orphaned"
)

// ApprovalStatus is monotonic: pending moves to exactly one of the other
// three and never back.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalType classifies what the human is being asked to decide.
type ApprovalType string

const (
	ApprovalToolUse     ApprovalType = "tool_use"
	ApprovalQuestion    ApprovalType = "question"
	ApprovalHumanReview ApprovalType = "human_review"
	ApprovalPlan        ApprovalType = "plan"
)

// OrchestratorState is the task orchestrator loop state.
type OrchestratorState string

const (
	OrchInitializing OrchestratorState = "initializing"
	OrchImplementing OrchestratorState = "implementing"
	OrchReviewing    OrchestratorState = "reviewing"
	OrchReworking    OrchestratorState = "reworking"
	OrchHumanReview  OrchestratorState = "human_review"
	OrchCompleted    OrchestratorState = "completed"
	OrchFailed       OrchestratorState = "failed"
)

// OrchestratorPhase is the coarse phase reported on the record.
type OrchestratorPhase string

const (
	PhaseImplement   OrchestratorPhase = "implement"
	PhaseReview      OrchestratorPhase = "review"
	PhaseRework      OrchestratorPhase = "rework"
	PhaseHumanReview OrchestratorPhase = "human_review"
	PhaseMerge       OrchestratorPhase = "merge"
)

// MetaStatus is the meta orchestrator state.
type MetaStatus string

const (
	MetaIdle    MetaStatus = "idle"
	MetaRunning MetaStatus = "running"
	MetaPaused  MetaStatus = "paused"
)

// Strategy selects how the meta orchestrator schedules queued tasks.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyPriority   Strategy = "priority"
)

// Task is the typed view of a task node.
type Task struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	OrgID          string                 `json:"organization_id"`
	ProjectID      string                 `json:"project_id"`
	EpicID         string                 `json:"epic_id,omitempty"`
	Status         TaskStatus             `json:"status"`
	Priority       Priority               `json:"priority"`
	Complexity     string                 `json:"complexity,omitempty"`
	Feature        string                 `json:"feature,omitempty"`
	Description    string                 `json:"description,omitempty"`
	Assignees      []string               `json:"assignees,omitempty"`
	Tags           []string               `json:"tags,omitempty"`
	DueDate        *time.Time             `json:"due_date,omitempty"`
	EstimatedHours float64                `json:"estimated_hours,omitempty"`
	ActualHours    float64                `json:"actual_hours,omitempty"`
	Technologies   []string               `json:"technologies,omitempty"`
	BranchName     string                 `json:"branch_name,omitempty"`
	CommitSHAs     []string               `json:"commit_shas,omitempty"`
	PRURL          string                 `json:"pr_url,omitempty"`
	Learnings      string                 `json:"learnings,omitempty"`
	AssignedAgent  string                 `json:"assigned_agent,omitempty"`
	ClaimedAt      *time.Time             `json:"claimed_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Pending        bool                   `json:"pending,omitempty"`
}

// Epic is the typed view of an epic node.
type Epic struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	OrgID     string                 `json:"organization_id"`
	ProjectID string                 `json:"project_id"`
	Status    EpicStatus             `json:"status"`
	Feature   string                 `json:"feature,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Project is the typed view of a project node.
type Project struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	OrgID       string                 `json:"organization_id"`
	Status      ProjectStatus          `json:"status"`
	Description string                 `json:"description,omitempty"`
	RepoURL     string                 `json:"repo_url,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// AgentRecord is the typed view of an agent node. Heartbeat counters are
// mirrored to the operational SQL store; the graph sees status changes only.
type AgentRecord struct {
	ID                 string                 `json:"id"`
	Name               string                 `json:"name"`
	OrgID              string                 `json:"organization_id"`
	AgentType          string                 `json:"agent_type"`
	SpawnSource        SpawnSource            `json:"spawn_source"`
	Status             AgentStatus            `json:"status"`
	TaskID             string                 `json:"task_id,omitempty"`
	ProjectID          string                 `json:"project_id,omitempty"`
	WorktreeID         string                 `json:"worktree_id,omitempty"`
	WorktreePath       string                 `json:"worktree_path,omitempty"`
	BranchName         string                 `json:"branch_name,omitempty"`
	SessionID          string                 `json:"session_id,omitempty"`
	Standalone         bool                   `json:"standalone"`
	TaskOrchestratorID string                 `json:"task_orchestrator_id,omitempty"`
	Tags               []string               `json:"tags,omitempty"`
	CurrentStep        string                 `json:"current_step,omitempty"`
	TokensUsed         int64                  `json:"tokens_used"`
	CostUSD            float64                `json:"cost_usd"`
	StartedAt          *time.Time             `json:"started_at,omitempty"`
	LastHeartbeat      *time.Time             `json:"last_heartbeat,omitempty"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// WorktreeRecord is the typed view of a worktree node.
type WorktreeRecord struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	OrgID          string                 `json:"organization_id"`
	TaskID         string                 `json:"task_id,omitempty"`
	AgentID        string                 `json:"agent_id,omitempty"`
	Path           string                 `json:"path"`
	Branch         string                 `json:"branch"`
	BaseCommit     string                 `json:"base_commit,omitempty"`
	Status         WorktreeStatus         `json:"status"`
	LastUsed       *time.Time             `json:"last_used,omitempty"`
	HasUncommitted bool                   `json:"has_uncommitted"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ApprovalRecord is the typed view of an approval node. The graph record is
// authoritative; K/V mirrors exist only for recovery and notification.
type ApprovalRecord struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	OrgID           string                 `json:"organization_id"`
	ProjectID       string                 `json:"project_id,omitempty"`
	AgentID         string                 `json:"agent_id"`
	TaskID          string                 `json:"task_id,omitempty"`
	ApprovalType    ApprovalType           `json:"approval_type"`
	Priority        Priority               `json:"priority"`
	Title           string                 `json:"title"`
	Summary         string                 `json:"summary,omitempty"`
	Actions         []string               `json:"actions,omitempty"`
	Status          ApprovalStatus         `json:"status"`
	ExpiresAt       time.Time              `json:"expires_at"`
	RespondedAt     *time.Time             `json:"responded_at,omitempty"`
	ResponseBy      string                 `json:"response_by,omitempty"`
	ResponseMessage string                 `json:"response_message,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// AgentCheckpoint summarizes where an agent stopped so a successor can
// resume. Full message history lives in the SQL message log, not here.
type AgentCheckpoint struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name"`
	OrgID             string                 `json:"organization_id"`
	AgentID           string                 `json:"agent_id"`
	SessionID         string                 `json:"session_id,omitempty"`
	CurrentStep       string                 `json:"current_step,omitempty"`
	PendingApprovalID string                 `json:"pending_approval_id,omitempty"`
	WaitingForTaskID  string                 `json:"waiting_for_task_id,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// GateOutcome is the persisted summary of one quality gate run.
type GateOutcome struct {
	Gate       string   `json:"gate"`
	Passed     bool     `json:"passed"`
	Errors     []string `json:"errors,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	DurationMs int64    `json:"duration_ms"`
}

// TaskOrchestratorRecord is the typed view of a task orchestrator node.
type TaskOrchestratorRecord struct {
	ID                 string                 `json:"id"`
	Name               string                 `json:"name"`
	OrgID              string                 `json:"organization_id"`
	TaskID             string                 `json:"task_id"`
	MetaOrchestratorID string                 `json:"meta_orchestrator_id,omitempty"`
	WorkerID           string                 `json:"worker_id,omitempty"`
	WorktreeID         string                 `json:"worktree_id,omitempty"`
	Status             OrchestratorState      `json:"status"`
	CurrentPhase       OrchestratorPhase      `json:"current_phase"`
	ReworkCount        int                    `json:"rework_count"`
	MaxReworkAttempts  int                    `json:"max_rework_attempts"`
	GateConfig         []string               `json:"gate_config,omitempty"`
	GateResults        []GateOutcome          `json:"gate_results,omitempty"`
	PendingApprovalID  string                 `json:"pending_approval_id,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// MetaOrchestratorRecord is the typed view of a meta orchestrator node.
type MetaOrchestratorRecord struct {
	ID                  string                 `json:"id"`
	Name                string                 `json:"name"`
	OrgID               string                 `json:"organization_id"`
	ProjectID           string                 `json:"project_id"`
	Status              MetaStatus             `json:"status"`
	Strategy            Strategy               `json:"strategy"`
	MaxConcurrent       int                    `json:"max_concurrent"`
	TaskQueue           []string               `json:"task_queue,omitempty"`
	ActiveOrchestrators []string               `json:"active_orchestrators,omitempty"`
	BudgetUSD           float64                `json:"budget_usd"`
	SpentUSD            float64                `json:"spent_usd"`
	CostAlertThreshold  float64                `json:"cost_alert_threshold"`
	TasksCompleted      int                    `json:"tasks_completed"`
	TasksFailed         int                    `json:"tasks_failed"`
	TotalReworkCycles   int                    `json:"total_rework_cycles"`
	PauseReason         string                 `json:"pause_reason,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
}

// LearningEpisode is a reusable lesson extracted from completed work,
// stored as an episode node so it rides the same search surface as tasks.
type LearningEpisode struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	OrgID     string                 `json:"organization_id"`
	ProjectID string                 `json:"project_id,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Content   string                 `json:"content"`
	Category  string                 `json:"category,omitempty"`
	Tags      []string               `json:"tags,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Relationship is an explicit edge request attached to an async create.
type Relationship struct {
	Type     string `json:"type"`
	TargetID string `json:"target_id"`
	// Reverse points the edge at the new entity instead of away from it.
	Reverse bool `json:"reverse,omitempty"`
}

// AutoLinkParams tunes similarity-edge discovery during async creation.
type AutoLinkParams struct {
	Enabled   bool    `json:"enabled"`
	Threshold float64 `json:"threshold,omitempty"`
	Limit     int     `json:"limit,omitempty"`
}

// Defaults for similarity-edge discovery.
const (
	AutoLinkThreshold = 0.75
	AutoLinkLimit     = 5
)

// EpicProgress aggregates task counts under an epic.
type EpicProgress struct {
	EpicID       string             `json:"epic_id"`
	Total        int                `json:"total_tasks"`
	StatusCounts map[TaskStatus]int `json:"status_counts"`
	ProgressPct  float64            `json:"progress_pct"`
}

// TaskDigest is the curated list entry shape used by project summaries.
type TaskDigest struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Status   TaskStatus `json:"status"`
	Priority Priority   `json:"priority"`
}

// EpicDigest is the epic entry shape used by project summaries.
type EpicDigest struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      EpicStatus `json:"status"`
	ProgressPct float64    `json:"progress_pct"`
	TotalTasks  int        `json:"total_tasks"`
}

// ProjectSummary is the analytical rollup for one project.
type ProjectSummary struct {
	StatusCounts    map[TaskStatus]int `json:"status_counts"`
	TotalTasks      int                `json:"total_tasks"`
	ProgressPct     float64            `json:"progress_pct"`
	ActionableTasks []TaskDigest       `json:"actionable_tasks"`
	CriticalTasks   []TaskDigest       `json:"critical_tasks"`
	Epics           []EpicDigest       `json:"epics"`
}

// ListFilter narrows ListByType results. Zero values mean "no filter".
type ListFilter struct {
	ProjectID       string
	EpicID          string
	NoEpic          bool
	Status          []TaskStatus
	Priority        Priority
	Complexity      string
	Feature         string
	Tags            []string
	IncludeArchived bool
}

// SearchResult pairs an entity with its hybrid-search score.
type SearchResult struct {
	Entity *Entity `json:"entity"`
	Score  float64 `json:"score"`
}
