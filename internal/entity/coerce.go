package entity

import (
	"encoding/json"
	"time"
)

// Metadata projection rules: typed fields are written as primitive values
// under stable snake_case keys, time values are normalized to RFC 3339 UTC,
// and enum values are stored as their string form. Unknown keys survive a
// read-modify-write cycle untouched.

func putString(m map[string]interface{}, key, val string) {
	if val != "" {
		m[key] = val
	}
}

func putStringSlice(m map[string]interface{}, key string, vals []string) {
	if len(vals) > 0 {
		m[key] = append([]string(nil), vals...)
	}
}

func putFloat(m map[string]interface{}, key string, val float64) {
	if val != 0 {
		m[key] = val
	}
}

func putTime(m map[string]interface{}, key string, t *time.Time) {
	if t != nil && !t.IsZero() {
		m[key] = t.UTC().Format(time.RFC3339Nano)
	}
}

func popString(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	delete(m, key)
	s, _ := v.(string)
	return s
}

func popBool(m map[string]interface{}, key string) bool {
	v, ok := m[key]
	if !ok {
		return false
	}
	delete(m, key)
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true"
	case float64:
		return b != 0
	}
	return false
}

func popFloat(m map[string]interface{}, key string) float64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	delete(m, key)
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

func popInt(m map[string]interface{}, key string) int {
	return int(popFloat(m, key))
}

func popStringSlice(m map[string]interface{}, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	delete(m, key)
	switch vals := v.(type) {
	case []string:
		return append([]string(nil), vals...)
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// timeLayouts are the accepted on-wire timestamp forms, most specific first.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime parses a normalized timestamp string. Returns the zero time on
// failure.
func ParseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func popTime(m map[string]interface{}, key string) *time.Time {
	v, ok := m[key]
	if !ok {
		return nil
	}
	delete(m, key)
	s, ok := v.(string)
	if !ok {
		return nil
	}
	t := ParseTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

// roundTrip re-encodes an arbitrary metadata value into dst. Used for
// structured sub-values (gate outcomes) that arrive as []interface{} after a
// JSON cycle.
func roundTrip(v interface{}, dst interface{}) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// ToEntity projects the task onto the shared envelope.
func (t *Task) ToEntity() *Entity {
	md := cloneMap(t.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	putString(md, "project_id", t.ProjectID)
	putString(md, "epic_id", t.EpicID)
	putString(md, "status", string(t.Status))
	putString(md, "priority", string(t.Priority))
	putString(md, "complexity", t.Complexity)
	putString(md, "feature", t.Feature)
	putString(md, "description", t.Description)
	putStringSlice(md, "assignees", t.Assignees)
	putStringSlice(md, "tags", t.Tags)
	putTime(md, "due_date", t.DueDate)
	putFloat(md, "estimated_hours", t.EstimatedHours)
	putFloat(md, "actual_hours", t.ActualHours)
	putStringSlice(md, "technologies", t.Technologies)
	putString(md, "branch_name", t.BranchName)
	putStringSlice(md, "commit_shas", t.CommitSHAs)
	putString(md, "pr_url", t.PRURL)
	putString(md, "learnings", t.Learnings)
	putString(md, "assigned_agent", t.AssignedAgent)
	putTime(md, "claimed_at", t.ClaimedAt)
	return &Entity{
		ID:        t.ID,
		Type:      KindTask,
		Name:      t.Name,
		OrgID:     t.OrgID,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		Metadata:  md,
	}
}

// TaskFromEntity coerces an envelope back into a typed task. Unknown
// metadata keys are preserved on the task's Metadata.
func TaskFromEntity(e *Entity) *Task {
	md := cloneMap(e.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	t := &Task{
		ID:             e.ID,
		Name:           e.Name,
		OrgID:          e.OrgID,
		ProjectID:      popString(md, "project_id"),
		EpicID:         popString(md, "epic_id"),
		Status:         TaskStatus(popString(md, "status")),
		Priority:       Priority(popString(md, "priority")),
		Complexity:     popString(md, "complexity"),
		Feature:        popString(md, "feature"),
		Description:    popString(md, "description"),
		Assignees:      popStringSlice(md, "assignees"),
		Tags:           popStringSlice(md, "tags"),
		DueDate:        popTime(md, "due_date"),
		EstimatedHours: popFloat(md, "estimated_hours"),
		ActualHours:    popFloat(md, "actual_hours"),
		Technologies:   popStringSlice(md, "technologies"),
		BranchName:     popString(md, "branch_name"),
		CommitSHAs:     popStringSlice(md, "commit_shas"),
		PRURL:          popString(md, "pr_url"),
		Learnings:      popString(md, "learnings"),
		AssignedAgent:  popString(md, "assigned_agent"),
		ClaimedAt:      popTime(md, "claimed_at"),
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
		Metadata:       md,
		Pending:        e.Pending,
	}
	if t.Status == "" {
		t.Status = TaskTodo
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	return t
}

// ToEntity projects the epic onto the shared envelope.
func (ep *Epic) ToEntity() *Entity {
	md := cloneMap(ep.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	putString(md, "project_id", ep.ProjectID)
	putString(md, "status", string(ep.Status))
	putString(md, "feature", ep.Feature)
	return &Entity{
		ID:        ep.ID,
		Type:      KindEpic,
		Name:      ep.Name,
		OrgID:     ep.OrgID,
		CreatedAt: ep.CreatedAt,
		UpdatedAt: ep.UpdatedAt,
		Metadata:  md,
	}
}

// EpicFromEntity coerces an envelope back into a typed epic.
func EpicFromEntity(e *Entity) *Epic {
	md := cloneMap(e.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	ep := &Epic{
		ID:        e.ID,
		Name:      e.Name,
		OrgID:     e.OrgID,
		ProjectID: popString(md, "project_id"),
		Status:    EpicStatus(popString(md, "status")),
		Feature:   popString(md, "feature"),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		Metadata:  md,
	}
	if ep.Status == "" {
		ep.Status = EpicPlanning
	}
	return ep
}

// ToEntity projects the project onto the shared envelope.
func (p *Project) ToEntity() *Entity {
	md := cloneMap(p.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	putString(md, "status", string(p.Status))
	putString(md, "description", p.Description)
	putString(md, "repo_url", p.RepoURL)
	return &Entity{
		ID:        p.ID,
		Type:      KindProject,
		Name:      p.Name,
		OrgID:     p.OrgID,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
		Metadata:  md,
	}
}

// ProjectFromEntity coerces an envelope back into a typed project.
func ProjectFromEntity(e *Entity) *Project {
	md := cloneMap(e.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	p := &Project{
		ID:          e.ID,
		Name:        e.Name,
		OrgID:       e.OrgID,
		Status:      ProjectStatus(popString(md, "status")),
		Description: popString(md, "description"),
		RepoURL:     popString(md, "repo_url"),
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
		Metadata:    md,
	}
	if p.Status == "" {
		p.Status = ProjectActive
	}
	return p
}

// ToEntity projects the agent record onto the shared envelope.
func (a *AgentRecord) ToEntity() *Entity {
	md := cloneMap(a.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	putString(md, "agent_type", a.AgentType)
	putString(md, "spawn_source", string(a.SpawnSource))
	putString(md, "status", string(a.Status))
	putString(md, "task_id", a.TaskID)
	putString(md, "project_id", a.ProjectID)
	putString(md, "worktree_id", a.WorktreeID)
	putString(md, "worktree_path", a.WorktreePath)
	putString(md, "branch_name", a.BranchName)
	putString(md, "session_id", a.SessionID)
	md["standalone"] = a.Standalone
	putString(md, "task_orchestrator_id", a.TaskOrchestratorID)
	putStringSlice(md, "tags", a.Tags)
	putString(md, "current_step", a.CurrentStep)
	md["tokens_used"] = float64(a.TokensUsed)
	md["cost_usd"] = a.CostUSD
	putTime(md, "started_at", a.StartedAt)
	putTime(md, "last_heartbeat", a.LastHeartbeat)
	putTime(md, "completed_at", a.CompletedAt)
	return &Entity{
		ID:        a.ID,
		Type:      KindAgent,
		Name:      a.Name,
		OrgID:     a.OrgID,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
		Metadata:  md,
	}
}

// AgentFromEntity coerces an envelope back into a typed agent record.
func AgentFromEntity(e *Entity) *AgentRecord {
	md := cloneMap(e.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	a := &AgentRecord{
		ID:                 e.ID,
		Name:               e.Name,
		OrgID:              e.OrgID,
		AgentType:          popString(md, "agent_type"),
		SpawnSource:        SpawnSource(popString(md, "spawn_source")),
		Status:             AgentStatus(popString(md, "status")),
		TaskID:             popString(md, "task_id"),
		ProjectID:          popString(md, "project_id"),
		WorktreeID:         popString(md, "worktree_id"),
		WorktreePath:       popString(md, "worktree_path"),
		BranchName:         popString(md, "branch_name"),
		SessionID:          popString(md, "session_id"),
		Standalone:         popBool(md, "standalone"),
		TaskOrchestratorID: popString(md, "task_orchestrator_id"),
		Tags:               popStringSlice(md, "tags"),
		CurrentStep:        popString(md, "current_step"),
		TokensUsed:         int64(popFloat(md, "tokens_used")),
		CostUSD:            popFloat(md, "cost_usd"),
		StartedAt:          popTime(md, "started_at"),
		LastHeartbeat:      popTime(md, "last_heartbeat"),
		CompletedAt:        popTime(md, "completed_at"),
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
		Metadata:           md,
	}
	if a.Status == "" {
		a.Status = AgentInitializing
	}
	return a
}

// ToEntity projects the worktree record onto the shared envelope.
func (w *WorktreeRecord) ToEntity() *Entity {
	md := cloneMap(w.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	putString(md, "task_id", w.TaskID)
	putString(md, "agent_id", w.AgentID)
	putString(md, "path", w.Path)
	putString(md, "branch", w.Branch)
	putString(md, "base_commit", w.BaseCommit)
	putString(md, "status", string(w.Status))
	putTime(md, "last_used", w.LastUsed)
	md["has_uncommitted"] = w.HasUncommitted
	return &Entity{
		ID:        w.ID,
		Type:      KindWorktree,
		Name:      w.Name,
		OrgID:     w.OrgID,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
		Metadata:  md,
	}
}

// WorktreeFromEntity coerces an envelope back into a typed worktree record.
func WorktreeFromEntity(e *Entity) *WorktreeRecord {
	md := cloneMap(e.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	w := &WorktreeRecord{
		ID:             e.ID,
		Name:           e.Name,
		OrgID:          e.OrgID,
		TaskID:         popString(md, "task_id"),
		AgentID:        popString(md, "agent_id"),
		Path:           popString(md, "path"),
		Branch:         popString(md, "branch"),
		BaseCommit:     popString(md, "base_commit"),
		Status:         WorktreeStatus(popString(md, "status")),
		LastUsed:       popTime(md, "last_used"),
		HasUncommitted: popBool(md, "has_uncommitted"),
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
		Metadata:       md,
	}
	if w.Status == "" {
		w.Status = WorktreeActive
	}
	return w
}

// ToEntity projects the approval record onto the shared envelope.
func (r *ApprovalRecord) ToEntity() *Entity {
	md := cloneMap(r.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	putString(md, "project_id", r.ProjectID)
	putString(md, "agent_id", r.AgentID)
	putString(md, "task_id", r.TaskID)
	putString(md, "approval_type", string(r.ApprovalType))
	putString(md, "priority", string(r.Priority))
	putString(md, "title", r.Title)
	putString(md, "summary", r.Summary)
	putStringSlice(md, "actions", r.Actions)
	putString(md, "status", string(r.Status))
	expires := r.ExpiresAt
	putTime(md, "expires_at", &expires)
	putTime(md, "responded_at", r.RespondedAt)
	putString(md, "response_by", r.ResponseBy)
	putString(md, "response_message", r.ResponseMessage)
	name := r.Name
	if name == "" {
		name = r.Title
	}
	return &Entity{
		ID:        r.ID,
		Type:      KindApproval,
		Name:      name,
		OrgID:     r.OrgID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Metadata:  md,
	}
}

// ApprovalFromEntity coerces an envelope back into a typed approval record.
func ApprovalFromEntity(e *Entity) *ApprovalRecord {
	md := cloneMap(e.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	r := &ApprovalRecord{
		ID:              e.ID,
		Name:            e.Name,
		OrgID:           e.OrgID,
		ProjectID:       popString(md, "project_id"),
		AgentID:         popString(md, "agent_id"),
		TaskID:          popString(md, "task_id"),
		ApprovalType:    ApprovalType(popString(md, "approval_type")),
		Priority:        Priority(popString(md, "priority")),
		Title:           popString(md, "title"),
		Summary:         popString(md, "summary"),
		Actions:         popStringSlice(md, "actions"),
		Status:          ApprovalStatus(popString(md, "status")),
		RespondedAt:     popTime(md, "responded_at"),
		ResponseBy:      popString(md, "response_by"),
		ResponseMessage: popString(md, "response_message"),
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
		Metadata:        md,
	}
	if exp := popTime(md, "expires_at"); exp != nil {
		r.ExpiresAt = *exp
	}
	if r.Status == "" {
		r.Status = ApprovalPending
	}
	if r.Title == "" {
		r.Title = e.Name
	}
	return r
}

// ToEntity projects the checkpoint onto the shared envelope.
func (c *AgentCheckpoint) ToEntity() *Entity {
	md := cloneMap(c.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	putString(md, "agent_id", c.AgentID)
	putString(md, "session_id", c.SessionID)
	putString(md, "current_step", c.CurrentStep)
	putString(md, "pending_approval_id", c.PendingApprovalID)
	putString(md, "waiting_for_task_id", c.WaitingForTaskID)
	name := c.Name
	if name == "" {
		name = "checkpoint:" + c.AgentID
	}
	return &Entity{
		ID:        c.ID,
		Type:      KindCheckpoint,
		Name:      name,
		OrgID:     c.OrgID,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		Metadata:  md,
	}
}

// CheckpointFromEntity coerces an envelope back into a typed checkpoint.
func CheckpointFromEntity(e *Entity) *AgentCheckpoint {
	md := cloneMap(e.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	return &AgentCheckpoint{
		ID:                e.ID,
		Name:              e.Name,
		OrgID:             e.OrgID,
		AgentID:           popString(md, "agent_id"),
		SessionID:         popString(md, "session_id"),
		CurrentStep:       popString(md, "current_step"),
		PendingApprovalID: popString(md, "pending_approval_id"),
		WaitingForTaskID:  popString(md, "waiting_for_task_id"),
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
		Metadata:          md,
	}
}

// ToEntity projects the task orchestrator record onto the shared envelope.
func (o *TaskOrchestratorRecord) ToEntity() *Entity {
	md := cloneMap(o.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	putString(md, "task_id", o.TaskID)
	putString(md, "meta_orchestrator_id", o.MetaOrchestratorID)
	putString(md, "worker_id", o.WorkerID)
	putString(md, "worktree_id", o.WorktreeID)
	putString(md, "status", string(o.Status))
	putString(md, "current_phase", string(o.CurrentPhase))
	md["rework_count"] = float64(o.ReworkCount)
	md["max_rework_attempts"] = float64(o.MaxReworkAttempts)
	putStringSlice(md, "gate_config", o.GateConfig)
	if len(o.GateResults) > 0 {
		var results []interface{}
		if roundTrip(o.GateResults, &results) {
			md["gate_results"] = results
		}
	}
	putString(md, "pending_approval_id", o.PendingApprovalID)
	name := o.Name
	if name == "" {
		name = "orchestrator:" + o.TaskID
	}
	return &Entity{
		ID:        o.ID,
		Type:      KindTaskOrchestrator,
		Name:      name,
		OrgID:     o.OrgID,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
		Metadata:  md,
	}
}

// TaskOrchestratorFromEntity coerces an envelope back into a typed record.
func TaskOrchestratorFromEntity(e *Entity) *TaskOrchestratorRecord {
	md := cloneMap(e.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	o := &TaskOrchestratorRecord{
		ID:                 e.ID,
		Name:               e.Name,
		OrgID:              e.OrgID,
		TaskID:             popString(md, "task_id"),
		MetaOrchestratorID: popString(md, "meta_orchestrator_id"),
		WorkerID:           popString(md, "worker_id"),
		WorktreeID:         popString(md, "worktree_id"),
		Status:             OrchestratorState(popString(md, "status")),
		CurrentPhase:       OrchestratorPhase(popString(md, "current_phase")),
		ReworkCount:        popInt(md, "rework_count"),
		MaxReworkAttempts:  popInt(md, "max_rework_attempts"),
		GateConfig:         popStringSlice(md, "gate_config"),
		PendingApprovalID:  popString(md, "pending_approval_id"),
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
		Metadata:           md,
	}
	if raw, ok := md["gate_results"]; ok {
		delete(md, "gate_results")
		var results []GateOutcome
		if roundTrip(raw, &results) {
			o.GateResults = results
		}
	}
	if o.Status == "" {
		o.Status = OrchInitializing
	}
	return o
}

// ToEntity projects the meta orchestrator record onto the shared envelope.
func (m *MetaOrchestratorRecord) ToEntity() *Entity {
	md := cloneMap(m.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	putString(md, "project_id", m.ProjectID)
	putString(md, "status", string(m.Status))
	putString(md, "strategy", string(m.Strategy))
	md["max_concurrent"] = float64(m.MaxConcurrent)
	putStringSlice(md, "task_queue", m.TaskQueue)
	putStringSlice(md, "active_orchestrators", m.ActiveOrchestrators)
	md["budget_usd"] = m.BudgetUSD
	md["spent_usd"] = m.SpentUSD
	md["cost_alert_threshold"] = m.CostAlertThreshold
	md["tasks_completed"] = float64(m.TasksCompleted)
	md["tasks_failed"] = float64(m.TasksFailed)
	md["total_rework_cycles"] = float64(m.TotalReworkCycles)
	putString(md, "pause_reason", m.PauseReason)
	name := m.Name
	if name == "" {
		name = "meta:" + m.ProjectID
	}
	return &Entity{
		ID:        m.ID,
		Type:      KindMetaOrchestrator,
		Name:      name,
		OrgID:     m.OrgID,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		Metadata:  md,
	}
}

// MetaOrchestratorFromEntity coerces an envelope back into a typed record.
func MetaOrchestratorFromEntity(e *Entity) *MetaOrchestratorRecord {
	md := cloneMap(e.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	m := &MetaOrchestratorRecord{
		ID:                  e.ID,
		Name:                e.Name,
		OrgID:               e.OrgID,
		ProjectID:           popString(md, "project_id"),
		Status:              MetaStatus(popString(md, "status")),
		Strategy:            Strategy(popString(md, "strategy")),
		MaxConcurrent:       popInt(md, "max_concurrent"),
		TaskQueue:           popStringSlice(md, "task_queue"),
		ActiveOrchestrators: popStringSlice(md, "active_orchestrators"),
		BudgetUSD:           popFloat(md, "budget_usd"),
		SpentUSD:            popFloat(md, "spent_usd"),
		CostAlertThreshold:  popFloat(md, "cost_alert_threshold"),
		TasksCompleted:      popInt(md, "tasks_completed"),
		TasksFailed:         popInt(md, "tasks_failed"),
		TotalReworkCycles:   popInt(md, "total_rework_cycles"),
		PauseReason:         popString(md, "pause_reason"),
		CreatedAt:           e.CreatedAt,
		UpdatedAt:           e.UpdatedAt,
		Metadata:            md,
	}
	if m.Status == "" {
		m.Status = MetaIdle
	}
	if m.Strategy == "" {
		m.Strategy = StrategySequential
	}
	return m
}

// ToEntity projects the episode onto the shared envelope. Content doubles
// as the description so keyword search covers the lesson body.
func (l *LearningEpisode) ToEntity() *Entity {
	md := cloneMap(l.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	putString(md, "project_id", l.ProjectID)
	putString(md, "task_id", l.TaskID)
	putString(md, "agent_id", l.AgentID)
	putString(md, "description", l.Content)
	putString(md, "category", l.Category)
	putStringSlice(md, "tags", l.Tags)
	return &Entity{
		ID:        l.ID,
		Type:      KindEpisode,
		Name:      l.Name,
		OrgID:     l.OrgID,
		CreatedAt: l.CreatedAt,
		UpdatedAt: l.UpdatedAt,
		Metadata:  md,
	}
}

// EpisodeFromEntity coerces an envelope back into a typed episode.
func EpisodeFromEntity(e *Entity) *LearningEpisode {
	md := cloneMap(e.Metadata)
	if md == nil {
		md = make(map[string]interface{})
	}
	return &LearningEpisode{
		ID:        e.ID,
		Name:      e.Name,
		OrgID:     e.OrgID,
		ProjectID: popString(md, "project_id"),
		TaskID:    popString(md, "task_id"),
		AgentID:   popString(md, "agent_id"),
		Content:   popString(md, "description"),
		Category:  popString(md, "category"),
		Tags:      popStringSlice(md, "tags"),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		Metadata:  md,
	}
}
