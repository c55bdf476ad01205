// Package runner owns agent instance lifecycle: the spawn contract that
// turns an AgentRecord into a live subprocess, execution streaming with
// heartbeats and stop signals, and the pause/resume/checkpoint surface the
// orchestrators drive.
package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/agent/proc"
	"github.com/sibyldev/sibyl/internal/agent/registry"
	"github.com/sibyldev/sibyl/internal/agent/state"
	"github.com/sibyldev/sibyl/internal/approval"
	"github.com/sibyldev/sibyl/internal/common/config"
	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/entity"
	"github.com/sibyldev/sibyl/internal/events"
	"github.com/sibyldev/sibyl/internal/events/bus"
	"github.com/sibyldev/sibyl/internal/kv"
	"github.com/sibyldev/sibyl/internal/locks"
	"github.com/sibyldev/sibyl/internal/llm"
	"github.com/sibyldev/sibyl/internal/worktree"
)

var (
	// ErrSpawnInFlight means another spawn holds the task's spawn lock.
	ErrSpawnInFlight = errors.New("another spawn is in flight for this task")

	// ErrTaskBusy means an in-memory instance already serves the task.
	ErrTaskBusy = errors.New("task already has an active agent")

	// ErrAgentActive means an instance with this agent id is already live.
	ErrAgentActive = errors.New("agent instance already active")

	// ErrStreamActive means Execute was called on an instance whose
	// subprocess stream is still running.
	ErrStreamActive = errors.New("agent stream already running")
)

// MaxDerivedTags bounds LLM tag derivation.
const MaxDerivedTags = 8

// Job names for execution streams. Spawning registers the agent; the job
// runtime owns the actual stream.
const (
	ExecuteJobName = "agent.execute"
	ResumeJobName  = "agent.resume"
)

// staleHeartbeatStep is the checkpoint step written when the health loop
// reaps an agent whose heartbeat went silent.
const staleHeartbeatStep = "stale_heartbeat"

// stopKeyTTL bounds how long an unconsumed stop signal lingers.
const stopKeyTTL = 5 * time.Minute

// Deps are the collaborators a Runner needs. Worktrees may be nil when no
// repository is configured; spawns asking for a worktree then fail.
type Deps struct {
	Entities  *entity.Store
	State     *state.Store
	Registry  *registry.Registry
	Approvals *approval.Queue
	Worktrees *worktree.Manager
	LLM       *llm.Client
	KV        kv.Store
	Locks     *locks.Manager
	Bus       bus.EventBus
	Launcher  proc.Launcher

	// UserHooks come from the deployment's hooks file. Per-spawn hooks
	// override them event by event.
	UserHooks proc.HookSet
}

// Runner spawns and tracks agent instances. The in-memory active set is
// the single liveness authority: records say what an agent was doing,
// instances say what is running right now.
type Runner struct {
	cfg       config.AgentConfig
	entities  *entity.Store
	state     *state.Store
	registry  *registry.Registry
	approvals *approval.Queue
	worktrees *worktree.Manager
	llm       *llm.Client
	kv        kv.Store
	locks     *locks.Manager
	bus       bus.EventBus
	launcher  proc.Launcher
	userHooks proc.HookSet
	logger    *logger.Logger

	mu     sync.Mutex
	active map[string]*Instance
	byTask map[string]string
}

// New wires a runner.
func New(cfg config.AgentConfig, deps Deps, log *logger.Logger) *Runner {
	return &Runner{
		cfg:       cfg,
		entities:  deps.Entities,
		state:     deps.State,
		registry:  deps.Registry,
		approvals: deps.Approvals,
		worktrees: deps.Worktrees,
		llm:       deps.LLM,
		kv:        deps.KV,
		locks:     deps.Locks,
		bus:       deps.Bus,
		launcher:  deps.Launcher,
		userHooks: deps.UserHooks,
		logger:    log.WithFields(zap.String("component", "agent-runner")),
		active:    make(map[string]*Instance),
		byTask:    make(map[string]string),
	}
}

// SpawnRequest describes the agent to spawn.
type SpawnRequest struct {
	OrgID string

	// AgentID is optional; empty derives one from (org, project, now).
	AgentID string
	Name    string

	// AgentType selects a registry entry; empty uses the default type.
	AgentType   string
	SpawnSource entity.SpawnSource

	TaskID             string
	ProjectID          string
	Standalone         bool
	TaskOrchestratorID string

	CreateWorktree     bool
	CustomInstructions string

	// Model overrides the agent type's model.
	Model string

	// Hooks is the runtime hook layer; it wins conflicts with user hooks.
	Hooks proc.HookSet
}

// Spawn runs the spawn contract and returns a registered instance with
// status working. The subprocess itself starts on Execute.
func (r *Runner) Spawn(ctx context.Context, req SpawnRequest) (*Instance, error) {
	if req.OrgID == "" {
		return nil, fmt.Errorf("spawn requires an org id")
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = DeriveAgentID(req.OrgID, req.ProjectID, time.Now())
	}
	if req.SpawnSource == "" {
		req.SpawnSource = entity.SpawnUser
	}

	if req.TaskID != "" {
		lock, err := r.locks.TryAcquire(ctx, kv.SpawnLockKey(req.TaskID))
		if errors.Is(err, locks.ErrLockHeld) {
			return nil, fmt.Errorf("%w: %s", ErrSpawnInFlight, req.TaskID)
		}
		if err != nil {
			return nil, fmt.Errorf("acquire spawn lock: %w", err)
		}
		defer func() {
			if rerr := lock.Release(context.Background()); rerr != nil {
				r.logger.Debug("spawn lock release failed", zap.Error(rerr))
			}
		}()
	}

	if err := r.checkIdle(agentID, req.TaskID); err != nil {
		return nil, err
	}

	typeCfg, err := r.agentType(req.AgentType)
	if err != nil {
		return nil, err
	}

	var task *entity.Task
	if req.TaskID != "" {
		e, err := r.entities.Get(ctx, req.OrgID, req.TaskID)
		if err != nil {
			return nil, fmt.Errorf("load task %s: %w", req.TaskID, err)
		}
		task = entity.TaskFromEntity(e)
	}

	rec, err := r.upsertRecord(ctx, agentID, req, typeCfg, task)
	if err != nil {
		return nil, err
	}

	if req.CreateWorktree {
		if err := r.allocateWorktree(ctx, rec, task); err != nil {
			r.markSpawnFailed(ctx, rec, err)
			return nil, err
		}
	}

	spec, err := r.buildLaunchSpec(rec, typeCfg, task, req)
	if err != nil {
		r.markSpawnFailed(ctx, rec, err)
		return nil, err
	}

	inst := r.newInstance(rec, spec)
	if err := r.register(inst); err != nil {
		return nil, err
	}

	if _, err := r.entities.Update(ctx, req.OrgID, agentID, map[string]interface{}{
		"status":     string(entity.AgentWorking),
		"started_at": time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		r.remove(inst)
		return nil, fmt.Errorf("mark agent %s working: %w", agentID, err)
	}

	r.publish(ctx, events.AgentSpawned, map[string]interface{}{
		"agent_id":   agentID,
		"org_id":     req.OrgID,
		"task_id":    req.TaskID,
		"agent_type": typeCfg.ID,
	})
	r.logger.Info("agent spawned",
		zap.String("agent_id", agentID),
		zap.String("task_id", req.TaskID),
		zap.String("agent_type", typeCfg.ID))
	return inst, nil
}

// Resume rebuilds an instance for an existing record. With a session id
// the subprocess re-enters the session and reconstructs its own history;
// without one the agent restarts fresh and the returned prompt carries the
// continuation context instead. Callers pass the prompt to Execute.
func (r *Runner) Resume(ctx context.Context, orgID, agentID, continuation string) (*Instance, string, error) {
	e, err := r.entities.Get(ctx, orgID, agentID)
	if err != nil {
		return nil, "", fmt.Errorf("load agent %s: %w", agentID, err)
	}
	rec := entity.AgentFromEntity(e)
	if rec.Status == entity.AgentCompleted || rec.Status == entity.AgentTerminated {
		return nil, "", fmt.Errorf("agent %s is %s and cannot resume", agentID, rec.Status)
	}

	if err := r.checkIdle(agentID, rec.TaskID); err != nil {
		return nil, "", err
	}

	typeCfg, err := r.agentType(rec.AgentType)
	if err != nil {
		return nil, "", err
	}

	var task *entity.Task
	if rec.TaskID != "" {
		if te, terr := r.entities.Get(ctx, orgID, rec.TaskID); terr == nil {
			task = entity.TaskFromEntity(te)
		} else {
			r.logger.Warn("resume without task context",
				zap.String("task_id", rec.TaskID), zap.Error(terr))
		}
	}

	if rec.WorktreeID != "" && r.worktrees != nil {
		if _, werr := r.worktrees.Reuse(ctx, orgID, rec.WorktreeID, agentID); werr != nil {
			r.logger.Warn("worktree reuse on resume failed",
				zap.String("worktree_id", rec.WorktreeID), zap.Error(werr))
		}
	}

	spec, err := r.buildLaunchSpec(rec, typeCfg, task, SpawnRequest{Model: ""})
	if err != nil {
		return nil, "", err
	}

	inst := r.newInstance(rec, spec)
	inst.sessionID = rec.SessionID
	if err := r.register(inst); err != nil {
		return nil, "", err
	}

	if _, err := r.entities.Update(ctx, orgID, agentID, map[string]interface{}{
		"status": string(entity.AgentWorking),
	}); err != nil {
		r.remove(inst)
		return nil, "", fmt.Errorf("mark agent %s working: %w", agentID, err)
	}

	prompt := resumePrompt(rec.SessionID != "", continuation, task)
	r.publish(ctx, events.AgentStatusChanged, map[string]interface{}{
		"agent_id": agentID,
		"org_id":   orgID,
		"status":   string(entity.AgentWorking),
		"resumed":  true,
		"fresh":    rec.SessionID == "",
	})
	return inst, prompt, nil
}

// Stop stops a locally running instance, or leaves the stop signal for
// whichever process streams the agent.
func (r *Runner) Stop(ctx context.Context, orgID, agentID, reason string) error {
	if inst, ok := r.Get(agentID); ok && inst.OrgID == orgID {
		return inst.Stop(ctx, reason)
	}
	return r.SignalStop(ctx, agentID, reason)
}

// SignalStop sets agent:stop:<id>; the streaming watcher honors and clears it.
func (r *Runner) SignalStop(ctx context.Context, agentID, reason string) error {
	if reason == "" {
		reason = "stop requested"
	}
	return r.kv.SetEx(ctx, kv.AgentStopKey(agentID), reason, stopKeyTTL)
}

// Get returns the live instance for an agent id.
func (r *Runner) Get(agentID string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.active[agentID]
	return inst, ok
}

// ForTask returns the live instance serving a task.
func (r *Runner) ForTask(taskID string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byTask[taskID]
	if !ok {
		return nil, false
	}
	inst, ok := r.active[id]
	return inst, ok
}

// Active returns a snapshot of the live instances.
func (r *Runner) Active() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.active))
	for _, inst := range r.active {
		out = append(out, inst)
	}
	return out
}

// RunHealth scans for stale heartbeats until ctx ends.
func (r *Runner) RunHealth(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HealthInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepStale(ctx)
		}
	}
}

// sweepStale fails every agent whose heartbeat aged past the threshold and
// checkpoints it under stale_heartbeat, local instance or not.
func (r *Runner) sweepStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.cfg.StaleThreshold())
	stale, err := r.state.Stale(ctx, cutoff)
	if err != nil {
		r.logger.Error("stale heartbeat scan failed", zap.Error(err))
		return
	}

	for _, st := range stale {
		r.logger.Warn("agent heartbeat is stale",
			zap.String("agent_id", st.AgentID),
			zap.Time("last_heartbeat", st.LastHeartbeat))

		if inst, ok := r.Get(st.AgentID); ok && inst.OrgID == st.OrgID {
			if err := inst.failStale(ctx); err != nil {
				r.logger.Error("failed to reap stale instance",
					zap.String("agent_id", st.AgentID), zap.Error(err))
			}
			continue
		}
		r.reapRemote(ctx, st.OrgID, st.AgentID)
	}
}

// reapRemote handles a stale heartbeat row with no local instance, left by
// a runner process that died mid-stream.
func (r *Runner) reapRemote(ctx context.Context, orgID, agentID string) {
	sessionID := ""
	if e, err := r.entities.Get(ctx, orgID, agentID); err == nil {
		sessionID = entity.AgentFromEntity(e).SessionID
	}

	cp := &entity.AgentCheckpoint{
		Name:        "checkpoint " + shortID(agentID),
		OrgID:       orgID,
		AgentID:     agentID,
		SessionID:   sessionID,
		CurrentStep: staleHeartbeatStep,
	}
	if _, err := r.entities.CreateSync(ctx, cp.ToEntity()); err != nil {
		r.logger.Warn("checkpoint of stale agent failed",
			zap.String("agent_id", agentID), zap.Error(err))
	}

	if _, err := r.entities.Update(ctx, orgID, agentID, map[string]interface{}{
		"status":       string(entity.AgentFailed),
		"completed_at": time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		r.logger.Error("failed to mark stale agent failed",
			zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	if err := r.state.Delete(ctx, orgID, agentID); err != nil {
		r.logger.Debug("heartbeat row delete failed", zap.Error(err))
	}
	r.publish(ctx, events.AgentFailed, map[string]interface{}{
		"agent_id": agentID,
		"org_id":   orgID,
		"status":   string(entity.AgentFailed),
		"detail":   "stale heartbeat",
	})
}

func (r *Runner) newInstance(rec *entity.AgentRecord, spec proc.LaunchSpec) *Instance {
	return &Instance{
		ID:     rec.ID,
		OrgID:  rec.OrgID,
		TaskID: rec.TaskID,
		runner: r,
		spec:   spec,
		logger: r.logger.WithFields(zap.String("agent_id", rec.ID)),
	}
}

// checkIdle enforces single-instance-per-agent and single-agent-per-task
// against the in-memory registry.
func (r *Runner) checkIdle(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[agentID]; ok {
		return fmt.Errorf("%w: %s", ErrAgentActive, agentID)
	}
	if taskID != "" {
		if other, ok := r.byTask[taskID]; ok {
			return fmt.Errorf("%w: %s is served by %s", ErrTaskBusy, taskID, other)
		}
	}
	return nil
}

func (r *Runner) register(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[inst.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAgentActive, inst.ID)
	}
	if inst.TaskID != "" {
		if other, ok := r.byTask[inst.TaskID]; ok {
			return fmt.Errorf("%w: %s is served by %s", ErrTaskBusy, inst.TaskID, other)
		}
		r.byTask[inst.TaskID] = inst.ID
	}
	r.active[inst.ID] = inst
	return nil
}

func (r *Runner) remove(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.active[inst.ID]; ok && current == inst {
		delete(r.active, inst.ID)
	}
	if inst.TaskID != "" && r.byTask[inst.TaskID] == inst.ID {
		delete(r.byTask, inst.TaskID)
	}
}

func (r *Runner) agentType(id string) (*registry.TypeConfig, error) {
	if id == "" {
		return r.registry.GetDefault()
	}
	return r.registry.Get(id)
}

// upsertRecord creates the AgentRecord or merges into one pre-created by
// an API handler.
func (r *Runner) upsertRecord(ctx context.Context, agentID string, req SpawnRequest, typeCfg *registry.TypeConfig, task *entity.Task) (*entity.AgentRecord, error) {
	name := req.Name
	if name == "" {
		name = typeCfg.Name + " " + shortID(agentID)
	}
	tags := r.deriveTags(ctx, name, typeCfg, task)

	e, err := r.entities.Get(ctx, req.OrgID, agentID)
	if err == nil {
		if e.Type != entity.KindAgent {
			return nil, fmt.Errorf("entity %s is a %s, not an agent", agentID, e.Type)
		}
		rec := entity.AgentFromEntity(e)
		patch := map[string]interface{}{
			"status":     string(entity.AgentInitializing),
			"agent_type": typeCfg.ID,
			"tags":       mergeTags(rec.Tags, tags),
			"standalone": req.Standalone,
		}
		if rec.TaskID == "" && req.TaskID != "" {
			patch["task_id"] = req.TaskID
		}
		if rec.ProjectID == "" && req.ProjectID != "" {
			patch["project_id"] = req.ProjectID
		}
		if req.TaskOrchestratorID != "" {
			patch["task_orchestrator_id"] = req.TaskOrchestratorID
		}
		updated, uerr := r.entities.Update(ctx, req.OrgID, agentID, patch)
		if uerr != nil {
			return nil, fmt.Errorf("merge agent record %s: %w", agentID, uerr)
		}
		return entity.AgentFromEntity(updated), nil
	}
	if !errors.Is(err, entity.ErrNotFound) {
		return nil, fmt.Errorf("load agent record %s: %w", agentID, err)
	}

	rec := &entity.AgentRecord{
		ID:                 agentID,
		Name:               name,
		OrgID:              req.OrgID,
		AgentType:          typeCfg.ID,
		SpawnSource:        req.SpawnSource,
		Status:             entity.AgentInitializing,
		TaskID:             req.TaskID,
		ProjectID:          req.ProjectID,
		Standalone:         req.Standalone,
		TaskOrchestratorID: req.TaskOrchestratorID,
		Tags:               tags,
	}
	if _, cerr := r.entities.CreateSync(ctx, rec.ToEntity()); cerr != nil {
		return nil, fmt.Errorf("create agent record %s: %w", agentID, cerr)
	}
	return rec, nil
}

// deriveTags asks the LLM for up to 8 short tags and falls back to the
// agent type's tags plus the task's tags.
func (r *Runner) deriveTags(ctx context.Context, name string, typeCfg *registry.TypeConfig, task *entity.Task) []string {
	description := typeCfg.Description
	if task != nil {
		description = task.Name
		if task.Description != "" {
			description += ". " + task.Description
		}
	}

	if r.llm != nil && r.llm.Enabled() {
		tags, err := r.llm.DeriveTags(ctx, name, description, MaxDerivedTags)
		if err == nil && len(tags) > 0 {
			return tags
		}
		if err != nil {
			r.logger.Debug("tag derivation failed, using fallback", zap.Error(err))
		}
	}

	fallback := append([]string(nil), typeCfg.Tags...)
	if task != nil {
		fallback = append(fallback, task.Tags...)
	}
	return mergeTags(nil, fallback)
}

func (r *Runner) allocateWorktree(ctx context.Context, rec *entity.AgentRecord, task *entity.Task) error {
	if r.worktrees == nil {
		return fmt.Errorf("worktrees are not configured")
	}
	slug := ""
	if task != nil {
		slug = task.Name
	}
	wt, err := r.worktrees.Allocate(ctx, worktree.AllocateRequest{
		OrgID:   rec.OrgID,
		AgentID: rec.ID,
		TaskID:  rec.TaskID,
		Slug:    slug,
	})
	if err != nil {
		return fmt.Errorf("allocate worktree: %w", err)
	}

	if _, err := r.entities.Update(ctx, rec.OrgID, rec.ID, map[string]interface{}{
		"worktree_id":   wt.ID,
		"worktree_path": wt.Path,
		"branch_name":   wt.Branch,
	}); err != nil {
		return fmt.Errorf("persist worktree on agent record: %w", err)
	}
	rec.WorktreeID = wt.ID
	rec.WorktreePath = wt.Path
	rec.BranchName = wt.Branch
	return nil
}

func (r *Runner) buildLaunchSpec(rec *entity.AgentRecord, typeCfg *registry.TypeConfig, task *entity.Task, req SpawnRequest) (proc.LaunchSpec, error) {
	command := append([]string(nil), typeCfg.Command...)
	if len(command) == 0 && r.cfg.Command != "" {
		command = strings.Fields(r.cfg.Command)
	}
	if len(command) == 0 {
		return proc.LaunchSpec{}, fmt.Errorf("agent type %s has no command", typeCfg.ID)
	}

	model := req.Model
	if model == "" {
		model = typeCfg.Model
	}

	env := map[string]string{
		proc.EnvAgentID: rec.ID,
		proc.EnvOrgID:   rec.OrgID,
	}
	if rec.TaskID != "" {
		env[proc.EnvTaskID] = rec.TaskID
	}

	return proc.LaunchSpec{
		Command:      command,
		Dir:          rec.WorktreePath,
		Env:          env,
		SystemPrompt: BuildSystemPrompt(rec, typeCfg, task, req.CustomInstructions),
		Model:        model,
		Hooks:        proc.MergeHooks(r.userHooks, req.Hooks),
	}, nil
}

func (r *Runner) markSpawnFailed(ctx context.Context, rec *entity.AgentRecord, cause error) {
	if _, err := r.entities.Update(ctx, rec.OrgID, rec.ID, map[string]interface{}{
		"status":       string(entity.AgentFailed),
		"completed_at": time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		r.logger.Warn("failed to mark aborted spawn",
			zap.String("agent_id", rec.ID), zap.Error(err))
	}
	r.logger.Error("spawn aborted",
		zap.String("agent_id", rec.ID), zap.Error(cause))
}

func (r *Runner) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "agent-runner", data)); err != nil {
		r.logger.Warn("event publish failed",
			zap.String("event", eventType), zap.Error(err))
	}
}

// DeriveAgentID hashes (org, project, timestamp) into a stable agent id.
func DeriveAgentID(orgID, projectID string, ts time.Time) string {
	sum := sha256.Sum256([]byte(orgID + "|" + projectID + "|" + strconv.FormatInt(ts.UnixNano(), 10)))
	return "agent-" + hex.EncodeToString(sum[:])[:12]
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "agent-")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func mergeTags(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, t := range append(append([]string(nil), existing...), incoming...) {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		merged = append(merged, t)
		if len(merged) == MaxDerivedTags {
			break
		}
	}
	return merged
}
