package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/agent/runner"
	"github.com/sibyldev/sibyl/internal/agent/state"
	"github.com/sibyldev/sibyl/internal/backup"
	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/entity"
	"github.com/sibyldev/sibyl/internal/events/bus"
	"github.com/sibyldev/sibyl/internal/llm"
	"github.com/sibyldev/sibyl/internal/orchestrator/taskorch"
)

// HandlerDeps are the collaborators the job handlers need. Orchestrators,
// Backups, LLM and Bus may be nil; the jobs that need them degrade or are
// skipped at registration.
type HandlerDeps struct {
	Entities      *entity.Store
	Agents        *runner.Runner
	Messages      *state.MessageLog
	Orchestrators *taskorch.Service
	Backups       *backup.Service
	LLM           *llm.Client
	Bus           bus.EventBus
}

// Handlers binds the named jobs to the services that do the work.
type Handlers struct {
	entities      *entity.Store
	agents        *runner.Runner
	messages      *state.MessageLog
	orchestrators *taskorch.Service
	backups       *backup.Service
	llm           *llm.Client
	bus           bus.EventBus
	logger        *logger.Logger
}

// NewHandlers wires the handler set.
func NewHandlers(deps HandlerDeps, log *logger.Logger) *Handlers {
	return &Handlers{
		entities:      deps.Entities,
		agents:        deps.Agents,
		messages:      deps.Messages,
		orchestrators: deps.Orchestrators,
		backups:       deps.Backups,
		llm:           deps.LLM,
		bus:           deps.Bus,
		logger:        log.WithFields(zap.String("component", "job-handlers")),
	}
}

// RegisterAll binds every job this process can serve.
func (h *Handlers) RegisterAll(reg *Registry) {
	reg.Register(runner.ExecuteJobName, h.runAgentExecution)
	reg.Register(runner.ResumeJobName, h.resumeAgentExecution)
	reg.Register(entity.CreateJobName, h.processEntityCreation)
	reg.Register(CreateEntityJobName, h.createEntity)
	reg.Register(UpdateEntityJobName, h.updateEntity)
	reg.Register(UpdateTaskJobName, h.updateTask)
	reg.Register(CreateEpisodeJobName, h.createLearningEpisode)
	reg.Register(StatusHintJobName, h.generateStatusHint)
	if h.backups != nil {
		reg.Register(backup.RunJobName, h.runBackup)
		reg.Register(backup.CleanupJobName, h.cleanupBackups)
		reg.Register(backup.ScheduledJobName, h.runScheduledBackups)
	}
}

// processEntityCreation finishes an async create: embedding, requested
// edges, queued patches, then the completion broadcast.
func (h *Handlers) processEntityCreation(ctx context.Context, job *Job) error {
	orgID := stringArg(job.Args, "organization_id")
	entityID := stringArg(job.Args, "entity_id")
	if orgID == "" || entityID == "" {
		return fmt.Errorf("%s requires organization_id and entity_id", entity.CreateJobName)
	}
	return h.entities.ProcessAsyncCreate(ctx, orgID, entityID)
}

// createEntity persists an inline entity payload. Unlike the async
// pipeline there is no pending record; the caller already has the id.
func (h *Handlers) createEntity(ctx context.Context, job *Job) error {
	orgID := stringArg(job.Args, "organization_id")
	kind := stringArg(job.Args, "type")
	name := stringArg(job.Args, "name")
	if orgID == "" || kind == "" || name == "" {
		return fmt.Errorf("%s requires organization_id, type and name", CreateEntityJobName)
	}
	e := &entity.Entity{
		ID:        stringArg(job.Args, "entity_id"),
		Type:      entity.Kind(kind),
		Name:      name,
		OrgID:     orgID,
		CreatedBy: stringArg(job.Args, "created_by"),
		Metadata:  mapArg(job.Args, "metadata"),
	}
	id, err := h.entities.CreateSync(ctx, e)
	if err != nil {
		return fmt.Errorf("create %s entity: %w", kind, err)
	}
	h.logger.Info("entity created", zap.String("entity_id", id), zap.String("type", kind))
	return nil
}

func (h *Handlers) updateEntity(ctx context.Context, job *Job) error {
	orgID := stringArg(job.Args, "organization_id")
	entityID := stringArg(job.Args, "entity_id")
	patch := mapArg(job.Args, "patch")
	if orgID == "" || entityID == "" || len(patch) == 0 {
		return fmt.Errorf("%s requires organization_id, entity_id and a patch", UpdateEntityJobName)
	}
	if _, err := h.entities.Update(ctx, orgID, entityID, patch); err != nil {
		return fmt.Errorf("update entity %s: %w", entityID, err)
	}
	return nil
}

// updateTask is updateEntity with a type check. The transition rides the
// same per-entity lock as any update; epic promotion happens in the store.
func (h *Handlers) updateTask(ctx context.Context, job *Job) error {
	orgID := stringArg(job.Args, "organization_id")
	taskID := stringArg(job.Args, "task_id")
	if taskID == "" {
		taskID = stringArg(job.Args, "entity_id")
	}
	patch := mapArg(job.Args, "patch")
	if orgID == "" || taskID == "" || len(patch) == 0 {
		return fmt.Errorf("%s requires organization_id, task_id and a patch", UpdateTaskJobName)
	}
	e, err := h.entities.Get(ctx, orgID, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if e.Type != entity.KindTask {
		return fmt.Errorf("entity %s is a %s, not a task", taskID, e.Type)
	}
	if _, err := h.entities.Update(ctx, orgID, taskID, patch); err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	return nil
}

func (h *Handlers) createLearningEpisode(ctx context.Context, job *Job) error {
	orgID := stringArg(job.Args, "organization_id")
	content := stringArg(job.Args, "content")
	if orgID == "" || content == "" {
		return fmt.Errorf("%s requires organization_id and content", CreateEpisodeJobName)
	}
	ep := &entity.LearningEpisode{
		ID:        stringArg(job.Args, "episode_id"),
		Name:      stringArg(job.Args, "name"),
		OrgID:     orgID,
		ProjectID: stringArg(job.Args, "project_id"),
		TaskID:    stringArg(job.Args, "task_id"),
		AgentID:   stringArg(job.Args, "agent_id"),
		Content:   content,
		Category:  stringArg(job.Args, "category"),
		Tags:      stringsArg(job.Args, "tags"),
	}
	if ep.Name == "" {
		ep.Name = truncateText(content, 80)
	}
	id, err := h.entities.CreateSync(ctx, ep.ToEntity())
	if err != nil {
		return fmt.Errorf("create learning episode: %w", err)
	}
	// Provenance edges are best-effort; the episode itself is the record.
	for _, target := range []string{ep.TaskID, ep.AgentID} {
		if target == "" {
			continue
		}
		if err := h.entities.Link(ctx, orgID, entity.EdgeRelatedTo, id, target); err != nil {
			h.logger.Warn("episode link failed",
				zap.String("episode_id", id),
				zap.String("target", target),
				zap.Error(err))
		}
	}
	return nil
}

// generateStatusHint decorates the agent record with a short activity
// description. Purely cosmetic: every failure path logs and returns nil
// so the job never lands in the failed count.
func (h *Handlers) generateStatusHint(ctx context.Context, job *Job) error {
	orgID := stringArg(job.Args, "organization_id")
	agentID := stringArg(job.Args, "agent_id")
	if orgID == "" || agentID == "" {
		h.logger.Warn("status hint job missing ids", zap.String("job_id", job.ID))
		return nil
	}
	if h.llm == nil || !h.llm.Enabled() {
		return nil
	}
	e, err := h.entities.Get(ctx, orgID, agentID)
	if err != nil {
		h.logger.Warn("status hint target lookup failed", zap.String("agent_id", agentID), zap.Error(err))
		return nil
	}
	rec := entity.AgentFromEntity(e)
	hint, err := h.llm.StatusHint(ctx, rec.Name, stringArg(job.Args, "activity"))
	if err != nil {
		if !errors.Is(err, llm.ErrDisabled) {
			h.logger.Warn("status hint generation failed", zap.String("agent_id", agentID), zap.Error(err))
		}
		return nil
	}
	if hint == "" {
		return nil
	}
	if _, err := h.entities.Update(ctx, orgID, agentID, map[string]interface{}{"status_hint": hint}); err != nil {
		h.logger.Warn("status hint write failed", zap.String("agent_id", agentID), zap.Error(err))
	}
	return nil
}

func (h *Handlers) runBackup(ctx context.Context, job *Job) error {
	orgID := stringArg(job.Args, "organization_id")
	if orgID == "" {
		return fmt.Errorf("%s requires organization_id", backup.RunJobName)
	}
	rec, err := h.backups.Run(ctx, orgID)
	if err != nil {
		return fmt.Errorf("run backup: %w", err)
	}
	h.logger.Info("backup finished",
		zap.String("backup_id", rec.ID),
		zap.String("organization_id", orgID),
		zap.String("path", rec.Path))
	return nil
}

func (h *Handlers) cleanupBackups(ctx context.Context, _ *Job) error {
	removed, err := h.backups.Cleanup(ctx)
	if err != nil {
		return fmt.Errorf("cleanup backups: %w", err)
	}
	if removed > 0 {
		h.logger.Info("expired backups removed", zap.Int("count", removed))
	}
	return nil
}

func (h *Handlers) runScheduledBackups(ctx context.Context, _ *Job) error {
	return h.backups.RunScheduled(ctx)
}

// Args cross process boundaries as JSON, so readers tolerate both the
// original Go values and their decoded shapes.

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func mapArg(args map[string]interface{}, key string) map[string]interface{} {
	if v, ok := args[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

func stringsArg(args map[string]interface{}, key string) []string {
	if vs, ok := args[key].([]string); ok {
		return vs
	}
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
