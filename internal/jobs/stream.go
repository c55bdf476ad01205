package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/agent/proc"
	"github.com/sibyldev/sibyl/internal/agent/runner"
	"github.com/sibyldev/sibyl/internal/agent/state"
	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/entity"
	"github.com/sibyldev/sibyl/internal/events"
	"github.com/sibyldev/sibyl/internal/events/bus"
)

// reminderPrompt nudges an agent that finished a turn after real work
// without wrapping up its bookkeeping. Sent at most once per stream.
const reminderPrompt = "Before you finish, review your changes against the task description and record a short summary of the outcome."

// workflowTracker watches a stream for substantive work so the supervisor
// can nudge the agent once before letting the session end.
type workflowTracker struct {
	sawToolUse bool
	reminded   bool
}

func (t *workflowTracker) observe(msg *proc.Message) {
	if msg.Type == proc.TypeAssistant && len(msg.ToolUses()) > 0 {
		t.sawToolUse = true
	}
}

// shouldRemind reports whether this result closes a clean turn after real
// work, with no nudge sent yet.
func (t *workflowTracker) shouldRemind(msg *proc.Message) bool {
	return !t.reminded && t.sawToolUse && !msg.IsError && msg.Subtype == proc.ResultSuccess
}

// runAgentExecution drives a freshly spawned agent's stream. The spawner
// may live in another process; in that case the instance is rebuilt from
// the persisted record before launch.
func (h *Handlers) runAgentExecution(ctx context.Context, job *Job) error {
	orgID := stringArg(job.Args, "organization_id")
	agentID := stringArg(job.Args, "agent_id")
	prompt := stringArg(job.Args, "prompt")
	if orgID == "" || agentID == "" || prompt == "" {
		return fmt.Errorf("%s requires organization_id, agent_id and prompt", runner.ExecuteJobName)
	}

	inst, ok := h.agents.Get(agentID)
	if !ok {
		// Spawned elsewhere. Attach from the record; the job's prompt is
		// authoritative for a first run, so the rebuilt one is discarded.
		attached, _, err := h.agents.Resume(ctx, orgID, agentID, "")
		if err != nil {
			return fmt.Errorf("attach agent %s: %w", agentID, err)
		}
		inst = attached
	}

	stream, err := inst.Execute(ctx, prompt)
	if err != nil {
		if !errors.Is(err, runner.ErrStreamActive) {
			if ferr := inst.Fail(ctx, fmt.Sprintf("launch failed: %v", err)); ferr != nil {
				h.logger.Warn("failed to mark agent failed", zap.String("agent_id", agentID), zap.Error(ferr))
			}
		}
		return fmt.Errorf("execute agent %s: %w", agentID, err)
	}
	return h.superviseStream(ctx, inst, stream, prompt)
}

// resumeAgentExecution restarts a paused or orphaned agent and drives the
// new stream. Message numbering continues from the existing log.
func (h *Handlers) resumeAgentExecution(ctx context.Context, job *Job) error {
	orgID := stringArg(job.Args, "organization_id")
	agentID := stringArg(job.Args, "agent_id")
	if orgID == "" || agentID == "" {
		return fmt.Errorf("%s requires organization_id and agent_id", runner.ResumeJobName)
	}

	inst, prompt, err := h.agents.Resume(ctx, orgID, agentID, stringArg(job.Args, "continuation"))
	if err != nil {
		return fmt.Errorf("resume agent %s: %w", agentID, err)
	}
	stream, err := inst.Execute(ctx, prompt)
	if err != nil {
		if ferr := inst.Fail(ctx, fmt.Sprintf("resume launch failed: %v", err)); ferr != nil {
			h.logger.Warn("failed to mark agent failed", zap.String("agent_id", agentID), zap.Error(ferr))
		}
		return fmt.Errorf("resume agent %s: %w", agentID, err)
	}
	return h.superviseStream(ctx, inst, stream, prompt)
}

// superviseStream consumes the subprocess stream to its end: every
// message is summarized into the SQL log under a monotonic message_num
// and mirrored on the agent's stream subject. The loop owns the one
// completion reminder and the terminal status transition.
func (h *Handlers) superviseStream(ctx context.Context, inst *runner.Instance, stream <-chan *proc.Message, prompt string) error {
	log := h.logger.WithFields(
		zap.String("agent_id", inst.ID),
		zap.String("organization_id", inst.OrgID))

	next, err := h.messages.NextMessageNum(ctx, inst.OrgID, inst.ID)
	if err != nil {
		log.Warn("message numbering unavailable, starting at 1", zap.Error(err))
		next = 1
	}
	h.appendRow(ctx, log, promptRow(inst, &next, prompt))

	tracker := &workflowTracker{}
	var result *proc.Message
	for msg := range stream {
		tracker.observe(msg)
		for _, row := range formatMessage(inst, msg, &next) {
			h.appendRow(ctx, log, row)
		}
		h.broadcast(ctx, inst, msg)

		if msg.Type != proc.TypeResult {
			continue
		}
		if tracker.shouldRemind(msg) {
			tracker.reminded = true
			if err := inst.SendMessage(reminderPrompt); err != nil {
				log.Debug("reminder not delivered", zap.Error(err))
				result = msg
				continue
			}
			h.appendRow(ctx, log, promptRow(inst, &next, reminderPrompt))
			log.Info("sent completion reminder")
			// another turn is coming; its result supersedes this one
			result = nil
			continue
		}
		result = msg
	}
	return h.finalize(ctx, log, inst, result)
}

func (h *Handlers) appendRow(ctx context.Context, log *logger.Logger, row *state.AgentMessage) {
	if err := h.messages.Append(ctx, row); err != nil {
		log.Warn("message log append failed",
			zap.Int64("message_num", row.MessageNum),
			zap.String("kind", row.Kind),
			zap.Error(err))
	}
}

// broadcast mirrors one protocol message onto the agent's stream subject.
// Fire-and-forget; UI consumers are never load-bearing.
func (h *Handlers) broadcast(ctx context.Context, inst *runner.Instance, msg *proc.Message) {
	if h.bus == nil {
		return
	}
	data := map[string]interface{}{
		"agent_id":        inst.ID,
		"organization_id": inst.OrgID,
		"message_type":    msg.Type,
	}
	if inst.TaskID != "" {
		data["task_id"] = inst.TaskID
	}
	if msg.SessionID != "" {
		data["session_id"] = msg.SessionID
	}
	if text := strings.TrimSpace(msg.Text()); text != "" {
		data["text"] = text
	}
	if uses := msg.ToolUses(); len(uses) > 0 {
		names := make([]string, 0, len(uses))
		for _, use := range uses {
			names = append(names, use.Name)
		}
		data["tools"] = names
	}
	if msg.Type == proc.TypeResult {
		data["subtype"] = msg.Subtype
		data["is_error"] = msg.IsError
		data["num_turns"] = msg.NumTurns
		if msg.TotalCostUSD > 0 {
			data["cost_usd"] = msg.TotalCostUSD
		}
	}
	evt := bus.NewEvent(events.AgentStream, "job-worker", data)
	if err := h.bus.Publish(ctx, events.BuildAgentStreamSubject(inst.ID), evt); err != nil {
		h.logger.Debug("stream broadcast failed", zap.String("agent_id", inst.ID), zap.Error(err))
	}
}

// finalize settles the agent once its stream closes. Only a supervision
// breakdown fails the job; an agent-level error lands on the agent record
// and the job still counts as done.
func (h *Handlers) finalize(ctx context.Context, log *logger.Logger, inst *runner.Instance, result *proc.Message) error {
	if result == nil {
		// A stop or pause racing the close has already settled the record;
		// only an unexplained close is a failure.
		if rec := h.agentRecord(ctx, inst); rec != nil && rec.Status != entity.AgentWorking {
			log.Info("stream closed after external stop", zap.String("status", string(rec.Status)))
			return nil
		}
		if _, err := inst.Checkpoint(ctx, "interrupted"); err != nil {
			log.Debug("final checkpoint failed", zap.Error(err))
		}
		if err := inst.Fail(ctx, "stream ended without a result"); err != nil {
			log.Warn("failed to mark agent failed", zap.Error(err))
		}
		return fmt.Errorf("agent %s stream ended without a result", inst.ID)
	}

	failed := result.IsError ||
		result.Subtype == proc.ResultErrorMaxTurns ||
		result.Subtype == proc.ResultErrorExecution
	if failed {
		if _, err := inst.Checkpoint(ctx, "failed"); err != nil {
			log.Debug("final checkpoint failed", zap.Error(err))
		}
		reason := result.Subtype
		if text := strings.TrimSpace(result.Result); text != "" {
			reason = truncateText(text, 300)
		}
		if err := inst.Fail(ctx, reason); err != nil {
			log.Warn("failed to mark agent failed", zap.Error(err))
		}
		return nil
	}

	if _, err := inst.Checkpoint(ctx, "completed"); err != nil {
		log.Debug("final checkpoint failed", zap.Error(err))
	}
	summary := truncateText(strings.TrimSpace(result.Result), 500)
	if err := inst.Complete(ctx, summary); err != nil {
		return fmt.Errorf("complete agent %s: %w", inst.ID, err)
	}
	h.notifyOrchestrator(ctx, log, inst)
	return nil
}

// notifyOrchestrator hands a finished worker back to its task loop, which
// runs its review gates synchronously in this process.
func (h *Handlers) notifyOrchestrator(ctx context.Context, log *logger.Logger, inst *runner.Instance) {
	if h.orchestrators == nil {
		return
	}
	rec := h.agentRecord(ctx, inst)
	if rec == nil || rec.TaskOrchestratorID == "" {
		return
	}
	if err := h.orchestrators.OnWorkerComplete(ctx, inst.OrgID, rec.TaskOrchestratorID); err != nil {
		log.Warn("orchestrator hand-off failed",
			zap.String("orchestrator_id", rec.TaskOrchestratorID),
			zap.Error(err))
	}
}

func (h *Handlers) agentRecord(ctx context.Context, inst *runner.Instance) *entity.AgentRecord {
	e, err := h.entities.Get(ctx, inst.OrgID, inst.ID)
	if err != nil {
		h.logger.Warn("agent record lookup failed", zap.String("agent_id", inst.ID), zap.Error(err))
		return nil
	}
	return entity.AgentFromEntity(e)
}
