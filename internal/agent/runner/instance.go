package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/agent/proc"
	"github.com/sibyldev/sibyl/internal/approval"
	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/entity"
	"github.com/sibyldev/sibyl/internal/events"
	"github.com/sibyldev/sibyl/internal/kv"
)

// Instance is one live agent: an AgentRecord paired with a subprocess
// session, its worktree, and the approval round-trip. Instances are built
// by the Runner; Execute may be called once per instance.
type Instance struct {
	ID     string
	OrgID  string
	TaskID string

	runner *Runner
	spec   proc.LaunchSpec
	logger *logger.Logger

	mu         sync.Mutex
	client     *proc.Client
	process    proc.Process
	out        chan *proc.Message
	execCancel context.CancelFunc
	running    bool
	finished   bool

	sessionID         string
	tokens            int64
	costUSD           float64
	pendingApprovalID string
}

// Execute launches the subprocess and sends the first prompt. The returned
// channel delivers protocol messages in order and closes when the
// subprocess exits or ctx ends. Heartbeats and the stop-signal watcher run
// for the life of the stream.
func (i *Instance) Execute(ctx context.Context, prompt string) (<-chan *proc.Message, error) {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStreamActive, i.ID)
	}
	i.running = true
	session := i.sessionID
	i.mu.Unlock()

	execCtx, cancel := context.WithCancel(ctx)

	spec := i.spec
	spec.SessionID = session
	process, err := i.runner.launcher.Launch(execCtx, spec)
	if err != nil {
		cancel()
		i.mu.Lock()
		i.running = false
		i.mu.Unlock()
		return nil, fmt.Errorf("launch agent subprocess: %w", err)
	}

	client := proc.NewClient(process.Stdin(), process.Stdout(), i.logger)
	out := make(chan *proc.Message, 64)

	i.mu.Lock()
	i.client = client
	i.process = process
	i.out = out
	i.execCancel = cancel
	i.mu.Unlock()

	client.SetMessageHandler(func(msg *proc.Message) {
		i.observe(msg)
		select {
		case out <- msg:
		case <-execCtx.Done():
		}
	})
	client.SetRequestHandler(func(requestID string, req *proc.ControlRequest) {
		// The read loop must keep flowing while the human decides.
		go i.handleControlRequest(execCtx, requestID, req)
	})

	<-client.Start(execCtx)

	go i.heartbeatLoop(execCtx)
	go i.watchStopSignal(execCtx)
	go func() {
		select {
		case <-client.Done():
		case <-execCtx.Done():
			if err := process.Kill(); err != nil {
				i.logger.Debug("subprocess kill after cancel", zap.Error(err))
			}
			<-client.Done()
		}
		cancel()
		if err := process.Wait(); err != nil {
			i.logger.Debug("subprocess exit", zap.Error(err))
		}
		close(out)
	}()

	if err := client.SendPrompt(prompt); err != nil {
		cancel()
		return nil, fmt.Errorf("send initial prompt: %w", err)
	}
	return out, nil
}

// SendMessage starts another turn on the running stream.
func (i *Instance) SendMessage(content string) error {
	i.mu.Lock()
	client := i.client
	i.mu.Unlock()
	if client == nil {
		return fmt.Errorf("agent %s has no running stream", i.ID)
	}
	return client.SendPrompt(content)
}

// observe runs inside the read loop before the message is forwarded, so
// accounting never depends on the consumer keeping up.
func (i *Instance) observe(msg *proc.Message) {
	switch msg.Type {
	case proc.TypeSystem:
		if msg.SessionID != "" {
			i.mu.Lock()
			i.sessionID = msg.SessionID
			i.mu.Unlock()
		}
	case proc.TypeResult:
		i.mu.Lock()
		if msg.Usage != nil {
			i.tokens += msg.Usage.InputTokens + msg.Usage.OutputTokens
		}
		i.costUSD += msg.TotalCostUSD
		if msg.SessionID != "" {
			i.sessionID = msg.SessionID
		}
		i.mu.Unlock()
	}
}

// Usage returns the tokens and cost accumulated across results so far.
func (i *Instance) Usage() (int64, float64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.tokens, i.costUSD
}

// SessionID returns the resume key captured from the stream, if any.
func (i *Instance) SessionID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sessionID
}

func (i *Instance) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(i.runner.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tokens, cost := i.Usage()
			if err := i.runner.state.Beat(ctx, i.OrgID, i.ID, tokens, cost); err != nil {
				i.logger.Warn("heartbeat write failed", zap.Error(err))
			}
		}
	}
}

// watchStopSignal polls agent:stop:<id> while the stream runs. The key is
// cleared only after the stop took effect, so a runner that dies mid-stop
// leaves the signal for the next resume to honor.
func (i *Instance) watchStopSignal(ctx context.Context) {
	key := kv.AgentStopKey(i.ID)
	ticker := time.NewTicker(i.runner.cfg.StopPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reason, err := i.runner.kv.Get(ctx, key)
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			if err != nil {
				i.logger.Debug("stop signal poll failed", zap.Error(err))
				continue
			}
			if reason == "" {
				reason = "stop requested"
			}
			i.logger.Info("stop signal received", zap.String("reason", reason))
			if err := i.Stop(context.Background(), reason); err != nil {
				i.logger.Warn("stop after signal failed", zap.Error(err))
			}
			if err := i.runner.kv.Del(context.Background(), key); err != nil {
				i.logger.Warn("failed to clear stop signal", zap.Error(err))
			}
			return
		}
	}
}

// handleControlRequest routes a tool permission check through the approval
// queue and answers the subprocess with the human's decision.
func (i *Instance) handleControlRequest(ctx context.Context, requestID string, req *proc.ControlRequest) {
	if req.Subtype != proc.SubtypeCanUseTool {
		i.respondPermission(requestID, false, "unsupported control request "+req.Subtype)
		return
	}

	rec, err := i.runner.approvals.Enqueue(ctx, approval.EnqueueRequest{
		OrgID:   i.OrgID,
		AgentID: i.ID,
		TaskID:  i.TaskID,
		Type:    entity.ApprovalToolUse,
		Title:   "Tool use: " + req.ToolName,
		Summary: summarizeToolInput(req),
		Metadata: map[string]interface{}{
			"tool_name":   req.ToolName,
			"tool_use_id": req.ToolUseID,
			"tool_input":  req.Input,
		},
	})
	if err != nil {
		i.logger.Error("failed to enqueue tool approval",
			zap.String("tool", req.ToolName), zap.Error(err))
		i.respondPermission(requestID, false, "approval request failed")
		return
	}

	i.setPendingApproval(rec.ID)
	resp, err := i.runner.approvals.WaitForResponse(ctx, i.OrgID, rec.ID, approval.DefaultWait)
	i.setPendingApproval("")
	if err != nil {
		i.logger.Warn("approval wait failed",
			zap.String("approval_id", rec.ID), zap.Error(err))
		i.respondPermission(requestID, false, "approval wait failed")
		i.restoreWorking(context.Background())
		return
	}

	i.respondPermission(requestID, resp.Approved, resp.Message)
	// The stream may already be tearing down; the status write must not
	// ride its context.
	i.restoreWorking(context.Background())
}

func (i *Instance) respondPermission(requestID string, allow bool, message string) {
	i.mu.Lock()
	client := i.client
	i.mu.Unlock()
	if client == nil {
		return
	}
	if err := client.SendPermission(requestID, allow, message); err != nil {
		i.logger.Warn("failed to answer permission request",
			zap.String("request_id", requestID), zap.Error(err))
	}
}

func (i *Instance) setPendingApproval(id string) {
	i.mu.Lock()
	i.pendingApprovalID = id
	i.mu.Unlock()
}

// restoreWorking flips the record back after waiting_approval. Best-effort;
// the next meaningful transition corrects any miss.
func (i *Instance) restoreWorking(ctx context.Context) {
	if _, err := i.runner.entities.Update(ctx, i.OrgID, i.ID, map[string]interface{}{
		"status": string(entity.AgentWorking),
	}); err != nil {
		i.logger.Debug("failed to restore working status", zap.Error(err))
	}
}

// Checkpoint persists a resume point: the session id, an optional current
// step, and the approval the agent is waiting on. Never the conversation.
func (i *Instance) Checkpoint(ctx context.Context, currentStep string) (*entity.AgentCheckpoint, error) {
	i.mu.Lock()
	cp := &entity.AgentCheckpoint{
		Name:              "checkpoint " + shortID(i.ID),
		OrgID:             i.OrgID,
		AgentID:           i.ID,
		SessionID:         i.sessionID,
		CurrentStep:       currentStep,
		PendingApprovalID: i.pendingApprovalID,
	}
	i.mu.Unlock()

	id, err := i.runner.entities.CreateSync(ctx, cp.ToEntity())
	if err != nil {
		return nil, fmt.Errorf("persist checkpoint for agent %s: %w", i.ID, err)
	}
	cp.ID = id

	i.runner.publish(ctx, events.AgentCheckpointed, map[string]interface{}{
		"agent_id":      i.ID,
		"org_id":        i.OrgID,
		"checkpoint_id": id,
	})
	return cp, nil
}

// Stop terminates the subprocess, cancels the agent's pending approvals,
// and writes the terminated status. Safe to call while the subprocess is
// already going down; shutdown faults are logged, never returned.
func (i *Instance) Stop(ctx context.Context, reason string) error {
	i.shutdown()
	if _, err := i.runner.approvals.CancelAll(ctx, i.OrgID, i.ID, reason); err != nil {
		i.logger.Debug("approval cancel during stop", zap.Error(err))
	}
	return i.finalize(ctx, entity.AgentTerminated, reason)
}

// Pause halts the subprocess but keeps pending approvals alive and writes
// a checkpoint, so Resume can pick up the same session and reattach any
// open approval wait.
func (i *Instance) Pause(ctx context.Context, reason string) error {
	i.shutdown()
	if _, err := i.Checkpoint(ctx, reason); err != nil {
		i.logger.Warn("checkpoint during pause failed", zap.Error(err))
	}
	return i.finalize(ctx, entity.AgentPaused, reason)
}

// Complete records a successful finish.
func (i *Instance) Complete(ctx context.Context, summary string) error {
	i.shutdown()
	return i.finalize(ctx, entity.AgentCompleted, summary)
}

// Fail records an unsuccessful finish.
func (i *Instance) Fail(ctx context.Context, reason string) error {
	i.shutdown()
	return i.finalize(ctx, entity.AgentFailed, reason)
}

// failStale is the health loop's path for an instance whose heartbeat went
// silent: checkpoint under stale_heartbeat, then fail.
func (i *Instance) failStale(ctx context.Context) error {
	i.shutdown()
	if _, err := i.Checkpoint(ctx, staleHeartbeatStep); err != nil {
		i.logger.Warn("checkpoint of stale agent failed", zap.Error(err))
	}
	return i.finalize(ctx, entity.AgentFailed, "stale heartbeat")
}

// shutdown tears the subprocess side down. Errors from a process that is
// already dying are expected and swallowed.
func (i *Instance) shutdown() {
	i.mu.Lock()
	cancel := i.execCancel
	client := i.client
	process := i.process
	i.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.Stop()
	}
	if process != nil {
		if err := process.Kill(); err != nil {
			i.logger.Debug("subprocess kill during shutdown", zap.Error(err))
		}
	}
}

// finalize applies the one status transition that ends this instance's run
// and deregisters it. Later calls are no-ops, so a stop racing a natural
// completion settles on whichever landed first.
func (i *Instance) finalize(ctx context.Context, status entity.AgentStatus, detail string) error {
	i.mu.Lock()
	if i.finished {
		i.mu.Unlock()
		return nil
	}
	i.finished = true
	tokens := i.tokens
	cost := i.costUSD
	session := i.sessionID
	i.mu.Unlock()

	defer i.runner.remove(i)

	patch := map[string]interface{}{
		"status":      string(status),
		"tokens_used": float64(tokens),
		"cost_usd":    cost,
	}
	if session != "" {
		patch["session_id"] = session
	}
	if status.Terminal() {
		patch["completed_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if _, err := i.runner.entities.Update(ctx, i.OrgID, i.ID, patch); err != nil {
		return fmt.Errorf("finalize agent %s as %s: %w", i.ID, status, err)
	}

	// The heartbeat row is stream-scoped; without it the health loop would
	// soon declare this agent stale.
	if err := i.runner.state.Delete(ctx, i.OrgID, i.ID); err != nil {
		i.logger.Debug("heartbeat row delete failed", zap.Error(err))
	}

	data := map[string]interface{}{
		"agent_id": i.ID,
		"org_id":   i.OrgID,
		"status":   string(status),
	}
	if i.TaskID != "" {
		data["task_id"] = i.TaskID
	}
	if detail != "" {
		data["detail"] = detail
	}
	i.runner.publish(ctx, statusEvent(status), data)
	return nil
}

func statusEvent(status entity.AgentStatus) string {
	switch status {
	case entity.AgentCompleted:
		return events.AgentCompleted
	case entity.AgentFailed:
		return events.AgentFailed
	case entity.AgentTerminated:
		return events.AgentStopped
	default:
		return events.AgentStatusChanged
	}
}

// summarizeToolInput renders a short human-readable line for the approval
// prompt.
func summarizeToolInput(req *proc.ControlRequest) string {
	if len(req.Input) == 0 {
		return req.ToolName
	}
	// Common single-argument tools read better with the argument inline.
	for _, key := range []string{"command", "path", "file_path", "url"} {
		if v, ok := req.Input[key].(string); ok && v != "" {
			return fmt.Sprintf("%s: %s", req.ToolName, truncate(v, 200))
		}
	}
	return fmt.Sprintf("%s with %d arguments", req.ToolName, len(req.Input))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
