// Package taskorch drives one task through the build loop: a managed
// worker implements, quality gates review, rework is bounded, and humans
// arbitrate the end. The loop state lives on a TaskOrchestratorRecord in
// the entity store; this service owns every transition.
package taskorch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/agent/runner"
	"github.com/sibyldev/sibyl/internal/approval"
	"github.com/sibyldev/sibyl/internal/common/config"
	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/entity"
	"github.com/sibyldev/sibyl/internal/events"
	"github.com/sibyldev/sibyl/internal/events/bus"
	"github.com/sibyldev/sibyl/internal/messaging"
	"github.com/sibyldev/sibyl/internal/orchestrator/gates"
)

// DefaultMaxRework bounds the loop when neither the request nor the
// config says otherwise.
const DefaultMaxRework = 3

// failureReasonMaxRework is recorded on the orchestrator when the loop
// escalates.
const failureReasonMaxRework = "max_rework_exceeded"

// maxFeedbackErrors caps per-gate error lines quoted in rework feedback.
const maxFeedbackErrors = 10

// CompletionSink receives the completion callback for orchestrators
// attached to a meta orchestrator.
type CompletionSink interface {
	OnTaskComplete(ctx context.Context, orgID, orchID string, success bool, costUSD float64, rework int)
}

// GateRunner executes one quality gate against a checkout.
type GateRunner interface {
	Run(ctx context.Context, gate, dir string) *gates.Result
}

// Deps are the collaborators the service needs. Jobs may be nil when
// execution streams are driven externally.
type Deps struct {
	Entities  *entity.Store
	Agents    *runner.Runner
	Gates     GateRunner
	Approvals *approval.Queue
	Messages  *messaging.Service
	Bus       bus.EventBus
	Jobs      entity.Enqueuer

	// CreateWorktrees asks spawns to allocate a worktree; requires a
	// configured worktree manager on the agent runner.
	CreateWorktrees bool
}

// Service runs task orchestrators.
type Service struct {
	cfg       config.OrchestratorConfig
	entities  *entity.Store
	agents    *runner.Runner
	gates     GateRunner
	approvals *approval.Queue
	messages  *messaging.Service
	bus       bus.EventBus
	jobs      entity.Enqueuer
	worktrees bool
	logger    *logger.Logger

	mu   sync.Mutex
	sink CompletionSink
}

// NewService wires the orchestrator service.
func NewService(cfg config.OrchestratorConfig, deps Deps, log *logger.Logger) *Service {
	return &Service{
		cfg:       cfg,
		entities:  deps.Entities,
		agents:    deps.Agents,
		gates:     deps.Gates,
		approvals: deps.Approvals,
		messages:  deps.Messages,
		bus:       deps.Bus,
		jobs:      deps.Jobs,
		worktrees: deps.CreateWorktrees,
		logger:    log.WithFields(zap.String("component", "task-orchestrator")),
	}
}

// SetCompletionSink registers the meta orchestrator callback.
func (s *Service) SetCompletionSink(sink CompletionSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// CreateRequest describes a new orchestrator.
type CreateRequest struct {
	OrgID              string
	TaskID             string
	MetaOrchestratorID string

	// GateConfig defaults to LINT, TYPECHECK, TEST, AI_REVIEW.
	GateConfig []string

	// MaxRework defaults to the configured limit, then 3.
	MaxRework int
}

// Create inserts the orchestrator record and links it to its task and,
// when managed, its meta.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*entity.TaskOrchestratorRecord, error) {
	if req.OrgID == "" || req.TaskID == "" {
		return nil, fmt.Errorf("create orchestrator: org and task ids are required")
	}
	if _, err := s.entities.Get(ctx, req.OrgID, req.TaskID); err != nil {
		return nil, fmt.Errorf("create orchestrator: load task %s: %w", req.TaskID, err)
	}

	maxRework := req.MaxRework
	if maxRework <= 0 {
		maxRework = s.cfg.MaxReworkAttempts
	}
	if maxRework <= 0 {
		maxRework = DefaultMaxRework
	}
	gateCfg := req.GateConfig
	if len(gateCfg) == 0 {
		gateCfg = gates.DefaultGates()
	}

	rec := &entity.TaskOrchestratorRecord{
		ID:                 uuid.New().String(),
		OrgID:              req.OrgID,
		TaskID:             req.TaskID,
		MetaOrchestratorID: req.MetaOrchestratorID,
		Status:             entity.OrchInitializing,
		CurrentPhase:       entity.PhaseImplement,
		MaxReworkAttempts:  maxRework,
		GateConfig:         gateCfg,
	}
	if _, err := s.entities.CreateSync(ctx, rec.ToEntity()); err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	if err := s.entities.Link(ctx, req.OrgID, entity.EdgeWorksOn, rec.ID, req.TaskID); err != nil {
		return nil, fmt.Errorf("link orchestrator to task: %w", err)
	}
	if req.MetaOrchestratorID != "" {
		if err := s.entities.Link(ctx, req.OrgID, entity.EdgeManagedBy, rec.ID, req.MetaOrchestratorID); err != nil {
			return nil, fmt.Errorf("link orchestrator to meta: %w", err)
		}
	}

	s.logger.Info("orchestrator created",
		zap.String("orchestrator_id", rec.ID),
		zap.String("task_id", req.TaskID),
		zap.Int("max_rework", maxRework))
	return rec, nil
}

// Get returns the typed orchestrator record.
func (s *Service) Get(ctx context.Context, orgID, orchID string) (*entity.TaskOrchestratorRecord, error) {
	e, err := s.entities.Get(ctx, orgID, orchID)
	if err != nil {
		return nil, err
	}
	if e.Type != entity.KindTaskOrchestrator {
		return nil, fmt.Errorf("entity %s is %s, not a task orchestrator", orchID, e.Type)
	}
	return entity.TaskOrchestratorFromEntity(e), nil
}

// Start spawns the managed worker and moves the loop into implementing.
// The worker's stream runs under the job runtime.
func (s *Service) Start(ctx context.Context, orgID, orchID string) error {
	rec, err := s.Get(ctx, orgID, orchID)
	if err != nil {
		return err
	}
	if rec.Status != entity.OrchInitializing {
		return fmt.Errorf("orchestrator %s is %s; only initializing orchestrators start", orchID, rec.Status)
	}

	inst, err := s.agents.Spawn(ctx, runner.SpawnRequest{
		OrgID:              orgID,
		SpawnSource:        entity.SpawnOrchestrator,
		TaskID:             rec.TaskID,
		Standalone:         false,
		TaskOrchestratorID: rec.ID,
		CreateWorktree:     s.worktrees,
	})
	if err != nil {
		return fmt.Errorf("spawn worker for orchestrator %s: %w", orchID, err)
	}

	if err := s.entities.Link(ctx, orgID, entity.EdgeOrchestrates, rec.ID, inst.ID); err != nil {
		s.logger.Warn("orchestrates link failed", zap.Error(err))
	}
	if err := s.update(ctx, rec, map[string]interface{}{
		"worker_id":     inst.ID,
		"status":        entity.OrchImplementing,
		"current_phase": entity.PhaseImplement,
	}); err != nil {
		return err
	}
	rec.WorkerID = inst.ID
	rec.Status = entity.OrchImplementing
	s.publishPhase(ctx, rec, entity.OrchImplementing, entity.PhaseImplement)

	if s.jobs != nil {
		if err := s.jobs.Enqueue(ctx, runner.ExecuteJobName, map[string]interface{}{
			"organization_id": orgID,
			"agent_id":        inst.ID,
			"prompt":          "Begin working on your assigned task.",
		}); err != nil {
			s.logger.Error("failed to enqueue worker execution", zap.Error(err))
		}
	}

	s.logger.Info("orchestrator started",
		zap.String("orchestrator_id", rec.ID),
		zap.String("worker_id", inst.ID))
	return nil
}

// OnWorkerComplete runs the review pass: all configured non-human gates in
// order, results persisted, then the pass/rework/escalate decision.
func (s *Service) OnWorkerComplete(ctx context.Context, orgID, orchID string) error {
	rec, err := s.Get(ctx, orgID, orchID)
	if err != nil {
		return err
	}
	switch rec.Status {
	case entity.OrchImplementing, entity.OrchReworking:
	default:
		return fmt.Errorf("orchestrator %s is %s; nothing to review", orchID, rec.Status)
	}

	if err := s.update(ctx, rec, map[string]interface{}{
		"status":        entity.OrchReviewing,
		"current_phase": entity.PhaseReview,
	}); err != nil {
		return err
	}
	rec.Status = entity.OrchReviewing
	s.publishPhase(ctx, rec, entity.OrchReviewing, entity.PhaseReview)

	dir := s.worktreeDir(ctx, rec)
	var results []*gates.Result
	for _, gate := range rec.GateConfig {
		if gates.IsHuman(gate) {
			continue
		}
		var res *gates.Result
		if gate == gates.AIReview {
			res = s.aiReview()
		} else {
			res = s.gates.Run(ctx, gate, dir)
		}
		results = append(results, res)
		s.publish(ctx, events.OrchestratorGateCompleted, map[string]interface{}{
			"orchestrator_id": rec.ID,
			"org_id":          rec.OrgID,
			"gate":            gate,
			"passed":          res.Passed,
			"errors":          len(res.Errors),
		})
	}

	if err := s.appendResults(ctx, rec, results); err != nil {
		return err
	}
	return s.evaluate(ctx, rec, results)
}

// OnHumanApproval resolves a human review: approval completes the loop, a
// rejection counts as a failed gate and re-enters the failure path.
func (s *Service) OnHumanApproval(ctx context.Context, orgID, orchID string, approved bool, feedback string) error {
	rec, err := s.Get(ctx, orgID, orchID)
	if err != nil {
		return err
	}
	if rec.Status != entity.OrchHumanReview {
		return fmt.Errorf("orchestrator %s is %s; no human review pending", orchID, rec.Status)
	}

	if approved {
		return s.complete(ctx, rec)
	}

	if feedback == "" {
		feedback = "changes requested"
	}
	synthetic := &gates.Result{
		Gate:   gates.HumanReview,
		Passed: false,
		Errors: []string{feedback},
	}
	if err := s.appendResults(ctx, rec, []*gates.Result{synthetic}); err != nil {
		return err
	}
	return s.evaluate(ctx, rec, []*gates.Result{synthetic})
}

// Pause halts the managed worker. The loop state itself stays where it
// is; a paused worker simply stops consuming the stream.
func (s *Service) Pause(ctx context.Context, orgID, orchID, reason string) error {
	rec, err := s.Get(ctx, orgID, orchID)
	if err != nil {
		return err
	}
	if rec.WorkerID == "" {
		return fmt.Errorf("orchestrator %s has no worker to pause", orchID)
	}
	if inst, ok := s.agents.Get(rec.WorkerID); ok && inst.OrgID == orgID {
		if err := inst.Pause(ctx, reason); err != nil {
			return fmt.Errorf("pause worker %s: %w", rec.WorkerID, err)
		}
	} else if err := s.agents.SignalStop(ctx, rec.WorkerID, reason); err != nil {
		return fmt.Errorf("signal worker %s: %w", rec.WorkerID, err)
	}
	return s.update(ctx, rec, map[string]interface{}{"pause_reason": reason})
}

// Resume restarts the managed worker's stream through the job runtime.
func (s *Service) Resume(ctx context.Context, orgID, orchID string) error {
	rec, err := s.Get(ctx, orgID, orchID)
	if err != nil {
		return err
	}
	if rec.WorkerID == "" {
		return fmt.Errorf("orchestrator %s has no worker to resume", orchID)
	}
	if err := s.update(ctx, rec, map[string]interface{}{"pause_reason": nil}); err != nil {
		return err
	}
	if s.jobs == nil {
		s.logger.Warn("no job queue wired; worker must be resumed externally",
			zap.String("worker_id", rec.WorkerID))
		return nil
	}
	return s.jobs.Enqueue(ctx, runner.ResumeJobName, map[string]interface{}{
		"organization_id": orgID,
		"agent_id":        rec.WorkerID,
		"continuation":    "Continue working on your task.",
	})
}

// evaluate decides the loop's next state from one review round.
func (s *Service) evaluate(ctx context.Context, rec *entity.TaskOrchestratorRecord, results []*gates.Result) error {
	var failed []string
	for _, res := range results {
		if !res.Passed {
			failed = append(failed, strings.ToLower(res.Gate))
		}
	}

	if len(failed) == 0 {
		for _, gate := range rec.GateConfig {
			if gates.IsHuman(gate) {
				return s.requestHumanReview(ctx, rec)
			}
		}
		return s.complete(ctx, rec)
	}

	if rec.ReworkCount+1 < rec.MaxReworkAttempts {
		return s.rework(ctx, rec, results, failed)
	}
	return s.escalate(ctx, rec, failed)
}

// rework sends structured feedback to the worker and re-enters the
// implement side of the loop. The first rework is numbered 1.
func (s *Service) rework(ctx context.Context, rec *entity.TaskOrchestratorRecord, results []*gates.Result, failed []string) error {
	next := rec.ReworkCount + 1
	feedback := composeFeedback(results, failed, next, rec.MaxReworkAttempts)

	if rec.WorkerID != "" && s.messages != nil {
		if _, err := s.messages.Send(ctx, messaging.SendRequest{
			OrgID:       rec.OrgID,
			FromAgentID: rec.ID,
			ToAgentID:   rec.WorkerID,
			Type:        messaging.TypeDelegation,
			Subject:     fmt.Sprintf("Rework %d of %d", next, rec.MaxReworkAttempts),
			Content:     feedback,
		}); err != nil {
			return fmt.Errorf("send rework feedback: %w", err)
		}
	}

	if err := s.update(ctx, rec, map[string]interface{}{
		"status":        entity.OrchReworking,
		"current_phase": entity.PhaseRework,
		"rework_count":  float64(next),
	}); err != nil {
		return err
	}
	rec.Status = entity.OrchReworking
	rec.ReworkCount = next
	s.publishPhase(ctx, rec, entity.OrchReworking, entity.PhaseRework)

	// Nudge a locally streaming worker; remote streams pick the message
	// up from their inbox.
	if inst, ok := s.agents.Get(rec.WorkerID); ok && inst.OrgID == rec.OrgID {
		if err := inst.SendMessage(feedback); err != nil {
			s.logger.Debug("live rework nudge failed", zap.Error(err))
		}
	}

	s.logger.Info("rework requested",
		zap.String("orchestrator_id", rec.ID),
		zap.Int("rework", next),
		zap.Strings("failed_gates", failed))
	return nil
}

// escalate ends the loop: a QUESTION approval carries the failure to a
// human and the orchestrator parks in failed.
func (s *Service) escalate(ctx context.Context, rec *entity.TaskOrchestratorRecord, failed []string) error {
	taskName := s.taskName(ctx, rec)
	apr, err := s.approvals.Enqueue(ctx, approval.EnqueueRequest{
		OrgID:    rec.OrgID,
		AgentID:  rec.WorkerID,
		TaskID:   rec.TaskID,
		Type:     entity.ApprovalQuestion,
		Priority: entity.PriorityHigh,
		Title:    "Rework limit reached: " + taskName,
		Summary: fmt.Sprintf("Gates still failing after %d rework cycle(s): %s",
			rec.ReworkCount, strings.Join(failed, ", ")),
		Metadata: map[string]interface{}{
			"orchestrator_id": rec.ID,
			"failed_gates":    failed,
			"reason":          failureReasonMaxRework,
		},
	})
	if err != nil {
		return fmt.Errorf("escalation approval: %w", err)
	}

	if err := s.update(ctx, rec, map[string]interface{}{
		"status":              entity.OrchFailed,
		"pending_approval_id": apr.ID,
		"failure_reason":      failureReasonMaxRework,
		"failed_gates":        failed,
	}); err != nil {
		return err
	}
	rec.Status = entity.OrchFailed
	rec.PendingApprovalID = apr.ID

	s.publish(ctx, events.OrchestratorEscalated, map[string]interface{}{
		"orchestrator_id": rec.ID,
		"org_id":          rec.OrgID,
		"task_id":         rec.TaskID,
		"failed_gates":    failed,
		"approval_id":     apr.ID,
	})
	s.notify(ctx, rec, false)

	s.logger.Warn("orchestrator escalated",
		zap.String("orchestrator_id", rec.ID),
		zap.Strings("failed_gates", failed))
	return nil
}

// requestHumanReview parks the loop behind the approval queue.
func (s *Service) requestHumanReview(ctx context.Context, rec *entity.TaskOrchestratorRecord) error {
	taskName := s.taskName(ctx, rec)
	apr, err := s.approvals.Enqueue(ctx, approval.EnqueueRequest{
		OrgID:   rec.OrgID,
		AgentID: rec.WorkerID,
		TaskID:  rec.TaskID,
		Type:    entity.ApprovalHumanReview,
		Title:   "Review: " + taskName,
		Summary: "All automated gates passed; human review requested.",
		Metadata: map[string]interface{}{
			"orchestrator_id": rec.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("human review approval: %w", err)
	}

	if err := s.update(ctx, rec, map[string]interface{}{
		"status":              entity.OrchHumanReview,
		"current_phase":       entity.PhaseHumanReview,
		"pending_approval_id": apr.ID,
	}); err != nil {
		return err
	}
	rec.Status = entity.OrchHumanReview
	rec.PendingApprovalID = apr.ID
	s.publishPhase(ctx, rec, entity.OrchHumanReview, entity.PhaseHumanReview)
	return nil
}

// complete closes the loop and hands the task to merge review.
func (s *Service) complete(ctx context.Context, rec *entity.TaskOrchestratorRecord) error {
	if err := s.update(ctx, rec, map[string]interface{}{
		"status":              entity.OrchCompleted,
		"current_phase":       entity.PhaseMerge,
		"pending_approval_id": nil,
	}); err != nil {
		return err
	}
	rec.Status = entity.OrchCompleted

	if _, err := s.entities.Update(ctx, rec.OrgID, rec.TaskID, map[string]interface{}{
		"status": entity.TaskReview,
	}); err != nil {
		s.logger.Warn("task not moved to review", zap.String("task_id", rec.TaskID), zap.Error(err))
	}

	s.publish(ctx, events.OrchestratorCompleted, map[string]interface{}{
		"orchestrator_id": rec.ID,
		"org_id":          rec.OrgID,
		"task_id":         rec.TaskID,
		"rework_count":    rec.ReworkCount,
	})
	s.notify(ctx, rec, true)

	s.logger.Info("orchestrator completed",
		zap.String("orchestrator_id", rec.ID),
		zap.Int("rework_count", rec.ReworkCount))
	return nil
}

// aiReview stands in for a spawned reviewer agent. Until one is wired it
// passes with a warning instead of blocking every loop.
func (s *Service) aiReview() *gates.Result {
	return &gates.Result{
		Gate:     gates.AIReview,
		Passed:   true,
		Warnings: []string{"ai review skipped: no reviewer agent wired"},
	}
}

// appendResults persists this round's outcomes onto the record's history.
func (s *Service) appendResults(ctx context.Context, rec *entity.TaskOrchestratorRecord, results []*gates.Result) error {
	all := rec.GateResults
	for _, res := range results {
		all = append(all, res.Outcome())
	}
	value, err := outcomesValue(all)
	if err != nil {
		return err
	}
	if err := s.update(ctx, rec, map[string]interface{}{"gate_results": value}); err != nil {
		return err
	}
	rec.GateResults = all
	return nil
}

func (s *Service) worktreeDir(ctx context.Context, rec *entity.TaskOrchestratorRecord) string {
	if rec.WorkerID == "" {
		return ""
	}
	e, err := s.entities.Get(ctx, rec.OrgID, rec.WorkerID)
	if err != nil {
		return ""
	}
	return entity.AgentFromEntity(e).WorktreePath
}

func (s *Service) taskName(ctx context.Context, rec *entity.TaskOrchestratorRecord) string {
	e, err := s.entities.Get(ctx, rec.OrgID, rec.TaskID)
	if err != nil {
		return rec.TaskID
	}
	return e.Name
}

func (s *Service) workerCost(ctx context.Context, rec *entity.TaskOrchestratorRecord) float64 {
	if rec.WorkerID == "" {
		return 0
	}
	e, err := s.entities.Get(ctx, rec.OrgID, rec.WorkerID)
	if err != nil {
		return 0
	}
	return entity.AgentFromEntity(e).CostUSD
}

func (s *Service) notify(ctx context.Context, rec *entity.TaskOrchestratorRecord, success bool) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil || rec.MetaOrchestratorID == "" {
		return
	}
	sink.OnTaskComplete(ctx, rec.OrgID, rec.ID, success, s.workerCost(ctx, rec), rec.ReworkCount)
}

func (s *Service) update(ctx context.Context, rec *entity.TaskOrchestratorRecord, patch map[string]interface{}) error {
	if _, err := s.entities.Update(ctx, rec.OrgID, rec.ID, patch); err != nil {
		return fmt.Errorf("update orchestrator %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Service) publishPhase(ctx context.Context, rec *entity.TaskOrchestratorRecord, status entity.OrchestratorState, phase entity.OrchestratorPhase) {
	s.publish(ctx, events.OrchestratorPhaseChanged, map[string]interface{}{
		"orchestrator_id": rec.ID,
		"org_id":          rec.OrgID,
		"task_id":         rec.TaskID,
		"status":          string(status),
		"phase":           string(phase),
		"rework_count":    rec.ReworkCount,
	})
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "task-orchestrator", data)
	if err := s.bus.Publish(ctx, eventType, event); err != nil {
		s.logger.Warn("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

// outcomesValue flattens outcomes into the generic shape the entity
// store persists for the gate_results key.
func outcomesValue(outcomes []entity.GateOutcome) ([]interface{}, error) {
	raw, err := json.Marshal(outcomes)
	if err != nil {
		return nil, fmt.Errorf("encode gate results: %w", err)
	}
	var value []interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode gate results: %w", err)
	}
	return value, nil
}

// composeFeedback renders one review round into the message a worker can
// act on.
func composeFeedback(results []*gates.Result, failed []string, attempt, max int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your work did not pass review (rework %d of %d). Failed gates: %s.\n",
		attempt, max, strings.Join(failed, ", "))
	for _, res := range results {
		if res.Passed {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n", res.Gate)
		for i, e := range res.Errors {
			if i == maxFeedbackErrors {
				fmt.Fprintf(&b, "... and %d more\n", len(res.Errors)-maxFeedbackErrors)
				break
			}
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	b.WriteString("\nFix the issues above, then report completion again.")
	return b.String()
}
