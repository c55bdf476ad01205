// Package meta runs the per-project meta orchestrator: a bounded task
// queue, a scheduling strategy, and a budget gate in front of every
// spawn. One task orchestrator per dequeued task does the actual work;
// meta only decides when each one starts.
package meta

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/common/config"
	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/entity"
	"github.com/sibyldev/sibyl/internal/events"
	"github.com/sibyldev/sibyl/internal/events/bus"
	"github.com/sibyldev/sibyl/internal/orchestrator/taskorch"
)

// DefaultCostAlertThreshold fires the budget alert when spend crosses
// this fraction of the budget.
const DefaultCostAlertThreshold = 0.8

// budgetPauseReason is the pause reason recorded when the admission
// check refuses a spawn.
const budgetPauseReason = "Budget exhausted"

// Deps are the collaborators the meta service needs.
type Deps struct {
	Entities      *entity.Store
	Orchestrators *taskorch.Service
	Bus           bus.EventBus
}

// Service runs meta orchestrators. It registers itself as the task
// orchestrator completion sink, so loop completions feed back into
// scheduling without further wiring.
type Service struct {
	cfg      config.MetaConfig
	entities *entity.Store
	orchs    *taskorch.Service
	bus      bus.EventBus
	logger   *logger.Logger

	mu     sync.Mutex
	queues map[string]*TaskQueue
	locks  map[string]*sync.Mutex
}

// NewService wires the meta service and hooks it into the task
// orchestrator's completion callback.
func NewService(cfg config.MetaConfig, deps Deps, log *logger.Logger) *Service {
	s := &Service{
		cfg:      cfg,
		entities: deps.Entities,
		orchs:    deps.Orchestrators,
		bus:      deps.Bus,
		logger:   log.WithFields(zap.String("component", "meta-orchestrator")),
		queues:   make(map[string]*TaskQueue),
		locks:    make(map[string]*sync.Mutex),
	}
	if s.orchs != nil {
		s.orchs.SetCompletionSink(s)
	}
	return s
}

// Create inserts the meta orchestrator for a project. A project has at
// most one; creating a second is a conflict.
func (s *Service) Create(ctx context.Context, orgID, projectID string) (*entity.MetaOrchestratorRecord, error) {
	if orgID == "" || projectID == "" {
		return nil, fmt.Errorf("create meta orchestrator: org and project ids are required")
	}
	existing, err := s.entities.ListByType(ctx, orgID, entity.KindMetaOrchestrator, entity.ListFilter{ProjectID: projectID}, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("check existing meta orchestrator: %w", err)
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("project %s already has meta orchestrator %s", projectID, existing[0].ID)
	}

	threshold := s.cfg.CostAlertThreshold
	if threshold <= 0 {
		threshold = DefaultCostAlertThreshold
	}
	maxConcurrent := s.cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	rec := &entity.MetaOrchestratorRecord{
		ID:                 uuid.New().String(),
		OrgID:              orgID,
		ProjectID:          projectID,
		Status:             entity.MetaIdle,
		Strategy:           entity.StrategySequential,
		MaxConcurrent:      maxConcurrent,
		CostAlertThreshold: threshold,
	}
	if _, err := s.entities.CreateSync(ctx, rec.ToEntity()); err != nil {
		return nil, fmt.Errorf("create meta orchestrator: %w", err)
	}
	if err := s.entities.Link(ctx, orgID, entity.EdgeBelongsTo, rec.ID, projectID); err != nil {
		s.logger.Warn("meta project link failed", zap.Error(err))
	}

	s.logger.Info("meta orchestrator created",
		zap.String("meta_id", rec.ID),
		zap.String("project_id", projectID))
	return rec, nil
}

// Get returns the typed meta orchestrator record.
func (s *Service) Get(ctx context.Context, orgID, metaID string) (*entity.MetaOrchestratorRecord, error) {
	e, err := s.entities.Get(ctx, orgID, metaID)
	if err != nil {
		return nil, err
	}
	if e.Type != entity.KindMetaOrchestrator {
		return nil, fmt.Errorf("entity %s is %s, not a meta orchestrator", metaID, e.Type)
	}
	return entity.MetaOrchestratorFromEntity(e), nil
}

// Status is the operator view: the current record, whose queue and
// active set mirrors are updated on every scheduling mutation.
func (s *Service) Status(ctx context.Context, orgID, metaID string) (*entity.MetaOrchestratorRecord, error) {
	return s.Get(ctx, orgID, metaID)
}

// QueueTask adds one task to the meta's queue. A running meta schedules
// immediately; otherwise the task waits for Start or Resume.
func (s *Service) QueueTask(ctx context.Context, orgID, metaID, taskID string) error {
	return s.QueueTasks(ctx, orgID, metaID, taskID)
}

// QueueTasks adds tasks in order. The first enqueue error stops the
// batch; tasks queued before it stay queued.
func (s *Service) QueueTasks(ctx context.Context, orgID, metaID string, taskIDs ...string) error {
	unlock := s.lockMeta(metaID)
	defer unlock()

	rec, err := s.Get(ctx, orgID, metaID)
	if err != nil {
		return err
	}
	queue, err := s.queueFor(ctx, rec)
	if err != nil {
		return err
	}

	var queueErr error
	for _, taskID := range taskIDs {
		taskEnt, err := s.entities.Get(ctx, orgID, taskID)
		if err != nil {
			queueErr = fmt.Errorf("queue task %s: %w", taskID, err)
			break
		}
		task := entity.TaskFromEntity(taskEnt)
		if err := queue.Enqueue(taskID, task.Priority); err != nil {
			queueErr = fmt.Errorf("queue task %s: %w", taskID, err)
			break
		}
	}
	if err := s.update(ctx, rec, map[string]interface{}{"task_queue": queue.IDs()}); err != nil {
		return err
	}
	if queueErr != nil {
		return queueErr
	}

	if rec.Status == entity.MetaRunning {
		return s.schedule(ctx, orgID, metaID)
	}
	return nil
}

// Start moves an idle meta to running and runs the first scheduling pass.
func (s *Service) Start(ctx context.Context, orgID, metaID string) error {
	unlock := s.lockMeta(metaID)
	defer unlock()

	rec, err := s.Get(ctx, orgID, metaID)
	if err != nil {
		return err
	}
	switch rec.Status {
	case entity.MetaRunning:
		return fmt.Errorf("meta orchestrator %s is already running", metaID)
	case entity.MetaPaused:
		return fmt.Errorf("meta orchestrator %s is paused; resume it instead", metaID)
	}

	if err := s.update(ctx, rec, map[string]interface{}{"status": entity.MetaRunning}); err != nil {
		return err
	}
	s.publish(ctx, events.MetaStarted, rec, nil)
	return s.schedule(ctx, orgID, metaID)
}

// Pause stops scheduling. Active orchestrators keep running; their
// completions still accumulate while paused.
func (s *Service) Pause(ctx context.Context, orgID, metaID, reason string) error {
	unlock := s.lockMeta(metaID)
	defer unlock()

	rec, err := s.Get(ctx, orgID, metaID)
	if err != nil {
		return err
	}
	return s.pauseLocked(ctx, rec, reason)
}

// Resume restarts scheduling on a paused meta. Resuming anything else is
// a conflict.
func (s *Service) Resume(ctx context.Context, orgID, metaID string) error {
	unlock := s.lockMeta(metaID)
	defer unlock()

	rec, err := s.Get(ctx, orgID, metaID)
	if err != nil {
		return err
	}
	if rec.Status != entity.MetaPaused {
		return fmt.Errorf("meta orchestrator %s is %s; only paused metas resume", metaID, rec.Status)
	}

	if err := s.update(ctx, rec, map[string]interface{}{
		"status":       entity.MetaRunning,
		"pause_reason": nil,
	}); err != nil {
		return err
	}
	s.publish(ctx, events.MetaResumed, rec, nil)
	return s.schedule(ctx, orgID, metaID)
}

// SetStrategy switches the scheduling strategy. A maxConcurrent of zero
// keeps the current limit.
func (s *Service) SetStrategy(ctx context.Context, orgID, metaID string, strategy entity.Strategy, maxConcurrent int) error {
	switch strategy {
	case entity.StrategySequential, entity.StrategyParallel, entity.StrategyPriority:
	default:
		return fmt.Errorf("unknown strategy %q", strategy)
	}

	unlock := s.lockMeta(metaID)
	defer unlock()

	rec, err := s.Get(ctx, orgID, metaID)
	if err != nil {
		return err
	}
	patch := map[string]interface{}{"strategy": strategy}
	if maxConcurrent > 0 {
		patch["max_concurrent"] = float64(maxConcurrent)
	}
	if err := s.update(ctx, rec, patch); err != nil {
		return err
	}
	if rec.Status == entity.MetaRunning {
		return s.schedule(ctx, orgID, metaID)
	}
	return nil
}

// SetBudget sets the spend ceiling and the alert threshold. A threshold
// of zero or less keeps the default.
func (s *Service) SetBudget(ctx context.Context, orgID, metaID string, budgetUSD, alertThreshold float64) error {
	if budgetUSD < 0 {
		return fmt.Errorf("budget must not be negative")
	}
	if alertThreshold <= 0 {
		alertThreshold = DefaultCostAlertThreshold
	}

	unlock := s.lockMeta(metaID)
	defer unlock()

	rec, err := s.Get(ctx, orgID, metaID)
	if err != nil {
		return err
	}
	return s.update(ctx, rec, map[string]interface{}{
		"budget_usd":           budgetUSD,
		"cost_alert_threshold": alertThreshold,
	})
}

// OnTaskComplete implements taskorch.CompletionSink: fold the finished
// loop's cost and rework into the meta, free the slot, and schedule.
func (s *Service) OnTaskComplete(ctx context.Context, orgID, orchID string, success bool, costUSD float64, rework int) {
	orch, err := s.orchs.Get(ctx, orgID, orchID)
	if err != nil {
		s.logger.Error("completion for unknown orchestrator", zap.String("orchestrator_id", orchID), zap.Error(err))
		return
	}
	if orch.MetaOrchestratorID == "" {
		return
	}
	metaID := orch.MetaOrchestratorID

	unlock := s.lockMeta(metaID)
	defer unlock()

	rec, err := s.Get(ctx, orgID, metaID)
	if err != nil {
		s.logger.Error("completion for unknown meta", zap.String("meta_id", metaID), zap.Error(err))
		return
	}

	active := removeID(rec.ActiveOrchestrators, orchID)
	spentBefore := rec.SpentUSD
	spentAfter := spentBefore + costUSD

	patch := map[string]interface{}{
		"active_orchestrators": active,
		"spent_usd":            spentAfter,
		"total_rework_cycles":  float64(rec.TotalReworkCycles + rework),
	}
	if success {
		patch["tasks_completed"] = float64(rec.TasksCompleted + 1)
	} else {
		patch["tasks_failed"] = float64(rec.TasksFailed + 1)
	}
	if err := s.update(ctx, rec, patch); err != nil {
		s.logger.Error("meta completion update failed", zap.Error(err))
		return
	}

	if alertLine := rec.BudgetUSD * rec.CostAlertThreshold; rec.BudgetUSD > 0 &&
		spentBefore < alertLine && spentAfter >= alertLine {
		s.publish(ctx, events.MetaBudgetAlert, rec, map[string]interface{}{
			"spent_usd":  spentAfter,
			"budget_usd": rec.BudgetUSD,
			"threshold":  rec.CostAlertThreshold,
		})
		s.logger.Warn("budget alert",
			zap.String("meta_id", metaID),
			zap.Float64("spent_usd", spentAfter),
			zap.Float64("budget_usd", rec.BudgetUSD))
	}

	if rec.Status != entity.MetaRunning {
		return
	}
	if err := s.schedule(ctx, orgID, metaID); err != nil {
		s.logger.Error("scheduling after completion failed", zap.Error(err))
	}
}

// schedule is one scheduling pass: admit as many queued tasks as the
// strategy and the budget allow, then settle idle if everything drained.
// Callers hold the meta lock.
func (s *Service) schedule(ctx context.Context, orgID, metaID string) error {
	rec, err := s.Get(ctx, orgID, metaID)
	if err != nil {
		return err
	}
	if rec.Status != entity.MetaRunning {
		return nil
	}
	queue, err := s.queueFor(ctx, rec)
	if err != nil {
		return err
	}

	active := append([]string(nil), rec.ActiveOrchestrators...)
	for queue.Len() > 0 && len(active) < s.capacity(rec) {
		// The budget gate precedes every spawn.
		if rec.BudgetUSD > 0 && rec.SpentUSD >= rec.BudgetUSD {
			if err := s.persistSchedule(ctx, rec, queue, active); err != nil {
				return err
			}
			return s.pauseLocked(ctx, rec, budgetPauseReason)
		}

		var taskID string
		if rec.Strategy == entity.StrategyPriority {
			taskID = queue.DequeuePriority()
		} else {
			taskID = queue.DequeueFIFO()
		}

		orch, err := s.orchs.Create(ctx, taskorch.CreateRequest{
			OrgID:              orgID,
			TaskID:             taskID,
			MetaOrchestratorID: metaID,
		})
		if err == nil {
			err = s.orchs.Start(ctx, orgID, orch.ID)
		}
		if err != nil {
			s.logger.Error("spawn failed; task requeued",
				zap.String("task_id", taskID), zap.Error(err))
			if qerr := queue.Enqueue(taskID, s.taskPriority(ctx, orgID, taskID)); qerr != nil {
				s.logger.Error("requeue failed", zap.String("task_id", taskID), zap.Error(qerr))
			}
			break
		}
		active = append(active, orch.ID)
	}

	if err := s.persistSchedule(ctx, rec, queue, active); err != nil {
		return err
	}

	if queue.Len() == 0 && len(active) == 0 {
		if err := s.update(ctx, rec, map[string]interface{}{"status": entity.MetaIdle}); err != nil {
			return err
		}
		s.publish(ctx, events.MetaIdle, rec, nil)
		s.logger.Info("meta orchestrator idle", zap.String("meta_id", metaID))
	}
	return nil
}

// capacity is the strategy's active-set limit.
func (s *Service) capacity(rec *entity.MetaOrchestratorRecord) int {
	if rec.Strategy == entity.StrategyParallel {
		if rec.MaxConcurrent > 0 {
			return rec.MaxConcurrent
		}
		return 1
	}
	// Sequential and priority run one loop at a time.
	return 1
}

func (s *Service) persistSchedule(ctx context.Context, rec *entity.MetaOrchestratorRecord, queue *TaskQueue, active []string) error {
	return s.update(ctx, rec, map[string]interface{}{
		"task_queue":           queue.IDs(),
		"active_orchestrators": active,
	})
}

func (s *Service) pauseLocked(ctx context.Context, rec *entity.MetaOrchestratorRecord, reason string) error {
	if err := s.update(ctx, rec, map[string]interface{}{
		"status":       entity.MetaPaused,
		"pause_reason": reason,
	}); err != nil {
		return err
	}
	s.publish(ctx, events.MetaPaused, rec, map[string]interface{}{"reason": reason})
	s.logger.Info("meta orchestrator paused",
		zap.String("meta_id", rec.ID),
		zap.String("reason", reason))
	return nil
}

// queueFor returns the meta's live queue, rehydrating it from the
// persisted task_queue mirror after a restart.
func (s *Service) queueFor(ctx context.Context, rec *entity.MetaOrchestratorRecord) (*TaskQueue, error) {
	s.mu.Lock()
	queue, ok := s.queues[rec.ID]
	if !ok {
		queue = NewTaskQueue(s.cfg.QueueSize)
		s.queues[rec.ID] = queue
	}
	s.mu.Unlock()
	if ok {
		return queue, nil
	}

	for _, taskID := range rec.TaskQueue {
		if err := queue.Enqueue(taskID, s.taskPriority(ctx, rec.OrgID, taskID)); err != nil {
			return nil, fmt.Errorf("rehydrate queue for meta %s: %w", rec.ID, err)
		}
	}
	return queue, nil
}

func (s *Service) taskPriority(ctx context.Context, orgID, taskID string) entity.Priority {
	taskEnt, err := s.entities.Get(ctx, orgID, taskID)
	if err != nil {
		return entity.PriorityMedium
	}
	return entity.TaskFromEntity(taskEnt).Priority
}

// lockMeta serializes scheduling decisions per meta.
func (s *Service) lockMeta(metaID string) func() {
	s.mu.Lock()
	l, ok := s.locks[metaID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[metaID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Service) update(ctx context.Context, rec *entity.MetaOrchestratorRecord, patch map[string]interface{}) error {
	if _, err := s.entities.Update(ctx, rec.OrgID, rec.ID, patch); err != nil {
		return fmt.Errorf("update meta orchestrator %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, eventType string, rec *entity.MetaOrchestratorRecord, extra map[string]interface{}) {
	if s.bus == nil {
		return
	}
	data := map[string]interface{}{
		"meta_id":    rec.ID,
		"org_id":     rec.OrgID,
		"project_id": rec.ProjectID,
	}
	for k, v := range extra {
		data[k] = v
	}
	event := bus.NewEvent(eventType, "meta-orchestrator", data)
	if err := s.bus.Publish(ctx, eventType, event); err != nil {
		s.logger.Warn("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

func removeID(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
