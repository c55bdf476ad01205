// Package approval implements the durable rendezvous between an agent
// that needs a human decision and the operator who makes it.
//
// The ApprovalRecord in the entity store is the authoritative status.
// Two K/V mirrors make waiters recoverable across process restarts: the
// pending mirror marks "an agent is blocked on this", the response mirror
// carries the answer for waiters that were not subscribed when it landed.
// A per-approval pub/sub channel delivers answers to live waiters in real
// time.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/entity"
	"github.com/sibyldev/sibyl/internal/events"
	"github.com/sibyldev/sibyl/internal/events/bus"
	"github.com/sibyldev/sibyl/internal/kv"
)

const (
	// MirrorTTL bounds how long the pending and response mirrors live in
	// the K/V bus. Mirrors are recovery state, not the source of truth;
	// anything older is answered from the graph or expired.
	MirrorTTL = 48 * time.Hour

	// DefaultExpiry is how long an approval stays answerable when the
	// caller does not choose an expiry.
	DefaultExpiry = 24 * time.Hour

	// DefaultWait is the waiter deadline when the caller does not choose
	// one.
	DefaultWait = 5 * time.Minute

	// TimeoutMessage is carried by the synthetic denial published when an
	// approval expires unanswered.
	TimeoutMessage = "Approval request timed out"

	// SystemResponder marks responses produced by the runtime rather than
	// a human.
	SystemResponder = "system"
)

// ErrAlreadyResolved is returned when responding to an approval that was
// already approved, denied, or expired. Resolution is monotonic: the first
// response wins and later ones conflict instead of overwriting it.
var ErrAlreadyResolved = errors.New("approval already resolved")

// Response is the outcome delivered to a waiting agent. Timeout marks the
// synthetic denial produced when nobody answered in time.
type Response struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	Message    string `json:"message,omitempty"`
	By         string `json:"by,omitempty"`
	Timeout    bool   `json:"timeout,omitempty"`
}

// pendingState is the payload of a pending mirror entry: enough for a
// restarted process to find its open approvals and their deadlines without
// a graph read.
type pendingState struct {
	ApprovalID string    `json:"approval_id"`
	AgentID    string    `json:"agent_id"`
	OrgID      string    `json:"org_id"`
	TaskID     string    `json:"task_id,omitempty"`
	Type       string    `json:"approval_type"`
	Title      string    `json:"title,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// EnqueueRequest describes one approval to raise. OrgID, AgentID and Title
// are required; Type defaults to tool_use, Priority to medium, Expiry to
// DefaultExpiry.
type EnqueueRequest struct {
	OrgID     string
	AgentID   string
	TaskID    string
	ProjectID string
	Type      entity.ApprovalType
	Priority  entity.Priority
	Title     string
	Summary   string
	Actions   []string
	Metadata  map[string]interface{}
	Expiry    time.Duration
}

// Queue coordinates approvals end to end: enqueue on the agent side,
// respond on the operator side, and the wait/reattach paths in between.
type Queue struct {
	store  *entity.Store
	kv     kv.Store
	bus    bus.EventBus
	logger *logger.Logger
}

// NewQueue wires the queue against the entity store, the K/V mirrors, and
// the pub/sub bus. All three are required.
func NewQueue(store *entity.Store, kvStore kv.Store, eventBus bus.EventBus, log *logger.Logger) *Queue {
	return &Queue{
		store:  store,
		kv:     kvStore,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "approval-queue")),
	}
}

// Enqueue creates the approval record, writes the pending mirror, moves
// the agent to waiting_approval, and broadcasts a notification. The record
// and the pending mirror are the durable contract; the status flip and the
// broadcasts are best-effort.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*entity.ApprovalRecord, error) {
	if req.OrgID == "" || req.AgentID == "" {
		return nil, fmt.Errorf("enqueue approval: org and agent ids are required")
	}
	if req.Title == "" {
		return nil, fmt.Errorf("enqueue approval: title is required")
	}
	if req.Type == "" {
		req.Type = entity.ApprovalToolUse
	}
	if req.Priority == "" {
		req.Priority = entity.PriorityMedium
	}
	expiry := req.Expiry
	if expiry <= 0 {
		expiry = DefaultExpiry
	}

	now := time.Now().UTC()
	rec := &entity.ApprovalRecord{
		ID:           uuid.New().String(),
		OrgID:        req.OrgID,
		ProjectID:    req.ProjectID,
		AgentID:      req.AgentID,
		TaskID:       req.TaskID,
		ApprovalType: req.Type,
		Priority:     req.Priority,
		Title:        req.Title,
		Summary:      req.Summary,
		Actions:      req.Actions,
		Status:       entity.ApprovalPending,
		ExpiresAt:    now.Add(expiry),
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     req.Metadata,
	}
	if _, err := q.store.CreateSync(ctx, rec.ToEntity()); err != nil {
		return nil, fmt.Errorf("enqueue approval: %w", err)
	}

	payload, err := json.Marshal(pendingState{
		ApprovalID: rec.ID,
		AgentID:    rec.AgentID,
		OrgID:      rec.OrgID,
		TaskID:     rec.TaskID,
		Type:       string(rec.ApprovalType),
		Title:      rec.Title,
		ExpiresAt:  rec.ExpiresAt,
		CreatedAt:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue approval: marshal pending state: %w", err)
	}
	if err := q.kv.SetEx(ctx, kv.PendingApprovalKey(rec.AgentID, rec.ID), string(payload), MirrorTTL); err != nil {
		return nil, fmt.Errorf("enqueue approval: write pending mirror: %w", err)
	}

	if _, err := q.store.Update(ctx, rec.OrgID, rec.AgentID, map[string]interface{}{
		"status": entity.AgentWaitingApproval,
	}); err != nil {
		q.logger.Warn("agent status not moved to waiting_approval",
			zap.String("agent_id", rec.AgentID),
			zap.String("approval_id", rec.ID),
			zap.Error(err))
	}

	q.broadcastRequested(ctx, rec)

	q.logger.Info("approval enqueued",
		zap.String("approval_id", rec.ID),
		zap.String("agent_id", rec.AgentID),
		zap.String("approval_type", string(rec.ApprovalType)),
		zap.Time("expires_at", rec.ExpiresAt))
	return rec, nil
}

// Get returns the typed approval record.
func (q *Queue) Get(ctx context.Context, orgID, approvalID string) (*entity.ApprovalRecord, error) {
	e, err := q.store.Get(ctx, orgID, approvalID)
	if err != nil {
		return nil, err
	}
	if e.Type != entity.KindApproval {
		return nil, fmt.Errorf("%w: %s", entity.ErrNotFound, approvalID)
	}
	return entity.ApprovalFromEntity(e), nil
}

// Pending lists unresolved approvals in the org, oldest first. An empty
// agentID lists every agent's.
func (q *Queue) Pending(ctx context.Context, orgID, agentID string) ([]*entity.ApprovalRecord, error) {
	entities, err := q.store.ListByType(ctx, orgID, entity.KindApproval, entity.ListFilter{
		Status: []entity.TaskStatus{entity.TaskStatus(entity.ApprovalPending)},
	}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	records := make([]*entity.ApprovalRecord, 0, len(entities))
	for _, e := range entities {
		rec := entity.ApprovalFromEntity(e)
		if agentID != "" && rec.AgentID != agentID {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// WaitForResponse blocks until the approval is answered, the wait elapses,
// or ctx is cancelled. On timeout the approval is expired and a synthetic
// denial published, so every other waiter resolves the same way. The
// subscription opens before the mirror and graph checks so a response
// landing mid-check cannot be missed.
func (q *Queue) WaitForResponse(ctx context.Context, orgID, approvalID string, wait time.Duration) (*Response, error) {
	if wait <= 0 {
		wait = DefaultWait
	}

	respCh := make(chan *Response, 1)
	sub, err := q.bus.Subscribe(events.BuildApprovalResponseSubject(approvalID), func(_ context.Context, ev *bus.Event) error {
		select {
		case respCh <- responseFromEvent(approvalID, ev):
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("wait for approval %s: subscribe: %w", approvalID, err)
	}
	defer func() {
		if uerr := sub.Unsubscribe(); uerr != nil {
			q.logger.Debug("response channel unsubscribe failed",
				zap.String("approval_id", approvalID), zap.Error(uerr))
		}
	}()

	if resp := q.responseFromMirror(ctx, approvalID); resp != nil {
		return resp, nil
	}
	rec, err := q.Get(ctx, orgID, approvalID)
	if err != nil {
		return nil, err
	}
	if rec.Status != entity.ApprovalPending {
		return responseFromRecord(rec), nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		return q.expire(ctx, orgID, approvalID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond records a decision. Responding to an already-resolved approval
// returns ErrAlreadyResolved with the current status.
func (q *Queue) Respond(ctx context.Context, orgID, approvalID string, approved bool, message, by string) (*Response, error) {
	rec, err := q.Get(ctx, orgID, approvalID)
	if err != nil {
		return nil, err
	}
	if rec.Status != entity.ApprovalPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, approvalID, rec.Status)
	}

	status := entity.ApprovalDenied
	if approved {
		status = entity.ApprovalApproved
	}
	resp, err := q.resolve(ctx, rec, status, by, message)
	if err != nil {
		return nil, err
	}

	q.logger.Info("approval responded",
		zap.String("approval_id", approvalID),
		zap.Bool("approved", approved),
		zap.String("by", by))
	return resp, nil
}

// ReattachWaiter resumes waiting after a process restart. A missing
// pending mirror means this approval was never open here, and returns nil
// without error. An already-recorded response is returned immediately; a
// passed deadline resolves as a timeout. Otherwise the wait continues,
// clamped to the time remaining before the approval expires.
func (q *Queue) ReattachWaiter(ctx context.Context, orgID, approvalID string, wait time.Duration) (*Response, error) {
	keys, err := q.kv.Scan(ctx, kv.PendingApprovalByIDPattern(approvalID))
	if err != nil {
		return nil, fmt.Errorf("reattach approval %s: scan pending mirror: %w", approvalID, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	if resp := q.responseFromMirror(ctx, approvalID); resp != nil {
		q.clearPending(ctx, "", approvalID)
		return resp, nil
	}

	rec, err := q.Get(ctx, orgID, approvalID)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			q.logger.Warn("pending mirror without record, dropping",
				zap.String("approval_id", approvalID))
			q.clearPending(ctx, "", approvalID)
			return nil, nil
		}
		return nil, err
	}
	if rec.Status != entity.ApprovalPending {
		q.clearPending(ctx, rec.AgentID, rec.ID)
		return responseFromRecord(rec), nil
	}
	if time.Now().After(rec.ExpiresAt) {
		return q.expire(ctx, orgID, approvalID)
	}

	if wait <= 0 {
		wait = DefaultWait
	}
	if remaining := time.Until(rec.ExpiresAt); remaining < wait {
		wait = remaining
	}
	return q.WaitForResponse(ctx, orgID, approvalID, wait)
}

// ExpireStale resolves every pending approval in the org whose deadline
// has passed and returns how many it expired. Intended for a periodic
// sweep.
func (q *Queue) ExpireStale(ctx context.Context, orgID string) (int, error) {
	entities, err := q.store.ListByType(ctx, orgID, entity.KindApproval, entity.ListFilter{
		Status: []entity.TaskStatus{entity.TaskStatus(entity.ApprovalPending)},
	}, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("expire stale approvals: %w", err)
	}

	now := time.Now()
	expired := 0
	for _, e := range entities {
		rec := entity.ApprovalFromEntity(e)
		if rec.ExpiresAt.IsZero() || now.Before(rec.ExpiresAt) {
			continue
		}
		if _, err := q.resolve(ctx, rec, entity.ApprovalExpired, SystemResponder, TimeoutMessage); err != nil {
			q.logger.Warn("stale approval not expired",
				zap.String("approval_id", rec.ID), zap.Error(err))
			continue
		}
		expired++
	}
	if expired > 0 {
		q.logger.Info("expired stale approvals",
			zap.String("org_id", orgID), zap.Int("count", expired))
	}
	return expired, nil
}

// CancelAll denies every pending approval an agent has open. Called when
// the agent is stopped: a stopped agent can never consume an answer, so
// waiters and operator views are released immediately.
func (q *Queue) CancelAll(ctx context.Context, orgID, agentID, reason string) (int, error) {
	keys, err := q.kv.Scan(ctx, kv.PendingApprovalPattern(agentID))
	if err != nil {
		return 0, fmt.Errorf("cancel approvals for agent %s: scan: %w", agentID, err)
	}
	if reason == "" {
		reason = "Agent stopped"
	}

	cancelled := 0
	for _, key := range keys {
		approvalID := key[strings.LastIndex(key, ":")+1:]
		rec, err := q.Get(ctx, orgID, approvalID)
		if err != nil {
			q.logger.Warn("pending mirror without record during cancel",
				zap.String("approval_id", approvalID), zap.Error(err))
			if derr := q.kv.Del(ctx, key); derr != nil {
				q.logger.Warn("pending mirror delete failed",
					zap.String("approval_id", approvalID), zap.Error(derr))
			}
			continue
		}
		if rec.Status != entity.ApprovalPending {
			q.clearPending(ctx, agentID, approvalID)
			continue
		}
		if _, err := q.resolve(ctx, rec, entity.ApprovalDenied, SystemResponder, reason); err != nil {
			q.logger.Warn("approval not cancelled",
				zap.String("approval_id", approvalID), zap.Error(err))
			continue
		}
		cancelled++
	}
	if cancelled > 0 {
		q.logger.Info("cancelled pending approvals",
			zap.String("agent_id", agentID), zap.Int("count", cancelled))
	}
	return cancelled, nil
}

// expire resolves an unanswered approval as a timeout. If a real response
// raced in first, that response is returned instead; resolution stays
// monotonic.
func (q *Queue) expire(ctx context.Context, orgID, approvalID string) (*Response, error) {
	rec, err := q.Get(ctx, orgID, approvalID)
	if err != nil {
		return nil, err
	}
	if rec.Status != entity.ApprovalPending {
		return responseFromRecord(rec), nil
	}
	return q.resolve(ctx, rec, entity.ApprovalExpired, SystemResponder, TimeoutMessage)
}

// resolve writes the terminal status and fans the response out: graph
// first, then the response mirror, then the pub/sub channel, then the
// pending mirror cleanup. Mirror-before-publish ordering means a waiter
// woken by the event always finds the mirror already written.
func (q *Queue) resolve(ctx context.Context, rec *entity.ApprovalRecord, status entity.ApprovalStatus, by, message string) (*Response, error) {
	now := time.Now().UTC()
	if _, err := q.store.Update(ctx, rec.OrgID, rec.ID, map[string]interface{}{
		"status":           status,
		"responded_at":     now,
		"response_by":      by,
		"response_message": message,
	}); err != nil {
		return nil, fmt.Errorf("resolve approval %s: %w", rec.ID, err)
	}

	resp := &Response{
		ApprovalID: rec.ID,
		Approved:   status == entity.ApprovalApproved,
		Message:    message,
		By:         by,
		Timeout:    status == entity.ApprovalExpired,
	}

	if payload, merr := json.Marshal(resp); merr == nil {
		if err := q.kv.SetEx(ctx, kv.ApprovalResponseKey(rec.ID), string(payload), MirrorTTL); err != nil {
			q.logger.Warn("response mirror write failed",
				zap.String("approval_id", rec.ID), zap.Error(err))
		}
	}

	if err := q.bus.Publish(ctx, events.BuildApprovalResponseSubject(rec.ID),
		bus.NewEvent(events.ApprovalResponse, "approval-queue", map[string]interface{}{
			"approval_id": resp.ApprovalID,
			"approved":    resp.Approved,
			"message":     resp.Message,
			"by":          resp.By,
			"timeout":     resp.Timeout,
		})); err != nil {
		q.logger.Warn("response publish failed",
			zap.String("approval_id", rec.ID), zap.Error(err))
	}

	q.clearPending(ctx, rec.AgentID, rec.ID)

	eventType := events.ApprovalResponded
	if status == entity.ApprovalExpired {
		eventType = events.ApprovalExpired
	}
	if err := q.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "approval-queue", map[string]interface{}{
		"approval_id": rec.ID,
		"org_id":      rec.OrgID,
		"agent_id":    rec.AgentID,
		"approved":    resp.Approved,
		"by":          by,
	})); err != nil {
		q.logger.Debug("approval lifecycle broadcast failed",
			zap.String("approval_id", rec.ID), zap.Error(err))
	}
	return resp, nil
}

// clearPending removes the pending mirror. When the owning agent is not
// known, the id-scoped scan finds the key regardless of owner.
func (q *Queue) clearPending(ctx context.Context, agentID, approvalID string) {
	if agentID != "" {
		if err := q.kv.Del(ctx, kv.PendingApprovalKey(agentID, approvalID)); err != nil {
			q.logger.Warn("pending mirror delete failed",
				zap.String("approval_id", approvalID), zap.Error(err))
		}
		return
	}
	keys, err := q.kv.Scan(ctx, kv.PendingApprovalByIDPattern(approvalID))
	if err != nil {
		q.logger.Warn("pending mirror scan failed",
			zap.String("approval_id", approvalID), zap.Error(err))
		return
	}
	if len(keys) > 0 {
		if err := q.kv.Del(ctx, keys...); err != nil {
			q.logger.Warn("pending mirror delete failed",
				zap.String("approval_id", approvalID), zap.Error(err))
		}
	}
}

// broadcastRequested fans the new approval out to dashboards. Failures are
// logged and swallowed; the record and mirror already exist.
func (q *Queue) broadcastRequested(ctx context.Context, rec *entity.ApprovalRecord) {
	data := map[string]interface{}{
		"approval_id":   rec.ID,
		"org_id":        rec.OrgID,
		"agent_id":      rec.AgentID,
		"task_id":       rec.TaskID,
		"approval_type": string(rec.ApprovalType),
		"priority":      string(rec.Priority),
		"title":         rec.Title,
		"summary":       rec.Summary,
		"expires_at":    rec.ExpiresAt.Format(time.RFC3339Nano),
	}
	if err := q.bus.Publish(ctx, events.ApprovalRequested,
		bus.NewEvent(events.ApprovalRequested, "approval-queue", data)); err != nil {
		q.logger.Debug("approval.requested broadcast failed",
			zap.String("approval_id", rec.ID), zap.Error(err))
	}
	if err := q.bus.Publish(ctx, events.UINotification,
		bus.NewEvent(events.UINotification, "approval-queue", data)); err != nil {
		q.logger.Debug("ui notification failed",
			zap.String("approval_id", rec.ID), zap.Error(err))
	}
}

// responseFromMirror reads the response mirror, returning nil when absent
// or unreadable.
func (q *Queue) responseFromMirror(ctx context.Context, approvalID string) *Response {
	raw, err := q.kv.Get(ctx, kv.ApprovalResponseKey(approvalID))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			q.logger.Warn("response mirror read failed",
				zap.String("approval_id", approvalID), zap.Error(err))
		}
		return nil
	}
	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		q.logger.Warn("response mirror unreadable",
			zap.String("approval_id", approvalID), zap.Error(err))
		return nil
	}
	if resp.ApprovalID == "" {
		resp.ApprovalID = approvalID
	}
	return &resp
}

func responseFromRecord(rec *entity.ApprovalRecord) *Response {
	return &Response{
		ApprovalID: rec.ID,
		Approved:   rec.Status == entity.ApprovalApproved,
		Message:    rec.ResponseMessage,
		By:         rec.ResponseBy,
		Timeout:    rec.Status == entity.ApprovalExpired,
	}
}

func responseFromEvent(approvalID string, ev *bus.Event) *Response {
	resp := &Response{ApprovalID: approvalID}
	if ev == nil || ev.Data == nil {
		return resp
	}
	if v, ok := ev.Data["approved"].(bool); ok {
		resp.Approved = v
	}
	if v, ok := ev.Data["message"].(string); ok {
		resp.Message = v
	}
	if v, ok := ev.Data["by"].(string); ok {
		resp.By = v
	}
	if v, ok := ev.Data["timeout"].(bool); ok {
		resp.Timeout = v
	}
	return resp
}
