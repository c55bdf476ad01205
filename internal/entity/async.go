package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/common/retry"
	"github.com/sibyldev/sibyl/internal/entity/graph"
	"github.com/sibyldev/sibyl/internal/events"
	"github.com/sibyldev/sibyl/internal/events/bus"
	"github.com/sibyldev/sibyl/internal/kv"
)

// pendingTTL bounds how long an unprocessed pending record can linger. The
// creation job normally clears it within seconds.
const pendingTTL = 24 * time.Hour

const (
	pendingStatusPending = "pending"
	pendingStatusFailed  = "failed"
)

// pendingRecord is the K/V mirror of an entity whose creation job has not
// completed. Operations arriving while pending are stashed here and applied
// after the node is written.
type pendingRecord struct {
	Entity        *Entity        `json:"entity"`
	Relationships []Relationship `json:"relationships,omitempty"`
	AutoLink      AutoLinkParams `json:"auto_link"`
	QueuedOps     []queuedOp     `json:"queued_ops,omitempty"`
	Status        string         `json:"status"`
	Error         string         `json:"error,omitempty"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
}

type queuedOp struct {
	Op    string                 `json:"op"`
	Patch map[string]interface{} `json:"patch,omitempty"`
}

// CreateAsync stages the entity as pending and hands creation to the job
// runtime. The returned id is usable immediately; reads against it observe
// the pending state until the job completes. Without an enqueuer the
// pipeline runs inline, so single-process setups still converge.
func (s *Store) CreateAsync(ctx context.Context, e *Entity, relationships []Relationship, autoLink *AutoLinkParams) (string, error) {
	if err := s.normalize(e); err != nil {
		return "", err
	}
	for _, rel := range relationships {
		if rel.Type == "" || rel.TargetID == "" {
			return "", fmt.Errorf("relationship requires type and target_id")
		}
	}

	rec := &pendingRecord{
		Entity:        e,
		Relationships: relationships,
		Status:        pendingStatusPending,
		EnqueuedAt:    time.Now().UTC(),
	}
	if autoLink != nil {
		rec.AutoLink = *autoLink
		if rec.AutoLink.Threshold == 0 {
			rec.AutoLink.Threshold = AutoLinkThreshold
		}
		if rec.AutoLink.Limit == 0 {
			rec.AutoLink.Limit = AutoLinkLimit
		}
	}
	if err := s.savePending(ctx, rec); err != nil {
		return "", err
	}

	if s.enqueuer == nil {
		if err := s.ProcessAsyncCreate(ctx, e.OrgID, e.ID); err != nil {
			s.logger.Error("inline entity creation failed",
				zap.String("entity_id", e.ID), zap.Error(err))
		}
		return e.ID, nil
	}

	args := map[string]interface{}{
		"organization_id": e.OrgID,
		"entity_id":       e.ID,
	}
	if err := s.enqueuer.Enqueue(ctx, CreateJobName, args); err != nil {
		_ = s.kv.Del(ctx, kv.EntityPendingKey(e.OrgID, e.ID))
		return "", fmt.Errorf("enqueue %s: %w", CreateJobName, err)
	}
	return e.ID, nil
}

// ProcessAsyncCreate runs the creation pipeline for one pending entity:
// write the node, create explicit edges, discover similarity edges, then
// drain queued operations. Transient graph failures are retried with
// backoff; exhaustion marks the pending record failed and broadcasts the
// failure.
func (s *Store) ProcessAsyncCreate(ctx context.Context, orgID, id string) error {
	rec, ok, err := s.loadPending(ctx, orgID, id)
	if err != nil {
		return err
	}
	if !ok || rec.Status == pendingStatusFailed {
		// Already processed, expired, or given up on.
		return nil
	}

	op := func() error {
		if _, err := s.CreateSync(ctx, rec.Entity); err != nil {
			return retry.Transient(err)
		}
		for _, rel := range rec.Relationships {
			if err := s.mergeRelationship(ctx, rec.Entity, rel); err != nil {
				return retry.Transient(err)
			}
		}
		return nil
	}
	if err := s.retry.Do(ctx, op); err != nil {
		s.markPendingFailed(ctx, rec, err)
		s.broadcastCreateResult(ctx, id, orgID, events.EntityCreateFailed, err)
		return fmt.Errorf("async create %s: %w", id, err)
	}

	if rec.AutoLink.Enabled {
		s.autoLink(ctx, rec.Entity, rec.AutoLink)
	}

	if err := s.drainQueuedOps(ctx, orgID, id); err != nil {
		return err
	}

	s.broadcastCreateResult(ctx, id, orgID, events.EntityCreateCompleted, nil)
	return nil
}

func (s *Store) mergeRelationship(ctx context.Context, e *Entity, rel Relationship) error {
	if rel.Type == "" || rel.TargetID == "" {
		return fmt.Errorf("relationship requires type and target_id")
	}
	edge := buildEdge(e.OrgID, rel.Type, e.ID, rel.TargetID, nil)
	if rel.Reverse {
		edge = buildEdge(e.OrgID, rel.Type, rel.TargetID, e.ID, nil)
	}
	return s.graph.MergeEdge(ctx, edge)
}

// autoLink discovers similarity edges for the new entity. Best-effort: any
// failure is logged and never fails the pipeline.
func (s *Store) autoLink(ctx context.Context, e *Entity, params AutoLinkParams) {
	if s.embedder == nil || e.Name == "" {
		return
	}
	vec, err := s.embedder.Embed(ctx, e.Name)
	if err != nil {
		s.logger.Warn("auto-link embedding failed", zap.String("entity_id", e.ID), zap.Error(err))
		return
	}

	// One extra candidate absorbs the entity matching itself.
	similar, err := s.graph.SimilarNodes(ctx, e.OrgID, vec, params.Threshold, params.Limit+1)
	if err != nil {
		s.logger.Warn("auto-link similarity search failed", zap.String("entity_id", e.ID), zap.Error(err))
		return
	}

	linked := 0
	for _, sn := range similar {
		if sn.Node.UUID == e.ID {
			continue
		}
		if linked >= params.Limit {
			break
		}
		edge := buildEdge(e.OrgID, EdgeRelatedTo, e.ID, sn.Node.UUID, map[string]interface{}{
			"similarity": sn.Score,
		})
		if err := s.graph.MergeEdge(ctx, edge); err != nil {
			s.logger.Warn("auto-link edge write failed",
				zap.String("entity_id", e.ID), zap.String("target_id", sn.Node.UUID), zap.Error(err))
			continue
		}
		linked++
	}
	if linked > 0 {
		s.logger.Debug("auto-linked entity",
			zap.String("entity_id", e.ID), zap.Int("edges", linked))
	}
}

// drainQueuedOps applies operations stashed while the entity was pending,
// then clears the pending record. Runs under the entity lock so late
// arrivals either land in the record before the drain or go direct to the
// graph after it.
func (s *Store) drainQueuedOps(ctx context.Context, orgID, id string) error {
	return s.locks.WithEntityLock(ctx, orgID, id, func() error {
		rec, ok, err := s.loadPending(ctx, orgID, id)
		if err != nil {
			return err
		}
		if ok {
			for _, op := range rec.QueuedOps {
				if op.Op != "update" {
					continue
				}
				if _, err := s.updateLocked(ctx, orgID, id, op.Patch, false); err != nil {
					s.logger.Warn("queued operation failed",
						zap.String("entity_id", id), zap.Error(err))
				}
			}
		}
		return s.kv.Del(ctx, kv.EntityPendingKey(orgID, id))
	})
}

// queueWhilePending appends an update to the pending record. Returns false
// when no pending record exists for the id. Callers hold the entity lock.
func (s *Store) queueWhilePending(ctx context.Context, orgID, id string, patch map[string]interface{}) (bool, error) {
	rec, ok, err := s.loadPending(ctx, orgID, id)
	if err != nil || !ok {
		return false, err
	}
	if rec.Status == pendingStatusFailed {
		return false, nil
	}
	rec.QueuedOps = append(rec.QueuedOps, queuedOp{Op: "update", Patch: patch})
	if err := s.savePending(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// pendingEntity returns the staged entity, marked Pending, when an active
// pending record exists.
func (s *Store) pendingEntity(ctx context.Context, orgID, id string) (*Entity, bool, error) {
	rec, ok, err := s.loadPending(ctx, orgID, id)
	if err != nil || !ok {
		return nil, false, err
	}
	if rec.Status == pendingStatusFailed || rec.Entity == nil {
		return nil, false, nil
	}
	e := rec.Entity.Clone()
	e.Pending = true

	// Queued patches are visible through pending reads.
	for _, op := range rec.QueuedOps {
		if op.Op == "update" {
			applyPatch(e, op.Patch)
		}
	}
	return e, true, nil
}

func (s *Store) loadPending(ctx context.Context, orgID, id string) (*pendingRecord, bool, error) {
	raw, err := s.kv.Get(ctx, kv.EntityPendingKey(orgID, id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load pending record %s: %w", id, err)
	}
	var rec pendingRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, fmt.Errorf("decode pending record %s: %w", id, err)
	}
	return &rec, true, nil
}

func (s *Store) savePending(ctx context.Context, rec *pendingRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode pending record %s: %w", rec.Entity.ID, err)
	}
	key := kv.EntityPendingKey(rec.Entity.OrgID, rec.Entity.ID)
	if err := s.kv.SetEx(ctx, key, string(raw), pendingTTL); err != nil {
		return fmt.Errorf("save pending record %s: %w", rec.Entity.ID, err)
	}
	return nil
}

func (s *Store) markPendingFailed(ctx context.Context, rec *pendingRecord, cause error) {
	rec.Status = pendingStatusFailed
	rec.Error = cause.Error()
	if err := s.savePending(ctx, rec); err != nil {
		s.logger.Error("failed to mark pending record failed",
			zap.String("entity_id", rec.Entity.ID), zap.Error(err))
	}
}

// broadcastCreateResult publishes the per-entity completion event plus the
// shared completion stream. Fire-and-forget.
func (s *Store) broadcastCreateResult(ctx context.Context, id, orgID, eventType string, cause error) {
	if s.bus == nil {
		return
	}
	data := map[string]interface{}{
		"entity_id":       id,
		"organization_id": orgID,
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	for _, subject := range []string{events.BuildEntityPendingSubject(id), eventType} {
		evt := bus.NewEvent(eventType, "entity-store", data)
		if err := s.bus.Publish(ctx, subject, evt); err != nil {
			s.logger.Debug("entity completion broadcast failed",
				zap.String("subject", subject), zap.Error(err))
		}
	}
}

func buildEdge(orgID, edgeType, sourceID, targetID string, props map[string]interface{}) *graph.Edge {
	return &graph.Edge{
		GroupID:  orgID,
		Type:     edgeType,
		SourceID: sourceID,
		TargetID: targetID,
		Props:    props,
	}
}
