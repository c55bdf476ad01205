package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/common/retry"
	"github.com/sibyldev/sibyl/internal/entity/graph"
	"github.com/sibyldev/sibyl/internal/events"
	"github.com/sibyldev/sibyl/internal/events/bus"
	"github.com/sibyldev/sibyl/internal/kv"
	"github.com/sibyldev/sibyl/internal/locks"
)

// ErrNotFound is returned when an entity does not exist in the caller's org.
var ErrNotFound = errors.New("entity not found")

// Embedder produces name embeddings for similarity search. Implementations
// must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Enqueuer hands background work to the job runtime.
type Enqueuer interface {
	Enqueue(ctx context.Context, job string, args map[string]interface{}) error
}

// CreateJobName is the job the async creation pipeline runs under.
const CreateJobName = "entity.create"

// Store is the typed, org-scoped facade over the graph. All writes go
// through the graph store's per-process write lock; per-entity logical
// locks are layered above it for read-modify-write correctness.
type Store struct {
	graph    graph.Store
	locks    *locks.Manager
	kv       kv.Store
	bus      bus.EventBus
	embedder Embedder
	enqueuer Enqueuer
	retry    retry.Policy
	logger   *logger.Logger
}

// NewStore creates the entity store. embedder and eventBus may be nil;
// embedding and completion broadcasts are then skipped. A nil enqueuer makes
// CreateAsync run its pipeline inline, which keeps single-process setups and
// tests deterministic.
func NewStore(g graph.Store, lockMgr *locks.Manager, kvStore kv.Store, eventBus bus.EventBus, log *logger.Logger) *Store {
	return &Store{
		graph:  g,
		locks:  lockMgr,
		kv:     kvStore,
		bus:    eventBus,
		retry:  retry.Default,
		logger: log,
	}
}

// WithEmbedder attaches an embedder used for name embeddings and search.
func (s *Store) WithEmbedder(e Embedder) *Store {
	s.embedder = e
	return s
}

// WithEnqueuer attaches the job runtime used by CreateAsync.
func (s *Store) WithEnqueuer(e Enqueuer) *Store {
	s.enqueuer = e
	return s
}

// WithRetryPolicy overrides the backoff applied to the async pipeline.
func (s *Store) WithRetryPolicy(p retry.Policy) *Store {
	s.retry = p
	return s
}

// CreateSync inserts the entity directly. Merge-by-id semantics make it
// idempotent: re-creating an id overwrites properties and keeps created_at.
// Returns the canonical id.
func (s *Store) CreateSync(ctx context.Context, e *Entity) (string, error) {
	if err := s.normalize(e); err != nil {
		return "", err
	}

	node, err := s.entityToNode(e)
	if err != nil {
		return "", err
	}

	if s.embedder != nil && e.Name != "" {
		vec, err := s.embedder.Embed(ctx, e.Name)
		if err != nil {
			s.logger.Warn("name embedding failed, storing without vector",
				zap.String("entity_id", e.ID), zap.Error(err))
		} else {
			node.NameEmbedding = vec
		}
	}

	if err := s.graph.MergeNode(ctx, node); err != nil {
		return "", fmt.Errorf("create entity %s: %w", e.ID, err)
	}
	return e.ID, nil
}

// Get returns the entity by id within the org. Entities whose async
// creation has not finished are returned with Pending set.
func (s *Store) Get(ctx context.Context, orgID, id string) (*Entity, error) {
	node, err := s.graph.GetNode(ctx, orgID, id)
	if err == nil {
		return s.nodeToEntity(node), nil
	}
	if !errors.Is(err, graph.ErrNodeNotFound) {
		return nil, fmt.Errorf("get entity %s: %w", id, err)
	}

	if pending, ok, perr := s.pendingEntity(ctx, orgID, id); perr == nil && ok {
		return pending, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Update applies a read-modify-write merge: "name" and "modified_by"
// replace envelope fields, everything else folds into metadata. A nil patch
// value removes the metadata key. Updates against a pending entity are
// queued and applied when the creation job completes.
func (s *Store) Update(ctx context.Context, orgID, id string, patch map[string]interface{}) (*Entity, error) {
	var updated *Entity
	err := s.locks.WithEntityLock(ctx, orgID, id, func() error {
		var err error
		updated, err = s.updateLocked(ctx, orgID, id, patch, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// updateLocked performs the merge under an already-held entity lock.
// allowQueue diverts the patch into the pending record when the node does
// not exist yet; the drain path passes false because the node is known to
// exist by then.
func (s *Store) updateLocked(ctx context.Context, orgID, id string, patch map[string]interface{}, allowQueue bool) (*Entity, error) {
	node, err := s.graph.GetNode(ctx, orgID, id)
	if errors.Is(err, graph.ErrNodeNotFound) {
		if allowQueue {
			queued, qerr := s.queueWhilePending(ctx, orgID, id, patch)
			if qerr != nil {
				return nil, qerr
			}
			if queued {
				pending, _, _ := s.pendingEntity(ctx, orgID, id)
				return pending, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", id, err)
	}

	e := s.nodeToEntity(node)
	applyPatch(e, patch)
	bumpUpdatedAt(e, node.UpdatedAt)

	merged, err := s.entityToNode(e)
	if err != nil {
		return nil, err
	}
	merged.CreatedAt = node.CreatedAt
	merged.NameEmbedding = node.NameEmbedding

	if _, renamed := patch["name"]; renamed && s.embedder != nil && e.Name != "" {
		if vec, eerr := s.embedder.Embed(ctx, e.Name); eerr == nil {
			merged.NameEmbedding = vec
		} else {
			s.logger.Warn("name embedding failed on rename",
				zap.String("entity_id", id), zap.Error(eerr))
		}
	}

	if err := s.graph.MergeNode(ctx, merged); err != nil {
		return nil, fmt.Errorf("update entity %s: %w", id, err)
	}

	if _, moved := patch["status"]; moved && e.Type == KindTask {
		s.maybeAutoStartEpic(ctx, e)
	}
	return e, nil
}

// maybeAutoStartEpic promotes a planning epic to in_progress when one of
// its tasks moves into an active status. One-way only; nothing ever forces
// an epic back to planning. Best-effort: a failed promotion is logged and
// retried implicitly on the next task transition.
func (s *Store) maybeAutoStartEpic(ctx context.Context, e *Entity) {
	task := TaskFromEntity(e)
	if !task.Status.Active() || task.EpicID == "" {
		return
	}

	node, err := s.graph.GetNode(ctx, e.OrgID, task.EpicID)
	if err != nil {
		s.logger.Warn("epic lookup for auto-start failed",
			zap.String("task_id", e.ID), zap.String("epic_id", task.EpicID), zap.Error(err))
		return
	}
	epic := EpicFromEntity(s.nodeToEntity(node))
	if epic.Status != EpicPlanning {
		return
	}

	err = s.locks.WithEntityLock(ctx, e.OrgID, task.EpicID, func() error {
		_, uerr := s.updateLocked(ctx, e.OrgID, task.EpicID, map[string]interface{}{
			"status": EpicInProgress,
		}, false)
		return uerr
	})
	if err != nil {
		s.logger.Warn("epic auto-start failed",
			zap.String("epic_id", task.EpicID), zap.Error(err))
		return
	}

	if s.bus != nil {
		evt := bus.NewEvent(events.EpicStateChanged, "entity-store", map[string]interface{}{
			"epic_id":         task.EpicID,
			"organization_id": e.OrgID,
			"status":          string(EpicInProgress),
			"started_by_task": e.ID,
		})
		if perr := s.bus.Publish(ctx, events.EpicStateChanged, evt); perr != nil {
			s.logger.Debug("epic auto-start broadcast failed", zap.Error(perr))
		}
	}
}

// Delete detaches and removes the entity. Idempotent.
func (s *Store) Delete(ctx context.Context, orgID, id string) error {
	if err := s.graph.DeleteNode(ctx, orgID, id); err != nil {
		return fmt.Errorf("delete entity %s: %w", id, err)
	}
	// A pending record for the id becomes meaningless once deleted.
	_ = s.kv.Del(ctx, kv.EntityPendingKey(orgID, id))
	return nil
}

// Search sanitizes the query, runs the hybrid keyword+vector search scoped
// to the org, and filters by kinds post-hoc, so fewer than limit results may
// come back when kinds is set.
func (s *Store) Search(ctx context.Context, orgID, query string, kinds []Kind, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	sanitized := SanitizeQuery(query)

	var queryVec []float32
	if s.embedder != nil && sanitized != "" {
		vec, err := s.embedder.Embed(ctx, sanitized)
		if err != nil {
			s.logger.Debug("query embedding failed, keyword-only search", zap.Error(err))
		} else {
			queryVec = vec
		}
	}

	scored, err := s.graph.Search(ctx, orgID, sanitized, queryVec, limit)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	kindSet := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	results := make([]SearchResult, 0, len(scored))
	for _, sn := range scored {
		e := s.nodeToEntity(sn.Node)
		if len(kindSet) > 0 && !kindSet[e.Type] {
			continue
		}
		results = append(results, SearchResult{Entity: e, Score: sn.Score})
	}
	return results, nil
}

// querySpecials are characters with meaning to search engines; they are
// stripped so user input can never change query structure.
const querySpecials = `+-&|!(){}[]^"~*?:\/'` + "`"

// SanitizeQuery strips search-engine special characters and collapses
// whitespace.
func SanitizeQuery(query string) string {
	var b strings.Builder
	for _, r := range query {
		if strings.ContainsRune(querySpecials, r) {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// normalize fills identity defaults and validates required envelope fields.
func (s *Store) normalize(e *Entity) error {
	if e == nil {
		return fmt.Errorf("entity is nil")
	}
	if e.OrgID == "" {
		return fmt.Errorf("entity requires organization_id")
	}
	if e.Type == "" {
		return fmt.Errorf("entity requires a type")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	return nil
}

// entityToNode projects the envelope onto a graph node. Metadata is
// JSON-stringified because the graph accepts only primitive properties; the
// description, when present, doubles as the node summary for keyword search.
func (s *Store) entityToNode(e *Entity) (*graph.Node, error) {
	raw, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("serialize metadata for %s: %w", e.ID, err)
	}
	props := map[string]interface{}{
		"metadata": string(raw),
	}
	if e.CreatedBy != "" {
		props["created_by"] = e.CreatedBy
	}
	if e.ModifiedBy != "" {
		props["modified_by"] = e.ModifiedBy
	}
	summary := ""
	if d, ok := e.Metadata["description"].(string); ok {
		summary = d
	}
	return &graph.Node{
		UUID:      e.ID,
		GroupID:   e.OrgID,
		Label:     string(e.Type),
		Name:      e.Name,
		Summary:   summary,
		Props:     props,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}, nil
}

func (s *Store) nodeToEntity(n *graph.Node) *Entity {
	e := &Entity{
		ID:        n.UUID,
		Type:      Kind(n.Label),
		Name:      n.Name,
		OrgID:     n.GroupID,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
	if v, ok := n.Props["created_by"].(string); ok {
		e.CreatedBy = v
	}
	if v, ok := n.Props["modified_by"].(string); ok {
		e.ModifiedBy = v
	}
	if raw, ok := n.Props["metadata"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Metadata); err != nil {
			s.logger.Warn("corrupt metadata on node, returning empty",
				zap.String("entity_id", n.UUID), zap.Error(err))
		}
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	return e
}

// applyPatch merges a patch into the entity: envelope fields replace,
// everything else folds into metadata, nil removes.
func applyPatch(e *Entity, patch map[string]interface{}) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	for k, v := range patch {
		switch k {
		case "name":
			if sv, ok := v.(string); ok {
				e.Name = sv
			}
		case "modified_by":
			if sv, ok := v.(string); ok {
				e.ModifiedBy = sv
			}
		default:
			if v == nil {
				delete(e.Metadata, k)
				continue
			}
			e.Metadata[k] = normalizeMetaValue(v)
		}
	}
}

// normalizeMetaValue converts non-primitive patch values into the stored
// forms: times become RFC 3339 strings, typed enums become plain strings.
func normalizeMetaValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case time.Time:
		return tv.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if tv == nil {
			return nil
		}
		return tv.UTC().Format(time.RFC3339Nano)
	case TaskStatus:
		return string(tv)
	case Priority:
		return string(tv)
	case EpicStatus:
		return string(tv)
	case ProjectStatus:
		return string(tv)
	case AgentStatus:
		return string(tv)
	case WorktreeStatus:
		return string(tv)
	case ApprovalStatus:
		return string(tv)
	case ApprovalType:
		return string(tv)
	case OrchestratorState:
		return string(tv)
	case OrchestratorPhase:
		return string(tv)
	case MetaStatus:
		return string(tv)
	case Strategy:
		return string(tv)
	case SpawnSource:
		return string(tv)
	default:
		return v
	}
}

// bumpUpdatedAt moves updated_at strictly forward even under clock skew.
func bumpUpdatedAt(e *Entity, previous time.Time) {
	now := time.Now().UTC()
	if !now.After(previous) {
		now = previous.Add(time.Microsecond)
	}
	e.UpdatedAt = now
}
