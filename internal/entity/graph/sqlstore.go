package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sibyldev/sibyl/internal/db"
	"github.com/sibyldev/sibyl/internal/db/dialect"
)

// candidateCap bounds how many rows a single search pass scores in-process.
const candidateCap = 256

// SQLStore implements Store over two relational tables. It works on both
// SQLite and PostgreSQL through the shared db.Pool.
type SQLStore struct {
	pool *db.Pool

	// mu serializes writes. The engine below may be a single-writer SQLite
	// connection; interleaved multi-statement writes corrupt ordering
	// guarantees the entity layer depends on.
	mu sync.Mutex
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the store and ensures its schema exists.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize graph schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS graph_nodes (
		uuid TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		label TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		properties TEXT NOT NULL DEFAULT '{}',
		name_embedding TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_graph_nodes_group_label ON graph_nodes(group_id, label);
	CREATE INDEX IF NOT EXISTS idx_graph_nodes_group_name ON graph_nodes(group_id, name);

	CREATE TABLE IF NOT EXISTS graph_edges (
		uuid TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		edge_type TEXT NOT NULL,
		source_uuid TEXT NOT NULL,
		target_uuid TEXT NOT NULL,
		properties TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		UNIQUE(group_id, edge_type, source_uuid, target_uuid)
	);

	CREATE INDEX IF NOT EXISTS idx_graph_edges_group_source ON graph_edges(group_id, source_uuid);
	CREATE INDEX IF NOT EXISTS idx_graph_edges_group_target ON graph_edges(group_id, target_uuid);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Close is a no-op; the pool is owned by the caller.
func (s *SQLStore) Close() error { return nil }

func (s *SQLStore) MergeNode(ctx context.Context, n *Node) error {
	if n.UUID == "" || n.GroupID == "" {
		return fmt.Errorf("graph node requires uuid and group_id")
	}
	props, err := encodeProps(n.Props)
	if err != nil {
		return fmt.Errorf("encode node props: %w", err)
	}
	embedding, err := encodeEmbedding(n.NameEmbedding)
	if err != nil {
		return fmt.Errorf("encode node embedding: %w", err)
	}

	now := time.Now().UTC()
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := n.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO graph_nodes (uuid, group_id, label, name, summary, properties, name_embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			group_id = excluded.group_id,
			label = excluded.label,
			name = excluded.name,
			summary = excluded.summary,
			properties = excluded.properties,
			name_embedding = excluded.name_embedding,
			updated_at = excluded.updated_at
	`), n.UUID, n.GroupID, n.Label, n.Name, n.Summary, props, embedding, createdAt, updatedAt)
	return err
}

func (s *SQLStore) PatchNode(ctx context.Context, groupID, nodeID string, props map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getNodeLocked(ctx, groupID, nodeID)
	if err != nil {
		return err
	}

	name := existing.Name
	summary := existing.Summary
	merged := existing.Props
	if merged == nil {
		merged = make(map[string]interface{})
	}
	for k, v := range props {
		switch k {
		case "name":
			if sv, ok := v.(string); ok {
				name = sv
			}
		case "summary":
			if sv, ok := v.(string); ok {
				summary = sv
			}
		default:
			merged[k] = v
		}
	}
	encoded, err := encodeProps(merged)
	if err != nil {
		return fmt.Errorf("encode node props: %w", err)
	}

	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE graph_nodes
		SET name = ?, summary = ?, properties = ?, updated_at = ?
		WHERE group_id = ? AND uuid = ?
	`), name, summary, encoded, time.Now().UTC(), groupID, nodeID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNodeNotFound
	}
	return nil
}

func (s *SQLStore) GetNode(ctx context.Context, groupID, nodeID string) (*Node, error) {
	r := s.pool.Reader()
	row := r.QueryRowContext(ctx, r.Rebind(`
		SELECT uuid, group_id, label, name, summary, properties, name_embedding, created_at, updated_at
		FROM graph_nodes WHERE group_id = ? AND uuid = ?
	`), groupID, nodeID)
	return scanNode(row)
}

// getNodeLocked reads through the writer connection so a patch sees its own
// group's latest write even before WAL checkpoints.
func (s *SQLStore) getNodeLocked(ctx context.Context, groupID, nodeID string) (*Node, error) {
	w := s.pool.Writer()
	row := w.QueryRowContext(ctx, w.Rebind(`
		SELECT uuid, group_id, label, name, summary, properties, name_embedding, created_at, updated_at
		FROM graph_nodes WHERE group_id = ? AND uuid = ?
	`), groupID, nodeID)
	return scanNode(row)
}

func (s *SQLStore) DeleteNode(ctx context.Context, groupID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.pool.Writer()
	if _, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM graph_edges WHERE group_id = ? AND (source_uuid = ? OR target_uuid = ?)
	`), groupID, nodeID, nodeID); err != nil {
		return err
	}
	_, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM graph_nodes WHERE group_id = ? AND uuid = ?
	`), groupID, nodeID)
	return err
}

func (s *SQLStore) NodesByLabel(ctx context.Context, groupID, label string) ([]*Node, error) {
	r := s.pool.Reader()
	rows, err := r.QueryContext(ctx, r.Rebind(`
		SELECT uuid, group_id, label, name, summary, properties, name_embedding, created_at, updated_at
		FROM graph_nodes WHERE group_id = ? AND label = ?
		ORDER BY created_at ASC, uuid ASC
	`), groupID, label)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNodes(rows)
}

func (s *SQLStore) SetEmbedding(ctx context.Context, groupID, nodeID string, vec []float32) error {
	encoded, err := encodeEmbedding(vec)
	if err != nil {
		return fmt.Errorf("encode node embedding: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE graph_nodes SET name_embedding = ?, updated_at = ? WHERE group_id = ? AND uuid = ?
	`), encoded, time.Now().UTC(), groupID, nodeID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNodeNotFound
	}
	return nil
}

func (s *SQLStore) MergeEdge(ctx context.Context, e *Edge) error {
	if e.GroupID == "" || e.Type == "" || e.SourceID == "" || e.TargetID == "" {
		return fmt.Errorf("graph edge requires group_id, type, source and target")
	}
	if e.UUID == "" {
		e.UUID = uuid.New().String()
	}
	props, err := encodeProps(e.Props)
	if err != nil {
		return fmt.Errorf("encode edge props: %w", err)
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO graph_edges (uuid, group_id, edge_type, source_uuid, target_uuid, properties, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id, edge_type, source_uuid, target_uuid) DO UPDATE SET
			properties = excluded.properties
	`), e.UUID, e.GroupID, e.Type, e.SourceID, e.TargetID, props, createdAt)
	return err
}

func (s *SQLStore) SourcesOf(ctx context.Context, groupID, edgeType, targetID, label string) ([]*Node, error) {
	return s.relatedNodes(ctx, groupID, edgeType, label, "source_uuid", "target_uuid", targetID)
}

func (s *SQLStore) TargetsOf(ctx context.Context, groupID, edgeType, sourceID, label string) ([]*Node, error) {
	return s.relatedNodes(ctx, groupID, edgeType, label, "target_uuid", "source_uuid", sourceID)
}

func (s *SQLStore) relatedNodes(ctx context.Context, groupID, edgeType, label, selectCol, whereCol, nodeID string) ([]*Node, error) {
	query := fmt.Sprintf(`
		SELECT n.uuid, n.group_id, n.label, n.name, n.summary, n.properties, n.name_embedding, n.created_at, n.updated_at
		FROM graph_edges e
		JOIN graph_nodes n ON n.uuid = e.%s AND n.group_id = e.group_id
		WHERE e.group_id = ? AND e.edge_type = ? AND e.%s = ?
	`, selectCol, whereCol)
	args := []interface{}{groupID, edgeType, nodeID}
	if label != "" {
		query += " AND n.label = ?"
		args = append(args, label)
	}
	query += " ORDER BY n.created_at ASC, n.uuid ASC"

	r := s.pool.Reader()
	rows, err := r.QueryContext(ctx, r.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNodes(rows)
}

func (s *SQLStore) Search(ctx context.Context, groupID, query string, queryVec []float32, limit int) ([]ScoredNode, error) {
	if limit <= 0 {
		limit = 10
	}

	seen := make(map[string]*Node)

	if strings.TrimSpace(query) != "" {
		pattern := "%" + query + "%"
		r := s.pool.Reader()
		like := dialect.Like(r.DriverName())
		rows, err := r.QueryContext(ctx, r.Rebind(fmt.Sprintf(`
			SELECT uuid, group_id, label, name, summary, properties, name_embedding, created_at, updated_at
			FROM graph_nodes
			WHERE group_id = ? AND (name %s ? OR summary %s ? OR properties %s ?)
			LIMIT %d
		`, like, like, like, candidateCap)), groupID, pattern, pattern, pattern)
		if err != nil {
			return nil, err
		}
		keywordNodes, err := collectNodes(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		for _, n := range keywordNodes {
			seen[n.UUID] = n
		}
	}

	if len(queryVec) > 0 {
		embedded, err := s.embeddedNodes(ctx, groupID)
		if err != nil {
			return nil, err
		}
		for _, n := range embedded {
			if _, ok := seen[n.UUID]; !ok {
				seen[n.UUID] = n
			}
		}
	}

	results := make([]ScoredNode, 0, len(seen))
	for _, n := range seen {
		score := keywordScore(n, query)
		if len(queryVec) > 0 && len(n.NameEmbedding) > 0 {
			if cos := Cosine(queryVec, n.NameEmbedding); cos > score {
				score = cos
			}
		}
		if score <= 0 {
			continue
		}
		results = append(results, ScoredNode{Node: n, Score: score})
	}

	sortScored(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *SQLStore) SimilarNodes(ctx context.Context, groupID string, vec []float32, minScore float64, limit int) ([]ScoredNode, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	embedded, err := s.embeddedNodes(ctx, groupID)
	if err != nil {
		return nil, err
	}

	var results []ScoredNode
	for _, n := range embedded {
		score := Cosine(vec, n.NameEmbedding)
		if score >= minScore {
			results = append(results, ScoredNode{Node: n, Score: score})
		}
	}
	sortScored(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// embeddedNodes returns the newest candidateCap nodes carrying a vector.
func (s *SQLStore) embeddedNodes(ctx context.Context, groupID string) ([]*Node, error) {
	r := s.pool.Reader()
	rows, err := r.QueryContext(ctx, r.Rebind(fmt.Sprintf(`
		SELECT uuid, group_id, label, name, summary, properties, name_embedding, created_at, updated_at
		FROM graph_nodes
		WHERE group_id = ? AND name_embedding IS NOT NULL
		ORDER BY updated_at DESC
		LIMIT %d
	`, candidateCap)), groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNodes(rows)
}

func (s *SQLStore) ExportGroup(ctx context.Context, groupID string) ([]*Node, []*Edge, error) {
	r := s.pool.Reader()
	nodeRows, err := r.QueryContext(ctx, r.Rebind(`
		SELECT uuid, group_id, label, name, summary, properties, name_embedding, created_at, updated_at
		FROM graph_nodes WHERE group_id = ? ORDER BY created_at ASC, uuid ASC
	`), groupID)
	if err != nil {
		return nil, nil, err
	}
	nodes, err := collectNodes(nodeRows)
	nodeRows.Close()
	if err != nil {
		return nil, nil, err
	}

	edgeRows, err := r.QueryContext(ctx, r.Rebind(`
		SELECT uuid, group_id, edge_type, source_uuid, target_uuid, properties, created_at
		FROM graph_edges WHERE group_id = ? ORDER BY created_at ASC, uuid ASC
	`), groupID)
	if err != nil {
		return nil, nil, err
	}
	defer edgeRows.Close()

	var edges []*Edge
	for edgeRows.Next() {
		e := &Edge{}
		var props string
		if err := edgeRows.Scan(&e.UUID, &e.GroupID, &e.Type, &e.SourceID, &e.TargetID, &props, &e.CreatedAt); err != nil {
			return nil, nil, err
		}
		if err := json.Unmarshal([]byte(props), &e.Props); err != nil {
			e.Props = nil
		}
		edges = append(edges, e)
	}
	return nodes, edges, edgeRows.Err()
}

// keywordScore ranks exact name matches above partial ones, and partial
// name matches above summary or property hits.
func keywordScore(n *Node, query string) float64 {
	q := strings.TrimSpace(query)
	if q == "" {
		return 0
	}
	lower := strings.ToLower(q)
	switch {
	case strings.EqualFold(n.Name, q):
		return 1.0
	case strings.Contains(strings.ToLower(n.Name), lower):
		return 0.8
	case strings.Contains(strings.ToLower(n.Summary), lower):
		return 0.5
	default:
		for _, v := range n.Props {
			if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), lower) {
				return 0.4
			}
		}
	}
	return 0
}

// sortScored orders by score descending with uuid as a stable tiebreaker.
func sortScored(results []ScoredNode) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Node.UUID < results[j].Node.UUID
	})
}

func encodeProps(props map[string]interface{}) (string, error) {
	if props == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func encodeEmbedding(vec []float32) (sql.NullString, error) {
	if vec == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func scanNode(scanner interface {
	Scan(dest ...interface{}) error
}) (*Node, error) {
	n := &Node{}
	var props string
	var embedding sql.NullString
	err := scanner.Scan(
		&n.UUID,
		&n.GroupID,
		&n.Label,
		&n.Name,
		&n.Summary,
		&props,
		&embedding,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(props), &n.Props); err != nil {
		n.Props = nil
	}
	if embedding.Valid {
		if err := json.Unmarshal([]byte(embedding.String), &n.NameEmbedding); err != nil {
			n.NameEmbedding = nil
		}
	}
	return n, nil
}

func collectNodes(rows *sql.Rows) ([]*Node, error) {
	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
