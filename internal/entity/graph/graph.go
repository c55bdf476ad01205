// Package graph is the low-level node/edge store the entity layer writes
// through. Nodes carry only primitive properties; callers JSON-stringify
// nested data before it reaches this layer. Every operation is scoped by
// group_id, which the entity layer binds to the organization.
package graph

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrNodeNotFound is returned when a node does not exist in the group.
var ErrNodeNotFound = errors.New("graph node not found")

// Node is one graph vertex.
type Node struct {
	UUID    string
	GroupID string
	Label   string
	Name    string
	Summary string
	// Props holds primitive properties. The entity layer keeps its
	// metadata here as a single JSON string under "metadata".
	Props map[string]interface{}
	// NameEmbedding is the optional vector property used by similarity
	// search. Assigning nil clears it.
	NameEmbedding []float32
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Edge is one directed, typed relationship.
type Edge struct {
	UUID      string
	GroupID   string
	Type      string
	SourceID  string
	TargetID  string
	Props     map[string]interface{}
	CreatedAt time.Time
}

// ScoredNode pairs a node with a search or similarity score.
type ScoredNode struct {
	Node  *Node
	Score float64
}

// Store is the minimum query surface the entity layer needs.
type Store interface {
	// MergeNode inserts or fully replaces a node by uuid, keeping the
	// original created_at on replace.
	MergeNode(ctx context.Context, n *Node) error
	// PatchNode merges props into an existing node. The keys "name" and
	// "summary" update the corresponding node fields.
	PatchNode(ctx context.Context, groupID, uuid string, props map[string]interface{}) error
	GetNode(ctx context.Context, groupID, uuid string) (*Node, error)
	// DeleteNode detaches (drops all edges touching the node) and removes
	// the node. Deleting a missing node is not an error.
	DeleteNode(ctx context.Context, groupID, uuid string) error
	NodesByLabel(ctx context.Context, groupID, label string) ([]*Node, error)
	// SetEmbedding stores or clears (vec == nil) the node's vector.
	SetEmbedding(ctx context.Context, groupID, uuid string, vec []float32) error

	MergeEdge(ctx context.Context, e *Edge) error
	// SourcesOf returns nodes with an edgeType edge pointing at targetID,
	// optionally restricted to a label.
	SourcesOf(ctx context.Context, groupID, edgeType, targetID, label string) ([]*Node, error)
	// TargetsOf returns nodes sourceID points at via edgeType, optionally
	// restricted to a label.
	TargetsOf(ctx context.Context, groupID, edgeType, sourceID, label string) ([]*Node, error)

	// Search runs the hybrid keyword+vector search scoped to the group.
	Search(ctx context.Context, groupID, query string, queryVec []float32, limit int) ([]ScoredNode, error)
	// SimilarNodes returns nodes whose embedding scores at least minScore
	// against vec, best first.
	SimilarNodes(ctx context.Context, groupID string, vec []float32, minScore float64, limit int) ([]ScoredNode, error)

	// ExportGroup returns every node and edge in the group, for backups.
	ExportGroup(ctx context.Context, groupID string) ([]*Node, []*Edge, error)

	Close() error
}

// Cosine returns the cosine similarity of two vectors, 0 when either is
// empty or lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
