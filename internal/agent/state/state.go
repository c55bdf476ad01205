// Package state persists agent liveness and usage counters in SQL. A
// heartbeat lands every thirty seconds per running agent; keeping those
// writes out of the graph means liveness never competes with entity
// updates, and the health sweep is one indexed query.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sibyldev/sibyl/internal/db"
)

// ErrNotFound is returned when an agent has no state row.
var ErrNotFound = errors.New("agent state not found")

// AgentState is one agent's liveness row.
type AgentState struct {
	AgentID       string    `db:"agent_id"`
	OrgID         string    `db:"organization_id"`
	TokensUsed    int64     `db:"tokens_used"`
	CostUSD       float64   `db:"cost_usd"`
	LastHeartbeat time.Time `db:"last_heartbeat"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Store reads and writes agent_state rows.
type Store struct {
	pool *db.Pool
}

// NewStore creates the store and ensures its schema exists.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize agent_state schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_state (
		agent_id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		last_heartbeat TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agent_state_org ON agent_state(organization_id);
	CREATE INDEX IF NOT EXISTS idx_agent_state_heartbeat ON agent_state(last_heartbeat);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Beat upserts the agent's heartbeat along with its running usage totals.
func (s *Store) Beat(ctx context.Context, orgID, agentID string, tokensUsed int64, costUSD float64) error {
	if orgID == "" || agentID == "" {
		return fmt.Errorf("heartbeat requires org and agent ids")
	}
	now := time.Now().UTC()
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO agent_state (agent_id, organization_id, tokens_used, cost_usd, last_heartbeat, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			organization_id = excluded.organization_id,
			tokens_used = excluded.tokens_used,
			cost_usd = excluded.cost_usd,
			last_heartbeat = excluded.last_heartbeat,
			updated_at = excluded.updated_at
	`), agentID, orgID, tokensUsed, costUSD, now, now)
	if err != nil {
		return fmt.Errorf("heartbeat for agent %s: %w", agentID, err)
	}
	return nil
}

// Get returns the agent's state row within the org.
func (s *Store) Get(ctx context.Context, orgID, agentID string) (*AgentState, error) {
	var st AgentState
	r := s.pool.Reader()
	err := r.GetContext(ctx, &st, r.Rebind(`
		SELECT agent_id, organization_id, tokens_used, cost_usd, last_heartbeat, updated_at
		FROM agent_state WHERE organization_id = ? AND agent_id = ?
	`), orgID, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent state %s: %w", agentID, err)
	}
	return &st, nil
}

// Stale returns every row whose heartbeat is older than the cutoff, across
// all orgs. The health sweep runs process-wide; org scoping happens when it
// acts on the owning records.
func (s *Store) Stale(ctx context.Context, olderThan time.Time) ([]AgentState, error) {
	var rows []AgentState
	r := s.pool.Reader()
	err := r.SelectContext(ctx, &rows, r.Rebind(`
		SELECT agent_id, organization_id, tokens_used, cost_usd, last_heartbeat, updated_at
		FROM agent_state WHERE last_heartbeat < ?
		ORDER BY last_heartbeat ASC
	`), olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale agent state: %w", err)
	}
	return rows, nil
}

// Delete removes the agent's row. Called on terminal transitions so
// finished agents never surface as stale. Missing rows are not an error.
func (s *Store) Delete(ctx context.Context, orgID, agentID string) error {
	w := s.pool.Writer()
	if _, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM agent_state WHERE organization_id = ? AND agent_id = ?
	`), orgID, agentID); err != nil {
		return fmt.Errorf("delete agent state %s: %w", agentID, err)
	}
	return nil
}
