package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sibyldev/sibyl/internal/db"
)

// Message kinds persisted to the log. These are UI-facing categories, not
// raw protocol types: tool outputs are summarized before they land here.
const (
	MessageUser       = "user"
	MessageAssistant  = "assistant"
	MessageToolUse    = "tool_use"
	MessageToolResult = "tool_result"
	MessageResult     = "result"
	MessageSystem     = "system"
)

// AgentMessage is one row of the per-agent message log. MessageNum is
// strictly increasing per agent and continues across resumes; the driver
// allocates numbers and the unique index rejects regressions.
type AgentMessage struct {
	ID         string    `db:"id"`
	OrgID      string    `db:"organization_id"`
	AgentID    string    `db:"agent_id"`
	TaskID     string    `db:"task_id"`
	MessageNum int64     `db:"message_num"`
	Kind       string    `db:"kind"`
	Content    string    `db:"content"`
	Model      string    `db:"model"`
	ToolName   string    `db:"tool_name"`
	TokensIn   int64     `db:"tokens_in"`
	TokensOut  int64     `db:"tokens_out"`
	CostUSD    float64   `db:"cost_usd"`
	CreatedAt  time.Time `db:"created_at"`
}

// MessageLog appends and reads agent_message rows.
type MessageLog struct {
	pool *db.Pool
}

// NewMessageLog creates the log and ensures its schema exists.
func NewMessageLog(pool *db.Pool) (*MessageLog, error) {
	l := &MessageLog{pool: pool}
	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize agent_message schema: %w", err)
	}
	return l, nil
}

func (l *MessageLog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_message (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		message_num INTEGER NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL DEFAULT '',
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(agent_id, message_num)
	);

	CREATE INDEX IF NOT EXISTS idx_agent_message_org_agent ON agent_message(organization_id, agent_id, message_num);
	`
	_, err := l.pool.Writer().Exec(schema)
	return err
}

// Append writes one message row. MessageNum must be positive and unused
// for the agent; a duplicate number fails on the unique index rather than
// silently reordering the log.
func (l *MessageLog) Append(ctx context.Context, m *AgentMessage) error {
	if m.OrgID == "" || m.AgentID == "" {
		return fmt.Errorf("agent message requires org and agent ids")
	}
	if m.MessageNum <= 0 {
		return fmt.Errorf("agent message requires a positive message_num")
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	w := l.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO agent_message (id, organization_id, agent_id, task_id, message_num, kind, content, model, tool_name, tokens_in, tokens_out, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), m.ID, m.OrgID, m.AgentID, m.TaskID, m.MessageNum, m.Kind, m.Content, m.Model, m.ToolName, m.TokensIn, m.TokensOut, m.CostUSD, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message %d for agent %s: %w", m.MessageNum, m.AgentID, err)
	}
	return nil
}

// NextMessageNum returns max+1 for the agent, starting at 1 for a fresh
// log. Resumed executions call this once and count locally from there.
func (l *MessageLog) NextMessageNum(ctx context.Context, orgID, agentID string) (int64, error) {
	var max sql.NullInt64
	r := l.pool.Reader()
	err := r.GetContext(ctx, &max, r.Rebind(`
		SELECT MAX(message_num) FROM agent_message
		WHERE organization_id = ? AND agent_id = ?
	`), orgID, agentID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("next message_num for agent %s: %w", agentID, err)
	}
	return max.Int64 + 1, nil
}

// Messages returns the agent's log ordered by message_num ascending.
func (l *MessageLog) Messages(ctx context.Context, orgID, agentID string, limit, offset int) ([]AgentMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []AgentMessage
	r := l.pool.Reader()
	err := r.SelectContext(ctx, &rows, r.Rebind(`
		SELECT id, organization_id, agent_id, task_id, message_num, kind, content, model, tool_name, tokens_in, tokens_out, cost_usd, created_at
		FROM agent_message
		WHERE organization_id = ? AND agent_id = ?
		ORDER BY message_num ASC
		LIMIT ? OFFSET ?
	`), orgID, agentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages for agent %s: %w", agentID, err)
	}
	return rows, nil
}
