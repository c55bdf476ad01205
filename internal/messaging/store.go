// Package messaging implements the inter-agent message primitive: a SQL
// row per message as the durable audit trail, plus a per-org pub/sub event
// so live listeners hear about new rows without polling. Responses outlast
// subscribers; the blocking query path reads the SQL store, never the bus.
package messaging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sibyldev/sibyl/internal/db"
	"github.com/sibyldev/sibyl/internal/db/dialect"
)

// ErrNotFound is returned when a message id does not exist in the org.
var ErrNotFound = errors.New("inter-agent message not found")

// MessageType classifies the intent of a message.
type MessageType string

const (
	TypeProgress      MessageType = "progress"
	TypeBlocker       MessageType = "blocker"
	TypeQuery         MessageType = "query"
	TypeDelegation    MessageType = "delegation"
	TypeReviewRequest MessageType = "review_request"
	TypeResponse      MessageType = "response"
)

// Priorities. Blockers outrank queries outrank everything else.
const (
	DefaultPriority = 3
	QueryPriority   = 5
	BlockerPriority = 7
)

// Message is one inter-agent message row. An empty ToAgentID is an
// org-wide broadcast.
type Message struct {
	ID               string      `db:"id"`
	OrgID            string      `db:"organization_id"`
	FromAgentID      string      `db:"from_agent_id"`
	ToAgentID        string      `db:"to_agent_id"`
	Type             MessageType `db:"message_type"`
	Subject          string      `db:"subject"`
	Content          string      `db:"content"`
	Priority         int         `db:"priority"`
	RequiresResponse bool        `db:"requires_response"`
	ResponseToID     string      `db:"response_to_id"`
	ReadAt           *time.Time  `db:"read_at"`
	RespondedAt      *time.Time  `db:"responded_at"`
	CreatedAt        time.Time   `db:"created_at"`

	Context map[string]interface{} `db:"-"`
}

// messageRow is the scan target; context is JSON text in the table.
type messageRow struct {
	Message
	ContextJSON string `db:"context"`
}

// Store reads and writes inter_agent_message rows.
type Store struct {
	pool *db.Pool
}

// NewStore creates the store and ensures its schema exists.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize inter_agent_message schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS inter_agent_message (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		from_agent_id TEXT NOT NULL,
		to_agent_id TEXT NOT NULL DEFAULT '',
		message_type TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 3,
		requires_response INTEGER NOT NULL DEFAULT 0,
		response_to_id TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '{}',
		read_at TIMESTAMP,
		responded_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_iam_org_to ON inter_agent_message(organization_id, to_agent_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_iam_org_response_to ON inter_agent_message(organization_id, response_to_id);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

const messageColumns = `id, organization_id, from_agent_id, to_agent_id, message_type, subject, content, priority, requires_response, response_to_id, context, read_at, responded_at, created_at`

// Insert persists one message. Fills ID and CreatedAt when unset.
func (s *Store) Insert(ctx context.Context, m *Message) error {
	if m.OrgID == "" || m.FromAgentID == "" {
		return fmt.Errorf("message requires org and from_agent ids")
	}
	if m.Type == "" {
		return fmt.Errorf("message requires a type")
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Priority == 0 {
		m.Priority = DefaultPriority
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	contextJSON := "{}"
	if m.Context != nil {
		raw, err := json.Marshal(m.Context)
		if err != nil {
			return fmt.Errorf("encode message context: %w", err)
		}
		contextJSON = string(raw)
	}

	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO inter_agent_message (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), m.ID, m.OrgID, m.FromAgentID, m.ToAgentID, m.Type, m.Subject, m.Content,
		m.Priority, dialect.BoolToInt(m.RequiresResponse), m.ResponseToID,
		contextJSON, m.ReadAt, m.RespondedAt, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

// Get returns one message by id within the org.
func (s *Store) Get(ctx context.Context, orgID, id string) (*Message, error) {
	var row messageRow
	r := s.pool.Reader()
	err := r.GetContext(ctx, &row, r.Rebind(`
		SELECT `+messageColumns+` FROM inter_agent_message
		WHERE organization_id = ? AND id = ?
	`), orgID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return row.decode()
}

// Pending returns unread messages addressed to the agent or broadcast to
// the org, highest priority first, oldest first within a priority.
func (s *Store) Pending(ctx context.Context, orgID, agentID string) ([]*Message, error) {
	var rows []messageRow
	r := s.pool.Reader()
	err := r.SelectContext(ctx, &rows, r.Rebind(`
		SELECT `+messageColumns+` FROM inter_agent_message
		WHERE organization_id = ? AND read_at IS NULL
		  AND (to_agent_id = ? OR to_agent_id = '')
		  AND from_agent_id != ?
		ORDER BY priority DESC, created_at ASC
	`), orgID, agentID, agentID)
	if err != nil {
		return nil, fmt.Errorf("list pending messages for agent %s: %w", agentID, err)
	}
	return decodeRows(rows)
}

// MarkRead stamps read_at once; rereads keep the first timestamp.
func (s *Store) MarkRead(ctx context.Context, orgID, id string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE inter_agent_message SET read_at = ?
		WHERE organization_id = ? AND id = ? AND read_at IS NULL
	`), time.Now().UTC(), orgID, id)
	if err != nil {
		return fmt.Errorf("mark message %s read: %w", id, err)
	}
	return nil
}

// SetResponded stamps responded_at on the original message of a response.
func (s *Store) SetResponded(ctx context.Context, orgID, id string, at time.Time) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE inter_agent_message SET responded_at = ?
		WHERE organization_id = ? AND id = ?
	`), at.UTC(), orgID, id)
	if err != nil {
		return fmt.Errorf("set responded_at on message %s: %w", id, err)
	}
	return nil
}

// Conversation returns the messages exchanged between two agents in both
// directions, oldest first.
func (s *Store) Conversation(ctx context.Context, orgID, agentA, agentB string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []messageRow
	r := s.pool.Reader()
	err := r.SelectContext(ctx, &rows, r.Rebind(`
		SELECT `+messageColumns+` FROM inter_agent_message
		WHERE organization_id = ?
		  AND ((from_agent_id = ? AND to_agent_id = ?) OR (from_agent_id = ? AND to_agent_id = ?))
		ORDER BY created_at ASC
		LIMIT ?
	`), orgID, agentA, agentB, agentB, agentA, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversation %s/%s: %w", agentA, agentB, err)
	}
	return decodeRows(rows)
}

// ResponseTo returns the response row referencing the given message, or
// ErrNotFound when nobody has answered yet.
func (s *Store) ResponseTo(ctx context.Context, orgID, messageID string) (*Message, error) {
	var row messageRow
	r := s.pool.Reader()
	err := r.GetContext(ctx, &row, r.Rebind(`
		SELECT `+messageColumns+` FROM inter_agent_message
		WHERE organization_id = ? AND response_to_id = ?
		ORDER BY created_at ASC
		LIMIT 1
	`), orgID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: response to %s", ErrNotFound, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("get response to message %s: %w", messageID, err)
	}
	return row.decode()
}

func (r *messageRow) decode() (*Message, error) {
	m := r.Message
	if r.ContextJSON != "" && r.ContextJSON != "{}" {
		if err := json.Unmarshal([]byte(r.ContextJSON), &m.Context); err != nil {
			return nil, fmt.Errorf("decode context of message %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func decodeRows(rows []messageRow) ([]*Message, error) {
	out := make([]*Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
