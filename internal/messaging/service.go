package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/events"
	"github.com/sibyldev/sibyl/internal/events/bus"
)

// QueryPollInterval is how often a blocking query re-reads the SQL store
// for a response row. Polling survives process restarts; a subscription
// would not.
const QueryPollInterval = 500 * time.Millisecond

// DefaultQueryTimeout bounds a blocking query when the caller does not
// choose a deadline.
const DefaultQueryTimeout = 60 * time.Second

// ErrNoResponse is returned by Query when the deadline passes without a
// response row. The request row stays pending; a late answer is still
// recorded and discoverable through the store.
var ErrNoResponse = errors.New("no response before deadline")

// SendRequest describes one message to send. OrgID and FromAgentID are
// required; an empty ToAgentID broadcasts to the org.
type SendRequest struct {
	OrgID            string
	FromAgentID      string
	ToAgentID        string
	Type             MessageType
	Subject          string
	Content          string
	Priority         int
	RequiresResponse bool
	ResponseToID     string
	Context          map[string]interface{}
}

// Service sends and receives inter-agent messages. Every send persists the
// row first, then publishes a per-org event; publish failures are logged
// and never fail the send.
type Service struct {
	store  *Store
	bus    bus.EventBus
	logger *logger.Logger
}

// NewService wires the service against the message store and the bus.
func NewService(store *Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "messaging")),
	}
}

// Send persists the message and publishes it on the org channel.
func (s *Service) Send(ctx context.Context, req SendRequest) (*Message, error) {
	m := &Message{
		OrgID:            req.OrgID,
		FromAgentID:      req.FromAgentID,
		ToAgentID:        req.ToAgentID,
		Type:             req.Type,
		Subject:          req.Subject,
		Content:          req.Content,
		Priority:         req.Priority,
		RequiresResponse: req.RequiresResponse,
		ResponseToID:     req.ResponseToID,
		Context:          req.Context,
	}
	if err := s.store.Insert(ctx, m); err != nil {
		return nil, err
	}
	s.publish(ctx, m)
	return m, nil
}

// Progress reports routine forward movement. Lowest urgency.
func (s *Service) Progress(ctx context.Context, orgID, from, to, subject, content string) (*Message, error) {
	return s.Send(ctx, SendRequest{
		OrgID: orgID, FromAgentID: from, ToAgentID: to,
		Type: TypeProgress, Subject: subject, Content: content,
	})
}

// Blocker reports that the sender cannot proceed. High priority.
func (s *Service) Blocker(ctx context.Context, orgID, from, to, subject, content string) (*Message, error) {
	return s.Send(ctx, SendRequest{
		OrgID: orgID, FromAgentID: from, ToAgentID: to,
		Type: TypeBlocker, Subject: subject, Content: content,
		Priority: BlockerPriority,
	})
}

// Delegate hands a piece of work to another agent.
func (s *Service) Delegate(ctx context.Context, orgID, from, to, subject, content string) (*Message, error) {
	return s.Send(ctx, SendRequest{
		OrgID: orgID, FromAgentID: from, ToAgentID: to,
		Type: TypeDelegation, Subject: subject, Content: content,
	})
}

// ReviewRequest asks another agent to review completed work.
func (s *Service) ReviewRequest(ctx context.Context, orgID, from, to, subject, content string) (*Message, error) {
	return s.Send(ctx, SendRequest{
		OrgID: orgID, FromAgentID: from, ToAgentID: to,
		Type: TypeReviewRequest, Subject: subject, Content: content,
	})
}

// Query sends a response-required message and blocks until a response row
// lands or the timeout passes. The store is polled every QueryPollInterval;
// a responder that answers after this caller died still leaves a durable
// row that a reattached caller can find.
func (s *Service) Query(ctx context.Context, orgID, from, to, subject, content string, timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	sent, err := s.Send(ctx, SendRequest{
		OrgID: orgID, FromAgentID: from, ToAgentID: to,
		Type: TypeQuery, Subject: subject, Content: content,
		Priority:         QueryPriority,
		RequiresResponse: true,
	})
	if err != nil {
		return nil, err
	}
	return s.AwaitResponse(ctx, orgID, sent.ID, timeout)
}

// AwaitResponse polls for a response to an already-sent message. Split out
// of Query so restarted callers can resume a wait they started elsewhere.
func (s *Service) AwaitResponse(ctx context.Context, orgID, messageID string, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(QueryPollInterval)
	defer ticker.Stop()

	for {
		resp, err := s.store.ResponseTo(ctx, orgID, messageID)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: message %s", ErrNoResponse, messageID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Respond answers a message: a second row referencing the original, a
// responded_at stamp on the original, and the usual publish.
func (s *Service) Respond(ctx context.Context, orgID, messageID, from, content string) (*Message, error) {
	original, err := s.store.Get(ctx, orgID, messageID)
	if err != nil {
		return nil, err
	}

	resp, err := s.Send(ctx, SendRequest{
		OrgID:        orgID,
		FromAgentID:  from,
		ToAgentID:    original.FromAgentID,
		Type:         TypeResponse,
		Subject:      original.Subject,
		Content:      content,
		ResponseToID: original.ID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.SetResponded(ctx, orgID, original.ID, resp.CreatedAt); err != nil {
		return nil, err
	}
	return resp, nil
}

// Pending returns unread messages for the agent, blockers first.
func (s *Service) Pending(ctx context.Context, orgID, agentID string) ([]*Message, error) {
	return s.store.Pending(ctx, orgID, agentID)
}

// MarkRead stamps one message as read.
func (s *Service) MarkRead(ctx context.Context, orgID, messageID string) error {
	return s.store.MarkRead(ctx, orgID, messageID)
}

// Conversation returns the two-way history between two agents.
func (s *Service) Conversation(ctx context.Context, orgID, agentA, agentB string, limit int) ([]*Message, error) {
	return s.store.Conversation(ctx, orgID, agentA, agentB, limit)
}

// Get returns one message by id.
func (s *Service) Get(ctx context.Context, orgID, messageID string) (*Message, error) {
	return s.store.Get(ctx, orgID, messageID)
}

func (s *Service) publish(ctx context.Context, m *Message) {
	if s.bus == nil {
		return
	}
	evt := bus.NewEvent(events.InterAgentMessage, "messaging", map[string]interface{}{
		"message_id":        m.ID,
		"organization_id":   m.OrgID,
		"from_agent_id":     m.FromAgentID,
		"to_agent_id":       m.ToAgentID,
		"message_type":      string(m.Type),
		"subject":           m.Subject,
		"priority":          m.Priority,
		"requires_response": m.RequiresResponse,
		"response_to_id":    m.ResponseToID,
	})
	if err := s.bus.Publish(ctx, events.BuildInterAgentMessageSubject(m.OrgID), evt); err != nil {
		s.logger.Debug("message broadcast failed",
			zap.String("message_id", m.ID), zap.Error(err))
	}
}
