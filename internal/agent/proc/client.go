package proc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/common/logger"
)

// RequestHandler handles control requests from the agent. It receives the
// request id and should answer with SendPermission.
type RequestHandler func(requestID string, req *ControlRequest)

// MessageHandler handles streaming messages from the agent.
type MessageHandler func(msg *Message)

// Client is the runner's side of the stream. It reads JSON lines from the
// agent's stdout and writes prompts and control responses to its stdin.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	requestHandler RequestHandler
	messageHandler MessageHandler

	mu       sync.RWMutex
	writeMu  sync.Mutex
	done     chan struct{}
	finished chan struct{}
}

// NewClient creates a stream client over the given pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:    stdin,
		stdout:   stdout,
		logger:   log.WithFields(zap.String("component", "proc-client")),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// SetRequestHandler sets the handler for control requests. Without one,
// every permission request is denied.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// SetMessageHandler sets the handler for streaming messages.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// Start begins reading from stdout in a goroutine. The returned channel is
// closed once the read loop is running.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop stops the client. Safe to call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Done is closed when the read loop exits, either because the stream ended
// or the client was stopped. A stream that ends without a result message
// means the subprocess died mid-turn.
func (c *Client) Done() <-chan struct{} {
	return c.finished
}

// SendPrompt sends a user prompt to the agent.
func (c *Client) SendPrompt(content string) error {
	return c.send(&PromptMessage{
		Type: TypeUser,
		Message: PromptBody{
			Role:    "user",
			Content: content,
		},
	})
}

// SendPermission answers a tool permission request.
func (c *Client) SendPermission(requestID string, allow bool, message string) error {
	behavior := BehaviorDeny
	if allow {
		behavior = BehaviorAllow
	}
	return c.send(&ControlResponseMessage{
		Type:      TypeControlResponse,
		RequestID: requestID,
		Response: &ControlResponse{
			Subtype: "success",
			Result: &PermissionResult{
				Behavior: behavior,
				Message:  message,
			},
		},
	})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	defer close(c.finished)

	scanner := bufio.NewScanner(c.stdout)
	// Tool outputs can be large; allow lines up to 10MB.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("stream read ended with error", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("dropping unparseable stream line",
			zap.Error(err), zap.Int("bytes", len(line)))
		return
	}

	if msg.Type == TypeControlRequest && msg.Request != nil {
		c.handleControlRequest(msg.RequestID, msg.Request)
		return
	}

	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(&msg)
	}
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	if handler == nil {
		c.logger.Warn("control request without handler, denying",
			zap.String("request_id", requestID),
			zap.String("tool", req.ToolName))
		if err := c.SendPermission(requestID, false, "no permission handler registered"); err != nil {
			c.logger.Warn("failed to send denial", zap.Error(err))
		}
		return
	}
	handler(requestID, req)
}
