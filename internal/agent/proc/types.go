// Package proc defines the stream-json protocol spoken between the runner
// and agent subprocesses, plus the launchers that start them. Every line on
// the wire is one JSON message; the type field selects the shape.
package proc

import "strings"

// Message types.
const (
	TypeSystem          = "system"
	TypeUser            = "user"
	TypeAssistant       = "assistant"
	TypeResult          = "result"
	TypeStreamEvent     = "stream_event"
	TypeControlRequest  = "control_request"
	TypeControlResponse = "control_response"
)

// Content block types.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Result subtypes. A stream always terminates with a result message.
const (
	ResultSuccess        = "success"
	ResultErrorMaxTurns  = "error_max_turns"
	ResultErrorExecution = "error_during_execution"
)

// Control request subtypes.
const (
	// SubtypeCanUseTool asks the runner for permission to use a tool.
	SubtypeCanUseTool = "can_use_tool"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Message is one line read from the agent's stdout. Type determines which
// fields are populated.
type Message struct {
	Type string `json:"type"`

	// system and result messages carry the session id
	SessionID     string `json:"session_id,omitempty"`
	SessionStatus string `json:"session_status,omitempty"`

	// user / assistant messages
	Message *Body `json:"message,omitempty"`
	// ParentToolUseID links subagent output to the spawning tool_use block.
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`

	// result messages
	Subtype      string  `json:"subtype,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
	Result       string  `json:"result,omitempty"`

	// control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// control_response messages
	Response *ControlResponse `json:"response,omitempty"`

	// stream_event messages
	Event *StreamEvent `json:"event,omitempty"`
}

// Body is the content of a user or assistant message.
type Body struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
}

// ContentBlock is one block inside a message body.
type ContentBlock struct {
	Type string `json:"type"`

	// text block
	Text string `json:"text,omitempty"`

	// thinking block
	Thinking string `json:"thinking,omitempty"`

	// tool_use block
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result block
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Usage carries token counts for a turn.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ControlRequest is a request from the agent that needs a runner decision,
// currently only tool permission checks.
type ControlRequest struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponseMessage answers a control request.
type ControlResponseMessage struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the body of a control response.
type ControlResponse struct {
	Subtype string            `json:"subtype"`
	Result  *PermissionResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// PermissionResult is the runner's decision on a tool permission request.
type PermissionResult struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

// PromptMessage is the user message the runner sends to start a turn.
type PromptMessage struct {
	Type    string     `json:"type"`
	Message PromptBody `json:"message"`
}

// PromptBody holds the prompt text.
type PromptBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Incoming is the minimal parse of runner-to-agent lines, used on the agent
// side of the stream.
type Incoming struct {
	Type      string           `json:"type"`
	Message   *PromptBody      `json:"message,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
	Response  *ControlResponse `json:"response,omitempty"`
}

// StreamEvent is a partial content update emitted while a block is being
// produced.
type StreamEvent struct {
	Index int        `json:"index,omitempty"`
	Delta *TextDelta `json:"delta,omitempty"`
}

// TextDelta is an incremental text fragment.
type TextDelta struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// Text concatenates the text blocks of the message body.
func (m *Message) Text() string {
	if m.Message == nil {
		return ""
	}
	var b strings.Builder
	for _, blk := range m.Message.Content {
		if blk.Type == BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// ToolUses returns the tool_use blocks of the message body.
func (m *Message) ToolUses() []ContentBlock {
	if m.Message == nil {
		return nil
	}
	var uses []ContentBlock
	for _, blk := range m.Message.Content {
		if blk.Type == BlockToolUse {
			uses = append(uses, blk)
		}
	}
	return uses
}
