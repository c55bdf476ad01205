package jobs

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sibyldev/sibyl/internal/agent/proc"
	"github.com/sibyldev/sibyl/internal/agent/runner"
	"github.com/sibyldev/sibyl/internal/agent/state"
)

// Persisted summaries are bounded so the message log stays a log, not a
// transcript dump. Full tool payloads live only on the stream.
const (
	maxToolInputChars  = 200
	maxToolResultChars = 400
	maxResultChars     = 2000
)

// formatMessage flattens one protocol message into message log rows,
// allocating message numbers from next in block order. Transient types
// (system, stream events, control traffic) produce no rows.
func formatMessage(inst *runner.Instance, msg *proc.Message, next *int64) []*state.AgentMessage {
	switch msg.Type {
	case proc.TypeAssistant:
		return formatAssistant(inst, msg, next)
	case proc.TypeUser:
		return formatUser(inst, msg, next)
	case proc.TypeResult:
		return []*state.AgentMessage{formatResult(inst, msg, next)}
	default:
		return nil
	}
}

func formatAssistant(inst *runner.Instance, msg *proc.Message, next *int64) []*state.AgentMessage {
	if msg.Message == nil {
		return nil
	}
	var rows []*state.AgentMessage
	for _, block := range msg.Message.Content {
		switch block.Type {
		case proc.BlockText:
			text := strings.TrimSpace(block.Text)
			if text == "" {
				continue
			}
			row := newRow(inst, next, state.MessageAssistant)
			row.Content = text
			row.Model = msg.Message.Model
			rows = append(rows, row)
		case proc.BlockToolUse:
			row := newRow(inst, next, state.MessageToolUse)
			row.ToolName = block.Name
			row.Content = summarizeToolInput(block.Input)
			row.Model = msg.Message.Model
			rows = append(rows, row)
		}
		// thinking blocks stay off the record
	}
	return rows
}

func formatUser(inst *runner.Instance, msg *proc.Message, next *int64) []*state.AgentMessage {
	if msg.Message == nil {
		return nil
	}
	var rows []*state.AgentMessage
	for _, block := range msg.Message.Content {
		switch block.Type {
		case proc.BlockText:
			text := strings.TrimSpace(block.Text)
			if text == "" {
				continue
			}
			row := newRow(inst, next, state.MessageUser)
			row.Content = text
			rows = append(rows, row)
		case proc.BlockToolResult:
			row := newRow(inst, next, state.MessageToolResult)
			row.Content = summarizeToolResult(block)
			rows = append(rows, row)
		}
	}
	return rows
}

func formatResult(inst *runner.Instance, msg *proc.Message, next *int64) *state.AgentMessage {
	row := newRow(inst, next, state.MessageResult)
	text := strings.TrimSpace(msg.Result)
	switch {
	case msg.IsError && text != "":
		row.Content = fmt.Sprintf("%s: %s", msg.Subtype, truncateText(text, maxResultChars))
	case msg.IsError:
		row.Content = msg.Subtype
	default:
		row.Content = truncateText(text, maxResultChars)
	}
	if msg.Usage != nil {
		row.TokensIn = msg.Usage.InputTokens
		row.TokensOut = msg.Usage.OutputTokens
	}
	row.CostUSD = msg.TotalCostUSD
	return row
}

// promptRow records a prompt the driver itself sent. Prompts are not
// echoed on the stream, so the supervisor logs them directly.
func promptRow(inst *runner.Instance, next *int64, content string) *state.AgentMessage {
	row := newRow(inst, next, state.MessageUser)
	row.Content = content
	return row
}

func newRow(inst *runner.Instance, next *int64, kind string) *state.AgentMessage {
	row := &state.AgentMessage{
		OrgID:      inst.OrgID,
		AgentID:    inst.ID,
		TaskID:     inst.TaskID,
		MessageNum: *next,
		Kind:       kind,
	}
	*next++
	return row
}

func summarizeToolInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	compact, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%d arguments", len(input))
	}
	return truncateText(string(compact), maxToolInputChars)
}

func summarizeToolResult(block proc.ContentBlock) string {
	content := strings.TrimSpace(block.Content)
	if block.IsError {
		if content == "" {
			return "tool error"
		}
		return "error: " + truncateText(content, maxToolResultChars)
	}
	if content == "" {
		return "(no output)"
	}
	return truncateText(content, maxToolResultChars)
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
