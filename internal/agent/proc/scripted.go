package proc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// ScriptFunc is an in-process agent implementation. It reads runner messages
// from in and writes protocol messages to out, returning when the session
// is over.
type ScriptFunc func(ctx context.Context, spec LaunchSpec, in io.Reader, out io.Writer)

// ScriptedLauncher runs agents as goroutines over in-memory pipes. It backs
// tests and single-process development setups where spawning a real binary
// is unwanted.
type ScriptedLauncher struct {
	script ScriptFunc
}

func NewScriptedLauncher(script ScriptFunc) *ScriptedLauncher {
	return &ScriptedLauncher{script: script}
}

func (l *ScriptedLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if l.script == nil {
		return nil, fmt.Errorf("scripted launcher has no script")
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	p := &scriptedProcess{
		stdin:    inW,
		stdout:   outR,
		scriptIn: inR,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		defer outW.Close()
		l.script(ctx, spec, inR, outW)
	}()
	return p, nil
}

type scriptedProcess struct {
	stdin    *io.PipeWriter
	stdout   *io.PipeReader
	scriptIn *io.PipeReader
	done     chan struct{}
}

func (p *scriptedProcess) Stdin() io.Writer  { return p.stdin }
func (p *scriptedProcess) Stdout() io.Reader { return p.stdout }

func (p *scriptedProcess) Wait() error {
	<-p.done
	return nil
}

func (p *scriptedProcess) Kill() error {
	err := p.scriptIn.CloseWithError(io.ErrClosedPipe)
	_ = p.stdin.Close()
	_ = p.stdout.Close()
	<-p.done
	return err
}

// Emitter writes protocol messages on the agent side of the stream. Writes
// are serialized so concurrent emitters cannot interleave lines.
type Emitter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{enc: json.NewEncoder(w)}
}

// Emit writes any protocol message as one line.
func (e *Emitter) Emit(msg any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(msg)
}

// System announces the session at the start of a turn.
func (e *Emitter) System(sessionID string) error {
	return e.Emit(&Message{
		Type:          TypeSystem,
		SessionID:     sessionID,
		SessionStatus: "active",
	})
}

// AssistantText emits an assistant message with a single text block.
func (e *Emitter) AssistantText(model, text string) error {
	return e.AssistantBlocks(model, ContentBlock{Type: BlockText, Text: text})
}

// AssistantBlocks emits an assistant message with the given blocks.
func (e *Emitter) AssistantBlocks(model string, blocks ...ContentBlock) error {
	return e.Emit(&Message{
		Type: TypeAssistant,
		Message: &Body{
			Role:    "assistant",
			Content: blocks,
			Model:   model,
		},
	})
}

// ToolResult emits a user message carrying one tool_result block.
func (e *Emitter) ToolResult(toolUseID, content string, isError bool) error {
	return e.Emit(&Message{
		Type: TypeUser,
		Message: &Body{
			Role: "user",
			Content: []ContentBlock{{
				Type:      BlockToolResult,
				ToolUseID: toolUseID,
				Content:   content,
				IsError:   isError,
			}},
		},
	})
}

// StreamDelta emits a partial text update for the block at index.
func (e *Emitter) StreamDelta(index int, text string) error {
	return e.Emit(&Message{
		Type: TypeStreamEvent,
		Event: &StreamEvent{
			Index: index,
			Delta: &TextDelta{Type: "text_delta", Text: text},
		},
	})
}

// PermissionRequest asks the runner whether a tool may run.
func (e *Emitter) PermissionRequest(requestID, toolName string, input map[string]any, toolUseID string) error {
	return e.Emit(&Message{
		Type:      TypeControlRequest,
		RequestID: requestID,
		Request: &ControlRequest{
			Subtype:   SubtypeCanUseTool,
			ToolName:  toolName,
			Input:     input,
			ToolUseID: toolUseID,
		},
	})
}

// Success terminates the stream with a successful result.
func (e *Emitter) Success(sessionID, text string, usage Usage, costUSD float64, durationMS int64) error {
	return e.Emit(&Message{
		Type:         TypeResult,
		Subtype:      ResultSuccess,
		SessionID:    sessionID,
		Result:       text,
		Usage:        &usage,
		TotalCostUSD: costUSD,
		DurationMS:   durationMS,
		NumTurns:     1,
	})
}

// Failure terminates the stream with an error result.
func (e *Emitter) Failure(sessionID, errText string, durationMS int64) error {
	return e.Emit(&Message{
		Type:       TypeResult,
		Subtype:    ResultErrorExecution,
		SessionID:  sessionID,
		Result:     errText,
		IsError:    true,
		DurationMS: durationMS,
		NumTurns:   1,
	})
}

// ReadIncoming scans runner-to-agent lines and invokes handle for each.
// It returns when the stream ends or ctx is cancelled.
func ReadIncoming(ctx context.Context, in io.Reader, handle func(*Incoming) bool) error {
	scanner := bufio.NewScanner(in)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Incoming
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if !handle(&msg) {
			return nil
		}
	}
	return scanner.Err()
}

// TextScript returns a script that answers every prompt with reply and the
// given accounting, under session id.
func TextScript(sessionID, reply string, usage Usage, costUSD float64) ScriptFunc {
	return func(ctx context.Context, spec LaunchSpec, in io.Reader, out io.Writer) {
		em := NewEmitter(out)
		_ = ReadIncoming(ctx, in, func(msg *Incoming) bool {
			if msg.Type != TypeUser || msg.Message == nil {
				return true
			}
			_ = em.System(sessionID)
			_ = em.AssistantText(spec.Model, reply)
			_ = em.Success(sessionID, reply, usage, costUSD, 5)
			return false
		})
	}
}
