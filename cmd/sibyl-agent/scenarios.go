package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sibyldev/sibyl/internal/agent/proc"
)

var toolCallCounter int

func nextToolID() string {
	toolCallCounter++
	return fmt.Sprintf("dev_tool_%04d", toolCallCounter)
}

func defaultUsage() proc.Usage {
	return proc.Usage{InputTokens: 1200, OutputTokens: 350}
}

// delayRange returns min/max delay in milliseconds based on model name, so
// slow-path behavior is reachable by asking for a different model.
func delayRange(model string) (int, int) {
	switch model {
	case "sibyl-dev-fast":
		return 1, 5
	case "sibyl-dev-slow":
		return 500, 2000
	default:
		return 20, 120
	}
}

func stepDelay(model string) {
	lo, hi := delayRange(model)
	time.Sleep(time.Duration(lo+(hi-lo)/2) * time.Millisecond)
}

// handlePrompt routes one user prompt to a scenario. Every turn starts with
// a system message and ends with exactly one result.
func handlePrompt(em *proc.Emitter, scanner *bufio.Scanner, prompt, model string) {
	prompt = strings.TrimSpace(prompt)
	_ = em.System(sessionID)

	started := time.Now()
	switch {
	case strings.EqualFold(prompt, "/fail") || strings.HasPrefix(strings.ToLower(prompt), "/fail "):
		runFailure(em, model, started)
		return
	case strings.HasPrefix(strings.ToLower(prompt), "/sleep"):
		runSleep(em, prompt, model)
	case strings.HasPrefix(strings.ToLower(prompt), "/gate"):
		runGatedTool(em, scanner, model)
	case strings.HasPrefix(prompt, "Before you finish"):
		runWrapUp(em, model)
	default:
		runWork(em, prompt, model)
	}

	_ = em.Success(sessionID, "Done.", defaultUsage(), 0.0042, time.Since(started).Milliseconds())
}

// runWork is the default scenario: a thinking block, streamed text, one
// tool call, and a summary.
func runWork(em *proc.Emitter, prompt, model string) {
	_ = em.AssistantBlocks(model, proc.ContentBlock{
		Type:     proc.BlockThinking,
		Thinking: "Breaking the request into steps and checking what the workspace needs.",
	})
	stepDelay(model)

	_ = em.StreamDelta(0, "Working on it")
	_ = em.StreamDelta(0, "...")
	_ = em.AssistantText(model, "Working on it. I'll inspect the relevant files first.")
	stepDelay(model)

	toolID := nextToolID()
	_ = em.AssistantBlocks(model, proc.ContentBlock{
		Type: proc.BlockToolUse,
		ID:   toolID,
		Name: "read_file",
		Input: map[string]any{
			"path": "README.md",
		},
	})
	stepDelay(model)
	_ = em.ToolResult(toolID, "# Project\n\nSample contents for the development agent.", false)
	stepDelay(model)

	summary := "Finished: " + truncate(prompt, 80)
	if taskID := envValue(proc.EnvTaskID); taskID != "" {
		summary += " (task " + taskID + ")"
	}
	_ = em.AssistantText(model, summary)
}

// runWrapUp answers the completion reminder with a plain summary turn and
// no tool use, so the session can end.
func runWrapUp(em *proc.Emitter, model string) {
	stepDelay(model)
	_ = em.AssistantText(model, "Reviewed the changes against the task. Outcome: scripted scenario completed as requested.")
}

// runFailure emits some output and terminates the stream with an error
// result.
func runFailure(em *proc.Emitter, model string, started time.Time) {
	_ = em.AssistantText(model, "Simulating a failing execution...")
	stepDelay(model)
	_ = em.Failure(sessionID, "scripted failure: the task could not be completed", time.Since(started).Milliseconds())
}

// runSleep holds the turn open for the requested duration. "/sleep 90s"
// outlives heartbeat thresholds, which is the point.
func runSleep(em *proc.Emitter, prompt, model string) {
	d := 5 * time.Second
	if parts := strings.Fields(prompt); len(parts) >= 2 {
		if parsed, err := time.ParseDuration(parts[1]); err == nil && parsed > 0 {
			d = parsed
		}
	}
	_ = em.AssistantText(model, fmt.Sprintf("Sleeping for %s.", d))
	time.Sleep(d)
	_ = em.AssistantText(model, "Awake again.")
}

// runGatedTool requests permission before running its tool, exercising the
// approval round trip.
func runGatedTool(em *proc.Emitter, scanner *bufio.Scanner, model string) {
	toolID := nextToolID()
	input := map[string]any{"command": "rm -rf build/"}

	_ = em.AssistantText(model, "This step needs a destructive command, asking first.")
	stepDelay(model)

	if !requestPermission(em, scanner, "run_command", toolID, input) {
		_ = em.AssistantText(model, "Permission denied, skipping the command.")
		return
	}

	_ = em.AssistantBlocks(model, proc.ContentBlock{
		Type:  proc.BlockToolUse,
		ID:    toolID,
		Name:  "run_command",
		Input: input,
	})
	stepDelay(model)
	_ = em.ToolResult(toolID, "removed build/", false)
	_ = em.AssistantText(model, "Command finished cleanly.")
}

// requestPermission sends a can_use_tool control request and blocks on the
// runner's decision. Anything other than an allow result is a denial.
func requestPermission(em *proc.Emitter, scanner *bufio.Scanner, toolName, toolUseID string, input map[string]any) bool {
	requestID := fmt.Sprintf("perm-%s-%s", toolName, toolUseID)
	_ = em.PermissionRequest(requestID, toolName, input, toolUseID)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg proc.Incoming
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Type == proc.TypeControlResponse && msg.Response != nil {
			if msg.Response.Result != nil {
				return msg.Response.Result.Behavior == proc.BehaviorAllow
			}
			return false
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func envValue(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
