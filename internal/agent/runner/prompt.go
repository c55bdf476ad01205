package runner

import (
	"fmt"
	"strings"

	"github.com/sibyldev/sibyl/internal/agent/registry"
	"github.com/sibyldev/sibyl/internal/entity"
)

// runtimePreamble states the contract every agent runs under, independent
// of type and task.
const runtimePreamble = `You are an agent running inside the Sibyl runtime.

Rules of engagement:
- Work only inside your assigned worktree; never touch other branches.
- Tool use may require human approval. When a request is pending, wait; do
  not retry the same action.
- Report progress in plain text as you work. Your messages are streamed to
  operators and other agents.
- When your task is done, summarize what changed and stop.`

// BuildSystemPrompt layers the system prompt: runtime preamble and
// identity, then the agent type's role, then task context, then optional
// custom instructions. Empty layers are skipped.
func BuildSystemPrompt(rec *entity.AgentRecord, typeCfg *registry.TypeConfig, task *entity.Task, custom string) string {
	sections := []string{
		runtimePreamble,
		identitySection(rec, typeCfg),
	}
	if typeCfg.Role != "" {
		sections = append(sections, typeCfg.Role)
	}
	if task != nil {
		sections = append(sections, taskSection(task))
	}
	if custom != "" {
		sections = append(sections, "## Additional instructions\n\n"+custom)
	}
	return strings.Join(sections, "\n\n")
}

func identitySection(rec *entity.AgentRecord, typeCfg *registry.TypeConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Identity\n\n")
	fmt.Fprintf(&b, "You are %s (id %s), a %s agent.\n", rec.Name, rec.ID, typeCfg.ID)
	if rec.BranchName != "" {
		fmt.Fprintf(&b, "Your branch is %s.\n", rec.BranchName)
	}
	if rec.WorktreePath != "" {
		fmt.Fprintf(&b, "Your worktree is %s.\n", rec.WorktreePath)
	}
	if len(rec.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s.\n", strings.Join(rec.Tags, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func taskSection(task *entity.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Task\n\n")
	fmt.Fprintf(&b, "Title: %s\n", task.Name)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	if task.Priority != "" {
		fmt.Fprintf(&b, "Priority: %s\n", task.Priority)
	}
	if task.Complexity != "" {
		fmt.Fprintf(&b, "Complexity: %s\n", task.Complexity)
	}
	if len(task.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(task.Tags, ", "))
	}
	if len(task.Technologies) > 0 {
		fmt.Fprintf(&b, "Technologies: %s\n", strings.Join(task.Technologies, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// resumePrompt builds the first turn of a resumed agent. With a session
// the subprocess carries its own history and a short nudge suffices; a
// fresh restart needs the continuation spelled out.
func resumePrompt(hasSession bool, continuation string, task *entity.Task) string {
	if hasSession {
		if continuation != "" {
			return continuation
		}
		return "Continue with your current task."
	}

	var b strings.Builder
	b.WriteString("You are resuming after an interruption; your previous session is gone.\n")
	if task != nil {
		fmt.Fprintf(&b, "Your task is: %s.\n", task.Name)
		if task.Description != "" {
			fmt.Fprintf(&b, "%s\n", task.Description)
		}
	}
	if continuation != "" {
		b.WriteString(continuation)
		b.WriteString("\n")
	}
	b.WriteString("Re-check the current state of the worktree before changing anything, then continue from where the work stopped.")
	return b.String()
}
