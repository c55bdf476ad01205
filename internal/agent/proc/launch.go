package proc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/common/logger"
)

// Environment variables the launcher injects into agent subprocesses.
const (
	EnvSystemPrompt = "SIBYL_SYSTEM_PROMPT"
	EnvHooks        = "SIBYL_HOOKS"
	EnvAgentID      = "SIBYL_AGENT_ID"
	EnvOrgID        = "SIBYL_ORG_ID"
	EnvTaskID       = "SIBYL_TASK_ID"
	EnvSessionID    = "SIBYL_SESSION_ID"
)

// HookSet maps a lifecycle event name to the commands run when it fires.
type HookSet map[string][]string

// MergeHooks overlays override's entries onto base. An event present in
// both keeps only the override commands; base is not mutated.
func MergeHooks(base, override HookSet) HookSet {
	merged := make(HookSet, len(base)+len(override))
	for event, cmds := range base {
		merged[event] = append([]string(nil), cmds...)
	}
	for event, cmds := range override {
		merged[event] = append([]string(nil), cmds...)
	}
	return merged
}

// LaunchSpec describes the subprocess to start for one agent.
type LaunchSpec struct {
	// Command is the argv; Command[0] is the binary.
	Command []string
	// Dir is the working directory, normally the agent's worktree.
	Dir string
	// Env is layered over the parent environment.
	Env map[string]string

	SystemPrompt string
	// SessionID resumes a previous session when set.
	SessionID string
	Model     string
	// Hooks is the merged hook set handed to the subprocess.
	Hooks HookSet
}

// Process is a live agent subprocess.
type Process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	// Wait blocks until the process exits.
	Wait() error
	// Kill terminates the process immediately.
	Kill() error
}

// Launcher starts agent subprocesses.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher starts real OS subprocesses.
type ExecLauncher struct {
	logger *logger.Logger
}

func NewExecLauncher(log *logger.Logger) *ExecLauncher {
	return &ExecLauncher{
		logger: log.WithFields(zap.String("component", "exec-launcher")),
	}
}

// Launch starts the subprocess described by spec with its stdin and stdout
// piped. Stderr is drained into the log so agent diagnostics survive.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("launch spec has no command")
	}

	args := append([]string(nil), spec.Command[1:]...)
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.SessionID != "" {
		args = append(args, "--resume", spec.SessionID)
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], args...)
	cmd.Dir = spec.Dir

	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	if spec.SystemPrompt != "" {
		env = append(env, EnvSystemPrompt+"="+spec.SystemPrompt)
	}
	if spec.SessionID != "" {
		env = append(env, EnvSessionID+"="+spec.SessionID)
	}
	if len(spec.Hooks) > 0 {
		hooks, err := json.Marshal(spec.Hooks)
		if err != nil {
			return nil, fmt.Errorf("marshal hooks: %w", err)
		}
		env = append(env, EnvHooks+"="+string(hooks))
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command[0], err)
	}

	go l.drainStderr(spec.Command[0], stderr)

	l.logger.Debug("launched agent subprocess",
		zap.String("command", spec.Command[0]),
		zap.String("dir", spec.Dir),
		zap.Int("pid", cmd.Process.Pid))

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (l *ExecLauncher) drainStderr(command string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		l.logger.Debug("agent stderr",
			zap.String("command", command),
			zap.String("line", scanner.Text()))
	}
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	_ = p.stdin.Close()
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
