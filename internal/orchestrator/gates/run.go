package gates

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/common/config"
	"github.com/sibyldev/sibyl/internal/common/logger"
)

const (
	// MaxOutputLines bounds the output kept per gate run.
	MaxOutputLines = 100

	// DefaultTimeout is the per-gate command timeout when none is
	// configured.
	DefaultTimeout = 300 * time.Second
)

// Runner executes quality gates in a worktree.
type Runner struct {
	cfg    config.OrchestratorConfig
	logger *logger.Logger
}

// NewRunner wires a gate runner.
func NewRunner(cfg config.OrchestratorConfig, log *logger.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "quality-gates")),
	}
}

func (r *Runner) timeout() time.Duration {
	if d := r.cfg.GateTimeout(); d > 0 {
		return d
	}
	return DefaultTimeout
}

// Run executes one gate in dir. A gate with no resolvable tool passes
// vacuously with a warning, so a half-equipped environment does not wedge
// every loop on missing linters.
func (r *Runner) Run(ctx context.Context, gate, dir string) *Result {
	if !IsExecutable(gate) {
		return &Result{
			Gate:     gate,
			Passed:   true,
			Warnings: []string{gate + " is not an executable gate"},
		}
	}

	project := DetectProject(dir)
	argv := Resolve(gate, project, dir)
	if len(argv) == 0 {
		r.logger.Warn("no tool available for gate",
			zap.String("gate", gate),
			zap.String("project", string(project)))
		res := &Result{
			Gate:   gate,
			Passed: true,
			Warnings: []string{fmt.Sprintf(
				"no %s tool available for %s project", strings.ToLower(gate), project)},
		}
		finishMetrics(res)
		return res
	}
	return r.runResolved(ctx, gate, dir, argv)
}

// runResolved runs an already-resolved command as the given gate.
func (r *Runner) runResolved(ctx context.Context, gate, dir string, argv []string) *Result {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	outBytes, runErr := cmd.CombinedOutput()
	duration := time.Since(start)

	output := TruncateLines(string(outBytes), MaxOutputLines)

	res := parseGate(gate, output, runErr == nil)
	res.Gate = gate
	res.Output = output
	res.DurationMs = duration.Milliseconds()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.Passed = false
		res.Errors = append([]string{fmt.Sprintf(
			"%s timed out after %s", strings.Join(argv, " "), r.timeout())}, res.Errors...)
	}
	finishMetrics(res)

	r.logger.Info("gate finished",
		zap.String("gate", gate),
		zap.Bool("passed", res.Passed),
		zap.Int("errors", len(res.Errors)),
		zap.Duration("duration", duration))
	return res
}
