// Package gates runs the quality checks standing between a worker's
// "done" and the orchestrator accepting the work: lint, typecheck, tests,
// and security scanning over the task's worktree. Review gates exist as
// names only; the orchestrator routes those through the approval queue or
// a reviewer agent instead of shelling out.
package gates

import (
	"github.com/sibyldev/sibyl/internal/entity"
)

// Gate names as stored in an orchestrator's gate_config.
const (
	Lint        = "LINT"
	Typecheck   = "TYPECHECK"
	Test        = "TEST"
	Security    = "SECURITY"
	AIReview    = "AI_REVIEW"
	HumanReview = "HUMAN_REVIEW"
)

// DefaultGates is the gate set a new orchestrator gets when none is
// configured.
func DefaultGates() []string {
	return []string{Lint, Typecheck, Test, AIReview}
}

// IsHuman reports whether the gate is the human review barrier.
func IsHuman(gate string) bool { return gate == HumanReview }

// IsExecutable reports whether the gate shells out to project tooling.
func IsExecutable(gate string) bool {
	switch gate {
	case Lint, Typecheck, Test, Security:
		return true
	}
	return false
}

// Result is one gate run.
type Result struct {
	Gate       string             `json:"gate"`
	Passed     bool               `json:"passed"`
	Output     string             `json:"output,omitempty"`
	Errors     []string           `json:"errors,omitempty"`
	Warnings   []string           `json:"warnings,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	DurationMs int64              `json:"duration_ms"`
}

// Outcome converts the result to the form persisted on the orchestrator
// record. Raw output stays out of the graph.
func (r *Result) Outcome() entity.GateOutcome {
	return entity.GateOutcome{
		Gate:       r.Gate,
		Passed:     r.Passed,
		Errors:     r.Errors,
		Warnings:   r.Warnings,
		DurationMs: r.DurationMs,
	}
}
