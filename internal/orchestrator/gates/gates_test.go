package gates

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyldev/sibyl/internal/common/config"
	"github.com/sibyldev/sibyl/internal/common/logger"
)

func newTestGateRunner(t *testing.T, timeoutSeconds int) *Runner {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	return NewRunner(config.OrchestratorConfig{GateTimeoutSeconds: timeoutSeconds}, log)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not installed", name)
	}
}

func TestDetectProjectStrictOrder(t *testing.T) {
	t.Run("python wins over typescript", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "pyproject.toml", "[project]\nname = \"x\"\n")
		writeFile(t, dir, "package.json", "{}")
		assert.Equal(t, ProjectPython, DetectProject(dir))
	})

	t.Run("typescript wins over go", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "package.json", "{}")
		writeFile(t, dir, "go.mod", "module x\n")
		assert.Equal(t, ProjectTypeScript, DetectProject(dir))
	})

	t.Run("rust", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "Cargo.toml", "[package]\nname = \"x\"\n")
		assert.Equal(t, ProjectRust, DetectProject(dir))
	})

	t.Run("go", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "go.mod", "module x\n")
		assert.Equal(t, ProjectGo, DetectProject(dir))
	})

	t.Run("unknown", func(t *testing.T) {
		assert.Equal(t, ProjectUnknown, DetectProject(t.TempDir()))
	})
}

func TestResolvePrefersPackageScripts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{
		"scripts": {
			"lint": "eslint .",
			"type-check": "tsc --noEmit",
			"test": "jest"
		}
	}`)

	assert.Equal(t, []string{"npm", "run", "lint", "--silent"}, Resolve(Lint, ProjectTypeScript, dir))
	assert.Equal(t, []string{"npm", "run", "type-check", "--silent"}, Resolve(Typecheck, ProjectTypeScript, dir))
	assert.Equal(t, []string{"npm", "test", "--silent"}, Resolve(Test, ProjectTypeScript, dir))
}

func TestRunTruncatesOutput(t *testing.T) {
	requireTool(t, "sh")
	r := newTestGateRunner(t, 30)

	res := r.runResolved(context.Background(), Lint, t.TempDir(), []string{"sh", "-c", "seq 1 150"})
	assert.True(t, res.Passed)
	assert.Contains(t, res.Output, "more lines truncated")
	// 100 kept lines plus the marker.
	assert.Len(t, strings.Split(res.Output, "\n"), MaxOutputLines+1)
}

func TestRunTimesOut(t *testing.T) {
	requireTool(t, "sh")
	r := newTestGateRunner(t, 1)

	res := r.runResolved(context.Background(), Test, t.TempDir(), []string{"sh", "-c", "sleep 3"})
	assert.False(t, res.Passed)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "timed out")
}

func TestRunFailureFollowsExitCode(t *testing.T) {
	requireTool(t, "sh")
	r := newTestGateRunner(t, 30)

	res := r.runResolved(context.Background(), Lint, t.TempDir(),
		[]string{"sh", "-c", "echo 'main.go:10:2: undefined variable'; exit 1"})
	assert.False(t, res.Passed)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "main.go:10:2")
	assert.Equal(t, float64(1), res.Metrics["errors"])
}

func TestSecurityIgnoresExitCode(t *testing.T) {
	requireTool(t, "sh")
	r := newTestGateRunner(t, 30)

	low := r.runResolved(context.Background(), Security, t.TempDir(),
		[]string{"sh", "-c", "echo 'found 3 vulnerabilities (2 low, 1 moderate)'; exit 1"})
	assert.True(t, low.Passed)
	assert.Empty(t, low.Errors)
	assert.NotEmpty(t, low.Warnings)

	crit := r.runResolved(context.Background(), Security, t.TempDir(),
		[]string{"sh", "-c", "echo '1 critical vulnerability in left-pad'; exit 0"})
	assert.False(t, crit.Passed)
	require.NotEmpty(t, crit.Errors)
	assert.Contains(t, crit.Errors[0], "critical")
}

func TestDiagnosticsParserCaps(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&b, "pkg/file.go:%d:1: something is wrong here\n", i+1)
	}
	res := parseDiagnostics(b.String(), false)
	assert.Len(t, res.Errors, maxDiagnostics)
}

func TestTestParserCountsAndCaps(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 25; i++ {
		fmt.Fprintf(&b, "FAILED tests/test_app.py::test_case_%d - AssertionError\n", i)
	}
	b.WriteString("== 25 failed, 3 passed in 4.21s ==\n")

	res := parseTest(b.String(), false)
	assert.False(t, res.Passed)
	assert.Len(t, res.Errors, maxFindings)
	assert.Equal(t, float64(25), res.Metrics["tests_failed"])
	assert.Equal(t, float64(3), res.Metrics["tests_passed"])
}

func TestDiagnosticsSplitsWarnings(t *testing.T) {
	out := "src/app.ts:3:1: warning: unused import\nsrc/app.ts:9:5: error: missing return\n"
	res := parseDiagnostics(out, false)
	assert.Len(t, res.Warnings, 1)
	assert.Len(t, res.Errors, 1)
}

func TestGateWithNoToolPassesVacuously(t *testing.T) {
	r := newTestGateRunner(t, 30)

	res := r.Run(context.Background(), Lint, t.TempDir())
	assert.True(t, res.Passed)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "no lint tool available")
}

func TestReviewGatesAreNotExecuted(t *testing.T) {
	r := newTestGateRunner(t, 30)

	for _, gate := range []string{AIReview, HumanReview} {
		res := r.Run(context.Background(), gate, t.TempDir())
		assert.True(t, res.Passed, gate)
		assert.Empty(t, res.Errors, gate)
	}
	assert.False(t, IsExecutable(AIReview))
	assert.False(t, IsExecutable(HumanReview))
	assert.True(t, IsExecutable(Security))
	assert.True(t, IsHuman(HumanReview))
}

func TestTruncateLinesKeepsShortOutput(t *testing.T) {
	s := "one\ntwo\nthree"
	assert.Equal(t, s, TruncateLines(s, 100))
}

func TestDefaultGates(t *testing.T) {
	assert.Equal(t, []string{Lint, Typecheck, Test, AIReview}, DefaultGates())
}
